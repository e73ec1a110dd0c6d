package alerts

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrInvalidPrice     = errors.New("target price must be positive")
	ErrInvalidSymbol    = errors.New("symbol is required")
	ErrInvalidDirection = errors.New("direction must be above or below")
	ErrDuplicateAlert   = errors.New("an equivalent active alert already exists")
	ErrAlertTriggered   = errors.New("triggered alerts cannot be modified")
	ErrMalformedImport  = errors.New("malformed alert import")

	// ErrPersistence matches every PersistenceFailure via errors.Is.
	ErrPersistence = errors.New("alert persistence failure")
)

// PersistenceFailure describes a failed load or save of the alert
// collection. It is reported to observers and logged; store operations never
// return it.
type PersistenceFailure struct {
	Op  string // load | save | delete | encode
	Key string
	Err error
	At  time.Time
}

func (f PersistenceFailure) Error() string {
	return fmt.Sprintf("alert store %s %q: %v", f.Op, f.Key, f.Err)
}

func (f PersistenceFailure) Unwrap() error { return f.Err }

func (f PersistenceFailure) Is(target error) bool { return target == ErrPersistence }
