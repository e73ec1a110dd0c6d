package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Direction is the condition under which a price alert fires.
type Direction string

const (
	Above Direction = "above"
	Below Direction = "below"
)

func (d Direction) String() string { return string(d) }

// Valid reports whether d is Above or Below.
func (d Direction) Valid() bool {
	return d == Above || d == Below
}

// ParseDirection accepts "above"/"below" in any case.
func ParseDirection(s string) (Direction, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "above":
		return Above, true
	case "below":
		return Below, true
	default:
		return "", false
	}
}

// NormalizeSymbol trims and upper-cases a ticker.
func NormalizeSymbol(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}

// PriceAlert represents a user-defined price alert on a single symbol.
type PriceAlert struct {
	ID          string
	Symbol      string
	TargetPrice decimal.Decimal
	Direction   Direction
	Active      bool
	CreatedAt   time.Time
	TriggeredAt *time.Time
}

// Matches reports whether price satisfies the alert's direction condition.
// Both bounds are inclusive.
func (a PriceAlert) Matches(price decimal.Decimal) bool {
	switch a.Direction {
	case Above:
		return price.GreaterThanOrEqual(a.TargetPrice)
	case Below:
		return price.LessThanOrEqual(a.TargetPrice)
	default:
		return false
	}
}

// Triggered reports whether the alert was deactivated by firing.
func (a PriceAlert) Triggered() bool {
	return !a.Active && a.TriggeredAt != nil
}

// Equal compares two alerts by value.
func (a PriceAlert) Equal(b PriceAlert) bool {
	if a.ID != b.ID || a.Symbol != b.Symbol || a.Direction != b.Direction || a.Active != b.Active {
		return false
	}
	if !a.TargetPrice.Equal(b.TargetPrice) || !a.CreatedAt.Equal(b.CreatedAt) {
		return false
	}
	if (a.TriggeredAt == nil) != (b.TriggeredAt == nil) {
		return false
	}
	return a.TriggeredAt == nil || a.TriggeredAt.Equal(*b.TriggeredAt)
}

// alertJSON is the persisted and API form of PriceAlert: prices are JSON
// numbers and timestamps are epoch milliseconds.
type alertJSON struct {
	ID          string      `json:"id"`
	Symbol      string      `json:"symbol"`
	TargetPrice json.Number `json:"targetPrice"`
	Direction   Direction   `json:"direction"`
	Active      *bool       `json:"active"`
	CreatedAt   int64       `json:"createdAt"`
	TriggeredAt *int64      `json:"triggeredAt,omitempty"`
}

func (a PriceAlert) MarshalJSON() ([]byte, error) {
	active := a.Active
	out := alertJSON{
		ID:          a.ID,
		Symbol:      a.Symbol,
		TargetPrice: json.Number(a.TargetPrice.String()),
		Direction:   a.Direction,
		Active:      &active,
		CreatedAt:   a.CreatedAt.UnixMilli(),
	}
	if a.TriggeredAt != nil {
		ms := a.TriggeredAt.UnixMilli()
		out.TriggeredAt = &ms
	}
	return json.Marshal(out)
}

// UnmarshalJSON rejects records missing any required field.
func (a *PriceAlert) UnmarshalJSON(b []byte) error {
	var in alertJSON
	if err := json.Unmarshal(b, &in); err != nil {
		return err
	}
	var missing []string
	if in.ID == "" {
		missing = append(missing, "id")
	}
	if in.Symbol == "" {
		missing = append(missing, "symbol")
	}
	if in.TargetPrice == "" {
		missing = append(missing, "targetPrice")
	}
	if in.Direction == "" {
		missing = append(missing, "direction")
	}
	if in.Active == nil {
		missing = append(missing, "active")
	}
	if in.CreatedAt == 0 {
		missing = append(missing, "createdAt")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing fields: %s", strings.Join(missing, ", "))
	}
	dir, ok := ParseDirection(string(in.Direction))
	if !ok {
		return fmt.Errorf("unknown direction %q", in.Direction)
	}
	price, err := decimal.NewFromString(in.TargetPrice.String())
	if err != nil {
		return fmt.Errorf("targetPrice: %w", err)
	}
	*a = PriceAlert{
		ID:          in.ID,
		Symbol:      NormalizeSymbol(in.Symbol),
		TargetPrice: price,
		Direction:   dir,
		Active:      *in.Active,
		CreatedAt:   time.UnixMilli(in.CreatedAt),
	}
	if in.TriggeredAt != nil {
		t := time.UnixMilli(*in.TriggeredAt)
		a.TriggeredAt = &t
	}
	return nil
}

// Patch holds the fields of a partial update. Nil fields are left untouched.
type Patch struct {
	Symbol      *string          `json:"symbol,omitempty"`
	TargetPrice *decimal.Decimal `json:"targetPrice,omitempty"`
	Direction   *Direction       `json:"direction,omitempty"`
	Active      *bool            `json:"active,omitempty"`
}

// Empty reports whether the patch changes nothing.
func (p Patch) Empty() bool {
	return p.Symbol == nil && p.TargetPrice == nil && p.Direction == nil && p.Active == nil
}

// Apply merges the patch into a copy of a.
func (p Patch) Apply(a PriceAlert) PriceAlert {
	if p.Symbol != nil {
		a.Symbol = NormalizeSymbol(*p.Symbol)
	}
	if p.TargetPrice != nil {
		a.TargetPrice = *p.TargetPrice
	}
	if p.Direction != nil {
		a.Direction = *p.Direction
	}
	if p.Active != nil {
		a.Active = *p.Active
	}
	return a
}

// Tick is a single (symbol, price) observation.
type Tick struct {
	Symbol string          `json:"symbol"`
	Price  decimal.Decimal `json:"price"`
}

var errTickSymbol = errors.New("tick symbol is empty")

// Validate rejects ticks the evaluator skips.
func (t Tick) Validate() error {
	if NormalizeSymbol(t.Symbol) == "" {
		return errTickSymbol
	}
	if !t.Price.IsPositive() {
		return fmt.Errorf("tick price %s is not positive", t.Price)
	}
	return nil
}

// TriggeredAlert is an alert that fired together with the price that fired it.
type TriggeredAlert struct {
	Alert           PriceAlert
	TriggeringPrice decimal.Decimal
}

func (t TriggeredAlert) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Alert           PriceAlert  `json:"alert"`
		TriggeringPrice json.Number `json:"triggeringPrice"`
	}{
		Alert:           t.Alert,
		TriggeringPrice: json.Number(t.TriggeringPrice.String()),
	})
}

// Stats are aggregate counts over an alert collection.
type Stats struct {
	Total          int            `json:"total"`
	ActiveCount    int            `json:"activeCount"`
	TriggeredCount int            `json:"triggeredCount"`
	CountsBySymbol map[string]int `json:"countsBySymbol"`
}
