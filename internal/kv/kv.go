// Package kv holds the key-value stores the alert collection is persisted to.
package kv

import (
	"context"
)

// Store is a byte-oriented key-value store. Get reports found=false with a
// nil error when the key does not exist.
type Store interface {
	Get(ctx context.Context, key string) (value []byte, found bool, err error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
