package grant

import (
	"context"
	"errors"
	"time"
)

// ErrKeyNotFound is returned by a Store when the key is absent or expired
var ErrKeyNotFound = errors.New("grant store: key not found")

// Store is a shared key-value store with per-key expiry and an atomic
// read-and-delete. It is the only place grant state lives.
type Store interface {
	// SetIfAbsent writes value under key only if no live value exists. It
	// reports whether the write happened.
	SetIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	// GetAndDelete removes key and returns the value it held. Of several
	// concurrent callers on the same key at most one receives the value.
	GetAndDelete(ctx context.Context, key string) ([]byte, error)
	Ping(ctx context.Context) error
	Close() error
}
