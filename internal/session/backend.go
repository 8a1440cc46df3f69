package session

import (
	"context"
	"time"
)

// Backend is a key/value store of opaque payloads with per-key expiry.
// Implementations must be safe for concurrent use.
//
// Get returns ErrKeyNotFound for absent keys. Any transport or protocol
// failure must satisfy errors.Is(err, ErrBackendUnavailable).
type Backend interface {
	Name() string
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	Keys(ctx context.Context, prefix string) ([]string, error)
	Ping(ctx context.Context) error
	Close() error
}
