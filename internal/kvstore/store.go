// Package kvstore defines the key-value store port used for the registry
// snapshot and chat session contexts, with Redis and in-memory adapters.
package kvstore

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get when the key does not exist.
var ErrNotFound = errors.New("kvstore: key not found")

// ErrConflict is returned by Update when concurrent writers kept changing the
// key and the retry budget ran out.
var ErrConflict = errors.New("kvstore: concurrent update conflict")

// Store is the minimal store surface the core needs.
type Store interface {
	// Get returns the value for key or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores value under key. A zero ttl means no expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// EnableExpiryNotifications turns on keyspace notifications for expired keys.
	EnableExpiryNotifications(ctx context.Context) error
}

// UpdateFunc computes the new value from the current one. current is nil when
// the key is absent.
type UpdateFunc func(current []byte) ([]byte, error)

// Updater is implemented by stores that can perform an atomic
// read-modify-write of a single key.
type Updater interface {
	Update(ctx context.Context, key string, fn UpdateFunc) error
}

// Pinger is implemented by stores that can report connectivity.
type Pinger interface {
	Ping(ctx context.Context) error
}
