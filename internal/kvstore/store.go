// Package kvstore provides the key-value backends that hold serialized document state.
// The backend is chosen once at process start; callers depend only on Store.
package kvstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrEmptyKey indicates that an operation was attempted with a blank key.
	ErrEmptyKey = errors.New("kvstore: empty key")
	// ErrUnknownBackend indicates an unsupported backend name in configuration.
	ErrUnknownBackend = errors.New("kvstore: unknown backend")
)

const (
	BackendSQL    = "sql"
	BackendRedis  = "redis"
	BackendMemory = "memory"
)

// Store is the contract shared by every backend.
type Store interface {
	// Get returns the stored value and whether the key exists.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	// Keys lists every key starting with prefix in ascending order.
	Keys(ctx context.Context, prefix string) ([]string, error)
}

func validateKey(key string) error {
	if strings.TrimSpace(key) == "" {
		return ErrEmptyKey
	}
	return nil
}

// NormalizeBackend validates a configured backend name.
func NormalizeBackend(name string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", BackendSQL:
		return BackendSQL, nil
	case BackendRedis:
		return BackendRedis, nil
	case BackendMemory:
		return BackendMemory, nil
	default:
		return "", fmt.Errorf("%w: %s", ErrUnknownBackend, name)
	}
}
