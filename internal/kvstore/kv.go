// Package kvstore defines the persistent key-value interface backing
// the TTL cache and the local storage tiers, with sqlite and in-memory
// implementations.
package kvstore

import "context"

// KV is a typed persistent key-value store. Getters return
// common.ErrNotFound when the key is absent and a plain error when the
// stored value has a different type.
type KV interface {
	GetString(ctx context.Context, key string) (string, error)
	GetInt64(ctx context.Context, key string) (int64, error)
	GetFloat64(ctx context.Context, key string) (float64, error)
	GetBool(ctx context.Context, key string) (bool, error)

	SetString(ctx context.Context, key, value string) error
	SetInt64(ctx context.Context, key string, value int64) error
	SetFloat64(ctx context.Context, key string, value float64) error
	SetBool(ctx context.Context, key string, value bool) error

	// Contains reports whether the key exists, regardless of its type.
	Contains(ctx context.Context, key string) (bool, error)

	// Remove deletes a key. Removing an absent key is not an error.
	Remove(ctx context.Context, key string) error

	// GetAllKeys returns every key currently stored.
	GetAllKeys(ctx context.Context) ([]string, error)
}

// Value kind tags used by implementations.
const (
	kindString = "string"
	kindInt    = "int"
	kindFloat  = "float"
	kindBool   = "bool"
)
