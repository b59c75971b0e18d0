// Package securestore abstracts the platform-backed secure slot storage
// used for encryption keys. Implementations must keep slot contents out
// of logs and world-readable locations.
package securestore

import "context"

// Store is a minimal secure key-value store keyed by slot name.
type Store interface {
	// Read returns the bytes stored under slot, or common.ErrNotFound
	// if the slot has never been written.
	Read(ctx context.Context, slot string) ([]byte, error)

	// Write persists value under slot, overwriting any previous content.
	Write(ctx context.Context, slot string, value []byte) error
}
