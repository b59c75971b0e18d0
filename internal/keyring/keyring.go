// Package keyring owns the lifecycle of the symmetric encryption key:
// lazy generation, retrieval from secure storage on start, and rotation
// with a backup slot so old ciphertext stays readable during migration.
package keyring

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
	"github.com/smolin/medvault/internal/common"
	"github.com/smolin/medvault/internal/logging"
	"github.com/smolin/medvault/internal/securestore"
	"golang.org/x/crypto/argon2"
)

// KeySize is the AES-256 key length in bytes.
const KeySize = 32

const (
	slotCurrent = "master_key"
	slotBackup  = "master_key_backup"
)

// Manager holds the current key and, after a rotation, the previous one.
// All encryption calls fail closed until Initialize succeeds.
type Manager struct {
	store securestore.Store
	log   logging.Logger

	mu          sync.RWMutex
	key         []byte
	backup      []byte
	initialized bool
}

func NewManager(store securestore.Store, log logging.Logger) *Manager {
	if log == nil {
		log = logging.NopLogger{}
	}
	return &Manager{store: store, log: log}
}

// withRetry runs fn under the secure-store retry policy: exponential
// backoff starting at 100ms, at most 3 retries.
func (m *Manager) withRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	b := retry.WithMaxRetries(3, retry.NewExponential(100*time.Millisecond))
	return retry.Do(ctx, b, func(ctx context.Context) error {
		if err := fn(ctx); err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
}

// Initialize reads the key from secure storage, generating and
// persisting a fresh one if the slot is empty. On failure the manager
// stays uninitialized and Key returns ErrKeyStorage.
func (m *Manager) Initialize(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var key []byte
	err := m.withRetry(ctx, func(ctx context.Context) error {
		data, err := m.store.Read(ctx, slotCurrent)
		if errors.Is(err, common.ErrNotFound) {
			data = common.GenerateRandByteArray(KeySize)
			if werr := m.store.Write(ctx, slotCurrent, data); werr != nil {
				return werr
			}
			m.log.Info(ctx, "generated new encryption key")
		} else if err != nil {
			return err
		}
		key = data
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", common.ErrKeyStorage, err)
	}
	if len(key) != KeySize {
		return fmt.Errorf("%w: stored key has wrong length %d", common.ErrKeyStorage, len(key))
	}

	// A backup key only exists after a rotation; its absence is normal.
	if bk, err := m.store.Read(ctx, slotBackup); err == nil && len(bk) == KeySize {
		m.backup = bk
	}

	m.key = key
	m.initialized = true
	return nil
}

// Rotate installs a freshly generated key, moving the current key to the
// backup slot. Existing ciphertext is not re-encrypted; callers needing
// that must re-read and rewrite each record while the backup is valid.
func (m *Manager) Rotate(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.initialized {
		return common.ErrKeyStorage
	}

	next := common.GenerateRandByteArray(KeySize)

	err := m.withRetry(ctx, func(ctx context.Context) error {
		if err := m.store.Write(ctx, slotBackup, m.key); err != nil {
			return err
		}
		return m.store.Write(ctx, slotCurrent, next)
	})
	if err != nil {
		return fmt.Errorf("%w: %v", common.ErrKeyStorage, err)
	}

	m.backup = m.key
	m.key = next
	m.log.Info(ctx, "encryption key rotated")
	return nil
}

// Key returns the current key, or ErrKeyStorage before initialization.
func (m *Manager) Key() ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.initialized {
		return nil, common.ErrKeyStorage
	}
	return m.key, nil
}

// BackupKey returns the pre-rotation key, or nil if none exists.
func (m *Manager) BackupKey() []byte {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.backup
}

// DeriveKey derives a KeySize-byte key from a passphrase and salt using
// argon2id. Deterministic for fixed inputs; used for the interactive
// unlock path.
func DeriveKey(passphrase, salt []byte) []byte {
	return argon2.IDKey(passphrase, salt, 1, 64*1024, 4, KeySize)
}
