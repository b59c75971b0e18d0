package securestore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/smolin/medvault/internal/common"
)

// FileStore keeps one 0600 file per slot under a private directory.
// It stands in for an OS keychain on platforms without one.
type FileStore struct {
	dir string
}

// NewFileStore creates the backing directory (0700) if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("mkdir %s: %w", dir, err)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) path(slot string) string {
	return filepath.Join(s.dir, slot)
}

func (s *FileStore) Read(_ context.Context, slot string) ([]byte, error) {
	data, err := os.ReadFile(s.path(slot))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, common.ErrNotFound
		}
		return nil, fmt.Errorf("read slot %s: %w", slot, err)
	}
	return data, nil
}

func (s *FileStore) Write(_ context.Context, slot string, value []byte) error {
	tmp := s.path(slot) + ".tmp"
	if err := os.WriteFile(tmp, value, 0o600); err != nil {
		return fmt.Errorf("write slot %s: %w", slot, err)
	}
	if err := os.Rename(tmp, s.path(slot)); err != nil {
		return fmt.Errorf("install slot %s: %w", slot, err)
	}
	return nil
}
