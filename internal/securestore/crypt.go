package securestore

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"fmt"

	"github.com/smolin/medvault/internal/common"
)

const nonceSize = 12

// EncryptedStore wraps another Store and seals every slot's content
// with AES-256-GCM under a caller-supplied key, typically derived from
// a passphrase. A wrong key surfaces as ErrKeyStorage on Read, never as
// garbage plaintext.
type EncryptedStore struct {
	inner Store
	aead  cipher.AEAD
}

// NewEncryptedStore builds the encrypted view. The key may be wiped by
// the caller once this returns; the cipher keeps its own schedule.
func NewEncryptedStore(inner Store, key []byte) (*EncryptedStore, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("cipher init: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("cipher init: %w", err)
	}
	return &EncryptedStore{inner: inner, aead: aead}, nil
}

func (s *EncryptedStore) Read(ctx context.Context, slot string) ([]byte, error) {
	raw, err := s.inner.Read(ctx, slot)
	if err != nil {
		return nil, err
	}
	if len(raw) < nonceSize {
		return nil, fmt.Errorf("%w: slot %s payload too short", common.ErrKeyStorage, slot)
	}
	pt, err := s.aead.Open(nil, raw[:nonceSize], raw[nonceSize:], nil)
	if err != nil {
		return nil, fmt.Errorf("%w: slot %s integrity check failed", common.ErrKeyStorage, slot)
	}
	return pt, nil
}

func (s *EncryptedStore) Write(ctx context.Context, slot string, value []byte) error {
	nonce := common.GenerateRandByteArray(nonceSize)
	payload := s.aead.Seal(nonce, nonce, value, nil)
	return s.inner.Write(ctx, slot, payload)
}
