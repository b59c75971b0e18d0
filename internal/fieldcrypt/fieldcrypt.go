// Package fieldcrypt performs authenticated field-level encryption:
// whole strings and the sensitive subset of a record's field map are
// sealed with AES-256-GCM under the keyring's current key.
package fieldcrypt

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/base64"
	"fmt"

	"github.com/smolin/medvault/internal/common"
	"github.com/smolin/medvault/internal/keyring"
	"github.com/smolin/medvault/internal/record"
)

const nonceSize = 12

// FieldSet is the set of field names treated as sensitive.
type FieldSet map[string]struct{}

// NewFieldSet builds a FieldSet from names.
func NewFieldSet(names ...string) FieldSet {
	s := make(FieldSet, len(names))
	for _, n := range names {
		s[n] = struct{}{}
	}
	return s
}

// Contains reports membership.
func (s FieldSet) Contains(name string) bool {
	_, ok := s[name]
	return ok
}

// Encryptor is a pure transform over the keyring: it keeps no state of
// its own beyond the key manager reference.
type Encryptor struct {
	keys *keyring.Manager
}

func NewEncryptor(keys *keyring.Manager) *Encryptor {
	return &Encryptor{keys: keys}
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// EncryptString seals plaintext with a fresh random nonce and returns
// base64(nonce || ciphertext). Two calls with identical input produce
// distinct payloads; equality of ciphertext would leak equality of
// plaintext.
func (e *Encryptor) EncryptString(plaintext string) (string, error) {
	key, err := e.keys.Key()
	if err != nil {
		return "", err
	}

	aead, err := newGCM(key)
	if err != nil {
		return "", fmt.Errorf("cipher init: %w", err)
	}

	nonce := common.GenerateRandByteArray(nonceSize)
	sealed := aead.Seal(nil, nonce, []byte(plaintext), nil)

	payload := make([]byte, 0, len(nonce)+len(sealed))
	payload = append(payload, nonce...)
	payload = append(payload, sealed...)
	return base64.StdEncoding.EncodeToString(payload), nil
}

// DecryptString reverses EncryptString, verifying the integrity tag.
// A malformed payload, a tampered ciphertext or a wrong key all yield
// ErrDecryption. During a rotation window the backup key is tried when
// the current key fails.
func (e *Encryptor) DecryptString(payload string) (string, error) {
	key, err := e.keys.Key()
	if err != nil {
		return "", err
	}

	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", fmt.Errorf("%w: payload encoding: %v", common.ErrDecryption, err)
	}
	if len(raw) < nonceSize {
		return "", fmt.Errorf("%w: payload too short", common.ErrDecryption)
	}
	nonce, sealed := raw[:nonceSize], raw[nonceSize:]

	if pt, err := open(key, nonce, sealed); err == nil {
		return pt, nil
	}
	if backup := e.keys.BackupKey(); backup != nil {
		if pt, err := open(backup, nonce, sealed); err == nil {
			return pt, nil
		}
	}
	return "", fmt.Errorf("%w: integrity check failed", common.ErrDecryption)
}

func open(key, nonce, sealed []byte) (string, error) {
	aead, err := newGCM(key)
	if err != nil {
		return "", err
	}
	pt, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", err
	}
	return string(pt), nil
}

// EncryptRecord returns a copy of fields where every sensitive field is
// replaced by the encryption of its string form. Absent or null
// sensitive fields are normalized to an encrypted empty string so the
// reverse operation is total. Non-sensitive fields pass through.
func (e *Encryptor) EncryptRecord(fields record.Fields, sensitive FieldSet) (record.Fields, error) {
	out := fields.Clone()
	if out == nil {
		out = record.Fields{}
	}
	for name := range sensitive {
		// missing fields yield the zero (null) Value, whose string
		// form is the empty string
		ct, err := e.EncryptString(out[name].StringForm())
		if err != nil {
			return nil, fmt.Errorf("encrypt field %s: %w", name, err)
		}
		out[name] = record.String(ct)
	}
	return out, nil
}

// DecryptRecord is the inverse of EncryptRecord. Sensitive fields come
// back as strings; a sensitive field that decrypts to "" is presented
// as the empty string (null and empty are not distinguished across the
// encryption boundary).
func (e *Encryptor) DecryptRecord(fields record.Fields, sensitive FieldSet) (record.Fields, error) {
	out := fields.Clone()
	if out == nil {
		return record.Fields{}, nil
	}
	for name := range sensitive {
		v, ok := out[name]
		if !ok {
			continue
		}
		ct, isStr := v.AsString()
		if !isStr {
			return nil, fmt.Errorf("%w: field %s is not ciphertext", common.ErrDecryption, name)
		}
		pt, err := e.DecryptString(ct)
		if err != nil {
			return nil, fmt.Errorf("decrypt field %s: %w", name, err)
		}
		out[name] = record.String(pt)
	}
	return out, nil
}
