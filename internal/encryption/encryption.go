// Package encryption supplies key material and the envelope format used for
// encrypted attachment files.
package encryption

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"

	"github.com/i5heu/ouroboros-sync/pkg/model"
	"golang.org/x/crypto/pbkdf2"
)

const (
	KeySize  = 32
	SaltSize = 32

	PBKDF2Iterations = 10000
)

// KeyProvider hands out the symmetric key for a datastore. A nil key means
// the datastore is not encrypted.
type KeyProvider interface {
	CurrentKey() ([]byte, error)
}

// NilKeyProvider disables encryption.
type NilKeyProvider struct{}

func (NilKeyProvider) CurrentKey() ([]byte, error) { return nil, nil }

// StaticKeyProvider returns a fixed key.
type StaticKeyProvider struct {
	key []byte
}

func NewStaticKeyProvider(key []byte) (*StaticKeyProvider, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w: key must be %d bytes, got %d", model.ErrEncryptionKey, KeySize, len(key))
	}
	return &StaticKeyProvider{key: append([]byte(nil), key...)}, nil
}

func (p *StaticKeyProvider) CurrentKey() ([]byte, error) {
	return append([]byte(nil), p.key...), nil
}

// PassphraseKeyProvider derives the key from a passphrase with PBKDF2-SHA256.
type PassphraseKeyProvider struct {
	key []byte
}

func NewPassphraseKeyProvider(passphrase string, salt []byte) (*PassphraseKeyProvider, error) {
	if passphrase == "" {
		return nil, fmt.Errorf("%w: empty passphrase", model.ErrEncryptionKey)
	}
	if len(salt) != SaltSize {
		return nil, fmt.Errorf("%w: salt must be %d bytes, got %d", model.ErrEncryptionKey, SaltSize, len(salt))
	}
	key := pbkdf2.Key([]byte(passphrase), salt, PBKDF2Iterations, KeySize, sha256.New)
	return &PassphraseKeyProvider{key: key}, nil
}

func (p *PassphraseKeyProvider) CurrentKey() ([]byte, error) {
	return append([]byte(nil), p.key...), nil
}

// NewSalt returns SaltSize random bytes.
func NewSalt() ([]byte, error) {
	salt := make([]byte, SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}
	return salt, nil
}

// ResolveKey asks p for its key and checks the size. A nil provider yields no
// key.
func ResolveKey(p KeyProvider) ([]byte, error) {
	if p == nil {
		return nil, nil
	}
	key, err := p.CurrentKey()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrEncryptionKey, err)
	}
	if key != nil && len(key) != KeySize {
		return nil, fmt.Errorf("%w: key must be %d bytes, got %d", model.ErrEncryptionKey, KeySize, len(key))
	}
	return key, nil
}
