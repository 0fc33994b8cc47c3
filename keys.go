package ouroboros

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/i5heu/ouroboros-sync/internal/encryption"
	"github.com/i5heu/ouroboros-sync/pkg/model"
)

const saltFile = "ouroboros.salt"

// PassphraseKeys derives the key of the datastores under root from a
// passphrase. The salt is created on first use and kept in root, so the
// same passphrase yields the same key on every start.
func PassphraseKeys(root, passphrase string) (encryption.KeyProvider, error) {
	if err := os.MkdirAll(root, 0o700); err != nil {
		return nil, fmt.Errorf("%w: mkdir %s: %v", model.ErrStorage, root, err)
	}
	path := filepath.Join(root, saltFile)
	salt, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		if salt, err = encryption.NewSalt(); err != nil {
			return nil, err
		}
		if err := os.WriteFile(path, salt, 0o600); err != nil {
			return nil, fmt.Errorf("%w: write salt: %v", model.ErrStorage, err)
		}
	} else if err != nil {
		return nil, fmt.Errorf("%w: read salt: %v", model.ErrStorage, err)
	}
	return encryption.NewPassphraseKeyProvider(passphrase, salt)
}

// KeyFile reads a raw 32-byte key.
func KeyFile(path string) (encryption.KeyProvider, error) {
	key, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: read key file: %v", model.ErrEncryptionKey, err)
	}
	return encryption.NewStaticKeyProvider(key)
}
