package blobStore

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/i5heu/ouroboros-sync/pkg/model"
)

const digestPrefix = "sha256-"

// Key is the SHA-256 of a blob's plaintext.
type Key [32]byte

func (k Key) Hex() string { return hex.EncodeToString(k[:]) }

// Digest renders the key in attachment digest form, "sha256-<base64>".
func (k Key) Digest() string {
	return digestPrefix + base64.StdEncoding.EncodeToString(k[:])
}

func (k Key) String() string { return k.Digest() }

// ParseDigest is the inverse of Key.Digest.
func ParseDigest(digest string) (Key, error) {
	var k Key
	raw, ok := strings.CutPrefix(digest, digestPrefix)
	if !ok {
		return k, fmt.Errorf("%w: unsupported digest %q", model.ErrValidation, digest)
	}
	b, err := base64.StdEncoding.DecodeString(raw)
	if err != nil || len(b) != len(k) {
		return k, fmt.Errorf("%w: malformed digest %q", model.ErrValidation, digest)
	}
	copy(k[:], b)
	return k, nil
}

func keyFromHex(s string) (Key, error) {
	var k Key
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != len(k) {
		return k, fmt.Errorf("%w: malformed blob key %q", model.ErrStorage, s)
	}
	copy(k[:], b)
	return k, nil
}
