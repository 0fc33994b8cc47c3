package model

import "errors"

// Error taxonomy shared by the store, blob store and replicator. Callers
// match with errors.Is; every returned error wraps exactly one of these.
var (
	ErrValidation       = errors.New("validation error")
	ErrConflict         = errors.New("conflict")
	ErrNotFound         = errors.New("not found")
	ErrStorage          = errors.New("storage error")
	ErrTransientNetwork = errors.New("transient network error")
	ErrAuthentication   = errors.New("authentication error")
	ErrEncryptionKey    = errors.New("encryption key error")
)

// IsRetryable reports whether an operation failing with err may succeed when
// repeated unchanged.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransientNetwork)
}
