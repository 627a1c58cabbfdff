package keystore

import (
	"context"

	"codeberg.org/mutker/bmcctl/internal/errors"
)

const (
	ErrNotFound      = errors.ErrStoreNotFound
	ErrStorageAccess = errors.ErrStoreAccess
	ErrStorageInit   = errors.ErrInitFailed
	ErrStorageClose  = errors.ErrShutdownFailed
	ErrCrypto        = errors.ErrStoreCrypto
	ErrInvalidPath   = errors.ErrorCode("store_invalid_path")
)

// IsNotFound reports whether err means the key was absent
func IsNotFound(err error) bool {
	return errors.HasCode(err, ErrNotFound)
}

// Lookup wraps Get, folding a missing key into ok == false.
func Lookup(ctx context.Context, s Store, key Key) (string, bool, error) {
	value, err := s.Get(ctx, key)
	if err != nil {
		if IsNotFound(err) {
			return "", false, nil
		}
		return "", false, err
	}

	return value, value != "", nil
}
