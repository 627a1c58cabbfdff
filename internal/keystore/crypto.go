package keystore

import (
	"crypto/rand"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"strings"

	"codeberg.org/mutker/bmcctl/internal/errors"
	"golang.org/x/crypto/nacl/secretbox"
)

const (
	keySize   = 32
	nonceSize = 24
)

// LoadOrCreateKey reads the hex encoded sealing key at path, creating it with
// fresh random bytes when the file does not exist yet.
func LoadOrCreateKey(path string) (*[keySize]byte, error) {
	errFactory := errors.New()

	raw, err := os.ReadFile(path)
	switch {
	case err == nil:
		decoded, err := hex.DecodeString(strings.TrimSpace(string(raw)))
		if err != nil || len(decoded) != keySize {
			return nil, errFactory.WithData(ErrCrypto, struct {
				Phase string
				Path  string
			}{
				Phase: "decode_key",
				Path:  path,
			})
		}
		var key [keySize]byte
		copy(key[:], decoded)
		return &key, nil
	case !os.IsNotExist(err):
		return nil, errFactory.Wrap(ErrStorageAccess, err)
	}

	var key [keySize]byte
	if _, err := io.ReadFull(rand.Reader, key[:]); err != nil {
		return nil, errFactory.Wrap(ErrCrypto, err)
	}

	if err := os.MkdirAll(filepath.Dir(path), defaultDirPerm); err != nil {
		return nil, errFactory.Wrap(ErrStorageInit, err)
	}
	if err := os.WriteFile(path, []byte(hex.EncodeToString(key[:])), defaultKeyPerm); err != nil {
		return nil, errFactory.Wrap(ErrStorageInit, err)
	}

	return &key, nil
}

func seal(key *[keySize]byte, plaintext string) ([]byte, error) {
	var nonce [nonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, errors.New().Wrap(ErrCrypto, err)
	}

	return secretbox.Seal(nonce[:], []byte(plaintext), &nonce, key), nil
}

func open(key *[keySize]byte, sealed []byte) (string, error) {
	if len(sealed) < nonceSize+secretbox.Overhead {
		return "", errors.New().WithMessage(ErrCrypto, "sealed value too short")
	}

	var nonce [nonceSize]byte
	copy(nonce[:], sealed[:nonceSize])

	plaintext, ok := secretbox.Open(nil, sealed[nonceSize:], &nonce, key)
	if !ok {
		return "", errors.New().WithMessage(ErrCrypto, "sealed value failed authentication")
	}

	return string(plaintext), nil
}
