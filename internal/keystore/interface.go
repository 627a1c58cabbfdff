package keystore

import "context"

// Key identifies one stored credential. The values are stable across releases.
type Key string

const (
	KeyServerAddress Key = "bmcctl.serverAddress"
	KeyUsername      Key = "bmcctl.username"
	KeyPassword      Key = "bmcctl.password"
	KeySessionID     Key = "bmcctl.sessionID"
	KeyCSRFToken     Key = "bmcctl.csrfToken"
)

// Keys lists every credential a logout must clear
var Keys = []Key{
	KeyServerAddress,
	KeyUsername,
	KeyPassword,
	KeySessionID,
	KeyCSRFToken,
}

// Store is a persistent key-value store for session credentials.
// Get returns an error with code ErrNotFound when the key is absent.
type Store interface {
	Get(ctx context.Context, key Key) (string, error)
	Set(ctx context.Context, key Key, value string) error
	Delete(ctx context.Context, key Key) error
	Clear(ctx context.Context) error
	Close() error
}
