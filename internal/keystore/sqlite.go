package keystore

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"sync"

	"codeberg.org/mutker/bmcctl/internal/errors"
	"codeberg.org/mutker/bmcctl/internal/logger"

	_ "github.com/mattn/go-sqlite3"
)

const (
	defaultDirPerm = 0o700
	defaultKeyPerm = 0o600

	createTableSQL = `
        CREATE TABLE IF NOT EXISTS credentials (
            key        TEXT PRIMARY KEY,
            value      BLOB NOT NULL,
            updated_at INTEGER NOT NULL
        )`
)

// Config describes where the encrypted store lives
type Config struct {
	DBPath  string
	KeyPath string
}

func (c Config) Validate() error {
	errFactory := errors.New()
	if c.DBPath == "" || c.KeyPath == "" {
		return errFactory.New(ErrInvalidPath)
	}
	return nil
}

type sqliteStore struct {
	db  *sql.DB
	key *[keySize]byte
	mu  sync.Mutex
	log logger.Logger
}

// NewSQLite opens (creating if needed) an SQLite backed Store whose values are
// sealed with NaCl secretbox under the key at cfg.KeyPath.
func NewSQLite(cfg Config, log logger.Logger) (Store, error) {
	errFactory := errors.New()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	log.Debug().Str("path", cfg.DBPath).Msg("Initializing credential store")

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), defaultDirPerm); err != nil {
		return nil, errFactory.Wrap(ErrStorageInit, err)
	}

	key, err := LoadOrCreateKey(cfg.KeyPath)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite3", cfg.DBPath+"?_journal=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, errFactory.Wrap(ErrStorageInit, err)
	}

	if _, err := db.Exec(createTableSQL); err != nil {
		db.Close()
		return nil, errFactory.WithData(ErrStorageInit, struct {
			Phase string
			Error string
		}{
			Phase: "create_table",
			Error: err.Error(),
		})
	}

	if err := os.Chmod(cfg.DBPath, defaultKeyPerm); err != nil {
		log.Warn().Err(err).Str("path", cfg.DBPath).Msg("Failed to restrict credential store permissions")
	}

	return &sqliteStore{
		db:  db,
		key: key,
		log: log,
	}, nil
}

func (s *sqliteStore) Get(ctx context.Context, key Key) (string, error) {
	errFactory := errors.New()

	s.mu.Lock()
	defer s.mu.Unlock()

	var sealed []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM credentials WHERE key = ?`, string(key)).Scan(&sealed)
	if errors.Is(err, sql.ErrNoRows) {
		return "", errFactory.WithData(ErrNotFound, key)
	}
	if err != nil {
		return "", errFactory.Wrap(ErrStorageAccess, err)
	}

	return open(s.key, sealed)
}

func (s *sqliteStore) Set(ctx context.Context, key Key, value string) error {
	errFactory := errors.New()

	sealed, err := seal(s.key, value)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err = s.db.ExecContext(ctx, `
        INSERT INTO credentials (key, value, updated_at)
        VALUES (?, ?, strftime('%s', 'now'))
        ON CONFLICT(key) DO UPDATE SET
            value = excluded.value,
            updated_at = excluded.updated_at
    `, string(key), sealed)
	if err != nil {
		return errFactory.Wrap(ErrStorageAccess, err)
	}

	return nil
}

func (s *sqliteStore) Delete(ctx context.Context, key Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx, `DELETE FROM credentials WHERE key = ?`, string(key)); err != nil {
		return errors.New().Wrap(ErrStorageAccess, err)
	}

	return nil
}

func (s *sqliteStore) Clear(ctx context.Context) error {
	errFactory := errors.New()

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errFactory.Wrap(ErrStorageAccess, err)
	}

	committed := false
	defer func() {
		if !committed {
			if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
				s.log.Debug().Err(err).Msg("Failed to rollback credential clear")
			}
		}
	}()

	for _, key := range Keys {
		if _, err := tx.ExecContext(ctx, `DELETE FROM credentials WHERE key = ?`, string(key)); err != nil {
			return errFactory.WithData(ErrStorageAccess, struct {
				Phase string
				Key   Key
				Error string
			}{
				Phase: "delete_key",
				Key:   key,
				Error: err.Error(),
			})
		}
	}

	if err := tx.Commit(); err != nil {
		return errFactory.Wrap(ErrStorageAccess, err)
	}
	committed = true

	return nil
}

func (s *sqliteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.db.Close(); err != nil {
		return errors.New().Wrap(ErrStorageClose, err)
	}
	return nil
}
