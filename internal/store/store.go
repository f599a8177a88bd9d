// Package store is the persistence layer: a single SQLite file holding
// accounts, events, settings, and the migration ledger. All row mutation in
// the application goes through the named operations here; credential columns
// are encrypted before binding and decrypted after scanning.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	// Registers the "sqlite3" driver. The database itself is opened
	// unencrypted; credential columns are protected by the vault.
	_ "github.com/mutecomm/go-sqlcipher/v4"

	"github.com/openchime/openchime/internal/errs"
	"github.com/openchime/openchime/internal/obs"
	"github.com/openchime/openchime/internal/vault"
)

const (
	// MaxOpenConns bounds the pool. SQLite is single-writer, so high
	// connection counts are counterproductive.
	MaxOpenConns = 5

	// MaxIdleConns is the number of idle connections kept warm.
	MaxIdleConns = 1

	// ConnMaxLifetime recycles connections periodically.
	ConnMaxLifetime = 30 * time.Minute

	// ConnMaxIdleTime closes connections idle for too long.
	ConnMaxIdleTime = 5 * time.Minute

	// busyTimeoutMillis is how long a writer waits on a locked database.
	busyTimeoutMillis = 10000
)

var log = obs.Pkg("store")

// Cipher is the credential encryption the store depends on. Satisfied by
// *vault.Vault.
type Cipher interface {
	EncryptString(plaintext string) (string, error)
	Decrypt(ciphertext string) (*vault.Secret, error)
}

// Store wraps the database connection and the credential cipher.
type Store struct {
	db     *sql.DB
	path   string
	cipher Cipher
}

// Open opens (creating if necessary) the database file and configures the
// pool. The schema is applied by Migrate, which the caller must run before
// using any other operation.
func Open(path string, cipher Cipher) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, errs.Wrap(errs.DatabaseError, "could not create the data directory", err)
	}

	dsn := appendParams(path, commonParams())
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errs.Wrap(errs.DatabaseError, "could not open the database", err)
	}

	db.SetMaxOpenConns(MaxOpenConns)
	db.SetMaxIdleConns(MaxIdleConns)
	db.SetConnMaxLifetime(ConnMaxLifetime)
	db.SetConnMaxIdleTime(ConnMaxIdleTime)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, errs.Wrap(errs.DatabaseError, "could not reach the database", err)
	}

	return &Store{db: db, path: path, cipher: cipher}, nil
}

// Close drains and closes the connection pool.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// DB exposes the underlying pool for tests.
func (s *Store) DB() *sql.DB {
	return s.db
}

func commonParams() string {
	// WAL + NORMAL is the durability/throughput tradeoff for a
	// single-user desktop database; the busy timeout absorbs brief
	// writer contention between the monitor and the sync coordinator.
	return fmt.Sprintf("_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=%d&_foreign_keys=on", busyTimeoutMillis)
}

func appendParams(dsn, params string) string {
	if strings.Contains(dsn, "?") {
		return dsn + "&" + params
	}
	return dsn + "?" + params
}

// withTx runs fn inside a transaction, rolling back on error.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errs.Wrap(errs.DatabaseError, "could not begin transaction", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			log.Error("rollback failed", "error", rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return errs.Wrap(errs.DatabaseError, "could not commit transaction", err)
	}
	return nil
}

// encryptColumn encrypts a credential value for storage.
func (s *Store) encryptColumn(plaintext string) (string, error) {
	ciphertext, err := s.cipher.EncryptString(plaintext)
	if err != nil {
		return "", err
	}
	return ciphertext, nil
}

// decryptColumn decrypts a stored credential column.
func (s *Store) decryptColumn(ciphertext string) (string, error) {
	secret, err := s.cipher.Decrypt(ciphertext)
	if err != nil {
		return "", err
	}
	defer secret.Destroy()
	return secret.String(), nil
}
