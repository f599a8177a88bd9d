package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/openchime/openchime/internal/errs"
)

// backupsKept is how many pre-migration backups are retained.
const backupsKept = 3

// migration is one ordered schema or data change. apply runs inside the
// transaction that also records the ledger row, so a failure leaves neither.
// skip short-circuits data migrations that have nothing to do; skipped
// migrations are not recorded and are re-checked on the next startup.
type migration struct {
	version int
	name    string
	skip    func(ctx context.Context, s *Store) (bool, error)
	apply   func(ctx context.Context, s *Store, tx *sql.Tx) error
}

func migrations() []migration {
	return []migration{
		{
			version: 1,
			name:    "baseline",
			apply: func(ctx context.Context, _ *Store, tx *sql.Tx) error {
				for _, stmt := range strings.Split(baselineSchema, ";") {
					stmt = strings.TrimSpace(stmt)
					if stmt == "" {
						continue
					}
					if _, err := tx.ExecContext(ctx, stmt); err != nil {
						return fmt.Errorf("baseline schema: %w", err)
					}
				}
				return nil
			},
		},
		{
			version: 2,
			name:    "account_encryption_columns",
			apply: func(ctx context.Context, _ *Store, tx *sql.Tx) error {
				for _, stmt := range []string{
					`ALTER TABLE accounts ADD COLUMN encryption_version INTEGER`,
					`ALTER TABLE accounts ADD COLUMN encrypted_at INTEGER`,
				} {
					if _, err := tx.ExecContext(ctx, stmt); err != nil {
						// Tolerate re-runs against a database that
						// already has the columns but lost its ledger.
						if strings.Contains(err.Error(), "duplicate column name") {
							continue
						}
						return err
					}
				}
				return nil
			},
		},
		{
			version: 3,
			name:    "encrypt_credentials",
			skip: func(ctx context.Context, s *Store) (bool, error) {
				var n int
				err := s.db.QueryRowContext(ctx, `
					SELECT COUNT(*) FROM accounts
					WHERE encryption_version IS NULL OR encryption_version = 0`).Scan(&n)
				if err != nil {
					return false, err
				}
				return n == 0, nil
			},
			apply: migrateCredentialsToVault,
		},
	}
}

// migrateCredentialsToVault re-encrypts every plaintext legacy row with the
// vault and stamps it encryption_version=1. All rows move in one
// transaction: a failure on any row rolls back all of them.
func migrateCredentialsToVault(ctx context.Context, s *Store, tx *sql.Tx) error {
	rows, err := tx.QueryContext(ctx, `
		SELECT id, auth_data, refresh_token FROM accounts
		WHERE encryption_version IS NULL OR encryption_version = 0`)
	if err != nil {
		return err
	}

	type legacyRow struct {
		id           int64
		authData     string
		refreshToken *string
	}
	var legacy []legacyRow
	for rows.Next() {
		var r legacyRow
		if err := rows.Scan(&r.id, &r.authData, &r.refreshToken); err != nil {
			rows.Close()
			return err
		}
		legacy = append(legacy, r)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	rows.Close()

	now := time.Now().UTC().Unix()
	for _, r := range legacy {
		encAuth, err := s.encryptColumn(r.authData)
		if err != nil {
			return fmt.Errorf("account %d: %w", r.id, err)
		}
		var encRefresh any
		if r.refreshToken != nil {
			enc, err := s.encryptColumn(*r.refreshToken)
			if err != nil {
				return fmt.Errorf("account %d: %w", r.id, err)
			}
			encRefresh = enc
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE accounts
			SET auth_data = ?, refresh_token = ?, encryption_version = ?, encrypted_at = ?, updated_at = ?
			WHERE id = ?`,
			encAuth, encRefresh, EncryptionVersionAEAD, now, now, r.id)
		if err != nil {
			return fmt.Errorf("account %d: %w", r.id, err)
		}
	}
	log.Info("re-encrypted legacy credentials", "accounts", len(legacy))
	return nil
}

// Migrate applies every pending migration in order. Before a migration runs,
// the database file is backed up; on failure the transaction is rolled back,
// the backup restored, and a migration_failed error returned; the caller
// must treat that as fatal. Applying the driver twice is a no-op.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
		    version INTEGER PRIMARY KEY,
		    name TEXT NOT NULL,
		    applied_at INTEGER NOT NULL,
		    checksum TEXT
		)`); err != nil {
		return errs.Wrap(errs.MigrationFailed, "could not create the migration ledger", err)
	}

	applied := map[int]bool{}
	rows, err := s.db.QueryContext(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return errs.Wrap(errs.MigrationFailed, "could not read the migration ledger", err)
	}
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			rows.Close()
			return errs.Wrap(errs.MigrationFailed, "could not scan the migration ledger", err)
		}
		applied[v] = true
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return errs.Wrap(errs.MigrationFailed, "error iterating the migration ledger", err)
	}
	rows.Close()

	for _, m := range migrations() {
		if applied[m.version] {
			continue
		}
		if m.skip != nil {
			skip, err := m.skip(ctx, s)
			if err != nil {
				return errs.Wrap(errs.MigrationFailed, fmt.Sprintf("migration %03d pre-check failed", m.version), err)
			}
			if skip {
				log.Debug("migration has nothing to do", "version", m.version, "name", m.name)
				continue
			}
		}

		backup, err := s.backupBefore(ctx, m.version)
		if err != nil {
			return err
		}

		if err := s.applyOne(ctx, m); err != nil {
			if backup != "" {
				if restoreErr := s.restoreBackup(backup); restoreErr != nil {
					log.Error("backup restore failed", "backup", backup, "error", restoreErr)
				}
			}
			return errs.Wrap(errs.MigrationFailed,
				fmt.Sprintf("migration %03d (%s) failed; the database was restored from backup", m.version, m.name), err)
		}
		log.Info("migration applied", "version", m.version, "name", m.name)
	}

	s.pruneBackups()
	return nil
}

func (s *Store) applyOne(ctx context.Context, m migration) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := m.apply(ctx, s, tx); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO schema_migrations (version, name, applied_at, checksum)
			VALUES (?, ?, ?, ?)`,
			m.version, m.name, time.Now().UTC().Unix(), migrationChecksum(m))
		return err
	})
}

func migrationChecksum(m migration) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%03d:%s", m.version, m.name)))
	return hex.EncodeToString(sum[:])
}

// backupBefore snapshots the database file ahead of a migration. A fresh
// (empty) database has nothing worth copying and gets no backup.
func (s *Store) backupBefore(ctx context.Context, version int) (string, error) {
	info, err := os.Stat(s.path)
	if os.IsNotExist(err) || (err == nil && info.Size() == 0) {
		return "", nil
	}
	if err != nil {
		return "", errs.Wrap(errs.MigrationFailed, "could not stat the database file", err)
	}

	// Fold the WAL into the main file so the copy is self-contained.
	if _, err := s.db.ExecContext(ctx, `PRAGMA wal_checkpoint(TRUNCATE)`); err != nil {
		log.Warn("wal checkpoint before backup failed", "error", err)
	}

	backup := fmt.Sprintf("%s.backup_%s", s.path, time.Now().UTC().Format("20060102_150405"))
	if err := copyFile(s.path, backup); err != nil {
		return "", errs.Wrap(errs.MigrationFailed, fmt.Sprintf("could not back up the database before migration %03d", version), err)
	}
	log.Info("database backed up", "backup", filepath.Base(backup))
	return backup, nil
}

func (s *Store) restoreBackup(backup string) error {
	// The WAL and shm sidecars belong to the failed state; drop them so
	// the restored file is opened clean.
	os.Remove(s.path + "-wal")
	os.Remove(s.path + "-shm")
	return copyFile(backup, s.path)
}

// pruneBackups keeps the newest backupsKept backup files. The timestamped
// suffix sorts lexicographically in time order.
func (s *Store) pruneBackups() {
	matches, err := filepath.Glob(s.path + ".backup_*")
	if err != nil || len(matches) <= backupsKept {
		return
	}
	sort.Strings(matches)
	for _, old := range matches[:len(matches)-backupsKept] {
		if err := os.Remove(old); err != nil {
			log.Warn("could not remove old backup", "backup", filepath.Base(old), "error", err)
		}
	}
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// LedgerEntries returns the applied migrations in version order.
func (s *Store) LedgerEntries(ctx context.Context) ([]LedgerEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT version, name, applied_at, checksum FROM schema_migrations ORDER BY version`)
	if err != nil {
		return nil, errs.Wrap(errs.DatabaseError, "could not read the migration ledger", err)
	}
	defer rows.Close()

	var entries []LedgerEntry
	for rows.Next() {
		var (
			e         LedgerEntry
			appliedAt int64
		)
		if err := rows.Scan(&e.Version, &e.Name, &appliedAt, &e.Checksum); err != nil {
			return nil, errs.Wrap(errs.DatabaseError, "could not scan the migration ledger", err)
		}
		e.AppliedAt = timeFromUnix(appliedAt)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// LedgerEntry is one applied migration.
type LedgerEntry struct {
	Version   int
	Name      string
	AppliedAt time.Time
	Checksum  *string
}
