package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/openchime/openchime/internal/errs"
)

// AddAccount inserts a new account with credentials encrypted. Returns the
// new account id. ICS accounts must not carry a refresh token.
func (s *Store) AddAccount(ctx context.Context, a *Account) (int64, error) {
	if a.Provider != ProviderGoogle && a.Provider != ProviderICS {
		return 0, errs.New(errs.ConfigInvalid, "unknown calendar provider")
	}
	if a.AuthData == "" {
		return 0, errs.New(errs.ConfigInvalid, "account credentials cannot be empty")
	}
	if a.Provider == ProviderICS && a.RefreshToken != nil {
		return 0, errs.New(errs.ConfigInvalid, "ICS accounts do not carry a refresh token")
	}

	authData, err := s.encryptColumn(a.AuthData)
	if err != nil {
		return 0, err
	}
	var refreshToken any
	if a.RefreshToken != nil {
		enc, err := s.encryptColumn(*a.RefreshToken)
		if err != nil {
			return 0, err
		}
		refreshToken = enc
	}

	now := time.Now().UTC().Unix()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO accounts (provider, account_name, auth_data, refresh_token,
		                      encryption_version, encrypted_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		a.Provider, a.AccountName, authData, refreshToken,
		EncryptionVersionAEAD, now, now, now,
	)
	if err != nil {
		return 0, errs.Wrap(errs.DatabaseError, "could not add the account", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, errs.Wrap(errs.DatabaseError, "could not read the new account id", err)
	}
	log.Info("account added", "account_id", id, "provider", a.Provider)
	return id, nil
}

// ListAccounts returns all accounts with credential columns decrypted.
// A row whose credentials fail to decrypt is returned with CredentialErr set
// and empty credentials; the remaining accounts are unaffected.
func (s *Store) ListAccounts(ctx context.Context) ([]Account, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, provider, account_name, auth_data, refresh_token,
		       last_synced_at, encryption_version, encrypted_at, created_at, updated_at
		FROM accounts
		ORDER BY id`)
	if err != nil {
		return nil, errs.Wrap(errs.DatabaseError, "could not list accounts", err)
	}
	defer rows.Close()

	var accounts []Account
	for rows.Next() {
		a, err := s.scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Wrap(errs.DatabaseError, "error iterating accounts", err)
	}
	return accounts, nil
}

// GetAccount returns one account by id with credentials decrypted.
func (s *Store) GetAccount(ctx context.Context, id int64) (*Account, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, provider, account_name, auth_data, refresh_token,
		       last_synced_at, encryption_version, encrypted_at, created_at, updated_at
		FROM accounts
		WHERE id = ?`, id)

	a, err := s.scanAccount(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, errs.New(errs.NotFound, "account not found")
		}
		return nil, err
	}
	return a, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *Store) scanAccount(row rowScanner) (*Account, error) {
	var (
		a            Account
		authData     string
		refreshToken *string
		lastSynced   *int64
		encVersion   *int
		encryptedAt  *int64
		createdAt    int64
		updatedAt    int64
	)
	if err := row.Scan(&a.ID, &a.Provider, &a.AccountName, &authData, &refreshToken,
		&lastSynced, &encVersion, &encryptedAt, &createdAt, &updatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, errs.Wrap(errs.DatabaseError, "could not scan account", err)
	}

	a.LastSyncedAt = timePtrFromNullable(lastSynced)
	a.EncryptionVersion = encVersion
	a.EncryptedAt = timePtrFromNullable(encryptedAt)
	a.CreatedAt = timeFromUnix(createdAt)
	a.UpdatedAt = timeFromUnix(updatedAt)

	// Legacy plaintext rows (pre-migration) pass through untouched so the
	// data migration can read them; everything else decrypts.
	if encVersion == nil || *encVersion == 0 {
		a.AuthData = authData
		a.RefreshToken = refreshToken
		return &a, nil
	}

	plainAuth, err := s.decryptColumn(authData)
	if err != nil {
		a.CredentialErr = err
		log.Warn("account credentials failed to decrypt", "account_id", a.ID)
		return &a, nil
	}
	a.AuthData = plainAuth

	if refreshToken != nil {
		plainRefresh, err := s.decryptColumn(*refreshToken)
		if err != nil {
			a.AuthData = ""
			a.CredentialErr = err
			log.Warn("account refresh token failed to decrypt", "account_id", a.ID)
			return &a, nil
		}
		a.RefreshToken = &plainRefresh
	}
	return &a, nil
}

// DeleteAccount removes an account; its events go with it via the cascading
// foreign key.
func (s *Store) DeleteAccount(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM accounts WHERE id = ?`, id)
	if err != nil {
		return errs.Wrap(errs.DatabaseError, "could not delete the account", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errs.New(errs.NotFound, "account not found")
	}
	log.Info("account deleted", "account_id", id)
	return nil
}

// UpdateAuth replaces an account's credentials, re-encrypting both columns.
func (s *Store) UpdateAuth(ctx context.Context, id int64, authData string, refreshToken *string) error {
	if authData == "" {
		return errs.New(errs.ConfigInvalid, "account credentials cannot be empty")
	}
	encAuth, err := s.encryptColumn(authData)
	if err != nil {
		return err
	}
	var encRefresh any
	if refreshToken != nil {
		enc, err := s.encryptColumn(*refreshToken)
		if err != nil {
			return err
		}
		encRefresh = enc
	}

	now := time.Now().UTC().Unix()
	res, err := s.db.ExecContext(ctx, `
		UPDATE accounts
		SET auth_data = ?, refresh_token = ?, encryption_version = ?, encrypted_at = ?, updated_at = ?
		WHERE id = ?`,
		encAuth, encRefresh, EncryptionVersionAEAD, now, now, id,
	)
	if err != nil {
		return errs.Wrap(errs.DatabaseError, "could not update account credentials", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errs.New(errs.NotFound, "account not found")
	}
	return nil
}

// UpdateLastSynced records a successful sync time.
func (s *Store) UpdateLastSynced(ctx context.Context, id int64, ts time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE accounts SET last_synced_at = ?, updated_at = ? WHERE id = ?`,
		ts.UTC().Unix(), time.Now().UTC().Unix(), id,
	)
	if err != nil {
		return errs.Wrap(errs.DatabaseError, "could not record the sync time", err)
	}
	return nil
}
