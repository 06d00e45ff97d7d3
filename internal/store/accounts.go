package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/nhle/mailvault/internal/model"
)

const accountColumns = `
	id, name, account_type, host, port, username, password_encrypted,
	use_ssl, require_starttls,
	oauth_client_id, oauth_client_secret_encrypted,
	oauth_refresh_token_encrypted, oauth_access_token, oauth_token_expiry,
	poll_interval_seconds, delete_after_processing, expunge_deleted, enabled,
	last_heartbeat, last_success, last_error, created_at`

// CreateAccount inserts a new fetch account and fills in its ID.
func (s *PostgresStore) CreateAccount(ctx context.Context, a *model.Account) error {
	const query = `
		INSERT INTO accounts (
			name, account_type, host, port, username, password_encrypted,
			use_ssl, require_starttls,
			oauth_client_id, oauth_client_secret_encrypted,
			oauth_refresh_token_encrypted, oauth_access_token, oauth_token_expiry,
			poll_interval_seconds, delete_after_processing, expunge_deleted, enabled
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8,
			$9, $10,
			$11, $12, $13,
			$14, $15, $16, $17
		) RETURNING id, created_at`

	err := s.db.QueryRowxContext(ctx, query,
		a.Name, a.Type, a.Host, a.Port, a.Username, a.PasswordEnc,
		a.UseSSL, a.RequireStartTLS,
		a.OAuthClientID, a.OAuthClientSecretEnc,
		a.OAuthRefreshTokenEnc, a.OAuthAccessToken, a.OAuthTokenExpiry,
		a.PollIntervalSec, a.DeleteAfterProcessing, a.ExpungeDeleted, a.Enabled,
	).Scan(&a.ID, &a.CreatedAt)
	if err != nil {
		return fmt.Errorf("creating account %q: %w", a.Name, err)
	}
	return nil
}

// UpdateAccount rewrites all configurable fields of an account.
// Health fields are managed by the worker and left untouched.
func (s *PostgresStore) UpdateAccount(ctx context.Context, a *model.Account) error {
	const query = `
		UPDATE accounts SET
			name = $1, account_type = $2, host = $3, port = $4,
			username = $5, password_encrypted = $6,
			use_ssl = $7, require_starttls = $8,
			oauth_client_id = $9, oauth_client_secret_encrypted = $10,
			oauth_refresh_token_encrypted = $11,
			oauth_access_token = $12, oauth_token_expiry = $13,
			poll_interval_seconds = $14, delete_after_processing = $15,
			expunge_deleted = $16, enabled = $17
		WHERE id = $18`

	res, err := s.db.ExecContext(ctx, query,
		a.Name, a.Type, a.Host, a.Port,
		a.Username, a.PasswordEnc,
		a.UseSSL, a.RequireStartTLS,
		a.OAuthClientID, a.OAuthClientSecretEnc,
		a.OAuthRefreshTokenEnc,
		a.OAuthAccessToken, a.OAuthTokenExpiry,
		a.PollIntervalSec, a.DeleteAfterProcessing,
		a.ExpungeDeleted, a.Enabled,
		a.ID,
	)
	if err != nil {
		return fmt.Errorf("updating account %d: %w", a.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteAccount removes an account; its cursor rows cascade, its
// archived messages stay.
func (s *PostgresStore) DeleteAccount(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM accounts WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("deleting account %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetAccount retrieves an account by ID.
func (s *PostgresStore) GetAccount(ctx context.Context, id int64) (*model.Account, error) {
	var a model.Account
	err := s.db.GetContext(ctx, &a,
		`SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting account %d: %w", id, err)
	}
	return &a, nil
}

// GetAccountByName retrieves an account by its unique name.
func (s *PostgresStore) GetAccountByName(ctx context.Context, name string) (*model.Account, error) {
	var a model.Account
	err := s.db.GetContext(ctx, &a,
		`SELECT `+accountColumns+` FROM accounts WHERE name = $1`, name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting account %q: %w", name, err)
	}
	return &a, nil
}

// ListAccounts returns all accounts ordered by name.
func (s *PostgresStore) ListAccounts(ctx context.Context) ([]model.Account, error) {
	var accounts []model.Account
	err := s.db.SelectContext(ctx, &accounts,
		`SELECT `+accountColumns+` FROM accounts ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("listing accounts: %w", err)
	}
	return accounts, nil
}

// ListEnabledAccounts returns the accounts the scheduler should poll.
func (s *PostgresStore) ListEnabledAccounts(ctx context.Context) ([]model.Account, error) {
	var accounts []model.Account
	err := s.db.SelectContext(ctx, &accounts,
		`SELECT `+accountColumns+` FROM accounts WHERE enabled = TRUE ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("listing enabled accounts: %w", err)
	}
	return accounts, nil
}

// UpdateHeartbeat records that the worker touched the account.
func (s *PostgresStore) UpdateHeartbeat(ctx context.Context, id int64, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE accounts SET last_heartbeat = $1 WHERE id = $2`, at.UTC(), id)
	if err != nil {
		return fmt.Errorf("updating heartbeat for account %d: %w", id, err)
	}
	return nil
}

// UpdateSuccess records a clean cycle and clears any previous error.
func (s *PostgresStore) UpdateSuccess(ctx context.Context, id int64, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE accounts SET last_success = $1, last_error = NULL WHERE id = $2`,
		at.UTC(), id)
	if err != nil {
		return fmt.Errorf("updating success for account %d: %w", id, err)
	}
	return nil
}

// UpdateError records the most recent cycle failure.
func (s *PostgresStore) UpdateError(ctx context.Context, id int64, msg string) error {
	if len(msg) > 500 {
		msg = msg[:500]
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE accounts SET last_error = $1 WHERE id = $2`, msg, id)
	if err != nil {
		return fmt.Errorf("updating error for account %d: %w", id, err)
	}
	return nil
}

// SaveOAuthToken persists a refreshed access token so the next cycle
// does not have to redeem the refresh token again.
func (s *PostgresStore) SaveOAuthToken(ctx context.Context, id int64, accessToken string, expiry time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE accounts SET oauth_access_token = $1, oauth_token_expiry = $2 WHERE id = $3`,
		accessToken, expiry.UTC(), id)
	if err != nil {
		return fmt.Errorf("saving oauth token for account %d: %w", id, err)
	}
	return nil
}
