package model

import (
	"time"
)

// AccountType identifies the kind of mail source an account connects to.
type AccountType string

const (
	AccountIMAP  AccountType = "imap"
	AccountGmail AccountType = "gmail"
	AccountO365  AccountType = "o365"
)

// HealthStatus is the derived operational state of a fetch account,
// computed from its heartbeat and error fields.
type HealthStatus string

const (
	StatusHealthy  HealthStatus = "healthy"
	StatusStale    HealthStatus = "stale"
	StatusError    HealthStatus = "error"
	StatusPending  HealthStatus = "pending"
	StatusDisabled HealthStatus = "disabled"
)

// Account is one configured mail source. IMAP accounts use the
// host/port/username/password fields; gmail and o365 accounts use the
// oauth_* fields. Secrets are stored encrypted and must go through the
// vault before use.
type Account struct {
	ID   int64       `db:"id"`
	Name string      `db:"name"`
	Type AccountType `db:"account_type"`

	Host            string  `db:"host"`
	Port            int     `db:"port"`
	Username        string  `db:"username"`
	PasswordEnc     *string `db:"password_encrypted"`
	UseSSL          bool    `db:"use_ssl"`
	RequireStartTLS bool    `db:"require_starttls"`

	OAuthClientID        string     `db:"oauth_client_id"`
	OAuthClientSecretEnc *string    `db:"oauth_client_secret_encrypted"`
	OAuthRefreshTokenEnc *string    `db:"oauth_refresh_token_encrypted"`
	OAuthAccessToken     *string    `db:"oauth_access_token"`
	OAuthTokenExpiry     *time.Time `db:"oauth_token_expiry"`

	PollIntervalSec       int  `db:"poll_interval_seconds"`
	DeleteAfterProcessing bool `db:"delete_after_processing"`
	ExpungeDeleted        bool `db:"expunge_deleted"`
	Enabled               bool `db:"enabled"`

	LastHeartbeat *time.Time `db:"last_heartbeat"`
	LastSuccess   *time.Time `db:"last_success"`
	LastError     *string    `db:"last_error"`
	CreatedAt     time.Time  `db:"created_at"`
}

// DefaultPollInterval is used when an account has no (or a nonsensical)
// poll interval configured.
const DefaultPollInterval = 300 * time.Second

// PollInterval returns the account's poll interval as a duration,
// falling back to DefaultPollInterval.
func (a *Account) PollInterval() time.Duration {
	if a.PollIntervalSec <= 0 {
		return DefaultPollInterval
	}
	return time.Duration(a.PollIntervalSec) * time.Second
}

// Health derives the account's operational status at the given time.
// An account is stale when the worker has not heartbeat within three
// poll intervals.
func (a *Account) Health(now time.Time) HealthStatus {
	if !a.Enabled {
		return StatusDisabled
	}
	if a.LastError != nil && *a.LastError != "" {
		return StatusError
	}
	if a.LastHeartbeat == nil {
		return StatusPending
	}
	if now.Sub(*a.LastHeartbeat) > 3*a.PollInterval() {
		return StatusStale
	}
	return StatusHealthy
}
