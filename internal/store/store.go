package store

import (
	"context"
	"errors"
	"time"

	"github.com/nhle/mailvault/internal/model"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("store: not found")

// MessageFilter narrows message listing/search queries. Query, when set,
// runs against the full-text index over subject/sender/recipients.
type MessageFilter struct {
	Source string
	Folder string
	Query  string
	Limit  int
	Offset int
}

// Store is the persistence interface for the archiver. The fetch
// pipeline, the retention sweeper and the external UI layer all go
// through it.
type Store interface {
	// Accounts
	CreateAccount(ctx context.Context, a *model.Account) error
	UpdateAccount(ctx context.Context, a *model.Account) error
	DeleteAccount(ctx context.Context, id int64) error
	GetAccount(ctx context.Context, id int64) (*model.Account, error)
	GetAccountByName(ctx context.Context, name string) (*model.Account, error)
	ListAccounts(ctx context.Context) ([]model.Account, error)
	ListEnabledAccounts(ctx context.Context) ([]model.Account, error)

	// Account health bookkeeping
	UpdateHeartbeat(ctx context.Context, id int64, at time.Time) error
	UpdateSuccess(ctx context.Context, id int64, at time.Time) error
	UpdateError(ctx context.Context, id int64, msg string) error
	SaveOAuthToken(ctx context.Context, id int64, accessToken string, expiry time.Time) error

	// Cursors. GetCursor returns a zero cursor for unknown
	// (account, folder) pairs: first run fetches everything.
	// AdvanceCursor moves the UID watermark without storing a message,
	// for messages the pipeline intentionally skips.
	GetCursor(ctx context.Context, accountID int64, folder string) (model.Cursor, error)
	AdvanceCursor(ctx context.Context, accountID int64, folder string, uid int64) error
	SetSyncToken(ctx context.Context, accountID int64, folder, token string) error

	// Messages. Insert reports whether a row was written; an existing
	// natural key is a silent skip. InsertMessageAdvancingCursor
	// commits the row and the IMAP cursor advance in one transaction
	// so the cursor can never point past an unstored message.
	InsertMessage(ctx context.Context, m *model.Message) (bool, error)
	InsertMessageAdvancingCursor(ctx context.Context, m *model.Message, accountID int64, uid int64) (bool, error)
	GetMessage(ctx context.Context, id int64) (*model.Message, error)
	GetMessageRaw(ctx context.Context, id int64) ([]byte, error)
	SearchMessages(ctx context.Context, f MessageFilter) ([]model.Message, error)
	ListMessagesOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]model.Message, error)
	DeleteMessages(ctx context.Context, ids []int64, dt model.DeletionType, fromServer bool) error
	DeletionStats(ctx context.Context, since time.Time) ([]model.DeletionStat, error)

	// Operational settings and the system event log
	GetSettings(ctx context.Context) (model.Settings, error)
	SetSetting(ctx context.Context, key, value string) error
	AppendLog(ctx context.Context, level, source, message, details string) error

	Close() error
}
