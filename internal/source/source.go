package source

import (
	"context"
	"errors"
	"fmt"

	"github.com/nhle/mailvault/internal/model"
)

// AuthError indicates that authentication failed or expired for a mail
// source. It aborts the account's cycle; the account is retried on the
// next interval.
type AuthError struct {
	Account string
	Message string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("auth error (%s): %s", e.Account, e.Message)
}

// IsAuthError reports whether err (or any error in its chain) is an AuthError.
func IsAuthError(err error) bool {
	var authErr *AuthError
	return errors.As(err, &authErr)
}

// ConnectionError indicates a transient network or protocol failure.
// Like AuthError it aborts the current cycle without advancing cursors.
type ConnectionError struct {
	Account string
	Err     error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection error (%s): %v", e.Account, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// IsConnectionError reports whether err chains to a ConnectionError.
func IsConnectionError(err error) bool {
	var connErr *ConnectionError
	return errors.As(err, &connErr)
}

// FolderNotFoundError indicates that a single folder could not be
// selected. The pipeline skips the folder and continues with the rest
// of the account.
type FolderNotFoundError struct {
	Folder string
}

func (e *FolderNotFoundError) Error() string {
	return fmt.Sprintf("folder %q not found", e.Folder)
}

// IsFolderNotFound reports whether err chains to a FolderNotFoundError.
func IsFolderNotFound(err error) bool {
	var nfErr *FolderNotFoundError
	return errors.As(err, &nfErr)
}

// ConfigError indicates an account whose stored configuration cannot be
// used (missing vault key, undecryptable secret, unknown type). The
// account is skipped until an operator fixes it; other accounts are
// unaffected.
type ConfigError struct {
	Account string
	Reason  string
	Err     error
}

func (e *ConfigError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("config error (%s): %s: %v", e.Account, e.Reason, e.Err)
	}
	return fmt.Sprintf("config error (%s): %s", e.Account, e.Reason)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// IsConfigError reports whether err chains to a ConfigError.
func IsConfigError(err error) bool {
	var cfgErr *ConfigError
	return errors.As(err, &cfgErr)
}

// Ref identifies one message on the origin server. ID is the
// provider-native identifier (decimal UID for IMAP, opaque message ID
// for gmail/o365); UID is the numeric IMAP UID, zero for delta-sync
// sources.
type Ref struct {
	ID  string
	UID int64
}

// Source is the capability set every mail source adapter implements.
// One adapter instance serves one account for the duration of a cycle
// and is closed afterwards.
type Source interface {
	// Type returns the account type this adapter serves.
	Type() model.AccountType

	// TestConnection verifies connectivity and credentials. The UI's
	// "test" button and the pipeline share this path.
	TestConnection(ctx context.Context) error

	// Folders lists the folders to poll. IMAP enumerates the server's
	// mailboxes; delta-sync sources report a single logical inbox.
	Folders(ctx context.Context) ([]string, error)

	// ListNew returns references to messages not yet covered by the
	// cursor, in the order they must be processed (ascending UID for
	// IMAP, API order for delta sync). For delta-sync sources the
	// returned token replaces the cursor's sync token once the whole
	// batch has been stored or skipped; IMAP returns an empty token
	// and advances per message instead.
	ListNew(ctx context.Context, folder string, cur model.Cursor) ([]Ref, string, error)

	// FetchRaw retrieves the complete RFC 822 bytes of one message.
	FetchRaw(ctx context.Context, folder string, ref Ref) ([]byte, error)

	// DeleteOrTrash removes a message from the origin server. IMAP
	// flags \Deleted and expunges when asked; OAuth providers move the
	// message to trash and ignore the expunge flag (provider policy
	// controls actual erasure).
	DeleteOrTrash(ctx context.Context, folder string, ref Ref, expunge bool) error

	// Close releases the adapter's connection, if any.
	Close() error
}
