// Package gmail implements the Gmail mail source adapter. Instead of
// UID ranges it tracks a history ID and asks the History API for
// everything added since, so a cycle costs one round per page of
// changes rather than a full mailbox scan.
package gmail

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"golang.org/x/oauth2"
	gmailapi "google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/nhle/mailvault/internal/model"
	"github.com/nhle/mailvault/internal/source"
)

const userID = "me"

// Folder is the single logical folder the adapter reports. The History
// API covers the whole mailbox, so one cursor row per account is enough.
const Folder = "INBOX"

// Adapter implements source.Source over the Gmail REST API.
type Adapter struct {
	account string
	service *gmailapi.Service
	logger  *slog.Logger
}

var _ source.Source = (*Adapter)(nil)

// New builds the adapter around an authenticated token source.
func New(ctx context.Context, account string, ts oauth2.TokenSource, logger *slog.Logger) (*Adapter, error) {
	return newAdapter(ctx, account, logger, option.WithTokenSource(ts))
}

// NewWithEndpoint is New pointed at an alternate API root, for tests.
func NewWithEndpoint(ctx context.Context, account, endpoint string, ts oauth2.TokenSource, logger *slog.Logger) (*Adapter, error) {
	return newAdapter(ctx, account, logger,
		option.WithTokenSource(ts), option.WithEndpoint(endpoint))
}

func newAdapter(ctx context.Context, account string, logger *slog.Logger, opts ...option.ClientOption) (*Adapter, error) {
	srv, err := gmailapi.NewService(ctx, opts...)
	if err != nil {
		return nil, &source.ConfigError{
			Account: account,
			Reason:  "creating gmail service",
			Err:     err,
		}
	}
	return &Adapter{account: account, service: srv, logger: logger}, nil
}

// Type returns model.AccountGmail.
func (a *Adapter) Type() model.AccountType { return model.AccountGmail }

// TestConnection fetches the user's profile.
func (a *Adapter) TestConnection(ctx context.Context) error {
	_, err := a.service.Users.GetProfile(userID).Context(ctx).Do()
	if err != nil {
		return a.wrapErr("getting profile", err)
	}
	return nil
}

// Folders reports the single logical folder.
func (a *Adapter) Folders(_ context.Context) ([]string, error) {
	return []string{Folder}, nil
}

// ListNew returns message refs added since the cursor's history ID,
// plus the history ID to store once the batch is fully processed. A
// zero cursor triggers a full enumeration seeded with the profile's
// current history ID.
func (a *Adapter) ListNew(ctx context.Context, _ string, cur model.Cursor) ([]source.Ref, string, error) {
	if cur.SyncToken == "" {
		return a.listAll(ctx)
	}

	startID, err := strconv.ParseUint(cur.SyncToken, 10, 64)
	if err != nil {
		// A corrupt token is unrecoverable through the History API;
		// fall back to a full enumeration.
		a.logger.Warn("invalid gmail history id, resyncing from scratch",
			"account", a.account, "token", cur.SyncToken)
		return a.listAll(ctx)
	}

	var refs []source.Ref
	latest := startID

	call := a.service.Users.History.List(userID).StartHistoryId(startID)
	err = call.Pages(ctx, func(resp *gmailapi.ListHistoryResponse) error {
		if resp.HistoryId > latest {
			latest = resp.HistoryId
		}
		for _, h := range resp.History {
			for _, added := range h.MessagesAdded {
				refs = append(refs, source.Ref{ID: added.Message.Id})
			}
			// Upstream deletions do not touch the archive; the copy
			// we hold is the point of archiving.
			for _, deleted := range h.MessagesDeleted {
				a.logger.Debug("ignoring upstream deletion",
					"account", a.account, "message_id", deleted.Message.Id)
			}
		}
		return nil
	})
	if err != nil {
		var apiErr *googleapi.Error
		if errors.As(err, &apiErr) && apiErr.Code == http.StatusNotFound {
			// History expired server-side. Resync from scratch; dedup
			// by (source, folder, uid) absorbs the replays.
			a.logger.Warn("gmail history expired, resyncing from scratch",
				"account", a.account, "start_history_id", startID)
			return a.listAll(ctx)
		}
		return nil, "", a.wrapErr("listing history", err)
	}

	return refs, strconv.FormatUint(latest, 10), nil
}

// listAll enumerates every message and returns the profile's current
// history ID as the token, so the next cycle switches to delta sync.
func (a *Adapter) listAll(ctx context.Context) ([]source.Ref, string, error) {
	profile, err := a.service.Users.GetProfile(userID).Context(ctx).Do()
	if err != nil {
		return nil, "", a.wrapErr("getting profile", err)
	}

	var refs []source.Ref
	call := a.service.Users.Messages.List(userID)
	err = call.Pages(ctx, func(resp *gmailapi.ListMessagesResponse) error {
		for _, m := range resp.Messages {
			refs = append(refs, source.Ref{ID: m.Id})
		}
		return nil
	})
	if err != nil {
		return nil, "", a.wrapErr("listing messages", err)
	}

	return refs, strconv.FormatUint(profile.HistoryId, 10), nil
}

// FetchRaw downloads the full RFC 822 message.
func (a *Adapter) FetchRaw(ctx context.Context, _ string, ref source.Ref) ([]byte, error) {
	msg, err := a.service.Users.Messages.Get(userID, ref.ID).
		Format("raw").Context(ctx).Do()
	if err != nil {
		return nil, a.wrapErr("getting message "+ref.ID, err)
	}
	raw, err := decodeRaw(msg.Raw)
	if err != nil {
		return nil, fmt.Errorf("decoding message %s: %w", ref.ID, err)
	}
	return raw, nil
}

// DeleteOrTrash moves the message to Gmail's trash. The expunge flag is
// ignored; Gmail erases trashed mail on its own schedule.
func (a *Adapter) DeleteOrTrash(ctx context.Context, _ string, ref source.Ref, _ bool) error {
	_, err := a.service.Users.Messages.Trash(userID, ref.ID).Context(ctx).Do()
	if err != nil {
		return a.wrapErr("trashing message "+ref.ID, err)
	}
	return nil
}

// Close is a no-op; the underlying HTTP client needs no teardown.
func (a *Adapter) Close() error { return nil }

// wrapErr classifies an API failure. A 401 or a failed token refresh
// becomes AuthError so the scheduler surfaces a credential problem
// instead of retrying forever.
func (a *Adapter) wrapErr(op string, err error) error {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) && apiErr.Code == http.StatusUnauthorized {
		return &source.AuthError{
			Account: a.account,
			Message: fmt.Sprintf("%s: %v", op, err),
		}
	}
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		return &source.AuthError{
			Account: a.account,
			Message: fmt.Sprintf("%s: token refresh failed: %v", op, err),
		}
	}
	return &source.ConnectionError{
		Account: a.account,
		Err:     fmt.Errorf("%s: %w", op, err),
	}
}

// decodeRaw decodes the API's base64url message body. Some responses
// carry trailing padding, some do not; strip it and decode unpadded.
func decodeRaw(raw string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(strings.TrimRight(raw, "="))
}
