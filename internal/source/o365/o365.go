// Package o365 implements the Office 365 mail source adapter over the
// Microsoft Graph REST API. Delta queries play the role IMAP UID ranges
// play elsewhere: the stored delta link resumes enumeration exactly
// where the previous cycle stopped.
package o365

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/oauth2"

	"github.com/nhle/mailvault/internal/model"
	"github.com/nhle/mailvault/internal/source"
)

const graphBase = "https://graph.microsoft.com/v1.0"

// Folder is the single logical folder the adapter reports. Graph delta
// queries run against the whole message set of the mailbox.
const Folder = "INBOX"

// maxRawSize caps a single message download. Graph rejects larger
// messages on export anyway; an oversize response fails the fetch
// rather than archive a truncated copy.
const maxRawSize = 150 << 20

// Adapter implements source.Source over Microsoft Graph.
type Adapter struct {
	account string
	client  *http.Client
	base    string
	maxRaw  int64
	logger  *slog.Logger
}

var _ source.Source = (*Adapter)(nil)

// New builds the adapter. The oauth2 transport injects and refreshes
// the bearer token on every request.
func New(ctx context.Context, account string, ts oauth2.TokenSource, logger *slog.Logger) *Adapter {
	return &Adapter{
		account: account,
		client:  oauth2.NewClient(ctx, ts),
		base:    graphBase,
		maxRaw:  maxRawSize,
		logger:  logger,
	}
}

// NewWithBase is New with an overridable API root, for tests.
func NewWithBase(ctx context.Context, account, base string, ts oauth2.TokenSource, logger *slog.Logger) *Adapter {
	a := New(ctx, account, ts, logger)
	a.base = base
	return a
}

// Type returns model.AccountO365.
func (a *Adapter) Type() model.AccountType { return model.AccountO365 }

type deltaMessage struct {
	ID      string           `json:"id"`
	Removed *json.RawMessage `json:"@removed"`
}

type deltaPage struct {
	Value     []deltaMessage `json:"value"`
	NextLink  string         `json:"@odata.nextLink"`
	DeltaLink string         `json:"@odata.deltaLink"`
}

// TestConnection asks Graph who the token belongs to.
func (a *Adapter) TestConnection(ctx context.Context) error {
	body, err := a.get(ctx, a.base+"/me?$select=mail,userPrincipalName")
	if err != nil {
		return err
	}
	var me struct {
		Mail              string `json:"mail"`
		UserPrincipalName string `json:"userPrincipalName"`
	}
	if err := json.Unmarshal(body, &me); err != nil {
		return fmt.Errorf("decoding /me response: %w", err)
	}
	if me.Mail == "" && me.UserPrincipalName == "" {
		return &source.AuthError{Account: a.account, Message: "token resolves to no mailbox"}
	}
	return nil
}

// Folders reports the single logical folder.
func (a *Adapter) Folders(_ context.Context) ([]string, error) {
	return []string{Folder}, nil
}

// ListNew follows the delta chain from the cursor's delta link (or
// starts a fresh one) until Graph hands back the next delta link, and
// returns that link as the batch token.
func (a *Adapter) ListNew(ctx context.Context, _ string, cur model.Cursor) ([]source.Ref, string, error) {
	next := cur.SyncToken
	if next == "" {
		next = a.base + "/me/messages/delta?$select=id"
	}

	var refs []source.Ref
	for {
		body, err := a.get(ctx, next)
		if err != nil {
			return nil, "", err
		}
		var page deltaPage
		if err := json.Unmarshal(body, &page); err != nil {
			return nil, "", fmt.Errorf("decoding delta page: %w", err)
		}

		for _, m := range page.Value {
			if m.Removed != nil {
				// Upstream deletion; the archived copy stays.
				a.logger.Debug("ignoring upstream deletion",
					"account", a.account, "message_id", m.ID)
				continue
			}
			refs = append(refs, source.Ref{ID: m.ID})
		}

		if page.NextLink != "" {
			next = page.NextLink
			continue
		}
		if page.DeltaLink == "" {
			return nil, "", &source.ConnectionError{
				Account: a.account,
				Err:     fmt.Errorf("delta response carries neither nextLink nor deltaLink"),
			}
		}
		return refs, page.DeltaLink, nil
	}
}

// FetchRaw exports the message as MIME via the $value endpoint.
func (a *Adapter) FetchRaw(ctx context.Context, _ string, ref source.Ref) ([]byte, error) {
	return a.get(ctx, a.base+"/me/messages/"+url.PathEscape(ref.ID)+"/$value")
}

// DeleteOrTrash moves the message to Deleted Items. The expunge flag is
// ignored; mailbox retention policy controls actual erasure.
func (a *Adapter) DeleteOrTrash(ctx context.Context, _ string, ref source.Ref, _ bool) error {
	payload := strings.NewReader(`{"destinationId":"deleteditems"}`)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		a.base+"/me/messages/"+url.PathEscape(ref.ID)+"/move", payload)
	if err != nil {
		return fmt.Errorf("building move request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return a.transportErr("moving message "+ref.ID, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode == http.StatusUnauthorized {
		return &source.AuthError{Account: a.account, Message: "moving message " + ref.ID + ": token rejected"}
	}
	if resp.StatusCode >= 300 {
		return &source.ConnectionError{
			Account: a.account,
			Err:     fmt.Errorf("moving message %s: graph returned %s", ref.ID, resp.Status),
		}
	}
	return nil
}

// Close is a no-op.
func (a *Adapter) Close() error { return nil }

// get performs an authenticated GET, classifying failures into the
// shared error taxonomy.
func (a *Adapter) get(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("building request for %s: %w", rawURL, err)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, a.transportErr("GET "+rawURL, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, a.maxRaw+1))
	if err != nil {
		return nil, a.transportErr("reading response from "+rawURL, err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, &source.AuthError{Account: a.account, Message: "graph rejected token for " + rawURL}
	case resp.StatusCode >= 300:
		return nil, &source.ConnectionError{
			Account: a.account,
			Err:     fmt.Errorf("GET %s: graph returned %s", rawURL, resp.Status),
		}
	}
	if int64(len(body)) > a.maxRaw {
		return nil, fmt.Errorf("GET %s: response exceeds %d byte limit", rawURL, a.maxRaw)
	}
	return body, nil
}

// transportErr wraps a network-level failure, surfacing token refresh
// failures as auth errors.
func (a *Adapter) transportErr(op string, err error) error {
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
