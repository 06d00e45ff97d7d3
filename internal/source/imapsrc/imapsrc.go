// Package imapsrc implements the IMAP mail source adapter on top of
// go-imap v2. One adapter serves one account; the connection is opened
// lazily on first use and held for the rest of the cycle.
package imapsrc

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"github.com/nhle/mailvault/internal/model"
	"github.com/nhle/mailvault/internal/source"
)

// Config carries the connection parameters for one IMAP account.
type Config struct {
	Account  string
	Host     string
	Port     int
	Username string
	Password string

	// UseSSL selects implicit TLS on connect. When false the adapter
	// upgrades via STARTTLS; RequireStartTLS makes a failed upgrade
	// fatal instead of falling back to plaintext.
	UseSSL          bool
	RequireStartTLS bool
}

// Adapter implements source.Source over an IMAP connection.
type Adapter struct {
	cfg    Config
	logger *slog.Logger

	client   *imapclient.Client
	selected string
}

var _ source.Source = (*Adapter)(nil)

// New returns an unconnected adapter. No network traffic happens until
// the first operation.
func New(cfg Config, logger *slog.Logger) *Adapter {
	return &Adapter{cfg: cfg, logger: logger}
}

// Type returns model.AccountIMAP.
func (a *Adapter) Type() model.AccountType { return model.AccountIMAP }

// connect dials and authenticates, caching the client for reuse.
func (a *Adapter) connect(_ context.Context) (*imapclient.Client, error) {
	if a.client != nil {
		return a.client, nil
	}

	addr := a.cfg.Host + ":" + strconv.Itoa(a.cfg.Port)

	var client *imapclient.Client
	var err error
	if a.cfg.UseSSL {
		client, err = imapclient.DialTLS(addr, nil)
	} else {
		client, err = imapclient.DialStartTLS(addr, nil)
	}
	if err != nil {
		if !a.cfg.UseSSL && !a.cfg.RequireStartTLS {
			client, err = imapclient.DialInsecure(addr, nil)
		}
		if err != nil {
			return nil, &source.ConnectionError{
				Account: a.cfg.Account,
				Err:     fmt.Errorf("connecting to %s: %w", addr, err),
			}
		}
	}

	if err := client.Login(a.cfg.Username, a.cfg.Password).Wait(); err != nil {
		_ = client.Logout().Wait()
		return nil, &source.AuthError{
			Account: a.cfg.Account,
			Message: fmt.Sprintf("login failed for %s: %v", a.cfg.Username, err),
		}
	}

	a.client = client
	return client, nil
}

// selectFolder selects folder read-write, skipping the round trip when
// it is already selected. Selection failure means the folder vanished
// or is unselectable; the caller skips it.
func (a *Adapter) selectFolder(ctx context.Context, folder string) (*imapclient.Client, error) {
	client, err := a.connect(ctx)
	if err != nil {
		return nil, err
	}
	if a.selected == folder {
		return client, nil
	}
	if _, err := client.Select(folder, nil).Wait(); err != nil {
		return nil, &source.FolderNotFoundError{Folder: folder}
	}
	a.selected = folder
	return client, nil
}

// TestConnection authenticates and selects INBOX.
func (a *Adapter) TestConnection(ctx context.Context) error {
	_, err := a.selectFolder(ctx, "INBOX")
	return err
}

// Folders lists the selectable mailboxes on the server.
func (a *Adapter) Folders(ctx context.Context) ([]string, error) {
	client, err := a.connect(ctx)
	if err != nil {
		return nil, err
	}

	boxes, err := client.List("", "*", nil).Collect()
	if err != nil {
		return nil, &source.ConnectionError{
			Account: a.cfg.Account,
			Err:     fmt.Errorf("listing folders: %w", err),
		}
	}

	var folders []string
	for _, box := range boxes {
		selectable := true
		for _, attr := range box.Attrs {
			if attr == imap.MailboxAttrNoSelect {
				selectable = false
				break
			}
		}
		if selectable {
			folders = append(folders, box.Mailbox)
		}
	}
	sort.Strings(folders)
	return folders, nil
}

// ListNew searches for UIDs strictly greater than the cursor position
// and returns them ascending. The sync token stays empty; IMAP cursors
// advance per stored message instead.
func (a *Adapter) ListNew(ctx context.Context, folder string, cur model.Cursor) ([]source.Ref, string, error) {
	client, err := a.selectFolder(ctx, folder)
	if err != nil {
		return nil, "", err
	}

	criteria := &imap.SearchCriteria{
		UID: []imap.UIDSet{{imap.UIDRange{Start: imap.UID(cur.LastUID + 1), Stop: 0}}},
	}
	searchData, err := client.UIDSearch(criteria, nil).Wait()
	if err != nil {
		return nil, "", &source.ConnectionError{
			Account: a.cfg.Account,
			Err:     fmt.Errorf("searching %q after uid %d: %w", folder, cur.LastUID, err),
		}
	}

	uids := searchData.AllUIDs()
	sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })

	refs := make([]source.Ref, 0, len(uids))
	for _, uid := range uids {
		// Servers may return UIDs at or below the cursor for the
		// open-ended range; never reprocess those.
		if int64(uid) <= cur.LastUID {
			continue
		}
		refs = append(refs, source.Ref{
			ID:  strconv.FormatUint(uint64(uid), 10),
			UID: int64(uid),
		})
	}
	return refs, "", nil
}

// FetchRaw downloads the complete message with BODY.PEEK so the fetch
// does not flip the \Seen flag on the origin server.
func (a *Adapter) FetchRaw(ctx context.Context, folder string, ref source.Ref) ([]byte, error) {
	client, err := a.selectFolder(ctx, folder)
	if err != nil {
		return nil, err
	}

	bodySection := &imap.FetchItemBodySection{Peek: true}
	fetchCmd := client.Fetch(imap.UIDSetNum(imap.UID(ref.UID)), &imap.FetchOptions{
		UID:         true,
		BodySection: []*imap.FetchItemBodySection{bodySection},
	})
	defer fetchCmd.Close()

	msg := fetchCmd.Next()
	if msg == nil {
		return nil, fmt.Errorf("message uid %d not found in %q", ref.UID, folder)
	}
	buf, err := msg.Collect()
	if err != nil {
		return nil, fmt.Errorf("collecting uid %d: %w", ref.UID, err)
	}
	if err := fetchCmd.Close(); err != nil {
		return nil, &source.ConnectionError{
			Account: a.cfg.Account,
			Err:     fmt.Errorf("fetching uid %d: %w", ref.UID, err),
		}
	}

	raw := buf.FindBodySection(bodySection)
	if raw == nil {
		return nil, fmt.Errorf("server returned no body for uid %d in %q", ref.UID, folder)
	}
	return raw, nil
}

// DeleteOrTrash flags the message \Deleted and, when expunge is set,
// expunges the folder so the deletion takes effect immediately.
func (a *Adapter) DeleteOrTrash(ctx context.Context, folder string, ref source.Ref, expunge bool) error {
	client, err := a.selectFolder(ctx, folder)
	if err != nil {
		return err
	}

	uidSet := imap.UIDSetNum(imap.UID(ref.UID))
	storeCmd := client.Store(uidSet, &imap.StoreFlags{
		Op:     imap.StoreFlagsAdd,
		Silent: true,
		Flags:  []imap.Flag{imap.FlagDeleted},
	}, nil)
	if err := storeCmd.Close(); err != nil {
		return &source.ConnectionError{
			Account: a.cfg.Account,
			Err:     fmt.Errorf("flagging uid %d deleted: %w", ref.UID, err),
		}
	}

	if !expunge {
		return nil
	}
	if err := client.Expunge().Close(); err != nil {
		return &source.ConnectionError{
			Account: a.cfg.Account,
			Err:     fmt.Errorf("expunging %q: %w", folder, err),
		}
	}
	return nil
}

// Close logs out and drops the cached connection.
func (a *Adapter) Close() error {
	if a.client == nil {
		return nil
	}
	err := a.client.Logout().Wait()
	a.client = nil
	a.selected = ""
	return err
}
