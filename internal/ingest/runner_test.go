package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"testing"

	"github.com/nhle/mailvault/internal/model"
	"github.com/nhle/mailvault/internal/scan"
	"github.com/nhle/mailvault/internal/source"
	"github.com/nhle/mailvault/internal/store"
	"github.com/nhle/mailvault/tests/testutil"
)

// fakeSource serves canned messages from memory. UID-bearing refs get
// cursor filtering like a real IMAP server; an optional token mimics a
// delta-sync provider.
type fakeSource struct {
	typ     model.AccountType
	folders map[string][]fakeMsg
	token   string

	listErr  error
	fetchErr map[string]error

	deleted  []string
	expunged bool
	closed   bool
}

type fakeMsg struct {
	ref source.Ref
	raw []byte
}

func (f *fakeSource) Type() model.AccountType              { return f.typ }
func (f *fakeSource) TestConnection(context.Context) error { return nil }
func (f *fakeSource) Close() error                         { f.closed = true; return nil }

func (f *fakeSource) Folders(context.Context) ([]string, error) {
	names := make([]string, 0, len(f.folders))
	for name := range f.folders {
		names = append(names, name)
	}
	return names, nil
}

func (f *fakeSource) ListNew(_ context.Context, folder string, cur model.Cursor) ([]source.Ref, string, error) {
	if f.listErr != nil {
		return nil, "", f.listErr
	}
	var refs []source.Ref
	for _, m := range f.folders[folder] {
		if m.ref.UID > 0 && m.ref.UID <= cur.LastUID {
			continue
		}
		refs = append(refs, m.ref)
	}
	return refs, f.token, nil
}

func (f *fakeSource) FetchRaw(_ context.Context, folder string, ref source.Ref) ([]byte, error) {
	if err := f.fetchErr[ref.ID]; err != nil {
		return nil, err
	}
	for _, m := range f.folders[folder] {
		if m.ref.ID == ref.ID {
			return m.raw, nil
		}
	}
	return nil, fmt.Errorf("no such message %s", ref.ID)
}

func (f *fakeSource) DeleteOrTrash(_ context.Context, _ string, ref source.Ref, expunge bool) error {
	f.deleted = append(f.deleted, ref.ID)
	f.expunged = expunge
	return nil
}

// markerScanner flags any message containing the marker as infected.
type markerScanner struct {
	marker string
	calls  int
}

func (m *markerScanner) Scan(_ context.Context, raw []byte) scan.Result {
	m.calls++
	if strings.Contains(string(raw), m.marker) {
		return scan.Result{Verdict: scan.VerdictInfected, VirusName: "Eicar-Test-Signature"}
	}
	return scan.Result{Verdict: scan.VerdictClean}
}

type verdictScanner struct{ result scan.Result }

func (v *verdictScanner) Scan(context.Context, []byte) scan.Result { return v.result }

func rawMail(subject string, body string) []byte {
	return []byte("From: Alice <alice@example.com>\r\n" +
		"To: Bob <bob@example.com>\r\n" +
		"Subject: " + subject + "\r\n" +
		"Date: Mon, 02 Jan 2006 15:04:05 -0700\r\n" +
		"\r\n" + body + "\r\n")
}

func imapMsg(uid int64, subject, body string) fakeMsg {
	return fakeMsg{
		ref: source.Ref{ID: strconv.FormatInt(uid, 10), UID: uid},
		raw: rawMail(subject, body),
	}
}

func newTestRunner(t *testing.T, ms *testutil.MemStore, src source.Source, scanner scan.Scanner) (*Runner, *model.Account) {
	t.Helper()
	acc := &model.Account{Name: "test-imap", Type: model.AccountIMAP, Enabled: true}
	if err := ms.CreateAccount(context.Background(), acc); err != nil {
		t.Fatal(err)
	}
	r := &Runner{
		Store:   ms,
		Sources: func(context.Context, *model.Account) (source.Source, error) { return src, nil },
		Scanners: func(string, int) scan.Scanner {
			if scanner == nil {
				return &verdictScanner{result: scan.Result{Verdict: scan.VerdictClean}}
			}
			return scanner
		},
		Logger: slog.New(slog.DiscardHandler),
	}
	return r, acc
}

func TestCycle_StoresNewMessages(t *testing.T) {
	ms := testutil.NewMemStore()
	src := &fakeSource{
		typ: model.AccountIMAP,
		folders: map[string][]fakeMsg{
			"INBOX": {imapMsg(101, "first", "hello"), imapMsg(102, "second", "world")},
		},
	}
	r, acc := newTestRunner(t, ms, src, nil)

	if err := r.Cycle(context.Background(), acc); err != nil {
		t.Fatalf("Cycle() error: %v", err)
	}

	if got := ms.MessageCount(); got != 2 {
		t.Errorf("stored %d messages, want 2", got)
	}
	cur, ok := ms.Cursor(acc.ID, "INBOX")
	if !ok || cur.LastUID != 102 {
		t.Errorf("cursor = %+v, want LastUID 102", cur)
	}
	if !src.closed {
		t.Error("adapter was not closed")
	}

	saved, err := ms.GetAccount(context.Background(), acc.ID)
	if err != nil {
		t.Fatal(err)
	}
	if saved.LastSuccess == nil || saved.LastHeartbeat == nil {
		t.Error("success/heartbeat not recorded")
	}
	if saved.LastError != nil {
		t.Errorf("LastError = %q, want nil", *saved.LastError)
	}

	msgs, err := ms.SearchMessages(context.Background(), store.MessageFilter{Query: "first"})
	if err != nil || len(msgs) != 1 {
		t.Fatalf("search = %v msgs, err %v", len(msgs), err)
	}
	if msgs[0].Sender == "" || msgs[0].Subject != "first" {
		t.Errorf("metadata not extracted: %+v", msgs[0])
	}
	if !msgs[0].VirusScanned || msgs[0].VirusDetected {
		t.Errorf("clean message flags = scanned=%t detected=%t", msgs[0].VirusScanned, msgs[0].VirusDetected)
	}
}

func TestCycle_SecondRunIsIdempotent(t *testing.T) {
	ms := testutil.NewMemStore()
	src := &fakeSource{
		typ:     model.AccountIMAP,
		folders: map[string][]fakeMsg{"INBOX": {imapMsg(7, "only", "one")}},
	}
	r, acc := newTestRunner(t, ms, src, nil)

	for i := 0; i < 2; i++ {
		if err := r.Cycle(context.Background(), acc); err != nil {
			t.Fatalf("Cycle() #%d error: %v", i+1, err)
		}
	}
	if got := ms.MessageCount(); got != 1 {
		t.Errorf("stored %d messages after two cycles, want 1", got)
	}
}

func TestCycle_QuarantinePolicy(t *testing.T) {
	ms := testutil.NewMemStore()
	src := &fakeSource{
		typ: model.AccountIMAP,
		folders: map[string][]fakeMsg{
			"INBOX": {imapMsg(1, "clean", "hello"), imapMsg(2, "bad", "EICAR payload")},
		},
	}
	r, acc := newTestRunner(t, ms, src, &markerScanner{marker: "EICAR"})

	if err := r.Cycle(context.Background(), acc); err != nil {
		t.Fatalf("Cycle() error: %v", err)
	}
	if got := ms.MessageCount(); got != 2 {
		t.Fatalf("stored %d messages, want 2 (quarantine keeps infected)", got)
	}

	msgs, _ := ms.SearchMessages(context.Background(), store.MessageFilter{Query: "bad"})
	if len(msgs) != 1 {
		t.Fatal("infected message not stored")
	}
	m := msgs[0]
	if !m.VirusDetected || m.VirusName == nil || *m.VirusName != "Eicar-Test-Signature" {
		t.Errorf("infected flags = detected=%t name=%v", m.VirusDetected, m.VirusName)
	}
	if m.ScannedAt == nil {
		t.Error("ScannedAt not set")
	}
}

func TestCycle_RejectPolicy(t *testing.T) {
	ms := testutil.NewMemStore()
	ms.SetSetting(context.Background(), "clamav_action", "reject")
	src := &fakeSource{
		typ: model.AccountIMAP,
		folders: map[string][]fakeMsg{
			"INBOX": {imapMsg(1, "bad", "EICAR payload"), imapMsg(2, "clean", "hello")},
		},
	}
	r, acc := newTestRunner(t, ms, src, &markerScanner{marker: "EICAR"})

	if err := r.Cycle(context.Background(), acc); err != nil {
		t.Fatalf("Cycle() error: %v", err)
	}

	if got := ms.MessageCount(); got != 1 {
		t.Errorf("stored %d messages, want 1 (infected rejected)", got)
	}
	// The rejected message counts as processed: the cursor must move
	// past it or the pipeline refetches it forever.
	cur, _ := ms.Cursor(acc.ID, "INBOX")
	if cur.LastUID != 2 {
		t.Errorf("cursor LastUID = %d, want 2", cur.LastUID)
	}
	found := false
	for _, entry := range ms.Logs {
		if entry.Level == "warning" && strings.Contains(entry.Message, "rejected infected") {
			found = true
		}
	}
	if !found {
		t.Error("rejection not recorded in event log")
	}
}

func TestCycle_LogOnlyPolicy(t *testing.T) {
	ms := testutil.NewMemStore()
	ms.SetSetting(context.Background(), "clamav_action", "log_only")
	src := &fakeSource{
		typ: model.AccountIMAP,
		folders: map[string][]fakeMsg{
			"INBOX": {imapMsg(1, "bad", "EICAR payload"), imapMsg(2, "clean", "hello")},
		},
	}
	r, acc := newTestRunner(t, ms, src, &markerScanner{marker: "EICAR"})

	if err := r.Cycle(context.Background(), acc); err != nil {
		t.Fatalf("Cycle() error: %v", err)
	}

	if got := ms.MessageCount(); got != 2 {
		t.Fatalf("stored %d messages, want 2 (log_only keeps infected)", got)
	}
	msgs, _ := ms.SearchMessages(context.Background(), store.MessageFilter{Query: "bad"})
	if len(msgs) != 1 {
		t.Fatal("infected message not stored")
	}
	m := msgs[0]
	if !m.VirusDetected || m.VirusName == nil || *m.VirusName != "Eicar-Test-Signature" {
		t.Errorf("infected flags = detected=%t name=%v", m.VirusDetected, m.VirusName)
	}
	cur, _ := ms.Cursor(acc.ID, "INBOX")
	if cur.LastUID != 2 {
		t.Errorf("cursor LastUID = %d, want 2", cur.LastUID)
	}
}

func TestCycle_ScannerUnavailableFailsOpen(t *testing.T) {
	ms := testutil.NewMemStore()
	src := &fakeSource{
		typ:     model.AccountIMAP,
		folders: map[string][]fakeMsg{"INBOX": {imapMsg(1, "subject", "body")}},
	}
	r, acc := newTestRunner(t, ms, src, &verdictScanner{result: scan.Result{Verdict: scan.VerdictUnavailable}})

	if err := r.Cycle(context.Background(), acc); err != nil {
		t.Fatalf("Cycle() error: %v", err)
	}
	if got := ms.MessageCount(); got != 1 {
		t.Fatalf("stored %d messages, want 1 (fail open)", got)
	}
	msgs, _ := ms.SearchMessages(context.Background(), store.MessageFilter{})
	if msgs[0].VirusScanned {
		t.Error("VirusScanned = true for unscanned message")
	}
}

func TestCycle_ScanDisabledSkipsScanner(t *testing.T) {
	ms := testutil.NewMemStore()
	ms.SetSetting(context.Background(), "clamav_enabled", "false")
	src := &fakeSource{
		typ:     model.AccountIMAP,
		folders: map[string][]fakeMsg{"INBOX": {imapMsg(1, "subject", "EICAR would match")}},
	}
	scanner := &markerScanner{marker: "EICAR"}
	r, acc := newTestRunner(t, ms, src, scanner)

	if err := r.Cycle(context.Background(), acc); err != nil {
		t.Fatalf("Cycle() error: %v", err)
	}
	if scanner.calls != 0 {
		t.Errorf("scanner called %d times with scanning disabled", scanner.calls)
	}
	if got := ms.MessageCount(); got != 1 {
		t.Errorf("stored %d messages, want 1", got)
	}
}

// failingStore fails message inserts for one specific UID.
type failingStore struct {
	store.Store
	failUID string
}

func (f *failingStore) InsertMessage(ctx context.Context, m *model.Message) (bool, error) {
	if m.UID == f.failUID {
		return false, errors.New("disk full")
	}
	return f.Store.InsertMessage(ctx, m)
}

func (f *failingStore) InsertMessageAdvancingCursor(ctx context.Context, m *model.Message, accountID, uid int64) (bool, error) {
	if m.UID == f.failUID {
		return false, errors.New("disk full")
	}
	return f.Store.InsertMessageAdvancingCursor(ctx, m, accountID, uid)
}

func TestCycle_CursorFreezesAtFirstFailure(t *testing.T) {
	ms := testutil.NewMemStore()
	src := &fakeSource{
		typ: model.AccountIMAP,
		folders: map[string][]fakeMsg{
			"INBOX": {imapMsg(101, "a", "x"), imapMsg(102, "b", "y"), imapMsg(103, "c", "z")},
		},
	}
	r, acc := newTestRunner(t, ms, src, nil)
	r.Store = &failingStore{Store: ms, failUID: "102"}

	if err := r.Cycle(context.Background(), acc); err != nil {
		t.Fatalf("Cycle() error: %v", err)
	}

	// 101 and 103 archived, 102 retried next cycle.
	if got := ms.MessageCount(); got != 2 {
		t.Errorf("stored %d messages, want 2", got)
	}
	cur, _ := ms.Cursor(acc.ID, "INBOX")
	if cur.LastUID != 101 {
		t.Errorf("cursor LastUID = %d, want 101 (frozen before failure)", cur.LastUID)
	}

	saved, _ := ms.GetAccount(context.Background(), acc.ID)
	if saved.LastError == nil || !strings.Contains(*saved.LastError, "failed to ingest") {
		t.Errorf("LastError = %v, want ingest failure note", saved.LastError)
	}
}

func TestCycle_DeltaTokenCommitsOnCleanBatch(t *testing.T) {
	ms := testutil.NewMemStore()
	src := &fakeSource{
		typ:   model.AccountGmail,
		token: "hist-42",
		folders: map[string][]fakeMsg{
			"INBOX": {
				{ref: source.Ref{ID: "g1"}, raw: rawMail("one", "a")},
				{ref: source.Ref{ID: "g2"}, raw: rawMail("two", "b")},
			},
		},
	}
	r, acc := newTestRunner(t, ms, src, nil)

	if err := r.Cycle(context.Background(), acc); err != nil {
		t.Fatalf("Cycle() error: %v", err)
	}
	cur, _ := ms.Cursor(acc.ID, "INBOX")
	if cur.SyncToken != "hist-42" {
		t.Errorf("SyncToken = %q, want hist-42", cur.SyncToken)
	}
}

func TestCycle_DeltaTokenHeldOnFailure(t *testing.T) {
	ms := testutil.NewMemStore()
	src := &fakeSource{
		typ:   model.AccountGmail,
		token: "hist-42",
		folders: map[string][]fakeMsg{
			"INBOX": {
				{ref: source.Ref{ID: "g1"}, raw: rawMail("one", "a")},
				{ref: source.Ref{ID: "g2"}, raw: rawMail("two", "b")},
			},
		},
		fetchErr: map[string]error{"g2": errors.New("flaky backend")},
	}
	r, acc := newTestRunner(t, ms, src, nil)

	if err := r.Cycle(context.Background(), acc); err != nil {
		t.Fatalf("Cycle() error: %v", err)
	}

	// g1 is archived, but the token must not move or g2 is lost.
	if got := ms.MessageCount(); got != 1 {
		t.Errorf("stored %d messages, want 1", got)
	}
	if cur, ok := ms.Cursor(acc.ID, "INBOX"); ok && cur.SyncToken != "" {
		t.Errorf("SyncToken = %q, want empty after failed batch", cur.SyncToken)
	}
}

func TestCycle_ConnectionErrorRecorded(t *testing.T) {
	ms := testutil.NewMemStore()
	src := &fakeSource{
		typ:     model.AccountIMAP,
		folders: map[string][]fakeMsg{"INBOX": nil},
		listErr: &source.ConnectionError{Account: "test-imap", Err: errors.New("connection refused")},
	}
	r, acc := newTestRunner(t, ms, src, nil)

	err := r.Cycle(context.Background(), acc)
	if !source.IsConnectionError(err) {
		t.Fatalf("Cycle() error = %v, want ConnectionError", err)
	}

	saved, _ := ms.GetAccount(context.Background(), acc.ID)
	if saved.LastError == nil || !strings.Contains(*saved.LastError, "connection") {
		t.Errorf("LastError = %v, want connection error", saved.LastError)
	}
	if len(ms.Logs) == 0 {
		t.Error("cycle failure not appended to event log")
	}
}

func TestCycle_DeleteAfterProcessing(t *testing.T) {
	ms := testutil.NewMemStore()
	src := &fakeSource{
		typ:     model.AccountIMAP,
		folders: map[string][]fakeMsg{"INBOX": {imapMsg(5, "s", "b")}},
	}
	r, acc := newTestRunner(t, ms, src, nil)
	acc.DeleteAfterProcessing = true
	acc.ExpungeDeleted = true

	if err := r.Cycle(context.Background(), acc); err != nil {
		t.Fatalf("Cycle() error: %v", err)
	}
	if len(src.deleted) != 1 || src.deleted[0] != "5" {
		t.Errorf("deleted = %v, want [5]", src.deleted)
	}
	if !src.expunged {
		t.Error("expunge flag not passed through")
	}
	if got := ms.MessageCount(); got != 1 {
		t.Errorf("stored %d messages, want 1", got)
	}
}
