package testutil

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/nhle/mailvault/internal/model"
	"github.com/nhle/mailvault/internal/store"
)

// MemStore is an in-memory store.Store for pipeline tests. It mirrors
// the Postgres semantics that the pipeline relies on: natural-key
// dedup, monotonic cursor advancement and atomic insert-plus-advance.
type MemStore struct {
	mu sync.Mutex

	accounts map[int64]*model.Account
	nextAcc  int64

	cursors map[cursorKey]model.Cursor

	messages map[int64]*model.Message
	raws     map[int64][]byte
	byNatKey map[natKey]int64
	nextMsg  int64

	settings map[string]string
	stats    map[statKey]int64
	Logs     []LogEntry
}

type cursorKey struct {
	AccountID int64
	Folder    string
}

type natKey struct {
	Source, Folder, UID string
}

type statKey struct {
	Date       string
	Type       model.DeletionType
	FromServer bool
}

// LogEntry is one captured AppendLog call.
type LogEntry struct {
	Level, Source, Message, Details string
}

var _ store.Store = (*MemStore)(nil)

// NewMemStore returns an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		accounts: make(map[int64]*model.Account),
		cursors:  make(map[cursorKey]model.Cursor),
		messages: make(map[int64]*model.Message),
		raws:     make(map[int64][]byte),
		byNatKey: make(map[natKey]int64),
		settings: make(map[string]string),
		stats:    make(map[statKey]int64),
	}
}

func (s *MemStore) CreateAccount(_ context.Context, a *model.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextAcc++
	a.ID = s.nextAcc
	a.CreatedAt = time.Now()
	clone := *a
	s.accounts[a.ID] = &clone
	return nil
}

func (s *MemStore) UpdateAccount(_ context.Context, a *model.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.accounts[a.ID]; !ok {
		return store.ErrNotFound
	}
	clone := *a
	s.accounts[a.ID] = &clone
	return nil
}

func (s *MemStore) DeleteAccount(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.accounts[id]; !ok {
		return store.ErrNotFound
	}
	delete(s.accounts, id)
	for k := range s.cursors {
		if k.AccountID == id {
			delete(s.cursors, k)
		}
	}
	return nil
}

func (s *MemStore) GetAccount(_ context.Context, id int64) (*model.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	clone := *a
	return &clone, nil
}

func (s *MemStore) GetAccountByName(_ context.Context, name string) (*model.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.accounts {
		if a.Name == name {
			clone := *a
			return &clone, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *MemStore) ListAccounts(_ context.Context) ([]model.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Account, 0, len(s.accounts))
	for _, a := range s.accounts {
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemStore) ListEnabledAccounts(ctx context.Context) ([]model.Account, error) {
	all, _ := s.ListAccounts(ctx)
	var out []model.Account
	for _, a := range all {
		if a.Enabled {
			out = append(out, a)
		}
	}
	return out, nil
}

func (s *MemStore) UpdateHeartbeat(_ context.Context, id int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[id]
	if !ok {
		return store.ErrNotFound
	}
	a.LastHeartbeat = &at
	return nil
}

func (s *MemStore) UpdateSuccess(_ context.Context, id int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[id]
	if !ok {
		return store.ErrNotFound
	}
	a.LastSuccess = &at
	a.LastError = nil
	return nil
}

func (s *MemStore) UpdateError(_ context.Context, id int64, msg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[id]
	if !ok {
		return store.ErrNotFound
	}
	a.LastError = &msg
	return nil
}

func (s *MemStore) SaveOAuthToken(_ context.Context, id int64, accessToken string, expiry time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[id]
	if !ok {
		return store.ErrNotFound
	}
	a.OAuthAccessToken = &accessToken
	a.OAuthTokenExpiry = &expiry
	return nil
}

func (s *MemStore) GetCursor(_ context.Context, accountID int64, folder string) (model.Cursor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.cursors[cursorKey{accountID, folder}]; ok {
		return c, nil
	}
	return model.Cursor{AccountID: accountID, Folder: folder}, nil
}

func (s *MemStore) AdvanceCursor(_ context.Context, accountID int64, folder string, uid int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.advanceLocked(accountID, folder, uid)
	return nil
}

func (s *MemStore) advanceLocked(accountID int64, folder string, uid int64) {
	key := cursorKey{accountID, folder}
	c := s.cursors[key]
	c.AccountID, c.Folder = accountID, folder
	if uid > c.LastUID {
		c.LastUID = uid
	}
	s.cursors[key] = c
}

func (s *MemStore) SetSyncToken(_ context.Context, accountID int64, folder, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := cursorKey{accountID, folder}
	c := s.cursors[key]
	c.AccountID, c.Folder = accountID, folder
	c.SyncToken = token
	s.cursors[key] = c
	return nil
}

func (s *MemStore) InsertMessage(_ context.Context, m *model.Message) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertLocked(m), nil
}

func (s *MemStore) InsertMessageAdvancingCursor(_ context.Context, m *model.Message, accountID int64, uid int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inserted := s.insertLocked(m)
	s.advanceLocked(accountID, m.Folder, uid)
	return inserted, nil
}

func (s *MemStore) insertLocked(m *model.Message) bool {
	key := natKey{m.Source, m.Folder, m.UID}
	if _, ok := s.byNatKey[key]; ok {
		return false
	}
	s.nextMsg++
	clone := *m
	clone.ID = s.nextMsg
	clone.CreatedAt = time.Now()
	raw := make([]byte, len(m.Raw))
	copy(raw, m.Raw)
	clone.Raw = nil
	s.messages[clone.ID] = &clone
	s.raws[clone.ID] = raw
	s.byNatKey[key] = clone.ID
	return true
}

func (s *MemStore) GetMessage(_ context.Context, id int64) (*model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	clone := *m
	return &clone, nil
}

func (s *MemStore) GetMessageRaw(_ context.Context, id int64) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	raw, ok := s.raws[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := make([]byte, len(raw))
	copy(out, raw)
	return out, nil
}

func (s *MemStore) SearchMessages(_ context.Context, f store.MessageFilter) ([]model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Message
	for _, m := range s.messages {
		if f.Source != "" && m.Source != f.Source {
			continue
		}
		if f.Folder != "" && m.Folder != f.Folder {
			continue
		}
		if f.Query != "" && !strings.Contains(strings.ToLower(m.Subject+" "+m.Sender+" "+m.Recipients), strings.ToLower(f.Query)) {
			continue
		}
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

func (s *MemStore) ListMessagesOlderThan(_ context.Context, cutoff time.Time, limit int) ([]model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 {
		limit = 500
	}
	var out []model.Message
	for _, m := range s.messages {
		if m.CreatedAt.Before(cutoff) {
			out = append(out, *m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemStore) DeleteMessages(_ context.Context, ids []int64, dt model.DeletionType, fromServer bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var deleted int64
	for _, id := range ids {
		m, ok := s.messages[id]
		if !ok {
			continue
		}
		delete(s.byNatKey, natKey{m.Source, m.Folder, m.UID})
		delete(s.messages, id)
		delete(s.raws, id)
		deleted++
	}
	if deleted > 0 {
		key := statKey{time.Now().Format("2006-01-02"), dt, fromServer}
		s.stats[key] += deleted
	}
	return nil
}

func (s *MemStore) DeletionStats(_ context.Context, since time.Time) ([]model.DeletionStat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.DeletionStat
	for k, n := range s.stats {
		date, _ := time.Parse("2006-01-02", k.Date)
		if date.Before(since.Truncate(24 * time.Hour)) {
			continue
		}
		out = append(out, model.DeletionStat{
			Date:           date,
			Type:           k.Type,
			FromMailServer: k.FromServer,
			Count:          n,
		})
	}
	return out, nil
}

func (s *MemStore) GetSettings(_ context.Context) (model.Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snapshot := make(map[string]string, len(s.settings))
	for k, v := range s.settings {
		snapshot[k] = v
	}
	return model.SettingsFromMap(snapshot), nil
}

func (s *MemStore) SetSetting(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings[key] = value
	return nil
}

func (s *MemStore) AppendLog(_ context.Context, level, source, message, details string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Logs = append(s.Logs, LogEntry{level, source, message, details})
	return nil
}

func (s *MemStore) Close() error { return nil }

// MessageCount reports the number of stored messages.
func (s *MemStore) MessageCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}

// Age backdates a stored message's CreatedAt, for retention tests.
// Returns the message ID and whether the natural key was found.
func (s *MemStore) Age(source, folder, uid string, createdAt time.Time) (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byNatKey[natKey{source, folder, uid}]
	if !ok {
		return 0, false
	}
	s.messages[id].CreatedAt = createdAt
	return id, true
}

// Cursor returns the stored cursor for (account, folder) without the
// zero-value defaulting GetCursor applies.
func (s *MemStore) Cursor(accountID int64, folder string) (model.Cursor, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.cursors[cursorKey{accountID, folder}]
	return c, ok
}
