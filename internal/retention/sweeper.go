// Package retention removes archived messages older than the configured
// retention period. When server-side deletion is enabled the origin
// copy is removed first; a message whose server deletion fails stays in
// the archive and is retried on the next sweep, so the archive never
// holds fewer copies than the origin.
package retention

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/nhle/mailvault/internal/model"
	"github.com/nhle/mailvault/internal/source"
	"github.com/nhle/mailvault/internal/store"
)

// State is the sweeper's externally visible phase.
type State string

const (
	StateIdle     State = "idle"
	StateScanning State = "scanning"
	StateDeleting State = "deleting"
)

// DefaultSweepInterval is used when no interval is configured.
const DefaultSweepInterval = time.Hour

// batchSize bounds one ListMessagesOlderThan round trip.
const batchSize = 500

// SourceFactory builds a connected adapter for an account, shared with
// the ingest pipeline.
type SourceFactory func(ctx context.Context, acc *model.Account) (source.Source, error)

// Sweeper runs periodic retention sweeps.
type Sweeper struct {
	store    store.Store
	sources  SourceFactory
	interval time.Duration
	logger   *slog.Logger

	mu    sync.Mutex
	state State
}

// NewSweeper builds a sweeper.
func NewSweeper(s store.Store, sources SourceFactory, interval time.Duration, logger *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	return &Sweeper{
		store:    s,
		sources:  sources,
		interval: interval,
		logger:   logger,
		state:    StateIdle,
	}
}

// State reports the current sweep phase.
func (s *Sweeper) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Sweeper) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// Run sweeps once immediately and then on every interval tick until
// ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		if err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("retention sweep failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Sweep runs one retention pass. It is a no-op when retention is
// disabled in settings.
func (s *Sweeper) Sweep(ctx context.Context) error {
	defer s.setState(StateIdle)
	s.setState(StateScanning)

	settings, err := s.store.GetSettings(ctx)
	if err != nil {
		return fmt.Errorf("loading settings: %w", err)
	}
	cutoff, ok := settings.RetentionCutoff(time.Now())
	if !ok {
		return nil
	}

	total := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		expired, err := s.store.ListMessagesOlderThan(ctx, cutoff, batchSize)
		if err != nil {
			return err
		}
		if len(expired) == 0 {
			break
		}

		s.setState(StateDeleting)
		deleted, err := s.deleteBatch(ctx, expired, settings.RetentionDeleteFromServer)
		total += deleted
		if err != nil {
			return err
		}
		// Every message in the batch was held back (server deletion
		// failing); stop rather than spin on the same batch.
		if deleted == 0 {
			break
		}
	}

	if total > 0 {
		s.logger.Info("retention sweep complete", "deleted", total, "cutoff", cutoff)
		s.logEvent(ctx, "info", fmt.Sprintf("retention removed %d messages", total),
			"cutoff="+cutoff.Format(time.RFC3339))
	}
	return nil
}

// deleteBatch removes one batch, origin server first when requested.
// Messages whose server deletion fails are excluded from the local
// delete and retried next sweep.
func (s *Sweeper) deleteBatch(ctx context.Context, batch []model.Message, fromServer bool) (int, error) {
	ids := make([]int64, 0, len(batch))

	if !fromServer {
		for _, m := range batch {
			ids = append(ids, m.ID)
		}
		if err := s.store.DeleteMessages(ctx, ids, model.DeletionRetention, false); err != nil {
			return 0, err
		}
		return len(ids), nil
	}

	// Group by source account so each account's adapter connects once.
	bySource := make(map[string][]model.Message)
	for _, m := range batch {
		bySource[m.Source] = append(bySource[m.Source], m)
	}

	for name, msgs := range bySource {
		ids = append(ids, s.deleteFromServer(ctx, name, msgs)...)
	}

	if len(ids) == 0 {
		return 0, nil
	}
	if err := s.store.DeleteMessages(ctx, ids, model.DeletionRetention, true); err != nil {
		return 0, err
	}
	return len(ids), nil
}

// deleteFromServer removes one account's expired messages from the
// origin server, returning the IDs safe to delete locally. An account
// that no longer exists cannot hold an origin copy; its messages pass
// straight through.
func (s *Sweeper) deleteFromServer(ctx context.Context, accountName string, msgs []model.Message) []int64 {
	acc, err := s.store.GetAccountByName(ctx, accountName)
	if err == store.ErrNotFound {
		s.logger.Info("account gone, deleting archive copies only",
			"account", accountName, "count", len(msgs))
		ids := make([]int64, 0, len(msgs))
		for _, m := range msgs {
			ids = append(ids, m.ID)
		}
		return ids
	}
	if err != nil {
		s.logger.Error("loading account for retention failed", "account", accountName, "error", err)
		return nil
	}

	src, err := s.sources(ctx, acc)
	if err != nil {
		s.logger.Warn("connecting for server-side deletion failed, holding messages",
			"account", accountName, "error", err)
		return nil
	}
	defer src.Close()

	var ids []int64
	for _, m := range msgs {
		ref := refFor(&m)
		if err := src.DeleteOrTrash(ctx, m.Folder, ref, acc.ExpungeDeleted); err != nil {
			s.logger.Warn("server-side deletion failed, holding message",
				"account", accountName, "folder", m.Folder, "uid", m.UID, "error", err)
			continue
		}
		ids = append(ids, m.ID)
	}
	return ids
}

// DeleteManual removes specific messages on an operator's request,
// recording them under the manual deletion type. Server-side deletion
// follows the same hold-back rule as retention.
func (s *Sweeper) DeleteManual(ctx context.Context, ids []int64, fromServer bool) error {
	if !fromServer {
		return s.store.DeleteMessages(ctx, ids, model.DeletionManual, false)
	}

	var batch []model.Message
	for _, id := range ids {
		m, err := s.store.GetMessage(ctx, id)
		if err == store.ErrNotFound {
			continue
		}
		if err != nil {
			return err
		}
		batch = append(batch, *m)
	}

	bySource := make(map[string][]model.Message)
	for _, m := range batch {
		bySource[m.Source] = append(bySource[m.Source], m)
	}
	var deletable []int64
	for name, msgs := range bySource {
		deletable = append(deletable, s.deleteFromServer(ctx, name, msgs)...)
	}
	if len(deletable) == 0 {
		return nil
	}
	return s.store.DeleteMessages(ctx, deletable, model.DeletionManual, true)
}

func (s *Sweeper) logEvent(ctx context.Context, level, msg, details string) {
	if err := s.store.AppendLog(ctx, level, "retention", msg, details); err != nil {
		s.logger.Warn("appending event log failed", "error", err)
	}
}

// refFor rebuilds the origin-server reference from an archived row.
// IMAP UIDs were stored as decimal strings; delta sources use the
// opaque ID directly.
func refFor(m *model.Message) source.Ref {
	ref := source.Ref{ID: m.UID}
	if uid, err := strconv.ParseInt(m.UID, 10, 64); err == nil {
		ref.UID = uid
	}
	return ref
}
