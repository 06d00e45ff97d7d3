package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nhle/mailvault/internal/model"
	"github.com/nhle/mailvault/internal/store"
)

// DefaultRefreshInterval is how often the scheduler re-reads the
// account table when no interval is configured.
const DefaultRefreshInterval = 60 * time.Second

// worker is one running account goroutine plus the knobs to stop it.
type worker struct {
	fingerprint string
	stopCh      chan struct{}
	done        chan struct{}
}

// Scheduler keeps one polling goroutine per enabled account. It
// periodically re-reads the account table and starts, stops or
// restarts workers so the running set always mirrors the database.
type Scheduler struct {
	store           store.Store
	runner          *Runner
	refreshInterval time.Duration
	logger          *slog.Logger

	mu      sync.Mutex
	workers map[int64]*worker
}

// NewScheduler builds a scheduler around a runner.
func NewScheduler(s store.Store, r *Runner, refreshInterval time.Duration, logger *slog.Logger) *Scheduler {
	if refreshInterval <= 0 {
		refreshInterval = DefaultRefreshInterval
	}
	return &Scheduler{
		store:           s,
		runner:          r,
		refreshInterval: refreshInterval,
		logger:          logger,
		workers:         make(map[int64]*worker),
	}
}

// Run reconciles workers until ctx is cancelled, then stops every
// worker and waits for in-flight cycles to finish.
func (s *Scheduler) Run(ctx context.Context) {
	s.reconcile(ctx)

	ticker := time.NewTicker(s.refreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.stopAll()
			return
		case <-ticker.C:
			s.reconcile(ctx)
		}
	}
}

// reconcile diffs the enabled accounts against the running workers.
// A changed fingerprint restarts the worker so edits to credentials or
// intervals take effect without a process restart.
func (s *Scheduler) reconcile(ctx context.Context) {
	accounts, err := s.store.ListEnabledAccounts(ctx)
	if err != nil {
		s.logger.Error("listing accounts failed", "error", err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[int64]bool, len(accounts))
	for i := range accounts {
		acc := accounts[i]
		seen[acc.ID] = true
		fp := fingerprint(&acc)

		if w, ok := s.workers[acc.ID]; ok {
			if w.fingerprint == fp {
				continue
			}
			s.logger.Info("account changed, restarting worker", "account", acc.Name)
			stopWorker(w)
			delete(s.workers, acc.ID)
		}
		s.workers[acc.ID] = s.startWorker(ctx, acc, fp)
	}

	for id, w := range s.workers {
		if !seen[id] {
			s.logger.Info("account removed or disabled, stopping worker", "account_id", id)
			stopWorker(w)
			delete(s.workers, id)
		}
	}
}

// startWorker launches the per-account loop: one cycle immediately,
// then one per poll interval until stopped.
func (s *Scheduler) startWorker(ctx context.Context, acc model.Account, fp string) *worker {
	w := &worker{
		fingerprint: fp,
		stopCh:      make(chan struct{}),
		done:        make(chan struct{}),
	}

	go func() {
		defer close(w.done)
		s.logger.Info("worker started",
			"account", acc.Name, "type", acc.Type, "interval", acc.PollInterval())

		ticker := time.NewTicker(acc.PollInterval())
		defer ticker.Stop()

		for {
			// Errors are recorded on the account row by the runner;
			// the worker just keeps its schedule.
			_ = s.runner.Cycle(ctx, &acc)

			select {
			case <-ctx.Done():
				return
			case <-w.stopCh:
				return
			case <-ticker.C:
			}
		}
	}()

	return w
}

func (s *Scheduler) stopAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, w := range s.workers {
		stopWorker(w)
		delete(s.workers, id)
	}
}

func stopWorker(w *worker) {
	close(w.stopCh)
	<-w.done
}

// fingerprint captures the account fields a worker bakes in at start.
// When any of them change the worker must be restarted.
func fingerprint(acc *model.Account) string {
	enc := func(p *string) string {
		if p == nil {
			return ""
		}
		return *p
	}
	return fmt.Sprintf("%s|%s|%s|%d|%s|%s|%t|%t|%d|%t|%t|%s|%s|%s",
		acc.Name, acc.Type, acc.Host, acc.Port, acc.Username,
		enc(acc.PasswordEnc), acc.UseSSL, acc.RequireStartTLS,
		acc.PollIntervalSec, acc.DeleteAfterProcessing, acc.ExpungeDeleted,
		acc.OAuthClientID, enc(acc.OAuthClientSecretEnc), enc(acc.OAuthRefreshTokenEnc))
}
