// Package ingest drives fetch cycles: it walks an account's folders,
// pulls everything past the stored cursor, gates each message through
// the virus scanner and lands it in the archive exactly once.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/nhle/mailvault/internal/model"
	"github.com/nhle/mailvault/internal/scan"
	"github.com/nhle/mailvault/internal/source"
	"github.com/nhle/mailvault/internal/store"
)

// SourceFactory builds the adapter for an account. Production wires
// factory.New with the vault; tests substitute fakes.
type SourceFactory func(ctx context.Context, acc *model.Account) (source.Source, error)

// ScannerFactory builds a scanner for the clamd endpoint currently
// configured in settings.
type ScannerFactory func(host string, port int) scan.Scanner

// Runner executes fetch cycles for accounts. One Runner is shared by
// all account workers; it holds no per-account state.
type Runner struct {
	Store    store.Store
	Sources  SourceFactory
	Scanners ScannerFactory
	Logger   *slog.Logger
}

// cycleStats aggregates counters for the end-of-cycle log line.
type cycleStats struct {
	stored     int
	duplicates int
	rejected   int
	failed     int
}

// Cycle runs one full fetch pass for the account: heartbeat, settings
// snapshot, connect, per-folder ingestion, then success or error
// bookkeeping. A non-nil return means the cycle aborted and the error
// is recorded on the account.
func (r *Runner) Cycle(ctx context.Context, acc *model.Account) error {
	logger := r.Logger.With("account", acc.Name, "cycle", uuid.NewString()[:8])

	if err := r.Store.UpdateHeartbeat(ctx, acc.ID, time.Now()); err != nil {
		logger.Warn("heartbeat update failed", "error", err)
	}

	settings, err := r.Store.GetSettings(ctx)
	if err != nil {
		return r.fail(ctx, logger, acc, fmt.Errorf("loading settings: %w", err))
	}

	src, err := r.Sources(ctx, acc)
	if err != nil {
		return r.fail(ctx, logger, acc, err)
	}
	defer src.Close()

	folders, err := src.Folders(ctx)
	if err != nil {
		return r.fail(ctx, logger, acc, err)
	}

	scanner := r.scannerFor(settings)

	var stats cycleStats
	for _, folder := range folders {
		if err := ctx.Err(); err != nil {
			return r.fail(ctx, logger, acc, err)
		}
		err := r.processFolder(ctx, logger, acc, src, scanner, settings, folder, &stats)
		if source.IsFolderNotFound(err) {
			logger.Warn("folder vanished, skipping", "folder", folder)
			continue
		}
		if err != nil {
			return r.fail(ctx, logger, acc, err)
		}
	}

	if stats.failed > 0 {
		// The cycle finished, but the account row must show that some
		// messages are being retried.
		msg := fmt.Sprintf("%d message(s) failed to ingest", stats.failed)
		if err := r.Store.UpdateError(ctx, acc.ID, msg); err != nil {
			logger.Warn("recording account error failed", "error", err)
		}
	} else if err := r.Store.UpdateSuccess(ctx, acc.ID, time.Now()); err != nil {
		logger.Warn("success update failed", "error", err)
	}
	logger.Info("cycle complete",
		"stored", stats.stored,
		"duplicates", stats.duplicates,
		"rejected", stats.rejected,
		"failed", stats.failed)
	return nil
}

// processFolder ingests everything past the cursor in one folder.
//
// IMAP accounts advance the cursor per message inside the insert
// transaction; once any message fails, later messages are still
// archived but the watermark freezes so the failed one is retried next
// cycle. Delta accounts instead commit the batch token only after an
// error-free pass.
func (r *Runner) processFolder(ctx context.Context, logger *slog.Logger, acc *model.Account, src source.Source, scanner scan.Scanner, settings model.Settings, folder string, stats *cycleStats) error {
	cur, err := r.Store.GetCursor(ctx, acc.ID, folder)
	if err != nil {
		return err
	}

	refs, token, err := src.ListNew(ctx, folder, cur)
	if err != nil {
		return err
	}
	if len(refs) > 0 {
		logger.Info("new messages", "folder", folder, "count", len(refs))
	}

	advance := true
	clean := true
	for _, ref := range refs {
		if err := ctx.Err(); err != nil {
			return err
		}

		raw, err := src.FetchRaw(ctx, folder, ref)
		if err != nil {
			if source.IsAuthError(err) || source.IsConnectionError(err) {
				return err
			}
			logger.Warn("fetching message failed", "folder", folder, "uid", ref.ID, "error", err)
			stats.failed++
			advance, clean = false, false
			continue
		}

		result := r.scanMessage(ctx, logger, scanner, folder, ref, raw)
		if result.Verdict == scan.VerdictInfected && settings.ScanPolicy == model.PolicyReject {
			logger.Warn("rejecting infected message",
				"folder", folder, "uid", ref.ID, "virus", result.VirusName)
			r.logEvent(ctx, logger, "warning",
				fmt.Sprintf("rejected infected message from %s/%s", acc.Name, folder),
				fmt.Sprintf("uid=%s virus=%s", ref.ID, result.VirusName))
			stats.rejected++
			// A rejected message counts as processed; move past it.
			if ref.UID > 0 && advance {
				if err := r.Store.AdvanceCursor(ctx, acc.ID, folder, ref.UID); err != nil {
					logger.Error("cursor advance failed", "folder", folder, "error", err)
					advance, clean = false, false
				}
			}
			continue
		}

		msg := buildMessage(acc.Name, folder, ref, raw, result)
		if result.Verdict == scan.VerdictInfected {
			logger.Warn("quarantining infected message",
				"folder", folder, "uid", ref.ID, "virus", result.VirusName,
				"policy", settings.ScanPolicy)
		}

		var inserted bool
		if ref.UID > 0 && advance {
			inserted, err = r.Store.InsertMessageAdvancingCursor(ctx, msg, acc.ID, ref.UID)
		} else {
			inserted, err = r.Store.InsertMessage(ctx, msg)
		}
		if err != nil {
			logger.Error("storing message failed", "folder", folder, "uid", ref.ID, "error", err)
			stats.failed++
			advance, clean = false, false
			continue
		}
		if inserted {
			stats.stored++
		} else {
			stats.duplicates++
		}

		// The archived copy is committed; origin-side deletion is
		// best effort and never blocks the cursor.
		if acc.DeleteAfterProcessing {
			if err := src.DeleteOrTrash(ctx, folder, ref, acc.ExpungeDeleted); err != nil {
				logger.Warn("deleting processed message from server failed",
					"folder", folder, "uid", ref.ID, "error", err)
			}
		}
	}

	if token != "" && clean {
		if err := r.Store.SetSyncToken(ctx, acc.ID, folder, token); err != nil {
			return err
		}
	}
	return nil
}

// scanMessage runs the scan gate. A nil scanner means scanning is
// disabled; an unreachable daemon archives the message unscanned.
func (r *Runner) scanMessage(ctx context.Context, logger *slog.Logger, scanner scan.Scanner, folder string, ref source.Ref, raw []byte) scan.Result {
	if scanner == nil {
		return scan.Result{Verdict: scan.VerdictSkipped}
	}
	result := scanner.Scan(ctx, raw)
	if result.Verdict == scan.VerdictUnavailable {
		logger.Warn("virus scanner unreachable, archiving unscanned",
			"folder", folder, "uid", ref.ID)
	}
	return result
}

func (r *Runner) scannerFor(settings model.Settings) scan.Scanner {
	if !settings.ScanEnabled {
		return nil
	}
	if r.Scanners != nil {
		return r.Scanners(settings.ScanHost, settings.ScanPort)
	}
	return scan.NewClamdScanner(settings.ScanHost, settings.ScanPort)
}

// fail records the cycle error on the account and in the event log.
func (r *Runner) fail(ctx context.Context, logger *slog.Logger, acc *model.Account, err error) error {
	logger.Error("cycle failed", "error", err)
	if uerr := r.Store.UpdateError(ctx, acc.ID, err.Error()); uerr != nil {
		logger.Warn("recording account error failed", "error", uerr)
	}
	r.logEvent(ctx, logger, "error", fmt.Sprintf("fetch cycle failed for %s", acc.Name), err.Error())
	return err
}

func (r *Runner) logEvent(ctx context.Context, logger *slog.Logger, level, msg, details string) {
	if err := r.Store.AppendLog(ctx, level, "fetch", msg, details); err != nil {
		logger.Warn("appending event log failed", "error", err)
	}
}

// buildMessage assembles the archive row for one fetched message.
func buildMessage(account, folder string, ref source.Ref, raw []byte, result scan.Result) *model.Message {
	m := parseMeta(raw)
	msg := &model.Message{
		Source:     account,
		Folder:     folder,
		UID:        ref.ID,
		Subject:    m.Subject,
		Sender:     m.Sender,
		Recipients: m.Recipients,
		DateHeader: m.DateHeader,
		Raw:        raw,
		Size:       int64(len(raw)),
	}
	switch result.Verdict {
	case scan.VerdictClean:
		msg.VirusScanned = true
		now := time.Now()
		msg.ScannedAt = &now
	case scan.VerdictInfected:
		msg.VirusScanned = true
		msg.VirusDetected = true
		name := result.VirusName
		msg.VirusName = &name
		now := time.Now()
		msg.ScannedAt = &now
	}
	return msg
}
