package store

import (
	"bytes"
	"compress/gzip"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/nhle/mailvault/internal/model"
)

const messageColumns = `
	id, source, folder, uid, subject, sender, recipients, date_header,
	size_bytes, virus_scanned, virus_detected, virus_name, scanned_at,
	created_at`

const insertMessageSQL = `
	INSERT INTO messages (
		source, folder, uid, subject, sender, recipients, date_header,
		raw_email, size_bytes,
		virus_scanned, virus_detected, virus_name, scanned_at
	) VALUES (
		$1, $2, $3, $4, $5, $6, $7,
		$8, $9,
		$10, $11, $12, $13
	) ON CONFLICT (source, folder, uid) DO NOTHING`

// compressRaw gzips the original RFC 822 bytes for storage.
func compressRaw(raw []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(raw); err != nil {
		return nil, fmt.Errorf("compressing message: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("compressing message: %w", err)
	}
	return buf.Bytes(), nil
}

// decompressRaw restores the exact bytes that were archived.
func decompressRaw(compressed []byte) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, fmt.Errorf("decompressing message: %w", err)
	}
	defer zr.Close()
	raw, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("decompressing message: %w", err)
	}
	return raw, nil
}

func execInsertMessage(ctx context.Context, e sqlx.ExtContext, m *model.Message) (bool, error) {
	compressed, err := compressRaw(m.Raw)
	if err != nil {
		return false, err
	}

	res, err := e.ExecContext(ctx, insertMessageSQL,
		m.Source, m.Folder, m.UID, m.Subject, m.Sender, m.Recipients, m.DateHeader,
		compressed, int64(len(m.Raw)),
		m.VirusScanned, m.VirusDetected, m.VirusName, m.ScannedAt,
	)
	if err != nil {
		return false, fmt.Errorf("inserting message %s/%s/%s: %w", m.Source, m.Folder, m.UID, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("inserting message %s/%s/%s: %w", m.Source, m.Folder, m.UID, err)
	}
	return n > 0, nil
}

// InsertMessage stores a message under its natural key. A second insert
// of the same key is a silent no-op and returns false.
func (s *PostgresStore) InsertMessage(ctx context.Context, m *model.Message) (bool, error) {
	return execInsertMessage(ctx, s.db, m)
}

// InsertMessageAdvancingCursor stores a message and moves the IMAP
// cursor for its folder to uid in the same transaction. The cursor row
// therefore never points past a message that failed to store.
func (s *PostgresStore) InsertMessageAdvancingCursor(ctx context.Context, m *model.Message, accountID int64, uid int64) (bool, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	inserted, err := execInsertMessage(ctx, tx, m)
	if err != nil {
		return false, err
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO cursors (account_id, folder, last_uid, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (account_id, folder) DO UPDATE SET
			last_uid   = GREATEST(cursors.last_uid, EXCLUDED.last_uid),
			updated_at = NOW()`,
		accountID, m.Folder, uid,
	); err != nil {
		return false, fmt.Errorf("advancing cursor for account %d folder %q: %w", accountID, m.Folder, err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("committing message %s/%s/%s: %w", m.Source, m.Folder, m.UID, err)
	}
	return inserted, nil
}

// GetMessage retrieves message metadata (without raw bytes).
func (s *PostgresStore) GetMessage(ctx context.Context, id int64) (*model.Message, error) {
	var m model.Message
	err := s.db.GetContext(ctx, &m,
		`SELECT `+messageColumns+` FROM messages WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting message %d: %w", id, err)
	}
	return &m, nil
}

// GetMessageRaw returns the original RFC 822 bytes of a message,
// byte-identical to what was fetched from the mail server.
func (s *PostgresStore) GetMessageRaw(ctx context.Context, id int64) ([]byte, error) {
	var compressed []byte
	err := s.db.GetContext(ctx, &compressed,
		`SELECT raw_email FROM messages WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting raw message %d: %w", id, err)
	}
	return decompressRaw(compressed)
}

// SearchMessages lists messages matching the filter, newest first.
// A non-empty Query runs against the tsvector index.
func (s *PostgresStore) SearchMessages(ctx context.Context, f MessageFilter) ([]model.Message, error) {
	var conditions []string
	var args []interface{}

	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if f.Source != "" {
		conditions = append(conditions, "source = "+arg(f.Source))
	}
	if f.Folder != "" {
		conditions = append(conditions, "folder = "+arg(f.Folder))
	}
	if f.Query != "" {
		conditions = append(conditions, "search_vector @@ plainto_tsquery('simple', "+arg(f.Query)+")")
	}

	query := `SELECT ` + messageColumns + ` FROM messages`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY created_at DESC"

	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	query += " LIMIT " + arg(limit)
	if f.Offset > 0 {
		query += " OFFSET " + arg(f.Offset)
	}

	var messages []model.Message
	if err := s.db.SelectContext(ctx, &messages, query, args...); err != nil {
		return nil, fmt.Errorf("searching messages: %w", err)
	}
	return messages, nil
}

// ListMessagesOlderThan returns up to limit messages created before
// cutoff, oldest first. The retention sweeper drains these in batches.
func (s *PostgresStore) ListMessagesOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]model.Message, error) {
	if limit <= 0 {
		limit = 500
	}
	var messages []model.Message
	err := s.db.SelectContext(ctx, &messages,
		`SELECT `+messageColumns+` FROM messages
		 WHERE created_at < $1 ORDER BY created_at ASC LIMIT $2`,
		cutoff.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("listing messages older than %s: %w", cutoff, err)
	}
	return messages, nil
}

// DeleteMessages removes the given messages and increments the matching
// deletion-stat counter in one transaction.
func (s *PostgresStore) DeleteMessages(ctx context.Context, ids []int64, dt model.DeletionType, fromServer bool) error {
	if len(ids) == 0 {
		return nil
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	query, args, err := sqlx.In(`DELETE FROM messages WHERE id IN (?)`, ids)
	if err != nil {
		return fmt.Errorf("building delete query: %w", err)
	}
	res, err := tx.ExecContext(ctx, tx.Rebind(query), args...)
	if err != nil {
		return fmt.Errorf("deleting messages: %w", err)
	}

	deleted, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("deleting messages: %w", err)
	}
	if deleted > 0 {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO deletion_stats (stat_date, deletion_type, deleted_from_mail_server, message_count)
			VALUES (CURRENT_DATE, $1, $2, $3)
			ON CONFLICT (stat_date, deletion_type, deleted_from_mail_server)
			DO UPDATE SET message_count = deletion_stats.message_count + EXCLUDED.message_count`,
			dt, fromServer, deleted,
		); err != nil {
			return fmt.Errorf("recording deletion stats: %w", err)
		}
	}

	return tx.Commit()
}

// DeletionStats returns aggregate deletion counters on or after since.
func (s *PostgresStore) DeletionStats(ctx context.Context, since time.Time) ([]model.DeletionStat, error) {
	var stats []model.DeletionStat
	err := s.db.SelectContext(ctx, &stats,
		`SELECT stat_date, deletion_type, deleted_from_mail_server, message_count
		 FROM deletion_stats WHERE stat_date >= $1
		 ORDER BY stat_date DESC`,
		since.UTC())
	if err != nil {
		return nil, fmt.Errorf("listing deletion stats: %w", err)
	}
	return stats, nil
}
