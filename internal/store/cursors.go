package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/nhle/mailvault/internal/model"
)

// GetCursor returns the fetch position for (account, folder). A missing
// row yields the zero cursor, which means "fetch everything".
func (s *PostgresStore) GetCursor(ctx context.Context, accountID int64, folder string) (model.Cursor, error) {
	var c model.Cursor
	err := s.db.GetContext(ctx, &c,
		`SELECT account_id, folder, last_uid, last_sync_token
		 FROM cursors WHERE account_id = $1 AND folder = $2`,
		accountID, folder)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Cursor{AccountID: accountID, Folder: folder}, nil
	}
	if err != nil {
		return model.Cursor{}, fmt.Errorf("getting cursor for account %d folder %q: %w", accountID, folder, err)
	}
	return c, nil
}

// AdvanceCursor moves the UID watermark for (account, folder) without
// storing a message. Used when a message is deliberately skipped, so it
// is not refetched forever. Never moves the watermark backwards.
func (s *PostgresStore) AdvanceCursor(ctx context.Context, accountID int64, folder string, uid int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cursors (account_id, folder, last_uid, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (account_id, folder) DO UPDATE SET
			last_uid   = GREATEST(cursors.last_uid, EXCLUDED.last_uid),
			updated_at = NOW()`,
		accountID, folder, uid)
	if err != nil {
		return fmt.Errorf("advancing cursor for account %d folder %q: %w", accountID, folder, err)
	}
	return nil
}

// SetSyncToken advances the delta-sync token for (account, folder).
// Callers invoke this only after every message of the round has been
// stored or explicitly skipped.
func (s *PostgresStore) SetSyncToken(ctx context.Context, accountID int64, folder, token string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cursors (account_id, folder, last_sync_token, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (account_id, folder) DO UPDATE SET
			last_sync_token = EXCLUDED.last_sync_token,
			updated_at      = NOW()`,
		accountID, folder, token)
	if err != nil {
		return fmt.Errorf("setting sync token for account %d folder %q: %w", accountID, folder, err)
	}
	return nil
}
