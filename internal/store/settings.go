package store

import (
	"context"
	"fmt"

	"github.com/nhle/mailvault/internal/model"
)

// GetSettings reads the settings table into a typed snapshot. The
// pipeline takes one snapshot per cycle and never re-reads mid-cycle.
func (s *PostgresStore) GetSettings(ctx context.Context) (model.Settings, error) {
	rows, err := s.db.QueryxContext(ctx, `SELECT key, value FROM settings`)
	if err != nil {
		return model.Settings{}, fmt.Errorf("reading settings: %w", err)
	}
	defer rows.Close()

	raw := make(map[string]string)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return model.Settings{}, fmt.Errorf("scanning setting: %w", err)
		}
		raw[key] = value
	}
	if err := rows.Err(); err != nil {
		return model.Settings{}, fmt.Errorf("reading settings: %w", err)
	}

	return model.SettingsFromMap(raw), nil
}

// SetSetting upserts one settings row.
func (s *PostgresStore) SetSetting(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO settings (key, value) VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`,
		key, value)
	if err != nil {
		return fmt.Errorf("setting %q: %w", key, err)
	}
	return nil
}

// AppendLog writes one row to the system event log. Long messages are
// truncated rather than rejected; losing detail beats losing the event.
func (s *PostgresStore) AppendLog(ctx context.Context, level, source, message, details string) error {
	if len(message) > 500 {
		message = message[:500]
	}
	if len(details) > 4000 {
		details = details[:4000]
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO logs (timestamp, level, source, message, details)
		VALUES (NOW(), $1, $2, $3, $4)`,
		level, source, message, details)
	if err != nil {
		return fmt.Errorf("appending log: %w", err)
	}
	return nil
}
