package store

type migration struct {
	version int
	sql     string
}

// migrations are applied in order at startup. Keep statements
// re-runnable (IF NOT EXISTS / ON CONFLICT DO NOTHING) so a crash
// between apply and version-record does not wedge the next start.
var migrations = []migration{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS accounts (
    id                            BIGSERIAL PRIMARY KEY,
    name                          TEXT NOT NULL UNIQUE,
    account_type                  TEXT NOT NULL DEFAULT 'imap'
        CHECK (account_type IN ('imap', 'gmail', 'o365')),
    host                          TEXT NOT NULL DEFAULT '',
    port                          INTEGER NOT NULL DEFAULT 993,
    username                      TEXT NOT NULL DEFAULT '',
    password_encrypted            TEXT,
    use_ssl                       BOOLEAN NOT NULL DEFAULT TRUE,
    require_starttls              BOOLEAN NOT NULL DEFAULT FALSE,
    oauth_client_id               TEXT NOT NULL DEFAULT '',
    oauth_client_secret_encrypted TEXT,
    oauth_refresh_token_encrypted TEXT,
    oauth_access_token            TEXT,
    oauth_token_expiry            TIMESTAMPTZ,
    poll_interval_seconds         INTEGER NOT NULL DEFAULT 300,
    delete_after_processing       BOOLEAN NOT NULL DEFAULT FALSE,
    enabled                       BOOLEAN NOT NULL DEFAULT TRUE,
    last_heartbeat                TIMESTAMPTZ,
    last_success                  TIMESTAMPTZ,
    last_error                    TEXT,
    created_at                    TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS cursors (
    account_id      BIGINT NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
    folder          TEXT NOT NULL,
    last_uid        BIGINT NOT NULL DEFAULT 0,
    last_sync_token TEXT NOT NULL DEFAULT '',
    updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    PRIMARY KEY (account_id, folder)
);

-- Messages carry the account name, not a foreign key: deleting an
-- account must not delete what it already archived.
CREATE TABLE IF NOT EXISTS messages (
    id             BIGSERIAL PRIMARY KEY,
    source         TEXT NOT NULL,
    folder         TEXT NOT NULL,
    uid            TEXT NOT NULL,
    subject        TEXT NOT NULL DEFAULT '',
    sender         TEXT NOT NULL DEFAULT '',
    recipients     TEXT NOT NULL DEFAULT '',
    date_header    TEXT NOT NULL DEFAULT '',
    raw_email      BYTEA NOT NULL,
    size_bytes     BIGINT NOT NULL DEFAULT 0,
    virus_scanned  BOOLEAN NOT NULL DEFAULT FALSE,
    virus_detected BOOLEAN NOT NULL DEFAULT FALSE,
    virus_name     TEXT,
    scanned_at     TIMESTAMPTZ,
    created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    UNIQUE (source, folder, uid)
);

CREATE INDEX IF NOT EXISTS idx_messages_created ON messages (created_at);
CREATE INDEX IF NOT EXISTS idx_messages_source ON messages (source);

CREATE TABLE IF NOT EXISTS deletion_stats (
    stat_date                DATE NOT NULL,
    deletion_type            TEXT NOT NULL
        CHECK (deletion_type IN ('manual', 'retention')),
    deleted_from_mail_server BOOLEAN NOT NULL,
    message_count            BIGINT NOT NULL DEFAULT 0,
    PRIMARY KEY (stat_date, deletion_type, deleted_from_mail_server)
);

CREATE TABLE IF NOT EXISTS logs (
    id        BIGSERIAL PRIMARY KEY,
    timestamp TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    level     TEXT NOT NULL,
    source    TEXT NOT NULL,
    message   TEXT NOT NULL,
    details   TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS settings (
    key   TEXT PRIMARY KEY,
    value TEXT NOT NULL DEFAULT ''
);

INSERT INTO settings (key, value) VALUES
    ('clamav_enabled', 'true'),
    ('clamav_host', 'clamav'),
    ('clamav_port', '3310'),
    ('clamav_action', 'quarantine'),
    ('retention_enabled', 'false'),
    ('retention_value', '1'),
    ('retention_unit', 'years'),
    ('retention_delete_from_server', 'false')
ON CONFLICT (key) DO NOTHING;
`,
	},
	{
		version: 2,
		sql: `
ALTER TABLE accounts
    ADD COLUMN IF NOT EXISTS expunge_deleted BOOLEAN NOT NULL DEFAULT FALSE;
`,
	},
	{
		version: 3,
		sql: `
ALTER TABLE messages
    ADD COLUMN IF NOT EXISTS search_vector tsvector
    GENERATED ALWAYS AS (to_tsvector('simple',
        coalesce(subject, '') || ' ' ||
        coalesce(sender, '') || ' ' ||
        coalesce(recipients, ''))) STORED;

CREATE INDEX IF NOT EXISTS idx_messages_search
    ON messages USING GIN (search_vector);
`,
	},
}
