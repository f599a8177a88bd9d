package store

// SQL schema for the single OpenChime database. Time columns are unix
// seconds (UTC). The schema here is the baseline; later shape changes live
// in migrate.go.

const baselineSchema = `
CREATE TABLE IF NOT EXISTS accounts (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    provider TEXT NOT NULL CHECK (provider IN ('google', 'ics')),
    account_name TEXT NOT NULL,
    auth_data TEXT NOT NULL,
    refresh_token TEXT,
    last_synced_at INTEGER,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_accounts_provider ON accounts(provider);

CREATE TABLE IF NOT EXISTS events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    external_id TEXT NOT NULL,
    account_id INTEGER NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
    title TEXT NOT NULL,
    description TEXT,
    start_time INTEGER NOT NULL,
    end_time INTEGER NOT NULL,
    video_link TEXT,
    video_platform TEXT,
    snooze_count INTEGER NOT NULL DEFAULT 0,
    has_alerted INTEGER NOT NULL DEFAULT 0,
    last_alert_threshold INTEGER,
    is_dismissed INTEGER NOT NULL DEFAULT 0,
    last_snoozed_at INTEGER,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL,
    UNIQUE (account_id, external_id)
);
CREATE INDEX IF NOT EXISTS idx_events_start_time ON events(start_time);
CREATE INDEX IF NOT EXISTS idx_events_account_id ON events(account_id);
CREATE INDEX IF NOT EXISTS idx_events_external_id ON events(external_id);
CREATE INDEX IF NOT EXISTS idx_events_alert_scan ON events(has_alerted, is_dismissed, start_time);

CREATE TABLE IF NOT EXISTS settings (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);
`
