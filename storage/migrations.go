package storage

import (
	"context"
	"database/sql"
	"fmt"
)

// CurrentSchemaVersion tracks the database schema version.
const CurrentSchemaVersion = 2

const schemaV1 = `
CREATE TABLE IF NOT EXISTS schema_version (
    version INTEGER PRIMARY KEY,
    applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS messages (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    list_address TEXT NOT NULL,
    message_id TEXT NOT NULL,
    content_hash TEXT NOT NULL,
    subject TEXT,
    from_address TEXT,
    from_name TEXT,
    to_addresses TEXT,
    cc_addresses TEXT,
    sent_at TIMESTAMP,
    in_reply_to TEXT,
    refs TEXT,
    body TEXT,
    has_attachment BOOLEAN DEFAULT 0,
    mbox_file TEXT,
    mbox_offset INTEGER,
    indexed_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    UNIQUE(list_address, message_id)
);

CREATE INDEX IF NOT EXISTS idx_messages_in_reply_to ON messages(in_reply_to);
CREATE INDEX IF NOT EXISTS idx_messages_sent_at ON messages(sent_at);
CREATE INDEX IF NOT EXISTS idx_messages_from ON messages(from_address);

CREATE VIRTUAL TABLE IF NOT EXISTS messages_fts USING fts5(
    subject, from_name, body,
    content='messages',
    content_rowid='id'
);

CREATE TRIGGER IF NOT EXISTS messages_ai AFTER INSERT ON messages BEGIN
    INSERT INTO messages_fts(rowid, subject, from_name, body)
    VALUES (new.id, new.subject, new.from_name, new.body);
END;

CREATE TRIGGER IF NOT EXISTS messages_ad AFTER DELETE ON messages BEGIN
    INSERT INTO messages_fts(messages_fts, rowid, subject, from_name, body)
    VALUES ('delete', old.id, old.subject, old.from_name, old.body);
END;

CREATE TRIGGER IF NOT EXISTS messages_au AFTER UPDATE ON messages BEGIN
    INSERT INTO messages_fts(messages_fts, rowid, subject, from_name, body)
    VALUES ('delete', old.id, old.subject, old.from_name, old.body);
    INSERT INTO messages_fts(rowid, subject, from_name, body)
    VALUES (new.id, new.subject, new.from_name, new.body);
END;

CREATE TABLE IF NOT EXISTS ingested_files (
    path TEXT PRIMARY KEY,
    list_address TEXT NOT NULL,
    content_hash TEXT NOT NULL,
    message_count INTEGER NOT NULL,
    ingested_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);
`

// schemaV2 adds the fields derived by package extract, a reference lookup
// table, and rebuilds the full-text index to cover the unquoted body.
const schemaV2 = `
ALTER TABLE messages ADD COLUMN body_effective TEXT;
ALTER TABLE messages ADD COLUMN quote_percentage REAL DEFAULT 0;
ALTER TABLE messages ADD COLUMN is_mostly_quoted BOOLEAN DEFAULT 0;
ALTER TABLE messages ADD COLUMN jira_refs TEXT;
ALTER TABLE messages ADD COLUMN pr_refs TEXT;
ALTER TABLE messages ADD COLUMN commit_refs TEXT;
ALTER TABLE messages ADD COLUMN versions TEXT;
ALTER TABLE messages ADD COLUMN decision_keywords TEXT;
ALTER TABLE messages ADD COLUMN has_vote BOOLEAN DEFAULT 0;
ALTER TABLE messages ADD COLUMN vote_value TEXT;

CREATE INDEX IF NOT EXISTS idx_messages_has_vote ON messages(has_vote);

CREATE TABLE IF NOT EXISTS message_refs (
    list_address TEXT NOT NULL,
    message_id TEXT NOT NULL,
    kind TEXT NOT NULL,
    ref TEXT NOT NULL,
    PRIMARY KEY (list_address, message_id, kind, ref)
);
CREATE INDEX IF NOT EXISTS idx_message_refs_ref ON message_refs(kind, ref);

DROP TRIGGER IF EXISTS messages_ai;
DROP TRIGGER IF EXISTS messages_ad;
DROP TRIGGER IF EXISTS messages_au;
DROP TABLE IF EXISTS messages_fts;

CREATE VIRTUAL TABLE messages_fts USING fts5(
    subject, from_name, body, body_effective,
    content='messages',
    content_rowid='id'
);

CREATE TRIGGER messages_ai AFTER INSERT ON messages BEGIN
    INSERT INTO messages_fts(rowid, subject, from_name, body, body_effective)
    VALUES (new.id, new.subject, new.from_name, new.body, new.body_effective);
END;

CREATE TRIGGER messages_ad AFTER DELETE ON messages BEGIN
    INSERT INTO messages_fts(messages_fts, rowid, subject, from_name, body, body_effective)
    VALUES ('delete', old.id, old.subject, old.from_name, old.body, old.body_effective);
END;

CREATE TRIGGER messages_au AFTER UPDATE ON messages BEGIN
    INSERT INTO messages_fts(messages_fts, rowid, subject, from_name, body, body_effective)
    VALUES ('delete', old.id, old.subject, old.from_name, old.body, old.body_effective);
    INSERT INTO messages_fts(rowid, subject, from_name, body, body_effective)
    VALUES (new.id, new.subject, new.from_name, new.body, new.body_effective);
END;

INSERT INTO messages_fts(messages_fts) VALUES ('rebuild');
`

var migrations = []struct {
	version int
	sql     string
}{
	{1, schemaV1},
	{2, schemaV2},
}

// ApplyMigrations brings db up to CurrentSchemaVersion, one transaction per
// version.
func ApplyMigrations(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_version (
    version INTEGER PRIMARY KEY,
    applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
)`); err != nil {
		return fmt.Errorf("create schema_version: %w", err)
	}

	var version int
	if err := db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_version`).Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	for _, m := range migrations {
		if m.version <= version {
			continue
		}
		if err := applyMigration(ctx, db, m.version, m.sql); err != nil {
			return err
		}
	}
	return nil
}

func applyMigration(ctx context.Context, db *sql.DB, version int, schema string) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("apply schema v%d: %w", version, err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO schema_version (version) VALUES (?)`, version); err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}
	return tx.Commit()
}
