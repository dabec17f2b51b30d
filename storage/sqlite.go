// Package storage keeps ingested mailing-list messages in a local SQLite
// database with an FTS5 index over subject, sender name and both the full
// and the unquoted body.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/support-and-care-labs/mail-mcp/model"
)

// DriverName is the database/sql driver registered by modernc.org/sqlite.
const DriverName = "sqlite"

// ErrNotFound is returned when a requested entity doesn't exist.
var ErrNotFound = errors.New("not found")

// SQLite stores messages in a single database file.
type SQLite struct {
	db *sql.DB
}

// FileRecord describes a previously ingested mbox file.
type FileRecord struct {
	Path         string
	List         string
	ContentHash  string
	MessageCount int
	IngestedAt   time.Time
}

func openDatabase(dbPath string) (*sql.DB, error) {
	db, err := sql.Open(DriverName, dbPath)
	if err != nil {
		return nil, err
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	// single writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	return db, nil
}

// Open opens (creating if needed) the database at dbPath and applies
// migrations.
func Open(ctx context.Context, dbPath string) (*SQLite, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}
	db, err := openDatabase(dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := ApplyMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply migrations: %w", err)
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

// StoreMessages upserts msgs in one transaction, keyed by list and
// Message-ID. Re-storing the same message replaces the earlier row.
func (s *SQLite) StoreMessages(ctx context.Context, list model.MailList, msgs []model.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO messages (
			list_address, message_id, content_hash, subject, from_address, from_name,
			to_addresses, cc_addresses, sent_at, in_reply_to, refs, body,
			has_attachment, mbox_file, mbox_offset, indexed_at,
			body_effective, quote_percentage, is_mostly_quoted, jira_refs, pr_refs,
			commit_refs, versions, decision_keywords, has_vote, vote_value
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(list_address, message_id) DO UPDATE SET
			content_hash = excluded.content_hash,
			subject = excluded.subject,
			from_address = excluded.from_address,
			from_name = excluded.from_name,
			to_addresses = excluded.to_addresses,
			cc_addresses = excluded.cc_addresses,
			sent_at = excluded.sent_at,
			in_reply_to = excluded.in_reply_to,
			refs = excluded.refs,
			body = excluded.body,
			has_attachment = excluded.has_attachment,
			mbox_file = excluded.mbox_file,
			mbox_offset = excluded.mbox_offset,
			indexed_at = excluded.indexed_at,
			body_effective = excluded.body_effective,
			quote_percentage = excluded.quote_percentage,
			is_mostly_quoted = excluded.is_mostly_quoted,
			jira_refs = excluded.jira_refs,
			pr_refs = excluded.pr_refs,
			commit_refs = excluded.commit_refs,
			versions = excluded.versions,
			decision_keywords = excluded.decision_keywords,
			has_vote = excluded.has_vote,
			vote_value = excluded.vote_value
		WHERE content_hash != excluded.content_hash
	`)
	if err != nil {
		return fmt.Errorf("prepare upsert: %w", err)
	}
	defer stmt.Close()

	clearRefs, err := tx.PrepareContext(ctx, `DELETE FROM message_refs WHERE list_address = ? AND message_id = ?`)
	if err != nil {
		return fmt.Errorf("prepare ref cleanup: %w", err)
	}
	defer clearRefs.Close()
	addRef, err := tx.PrepareContext(ctx, `INSERT OR IGNORE INTO message_refs (list_address, message_id, kind, ref) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare ref insert: %w", err)
	}
	defer addRef.Close()

	now := time.Now().UTC()
	for _, m := range msgs {
		listAddr := m.List
		if listAddr == "" {
			listAddr = list.String()
		}
		var sentAt any
		if !m.Date.IsZero() {
			sentAt = m.Date.UTC()
		}
		if _, err := stmt.ExecContext(ctx,
			listAddr, m.ID, m.Hash, m.Subject, m.From, m.FromName,
			strings.Join(m.To, ","), strings.Join(m.Cc, ","), sentAt, m.InReplyTo,
			strings.Join(m.References, " "), m.Body, m.HasAttachment, m.MboxFile, m.Offset, now,
			m.BodyEffective, m.QuotePercentage, m.MostlyQuoted, strings.Join(m.JiraRefs, " "),
			strings.Join(m.PullRequests, " "), strings.Join(m.Commits, " "), strings.Join(m.Versions, " "),
			strings.Join(m.Decisions, " "), m.HasVote, m.VoteValue,
		); err != nil {
			return fmt.Errorf("upsert message %s: %w", m.ID, err)
		}

		if _, err := clearRefs.ExecContext(ctx, listAddr, m.ID); err != nil {
			return fmt.Errorf("clear refs of %s: %w", m.ID, err)
		}
		for kind, refs := range messageRefs(m) {
			for _, ref := range refs {
				if _, err := addRef.ExecContext(ctx, listAddr, m.ID, string(kind), ref); err != nil {
					return fmt.Errorf("add ref %s of %s: %w", ref, m.ID, err)
				}
			}
		}
	}
	return tx.Commit()
}

// FileHash returns the content hash recorded for path, or ErrNotFound.
func (s *SQLite) FileHash(ctx context.Context, path string) (string, error) {
	var hash string
	err := s.db.QueryRowContext(ctx, `SELECT content_hash FROM ingested_files WHERE path = ?`, path).Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("query file hash: %w", err)
	}
	return hash, nil
}

// RecordFile remembers that path with the given content hash was ingested.
func (s *SQLite) RecordFile(ctx context.Context, rec FileRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO ingested_files (path, list_address, content_hash, message_count, ingested_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET
			list_address = excluded.list_address,
			content_hash = excluded.content_hash,
			message_count = excluded.message_count,
			ingested_at = excluded.ingested_at
	`, rec.Path, rec.List, rec.ContentHash, rec.MessageCount, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("record file: %w", err)
	}
	return nil
}

// GetMessage returns the stored message for list and Message-ID.
func (s *SQLite) GetMessage(ctx context.Context, list, messageID string) (*model.Message, error) {
	var (
		m          model.Message
		to, cc     string
		refs       string
		sentAt     sql.NullTime
		subject    sql.NullString
		fromName   sql.NullString
		inReplyTo  sql.NullString
		body       sql.NullString
		mboxFile   sql.NullString
		mboxOffset sql.NullInt64
		effective  sql.NullString
		voteValue  sql.NullString
		jira, prs  string
		commits    string
		versions   string
		decisions  string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT list_address, message_id, content_hash, subject, from_address, from_name,
		       COALESCE(to_addresses, ''), COALESCE(cc_addresses, ''), sent_at, in_reply_to,
		       COALESCE(refs, ''), body, has_attachment, mbox_file, mbox_offset,
		       body_effective, COALESCE(quote_percentage, 0), COALESCE(is_mostly_quoted, 0),
		       COALESCE(jira_refs, ''), COALESCE(pr_refs, ''), COALESCE(commit_refs, ''),
		       COALESCE(versions, ''), COALESCE(decision_keywords, ''),
		       COALESCE(has_vote, 0), vote_value
		FROM messages WHERE list_address = ? AND message_id = ?
	`, list, messageID).Scan(
		&m.List, &m.ID, &m.Hash, &subject, &m.From, &fromName,
		&to, &cc, &sentAt, &inReplyTo, &refs, &body, &m.HasAttachment, &mboxFile, &mboxOffset,
		&effective, &m.QuotePercentage, &m.MostlyQuoted,
		&jira, &prs, &commits, &versions, &decisions,
		&m.HasVote, &voteValue,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get message: %w", err)
	}
	m.Subject = subject.String
	m.FromName = fromName.String
	m.InReplyTo = inReplyTo.String
	m.Body = body.String
	m.MboxFile = mboxFile.String
	m.Offset = int(mboxOffset.Int64)
	m.BodyEffective = effective.String
	m.VoteValue = voteValue.String
	if sentAt.Valid {
		m.Date = sentAt.Time
	}
	m.To = splitNonEmpty(to, ",")
	m.Cc = splitNonEmpty(cc, ",")
	m.References = splitNonEmpty(refs, " ")
	m.JiraRefs = splitNonEmpty(jira, " ")
	m.PullRequests = splitNonEmpty(prs, " ")
	m.Commits = splitNonEmpty(commits, " ")
	m.Versions = splitNonEmpty(versions, " ")
	m.Decisions = splitNonEmpty(decisions, " ")
	return &m, nil
}

// RefKind names a class of reference recorded in message_refs.
type RefKind string

const (
	RefJira        RefKind = "jira"
	RefPullRequest RefKind = "pr"
	RefCommit      RefKind = "commit"
	RefVersion     RefKind = "version"
)

func messageRefs(m model.Message) map[RefKind][]string {
	return map[RefKind][]string{
		RefJira:        m.JiraRefs,
		RefPullRequest: m.PullRequests,
		RefCommit:      m.Commits,
		RefVersion:     m.Versions,
	}
}

// RefMatch identifies a message carrying a reference.
type RefMatch struct {
	List      string
	MessageID string
	SentAt    time.Time
}

// FindByRef returns the messages referencing ref, oldest first.
func (s *SQLite) FindByRef(ctx context.Context, kind RefKind, ref string) ([]RefMatch, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT r.list_address, r.message_id, m.sent_at
		FROM message_refs r
		JOIN messages m ON m.list_address = r.list_address AND m.message_id = r.message_id
		WHERE r.kind = ? AND r.ref = ?
		ORDER BY m.sent_at, r.message_id
	`, string(kind), ref)
	if err != nil {
		return nil, fmt.Errorf("find by ref: %w", err)
	}
	defer rows.Close()

	var out []RefMatch
	for rows.Next() {
		var (
			match  RefMatch
			sentAt sql.NullTime
		)
		if err := rows.Scan(&match.List, &match.MessageID, &sentAt); err != nil {
			return nil, fmt.Errorf("scan ref match: %w", err)
		}
		if sentAt.Valid {
			match.SentAt = sentAt.Time
		}
		out = append(out, match)
	}
	return out, rows.Err()
}

// CountMessages returns the number of stored messages for list, or for all
// lists when list is empty.
func (s *SQLite) CountMessages(ctx context.Context, list string) (int, error) {
	var (
		n   int
		err error
	)
	if list == "" {
		err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages`).Scan(&n)
	} else {
		err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages WHERE list_address = ?`, list).Scan(&n)
	}
	if err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return n, nil
}

// MatchCount returns how many messages match an FTS5 query. It exists so the
// ingest path can be verified end to end; querying is left to the search
// service.
func (s *SQLite) MatchCount(ctx context.Context, query string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages_fts WHERE messages_fts MATCH ?`, query).Scan(&n); err != nil {
		return 0, fmt.Errorf("match count: %w", err)
	}
	return n, nil
}

func splitNonEmpty(s, sep string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, sep)
}
