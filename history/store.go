// Package history keeps a SQLite log of runs and the metrics captured in
// each, so a post's engagement can be followed over time.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "embed"

	"github.com/use-agent/postpulse/models"
	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

const schemaVersion = 1

// Store is a history database. It is safe for concurrent use.
type Store struct {
	db *sql.DB
}

// Snapshot is one captured outcome of a post. Reason is set for failures,
// in which case the counters are zero.
type Snapshot struct {
	RunID       string
	Row         int
	URL         string
	Impressions int64
	Likes       int64
	Comments    int64
	Replies     int64
	PostedAt    time.Time
	Reason      string
	CapturedAt  time.Time
}

// OK reports whether the snapshot holds metrics.
func (s Snapshot) OK() bool { return s.Reason == "" }

// Open opens or creates the database at path and applies the schema.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("path is required")
	}

	dir := filepath.Dir(path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One writer at a time keeps SQLite from returning SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	ctx := context.Background()
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	if err := migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func migrate(ctx context.Context, db *sql.DB) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if _, err := tx.ExecContext(ctx, schemaSQL); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("apply schema: %w", err)
	}

	var versionStr string
	err = tx.QueryRowContext(ctx, "SELECT value FROM metadata WHERE key = 'schema_version'").Scan(&versionStr)
	if errors.Is(err, sql.ErrNoRows) {
		if _, err := tx.ExecContext(ctx, "INSERT INTO metadata(key, value) VALUES('schema_version', ?)", strconv.Itoa(schemaVersion)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("insert schema version: %w", err)
		}
		return tx.Commit()
	}
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("read schema version: %w", err)
	}
	version, err := strconv.Atoi(versionStr)
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("parse schema version: %w", err)
	}
	if version > schemaVersion {
		_ = tx.Rollback()
		return fmt.Errorf("database schema version %d is newer than supported %d", version, schemaVersion)
	}
	return tx.Commit()
}

// BeginRun registers a run before any snapshot is recorded for it.
func (s *Store) BeginRun(ctx context.Context, runID string, startedAt time.Time, total int) error {
	if strings.TrimSpace(runID) == "" {
		return errors.New("run id is required")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs(id, started_at, state, total) VALUES(?, ?, 'processing', ?)`,
		runID, formatTime(startedAt), total)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// Record stores the outcome of one link. key identifies the post across
// runs regardless of how its link was written.
func (s *Store) Record(ctx context.Context, runID, key string, o models.Outcome, capturedAt time.Time) error {
	var url string
	var impressions, likes, comments, replies sql.NullInt64
	var postedAt, reason sql.NullString
	switch {
	case o.Metrics != nil:
		m := o.Metrics
		url = m.URL
		impressions = sql.NullInt64{Int64: m.Impressions, Valid: true}
		likes = sql.NullInt64{Int64: m.Likes, Valid: true}
		comments = sql.NullInt64{Int64: m.Comments, Valid: true}
		replies = sql.NullInt64{Int64: m.Replies, Valid: true}
		postedAt = sql.NullString{String: formatTime(m.PostedAt), Valid: true}
	case o.Failure != nil:
		url = o.Failure.URL
		reason = sql.NullString{String: o.Failure.Reason, Valid: true}
	default:
		return errors.New("empty outcome")
	}

	_, err := s.db.ExecContext(ctx, `
INSERT INTO snapshots(run_id, row_num, post_key, url, impressions, likes, comments, replies, posted_at, reason, captured_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		runID, o.Link.Row, key, url, impressions, likes, comments, replies, postedAt, reason, formatTime(capturedAt))
	if err != nil {
		return fmt.Errorf("insert snapshot: %w", err)
	}
	return nil
}

// FinishRun stores the final state and counts of a run.
func (s *Store) FinishRun(ctx context.Context, runID string, summary models.RunSummary) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET finished_at = ?, state = ?, succeeded = ?, failed = ? WHERE id = ?`,
		formatTime(summary.FinishedAt), summary.State, summary.Succeeded, summary.Failed, runID)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("run %s not found", runID)
	}
	return nil
}

// PostHistory returns the snapshots of the post with key, oldest first.
// limit <= 0 returns all of them.
func (s *Store) PostHistory(ctx context.Context, key string, limit int) ([]Snapshot, error) {
	query := `
SELECT run_id, row_num, url, impressions, likes, comments, replies, posted_at, reason, captured_at
FROM snapshots WHERE post_key = ?
ORDER BY captured_at ASC, id ASC`
	args := []any{key}
	if limit > 0 {
		// The most recent limit rows, returned oldest first.
		query = `
SELECT run_id, row_num, url, impressions, likes, comments, replies, posted_at, reason, captured_at
FROM (
	SELECT id, run_id, row_num, url, impressions, likes, comments, replies, posted_at, reason, captured_at
	FROM snapshots WHERE post_key = ?
	ORDER BY captured_at DESC, id DESC
	LIMIT ?
)
ORDER BY captured_at ASC, id ASC`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query snapshots: %w", err)
	}
	defer rows.Close()

	var out []Snapshot
	for rows.Next() {
		var (
			snap                                  Snapshot
			impressions, likes, comments, replies sql.NullInt64
			postedAt, reason                      sql.NullString
			capturedAt                            string
		)
		if err := rows.Scan(&snap.RunID, &snap.Row, &snap.URL, &impressions, &likes, &comments, &replies, &postedAt, &reason, &capturedAt); err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		snap.Impressions = impressions.Int64
		snap.Likes = likes.Int64
		snap.Comments = comments.Int64
		snap.Replies = replies.Int64
		snap.Reason = reason.String
		if snap.PostedAt, err = parseTime(postedAt.String); err != nil {
			return nil, fmt.Errorf("parse posted_at: %w", err)
		}
		if snap.CapturedAt, err = parseTime(capturedAt); err != nil {
			return nil, fmt.Errorf("parse captured_at: %w", err)
		}
		out = append(out, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate snapshots: %w", err)
	}
	return out, nil
}

// timeLayout is fixed-width so stored timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, nil
	}
	if ts, err := time.Parse(timeLayout, value); err == nil {
		return ts, nil
	}
	return time.Parse(time.RFC3339Nano, value)
}
