// Package history keeps a queryable SQLite copy of recorded submissions.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/jonboulle/clockwork"
	_ "modernc.org/sqlite"

	"github.com/jesuslovei/memory-check-drive/internal/config"
	"github.com/jesuslovei/memory-check-drive/internal/verdict"
)

const (
	RetentionEphemeral  = "ephemeral"
	RetentionSession    = "session"
	RetentionPersistent = "persistent"
)

// Entry is one recorded submission.
type Entry struct {
	ID            int64                 `json:"id"`
	SubmissionID  string                `json:"submission_id"`
	SubmitterName string                `json:"name"`
	Language      string                `json:"lang"`
	VerseScope    string                `json:"verse_scope"`
	PartitionKey  string                `json:"week,omitempty"`
	Transcript    string                `json:"transcript"`
	Scores        []verdict.ScoreResult `json:"scores"`
	Passed        bool                  `json:"passed"`
	LocalPath     string                `json:"local_path"`
	RemoteLink    string                `json:"file"`
	CreatedAt     time.Time             `json:"created_at"`
}

// Store wraps the SQLite submission table. In ephemeral mode it holds no
// database and every call is a no-op.
type Store struct {
	db    *sql.DB
	cfg   config.HistoryConfig
	log   *slog.Logger
	clock clockwork.Clock
}

type Option func(*Store)

func WithClock(c clockwork.Clock) Option {
	return func(s *Store) { s.clock = c }
}

// Open initializes the store. Session retention starts from an empty table.
func Open(ctx context.Context, cfg config.HistoryConfig, log *slog.Logger, opts ...Option) (*Store, error) {
	if log == nil {
		log = slog.Default()
	}
	s := &Store{cfg: cfg, log: log.With(slog.String("component", "history")), clock: clockwork.NewRealClock()}
	for _, opt := range opts {
		opt(s)
	}
	if cfg.RetentionMode == RetentionEphemeral {
		return s, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	s.db = db

	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if cfg.RetentionMode == RetentionSession {
		if _, err := db.ExecContext(ctx, `DELETE FROM submissions`); err != nil {
			s.log.Warn("history reset failed", slog.String("error", err.Error()))
		}
	}

	if cfg.VacuumOnStart {
		if _, err := db.ExecContext(ctx, "VACUUM"); err != nil {
			s.log.Warn("history vacuum failed", slog.String("error", err.Error()))
		}
	}

	if err := s.Prune(ctx); err != nil {
		s.log.Warn("history prune on start failed", slog.String("error", err.Error()))
	}

	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS submissions (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    submission_id TEXT NOT NULL UNIQUE,
    submitter_name TEXT NOT NULL,
    language TEXT NOT NULL,
    verse_scope TEXT NOT NULL,
    partition_key TEXT,
    transcript TEXT,
    scores TEXT,
    passed INTEGER NOT NULL,
    local_path TEXT,
    remote_link TEXT,
    created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_submissions_created ON submissions(created_at);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) Enabled() bool { return s.db != nil }

// Record inserts an entry. CreatedAt defaults to the store clock.
func (s *Store) Record(ctx context.Context, e Entry) error {
	if s.db == nil {
		return nil
	}
	if e.SubmissionID == "" {
		return errors.New("submission id is required")
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.clock.Now()
	}
	scores, err := json.Marshal(e.Scores)
	if err != nil {
		return fmt.Errorf("encode scores: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO submissions(submission_id, submitter_name, language, verse_scope, partition_key,
		    transcript, scores, passed, local_path, remote_link, created_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.SubmissionID, e.SubmitterName, e.Language, e.VerseScope, e.PartitionKey,
		e.Transcript, string(scores), e.Passed, e.LocalPath, e.RemoteLink, e.CreatedAt.UTC().UnixMilli())
	return err
}

// ListRecent returns up to limit entries, newest first.
func (s *Store) ListRecent(ctx context.Context, limit int) ([]Entry, error) {
	if s.db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, submission_id, submitter_name, language, verse_scope, partition_key,
		        transcript, scores, passed, local_path, remote_link, created_at
		 FROM submissions ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e         Entry
			partition sql.NullString
			scores    sql.NullString
			created   int64
		)
		if err := rows.Scan(&e.ID, &e.SubmissionID, &e.SubmitterName, &e.Language, &e.VerseScope, &partition,
			&e.Transcript, &scores, &e.Passed, &e.LocalPath, &e.RemoteLink, &created); err != nil {
			return nil, err
		}
		e.PartitionKey = partition.String
		if scores.Valid && scores.String != "" {
			if err := json.Unmarshal([]byte(scores.String), &e.Scores); err != nil {
				s.log.Warn("invalid scores in history", slog.Int64("id", e.ID), slog.String("error", err.Error()))
			}
		}
		e.CreatedAt = time.UnixMilli(created).UTC()
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Count reports the number of stored entries.
func (s *Store) Count(ctx context.Context) (int, error) {
	if s.db == nil {
		return 0, nil
	}
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM submissions`).Scan(&n)
	return n, err
}

// Prune applies configured retention. It runs on open and on a schedule.
func (s *Store) Prune(ctx context.Context) (err error) {
	if s.db == nil {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock.Now().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour)
		if _, err = tx.ExecContext(ctx, `DELETE FROM submissions WHERE created_at < ?`, cutoff.UTC().UnixMilli()); err != nil {
			return err
		}
	}
	if s.cfg.MaxRecords > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM submissions WHERE id IN (
			SELECT id FROM submissions ORDER BY created_at DESC, id DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxRecords)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

// RunPruner prunes every interval until ctx is done.
func (s *Store) RunPruner(ctx context.Context, interval time.Duration) {
	if s.db == nil || interval <= 0 {
		return
	}
	ticker := s.clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			if err := s.Prune(ctx); err != nil {
				s.log.Warn("history prune failed", slog.String("error", err.Error()))
			}
		}
	}
}
