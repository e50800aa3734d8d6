package sessions

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/abhi9avx/cognigraph-ai/pkg/models"
	"github.com/rs/zerolog/log"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS messages (
	thread_id  TEXT    NOT NULL,
	seq        INTEGER NOT NULL,
	id         TEXT    NOT NULL,
	role       TEXT    NOT NULL,
	body       TEXT    NOT NULL,
	created_at TEXT    NOT NULL,
	PRIMARY KEY (thread_id, seq)
);
CREATE TABLE IF NOT EXISTS summaries (
	thread_id  TEXT PRIMARY KEY,
	boundary   INTEGER NOT NULL,
	last_id    TEXT    NOT NULL DEFAULT '',
	text       TEXT    NOT NULL,
	model      TEXT    NOT NULL DEFAULT '',
	created_at TEXT    NOT NULL
);`

// SQLiteStore is a durable ConversationStore and SummaryStore. Every Append
// runs in one transaction; messages carry a per-thread sequence number.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at path. ":memory:" gives a
// private in-memory database.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// SQLite only supports one writer at a time; one connection also keeps
	// an in-memory database alive for the life of the store.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("set pragma: %w", err)
		}
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	log.Info().Str("path", path).Msg("SQLite conversation store initialized")
	return &SQLiteStore{db: db}, nil
}

// Close releases the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Append adds msgs to the thread log atomically.
func (s *SQLiteStore) Append(ctx context.Context, threadID string, msgs []models.Message) (err error) {
	if len(msgs) == 0 {
		return nil
	}
	stamped := Stamp(msgs)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var next int64
	if err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), -1) + 1 FROM messages WHERE thread_id = ?`, threadID,
	).Scan(&next); err != nil {
		return fmt.Errorf("next sequence: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO messages (thread_id, seq, id, role, body, created_at) VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for i, m := range stamped {
		body, merr := json.Marshal(m)
		if merr != nil {
			err = fmt.Errorf("encode message %s: %w", m.ID, merr)
			return err
		}
		if _, err = stmt.ExecContext(ctx, threadID, next+int64(i), m.ID, string(m.Role), string(body),
			m.CreatedAt.Format(time.RFC3339Nano)); err != nil {
			return fmt.Errorf("insert message %s: %w", m.ID, err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit append: %w", err)
	}
	return nil
}

// Load returns the thread log ordered by sequence.
func (s *SQLiteStore) Load(ctx context.Context, threadID string) ([]models.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT body FROM messages WHERE thread_id = ? ORDER BY seq`, threadID)
	if err != nil {
		return nil, fmt.Errorf("load thread %s: %w", threadID, err)
	}
	defer rows.Close()

	out := make([]models.Message, 0)
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		var m models.Message
		if err := json.Unmarshal([]byte(body), &m); err != nil {
			return nil, fmt.Errorf("decode message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// Threads lists thread IDs, sorted.
func (s *SQLiteStore) Threads(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT thread_id FROM messages ORDER BY thread_id`)
	if err != nil {
		return nil, fmt.Errorf("list threads: %w", err)
	}
	defer rows.Close()

	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan thread: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// SaveSummary upserts the thread's summary.
func (s *SQLiteStore) SaveSummary(ctx context.Context, sum models.Summary) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO summaries (thread_id, boundary, last_id, text, model, created_at) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (thread_id) DO UPDATE SET
			boundary = excluded.boundary, last_id = excluded.last_id, text = excluded.text,
			model = excluded.model, created_at = excluded.created_at`,
		sum.ThreadID, sum.Boundary, sum.LastID, sum.Text, sum.Model, sum.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("save summary %s: %w", sum.ThreadID, err)
	}
	return nil
}

// LoadSummary returns the thread's summary, or nil.
func (s *SQLiteStore) LoadSummary(ctx context.Context, threadID string) (*models.Summary, error) {
	var (
		sum     models.Summary
		created string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT thread_id, boundary, last_id, text, model, created_at FROM summaries WHERE thread_id = ?`, threadID,
	).Scan(&sum.ThreadID, &sum.Boundary, &sum.LastID, &sum.Text, &sum.Model, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load summary %s: %w", threadID, err)
	}
	sum.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	return &sum, nil
}
