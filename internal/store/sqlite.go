package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/spigell/mentor-matcher/internal/merge"
	"github.com/spigell/mentor-matcher/internal/record"
)

// ErrNotFound is returned for unknown record ids.
var ErrNotFound = errors.New("match record not found")

// fixed width keeps text timestamps sortable
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Store persists match records in SQLite. The record itself is stored as JSON;
// review notes live in their own append-only table.
type Store struct {
	db *sql.DB
}

// Open creates or opens the database at path.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(10000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(time.Hour)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS match_records (
		id TEXT PRIMARY KEY,
		applicant_ref TEXT NOT NULL,
		mentor_ref TEXT NOT NULL,
		status TEXT NOT NULL,
		created_at TEXT NOT NULL,
		data TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_match_records_status ON match_records(status);
	CREATE INDEX IF NOT EXISTS idx_match_records_created_at ON match_records(created_at);

	CREATE TABLE IF NOT EXISTS review_notes (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		record_id TEXT NOT NULL,
		author TEXT NOT NULL,
		text TEXT NOT NULL,
		created_at TEXT NOT NULL,
		FOREIGN KEY (record_id) REFERENCES match_records(id)
	);

	CREATE INDEX IF NOT EXISTS idx_review_notes_record_id ON review_notes(record_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// retryOnBusy retries op while SQLite reports the database as locked.
func retryOnBusy(ctx context.Context, op func() error, maxRetries int) error {
	var err error
	for i := 0; i < maxRetries; i++ {
		err = op()
		if err == nil || !isBusy(err) {
			return err
		}
		backoff := time.Duration(10*(1<<uint(i))) * time.Millisecond
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}
	return fmt.Errorf("operation failed after %d retries: %w", maxRetries, err)
}

func isBusy(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

// Save inserts a new record. Notes on rec are inserted into the notes table.
func (s *Store) Save(ctx context.Context, rec record.MatchRecord) error {
	if rec.ID == "" {
		return errors.New("record id is required")
	}

	notes := rec.Notes
	rec.Notes = nil
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to serialize record: %w", err)
	}

	err = retryOnBusy(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO match_records (id, applicant_ref, mentor_ref, status, created_at, data) VALUES (?, ?, ?, ?, ?, ?)`,
			rec.ID, rec.Applicant.String(), rec.Mentor.String(), string(rec.Status), rec.CreatedAt.UTC().Format(timeLayout), string(data),
		); err != nil {
			return err
		}
		for _, n := range notes {
			if err := insertNote(ctx, tx, rec.ID, n); err != nil {
				return err
			}
		}
		return tx.Commit()
	}, 5)
	if err != nil {
		return fmt.Errorf("failed to save record %s: %w", rec.ID, err)
	}
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertNote(ctx context.Context, db execer, id string, n record.Note) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO review_notes (record_id, author, text, created_at) VALUES (?, ?, ?, ?)`,
		id, n.Author, n.Text, n.CreatedAt.UTC().Format(timeLayout),
	)
	return err
}

// Get loads a record with all its notes.
func (s *Store) Get(ctx context.Context, id string) (record.MatchRecord, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM match_records WHERE id = ?`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return record.MatchRecord{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return record.MatchRecord{}, fmt.Errorf("failed to load record %s: %w", id, err)
	}

	var rec record.MatchRecord
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		return record.MatchRecord{}, fmt.Errorf("failed to decode record %s: %w", id, err)
	}

	notes, err := s.notes(ctx, id)
	if err != nil {
		return record.MatchRecord{}, err
	}
	rec.Notes = notes
	return rec, nil
}

func (s *Store) notes(ctx context.Context, id string) ([]record.Note, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT author, text, created_at FROM review_notes WHERE record_id = ? ORDER BY seq`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load notes for %s: %w", id, err)
	}
	defer rows.Close()

	var notes []record.Note
	for rows.Next() {
		var (
			n         record.Note
			createdAt string
		)
		if err := rows.Scan(&n.Author, &n.Text, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan note: %w", err)
		}
		if n.CreatedAt, err = time.Parse(timeLayout, createdAt); err != nil {
			return nil, fmt.Errorf("failed to parse note time %q: %w", createdAt, err)
		}
		notes = append(notes, n)
	}
	return notes, rows.Err()
}

// Filter narrows List results.
type Filter struct {
	Status merge.Status
	Limit  int
}

// List returns records newest first, without notes.
func (s *Store) List(ctx context.Context, f Filter) ([]record.MatchRecord, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT data FROM match_records`
	args := []any{}
	if f.Status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(f.Status))
	}
	query += ` ORDER BY created_at DESC, id LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list records: %w", err)
	}
	defer rows.Close()

	var out []record.MatchRecord
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		var rec record.MatchRecord
		if err := json.Unmarshal([]byte(data), &rec); err != nil {
			return nil, fmt.Errorf("failed to decode record: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// AppendNote adds a review note and returns the updated record. The stored
// record data is never rewritten.
func (s *Store) AppendNote(ctx context.Context, id string, n record.Note) (record.MatchRecord, error) {
	rec, err := s.Get(ctx, id)
	if err != nil {
		return record.MatchRecord{}, err
	}

	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	updated, err := rec.WithNote(n)
	if err != nil {
		return record.MatchRecord{}, err
	}
	added := updated.Notes[len(updated.Notes)-1]

	err = retryOnBusy(ctx, func() error {
		return insertNote(ctx, s.db, id, added)
	}, 5)
	if err != nil {
		return record.MatchRecord{}, fmt.Errorf("failed to append note to %s: %w", id, err)
	}
	return updated, nil
}
