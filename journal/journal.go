// Package journal keeps a SQLite record of script runs.
package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/chazu/scriptbridge/loader"
)

// MemoryPath opens a journal that lives only as long as the process.
const MemoryPath = ":memory:"

var ErrClosed = errors.New("journal: closed")

// Entry is one recorded run.
type Entry struct {
	ID         int64
	Identity   string
	Path       string
	Debug      bool
	Status     string
	Error      string
	StartedAt  time.Time
	FinishedAt time.Time
}

// Journal stores run entries in a SQLite database.
type Journal struct {
	mu   sync.RWMutex
	db   *sql.DB
	path string
}

const schema = `CREATE TABLE IF NOT EXISTS runs (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	identity    TEXT NOT NULL,
	path        TEXT NOT NULL,
	debug       INTEGER NOT NULL,
	status      TEXT NOT NULL,
	error       TEXT NOT NULL DEFAULT '',
	started_at  INTEGER NOT NULL,
	finished_at INTEGER NOT NULL
)`

// Open opens or creates the journal at path. MemoryPath gives a private
// in-memory journal.
func Open(ctx context.Context, path string) (*Journal, error) {
	if path != MemoryPath {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("creating journal dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening journal: %w", err)
	}
	// Every connection to :memory: is a separate database, and SQLite
	// serializes writers anyway.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating table: %w", err)
	}
	return &Journal{db: db, path: path}, nil
}

// Path returns where the journal lives.
func (j *Journal) Path() string {
	return j.path
}

// Record stores e and returns its id.
func (j *Journal) Record(ctx context.Context, e Entry) (int64, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.db == nil {
		return 0, ErrClosed
	}
	res, err := j.db.ExecContext(ctx,
		`INSERT INTO runs (identity, path, debug, status, error, started_at, finished_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.Identity, e.Path, e.Debug, e.Status, e.Error,
		e.StartedAt.UnixNano(), e.FinishedAt.UnixNano(),
	)
	if err != nil {
		return 0, fmt.Errorf("recording run: %w", err)
	}
	return res.LastInsertId()
}

// RecordOutcome stores a loader outcome. It makes Journal a loader.Recorder.
func (j *Journal) RecordOutcome(ctx context.Context, o loader.Outcome) error {
	e := Entry{
		Identity:   o.Identity,
		Path:       o.Path,
		Debug:      o.Debug,
		Status:     string(o.Status),
		StartedAt:  o.Started,
		FinishedAt: o.Finished,
	}
	if o.Err != nil {
		e.Error = o.Err.Error()
	}
	_, err := j.Record(ctx, e)
	return err
}

// Recent returns up to limit entries, newest first.
func (j *Journal) Recent(ctx context.Context, limit int) ([]Entry, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.db == nil {
		return nil, ErrClosed
	}
	rows, err := j.db.QueryContext(ctx,
		`SELECT id, identity, path, debug, status, error, started_at, finished_at
		 FROM runs ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying runs: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e                 Entry
			started, finished int64
		)
		if err := rows.Scan(&e.ID, &e.Identity, &e.Path, &e.Debug, &e.Status, &e.Error, &started, &finished); err != nil {
			return nil, fmt.Errorf("scanning run: %w", err)
		}
		e.StartedAt = time.Unix(0, started)
		e.FinishedAt = time.Unix(0, finished)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Count returns the number of recorded runs.
func (j *Journal) Count(ctx context.Context) (int, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.db == nil {
		return 0, ErrClosed
	}
	var n int
	if err := j.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM runs").Scan(&n); err != nil {
		return 0, fmt.Errorf("counting runs: %w", err)
	}
	return n, nil
}

// Close closes the database. Later calls fail with ErrClosed.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.db == nil {
		return nil
	}
	err := j.db.Close()
	j.db = nil
	return err
}
