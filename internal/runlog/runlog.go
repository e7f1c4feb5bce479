// Package runlog keeps a history of pipeline runs in SQLite so past
// cycles can be inspected after the fact. It stores summaries only;
// the content document itself lives in the content store.
package runlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/nugget/mailsite/internal/pipeline"
)

// DefaultLimit is how many runs Recent returns when asked for zero.
const DefaultLimit = 20

// timeLayout is fixed-width so started_at sorts lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// ErrNotFound is returned by Get for an unknown run ID.
var ErrNotFound = errors.New("run not found")

// Store is a run ledger backed by SQLite. All public methods are safe
// for concurrent use (SQLite serializes writes).
type Store struct {
	db *sql.DB
}

// NewStore opens or creates the ledger at dbPath.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS pipeline_runs (
		id          TEXT PRIMARY KEY,
		started_at  TEXT NOT NULL,
		finished_at TEXT NOT NULL,
		fetched     INTEGER NOT NULL,
		processed   INTEGER NOT NULL,
		skipped     INTEGER NOT NULL,
		errors      TEXT NOT NULL,
		fatal       TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_pipeline_runs_started ON pipeline_runs(started_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Record stores a finished run. Recording the same run ID twice
// replaces the earlier row.
func (s *Store) Record(ctx context.Context, res *pipeline.Result) error {
	diags := res.Errors
	if diags == nil {
		diags = []pipeline.Diagnostic{}
	}
	errJSON, err := json.Marshal(diags)
	if err != nil {
		return fmt.Errorf("marshal diagnostics: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO pipeline_runs (id, started_at, finished_at, fetched, processed, skipped, errors, fatal)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
		   finished_at = excluded.finished_at,
		   fetched = excluded.fetched,
		   processed = excluded.processed,
		   skipped = excluded.skipped,
		   errors = excluded.errors,
		   fatal = excluded.fatal`,
		res.RunID,
		res.StartedAt.UTC().Format(timeLayout),
		res.FinishedAt.UTC().Format(timeLayout),
		res.Fetched, res.Processed, res.Skipped,
		string(errJSON), res.Fatal,
	)
	if err != nil {
		return fmt.Errorf("record run %s: %w", res.RunID, err)
	}
	return nil
}

// Recent returns up to limit runs, newest first. Returns an empty
// (non-nil) slice when there are none.
func (s *Store) Recent(ctx context.Context, limit int) ([]pipeline.Result, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, started_at, finished_at, fetched, processed, skipped, errors, fatal
		 FROM pipeline_runs ORDER BY started_at DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	runs := []pipeline.Result{}
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// Get returns one run by ID.
func (s *Store) Get(ctx context.Context, id string) (*pipeline.Result, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, started_at, finished_at, fetched, processed, skipped, errors, fatal
		 FROM pipeline_runs WHERE id = ?`,
		id,
	)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(sc scanner) (pipeline.Result, error) {
	var (
		r                 pipeline.Result
		started, finished string
		errJSON           string
	)
	if err := sc.Scan(&r.RunID, &started, &finished, &r.Fetched, &r.Processed, &r.Skipped, &errJSON, &r.Fatal); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return r, err
		}
		return r, fmt.Errorf("scan run: %w", err)
	}

	var err error
	if r.StartedAt, err = time.Parse(timeLayout, started); err != nil {
		return r, fmt.Errorf("parse started_at: %w", err)
	}
	if r.FinishedAt, err = time.Parse(timeLayout, finished); err != nil {
		return r, fmt.Errorf("parse finished_at: %w", err)
	}
	if err := json.Unmarshal([]byte(errJSON), &r.Errors); err != nil {
		return r, fmt.Errorf("decode diagnostics for %s: %w", r.RunID, err)
	}
	return r, nil
}
