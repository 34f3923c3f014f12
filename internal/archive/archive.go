// Package archive persists terminal jobs into a sqlite history store
// before they are pruned from the materialized state. The engine
// writes fire-and-forget; the listener serves history queries from it.
package archive

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/oddjobs/oddjobs/internal/common/logger"
	"github.com/oddjobs/oddjobs/internal/state"
)

const schema = `
CREATE TABLE IF NOT EXISTS job_history (
	id TEXT PRIMARY KEY,
	kind TEXT NOT NULL,
	name TEXT NOT NULL,
	project TEXT NOT NULL,
	step TEXT NOT NULL,
	error TEXT NOT NULL DEFAULT '',
	created_at_ms INTEGER NOT NULL,
	finished_at_ms INTEGER NOT NULL,
	record TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_job_history_project ON job_history(project, finished_at_ms);
`

// Entry is one archived job.
type Entry struct {
	ID           string `db:"id" json:"id"`
	Kind         string `db:"kind" json:"kind"`
	Name         string `db:"name" json:"name"`
	Project      string `db:"project" json:"project"`
	Step         string `db:"step" json:"step"`
	Error        string `db:"error" json:"error,omitempty"`
	CreatedAtMs  int64  `db:"created_at_ms" json:"created_at_ms"`
	FinishedAtMs int64  `db:"finished_at_ms" json:"finished_at_ms"`
	Record       string `db:"record" json:"record,omitempty"`
}

// Store is the sqlite-backed history store.
type Store struct {
	db     *sqlx.DB
	logger *logger.Logger
}

// Open opens (or creates) the archive database.
func Open(path string, log *logger.Logger) (*Store, error) {
	db, err := sqlx.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("archive: open: %w", err)
	}
	// A single writer keeps sqlite contention out of the picture.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("archive: migrate: %w", err)
	}
	return &Store{db: db, logger: log.WithComponent("archive")}, nil
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// ArchiveJob upserts a terminal job's record.
func (s *Store) ArchiveJob(ctx context.Context, job *state.Job) error {
	record, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("archive: marshal job: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO job_history (id, kind, name, project, step, error, created_at_ms, finished_at_ms, record)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			step = excluded.step,
			error = excluded.error,
			finished_at_ms = excluded.finished_at_ms,
			record = excluded.record`,
		job.ID, job.Kind, job.Name, job.Project, job.Step, job.Error,
		job.CreatedAtMs, time.Now().UnixMilli(), string(record))
	if err != nil {
		return fmt.Errorf("archive: insert: %w", err)
	}
	return nil
}

// History returns archived jobs, newest first. An empty project
// matches everything.
func (s *Store) History(ctx context.Context, project string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	var entries []Entry
	var err error
	if project == "" {
		err = s.db.SelectContext(ctx, &entries,
			`SELECT * FROM job_history ORDER BY finished_at_ms DESC LIMIT ?`, limit)
	} else {
		err = s.db.SelectContext(ctx, &entries,
			`SELECT * FROM job_history WHERE project = ? ORDER BY finished_at_ms DESC LIMIT ?`,
			project, limit)
	}
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("archive: query: %w", err)
	}
	return entries, nil
}
