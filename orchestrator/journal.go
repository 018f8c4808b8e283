package orchestrator

import (
	"database/sql"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schema string

// Journal records one row per deployment run in a local SQLite database, so
// an operator can see what was deployed when, and how it ended.
type Journal struct {
	db *sql.DB
}

// Run is one recorded deployment attempt.
type Run struct {
	ID            int64
	ContainerName string
	Image         string
	State         string
	Error         string
	StartedAt     time.Time
	FinishedAt    sql.NullTime
}

func OpenJournal(path string) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create journal directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create journal schema: %w", err)
	}

	return &Journal{db: db}, nil
}

// Begin inserts a row for a run that just started and returns its id.
func (j *Journal) Begin(containerName, image string) (int64, error) {
	res, err := j.db.Exec(
		"INSERT INTO runs (container_name, image, state, started_at) VALUES (?, ?, ?, ?)",
		containerName, image, string(StateInit), time.Now().UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to record run: %w", err)
	}
	return res.LastInsertId()
}

// Finish stamps a run with its terminal state. runErr may be nil.
func (j *Journal) Finish(id int64, state State, runErr error) error {
	errText := ""
	if runErr != nil {
		errText = runErr.Error()
	}

	_, err := j.db.Exec(
		"UPDATE runs SET state = ?, error = ?, finished_at = ? WHERE id = ?",
		string(state), errText, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to finish run: %w", err)
	}
	return nil
}

// Recent returns up to limit runs, newest first.
func (j *Journal) Recent(limit int) ([]Run, error) {
	rows, err := j.db.Query(
		"SELECT id, container_name, image, state, error, started_at, finished_at FROM runs ORDER BY id DESC LIMIT ?",
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var run Run
		if err := rows.Scan(&run.ID, &run.ContainerName, &run.Image, &run.State, &run.Error, &run.StartedAt, &run.FinishedAt); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}

	return runs, rows.Err()
}

func (j *Journal) Close() error {
	return j.db.Close()
}
