// Package runstore keeps the record of fine-tuning runs and their
// metric streams in a local SQLite database, one row per run and one
// per logged step.
package runstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/samcharles93/loam/internal/train"
)

// EnvDataDir overrides where runs.db lives.
const EnvDataDir = "LOAM_DATA_DIR"

// ErrNotFound is returned for unknown run IDs.
var ErrNotFound = errors.New("run not found")

// Status is the lifecycle of a run.
type Status string

const (
	StatusRunning     Status = "running"
	StatusSucceeded   Status = "succeeded"
	StatusFailed      Status = "failed"
	StatusInterrupted Status = "interrupted"
)

func (s Status) valid() bool {
	switch s {
	case StatusRunning, StatusSucceeded, StatusFailed, StatusInterrupted:
		return true
	}
	return false
}

// Run is one fine-tuning invocation. Args holds the training arguments
// as JSON; FinishedAt stays zero while the run is live.
type Run struct {
	ID           string
	BaseModel    string
	Dataset      string
	OutputDir    string
	Args         string
	Status       Status
	CreatedAt    time.Time
	FinishedAt   time.Time
	FinalLoss    float64
	BestEvalLoss float64
	Error        string
}

// Store wraps the database handle. Writes serialize on a mutex; the
// pure-Go driver dislikes concurrent writers on one file.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// DefaultPath is $LOAM_DATA_DIR/runs.db, falling back to ~/.loam.
func DefaultPath() string {
	if dir := os.Getenv(EnvDataDir); dir != "" {
		return filepath.Join(dir, "runs.db")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".loam", "runs.db")
	}
	return filepath.Join(home, ".loam", "runs.db")
}

// Open creates the file and schema as needed.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate %s: %w", path, err)
	}
	return &Store{db: db}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS runs(
			id TEXT PRIMARY KEY,
			base_model TEXT NOT NULL,
			dataset TEXT NOT NULL,
			output_dir TEXT NOT NULL,
			args TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			finished_at INTEGER,
			final_loss REAL,
			best_eval_loss REAL,
			error TEXT NOT NULL DEFAULT ''
		)`)
	if err != nil {
		return err
	}
	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS metrics(
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			step INTEGER NOT NULL,
			epoch REAL NOT NULL DEFAULT 0,
			loss REAL NOT NULL DEFAULT 0,
			eval_loss REAL NOT NULL DEFAULT 0,
			eval_accuracy REAL NOT NULL DEFAULT 0,
			lr REAL NOT NULL DEFAULT 0,
			grad_norm REAL NOT NULL DEFAULT 0,
			tokens_per_sec REAL NOT NULL DEFAULT 0,
			heap_mib REAL NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL
		)`)
	if err != nil {
		return err
	}
	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_metrics_run ON metrics(run_id, step)`)
	return err
}

func (s *Store) Close() error { return s.db.Close() }

// Create inserts the run, assigning ID, CreatedAt and Status when
// unset.
func (s *Store) Create(ctx context.Context, run *Run) error {
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now()
	}
	if run.Status == "" {
		run.Status = StatusRunning
	}
	if !run.Status.valid() {
		return fmt.Errorf("status %q", run.Status)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs(id, base_model, dataset, output_dir, args, status, created_at, error)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.BaseModel, run.Dataset, run.OutputDir, run.Args,
		string(run.Status), run.CreatedAt.Unix(), run.Error)
	return err
}

// UpdateStatus closes out a run: terminal statuses also set
// finished_at.
func (s *Store) UpdateStatus(ctx context.Context, id string, status Status, finalLoss, bestEvalLoss float64, errMsg string) error {
	if !status.valid() {
		return fmt.Errorf("status %q", status)
	}
	var finished any
	if status != StatusRunning {
		finished = time.Now().Unix()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx, `
		UPDATE runs SET status = ?, finished_at = ?, final_loss = ?, best_eval_loss = ?, error = ?
		WHERE id = ?`,
		string(status), finished, finalLoss, bestEvalLoss, errMsg, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// AppendMetric stores one log entry under the run.
func (s *Store) AppendMetric(ctx context.Context, runID string, e train.LogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO metrics(run_id, step, epoch, loss, eval_loss, eval_accuracy, lr, grad_norm, tokens_per_sec, heap_mib, created_at)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		runID, e.Step, e.Epoch, e.Loss, e.EvalLoss, e.EvalAccuracy,
		e.LR, e.GradNorm, e.TokensPerSec, e.HeapMiB, time.Now().Unix())
	return err
}

const runColumns = `id, base_model, dataset, output_dir, args, status, created_at, finished_at, final_loss, best_eval_loss, error`

// Get returns a run by ID, ErrNotFound when absent.
func (s *Store) Get(ctx context.Context, id string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return run, nil
}

// List returns up to limit runs, newest first. limit <= 0 means 50.
func (s *Store) List(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM runs ORDER BY created_at DESC, id LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *run)
	}
	return out, rows.Err()
}

// Metrics returns the run's logged entries in step order.
func (s *Store) Metrics(ctx context.Context, runID string) ([]train.LogEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT step, epoch, loss, eval_loss, eval_accuracy, lr, grad_norm, tokens_per_sec, heap_mib
		FROM metrics WHERE run_id = ? ORDER BY step, id`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []train.LogEntry
	for rows.Next() {
		var e train.LogEntry
		if err := rows.Scan(&e.Step, &e.Epoch, &e.Loss, &e.EvalLoss, &e.EvalAccuracy,
			&e.LR, &e.GradNorm, &e.TokensPerSec, &e.HeapMiB); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*Run, error) {
	var (
		run      Run
		status   string
		created  int64
		finished sql.NullInt64
		final    sql.NullFloat64
		bestEval sql.NullFloat64
	)
	err := row.Scan(&run.ID, &run.BaseModel, &run.Dataset, &run.OutputDir, &run.Args,
		&status, &created, &finished, &final, &bestEval, &run.Error)
	if err != nil {
		return nil, err
	}
	run.Status = Status(status)
	run.CreatedAt = time.Unix(created, 0)
	if finished.Valid {
		run.FinishedAt = time.Unix(finished.Int64, 0)
	}
	run.FinalLoss = final.Float64
	run.BestEvalLoss = bestEval.Float64
	return &run, nil
}
