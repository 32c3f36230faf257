// Package store keeps the step-run journal and per-target frame pointers in
// SQLite.
package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	jsonv2 "github.com/go-json-experiment/json"
	"github.com/oklog/ulid/v2"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite" // Pure Go SQLite driver (no CGO)

	cdptypes "github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/runtime"

	"github.com/neboloop/webpilot/internal/page"
	"github.com/neboloop/webpilot/internal/steps"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrNotFound is returned when a run does not exist.
var ErrNotFound = errors.New("not found")

// Run statuses.
const (
	StatusRunning = "running"
	StatusOK      = "ok"
	StatusFailed  = "failed"
)

// Store is a SQLite-backed steps.Journal and page.FrameStore.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

var (
	_ steps.Journal   = (*Store)(nil)
	_ page.FrameStore = (*Store)(nil)
)

// Open creates the database at path if needed and migrates it.
func Open(ctx context.Context, path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if err := migrate(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	logger.Debug("run journal opened", "path", path)
	return &Store{db: db, logger: logger.With("component", "store"), now: time.Now}, nil
}

func migrate(ctx context.Context, db *sql.DB) error {
	fsys, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return err
	}
	provider, err := goose.NewProvider(goose.DialectSQLite3, db, fsys)
	if err != nil {
		return err
	}
	_, err = provider.Up(ctx)
	return err
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// BeginRun records a new run and returns its ULID.
func (s *Store) BeginRun(ctx context.Context, target string, n int) (string, error) {
	id := ulid.Make().String()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, target, steps, status, started_at) VALUES (?, ?, ?, ?, ?)`,
		id, target, n, StatusRunning, s.now().UnixMilli())
	if err != nil {
		return "", fmt.Errorf("begin run: %w", err)
	}
	return id, nil
}

// RecordStep stores one step result. Data that cannot be encoded is
// dropped with a warning.
func (s *Store) RecordStep(ctx context.Context, runID string, r steps.StepResult) error {
	var data sql.NullString
	if r.Data != nil {
		b, err := jsonv2.Marshal(r.Data)
		if err != nil {
			s.logger.Warn("step data not recorded", "run", runID, "index", r.Index, "error", err)
		} else {
			data = sql.NullString{String: string(b), Valid: true}
		}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO run_steps (run_id, idx, kind, label, ok, error, code, duration_ms, data)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		runID, r.Index, string(r.Kind), r.Label, r.OK, r.Error, r.Code, r.DurationMS, data)
	if err != nil {
		return fmt.Errorf("record step %d: %w", r.Index, err)
	}
	return nil
}

// FinishRun marks a run ok or failed.
func (s *Store) FinishRun(ctx context.Context, runID string, ok bool) error {
	status := StatusFailed
	if ok {
		status = StatusOK
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, finished_at = ? WHERE id = ?`,
		status, s.now().UnixMilli(), runID)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	return nil
}

// Run is a journal entry.
type Run struct {
	ID         string     `json:"id" yaml:"id"`
	Target     string     `json:"target" yaml:"target"`
	Steps      int        `json:"steps" yaml:"steps"`
	Status     string     `json:"status" yaml:"status"`
	StartedAt  time.Time  `json:"startedAt" yaml:"started_at"`
	FinishedAt *time.Time `json:"finishedAt,omitempty" yaml:"finished_at,omitempty"`
}

// StepRecord is a stored step result. Data is the raw JSON.
type StepRecord struct {
	Index      int    `json:"index" yaml:"index"`
	Kind       string `json:"kind" yaml:"kind"`
	Label      string `json:"label,omitempty" yaml:"label,omitempty"`
	OK         bool   `json:"ok" yaml:"ok"`
	Error      string `json:"error,omitempty" yaml:"error,omitempty"`
	Code       string `json:"code,omitempty" yaml:"code,omitempty"`
	DurationMS int64  `json:"durationMs" yaml:"duration_ms"`
	Data       string `json:"data,omitempty" yaml:"data,omitempty"`
}

const runColumns = `id, target, steps, status, started_at, finished_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (Run, error) {
	var (
		r        Run
		started  int64
		finished sql.NullInt64
	)
	if err := row.Scan(&r.ID, &r.Target, &r.Steps, &r.Status, &started, &finished); err != nil {
		return Run{}, err
	}
	r.StartedAt = time.UnixMilli(started)
	if finished.Valid {
		t := time.UnixMilli(finished.Int64)
		r.FinishedAt = &t
	}
	return r, nil
}

// ListRuns returns the most recent runs first. A target filters by page.
func (s *Store) ListRuns(ctx context.Context, target string, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	q := `SELECT ` + runColumns + ` FROM runs`
	args := []any{}
	if target != "" {
		q += ` WHERE target = ?`
		args = append(args, target)
	}
	q += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// GetRun returns one run.
func (s *Store) GetRun(ctx context.Context, id string) (Run, error) {
	r, err := scanRun(s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	return r, err
}

// RunSteps returns the recorded steps of a run in order.
func (s *Store) RunSteps(ctx context.Context, runID string) ([]StepRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT idx, kind, label, ok, error, code, duration_ms, data
		 FROM run_steps WHERE run_id = ? ORDER BY idx`, runID)
	if err != nil {
		return nil, fmt.Errorf("run steps: %w", err)
	}
	defer rows.Close()

	var out []StepRecord
	for rows.Next() {
		var (
			rec  StepRecord
			data sql.NullString
		)
		if err := rows.Scan(&rec.Index, &rec.Kind, &rec.Label, &rec.OK, &rec.Error, &rec.Code, &rec.DurationMS, &data); err != nil {
			return nil, err
		}
		rec.Data = data.String
		out = append(out, rec)
	}
	return out, rows.Err()
}

// PruneRuns deletes runs started before cutoff and returns how many went.
func (s *Store) PruneRuns(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE started_at < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("prune runs: %w", err)
	}
	return res.RowsAffected()
}

// SaveFrame persists the current-frame pointer of a target.
func (s *Store) SaveFrame(ctx context.Context, targetID string, st page.FrameState) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO frames (target_id, frame_id, context_id, main, name, url, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(target_id) DO UPDATE SET
		   frame_id = excluded.frame_id,
		   context_id = excluded.context_id,
		   main = excluded.main,
		   name = excluded.name,
		   url = excluded.url,
		   updated_at = excluded.updated_at`,
		targetID, string(st.FrameID), int64(st.ContextID), st.Main, st.Name, st.URL, s.now().UnixMilli())
	if err != nil {
		return fmt.Errorf("save frame: %w", err)
	}
	return nil
}

// LoadFrame returns the persisted pointer of a target, if any.
func (s *Store) LoadFrame(ctx context.Context, targetID string) (page.FrameState, bool, error) {
	var (
		st        page.FrameState
		frameID   string
		contextID int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT frame_id, context_id, main, name, url FROM frames WHERE target_id = ?`, targetID).
		Scan(&frameID, &contextID, &st.Main, &st.Name, &st.URL)
	if errors.Is(err, sql.ErrNoRows) {
		return page.FrameState{}, false, nil
	}
	if err != nil {
		return page.FrameState{}, false, fmt.Errorf("load frame: %w", err)
	}
	st.FrameID = cdptypes.FrameID(frameID)
	st.ContextID = runtime.ExecutionContextID(contextID)
	return st, true, nil
}

// ForgetFrame drops the pointer of a closed target.
func (s *Store) ForgetFrame(ctx context.Context, targetID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM frames WHERE target_id = ?`, targetID)
	return err
}
