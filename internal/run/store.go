// Package run orchestrates backtest executions: a sqlite-backed run store, a
// manager with bounded concurrency, and a fan-out of live run events to
// observers.
package run

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/fenggeHu/pybt/internal/types"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// Record is the persisted state of one run.
type Record struct {
	ID       string
	Name     string
	Config   string // the submitted document, verbatim
	Status   types.RunStatus
	Failure  string // classification when Status is failed
	Detail   string
	Bars      int
	TotalBars int
	Signals   int
	Fills     int
	Created   time.Time
	Started   *time.Time
	Finished  *time.Time
}

// Progress returns the completed fraction of the run's feed, zero when the
// feed could not size itself.
func (r Record) Progress() float64 {
	if r.TotalBars <= 0 {
		return 0
	}
	p := float64(r.Bars) / float64(r.TotalBars)
	if p > 1 {
		p = 1
	}
	return p
}

// StoredEvent is one kernel event persisted for replay.
type StoredEvent struct {
	RunID      string          `json:"run_id"`
	Seq        uint64          `json:"seq"`
	Kind       string          `json:"kind"`
	Payload    json.RawMessage `json:"payload"`
	OccurredAt time.Time       `json:"occurred_at"`
}

// Store persists runs and their event history in SQLite.
type Store struct {
	db *sql.DB
}

// NewStore opens or creates the run database at path.
func NewStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(context.Background()); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			config TEXT NOT NULL,
			status TEXT NOT NULL,
			failure TEXT NOT NULL DEFAULT '',
			detail TEXT NOT NULL DEFAULT '',
			bars INTEGER NOT NULL DEFAULT 0,
			total_bars INTEGER NOT NULL DEFAULT 0,
			signals INTEGER NOT NULL DEFAULT 0,
			fills INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL,
			started_at DATETIME,
			finished_at DATETIME
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status)`,

		`CREATE TABLE IF NOT EXISTS run_events (
			run_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			kind TEXT NOT NULL,
			payload TEXT NOT NULL,
			occurred_at DATETIME NOT NULL,
			PRIMARY KEY (run_id, seq)
		)`,
	}
	for _, migration := range migrations {
		if _, err := s.db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("execute migration: %w", err)
		}
	}
	return nil
}

// Create inserts a new run in the pending state.
func (s *Store) Create(ctx context.Context, id, name, config string) (Record, error) {
	rec := Record{
		ID:      id,
		Name:    name,
		Config:  config,
		Status:  types.RunPending,
		Created: time.Now().UTC(),
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, name, config, status, created_at) VALUES (?, ?, ?, ?, ?)`,
		rec.ID, rec.Name, rec.Config, string(rec.Status), rec.Created,
	)
	if err != nil {
		return Record{}, fmt.Errorf("insert run: %w", err)
	}
	return rec, nil
}

// Get returns one run.
func (s *Store) Get(ctx context.Context, id string) (Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, config, status, failure, detail, bars, total_bars, signals, fills, created_at, started_at, finished_at
		 FROM runs WHERE id = ?`, id)
	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return Record{}, fmt.Errorf("%w: %s", types.ErrRunNotFound, id)
	}
	if err != nil {
		return Record{}, fmt.Errorf("query run: %w", err)
	}
	return rec, nil
}

// List returns all runs, newest first.
func (s *Store) List(ctx context.Context) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, config, status, failure, detail, bars, total_bars, signals, fills, created_at, started_at, finished_at
		 FROM runs ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var recs []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (Record, error) {
	var rec Record
	var status string
	var started, finished sql.NullTime
	err := row.Scan(&rec.ID, &rec.Name, &rec.Config, &status, &rec.Failure, &rec.Detail,
		&rec.Bars, &rec.TotalBars, &rec.Signals, &rec.Fills, &rec.Created, &started, &finished)
	if err != nil {
		return Record{}, err
	}
	rec.Status = types.RunStatus(status)
	if started.Valid {
		rec.Started = &started.Time
	}
	if finished.Valid {
		rec.Finished = &finished.Time
	}
	return rec, nil
}

// Transition moves a run to the next lifecycle status. The check and the
// write happen in one transaction so concurrent callers cannot race a run out
// of its monotonic lifecycle.
func (s *Store) Transition(ctx context.Context, id string, next types.RunStatus, failure, detail string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var current string
	err = tx.QueryRowContext(ctx, `SELECT status FROM runs WHERE id = ?`, id).Scan(&current)
	if err == sql.ErrNoRows {
		return fmt.Errorf("%w: %s", types.ErrRunNotFound, id)
	}
	if err != nil {
		return fmt.Errorf("query status: %w", err)
	}
	if !types.RunStatus(current).CanTransition(next) {
		if types.RunStatus(current).Terminal() {
			return fmt.Errorf("%w: %s is %s", types.ErrRunTerminal, id, current)
		}
		return fmt.Errorf("%w: %s -> %s", types.ErrBadTransition, current, next)
	}

	now := time.Now().UTC()
	switch {
	case next == types.RunRunning:
		_, err = tx.ExecContext(ctx,
			`UPDATE runs SET status = ?, started_at = ? WHERE id = ?`,
			string(next), now, id)
	case next.Terminal():
		_, err = tx.ExecContext(ctx,
			`UPDATE runs SET status = ?, failure = ?, detail = ?, finished_at = ? WHERE id = ?`,
			string(next), failure, detail, now, id)
	default:
		_, err = tx.ExecContext(ctx,
			`UPDATE runs SET status = ? WHERE id = ?`, string(next), id)
	}
	if err != nil {
		return fmt.Errorf("update status: %w", err)
	}
	return tx.Commit()
}

// UpdateProgress records bar/signal/fill counters for a run. totalBars is
// the feed's own size, zero for unsized feeds.
func (s *Store) UpdateProgress(ctx context.Context, id string, bars, totalBars, signals, fills int) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE runs SET bars = ?, total_bars = ?, signals = ?, fills = ? WHERE id = ?`,
		bars, totalBars, signals, fills, id)
	if err != nil {
		return fmt.Errorf("update progress: %w", err)
	}
	return nil
}

// AppendEvent persists one kernel event for replay.
func (s *Store) AppendEvent(ctx context.Context, ev StoredEvent) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO run_events (run_id, seq, kind, payload, occurred_at) VALUES (?, ?, ?, ?, ?)`,
		ev.RunID, ev.Seq, ev.Kind, string(ev.Payload), ev.OccurredAt)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// Events returns up to limit events for a run starting at seq, in order.
func (s *Store) Events(ctx context.Context, runID string, fromSeq uint64, limit int) ([]StoredEvent, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, seq, kind, payload, occurred_at FROM run_events
		 WHERE run_id = ? AND seq >= ? ORDER BY seq LIMIT ?`,
		runID, fromSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var evs []StoredEvent
	for rows.Next() {
		var ev StoredEvent
		var payload string
		if err := rows.Scan(&ev.RunID, &ev.Seq, &ev.Kind, &payload, &ev.OccurredAt); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		ev.Payload = json.RawMessage(payload)
		evs = append(evs, ev)
	}
	return evs, rows.Err()
}

// RecoverOrphans marks non-terminal runs left behind by a crash as failed.
// Called once on startup, before any new run is admitted.
func (s *Store) RecoverOrphans(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, failure = ?, detail = ?, finished_at = ?
		 WHERE status IN (?, ?)`,
		string(types.RunFailed), "internal_error", "orphaned by process restart",
		time.Now().UTC(), string(types.RunPending), string(types.RunRunning),
	)
	if err != nil {
		return 0, fmt.Errorf("recover orphans: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// CountByStatus returns run counts per status, for metrics.
func (s *Store) CountByStatus(ctx context.Context) (map[types.RunStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(1) FROM runs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("query counts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[types.RunStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		counts[types.RunStatus(status)] = n
	}
	return counts, rows.Err()
}

// Close closes the database connection.
func (s *Store) Close() error { return s.db.Close() }
