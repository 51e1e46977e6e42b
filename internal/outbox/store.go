// Package outbox provides durable, at-least-once notification delivery.
// Intents are persisted before any send attempt; a lease protocol lets
// concurrent dispatchers share the table without double-delivery in the
// common path.
package outbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math/rand"
	"time"

	"github.com/fenggeHu/pybt/internal/notify"
	"github.com/fenggeHu/pybt/internal/types"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// Message statuses. pending rows are eligible for leasing once their
// next_retry_at has passed; sent and dead_letter are terminal.
const (
	StatusPending    = "pending"
	StatusSent       = "sent"
	StatusDeadLetter = "dead_letter"
)

// Config tunes retry behavior.
type Config struct {
	// MaxAttempts before a message moves to the dead letter state.
	MaxAttempts int
	// BackoffBase is the first retry delay; doubled per attempt.
	BackoffBase time.Duration
	// BackoffMax caps the computed delay.
	BackoffMax time.Duration
}

// DefaultConfig returns the default retry policy.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 8,
		BackoffBase: 5 * time.Second,
		BackoffMax:  10 * time.Minute,
	}
}

// Message is one queued delivery: an intent bound to a channel.
type Message struct {
	ID       string
	Channel  string
	RunID    string
	Attempts int
	Intent   notify.Intent
	LeaseID  string
}

// Store is the sqlite-backed outbox.
type Store struct {
	db  *sql.DB
	cfg Config
}

// NewStore opens or creates the outbox at path.
func NewStore(path string, cfg Config) (*Store, error) {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultConfig().MaxAttempts
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = DefaultConfig().BackoffBase
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = DefaultConfig().BackoffMax
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &Store{db: db, cfg: cfg}
	if err := s.migrate(context.Background()); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS outbox (
			id TEXT NOT NULL,
			channel TEXT NOT NULL,
			run_id TEXT NOT NULL,
			dedupe_key TEXT NOT NULL,
			severity INTEGER NOT NULL,
			payload TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			attempts INTEGER NOT NULL DEFAULT 0,
			next_retry_at DATETIME NOT NULL,
			lease_id TEXT,
			lease_expires_at DATETIME,
			last_error TEXT,
			created_at DATETIME NOT NULL,
			sent_at DATETIME,
			PRIMARY KEY (id, channel)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_outbox_status ON outbox(status, next_retry_at)`,
		`CREATE INDEX IF NOT EXISTS idx_outbox_dedupe ON outbox(channel, dedupe_key, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_outbox_run ON outbox(run_id)`,
	}
	for _, migration := range migrations {
		if _, err := s.db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("execute migration: %w", err)
		}
	}
	return nil
}

// Enqueue inserts the intent for one channel unless an equal dedupe key was
// enqueued within ttl. Returns false when the intent was collapsed.
func (s *Store) Enqueue(ctx context.Context, channel string, intent notify.Intent, ttl time.Duration) (bool, error) {
	return s.enqueueAt(ctx, channel, intent, ttl, time.Now().UTC())
}

func (s *Store) enqueueAt(ctx context.Context, channel string, intent notify.Intent, ttl time.Duration, now time.Time) (bool, error) {
	payload, err := json.Marshal(intent)
	if err != nil {
		return false, fmt.Errorf("marshal intent: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if ttl > 0 {
		var n int
		err = tx.QueryRowContext(ctx,
			`SELECT COUNT(1) FROM outbox
			 WHERE channel = ? AND dedupe_key = ? AND status != ? AND created_at > ?`,
			channel, intent.DedupeKey, StatusDeadLetter, now.Add(-ttl),
		).Scan(&n)
		if err != nil {
			return false, fmt.Errorf("dedupe check: %w", err)
		}
		if n > 0 {
			return false, nil
		}
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO outbox (id, channel, run_id, dedupe_key, severity, payload, status, next_retry_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		intent.ID, channel, intent.RunID, intent.DedupeKey, int(intent.Severity),
		string(payload), StatusPending, now, now,
	)
	if err != nil {
		return false, fmt.Errorf("insert message: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}
	return true, nil
}

// Lease atomically claims up to batch eligible messages for leaseID. Claimed
// messages are invisible to other dispatchers until the lease expires.
func (s *Store) Lease(ctx context.Context, leaseID string, batch int, leaseTTL time.Duration) ([]Message, error) {
	return s.leaseAt(ctx, leaseID, batch, leaseTTL, time.Now().UTC())
}

func (s *Store) leaseAt(ctx context.Context, leaseID string, batch int, leaseTTL time.Duration, now time.Time) ([]Message, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx,
		`SELECT id, channel, run_id, attempts, payload FROM outbox
		 WHERE status = ?
		   AND next_retry_at <= ?
		   AND (lease_expires_at IS NULL OR lease_expires_at <= ?)
		 ORDER BY created_at
		 LIMIT ?`,
		StatusPending, now, now, batch,
	)
	if err != nil {
		return nil, fmt.Errorf("query eligible: %w", err)
	}

	var msgs []Message
	for rows.Next() {
		var m Message
		var payload string
		if err := rows.Scan(&m.ID, &m.Channel, &m.RunID, &m.Attempts, &payload); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scan row: %w", err)
		}
		if err := json.Unmarshal([]byte(payload), &m.Intent); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("unmarshal intent %s: %w", m.ID, err)
		}
		m.LeaseID = leaseID
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	expires := now.Add(leaseTTL)
	for _, m := range msgs {
		if _, err := tx.ExecContext(ctx,
			`UPDATE outbox SET lease_id = ?, lease_expires_at = ? WHERE id = ? AND channel = ?`,
			leaseID, expires, m.ID, m.Channel,
		); err != nil {
			return nil, fmt.Errorf("claim %s: %w", m.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return msgs, nil
}

// MarkSent finishes a delivery. Idempotent: marking an already-sent message
// succeeds; marking one leased by someone else fails.
func (s *Store) MarkSent(ctx context.Context, m Message) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE outbox SET status = ?, lease_id = NULL, lease_expires_at = NULL, sent_at = ?
		 WHERE id = ? AND channel = ? AND status = ? AND lease_id = ?`,
		StatusSent, time.Now().UTC(), m.ID, m.Channel, StatusPending, m.LeaseID,
	)
	if err != nil {
		return fmt.Errorf("mark sent: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var status string
		err := s.db.QueryRowContext(ctx,
			`SELECT status FROM outbox WHERE id = ? AND channel = ?`, m.ID, m.Channel,
		).Scan(&status)
		if err == nil && status == StatusSent {
			return nil
		}
		return fmt.Errorf("%w: message %s on %s", types.ErrNotLeased, m.ID, m.Channel)
	}
	return nil
}

// MarkFailed records a retryable failure: the attempt counter advances, the
// lease is released, and the message becomes eligible again after a backoff
// delay (or the server's hint, whichever is later). Past MaxAttempts the
// message dead-letters.
func (s *Store) MarkFailed(ctx context.Context, m Message, reason string, hint time.Duration) error {
	return s.markFailedAt(ctx, m, reason, hint, time.Now().UTC())
}

func (s *Store) markFailedAt(ctx context.Context, m Message, reason string, hint time.Duration, now time.Time) error {
	attempts := m.Attempts + 1
	if attempts >= s.cfg.MaxAttempts {
		return s.dead(ctx, m, fmt.Sprintf("%s (attempt %d/%d)", reason, attempts, s.cfg.MaxAttempts))
	}

	delay := s.backoff(attempts)
	if hint > delay {
		delay = hint
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE outbox SET attempts = ?, next_retry_at = ?, last_error = ?, lease_id = NULL, lease_expires_at = NULL
		 WHERE id = ? AND channel = ? AND status = ? AND lease_id = ?`,
		attempts, now.Add(delay), reason, m.ID, m.Channel, StatusPending, m.LeaseID,
	)
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: message %s on %s", types.ErrNotLeased, m.ID, m.Channel)
	}
	return nil
}

// MarkDead moves a message to the dead letter state for a permanent failure.
func (s *Store) MarkDead(ctx context.Context, m Message, reason string) error {
	return s.dead(ctx, m, reason)
}

func (s *Store) dead(ctx context.Context, m Message, reason string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE outbox SET status = ?, last_error = ?, lease_id = NULL, lease_expires_at = NULL
		 WHERE id = ? AND channel = ? AND status = ?`,
		StatusDeadLetter, reason, m.ID, m.Channel, StatusPending,
	)
	if err != nil {
		return fmt.Errorf("mark dead: %w", err)
	}
	return nil
}

// RecoverExpired releases leases whose holders never reported back, making
// their messages eligible again. Returns how many were recovered.
func (s *Store) RecoverExpired(ctx context.Context) (int, error) {
	return s.recoverExpiredAt(ctx, time.Now().UTC())
}

func (s *Store) recoverExpiredAt(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE outbox SET lease_id = NULL, lease_expires_at = NULL
		 WHERE status = ? AND lease_id IS NOT NULL AND lease_expires_at <= ?`,
		StatusPending, now,
	)
	if err != nil {
		return 0, fmt.Errorf("recover leases: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// Counts returns message counts by status.
func (s *Store) Counts(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(1) FROM outbox GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("query counts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// DeadLetters returns dead-lettered messages with their final error, oldest
// first.
func (s *Store) DeadLetters(ctx context.Context) ([]Message, []string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, channel, run_id, attempts, payload, COALESCE(last_error, '')
		 FROM outbox WHERE status = ? ORDER BY created_at`,
		StatusDeadLetter,
	)
	if err != nil {
		return nil, nil, fmt.Errorf("query dead letters: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	var reasons []string
	for rows.Next() {
		var m Message
		var payload, reason string
		if err := rows.Scan(&m.ID, &m.Channel, &m.RunID, &m.Attempts, &payload, &reason); err != nil {
			return nil, nil, fmt.Errorf("scan row: %w", err)
		}
		if err := json.Unmarshal([]byte(payload), &m.Intent); err != nil {
			return nil, nil, fmt.Errorf("unmarshal intent %s: %w", m.ID, err)
		}
		msgs = append(msgs, m)
		reasons = append(reasons, reason)
	}
	return msgs, reasons, rows.Err()
}

// backoff computes the exponential delay for an attempt count, with jitter
// so synchronized dispatchers spread out.
func (s *Store) backoff(attempts int) time.Duration {
	delay := s.cfg.BackoffBase
	for i := 1; i < attempts; i++ {
		delay *= 2
		if delay >= s.cfg.BackoffMax {
			delay = s.cfg.BackoffMax
			break
		}
	}
	jitter := 0.8 + 0.4*rand.Float64()
	return time.Duration(float64(delay) * jitter)
}

// Close closes the database connection.
func (s *Store) Close() error { return s.db.Close() }

// Fanout adapts the store to the bridge's enqueuer interface, writing one
// message per configured channel.
type Fanout struct {
	Store    *Store
	Channels []string
	TTL      time.Duration
}

// Enqueue writes the intent for every channel. Accepted when at least one
// channel accepted it.
func (f Fanout) Enqueue(ctx context.Context, intent notify.Intent) (bool, error) {
	accepted := false
	for _, ch := range f.Channels {
		ok, err := f.Store.Enqueue(ctx, ch, intent, f.TTL)
		if err != nil {
			return accepted, err
		}
		accepted = accepted || ok
	}
	return accepted, nil
}
