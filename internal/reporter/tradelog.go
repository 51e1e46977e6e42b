package reporter

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/shopspring/decimal"

	"github.com/fenggeHu/pybt/internal/event"
	"github.com/fenggeHu/pybt/internal/types"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// FillRecord is the persisted form of one fill.
type FillRecord struct {
	RunID      string          `json:"run_id"`
	OrderID    string          `json:"order_id"`
	Symbol     string          `json:"symbol"`
	Side       string          `json:"side"`
	Quantity   int64           `json:"quantity"`
	Price      decimal.Decimal `json:"price"`
	Commission decimal.Decimal `json:"commission"`
	Slippage   decimal.Decimal `json:"slippage"`
	Remaining  int64           `json:"remaining"`
	Timestamp  time.Time       `json:"timestamp"`
}

// Sink persists fill records.
type Sink interface {
	Append(rec FillRecord) error
	Close() error
}

// TradeLog streams every fill to its sinks. Sink failures are logged and the
// run continues; the log is best-effort relative to in-memory state.
type TradeLog struct {
	logger *slog.Logger
	sinks  []Sink
}

// NewTradeLog creates a trade log over the given sinks.
func NewTradeLog(logger *slog.Logger, sinks ...Sink) *TradeLog {
	if logger == nil {
		logger = slog.Default()
	}
	return &TradeLog{logger: logger, sinks: sinks}
}

// Wire subscribes the log on fill events.
func (l *TradeLog) Wire(bus *event.Bus) error {
	return bus.Subscribe(event.KindFill, l.onFill)
}

func (l *TradeLog) onFill(e event.Event) error {
	fill, ok := e.Payload.(event.Fill)
	if !ok {
		return fmt.Errorf("%w: fill payload %T", types.ErrUnknownType, e.Payload)
	}
	rec := FillRecord{
		RunID:      e.RunID,
		OrderID:    fill.OrderID,
		Symbol:     fill.Symbol,
		Side:       fill.Side.String(),
		Quantity:   fill.Quantity,
		Price:      fill.Price,
		Commission: fill.Commission,
		Slippage:   fill.Slippage,
		Remaining:  fill.Remaining,
		Timestamp:  fill.Timestamp,
	}
	for _, sink := range l.sinks {
		if err := sink.Append(rec); err != nil {
			l.logger.Warn("trade log append failed", "order", fill.OrderID, "err", err)
		}
	}
	return nil
}

// Close closes all sinks.
func (l *TradeLog) Close() error {
	var first error
	for _, sink := range l.sinks {
		if err := sink.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// FileSink appends JSON lines to a file.
type FileSink struct {
	f   *os.File
	enc *json.Encoder
}

// NewFileSink opens path for append, creating it when missing.
func NewFileSink(path string) (*FileSink, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open trade log: %w", err)
	}
	return &FileSink{f: f, enc: json.NewEncoder(f)}, nil
}

// Append writes one record as a JSON line.
func (s *FileSink) Append(rec FillRecord) error {
	return s.enc.Encode(rec)
}

// Close closes the file.
func (s *FileSink) Close() error { return s.f.Close() }

// SQLiteSink persists fills to a sqlite table, decimals stored as TEXT.
type SQLiteSink struct {
	db *sql.DB
}

// NewSQLiteSink opens or creates the fills table at path.
func NewSQLiteSink(path string) (*SQLiteSink, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &SQLiteSink{db: db}
	if err := s.migrate(context.Background()); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *SQLiteSink) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS fills (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			order_id TEXT NOT NULL,
			symbol TEXT NOT NULL,
			side TEXT NOT NULL,
			quantity INTEGER NOT NULL,
			price TEXT NOT NULL,
			commission TEXT NOT NULL,
			slippage TEXT NOT NULL,
			remaining INTEGER NOT NULL,
			timestamp DATETIME NOT NULL,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_fills_run ON fills(run_id)`,
		`CREATE INDEX IF NOT EXISTS idx_fills_symbol ON fills(symbol)`,
	}
	for _, migration := range migrations {
		if _, err := s.db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("execute migration: %w", err)
		}
	}
	return nil
}

// Append inserts one fill row.
func (s *SQLiteSink) Append(rec FillRecord) error {
	query := `INSERT INTO fills (run_id, order_id, symbol, side, quantity, price, commission, slippage, remaining, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.Exec(query,
		rec.RunID,
		rec.OrderID,
		rec.Symbol,
		rec.Side,
		rec.Quantity,
		rec.Price.String(),
		rec.Commission.String(),
		rec.Slippage.String(),
		rec.Remaining,
		rec.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert fill: %w", err)
	}
	return nil
}

// Fills returns persisted fills for a run, oldest first.
func (s *SQLiteSink) Fills(ctx context.Context, runID string) ([]FillRecord, error) {
	query := `SELECT run_id, order_id, symbol, side, quantity, price, commission, slippage, remaining, timestamp
		FROM fills WHERE run_id = ? ORDER BY id`

	rows, err := s.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("query fills: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var recs []FillRecord
	for rows.Next() {
		var r FillRecord
		var price, commission, slippage string

		if err := rows.Scan(&r.RunID, &r.OrderID, &r.Symbol, &r.Side, &r.Quantity, &price, &commission, &slippage, &r.Remaining, &r.Timestamp); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		r.Price, _ = decimal.NewFromString(price)
		r.Commission, _ = decimal.NewFromString(commission)
		r.Slippage, _ = decimal.NewFromString(slippage)
		recs = append(recs, r)
	}
	return recs, rows.Err()
}

// Close closes the database connection.
func (s *SQLiteSink) Close() error { return s.db.Close() }
