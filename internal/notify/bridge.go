package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/fenggeHu/pybt/internal/event"
	"github.com/fenggeHu/pybt/internal/types"
)

// Enqueuer accepts intents for durable delivery. Accepted reports whether
// the intent was stored or collapsed by its dedupe key.
type Enqueuer interface {
	Enqueue(ctx context.Context, intent Intent) (accepted bool, err error)
}

// BridgeConfig configures the signal bridge.
type BridgeConfig struct {
	// MinSeverity drops intents below this level before they reach the
	// outbox.
	MinSeverity Severity
	// DedupeTTL is the window within which identical signal intents
	// collapse. Zero means 5 minutes.
	DedupeTTL time.Duration
}

// Bridge converts bus events into notification intents and hands them to the
// outbox. Enqueue failures are logged and never disturb the run; delivery is
// the dispatcher's problem.
type Bridge struct {
	cfg     BridgeConfig
	logger  *slog.Logger
	ctx     context.Context
	outbox  Enqueuer
	dropped int64
}

// NewBridge creates a bridge feeding the given enqueuer.
func NewBridge(cfg BridgeConfig, outbox Enqueuer, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.DedupeTTL <= 0 {
		cfg.DedupeTTL = 5 * time.Minute
	}
	return &Bridge{cfg: cfg, logger: logger, ctx: context.Background(), outbox: outbox}
}

// WithContext sets the context passed to enqueue calls.
func (b *Bridge) WithContext(ctx context.Context) *Bridge {
	b.ctx = ctx
	return b
}

// Wire subscribes the bridge on the bus.
func (b *Bridge) Wire(bus *event.Bus) error {
	if err := bus.Subscribe(event.KindSignal, b.onSignal); err != nil {
		return err
	}
	if err := bus.Subscribe(event.KindFill, b.onFill); err != nil {
		return err
	}
	if err := bus.Subscribe(event.KindRiskReject, b.onRiskReject); err != nil {
		return err
	}
	return bus.Subscribe(event.KindSystem, b.onSystem)
}

// Dropped returns how many intents were filtered by severity.
func (b *Bridge) Dropped() int64 { return b.dropped }

// bucket floors a timestamp to the dedupe window, so identical signals
// within one window share a key.
func (b *Bridge) bucket(at time.Time) int64 {
	ttl := int64(b.cfg.DedupeTTL / time.Second)
	if ttl < 1 {
		// Sub-second TTLs collapse within one second at most.
		ttl = 1
	}
	return at.Unix() / ttl
}

func (b *Bridge) submit(intent Intent) error {
	if intent.Severity < b.cfg.MinSeverity {
		b.dropped++
		return nil
	}
	accepted, err := b.outbox.Enqueue(b.ctx, intent)
	if err != nil {
		// Notification loss must not fail the run.
		b.logger.Warn("notification enqueue failed",
			"dedupe_key", intent.DedupeKey,
			"err", err,
		)
		return nil
	}
	if !accepted {
		b.logger.Debug("notification deduplicated", "dedupe_key", intent.DedupeKey)
	}
	return nil
}

func (b *Bridge) onSignal(e event.Event) error {
	sig, ok := e.Payload.(event.Signal)
	if !ok {
		return fmt.Errorf("%w: signal payload %T", types.ErrUnknownType, e.Payload)
	}
	return b.submit(Intent{
		ID:         uuid.NewString(),
		RunID:      e.RunID,
		StrategyID: sig.StrategyID,
		Symbol:     sig.Symbol,
		Severity:   SeverityInfo,
		Title:      fmt.Sprintf("Signal %s %s", sig.Direction, sig.Symbol),
		Body:       sig.Reason,
		Fields: map[string]string{
			"strategy":  sig.StrategyID,
			"direction": sig.Direction.String(),
			"strength":  sig.Strength.String(),
		},
		DedupeKey: fmt.Sprintf("%s:%s:%s:%d:%s",
			e.RunID, sig.StrategyID, sig.Symbol, b.bucket(e.OccurredAt), sig.Direction),
		OccurredAt: e.OccurredAt,
	})
}

func (b *Bridge) onFill(e event.Event) error {
	fill, ok := e.Payload.(event.Fill)
	if !ok {
		return fmt.Errorf("%w: fill payload %T", types.ErrUnknownType, e.Payload)
	}
	return b.submit(Intent{
		ID:       uuid.NewString(),
		RunID:    e.RunID,
		Symbol:   fill.Symbol,
		Severity: SeverityInfo,
		Title:    fmt.Sprintf("Fill %s %d %s @ %s", fill.Side, fill.Quantity, fill.Symbol, fill.Price.StringFixed(4)),
		Fields: map[string]string{
			"order":      fill.OrderID,
			"commission": fill.Commission.StringFixed(4),
			"remaining":  fmt.Sprintf("%d", fill.Remaining),
		},
		// Fills are keyed by order and remaining quantity: every partial is
		// distinct, re-observing the same fill is not.
		DedupeKey:  fmt.Sprintf("%s:fill:%s:%d", e.RunID, fill.OrderID, fill.Remaining),
		OccurredAt: e.OccurredAt,
	})
}

func (b *Bridge) onRiskReject(e event.Event) error {
	rej, ok := e.Payload.(event.RiskReject)
	if !ok {
		return fmt.Errorf("%w: risk reject payload %T", types.ErrUnknownType, e.Payload)
	}
	return b.submit(Intent{
		ID:         uuid.NewString(),
		RunID:      e.RunID,
		StrategyID: rej.StrategyID,
		Symbol:     rej.Symbol,
		Severity:   SeverityWarning,
		Title:      fmt.Sprintf("Signal rejected for %s", rej.Symbol),
		Body:       rej.Reason,
		Fields: map[string]string{
			"strategy": rej.StrategyID,
		},
		DedupeKey:  fmt.Sprintf("%s:reject:%s", e.RunID, rej.SignalID),
		OccurredAt: e.OccurredAt,
	})
}

func (b *Bridge) onSystem(e event.Event) error {
	sys, ok := e.Payload.(event.System)
	if !ok {
		return fmt.Errorf("%w: system payload %T", types.ErrUnknownType, e.Payload)
	}
	return b.submit(Intent{
		ID:       uuid.NewString(),
		RunID:    e.RunID,
		Symbol:   sys.Symbol,
		Severity: SeverityWarning,
		Title:    fmt.Sprintf("Feed %s", sys.Class),
		Body:     sys.Detail,
		DedupeKey: fmt.Sprintf("%s:system:%s:%s:%d",
			e.RunID, sys.Class, sys.Symbol, b.bucket(e.OccurredAt)),
		OccurredAt: e.OccurredAt,
	})
}

// RunLifecycle builds an intent for a run status change, used by the
// orchestrator outside any bus.
func RunLifecycle(runID string, status types.RunStatus, detail string) Intent {
	sev := SeverityInfo
	if status == types.RunFailed {
		sev = SeverityCritical
	}
	return Intent{
		ID:         uuid.NewString(),
		RunID:      runID,
		Severity:   sev,
		Title:      fmt.Sprintf("Run %s", status),
		Body:       detail,
		DedupeKey:  fmt.Sprintf("%s:lifecycle:%s", runID, status),
		OccurredAt: time.Now().UTC(),
	}
}
