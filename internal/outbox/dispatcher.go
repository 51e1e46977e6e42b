package outbox

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc/pool"

	"github.com/fenggeHu/pybt/internal/metrics"
	"github.com/fenggeHu/pybt/internal/notify"
)

// DispatcherConfig tunes the delivery loop.
type DispatcherConfig struct {
	// Workers is the number of concurrent sends per poll cycle.
	Workers int
	// BatchSize is the maximum lease batch per poll.
	BatchSize int
	// PollInterval is the idle wait between polls.
	PollInterval time.Duration
	// LeaseTTL is how long a claimed message stays invisible to other
	// dispatchers.
	LeaseTTL time.Duration
	// SendTimeout bounds a single channel send.
	SendTimeout time.Duration
}

// DefaultDispatcherConfig returns the default delivery settings.
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		Workers:      4,
		BatchSize:    32,
		PollInterval: time.Second,
		LeaseTTL:     30 * time.Second,
		SendTimeout:  10 * time.Second,
	}
}

// Dispatcher drains the outbox: it leases pending messages, routes each to
// its channel adapter, and records the outcome. Any delivery failure leaves
// the message in the store for a later attempt, so crash-restart loses
// nothing.
type Dispatcher struct {
	store    *Store
	channels map[string]notify.ChannelAdapter
	cfg      DispatcherConfig
	logger   *slog.Logger
	recorder *metrics.Recorder
	leaseID  string
}

// NewDispatcher creates a dispatcher over the given channels.
func NewDispatcher(store *Store, channels []notify.ChannelAdapter, cfg DispatcherConfig, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultDispatcherConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = def.LeaseTTL
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = def.SendTimeout
	}

	byName := make(map[string]notify.ChannelAdapter, len(channels))
	for _, ch := range channels {
		byName[ch.Name()] = ch
	}
	return &Dispatcher{
		store:    store,
		channels: byName,
		cfg:      cfg,
		logger:   logger.With("component", "outbox"),
		leaseID:  uuid.NewString(),
	}
}

// WithRecorder attaches delivery instrumentation.
func (d *Dispatcher) WithRecorder(rec *metrics.Recorder) *Dispatcher {
	d.recorder = rec
	return d
}

// Run polls until ctx is canceled. In-flight sends finish before it returns.
func (d *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	for {
		d.cycle(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// cycle performs one recover-lease-deliver pass.
func (d *Dispatcher) cycle(ctx context.Context) {
	if n, err := d.store.RecoverExpired(ctx); err != nil {
		d.logger.Warn("recover expired leases", "error", err)
	} else if n > 0 {
		d.logger.Info("recovered expired leases", "count", n)
	}

	msgs, err := d.store.Lease(ctx, d.leaseID, d.cfg.BatchSize, d.cfg.LeaseTTL)
	if err != nil {
		d.logger.Warn("lease batch", "error", err)
		return
	}
	if len(msgs) == 0 {
		return
	}

	p := pool.New().WithMaxGoroutines(d.cfg.Workers)
	for _, msg := range msgs {
		msg := msg
		p.Go(func() { d.deliver(ctx, msg) })
	}
	p.Wait()
}

// deliver sends one message and records the outcome in the store.
func (d *Dispatcher) deliver(ctx context.Context, msg Message) {
	adapter, ok := d.channels[msg.Channel]
	if !ok {
		if err := d.store.MarkDead(ctx, msg, "no adapter for channel "+msg.Channel); err != nil {
			d.logger.Warn("mark dead", "id", msg.ID, "error", err)
		}
		return
	}

	sendCtx, cancel := context.WithTimeout(ctx, d.cfg.SendTimeout)
	started := time.Now()
	res := adapter.Send(sendCtx, msg.Intent)
	cancel()
	d.recorder.RecordDelivery(msg.Channel, outcomeLabel(res.Status), time.Since(started))

	switch res.Status {
	case notify.StatusOK:
		if err := d.store.MarkSent(ctx, msg); err != nil {
			d.logger.Warn("mark sent", "id", msg.ID, "channel", msg.Channel, "error", err)
		}
	case notify.StatusRetryable:
		d.logger.Warn("delivery failed",
			"id", msg.ID, "channel", msg.Channel,
			"attempt", msg.Attempts+1, "reason", res.Reason)
		if err := d.store.MarkFailed(ctx, msg, res.Reason, res.RetryAfter); err != nil {
			d.logger.Warn("mark failed", "id", msg.ID, "channel", msg.Channel, "error", err)
		}
	case notify.StatusPermanent:
		d.logger.Error("delivery rejected",
			"id", msg.ID, "channel", msg.Channel, "reason", res.Reason)
		if err := d.store.MarkDead(ctx, msg, res.Reason); err != nil {
			d.logger.Warn("mark dead", "id", msg.ID, "channel", msg.Channel, "error", err)
		}
	}
}

func outcomeLabel(s notify.Status) string {
	switch s {
	case notify.StatusOK:
		return "ok"
	case notify.StatusRetryable:
		return "retryable"
	default:
		return "permanent"
	}
}

// DrainOnce runs a single delivery pass. Used on shutdown to flush what is
// already queued without waiting a full poll interval.
func (d *Dispatcher) DrainOnce(ctx context.Context) {
	d.cycle(ctx)
}
