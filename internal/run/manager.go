package run

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fenggeHu/pybt/internal/config"
	"github.com/fenggeHu/pybt/internal/engine"
	"github.com/fenggeHu/pybt/internal/metrics"
	"github.com/fenggeHu/pybt/internal/notify"
	"github.com/fenggeHu/pybt/internal/reporter"
	"github.com/fenggeHu/pybt/internal/strategy"
	"github.com/fenggeHu/pybt/internal/types"
)

// progressFlushEvery bounds how often per-run counters hit the database.
const progressFlushEvery = 50

// ManagerConfig tunes admission and cancellation.
type ManagerConfig struct {
	// MaxConcurrent is how many runs execute at once.
	MaxConcurrent int
	// QueueSize is the wait queue capacity; overflow rejects submission.
	QueueSize int
	// CancelGrace is how long Cancel waits for a cooperative stop before
	// force-marking the run.
	CancelGrace time.Duration
	// EventBuffer sizes each run's fan-out ring.
	EventBuffer int
}

// DefaultManagerConfig returns the default admission settings.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		MaxConcurrent: 2,
		QueueSize:     16,
		CancelGrace:   5 * time.Second,
		EventBuffer:   256,
	}
}

type handle struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Manager admits, executes, cancels, and streams runs. Each admitted run gets
// its own engine, built from the submitted document, executing on a worker
// goroutine with panic isolation.
type Manager struct {
	cfg      ManagerConfig
	store    *Store
	registry *strategy.Registry
	logger   *slog.Logger
	recorder *metrics.Recorder

	// Notification plumbing, optional. When set, each run gets a bridge
	// wired onto its bus and lifecycle intents on start/finish.
	enqueuer  notify.Enqueuer
	bridgeCfg notify.BridgeConfig

	ctx    context.Context
	stop   context.CancelFunc
	queue  chan string
	sem    chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
	active map[string]*handle
	taps   map[string]*Fanout
}

// ManagerOption customizes a manager.
type ManagerOption func(*Manager)

// WithNotifications wires lifecycle and kernel notifications through the
// given enqueuer.
func WithNotifications(enqueuer notify.Enqueuer, cfg notify.BridgeConfig) ManagerOption {
	return func(m *Manager) {
		m.enqueuer = enqueuer
		m.bridgeCfg = cfg
	}
}

// WithRecorder attaches metrics instrumentation.
func WithRecorder(rec *metrics.Recorder) ManagerOption {
	return func(m *Manager) { m.recorder = rec }
}

// NewManager creates a manager. Orphaned runs from a previous process are
// marked failed before any new work is admitted.
func NewManager(store *Store, registry *strategy.Registry, cfg ManagerConfig, logger *slog.Logger, opts ...ManagerOption) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultManagerConfig()
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = def.MaxConcurrent
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.CancelGrace <= 0 {
		cfg.CancelGrace = def.CancelGrace
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = def.EventBuffer
	}

	recovered, err := store.RecoverOrphans(context.Background())
	if err != nil {
		return nil, fmt.Errorf("recover orphaned runs: %w", err)
	}
	if recovered > 0 {
		logger.Warn("marked orphaned runs failed", "count", recovered)
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		cfg:      cfg,
		store:    store,
		registry: registry,
		logger:   logger.With("component", "run_manager"),
		ctx:      ctx,
		stop:     cancel,
		queue:    make(chan string, cfg.QueueSize),
		sem:      make(chan struct{}, cfg.MaxConcurrent),
		active:   make(map[string]*handle),
		taps:     make(map[string]*Fanout),
	}
	for _, opt := range opts {
		opt(m)
	}

	m.wg.Add(1)
	go m.schedule()
	return m, nil
}

// Submit validates the document, persists a pending run, and queues it.
// Returns ErrResourceExhausted when the wait queue is full and
// ErrInvalidConfig when the document does not validate. Pass
// config.WithLenientFields to accept documents with unknown fields.
func (m *Manager) Submit(ctx context.Context, name string, doc []byte, opts ...config.LoadOption) (string, error) {
	cfg, err := config.LoadFromBytes(doc, opts...)
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.queue) == cap(m.queue) {
		return "", fmt.Errorf("%w: run queue full (%d waiting)", types.ErrResourceExhausted, cap(m.queue))
	}

	id := cfg.Run.ID
	if id == "" {
		id = uuid.NewString()
	}
	if _, err := m.store.Create(ctx, id, name, string(doc)); err != nil {
		return "", err
	}
	m.queue <- id
	m.recorder.RunQueued()
	m.logger.Info("run submitted", "run_id", id, "name", name, "queued", len(m.queue))
	return id, nil
}

// schedule moves runs from the queue into execution slots, FIFO.
func (m *Manager) schedule() {
	defer m.wg.Done()
	for {
		select {
		case <-m.ctx.Done():
			return
		case id := <-m.queue:
			select {
			case <-m.ctx.Done():
				return
			case m.sem <- struct{}{}:
			}
			m.wg.Add(1)
			go m.work(id)
		}
	}
}

// work executes one run to a terminal status. Panics inside the worker mark
// the run failed instead of taking the process down.
func (m *Manager) work(id string) {
	started := time.Now()
	runCtx, cancel := context.WithCancel(m.ctx)
	fanout := NewFanout(m.cfg.EventBuffer, m.logger)
	h := &handle{cancel: cancel, done: make(chan struct{})}

	m.mu.Lock()
	m.active[id] = h
	m.taps[id] = fanout
	m.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("run worker panic", "run_id", id, "panic", r)
			m.finish(id, types.RunFailed, string(engine.FailureInternal), fmt.Sprintf("worker panic: %v", r), started)
		}
		m.mu.Lock()
		delete(m.active, id)
		delete(m.taps, id)
		m.mu.Unlock()
		fanout.Close()
		close(h.done)
		cancel()
		<-m.sem
		m.wg.Done()
	}()

	// Cancel may have landed while the run was queued.
	if err := m.store.Transition(runCtx, id, types.RunRunning, "", ""); err != nil {
		m.logger.Info("run not startable", "run_id", id, "err", err)
		return
	}
	m.recorder.RunStarted()
	m.notifyLifecycle(id, types.RunRunning, "")

	rec, err := m.store.Get(runCtx, id)
	if err != nil {
		m.finish(id, types.RunFailed, string(engine.FailureInternal), err.Error(), started)
		return
	}

	result, runErr := m.execute(runCtx, id, rec.Config, fanout)
	if result != nil {
		if err := m.store.UpdateProgress(context.Background(), id, result.Bars, result.TotalBars, result.Signals, result.Fills); err != nil {
			m.logger.Warn("persist final progress", "run_id", id, "err", err)
		}
	}

	if runErr == nil {
		detail := ""
		if result != nil {
			detail = fmt.Sprintf("%d bars, %d signals, %d fills", result.Bars, result.Signals, result.Fills)
		}
		m.finish(id, types.RunSucceeded, "", detail, started)
		return
	}

	failure := engine.Classify(runErr)
	status := types.RunFailed
	if failure == engine.FailureCanceled {
		status = types.RunCanceled
	}
	m.finish(id, status, string(failure), runErr.Error(), started)
}

// execute builds the engine from the stored document and drives it. The
// document already passed strictness checks at submit time, so unknown
// fields are tolerated here.
func (m *Manager) execute(ctx context.Context, id, doc string, fanout *Fanout) (*engine.Result, error) {
	cfg, err := config.LoadFromBytes([]byte(doc), config.WithLenientFields())
	if err != nil {
		return nil, &engine.RunError{Failure: engine.FailureConfig, Err: err}
	}
	cfg.Run.ID = id

	logger := m.logger.With("run_id", id)
	extras := []reporter.Reporter{NewTap(id, fanout, m.store, logger).WithRecorder(m.recorder)}
	if m.enqueuer != nil {
		extras = append(extras, notify.NewBridge(m.bridgeCfg, m.enqueuer, logger).WithContext(ctx))
	}

	progress := func(p engine.Progress) {
		if p.Bars%progressFlushEvery == 0 {
			if err := m.store.UpdateProgress(context.Background(), id, p.Bars, p.TotalBars, p.Signals, p.Fills); err != nil {
				logger.Warn("persist progress", "err", err)
			}
		}
	}

	asm, err := cfg.BuildEngine(m.registry, logger, progress, extras...)
	if err != nil {
		if errors.Is(err, types.ErrInvalidConfig) || errors.Is(err, types.ErrUnknownType) {
			return nil, &engine.RunError{Failure: engine.FailureConfig, Err: err}
		}
		return nil, &engine.RunError{Failure: engine.FailureFeed, Err: err}
	}
	defer func() {
		if err := asm.Close(); err != nil {
			logger.Warn("close run resources", "err", err)
		}
	}()

	return asm.Engine.Run(ctx)
}

// finish records the terminal status and emits the lifecycle notification.
func (m *Manager) finish(id string, status types.RunStatus, failure, detail string, started time.Time) {
	if err := m.store.Transition(context.Background(), id, status, failure, detail); err != nil {
		// A forced cancel mark may have won the race.
		if !errors.Is(err, types.ErrRunTerminal) {
			m.logger.Warn("record terminal status", "run_id", id, "status", status, "err", err)
		}
	}
	m.recorder.RunFinished(status, time.Since(started))
	m.logger.Info("run finished", "run_id", id, "status", status, "failure", failure)
	m.notifyLifecycle(id, status, detail)
}

func (m *Manager) notifyLifecycle(id string, status types.RunStatus, detail string) {
	if m.enqueuer == nil {
		return
	}
	if _, err := m.enqueuer.Enqueue(context.Background(), notify.RunLifecycle(id, status, detail)); err != nil {
		m.logger.Warn("enqueue lifecycle notification", "run_id", id, "err", err)
	}
}

// Cancel requests a cooperative stop. If the run does not reach a terminal
// status within the grace period it is force-marked canceled; the worker's
// own terminal write then loses the race and is ignored.
func (m *Manager) Cancel(ctx context.Context, id string) error {
	m.mu.Lock()
	h, running := m.active[id]
	m.mu.Unlock()

	if !running {
		// Still queued, or unknown. A pending run cancels directly.
		return m.store.Transition(ctx, id, types.RunCanceled, string(engine.FailureCanceled), "canceled before start")
	}

	h.cancel()
	select {
	case <-h.done:
		return nil
	case <-time.After(m.cfg.CancelGrace):
	case <-ctx.Done():
		return ctx.Err()
	}

	m.logger.Warn("cancel grace exceeded, force-marking", "run_id", id)
	err := m.store.Transition(ctx, id, types.RunCanceled, string(engine.FailureCanceled), "cancel grace exceeded")
	if errors.Is(err, types.ErrRunTerminal) {
		return nil
	}
	return err
}

// Stream attaches an observer to a run's live event feed. For a finished run
// the stored history is replayed instead. The cancel func detaches.
func (m *Manager) Stream(ctx context.Context, id, subscriber string) (<-chan StoredEvent, func(), error) {
	m.mu.Lock()
	fanout, running := m.taps[id]
	m.mu.Unlock()

	if running {
		ch, cancel := fanout.Subscribe(subscriber, m.cfg.EventBuffer)
		return ch, cancel, nil
	}

	if _, err := m.store.Get(ctx, id); err != nil {
		return nil, nil, err
	}
	evs, err := m.store.Events(ctx, id, 0, 0)
	if err != nil {
		return nil, nil, err
	}
	ch := make(chan StoredEvent, len(evs))
	for _, ev := range evs {
		ch <- ev
	}
	close(ch)
	return ch, func() {}, nil
}

// Get returns one run record.
func (m *Manager) Get(ctx context.Context, id string) (Record, error) {
	return m.store.Get(ctx, id)
}

// List returns all run records.
func (m *Manager) List(ctx context.Context) ([]Record, error) {
	return m.store.List(ctx)
}

// Close stops admitting work, cancels active runs, and waits for workers.
func (m *Manager) Close() {
	m.stop()
	m.mu.Lock()
	for _, h := range m.active {
		h.cancel()
	}
	m.mu.Unlock()
	m.wg.Wait()
}
