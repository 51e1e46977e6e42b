package run

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/fenggeHu/pybt/internal/event"
	"github.com/fenggeHu/pybt/internal/metrics"
)

// Fanout duplicates one run's event stream to any number of observers. Each
// subscriber gets a buffered channel; a subscriber that stops draining is
// dropped rather than allowed to stall the run. Late joiners are seeded with
// the ring of recent events.
type Fanout struct {
	mu     sync.Mutex
	ring   []StoredEvent
	size   int
	subs   map[string]chan StoredEvent
	closed bool
	logger *slog.Logger
}

// NewFanout creates a fanout keeping the last size events for replay.
func NewFanout(size int, logger *slog.Logger) *Fanout {
	if size <= 0 {
		size = 256
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Fanout{
		size:   size,
		subs:   make(map[string]chan StoredEvent),
		logger: logger,
	}
}

// Subscribe registers an observer. The returned channel carries the ring of
// recent events first, then live events. The cancel func detaches the
// observer and closes its channel.
func (f *Fanout) Subscribe(id string, buffer int) (<-chan StoredEvent, func()) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if buffer < f.size {
		buffer = f.size
	}
	ch := make(chan StoredEvent, buffer+f.size)
	for _, ev := range f.ring {
		ch <- ev
	}
	if f.closed {
		close(ch)
		return ch, func() {}
	}
	f.subs[id] = ch
	return ch, func() { f.drop(id) }
}

// Publish appends to the ring and offers the event to every subscriber
// without blocking. A subscriber with a full buffer is dropped.
func (f *Fanout) Publish(ev StoredEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}

	f.ring = append(f.ring, ev)
	if len(f.ring) > f.size {
		f.ring = f.ring[len(f.ring)-f.size:]
	}

	for id, ch := range f.subs {
		select {
		case ch <- ev:
		default:
			f.logger.Warn("dropping slow event subscriber", "subscriber", id)
			delete(f.subs, id)
			close(ch)
		}
	}
}

// Close detaches all subscribers. Further publishes are ignored.
func (f *Fanout) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	for id, ch := range f.subs {
		delete(f.subs, id)
		close(ch)
	}
}

func (f *Fanout) drop(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ch, ok := f.subs[id]; ok {
		delete(f.subs, id)
		close(ch)
	}
}

// Subscribers returns the current observer count.
func (f *Fanout) Subscribers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

// Tap mirrors a run's bus traffic into the fanout and, when a store is set,
// the run_events table. It rides the reporter slot of the engine so it sees
// the same total order as every other stage.
type Tap struct {
	runID    string
	fanout   *Fanout
	store    *Store
	logger   *slog.Logger
	recorder *metrics.Recorder
}

// NewTap creates a tap for one run.
func NewTap(runID string, fanout *Fanout, store *Store, logger *slog.Logger) *Tap {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tap{runID: runID, fanout: fanout, store: store, logger: logger}
}

// WithRecorder attaches per-event instrumentation.
func (t *Tap) WithRecorder(rec *metrics.Recorder) *Tap {
	t.recorder = rec
	return t
}

// Wire subscribes the tap to every event kind.
func (t *Tap) Wire(bus *event.Bus) error {
	kinds := []event.Kind{
		event.KindMarket, event.KindSignal, event.KindOrder,
		event.KindFill, event.KindMetrics, event.KindRiskReject, event.KindSystem,
	}
	for _, kind := range kinds {
		if err := bus.Subscribe(kind, t.observe); err != nil {
			return err
		}
	}
	return nil
}

// record feeds the per-event counters. A nil recorder is a no-op.
func (t *Tap) record(e event.Event) {
	t.recorder.RecordEvent(e.Kind.String())
	switch p := e.Payload.(type) {
	case event.Signal:
		t.recorder.RecordSignal(p.StrategyID, p.Direction.String())
	case event.Fill:
		t.recorder.RecordFill(p.Symbol, p.Side.String())
	case event.RiskReject:
		t.recorder.RecordReject(p.Reason)
	}
}

// observe forwards one event. Serialization or persistence trouble is logged
// and swallowed: observation must never fail the run.
func (t *Tap) observe(e event.Event) error {
	t.record(e)
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		t.logger.Warn("marshal event payload", "kind", e.Kind.String(), "err", err)
		return nil
	}
	ev := StoredEvent{
		RunID:      t.runID,
		Seq:        e.Seq,
		Kind:       e.Kind.String(),
		Payload:    payload,
		OccurredAt: e.OccurredAt,
	}
	if t.fanout != nil {
		t.fanout.Publish(ev)
	}
	if t.store != nil {
		if err := t.store.AppendEvent(context.Background(), ev); err != nil {
			t.logger.Warn("persist run event", "seq", ev.Seq, "err", err)
		}
	}
	return nil
}
