package event

import (
	"errors"
	"fmt"
	"log/slog"
)

// Handler consumes one event. Returning an error wrapped with Fatal aborts
// the drain; any other error is logged and the handler is skipped for that
// event.
type Handler func(Event) error

// ErrReentrantDrain is returned when a handler calls Drain from inside an
// active drain.
var ErrReentrantDrain = errors.New("re-entrant drain")

// ErrSubscribeDuringDrain is returned when Subscribe is called while
// dispatch is active.
var ErrSubscribeDuringDrain = errors.New("subscribe during active drain")

type fatalError struct{ err error }

func (f fatalError) Error() string { return f.err.Error() }
func (f fatalError) Unwrap() error { return f.err }

// Fatal marks a handler error as fatal to the drain.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return fatalError{err: err}
}

// IsFatal reports whether a handler error was marked fatal.
func IsFatal(err error) bool {
	var f fatalError
	return errors.As(err, &f)
}

// Bus is a single-threaded synchronous FIFO dispatcher. One bus lives inside
// one engine instance; it is not safe for concurrent use, which is the point:
// every run is bit-for-bit reproducible given the same inputs.
type Bus struct {
	runID    string
	traceID  string
	logger   *slog.Logger
	handlers map[Kind][]Handler

	queue     []Event
	head      int
	seq       uint64
	symbolSeq map[string]uint64
	draining  bool
}

// NewBus creates a bus stamping events with the given run and trace ids.
func NewBus(runID, traceID string, logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		runID:     runID,
		traceID:   traceID,
		logger:    logger,
		handlers:  make(map[Kind][]Handler),
		symbolSeq: make(map[string]uint64),
	}
}

// Subscribe registers a handler for one event kind. Handlers for a kind are
// invoked in registration order. Subscribing while dispatch is active fails.
func (b *Bus) Subscribe(kind Kind, h Handler) error {
	if b.draining {
		return ErrSubscribeDuringDrain
	}
	b.handlers[kind] = append(b.handlers[kind], h)
	return nil
}

// Publish stamps the envelope and appends it to the queue. Events published
// by handlers during a drain are dispatched within the same drain call.
func (b *Bus) Publish(e Event) {
	b.seq++
	e.Seq = b.seq
	if e.RunID == "" {
		e.RunID = b.runID
	}
	if e.TraceID == "" {
		e.TraceID = b.traceID
	}
	if m, ok := e.Payload.(Market); ok {
		b.symbolSeq[m.Bar.Symbol]++
		e.SymbolSeq = b.symbolSeq[m.Bar.Symbol]
	}
	b.queue = append(b.queue, e)
}

// Pending returns the number of events queued and not yet dispatched.
func (b *Bus) Pending() int {
	return len(b.queue) - b.head
}

// Drain dequeues events in FIFO order and invokes every handler registered
// on each event's kind. Returns when the queue is empty, or early with the
// first fatal handler error.
func (b *Bus) Drain() error {
	if b.draining {
		return ErrReentrantDrain
	}
	b.draining = true
	defer func() {
		b.draining = false
		b.queue = b.queue[:0]
		b.head = 0
	}()

	for b.head < len(b.queue) {
		e := b.queue[b.head]
		b.head++
		for _, h := range b.handlers[e.Kind] {
			if err := h(e); err != nil {
				if IsFatal(err) {
					return fmt.Errorf("dispatch %s seq=%d: %w", e.Kind, e.Seq, err)
				}
				b.logger.Warn("handler error, skipping",
					"kind", e.Kind.String(),
					"seq", e.Seq,
					"err", err,
				)
			}
		}
	}
	return nil
}
