package metrics

import (
	"time"

	"github.com/fenggeHu/pybt/internal/types"
)

// Recorder is the facade components record through. A nil *Recorder is a
// no-op, so instrumentation can be optional.
type Recorder struct{}

// NewRecorder creates a metrics recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// RunQueued notes a run entering the wait queue.
func (r *Recorder) RunQueued() {
	if r == nil {
		return
	}
	RunsQueued.Inc()
}

// RunStarted notes a run leaving the queue for an execution slot.
func (r *Recorder) RunStarted() {
	if r == nil {
		return
	}
	RunsQueued.Dec()
	RunsActive.Inc()
}

// RunFinished notes a run reaching a terminal status.
func (r *Recorder) RunFinished(status types.RunStatus, elapsed time.Duration) {
	if r == nil {
		return
	}
	RunsActive.Dec()
	RunsTotal.WithLabelValues(string(status)).Inc()
	RunDuration.Observe(elapsed.Seconds())
}

// RecordEvent counts one dispatched kernel event.
func (r *Recorder) RecordEvent(kind string) {
	if r == nil {
		return
	}
	EventsDispatched.WithLabelValues(kind).Inc()
}

// RecordSignal counts one strategy signal.
func (r *Recorder) RecordSignal(strategy, direction string) {
	if r == nil {
		return
	}
	SignalsGenerated.WithLabelValues(strategy, direction).Inc()
}

// RecordFill counts one fill.
func (r *Recorder) RecordFill(symbol, side string) {
	if r == nil {
		return
	}
	FillsTotal.WithLabelValues(symbol, side).Inc()
}

// RecordReject counts one risk rejection.
func (r *Recorder) RecordReject(reason string) {
	if r == nil {
		return
	}
	RejectsTotal.WithLabelValues(reason).Inc()
}

// SetOutboxCounts publishes the outbox depth by status.
func (r *Recorder) SetOutboxCounts(counts map[string]int) {
	if r == nil {
		return
	}
	for status, n := range counts {
		OutboxMessages.WithLabelValues(status).Set(float64(n))
	}
}

// RecordDelivery observes one notification send.
func (r *Recorder) RecordDelivery(channel, outcome string, elapsed time.Duration) {
	if r == nil {
		return
	}
	NotificationsDelivered.WithLabelValues(channel, outcome).Inc()
	DeliveryLatency.WithLabelValues(channel).Observe(elapsed.Seconds())
}
