package run

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fenggeHu/pybt/internal/config"
	"github.com/fenggeHu/pybt/internal/strategy"
	"github.com/fenggeHu/pybt/internal/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(filepath.Join(t.TempDir(), "runs.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStore_LifecycleTransitions(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	rec, err := s.Create(ctx, "r1", "smoke", "run: {}")
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != types.RunPending {
		t.Fatalf("status = %s", rec.Status)
	}

	if err := s.Transition(ctx, "r1", types.RunRunning, "", ""); err != nil {
		t.Fatal(err)
	}
	if err := s.Transition(ctx, "r1", types.RunSucceeded, "", "5 bars"); err != nil {
		t.Fatal(err)
	}

	// Terminal states admit nothing further.
	err = s.Transition(ctx, "r1", types.RunCanceled, "", "")
	if !errors.Is(err, types.ErrRunTerminal) {
		t.Errorf("transition after terminal = %v", err)
	}

	got, err := s.Get(ctx, "r1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != types.RunSucceeded || got.Finished == nil {
		t.Errorf("record = %+v", got)
	}
}

func TestStore_GetUnknownRun(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Get(context.Background(), "nope")
	if !errors.Is(err, types.ErrRunNotFound) {
		t.Errorf("err = %v", err)
	}
}

func TestStore_RecoverOrphans(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	if _, err := s.Create(ctx, "r1", "", "run: {}"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Create(ctx, "r2", "", "run: {}"); err != nil {
		t.Fatal(err)
	}
	if err := s.Transition(ctx, "r2", types.RunRunning, "", ""); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Create(ctx, "r3", "", "run: {}"); err != nil {
		t.Fatal(err)
	}
	if err := s.Transition(ctx, "r3", types.RunRunning, "", ""); err != nil {
		t.Fatal(err)
	}
	if err := s.Transition(ctx, "r3", types.RunSucceeded, "", ""); err != nil {
		t.Fatal(err)
	}

	n, err := s.RecoverOrphans(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("recovered %d, want 2 (the pending and the running)", n)
	}

	for _, id := range []string{"r1", "r2"} {
		rec, err := s.Get(ctx, id)
		if err != nil {
			t.Fatal(err)
		}
		if rec.Status != types.RunFailed || rec.Failure != "internal_error" {
			t.Errorf("%s = %s/%s", id, rec.Status, rec.Failure)
		}
	}
	rec, _ := s.Get(ctx, "r3")
	if rec.Status != types.RunSucceeded {
		t.Errorf("finished run touched by recovery: %s", rec.Status)
	}
}

func TestStore_ProgressFraction(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	if _, err := s.Create(ctx, "r1", "", "run: {}"); err != nil {
		t.Fatal(err)
	}
	if err := s.UpdateProgress(ctx, "r1", 2, 4, 1, 0); err != nil {
		t.Fatal(err)
	}

	rec, err := s.Get(ctx, "r1")
	if err != nil {
		t.Fatal(err)
	}
	if rec.Bars != 2 || rec.TotalBars != 4 {
		t.Errorf("counters = %d/%d, want 2/4", rec.Bars, rec.TotalBars)
	}
	if rec.Progress() != 0.5 {
		t.Errorf("progress = %f, want 0.5", rec.Progress())
	}

	// Unsized feeds report zero total and an undefined fraction of zero.
	if err := s.UpdateProgress(ctx, "r1", 7, 0, 1, 0); err != nil {
		t.Fatal(err)
	}
	rec, err = s.Get(ctx, "r1")
	if err != nil {
		t.Fatal(err)
	}
	if rec.Progress() != 0 {
		t.Errorf("unsized progress = %f, want 0", rec.Progress())
	}
}

func TestStore_EventReplay(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	if _, err := s.Create(ctx, "r1", "", "run: {}"); err != nil {
		t.Fatal(err)
	}

	for seq := uint64(1); seq <= 3; seq++ {
		ev := StoredEvent{
			RunID: "r1", Seq: seq, Kind: "market",
			Payload:    json.RawMessage(`{"bar":{}}`),
			OccurredAt: time.Now().UTC(),
		}
		if err := s.AppendEvent(ctx, ev); err != nil {
			t.Fatal(err)
		}
		// Redelivery of the same seq is a no-op.
		if err := s.AppendEvent(ctx, ev); err != nil {
			t.Fatal(err)
		}
	}

	evs, err := s.Events(ctx, "r1", 2, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(evs) != 2 || evs[0].Seq != 2 || evs[1].Seq != 3 {
		t.Errorf("events = %+v", evs)
	}
}

func TestFanout_LateJoinerReplays(t *testing.T) {
	f := NewFanout(8, nil)
	for seq := uint64(1); seq <= 3; seq++ {
		f.Publish(StoredEvent{RunID: "r1", Seq: seq, Kind: "market"})
	}

	ch, cancel := f.Subscribe("late", 8)
	defer cancel()

	for want := uint64(1); want <= 3; want++ {
		select {
		case ev := <-ch:
			if ev.Seq != want {
				t.Fatalf("seq = %d, want %d", ev.Seq, want)
			}
		default:
			t.Fatalf("replay missing seq %d", want)
		}
	}

	f.Publish(StoredEvent{RunID: "r1", Seq: 4, Kind: "fill"})
	ev := <-ch
	if ev.Seq != 4 {
		t.Errorf("live seq = %d", ev.Seq)
	}
}

func TestFanout_SlowSubscriberDropped(t *testing.T) {
	f := NewFanout(2, nil)
	ch, cancel := f.Subscribe("slow", 1)
	defer cancel()

	// Nobody drains ch; once its buffer is full the subscriber goes away and
	// the channel closes rather than stalling publishers.
	for seq := uint64(1); seq <= 20; seq++ {
		f.Publish(StoredEvent{Seq: seq})
	}
	if f.Subscribers() != 0 {
		t.Fatalf("subscribers = %d, want slow one dropped", f.Subscribers())
	}

	drained := 0
	for range ch {
		drained++
	}
	if drained == 0 || drained > 19 {
		t.Errorf("drained %d buffered events before close", drained)
	}
}

// csvRunDoc returns a config document for a short deterministic backtest.
func csvRunDoc(t *testing.T) string {
	t.Helper()
	csvPath := filepath.Join(t.TempDir(), "bars.csv")
	csv := `timestamp,open,high,low,close,volume
2024-03-01T09:30:00Z,100,101,99,100,10000
2024-03-01T09:31:00Z,100,101,99,100,10000
2024-03-01T09:32:00Z,100,101,99,100,10000
2024-03-01T09:33:00Z,110,111,109,110,10000
2024-03-01T09:34:00Z,112,113,111,112,10000
`
	if err := os.WriteFile(csvPath, []byte(csv), 0o644); err != nil {
		t.Fatal(err)
	}
	return `
run:
  initial_cash: "100000"
data:
  type: csv
  path: ` + csvPath + `
  symbol: AAPL
strategies:
  - type: moving_average
    symbol: AAPL
    short_window: 2
    long_window: 3
portfolio:
  lot_size: 10
`
}

// blockingRunDoc returns a document whose feed polls an endpoint that never
// produces bars, so the run only ends on cancel.
func blockingRunDoc(t *testing.T) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[]`))
	}))
	t.Cleanup(srv.Close)
	return `
run:
  initial_cash: "100000"
data:
  type: rest
  url: ` + srv.URL + `
  symbol: AAPL
  poll_interval: 1h
  heartbeat: 1h
strategies:
  - type: moving_average
    symbol: AAPL
    short_window: 2
    long_window: 3
`
}

func newTestManager(t *testing.T, cfg ManagerConfig) (*Manager, *Store) {
	t.Helper()
	store := newTestStore(t)
	m, err := NewManager(store, strategy.NewRegistry(), cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(m.Close)
	return m, store
}

// waitStatus polls until the run reaches a terminal status.
func waitStatus(t *testing.T, store *Store, id string, want types.RunStatus) Record {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		rec, err := store.Get(context.Background(), id)
		if err != nil {
			t.Fatal(err)
		}
		if rec.Status == want {
			return rec
		}
		if rec.Status.Terminal() {
			t.Fatalf("run ended %s (%s: %s), want %s", rec.Status, rec.Failure, rec.Detail, want)
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("run %s never reached %s", id, want)
	return Record{}
}

func TestManager_RunToCompletion(t *testing.T) {
	ctx := context.Background()
	m, store := newTestManager(t, ManagerConfig{MaxConcurrent: 1})

	id, err := m.Submit(ctx, "crossover", []byte(csvRunDoc(t)))
	if err != nil {
		t.Fatal(err)
	}

	rec := waitStatus(t, store, id, types.RunSucceeded)
	if rec.Bars != 5 {
		t.Errorf("bars = %d, want 5", rec.Bars)
	}
	if rec.TotalBars != 5 {
		t.Errorf("total bars = %d, want 5", rec.TotalBars)
	}
	if rec.Progress() != 1 {
		t.Errorf("progress = %f, want 1", rec.Progress())
	}
	if rec.Signals != 1 {
		t.Errorf("signals = %d, want the crossover long", rec.Signals)
	}

	// The event history was persisted and replays through Stream.
	ch, cancel, err := m.Stream(ctx, id, "replay")
	if err != nil {
		t.Fatal(err)
	}
	defer cancel()
	kinds := make(map[string]int)
	for ev := range ch {
		kinds[ev.Kind]++
	}
	if kinds["market"] != 5 {
		t.Errorf("market events = %d, want 5", kinds["market"])
	}
	if kinds["signal"] != 1 || kinds["fill"] != 1 {
		t.Errorf("kinds = %v", kinds)
	}
}

func TestManager_LenientSubmitAcceptsUnknownFields(t *testing.T) {
	ctx := context.Background()
	m, store := newTestManager(t, ManagerConfig{MaxConcurrent: 1})

	doc := csvRunDoc(t) + "reporting:\n  equity_curve: true\n  future_knob: 3\n"
	if _, err := m.Submit(ctx, "strict", []byte(doc)); !errors.Is(err, types.ErrUnknownField) {
		t.Fatalf("strict submit = %v, want ErrUnknownField", err)
	}

	id, err := m.Submit(ctx, "lenient", []byte(doc), config.WithLenientFields())
	if err != nil {
		t.Fatal(err)
	}
	rec := waitStatus(t, store, id, types.RunSucceeded)
	if rec.Bars != 5 {
		t.Errorf("bars = %d, want 5", rec.Bars)
	}
}

func TestManager_InvalidDocumentRejected(t *testing.T) {
	ctx := context.Background()
	m, store := newTestManager(t, ManagerConfig{})

	_, err := m.Submit(ctx, "bad", []byte("data:\n  type: carrierpigeon\n"))
	if !errors.Is(err, types.ErrInvalidConfig) {
		t.Fatalf("err = %v, want ErrInvalidConfig", err)
	}

	recs, err := store.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 0 {
		t.Errorf("rejected submission left %d records", len(recs))
	}
}

func TestManager_CancelActiveRun(t *testing.T) {
	ctx := context.Background()
	m, store := newTestManager(t, ManagerConfig{MaxConcurrent: 1, CancelGrace: 2 * time.Second})

	id, err := m.Submit(ctx, "live", []byte(blockingRunDoc(t)))
	if err != nil {
		t.Fatal(err)
	}

	// Wait for the worker to actually start.
	deadline := time.Now().Add(5 * time.Second)
	for {
		rec, err := store.Get(ctx, id)
		if err != nil {
			t.Fatal(err)
		}
		if rec.Status == types.RunRunning {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("run never started, status %s", rec.Status)
		}
		time.Sleep(10 * time.Millisecond)
	}

	if err := m.Cancel(ctx, id); err != nil {
		t.Fatal(err)
	}
	rec := waitStatus(t, store, id, types.RunCanceled)
	if rec.Failure != "canceled" {
		t.Errorf("failure = %q", rec.Failure)
	}
}

func TestManager_CancelQueuedRun(t *testing.T) {
	ctx := context.Background()
	m, store := newTestManager(t, ManagerConfig{MaxConcurrent: 1, QueueSize: 4})

	blocker, err := m.Submit(ctx, "blocker", []byte(blockingRunDoc(t)))
	if err != nil {
		t.Fatal(err)
	}
	time.Sleep(200 * time.Millisecond)

	queued, err := m.Submit(ctx, "queued", []byte(csvRunDoc(t)))
	if err != nil {
		t.Fatal(err)
	}

	if err := m.Cancel(ctx, queued); err != nil {
		t.Fatal(err)
	}
	rec := waitStatus(t, store, queued, types.RunCanceled)
	if rec.Started != nil {
		t.Error("canceled queued run has a start time")
	}

	if err := m.Cancel(ctx, blocker); err != nil {
		t.Fatal(err)
	}
	waitStatus(t, store, blocker, types.RunCanceled)
}

func TestManager_AdmissionControl(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, ManagerConfig{MaxConcurrent: 1, QueueSize: 1, CancelGrace: 2 * time.Second})

	// One run holds the execution slot, the scheduler parks a second waiting
	// for it, the queue holds a third. Submissions past that are rejected.
	accepted := 0
	rejected := 0
	var ids []string
	for i := 0; i < 5; i++ {
		id, err := m.Submit(ctx, "load", []byte(blockingRunDoc(t)))
		if err != nil {
			if !errors.Is(err, types.ErrResourceExhausted) {
				t.Fatalf("unexpected submit error: %v", err)
			}
			rejected++
			continue
		}
		accepted++
		ids = append(ids, id)
		time.Sleep(100 * time.Millisecond)
	}

	if rejected == 0 {
		t.Error("no submission was rejected")
	}
	if accepted < 2 {
		t.Errorf("accepted = %d, want at least the active and one queued", accepted)
	}

	for _, id := range ids {
		_ = m.Cancel(ctx, id)
	}
}

func TestManager_StartupRecovery(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "runs.db")

	store, err := NewStore(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := store.Create(ctx, "orphan", "", "run: {}"); err != nil {
		t.Fatal(err)
	}
	if err := store.Transition(ctx, "orphan", types.RunRunning, "", ""); err != nil {
		t.Fatal(err)
	}
	if err := store.Close(); err != nil {
		t.Fatal(err)
	}

	reopened, err := NewStore(path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = reopened.Close() })

	m, err := NewManager(reopened, strategy.NewRegistry(), ManagerConfig{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(m.Close)

	rec, err := reopened.Get(ctx, "orphan")
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != types.RunFailed || rec.Detail != "orphaned by process restart" {
		t.Errorf("orphan = %+v", rec)
	}
}
