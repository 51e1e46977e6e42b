package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/fenggeHu/pybt/internal/event"
	"github.com/fenggeHu/pybt/internal/execution"
	"github.com/fenggeHu/pybt/internal/feed"
	"github.com/fenggeHu/pybt/internal/notify"
	"github.com/fenggeHu/pybt/internal/portfolio"
	"github.com/fenggeHu/pybt/internal/reporter"
	"github.com/fenggeHu/pybt/internal/risk"
	"github.com/fenggeHu/pybt/internal/strategy"
	"github.com/fenggeHu/pybt/internal/types"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

var t0 = time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC)

// crossoverBars produces a warmup, a cross above, and a cross back below for
// MA(2,3).
func crossoverBars() []types.Bar {
	closes := []string{"100", "100", "100", "110", "112", "90", "88"}
	bars := make([]types.Bar, len(closes))
	for i, c := range closes {
		px := d(c)
		bars[i] = types.Bar{
			Symbol:    "AAPL",
			Timestamp: t0.Add(time.Duration(i) * time.Minute),
			Open:      px, High: px, Low: px, Close: px,
			Volume: 100000,
		}
	}
	return bars
}

func maStrategy(t *testing.T) strategy.Strategy {
	t.Helper()
	strat, err := strategy.NewMovingAverage(strategy.Params{Symbol: "AAPL", ShortWindow: 2, LongWindow: 3})
	if err != nil {
		t.Fatal(err)
	}
	return strat
}

func newEngine(t *testing.T, f feed.Feed, strats []strategy.Strategy, reps ...reporter.Reporter) *Engine {
	t.Helper()
	pf := portfolio.New(
		portfolio.Config{InitialCash: d("100000")},
		portfolio.FixedLot{Lot: 10},
		risk.Chain{risk.MaxPosition{Limit: 1000}, risk.BuyingPower{}},
		nil,
	)
	eng, err := New(Options{
		RunID:      "run-1",
		TraceID:    "trace-1",
		Feed:       f,
		Strategies: strats,
		Portfolio:  pf,
		Broker:     execution.NewSimBroker(execution.Config{Timing: execution.FillNextOpen}, nil),
		Reporters:  reps,
	})
	if err != nil {
		t.Fatal(err)
	}
	return eng
}

func TestRun_CrossoverRoundTrip(t *testing.T) {
	rep := reporter.NewDetailed(d("100000"))
	eng := newEngine(t, feed.NewMemoryFeed(crossoverBars()), []strategy.Strategy{maStrategy(t)}, rep)

	res, err := eng.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	if res.Bars != 7 {
		t.Errorf("bars = %d, want 7", res.Bars)
	}
	if res.Signals != 2 {
		t.Errorf("signals = %d, want 2 (long + exit)", res.Signals)
	}
	if res.Fills != 2 {
		t.Errorf("fills = %d, want 2", res.Fills)
	}
	if !res.HasSnapshot {
		t.Fatal("no final metrics snapshot")
	}
	// Buy 10 @ 112 (bar after the cross), sell 10 @ 88.
	if want := d("99760"); !res.FinalState.Equity.Equal(want) {
		t.Errorf("final equity = %s, want %s", res.FinalState.Equity, want)
	}
	if len(res.FinalState.Holdings) != 0 {
		t.Errorf("holdings not flat: %v", res.FinalState.Holdings)
	}

	trades := rep.Trades()
	if len(trades) != 1 {
		t.Fatalf("round trips = %d, want 1", len(trades))
	}
	if !trades[0].NetPL.Equal(d("-240")) {
		t.Errorf("trade net = %s, want -240", trades[0].NetPL)
	}
}

func TestRun_Deterministic(t *testing.T) {
	run := func() (*Result, reporter.Summary) {
		rep := reporter.NewDetailed(d("100000"))
		eng := newEngine(t, feed.NewMemoryFeed(crossoverBars()), []strategy.Strategy{maStrategy(t)}, rep)
		res, err := eng.Run(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		return res, rep.Summarize()
	}

	r1, s1 := run()
	r2, s2 := run()

	if r1.Bars != r2.Bars || r1.Signals != r2.Signals || r1.Fills != r2.Fills {
		t.Errorf("counts differ: %+v vs %+v", r1, r2)
	}
	if !r1.FinalState.Equity.Equal(r2.FinalState.Equity) {
		t.Errorf("equity differs: %s vs %s", r1.FinalState.Equity, r2.FinalState.Equity)
	}
	if !s1.TotalReturn.Equal(s2.TotalReturn) || !s1.MaxDrawdown.Equal(s2.MaxDrawdown) {
		t.Errorf("summaries differ: %+v vs %+v", s1, s2)
	}
	if s1.TotalTrades != s2.TotalTrades {
		t.Errorf("trade counts differ: %d vs %d", s1.TotalTrades, s2.TotalTrades)
	}
}

func TestRun_Canceled(t *testing.T) {
	eng := newEngine(t, feed.NewMemoryFeed(crossoverBars()), []strategy.Strategy{maStrategy(t)})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := eng.Run(ctx)
	if err == nil {
		t.Fatal("canceled run returned nil error")
	}
	if Classify(err) != FailureCanceled {
		t.Errorf("failure = %s, want %s", Classify(err), FailureCanceled)
	}
}

type failingFeed struct{ err error }

func (f *failingFeed) Next(context.Context) (feed.Tick, error) { return feed.Tick{}, f.err }
func (f *failingFeed) Close() error                            { return nil }
func (f *failingFeed) Name() string                            { return "failing" }

func TestRun_FeedErrorClassification(t *testing.T) {
	src := &failingFeed{err: types.ErrFeedFatal}
	eng := newEngine(t, src, []strategy.Strategy{maStrategy(t)})

	_, err := eng.Run(context.Background())
	if err == nil {
		t.Fatal("feed error swallowed")
	}
	if Classify(err) != FailureFeed {
		t.Errorf("failure = %s, want %s", Classify(err), FailureFeed)
	}
	if !errors.Is(err, types.ErrFeedFatal) {
		t.Errorf("cause lost: %v", err)
	}
}

type panicStrategy struct{ calls int }

func (p *panicStrategy) ID() string { return "boom" }
func (p *panicStrategy) OnMarket(types.Bar) []event.Signal {
	p.calls++
	panic("bad indicator state")
}
func (p *panicStrategy) Reset() {}

func TestRun_StrikeBudgetDisablesStrategy(t *testing.T) {
	boom := &panicStrategy{}
	pf := portfolio.New(portfolio.Config{InitialCash: d("100000")}, portfolio.FixedLot{Lot: 10}, nil, nil)

	eng, err := New(Options{
		RunID:       "run-1",
		Feed:        feed.NewMemoryFeed(crossoverBars()),
		Strategies:  []strategy.Strategy{boom, maStrategy(t)},
		Portfolio:   pf,
		Broker:      execution.NewSimBroker(execution.Config{}, nil),
		StrikeLimit: 3,
	})
	if err != nil {
		t.Fatal(err)
	}

	res, err := eng.Run(context.Background())
	if err != nil {
		t.Fatalf("panicking strategy took down the run: %v", err)
	}
	if boom.calls != 3 {
		t.Errorf("strategy called %d times, want 3 before disable", boom.calls)
	}
	// The healthy strategy still traded.
	if res.Signals != 2 {
		t.Errorf("signals = %d, want 2 from the healthy strategy", res.Signals)
	}
}

type heartbeatFeed struct{ step int }

func (f *heartbeatFeed) Next(context.Context) (feed.Tick, error) {
	f.step++
	switch f.step {
	case 1:
		return feed.Tick{Kind: feed.TickHeartbeat, Symbol: "AAPL", Detail: "idle 30s"}, nil
	case 2:
		return feed.Tick{Kind: feed.TickGap, Symbol: "AAPL", Detail: "sequence gap"}, nil
	default:
		return feed.Tick{Kind: feed.TickEOF}, nil
	}
}
func (f *heartbeatFeed) Close() error { return nil }
func (f *heartbeatFeed) Name() string { return "heartbeat" }

type systemProbe struct{ events []event.System }

func (p *systemProbe) Wire(bus *event.Bus) error {
	return bus.Subscribe(event.KindSystem, func(e event.Event) error {
		p.events = append(p.events, e.Payload.(event.System))
		return nil
	})
}

func TestRun_EmptyFeedSnapshotsInitialEquity(t *testing.T) {
	eng := newEngine(t, feed.NewMemoryFeed(nil), []strategy.Strategy{maStrategy(t)})

	res, err := eng.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res.Bars != 0 {
		t.Errorf("bars = %d, want 0", res.Bars)
	}
	if !res.HasSnapshot {
		t.Fatal("no final metrics snapshot for an empty feed")
	}
	if !res.FinalState.Equity.Equal(d("100000")) {
		t.Errorf("final equity = %s, want initial cash", res.FinalState.Equity)
	}
	if !res.FinalState.Cash.Equal(d("100000")) {
		t.Errorf("final cash = %s, want initial cash", res.FinalState.Cash)
	}
}

func TestRun_CanceledStillSnapshots(t *testing.T) {
	eng := newEngine(t, feed.NewMemoryFeed(crossoverBars()), []strategy.Strategy{maStrategy(t)})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := eng.Run(ctx)
	if err == nil {
		t.Fatal("canceled run returned nil error")
	}
	if !res.HasSnapshot {
		t.Fatal("no final metrics snapshot on cancellation")
	}
	if !res.FinalState.Equity.Equal(d("100000")) {
		t.Errorf("final equity = %s, want initial cash", res.FinalState.Equity)
	}
}

// lifecycleReporter records hook and event ordering.
type lifecycleReporter struct{ calls []string }

func (r *lifecycleReporter) Wire(bus *event.Bus) error {
	return bus.Subscribe(event.KindMarket, func(event.Event) error {
		r.calls = append(r.calls, "bar")
		return nil
	})
}
func (r *lifecycleReporter) OnStart(context.Context) error {
	r.calls = append(r.calls, "start")
	return nil
}
func (r *lifecycleReporter) OnFinish() { r.calls = append(r.calls, "finish") }

func TestRun_LifecycleHooks(t *testing.T) {
	rep := &lifecycleReporter{}
	eng := newEngine(t, feed.NewMemoryFeed(crossoverBars()), []strategy.Strategy{maStrategy(t)}, rep)

	if _, err := eng.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(rep.calls) < 3 {
		t.Fatalf("calls = %v", rep.calls)
	}
	if rep.calls[0] != "start" {
		t.Errorf("first call = %q, want start before any bar", rep.calls[0])
	}
	if last := rep.calls[len(rep.calls)-1]; last != "finish" {
		t.Errorf("last call = %q, want finish after the loop", last)
	}
}

// accumulator goes long on every bar, for exercising position caps.
type accumulator struct{}

func (a *accumulator) ID() string { return "accumulate" }
func (a *accumulator) OnMarket(bar types.Bar) []event.Signal {
	return []event.Signal{strategy.NewSignal(a.ID(), bar, types.DirectionLong, d("1"), "always long")}
}
func (a *accumulator) Reset() {}

type intentSink struct{ intents []notify.Intent }

func (s *intentSink) Enqueue(_ context.Context, in notify.Intent) (bool, error) {
	s.intents = append(s.intents, in)
	return true, nil
}

func flatBars(n int) []types.Bar {
	px := d("100")
	bars := make([]types.Bar, n)
	for i := range bars {
		bars[i] = types.Bar{
			Symbol:    "AAPL",
			Timestamp: t0.Add(time.Duration(i) * time.Minute),
			Open:      px, High: px, Low: px, Close: px,
			Volume: 100000,
		}
	}
	return bars
}

func TestRun_MaxPositionCapsAccumulation(t *testing.T) {
	sink := &intentSink{}
	bridge := notify.NewBridge(notify.BridgeConfig{MinSeverity: notify.SeverityWarning}, sink, nil)
	pf := portfolio.New(
		portfolio.Config{InitialCash: d("100000")},
		portfolio.FixedLot{Lot: 10},
		risk.Chain{risk.MaxPosition{Limit: 20}, risk.BuyingPower{}},
		nil,
	)

	eng, err := New(Options{
		RunID:      "run-cap",
		Feed:       feed.NewMemoryFeed(flatBars(6)),
		Strategies: []strategy.Strategy{&accumulator{}},
		Portfolio:  pf,
		Broker:     execution.NewSimBroker(execution.Config{Timing: execution.FillNextOpen}, nil),
		Reporters:  []reporter.Reporter{bridge},
	})
	if err != nil {
		t.Fatal(err)
	}

	res, err := eng.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	// Two lots fill before the cap binds; every later signal is rejected.
	if res.Fills != 2 {
		t.Errorf("fills = %d, want 2", res.Fills)
	}
	if res.Signals != 6 {
		t.Errorf("signals = %d, want one per bar", res.Signals)
	}
	if got := pf.Position("AAPL").Quantity; got != 20 {
		t.Errorf("position = %d, want the cap", got)
	}
	if pf.Rejections() != 4 {
		t.Errorf("rejections = %d, want 4", pf.Rejections())
	}
	if len(sink.intents) != 4 {
		t.Fatalf("alert intents = %d, want 4", len(sink.intents))
	}
	for i, in := range sink.intents {
		if in.Severity != notify.SeverityWarning {
			t.Errorf("intent %d severity = %v, want warning", i, in.Severity)
		}
		if in.Symbol != "AAPL" {
			t.Errorf("intent %d symbol = %q", i, in.Symbol)
		}
	}
}

func TestRun_FeedConditionsBecomeSystemEvents(t *testing.T) {
	probe := &systemProbe{}
	eng := newEngine(t, &heartbeatFeed{}, []strategy.Strategy{maStrategy(t)}, probe)

	if _, err := eng.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(probe.events) != 2 {
		t.Fatalf("system events = %d, want 2", len(probe.events))
	}
	if probe.events[0].Class != event.SystemHeartbeatTimeout {
		t.Errorf("first = %s", probe.events[0].Class)
	}
	if probe.events[1].Class != event.SystemSequenceGap {
		t.Errorf("second = %s", probe.events[1].Class)
	}
}
