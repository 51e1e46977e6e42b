// Package engine assembles the event pipeline and drives it from a feed.
// One engine owns one bus and processes one run to completion.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/fenggeHu/pybt/internal/event"
	"github.com/fenggeHu/pybt/internal/execution"
	"github.com/fenggeHu/pybt/internal/feed"
	"github.com/fenggeHu/pybt/internal/portfolio"
	"github.com/fenggeHu/pybt/internal/reporter"
	"github.com/fenggeHu/pybt/internal/strategy"
	"github.com/fenggeHu/pybt/internal/types"
)

// Failure classifies why a run ended abnormally. The worker maps these to
// exit codes.
type Failure string

const (
	FailureConfig   Failure = "config_invalid"
	FailureFeed     Failure = "feed_error"
	FailureInternal Failure = "internal_error"
	FailureCanceled Failure = "canceled"
)

// RunError wraps a run failure with its classification.
type RunError struct {
	Failure Failure
	Err     error
}

func (e *RunError) Error() string { return fmt.Sprintf("%s: %v", e.Failure, e.Err) }
func (e *RunError) Unwrap() error { return e.Err }

// Classify returns the failure class of an error from Run.
func Classify(err error) Failure {
	var re *RunError
	if errors.As(err, &re) {
		return re.Failure
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return FailureCanceled
	}
	return FailureInternal
}

// Progress reports run advancement after each bar. TotalBars is zero when
// the feed cannot size itself.
type Progress struct {
	Bars      int
	TotalBars int
	Fills     int
	Signals   int
}

// ProgressFunc receives progress updates.
type ProgressFunc func(Progress)

// defaultStrikeLimit disables a strategy after this many consecutive
// failures.
const defaultStrikeLimit = 10

// Starter is implemented by pipeline components that need a hook before the
// first feed tick.
type Starter interface {
	OnStart(ctx context.Context) error
}

// Finisher is implemented by pipeline components that need a hook after the
// run loop stops, whatever the outcome.
type Finisher interface {
	OnFinish()
}

// Options configures an engine.
type Options struct {
	RunID   string
	TraceID string
	Logger  *slog.Logger

	Feed       feed.Feed
	Strategies []strategy.Strategy
	Portfolio  *portfolio.Portfolio
	Broker     *execution.SimBroker
	Reporters  []reporter.Reporter

	Progress ProgressFunc
	// StrikeLimit overrides the consecutive-error budget per strategy.
	StrikeLimit int
}

// Result is what a completed run produced.
type Result struct {
	Bars        int
	TotalBars   int
	Signals     int
	Fills       int
	FinalState  event.Metrics
	HasSnapshot bool
}

// Engine wires the pipeline onto a bus and pumps the feed through it.
type Engine struct {
	opts   Options
	logger *slog.Logger
	bus    *event.Bus

	bars    int
	total   int
	signals int
	fills   int
	last    event.Metrics
	hasLast bool

	strikes    map[string]int
	components []any
}

// New builds the engine and wires every stage. Subscription order on market
// events is fixed: execution fills working orders against the new bar before
// the portfolio marks and before strategies see it.
func New(opts Options) (*Engine, error) {
	if opts.Feed == nil {
		return nil, fmt.Errorf("%w: engine needs a feed", types.ErrInvalidConfig)
	}
	if opts.Portfolio == nil {
		return nil, fmt.Errorf("%w: engine needs a portfolio", types.ErrInvalidConfig)
	}
	if opts.Broker == nil {
		return nil, fmt.Errorf("%w: engine needs a broker", types.ErrInvalidConfig)
	}
	if len(opts.Strategies) == 0 {
		return nil, fmt.Errorf("%w: engine needs at least one strategy", types.ErrInvalidConfig)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.StrikeLimit <= 0 {
		opts.StrikeLimit = defaultStrikeLimit
	}

	e := &Engine{
		opts:    opts,
		logger:  opts.Logger,
		bus:     event.NewBus(opts.RunID, opts.TraceID, opts.Logger),
		strikes: make(map[string]int),
	}

	opts.Broker.SetCancelFunc(func(orderID, reason string) {
		opts.Portfolio.CancelPending(orderID)
	})

	if err := opts.Broker.Wire(e.bus); err != nil {
		return nil, err
	}
	if err := opts.Portfolio.Wire(e.bus); err != nil {
		return nil, err
	}
	for _, strat := range opts.Strategies {
		if err := e.bus.Subscribe(event.KindMarket, e.strategyHandler(strat)); err != nil {
			return nil, err
		}
	}
	for _, rep := range opts.Reporters {
		if err := rep.Wire(e.bus); err != nil {
			return nil, err
		}
	}

	// Lifecycle hooks fire in subscription order.
	e.components = append(e.components, opts.Broker, opts.Portfolio)
	for _, strat := range opts.Strategies {
		e.components = append(e.components, strat)
	}
	for _, rep := range opts.Reporters {
		e.components = append(e.components, rep)
	}

	// Engine bookkeeping runs last.
	if err := e.bus.Subscribe(event.KindSignal, func(event.Event) error {
		e.signals++
		return nil
	}); err != nil {
		return nil, err
	}
	if err := e.bus.Subscribe(event.KindFill, func(event.Event) error {
		e.fills++
		return nil
	}); err != nil {
		return nil, err
	}
	if err := e.bus.Subscribe(event.KindMetrics, func(ev event.Event) error {
		if m, ok := ev.Payload.(event.Metrics); ok {
			e.last = m
			e.hasLast = true
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return e, nil
}

// strategyHandler adapts a strategy to a bus handler with panic isolation
// and a consecutive-error budget.
func (e *Engine) strategyHandler(strat strategy.Strategy) event.Handler {
	return func(ev event.Event) error {
		id := strat.ID()
		if e.strikes[id] >= e.opts.StrikeLimit {
			return nil
		}
		m, ok := ev.Payload.(event.Market)
		if !ok {
			return fmt.Errorf("%w: market payload %T", types.ErrUnknownType, ev.Payload)
		}

		signals, err := e.callStrategy(strat, m.Bar)
		if err != nil {
			e.strikes[id]++
			if e.strikes[id] >= e.opts.StrikeLimit {
				e.logger.Error("strategy disabled after repeated errors",
					"strategy", id,
					"strikes", e.strikes[id],
				)
			}
			return fmt.Errorf("strategy %s: %w", id, err)
		}
		e.strikes[id] = 0

		for _, sig := range signals {
			e.bus.Publish(event.Event{
				Kind:       event.KindSignal,
				OccurredAt: m.Bar.Timestamp,
				Payload:    sig,
			})
		}
		return nil
	}
}

// callStrategy invokes OnMarket, converting a panic into an error so one
// broken strategy cannot take down the run.
func (e *Engine) callStrategy(strat strategy.Strategy, bar types.Bar) (signals []event.Signal, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return strat.OnMarket(bar), nil
}

// Run pumps the feed until EOF, cancellation, or a fatal error. Cancellation
// is cooperative: it is honored between feed steps, never mid-drain.
func (e *Engine) Run(ctx context.Context) (*Result, error) {
	e.total = 0
	if sized, ok := e.opts.Feed.(feed.Sized); ok {
		e.total = sized.Len()
	}
	e.logger.Info("run started",
		"run_id", e.opts.RunID,
		"feed", e.opts.Feed.Name(),
		"strategies", len(e.opts.Strategies),
		"total_bars", e.total,
	)

	if err := e.start(ctx); err != nil {
		return e.result(), &RunError{Failure: FailureInternal, Err: err}
	}
	defer e.finish()

	for {
		if err := ctx.Err(); err != nil {
			e.logger.Info("run canceled", "run_id", e.opts.RunID, "bars", e.bars)
			_ = e.closeOut()
			return e.result(), &RunError{Failure: FailureCanceled, Err: err}
		}

		tick, err := e.opts.Feed.Next(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				_ = e.closeOut()
				return e.result(), &RunError{Failure: FailureCanceled, Err: err}
			}
			return e.result(), &RunError{Failure: FailureFeed, Err: err}
		}

		switch tick.Kind {
		case feed.TickEOF:
			if err := e.closeOut(); err != nil {
				return e.result(), &RunError{Failure: FailureInternal, Err: err}
			}
			e.logger.Info("run complete",
				"run_id", e.opts.RunID,
				"bars", e.bars,
				"signals", e.signals,
				"fills", e.fills,
			)
			return e.result(), nil

		case feed.TickHeartbeat:
			e.bus.Publish(event.Event{
				Kind:    event.KindSystem,
				Payload: event.System{Class: event.SystemHeartbeatTimeout, Symbol: tick.Symbol, Detail: tick.Detail},
			})

		case feed.TickGap:
			e.bus.Publish(event.Event{
				Kind:    event.KindSystem,
				Payload: event.System{Class: event.SystemSequenceGap, Symbol: tick.Symbol, Detail: tick.Detail},
			})

		case feed.TickBar:
			e.bars++
			e.bus.Publish(event.Event{
				Kind:       event.KindMarket,
				OccurredAt: tick.Bar.Timestamp,
				Payload:    event.Market{Bar: tick.Bar},
			})
		}

		if err := e.bus.Drain(); err != nil {
			return e.result(), &RunError{Failure: FailureInternal, Err: err}
		}

		if e.opts.Progress != nil && tick.Kind == feed.TickBar {
			e.opts.Progress(Progress{
				Bars:      e.bars,
				TotalBars: e.total,
				Fills:     e.fills,
				Signals:   e.signals,
			})
		}
	}
}

// start runs the OnStart hook of every component that has one.
func (e *Engine) start(ctx context.Context) error {
	for _, c := range e.components {
		s, ok := c.(Starter)
		if !ok {
			continue
		}
		if err := s.OnStart(ctx); err != nil {
			return fmt.Errorf("component start: %w", err)
		}
	}
	return nil
}

// finish runs the OnFinish hooks after the loop stops.
func (e *Engine) finish() {
	for _, c := range e.components {
		if f, ok := c.(Finisher); ok {
			f.OnFinish()
		}
	}
}

// closeOut publishes a terminal portfolio snapshot so reporters and observers
// see the final state even when no fill triggered a metrics event.
func (e *Engine) closeOut() error {
	e.bus.Publish(event.Event{
		Kind:       event.KindMetrics,
		OccurredAt: time.Now().UTC(),
		Payload:    e.opts.Portfolio.Snapshot(),
	})
	return e.bus.Drain()
}

func (e *Engine) result() *Result {
	return &Result{
		Bars:        e.bars,
		TotalBars:   e.total,
		Signals:     e.signals,
		Fills:       e.fills,
		FinalState:  e.last,
		HasSnapshot: e.hasLast,
	}
}
