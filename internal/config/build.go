package config

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/fenggeHu/pybt/internal/engine"
	"github.com/fenggeHu/pybt/internal/execution"
	"github.com/fenggeHu/pybt/internal/feed"
	"github.com/fenggeHu/pybt/internal/portfolio"
	"github.com/fenggeHu/pybt/internal/reporter"
	"github.com/fenggeHu/pybt/internal/risk"
	"github.com/fenggeHu/pybt/internal/strategy"
	"github.com/fenggeHu/pybt/internal/types"
)

// BuildFeed constructs the configured data feed.
func (c *Config) BuildFeed(logger *slog.Logger) (feed.Feed, error) {
	switch c.FeedType() {
	case "csv":
		return feed.NewCSVFeed(c.Data.Path, c.Data.Symbol)
	case "inmemory":
		return feed.NewMemoryFeed(nil), nil
	case "rest":
		return feed.NewRESTFeed(feed.RESTConfig{
			URL:            c.Data.URL,
			Symbol:         c.Data.Symbol,
			PollInterval:   duration(c.Data.PollInterval, time.Second),
			Heartbeat:      duration(c.Data.Heartbeat, 30*time.Second),
			AuthToken:      c.Data.AuthToken,
			RequestsPerSec: c.Data.RequestsPerSec,
		}), nil
	case "websocket":
		return feed.NewWebsocketFeed(feed.WebsocketConfig{
			URL:           c.Data.URL,
			Symbol:        c.Data.Symbol,
			Heartbeat:     duration(c.Data.Heartbeat, 30*time.Second),
			MaxReconnects: uint(c.Data.MaxReconnects),
			AuthHeader:    c.Data.AuthHeader,
		}, logger), nil
	default:
		return nil, fmt.Errorf("%w: data type %q", types.ErrUnknownType, c.Data.Type)
	}
}

// BuildStrategies constructs every configured strategy through the registry.
func (c *Config) BuildStrategies(reg *strategy.Registry) ([]strategy.Strategy, error) {
	strategies := make([]strategy.Strategy, 0, len(c.Strategies))
	for i, sc := range c.Strategies {
		strat, err := reg.Build(sc.Type, strategy.Params{
			ID:          sc.ID,
			Symbol:      sc.Symbol,
			ShortWindow: sc.ShortWindow,
			LongWindow:  sc.LongWindow,
			Lookback:    sc.Lookback,
			Extra:       sc.Params,
		})
		if err != nil {
			return nil, fmt.Errorf("strategies[%d]: %w", i, err)
		}
		strategies = append(strategies, strat)
	}
	return strategies, nil
}

// BuildRiskChain constructs the configured pre-trade rules in a fixed order.
func (c *Config) BuildRiskChain() risk.Chain {
	var chain risk.Chain
	if c.Risk.MaxPosition > 0 {
		chain = append(chain, risk.MaxPosition{Limit: c.Risk.MaxPosition})
	}
	chain = append(chain, risk.BuyingPower{FeeRate: dec(c.Risk.FeeRate, decimal.Zero)})
	if c.Risk.MaxConcentration != "" {
		chain = append(chain, risk.Concentration{MaxFraction: dec(c.Risk.MaxConcentration, decimal.NewFromInt(1))})
	}
	if c.Risk.PriceBand != "" {
		chain = append(chain, risk.PriceBand{Band: dec(c.Risk.PriceBand, decimal.NewFromInt(1))})
	}
	return chain
}

// BuildSizer constructs the sizing policy.
func (c *Config) BuildSizer() portfolio.Sizer {
	lot := c.Portfolio.LotSize
	if lot == 0 {
		lot = 1
	}
	if c.Portfolio.Sizing == "weighted" {
		return portfolio.WeightAllocator{
			Lot:         lot,
			MaxLeverage: dec(c.Portfolio.MaxLeverage, decimal.NewFromInt(1)),
		}
	}
	return portfolio.FixedLot{Lot: lot}
}

// BuildExecution constructs the simulated broker configuration.
func (c *Config) BuildExecution() execution.Config {
	cfg := execution.DefaultConfig()
	if c.Execution.FillTiming == "current_close" {
		cfg.Timing = execution.FillCurrentClose
	}
	switch c.Execution.SlippageMode {
	case "ticks":
		cfg.Slippage = execution.SlippageTicks
	case "absolute":
		cfg.Slippage = execution.SlippageAbsolute
	case "bps":
		cfg.Slippage = execution.SlippageBps
	}
	if c.Execution.SlippageValue != "" {
		cfg.SlippageValue = dec(c.Execution.SlippageValue, cfg.SlippageValue)
	}
	if c.Execution.TickSize != "" {
		cfg.TickSize = dec(c.Execution.TickSize, cfg.TickSize)
	}
	cfg.CommissionPerUnit = dec(c.Execution.CommissionPerUnit, decimal.Zero)
	cfg.CommissionRate = dec(c.Execution.CommissionRate, decimal.Zero)
	cfg.MinCommission = dec(c.Execution.MinCommission, decimal.Zero)
	cfg.VolumeCap = dec(c.Execution.VolumeCap, decimal.Zero)
	cfg.Staleness = duration(c.Execution.Staleness, 0)
	return cfg
}

// Assembled is a fully wired run ready to execute.
type Assembled struct {
	RunID    string
	Engine   *engine.Engine
	Detailed *reporter.Detailed
	Feed     feed.Feed

	closers []func() error
}

// Close releases feed and reporter resources.
func (a *Assembled) Close() error {
	var first error
	if err := a.Feed.Close(); err != nil {
		first = err
	}
	for _, fn := range a.closers {
		if err := fn(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// BuildEngine assembles every component of a run. The run id is generated
// when the document does not carry one.
func (c *Config) BuildEngine(reg *strategy.Registry, logger *slog.Logger, progress engine.ProgressFunc, extras ...reporter.Reporter) (*Assembled, error) {
	if logger == nil {
		logger = slog.Default()
	}

	runID := c.Run.ID
	if runID == "" {
		runID = uuid.NewString()
	}

	src, err := c.BuildFeed(logger)
	if err != nil {
		return nil, err
	}
	strategies, err := c.BuildStrategies(reg)
	if err != nil {
		_ = src.Close()
		return nil, err
	}

	pf := portfolio.New(
		portfolio.Config{InitialCash: c.InitialCash()},
		c.BuildSizer(),
		c.BuildRiskChain(),
		logger,
	)
	broker := execution.NewSimBroker(c.BuildExecution(), logger)

	detailed := reporter.NewDetailed(c.InitialCash())
	reporters := []reporter.Reporter{detailed}
	reporters = append(reporters, extras...)

	var closers []func() error
	var sinks []reporter.Sink
	if c.Reporting.TradeLogFile != "" {
		sink, err := reporter.NewFileSink(c.Reporting.TradeLogFile)
		if err != nil {
			_ = src.Close()
			return nil, err
		}
		sinks = append(sinks, sink)
	}
	if c.Reporting.TradeLogDB != "" {
		sink, err := reporter.NewSQLiteSink(c.Reporting.TradeLogDB)
		if err != nil {
			_ = src.Close()
			return nil, err
		}
		sinks = append(sinks, sink)
	}
	if len(sinks) > 0 {
		log := reporter.NewTradeLog(logger, sinks...)
		reporters = append(reporters, log)
		closers = append(closers, log.Close)
	}

	eng, err := engine.New(engine.Options{
		RunID:      runID,
		TraceID:    uuid.NewString(),
		Logger:     logger.With("run_id", runID),
		Feed:       src,
		Strategies: strategies,
		Portfolio:  pf,
		Broker:     broker,
		Reporters:  reporters,
		Progress:   progress,
	})
	if err != nil {
		_ = src.Close()
		return nil, err
	}

	return &Assembled{RunID: runID, Engine: eng, Detailed: detailed, Feed: src, closers: closers}, nil
}
