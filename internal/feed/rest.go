package feed

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/fenggeHu/pybt/internal/types"
)

// RESTConfig configures a polling REST feed.
type RESTConfig struct {
	URL          string
	Symbol       string
	PollInterval time.Duration
	Heartbeat    time.Duration
	AuthToken    string
	// RequestsPerSec caps the polling rate regardless of PollInterval.
	RequestsPerSec float64
}

// wireBar is the JSON shape served by bar endpoints.
type wireBar struct {
	Symbol    string          `json:"symbol"`
	Timestamp time.Time       `json:"timestamp"`
	Open      decimal.Decimal `json:"open"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	Close     decimal.Decimal `json:"close"`
	Volume    int64           `json:"volume"`
	Amount    decimal.Decimal `json:"amount"`
	Seq       uint64          `json:"seq"`
}

func (w wireBar) toBar(fallbackSymbol string) types.Bar {
	symbol := w.Symbol
	if symbol == "" {
		symbol = fallbackSymbol
	}
	return types.Bar{
		Symbol:    symbol,
		Timestamp: w.Timestamp,
		Open:      w.Open,
		High:      w.High,
		Low:       w.Low,
		Close:     w.Close,
		Volume:    w.Volume,
		Amount:    w.Amount,
	}
}

// RESTFeed polls an HTTP endpoint for new bars. Bars older than the last
// delivered timestamp are discarded, so repeated polls of an overlapping
// window are safe.
type RESTFeed struct {
	cfg     RESTConfig
	client  *resty.Client
	limiter *rate.Limiter
	gaps    *gapTracker

	pending   []Tick
	lastTS    time.Time
	lastBarAt time.Time
}

// NewRESTFeed creates a polling feed.
func NewRESTFeed(cfg RESTConfig) *RESTFeed {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = 30 * time.Second
	}
	rps := cfg.RequestsPerSec
	if rps <= 0 {
		rps = 2
	}
	client := resty.New().SetTimeout(10 * time.Second)
	if cfg.AuthToken != "" {
		client.SetAuthToken(cfg.AuthToken)
	}
	return &RESTFeed{
		cfg:       cfg,
		client:    client,
		limiter:   rate.NewLimiter(rate.Limit(rps), 1),
		gaps:      newGapTracker(),
		lastBarAt: time.Now(),
	}
}

// Next returns the next pending tick, polling the endpoint as needed. A
// heartbeat tick is returned when no bar has arrived within the configured
// interval.
func (f *RESTFeed) Next(ctx context.Context) (Tick, error) {
	for {
		if len(f.pending) > 0 {
			tick := f.pending[0]
			f.pending = f.pending[1:]
			return tick, nil
		}

		if err := f.limiter.Wait(ctx); err != nil {
			return Tick{}, err
		}
		if err := f.poll(ctx); err != nil {
			return Tick{}, fmt.Errorf("%w: %v", types.ErrFeedFatal, err)
		}
		if len(f.pending) > 0 {
			continue
		}

		if time.Since(f.lastBarAt) > f.cfg.Heartbeat {
			f.lastBarAt = time.Now()
			return Tick{Kind: TickHeartbeat, Symbol: f.cfg.Symbol, Detail: "no bar within heartbeat interval"}, nil
		}

		select {
		case <-ctx.Done():
			return Tick{}, ctx.Err()
		case <-time.After(f.cfg.PollInterval):
		}
	}
}

func (f *RESTFeed) poll(ctx context.Context) error {
	var wire []wireBar
	resp, err := f.client.R().
		SetContext(ctx).
		SetQueryParam("symbol", f.cfg.Symbol).
		SetResult(&wire).
		Get(f.cfg.URL)
	if err != nil {
		return err
	}
	if resp.IsError() {
		return fmt.Errorf("status %d from %s", resp.StatusCode(), f.cfg.URL)
	}

	for _, w := range wire {
		bar := w.toBar(f.cfg.Symbol)
		if !bar.Timestamp.After(f.lastTS) {
			continue
		}
		if detail := f.gaps.observe(bar.Symbol, w.Seq); detail != "" {
			f.pending = append(f.pending, Tick{Kind: TickGap, Symbol: bar.Symbol, Detail: detail})
		}
		f.pending = append(f.pending, Tick{Kind: TickBar, Bar: bar, Symbol: bar.Symbol})
		f.lastTS = bar.Timestamp
		f.lastBarAt = time.Now()
	}
	return nil
}

// Close is a no-op; the HTTP client holds no connections between polls.
func (f *RESTFeed) Close() error { return nil }

// Name returns the feed identifier.
func (f *RESTFeed) Name() string { return "rest" }
