// Package feed provides market data sources for the engine. A feed is a
// pull interface: the engine calls Next until it returns an EOF tick or an
// error, and treats live and historical sources uniformly.
package feed

import (
	"context"
	"fmt"
	"sync"

	"github.com/fenggeHu/pybt/internal/types"
)

// TickKind discriminates what a feed step produced.
type TickKind int

const (
	// TickBar carries a new bar.
	TickBar TickKind = iota
	// TickHeartbeat signals the feed is alive but idle past its interval.
	TickHeartbeat
	// TickGap signals a detected per-symbol sequence gap.
	TickGap
	// TickEOF signals the feed is exhausted.
	TickEOF
)

// Tick is one step of a feed.
type Tick struct {
	Kind   TickKind
	Bar    types.Bar
	Symbol string
	Detail string
}

// Feed produces a lazy sequence of ticks. Historical feeds are finite, live
// feeds potentially infinite; feeds are not restartable.
type Feed interface {
	// Next blocks until the next tick is available or ctx is done.
	Next(ctx context.Context) (Tick, error)

	// Close releases feed resources.
	Close() error

	// Name returns the feed identifier.
	Name() string
}

// Sized is implemented by feeds that know their total bar count up front,
// letting the engine report progress as a fraction.
type Sized interface {
	Len() int
}

// MemoryFeed serves bars from a slice. Used for tests and for configs that
// inline their data.
type MemoryFeed struct {
	mu   sync.Mutex
	bars []types.Bar
	pos  int
}

// NewMemoryFeed creates a feed over pre-loaded bars.
func NewMemoryFeed(bars []types.Bar) *MemoryFeed {
	return &MemoryFeed{bars: bars}
}

// Next returns the next bar or EOF.
func (f *MemoryFeed) Next(ctx context.Context) (Tick, error) {
	if err := ctx.Err(); err != nil {
		return Tick{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pos >= len(f.bars) {
		return Tick{Kind: TickEOF}, nil
	}
	bar := f.bars[f.pos]
	f.pos++
	return Tick{Kind: TickBar, Bar: bar, Symbol: bar.Symbol}, nil
}

// Close is a no-op.
func (f *MemoryFeed) Close() error { return nil }

// Name returns the feed identifier.
func (f *MemoryFeed) Name() string { return "inmemory" }

// Len returns the total bar count.
func (f *MemoryFeed) Len() int { return len(f.bars) }

// gapTracker detects per-symbol sequence gaps on live feeds.
type gapTracker struct {
	last map[string]uint64
}

func newGapTracker() *gapTracker {
	return &gapTracker{last: make(map[string]uint64)}
}

// observe records a sequence number and returns a non-empty detail string
// when a gap is detected.
func (g *gapTracker) observe(symbol string, seq uint64) string {
	if seq == 0 {
		// Feed carries no sequence numbers.
		return ""
	}
	prev, seen := g.last[symbol]
	g.last[symbol] = seq
	if !seen {
		return ""
	}
	if seq > prev+1 {
		return fmt.Sprintf("sequence gap for %s: expected %d, got %d", symbol, prev+1, seq)
	}
	return ""
}
