// Package strategy implements trading strategies driven by market events.
package strategy

import (
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/fenggeHu/pybt/internal/event"
	"github.com/fenggeHu/pybt/internal/types"
)

// Strategy consumes bars and emits signals. Implementations must be
// deterministic given the same bar sequence and must not touch external I/O;
// position sizing and risk belong to the portfolio.
type Strategy interface {
	// ID returns the stable strategy identifier.
	ID() string

	// OnMarket processes one bar and returns zero or more signals.
	OnMarket(bar types.Bar) []event.Signal

	// Reset clears all per-symbol state.
	Reset()
}

// NewSignal constructs a signal with a fresh id.
func NewSignal(strategyID string, bar types.Bar, dir types.SignalDirection, strength decimal.Decimal, reason string) event.Signal {
	return event.Signal{
		ID:         uuid.New().String(),
		StrategyID: strategyID,
		Symbol:     bar.Symbol,
		Direction:  dir,
		Strength:   strength,
		Reason:     reason,
	}
}

// Params carries the typed parameters a registry constructor receives.
// Built-ins read the fields they recognize; plugin constructors may use
// Extra for anything else.
type Params struct {
	ID          string
	Symbol      string
	ShortWindow int
	LongWindow  int
	Lookback    int
	Extra       map[string]any
}

// Constructor builds a strategy from params.
type Constructor func(Params) (Strategy, error)

// Registry maps a discriminator string to a strategy constructor. Plugins
// are registered by the embedding program before any run is submitted;
// there is no runtime code loading.
type Registry struct {
	mu           sync.RWMutex
	constructors map[string]Constructor
}

// NewRegistry returns a registry pre-populated with the built-in types.
func NewRegistry() *Registry {
	r := &Registry{constructors: make(map[string]Constructor)}
	r.Register("moving_average", func(p Params) (Strategy, error) {
		return NewMovingAverage(p)
	})
	r.Register("breakout", func(p Params) (Strategy, error) {
		return NewBreakout(p)
	})
	return r
}

// Register adds or replaces a constructor for a discriminator.
func (r *Registry) Register(name string, c Constructor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.constructors[name] = c
}

// Build constructs a strategy for the discriminator.
func (r *Registry) Build(name string, p Params) (Strategy, error) {
	r.mu.RLock()
	c, ok := r.constructors[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: strategy %q", types.ErrUnknownType, name)
	}
	return c(p)
}

// Known returns the registered discriminators, sorted.
func (r *Registry) Known() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.constructors))
	for name := range r.constructors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
