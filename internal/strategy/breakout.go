package strategy

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/fenggeHu/pybt/internal/event"
	"github.com/fenggeHu/pybt/internal/types"
	"github.com/fenggeHu/pybt/pkg/indicator"
)

// Breakout signals long when the close exceeds the highest close of the
// lookback window, and exit when it drops below the lowest close. The
// breakout bar itself is excluded from the window it breaks.
type Breakout struct {
	id       string
	symbol   string
	period   int
	lookback *indicator.Rolling

	inPosition bool
}

// NewBreakout builds the strategy from params.
func NewBreakout(p Params) (*Breakout, error) {
	if p.Lookback < 1 {
		return nil, fmt.Errorf("%w: breakout lookback must be positive", types.ErrInvalidConfig)
	}
	id := p.ID
	if id == "" {
		id = fmt.Sprintf("breakout_%d", p.Lookback)
	}
	return &Breakout{
		id:       id,
		symbol:   p.Symbol,
		period:   p.Lookback,
		lookback: indicator.NewRolling(p.Lookback),
	}, nil
}

// ID returns the strategy identifier.
func (b *Breakout) ID() string { return b.id }

// OnMarket checks the close against the prior window extremes.
func (b *Breakout) OnMarket(bar types.Bar) []event.Signal {
	if b.symbol != "" && bar.Symbol != b.symbol {
		return nil
	}

	ready := b.lookback.Ready()
	highest := b.lookback.Highest()
	lowest := b.lookback.Lowest()
	b.lookback.Update(bar.Close)

	if !ready {
		return nil
	}

	switch {
	case !b.inPosition && bar.Close.GreaterThan(highest):
		b.inPosition = true
		return []event.Signal{NewSignal(b.id, bar, types.DirectionLong, decimal.NewFromInt(1),
			fmt.Sprintf("close %s above %d-bar high %s", bar.Close, b.period, highest))}
	case b.inPosition && bar.Close.LessThan(lowest):
		b.inPosition = false
		return []event.Signal{NewSignal(b.id, bar, types.DirectionExit, decimal.NewFromInt(1),
			fmt.Sprintf("close %s below %d-bar low %s", bar.Close, b.period, lowest))}
	}
	return nil
}

// Reset clears lookback state.
func (b *Breakout) Reset() {
	b.lookback.Reset()
	b.inPosition = false
}
