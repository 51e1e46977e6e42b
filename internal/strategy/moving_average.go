package strategy

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/fenggeHu/pybt/internal/event"
	"github.com/fenggeHu/pybt/internal/types"
	"github.com/fenggeHu/pybt/pkg/indicator"
)

// MovingAverage is a double moving-average crossover. A long signal fires on
// the bar where the short average crosses above the long average; an exit
// signal on the cross back below. Signals fire only on the crossing bar, not
// while the averages stay crossed.
type MovingAverage struct {
	id     string
	symbol string
	short  *indicator.SMA
	long   *indicator.SMA

	wasAbove bool
	hasState bool
}

// NewMovingAverage builds the strategy from params. ShortWindow must be
// smaller than LongWindow.
func NewMovingAverage(p Params) (*MovingAverage, error) {
	if p.ShortWindow < 1 || p.LongWindow < 1 {
		return nil, fmt.Errorf("%w: moving_average windows must be positive", types.ErrInvalidConfig)
	}
	if p.ShortWindow >= p.LongWindow {
		return nil, fmt.Errorf("%w: moving_average short window %d must be below long window %d",
			types.ErrInvalidConfig, p.ShortWindow, p.LongWindow)
	}
	id := p.ID
	if id == "" {
		id = fmt.Sprintf("ma_%d_%d", p.ShortWindow, p.LongWindow)
	}
	return &MovingAverage{
		id:     id,
		symbol: p.Symbol,
		short:  indicator.NewSMA(p.ShortWindow),
		long:   indicator.NewSMA(p.LongWindow),
	}, nil
}

// ID returns the strategy identifier.
func (m *MovingAverage) ID() string { return m.id }

// OnMarket updates the averages and emits a signal on a crossover.
func (m *MovingAverage) OnMarket(bar types.Bar) []event.Signal {
	if m.symbol != "" && bar.Symbol != m.symbol {
		return nil
	}

	shortMA := m.short.Update(bar.Close)
	longMA := m.long.Update(bar.Close)
	if !m.long.Ready() {
		return nil
	}

	above := shortMA.GreaterThan(longMA)
	defer func() {
		m.wasAbove = above
		m.hasState = true
	}()

	if !m.hasState {
		return nil
	}

	switch {
	case above && !m.wasAbove:
		return []event.Signal{NewSignal(m.id, bar, types.DirectionLong, decimal.NewFromInt(1),
			fmt.Sprintf("short MA %s crossed above long MA %s", shortMA.StringFixed(4), longMA.StringFixed(4)))}
	case !above && m.wasAbove:
		return []event.Signal{NewSignal(m.id, bar, types.DirectionExit, decimal.NewFromInt(1),
			fmt.Sprintf("short MA %s crossed below long MA %s", shortMA.StringFixed(4), longMA.StringFixed(4)))}
	}
	return nil
}

// Reset clears indicator state.
func (m *MovingAverage) Reset() {
	m.short.Reset()
	m.long.Reset()
	m.wasAbove = false
	m.hasState = false
}
