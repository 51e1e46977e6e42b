package portfolio

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/fenggeHu/pybt/internal/event"
	"github.com/fenggeHu/pybt/internal/types"
)

// Sizer decides order quantity for a signal. A zero quantity means no order.
type Sizer interface {
	// Size returns the signed quantity delta for the signal: positive buys,
	// negative sells.
	Size(sig event.Signal, view View) (int64, error)
}

// View is the portfolio state a sizer reads.
type View struct {
	Cash      decimal.Decimal
	Equity    decimal.Decimal
	Quantity  int64
	LastClose decimal.Decimal
	// PendingSells is the quantity already committed to unfilled sell orders
	// for the signal's symbol.
	PendingSells int64
}

// FixedLot buys one lot on a long signal and closes the full position on an
// exit or short signal. The portfolio is long-only.
type FixedLot struct {
	Lot int64
}

// Size implements Sizer.
func (f FixedLot) Size(sig event.Signal, view View) (int64, error) {
	if f.Lot <= 0 {
		return 0, fmt.Errorf("%w: lot size %d", types.ErrInvalidOrderSize, f.Lot)
	}
	switch sig.Direction {
	case types.DirectionLong:
		if sig.Strength.IsZero() {
			return 0, nil
		}
		return f.Lot, nil
	case types.DirectionExit, types.DirectionShort:
		open := view.Quantity - view.PendingSells
		if open <= 0 {
			return 0, nil
		}
		return -open, nil
	}
	return 0, nil
}

// WeightAllocator targets a fractional exposure per signal, clamping total
// leverage and rounding down to lot size.
type WeightAllocator struct {
	Lot         int64
	MaxLeverage decimal.Decimal
}

// Size implements Sizer. Signals without a target weight fall back to the
// signal strength as the weight.
func (w WeightAllocator) Size(sig event.Signal, view View) (int64, error) {
	if w.Lot <= 0 {
		return 0, fmt.Errorf("%w: lot size %d", types.ErrInvalidOrderSize, w.Lot)
	}
	if view.LastClose.IsZero() || view.Equity.IsZero() {
		return 0, nil
	}

	weight := sig.Strength
	if sig.TargetWeight != nil {
		weight = *sig.TargetWeight
	}
	switch sig.Direction {
	case types.DirectionExit, types.DirectionShort:
		weight = decimal.Zero
	}

	maxLev := w.MaxLeverage
	if maxLev.IsZero() {
		maxLev = decimal.NewFromInt(1)
	}
	if weight.GreaterThan(maxLev) {
		weight = maxLev
	}

	target := weight.Mul(view.Equity).Div(view.LastClose).IntPart()
	target = (target / w.Lot) * w.Lot
	delta := target - view.Quantity
	if delta < 0 {
		// Never sell more than the open, uncommitted position.
		open := view.Quantity - view.PendingSells
		if open <= 0 {
			return 0, nil
		}
		if -delta > open {
			delta = -open
		}
	}
	return delta, nil
}
