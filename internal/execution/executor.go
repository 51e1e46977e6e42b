// Package execution fills orders against market data. The simulated broker
// is the only implementation; live brokers would satisfy the same bus
// contract.
package execution

import (
	"time"

	"github.com/shopspring/decimal"
)

// FillTiming selects the bar price an accepted market order fills at.
type FillTiming int

const (
	// FillNextOpen fills market orders at the open of the bar after
	// acceptance. This is the honest default: a decision made on a close
	// cannot trade on that same close.
	FillNextOpen FillTiming = iota
	// FillCurrentClose fills market orders immediately at the close of the
	// bar that produced the signal.
	FillCurrentClose
)

func (t FillTiming) String() string {
	if t == FillCurrentClose {
		return "current_close"
	}
	return "next_open"
}

// SlippageMode selects how price impact is modeled.
type SlippageMode int

const (
	// SlippageTicks moves the fill by Value ticks of TickSize.
	SlippageTicks SlippageMode = iota
	// SlippageAbsolute moves the fill by Value in price units.
	SlippageAbsolute
	// SlippageBps moves the fill by Value basis points of the fill price.
	SlippageBps
)

// Config holds simulated execution parameters.
type Config struct {
	Timing   FillTiming
	Slippage SlippageMode
	// SlippageValue is interpreted per Slippage: tick count, price units,
	// or basis points.
	SlippageValue decimal.Decimal
	TickSize      decimal.Decimal

	// CommissionPerUnit and CommissionRate accumulate; MinCommission floors
	// the total per fill.
	CommissionPerUnit decimal.Decimal
	CommissionRate    decimal.Decimal
	MinCommission     decimal.Decimal

	// VolumeCap limits one fill to a fraction of the bar's volume. Zero
	// disables the cap.
	VolumeCap decimal.Decimal

	// Staleness rejects orders when the newest bar for the symbol is older
	// than this. Zero disables the guard.
	Staleness time.Duration
}

// DefaultConfig returns conservative simulation parameters.
func DefaultConfig() Config {
	return Config{
		Timing:        FillNextOpen,
		Slippage:      SlippageBps,
		SlippageValue: decimal.NewFromInt(1),
		TickSize:      decimal.RequireFromString("0.01"),
	}
}

// CancelFunc is notified when a working order is canceled or expires, so the
// order's owner can release its commitment.
type CancelFunc func(orderID string, reason string)
