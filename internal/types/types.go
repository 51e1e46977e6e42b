// Package types defines shared types used across the backtest runtime.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// Bar is one OHLCV record for one symbol at one timestamp. Bars are
// immutable once produced by a feed.
type Bar struct {
	Symbol    string
	Timestamp time.Time
	Open      decimal.Decimal
	High      decimal.Decimal
	Low       decimal.Decimal
	Close     decimal.Decimal
	Volume    int64
	Amount    decimal.Decimal
}

// SignalDirection is the desired exposure change expressed by a strategy.
type SignalDirection int

const (
	DirectionLong SignalDirection = iota
	DirectionShort
	DirectionExit
)

func (d SignalDirection) String() string {
	switch d {
	case DirectionLong:
		return "LONG"
	case DirectionShort:
		return "SHORT"
	default:
		return "EXIT"
	}
}

// Side is the direction of an order.
type Side int

const (
	SideBuy Side = iota
	SideSell
)

func (s Side) String() string {
	if s == SideSell {
		return "SELL"
	}
	return "BUY"
}

// Opposite returns the opposite side.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// OrderType is the pricing policy of an order.
type OrderType int

const (
	OrderMarket OrderType = iota
	OrderLimit
	OrderStop
)

func (t OrderType) String() string {
	switch t {
	case OrderLimit:
		return "LIMIT"
	case OrderStop:
		return "STOP"
	default:
		return "MARKET"
	}
}

// TimeInForce is the lifetime policy of an order.
type TimeInForce int

const (
	// TIFDay expires any unfilled remainder after the trading-day boundary.
	TIFDay TimeInForce = iota
	// TIFGTC carries unfilled quantity into subsequent bars.
	TIFGTC
	// TIFIOC cancels any unfilled remainder immediately.
	TIFIOC
)

func (t TimeInForce) String() string {
	switch t {
	case TIFGTC:
		return "GTC"
	case TIFIOC:
		return "IOC"
	default:
		return "DAY"
	}
}

// Position tracks holdings for one symbol. AvgCost is undefined when
// Quantity is zero.
type Position struct {
	Symbol   string
	Quantity int64
	AvgCost  decimal.Decimal
	LastMark decimal.Decimal
}

// MarketValue returns quantity times the last mark price.
func (p Position) MarketValue() decimal.Decimal {
	return p.LastMark.Mul(decimal.NewFromInt(p.Quantity))
}

// UnrealizedPL returns the open profit against average cost.
func (p Position) UnrealizedPL() decimal.Decimal {
	if p.Quantity == 0 {
		return decimal.Zero
	}
	return p.LastMark.Sub(p.AvgCost).Mul(decimal.NewFromInt(p.Quantity))
}

// RunStatus is the lifecycle state of an orchestrated run. Transitions are
// monotonic: pending -> running -> one of the terminal states.
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
	RunCanceled  RunStatus = "canceled"
)

// Terminal reports whether the status admits no further transitions.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunSucceeded, RunFailed, RunCanceled:
		return true
	default:
		return false
	}
}

// CanTransition reports whether moving from s to next preserves the
// monotonic lifecycle.
func (s RunStatus) CanTransition(next RunStatus) bool {
	if s.Terminal() {
		return false
	}
	switch s {
	case RunPending:
		return next == RunRunning || next.Terminal()
	case RunRunning:
		return next.Terminal()
	default:
		return false
	}
}
