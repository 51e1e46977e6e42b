// Package event defines the typed events moving through the kernel and the
// synchronous bus that dispatches them.
package event

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/fenggeHu/pybt/internal/types"
)

// Kind tags the payload carried by an event envelope.
type Kind int

const (
	KindMarket Kind = iota
	KindSignal
	KindOrder
	KindFill
	KindMetrics
	KindRiskReject
	KindSystem
)

func (k Kind) String() string {
	switch k {
	case KindMarket:
		return "market"
	case KindSignal:
		return "signal"
	case KindOrder:
		return "order"
	case KindFill:
		return "fill"
	case KindMetrics:
		return "metrics"
	case KindRiskReject:
		return "risk_reject"
	case KindSystem:
		return "system"
	default:
		return "unknown"
	}
}

// Event is the envelope for every in-bus message. Seq is assigned by the bus
// on publish and increases monotonically across all kinds.
type Event struct {
	Kind       Kind
	Seq        uint64
	OccurredAt time.Time
	RunID      string
	TraceID    string
	SymbolSeq  uint64
	Payload    any
}

// Market wraps a Bar produced by a data feed.
type Market struct {
	Bar types.Bar
}

// Signal is a strategy's desired exposure change.
type Signal struct {
	ID           string
	StrategyID   string
	Symbol       string
	Direction    types.SignalDirection
	Strength     decimal.Decimal
	Reason       string
	TargetWeight *decimal.Decimal
}

// Order is a portfolio instruction for the execution handler.
type Order struct {
	ID        string
	Symbol    string
	Side      types.Side
	Quantity  int64
	Type      types.OrderType
	Price     *decimal.Decimal
	TIF       types.TimeInForce
	SignalID  string
	ExpiresAt *time.Time
}

// Fill is an execution report.
type Fill struct {
	OrderID    string
	Symbol     string
	Side       types.Side
	Quantity   int64
	Price      decimal.Decimal
	Commission decimal.Decimal
	Slippage   decimal.Decimal
	Remaining  int64
	Timestamp  time.Time
}

// Metrics is an equity snapshot published after each portfolio update.
type Metrics struct {
	Equity       decimal.Decimal
	Cash         decimal.Decimal
	RealizedPL   decimal.Decimal
	UnrealizedPL decimal.Decimal
	Holdings     map[string]int64
	Summary      map[string]decimal.Decimal
}

// RiskReject records a risk-chain rejection. Published by the portfolio so
// the notification bridge can observe policy decisions.
type RiskReject struct {
	SignalID   string
	StrategyID string
	Symbol     string
	Reason     string
}

// SystemClass classifies a system event.
type SystemClass string

const (
	SystemHeartbeatTimeout SystemClass = "heartbeat_timeout"
	SystemSequenceGap      SystemClass = "sequence_gap"
	SystemReconnect        SystemClass = "reconnect"
)

// System reports a feed-level condition such as a heartbeat timeout or a
// per-symbol sequence gap.
type System struct {
	Class  SystemClass
	Symbol string
	Detail string
}
