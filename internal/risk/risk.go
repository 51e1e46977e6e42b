// Package risk implements the ordered pre-trade check chain. Rejections are
// first-class results, not errors: a rejected order is expected policy.
package risk

import (
	"github.com/shopspring/decimal"

	"github.com/fenggeHu/pybt/internal/event"
	"github.com/fenggeHu/pybt/internal/types"
)

// State is the portfolio view a manager checks an order against.
type State struct {
	Cash      decimal.Decimal
	Equity    decimal.Decimal
	Positions map[string]types.Position
	LastClose map[string]decimal.Decimal
}

// PositionQty returns the current signed quantity for a symbol.
func (s State) PositionQty(symbol string) int64 {
	if p, ok := s.Positions[symbol]; ok {
		return p.Quantity
	}
	return 0
}

// Outcome classifies a decision.
type Outcome int

const (
	OutcomeApprove Outcome = iota
	OutcomeReject
	OutcomeModify
)

// Decision is the result of one manager's check.
type Decision struct {
	Outcome Outcome
	Reason  string
	// Order carries the replacement order for OutcomeModify.
	Order *event.Order
}

// Approve passes the order unchanged.
func Approve() Decision { return Decision{Outcome: OutcomeApprove} }

// Reject stops the chain with a reason.
func Reject(reason string) Decision { return Decision{Outcome: OutcomeReject, Reason: reason} }

// Modify replaces the order for the rest of the chain.
func Modify(order event.Order, reason string) Decision {
	return Decision{Outcome: OutcomeModify, Order: &order, Reason: reason}
}

// Manager is one pre-trade rule.
type Manager interface {
	Name() string
	Check(order event.Order, state State) Decision
}

// Chain runs managers in order, short-circuiting on the first rejection and
// threading modifications through subsequent checks.
type Chain []Manager

// Check evaluates the chain. On approval the possibly-modified order is
// returned.
func (c Chain) Check(order event.Order, state State) (event.Order, Decision) {
	for _, m := range c {
		d := m.Check(order, state)
		switch d.Outcome {
		case OutcomeReject:
			return order, Decision{Outcome: OutcomeReject, Reason: m.Name() + ": " + d.Reason}
		case OutcomeModify:
			order = *d.Order
		}
	}
	return order, Approve()
}

// referencePrice resolves the price an order is evaluated at: its own limit
// or stop price when set, otherwise the last close for the symbol.
func referencePrice(order event.Order, state State) (decimal.Decimal, bool) {
	if order.Price != nil && !order.Price.IsZero() {
		return *order.Price, true
	}
	px, ok := state.LastClose[order.Symbol]
	return px, ok
}

// signedQty converts an order to a signed quantity delta.
func signedQty(order event.Order) int64 {
	if order.Side == types.SideSell {
		return -order.Quantity
	}
	return order.Quantity
}
