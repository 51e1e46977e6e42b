package risk

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/fenggeHu/pybt/internal/event"
)

// MaxPosition rejects orders whose post-fill absolute quantity exceeds a
// per-symbol limit.
type MaxPosition struct {
	Limit int64
}

func (m MaxPosition) Name() string { return "max_position" }

func (m MaxPosition) Check(order event.Order, state State) Decision {
	post := state.PositionQty(order.Symbol) + signedQty(order)
	if post < 0 {
		post = -post
	}
	if post > m.Limit {
		return Reject(fmt.Sprintf("post-fill quantity %d exceeds limit %d", post, m.Limit))
	}
	return Approve()
}

// BuyingPower rejects buys whose notional plus estimated fees exceeds
// available cash.
type BuyingPower struct {
	// FeeRate estimates fees as a fraction of notional.
	FeeRate decimal.Decimal
}

func (b BuyingPower) Name() string { return "buying_power" }

func (b BuyingPower) Check(order event.Order, state State) Decision {
	if signedQty(order) <= 0 {
		return Approve()
	}
	px, ok := referencePrice(order, state)
	if !ok {
		return Reject("no reference price for " + order.Symbol)
	}
	notional := px.Mul(decimal.NewFromInt(order.Quantity))
	required := notional.Add(notional.Mul(b.FeeRate))
	if required.GreaterThan(state.Cash) {
		return Reject(fmt.Sprintf("required %s exceeds cash %s", required.StringFixed(2), state.Cash.StringFixed(2)))
	}
	return Approve()
}

// Concentration rejects orders that would push a symbol's exposure past a
// fraction of equity.
type Concentration struct {
	MaxFraction decimal.Decimal
}

func (c Concentration) Name() string { return "concentration" }

func (c Concentration) Check(order event.Order, state State) Decision {
	if state.Equity.IsZero() {
		return Reject("zero equity")
	}
	px, ok := referencePrice(order, state)
	if !ok {
		return Reject("no reference price for " + order.Symbol)
	}
	post := state.PositionQty(order.Symbol) + signedQty(order)
	if post < 0 {
		post = -post
	}
	exposure := px.Mul(decimal.NewFromInt(post)).Div(state.Equity)
	if exposure.GreaterThan(c.MaxFraction) {
		return Reject(fmt.Sprintf("post-fill exposure %s exceeds %s of equity",
			exposure.StringFixed(4), c.MaxFraction.StringFixed(4)))
	}
	return Approve()
}

// PriceBand rejects orders whose reference price deviates from the last
// close by more than a fractional band. Market orders without a price pass.
type PriceBand struct {
	Band decimal.Decimal
}

func (p PriceBand) Name() string { return "price_band" }

func (p PriceBand) Check(order event.Order, state State) Decision {
	if order.Price == nil || order.Price.IsZero() {
		return Approve()
	}
	last, ok := state.LastClose[order.Symbol]
	if !ok || last.IsZero() {
		return Reject("no last close for " + order.Symbol)
	}
	dev := order.Price.Sub(last).Abs().Div(last)
	if dev.GreaterThan(p.Band) {
		return Reject(fmt.Sprintf("price %s deviates %s from close %s, band %s",
			order.Price.StringFixed(4), dev.StringFixed(4), last.StringFixed(4), p.Band.StringFixed(4)))
	}
	return Approve()
}
