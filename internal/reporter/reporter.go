// Package reporter collects run output from the bus: equity curves, trade
// statistics, and durable trade logs.
package reporter

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/fenggeHu/pybt/internal/event"
	"github.com/fenggeHu/pybt/internal/types"
)

// Reporter is a read-only bus consumer. Reporters never publish.
type Reporter interface {
	Wire(bus *event.Bus) error
}

// Point is one equity observation.
type Point struct {
	Timestamp time.Time
	Equity    decimal.Decimal
	Drawdown  decimal.Decimal
}

// EquityCurve records equity and drawdown per metrics snapshot.
type EquityCurve struct {
	initial   decimal.Decimal
	highWater decimal.Decimal
	points    []Point
}

// NewEquityCurve creates a curve anchored at the initial equity.
func NewEquityCurve(initial decimal.Decimal) *EquityCurve {
	return &EquityCurve{initial: initial, highWater: initial}
}

// Wire subscribes the curve on metrics events.
func (c *EquityCurve) Wire(bus *event.Bus) error {
	return bus.Subscribe(event.KindMetrics, c.onMetrics)
}

func (c *EquityCurve) onMetrics(e event.Event) error {
	m, ok := e.Payload.(event.Metrics)
	if !ok {
		return fmt.Errorf("%w: metrics payload %T", types.ErrUnknownType, e.Payload)
	}
	if m.Equity.GreaterThan(c.highWater) {
		c.highWater = m.Equity
	}
	dd := decimal.Zero
	if c.highWater.IsPositive() {
		dd = c.highWater.Sub(m.Equity).Div(c.highWater)
	}
	c.points = append(c.points, Point{Timestamp: e.OccurredAt, Equity: m.Equity, Drawdown: dd})
	return nil
}

// Points returns the recorded curve.
func (c *EquityCurve) Points() []Point { return c.points }

// MaxDrawdown returns the deepest peak-to-trough decline as a ratio.
func (c *EquityCurve) MaxDrawdown() decimal.Decimal {
	max := decimal.Zero
	for _, p := range c.points {
		if p.Drawdown.GreaterThan(max) {
			max = p.Drawdown
		}
	}
	return max
}

// TotalReturn returns the final equity change as a ratio of initial equity.
func (c *EquityCurve) TotalReturn() decimal.Decimal {
	if len(c.points) == 0 || !c.initial.IsPositive() {
		return decimal.Zero
	}
	last := c.points[len(c.points)-1].Equity
	return last.Sub(c.initial).Div(c.initial)
}

// Trade is one completed round trip, closed by a sell fill.
type Trade struct {
	Symbol     string
	Quantity   int64
	EntryPrice decimal.Decimal
	ExitPrice  decimal.Decimal
	EntryTime  time.Time
	ExitTime   time.Time
	GrossPL    decimal.Decimal
	Commission decimal.Decimal
	NetPL      decimal.Decimal
}

// Summary is the final report of a run.
type Summary struct {
	StartEquity   decimal.Decimal
	EndEquity     decimal.Decimal
	TotalReturn   decimal.Decimal
	MaxDrawdown   decimal.Decimal
	TotalTrades   int
	WinningTrades int
	LosingTrades  int
	WinRate       decimal.Decimal
	ProfitFactor  decimal.Decimal
	Commission    decimal.Decimal
	Rejections    int
}

// openLot tracks the running entry side of a symbol's position.
type openLot struct {
	quantity   int64
	avgCost    decimal.Decimal
	commission decimal.Decimal
	entryTime  time.Time
}

// Detailed aggregates fills into round-trip trades and win/loss statistics.
type Detailed struct {
	curve      *EquityCurve
	lots       map[string]*openLot
	trades     []Trade
	commission decimal.Decimal
	rejections int
}

// NewDetailed creates a detailed reporter anchored at the initial equity.
func NewDetailed(initial decimal.Decimal) *Detailed {
	return &Detailed{
		curve: NewEquityCurve(initial),
		lots:  make(map[string]*openLot),
	}
}

// Wire subscribes on fills, metrics and risk rejections.
func (r *Detailed) Wire(bus *event.Bus) error {
	if err := r.curve.Wire(bus); err != nil {
		return err
	}
	if err := bus.Subscribe(event.KindFill, r.onFill); err != nil {
		return err
	}
	return bus.Subscribe(event.KindRiskReject, r.onReject)
}

func (r *Detailed) onReject(event.Event) error {
	r.rejections++
	return nil
}

func (r *Detailed) onFill(e event.Event) error {
	fill, ok := e.Payload.(event.Fill)
	if !ok {
		return fmt.Errorf("%w: fill payload %T", types.ErrUnknownType, e.Payload)
	}
	r.commission = r.commission.Add(fill.Commission)

	lot, ok := r.lots[fill.Symbol]
	if !ok {
		lot = &openLot{}
		r.lots[fill.Symbol] = lot
	}
	qty := decimal.NewFromInt(fill.Quantity)

	if fill.Side == types.SideBuy {
		held := decimal.NewFromInt(lot.quantity)
		lot.avgCost = lot.avgCost.Mul(held).Add(fill.Price.Mul(qty)).Div(held.Add(qty))
		if lot.quantity == 0 {
			lot.entryTime = fill.Timestamp
		}
		lot.quantity += fill.Quantity
		lot.commission = lot.commission.Add(fill.Commission)
		return nil
	}

	if lot.quantity == 0 {
		// Sell with no tracked entry; nothing to pair.
		return nil
	}
	closed := fill.Quantity
	if closed > lot.quantity {
		closed = lot.quantity
	}
	closedDec := decimal.NewFromInt(closed)
	entryShare := lot.commission.Mul(closedDec).Div(decimal.NewFromInt(lot.quantity))
	gross := fill.Price.Sub(lot.avgCost).Mul(closedDec)
	tradeCommission := entryShare.Add(fill.Commission)

	r.trades = append(r.trades, Trade{
		Symbol:     fill.Symbol,
		Quantity:   closed,
		EntryPrice: lot.avgCost,
		ExitPrice:  fill.Price,
		EntryTime:  lot.entryTime,
		ExitTime:   fill.Timestamp,
		GrossPL:    gross,
		Commission: tradeCommission,
		NetPL:      gross.Sub(tradeCommission),
	})

	lot.commission = lot.commission.Sub(entryShare)
	lot.quantity -= closed
	if lot.quantity == 0 {
		lot.avgCost = decimal.Zero
		lot.commission = decimal.Zero
	}
	return nil
}

// Trades returns completed round trips in close order.
func (r *Detailed) Trades() []Trade { return r.trades }

// Curve returns the underlying equity curve.
func (r *Detailed) Curve() *EquityCurve { return r.curve }

// Summarize computes the final report.
func (r *Detailed) Summarize() Summary {
	s := Summary{
		StartEquity: r.curve.initial,
		EndEquity:   r.curve.initial,
		TotalReturn: r.curve.TotalReturn(),
		MaxDrawdown: r.curve.MaxDrawdown(),
		TotalTrades: len(r.trades),
		Commission:  r.commission,
		Rejections:  r.rejections,
	}
	if pts := r.curve.points; len(pts) > 0 {
		s.EndEquity = pts[len(pts)-1].Equity
	}

	grossProfit := decimal.Zero
	grossLoss := decimal.Zero
	for _, t := range r.trades {
		if t.NetPL.IsPositive() {
			s.WinningTrades++
			grossProfit = grossProfit.Add(t.NetPL)
		} else if t.NetPL.IsNegative() {
			s.LosingTrades++
			grossLoss = grossLoss.Add(t.NetPL.Abs())
		}
	}
	if len(r.trades) > 0 {
		s.WinRate = decimal.NewFromInt(int64(s.WinningTrades)).Div(decimal.NewFromInt(int64(len(r.trades))))
	}
	if grossLoss.IsPositive() {
		s.ProfitFactor = grossProfit.Div(grossLoss)
	}
	return s
}
