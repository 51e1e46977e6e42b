// Package portfolio turns strategy signals into orders and books fills. It
// owns cash and positions; the accounting identity
//
//	equity = cash + sum(quantity * last mark)
//
// holds after every handler returns.
package portfolio

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/fenggeHu/pybt/internal/event"
	"github.com/fenggeHu/pybt/internal/risk"
	"github.com/fenggeHu/pybt/internal/types"
)

// Config holds the initial portfolio state.
type Config struct {
	InitialCash decimal.Decimal
}

// Portfolio is the signal-to-order stage of the pipeline. Not safe for
// concurrent use; the bus dispatches single-threaded.
type Portfolio struct {
	logger *slog.Logger
	bus    *event.Bus
	sizer  Sizer
	checks risk.Chain

	initialCash decimal.Decimal
	cash        decimal.Decimal
	positions   map[string]*types.Position
	lastClose   map[string]decimal.Decimal
	realized    decimal.Decimal
	commission  decimal.Decimal

	pending      map[string]event.Order
	pendingSells map[string]int64
	rejections   int64
}

// New creates a portfolio with the given sizer and risk chain.
func New(cfg Config, sizer Sizer, checks risk.Chain, logger *slog.Logger) *Portfolio {
	if logger == nil {
		logger = slog.Default()
	}
	return &Portfolio{
		logger:       logger,
		sizer:        sizer,
		checks:       checks,
		initialCash:  cfg.InitialCash,
		cash:         cfg.InitialCash,
		positions:    make(map[string]*types.Position),
		lastClose:    make(map[string]decimal.Decimal),
		pending:      make(map[string]event.Order),
		pendingSells: make(map[string]int64),
	}
}

// Wire subscribes the portfolio's handlers on the bus.
func (p *Portfolio) Wire(bus *event.Bus) error {
	p.bus = bus
	if err := bus.Subscribe(event.KindMarket, p.onMarket); err != nil {
		return err
	}
	if err := bus.Subscribe(event.KindSignal, p.onSignal); err != nil {
		return err
	}
	return bus.Subscribe(event.KindFill, p.onFill)
}

// Cash returns the free cash balance.
func (p *Portfolio) Cash() decimal.Decimal { return p.cash }

// Equity returns cash plus the mark value of all positions.
func (p *Portfolio) Equity() decimal.Decimal {
	eq := p.cash
	for _, pos := range p.positions {
		eq = eq.Add(pos.MarketValue())
	}
	return eq
}

// Position returns the current position for a symbol, zero if flat.
func (p *Portfolio) Position(symbol string) types.Position {
	if pos, ok := p.positions[symbol]; ok {
		return *pos
	}
	return types.Position{Symbol: symbol}
}

// RealizedPL returns accumulated realized profit net of nothing; commissions
// are tracked separately.
func (p *Portfolio) RealizedPL() decimal.Decimal { return p.realized }

// CommissionPaid returns total commissions deducted from cash.
func (p *Portfolio) CommissionPaid() decimal.Decimal { return p.commission }

// Rejections returns how many signals the risk chain rejected.
func (p *Portfolio) Rejections() int64 { return p.rejections }

func (p *Portfolio) onMarket(e event.Event) error {
	m, ok := e.Payload.(event.Market)
	if !ok {
		return fmt.Errorf("%w: market payload %T", types.ErrUnknownType, e.Payload)
	}
	bar := m.Bar
	p.lastClose[bar.Symbol] = bar.Close
	if pos, ok := p.positions[bar.Symbol]; ok {
		pos.LastMark = bar.Close
	}
	p.publishMetrics(e)
	return nil
}

func (p *Portfolio) onSignal(e event.Event) error {
	sig, ok := e.Payload.(event.Signal)
	if !ok {
		return fmt.Errorf("%w: signal payload %T", types.ErrUnknownType, e.Payload)
	}

	qty, err := p.sizer.Size(sig, p.view(sig.Symbol))
	if err != nil {
		return fmt.Errorf("size signal %s: %w", sig.ID, err)
	}
	if qty == 0 {
		return nil
	}

	order := event.Order{
		ID:       uuid.NewString(),
		Symbol:   sig.Symbol,
		Quantity: qty,
		Type:     types.OrderMarket,
		TIF:      types.TIFDay,
		SignalID: sig.ID,
	}
	if qty < 0 {
		order.Side = types.SideSell
		order.Quantity = -qty
	}

	order, decision := p.checks.Check(order, p.riskState())
	if decision.Outcome == risk.OutcomeReject {
		p.rejections++
		p.logger.Info("signal rejected",
			"signal", sig.ID,
			"strategy", sig.StrategyID,
			"symbol", sig.Symbol,
			"reason", decision.Reason,
		)
		p.bus.Publish(event.Event{
			Kind:       event.KindRiskReject,
			OccurredAt: e.OccurredAt,
			Payload: event.RiskReject{
				SignalID:   sig.ID,
				StrategyID: sig.StrategyID,
				Symbol:     sig.Symbol,
				Reason:     decision.Reason,
			},
		})
		return nil
	}
	if order.Quantity == 0 {
		return nil
	}

	p.pending[order.ID] = order
	if order.Side == types.SideSell {
		p.pendingSells[order.Symbol] += order.Quantity
	}
	p.bus.Publish(event.Event{
		Kind:       event.KindOrder,
		OccurredAt: e.OccurredAt,
		Payload:    order,
	})
	return nil
}

func (p *Portfolio) onFill(e event.Event) error {
	fill, ok := e.Payload.(event.Fill)
	if !ok {
		return fmt.Errorf("%w: fill payload %T", types.ErrUnknownType, e.Payload)
	}
	if err := p.apply(fill); err != nil {
		// A buy the cash no longer covers is an execution-time shortfall,
		// not corruption: with deferred fill timing the buying-power check
		// ran against an older price. Drop the order and keep going.
		if errors.Is(err, types.ErrInsufficientCash) {
			p.rejectFill(e, fill, err)
			return nil
		}
		// Accounting cannot continue past a fill that does not reconcile.
		return event.Fatal(err)
	}
	p.settle(fill)
	p.publishMetrics(e)
	return nil
}

// rejectFill cancels the order behind an unaffordable fill and reports the
// shortfall as a risk rejection.
func (p *Portfolio) rejectFill(e event.Event, fill event.Fill, cause error) {
	order := p.pending[fill.OrderID]
	p.rejections++
	p.logger.Warn("fill rejected",
		"order", fill.OrderID,
		"symbol", fill.Symbol,
		"reason", cause.Error(),
	)
	p.CancelPending(fill.OrderID)
	p.bus.Publish(event.Event{
		Kind:       event.KindRiskReject,
		OccurredAt: e.OccurredAt,
		Payload: event.RiskReject{
			SignalID: order.SignalID,
			Symbol:   fill.Symbol,
			Reason:   cause.Error(),
		},
	})
}

// apply books one fill against cash and positions.
func (p *Portfolio) apply(fill event.Fill) error {
	qty := decimal.NewFromInt(fill.Quantity)
	notional := fill.Price.Mul(qty)

	pos, ok := p.positions[fill.Symbol]
	if !ok {
		pos = &types.Position{Symbol: fill.Symbol, LastMark: fill.Price}
		p.positions[fill.Symbol] = pos
	}

	switch fill.Side {
	case types.SideBuy:
		cost := notional.Add(fill.Commission)
		if cost.GreaterThan(p.cash) {
			return fmt.Errorf("%w: fill %s needs %s, cash %s",
				types.ErrInsufficientCash, fill.OrderID, cost.StringFixed(2), p.cash.StringFixed(2))
		}
		held := decimal.NewFromInt(pos.Quantity)
		pos.AvgCost = pos.AvgCost.Mul(held).Add(notional).Div(held.Add(qty))
		pos.Quantity += fill.Quantity
		p.cash = p.cash.Sub(cost)
	case types.SideSell:
		if fill.Quantity > pos.Quantity {
			return fmt.Errorf("%w: fill %s sells %d, holding %d",
				types.ErrInsufficientInventory, fill.OrderID, fill.Quantity, pos.Quantity)
		}
		p.realized = p.realized.Add(fill.Price.Sub(pos.AvgCost).Mul(qty))
		pos.Quantity -= fill.Quantity
		p.cash = p.cash.Add(notional).Sub(fill.Commission)
		if pos.Quantity == 0 {
			pos.AvgCost = decimal.Zero
		}
	}
	pos.LastMark = fill.Price
	p.commission = p.commission.Add(fill.Commission)
	return nil
}

// settle updates pending-order bookkeeping after a fill.
func (p *Portfolio) settle(fill event.Fill) {
	order, ok := p.pending[fill.OrderID]
	if !ok {
		return
	}
	if order.Side == types.SideSell {
		p.pendingSells[order.Symbol] -= fill.Quantity
		if p.pendingSells[order.Symbol] < 0 {
			p.pendingSells[order.Symbol] = 0
		}
	}
	if fill.Remaining == 0 {
		delete(p.pending, fill.OrderID)
		return
	}
	order.Quantity = fill.Remaining
	p.pending[fill.OrderID] = order
}

// CancelPending drops an unfilled order, releasing any sell commitment. The
// execution handler calls this when a residual expires or is canceled.
func (p *Portfolio) CancelPending(orderID string) {
	order, ok := p.pending[orderID]
	if !ok {
		return
	}
	if order.Side == types.SideSell {
		p.pendingSells[order.Symbol] -= order.Quantity
		if p.pendingSells[order.Symbol] < 0 {
			p.pendingSells[order.Symbol] = 0
		}
	}
	delete(p.pending, orderID)
}

func (p *Portfolio) view(symbol string) View {
	return View{
		Cash:         p.cash,
		Equity:       p.Equity(),
		Quantity:     p.Position(symbol).Quantity,
		LastClose:    p.lastClose[symbol],
		PendingSells: p.pendingSells[symbol],
	}
}

func (p *Portfolio) riskState() risk.State {
	positions := make(map[string]types.Position, len(p.positions))
	for sym, pos := range p.positions {
		positions[sym] = *pos
	}
	return risk.State{
		Cash:      p.cash,
		Equity:    p.Equity(),
		Positions: positions,
		LastClose: p.lastClose,
	}
}

// Snapshot builds the current metrics payload.
func (p *Portfolio) Snapshot() event.Metrics {
	holdings := make(map[string]int64)
	unrealized := decimal.Zero
	for sym, pos := range p.positions {
		if pos.Quantity != 0 {
			holdings[sym] = pos.Quantity
		}
		unrealized = unrealized.Add(pos.UnrealizedPL())
	}
	return event.Metrics{
		Equity:       p.Equity(),
		Cash:         p.cash,
		RealizedPL:   p.realized,
		UnrealizedPL: unrealized,
		Holdings:     holdings,
	}
}

func (p *Portfolio) publishMetrics(trigger event.Event) {
	p.bus.Publish(event.Event{
		Kind:       event.KindMetrics,
		OccurredAt: trigger.OccurredAt,
		Payload:    p.Snapshot(),
	})
}
