package execution

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/fenggeHu/pybt/internal/event"
	"github.com/fenggeHu/pybt/internal/types"
)

// workingOrder is an accepted order waiting on bars.
type workingOrder struct {
	order      event.Order
	remaining  int64
	acceptedAt time.Time
	// day is the trading day the order was accepted on, for DAY expiry.
	day time.Time
}

// SimBroker fills orders deterministically against bar data. It subscribes
// OrderEvent and MarketEvent and publishes FillEvent; all fills for one bar
// are emitted in order-acceptance order.
type SimBroker struct {
	cfg    Config
	logger *slog.Logger
	bus    *event.Bus

	lastBar  map[string]types.Bar
	working  []*workingOrder
	onCancel CancelFunc
}

// NewSimBroker creates a simulated broker.
func NewSimBroker(cfg Config, logger *slog.Logger) *SimBroker {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.TickSize.IsZero() {
		cfg.TickSize = decimal.RequireFromString("0.01")
	}
	return &SimBroker{
		cfg:     cfg,
		logger:  logger,
		lastBar: make(map[string]types.Bar),
	}
}

// SetCancelFunc registers the callback invoked when a working order is
// canceled or expires unfilled.
func (s *SimBroker) SetCancelFunc(fn CancelFunc) { s.onCancel = fn }

// Wire subscribes the broker on the bus. Market handling must run before the
// portfolio's so same-bar fills are booked against the bar that caused them.
func (s *SimBroker) Wire(bus *event.Bus) error {
	s.bus = bus
	if err := bus.Subscribe(event.KindMarket, s.onMarket); err != nil {
		return err
	}
	return bus.Subscribe(event.KindOrder, s.onOrder)
}

// Working returns the number of orders waiting on market data.
func (s *SimBroker) Working() int { return len(s.working) }

func (s *SimBroker) onOrder(e event.Event) error {
	order, ok := e.Payload.(event.Order)
	if !ok {
		return fmt.Errorf("%w: order payload %T", types.ErrUnknownType, e.Payload)
	}
	if order.Quantity <= 0 {
		return fmt.Errorf("%w: order %s quantity %d", types.ErrInvalidOrderSize, order.ID, order.Quantity)
	}
	if order.Type != types.OrderMarket && (order.Price == nil || order.Price.IsZero()) {
		return fmt.Errorf("%w: %s order %s without a price", types.ErrInvalidOrderSize, order.Type, order.ID)
	}

	bar, seen := s.lastBar[order.Symbol]
	if !seen {
		return fmt.Errorf("%w: no market data for %s", types.ErrStaleData, order.Symbol)
	}
	if s.cfg.Staleness > 0 && !e.OccurredAt.IsZero() {
		if age := e.OccurredAt.Sub(bar.Timestamp); age > s.cfg.Staleness {
			return fmt.Errorf("%w: %s data is %s old", types.ErrStaleData, order.Symbol, age)
		}
	}

	w := &workingOrder{
		order:      order,
		remaining:  order.Quantity,
		acceptedAt: e.OccurredAt,
		day:        bar.Timestamp.UTC().Truncate(24 * time.Hour),
	}

	// Immediate-timing market orders trade on the bar that produced the
	// signal; everything else waits for bars, IOC getting exactly one.
	if s.cfg.Timing == FillCurrentClose && order.Type == types.OrderMarket {
		s.tryFill(w, bar, bar.Close)
		if !s.finishBar(w, bar) {
			s.working = append(s.working, w)
		}
		return nil
	}
	s.working = append(s.working, w)
	return nil
}

func (s *SimBroker) onMarket(e event.Event) error {
	m, ok := e.Payload.(event.Market)
	if !ok {
		return fmt.Errorf("%w: market payload %T", types.ErrUnknownType, e.Payload)
	}
	bar := m.Bar
	s.lastBar[bar.Symbol] = bar

	kept := s.working[:0]
	for _, w := range s.working {
		if w.order.Symbol != bar.Symbol {
			kept = append(kept, w)
			continue
		}
		if px, ok := s.touchPrice(w.order, bar); ok {
			s.tryFill(w, bar, px)
		}
		if s.finishBar(w, bar) {
			continue
		}
		kept = append(kept, w)
	}
	s.working = kept
	return nil
}

// touchPrice decides whether the order trades on this bar and at what base
// price, before slippage.
func (s *SimBroker) touchPrice(order event.Order, bar types.Bar) (decimal.Decimal, bool) {
	switch order.Type {
	case types.OrderMarket:
		return bar.Open, true
	case types.OrderLimit:
		limit := *order.Price
		if order.Side == types.SideBuy {
			if bar.Low.LessThanOrEqual(limit) {
				return decimal.Min(bar.Open, limit), true
			}
		} else {
			if bar.High.GreaterThanOrEqual(limit) {
				return decimal.Max(bar.Open, limit), true
			}
		}
	case types.OrderStop:
		stop := *order.Price
		if order.Side == types.SideBuy {
			if bar.High.GreaterThanOrEqual(stop) {
				return decimal.Max(bar.Open, stop), true
			}
		} else {
			if bar.Low.LessThanOrEqual(stop) {
				return decimal.Min(bar.Open, stop), true
			}
		}
	}
	return decimal.Decimal{}, false
}

// tryFill fills as much of the order as the bar's volume allows and publishes
// the fill.
func (s *SimBroker) tryFill(w *workingOrder, bar types.Bar, base decimal.Decimal) {
	qty := w.remaining
	if !s.cfg.VolumeCap.IsZero() && bar.Volume > 0 {
		maxQty := s.cfg.VolumeCap.Mul(decimal.NewFromInt(bar.Volume)).IntPart()
		if maxQty < qty {
			qty = maxQty
		}
	}
	if qty <= 0 {
		return
	}

	slip := s.slippage(base)
	price := base
	if w.order.Side == types.SideBuy {
		price = price.Add(slip)
	} else {
		price = price.Sub(slip)
	}

	w.remaining -= qty
	s.bus.Publish(event.Event{
		Kind:       event.KindFill,
		OccurredAt: bar.Timestamp,
		Payload: event.Fill{
			OrderID:    w.order.ID,
			Symbol:     w.order.Symbol,
			Side:       w.order.Side,
			Quantity:   qty,
			Price:      price,
			Commission: s.commission(qty, price),
			Slippage:   slip,
			Remaining:  w.remaining,
			Timestamp:  bar.Timestamp,
		},
	})
}

// finishBar applies time-in-force to whatever remains after this bar.
// Returns true when the order is done and must leave the book.
func (s *SimBroker) finishBar(w *workingOrder, bar types.Bar) bool {
	if w.remaining == 0 {
		return true
	}
	switch w.order.TIF {
	case types.TIFIOC:
		s.cancel(w, "ioc remainder")
		return true
	case types.TIFDay:
		day := bar.Timestamp.UTC().Truncate(24 * time.Hour)
		if day.After(w.day) {
			s.cancel(w, "day expiry")
			return true
		}
	case types.TIFGTC:
		if w.order.ExpiresAt != nil && bar.Timestamp.After(*w.order.ExpiresAt) {
			s.cancel(w, "gtc expiry")
			return true
		}
	}
	return false
}

func (s *SimBroker) cancel(w *workingOrder, reason string) {
	s.logger.Debug("order canceled",
		"order", w.order.ID,
		"symbol", w.order.Symbol,
		"remaining", w.remaining,
		"reason", reason,
	)
	if s.onCancel != nil {
		s.onCancel(w.order.ID, reason)
	}
}

func (s *SimBroker) slippage(price decimal.Decimal) decimal.Decimal {
	switch s.cfg.Slippage {
	case SlippageAbsolute:
		return s.cfg.SlippageValue
	case SlippageBps:
		return price.Mul(s.cfg.SlippageValue).Div(decimal.NewFromInt(10000))
	default:
		return s.cfg.TickSize.Mul(s.cfg.SlippageValue)
	}
}

func (s *SimBroker) commission(qty int64, price decimal.Decimal) decimal.Decimal {
	q := decimal.NewFromInt(qty)
	c := s.cfg.CommissionPerUnit.Mul(q).Add(s.cfg.CommissionRate.Mul(price).Mul(q))
	if c.LessThan(s.cfg.MinCommission) {
		return s.cfg.MinCommission
	}
	return c
}
