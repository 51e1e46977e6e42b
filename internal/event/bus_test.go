package event

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/fenggeHu/pybt/internal/types"
)

func marketEvent(symbol string, ts time.Time) Event {
	return Event{
		Kind:       KindMarket,
		OccurredAt: ts,
		Payload: Market{Bar: types.Bar{
			Symbol:    symbol,
			Timestamp: ts,
			Close:     decimal.NewFromInt(100),
		}},
	}
}

func TestBus_FIFOAcrossKinds(t *testing.T) {
	bus := NewBus("run-1", "trace-1", nil)

	var order []uint64
	record := func(e Event) error {
		order = append(order, e.Seq)
		return nil
	}
	for _, k := range []Kind{KindMarket, KindSignal, KindOrder} {
		if err := bus.Subscribe(k, record); err != nil {
			t.Fatalf("subscribe: %v", err)
		}
	}

	now := time.Now()
	bus.Publish(marketEvent("AAPL", now))
	bus.Publish(Event{Kind: KindSignal, OccurredAt: now, Payload: Signal{Symbol: "AAPL"}})
	bus.Publish(Event{Kind: KindOrder, OccurredAt: now, Payload: Order{Symbol: "AAPL"}})

	if err := bus.Drain(); err != nil {
		t.Fatalf("drain: %v", err)
	}

	if len(order) != 3 {
		t.Fatalf("dispatched = %d, want 3", len(order))
	}
	for i := 1; i < len(order); i++ {
		if order[i] <= order[i-1] {
			t.Errorf("sequence not increasing: %v", order)
		}
	}
}

func TestBus_RegistrationOrder(t *testing.T) {
	bus := NewBus("run-1", "trace-1", nil)

	var calls []string
	for _, name := range []string{"a", "b", "c"} {
		n := name
		if err := bus.Subscribe(KindMarket, func(Event) error {
			calls = append(calls, n)
			return nil
		}); err != nil {
			t.Fatalf("subscribe: %v", err)
		}
	}

	bus.Publish(marketEvent("AAPL", time.Now()))
	if err := bus.Drain(); err != nil {
		t.Fatalf("drain: %v", err)
	}

	want := []string{"a", "b", "c"}
	if len(calls) != len(want) {
		t.Fatalf("calls = %v, want %v", calls, want)
	}
	for i := range want {
		if calls[i] != want[i] {
			t.Fatalf("calls = %v, want %v", calls, want)
		}
	}
}

func TestBus_HandlerPublishesDuringDrain(t *testing.T) {
	bus := NewBus("run-1", "trace-1", nil)

	var fills int
	if err := bus.Subscribe(KindOrder, func(e Event) error {
		bus.Publish(Event{Kind: KindFill, OccurredAt: e.OccurredAt, Payload: Fill{}})
		return nil
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := bus.Subscribe(KindFill, func(Event) error {
		fills++
		return nil
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	bus.Publish(Event{Kind: KindOrder, OccurredAt: time.Now(), Payload: Order{}})
	if err := bus.Drain(); err != nil {
		t.Fatalf("drain: %v", err)
	}

	if fills != 1 {
		t.Errorf("fills = %d, want 1: cascaded events must dispatch in the same drain", fills)
	}
	if bus.Pending() != 0 {
		t.Errorf("pending = %d, want 0", bus.Pending())
	}
}

func TestBus_RecoverableErrorSkipsHandler(t *testing.T) {
	bus := NewBus("run-1", "trace-1", nil)

	var after int
	if err := bus.Subscribe(KindMarket, func(Event) error {
		return errors.New("transient")
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := bus.Subscribe(KindMarket, func(Event) error {
		after++
		return nil
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	bus.Publish(marketEvent("AAPL", time.Now()))
	if err := bus.Drain(); err != nil {
		t.Fatalf("drain should not fail on recoverable error: %v", err)
	}
	if after != 1 {
		t.Errorf("later handler invoked %d times, want 1", after)
	}
}

func TestBus_FatalErrorAbortsDrain(t *testing.T) {
	bus := NewBus("run-1", "trace-1", nil)

	boom := errors.New("boom")
	if err := bus.Subscribe(KindMarket, func(Event) error {
		return Fatal(boom)
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	var second int
	if err := bus.Subscribe(KindMarket, func(Event) error {
		second++
		return nil
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	bus.Publish(marketEvent("AAPL", time.Now()))
	bus.Publish(marketEvent("AAPL", time.Now()))

	err := bus.Drain()
	if err == nil {
		t.Fatal("drain should surface fatal error")
	}
	if !errors.Is(err, boom) {
		t.Errorf("err = %v, want wrapped %v", err, boom)
	}
	if second != 0 {
		t.Errorf("handlers after fatal ran %d times, want 0", second)
	}
}

func TestBus_ReentrantDrainFails(t *testing.T) {
	bus := NewBus("run-1", "trace-1", nil)

	var nested error
	if err := bus.Subscribe(KindMarket, func(Event) error {
		nested = bus.Drain()
		return nil
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	bus.Publish(marketEvent("AAPL", time.Now()))
	if err := bus.Drain(); err != nil {
		t.Fatalf("drain: %v", err)
	}
	if !errors.Is(nested, ErrReentrantDrain) {
		t.Errorf("nested drain err = %v, want ErrReentrantDrain", nested)
	}
}

func TestBus_SubscribeDuringDrainFails(t *testing.T) {
	bus := NewBus("run-1", "trace-1", nil)

	var subErr error
	if err := bus.Subscribe(KindMarket, func(Event) error {
		subErr = bus.Subscribe(KindFill, func(Event) error { return nil })
		return nil
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	bus.Publish(marketEvent("AAPL", time.Now()))
	if err := bus.Drain(); err != nil {
		t.Fatalf("drain: %v", err)
	}
	if !errors.Is(subErr, ErrSubscribeDuringDrain) {
		t.Errorf("subscribe err = %v, want ErrSubscribeDuringDrain", subErr)
	}
}

func TestBus_PerSymbolSequence(t *testing.T) {
	bus := NewBus("run-1", "trace-1", nil)

	var seqs []uint64
	if err := bus.Subscribe(KindMarket, func(e Event) error {
		if m, ok := e.Payload.(Market); ok && m.Bar.Symbol == "AAPL" {
			seqs = append(seqs, e.SymbolSeq)
		}
		return nil
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	now := time.Now()
	bus.Publish(marketEvent("AAPL", now))
	bus.Publish(marketEvent("MSFT", now))
	bus.Publish(marketEvent("AAPL", now.Add(time.Minute)))
	if err := bus.Drain(); err != nil {
		t.Fatalf("drain: %v", err)
	}

	if len(seqs) != 2 || seqs[0] != 1 || seqs[1] != 2 {
		t.Errorf("AAPL symbol seqs = %v, want [1 2]", seqs)
	}
}
