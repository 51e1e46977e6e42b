package strategy

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/fenggeHu/pybt/internal/types"
)

func bars(symbol string, closes ...float64) []types.Bar {
	base := time.Date(2024, 1, 2, 9, 30, 0, 0, time.UTC)
	out := make([]types.Bar, 0, len(closes))
	for i, c := range closes {
		px := decimal.NewFromFloat(c)
		out = append(out, types.Bar{
			Symbol:    symbol,
			Timestamp: base.Add(time.Duration(i) * time.Minute),
			Open:      px,
			High:      px,
			Low:       px,
			Close:     px,
			Volume:    1000,
		})
	}
	return out
}

func TestMovingAverage_CrossoverFiresOnce(t *testing.T) {
	ma, err := NewMovingAverage(Params{Symbol: "AAPL", ShortWindow: 2, LongWindow: 4})
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	// Downtrend then a sharp uptrend: exactly one long crossover.
	prices := []float64{110, 108, 106, 104, 102, 100, 110, 120, 130, 140}
	var longs, exits int
	for _, bar := range bars("AAPL", prices...) {
		for _, sig := range ma.OnMarket(bar) {
			switch sig.Direction {
			case types.DirectionLong:
				longs++
			case types.DirectionExit:
				exits++
			}
		}
	}

	if longs != 1 {
		t.Errorf("long signals = %d, want exactly 1", longs)
	}
	if exits != 0 {
		t.Errorf("exit signals = %d, want 0", exits)
	}
}

func TestMovingAverage_ExitOnCrossDown(t *testing.T) {
	ma, err := NewMovingAverage(Params{ShortWindow: 2, LongWindow: 4})
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	prices := []float64{100, 102, 104, 106, 108, 110, 100, 90, 80, 70}
	var exits int
	for _, bar := range bars("AAPL", prices...) {
		for _, sig := range ma.OnMarket(bar) {
			if sig.Direction == types.DirectionExit {
				exits++
			}
		}
	}
	if exits != 1 {
		t.Errorf("exit signals = %d, want 1", exits)
	}
}

func TestMovingAverage_Deterministic(t *testing.T) {
	prices := []float64{100, 101, 99, 103, 97, 105, 110, 108, 112, 115}

	run := func() []string {
		ma, err := NewMovingAverage(Params{ShortWindow: 3, LongWindow: 5})
		if err != nil {
			t.Fatalf("new: %v", err)
		}
		var dirs []string
		for _, bar := range bars("AAPL", prices...) {
			for _, sig := range ma.OnMarket(bar) {
				dirs = append(dirs, sig.Direction.String())
			}
		}
		return dirs
	}

	a, b := run(), run()
	if len(a) != len(b) {
		t.Fatalf("runs differ in signal count: %d vs %d", len(a), len(b))
	}
	for i := range a {
		if a[i] != b[i] {
			t.Errorf("signal %d differs: %s vs %s", i, a[i], b[i])
		}
	}
}

func TestMovingAverage_RejectsBadWindows(t *testing.T) {
	if _, err := NewMovingAverage(Params{ShortWindow: 8, LongWindow: 3}); err == nil {
		t.Error("expected error for short >= long")
	}
	if _, err := NewMovingAverage(Params{ShortWindow: 0, LongWindow: 3}); err == nil {
		t.Error("expected error for zero window")
	}
}

func TestBreakout_LongAndExit(t *testing.T) {
	bo, err := NewBreakout(Params{Lookback: 3})
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	prices := []float64{100, 101, 100, 105, 106, 99, 90}
	var dirs []types.SignalDirection
	for _, bar := range bars("AAPL", prices...) {
		for _, sig := range bo.OnMarket(bar) {
			dirs = append(dirs, sig.Direction)
		}
	}

	if len(dirs) != 2 || dirs[0] != types.DirectionLong || dirs[1] != types.DirectionExit {
		t.Errorf("signals = %v, want [LONG EXIT]", dirs)
	}
}

func TestBreakout_IgnoresOtherSymbols(t *testing.T) {
	bo, err := NewBreakout(Params{Symbol: "AAPL", Lookback: 2})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	for _, bar := range bars("MSFT", 100, 110, 120, 130) {
		if sigs := bo.OnMarket(bar); len(sigs) != 0 {
			t.Fatalf("unexpected signals for foreign symbol: %v", sigs)
		}
	}
}

func TestRegistry_BuildAndPlugin(t *testing.T) {
	reg := NewRegistry()

	if _, err := reg.Build("moving_average", Params{ShortWindow: 3, LongWindow: 8}); err != nil {
		t.Fatalf("build moving_average: %v", err)
	}
	if _, err := reg.Build("nope", Params{}); err == nil {
		t.Error("expected error for unknown type")
	}

	reg.Register("custom", func(p Params) (Strategy, error) {
		return NewBreakout(Params{ID: "custom", Lookback: 5})
	})
	s, err := reg.Build("custom", Params{})
	if err != nil {
		t.Fatalf("build custom: %v", err)
	}
	if s.ID() != "custom" {
		t.Errorf("plugin id = %s, want custom", s.ID())
	}
}
