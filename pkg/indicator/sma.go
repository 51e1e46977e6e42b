// Package indicator provides rolling-window calculations used by the
// built-in strategies.
package indicator

import "github.com/shopspring/decimal"

// SMA is a simple moving average over a fixed window.
type SMA struct {
	period int
	window []decimal.Decimal
	sum    decimal.Decimal
}

// NewSMA creates an SMA with the given period.
func NewSMA(period int) *SMA {
	if period < 1 {
		period = 1
	}
	return &SMA{
		period: period,
		window: make([]decimal.Decimal, 0, period),
	}
}

// Update pushes a value and returns the current average, or zero while the
// window is not yet full.
func (s *SMA) Update(value decimal.Decimal) decimal.Decimal {
	s.window = append(s.window, value)
	s.sum = s.sum.Add(value)
	if len(s.window) > s.period {
		s.sum = s.sum.Sub(s.window[0])
		s.window = s.window[1:]
	}
	return s.Current()
}

// Current returns the average without consuming a value.
func (s *SMA) Current() decimal.Decimal {
	if len(s.window) < s.period {
		return decimal.Zero
	}
	return s.sum.Div(decimal.NewFromInt(int64(s.period)))
}

// Ready reports whether the window is full.
func (s *SMA) Ready() bool { return len(s.window) >= s.period }

// Reset clears the window.
func (s *SMA) Reset() {
	s.window = s.window[:0]
	s.sum = decimal.Zero
}
