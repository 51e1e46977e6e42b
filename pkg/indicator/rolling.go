package indicator

import "github.com/shopspring/decimal"

// Rolling tracks the highest and lowest values over a fixed lookback. Used
// by breakout-style strategies.
type Rolling struct {
	period int
	window []decimal.Decimal
}

// NewRolling creates a rolling extreme tracker with the given lookback.
func NewRolling(period int) *Rolling {
	if period < 1 {
		period = 1
	}
	return &Rolling{
		period: period,
		window: make([]decimal.Decimal, 0, period),
	}
}

// Update pushes a value into the window.
func (r *Rolling) Update(value decimal.Decimal) {
	r.window = append(r.window, value)
	if len(r.window) > r.period {
		r.window = r.window[1:]
	}
}

// Highest returns the maximum value in the window, or zero when empty.
func (r *Rolling) Highest() decimal.Decimal {
	if len(r.window) == 0 {
		return decimal.Zero
	}
	max := r.window[0]
	for _, v := range r.window[1:] {
		if v.GreaterThan(max) {
			max = v
		}
	}
	return max
}

// Lowest returns the minimum value in the window, or zero when empty.
func (r *Rolling) Lowest() decimal.Decimal {
	if len(r.window) == 0 {
		return decimal.Zero
	}
	min := r.window[0]
	for _, v := range r.window[1:] {
		if v.LessThan(min) {
			min = v
		}
	}
	return min
}

// Ready reports whether the window is full.
func (r *Rolling) Ready() bool { return len(r.window) >= r.period }

// Reset clears the window.
func (r *Rolling) Reset() { r.window = r.window[:0] }
