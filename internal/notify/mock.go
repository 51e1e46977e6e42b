package notify

import (
	"context"
	"strings"
	"sync"
)

// Mock is a channel for tests. It captures every intent and answers with a
// scripted result.
type Mock struct {
	mu      sync.Mutex
	sent    []Intent
	results []SendResult
}

// NewMock creates a mock channel that reports success.
func NewMock() *Mock {
	return &Mock{}
}

// Name returns the channel identifier.
func (m *Mock) Name() string { return "mock" }

// Script queues results to return, in order. When the script is exhausted
// Send reports success.
func (m *Mock) Script(results ...SendResult) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results = append(m.results, results...)
}

// Send captures the intent.
func (m *Mock) Send(_ context.Context, intent Intent) SendResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, intent)
	if len(m.results) > 0 {
		r := m.results[0]
		m.results = m.results[1:]
		return r
	}
	return OK()
}

// Sent returns all captured intents.
func (m *Mock) Sent() []Intent {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Intent, len(m.sent))
	copy(out, m.sent)
	return out
}

// Count returns the number of captured intents.
func (m *Mock) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

// HasTitleContaining reports whether any captured intent title contains the
// substring.
func (m *Mock) HasTitleContaining(substr string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, intent := range m.sent {
		if strings.Contains(intent.Title, substr) {
			return true
		}
	}
	return false
}
