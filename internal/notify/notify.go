// Package notify turns run events into durable notification intents and
// delivers them through pluggable channels.
package notify

import (
	"context"
	"fmt"
	"sort"
	"time"
)

// Severity levels a notification.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityCritical
)

// String returns the string representation of the severity.
func (s Severity) String() string {
	switch s {
	case SeverityWarning:
		return "WARNING"
	case SeverityCritical:
		return "CRITICAL"
	default:
		return "INFO"
	}
}

// Emoji returns an emoji for the severity level.
func (s Severity) Emoji() string {
	switch s {
	case SeverityWarning:
		return "⚠️"
	case SeverityCritical:
		return "🚨"
	default:
		return "ℹ️"
	}
}

// ParseSeverity maps a config string to a severity. Empty means info.
func ParseSeverity(s string) (Severity, error) {
	switch s {
	case "", "info":
		return SeverityInfo, nil
	case "warning":
		return SeverityWarning, nil
	case "critical":
		return SeverityCritical, nil
	default:
		return SeverityInfo, fmt.Errorf("unknown severity %q", s)
	}
}

// Intent is one notification to deliver. Intents are persisted by the outbox
// before any delivery attempt; DedupeKey collapses repeats within the
// configured window.
type Intent struct {
	ID         string            `json:"id"`
	RunID      string            `json:"run_id"`
	StrategyID string            `json:"strategy_id,omitempty"`
	Symbol     string            `json:"symbol,omitempty"`
	Severity   Severity          `json:"severity"`
	Title      string            `json:"title"`
	Body       string            `json:"body"`
	Fields     map[string]string `json:"fields,omitempty"`
	DedupeKey  string            `json:"dedupe_key"`
	OccurredAt time.Time         `json:"occurred_at"`
}

// Status is the outcome class of a delivery attempt.
type Status int

const (
	StatusOK Status = iota
	StatusRetryable
	StatusPermanent
)

// SendResult is the outcome of one delivery attempt. Adapters never return
// Go errors for delivery outcomes; transport state is part of the result.
type SendResult struct {
	Status Status
	Reason string
	// RetryAfter carries a server-provided backoff hint, zero when absent.
	RetryAfter time.Duration
}

// OK reports a successful delivery.
func OK() SendResult { return SendResult{Status: StatusOK} }

// Retryable reports a transient failure. retryAfter may be zero.
func Retryable(reason string, retryAfter time.Duration) SendResult {
	return SendResult{Status: StatusRetryable, Reason: reason, RetryAfter: retryAfter}
}

// Permanent reports a failure that no retry can fix.
func Permanent(reason string) SendResult {
	return SendResult{Status: StatusPermanent, Reason: reason}
}

// ChannelAdapter delivers intents over one transport.
type ChannelAdapter interface {
	// Name returns the stable channel identifier.
	Name() string

	// Send attempts one delivery. The context carries the per-attempt
	// timeout.
	Send(ctx context.Context, intent Intent) SendResult
}

// FormatFields renders intent fields as bullet lines for text transports,
// sorted by key for stable output.
func FormatFields(fields map[string]string) string {
	keys := make([]string, 0, len(fields))
	for key := range fields {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	result := ""
	for _, key := range keys {
		if result != "" {
			result += "\n"
		}
		result += fmt.Sprintf("• %s: %s", key, fields[key])
	}
	return result
}
