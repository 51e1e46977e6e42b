package notify

import (
	"context"
	"log/slog"
)

// Console logs intents through slog. Useful for development and single-node
// deployments.
type Console struct {
	logger *slog.Logger
}

// NewConsole creates a console channel.
func NewConsole(logger *slog.Logger) *Console {
	if logger == nil {
		logger = slog.Default()
	}
	return &Console{logger: logger}
}

// Name returns the channel identifier.
func (c *Console) Name() string { return "console" }

// Send logs the intent at a level matching its severity.
func (c *Console) Send(_ context.Context, intent Intent) SendResult {
	attrs := []any{
		"severity", intent.Severity.String(),
		"run_id", intent.RunID,
	}
	if intent.Symbol != "" {
		attrs = append(attrs, "symbol", intent.Symbol)
	}
	if intent.Body != "" {
		attrs = append(attrs, "detail", intent.Body)
	}
	for k, v := range intent.Fields {
		attrs = append(attrs, k, v)
	}

	switch intent.Severity {
	case SeverityCritical:
		c.logger.Error("[NOTIFY] "+intent.Title, attrs...)
	case SeverityWarning:
		c.logger.Warn("[NOTIFY] "+intent.Title, attrs...)
	default:
		c.logger.Info("[NOTIFY] "+intent.Title, attrs...)
	}
	return OK()
}
