package notify

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
)

// WebhookConfig holds configuration for a generic webhook channel.
type WebhookConfig struct {
	URL     string
	Timeout time.Duration
}

// Webhook POSTs intents as JSON to an arbitrary endpoint.
type Webhook struct {
	cfg    WebhookConfig
	client *resty.Client
}

// NewWebhook creates a webhook channel.
func NewWebhook(cfg WebhookConfig) *Webhook {
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Webhook{cfg: cfg, client: resty.New().SetTimeout(cfg.Timeout)}
}

// Name returns the channel identifier.
func (w *Webhook) Name() string { return "webhook" }

// Send posts the intent. 2xx is success, 429 and 5xx retryable, other 4xx
// permanent.
func (w *Webhook) Send(ctx context.Context, intent Intent) SendResult {
	resp, err := w.client.R().
		SetContext(ctx).
		SetBody(intent).
		Post(w.cfg.URL)
	if err != nil {
		return Retryable(fmt.Sprintf("send request: %v", err), 0)
	}

	code := resp.StatusCode()
	switch {
	case code >= 200 && code < 300:
		return OK()
	case code == http.StatusTooManyRequests:
		var hint time.Duration
		if s := resp.Header().Get("Retry-After"); s != "" {
			if secs, err := strconv.Atoi(s); err == nil {
				hint = time.Duration(secs) * time.Second
			}
		}
		return Retryable("webhook rate limited", hint)
	case code >= 500:
		return Retryable(fmt.Sprintf("webhook status %d", code), 0)
	default:
		return Permanent(fmt.Sprintf("webhook status %d", code))
	}
}
