package notify

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
)

// TelegramConfig holds configuration for the Telegram channel.
type TelegramConfig struct {
	BotToken string
	ChatID   string
	// BaseURL overrides the Telegram API endpoint, for tests.
	BaseURL string
	Timeout time.Duration
}

// Telegram delivers intents via the Telegram bot API.
type Telegram struct {
	cfg    TelegramConfig
	client *resty.Client
}

// NewTelegram creates a Telegram channel.
func NewTelegram(cfg TelegramConfig) *Telegram {
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.telegram.org"
	}
	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout)
	return &Telegram{cfg: cfg, client: client}
}

// Name returns the channel identifier.
func (t *Telegram) Name() string { return "telegram" }

// telegramMessage is the Telegram API message format.
type telegramMessage struct {
	ChatID    string `json:"chat_id"`
	Text      string `json:"text"`
	ParseMode string `json:"parse_mode"`
}

// telegramResponse is the Telegram API response.
type telegramResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description,omitempty"`
	Parameters  struct {
		RetryAfter int `json:"retry_after,omitempty"`
	} `json:"parameters"`
}

// Send posts the intent to the bot API. HTTP 429 maps to a retryable result
// carrying the server's retry_after hint; 4xx is permanent, everything else
// retryable.
func (t *Telegram) Send(ctx context.Context, intent Intent) SendResult {
	var parsed telegramResponse
	resp, err := t.client.R().
		SetContext(ctx).
		SetBody(telegramMessage{
			ChatID:    t.cfg.ChatID,
			Text:      t.formatMessage(intent),
			ParseMode: "HTML",
		}).
		SetResult(&parsed).
		SetError(&parsed).
		Post(fmt.Sprintf("/bot%s/sendMessage", t.cfg.BotToken))
	if err != nil {
		return Retryable(fmt.Sprintf("send request: %v", err), 0)
	}

	switch {
	case resp.StatusCode() == http.StatusTooManyRequests:
		hint := time.Duration(parsed.Parameters.RetryAfter) * time.Second
		if hint == 0 {
			if s := resp.Header().Get("Retry-After"); s != "" {
				if secs, err := strconv.Atoi(s); err == nil {
					hint = time.Duration(secs) * time.Second
				}
			}
		}
		return Retryable("telegram rate limited", hint)
	case resp.StatusCode() >= 500:
		return Retryable(fmt.Sprintf("telegram API %d", resp.StatusCode()), 0)
	case resp.StatusCode() >= 400:
		return Permanent(fmt.Sprintf("telegram API %d: %s", resp.StatusCode(), parsed.Description))
	case !parsed.OK:
		return Permanent("telegram API error: " + parsed.Description)
	}
	return OK()
}

// formatMessage formats the intent for Telegram.
func (t *Telegram) formatMessage(intent Intent) string {
	text := fmt.Sprintf("%s <b>[%s]</b>\n%s", intent.Severity.Emoji(), intent.Severity, intent.Title)
	if intent.Body != "" {
		text += "\n" + intent.Body
	}
	if len(intent.Fields) > 0 {
		text += "\n\n<b>Details:</b>\n" + FormatFields(intent.Fields)
	}
	text += fmt.Sprintf("\n\n<i>%s</i>", intent.OccurredAt.Format("2006-01-02 15:04:05 MST"))
	return text
}
