package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"

	"github.com/fenggeHu/pybt/internal/types"
)

// WebsocketConfig configures a push-stream feed.
type WebsocketConfig struct {
	URL       string
	Symbol    string
	Heartbeat time.Duration
	// ReconnectMax caps the exponential reconnect backoff.
	ReconnectMax time.Duration
	// MaxReconnects bounds consecutive failed reconnect attempts before the
	// feed reports a fatal error. Zero means 10.
	MaxReconnects uint
	AuthHeader    string
}

// WebsocketFeed receives bars pushed over a websocket. A reader goroutine
// owns the connection and reconnects with capped exponential backoff; Next
// pulls from its channel, emitting a heartbeat tick when the stream goes
// idle past the configured interval.
type WebsocketFeed struct {
	cfg    WebsocketConfig
	logger *slog.Logger
	gaps   *gapTracker

	startOnce sync.Once
	ticks     chan Tick
	readErr   chan error
	cancel    context.CancelFunc
}

// NewWebsocketFeed creates a push-stream feed.
func NewWebsocketFeed(cfg WebsocketConfig, logger *slog.Logger) *WebsocketFeed {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = 30 * time.Second
	}
	if cfg.ReconnectMax <= 0 {
		cfg.ReconnectMax = time.Minute
	}
	if cfg.MaxReconnects == 0 {
		cfg.MaxReconnects = 10
	}
	return &WebsocketFeed{
		cfg:     cfg,
		logger:  logger,
		gaps:    newGapTracker(),
		ticks:   make(chan Tick, 64),
		readErr: make(chan error, 1),
	}
}

// Next returns the next pushed tick, a heartbeat on idle, or an error when
// the reader gave up reconnecting.
func (f *WebsocketFeed) Next(ctx context.Context) (Tick, error) {
	f.startOnce.Do(func() {
		readerCtx, cancel := context.WithCancel(context.Background())
		f.cancel = cancel
		go f.readLoop(readerCtx)
	})

	timer := time.NewTimer(f.cfg.Heartbeat)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return Tick{}, ctx.Err()
	case err := <-f.readErr:
		return Tick{}, fmt.Errorf("%w: %v", types.ErrFeedFatal, err)
	case tick := <-f.ticks:
		return tick, nil
	case <-timer.C:
		return Tick{Kind: TickHeartbeat, Symbol: f.cfg.Symbol, Detail: "no bar within heartbeat interval"}, nil
	}
}

func (f *WebsocketFeed) readLoop(ctx context.Context) {
	for {
		conn, err := f.connect(ctx)
		if err != nil {
			select {
			case f.readErr <- err:
			default:
			}
			return
		}

		err = f.consume(ctx, conn)
		_ = conn.Close()
		if ctx.Err() != nil {
			return
		}
		f.logger.Warn("websocket stream interrupted, reconnecting", "url", f.cfg.URL, "err", err)
		select {
		case f.ticks <- Tick{Kind: TickGap, Symbol: f.cfg.Symbol, Detail: "stream interrupted: " + err.Error()}:
		case <-ctx.Done():
			return
		}
	}
}

func (f *WebsocketFeed) connect(ctx context.Context) (*websocket.Conn, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxInterval = f.cfg.ReconnectMax

	header := f.dialHeader()
	return backoff.Retry(ctx, func() (*websocket.Conn, error) {
		dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
		conn, _, err := dialer.DialContext(ctx, f.cfg.URL, header)
		if err != nil {
			f.logger.Warn("websocket dial failed", "url", f.cfg.URL, "err", err)
			return nil, err
		}
		return conn, nil
	}, backoff.WithBackOff(bo), backoff.WithMaxTries(f.cfg.MaxReconnects))
}

// dialHeader builds the handshake headers. AuthHeader is either a full
// "Name: value" pair or a bare value sent as Authorization.
func (f *WebsocketFeed) dialHeader() http.Header {
	if f.cfg.AuthHeader == "" {
		return nil
	}
	h := http.Header{}
	if name, value, ok := strings.Cut(f.cfg.AuthHeader, ":"); ok {
		h.Set(strings.TrimSpace(name), strings.TrimSpace(value))
	} else {
		h.Set("Authorization", f.cfg.AuthHeader)
	}
	return h
}

func (f *WebsocketFeed) consume(ctx context.Context, conn *websocket.Conn) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		_ = conn.SetReadDeadline(time.Now().Add(f.cfg.Heartbeat * 2))
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		var w wireBar
		if err := json.Unmarshal(data, &w); err != nil {
			f.logger.Warn("malformed bar message, skipping", "err", err)
			continue
		}
		bar := w.toBar(f.cfg.Symbol)
		if detail := f.gaps.observe(bar.Symbol, w.Seq); detail != "" {
			select {
			case f.ticks <- Tick{Kind: TickGap, Symbol: bar.Symbol, Detail: detail}:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		select {
		case f.ticks <- Tick{Kind: TickBar, Bar: bar, Symbol: bar.Symbol}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Close stops the reader goroutine.
func (f *WebsocketFeed) Close() error {
	if f.cancel != nil {
		f.cancel()
	}
	return nil
}

// Name returns the feed identifier.
func (f *WebsocketFeed) Name() string { return "websocket" }
