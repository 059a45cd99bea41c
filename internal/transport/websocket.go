package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ashureev/supportchat/internal/protocol"
	"github.com/coder/websocket"
)

const (
	defaultBaseDelay = 500 * time.Millisecond
	defaultMaxDelay  = 30 * time.Second
	inboundBuffer    = 64
	readLimit        = 1 << 20
)

// WebSocketDialer opens channels carried over websocket text frames, one
// JSON envelope per frame. Dropped connections are redialed with
// exponential backoff until the channel is closed.
type WebSocketDialer struct {
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Open validates the URL and starts connecting in the background. Connect
// outcomes are reported on the channel's inbound stream.
func (d *WebSocketDialer) Open(_ context.Context, opts Options) (Channel, error) {
	u, err := url.Parse(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("parse channel url: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss", "http", "https":
	default:
		return nil, fmt.Errorf("unsupported channel url scheme %q", u.Scheme)
	}

	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	base, maxDelay := d.BaseDelay, d.MaxDelay
	if base <= 0 {
		base = defaultBaseDelay
	}
	if maxDelay < base {
		maxDelay = defaultMaxDelay
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &wsChannel{
		url:        u.String(),
		header:     opts.Header.Clone(),
		httpClient: d.HTTPClient,
		baseDelay:  base,
		maxDelay:   maxDelay,
		inbound:    make(chan protocol.Envelope, inboundBuffer),
		done:       make(chan struct{}),
		ctx:        ctx,
		cancel:     cancel,
		logger:     logger.With("url", u.Redacted()),
	}
	go c.run()
	return c, nil
}

type wsChannel struct {
	url        string
	header     http.Header
	httpClient *http.Client
	baseDelay  time.Duration
	maxDelay   time.Duration

	mu        sync.Mutex
	conn      *websocket.Conn
	connected atomic.Bool
	closing   atomic.Bool

	inbound   chan protocol.Envelope
	done      chan struct{}
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	logger    *slog.Logger
}

func (c *wsChannel) Inbound() <-chan protocol.Envelope { return c.inbound }

func (c *wsChannel) Connected() bool { return c.connected.Load() }

func (c *wsChannel) Emit(ctx context.Context, event protocol.Event, payload any) error {
	if c.closing.Load() {
		return ErrClosed
	}
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	env, err := protocol.NewEnvelope(event, payload)
	if err != nil {
		return err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("write %s: %w", event, err)
	}
	return nil
}

func (c *wsChannel) Close() error {
	c.closeOnce.Do(func() {
		c.closing.Store(true)
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn != nil {
			if err := conn.Close(websocket.StatusNormalClosure, "client disconnect"); err != nil {
				c.logger.Debug("WebSocket close handshake failed", "error", err)
			}
		}
		c.cancel()
		<-c.done
	})
	return nil
}

func (c *wsChannel) run() {
	defer close(c.done)
	defer close(c.inbound)

	attempt := 0
	for {
		conn, _, err := websocket.Dial(c.ctx, c.url, &websocket.DialOptions{
			HTTPHeader: c.header,
			HTTPClient: c.httpClient,
		})
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			c.logger.Warn("WebSocket dial failed", "error", err, "attempt", attempt+1)
			c.push(protocol.EventConnectionError, protocol.ConnectionError{Error: err.Error()})
			if !c.sleep(c.backoff(attempt)) {
				return
			}
			attempt++
			continue
		}

		attempt = 0
		conn.SetReadLimit(readLimit)
		c.setConn(conn)
		c.logger.Info("WebSocket connected")
		c.push(protocol.EventConnect, nil)

		err = c.readLoop(conn)
		c.setConn(nil)
		_ = conn.CloseNow()
		if c.ctx.Err() != nil || c.closing.Load() {
			return
		}

		c.logger.Warn("WebSocket disconnected", "error", err)
		c.push(protocol.EventDisconnect, protocol.ConnectionError{Error: err.Error()})
		if !c.sleep(c.backoff(0)) {
			return
		}
	}
}

func (c *wsChannel) readLoop(conn *websocket.Conn) error {
	for {
		typ, data, err := conn.Read(c.ctx)
		if err != nil {
			return err
		}
		if typ != websocket.MessageText {
			continue
		}

		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.logger.Debug("Dropping malformed frame", "error", err)
			continue
		}
		switch env.Event {
		case "", protocol.EventConnect, protocol.EventDisconnect, protocol.EventConnectionError:
			// Transport event names are reserved for local use.
			continue
		}
		if !c.pushEnvelope(env) {
			return c.ctx.Err()
		}
	}
}

func (c *wsChannel) setConn(conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	c.connected.Store(conn != nil)
}

func (c *wsChannel) push(event protocol.Event, payload any) {
	env, err := protocol.NewEnvelope(event, payload)
	if err != nil {
		c.logger.Error("Failed to build transport event", "event", event, "error", err)
		return
	}
	c.pushEnvelope(env)
}

func (c *wsChannel) pushEnvelope(env protocol.Envelope) bool {
	select {
	case c.inbound <- env:
		return true
	case <-c.ctx.Done():
		return false
	}
}

func (c *wsChannel) backoff(attempt int) time.Duration {
	if attempt > 16 {
		attempt = 16
	}
	delay := c.baseDelay * time.Duration(1<<attempt)
	if delay > c.maxDelay {
		delay = c.maxDelay
	}
	return delay
}

func (c *wsChannel) sleep(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-c.ctx.Done():
		return false
	}
}
