// Package ws is the gorilla/websocket Transport: it dials the realtime
// server, keeps the connection alive with pings, redials with backoff when
// it drops, and dispatches inbound envelopes to registered handlers.
package ws

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"chat_realtime/internal/eventlog"
	"chat_realtime/internal/feed"
	"chat_realtime/internal/retry"
	"chat_realtime/internal/transport"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

var (
	// tuning parameters
	writeWait      = 10 * time.Second    // time allowed to write a frame
	pongWait       = 20 * time.Second    // time allowed to read the next pong
	pingInterval   = (pongWait * 9) / 10 // send pings with this period
	maxMessageSize = int64(64 * 1024)    // max inbound frame size
	sendBufSize    = 256                 // per-connection outbound buffer
)

type Config struct {
	URL       string
	UserID    string
	DeviceID  string
	Header    http.Header
	Reconnect retry.Backoff
	Dialer    *websocket.Dialer
}

// Client implements transport.Transport over one websocket at a time.
type Client struct {
	cfg    Config
	url    string
	dialer *websocket.Dialer
	log    *eventlog.Feature

	registry transport.Registry
	states   *feed.Feed[bool]

	mu        sync.RWMutex
	egress    chan []byte
	connected bool
	closed    bool
}

var _ transport.Transport = (*Client)(nil)

func NewClient(cfg Config, events *eventlog.Log) (*Client, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse server url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("unsupported server url scheme %q", u.Scheme)
	}
	q := u.Query()
	if cfg.UserID != "" {
		q.Set("user_id", cfg.UserID)
	}
	if cfg.DeviceID != "" {
		q.Set("device_id", cfg.DeviceID)
	}
	u.RawQuery = q.Encode()

	dialer := cfg.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	if cfg.Reconnect.Base <= 0 {
		cfg.Reconnect = retry.Backoff{Base: time.Second, Max: 30 * time.Second, Jitter: 0.2}
	}
	return &Client{
		cfg:    cfg,
		url:    u.String(),
		dialer: dialer,
		log:    events.For(eventlog.FeatureTransport),
		states: feed.New[bool](),
	}, nil
}

func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// Emit encodes the event and queues it for the write pump.
func (c *Client) Emit(event string, payload any) error {
	data, err := transport.Encode(event, payload)
	if err != nil {
		return err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return transport.ErrClosed
	}
	if !c.connected {
		return transport.ErrNotConnected
	}
	select {
	case c.egress <- data:
		return nil
	default:
		return transport.ErrSendBufferFull
	}
}

func (c *Client) ConnectionState() (<-chan bool, func()) {
	return c.states.Subscribe(16)
}

func (c *Client) On(event string, handler transport.Handler) {
	c.registry.Add(event, handler)
}

// Run dials and serves connections until ctx is cancelled, redialing with
// backoff after every failure. Connection-state subscribers are closed when
// it returns.
func (c *Client) Run(ctx context.Context) error {
	defer func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		c.states.Close()
	}()

	attempt := 0
	for {
		conn, _, err := c.dialer.DialContext(ctx, c.url, c.cfg.Header)
		if err == nil {
			attempt = 0
			c.serve(ctx, conn)
		} else if ctx.Err() == nil {
			c.log.Warn("dial_failed", err, logrus.Fields{"attempt": attempt + 1})
		}
		if ctx.Err() != nil {
			return nil
		}

		attempt++
		delay := c.cfg.Reconnect.Delay(attempt)
		c.log.Event("redial_scheduled", logrus.Fields{"attempt": attempt, "delay": delay.String()})
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

func (c *Client) serve(ctx context.Context, conn *websocket.Conn) {
	connCtx, cancel := context.WithCancel(ctx)
	egress := make(chan []byte, sendBufSize)

	c.mu.Lock()
	c.egress = egress
	c.connected = true
	c.mu.Unlock()
	c.states.Publish(true)
	c.log.Info("connected", nil)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		<-connCtx.Done()
		_ = conn.Close()
	}()
	go func() {
		defer wg.Done()
		defer cancel()
		c.writePump(connCtx, conn, egress)
	}()
	c.readPump(conn)
	cancel()
	wg.Wait()

	c.mu.Lock()
	c.connected = false
	c.egress = nil
	c.mu.Unlock()
	c.states.Publish(false)
	c.log.Warn("disconnected", nil, nil)
}

func (c *Client) readPump(conn *websocket.Conn) {
	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Warn("read_failed", err, nil)
			}
			return
		}
		env, err := transport.Decode(data)
		if err != nil {
			c.log.Warn("frame_dropped", err, nil)
			continue
		}
		if !c.registry.Dispatch(env.Type, env.Payload) {
			c.log.Event("unhandled", logrus.Fields{"wire_event": env.Type})
		}
	}
}

func (c *Client) writePump(ctx context.Context, conn *websocket.Conn, egress <-chan []byte) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// flush what was queued before shutdown, e.g. a final offline announcement
			for drained := false; !drained; {
				select {
				case data := <-egress:
					_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
					if conn.WriteMessage(websocket.TextMessage, data) != nil {
						drained = true
					}
				default:
					drained = true
				}
			}
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return
		case data := <-egress:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.log.Warn("write_failed", err, nil)
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.log.Warn("ping_failed", err, nil)
				return
			}
		}
	}
}
