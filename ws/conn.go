package ws

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ErrClosed is returned by Send after Close has been called.
var ErrClosed = errors.New("connection closed")

const (
	// Time allowed to write a message to the gateway.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the gateway.
	pongWait = 60 * time.Second

	// Send pings with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum frame size allowed from the gateway.
	maxMessageSize = 1 << 20
)

// Conn is one open connection to the gateway, bound to a single identity.
// Events are delivered in arrival order on the channel returned by Events;
// the channel is closed when the connection terminates, after which Err
// reports the terminal transport error, if any.
type Conn struct {
	conn   *websocket.Conn
	events chan *Event
	done   chan struct{}
	logger *slog.Logger

	writeMu sync.Mutex

	closeOnce sync.Once

	errMu sync.Mutex
	err   error
}

// Dialer opens connections to a gateway. It exists so the session supervisor
// can be tested against a fake transport.
type Dialer interface {
	Dial(ctx context.Context, address, identity string) (*Conn, error)
}

type DialerFunc func(ctx context.Context, address, identity string) (*Conn, error)

func (f DialerFunc) Dial(ctx context.Context, address, identity string) (*Conn, error) {
	return f(ctx, address, identity)
}

type DialOption func(*dialConfig)

type dialConfig struct {
	logger *slog.Logger
	dialer *websocket.Dialer
}

func WithLogger(logger *slog.Logger) DialOption {
	return func(c *dialConfig) {
		c.logger = logger
	}
}

func WithWebsocketDialer(d *websocket.Dialer) DialOption {
	return func(c *dialConfig) {
		c.dialer = d
	}
}

// NewDialer returns a Dialer backed by gorilla/websocket.
func NewDialer(opts ...DialOption) Dialer {
	return DialerFunc(func(ctx context.Context, address, identity string) (*Conn, error) {
		return Dial(ctx, address, identity, opts...)
	})
}

// Dial opens a websocket connection to address with the identity bound as the
// uid query parameter, and starts reading events.
func Dial(ctx context.Context, address, identity string, opts ...DialOption) (*Conn, error) {
	cfg := &dialConfig{
		logger: slog.Default(),
		dialer: websocket.DefaultDialer,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	u, err := url.Parse(address)
	if err != nil {
		return nil, fmt.Errorf("parse address: %w", err)
	}
	q := u.Query()
	q.Set("uid", identity)
	u.RawQuery = q.Encode()

	wsConn, _, err := cfg.dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", u.Host, err)
	}

	c := &Conn{
		conn:   wsConn,
		events: make(chan *Event),
		done:   make(chan struct{}),
		logger: cfg.logger,
	}

	go c.readLoop()
	go c.pingLoop()

	return c, nil
}

// Events returns the inbound event stream. A nil element is a malformed
// frame (JSON null or undecodable payload), distinct from channel closure.
func (c *Conn) Events() <-chan *Event {
	return c.events
}

// Err returns the terminal transport error after the event channel has
// closed. A locally initiated close or a normal closure yields nil.
func (c *Conn) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

// Send writes v as a JSON text frame. Safe for concurrent use.
func (c *Conn) Send(ctx context.Context, v any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-c.done:
		return ErrClosed
	default:
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteJSON(v); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// Close tears the connection down. It is idempotent and safe to call from a
// cleanup path on a nil receiver.
func (c *Conn) Close() {
	if c == nil {
		return
	}
	c.closeOnce.Do(func() {
		close(c.done)
		c.writeMu.Lock()
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		c.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()
		c.conn.Close()
	})
}

func (c *Conn) readLoop() {
	defer close(c.events)

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, r, err := c.conn.NextReader()
		if err != nil {
			c.recordReadError(err)
			return
		}

		event, err := decodeEvent(r)
		if err != nil {
			c.logger.Error(fmt.Sprintf("decodeEvent: %v", err))
			event = nil
		}

		select {
		case c.events <- event:
		case <-c.done:
			return
		}
	}
}

func (c *Conn) recordReadError(err error) {
	select {
	case <-c.done:
		// Locally initiated close; the read error is expected.
		return
	default:
	}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		c.logger.Debug(fmt.Sprintf("gateway closed connection: %v", err))
		return
	}
	c.errMu.Lock()
	c.err = err
	c.errMu.Unlock()
	c.logger.Error(fmt.Sprintf("NextReader: %v", err))
}

func (c *Conn) pingLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.writeMu.Lock()
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			err := c.conn.WriteMessage(websocket.PingMessage, nil)
			c.writeMu.Unlock()
			if err != nil {
				c.logger.Debug(fmt.Sprintf("WritePing: %v", err))
				return
			}
		case <-c.done:
			return
		}
	}
}
