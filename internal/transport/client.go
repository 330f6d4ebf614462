package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"ringlink/internal/signal"
)

// Client is the device side of the signal transport: a single websocket to
// the hub, authenticated with a bearer token at dial time.
//
// Handlers must be registered before Connect; signals that arrive with no
// handler installed are dropped.
type Client struct {
	url   string
	token string
	log   *slog.Logger

	mu               sync.Mutex
	conn             *websocket.Conn
	onSignal         func(signal.Signal)
	onPeerConnect    func(string)
	onPeerDisconnect func(string)
	closed           bool
}

func NewClient(rawURL, token string, log *slog.Logger) *Client {
	if log == nil {
		log = slog.Default()
	}
	return &Client{url: rawURL, token: token, log: log}
}

func (c *Client) OnSignal(fn func(signal.Signal)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onSignal = fn
}

func (c *Client) OnPeerConnected(fn func(string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onPeerConnect = fn
}

func (c *Client) OnPeerDisconnected(fn func(string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onPeerDisconnect = fn
}

// Connect dials the hub and starts the read loop.
func (c *Client) Connect(ctx context.Context) error {
	header := http.Header{}
	if c.token != "" {
		header.Set("Authorization", "Bearer "+c.token)
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, c.url, header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("transport: dial %s: status %d: %w", c.url, resp.StatusCode, err)
		}
		return fmt.Errorf("transport: dial %s: %w", c.url, err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = conn.Close()
		return fmt.Errorf("transport: client closed")
	}
	c.conn = conn
	c.mu.Unlock()

	conn.SetPingHandler(func(appData string) error {
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeWait))
	})

	go c.readLoop(conn)
	return nil
}

// Send writes sig to the hub. The hub stamps the sender identity, so FromID
// here is advisory only.
func (c *Client) Send(ctx context.Context, toID string, sig signal.Signal) error {
	sig.ToID = toID
	if sig.Timestamp.IsZero() {
		sig.Timestamp = time.Now().UTC()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil || c.closed {
		return fmt.Errorf("transport: not connected")
	}
	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = c.conn.SetWriteDeadline(deadline)
	return c.conn.WriteJSON(envelope{Event: eventSignal, Signal: &sig})
}

func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		var env envelope
		if err := conn.ReadJSON(&env); err != nil {
			c.log.Debug("transport: read loop ended", "err", err)
			return
		}

		c.mu.Lock()
		onSig, onUp, onDown := c.onSignal, c.onPeerConnect, c.onPeerDisconnect
		c.mu.Unlock()

		switch env.Event {
		case eventSignal:
			if env.Signal != nil && onSig != nil {
				onSig(*env.Signal)
			}
		case eventPeerConnected:
			if onUp != nil {
				onUp(env.PeerID)
			}
		case eventPeerDisconnected:
			if onDown != nil {
				onDown(env.PeerID)
			}
		}
	}
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	if c.conn != nil {
		err := c.conn.Close()
		c.conn = nil
		return err
	}
	return nil
}
