package transport

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"ringlink/internal/signal"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024

	outboundBuffer = 32
)

// Hub is the server side of the signal transport: one websocket connection
// per online user, routed by the recipient id each signal carries.
//
// Delivery is at-most-once: a signal addressed to a user without a live
// connection is dropped here, and the push waker is the caller's fallback.
type Hub struct {
	log      *slog.Logger
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns map[string]*hubConn
}

type hubConn struct {
	userID   string
	conn     *websocket.Conn
	outbound chan envelope
	done     chan struct{}
	once     sync.Once
}

func NewHub(log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		log: log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// Mobile clients connect from app webviews and native stacks;
			// auth happens before the upgrade, not via Origin.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		conns: make(map[string]*hubConn),
	}
}

// HandleWS upgrades the request and runs the connection for userID until it
// drops. The caller must have authenticated userID already.
func (h *Hub) HandleWS(userID string, w http.ResponseWriter, r *http.Request) error {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}

	c := &hubConn{
		userID:   userID,
		conn:     ws,
		outbound: make(chan envelope, outboundBuffer),
		done:     make(chan struct{}),
	}

	h.register(c)
	go c.writePump()
	c.readPump(h)

	h.unregister(c)
	return nil
}

// register installs c as the single live connection for its user. A second
// connection for the same user replaces the first (newest device wins).
func (h *Hub) register(c *hubConn) {
	h.mu.Lock()
	old := h.conns[c.userID]
	h.conns[c.userID] = c
	peers := make([]*hubConn, 0, len(h.conns))
	for id, pc := range h.conns {
		if id != c.userID {
			peers = append(peers, pc)
		}
	}
	h.mu.Unlock()

	if old != nil {
		old.close()
	}
	for _, pc := range peers {
		pc.enqueue(envelope{Event: eventPeerConnected, PeerID: c.userID}, h.log)
	}
	h.log.Info("transport: peer connected", "user_id", c.userID)
}

func (h *Hub) unregister(c *hubConn) {
	h.mu.Lock()
	if h.conns[c.userID] != c {
		// Already replaced by a newer connection; no offline broadcast.
		h.mu.Unlock()
		c.close()
		return
	}
	delete(h.conns, c.userID)
	peers := make([]*hubConn, 0, len(h.conns))
	for _, pc := range h.conns {
		peers = append(peers, pc)
	}
	h.mu.Unlock()

	c.close()
	for _, pc := range peers {
		pc.enqueue(envelope{Event: eventPeerDisconnected, PeerID: c.userID}, h.log)
	}
	h.log.Info("transport: peer disconnected", "user_id", c.userID)
}

// IsOnline reports whether userID has a live connection.
func (h *Hub) IsOnline(userID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.conns[userID]
	return ok
}

// route delivers sig to its recipient, dropping it if the recipient is
// offline.
func (h *Hub) route(sig signal.Signal) {
	h.mu.Lock()
	dst := h.conns[sig.ToID]
	h.mu.Unlock()
	if dst == nil {
		h.log.Debug("transport: recipient offline, signal dropped",
			"to_id", sig.ToID, "type", string(sig.Type), "call_id", sig.CallID)
		return
	}
	dst.enqueue(envelope{Event: eventSignal, Signal: &sig}, h.log)
}

// Close drops every connection.
func (h *Hub) Close() {
	h.mu.Lock()
	conns := make([]*hubConn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.conns = make(map[string]*hubConn)
	h.mu.Unlock()

	for _, c := range conns {
		c.close()
	}
}

func (c *hubConn) enqueue(env envelope, log *slog.Logger) {
	select {
	case c.outbound <- env:
	case <-c.done:
	default:
		// Slow consumer; at-most-once allows dropping rather than blocking
		// the sender's stream.
		log.Warn("transport: outbound buffer full, dropping", "user_id", c.userID, "event", env.Event)
	}
}

func (c *hubConn) close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

func (c *hubConn) readPump(h *Hub) {
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var env envelope
		if err := c.conn.ReadJSON(&env); err != nil {
			return
		}
		if env.Event != eventSignal || env.Signal == nil {
			continue
		}
		sig := *env.Signal
		// The hub is authoritative for the sender identity.
		sig.FromID = c.userID
		if sig.Timestamp.IsZero() {
			sig.Timestamp = time.Now().UTC()
		}
		if err := sig.Validate(); err != nil {
			h.log.Warn("transport: invalid signal dropped", "from_id", c.userID, "err", err)
			continue
		}
		h.route(sig)
	}
}

func (c *hubConn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case env := <-c.outbound:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(env); err != nil {
				c.close()
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		}
	}
}
