package notify

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/fileflow/fileflow/internal/store"
)

const (
	writeBuffer  = 256
	pingInterval = 30 * time.Second
	readDeadline = 90 * time.Second
	writeTimeout = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  16384,
	WriteBufferSize: 16384,
	CheckOrigin: func(r *http.Request) bool {
		return true // Origin is enforced by the fronting proxy
	},
}

// wsClient is one live WebSocket connection for a user.
type wsClient struct {
	userID    string
	sessionID string
	conn      *websocket.Conn
	writeChan chan []byte   // buffered channel for async writes
	closeChan chan struct{} // signals writer goroutine to stop
	closed    bool
	closeMu   sync.Mutex
}

func (c *wsClient) close() {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.closeChan)
	_ = c.conn.Close()
}

// Hub tracks live connections per user and fans notifications out to
// them. A user may hold several concurrent connections (multi-device);
// delivery succeeds when at least one connection accepts the payload.
type Hub struct {
	sessions store.SessionStore
	presence Presence

	// onConnect runs after a connection registers, used to drain the
	// user's queued notifications.
	onConnect func(ctx context.Context, userID string)

	mu      sync.RWMutex
	clients map[string]map[*wsClient]bool
}

func NewHub(sessions store.SessionStore, presence Presence) *Hub {
	return &Hub{
		sessions: sessions,
		presence: presence,
		clients:  make(map[string]map[*wsClient]bool),
	}
}

// SetOnConnect registers the connect hook. Must be called before the
// hub starts serving.
func (h *Hub) SetOnConnect(fn func(ctx context.Context, userID string)) {
	h.onConnect = fn
}

// IsConnected reports whether the user has at least one live
// connection on this node.
func (h *Hub) IsConnected(userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[userID]) > 0
}

// ConnectionCount returns the number of live connections for the user.
func (h *Hub) ConnectionCount(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[userID])
}

// Send fans payload out to all of the user's connections and reports
// whether at least one accepted it.
func (h *Hub) Send(userID string, payload []byte) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	delivered := false
	for c := range h.clients[userID] {
		select {
		case c.writeChan <- payload:
			delivered = true
		default:
			log.Debug().Str("user", userID).Msg("connection write buffer full, skipping")
		}
	}
	return delivered
}

// ServeWS upgrades the request to a WebSocket connection for the given
// user and blocks until the connection closes.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, userID string) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Str("user", userID).Msg("websocket upgrade failed")
		return
	}

	c := &wsClient{
		userID:    userID,
		sessionID: uuid.New().String(),
		conn:      conn,
		writeChan: make(chan []byte, writeBuffer),
		closeChan: make(chan struct{}),
	}

	ctx := r.Context()
	h.register(ctx, c)
	defer h.unregister(c)

	go h.writer(c)

	if h.onConnect != nil {
		h.onConnect(ctx, userID)
	}

	h.reader(c)
}

func (h *Hub) register(ctx context.Context, c *wsClient) {
	now := time.Now()
	if err := h.sessions.PutSession(ctx, &store.ConnectionSession{
		ID:             c.sessionID,
		UserID:         c.userID,
		ConnectedAt:    now,
		LastActivityAt: now,
		Active:         true,
	}); err != nil {
		log.Warn().Err(err).Str("user", c.userID).Msg("failed to persist connection session")
	}
	if err := h.presence.SetOnline(ctx, c.userID); err != nil {
		log.Warn().Err(err).Str("user", c.userID).Msg("failed to mark user online")
	}

	h.mu.Lock()
	conns := h.clients[c.userID]
	if conns == nil {
		conns = make(map[*wsClient]bool)
		h.clients[c.userID] = conns
	}
	conns[c] = true
	n := len(conns)
	h.mu.Unlock()

	log.Debug().Str("user", c.userID).Int("connections", n).Msg("websocket connected")
}

func (h *Hub) unregister(c *wsClient) {
	c.close()

	h.mu.Lock()
	if conns, ok := h.clients[c.userID]; ok {
		delete(conns, c)
		if len(conns) == 0 {
			delete(h.clients, c.userID)
		}
	}
	h.mu.Unlock()

	// The request context is gone by now.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.sessions.CloseSession(ctx, c.sessionID, time.Now()); err != nil {
		log.Warn().Err(err).Str("session", c.sessionID).Msg("failed to close connection session")
	}
	if err := h.presence.SetOffline(ctx, c.userID); err != nil {
		log.Warn().Err(err).Str("user", c.userID).Msg("failed to mark user offline")
	}

	log.Debug().Str("user", c.userID).Msg("websocket disconnected")
}

// writer drains the client's write channel and keeps the connection
// alive with periodic pings.
func (h *Hub) writer(c *wsClient) {
	pingTicker := time.NewTicker(pingInterval)
	defer pingTicker.Stop()

	for {
		select {
		case <-c.closeChan:
			return
		case <-pingTicker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				c.close()
				return
			}
		case payload := <-c.writeChan:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				c.close()
				return
			}
		}
	}
}

// reader consumes inbound frames so control messages are processed and
// the read deadline advances on pongs. Inbound text is ignored.
func (h *Hub) reader(c *wsClient) {
	_ = c.conn.SetReadDeadline(time.Now().Add(readDeadline))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(readDeadline))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(readDeadline))
	}
}
