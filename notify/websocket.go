package notify

import (
	"errors"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/chorusmesh/chorus/bus"
	"github.com/chorusmesh/chorus/logging"
)

var (
	// ErrUnknownClient is returned when no connection or channel is
	// registered for the addressed client id.
	ErrUnknownClient = errors.New("notify: unknown client")

	// ErrClientBusy is returned when the client exists but its delivery
	// buffer is full. The event is dropped, not queued.
	ErrClientBusy = errors.New("notify: client buffer full")
)

// clientTable is a small concurrency-safe map keyed by client id.
type clientTable[T any] struct {
	mu sync.RWMutex
	m  map[string]T
}

func newClientTable[T any]() *clientTable[T] {
	return &clientTable[T]{m: make(map[string]T)}
}

func (t *clientTable[T]) put(id string, v T) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.m[id] = v
}

func (t *clientTable[T]) get(id string) (T, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	v, ok := t.m[id]
	return v, ok
}

func (t *clientTable[T]) remove(id string) (T, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	v, ok := t.m[id]
	if ok {
		delete(t.m, id)
	}
	return v, ok
}

// wsConn serializes writes to a single websocket connection. gorilla/websocket
// permits at most one concurrent writer per connection.
type wsConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *wsConn) writeJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(v)
}

// WebSocketNotifier pushes events to clients over websocket connections. It
// implements both the Notifier port and an http.Handler that upgrades
// incoming connections; the client id is taken from the request's
// "client_id" query parameter.
type WebSocketNotifier struct {
	upgrader websocket.Upgrader
	conns    *clientTable[*wsConn]
	logger   logging.Logger
}

// WebSocketOption customizes WebSocketNotifier construction.
type WebSocketOption func(*WebSocketNotifier)

// WithWebSocketLogger sets the structured logger for connection lifecycle
// and delivery failures.
func WithWebSocketLogger(l logging.Logger) WebSocketOption {
	return func(n *WebSocketNotifier) { n.logger = logging.OrNoOp(l) }
}

// WithCheckOrigin overrides the upgrader's origin check. The default accepts
// every origin and is only appropriate behind a trusted proxy.
func WithCheckOrigin(fn func(r *http.Request) bool) WebSocketOption {
	return func(n *WebSocketNotifier) { n.upgrader.CheckOrigin = fn }
}

// NewWebSocketNotifier constructs a websocket notifier with no connections.
func NewWebSocketNotifier(opts ...WebSocketOption) *WebSocketNotifier {
	n := &WebSocketNotifier{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		conns:  newClientTable[*wsConn](),
		logger: logging.NoOpLogger{},
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// ServeHTTP upgrades the request to a websocket connection and registers it
// under the client id from the query string. A new connection for an already
// registered client replaces (and closes) the previous one.
func (n *WebSocketNotifier) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	clientID := r.URL.Query().Get("client_id")
	if clientID == "" {
		http.Error(w, "missing client_id", http.StatusBadRequest)
		return
	}

	conn, err := n.upgrader.Upgrade(w, r, nil)
	if err != nil {
		n.logger.Warn("notify.ws.upgrade_failed", "client_id", clientID, "error", err.Error())
		return
	}

	if prev, ok := n.conns.remove(clientID); ok {
		_ = prev.conn.Close()
	}
	n.conns.put(clientID, &wsConn{conn: conn})
	n.logger.Info("notify.ws.connected", "client_id", clientID)

	// Reader loop detects disconnects; inbound frames are ignored.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
		n.Disconnect(clientID)
	}()
}

// Deliver serializes the event as JSON onto the client's connection. Write
// failures close and remove the connection.
func (n *WebSocketNotifier) Deliver(clientID string, ev bus.Event) error {
	c, ok := n.conns.get(clientID)
	if !ok {
		return ErrUnknownClient
	}
	if err := c.writeJSON(ev); err != nil {
		n.logger.Warn("notify.ws.write_failed", "client_id", clientID, "error", err.Error())
		n.Disconnect(clientID)
		return err
	}
	return nil
}

// Disconnect closes and forgets the client's connection, if present.
func (n *WebSocketNotifier) Disconnect(clientID string) {
	if c, ok := n.conns.remove(clientID); ok {
		_ = c.conn.Close()
		n.logger.Info("notify.ws.disconnected", "client_id", clientID)
	}
}
