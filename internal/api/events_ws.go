package api

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/runefall/foreman/internal/events"
)

// wsWriteTimeout bounds a single frame write so one dead client cannot
// wedge its writer goroutine.
const wsWriteTimeout = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The API is an internal control surface; origin checks are the
	// deployment's problem, not ours.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// eventHub bridges the event bus to WebSocket clients. Each client gets
// its own bus subscription, so a slow client drops events for itself
// without affecting publishers or other clients.
type eventHub struct {
	bus    *events.Bus
	logger *slog.Logger

	mu     sync.Mutex
	conns  map[*websocket.Conn]struct{}
	closed bool
}

func newEventHub(bus *events.Bus, logger *slog.Logger) *eventHub {
	return &eventHub{
		bus:    bus,
		logger: logger,
		conns:  make(map[*websocket.Conn]struct{}),
	}
}

// serveWS upgrades the request and streams bus events as JSON frames
// until the client disconnects or the hub closes.
func (h *eventHub) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", "error", err)
		return
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return
	}
	h.conns[conn] = struct{}{}
	clients := len(h.conns)
	h.mu.Unlock()
	h.logger.Info("event stream client connected", "clients", clients)

	// A nil bus leaves ch nil: the stream stays open but carries no
	// traffic, which is what a sink-less deployment wants.
	var ch <-chan events.Event
	if h.bus != nil {
		ch = h.bus.Subscribe(64)
	}
	defer func() {
		if h.bus != nil {
			h.bus.Unsubscribe(ch)
		}
		h.mu.Lock()
		delete(h.conns, conn)
		h.mu.Unlock()
		conn.Close()
		h.logger.Info("event stream client disconnected")
	}()

	// Reader goroutine: we never expect frames from the client, but
	// reading is what surfaces the close handshake.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case e, ok := <-ch:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(e); err != nil {
				return
			}
		case <-done:
			return
		case <-r.Context().Done():
			return
		}
	}
}

// close terminates all client connections.
func (h *eventHub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for conn := range h.conns {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutdown"),
			time.Now().Add(time.Second))
		conn.Close()
		delete(h.conns, conn)
	}
}
