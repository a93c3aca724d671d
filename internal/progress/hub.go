package progress

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	sendBuffer = 256
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Hub pushes events to the websocket connections of the subject that started
// the batch.
type Hub struct {
	connections map[string]map[*conn]bool

	register   chan *conn
	unregister chan *conn
	broadcast  chan Event
	// done is closed when Run returns.
	done chan struct{}

	mu sync.RWMutex
}

type conn struct {
	ws      *websocket.Conn
	subject string
	send    chan Event
	hub     *Hub
}

func NewHub() *Hub {
	return &Hub{
		connections: make(map[string]map[*conn]bool),
		register:    make(chan *conn),
		unregister:  make(chan *conn),
		broadcast:   make(chan Event, sendBuffer),
		done:        make(chan struct{}),
	}
}

// Run serves registrations and broadcasts until ctx is done.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.RLock()
			var conns []*conn
			for _, m := range h.connections {
				for c := range m {
					conns = append(conns, c)
				}
			}
			h.mu.RUnlock()
			// close outside the lock so the pumps can unregister
			for _, c := range conns {
				_ = c.ws.Close()
			}
			return

		case c := <-h.register:
			h.mu.Lock()
			if h.connections[c.subject] == nil {
				h.connections[c.subject] = make(map[*conn]bool)
			}
			h.connections[c.subject][c] = true
			h.mu.Unlock()

		case c := <-h.unregister:
			h.mu.Lock()
			h.remove(c)
			h.mu.Unlock()

		case ev := <-h.broadcast:
			h.mu.Lock()
			for c := range h.connections[ev.Subject] {
				select {
				case c.send <- ev:
				default:
					// slow client
					h.remove(c)
				}
			}
			h.mu.Unlock()
		}
	}
}

// remove must be called with mu held.
func (h *Hub) remove(c *conn) {
	set, ok := h.connections[c.subject]
	if !ok {
		return
	}
	if _, exists := set[c]; !exists {
		return
	}
	delete(set, c)
	close(c.send)
	if len(set) == 0 {
		delete(h.connections, c.subject)
	}
}

// Notify queues ev for the subject's connections. Events are dropped, not
// blocked on, when the hub is saturated.
func (h *Hub) Notify(ctx context.Context, ev Event) error {
	select {
	case h.broadcast <- ev:
	default:
		slog.WarnContext(ctx, "Progress hub is full, dropping event",
			"batch_id", ev.BatchID, "subject", ev.Subject)
	}
	return nil
}

// Connections returns the number of open connections of subject.
func (h *Hub) Connections(subject string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.connections[subject])
}

// Serve upgrades the request and attaches the connection to subject.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, subject string) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.WarnContext(r.Context(), "WebSocket upgrade failed", "error", err)
		return
	}
	c := &conn{
		ws:      ws,
		subject: subject,
		send:    make(chan Event, sendBuffer),
		hub:     h,
	}
	select {
	case h.register <- c:
	case <-h.done:
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
			time.Now().Add(writeWait))
		_ = ws.Close()
		return
	}

	go c.writePump()
	go c.readPump()
}

func (c *conn) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		_ = c.ws.Close()
	}()

	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.ws.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				slog.Warn("WebSocket read failed", "subject", c.subject, "error", err)
			}
			return
		}
	}
}

func (c *conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case ev, ok := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteJSON(ev); err != nil {
				slog.Warn("WebSocket write failed", "subject", c.subject, "error", err)
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
