package health

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/bilal/freqswitch-agent/internal/communicator"
)

const writeWait = 5 * time.Second

// Hub streams agent events to connected websocket clients.
type Hub struct {
	upgrader  websocket.Upgrader
	broadcast chan communicator.Event

	mu      sync.RWMutex
	clients map[*websocket.Conn]struct{}
}

var _ communicator.Sink = (*Hub)(nil)

func NewHub() *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		broadcast: make(chan communicator.Event, 64),
		clients:   make(map[*websocket.Conn]struct{}),
	}
}

// Send queues e for broadcast, dropping it when clients cannot keep up.
func (h *Hub) Send(e communicator.Event) {
	select {
	case h.broadcast <- e:
	default:
		log.Warn().Str("event_id", e.ID).Msg("websocket broadcast queue full, event dropped")
	}
}

func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Run handles broadcasting to websocket clients until ctx is done.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case e := <-h.broadcast:
			h.write(e)
		}
	}
}

func (h *Hub) write(e communicator.Event) {
	h.mu.RLock()
	clients := make([]*websocket.Conn, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		c.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.WriteJSON(e); err != nil {
			log.Debug().Err(err).Str("remote", c.RemoteAddr().String()).Msg("websocket write error")
			h.remove(c)
		}
	}
}

func (h *Hub) remove(c *websocket.Conn) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	h.mu.Unlock()
	if ok {
		c.Close()
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		c.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "agent stopping"),
			time.Now().Add(time.Second))
		c.Close()
		delete(h.clients, c)
	}
}

// ServeHTTP upgrades the request and keeps the client registered until it
// disconnects. Anything the client sends is discarded.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	h.mu.Lock()
	h.clients[conn] = struct{}{}
	h.mu.Unlock()
	log.Debug().Str("remote", conn.RemoteAddr().String()).Msg("websocket client connected")

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	h.remove(conn)
}
