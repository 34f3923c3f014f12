// Package server mounts the listener over HTTP and streams applied
// events to websocket subscribers. The wire surface is thin: request
// and response shapes live in pkg/api/v1, behavior in the listener.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/oddjobs/oddjobs/internal/common/logger"
	outbound "github.com/oddjobs/oddjobs/internal/events/bus"
)

// streamClient is one websocket subscriber.
type streamClient struct {
	conn *websocket.Conn
	send chan []byte
}

// Hub fans applied events out to websocket subscribers.
type Hub struct {
	clients map[*streamClient]bool

	register   chan *streamClient
	unregister chan *streamClient
	broadcast  chan []byte

	mu     sync.RWMutex
	logger *logger.Logger
}

// NewHub creates a hub.
func NewHub(log *logger.Logger) *Hub {
	return &Hub{
		clients:    make(map[*streamClient]bool),
		register:   make(chan *streamClient),
		unregister: make(chan *streamClient),
		broadcast:  make(chan []byte, 256),
		logger:     log.WithComponent("stream-hub"),
	}
}

// Run starts the hub processing loop.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				close(client.send)
				delete(h.clients, client)
			}
			h.mu.Unlock()
			return
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
		case client := <-h.unregister:
			h.mu.Lock()
			if h.clients[client] {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
		case msg := <-h.broadcast:
			h.mu.RLock()
			for client := range h.clients {
				select {
				case client.send <- msg:
				default:
					// A stalled client loses messages, not the daemon.
				}
			}
			h.mu.RUnlock()
		}
	}
}

// Broadcast queues a message to every subscriber.
func (h *Hub) Broadcast(msg []byte) {
	select {
	case h.broadcast <- msg:
	default:
		h.logger.Warn("stream broadcast buffer full, dropping event")
	}
}

// AttachBus republishes outbound bus events to the hub.
func (h *Hub) AttachBus(bus outbound.EventBus) (outbound.Subscription, error) {
	return bus.Subscribe(">", func(_ context.Context, ev *outbound.Event) error {
		data, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		h.Broadcast(data)
		return nil
	})
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The daemon binds to loopback; clients are local tools.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleStream upgrades a connection and pumps events to it.
func (s *Server) handleStream(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	client := &streamClient{conn: conn, send: make(chan []byte, 256)}
	s.hub.register <- client

	go func() {
		defer func() {
			s.hub.unregister <- client
			conn.Close()
		}()
		for msg := range client.send {
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		}
	}()

	// Drain (and discard) client frames to notice disconnects.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				s.hub.unregister <- client
				return
			}
		}
	}()
}
