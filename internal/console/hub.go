// Package console is the real-time distribution layer: it maintains a
// broadcast channel to all connected operator consoles, relays every
// position mutation, and accepts operator commands with synchronous
// acknowledgement.
//
// All state lives in the position store; a reconnecting operator simply
// re-subscribes and receives a fresh initial-data snapshot.
package console

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/bintra/session-engine/internal/auth"
	"github.com/bintra/session-engine/internal/metrics"
	"github.com/bintra/session-engine/internal/model"
	"github.com/bintra/session-engine/internal/settle"
	"github.com/bintra/session-engine/internal/store"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	sendBufferSize = 64
)

// client is one connected operator console. send is never closed; drop
// signals teardown through done so a command handler mid-flight writes
// into a live (if abandoned) channel instead of panicking.
type client struct {
	conn     *websocket.Conn
	send     chan []byte
	done     chan struct{}
	dropOnce sync.Once
	adminID  string
	limiter  *rate.Limiter
}

// drop marks the client dead. Safe to call from the hub loop and the
// read pump concurrently.
func (c *client) drop() {
	c.dropOnce.Do(func() { close(c.done) })
}

// enqueue hands a frame to the write pump. Frames for dropped clients and
// frames that would block are discarded.
func (c *client) enqueue(msg []byte) {
	select {
	case <-c.done:
		return
	default:
	}
	select {
	case c.send <- msg:
	default:
	}
}

// Hub manages operator connections and fans every event out to all of
// them. It implements settle.Publisher.
type Hub struct {
	engine   *settle.Engine
	store    store.Store
	verifier *auth.Verifier

	// snapshotScope filters the initial-data snapshot; broadcasts are
	// always fanned out to everyone.
	snapshotScope string

	clients    map[*client]bool
	broadcast  chan []byte
	register   chan *client
	unregister chan *client
	mu         sync.RWMutex
}

// NewHub creates a console hub.
func NewHub(engine *settle.Engine, st store.Store, verifier *auth.Verifier) *Hub {
	return &Hub{
		engine:        engine,
		store:         st,
		verifier:      verifier,
		snapshotScope: model.AccountReal,
		clients:       make(map[*client]bool),
		broadcast:     make(chan []byte, 256),
		register:      make(chan *client),
		unregister:    make(chan *client),
	}
}

// Run starts the hub's main event loop. Must be called in a goroutine.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				c.drop()
				delete(h.clients, c)
			}
			h.mu.Unlock()
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			total := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(total))
			slog.Info("operator connected", "admin", c.adminID, "total", total)

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				c.drop()
			}
			total := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(total))
			slog.Info("operator disconnected", "admin", c.adminID, "total", total)

		case msg := <-h.broadcast:
			h.mu.Lock()
			for c := range h.clients {
				select {
				case c.send <- msg:
				default:
					// Slow consumer: drop the connection rather than
					// block every other console. It will reconnect and
					// resync from a fresh snapshot.
					delete(h.clients, c)
					c.drop()
				}
			}
			h.mu.Unlock()
		}
	}
}

// Publish fans an engine event out to all connected consoles. Delivery
// order per console matches publish order; a full hub buffer drops the
// event rather than blocking settlement.
func (h *Hub) Publish(ev settle.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	select {
	case h.broadcast <- data:
	default:
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true // operator consoles are served cross-origin
	},
}

// HandleWS upgrades an authenticated operator connection at GET /api/v1/ws.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	adminID, err := h.verifier.Verify(auth.FromRequest(r))
	if err != nil {
		http.Error(w, "operator token required", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("ws upgrade failed", "err", err)
		return
	}

	c := &client{
		conn:    conn,
		send:    make(chan []byte, sendBufferSize),
		done:    make(chan struct{}),
		adminID: adminID,
		limiter: rate.NewLimiter(rate.Limit(10), 20),
	}
	h.register <- c

	go h.writePump(c)
	go h.readPump(c)
}

// writePump serializes all writes to one connection: broadcasts, command
// acks, and keepalive pings.
func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}

		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, nil)
			return

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump consumes operator commands and detects disconnects.
func (h *Hub) readPump(c *client) {
	defer func() {
		h.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		h.handleCommand(c, data)
	}
}
