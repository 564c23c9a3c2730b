// Package wsgateway implements the WS Gateway (§4.8): a thin read-only
// fan-out of the Event Bus to browser/app clients watching a user's
// captures. Adapted from the teacher's DAGStreamer — the
// register/unregister/broadcast hub loop and gorilla/websocket upgrade are
// kept; the single global hub is generalized into one hub per owning user
// (a client only ever needs its own captures), and the broadcast payload
// becomes the Capture lifecycle event instead of a DAG node/edge.
package wsgateway

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/fieldnote/coordinator/internal/events"
)

// Message is what a WS client receives — the Event Bus envelope narrowed
// to the fields a client actually needs.
type Message struct {
	Type      events.Topic   `json:"type"`
	CaptureID string         `json:"captureId"`
	Data      map[string]any `json:"data"`
	Timestamp time.Time      `json:"timestamp"`
}

// Gateway fans events.Bus publications out to WebSocket clients, grouped
// per owning user so one user's clients never see another's captures.
type Gateway struct {
	bus *events.Bus

	upgrader websocket.Upgrader

	mu    sync.RWMutex
	hubs  map[string]*hub // ownerUserID -> hub
}

// New creates a Gateway for bus. It does not subscribe by itself: the
// caller subscribes to the topics it wants forwarded and passes that
// channel to Run, in its own goroutine, before serving HandleWebSocket.
func New(bus *events.Bus) *Gateway {
	return &Gateway{
		bus: bus,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		hubs: make(map[string]*hub),
	}
}

// Run drains the Event Bus and fans each event out to the owning user's
// hub. Blocks until ctx-style cancellation is achieved by closing the
// subscription channel (callers stop it via bus.Unsubscribe on shutdown).
func (g *Gateway) Run(sub chan events.Event) {
	for ev := range sub {
		g.hubFor(ev.OwnerUserID).broadcast(Message{
			Type:      ev.Type,
			CaptureID: ev.Subject,
			Data:      ev.Data,
			Timestamp: ev.Time,
		})
	}
}

func (g *Gateway) hubFor(ownerUserID string) *hub {
	g.mu.RLock()
	h, ok := g.hubs[ownerUserID]
	g.mu.RUnlock()
	if ok {
		return h
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if h, ok = g.hubs[ownerUserID]; ok {
		return h
	}
	h = newHub()
	g.hubs[ownerUserID] = h
	go h.run()
	return h
}

// HandleWebSocket upgrades the request and registers the connection with
// the caller's hub; ownerUserID is supplied by the auth middleware that
// wraps this handler, never read from the request itself.
func (g *Gateway) HandleWebSocket(w http.ResponseWriter, r *http.Request, ownerUserID string) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("wsgateway: upgrade failed", "error", err)
		return
	}

	h := g.hubFor(ownerUserID)
	h.register <- conn

	go func() {
		defer func() { h.unregister <- conn }()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// hub is one broadcast domain — all clients belonging to one owning user.
type hub struct {
	mu         sync.RWMutex
	clients    map[*websocket.Conn]bool
	broadcastC chan Message
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
}

func newHub() *hub {
	return &hub{
		clients:    make(map[*websocket.Conn]bool),
		broadcastC: make(chan Message, 256),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
	}
}

func (h *hub) run() {
	for {
		select {
		case conn := <-h.register:
			h.mu.Lock()
			h.clients[conn] = true
			h.mu.Unlock()

		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
			}
			h.mu.Unlock()

		case msg := <-h.broadcastC:
			h.mu.RLock()
			for conn := range h.clients {
				if err := conn.WriteJSON(msg); err != nil {
					slog.Warn("wsgateway: write failed, dropping client", "error", err)
					conn.Close()
					delete(h.clients, conn)
				}
			}
			h.mu.RUnlock()
		}
	}
}

func (h *hub) broadcast(msg Message) {
	select {
	case h.broadcastC <- msg:
	default:
		slog.Warn("wsgateway: broadcast queue full, dropping message", "captureId", msg.CaptureID)
	}
}

// ClientCount reports how many WebSocket connections are attached across
// every user hub.
func (g *Gateway) ClientCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()

	total := 0
	for _, h := range g.hubs {
		h.mu.RLock()
		total += len(h.clients)
		h.mu.RUnlock()
	}
	return total
}
