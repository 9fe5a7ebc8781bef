// Package adminfeed is the admin live event feed: a websocket
// broadcast of stream/session/cascade lifecycle events, so an admin UI
// can follow a node without polling the streams listing.
package adminfeed

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// Event is one admin-feed message, JSON-encoded and broadcast verbatim.
type Event struct {
	Type      string      `json:"type"` // "stream.created", "publisher.attached", "cascade.started", ...
	StreamID  string      `json:"stream_id,omitempty"`
	SessionID string      `json:"session_id,omitempty"`
	Detail    interface{} `json:"detail,omitempty"`
	At        time.Time   `json:"at"`
}

// client is one connected admin websocket, given its own bounded
// outbound queue so a slow admin UI cannot stall event delivery to
// the others.
type client struct {
	conn *websocket.Conn
	send chan Event
}

// Hub fans Events out to every connected admin client.
type Hub struct {
	log *logrus.Entry

	mu      sync.Mutex
	clients map[*client]struct{}

	broadcast  chan Event
	register   chan *client
	unregister chan *client
	stopCh     chan struct{}
	stopOnce   sync.Once
}

func NewHub(log *logrus.Entry) *Hub {
	h := &Hub{
		log:        log.WithField("component", "adminfeed"),
		clients:    make(map[*client]struct{}),
		broadcast:  make(chan Event, 256),
		register:   make(chan *client),
		unregister: make(chan *client),
		stopCh:     make(chan struct{}),
	}
	go h.run()
	return h
}

func (h *Hub) run() {
	for {
		select {
		case <-h.stopCh:
			return
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			h.mu.Unlock()
		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()
		case ev := <-h.broadcast:
			h.mu.Lock()
			for c := range h.clients {
				select {
				case c.send <- ev:
				default:
					h.log.Warn("admin feed client too slow, dropping event")
				}
			}
			h.mu.Unlock()
		}
	}
}

func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.stopCh) })
}

// Publish enqueues an event for every connected admin client. Never
// blocks: the broadcast channel is generously buffered and run() only
// ever does non-blocking sends onward to each client.
func (h *Hub) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	select {
	case h.broadcast <- ev:
	default:
		h.log.Warn("admin feed broadcast channel full, dropping event")
	}
}

// Serve streams events to an already-upgraded websocket connection
// until it closes. httpapi's GET /api/events handler performs the
// upgrade and then hands the connection here.
func (h *Hub) Serve(conn *websocket.Conn) {
	c := &client{conn: conn, send: make(chan Event, 32)}
	h.register <- c
	defer func() { h.unregister <- c }()

	go c.readPump()
	c.writePump()
}

// readPump drains (and discards) any client->server frames;
// ReadMessage erroring is how a closed connection is detected.
func (c *client) readPump() {
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *client) writePump() {
	for ev := range c.send {
		b, err := json.Marshal(ev)
		if err != nil {
			continue
		}
		if err := c.conn.WriteMessage(websocket.TextMessage, b); err != nil {
			return
		}
	}
}
