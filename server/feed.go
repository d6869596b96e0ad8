// Package server exposes completed turns to external listeners over a
// websocket feed.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"

	"github.com/becomeliminal/halcyon/engine"
)

const (
	writeWait  = 10 * time.Second
	sendBuffer = 64
)

// Message is the envelope written to feed clients.
type Message struct {
	Type string           `json:"type"`
	Turn engine.TurnEvent `json:"turn"`
}

// Feed is a websocket hub that broadcasts every turn to connected clients.
// It implements engine.Observer.
type Feed struct {
	upgrader websocket.Upgrader
	logger   *log.Logger

	mu      sync.Mutex
	clients map[*client]struct{}
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// FeedOption configures a Feed.
type FeedOption func(*Feed)

// WithLogger sets the logger.
func WithLogger(l *log.Logger) FeedOption {
	return func(f *Feed) {
		if l != nil {
			f.logger = l
		}
	}
}

// WithCheckOrigin replaces the default same-origin check.
func WithCheckOrigin(check func(r *http.Request) bool) FeedOption {
	return func(f *Feed) {
		f.upgrader.CheckOrigin = check
	}
}

// NewFeed creates an empty feed.
func NewFeed(opts ...FeedOption) *Feed {
	f := &Feed{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		logger:  log.Default().WithPrefix("feed"),
		clients: make(map[*client]struct{}),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// ServeHTTP upgrades the request and registers the connection.
func (f *Feed) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		f.logger.Warn("websocket upgrade failed", "err", err)
		return
	}

	c := &client{conn: conn, send: make(chan []byte, sendBuffer)}
	f.mu.Lock()
	f.clients[c] = struct{}{}
	n := len(f.clients)
	f.mu.Unlock()
	f.logger.Info("client connected", "clients", n)

	go f.writePump(c)
	go f.readPump(c)
}

// OnTurn broadcasts the turn. Clients whose buffer is full are dropped.
func (f *Feed) OnTurn(ctx context.Context, ev engine.TurnEvent) error {
	data, err := json.Marshal(Message{Type: "turn", Turn: ev})
	if err != nil {
		return fmt.Errorf("marshal turn: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	for c := range f.clients {
		select {
		case c.send <- data:
		default:
			f.logger.Warn("client too slow, dropping")
			delete(f.clients, c)
			close(c.send)
		}
	}
	return nil
}

// Clients returns the number of connected clients.
func (f *Feed) Clients() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.clients)
}

// Close disconnects every client.
func (f *Feed) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for c := range f.clients {
		delete(f.clients, c)
		close(c.send)
	}
}

func (f *Feed) remove(c *client) {
	f.mu.Lock()
	if _, ok := f.clients[c]; ok {
		delete(f.clients, c)
		close(c.send)
	}
	n := len(f.clients)
	f.mu.Unlock()
	f.logger.Info("client disconnected", "clients", n)
}

// writePump sends queued messages until the send channel is closed.
func (f *Feed) writePump(c *client) {
	defer c.conn.Close()

	for msg := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			f.logger.Warn("websocket write failed", "err", err)
			f.remove(c)
			return
		}
	}
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
}

// readPump drains client messages to detect disconnects.
func (f *Feed) readPump(c *client) {
	defer f.remove(c)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// Mux serves the feed on /ws and a health check on /health.
func Mux(feed *Feed) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/ws", feed)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"status":  "ok",
			"clients": feed.Clients(),
		})
	})
	return mux
}

var _ engine.Observer = (*Feed)(nil)
