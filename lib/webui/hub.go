// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package webui

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/bureau-foundation/hyphae/lib/app"
	"github.com/bureau-foundation/hyphae/lib/clock"
	"github.com/bureau-foundation/hyphae/lib/netutil"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 20 * time.Second

	// maxInboundMessage bounds frames from the page. The page never
	// sends data frames, only control frames.
	maxInboundMessage = 4096
)

// envelope is the frame sent to the page.
type envelope struct {
	Type string   `json:"type"`
	View app.View `json:"view"`
}

// ViewSource returns the current view for newly connected pages.
type ViewSource func() app.View

// Hub pushes views to every connected page.
type Hub struct {
	source   ViewSource
	clock    clock.Clock
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu     sync.Mutex
	conns  map[string]*connection
	closed bool

	wg sync.WaitGroup
}

// connection is one page's websocket. writeMu serializes writes from
// the writer goroutine and from Close.
type connection struct {
	id      string
	conn    *websocket.Conn
	writeMu sync.Mutex

	// latest holds at most one undelivered frame. Publish replaces it.
	latest chan []byte
	done   chan struct{}
	once   sync.Once
}

// HubConfig configures a [Hub].
type HubConfig struct {
	// Source supplies the view sent when a page connects. Required.
	Source ViewSource

	// Clock drives the ping ticker. Defaults to the real clock.
	Clock clock.Clock

	Logger *slog.Logger
}

// NewHub creates a hub with no connections.
func NewHub(config HubConfig) *Hub {
	if config.Source == nil {
		panic("webui.Hub: Source is required")
	}
	hub := &Hub{
		source: config.Source,
		clock:  config.Clock,
		logger: config.Logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:   1024,
			WriteBufferSize:  4096,
			HandshakeTimeout: 10 * time.Second,
		},
		conns: make(map[string]*connection),
	}
	if hub.clock == nil {
		hub.clock = clock.Real()
	}
	if hub.logger == nil {
		hub.logger = slog.Default()
	}
	return hub
}

// Publish sends view to every connected page.
func (h *Hub) Publish(view app.View) {
	frame, err := json.Marshal(envelope{Type: "view", View: view})
	if err != nil {
		h.logger.Error("encoding view", "error", err)
		return
	}
	h.mu.Lock()
	conns := make([]*connection, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		c.offer(frame)
	}
}

// offer replaces any undelivered frame with frame.
func (c *connection) offer(frame []byte) {
	for {
		select {
		case c.latest <- frame:
			return
		default:
		}
		select {
		case <-c.latest:
		default:
		}
	}
}

// ConnectionCount returns the number of connected pages.
func (h *Hub) ConnectionCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// ServeHTTP upgrades the request to a websocket and serves it until
// the page disconnects or the hub closes. The upgrader's default
// origin check rejects pages served from another host.
func (h *Hub) ServeHTTP(writer http.ResponseWriter, request *http.Request) {
	conn, err := h.upgrader.Upgrade(writer, request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err, "remote_addr", request.RemoteAddr)
		return
	}

	c := &connection{
		id:     uuid.NewString(),
		conn:   conn,
		latest: make(chan []byte, 1),
		done:   make(chan struct{}),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		c.close(websocket.CloseGoingAway, "server shutdown")
		return
	}
	h.conns[c.id] = c
	h.wg.Add(1)
	h.mu.Unlock()

	h.logger.Debug("page connected", "connection_id", c.id, "remote_addr", request.RemoteAddr)

	frame, err := json.Marshal(envelope{Type: "view", View: h.source()})
	if err == nil {
		c.offer(frame)
	}

	go h.writeLoop(c)
	h.readLoop(c)
}

// readLoop consumes control frames until the connection fails, then
// unregisters it.
func (h *Hub) readLoop(c *connection) {
	defer func() {
		h.mu.Lock()
		delete(h.conns, c.id)
		h.mu.Unlock()
		c.close(websocket.CloseNormalClosure, "")
		h.wg.Done()
		h.logger.Debug("page disconnected", "connection_id", c.id)
	}()

	c.conn.SetReadLimit(maxInboundMessage)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if !netutil.IsExpectedCloseError(err) {
				h.logger.Debug("websocket read failed", "connection_id", c.id, "error", err)
			}
			return
		}
	}
}

// writeLoop delivers frames and pings until the connection closes.
func (h *Hub) writeLoop(c *connection) {
	ticker := h.clock.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case frame := <-c.latest:
			if err := c.write(websocket.TextMessage, frame); err != nil {
				h.logger.Debug("websocket write failed", "connection_id", c.id, "error", err)
				c.conn.Close()
				return
			}
		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				c.conn.Close()
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *connection) write(messageType int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(messageType, data)
}

// close sends a close frame and closes the socket. Safe to call more
// than once.
func (c *connection) close(code int, text string) {
	c.once.Do(func() {
		close(c.done)
		c.writeMu.Lock()
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, text))
		c.conn.Close()
		c.writeMu.Unlock()
	})
}

// Close disconnects every page and refuses new connections. It waits
// for the connection handlers to return.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	conns := make([]*connection, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		c.close(websocket.CloseGoingAway, "server shutdown")
	}
	h.wg.Wait()
}

var _ app.Publisher = (*Hub)(nil)
