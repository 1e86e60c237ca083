package server

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/remilejeune/udata-harvest/events"
	"github.com/remilejeune/udata-harvest/harvest"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Clients only send control frames.
	maxMessageSize = 512

	// Events buffered per client before they are dropped.
	eventBuffer = 64
)

// Client is one websocket subscriber of /events.
type Client struct {
	id        string
	server    *Server
	conn      *websocket.Conn
	events    <-chan harvest.Event
	cancel    func()
	filter    eventFilter
	closeOnce sync.Once
}

// eventFilter selects the events sent to a client. Signals match as
// prefixes so "job." selects both run signals.
type eventFilter struct {
	signals []string
	source  string
}

func newEventFilter(r *http.Request) eventFilter {
	q := r.URL.Query()
	var signals []string
	for _, v := range q["signal"] {
		for _, s := range strings.Split(v, ",") {
			if s = strings.TrimSpace(s); s != "" {
				signals = append(signals, s)
			}
		}
	}
	return eventFilter{signals: signals, source: q.Get("source")}
}

func (f eventFilter) match(ev harvest.Event) bool {
	if f.source != "" {
		if ev.Source == nil || (ev.Source.Slug != f.source && ev.Source.ID != f.source) {
			return false
		}
	}
	if len(f.signals) == 0 {
		return true
	}
	for _, s := range f.signals {
		if strings.HasPrefix(string(ev.Signal), s) {
			return true
		}
	}
	return false
}

func (s *Server) upgrader() *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
}

// handleEvents streams bus events as JSON messages.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.State() == StateDraining {
		writeError(w, http.StatusServiceUnavailable, "server is shutting down")
		return
	}
	conn, err := s.upgrader().Upgrade(w, r, nil)
	if err != nil {
		// the upgrader already replied
		s.log.Warnw("WebSocket upgrade failed", "error", err)
		return
	}

	ch, cancel := s.deps.Bus.Channel(eventBuffer)
	c := &Client{
		id:     uuid.NewString()[:8],
		server: s,
		conn:   conn,
		events: ch,
		cancel: cancel,
		filter: newEventFilter(r),
	}
	s.register(c)

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		c.writePump()
	}()
	go func() {
		defer s.wg.Done()
		c.readPump()
	}()
}

func (s *Server) register(c *Client) {
	s.mu.Lock()
	s.clients[c] = struct{}{}
	n := len(s.clients)
	s.mu.Unlock()
	s.log.Infow("Event client connected", "client_id", c.id, "clients", n)
}

func (s *Server) unregister(c *Client) {
	s.mu.Lock()
	delete(s.clients, c)
	n := len(s.clients)
	s.mu.Unlock()
	s.log.Infow("Event client disconnected", "client_id", c.id, "clients", n)
}

// ClientCount returns the number of connected event clients.
func (s *Server) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

func (s *Server) closeClients() {
	s.mu.Lock()
	clients := make([]*Client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()
	for _, c := range clients {
		c.close()
	}
}

func (c *Client) close() {
	c.closeOnce.Do(func() {
		c.cancel()
		_ = c.conn.Close()
		c.server.unregister(c)
	})
}

// readPump discards client messages and keeps the read deadline moving
// with pongs. It returns when the peer goes away.
func (c *Client) readPump() {
	defer c.close()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.server.log.Debugw("Event client read error", "client_id", c.id, "error", err)
			}
			return
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case <-c.server.ctx.Done():
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
			return
		case ev, ok := <-c.events:
			if !ok {
				return
			}
			if !c.filter.match(ev) {
				continue
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(events.NewMessage(ev)); err != nil {
				c.server.log.Debugw("Event write failed", "client_id", c.id, "error", err)
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
