// Package telemetry pushes engine events to websocket clients and relays
// their commands back to the engine.
package telemetry

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
	sendBuffer = 64
)

// Command is an inbound client request, e.g. {"cmd":"close","id":"..."}.
type Command struct {
	Cmd string `json:"cmd"`
	ID  string `json:"id,omitempty"`
}

const (
	CmdStop            = "stop"
	CmdResume          = "resume"
	CmdCloseAll        = "close_all"
	CmdClearSuspension = "clear_suspension"
	CmdClose           = "close"
)

func (c Command) Validate() error {
	switch c.Cmd {
	case CmdStop, CmdResume, CmdCloseAll, CmdClearSuspension:
		return nil
	case CmdClose:
		if c.ID == "" {
			return fmt.Errorf("close needs an id")
		}
		return nil
	}
	return fmt.Errorf("unknown command %q", c.Cmd)
}

// CommandSink receives validated commands. It must not block.
type CommandSink func(Command) error

// Message is the envelope sent to clients.
type Message struct {
	Type string    `json:"type"`
	Time time.Time `json:"time"`
	Data any       `json:"data,omitempty"`
}

type Option func(*Hub)

func WithLogger(l *zap.Logger) Option {
	return func(h *Hub) {
		if l != nil {
			h.log = l
		}
	}
}

// WithAllowedOrigins lets browser pages served from other origins connect,
// e.g. "http://localhost:5173". Same-host pages are always allowed.
func WithAllowedOrigins(origins ...string) Option {
	return func(h *Hub) {
		for _, o := range origins {
			if o = strings.TrimSpace(o); o != "" {
				h.origins[strings.ToLower(strings.TrimSuffix(o, "/"))] = struct{}{}
			}
		}
	}
}

type Hub struct {
	mu       sync.Mutex
	clients  map[*client]struct{}
	sink     CommandSink
	log      *zap.Logger
	upgrader websocket.Upgrader
	origins  map[string]struct{}
	now      func() time.Time
}

type client struct {
	conn *websocket.Conn
	send chan []byte
	once sync.Once
}

func (c *client) close() {
	c.once.Do(func() { close(c.send) })
}

func NewHub(sink CommandSink, opts ...Option) *Hub {
	h := &Hub{
		clients: make(map[*client]struct{}),
		sink:    sink,
		log:     zap.NewNop(),
		origins: make(map[string]struct{}),
		now:     time.Now,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// checkOrigin admits requests without an Origin header and browser pages
// from the hub's own host or an allowed origin.
func (h *Hub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err == nil && u.Host != "" {
		if strings.EqualFold(u.Host, r.Host) {
			return true
		}
		if _, ok := h.origins[strings.ToLower(u.Scheme+"://"+u.Host)]; ok {
			return true
		}
	}
	h.log.Warn("websocket origin refused", zap.String("origin", origin), zap.String("remote", r.RemoteAddr))
	return false
}

// Handler serves the hub at /ws.
func (h *Hub) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/ws", h)
	return mux
}

func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	c := &client{conn: conn, send: make(chan []byte, sendBuffer)}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	go h.writePump(c)
	go h.readPump(c)
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		c.close()
	}
	h.mu.Unlock()
}

// Clients reports the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Broadcast sends a message to every client. Clients whose buffer is full
// are disconnected rather than slowing the caller.
func (h *Hub) Broadcast(typ string, data any) {
	b, err := json.Marshal(Message{Type: typ, Time: h.now(), Data: data})
	if err != nil {
		h.log.Warn("telemetry marshal failed", zap.String("type", typ), zap.Error(err))
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- b:
		default:
			delete(h.clients, c)
			c.close()
		}
	}
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		delete(h.clients, c)
		c.close()
	}
}

func (h *Hub) reply(c *client, typ string, data any) {
	b, err := json.Marshal(Message{Type: typ, Time: h.now(), Data: data})
	if err != nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	select {
	case c.send <- b:
	default:
	}
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				h.remove(c)
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.remove(c)
				return
			}
		}
	}
}

func (h *Hub) readPump(c *client) {
	defer h.remove(c)
	c.conn.SetReadLimit(4096)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))

		var cmd Command
		if err := json.Unmarshal(msg, &cmd); err != nil {
			h.reply(c, "error", "malformed command")
			continue
		}
		if err := cmd.Validate(); err != nil {
			h.reply(c, "error", err.Error())
			continue
		}
		if h.sink == nil {
			h.reply(c, "error", "commands disabled")
			continue
		}
		if err := h.sink(cmd); err != nil {
			h.log.Warn("command rejected", zap.String("cmd", cmd.Cmd), zap.Error(err))
			h.reply(c, "error", err.Error())
			continue
		}
		h.reply(c, "ack", cmd)
	}
}
