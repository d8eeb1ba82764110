package telemetry

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sinkRecorder struct {
	mu   sync.Mutex
	cmds []Command
	err  error
}

func (s *sinkRecorder) sink(c Command) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.cmds = append(s.cmds, c)
	return nil
}

func (s *sinkRecorder) got() []Command {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Command(nil), s.cmds...)
}

func dial(t *testing.T, h *Hub) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(h.Handler())
	t.Cleanup(srv.Close)
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.Eventually(t, func() bool { return h.Clients() == 1 }, time.Second, time.Millisecond)
	return conn
}

func read(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, b, err := conn.ReadMessage()
	require.NoError(t, err)
	var m map[string]any
	require.NoError(t, json.Unmarshal(b, &m))
	return m
}

func TestCommandValidate(t *testing.T) {
	assert.NoError(t, Command{Cmd: CmdStop}.Validate())
	assert.NoError(t, Command{Cmd: CmdClose, ID: "p1"}.Validate())
	assert.Error(t, Command{Cmd: CmdClose}.Validate())
	assert.Error(t, Command{Cmd: "buy"}.Validate())
}

func TestBroadcast(t *testing.T) {
	h := NewHub(nil)
	conn := dial(t, h)

	h.Broadcast("status", map[string]any{"equity": 10000})
	m := read(t, conn)
	assert.Equal(t, "status", m["type"])
	assert.Equal(t, 10000.0, m["data"].(map[string]any)["equity"])
}

func TestCommandsReachSink(t *testing.T) {
	rec := &sinkRecorder{}
	h := NewHub(rec.sink)
	conn := dial(t, h)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"cmd":"close","id":"p1"}`)))
	assert.Equal(t, "ack", read(t, conn)["type"])
	assert.Equal(t, []Command{{Cmd: CmdClose, ID: "p1"}}, rec.got())

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"cmd":"launch"}`)))
	m := read(t, conn)
	assert.Equal(t, "error", m["type"])
	assert.Contains(t, m["data"], "unknown command")

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`not json`)))
	assert.Equal(t, "malformed command", read(t, conn)["data"])

	rec.mu.Lock()
	rec.err = errors.New("queue full")
	rec.mu.Unlock()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"cmd":"stop"}`)))
	assert.Equal(t, "queue full", read(t, conn)["data"])
	assert.Len(t, rec.got(), 1)
}

func TestDisconnectRemovesClient(t *testing.T) {
	h := NewHub(nil)
	conn := dial(t, h)
	require.NoError(t, conn.Close())
	assert.Eventually(t, func() bool { return h.Clients() == 0 }, 2*time.Second, time.Millisecond)

	conn = dial(t, h)
	h.Close()
	assert.Equal(t, 0, h.Clients())
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)
}

func TestOriginCheck(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		origin string // "self" uses the test server's own URL
		allow  []string
		ok     bool
	}{
		{"no origin", "", nil, true},
		{"same host", "self", nil, true},
		{"foreign", "http://evil.example", nil, false},
		{"allowed", "http://localhost:5173", []string{"http://localhost:5173/"}, true},
		{"allowed other scheme", "https://localhost:5173", []string{"http://localhost:5173"}, false},
		{"case folded", "HTTP://LocalHost:5173", []string{"http://localhost:5173"}, true},
		{"garbage", "::not a url", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			h := NewHub(nil, WithAllowedOrigins(tt.allow...))
			defer h.Close()
			srv := httptest.NewServer(h.Handler())
			defer srv.Close()

			hdr := http.Header{}
			switch tt.origin {
			case "":
			case "self":
				hdr.Set("Origin", srv.URL)
			default:
				hdr.Set("Origin", tt.origin)
			}
			conn, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", hdr)
			if tt.ok {
				require.NoError(t, err)
				conn.Close()
				return
			}
			require.ErrorIs(t, err, websocket.ErrBadHandshake)
			require.NotNil(t, resp)
			assert.Equal(t, http.StatusForbidden, resp.StatusCode)
			assert.Zero(t, h.Clients())
		})
	}
}
