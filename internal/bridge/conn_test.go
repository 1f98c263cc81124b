package bridge

import (
	"context"
	"encoding/json"
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

type mediaServer struct {
	url string

	mu      sync.Mutex
	headers http.Header
	path    string
	got     []map[string]any
	conn    *websocket.Conn
	ready   chan struct{}
}

// newMediaServer starts a fake media service. script runs after the
// upgrade with the server side of the connection; every message the
// client sends is recorded.
func newMediaServer(t *testing.T, script func(conn *websocket.Conn)) *mediaServer {
	t.Helper()
	ms := &mediaServer{ready: make(chan struct{})}
	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/stream/") {
			http.NotFound(w, r)
			return
		}
		if r.Header.Get("Authorization") != "Bearer good-token" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		ms.mu.Lock()
		ms.headers = r.Header.Clone()
		ms.path = r.URL.Path
		ms.conn = conn
		ms.mu.Unlock()
		close(ms.ready)

		go func() {
			for {
				_, data, err := conn.ReadMessage()
				if err != nil {
					return
				}
				var msg map[string]any
				if json.Unmarshal(data, &msg) == nil {
					ms.mu.Lock()
					ms.got = append(ms.got, msg)
					ms.mu.Unlock()
				}
			}
		}()
		if script != nil {
			script(conn)
		}
	}))
	t.Cleanup(server.Close)
	ms.url = "ws" + strings.TrimPrefix(server.URL, "http")
	return ms
}

func (ms *mediaServer) received() []map[string]any {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return append([]map[string]any(nil), ms.got...)
}

func (ms *mediaServer) waitFor(t *testing.T, n int) []map[string]any {
	t.Helper()
	var got []map[string]any
	require.Eventually(t, func() bool {
		got = ms.received()
		return len(got) >= n
	}, 2*time.Second, 10*time.Millisecond)
	return got
}

func testConfig(url string) Config {
	return Config{BaseURL: url, ConnectTimeout: 2 * time.Second, WriteTimeout: time.Second, PingInterval: time.Second}
}

func TestConn_SendBeforeConnectReturnsFalse(t *testing.T) {
	c := New("c1", testConfig("ws://127.0.0.1:1"), NewRouter("c1", Handlers{}, testLogger()), testLogger())
	assert.False(t, c.SendAudio([]byte{1, 2, 3}))
	assert.False(t, c.SendControl(ActionMute, nil))
	assert.False(t, c.Mute())
	assert.False(t, c.IsConnected())
	assert.ErrorIs(t, c.Listen(context.Background()), ErrNotConnected)
	c.Disconnect()
	c.Disconnect()
}

func TestConn_ConnectSendsAuthHeaders(t *testing.T) {
	ms := newMediaServer(t, nil)
	c := New("call/1", testConfig(ms.url), NewRouter("call/1", Handlers{}, testLogger()), testLogger())
	defer c.Disconnect()

	require.NoError(t, c.Connect(context.Background(), "good-token"))
	assert.True(t, c.IsConnected())
	<-ms.ready

	ms.mu.Lock()
	defer ms.mu.Unlock()
	assert.Equal(t, "Bearer good-token", ms.headers.Get("Authorization"))
	assert.Equal(t, "call/1", ms.headers.Get("X-Call-ID"))
	assert.Equal(t, "/stream/call/1", ms.path)
}

func TestConn_ConnectRejected(t *testing.T) {
	ms := newMediaServer(t, nil)
	c := New("c1", testConfig(ms.url), NewRouter("c1", Handlers{}, testLogger()), testLogger())
	err := c.Connect(context.Background(), "bad-token")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
	assert.False(t, c.IsConnected())
}

func TestConn_ControlHelpers(t *testing.T) {
	ms := newMediaServer(t, nil)
	c := New("c1", testConfig(ms.url), NewRouter("c1", Handlers{}, testLogger()), testLogger())
	defer c.Disconnect()
	require.NoError(t, c.Connect(context.Background(), "good-token"))

	assert.True(t, c.Mute())
	assert.True(t, c.Muted())
	assert.True(t, c.Unmute())
	assert.False(t, c.Muted())
	assert.True(t, c.SetVolume(1.7))
	assert.Equal(t, 1.0, c.Volume())
	assert.True(t, c.Play("greeting.wav"))
	assert.True(t, c.SendDigits("123#"))
	assert.True(t, c.Transfer("+15550001111"))
	assert.True(t, c.SendAudio([]byte{0xde, 0xad}))

	got := ms.waitFor(t, 7)
	actions := make([]string, 0, len(got))
	for _, m := range got {
		if m["type"] == "control" {
			actions = append(actions, m["action"].(string))
		}
	}
	assert.Equal(t, []string{"mute", "unmute", "set_volume", "play", "digits", "transfer"}, actions)
	assert.EqualValues(t, 1, got[2]["data"].(map[string]any)["volume"])
	assert.Equal(t, "greeting.wav", got[3]["data"].(map[string]any)["file"])
	assert.Equal(t, "dead", got[6]["data"])
}

func TestConn_ListenRoutesAndWritesReplies(t *testing.T) {
	ms := newMediaServer(t, func(conn *websocket.Conn) {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"event","call_id":"c1","event":"answered"}`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"audio","call_id":"c1","data":"0a0b"}`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"mystery"}`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"control","action":"end_stream"}`))
	})
	h := &recordingHandler{reply: []byte{0xff}}
	c := New("c1", testConfig(ms.url), NewRouter("c1", Handlers{Audio: h, Events: h}, testLogger()), testLogger())
	defer c.Disconnect()
	require.NoError(t, c.Connect(context.Background(), "good-token"))

	err := c.Listen(context.Background())
	assert.ErrorIs(t, err, ErrStreamEnded)

	frames, events, _ := h.snapshot()
	require.Len(t, frames, 1)
	assert.Equal(t, []byte{0x0a, 0x0b}, frames[0].Data)
	require.Len(t, events, 1)
	assert.Equal(t, "answered", events[0].Event)

	got := ms.waitFor(t, 1)
	assert.Equal(t, "audio", got[0]["type"])
	assert.Equal(t, "ff", got[0]["data"])
}

func TestConn_ListenStopsOnCancel(t *testing.T) {
	ms := newMediaServer(t, nil)
	c := New("c1", testConfig(ms.url), NewRouter("c1", Handlers{}, testLogger()), testLogger())
	defer c.Disconnect()
	require.NoError(t, c.Connect(context.Background(), "good-token"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Listen(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Listen did not return after cancel")
	}
}

func TestConn_ListenReturnsOnRemoteClose(t *testing.T) {
	ms := newMediaServer(t, func(conn *websocket.Conn) {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"), time.Now().Add(time.Second))
		_ = conn.Close()
	})
	c := New("c1", testConfig(ms.url), NewRouter("c1", Handlers{}, testLogger()), testLogger())
	defer c.Disconnect()
	require.NoError(t, c.Connect(context.Background(), "good-token"))

	assert.ErrorIs(t, c.Listen(context.Background()), ErrDisconnected)
}

func TestConn_DisconnectUnblocksListen(t *testing.T) {
	ms := newMediaServer(t, nil)
	c := New("c1", testConfig(ms.url), NewRouter("c1", Handlers{}, testLogger()), testLogger())
	require.NoError(t, c.Connect(context.Background(), "good-token"))

	done := make(chan error, 1)
	go func() { done <- c.Listen(context.Background()) }()
	c.Disconnect()
	c.Disconnect()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Listen did not return after Disconnect")
	}
	assert.False(t, c.IsConnected())
	assert.False(t, c.SendAudio([]byte{1}))
}
