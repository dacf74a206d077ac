package web

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap/zaptest"

	"stereo-recorder/notify"
)

type fakeControl struct {
	mu    sync.Mutex
	calls []bool
}

func (c *fakeControl) SetRecording(on bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, on)
}

func (c *fakeControl) recorded() []bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]bool(nil), c.calls...)
}

func dialHub(t *testing.T, hub *Hub) (*websocket.Conn, func()) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWebSocket))
	wsURL := strings.Replace(srv.URL, "http", "ws", 1) + "/ws"

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		srv.Close()
		t.Fatalf("Failed to connect: %v", err)
	}
	waitFor(t, func() bool { return hub.ClientCount() > 0 })
	return conn, func() {
		conn.Close()
		srv.Close()
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func readMessage(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg Message
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("ReadJSON failed: %v", err)
	}
	return msg
}

func TestNewHub(t *testing.T) {
	tests := []struct {
		name           string
		allowedOrigins []string
		sendBufferSize int
		wantBufferSize int
	}{
		{"default values", nil, 0, 16},
		{"custom values", []string{"http://localhost:3000"}, 64, 64},
		{"wildcard origin", []string{"*"}, 8, 8},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hub := NewHub(tt.allowedOrigins, tt.sendBufferSize, zaptest.NewLogger(t))
			if hub.sendBufferSize != tt.wantBufferSize {
				t.Errorf("Expected send buffer size %d, got %d", tt.wantBufferSize, hub.sendBufferSize)
			}
			if len(hub.allowedOrigins) == 0 {
				t.Error("Expected allowed origins to be set")
			}
		})
	}
}

func TestCheckOrigin(t *testing.T) {
	tests := []struct {
		name           string
		allowedOrigins []string
		requestOrigin  string
		wantAllowed    bool
	}{
		{"wildcard allows all", []string{"*"}, "http://evil.com", true},
		{"specific origin allowed", []string{"http://localhost:3000"}, "http://localhost:3000", true},
		{"origin not in list", []string{"http://localhost:3000"}, "http://evil.com", false},
		{"no origin header", []string{"http://localhost:3000"}, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hub := NewHub(tt.allowedOrigins, 8, zaptest.NewLogger(t))

			req := httptest.NewRequest("GET", "/ws", nil)
			if tt.requestOrigin != "" {
				req.Header.Set("Origin", tt.requestOrigin)
			}
			if allowed := hub.checkOrigin(req); allowed != tt.wantAllowed {
				t.Errorf("Expected allowed=%v, got %v", tt.wantAllowed, allowed)
			}
		})
	}
}

func TestClientIDUniqueness(t *testing.T) {
	hub := NewHub([]string{"*"}, 8, zaptest.NewLogger(t))
	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWebSocket))
	defer srv.Close()
	wsURL := strings.Replace(srv.URL, "http", "ws", 1) + "/ws"

	for i := 0; i < 2; i++ {
		conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
		if err != nil {
			t.Fatalf("Failed to connect client %d: %v", i+1, err)
		}
		defer conn.Close()
	}
	waitFor(t, func() bool { return hub.ClientCount() == 2 })

	hub.mu.RLock()
	defer hub.mu.RUnlock()
	for id := range hub.clients {
		if len(id) != 36 || strings.Count(id, "-") != 4 {
			t.Errorf("Client ID does not look like a UUID: %s", id)
		}
	}
}

func TestHubCommands(t *testing.T) {
	hub := NewHub(nil, 8, zaptest.NewLogger(t))
	control := &fakeControl{}
	hub.SetControl(control, func() interface{} { return map[string]string{"state": "idle"} })

	conn, cleanup := dialHub(t, hub)
	defer cleanup()

	for _, typ := range []string{MessageStartRecording, MessageStopRecording} {
		if err := conn.WriteJSON(Message{Type: typ}); err != nil {
			t.Fatalf("WriteJSON failed: %v", err)
		}
	}
	if err := conn.WriteJSON(Message{Type: MessagePing}); err != nil {
		t.Fatalf("WriteJSON failed: %v", err)
	}
	if msg := readMessage(t, conn); msg.Type != MessagePong {
		t.Errorf("reply type = %s, want pong", msg.Type)
	}

	if got := control.recorded(); len(got) != 2 || !got[0] || got[1] {
		t.Errorf("SetRecording calls = %v, want [true false]", got)
	}

	if err := conn.WriteJSON(Message{Type: MessageStatus}); err != nil {
		t.Fatalf("WriteJSON failed: %v", err)
	}
	msg := readMessage(t, conn)
	data, _ := msg.Data.(map[string]interface{})
	if msg.Type != MessageStatus || data["state"] != "idle" {
		t.Errorf("status reply = %+v", msg)
	}

	if err := conn.WriteJSON(Message{Type: "bogus"}); err != nil {
		t.Fatalf("WriteJSON failed: %v", err)
	}
	if msg := readMessage(t, conn); msg.Type != notify.TypeError {
		t.Errorf("reply to unknown message = %s, want error", msg.Type)
	}
}

func TestHubBroadcastsEvents(t *testing.T) {
	hub := NewHub(nil, 8, zaptest.NewLogger(t))
	conn, cleanup := dialHub(t, hub)
	defer cleanup()

	var n notify.Notifier = hub
	n.RecordingState(notify.StateRecording, "rec-1")
	n.VideoSaved("/videos/video-1.mp4")
	n.Error("disk full")

	tests := []struct {
		typ   string
		field string
		want  string
	}{
		{notify.TypeRecordingState, "state", notify.StateRecording},
		{notify.TypeVideoSaved, "path", "/videos/video-1.mp4"},
		{notify.TypeError, "message", "disk full"},
	}
	for _, tt := range tests {
		msg := readMessage(t, conn)
		data, _ := msg.Data.(map[string]interface{})
		if msg.Type != tt.typ || data[tt.field] != tt.want {
			t.Errorf("got %s %v, want %s with %s=%s", msg.Type, data, tt.typ, tt.field, tt.want)
		}
	}
}

func TestSendMessageFullBuffer(t *testing.T) {
	client := &Client{
		id:     "test-client",
		logger: zaptest.NewLogger(t),
		send:   make(chan []byte, 1),
	}
	client.send <- []byte("message1")

	start := time.Now()
	if err := client.sendMessage("test", nil); err == nil {
		t.Error("Expected error for a full send buffer")
	}
	if time.Since(start) > time.Second {
		t.Error("sendMessage blocked on a slow client")
	}

	client.close()
	if !client.IsClosed() {
		t.Error("client not closed")
	}
	if err := client.sendMessage("test", nil); err == nil {
		t.Error("Expected error after close")
	}
}

func TestHubClose(t *testing.T) {
	hub := NewHub(nil, 8, zaptest.NewLogger(t))
	conn, cleanup := dialHub(t, hub)
	defer cleanup()

	hub.Close()
	if hub.ClientCount() != 0 {
		t.Errorf("ClientCount() = %d after Close", hub.ClientCount())
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Error("expected the connection to be closed")
	}
}
