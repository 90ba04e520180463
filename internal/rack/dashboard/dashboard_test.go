package dashboard

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/mediarack/rack/internal/rack/engine"
)

type fakeController struct {
	mu       sync.Mutex
	activity engine.Activity
	nudges   int
}

func (f *fakeController) Status() engine.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return engine.Status{Activity: f.activity, Interval: 2 * time.Minute}
}

func (f *fakeController) Pause() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.activity = engine.Paused
	return nil
}

func (f *fakeController) Resume() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.activity != engine.Paused {
		return engine.ErrNotPaused
	}
	f.activity = engine.Idle
	return nil
}

func (f *fakeController) Reset() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.activity != engine.Error {
		return engine.ErrNotInError
	}
	f.activity = engine.Idle
	return nil
}

func (f *fakeController) Nudge() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nudges++
}

func startServer(t *testing.T, ctrl Controller) *Server {
	t.Helper()

	server := NewServer(&Config{
		Port:       0, // random available port
		Controller: ctrl,
		Logger:     slog.New(slog.DiscardHandler),
	})
	if err := server.Start(); err != nil {
		t.Fatalf("Failed to start server: %v", err)
	}
	t.Cleanup(func() { _ = server.Stop() })
	return server
}

func dial(t *testing.T, ctx context.Context, server *Server) *websocket.Conn {
	t.Helper()

	conn, _, err := websocket.Dial(ctx, "ws://"+server.GetAddr()+"/ws", nil)
	if err != nil {
		t.Fatalf("Failed to connect WebSocket: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func readMessage(t *testing.T, ctx context.Context, conn *websocket.Conn) Message {
	t.Helper()

	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("Failed to read message: %v", err)
	}
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("Failed to unmarshal message: %v", err)
	}
	return msg
}

func TestServerStartStop(t *testing.T) {
	server := NewServer(&Config{Port: 0, Logger: slog.New(slog.DiscardHandler)})
	if err := server.Start(); err != nil {
		t.Fatalf("Failed to start server: %v", err)
	}
	if !strings.HasPrefix(server.GetAddr(), "127.0.0.1:") {
		t.Errorf("GetAddr() = %q, want a loopback address", server.GetAddr())
	}
	if err := server.Stop(); err != nil {
		t.Fatalf("Failed to stop server: %v", err)
	}
}

func TestWebSocket_WelcomeCarriesStatus(t *testing.T) {
	server := startServer(t, &fakeController{activity: engine.ConnectionLost})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn := dial(t, ctx, server)

	msg := readMessage(t, ctx, conn)
	if msg.Type != MessageTypeStatus {
		t.Fatalf("welcome type = %s, want %s", msg.Type, MessageTypeStatus)
	}
	var st engine.Status
	if err := json.Unmarshal(msg.Data, &st); err != nil {
		t.Fatalf("Failed to unmarshal status: %v", err)
	}
	if st.Activity != engine.ConnectionLost {
		t.Errorf("welcome activity = %s, want connection_lost", st.Activity)
	}
	if count := server.ClientCount(); count != 1 {
		t.Errorf("Expected 1 client, got %d", count)
	}
}

func TestHandler_BroadcastsNotifications(t *testing.T) {
	server := startServer(t, &fakeController{})
	handler := NewHandler(server, slog.New(slog.DiscardHandler))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn := dial(t, ctx, server)
	readMessage(t, ctx, conn) // welcome

	handler.ActivityChanged(engine.Idle, engine.Running)
	handler.DirectionChanged(engine.Downloading)
	start := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	handler.PassCompleted(engine.PassResult{
		Started:  start,
		Finished: start.Add(1500 * time.Millisecond),
		Outcome:  engine.OutcomeOK,
		Inserted: 2,
	})

	msg := readMessage(t, ctx, conn)
	if msg.Type != MessageTypeActivityChange {
		t.Fatalf("message 1 type = %s, want %s", msg.Type, MessageTypeActivityChange)
	}
	var ac ActivityChangeData
	if err := json.Unmarshal(msg.Data, &ac); err != nil {
		t.Fatal(err)
	}
	if ac.Previous != engine.Idle || ac.Current != engine.Running {
		t.Errorf("activity change = %+v", ac)
	}
	if !strings.Contains(string(msg.Data), `"current":"running"`) {
		t.Errorf("activity not encoded by name: %s", msg.Data)
	}

	msg = readMessage(t, ctx, conn)
	if msg.Type != MessageTypeDirectionChange {
		t.Fatalf("message 2 type = %s, want %s", msg.Type, MessageTypeDirectionChange)
	}

	msg = readMessage(t, ctx, conn)
	if msg.Type != MessageTypePassComplete {
		t.Fatalf("message 3 type = %s, want %s", msg.Type, MessageTypePassComplete)
	}
	var pc PassCompleteData
	if err := json.Unmarshal(msg.Data, &pc); err != nil {
		t.Fatal(err)
	}
	if pc.Inserted != 2 || pc.Outcome != engine.OutcomeOK || pc.DurationMS != 1500 {
		t.Errorf("pass complete = %+v", pc)
	}
}

func TestHealth(t *testing.T) {
	server := startServer(t, nil)

	resp, err := http.Get("http://" + server.GetAddr() + "/health")
	if err != nil {
		t.Fatalf("GET /health failed: %v", err)
	}
	defer resp.Body.Close()

	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body["status"] != "ok" {
		t.Errorf("health = %v", body)
	}
}

func TestStatus_WithoutController(t *testing.T) {
	server := startServer(t, nil)

	resp, err := http.Get("http://" + server.GetAddr() + "/status")
	if err != nil {
		t.Fatalf("GET /status failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status code = %d, want 503", resp.StatusCode)
	}
}

func TestControlEndpoints(t *testing.T) {
	ctrl := &fakeController{}
	server := startServer(t, ctrl)
	base := "http://" + server.GetAddr()

	tests := []struct {
		name     string
		method   string
		path     string
		wantCode int
		want     engine.Activity
	}{
		{"resume while idle", http.MethodPost, "/api/resume", http.StatusConflict, engine.Idle},
		{"pause", http.MethodPost, "/api/pause", http.StatusOK, engine.Paused},
		{"reset while paused", http.MethodPost, "/api/reset", http.StatusConflict, engine.Paused},
		{"resume", http.MethodPost, "/api/resume", http.StatusOK, engine.Idle},
		{"pause via GET", http.MethodGet, "/api/pause", http.StatusMethodNotAllowed, engine.Idle},
		{"sync", http.MethodPost, "/api/sync", http.StatusOK, engine.Idle},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := http.NewRequest(tt.method, base+tt.path, nil)
			if err != nil {
				t.Fatal(err)
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatalf("%s %s failed: %v", tt.method, tt.path, err)
			}
			resp.Body.Close()

			if resp.StatusCode != tt.wantCode {
				t.Errorf("status code = %d, want %d", resp.StatusCode, tt.wantCode)
			}
			if got := ctrl.Status().Activity; got != tt.want {
				t.Errorf("activity = %s, want %s", got, tt.want)
			}
		})
	}

	ctrl.mu.Lock()
	defer ctrl.mu.Unlock()
	if ctrl.nudges != 1 {
		t.Errorf("Nudge() called %d times, want 1", ctrl.nudges)
	}
}

func TestClient(t *testing.T) {
	ctrl := &fakeController{}
	server := startServer(t, ctrl)
	client := NewClient(server.GetAddr())
	ctx := context.Background()

	st, err := client.Status(ctx)
	if err != nil {
		t.Fatalf("Status() failed: %v", err)
	}
	if st.Activity != engine.Idle || st.Interval != 2*time.Minute {
		t.Errorf("Status() = %+v", st)
	}

	st, err = client.Control(ctx, "pause")
	if err != nil {
		t.Fatalf("Control(pause) failed: %v", err)
	}
	if st.Activity != engine.Paused {
		t.Errorf("Control(pause) activity = %s, want paused", st.Activity)
	}

	if _, err := client.Control(ctx, "reset"); err == nil || !strings.Contains(err.Error(), "not in error") {
		t.Errorf("Control(reset) = %v, want the daemon's refusal", err)
	}
	if _, err := client.Control(ctx, "explode"); err == nil {
		t.Error("Control(explode) succeeded")
	}
}

func TestClient_NotRunning(t *testing.T) {
	server := NewServer(&Config{Port: 0, Logger: slog.New(slog.DiscardHandler)})
	if err := server.Start(); err != nil {
		t.Fatal(err)
	}
	addr := server.GetAddr()
	_ = server.Stop()

	_, err := NewClient(addr).Status(context.Background())
	if err == nil {
		t.Fatal("Status() succeeded against a stopped server")
	}
}

type fakeHistory []engine.PassResult

func (h fakeHistory) Recent(n int) ([]engine.PassResult, error) {
	if n > len(h) {
		n = len(h)
	}
	return h[:n], nil
}

func TestPasses(t *testing.T) {
	start := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	history := fakeHistory{
		{Started: start.Add(time.Minute), Outcome: engine.OutcomeOK},
		{Started: start, Outcome: engine.OutcomeConnectionLost},
	}
	server := NewServer(&Config{Port: 0, History: history, Logger: slog.New(slog.DiscardHandler)})
	if err := server.Start(); err != nil {
		t.Fatal(err)
	}
	defer server.Stop()

	passes, err := NewClient(server.GetAddr()).Recent(context.Background(), 1)
	if err != nil {
		t.Fatalf("Recent() failed: %v", err)
	}
	if len(passes) != 1 || passes[0].Outcome != engine.OutcomeOK {
		t.Errorf("Recent(1) = %+v, want the newest pass", passes)
	}

	resp, err := http.Get("http://" + server.GetAddr() + "/passes?n=zero")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status code = %d, want 400", resp.StatusCode)
	}
}
