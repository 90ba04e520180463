// Package dashboard serves the synchronizer's status over HTTP and streams
// its state changes to WebSocket clients.
//
// It also exposes the control endpoints used by `rack ctl` to pause,
// resume, reset or nudge a running daemon.
package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/mediarack/rack/internal/rack/engine"
)

// MessageType defines the type of dashboard message
type MessageType string

const (
	// MessageTypeStatus carries a full status snapshot; sent on connect
	MessageTypeStatus MessageType = "status"

	// MessageTypeActivityChange indicates the synchronizer changed activity
	MessageTypeActivityChange MessageType = "activity_change"

	// MessageTypeDirectionChange indicates a pass switched phase
	MessageTypeDirectionChange MessageType = "direction_change"

	// MessageTypePassComplete indicates a pass ended, whatever the outcome
	MessageTypePassComplete MessageType = "pass_complete"
)

// Message represents a dashboard broadcast message
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// ActivityChangeData contains an activity transition
type ActivityChangeData struct {
	Previous engine.Activity `json:"previous"`
	Current  engine.Activity `json:"current"`
}

// DirectionChangeData contains the new pass phase
type DirectionChangeData struct {
	Direction engine.Direction `json:"direction"`
}

// PassCompleteData contains a finished pass summary
type PassCompleteData struct {
	engine.PassResult
	DurationMS int64 `json:"duration_ms"`
}

// Controller is the part of the synchronizer the dashboard drives.
// *engine.Synchronizer implements it.
type Controller interface {
	Status() engine.Status
	Pause() error
	Resume() error
	Reset() error
	Nudge()
}

// History supplies recent passes for /passes. *journal.Journal implements
// it.
type History interface {
	Recent(n int) ([]engine.PassResult, error)
}

// Server manages WebSocket connections and broadcasts dashboard messages
type Server struct {
	addr     string
	listener net.Listener
	server   *http.Server
	control  Controller
	history  History

	// WebSocket client management
	clients   map[*websocket.Conn]bool
	clientsMu sync.RWMutex

	// Message broadcasting
	broadcast chan Message

	// Lifecycle management
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger *slog.Logger
}

// Config holds server configuration
type Config struct {
	// Host to bind (default: 127.0.0.1)
	Host string

	// Port to listen on; 0 picks a free port
	Port int

	// Controller answers /status and the control endpoints. Without one
	// they respond 503.
	Controller Controller

	// History answers /passes; optional.
	History History

	// Logger for server activity (default: slog.Default())
	Logger *slog.Logger
}

// DefaultConfig returns sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Host:   "127.0.0.1",
		Port:   8787,
		Logger: slog.Default(),
	}
}

// NewServer creates a new dashboard server
func NewServer(config *Config) *Server {
	if config == nil {
		config = DefaultConfig()
	}
	host := config.Host
	if host == "" {
		host = "127.0.0.1"
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Server{
		addr:      net.JoinHostPort(host, fmt.Sprint(config.Port)),
		control:   config.Controller,
		history:   config.History,
		clients:   make(map[*websocket.Conn]bool),
		broadcast: make(chan Message, 100),
		ctx:       ctx,
		cancel:    cancel,
		logger:    logger.With("component", "dashboard"),
	}
}

// Start begins serving HTTP and WebSocket requests
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln

	s.server = &http.Server{
		Handler:      s.routes(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	s.wg.Add(1)
	go s.broadcastLoop()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Info("dashboard listening", "addr", ln.Addr().String())
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("dashboard server error", "error", err)
		}
	}()

	return nil
}

func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /passes", s.handlePasses)
	mux.HandleFunc("POST /api/pause", s.handleControl(func(c Controller) error { return c.Pause() }))
	mux.HandleFunc("POST /api/resume", s.handleControl(func(c Controller) error { return c.Resume() }))
	mux.HandleFunc("POST /api/reset", s.handleControl(func(c Controller) error { return c.Reset() }))
	mux.HandleFunc("POST /api/sync", s.handleControl(func(c Controller) error {
		c.Nudge()
		return nil
	}))
	mux.HandleFunc("GET /{$}", s.handleRoot)
	return mux
}

// Stop gracefully shuts down the server
func (s *Server) Stop() error {
	s.cancel()

	s.clientsMu.Lock()
	for conn := range s.clients {
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
		delete(s.clients, conn)
	}
	s.clientsMu.Unlock()

	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(ctx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
	}

	s.wg.Wait()
	s.logger.Info("dashboard stopped")
	return nil
}

// Broadcast queues a message for all connected clients. It never blocks;
// messages are dropped when the queue is full.
func (s *Server) Broadcast(msg Message) {
	select {
	case <-s.ctx.Done():
		return
	default:
	}
	select {
	case s.broadcast <- msg:
	default:
		s.logger.Warn("broadcast queue full, dropping message", "type", msg.Type)
	}
}

func (s *Server) broadcastLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return

		case msg := <-s.broadcast:
			if msg.Timestamp.IsZero() {
				msg.Timestamp = time.Now()
			}
			data, err := json.Marshal(msg)
			if err != nil {
				s.logger.Error("failed to marshal message", "type", msg.Type, "error", err)
				continue
			}

			s.clientsMu.RLock()
			clients := make([]*websocket.Conn, 0, len(s.clients))
			for conn := range s.clients {
				clients = append(clients, conn)
			}
			s.clientsMu.RUnlock()

			for _, conn := range clients {
				if err := s.write(conn, data); err != nil {
					s.logger.Debug("failed to send to client", "error", err)
					s.removeClient(conn)
				}
			}
		}
	}
}

func (s *Server) write(conn *websocket.Conn, data []byte) error {
	ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, data)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"localhost:*", "127.0.0.1:*"},
	})
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	s.clientsMu.Lock()
	s.clients[conn] = true
	clientCount := len(s.clients)
	s.clientsMu.Unlock()

	s.logger.Debug("client connected", "clients", clientCount)

	// Welcome the client with the current status.
	welcome := Message{Type: MessageTypeStatus, Timestamp: time.Now()}
	if s.control != nil {
		welcome.Data, _ = json.Marshal(s.control.Status())
	}
	data, _ := json.Marshal(welcome)
	_ = s.write(conn, data)

	go s.readLoop(conn)
}

// readLoop keeps the connection open until the client goes away. Client
// messages are ignored.
func (s *Server) readLoop(conn *websocket.Conn) {
	defer s.removeClient(conn)

	for {
		if _, _, err := conn.Read(s.ctx); err != nil {
			return
		}
	}
}

func (s *Server) removeClient(conn *websocket.Conn) {
	s.clientsMu.Lock()
	if _, exists := s.clients[conn]; !exists {
		s.clientsMu.Unlock()
		return
	}
	delete(s.clients, conn)
	clientCount := len(s.clients)
	s.clientsMu.Unlock()

	_ = conn.Close(websocket.StatusNormalClosure, "")
	s.logger.Debug("client disconnected", "clients", clientCount)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"clients": s.ClientCount(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if s.control == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("no synchronizer attached"))
		return
	}
	writeJSON(w, http.StatusOK, s.control.Status())
}

const defaultPassLimit = 10

func (s *Server) handlePasses(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("no pass history attached"))
		return
	}
	n := defaultPassLimit
	if v := r.URL.Query().Get("n"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid n %q", v))
			return
		}
		n = parsed
	}
	passes, err := s.history.Recent(n)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if passes == nil {
		passes = []engine.PassResult{}
	}
	writeJSON(w, http.StatusOK, passes)
}

// handleControl runs op against the controller and answers with the
// resulting status.
func (s *Server) handleControl(op func(Controller) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.control == nil {
			writeError(w, http.StatusServiceUnavailable, errors.New("no synchronizer attached"))
			return
		}
		if err := op(s.control); err != nil {
			s.logger.Info("control request rejected", "path", r.URL.Path, "error", err)
			writeError(w, statusFor(err), err)
			return
		}
		s.logger.Info("control request", "path", r.URL.Path)
		writeJSON(w, http.StatusOK, s.control.Status())
	}
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, engine.ErrNotPaused), errors.Is(err, engine.ErrNotInError):
		return http.StatusConflict
	case errors.Is(err, engine.ErrShutdown):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

type errorBody struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, errorBody{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html")
	_, _ = fmt.Fprintf(w, `<!DOCTYPE html>
<html>
<head>
    <title>rack</title>
</head>
<body>
    <h1>rack sync daemon</h1>
    <p>WebSocket endpoint: <code>ws://%s/ws</code></p>
    <p>Status: <a href="/status">/status</a></p>
    <p>Health check: <a href="/health">/health</a></p>
</body>
</html>`, r.Host)
}

// GetAddr returns the server's listening address
func (s *Server) GetAddr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// ClientCount returns the current number of connected clients
func (s *Server) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}
