package dashboard

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/mediarack/rack/internal/rack/engine"
)

// Handler turns synchronizer notifications into dashboard messages.
// It implements engine.Observer and engine.PassObserver.
type Handler struct {
	server *Server
	logger *slog.Logger
}

// NewHandler creates a handler broadcasting through server
func NewHandler(server *Server, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{server: server, logger: logger.With("component", "dashboard")}
}

// ActivityChanged implements engine.Observer.
func (h *Handler) ActivityChanged(prev, next engine.Activity) {
	h.send(MessageTypeActivityChange, ActivityChangeData{Previous: prev, Current: next})
}

// DirectionChanged implements engine.Observer.
func (h *Handler) DirectionChanged(d engine.Direction) {
	h.send(MessageTypeDirectionChange, DirectionChangeData{Direction: d})
}

// PassCompleted implements engine.PassObserver.
func (h *Handler) PassCompleted(r engine.PassResult) {
	h.send(MessageTypePassComplete, PassCompleteData{
		PassResult: r,
		DurationMS: r.Duration().Milliseconds(),
	})
}

func (h *Handler) send(typ MessageType, data any) {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		h.logger.Error("failed to marshal message data", "type", typ, "error", err)
		return
	}
	h.server.Broadcast(Message{
		Type:      typ,
		Timestamp: time.Now(),
		Data:      dataJSON,
	})
}
