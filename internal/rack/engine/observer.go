package engine

import (
	"sync"
	"time"

	"github.com/mediarack/rack/internal/rack/catalog"
)

// Observer receives state notifications.
//
// Calls are synchronous and ordered; they run on the goroutine that made
// the transition. Implementations must return quickly and must not call
// Synchronizer control methods from inside a notification.
type Observer interface {
	ActivityChanged(prev, next Activity)
	DirectionChanged(d Direction)
}

// PassObserver is implemented by observers that also want a summary of
// every finished pass.
type PassObserver interface {
	PassCompleted(r PassResult)
}

// Outcome is how a pass ended.
type Outcome string

const (
	OutcomeOK             Outcome = "ok"
	OutcomeError          Outcome = "error"
	OutcomeConnectionLost Outcome = "connection_lost"
	OutcomeCancelled      Outcome = "cancelled"
)

// PassResult summarizes one synchronization pass.
type PassResult struct {
	Started  time.Time              `json:"started"`
	Finished time.Time              `json:"finished"`
	Outcome  Outcome                `json:"outcome"`
	Err      string                 `json:"error,omitempty"`
	Policy   catalog.ConflictPolicy `json:"policy"`

	// Download phase.
	Fetched     int `json:"fetched"`
	Inserted    int `json:"inserted"`
	Overwritten int `json:"overwritten"`
	Skipped     int `json:"skipped"`
	Failed      int `json:"failed"`

	// Upload phase.
	Pushed     int `json:"pushed"`
	PushFailed int `json:"push_failed"`
}

// Duration returns how long the pass ran.
func (r PassResult) Duration() time.Duration {
	return r.Finished.Sub(r.Started)
}

// ObserverFuncs adapts plain functions to Observer and PassObserver. Nil
// fields are ignored.
type ObserverFuncs struct {
	OnActivity  func(prev, next Activity)
	OnDirection func(d Direction)
	OnPass      func(r PassResult)
}

func (f ObserverFuncs) ActivityChanged(prev, next Activity) {
	if f.OnActivity != nil {
		f.OnActivity(prev, next)
	}
}

func (f ObserverFuncs) DirectionChanged(d Direction) {
	if f.OnDirection != nil {
		f.OnDirection(d)
	}
}

func (f ObserverFuncs) PassCompleted(r PassResult) {
	if f.OnPass != nil {
		f.OnPass(r)
	}
}

type subscription struct {
	id int
	o  Observer
}

// hub is the observer registry.
type hub struct {
	mu     sync.RWMutex
	nextID int
	subs   []subscription
}

func (h *hub) add(o Observer) func() {
	h.mu.Lock()
	h.nextID++
	id := h.nextID
	h.subs = append(h.subs, subscription{id: id, o: o})
	h.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			for i, s := range h.subs {
				if s.id == id {
					h.subs = append(h.subs[:i:i], h.subs[i+1:]...)
					return
				}
			}
		})
	}
}

func (h *hub) snapshot() []Observer {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]Observer, len(h.subs))
	for i, s := range h.subs {
		out[i] = s.o
	}
	return out
}
