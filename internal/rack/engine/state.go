package engine

import (
	"fmt"
	"slices"
	"sync"
	"time"
)

// Activity is what the synchronizer is doing.
type Activity int

const (
	Idle Activity = iota
	Running
	Paused
	ConnectionLost
	Error
)

var activityNames = [...]string{
	Idle:           "idle",
	Running:        "running",
	Paused:         "paused",
	ConnectionLost: "connection_lost",
	Error:          "error",
}

func (a Activity) String() string {
	if a < 0 || int(a) >= len(activityNames) {
		return fmt.Sprintf("activity(%d)", int(a))
	}
	return activityNames[a]
}

// MarshalText encodes the activity by name.
func (a Activity) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText decodes an activity name.
func (a *Activity) UnmarshalText(b []byte) error {
	for i, name := range activityNames {
		if name == string(b) {
			*a = Activity(i)
			return nil
		}
	}
	return fmt.Errorf("unknown activity %q", b)
}

// Direction is the phase of a running pass.
type Direction int

const (
	DirectionNone Direction = iota
	Downloading
	Uploading
)

func (d Direction) String() string {
	switch d {
	case DirectionNone:
		return "none"
	case Downloading:
		return "downloading"
	case Uploading:
		return "uploading"
	}
	return fmt.Sprintf("direction(%d)", int(d))
}

// MarshalText encodes the direction by name.
func (d Direction) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText decodes a direction name.
func (d *Direction) UnmarshalText(b []byte) error {
	for _, c := range []Direction{DirectionNone, Downloading, Uploading} {
		if c.String() == string(b) {
			*d = c
			return nil
		}
	}
	return fmt.Errorf("unknown direction %q", b)
}

// State holds the synchronizer's activity, direction and last success.
//
// All activity changes are compare-and-swap. A transition and the observer
// notifications it causes happen under one lock, so observers see changes
// in the order they were made. Observers must not call back into State (or
// Synchronizer control methods) synchronously.
type State struct {
	// mu guards the fields below.
	mu          sync.Mutex
	activity    Activity
	direction   Direction
	lastSuccess time.Time
	lastErr     error

	// trans serializes transitions with their notifications.
	trans sync.Mutex
	hub   *hub
}

// NewState returns a State in Idle with no observers.
func NewState() *State {
	return &State{hub: &hub{}}
}

// Activity returns the current activity.
func (s *State) Activity() Activity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activity
}

// Direction returns the current pass direction.
func (s *State) Direction() Direction {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.direction
}

// LastSuccess returns the completion time of the last successful pass.
func (s *State) LastSuccess() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSuccess
}

// LastError returns the error that moved the synchronizer into Error, or nil.
func (s *State) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// CompareAndSwap moves from one activity to another. It reports false and
// changes nothing when the current activity is not from.
func (s *State) CompareAndSwap(from, to Activity) bool {
	_, ok := s.SwapFrom(to, from)
	return ok
}

// SwapFrom moves to the given activity if the current one is in from. It
// returns the previous activity and whether the swap happened. Swapping to
// the current activity never happens.
func (s *State) SwapFrom(to Activity, from ...Activity) (Activity, bool) {
	return s.swap(to, nil, from)
}

// Fail moves Running to Error and records err.
func (s *State) Fail(err error) bool {
	_, ok := s.swap(Error, err, []Activity{Running})
	return ok
}

func (s *State) swap(to Activity, cause error, from []Activity) (Activity, bool) {
	s.trans.Lock()
	defer s.trans.Unlock()

	s.mu.Lock()
	prev := s.activity
	if prev == to || !slices.Contains(from, prev) {
		s.mu.Unlock()
		return prev, false
	}
	s.activity = to
	switch {
	case to == Error:
		s.lastErr = cause
	case prev == Error:
		s.lastErr = nil
	}
	s.mu.Unlock()

	for _, o := range s.hub.snapshot() {
		o.ActivityChanged(prev, to)
	}
	return prev, true
}

// SetDirection records the phase of the running pass. Observers are only
// notified when the direction actually changes.
func (s *State) SetDirection(d Direction) {
	s.trans.Lock()
	defer s.trans.Unlock()

	s.mu.Lock()
	changed := s.direction != d
	s.direction = d
	s.mu.Unlock()

	if !changed {
		return
	}
	for _, o := range s.hub.snapshot() {
		o.DirectionChanged(d)
	}
}

// SetLastSuccess records the completion time of a successful pass.
func (s *State) SetLastSuccess(t time.Time) {
	s.mu.Lock()
	s.lastSuccess = t
	s.mu.Unlock()
}

// passCompleted notifies PassObservers in transition order.
func (s *State) passCompleted(r PassResult) {
	s.trans.Lock()
	defer s.trans.Unlock()

	for _, o := range s.hub.snapshot() {
		if po, ok := o.(PassObserver); ok {
			po.PassCompleted(r)
		}
	}
}

// Subscribe registers o and returns a function that removes it.
func (s *State) Subscribe(o Observer) func() {
	return s.hub.add(o)
}

// Status is a point-in-time view of the synchronizer.
type Status struct {
	Activity    Activity      `json:"activity" yaml:"activity" toml:"activity"`
	Direction   Direction     `json:"direction" yaml:"direction" toml:"direction"`
	LastSuccess time.Time     `json:"last_success,omitempty" yaml:"last_success,omitempty" toml:"last_success,omitempty"`
	LastError   string        `json:"last_error,omitempty" yaml:"last_error,omitempty" toml:"last_error,omitempty"`
	Interval    time.Duration `json:"interval" yaml:"interval" toml:"interval"`
}

// Snapshot returns the current activity, direction, last success and error.
func (s *State) Snapshot() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{
		Activity:    s.activity,
		Direction:   s.direction,
		LastSuccess: s.lastSuccess,
	}
	if s.lastErr != nil {
		st.LastError = s.lastErr.Error()
	}
	return st
}
