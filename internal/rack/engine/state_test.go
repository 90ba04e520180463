package engine

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"testing"
	"time"
)

func TestState_CompareAndSwap(t *testing.T) {
	s := NewState()
	rec := &recorder{}
	s.Subscribe(rec)

	if s.CompareAndSwap(Running, Idle) {
		t.Error("CompareAndSwap(Running, Idle) succeeded from Idle")
	}
	if !s.CompareAndSwap(Idle, Running) {
		t.Fatal("CompareAndSwap(Idle, Running) failed")
	}
	if s.CompareAndSwap(Idle, Running) {
		t.Error("second CompareAndSwap(Idle, Running) succeeded")
	}

	if got := rec.Events(); !slices.Equal(got, []string{"idle->running"}) {
		t.Errorf("events = %v, want one transition", got)
	}
}

func TestState_ConcurrentSwapHasOneWinner(t *testing.T) {
	s := NewState()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if s.CompareAndSwap(Idle, Running) {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if wins != 1 {
		t.Errorf("%d goroutines won the swap, want 1", wins)
	}
}

func TestState_ObserversSeeNewActivity(t *testing.T) {
	s := NewState()

	var seen Activity = -1
	s.Subscribe(ObserverFuncs{OnActivity: func(prev, next Activity) {
		// Reading Activity here must not deadlock and must be current.
		seen = s.Activity()
	}})

	s.CompareAndSwap(Idle, Running)
	if seen != Running {
		t.Errorf("observer saw %s, want running", seen)
	}
}

func TestState_FailAndRecover(t *testing.T) {
	s := NewState()
	boom := errors.New("boom")

	if s.Fail(boom) {
		t.Error("Fail() succeeded outside Running")
	}
	s.CompareAndSwap(Idle, Running)
	if !s.Fail(boom) {
		t.Fatal("Fail() from Running failed")
	}
	if !errors.Is(s.LastError(), boom) {
		t.Errorf("LastError() = %v, want boom", s.LastError())
	}
	if got := s.Snapshot().LastError; got != "boom" {
		t.Errorf("Snapshot().LastError = %q, want boom", got)
	}

	s.CompareAndSwap(Error, Idle)
	if s.LastError() != nil {
		t.Errorf("LastError() = %v after leaving Error, want nil", s.LastError())
	}
}

func TestState_DirectionNotifiesOnChange(t *testing.T) {
	s := NewState()
	rec := &recorder{}
	s.Subscribe(rec)

	s.SetDirection(Downloading)
	s.SetDirection(Downloading)
	s.SetDirection(DirectionNone)

	want := []string{"dir:downloading", "dir:none"}
	if got := rec.Events(); !slices.Equal(got, want) {
		t.Errorf("events = %v, want %v", got, want)
	}
}

func TestSubscribe_Unsubscribe(t *testing.T) {
	s := NewState()
	rec := &recorder{}
	unsubscribe := s.Subscribe(rec)

	s.CompareAndSwap(Idle, Paused)
	unsubscribe()
	unsubscribe()
	s.CompareAndSwap(Paused, Idle)

	if got := rec.Events(); !slices.Equal(got, []string{"idle->paused"}) {
		t.Errorf("events = %v, want only the first transition", got)
	}
}

func TestActivity_String(t *testing.T) {
	tests := map[Activity]string{
		Idle:           "idle",
		Running:        "running",
		Paused:         "paused",
		ConnectionLost: "connection_lost",
		Error:          "error",
		Activity(99):   "activity(99)",
	}
	for a, want := range tests {
		if got := a.String(); got != want {
			t.Errorf("Activity(%d).String() = %q, want %q", int(a), got, want)
		}
	}
}

func TestMonitor_RecheckTwiceWhileUnreachable(t *testing.T) {
	h := newHarness(t, "")
	h.remote.setReachable(false)
	ctx := context.Background()

	if h.sync.monitor.Recheck(ctx) {
		t.Fatal("Recheck() = true for an unreachable remote")
	}
	if h.sync.monitor.Recheck(ctx) {
		t.Fatal("second Recheck() = true for an unreachable remote")
	}

	if got := h.rec.Events(); !slices.Equal(got, []string{"idle->connection_lost"}) {
		t.Errorf("events = %v, want exactly one transition", got)
	}
	if got := h.sync.sched.Interval(); got != testRecheckInterval {
		t.Errorf("interval = %v, want %v", got, testRecheckInterval)
	}
}

func TestMonitor_RecoveryRestoresIntervalOnce(t *testing.T) {
	h := newHarness(t, "")
	ctx := context.Background()

	h.remote.setReachable(false)
	h.sync.monitor.Recheck(ctx)
	h.remote.setReachable(true)

	if !h.sync.monitor.Recheck(ctx) {
		t.Fatal("Recheck() = false for a reachable remote")
	}
	h.sync.monitor.Recheck(ctx)

	want := []string{"idle->connection_lost", "connection_lost->idle"}
	if got := h.rec.Events(); !slices.Equal(got, want) {
		t.Errorf("events = %v, want %v", got, want)
	}
	if h.remote.connects != 1 {
		t.Errorf("Connect() called %d times, want 1", h.remote.connects)
	}
	if got := h.sync.sched.Interval(); got != testSyncInterval {
		t.Errorf("interval = %v, want %v", got, testSyncInterval)
	}
}

func TestMonitor_FailedConnectStaysLost(t *testing.T) {
	h := newHarness(t, "")
	ctx := context.Background()

	h.remote.setReachable(false)
	h.sync.monitor.Recheck(ctx)
	h.remote.setReachable(true)
	h.remote.connectErr = errors.New("auth expired")

	if h.sync.monitor.Recheck(ctx) {
		t.Error("Recheck() = true although Connect() failed")
	}
	if got := h.sync.Status().Activity; got != ConnectionLost {
		t.Errorf("Activity = %s, want connection_lost", got)
	}
}

func TestMonitor_NeverOverridesPausedOrError(t *testing.T) {
	h := newHarness(t, "")
	ctx := context.Background()
	h.remote.setReachable(false)

	if err := h.sync.Pause(); err != nil {
		t.Fatalf("Pause() failed: %v", err)
	}
	h.sync.monitor.Recheck(ctx)
	if got := h.sync.Status().Activity; got != Paused {
		t.Errorf("Activity = %s, want paused", got)
	}

	s := h.sync.State()
	s.CompareAndSwap(Paused, Idle)
	s.CompareAndSwap(Idle, Running)
	s.Fail(errors.New("boom"))
	h.sync.monitor.Recheck(ctx)
	if got := s.Activity(); got != Error {
		t.Errorf("Activity = %s, want error", got)
	}
}

// pauseFirst simulates a Pause that lands between a monitor transition and
// the reschedule that follows it.
type pauseFirst struct {
	state *State
	sched *Scheduler
}

func (p pauseFirst) RescheduleIf(interval time.Duration, ok func() bool) bool {
	p.state.SwapFrom(Paused, Idle, Running, ConnectionLost)
	p.sched.Stop()
	return p.sched.RescheduleIf(interval, ok)
}

func TestMonitor_PauseDuringTransitionKeepsTimerStopped(t *testing.T) {
	tests := []struct {
		name      string
		reachable bool
		from      Activity
	}{
		{"connection lost", false, Idle},
		{"connection restored", true, ConnectionLost},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			remote := newFakeRemote()
			remote.setReachable(tt.reachable)
			state := NewState()
			state.SwapFrom(tt.from, Idle)

			sched := NewScheduler(func(context.Context) {}, slog.New(slog.DiscardHandler))
			sched.Start(testSyncInterval)
			m := &Monitor{
				remote:  remote,
				state:   state,
				sched:   pauseFirst{state: state, sched: sched},
				normal:  testSyncInterval,
				recheck: testRecheckInterval,
				timeout: time.Second,
				logger:  slog.New(slog.DiscardHandler),
			}

			m.Recheck(context.Background())

			if got := state.Activity(); got != Paused {
				t.Fatalf("Activity = %s, want paused", got)
			}
			if sched.Armed() {
				t.Error("timer re-armed while paused")
			}
		})
	}
}

func TestScheduler_RescheduleIf(t *testing.T) {
	s := NewScheduler(func(context.Context) {}, slog.New(slog.DiscardHandler))

	if s.RescheduleIf(time.Minute, func() bool { return false }) {
		t.Error("RescheduleIf() = true for a false condition")
	}
	if s.Armed() {
		t.Error("Armed() = true after a refused RescheduleIf()")
	}
	if !s.RescheduleIf(time.Minute, func() bool { return true }) {
		t.Error("RescheduleIf() = false for a true condition")
	}
	if !s.Armed() || s.Interval() != time.Minute {
		t.Errorf("Armed() = %v Interval() = %v, want armed at 1m", s.Armed(), s.Interval())
	}
}

func TestScheduler_FiresRepeatedly(t *testing.T) {
	ticks := make(chan struct{}, 10)
	s := NewScheduler(func(ctx context.Context) {
		select {
		case ticks <- struct{}{}:
		default:
		}
	}, slog.New(slog.DiscardHandler))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	s.Start(5 * time.Millisecond)
	for i := 0; i < 3; i++ {
		select {
		case <-ticks:
		case <-time.After(5 * time.Second):
			t.Fatalf("tick %d never fired", i+1)
		}
	}

	s.Stop()
	if s.Armed() {
		t.Error("Armed() = true after Stop()")
	}
	if s.Interval() != 5*time.Millisecond {
		t.Errorf("Interval() = %v after Stop(), want it kept", s.Interval())
	}
}

func TestScheduler_RescheduleFromTick(t *testing.T) {
	fired := make(chan struct{}, 1)
	var s *Scheduler
	s = NewScheduler(func(ctx context.Context) {
		s.Reschedule(time.Hour)
		select {
		case fired <- struct{}{}:
		default:
		}
	}, slog.New(slog.DiscardHandler))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	s.Start(time.Millisecond)
	select {
	case <-fired:
	case <-time.After(5 * time.Second):
		t.Fatal("tick never fired")
	}

	if got := s.Interval(); got != time.Hour {
		t.Errorf("Interval() = %v, want 1h", got)
	}
}

func TestScheduler_Nudge(t *testing.T) {
	fired := make(chan struct{}, 1)
	s := NewScheduler(func(ctx context.Context) {
		select {
		case fired <- struct{}{}:
		default:
		}
	}, slog.New(slog.DiscardHandler))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	s.Start(time.Hour)
	s.Nudge()

	select {
	case <-fired:
	case <-time.After(5 * time.Second):
		t.Fatal("Nudge() did not tick")
	}
}

func TestStatus_TextRoundTrip(t *testing.T) {
	for _, a := range []Activity{Idle, Running, Paused, ConnectionLost, Error} {
		b, _ := a.MarshalText()
		var got Activity
		if err := got.UnmarshalText(b); err != nil || got != a {
			t.Errorf("UnmarshalText(%q) = %s, %v", b, got, err)
		}
	}
	var d Direction
	if err := d.UnmarshalText([]byte("uploading")); err != nil || d != Uploading {
		t.Errorf("UnmarshalText(uploading) = %s, %v", d, err)
	}
	var a Activity
	if err := a.UnmarshalText([]byte("asleep")); err == nil {
		t.Error("UnmarshalText(asleep) succeeded")
	}
}
