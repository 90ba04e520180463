package engine

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/mediarack/rack/internal/rack/catalog"
)

// fetchItem is one element yielded by fakeRemote's iterator.
type fetchItem struct {
	entry *catalog.MediaEntry
	err   error
}

type fakeRemote struct {
	mu          sync.Mutex
	reachable   bool
	connectErr  error
	connects    int
	items       []fetchItem
	fetchErr    error
	dropOnFetch bool
	fetchCalls  int
	lastSince   time.Time

	// When set, FetchChangedSince signals started and blocks until release
	// is closed or ctx is done.
	started chan struct{}
	release chan struct{}

	pushed  []*catalog.MediaEntry
	deleted []string
	pushErr map[int64]error
	nextID  int

	// clock is the last change marker handed out by add.
	clock time.Time
}

// markerBase is later than every record timestamp the tests use, so
// markers and record times never get confused.
var markerBase = time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)

func newFakeRemote() *fakeRemote {
	return &fakeRemote{reachable: true, pushErr: map[int64]error{}, clock: markerBase}
}

func (r *fakeRemote) setReachable(v bool) {
	r.mu.Lock()
	r.reachable = v
	r.mu.Unlock()
}

// add stores entries in write order, stamping each with the next change
// marker unless it already has one.
func (r *fakeRemote) add(entries ...*catalog.MediaEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range entries {
		if e.ChangedAt.IsZero() {
			r.clock = r.clock.Add(time.Second)
			e.ChangedAt = r.clock
		}
		r.items = append(r.items, fetchItem{entry: e})
	}
}

func (r *fakeRemote) addErr(err error) {
	r.mu.Lock()
	r.items = append(r.items, fetchItem{err: err})
	r.mu.Unlock()
}

func (r *fakeRemote) IsReachable(ctx context.Context) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reachable && ctx.Err() == nil
}

func (r *fakeRemote) Connect(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connects++
	return r.connectErr
}

func (r *fakeRemote) FetchChangedSince(ctx context.Context, since time.Time, kind catalog.RecordKind) (iter.Seq2[*catalog.MediaEntry, error], error) {
	r.mu.Lock()
	r.fetchCalls++
	r.lastSince = since
	started, release := r.started, r.release
	fetchErr := r.fetchErr
	if r.dropOnFetch {
		r.reachable = false
	}
	items := slices.Clone(r.items)
	r.mu.Unlock()

	if started != nil {
		started <- struct{}{}
	}
	if release != nil {
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if fetchErr != nil {
		return nil, fetchErr
	}

	return func(yield func(*catalog.MediaEntry, error) bool) {
		for _, it := range items {
			var e *catalog.MediaEntry
			if it.entry != nil {
				if !it.entry.ChangedAt.After(since) {
					continue
				}
				e = it.entry.Clone()
			}
			if !yield(e, it.err) {
				return
			}
		}
	}, nil
}

func (r *fakeRemote) Push(ctx context.Context, entry *catalog.MediaEntry) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.pushErr[entry.LocalID]; err != nil {
		return "", err
	}
	id := entry.RemoteID
	if id == "" {
		r.nextID++
		id = fmt.Sprintf("gen-%d", r.nextID)
	}
	pushed := entry.Clone()
	pushed.RemoteID = id
	r.pushed = append(r.pushed, pushed)
	return id, nil
}

func (r *fakeRemote) Delete(ctx context.Context, remoteID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deleted = append(r.deleted, remoteID)
	return nil
}

func (r *fakeRemote) calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fetchCalls
}

type fakeLocal struct {
	mu         sync.Mutex
	entries    map[int64]*catalog.MediaEntry
	nextID     int64
	insertErr  map[string]error
	pendingErr error
}

func newFakeLocal() *fakeLocal {
	return &fakeLocal{
		entries:   map[int64]*catalog.MediaEntry{},
		insertErr: map[string]error{},
	}
}

// put stores e as-is, keeping its local id and status.
func (l *fakeLocal) put(e *catalog.MediaEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if e.LocalID == 0 {
		l.nextID++
		e.LocalID = l.nextID
	}
	l.nextID = max(l.nextID, e.LocalID)
	l.entries[e.LocalID] = e.Clone()
}

func (l *fakeLocal) get(id int64) *catalog.MediaEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	if e, ok := l.entries[id]; ok {
		return e.Clone()
	}
	return nil
}

func (l *fakeLocal) byRemote(remoteID string) *catalog.MediaEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range l.entries {
		if e.RemoteID == remoteID {
			return e.Clone()
		}
	}
	return nil
}

func (l *fakeLocal) FindByRemoteID(ctx context.Context, remoteID string) (*catalog.MediaEntry, error) {
	return l.byRemote(remoteID), nil
}

func (l *fakeLocal) Insert(ctx context.Context, entry *catalog.MediaEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.insertErr[entry.RemoteID]; err != nil {
		return err
	}
	l.nextID++
	entry.LocalID = l.nextID
	entry.Status = catalog.StatusNew
	l.entries[entry.LocalID] = entry.Clone()
	return nil
}

func (l *fakeLocal) Update(ctx context.Context, entry *catalog.MediaEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	cur, ok := l.entries[entry.LocalID]
	if !ok {
		return fmt.Errorf("local id %d not found", entry.LocalID)
	}
	next := entry.Clone()
	if cur.RemoteID != "" {
		next.RemoteID = cur.RemoteID
	}
	next.Status = catalog.StatusChanged
	l.entries[entry.LocalID] = next
	entry.Status = catalog.StatusChanged
	return nil
}

func (l *fakeLocal) ListPending(ctx context.Context) ([]*catalog.MediaEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.pendingErr != nil {
		return nil, l.pendingErr
	}
	var out []*catalog.MediaEntry
	for _, e := range l.entries {
		if e.Status.IsPending() {
			out = append(out, e.Clone())
		}
	}
	slices.SortFunc(out, func(a, b *catalog.MediaEntry) int { return int(a.LocalID - b.LocalID) })
	return out, nil
}

func (l *fakeLocal) Acknowledge(ctx context.Context, entry *catalog.MediaEntry, remoteID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if entry.Status == catalog.StatusDeleted {
		delete(l.entries, entry.LocalID)
		return nil
	}
	cur, ok := l.entries[entry.LocalID]
	if !ok {
		return nil
	}
	cur.Status = catalog.StatusSynced
	if cur.RemoteID == "" {
		cur.RemoteID = remoteID
	}
	return nil
}

type fakeSession struct {
	mu      sync.Mutex
	user    catalog.UserInfo
	machine string
	saved   []catalog.SyncBookmark
}

func newFakeSession(policy catalog.ConflictPolicy) *fakeSession {
	return &fakeSession{
		user:    catalog.UserInfo{Username: "ana", Settings: catalog.UserSettings{ConflictPolicy: policy}},
		machine: "laptop",
	}
}

func (s *fakeSession) CurrentUser(ctx context.Context) (*catalog.UserInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u := s.user
	u.Settings.SyncInfo = slices.Clone(s.user.Settings.SyncInfo)
	return &u, nil
}

func (s *fakeSession) SaveBookmark(ctx context.Context, b catalog.SyncBookmark) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saved = append(s.saved, b)
	s.user.Settings.SyncInfo = catalog.PutBookmark(s.user.Settings.SyncInfo, b)
	return nil
}

func (s *fakeSession) Machine() string { return s.machine }

// recorder captures notifications in order.
type recorder struct {
	mu     sync.Mutex
	events []string
	passes []PassResult
}

func (r *recorder) ActivityChanged(prev, next Activity) {
	r.mu.Lock()
	r.events = append(r.events, prev.String()+"->"+next.String())
	r.mu.Unlock()
}

func (r *recorder) DirectionChanged(d Direction) {
	r.mu.Lock()
	r.events = append(r.events, "dir:"+d.String())
	r.mu.Unlock()
}

func (r *recorder) PassCompleted(res PassResult) {
	r.mu.Lock()
	r.passes = append(r.passes, res)
	r.mu.Unlock()
}

func (r *recorder) Events() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.events)
}

func (r *recorder) Passes() []PassResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.passes)
}

// harness bundles a synchronizer with its fakes.
type harness struct {
	sync    *Synchronizer
	remote  *fakeRemote
	local   *fakeLocal
	session *fakeSession
	rec     *recorder
}

const (
	testSyncInterval    = time.Hour
	testRecheckInterval = time.Minute
)

func testConfig() *Config {
	return &Config{
		SyncInterval:    testSyncInterval,
		RecheckInterval: testRecheckInterval,
		RemoteTimeout:   time.Second,
		Logger:          slog.New(slog.DiscardHandler),
	}
}

func newHarness(t *testing.T, policy catalog.ConflictPolicy) *harness {
	t.Helper()
	return newHarnessWithConfig(t, policy, testConfig())
}

func newHarnessWithConfig(t *testing.T, policy catalog.ConflictPolicy, cfg *Config) *harness {
	t.Helper()

	h := &harness{
		remote:  newFakeRemote(),
		local:   newFakeLocal(),
		session: newFakeSession(policy),
		rec:     &recorder{},
	}
	h.sync = New(h.remote, h.local, h.session, cfg)
	unsubscribe := h.sync.Subscribe(h.rec)
	t.Cleanup(func() {
		unsubscribe()
		h.sync.Shutdown()
	})
	return h
}

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// at returns t0 plus n minutes.
func at(n int) time.Time {
	return t0.Add(time.Duration(n) * time.Minute)
}

func remoteEntry(remoteID string, ts time.Time) *catalog.MediaEntry {
	return &catalog.MediaEntry{
		RemoteID:       remoteID,
		Classification: catalog.ClassMovie,
		Status:         catalog.StatusSynced,
		Timestamp:      ts,
		Comment:        "remote",
	}
}

func localEntry(localID int64, remoteID string, ts time.Time) *catalog.MediaEntry {
	return &catalog.MediaEntry{
		LocalID:        localID,
		RemoteID:       remoteID,
		Classification: catalog.ClassMovie,
		Status:         catalog.StatusSynced,
		Timestamp:      ts,
		Comment:        "local",
	}
}
