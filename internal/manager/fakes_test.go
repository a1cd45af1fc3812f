package manager

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/loykin/streambot/internal/detector"
	"github.com/loykin/streambot/internal/history"
	"github.com/loykin/streambot/internal/registry"
)

type fakeStore struct {
	mu       sync.Mutex
	rec      registry.Record
	has      bool
	readErr  error
	writeErr error
	clearErr error
	lockErr  error
	corrupt  bool // Read heals it, Peek leaves it
	writes   int
	clears   int
	locks    int
	peeks    int
}

func (f *fakeStore) Read() (registry.Record, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.readErr != nil {
		return registry.Record{}, false, f.readErr
	}
	if f.corrupt {
		f.corrupt = false
		f.clears++
		return registry.Record{}, false, nil
	}
	return f.rec, f.has, nil
}

func (f *fakeStore) Peek() (registry.Record, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.peeks++
	if f.readErr != nil {
		return registry.Record{}, false, f.readErr
	}
	if f.corrupt {
		return registry.Record{}, false, nil
	}
	return f.rec, f.has, nil
}

func (f *fakeStore) Write(pid int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes++
	if f.writeErr != nil {
		return f.writeErr
	}
	f.rec = registry.Record{PID: pid, Since: time.Now()}
	f.has = true
	return nil
}

func (f *fakeStore) Clear() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clears++
	if f.clearErr != nil {
		return f.clearErr
	}
	f.has = false
	f.rec = registry.Record{}
	return nil
}

func (f *fakeStore) Lock(context.Context) (func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.locks++
	if f.lockErr != nil {
		return nil, f.lockErr
	}
	return func() {}, nil
}

func (f *fakeStore) seed(pid int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rec = registry.Record{PID: pid, Since: time.Now()}
	f.has = true
}

func (f *fakeStore) snapshot() (registry.Record, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rec, f.has
}

type fakeDetector struct {
	mu     sync.Mutex
	states map[int]detector.State
	errs   map[int]error
	probes int
}

func newFakeDetector() *fakeDetector {
	return &fakeDetector{states: map[int]detector.State{}, errs: map[int]error{}}
}

func (f *fakeDetector) Probe(pid int) (detector.State, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.probes++
	if err := f.errs[pid]; err != nil {
		return detector.Dead, err
	}
	if st, ok := f.states[pid]; ok {
		return st, nil
	}
	return detector.Dead, nil
}

func (f *fakeDetector) Describe() string { return "fake" }

func (f *fakeDetector) set(pid int, st detector.State) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states[pid] = st
}

func (f *fakeDetector) fail(pid int, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs[pid] = err
}

type fakeLauncher struct {
	mu       sync.Mutex
	det      *fakeDetector
	next     int
	err      error
	delay    time.Duration
	launches int
	// state given to launched pids; Alive unless set
	state detector.State
}

func (f *fakeLauncher) Launch() (int, error) {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.launches++
	if f.err != nil {
		return 0, f.err
	}
	pid := f.next
	f.next++
	st := f.state
	if st == detector.Dead {
		st = detector.Alive
	}
	f.det.set(pid, st)
	return pid, nil
}

func (f *fakeLauncher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.launches
}

type fakeSignaler struct {
	mu      sync.Mutex
	terms   []int
	kills   []int
	termErr error
	killErr error
	onTerm  func(pid int)
	onKill  func(pid int)
}

func (f *fakeSignaler) Terminate(pid int) error {
	f.mu.Lock()
	f.terms = append(f.terms, pid)
	err, cb := f.termErr, f.onTerm
	f.mu.Unlock()
	if err != nil {
		return err
	}
	if cb != nil {
		cb(pid)
	}
	return nil
}

func (f *fakeSignaler) Kill(pid int) error {
	f.mu.Lock()
	f.kills = append(f.kills, pid)
	err, cb := f.killErr, f.onKill
	f.mu.Unlock()
	if err != nil {
		return err
	}
	if cb != nil {
		cb(pid)
	}
	return nil
}

func (f *fakeSignaler) calls() (terms, kills int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.terms), len(f.kills)
}

// fakeClock advances only when sleep is called.
type fakeClock struct {
	mu    sync.Mutex
	t     time.Time
	slept time.Duration
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) sleep(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
	c.slept += d
}

type recordingSink struct {
	mu     sync.Mutex
	events []history.Event
	err    error
}

func (r *recordingSink) Send(_ context.Context, e history.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return r.err
}

func (r *recordingSink) types() []history.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]history.EventType, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}

type harness struct {
	store *fakeStore
	det   *fakeDetector
	launc *fakeLauncher
	sig   *fakeSignaler
	clock *fakeClock
	sink  *recordingSink
	sup   *Supervisor
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		store: &fakeStore{},
		det:   newFakeDetector(),
		sig:   &fakeSignaler{},
		clock: &fakeClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)},
		sink:  &recordingSink{},
	}
	h.launc = &fakeLauncher{det: h.det, next: 1000}
	base := []Option{
		WithDetector(h.det),
		WithSignaler(h.sig),
		WithHistory(h.sink),
		WithScript("/opt/stream/streamer.py"),
		WithUsageSampler(nil),
	}
	h.sup = New(h.store, h.launc, append(base, opts...)...)
	h.sup.now = h.clock.now
	h.sup.sleep = h.clock.sleep
	t.Cleanup(func() { _ = h.sup.Close() })
	return h
}

// exitOnTerminate makes the fake worker die when asked to.
func (h *harness) exitOnTerminate() {
	h.sig.onTerm = func(pid int) { h.det.set(pid, detector.Dead) }
}
