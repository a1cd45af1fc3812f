package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loykin/streambot/internal/detector"
	"github.com/loykin/streambot/internal/history"
	"github.com/loykin/streambot/internal/metrics"
	"github.com/loykin/streambot/internal/process"
	"github.com/loykin/streambot/internal/registry"
)

const historyTimeout = 5 * time.Second

// Store persists the worker record. *registry.Registry implements it.
type Store interface {
	Read() (registry.Record, bool, error)
	Peek() (registry.Record, bool, error)
	Write(pid int) error
	Clear() error
	Lock(ctx context.Context) (func(), error)
}

// Launcher spawns one worker and returns its pid. *process.Launcher implements it.
type Launcher interface {
	Launch() (int, error)
}

// Signaler delivers termination requests. process.Signaler implements it.
type Signaler interface {
	Terminate(pid int) error
	Kill(pid int) error
}

// StopPolicy bounds the poll-then-escalate stop sequence.
type StopPolicy struct {
	Grace        time.Duration // wait after the termination request
	KillTimeout  time.Duration // wait after the forced kill
	PollInterval time.Duration
}

func DefaultStopPolicy() StopPolicy {
	return StopPolicy{Grace: 2 * time.Second, KillTimeout: 3 * time.Second, PollInterval: 100 * time.Millisecond}
}

// Started is the outcome of a successful Start.
type Started struct {
	PID   int
	Since time.Time
}

// Stopped is the outcome of a Stop that delivered its signal.
type Stopped struct {
	PID int
	// AlreadyExited is set when the worker was gone before the signal landed.
	AlreadyExited bool
	// Forced is set when the worker ignored the grace period and was killed.
	Forced bool
	// Lingering is set when the worker was still alive after the kill timeout.
	Lingering bool
	// Unverified is set when the host cannot probe liveness.
	Unverified bool
	Took       time.Duration
}

// Outcome names the stop result for logs, metrics and history.
func (s Stopped) Outcome() string {
	switch {
	case s.AlreadyExited:
		return "gone"
	case s.Unverified:
		return "unverified"
	case s.Lingering:
		return "lingering"
	case s.Forced:
		return "forced"
	default:
		return "graceful"
	}
}

// Status is a snapshot of the worker as seen through its record.
type Status struct {
	Running bool
	PID     int
	Since   time.Time
	// Verified is false when the record could not be checked against the host.
	Verified bool
	Usage    *metrics.Usage
}

// Supervisor starts and stops the single managed worker. Start, Stop and
// Status are serialised in-process by a mutex and across processes by the
// record lock.
type Supervisor struct {
	mu sync.Mutex

	store    Store
	launcher Launcher
	det      detector.Detector
	sig      Signaler

	script      string
	policy      StopPolicy
	lockTimeout time.Duration
	logger      *slog.Logger
	hist        history.Sink
	sample      func(pid int) (metrics.Usage, error)

	now   func() time.Time
	sleep func(time.Duration)

	pending sync.WaitGroup
}

type Option func(*Supervisor)

func WithLogger(l *slog.Logger) Option {
	return func(s *Supervisor) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithHistory sends lifecycle events to sink. Delivery is best-effort.
func WithHistory(sink history.Sink) Option {
	return func(s *Supervisor) { s.hist = sink }
}

func WithStopPolicy(p StopPolicy) Option {
	return func(s *Supervisor) {
		if p.PollInterval <= 0 {
			p.PollInterval = DefaultStopPolicy().PollInterval
		}
		s.policy = p
	}
}

func WithLockTimeout(d time.Duration) Option {
	return func(s *Supervisor) {
		if d > 0 {
			s.lockTimeout = d
		}
	}
}

func WithDetector(d detector.Detector) Option {
	return func(s *Supervisor) { s.det = d }
}

func WithSignaler(sig Signaler) Option {
	return func(s *Supervisor) { s.sig = sig }
}

// WithScript names the worker script in logs, errors and history events.
func WithScript(script string) Option {
	return func(s *Supervisor) { s.script = script }
}

// WithUsageSampler replaces the resource sampler used by Status; nil disables sampling.
func WithUsageSampler(fn func(pid int) (metrics.Usage, error)) Option {
	return func(s *Supervisor) { s.sample = fn }
}

func New(store Store, launcher Launcher, opts ...Option) *Supervisor {
	s := &Supervisor{
		store:       store,
		launcher:    launcher,
		det:         detector.Host(),
		sig:         process.Signaler{},
		policy:      DefaultStopPolicy(),
		lockTimeout: 5 * time.Second,
		logger:      slog.Default(),
		sample:      metrics.Sample,
		now:         time.Now,
		sleep:       time.Sleep,
	}
	for _, o := range opts {
		o(s)
	}
	s.logger = s.logger.With("component", "supervisor")
	return s
}

// acquire takes the in-process mutex, then the record lock.
func (s *Supervisor) acquire() (func(), error) {
	s.mu.Lock()
	ctx, cancel := context.WithTimeout(context.Background(), s.lockTimeout)
	defer cancel()
	unlock, err := s.store.Lock(ctx)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	return func() {
		unlock()
		s.mu.Unlock()
	}, nil
}

// current returns the live record. Stale records are cleared. Must hold the lock.
func (s *Supervisor) current() (registry.Record, detector.State, bool, error) {
	rec, ok, err := s.store.Read()
	if err != nil {
		return registry.Record{}, detector.Dead, false, fmt.Errorf("read record: %w", err)
	}
	if !ok {
		return registry.Record{}, detector.Dead, false, nil
	}
	state, perr := s.det.Probe(rec.PID)
	if perr != nil {
		s.logger.Warn("Liveness probe failed, treating worker as stopped", "pid", rec.PID, "error", perr)
		state = detector.Dead
	}
	if state == detector.Dead {
		s.clearStale(rec.PID)
		return registry.Record{}, detector.Dead, false, nil
	}
	return rec, state, true, nil
}

func (s *Supervisor) clearStale(pid int) {
	if err := s.store.Clear(); err != nil {
		s.logger.Error("Failed to remove stale record", "pid", pid, "error", err)
		return
	}
	s.logger.Info("Removed stale worker record", "pid", pid)
	metrics.IncStaleRecord()
	s.record(history.EventStale, pid, "")
}

// Start spawns the worker unless a live record exists.
func (s *Supervisor) Start() (Started, error) {
	unlock, err := s.acquire()
	if err != nil {
		return Started{}, err
	}
	defer unlock()

	rec, _, ok, err := s.current()
	if err != nil {
		return Started{}, err
	}
	if ok {
		metrics.SetRunning(true)
		return Started{}, &AlreadyRunningError{PID: rec.PID}
	}

	pid, err := s.launcher.Launch()
	if err != nil {
		s.logger.Error("Failed to spawn worker", "script", s.script, "error", err)
		return Started{}, &SpawnError{Script: s.script, Err: err}
	}
	if err := s.store.Write(pid); err != nil {
		// an unrecorded worker could never be stopped
		s.logger.Error("Failed to record worker, killing it", "pid", pid, "error", err)
		if kerr := s.sig.Kill(pid); kerr != nil && !errors.Is(kerr, process.ErrProcessGone) {
			s.logger.Error("Failed to kill unrecorded worker", "pid", pid, "error", kerr)
		}
		return Started{}, &SpawnError{Script: s.script, Err: fmt.Errorf("record pid %d: %w", pid, err)}
	}

	started := Started{PID: pid, Since: s.now()}
	metrics.IncStart()
	metrics.SetRunning(true)
	s.record(history.EventStart, pid, "")
	s.logger.Info("Worker started", "pid", pid, "script", s.script)
	return started, nil
}

// Stop terminates the recorded worker. pid must match the record; otherwise
// ErrNotRunning is returned and nothing is signalled.
func (s *Supervisor) Stop(pid int) (Stopped, error) {
	unlock, err := s.acquire()
	if err != nil {
		return Stopped{}, err
	}
	defer unlock()

	rec, state, ok, err := s.current()
	if err != nil {
		return Stopped{}, err
	}
	if !ok {
		metrics.SetRunning(false)
		return Stopped{}, ErrNotRunning
	}
	if rec.PID != pid {
		return Stopped{}, fmt.Errorf("%w: record holds pid %d, not %d", ErrNotRunning, rec.PID, pid)
	}

	begin := s.now()
	res, err := s.terminate(pid, state)
	if err != nil {
		// record kept: the worker may still be running
		s.logger.Error("Failed to signal worker", "pid", pid, "error", err)
		metrics.IncStop("failed")
		return Stopped{}, err
	}
	res.Took = s.now().Sub(begin)

	if err := s.store.Clear(); err != nil {
		s.logger.Error("Failed to clear worker record", "pid", pid, "error", err)
		return res, fmt.Errorf("worker %d signalled but record not cleared: %w", pid, err)
	}

	outcome := res.Outcome()
	metrics.IncStop(outcome)
	metrics.ObserveStopDuration(res.Took)
	metrics.SetRunning(false)
	s.record(history.EventStop, pid, outcome)
	if res.Lingering {
		s.logger.Warn("Worker still alive after kill timeout", "pid", pid, "took", res.Took)
	} else {
		s.logger.Info("Worker stopped", "pid", pid, "outcome", outcome, "took", res.Took)
	}
	return res, nil
}

// Status reports whether the worker is running. It never fails: unreadable
// or stale records read as stopped.
func (s *Supervisor) Status() Status {
	unlock, err := s.acquire()
	if err != nil {
		s.logger.Warn("Status without record lock", "error", err)
		return s.peek()
	}
	defer unlock()

	rec, state, ok, err := s.current()
	if err != nil {
		s.logger.Warn("Worker record unreadable, reporting stopped", "error", err)
		metrics.SetRunning(false)
		return Status{}
	}
	if !ok {
		metrics.SetRunning(false)
		return Status{}
	}
	metrics.SetRunning(true)
	return s.describe(rec, state)
}

// peek reports the record without cleaning it up. Used when the lock is held
// elsewhere, so nothing may be written or removed.
func (s *Supervisor) peek() Status {
	rec, ok, err := s.store.Peek()
	if err != nil || !ok {
		return Status{}
	}
	state, err := s.det.Probe(rec.PID)
	if err != nil || state == detector.Dead {
		return Status{}
	}
	return s.describe(rec, state)
}

func (s *Supervisor) describe(rec registry.Record, state detector.State) Status {
	st := Status{Running: true, PID: rec.PID, Since: rec.Since, Verified: state == detector.Alive}
	if st.Verified && s.sample != nil {
		if u, err := s.sample(rec.PID); err == nil {
			st.Usage = &u
		} else {
			s.logger.Debug("Usage sample failed", "pid", rec.PID, "error", err)
		}
	}
	return st
}

// LivePID returns the recorded pid when the host confirms it is alive.
// It takes no lock and never modifies the record.
func (s *Supervisor) LivePID() (int, bool) {
	rec, ok, err := s.store.Read()
	if err != nil || !ok {
		return 0, false
	}
	if state, err := s.det.Probe(rec.PID); err != nil || state != detector.Alive {
		return 0, false
	}
	return rec.PID, true
}

// Close waits for in-flight history deliveries.
func (s *Supervisor) Close() error {
	s.pending.Wait()
	return nil
}

func (s *Supervisor) record(t history.EventType, pid int, detail string) {
	if s.hist == nil {
		return
	}
	e := history.Event{Type: t, OccurredAt: s.now().UTC(), PID: pid, Script: s.script, Detail: detail}
	s.pending.Add(1)
	go func() {
		defer s.pending.Done()
		ctx, cancel := context.WithTimeout(context.Background(), historyTimeout)
		defer cancel()
		if err := s.hist.Send(ctx, e); err != nil {
			s.logger.Warn("Failed to record history event", "event", string(t), "pid", pid, "error", err)
		}
	}()
}
