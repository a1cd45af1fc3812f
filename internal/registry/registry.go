package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gofrs/flock"
)

// ErrLockTimeout is returned by Lock when the advisory lock could not be
// acquired before the context ended.
var ErrLockTimeout = errors.New("registry lock not acquired")

const lockRetryDelay = 50 * time.Millisecond

// Record is the persisted belief that the managed worker is running.
type Record struct {
	PID int
	// Since is the modification time of the record file.
	Since time.Time
}

// Registry stores a single Record as a decimal pid in a file.
// Only one Registry per record path is expected on a host; Lock guards
// read-check-write sequences across processes.
type Registry struct {
	path   string
	lock   *flock.Flock
	logger *slog.Logger
}

func New(path string, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		path:   path,
		lock:   flock.New(path + ".lock"),
		logger: logger,
	}
}

// Path returns the record file location.
func (r *Registry) Path() string { return r.path }

// Read returns the stored record. ok is false when no record exists.
// Corrupt content is removed and reported as no record.
func (r *Registry) Read() (rec Record, ok bool, err error) {
	rec, ok, perr, err := r.load()
	if err != nil || perr == nil {
		return rec, ok, err
	}
	r.logger.Warn("Removing corrupt process record", "path", r.path, "error", perr)
	if err := r.Clear(); err != nil {
		return Record{}, false, err
	}
	return Record{}, false, nil
}

// Peek is Read without side effects: corrupt content reads as no record
// and the file is left in place. Use it when the lock is not held.
func (r *Registry) Peek() (Record, bool, error) {
	rec, ok, _, err := r.load()
	return rec, ok, err
}

// load reads the file. perr is set when the content does not parse.
func (r *Registry) load() (rec Record, ok bool, perr error, err error) {
	b, err := os.ReadFile(r.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Record{}, false, nil, nil
		}
		return Record{}, false, nil, fmt.Errorf("read record %s: %w", r.path, err)
	}
	pid, perr := parsePID(b)
	if perr != nil {
		return Record{}, false, fmt.Errorf("%w (content %q)", perr, truncate(string(b), 32)), nil
	}
	rec = Record{PID: pid}
	if fi, err := os.Stat(r.path); err == nil {
		rec.Since = fi.ModTime()
	}
	return rec, true, nil, nil
}

// Write overwrites the record with pid.
func (r *Registry) Write(pid int) error {
	if pid <= 0 {
		return fmt.Errorf("write record: invalid pid %d", pid)
	}
	if dir := filepath.Dir(r.path); dir != "" {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("write record: %w", err)
		}
	}
	if err := os.WriteFile(r.path, []byte(strconv.Itoa(pid)), 0o600); err != nil {
		return fmt.Errorf("write record %s: %w", r.path, err)
	}
	return nil
}

// Clear deletes the record. A missing record is not an error.
func (r *Registry) Clear() error {
	if err := os.Remove(r.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("clear record %s: %w", r.path, err)
	}
	return nil
}

// Lock takes the exclusive advisory lock next to the record file.
// The returned function releases it. The lock excludes other processes
// only; callers sharing one Registry must serialise among themselves.
func (r *Registry) Lock(ctx context.Context) (func(), error) {
	if dir := filepath.Dir(r.path); dir != "" {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("lock record: %w", err)
		}
	}
	locked, err := r.lock.TryLockContext(ctx, lockRetryDelay)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return nil, fmt.Errorf("%w: %s", ErrLockTimeout, r.lock.Path())
		}
		return nil, fmt.Errorf("lock record: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("%w: %s", ErrLockTimeout, r.lock.Path())
	}
	return func() { _ = r.lock.Unlock() }, nil
}

func parsePID(b []byte) (int, error) {
	s := strings.TrimSpace(string(b))
	pid, err := strconv.Atoi(s)
	if err != nil {
		return 0, err
	}
	if pid <= 0 {
		return 0, fmt.Errorf("non-positive pid %d", pid)
	}
	return pid, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
