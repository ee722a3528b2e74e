// Package lockdir implements the distributed-mutex layer of spec.md §4.1:
// exclusive named locks on a shared directory, with staleness detection
// and wait-until-clear semantics. Atomicity rests on the OS's exclusive
// file-create primitive, so every process pointed at the same directory
// is safe to call concurrently.
package lockdir

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/honkhost/gameserver-mgr/internal/glog"
)

// ErrBusy is returned by Acquire when name is already held by a live process.
var ErrBusy = errors.New("lock busy")

// ErrTimeout is returned by WaitClear/SpinAcquire when the budget expires.
var ErrTimeout = errors.New("lock wait timeout")

// PollInterval is the fallback poll cadence spec.md §4.1 mandates even
// when fsnotify delivers events promptly.
const PollInterval = time.Second

// Marker is the JSON payload written inside a lock file.
type Marker struct {
	PID        int       `json:"pid"`
	Host       string    `json:"host"`
	AcquiredAt time.Time `json:"acquiredAt"`
}

// Dir is a lock directory shared by every cooperating process.
type Dir struct {
	path  string
	log   glog.Logger
	grace time.Duration
}

// Option configures a Dir.
type Option func(*Dir)

// WithStaleGrace sets a grace period a dead-PID lock must additionally
// survive before being treated as reclaimable (SPEC_FULL.md §6,
// LOCK_STALE_GRACE_SECONDS).
func WithStaleGrace(d time.Duration) Option {
	return func(l *Dir) { l.grace = d }
}

// WithLogger overrides the default no-op logger.
func WithLogger(lg glog.Logger) Option {
	return func(l *Dir) { l.log = lg }
}

// Open prepares the lock directory, creating it (mode 0755) if absent.
func Open(path string, opts ...Option) (*Dir, error) {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("lockdir: mkdir %s: %w", path, err)
	}
	d := &Dir{path: path, log: glog.New("lockdir", false)}
	for _, o := range opts {
		o(d)
	}
	return d, nil
}

func (d *Dir) pathFor(name string) string { return filepath.Join(d.path, name) }

// Acquire atomically creates name's lock file. It returns ErrBusy (wrapping
// the holder's PID in the error chain) if a live process already holds it.
// A lock whose recorded PID is dead is reclaimed in place.
func (d *Dir) Acquire(name string) error {
	p := d.pathFor(name)
	marker := Marker{PID: os.Getpid(), Host: hostname(), AcquiredAt: time.Now().UTC()}
	data, err := json.Marshal(marker)
	if err != nil {
		return fmt.Errorf("lockdir: marshal marker: %w", err)
	}

	f, err := os.OpenFile(p, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err == nil {
		defer f.Close()
		if _, err := f.Write(data); err != nil {
			os.Remove(p)
			return fmt.Errorf("lockdir: write marker %s: %w", name, err)
		}
		d.log.Debug("acquired", "lock", name, "pid", marker.PID)
		return nil
	}
	if !os.IsExist(err) {
		return fmt.Errorf("lockdir: create %s: %w", name, err)
	}

	// Someone already holds (or held) the lock; check staleness.
	holder, readErr := d.readMarker(p)
	if readErr != nil {
		// Racing release/corruption; treat as contended rather than erroring.
		return fmt.Errorf("%w: %s (unreadable marker: %v)", ErrBusy, name, readErr)
	}
	if d.isStale(holder) {
		if err := d.breakStale(p, holder); err == nil {
			return d.Acquire(name)
		}
	}
	return fmt.Errorf("%w: %s held by pid %d", ErrBusy, name, holder.PID)
}

// Release removes name's lock file. It is a no-op if absent and fails
// only on an I/O error.
func (d *Dir) Release(name string) error {
	err := os.Remove(d.pathFor(name))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("lockdir: release %s: %w", name, err)
	}
	d.log.Debug("released", "lock", name)
	return nil
}

// IsHeld scans the directory for any lock whose name matches pattern.
// staleOk=false (the default) counts only locks held by a live process.
func (d *Dir) IsHeld(pattern string, staleOk bool) (bool, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return false, fmt.Errorf("lockdir: bad pattern %q: %w", pattern, err)
	}
	entries, err := os.ReadDir(d.path)
	if err != nil {
		return false, fmt.Errorf("lockdir: read dir: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() || !re.MatchString(e.Name()) {
			continue
		}
		if staleOk {
			return true, nil
		}
		marker, err := d.readMarker(d.pathFor(e.Name()))
		if err != nil {
			continue
		}
		if !d.isStale(marker) {
			return true, nil
		}
	}
	return false, nil
}

// WaitClear blocks until no lock matching pattern is held, or returns
// ErrTimeout once timeout elapses. It wakes on fsnotify lock-dir events
// and otherwise polls at PollInterval.
func (d *Dir) WaitClear(ctx context.Context, pattern string, timeout time.Duration) error {
	held, err := d.IsHeld(pattern, false)
	if err != nil {
		return err
	}
	if !held {
		return nil
	}

	watcher, werr := fsnotify.NewWatcher()
	var events chan fsnotify.Event
	if werr == nil {
		if werr = watcher.Add(d.path); werr == nil {
			events = watcher.Events
			defer watcher.Close()
		} else {
			watcher.Close()
		}
	}

	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(PollInterval)
	defer ticker.Stop()

	for {
		if time.Now().After(deadline) {
			return fmt.Errorf("%w: pattern %q still held", ErrTimeout, pattern)
		}
		held, err := d.IsHeld(pattern, false)
		if err != nil {
			return err
		}
		if !held {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-events:
		}
	}
}

// SpinAcquire waits for name to clear, then acquires it. It is not atomic
// against a third party racing in between: Acquire may still return
// ErrBusy immediately after WaitClear succeeds, which callers should
// surface as a retryable condition, not a hard failure.
func (d *Dir) SpinAcquire(ctx context.Context, name string, timeout time.Duration) error {
	if err := d.WaitClear(ctx, "^"+regexp.QuoteMeta(name)+"$", timeout); err != nil {
		return err
	}
	return d.Acquire(name)
}

func (d *Dir) readMarker(path string) (Marker, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Marker{}, err
	}
	var m Marker
	if err := json.Unmarshal(data, &m); err != nil {
		return Marker{}, err
	}
	return m, nil
}

func (d *Dir) isStale(m Marker) bool {
	if processAlive(m.PID) {
		return false
	}
	if d.grace <= 0 {
		return true
	}
	return time.Since(m.AcquiredAt) > d.grace
}

func (d *Dir) breakStale(path string, m Marker) error {
	d.log.Warn("reclaiming stale lock", "path", path, "pid", m.PID)
	err := os.Remove(path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// Signal 0 checks existence without delivering anything (POSIX).
	err = proc.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}
	if errors.Is(err, os.ErrProcessDone) {
		return false
	}
	return !errors.Is(err, syscall.ESRCH)
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return h
}
