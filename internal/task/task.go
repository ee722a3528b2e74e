// Package task implements the generic task-supervisor pattern of
// spec.md §4.4: dedup by task key, lock preconditions, stream forwarding,
// and cancellation, shared by every driver (download, repo, overlay,
// game).
package task

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/honkhost/gameserver-mgr/internal/bus"
	"github.com/honkhost/gameserver-mgr/internal/glog"
	"github.com/honkhost/gameserver-mgr/internal/lockdir"
	"github.com/honkhost/gameserver-mgr/internal/protocol"
)

// State is a task record's point in the lifecycle of spec.md §3.
type State string

const (
	StateCheckingLocks State = "checking-locks"
	StatePreparing     State = "preparing"
	StateRunning       State = "running"
	StateCompleted     State = "completed"
	StateFailed        State = "failed"
	StateCanceled      State = "canceled"
)

// outputRingCap is the bounded ring size of spec.md §3 and §8.
const outputRingCap = 1000

// ErrCanceled is returned by a Work function to signal the task was
// cooperatively canceled rather than having failed.
var ErrCanceled = errors.New("task: canceled")

// PatternWait describes one cross-task lock precondition: WaitClear is
// called against Pattern with the given Timeout before work starts.
type PatternWait struct {
	Pattern string
	Timeout time.Duration
}

// Work is the driver-specific body of a task. It must honor ctx
// cancellation (derived from the task's cancel command) within the
// ≤2s budget of spec.md §5, and should use t.EmitOutput/t.EmitProgress
// to stream back to the caller. Returning ErrCanceled (or a wrapped
// ErrCanceled) reports a clean cancellation rather than a failure.
type Work func(ctx context.Context, t *Task) error

// Task is one in-flight task record (spec.md §3's Task record).
type Task struct {
	Key   string
	Env   protocol.Envelope
	Start time.Time

	sup *Supervisor

	mu           sync.Mutex
	state        State
	lastProgress any
	output       []string
	err          error

	ctx        context.Context
	cancelFn   context.CancelFunc
	cancelReq  chan struct{}
	cancelOnce sync.Once
	canceledAck chan struct{}
	doneCh     chan struct{}
}

func newTask(parent context.Context, sup *Supervisor, key string, env protocol.Envelope) *Task {
	ctx, cancel := context.WithCancel(parent)
	return &Task{
		Key:         key,
		Env:         env,
		Start:       time.Now(),
		sup:         sup,
		state:       StateCheckingLocks,
		ctx:         ctx,
		cancelFn:    cancel,
		cancelReq:   make(chan struct{}),
		canceledAck: make(chan struct{}),
		doneCh:      make(chan struct{}),
	}
}

// Context is canceled as soon as a cancel command is accepted for this task.
func (t *Task) Context() context.Context { return t.ctx }

// Cancelled returns a channel closed when a cancel command arrives.
func (t *Task) Cancelled() <-chan struct{} { return t.cancelReq }

func (t *Task) setState(s State) {
	t.mu.Lock()
	t.state = s
	t.mu.Unlock()
}

// EmitOutput publishes a raw output line and appends it to the bounded
// 1,000-line ring, dropping the oldest line once full (spec.md §3, §8).
func (t *Task) EmitOutput(line string) {
	t.mu.Lock()
	t.output = append(t.output, line)
	if len(t.output) > outputRingCap {
		t.output = t.output[len(t.output)-outputRingCap:]
	}
	t.mu.Unlock()
	_ = t.sup.bus.Publish(t.Env.ReplyTopic(protocol.SubOutput), protocol.OutputLine{Line: line})
}

// EmitProgress publishes a structured progress snapshot and records it
// as the task's last-progress snapshot.
func (t *Task) EmitProgress(snapshot any) {
	t.mu.Lock()
	t.lastProgress = snapshot
	t.mu.Unlock()
	_ = t.sup.bus.Publish(t.Env.ReplyTopic(protocol.SubProgress), snapshot)
}

// OutputTail returns a copy of the current output ring.
func (t *Task) OutputTail() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, len(t.output))
	copy(out, t.output)
	return out
}

// Supervisor owns the set of in-flight tasks for one driver (keyed by
// task key: gameId for downloads, instanceId/layerIdent for repo fetches,
// etc.).
type Supervisor struct {
	module string
	bus    *bus.Bus
	locks  *lockdir.Dir
	log    glog.Logger

	mu    sync.Mutex
	tasks map[string]*Task
}

// NewSupervisor builds a Supervisor publishing replies on bus and using
// locks for all lock preconditions.
func NewSupervisor(module string, b *bus.Bus, locks *lockdir.Dir, log glog.Logger) *Supervisor {
	return &Supervisor{module: module, bus: b, locks: locks, log: log, tasks: make(map[string]*Task)}
}

// Dispatch runs the full supervisor pattern of spec.md §4.4 steps 3-12
// for one accepted request: dedup, lock, ack, execute, and terminate.
// Call it from a goroutine; it blocks until the task's terminal message
// has been published.
func (s *Supervisor) Dispatch(ctx context.Context, env protocol.Envelope, key, globalLock string, globalLockTimeout time.Duration, waits []PatternWait, work Work) {
	t, existing := s.getOrCreate(key, func() *Task { return newTask(ctx, s, key, env) })
	if existing != nil {
		_ = s.bus.Publish(env.ReplyTopic(protocol.SubNack), protocol.Nack{
			Reason:           "alreadyRequested",
			AlreadyRequested: true,
			SubscribeTo:      existing.Env.ReplyTo,
		})
		return
	}
	defer close(t.doneCh)

	if err := s.locks.SpinAcquire(ctx, globalLock, globalLockTimeout); err != nil {
		s.remove(key)
		s.publishError(env, "LockTimeout", fmt.Errorf("acquire %s: %w", globalLock, err))
		return
	}
	globalLockHeld := true
	releaseGlobal := func() {
		if globalLockHeld {
			_ = s.locks.Release(globalLock)
			globalLockHeld = false
		}
	}

	t.setState(StatePreparing)
	for _, w := range waits {
		if err := s.locks.WaitClear(ctx, w.Pattern, w.Timeout); err != nil {
			// Per spec.md §4.4 step 6 / §9(b): the driver's own global
			// lock is intentionally retained here for operator triage.
			s.remove(key)
			s.publishError(env, "LockTimeout", fmt.Errorf("waitClear %s: %w", w.Pattern, err))
			return
		}
	}

	if err := s.bus.Publish(env.ReplyTopic(protocol.SubAck), protocol.Ack{SubscribeTo: env.ReplyTo}); err != nil {
		s.log.Warn("dispatch: publish ack failed", "err", err)
	}

	t.setState(StateRunning)
	err := work(t.ctx, t)

	switch {
	case err == nil:
		t.setState(StateCompleted)
		_ = s.bus.Publish(env.ReplyTopic(protocol.SubFinalStatus), protocol.FinalStatus{Reason: protocol.ReasonCompleted})
	case errors.Is(err, ErrCanceled) || errors.Is(err, context.Canceled):
		t.setState(StateCanceled)
		_ = s.bus.Publish(env.ReplyTopic(protocol.SubFinalStatus), protocol.FinalStatus{Reason: protocol.ReasonCanceled})
		close(t.canceledAck)
	default:
		t.mu.Lock()
		t.err = err
		t.mu.Unlock()
		t.setState(StateFailed)
		s.publishError(env, "ExternalToolError", err)
	}

	releaseGlobal()
	s.remove(key)
}

func (s *Supervisor) publishError(env protocol.Envelope, kind string, err error) {
	_ = s.bus.Publish(env.ReplyTopic(protocol.SubError), protocol.ErrorPayload{Kind: kind, Message: err.Error()})
}

// PublishAck lets a handler acknowledge a request that Dispatch never
// ran for (e.g. a synchronous cancel/stop command with no task body of
// its own).
func (s *Supervisor) PublishAck(env protocol.Envelope) error {
	return s.bus.Publish(env.ReplyTopic(protocol.SubAck), protocol.Ack{SubscribeTo: env.ReplyTo})
}

// PublishNack lets a handler reject a request before Dispatch is ever
// called (e.g. a malformed payload or a precondition Dispatch itself
// has no way to check).
func (s *Supervisor) PublishNack(env protocol.Envelope, reason string) error {
	return s.bus.Publish(env.ReplyTopic(protocol.SubNack), protocol.Nack{Reason: reason})
}

// PublishError lets a handler report a terminal error before Dispatch
// is ever called.
func (s *Supervisor) PublishError(env protocol.Envelope, kind string, err error) error {
	return s.bus.Publish(env.ReplyTopic(protocol.SubError), protocol.ErrorPayload{Kind: kind, Message: err.Error()})
}

// Cancel finds the task for key, requests cancellation, and blocks
// (bounded by timeout) until the worker acknowledges.
func (s *Supervisor) Cancel(key string, timeout time.Duration) error {
	t := s.existing(key)
	if t == nil {
		return fmt.Errorf("task: no active task for key %q", key)
	}
	t.cancelOnce.Do(func() {
		close(t.cancelReq)
		t.cancelFn()
	})
	select {
	case <-t.canceledAck:
		return nil
	case <-t.doneCh:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("task: %q did not acknowledge cancel within %s", key, timeout)
	}
}

// ActiveKeys returns the task keys currently in flight.
func (s *Supervisor) ActiveKeys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.tasks))
	for k := range s.tasks {
		keys = append(keys, k)
	}
	return keys
}

func (s *Supervisor) existing(key string) *Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tasks[key]
}

// getOrCreate returns the task already registered under key, if any,
// alongside a nil new task; otherwise it atomically creates one via
// newFn, registers it, and returns it with a nil existing task. The
// check and insert happen under a single lock hold so two concurrent
// same-key calls can never both win the creation race.
func (s *Supervisor) getOrCreate(key string, newFn func() *Task) (created, existing *Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.tasks[key]; ok {
		return nil, t
	}
	t := newFn()
	s.tasks[key] = t
	return t, nil
}

func (s *Supervisor) remove(key string) {
	s.mu.Lock()
	delete(s.tasks, key)
	s.mu.Unlock()
}
