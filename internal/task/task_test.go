package task

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/honkhost/gameserver-mgr/internal/bus"
	"github.com/honkhost/gameserver-mgr/internal/glog"
	"github.com/honkhost/gameserver-mgr/internal/lockdir"
	"github.com/honkhost/gameserver-mgr/internal/protocol"
)

func newTestSupervisor(t *testing.T) (*Supervisor, *bus.Bus) {
	t.Helper()
	b, err := bus.Open(t.TempDir())
	if err != nil {
		t.Fatalf("bus.Open failed: %v", err)
	}
	t.Cleanup(b.StopWatching)
	locks, err := lockdir.Open(t.TempDir())
	if err != nil {
		t.Fatalf("lockdir.Open failed: %v", err)
	}
	return NewSupervisor("testManager", b, locks, glog.New("test", false)), b
}

func waitFinalStatus(t *testing.T, b *bus.Bus, env protocol.Envelope, timeout time.Duration) protocol.FinalStatus {
	t.Helper()
	sub := b.Subscribe(env.ReplyTopic(protocol.SubFinalStatus))
	defer sub.Unsubscribe()
	select {
	case msg := <-sub.C():
		var fs protocol.FinalStatus
		if err := json.Unmarshal(msg.Payload, &fs); err != nil {
			t.Fatalf("unmarshal finalStatus: %v", err)
		}
		return fs
	case <-time.After(timeout):
		t.Fatal("timed out waiting for finalStatus")
		return protocol.FinalStatus{}
	}
}

func TestDispatchCompletes(t *testing.T) {
	sup, b := newTestSupervisor(t)
	env := protocol.NewEnvelope("testManager")

	ackSub := b.Subscribe(env.ReplyTopic(protocol.SubAck))
	defer ackSub.Unsubscribe()
	finalSub := b.Subscribe(env.ReplyTopic(protocol.SubFinalStatus))
	defer finalSub.Unsubscribe()

	done := make(chan struct{})
	go func() {
		sup.Dispatch(context.Background(), env, "gameA", "download-gameA", time.Second, nil, func(ctx context.Context, tk *Task) error {
			tk.EmitOutput("hello")
			return nil
		})
		close(done)
	}()

	select {
	case <-ackSub.C():
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for ack")
	}

	select {
	case msg := <-finalSub.C():
		var fs protocol.FinalStatus
		if err := json.Unmarshal(msg.Payload, &fs); err != nil {
			t.Fatalf("unmarshal finalStatus: %v", err)
		}
		if fs.Reason != protocol.ReasonCompleted {
			t.Errorf("reason = %q, want %q", fs.Reason, protocol.ReasonCompleted)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for finalStatus")
	}
	<-done
}

func TestDispatchDedupNacksSecondRequest(t *testing.T) {
	sup, b := newTestSupervisor(t)
	env1 := protocol.NewEnvelope("testManager")
	env2 := protocol.NewEnvelope("testManager")

	started := make(chan struct{})
	release := make(chan struct{})
	go sup.Dispatch(context.Background(), env1, "gameA", "download-gameA", time.Second, nil, func(ctx context.Context, tk *Task) error {
		close(started)
		<-release
		return nil
	})
	<-started

	nackSub := b.Subscribe(env2.ReplyTopic(protocol.SubNack))
	defer nackSub.Unsubscribe()
	sup.Dispatch(context.Background(), env2, "gameA", "download-gameA", time.Second, nil, func(ctx context.Context, tk *Task) error {
		t.Fatal("work should never run for a deduped request")
		return nil
	})

	select {
	case msg := <-nackSub.C():
		var n protocol.Nack
		if err := json.Unmarshal(msg.Payload, &n); err != nil {
			t.Fatalf("unmarshal nack: %v", err)
		}
		if !n.AlreadyRequested {
			t.Error("expected alreadyRequested to be true")
		}
		if n.SubscribeTo != env1.ReplyTo {
			t.Errorf("subscribeTo = %q, want %q", n.SubscribeTo, env1.ReplyTo)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for nack")
	}
	close(release)
}

func TestDispatchFailurePublishesError(t *testing.T) {
	sup, b := newTestSupervisor(t)
	env := protocol.NewEnvelope("testManager")
	errSub := b.Subscribe(env.ReplyTopic(protocol.SubError))
	defer errSub.Unsubscribe()

	boom := errors.New("boom")
	go sup.Dispatch(context.Background(), env, "gameA", "download-gameA", time.Second, nil, func(ctx context.Context, tk *Task) error {
		return boom
	})

	select {
	case msg := <-errSub.C():
		var ep protocol.ErrorPayload
		if err := json.Unmarshal(msg.Payload, &ep); err != nil {
			t.Fatalf("unmarshal error payload: %v", err)
		}
		if ep.Kind != "ExternalToolError" {
			t.Errorf("kind = %q, want ExternalToolError", ep.Kind)
		}
		if ep.Message != boom.Error() {
			t.Errorf("message = %q, want %q", ep.Message, boom.Error())
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for error")
	}
}

func TestDispatchLockTimeoutNeverRunsWork(t *testing.T) {
	sup, b := newTestSupervisor(t)
	if err := sup.locks.Acquire("download-gameA"); err != nil {
		t.Fatalf("seed lock: %v", err)
	}

	env := protocol.NewEnvelope("testManager")
	errSub := b.Subscribe(env.ReplyTopic(protocol.SubError))
	defer errSub.Unsubscribe()

	ran := false
	sup.Dispatch(context.Background(), env, "gameA", "download-gameA", 200*time.Millisecond, nil, func(ctx context.Context, tk *Task) error {
		ran = true
		return nil
	})
	if ran {
		t.Error("expected work not to run when the global lock can't be acquired")
	}

	select {
	case msg := <-errSub.C():
		var ep protocol.ErrorPayload
		if err := json.Unmarshal(msg.Payload, &ep); err != nil {
			t.Fatalf("unmarshal error payload: %v", err)
		}
		if ep.Kind != "LockTimeout" {
			t.Errorf("kind = %q, want LockTimeout", ep.Kind)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for LockTimeout error")
	}
}

func TestCancelUnblocksWork(t *testing.T) {
	sup, b := newTestSupervisor(t)
	env := protocol.NewEnvelope("testManager")
	finalSub := b.Subscribe(env.ReplyTopic(protocol.SubFinalStatus))
	defer finalSub.Unsubscribe()

	started := make(chan struct{})
	go sup.Dispatch(context.Background(), env, "gameA", "download-gameA", time.Second, nil, func(ctx context.Context, tk *Task) error {
		close(started)
		<-tk.Cancelled()
		return ErrCanceled
	})
	<-started

	if err := sup.Cancel("gameA", 2*time.Second); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}

	select {
	case msg := <-finalSub.C():
		var fs protocol.FinalStatus
		if err := json.Unmarshal(msg.Payload, &fs); err != nil {
			t.Fatalf("unmarshal finalStatus: %v", err)
		}
		if fs.Reason != protocol.ReasonCanceled {
			t.Errorf("reason = %q, want %q", fs.Reason, protocol.ReasonCanceled)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for canceled finalStatus")
	}
}

func TestActiveKeysTracksInFlightTasks(t *testing.T) {
	sup, _ := newTestSupervisor(t)
	env := protocol.NewEnvelope("testManager")

	started := make(chan struct{})
	release := make(chan struct{})
	go sup.Dispatch(context.Background(), env, "gameA", "download-gameA", time.Second, nil, func(ctx context.Context, tk *Task) error {
		close(started)
		<-release
		return nil
	})
	<-started

	keys := sup.ActiveKeys()
	if len(keys) != 1 || keys[0] != "gameA" {
		t.Errorf("ActiveKeys = %v, want [gameA]", keys)
	}
	close(release)
}
