package main

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/honkhost/gameserver-mgr/internal/bus"
	"github.com/honkhost/gameserver-mgr/internal/config"
	"github.com/honkhost/gameserver-mgr/internal/glog"
	"github.com/honkhost/gameserver-mgr/internal/lockdir"
	"github.com/honkhost/gameserver-mgr/internal/protocol"
	"github.com/honkhost/gameserver-mgr/internal/task"
)

func newTestHarness(t *testing.T) (config.Config, *bus.Bus, *lockdir.Dir, *task.Supervisor) {
	t.Helper()
	b, err := bus.Open(t.TempDir())
	if err != nil {
		t.Fatalf("bus.Open failed: %v", err)
	}
	t.Cleanup(b.StopWatching)

	locks, err := lockdir.Open(t.TempDir(), lockdir.WithLogger(glog.New("test", false)))
	if err != nil {
		t.Fatalf("lockdir.Open failed: %v", err)
	}

	cfg := config.Config{ServerFilesRootDir: t.TempDir()}
	sup := task.NewSupervisor("gameManager", b, locks, glog.New("test", false))
	return cfg, b, locks, sup
}

func waitNack(t *testing.T, b *bus.Bus, env protocol.Envelope) protocol.Nack {
	t.Helper()
	sub := b.Subscribe(env.ReplyTopic(protocol.SubNack))
	defer sub.Unsubscribe()
	select {
	case msg := <-sub.C():
		var n protocol.Nack
		if err := json.Unmarshal(msg.Payload, &n); err != nil {
			t.Fatalf("unmarshal nack: %v", err)
		}
		return n
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for nack")
	}
	return protocol.Nack{}
}

func TestHandleStartGameRejectsMalformedPayload(t *testing.T) {
	cfg, b, locks, sup := newTestHarness(t)
	env := protocol.NewEnvelope("gsmctl")
	req := protocol.Request{Envelope: env, Payload: json.RawMessage(`{"gameId":"gameA","instanceId":""}`)}

	go handleStartGame(cfg, locks, sup, nil, req)
	n := waitNack(t, b, env)
	if n.Reason != "badRequest" {
		t.Errorf("reason = %q, want badRequest", n.Reason)
	}
}

func TestHandleStartGameRejectsWhenMountsNotHeld(t *testing.T) {
	cfg, b, locks, sup := newTestHarness(t)
	env := protocol.NewEnvelope("gsmctl")
	req := protocol.Request{Envelope: env, Payload: json.RawMessage(`{"gameId":"nonexistent","instanceId":"inst1"}`)}

	go handleStartGame(cfg, locks, sup, nil, req)
	n := waitNack(t, b, env)
	if n.Reason != "notMounted" {
		t.Errorf("reason = %q, want notMounted", n.Reason)
	}
}

func TestHandleStartGameReportsMissingGameManifest(t *testing.T) {
	cfg, b, locks, sup := newTestHarness(t)
	if err := locks.Acquire("baseMount-nonexistent-inst1"); err != nil {
		t.Fatalf("acquire baseMount: %v", err)
	}
	if err := locks.Acquire("configMount-nonexistent-inst1"); err != nil {
		t.Fatalf("acquire configMount: %v", err)
	}

	env := protocol.NewEnvelope("gsmctl")
	sub := b.Subscribe(env.ReplyTopic(protocol.SubError))
	defer sub.Unsubscribe()

	req := protocol.Request{Envelope: env, Payload: json.RawMessage(`{"gameId":"nonexistent","instanceId":"inst1"}`)}
	handleStartGame(cfg, locks, sup, nil, req)

	select {
	case msg := <-sub.C():
		var ep protocol.ErrorPayload
		_ = json.Unmarshal(msg.Payload, &ep)
		if ep.Kind != "ManifestError" {
			t.Errorf("kind = %q, want ManifestError", ep.Kind)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for error")
	}
}

func TestHandleStopGameRejectsMalformedPayload(t *testing.T) {
	_, b, _, sup := newTestHarness(t)
	env := protocol.NewEnvelope("gsmctl")
	req := protocol.Request{Envelope: env, Payload: json.RawMessage(`{"gameId":"","instanceId":"inst1"}`)}

	go handleStopGame(sup, req)
	n := waitNack(t, b, env)
	if n.Reason != "badRequest" {
		t.Errorf("reason = %q, want badRequest", n.Reason)
	}
}

func TestHandleStopGameReportsNoActiveGame(t *testing.T) {
	_, b, _, sup := newTestHarness(t)
	env := protocol.NewEnvelope("gsmctl")
	sub := b.Subscribe(env.ReplyTopic(protocol.SubError))
	defer sub.Unsubscribe()

	req := protocol.Request{Envelope: env, Payload: json.RawMessage(`{"gameId":"gameA","instanceId":"inst1"}`)}
	handleStopGame(sup, req)

	select {
	case msg := <-sub.C():
		var ep protocol.ErrorPayload
		_ = json.Unmarshal(msg.Payload, &ep)
		if ep.Kind != "StopFailed" {
			t.Errorf("kind = %q, want StopFailed", ep.Kind)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for error")
	}
}
