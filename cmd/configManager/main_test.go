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

func newTestHarness(t *testing.T) (config.Config, *bus.Bus, *task.Supervisor) {
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
	sup := task.NewSupervisor("configManager", b, locks, glog.New("test", false))
	return cfg, b, sup
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

func TestHandleDownloadGameConfigRejectsMalformedPayload(t *testing.T) {
	cfg, b, sup := newTestHarness(t)
	env := protocol.NewEnvelope("gsmctl")
	req := protocol.Request{Envelope: env, Payload: json.RawMessage(`{"gameId":"gameA","instanceId":""}`)}

	go handleDownloadGameConfig(cfg, sup, nil, req)
	n := waitNack(t, b, env)
	if n.Reason != "badRequest" {
		t.Errorf("reason = %q, want badRequest", n.Reason)
	}
}

func TestHandleDownloadGameConfigRejectsWhenNoRepoConfigured(t *testing.T) {
	cfg, b, sup := newTestHarness(t)
	env := protocol.NewEnvelope("gsmctl")
	req := protocol.Request{Envelope: env, Payload: json.RawMessage(`{"gameId":"gameA","instanceId":"inst1","layerIdent":"base"}`)}

	go handleDownloadGameConfig(cfg, sup, nil, req)
	n := waitNack(t, b, env)
	if n.Reason != "noConfigRepoConfigured" {
		t.Errorf("reason = %q, want noConfigRepoConfigured", n.Reason)
	}
}

func TestHandleDownloadGameConfigRejectsMissingLayerIdent(t *testing.T) {
	cfg, b, sup := newTestHarness(t)
	env := protocol.NewEnvelope("gsmctl")
	req := protocol.Request{Envelope: env, Payload: json.RawMessage(`{"gameId":"gameA","instanceId":"inst1","repoUrl":"https://example.com/repo.git"}`)}

	go handleDownloadGameConfig(cfg, sup, nil, req)
	n := waitNack(t, b, env)
	if n.Reason != "badRequest" {
		t.Errorf("reason = %q, want badRequest", n.Reason)
	}
}
