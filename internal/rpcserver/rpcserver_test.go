package rpcserver

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/honkhost/gameserver-mgr/internal/bus"
	"github.com/honkhost/gameserver-mgr/internal/glog"
	"github.com/honkhost/gameserver-mgr/internal/protocol"
)

func TestHandleDispatchesDecodedRequest(t *testing.T) {
	b, err := bus.Open(t.TempDir())
	if err != nil {
		t.Fatalf("bus.Open failed: %v", err)
	}
	defer b.StopWatching()

	srv := New("downloadManager", b, glog.New("test", false))
	got := make(chan protocol.Request, 1)
	srv.Handle("downloadGame", func(req protocol.Request) { got <- req })

	type payload struct {
		GameID string `json:"gameId"`
	}
	env := protocol.NewEnvelope("gsmctl")
	raw, err := json.Marshal(payload{GameID: "gameA"})
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	if err := b.Publish("downloadManager.downloadGame", protocol.Request{Envelope: env, Payload: raw}); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	select {
	case req := <-got:
		if req.RequestID != env.RequestID {
			t.Errorf("requestId = %q, want %q", req.RequestID, env.RequestID)
		}
		var p payload
		if err := json.Unmarshal(req.Payload, &p); err != nil {
			t.Fatalf("unmarshal payload: %v", err)
		}
		if p.GameID != "gameA" {
			t.Errorf("gameId = %q, want gameA", p.GameID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for handler to run")
	}
}

func TestHandleIgnoresMalformedMessages(t *testing.T) {
	b, err := bus.Open(t.TempDir())
	if err != nil {
		t.Fatalf("bus.Open failed: %v", err)
	}
	defer b.StopWatching()

	srv := New("downloadManager", b, glog.New("test", false))
	got := make(chan protocol.Request, 1)
	srv.Handle("downloadGame", func(req protocol.Request) { got <- req })

	if err := b.Publish("downloadManager.downloadGame", []int{1, 2, 3}); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	select {
	case req := <-got:
		t.Fatalf("unexpected handler invocation for malformed message: %+v", req)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestHandleOnlyDispatchesItsOwnOperation(t *testing.T) {
	b, err := bus.Open(t.TempDir())
	if err != nil {
		t.Fatalf("bus.Open failed: %v", err)
	}
	defer b.StopWatching()

	srv := New("downloadManager", b, glog.New("test", false))
	got := make(chan protocol.Request, 1)
	srv.Handle("downloadGame", func(req protocol.Request) { got <- req })

	env := protocol.NewEnvelope("gsmctl")
	if err := b.Publish("downloadManager.cancelDownload", protocol.Request{Envelope: env}); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	select {
	case req := <-got:
		t.Fatalf("unexpected dispatch for a different operation: %+v", req)
	case <-time.After(300 * time.Millisecond):
	}
}
