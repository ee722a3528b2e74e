// Package lifecycle is the coordinator of spec.md §4.9: it sequences
// download, config sync, overlay mount, and game start across the
// independent manager processes, talking to each one only through the
// bus and the lock directory, per this system's shared-nothing design.
package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/honkhost/gameserver-mgr/internal/bus"
	"github.com/honkhost/gameserver-mgr/internal/glog"
	"github.com/honkhost/gameserver-mgr/internal/liveness"
	"github.com/honkhost/gameserver-mgr/internal/lockdir"
	"github.com/honkhost/gameserver-mgr/internal/protocol"
)

// Reserved process exit codes, SPEC_FULL.md §6.
const (
	ExitOK             = 0
	ExitGeneric        = 1
	ExitTimeout        = 2
	ExitDownloadFailed = 3
	ExitConfigFailed   = 4
	ExitOverlayFailed  = 5
	ExitAlreadyMounted = 6
)

// errAlreadyMounted signals the overlay step nacked with reason
// "alreadyMounted" rather than failing outright.
var errAlreadyMounted = errors.New("lifecycle: already mounted")

const (
	waitDownloadManager = 60 * time.Second
	waitConfigManager   = 30 * time.Second
	downloadTimeout     = 20 * time.Minute
	configSyncTimeout   = 5 * time.Minute
	overlayTimeout      = 30 * time.Second
)

// Coordinator drives one gameId/instanceId through the full lifecycle.
type Coordinator struct {
	Bus        *bus.Bus
	Locks      *lockdir.Dir
	Log        glog.Logger
	GameID     string
	InstanceID string
}

func (c *Coordinator) lockName() string {
	return fmt.Sprintf("lifecycleManager-%s-%s", c.GameID, c.InstanceID)
}

// Run executes the full sequence and returns the process exit code it
// implies. Canceling ctx (wired to SIGINT/SIGTERM by RunUntilSignal)
// makes Run stop waiting and return; no cancel request is sent to the
// sub-request outstanding at that moment.
func (c *Coordinator) Run(ctx context.Context) int {
	if err := c.Locks.Acquire(c.lockName()); err != nil {
		c.Log.Error("lifecycle: acquire lifecycle lock failed", "err", err)
		return ExitGeneric
	}
	defer c.Locks.Release(c.lockName())

	if err := liveness.WaitForModule(ctx, c.Bus, "downloadManager", waitDownloadManager); err != nil {
		c.Log.Error("lifecycle: downloadManager not ready", "err", err)
		return ExitTimeout
	}
	if err := c.invoke(ctx, "downloadManager", "downloadGame", map[string]any{
		"gameId": c.GameID,
	}, downloadTimeout); err != nil {
		c.Log.Error("lifecycle: downloadGame failed", "err", err)
		return ExitDownloadFailed
	}

	if err := liveness.WaitForModule(ctx, c.Bus, "configManager", waitConfigManager); err != nil {
		c.Log.Error("lifecycle: configManager not ready", "err", err)
		return ExitTimeout
	}
	if err := c.invoke(ctx, "configManager", "downloadGameConfig", map[string]any{
		"gameId":     c.GameID,
		"instanceId": c.InstanceID,
	}, configSyncTimeout); err != nil {
		c.Log.Error("lifecycle: downloadGameConfig failed", "err", err)
		return ExitConfigFailed
	}

	if err := c.invoke(ctx, "overlayManager", "setupMount", map[string]any{
		"gameId":     c.GameID,
		"instanceId": c.InstanceID,
	}, overlayTimeout); err != nil {
		if errors.Is(err, errAlreadyMounted) {
			c.Log.Warn("lifecycle: overlay already mounted", "gameId", c.GameID, "instanceId", c.InstanceID)
			return ExitAlreadyMounted
		}
		c.Log.Error("lifecycle: setupMount failed", "err", err)
		return ExitOverlayFailed
	}

	if err := c.invoke(ctx, "gameManager", "startGame", map[string]any{
		"gameId":     c.GameID,
		"instanceId": c.InstanceID,
	}, 0); err != nil {
		c.Log.Error("lifecycle: startGame failed", "err", err)
		return ExitGeneric
	}
	return ExitOK
}

// RunUntilSignal calls Run with a context canceled on SIGINT/SIGTERM,
// the top-level entry point for the lifecycleManager binary.
func (c *Coordinator) RunUntilSignal(parent context.Context) int {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return c.Run(ctx)
}

// invoke publishes a request envelope to "<target>.<operation>" and
// blocks for ack, then finalStatus (or an immediate nack), honoring a
// per-step timeout. A timeout of 0 means "wait indefinitely for a
// terminal message" (used for startGame, which blocks for the life of
// the server process).
func (c *Coordinator) invoke(ctx context.Context, target, operation string, payload map[string]any, timeout time.Duration) error {
	env := protocol.NewEnvelope("lifecycleManager")
	ack := c.Bus.Subscribe(env.ReplyTopic(protocol.SubAck))
	nack := c.Bus.Subscribe(env.ReplyTopic(protocol.SubNack))
	final := c.Bus.Subscribe(env.ReplyTopic(protocol.SubFinalStatus))
	errTopic := c.Bus.Subscribe(env.ReplyTopic(protocol.SubError))
	defer ack.Unsubscribe()
	defer nack.Unsubscribe()
	defer final.Unsubscribe()
	defer errTopic.Unsubscribe()

	rawPayload, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("lifecycle: marshal payload: %w", err)
	}
	req := protocol.Request{Envelope: env, Payload: rawPayload}

	if err := c.Bus.Publish(target+"."+operation, req); err != nil {
		return fmt.Errorf("lifecycle: publish %s.%s: %w", target, operation, err)
	}

	var cancelCh <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		cancelCh = timer.C
	}

	// Wait for ack or an immediate nack first.
	select {
	case <-ctx.Done():
		return ctx.Err()
	case msg := <-nack.C():
		var n protocol.Nack
		_ = json.Unmarshal(msg.Payload, &n)
		if n.Reason == "alreadyMounted" {
			return errAlreadyMounted
		}
		return fmt.Errorf("lifecycle: %s.%s nacked: %s", target, operation, n.Reason)
	case <-ack.C():
	case <-cancelCh:
		return fmt.Errorf("lifecycle: %s.%s: no ack within %s", target, operation, timeout)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-final.C():
			var fs protocol.FinalStatus
			if err := json.Unmarshal(msg.Payload, &fs); err != nil {
				continue
			}
			switch fs.Reason {
			case protocol.ReasonCompleted:
				return nil
			default:
				return fmt.Errorf("lifecycle: %s.%s terminated: %s %s", target, operation, fs.Reason, fs.Detail)
			}
		case msg := <-errTopic.C():
			var ep protocol.ErrorPayload
			_ = json.Unmarshal(msg.Payload, &ep)
			return fmt.Errorf("lifecycle: %s.%s: %s: %s", target, operation, ep.Kind, ep.Message)
		case <-cancelCh:
			return fmt.Errorf("lifecycle: %s.%s: no finalStatus within %s", target, operation, timeout)
		}
	}
}
