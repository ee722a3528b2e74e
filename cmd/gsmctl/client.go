package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/honkhost/gameserver-mgr/internal/bus"
	"github.com/honkhost/gameserver-mgr/internal/config"
	"github.com/honkhost/gameserver-mgr/internal/genv"
	"github.com/honkhost/gameserver-mgr/internal/protocol"
	"github.com/honkhost/gameserver-mgr/internal/steamcmd"
)

func loadConfig(cmd *cobra.Command) config.Config {
	if v, _ := cmd.Flags().GetString("tmpdir"); v != "" {
		os.Setenv("MANAGER_TMPDIR", v)
	}
	return config.Load(genv.Default)
}

func openBus(cmd *cobra.Command) (*bus.Bus, error) {
	cfg := loadConfig(cmd)
	return bus.Open(cfg.BusDir())
}

// invokeAndStream publishes payload to "<target>.<operation>", prints
// every output/progress line it receives, and returns once a terminal
// finalStatus or error arrives (or timeout elapses).
func invokeAndStream(b *bus.Bus, target, operation string, payload any, timeout time.Duration) error {
	env := protocol.NewEnvelope("gsmctl")
	ack := b.Subscribe(env.ReplyTopic(protocol.SubAck))
	nack := b.Subscribe(env.ReplyTopic(protocol.SubNack))
	output := b.Subscribe(env.ReplyTopic(protocol.SubOutput))
	progress := b.Subscribe(env.ReplyTopic(protocol.SubProgress))
	final := b.Subscribe(env.ReplyTopic(protocol.SubFinalStatus))
	errTopic := b.Subscribe(env.ReplyTopic(protocol.SubError))
	defer ack.Unsubscribe()
	defer nack.Unsubscribe()
	defer output.Unsubscribe()
	defer progress.Unsubscribe()
	defer final.Unsubscribe()
	defer errTopic.Unsubscribe()

	rawPayload, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	if err := b.Publish(target+"."+operation, protocol.Request{Envelope: env, Payload: rawPayload}); err != nil {
		return fmt.Errorf("publish %s.%s: %w", target, operation, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	select {
	case <-ctx.Done():
		return fmt.Errorf("no ack from %s within %s", target, timeout)
	case msg := <-nack.C():
		var n protocol.Nack
		_ = json.Unmarshal(msg.Payload, &n)
		if n.AlreadyRequested {
			fmt.Printf("already in progress, subscribed to %s\n", n.SubscribeTo)
			return nil
		}
		return fmt.Errorf("%s.%s rejected: %s", target, operation, n.Reason)
	case <-ack.C():
		fmt.Printf("accepted, streaming %s\n", env.ReplyTo)
	}

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("timed out waiting for %s.%s to finish", target, operation)
		case msg := <-output.C():
			var line protocol.OutputLine
			if json.Unmarshal(msg.Payload, &line) == nil {
				fmt.Println(line.Line)
			}
		case msg := <-progress.C():
			var prog steamcmd.Progress
			if json.Unmarshal(msg.Payload, &prog) == nil && prog.BytesTotal > 0 {
				fmt.Printf("progress: %.1f%% (%s / %s)\n", prog.Percent,
					humanize.Bytes(uint64(prog.BytesReceived)), humanize.Bytes(uint64(prog.BytesTotal)))
			} else {
				fmt.Printf("progress: %s\n", string(msg.Payload))
			}
		case msg := <-errTopic.C():
			var ep protocol.ErrorPayload
			_ = json.Unmarshal(msg.Payload, &ep)
			return fmt.Errorf("%s: %s", ep.Kind, ep.Message)
		case msg := <-final.C():
			var fs protocol.FinalStatus
			if err := json.Unmarshal(msg.Payload, &fs); err != nil {
				continue
			}
			if fs.Reason != protocol.ReasonCompleted {
				return fmt.Errorf("%s.%s ended: %s %s", target, operation, fs.Reason, fs.Detail)
			}
			if len(fs.Payload) > 0 {
				if encoded, err := json.MarshalIndent(fs.Payload, "", "  "); err == nil {
					fmt.Println(string(encoded))
				}
			}
			fmt.Printf("%s.%s completed\n", target, operation)
			return nil
		}
	}
}
