package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/honkhost/gameserver-mgr/internal/liveness"
	"github.com/honkhost/gameserver-mgr/internal/protocol"
)

func newStatusCommand() *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "status <module>",
		Short: "Ping a module and print its reported uptime, status, and resource usage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := openBus(cmd)
			if err != nil {
				return err
			}
			defer b.StopWatching()

			env := protocol.NewEnvelope("gsmctl")
			sub := b.Subscribe(env.ReplyTopic("pong"))
			defer sub.Unsubscribe()

			if err := b.Publish(args[0]+".ping", liveness.Request{ReplyTo: env.ReplyTo}); err != nil {
				return err
			}

			select {
			case msg := <-sub.C():
				var pong liveness.Pong
				if err := json.Unmarshal(msg.Payload, &pong); err != nil {
					return err
				}
				fmt.Printf("%s  pid=%d  status=%s  uptime=%s  cpu=%.1f%%  rss=%s  fds=%d\n",
					pong.ModuleIdent, pong.PID, pong.Status,
					time.Duration(pong.UptimeMS)*time.Millisecond,
					pong.Resource.CPUPercent, humanize.Bytes(pong.Resource.RSSBytes), pong.Resource.NumFDs)
				return nil
			case <-time.After(timeout):
				return fmt.Errorf("%s did not respond within %s", args[0], timeout)
			}
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "how long to wait for a pong")
	return cmd
}
