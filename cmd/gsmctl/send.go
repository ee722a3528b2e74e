package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func newSendCommand() *cobra.Command {
	var timeout time.Duration
	var payloadRaw string
	cmd := &cobra.Command{
		Use:   "send <module> <operation>",
		Short: "Publish a raw request to a module and stream its reply",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var payload map[string]any
			if payloadRaw != "" {
				if err := json.Unmarshal([]byte(payloadRaw), &payload); err != nil {
					return fmt.Errorf("--payload: %w", err)
				}
			}
			b, err := openBus(cmd)
			if err != nil {
				return err
			}
			defer b.StopWatching()
			return invokeAndStream(b, args[0], args[1], payload, timeout)
		},
	}
	cmd.Flags().StringVar(&payloadRaw, "payload", "", "JSON object to send as the request payload")
	cmd.Flags().DurationVar(&timeout, "timeout", 60*time.Second, "how long to wait for a terminal reply")
	return cmd
}
