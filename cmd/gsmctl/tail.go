package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func newTailCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tail <topic-pattern>",
		Short: "Stream every bus message matching a topic pattern until interrupted",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := openBus(cmd)
			if err != nil {
				return err
			}
			defer b.StopWatching()

			sub := b.Subscribe(args[0])
			defer sub.Unsubscribe()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

			for {
				select {
				case msg := <-sub.C():
					fmt.Printf("%s %s\n", msg.Topic, string(msg.Payload))
				case <-sigCh:
					return nil
				}
			}
		},
	}
	return cmd
}
