// Command gsmctl is the operator-facing CLI front end of spec.md §6: it
// publishes requests on the same bus the managers listen on and prints
// their streamed replies.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "gsmctl",
		Short: "Operate the game server lifecycle managers",
	}
	cmd.PersistentFlags().String("tmpdir", "", "override MANAGER_TMPDIR for this invocation")
	cmd.AddCommand(
		newSendCommand(),
		newDownloadGameCommand(),
		newCancelDownloadCommand(),
		newDownloadGameConfigCommand(),
		newListDownloadsCommand(),
		newStatusCommand(),
		newTailCommand(),
	)
	return cmd
}
