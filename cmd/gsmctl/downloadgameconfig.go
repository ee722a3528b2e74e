package main

import (
	"time"

	"github.com/spf13/cobra"
)

func newDownloadGameConfigCommand() *cobra.Command {
	var gameID string
	var clean bool
	var rootDirectory string
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "downloadGameConfig <instance-id> <repo-url> <layer-ident>",
		Short: "Request configManager sync one instance-scoped config layer",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := openBus(cmd)
			if err != nil {
				return err
			}
			defer b.StopWatching()
			instanceID, repoURL, layerIdent := args[0], args[1], args[2]
			payload := map[string]any{
				"gameId":     gameID,
				"instanceId": instanceID,
				"repoUrl":    repoURL,
				"layerIdent": layerIdent,
			}
			if clean {
				payload["clean"] = true
			}
			if rootDirectory != "" {
				payload["rootDirectory"] = rootDirectory
			}
			return invokeAndStream(b, "configManager", "downloadGameConfig", payload, timeout)
		},
	}
	cmd.Flags().StringVar(&gameID, "game-id", "", "game id the instance belongs to (required)")
	cmd.Flags().BoolVar(&clean, "clean", false, "remove the existing layer checkout before syncing")
	cmd.Flags().StringVar(&rootDirectory, "root-directory", "", "override the server files root directory for this sync")
	cmd.MarkFlagRequired("game-id")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Minute, "how long to wait for the sync to finish")
	return cmd
}
