package main

import (
	"time"

	"github.com/spf13/cobra"
)

func newDownloadGameCommand() *cobra.Command {
	var gameID string
	var timeout time.Duration
	var force, validate, clean, steamcmdClean bool
	var username, password, rootDirectory string
	cmd := &cobra.Command{
		Use:   "downloadGame",
		Short: "Request downloadManager fetch or update a game's content",
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := openBus(cmd)
			if err != nil {
				return err
			}
			defer b.StopWatching()
			payload := map[string]any{"gameId": gameID}
			if force {
				payload["force"] = true
			}
			if validate {
				payload["validate"] = true
			}
			if clean {
				payload["clean"] = true
			}
			if steamcmdClean {
				payload["steamcmdClean"] = true
			}
			if username != "" {
				payload["username"] = username
				payload["password"] = password
			}
			if rootDirectory != "" {
				payload["rootDirectory"] = rootDirectory
			}
			return invokeAndStream(b, "downloadManager", "downloadGame", payload, timeout)
		},
	}
	cmd.Flags().StringVar(&gameID, "game-id", "", "game id to download (required)")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Minute, "how long to wait for the download to finish")
	cmd.Flags().BoolVar(&force, "force", false, "force both a steamcmd tool reinstall and a server-files clean")
	cmd.Flags().BoolVar(&validate, "validate", false, "validate downloaded files against steamcmd's manifest")
	cmd.Flags().BoolVar(&clean, "clean", false, "remove the existing download directory before fetching")
	cmd.Flags().BoolVar(&steamcmdClean, "steamcmd-clean", false, "remove and reinstall the steamcmd tool before fetching")
	cmd.Flags().StringVar(&username, "username", "", "steam username to log in with (overrides the configured account)")
	cmd.Flags().StringVar(&password, "password", "", "steam password for --username")
	cmd.Flags().StringVar(&rootDirectory, "root-directory", "", "override the server files root directory for this download")
	cmd.MarkFlagRequired("game-id")
	return cmd
}

func newCancelDownloadCommand() *cobra.Command {
	var gameID string
	var cleanup bool
	cmd := &cobra.Command{
		Use:   "cancelDownload",
		Short: "Cancel an in-progress downloadGame request",
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := openBus(cmd)
			if err != nil {
				return err
			}
			defer b.StopWatching()
			payload := map[string]any{"gameId": gameID}
			if cleanup {
				payload["cleanup"] = true
			}
			return invokeAndStream(b, "downloadManager", "cancelDownload", payload, 10*time.Second)
		},
	}
	cmd.Flags().StringVar(&gameID, "game-id", "", "game id whose download to cancel (required)")
	cmd.Flags().BoolVar(&cleanup, "cleanup", false, "remove the incomplete download directory after canceling")
	cmd.MarkFlagRequired("game-id")
	return cmd
}

func newListDownloadsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "listDownloads",
		Short: "List games currently being downloaded",
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := openBus(cmd)
			if err != nil {
				return err
			}
			defer b.StopWatching()
			return invokeAndStream(b, "downloadManager", "listDownloads", map[string]any{}, 10*time.Second)
		},
	}
	return cmd
}
