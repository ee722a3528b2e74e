// Command downloadManager owns the content-delivery tool and answers
// downloadGame/cancelDownload requests on the bus (spec.md §4.5).
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/honkhost/gameserver-mgr/internal/bus"
	"github.com/honkhost/gameserver-mgr/internal/config"
	"github.com/honkhost/gameserver-mgr/internal/fetchuntar"
	"github.com/honkhost/gameserver-mgr/internal/genv"
	"github.com/honkhost/gameserver-mgr/internal/glog"
	"github.com/honkhost/gameserver-mgr/internal/liveness"
	"github.com/honkhost/gameserver-mgr/internal/lockdir"
	"github.com/honkhost/gameserver-mgr/internal/manifest"
	"github.com/honkhost/gameserver-mgr/internal/protocol"
	"github.com/honkhost/gameserver-mgr/internal/rpcserver"
	"github.com/honkhost/gameserver-mgr/internal/steamcmd"
	"github.com/honkhost/gameserver-mgr/internal/task"
)

const globalLockTimeout = 10 * time.Second

type downloadGameRequest struct {
	GameID        string `json:"gameId"`
	Force         bool   `json:"force,omitempty"`
	Validate      bool   `json:"validate,omitempty"`
	Clean         bool   `json:"clean,omitempty"`
	SteamCMDClean bool   `json:"steamcmdClean,omitempty"`
	Username      string `json:"username,omitempty"`
	Password      string `json:"password,omitempty"`
	RootDirectory string `json:"rootDirectory,omitempty"`
}

type cancelDownloadRequest struct {
	GameID  string `json:"gameId"`
	Cleanup bool   `json:"cleanup,omitempty"`
}

func main() {
	cfg := config.Load(genv.Default)
	config.BindFlags(pflag.CommandLine, &cfg)
	pflag.Parse()
	log := glog.New("downloadManager", cfg.Debug || cfg.DebugSteamCMD)

	b, err := bus.Open(cfg.BusDir())
	if err != nil {
		log.Error("open bus failed", "err", err)
		os.Exit(1)
	}
	defer b.StopWatching()

	locks, err := lockdir.Open(cfg.LockDir(), lockdir.WithLogger(log), lockdir.WithStaleGrace(cfg.LockStaleGrace()))
	if err != nil {
		log.Error("open lock dir failed", "err", err)
		os.Exit(1)
	}

	responder := liveness.NewResponder(b, "downloadManager", log)
	sup := task.NewSupervisor("downloadManager", b, locks, log)
	driver := steamcmd.NewDriver(cfg.SteamCMDDir(), cfg.SteamCMDDownloadURL, fetchuntar.Default, log)

	srv := rpcserver.New("downloadManager", b, log)
	srv.Handle("downloadGame", func(req protocol.Request) {
		handleDownloadGame(cfg, log, sup, driver, req)
	})
	srv.Handle("cancelDownload", func(req protocol.Request) {
		handleCancelDownload(cfg, log, sup, req)
	})
	srv.Handle("listDownloads", func(req protocol.Request) {
		handleListDownloads(b, sup, req)
	})

	responder.SetStatus("ready")
	log.Info("downloadManager ready")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()
	log.Info("downloadManager shutting down")
}

func handleDownloadGame(cfg config.Config, log glog.Logger, sup *task.Supervisor, driver *steamcmd.Driver, req protocol.Request) {
	var payload downloadGameRequest
	if err := json.Unmarshal(req.Payload, &payload); err != nil || payload.GameID == "" {
		publishNack(sup, req, "badRequest")
		return
	}

	if cfg.SteamCMDTwoFactorEnabled {
		// Two-factor accounts can't drive a non-interactive login script;
		// this deployment mode is rejected outright rather than hung
		// waiting on a Steam Guard prompt that will never arrive.
		publishNack(sup, req, "twoFactorUnsupported")
		return
	}

	if payload.RootDirectory != "" {
		cfg.ServerFilesRootDir = payload.RootDirectory
	}

	game, err := manifest.LoadGame(cfg.GameManifestPath(payload.GameID))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			publishErrorDirect(sup, req, "Unsupported", fmt.Errorf("gameId unsupported: %s", payload.GameID))
			return
		}
		publishErrorDirect(sup, req, "ManifestError", err)
		return
	}
	if game.DownloadType != manifest.DownloadTypeSteam {
		publishNack(sup, req, "unsupportedDownloadType")
		return
	}

	username := cfg.SteamCMDLoginUsername
	password := cfg.SteamCMDLoginPassword
	if payload.Username != "" {
		username = payload.Username
		password = payload.Password
	}

	installDir := cfg.BaseDir(payload.GameID)
	dlReq := steamcmd.Request{
		GameID:           payload.GameID,
		AppID:            game.DownloadID,
		Force:            cfg.SteamCMDFilesForce || payload.SteamCMDClean || payload.Force,
		Validate:         cfg.SteamCMDInitialDownloadValidate || payload.Validate,
		ServerFilesForce: cfg.ServerFilesForce || payload.Clean || payload.Force,
		Creds: steamcmd.LoginCredentials{
			Anonymous: cfg.SteamCMDLoginAnon && username == "",
			Username:  username,
			Password:  password,
		},
	}

	lockName := fmt.Sprintf("downloadGame-%s", payload.GameID)
	waits := []task.PatternWait{
		{Pattern: fmt.Sprintf("^baseMount-%s-.*$", payload.GameID), Timeout: 30 * time.Second},
	}
	sup.Dispatch(context.Background(), req.Envelope, payload.GameID, lockName, globalLockTimeout, waits, driver.Download(installDir, dlReq))
}

func handleCancelDownload(cfg config.Config, log glog.Logger, sup *task.Supervisor, req protocol.Request) {
	var payload cancelDownloadRequest
	if err := json.Unmarshal(req.Payload, &payload); err != nil || payload.GameID == "" {
		publishNack(sup, req, "badRequest")
		return
	}
	if err := sup.Cancel(payload.GameID, 2*time.Second); err != nil {
		log.Warn("cancelDownload failed", "gameId", payload.GameID, "err", err)
		_ = sup.PublishError(req.Envelope, "CancelFailed", err)
		return
	}
	if payload.Cleanup {
		if err := os.RemoveAll(cfg.BaseDir(payload.GameID)); err != nil {
			log.Warn("cancelDownload cleanup failed", "gameId", payload.GameID, "err", err)
		}
	}
	_ = sup.PublishAck(req.Envelope)
}

func handleListDownloads(b *bus.Bus, sup *task.Supervisor, req protocol.Request) {
	_ = sup.PublishAck(req.Envelope)
	_ = b.Publish(req.Envelope.ReplyTopic(protocol.SubFinalStatus), protocol.FinalStatus{
		Reason:  protocol.ReasonCompleted,
		Payload: map[string]any{"activeDownloads": sup.ActiveKeys()},
	})
}

func publishNack(sup *task.Supervisor, req protocol.Request, reason string) {
	_ = sup.PublishNack(req.Envelope, reason)
}

func publishErrorDirect(sup *task.Supervisor, req protocol.Request, kind string, err error) {
	_ = sup.PublishError(req.Envelope, kind, err)
}
