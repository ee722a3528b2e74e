// Command configManager owns the server-config repository sync and
// answers downloadGameConfig requests on the bus (spec.md §4.6).
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/honkhost/gameserver-mgr/internal/bus"
	"github.com/honkhost/gameserver-mgr/internal/config"
	"github.com/honkhost/gameserver-mgr/internal/genv"
	"github.com/honkhost/gameserver-mgr/internal/glog"
	"github.com/honkhost/gameserver-mgr/internal/liveness"
	"github.com/honkhost/gameserver-mgr/internal/lockdir"
	"github.com/honkhost/gameserver-mgr/internal/protocol"
	"github.com/honkhost/gameserver-mgr/internal/reposync"
	"github.com/honkhost/gameserver-mgr/internal/rpcserver"
	"github.com/honkhost/gameserver-mgr/internal/task"
)

const globalLockTimeout = 10 * time.Second

type downloadGameConfigRequest struct {
	GameID        string `json:"gameId"`
	InstanceID    string `json:"instanceId"`
	RepoURL       string `json:"repoUrl,omitempty"`
	LayerIdent    string `json:"layerIdent"`
	Clean         bool   `json:"clean,omitempty"`
	RootDirectory string `json:"rootDirectory,omitempty"`
}

func main() {
	cfg := config.Load(genv.Default)
	config.BindFlags(pflag.CommandLine, &cfg)
	pflag.Parse()
	log := glog.New("configManager", cfg.Debug)

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

	responder := liveness.NewResponder(b, "configManager", log)
	sup := task.NewSupervisor("configManager", b, locks, log)
	driver := reposync.NewDriver()

	srv := rpcserver.New("configManager", b, log)
	srv.Handle("downloadGameConfig", func(req protocol.Request) {
		handleDownloadGameConfig(cfg, sup, driver, req)
	})

	responder.SetStatus("ready")
	log.Info("configManager ready")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()
	log.Info("configManager shutting down")
}

func handleDownloadGameConfig(cfg config.Config, sup *task.Supervisor, driver *reposync.Driver, req protocol.Request) {
	var payload downloadGameConfigRequest
	if err := json.Unmarshal(req.Payload, &payload); err != nil || payload.GameID == "" || payload.InstanceID == "" || payload.LayerIdent == "" {
		_ = sup.PublishNack(req.Envelope, "badRequest")
		return
	}

	repoSpec := payload.RepoURL
	if repoSpec == "" {
		repoSpec = cfg.ServerConfigRepo
	}
	if repoSpec == "" {
		_ = sup.PublishNack(req.Envelope, "noConfigRepoConfigured")
		return
	}
	repo, branch := reposync.ParseRepoSpec(repoSpec)

	if payload.RootDirectory != "" {
		cfg.ServerFilesRootDir = payload.RootDirectory
	}

	destDir := cfg.ConfigDir(payload.GameID, payload.InstanceID, payload.LayerIdent)
	syncReq := reposync.Request{
		Repo:   repo,
		Branch: branch,
		SSHKey: cfg.ServerConfigSSHKey,
		Clean:  cfg.ServerConfigFilesForce || payload.Clean,
	}

	key := payload.InstanceID + "/" + payload.LayerIdent
	lockName := fmt.Sprintf("repoDownload-%s-%s", payload.InstanceID, payload.LayerIdent)
	waits := []task.PatternWait{
		{Pattern: fmt.Sprintf("^configMount-%s-%s$", payload.GameID, payload.InstanceID), Timeout: 5 * time.Second},
	}
	sup.Dispatch(context.Background(), req.Envelope, key, lockName, globalLockTimeout, waits, driver.Sync(destDir, syncReq))
}
