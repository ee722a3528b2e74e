// Command gameManager supervises the game server child process itself
// and answers startGame/stopGame requests on the bus (spec.md §4.8).
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
	"github.com/honkhost/gameserver-mgr/internal/gamesrv"
	"github.com/honkhost/gameserver-mgr/internal/genv"
	"github.com/honkhost/gameserver-mgr/internal/glog"
	"github.com/honkhost/gameserver-mgr/internal/liveness"
	"github.com/honkhost/gameserver-mgr/internal/lockdir"
	"github.com/honkhost/gameserver-mgr/internal/manifest"
	"github.com/honkhost/gameserver-mgr/internal/protocol"
	"github.com/honkhost/gameserver-mgr/internal/rpcserver"
	"github.com/honkhost/gameserver-mgr/internal/task"
)

const globalLockTimeout = 10 * time.Second

type startGameRequest struct {
	GameID     string `json:"gameId"`
	InstanceID string `json:"instanceId"`
}

type stopGameRequest struct {
	GameID     string `json:"gameId"`
	InstanceID string `json:"instanceId"`
}

func main() {
	cfg := config.Load(genv.Default)
	config.BindFlags(pflag.CommandLine, &cfg)
	pflag.Parse()
	log := glog.New("gameManager", cfg.Debug)

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

	responder := liveness.NewResponder(b, "gameManager", log)
	sup := task.NewSupervisor("gameManager", b, locks, log)
	driver := gamesrv.NewDriver(log)

	srv := rpcserver.New("gameManager", b, log)
	srv.Handle("startGame", func(req protocol.Request) {
		handleStartGame(cfg, locks, sup, driver, req)
	})
	srv.Handle("stopGame", func(req protocol.Request) {
		handleStopGame(sup, req)
	})

	responder.SetStatus("ready")
	log.Info("gameManager ready")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()
	log.Info("gameManager shutting down")
}

func handleStartGame(cfg config.Config, locks *lockdir.Dir, sup *task.Supervisor, driver *gamesrv.Driver, req protocol.Request) {
	var payload startGameRequest
	if err := json.Unmarshal(req.Payload, &payload); err != nil || payload.GameID == "" || payload.InstanceID == "" {
		_ = sup.PublishNack(req.Envelope, "badRequest")
		return
	}

	baseHeld, err := locks.IsHeld(fmt.Sprintf("^baseMount-%s-%s$", payload.GameID, payload.InstanceID), true)
	if err != nil {
		_ = sup.PublishError(req.Envelope, "LockCheckError", err)
		return
	}
	configHeld, err := locks.IsHeld(fmt.Sprintf("^configMount-%s-%s$", payload.GameID, payload.InstanceID), true)
	if err != nil {
		_ = sup.PublishError(req.Envelope, "LockCheckError", err)
		return
	}
	if !baseHeld || !configHeld {
		_ = sup.PublishNack(req.Envelope, "notMounted")
		return
	}

	game, err := manifest.LoadGame(cfg.GameManifestPath(payload.GameID))
	if err != nil {
		_ = sup.PublishError(req.Envelope, "ManifestError", err)
		return
	}
	inst, err := manifest.LoadInstance(cfg.InstanceManifestPath(payload.GameID, payload.InstanceID))
	if err != nil {
		_ = sup.PublishError(req.Envelope, "ManifestError", err)
		return
	}

	gameReq := gamesrv.Request{
		GameID:     payload.GameID,
		InstanceID: payload.InstanceID,
		MergedDir:  cfg.MergedDir(payload.GameID, payload.InstanceID),
	}

	key := payload.GameID + "/" + payload.InstanceID
	sup.Dispatch(context.Background(), req.Envelope, key, gamesrv.LockName(payload.GameID, payload.InstanceID), globalLockTimeout, nil, driver.Start(gameReq, game, inst))
}

func handleStopGame(sup *task.Supervisor, req protocol.Request) {
	var payload stopGameRequest
	if err := json.Unmarshal(req.Payload, &payload); err != nil || payload.GameID == "" || payload.InstanceID == "" {
		_ = sup.PublishNack(req.Envelope, "badRequest")
		return
	}
	key := payload.GameID + "/" + payload.InstanceID
	if err := sup.Cancel(key, gamesrv.ShutdownGrace+2*time.Second); err != nil {
		_ = sup.PublishError(req.Envelope, "StopFailed", err)
		return
	}
	_ = sup.PublishAck(req.Envelope)
}
