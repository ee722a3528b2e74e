// Command lifecycleManager sequences download, config sync, overlay
// mount, and game start for one gameId/instanceId (spec.md §4.9).
package main

import (
	"context"
	"os"

	"github.com/spf13/pflag"

	"github.com/honkhost/gameserver-mgr/internal/bus"
	"github.com/honkhost/gameserver-mgr/internal/config"
	"github.com/honkhost/gameserver-mgr/internal/genv"
	"github.com/honkhost/gameserver-mgr/internal/glog"
	"github.com/honkhost/gameserver-mgr/internal/lifecycle"
	"github.com/honkhost/gameserver-mgr/internal/lockdir"
)

func main() {
	cfg := config.Load(genv.Default)
	config.BindFlags(pflag.CommandLine, &cfg)
	pflag.Parse()
	log := glog.New("lifecycleManager", cfg.Debug)

	if cfg.GameID == "" || cfg.InstanceID == "" {
		log.Error("GAME_ID and INSTANCE_ID are required")
		os.Exit(lifecycle.ExitGeneric)
	}
	if err := config.ValidateInstanceID(cfg.InstanceID); err != nil {
		log.Error("invalid INSTANCE_ID", "err", err)
		os.Exit(lifecycle.ExitGeneric)
	}

	b, err := bus.Open(cfg.BusDir())
	if err != nil {
		log.Error("open bus failed", "err", err)
		os.Exit(lifecycle.ExitGeneric)
	}
	defer b.StopWatching()

	locks, err := lockdir.Open(cfg.LockDir(), lockdir.WithLogger(log), lockdir.WithStaleGrace(cfg.LockStaleGrace()))
	if err != nil {
		log.Error("open lock dir failed", "err", err)
		os.Exit(lifecycle.ExitGeneric)
	}

	coord := &lifecycle.Coordinator{
		Bus:        b,
		Locks:      locks,
		Log:        log,
		GameID:     cfg.GameID,
		InstanceID: cfg.InstanceID,
	}
	os.Exit(coord.RunUntilSignal(context.Background()))
}
