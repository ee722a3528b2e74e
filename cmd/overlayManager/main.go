// Command overlayManager owns the overlay filesystem composition and
// answers setupMount/teardownMount requests on the bus (spec.md §4.7).
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/honkhost/gameserver-mgr/internal/bus"
	"github.com/honkhost/gameserver-mgr/internal/config"
	"github.com/honkhost/gameserver-mgr/internal/genv"
	"github.com/honkhost/gameserver-mgr/internal/glog"
	"github.com/honkhost/gameserver-mgr/internal/liveness"
	"github.com/honkhost/gameserver-mgr/internal/lockdir"
	"github.com/honkhost/gameserver-mgr/internal/overlay"
	"github.com/honkhost/gameserver-mgr/internal/protocol"
	"github.com/honkhost/gameserver-mgr/internal/rpcserver"
	"github.com/honkhost/gameserver-mgr/internal/task"
)

const globalLockTimeout = 10 * time.Second

type mountRequest struct {
	GameID     string `json:"gameId"`
	InstanceID string `json:"instanceId"`
}

func main() {
	cfg := config.Load(genv.Default)
	config.BindFlags(pflag.CommandLine, &cfg)
	pflag.Parse()
	log := glog.New("overlayManager", cfg.Debug)

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

	responder := liveness.NewResponder(b, "overlayManager", log)
	sup := task.NewSupervisor("overlayManager", b, locks, log)
	composer := overlay.NewComposer(locks, log)

	srv := rpcserver.New("overlayManager", b, log)
	srv.Handle("setupMount", func(req protocol.Request) {
		handleSetupMount(cfg, sup, composer, req)
	})
	srv.Handle("teardownMount", func(req protocol.Request) {
		handleTeardownMount(sup, composer, req)
	})

	responder.SetStatus("ready")
	log.Info("overlayManager ready")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()
	log.Info("overlayManager shutting down")
}

func handleSetupMount(cfg config.Config, sup *task.Supervisor, composer *overlay.Composer, req protocol.Request) {
	var payload mountRequest
	if err := json.Unmarshal(req.Payload, &payload); err != nil || payload.GameID == "" || payload.InstanceID == "" {
		_ = sup.PublishNack(req.Envelope, "badRequest")
		return
	}
	if composer.IsMounted(payload.GameID, payload.InstanceID) {
		_ = sup.PublishNack(req.Envelope, "alreadyMounted")
		return
	}

	configDirs, err := configLayerDirs(cfg, payload.GameID, payload.InstanceID)
	if err != nil {
		_ = sup.PublishError(req.Envelope, "ConfigLayerError", err)
		return
	}

	spec := overlay.Spec{
		GameID:     payload.GameID,
		InstanceID: payload.InstanceID,
		BaseDir:    cfg.BaseDir(payload.GameID),
		ConfigDirs: configDirs,
		PersistDir: cfg.PersistDir(payload.GameID, payload.InstanceID),
		WorkDir:    cfg.WorkDir(payload.GameID, payload.InstanceID),
		MergedDir:  cfg.MergedDir(payload.GameID, payload.InstanceID),
	}

	key := payload.GameID + "/" + payload.InstanceID
	lockName := fmt.Sprintf("overlaySetup-%s-%s", payload.GameID, payload.InstanceID)
	waits := []task.PatternWait{
		{Pattern: fmt.Sprintf("^downloadGame-%s$", payload.GameID), Timeout: 30 * time.Second},
		{Pattern: fmt.Sprintf("^running-%s-%s$", payload.GameID, payload.InstanceID), Timeout: 30 * time.Second},
	}
	sup.Dispatch(context.Background(), req.Envelope, key, lockName, globalLockTimeout, waits, func(ctx context.Context, t *task.Task) error {
		return composer.Mount(spec)
	})
}

// configLayerDirs lists an instance's config layers in ascending
// directory-name order, the earlier-listed-is-lower rule of spec.md
// §4.7 applied to whatever layer idents downloadGameConfig has synced
// under the instance's layer root. A missing layer root means no
// layers have been synced yet, which is not itself an error: the
// instance may have no config layers at all.
func configLayerDirs(cfg config.Config, gameID, instanceID string) ([]string, error) {
	root := cfg.ConfigLayerRoot(gameID, instanceID)
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("overlayManager: list config layers in %s: %w", root, err)
	}
	var dirs []string
	for _, e := range entries {
		if e.IsDir() {
			dirs = append(dirs, filepath.Join(root, e.Name()))
		}
	}
	sort.Strings(dirs)
	return dirs, nil
}

func handleTeardownMount(sup *task.Supervisor, composer *overlay.Composer, req protocol.Request) {
	var payload mountRequest
	if err := json.Unmarshal(req.Payload, &payload); err != nil || payload.GameID == "" || payload.InstanceID == "" {
		_ = sup.PublishNack(req.Envelope, "badRequest")
		return
	}
	if !composer.IsMounted(payload.GameID, payload.InstanceID) {
		_ = sup.PublishNack(req.Envelope, "notMounted")
		return
	}

	key := payload.GameID + "/" + payload.InstanceID
	lockName := fmt.Sprintf("overlayTeardown-%s-%s", payload.GameID, payload.InstanceID)
	sup.Dispatch(context.Background(), req.Envelope, key, lockName, globalLockTimeout, nil, func(ctx context.Context, t *task.Task) error {
		return composer.Unmount(payload.GameID, payload.InstanceID)
	})
}
