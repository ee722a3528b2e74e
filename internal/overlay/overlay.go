// Package overlay composes a read-only base layer, ordered read-only
// config layers, and a writable persistence layer into one merged
// directory via an overlay mount, per spec.md §4.7.
package overlay

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/honkhost/gameserver-mgr/internal/glog"
	"github.com/honkhost/gameserver-mgr/internal/lockdir"
)

// unmountRetryBudget bounds the EBUSY retry-with-backoff loop of
// spec.md §4.7.4.
const unmountRetryBudget = 5

// Spec describes one mount request.
type Spec struct {
	GameID     string
	InstanceID string

	BaseDir    string   // read-only
	ConfigDirs []string // read-only, ordered, later entries win
	PersistDir string   // writable upperdir
	WorkDir    string   // overlay workdir, same filesystem as PersistDir
	MergedDir  string   // mount target
}

func baseLockName(gameID, instanceID string) string {
	return fmt.Sprintf("baseMount-%s-%s", gameID, instanceID)
}

func configLockName(gameID, instanceID string) string {
	return fmt.Sprintf("configMount-%s-%s", gameID, instanceID)
}

// Composer tracks mounted overlays for one process (spec.md §4.7 keeps
// this an in-process map keyed by gameId/instanceId, not a lock-derived
// fact).
type Composer struct {
	locks *lockdir.Dir
	log   glog.Logger

	mu      sync.Mutex
	mounted map[string]Spec
}

// NewComposer builds a Composer whose mount/unmount pairs acquire and
// release locks against locks.
func NewComposer(locks *lockdir.Dir, log glog.Logger) *Composer {
	return &Composer{locks: locks, log: log, mounted: make(map[string]Spec)}
}

func key(gameID, instanceID string) string { return gameID + "/" + instanceID }

// Mount acquires the base and config locks atomically (both-or-neither),
// builds the overlay mount options, and mounts MergedDir.
func (c *Composer) Mount(spec Spec) error {
	baseLock := baseLockName(spec.GameID, spec.InstanceID)
	configLock := configLockName(spec.GameID, spec.InstanceID)

	if err := c.locks.Acquire(baseLock); err != nil {
		return fmt.Errorf("overlay: acquire %s: %w", baseLock, err)
	}
	if err := c.locks.Acquire(configLock); err != nil {
		_ = c.locks.Release(baseLock)
		return fmt.Errorf("overlay: acquire %s: %w", configLock, err)
	}

	if err := c.doMount(spec); err != nil {
		_ = c.locks.Release(configLock)
		_ = c.locks.Release(baseLock)
		return err
	}

	c.mu.Lock()
	c.mounted[key(spec.GameID, spec.InstanceID)] = spec
	c.mu.Unlock()
	return nil
}

func (c *Composer) doMount(spec Spec) error {
	for _, d := range []string{spec.PersistDir, spec.WorkDir, spec.MergedDir} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return fmt.Errorf("overlay: mkdir %s: %w", d, err)
		}
	}

	// overlayfs resolves precedence left-to-right in lowerdir, highest
	// priority first. spec.md orders ConfigDirs ascending priority (later
	// entries win), and BaseDir is the foundation beneath all of them, so
	// the lowerdir list is ConfigDirs reversed, then BaseDir last.
	lowerdirs := make([]string, 0, len(spec.ConfigDirs)+1)
	for i := len(spec.ConfigDirs) - 1; i >= 0; i-- {
		lowerdirs = append(lowerdirs, spec.ConfigDirs[i])
	}
	lowerdirs = append(lowerdirs, spec.BaseDir)
	opts := fmt.Sprintf("lowerdir=%s,upperdir=%s,workdir=%s",
		strings.Join(lowerdirs, ":"), spec.PersistDir, spec.WorkDir)

	if err := unix.Mount("overlay", spec.MergedDir, "overlay", 0, opts); err != nil {
		return fmt.Errorf("overlay: mount %s: %w", spec.MergedDir, err)
	}
	return nil
}

// Unmount reverses Mount: retries with backoff on EBUSY (up to
// unmountRetryBudget attempts), then releases both
// locks regardless of which branch succeeded.
func (c *Composer) Unmount(gameID, instanceID string) error {
	baseLock := baseLockName(gameID, instanceID)
	configLock := configLockName(gameID, instanceID)

	c.mu.Lock()
	spec, ok := c.mounted[key(gameID, instanceID)]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("overlay: no mount recorded for %s/%s", gameID, instanceID)
	}

	err := c.unmountWithRetry(spec.MergedDir)

	_ = c.locks.Release(configLock)
	_ = c.locks.Release(baseLock)

	c.mu.Lock()
	delete(c.mounted, key(gameID, instanceID))
	c.mu.Unlock()

	return err
}

func (c *Composer) unmountWithRetry(target string) error {
	backoff := 100 * time.Millisecond
	var lastErr error
	for i := 0; i < unmountRetryBudget; i++ {
		err := unix.Unmount(target, 0)
		if err == nil {
			return nil
		}
		lastErr = err
		if err != unix.EBUSY {
			return fmt.Errorf("overlay: unmount %s: %w", target, err)
		}
		c.log.Warn("overlay unmount busy, retrying", "target", target, "attempt", i+1)
		time.Sleep(backoff)
		backoff *= 2
	}
	return fmt.Errorf("overlay: unmount %s: still busy after %d attempts: %w", target, unmountRetryBudget, lastErr)
}

// IsMounted reports whether gameID/instanceID currently has a recorded
// mount in this process.
func (c *Composer) IsMounted(gameID, instanceID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.mounted[key(gameID, instanceID)]
	return ok
}
