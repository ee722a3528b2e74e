// Package config loads the environment described in spec.md §6 into a
// typed Config, once, at process start.
package config

import (
	"fmt"
	"path/filepath"
	"regexp"
	"time"

	"github.com/spf13/pflag"

	"github.com/honkhost/gameserver-mgr/internal/genv"
)

var instanceIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// Config is the full set of environment-derived settings any manager or
// the CLI may need.
type Config struct {
	Debug         bool
	DebugIPC      bool
	DebugSteamCMD bool
	DebugLock     bool

	ManagerTmpDir string

	LockStaleGraceSeconds int

	GameID     string
	InstanceID string

	ServerFilesRootDir string

	SteamCMDFilesForce     bool
	ServerFilesForce       bool
	ServerConfigFilesForce bool

	SteamCMDLoginAnon       bool
	SteamCMDLoginUsername   string
	SteamCMDLoginPassword   string
	SteamCMDTwoFactorEnabled bool

	SteamCMDInitialDownloadValidate bool

	ServerConfigRepo    string
	ServerConfigSSHKey  string

	SteamCMDDownloadURL string
}

// Load reads the process environment into a Config using the given
// BoolParser (genv.Default if nil).
func Load(p genv.BoolParser) Config {
	tmp := genv.String("MANAGER_TMPDIR", "/tmp/gsm")
	root := genv.String("SERVER_FILES_ROOT_DIR", "/opt/gsm")
	return Config{
		Debug:         genv.Bool("DEBUG", false, p),
		DebugIPC:      genv.Bool("DEBUG_IPC", false, p),
		DebugSteamCMD: genv.Bool("DEBUG_STEAMCMD", false, p),
		DebugLock:     genv.Bool("DEBUG_LOCK", false, p),

		ManagerTmpDir: tmp,

		LockStaleGraceSeconds: genv.Int("LOCK_STALE_GRACE_SECONDS", 0),

		GameID:     genv.String("GAME_ID", ""),
		InstanceID: genv.String("INSTANCE_ID", ""),

		ServerFilesRootDir: root,

		SteamCMDFilesForce:     genv.Bool("STEAMCMD_FILES_FORCE", false, p),
		ServerFilesForce:       genv.Bool("SERVER_FILES_FORCE", false, p),
		ServerConfigFilesForce: genv.Bool("SERVER_CONFIG_FILES_FORCE", false, p),

		SteamCMDLoginAnon:        genv.Bool("STEAMCMD_LOGIN_ANON", true, p),
		SteamCMDLoginUsername:    genv.String("STEAMCMD_LOGIN_USERNAME", ""),
		SteamCMDLoginPassword:    genv.String("STEAMCMD_LOGIN_PASSWORD", ""),
		SteamCMDTwoFactorEnabled: genv.Bool("STEAMCMD_TWOFACTOR_ENABLED", false, p),

		SteamCMDInitialDownloadValidate: genv.Bool("STEAMCMD_INITIAL_DOWNLOAD_VALIDATE", false, p),

		ServerConfigRepo:   genv.String("SERVER_CONFIG_REPO", ""),
		ServerConfigSSHKey: genv.String("SERVER_CONFIG_SSH_KEY", ""),

		SteamCMDDownloadURL: genv.String("STEAMCMD_DOWNLOAD_URL", ""),
	}
}

// BindFlags registers the subset of Config a manager binary may override
// for local testing without touching its environment; the caller parses
// fs afterwards. The environment remains authoritative in production:
// a flag left at its default never overwrites the value Load already
// read from its env var.
func BindFlags(fs *pflag.FlagSet, c *Config) {
	fs.BoolVar(&c.Debug, "debug", c.Debug, "enable debug logging (overrides DEBUG)")
	fs.StringVar(&c.ServerFilesRootDir, "root-directory", c.ServerFilesRootDir, "server files root directory (overrides SERVER_FILES_ROOT_DIR)")
	fs.StringVar(&c.GameID, "game-id", c.GameID, "game id (overrides GAME_ID)")
	fs.StringVar(&c.InstanceID, "instance-id", c.InstanceID, "instance id (overrides INSTANCE_ID)")
}

// LockDir is <MANAGER_TMPDIR>/lock.
func (c Config) LockDir() string { return filepath.Join(c.ManagerTmpDir, "lock") }

// LockStaleGrace is LockStaleGraceSeconds as a time.Duration, the grace
// period lockdir.WithStaleGrace is opened with (LOCK_STALE_GRACE_SECONDS,
// SPEC_FULL.md §6).
func (c Config) LockStaleGrace() time.Duration {
	return time.Duration(c.LockStaleGraceSeconds) * time.Second
}

// BusDir is <MANAGER_TMPDIR>/ipc.
func (c Config) BusDir() string { return filepath.Join(c.ManagerTmpDir, "ipc") }

// BaseDir is <SERVER_FILES_ROOT_DIR>/base/<gameId>.
func (c Config) BaseDir(gameID string) string {
	return filepath.Join(c.ServerFilesRootDir, "base", gameID)
}

// ConfigLayerRoot is <SERVER_FILES_ROOT_DIR>/config/<gameId>/<instanceId>,
// the directory whose immediate subdirectories are an instance's ordered
// config layers (spec.md §4.7).
func (c Config) ConfigLayerRoot(gameID, instanceID string) string {
	return filepath.Join(c.ServerFilesRootDir, "config", gameID, instanceID)
}

// ConfigDir is <SERVER_FILES_ROOT_DIR>/config/<gameId>/<instanceId>/<layerIdent>,
// the sync destination for one config layer.
func (c Config) ConfigDir(gameID, instanceID, layerIdent string) string {
	return filepath.Join(c.ConfigLayerRoot(gameID, instanceID), layerIdent)
}

// SteamCMDDir is <SERVER_FILES_ROOT_DIR>/steamcmd.
func (c Config) SteamCMDDir() string {
	return filepath.Join(c.ServerFilesRootDir, "steamcmd")
}

// GameManifestPath is <SERVER_FILES_ROOT_DIR>/manifests/<gameId>.yaml.
func (c Config) GameManifestPath(gameID string) string {
	return filepath.Join(c.ServerFilesRootDir, "manifests", gameID+".yaml")
}

// InstanceManifestPath is
// <SERVER_FILES_ROOT_DIR>/manifests/<gameId>/<instanceId>.yaml.
func (c Config) InstanceManifestPath(gameID, instanceID string) string {
	return filepath.Join(c.ServerFilesRootDir, "manifests", gameID, instanceID+".yaml")
}

// PersistDir is <SERVER_FILES_ROOT_DIR>/persist/<gameId>/<instanceId>.
func (c Config) PersistDir(gameID, instanceID string) string {
	return filepath.Join(c.ServerFilesRootDir, "persist", gameID, instanceID)
}

// MergedDir is <SERVER_FILES_ROOT_DIR>/merged/<gameId>/<instanceId>.
func (c Config) MergedDir(gameID, instanceID string) string {
	return filepath.Join(c.ServerFilesRootDir, "merged", gameID, instanceID)
}

// WorkDir is <SERVER_FILES_ROOT_DIR>/workdir/<gameId>/<instanceId>.
func (c Config) WorkDir(gameID, instanceID string) string {
	return filepath.Join(c.ServerFilesRootDir, "workdir", gameID, instanceID)
}

// ValidateInstanceID checks the instance id grammar from spec.md §6.
func ValidateInstanceID(id string) error {
	if !instanceIDPattern.MatchString(id) {
		return fmt.Errorf("instanceId %q does not match [A-Za-z0-9_-]+", id)
	}
	return nil
}
