// Package manifest loads the game manifest and instance config files of
// spec.md §3 and §6. Their exact file format is an out-of-scope external
// contract; this package only needs the fields spec.md names.
package manifest

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Game is the immutable, per-gameId manifest of spec.md §3.
type Game struct {
	Name         string `yaml:"name"`
	DisplayName  string `yaml:"displayName"`
	DownloadType string `yaml:"downloadType"`
	DownloadID   string `yaml:"downloadId"`
	BinDir       string `yaml:"binDir"`
	BinName      string `yaml:"binName"`
}

// DownloadTypeSteam is the downloadType value a Game may declare for
// steamcmd-style content delivery; spec.md §4.5 names it as the
// only one initially supported.
const DownloadTypeSteam = "steam"

// Instance is the per-server configuration of spec.md §3 and §6.
type Instance struct {
	Name        string `yaml:"name"`
	UUID        string `yaml:"uuid"`
	DisplayName string `yaml:"displayName"`
	Port        int    `yaml:"port"`
	MaxPlayers  int    `yaml:"maxplayers"`
	RCON        string `yaml:"rcon"`

	StartupMap string `yaml:"startupMap"`

	AdminPassword string            `yaml:"adminPassword"`
	AuthTokens    map[string]string `yaml:"authTokens,omitempty"`

	BinDirOverride  string `yaml:"binDirOverride,omitempty"`
	BinNameOverride string `yaml:"binNameOverride,omitempty"`
	CmdlineOverride string `yaml:"cmdlineOverride,omitempty"`
}

// LoadGame parses a game manifest file.
func LoadGame(path string) (Game, error) {
	var g Game
	data, err := os.ReadFile(path)
	if err != nil {
		return g, fmt.Errorf("manifest: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &g); err != nil {
		return g, fmt.Errorf("manifest: parse %s: %w", path, err)
	}
	return g, nil
}

// LoadInstance parses an instance config file.
func LoadInstance(path string) (Instance, error) {
	var inst Instance
	data, err := os.ReadFile(path)
	if err != nil {
		return inst, fmt.Errorf("manifest: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &inst); err != nil {
		return inst, fmt.Errorf("manifest: parse %s: %w", path, err)
	}
	return inst, nil
}

// BinDir resolves the effective bin directory: instance override wins.
func (i Instance) BinDir(g Game) string {
	if i.BinDirOverride != "" {
		return i.BinDirOverride
	}
	return g.BinDir
}

// BinName resolves the effective binary name: instance override wins.
func (i Instance) BinName(g Game) string {
	if i.BinNameOverride != "" {
		return i.BinNameOverride
	}
	return g.BinName
}
