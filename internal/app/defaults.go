package app

import (
	"path/filepath"

	"github.com/adrg/xdg"
)

// Paths are the locations wt uses before a config file has been read.
type Paths struct {
	ConfigFile string
	BaseDir    string
}

// DefaultPaths resolves Paths from the environment. WT_CONFIG_PATH overrides
// $XDG_CONFIG_HOME/worktrace/config.toml and WT_HOME overrides
// $XDG_DATA_HOME/worktrace.
func DefaultPaths(getenv func(string) string) Paths {
	p := Paths{
		ConfigFile: getenv("WT_CONFIG_PATH"),
		BaseDir:    getenv("WT_HOME"),
	}
	if p.ConfigFile == "" {
		p.ConfigFile = filepath.Join(xdg.ConfigHome, "worktrace", "config.toml")
	}
	if p.BaseDir == "" {
		p.BaseDir = filepath.Join(xdg.DataHome, "worktrace")
	}
	return p
}
