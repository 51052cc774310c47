// Package config provides configuration management for vzcli.
package config

import (
	"os"
	"path/filepath"
	"runtime"
)

// Paths holds platform-specific directory paths for vzcli.
type Paths struct {
	// ConfigDir is the directory for configuration files.
	// macOS: ~/Library/Application Support/vzcli
	// Linux: ~/.config/vzcli (or XDG_CONFIG_HOME)
	ConfigDir string

	// ConfigFile is the path to the optional config file.
	ConfigFile string
}

// GetPaths returns platform-aware paths for vzcli.
func GetPaths() (*Paths, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}

	p := &Paths{}
	switch runtime.GOOS {
	case "darwin":
		p.ConfigDir = filepath.Join(home, "Library", "Application Support", "vzcli")
	default:
		if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
			p.ConfigDir = filepath.Join(xdgConfig, "vzcli")
		} else {
			p.ConfigDir = filepath.Join(home, ".config", "vzcli")
		}
	}
	p.ConfigFile = filepath.Join(p.ConfigDir, "config.yaml")

	return p, nil
}
