// Package infra implements the OTA manager's adapters: stores, the HTTP
// update client, the bundle applier and host probes.
package infra

import (
	"os"
	"os/user"
	"path/filepath"
)

// ExecMode represents the execution mode of the manager.
type ExecMode string

const (
	// ExecModeUser keeps state under the invoking user's home.
	ExecModeUser ExecMode = "user"
	// ExecModeSystem keeps state under /var/lib (root).
	ExecModeSystem ExecMode = "system"
)

// Layout holds the on-disk locations the manager uses.
type Layout struct {
	Mode       ExecMode
	DataDir    string // encrypted store and key
	BundleDir  string // staged / current / previous bundles
	LogDir     string
	ConfigFile string
}

// DetectLayout picks the layout from the effective UID.
func DetectLayout() Layout {
	if os.Geteuid() == 0 {
		return SystemLayout()
	}
	return UserLayout(GetRealUserHome())
}

// SystemLayout is used when running as root.
func SystemLayout() Layout {
	return Layout{
		Mode:       ExecModeSystem,
		DataDir:    "/var/lib/otamgr",
		BundleDir:  "/var/lib/otamgr/bundles",
		LogDir:     "/var/log/otamgr",
		ConfigFile: "/etc/otamgr/config.yaml",
	}
}

// UserLayout roots everything under home.
func UserLayout(home string) Layout {
	base := filepath.Join(home, ".otamgr")
	return Layout{
		Mode:       ExecModeUser,
		DataDir:    base,
		BundleDir:  filepath.Join(base, "bundles"),
		LogDir:     filepath.Join(base, "logs"),
		ConfigFile: filepath.Join(base, "config.yaml"),
	}
}

// WithDataDir re-roots a layout under dir, keeping the config file location.
func (l Layout) WithDataDir(dir string) Layout {
	l.DataDir = dir
	l.BundleDir = filepath.Join(dir, "bundles")
	l.LogDir = filepath.Join(dir, "logs")
	return l
}

// String returns a human-readable description of the mode.
func (m ExecMode) String() string {
	switch m {
	case ExecModeSystem:
		return "system (root)"
	case ExecModeUser:
		return "user"
	default:
		return "unknown"
	}
}

// GetRealUserHome returns the invoking user's home, even under sudo.
func GetRealUserHome() string {
	if sudoUser := os.Getenv("SUDO_USER"); sudoUser != "" {
		if u, err := user.Lookup(sudoUser); err == nil {
			return u.HomeDir
		}
	}
	home, _ := os.UserHomeDir()
	return home
}
