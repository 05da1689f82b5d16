package app

import (
	"os"
	"path/filepath"
	"runtime"
	"time"
)

// ServerConfig defines how the visitorhub backend should run.
type ServerConfig struct {
	Addr        string
	DBPath      string
	IdleTimeout time.Duration
}

// DefaultDBPath returns a per-user data path for the bundled SQLite file.
func DefaultDBPath() string {
	if env := os.Getenv("VISITORHUB_DB_PATH"); env != "" {
		return env
	}
	if env := os.Getenv("VISITORHUB_DATA_DIR"); env != "" {
		return filepath.Join(env, "visitorhub.db")
	}
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "visitorhub", "visitorhub.db")
	}
	if runtime.GOOS == "windows" {
		if appData := os.Getenv("APPDATA"); appData != "" {
			return filepath.Join(appData, "Visitorhub", "visitorhub.db")
		}
	}
	if home, err := os.UserHomeDir(); err == nil {
		if runtime.GOOS == "darwin" {
			return filepath.Join(home, "Library", "Application Support", "Visitorhub", "visitorhub.db")
		}
		return filepath.Join(home, ".local", "share", "visitorhub", "visitorhub.db")
	}
	return filepath.Join(".", ".visitorhub", "visitorhub.db")
}
