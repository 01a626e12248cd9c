// Package account lays out the per-account state directory under
// ~/.voxsync: cache database, socket, lock, logs and .env overrides.
package account

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"github.com/matheus3301/voxsync/internal/config"
)

// DefaultName is the account used when nothing else selects one.
const DefaultName = "main"

var nameRegexp = regexp.MustCompile(`^[a-z0-9_-]{1,64}$`)

// ValidateName rejects names that are unsafe as directory names.
func ValidateName(name string) error {
	if !nameRegexp.MatchString(name) {
		return fmt.Errorf("invalid account name %q: must match %s", name, nameRegexp)
	}
	return nil
}

// Layout resolves paths relative to a base directory.
type Layout struct {
	Base string
}

// DefaultLayout is rooted at ~/.voxsync, or $VOXSYNC_HOME when set.
func DefaultLayout() Layout {
	if dir := os.Getenv("VOXSYNC_HOME"); dir != "" {
		return Layout{Base: dir}
	}
	home, _ := os.UserHomeDir()
	return Layout{Base: filepath.Join(home, ".voxsync")}
}

// ConfigPath is the global config file.
func (l Layout) ConfigPath() string { return filepath.Join(l.Base, "config.toml") }

// Dir is the account's own directory.
func (l Layout) Dir(name string) string { return filepath.Join(l.Base, "accounts", name) }

// SocketPath is the daemon's Unix socket.
func (l Layout) SocketPath(name string) string { return filepath.Join(l.Dir(name), "daemon.sock") }

// CachePath is the SQLite cache database.
func (l Layout) CachePath(name string) string { return filepath.Join(l.Dir(name), "cache.db") }

// EnvPath holds per-account environment overrides.
func (l Layout) EnvPath(name string) string { return filepath.Join(l.Dir(name), ".env") }

// LogDir holds the daemon logs.
func (l Layout) LogDir(name string) string { return filepath.Join(l.Dir(name), "logs") }

// LogPath is the daemon log file.
func (l Layout) LogPath(name string) string { return filepath.Join(l.LogDir(name), "voxsyncd.log") }

// EnsureDir creates the account directory tree, private to the user.
func (l Layout) EnsureDir(name string) error {
	for _, d := range []string{l.Dir(name), l.LogDir(name)} {
		if err := os.MkdirAll(d, 0700); err != nil {
			return err
		}
	}
	return nil
}

// Resolve picks the active account: the flag, then default_account from
// config.toml, then DefaultName.
func (l Layout) Resolve(flagOverride string) string {
	if flagOverride != "" {
		return flagOverride
	}
	cfg, err := config.Load(l.ConfigPath())
	if err == nil && cfg.DefaultAccount != "" {
		return cfg.DefaultAccount
	}
	return DefaultName
}
