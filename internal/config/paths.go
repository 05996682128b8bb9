package config

import (
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

// Platform identifiers.
const (
	platformLinux  = "linux"
	platformDarwin = "darwin"
)

// Application directory name used across all platforms.
const appName = "emctl"

// File names inside the config and data directories.
const (
	configFileName = "config.toml"
	ledgerFileName = "ledger.db"
	tokensDirName  = "tokens"
	watchDirName   = "watch"
)

// DefaultConfigDir returns the platform-specific directory for config files.
// On Linux, respects XDG_CONFIG_HOME (defaults to ~/.config/emctl).
// On macOS, uses ~/Library/Application Support/emctl.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}

	switch runtime.GOOS {
	case platformLinux:
		return xdgDir("XDG_CONFIG_HOME", home, ".config")
	case platformDarwin:
		return filepath.Join(home, "Library", "Application Support", appName)
	default:
		return filepath.Join(home, ".config", appName)
	}
}

// DefaultDataDir returns the platform-specific directory for tokens and the
// local ledger. On Linux, respects XDG_DATA_HOME (defaults to
// ~/.local/share/emctl). macOS collapses config and data into one directory.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}

	switch runtime.GOOS {
	case platformLinux:
		return xdgDir("XDG_DATA_HOME", home, ".local", "share")
	case platformDarwin:
		return filepath.Join(home, "Library", "Application Support", appName)
	default:
		return filepath.Join(home, ".local", "share", appName)
	}
}

func xdgDir(envVar, home string, fallback ...string) string {
	if xdg := os.Getenv(envVar); xdg != "" {
		return filepath.Join(xdg, appName)
	}

	return filepath.Join(append(append([]string{home}, fallback...), appName)...)
}

// DefaultConfigPath returns the full path to the default config file, used
// when neither EMCTL_CONFIG nor --config is given.
func DefaultConfigPath() string {
	dir := DefaultConfigDir()
	if dir == "" {
		return ""
	}

	return filepath.Join(dir, configFileName)
}

// LedgerPath returns the path of the local run/transfer ledger database.
func LedgerPath() string {
	dir := DefaultDataDir()
	if dir == "" {
		return ""
	}

	return filepath.Join(dir, ledgerFileName)
}

// TokenPath returns the token file for one identity on one gateway:
// <data dir>/tokens/<user>@<host>.json.
func TokenPath(baseURL, username string) string {
	dir := DefaultDataDir()
	if dir == "" {
		return ""
	}

	host := baseURL
	if u, err := url.Parse(baseURL); err == nil && u.Host != "" {
		host = u.Host
	}

	name := sanitizePathElement(username) + "@" + sanitizePathElement(host) + ".json"

	return filepath.Join(dir, tokensDirName, name)
}

// WatchLockPath returns the lock file guarding a watched local directory:
// <data dir>/watch/<hash of the absolute path>.pid.
func WatchLockPath(localDir string) string {
	dir := DefaultDataDir()
	if dir == "" {
		return ""
	}

	abs, err := filepath.Abs(localDir)
	if err != nil {
		abs = localDir
	}

	sum := sha256.Sum256([]byte(abs))

	return filepath.Join(dir, watchDirName, hex.EncodeToString(sum[:8])+".pid")
}

// sanitizePathElement replaces characters that are unsafe in file names.
func sanitizePathElement(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|', 0:
			return '_'
		default:
			return r
		}
	}, s)
}

// expandTilde replaces a leading "~/" with the user's home directory.
func expandTilde(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}

	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}
