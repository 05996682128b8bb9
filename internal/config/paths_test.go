package config

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDefaultConfigDir_NonEmpty(t *testing.T) {
	dir := DefaultConfigDir()
	assert.NotEmpty(t, dir)
	assert.True(t, strings.Contains(dir, appName))
}

func TestDefaultDataDir_NonEmpty(t *testing.T) {
	dir := DefaultDataDir()
	assert.NotEmpty(t, dir)
	assert.True(t, strings.Contains(dir, appName))
}

func TestDefaultConfigPath_EndsWithConfigToml(t *testing.T) {
	path := DefaultConfigPath()
	assert.NotEmpty(t, path)
	assert.True(t, strings.HasSuffix(path, "config.toml"))
}

func TestDefaultConfigDir_XDGOverride(t *testing.T) {
	if runtime.GOOS != platformLinux {
		t.Skip("Linux-only test")
	}

	t.Setenv("XDG_CONFIG_HOME", "/custom/config")
	assert.Equal(t, filepath.Join("/custom/config", appName), DefaultConfigDir())
}

func TestDefaultDataDir_XDGOverride(t *testing.T) {
	if runtime.GOOS != platformLinux {
		t.Skip("Linux-only test")
	}

	t.Setenv("XDG_DATA_HOME", "/custom/data")
	assert.Equal(t, filepath.Join("/custom/data", appName), DefaultDataDir())
}

func TestDefaultDataDir_LinuxFallback(t *testing.T) {
	if runtime.GOOS != platformLinux {
		t.Skip("Linux-only test")
	}

	t.Setenv("XDG_DATA_HOME", "")
	t.Setenv("HOME", "/home/testuser")
	assert.Equal(t, "/home/testuser/.local/share/emctl", DefaultDataDir())
}

func TestLedgerPath(t *testing.T) {
	assert.True(t, strings.HasSuffix(LedgerPath(), filepath.Join(appName, "ledger.db")))
}

func TestTokenPath(t *testing.T) {
	p := TokenPath("https://em.example:8443/api/", "alice")
	assert.Equal(t, "alice@em.example_8443.json", filepath.Base(p))
	assert.Equal(t, "tokens", filepath.Base(filepath.Dir(p)))

	p = TokenPath("not a url", "a/b")
	assert.Equal(t, "a_b@not a url.json", filepath.Base(p))
}

func TestWatchLockPath(t *testing.T) {
	a := WatchLockPath("/srv/outbox")
	assert.Equal(t, "watch", filepath.Base(filepath.Dir(a)))
	assert.True(t, strings.HasSuffix(a, ".pid"))
	assert.Equal(t, a, WatchLockPath("/srv/outbox/"))
	assert.NotEqual(t, a, WatchLockPath("/srv/inbox"))
}

func TestExpandTilde(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}

	assert.Equal(t, filepath.Join(home, "x"), expandTilde("~/x"))
	assert.Equal(t, home, expandTilde("~"))
	assert.Equal(t, "/abs/path", expandTilde("/abs/path"))
	assert.Equal(t, "~user/x", expandTilde("~user/x"))
}
