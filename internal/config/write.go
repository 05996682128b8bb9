package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// configFilePermissions is the permission mode for config files written by
// emctl. Passwords are never written, but the file may be edited to hold one.
const configFilePermissions = 0o600

// configDirPermissions is the permission mode for config directories.
const configDirPermissions = 0o700

// configTemplate is the config file written on first login. Every other
// setting is present as a commented-out default so users can discover the
// options without reading docs. Later edits are line-based and preserve
// whatever the user changed.
const configTemplate = `# emctl configuration

# ── Gateway ──
# base_url and username are written by 'emctl login'.
# password = ""
# password_file = "~/.config/emctl/password"
# default_pod = ""

# ── Transfers ──
# chunk_size = "1MiB"
# parallel_downloads = 4
# parallel_uploads = 1
# bandwidth_limit = "0"
# download_dir = "downlink"

# ── Logging ──
# log_level = "info"
# log_format = "auto"

# ── Network ──
# connect_timeout = "10s"
# request_timeout = "60s"
# user_agent = ""
`

// SaveLogin records the gateway and username used by a successful login.
// A missing config file is created from the template; an existing one has
// the two keys replaced in place or appended.
func SaveLogin(path, baseURL, username string) error {
	slog.Info("saving login to config",
		"path", path,
		"base_url", baseURL,
		"username", username,
	)

	data, err := os.ReadFile(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("reading config file: %w", err)
	}

	content := string(data)
	if errors.Is(err, os.ErrNotExist) {
		content = configTemplate
	}

	lines := strings.Split(strings.TrimRight(content, "\n"), "\n")
	lines = setTopLevelKey(lines, "base_url", fmt.Sprintf("base_url = %q", baseURL))
	lines = setTopLevelKey(lines, "username", fmt.Sprintf("username = %q", username))

	return atomicWriteFile(path, []byte(strings.Join(lines, "\n")+"\n"))
}

// setTopLevelKey replaces the first uncommented assignment of key, or
// appends newLine when the key is not set.
func setTopLevelKey(lines []string, key, newLine string) []string {
	keyPrefix := key + " "
	keyPrefixEq := key + "="

	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, keyPrefix) || strings.HasPrefix(trimmed, keyPrefixEq) {
			lines[i] = newLine

			return lines
		}
	}

	return append(lines, newLine)
}

// atomicWriteFile writes data to a temporary file in the same directory as
// path, then renames it to the target path, so a crash never leaves a
// partial config file. Parent directories are created as needed.
func atomicWriteFile(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, configDirPermissions); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	f, err := os.CreateTemp(dir, ".config-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}

	tempPath := f.Name()

	succeeded := false
	defer func() {
		if !succeeded {
			os.Remove(tempPath)
		}
	}()

	if _, err := f.Write(data); err != nil {
		f.Close()

		return fmt.Errorf("writing temp file: %w", err)
	}

	if err := f.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}

	if err := os.Chmod(tempPath, configFilePermissions); err != nil {
		return fmt.Errorf("setting file permissions: %w", err)
	}

	if err := os.Rename(tempPath, path); err != nil {
		return fmt.Errorf("renaming temp file: %w", err)
	}

	succeeded = true

	return nil
}
