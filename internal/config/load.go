package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/dphi-space/emctl/internal/volume"
)

// Load reads and parses a TOML config file, validates it, and returns the
// resulting Config. Unknown keys are fatal, with "did you mean?" suggestions.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}

	if err := checkUnknownKeys(&md); err != nil {
		return nil, err
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// LoadOrDefault reads a TOML config file if it exists, otherwise returns
// a Config populated with all default values.
func LoadOrDefault(path string) (*Config, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return DefaultConfig(), nil
	}

	return Load(path)
}

// Resolved is the effective configuration after every override layer, with
// string settings parsed into the values callers use.
type Resolved struct {
	Config

	// Path is the config file consulted (it may not exist).
	Path string
	// Volume is the selected pod volume: --pod, then EMCTL_POD, then default_pod.
	Volume volume.ID

	ChunkSizeBytes int64
	ConnectTimeout time.Duration
	RequestTimeout time.Duration
}

// Resolve loads configuration and applies the override chain:
// defaults -> config file -> environment variables -> CLI flags.
func Resolve(env EnvOverrides, cli CLIOverrides) (*Resolved, error) {
	// 1. Config path: CLI > env > default
	cfgPath := DefaultConfigPath()
	if env.ConfigPath != "" {
		cfgPath = env.ConfigPath
	}

	if cli.ConfigPath != "" {
		cfgPath = cli.ConfigPath
	}

	// 2. Config file (defaults when absent)
	cfg, err := LoadOrDefault(cfgPath)
	if err != nil {
		return nil, err
	}

	// 3. Environment
	applyEnv(cfg, env)

	// 4. CLI flags
	pod := cfg.DefaultPod
	if env.Pod != "" {
		pod = env.Pod
	}

	if cli.Pod != nil {
		pod = *cli.Pod
	}

	if cli.BaseURL != nil {
		cfg.BaseURL = *cli.BaseURL
	}

	// 5. Derived values
	if err := resolvePassword(cfg); err != nil {
		return nil, err
	}

	r := &Resolved{
		Config: *cfg,
		Path:   cfgPath,
		Volume: volume.New(pod),
	}

	r.DownloadDir = expandTilde(r.DownloadDir)

	if err := ValidateResolved(r); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	// Validate already proved these parse.
	r.ChunkSizeBytes, _ = ParseSize(r.ChunkSize)
	r.ConnectTimeout, _ = time.ParseDuration(r.NetworkConfig.ConnectTimeout)
	r.RequestTimeout, _ = time.ParseDuration(r.NetworkConfig.RequestTimeout)

	return r, nil
}

func applyEnv(cfg *Config, env EnvOverrides) {
	if env.BaseURL != "" {
		cfg.BaseURL = env.BaseURL
	}

	if env.Username != "" {
		cfg.Username = env.Username
	}

	if env.Password != "" {
		cfg.Password = env.Password
		cfg.PasswordFile = ""
	}
}

// resolvePassword reads password_file into Password when no password was
// given directly. Trailing newlines are trimmed.
func resolvePassword(cfg *Config) error {
	if cfg.Password != "" || cfg.PasswordFile == "" {
		return nil
	}

	path := expandTilde(cfg.PasswordFile)

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("password_file: %w", err)
	}

	cfg.Password = strings.TrimRight(string(data), "\r\n")

	return nil
}
