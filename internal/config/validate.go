package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Validation range constants.
const (
	minParallel       = 1
	maxParallel       = 32
	minChunkBytes     = 4 << 10   // 4 KiB
	maxChunkBytes     = 64 << 20  // 64 MiB
	minConnectTimeout = 1 * time.Second
	minRequestTimeout = 5 * time.Second
)

// Validate checks all configuration values and returns all errors found,
// so users can fix every issue in one pass.
func Validate(cfg *Config) error {
	var errs []error

	errs = append(errs, validateGateway(&cfg.GatewayConfig)...)
	errs = append(errs, validateTransfers(&cfg.TransfersConfig)...)
	errs = append(errs, validateLogging(&cfg.LoggingConfig)...)
	errs = append(errs, validateNetwork(&cfg.NetworkConfig)...)

	return errors.Join(errs...)
}

// ValidateResolved checks the final values after env and CLI overrides.
func ValidateResolved(r *Resolved) error {
	var errs []error

	errs = append(errs, validateBaseURL(r.BaseURL)...)
	errs = append(errs, validateTransfers(&r.TransfersConfig)...)
	errs = append(errs, validateNetwork(&r.NetworkConfig)...)

	if r.DownloadDir == "" {
		errs = append(errs, errors.New("download_dir: must not be empty"))
	}

	return errors.Join(errs...)
}

func validateGateway(g *GatewayConfig) []error {
	var errs []error

	errs = append(errs, validateBaseURL(g.BaseURL)...)

	if g.Password != "" && g.PasswordFile != "" {
		errs = append(errs, errors.New("password and password_file are mutually exclusive"))
	}

	if strings.TrimSpace(g.DefaultPod) != g.DefaultPod {
		errs = append(errs, fmt.Errorf("default_pod: must not have surrounding whitespace, got %q", g.DefaultPod))
	}

	return errs
}

// validateBaseURL accepts an empty value; commands that talk to the gateway
// check presence themselves.
func validateBaseURL(raw string) []error {
	if raw == "" {
		return nil
	}

	u, err := url.Parse(raw)
	if err != nil {
		return []error{fmt.Errorf("base_url: %w", err)}
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return []error{fmt.Errorf("base_url: scheme must be http or https, got %q", raw)}
	}

	if u.Host == "" {
		return []error{fmt.Errorf("base_url: missing host in %q", raw)}
	}

	if u.RawQuery != "" || u.Fragment != "" {
		return []error{fmt.Errorf("base_url: must not carry a query or fragment, got %q", raw)}
	}

	return nil
}

func validateTransfers(t *TransfersConfig) []error {
	var errs []error

	if t.ParallelDownloads < minParallel || t.ParallelDownloads > maxParallel {
		errs = append(errs, fmt.Errorf("parallel_downloads: must be between %d and %d, got %d",
			minParallel, maxParallel, t.ParallelDownloads))
	}

	if t.ParallelUploads < minParallel || t.ParallelUploads > maxParallel {
		errs = append(errs, fmt.Errorf("parallel_uploads: must be between %d and %d, got %d",
			minParallel, maxParallel, t.ParallelUploads))
	}

	errs = append(errs, validateChunkSize(t.ChunkSize)...)

	if _, err := ParseRate(t.BandwidthLimit); err != nil {
		errs = append(errs, fmt.Errorf("bandwidth_limit: %w", err))
	}

	return errs
}

func validateChunkSize(s string) []error {
	bytes, err := ParseSize(s)
	if err != nil {
		return []error{fmt.Errorf("chunk_size: %w", err)}
	}

	if bytes < minChunkBytes || bytes > maxChunkBytes {
		return []error{fmt.Errorf("chunk_size: must be between 4KiB and 64MiB, got %s", s)}
	}

	return nil
}

func validateLogging(l *LoggingConfig) []error {
	var errs []error

	errs = append(errs, validateLogLevel(l.LogLevel)...)
	errs = append(errs, validateLogFormat(l.LogFormat)...)

	return errs
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

func validateLogLevel(level string) []error {
	if !validLogLevels[level] {
		return []error{fmt.Errorf("log_level: must be one of debug, info, warn, error; got %q", level)}
	}

	return nil
}

var validLogFormats = map[string]bool{
	"auto": true,
	"text": true,
	"json": true,
}

func validateLogFormat(format string) []error {
	if !validLogFormats[format] {
		return []error{fmt.Errorf("log_format: must be one of auto, text, json; got %q", format)}
	}

	return nil
}

func validateNetwork(n *NetworkConfig) []error {
	var errs []error

	errs = append(errs, validateDurationMin("connect_timeout", n.ConnectTimeout, minConnectTimeout)...)
	errs = append(errs, validateDurationMin("request_timeout", n.RequestTimeout, minRequestTimeout)...)

	return errs
}

func validateDurationMin(field, value string, minimum time.Duration) []error {
	d, err := time.ParseDuration(value)
	if err != nil {
		return []error{fmt.Errorf("%s: invalid duration %q: %w", field, value, err)}
	}

	if d < minimum {
		return []error{fmt.Errorf("%s: must be >= %s, got %s", field, minimum, d)}
	}

	return nil
}
