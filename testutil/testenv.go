// Package testutil provides shared environment helpers for E2E and live
// integration tests. It depends only on stdlib so that E2E tests (which
// cannot import internal/) can use it.
package testutil

import (
	"bufio"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

// Environment variables describing the live test gateway.
const (
	EnvTestBaseURL  = "EMCTL_TEST_BASE_URL"
	EnvTestUsername = "EMCTL_TEST_USERNAME"
	EnvTestPassword = "EMCTL_TEST_PASSWORD"
	EnvAllowedHosts = "EMCTL_ALLOWED_TEST_GATEWAYS"
)

// LiveGateway is the gateway and account used by live tests.
type LiveGateway struct {
	BaseURL  string
	Username string
	Password string
}

// LoadDotEnv reads KEY=VALUE pairs from a .env file at the given path.
// Missing file is not an error (CI sets env vars directly).
// Existing env vars take precedence over .env values.
func LoadDotEnv(envPath string) {
	f, err := os.Open(envPath)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}

		key = strings.TrimSpace(key)
		value = strings.Trim(strings.TrimSpace(value), "\"'")

		if os.Getenv(key) == "" {
			os.Setenv(key, value)
		}
	}
}

// LiveGatewayFromEnv returns the live gateway settings, or ok=false when
// EMCTL_TEST_BASE_URL is unset so callers can skip.
func LiveGatewayFromEnv() (LiveGateway, bool) {
	g := LiveGateway{
		BaseURL:  os.Getenv(EnvTestBaseURL),
		Username: os.Getenv(EnvTestUsername),
		Password: os.Getenv(EnvTestPassword),
	}

	return g, g.BaseURL != ""
}

// ValidateAllowlist crashes the process unless the gateway host is listed in
// EMCTL_ALLOWED_TEST_GATEWAYS and test credentials are set.
func ValidateAllowlist(g LiveGateway) {
	allowlist := os.Getenv(EnvAllowedHosts)
	if allowlist == "" {
		fmt.Fprintf(os.Stderr, "FATAL: %s not set\n", EnvAllowedHosts)
		fmt.Fprintln(os.Stderr, "Example: EMCTL_ALLOWED_TEST_GATEWAYS=em-staging.example:8443")
		os.Exit(1)
	}

	if g.Username == "" || g.Password == "" {
		fmt.Fprintf(os.Stderr, "FATAL: %s and %s must be set\n", EnvTestUsername, EnvTestPassword)
		os.Exit(1)
	}

	u, err := url.Parse(g.BaseURL)
	if err != nil || u.Host == "" {
		fmt.Fprintf(os.Stderr, "FATAL: %s=%q is not a URL\n", EnvTestBaseURL, g.BaseURL)
		os.Exit(1)
	}

	for _, a := range strings.Split(allowlist, ",") {
		if strings.TrimSpace(a) == u.Host {
			return
		}
	}

	fmt.Fprintf(os.Stderr, "FATAL: gateway host %q is not in %s=%q\n", u.Host, EnvAllowedHosts, allowlist)
	os.Exit(1)
}

// FindModuleRoot walks up from the current directory to find go.mod.
// Returns the fallback if the root is not found.
func FindModuleRoot(fallback string) string {
	dir, err := os.Getwd()
	if err != nil {
		return fallback
	}

	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return fallback
		}

		dir = parent
	}
}
