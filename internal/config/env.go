package config

import "os"

// Environment variable names for overrides.
const (
	EnvConfig   = "EMCTL_CONFIG"
	EnvBaseURL  = "EMCTL_BASE_URL"
	EnvUsername = "EMCTL_USERNAME"
	EnvPassword = "EMCTL_PASSWORD"
	EnvPod      = "EMCTL_POD"
)

// EnvOverrides holds values derived from environment variables. Empty means
// not set; a pod can only be forced to the default volume with --pod="".
type EnvOverrides struct {
	ConfigPath string
	BaseURL    string
	Username   string
	Password   string
	Pod        string
}

// ReadEnvOverrides reads environment variables and returns any overrides found.
func ReadEnvOverrides() EnvOverrides {
	return EnvOverrides{
		ConfigPath: os.Getenv(EnvConfig),
		BaseURL:    os.Getenv(EnvBaseURL),
		Username:   os.Getenv(EnvUsername),
		Password:   os.Getenv(EnvPassword),
		Pod:        os.Getenv(EnvPod),
	}
}
