// Package config implements TOML configuration loading, validation, and
// platform-specific path resolution for emctl. Values resolve through a
// four-layer override chain: defaults -> config file -> environment -> CLI
// flags. All keys are flat; the sub-structs below only group them in code.
package config

// Config is the top-level configuration structure parsed from a TOML file.
type Config struct {
	GatewayConfig
	TransfersConfig
	LoggingConfig
	NetworkConfig
}

// GatewayConfig identifies the gateway and the account used to log in.
// Password and PasswordFile are mutually exclusive.
type GatewayConfig struct {
	BaseURL      string `toml:"base_url"`
	Username     string `toml:"username"`
	Password     string `toml:"password"`
	PasswordFile string `toml:"password_file"`
	DefaultPod   string `toml:"default_pod"`
}

// TransfersConfig controls download chunking, parallelism, and bandwidth.
type TransfersConfig struct {
	ChunkSize         string `toml:"chunk_size" json:"chunk_size"`
	ParallelDownloads int    `toml:"parallel_downloads" json:"parallel_downloads"`
	ParallelUploads   int    `toml:"parallel_uploads" json:"parallel_uploads"`
	BandwidthLimit    string `toml:"bandwidth_limit" json:"bandwidth_limit"`
	DownloadDir       string `toml:"download_dir" json:"download_dir"`
}

// LoggingConfig controls log output: level and format.
type LoggingConfig struct {
	LogLevel  string `toml:"log_level" json:"log_level"`
	LogFormat string `toml:"log_format" json:"log_format"`
}

// NetworkConfig controls HTTP client behavior.
type NetworkConfig struct {
	ConnectTimeout string `toml:"connect_timeout" json:"connect_timeout"`
	RequestTimeout string `toml:"request_timeout" json:"request_timeout"`
	UserAgent      string `toml:"user_agent" json:"user_agent"`
}

// CLIOverrides holds values from CLI flags. Pointer fields distinguish
// "not specified" (nil) from "explicitly set to the zero value": --pod=""
// selects the default volume even when default_pod is configured.
type CLIOverrides struct {
	ConfigPath string  // --config flag (empty = use default)
	Pod        *string // --pod flag
	BaseURL    *string // --base-url flag
}
