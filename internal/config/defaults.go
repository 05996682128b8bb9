package config

// Default values for configuration options: layer 0 of the override chain.
const (
	defaultChunkSize         = "1MiB"
	defaultParallelDownloads = 4
	defaultParallelUploads   = 1
	defaultBandwidthLimit    = "0"
	defaultDownloadDir       = "downlink"
	defaultLogLevel          = "info"
	defaultLogFormat         = "auto"
	defaultConnectTimeout    = "10s"
	defaultRequestTimeout    = "60s"
)

// DefaultConfig returns a Config populated with all default values.
// It is the starting point for TOML decoding, so unset keys keep defaults.
func DefaultConfig() *Config {
	return &Config{
		TransfersConfig: defaultTransfersConfig(),
		LoggingConfig:   defaultLoggingConfig(),
		NetworkConfig:   defaultNetworkConfig(),
	}
}

func defaultTransfersConfig() TransfersConfig {
	return TransfersConfig{
		ChunkSize:         defaultChunkSize,
		ParallelDownloads: defaultParallelDownloads,
		ParallelUploads:   defaultParallelUploads,
		BandwidthLimit:    defaultBandwidthLimit,
		DownloadDir:       defaultDownloadDir,
	}
}

func defaultLoggingConfig() LoggingConfig {
	return LoggingConfig{
		LogLevel:  defaultLogLevel,
		LogFormat: defaultLogFormat,
	}
}

func defaultNetworkConfig() NetworkConfig {
	return NetworkConfig{
		ConnectTimeout: defaultConnectTimeout,
		RequestTimeout: defaultRequestTimeout,
	}
}
