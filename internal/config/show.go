package config

import (
	"fmt"
	"io"
)

// redacted replaces secrets in rendered output.
const redacted = "********"

// RenderEffective writes the resolved configuration as an annotated TOML-like
// summary to w. The password is never printed.
func RenderEffective(r *Resolved, w io.Writer) error {
	ew := &errWriter{w: w}

	ew.printf("# Effective configuration (file: %s)\n\n", r.Path)

	renderGatewaySection(ew, r)
	renderTransfersSection(ew, &r.TransfersConfig)
	renderLoggingSection(ew, &r.LoggingConfig)
	renderNetworkSection(ew, &r.NetworkConfig)

	return ew.err
}

// errWriter wraps an io.Writer and captures the first write error.
// Subsequent writes after an error are no-ops.
type errWriter struct {
	w   io.Writer
	err error
}

func (ew *errWriter) printf(format string, args ...any) {
	if ew.err != nil {
		return
	}

	_, ew.err = fmt.Fprintf(ew.w, format, args...)
}

func renderGatewaySection(ew *errWriter, r *Resolved) {
	ew.printf("# gateway\n")
	ew.printf("base_url      = %q\n", r.BaseURL)
	ew.printf("username      = %q\n", r.Username)

	switch {
	case r.PasswordFile != "":
		ew.printf("password_file = %q\n", r.PasswordFile)
	case r.Password != "":
		ew.printf("password      = %q\n", redacted)
	}

	ew.printf("default_pod   = %q\n", r.DefaultPod)
	ew.printf("# selected volume: %s\n", r.Volume)
	ew.printf("\n")
}

func renderTransfersSection(ew *errWriter, t *TransfersConfig) {
	ew.printf("# transfers\n")
	ew.printf("chunk_size         = %q\n", t.ChunkSize)
	ew.printf("parallel_downloads = %d\n", t.ParallelDownloads)
	ew.printf("parallel_uploads   = %d\n", t.ParallelUploads)
	ew.printf("bandwidth_limit    = %q\n", t.BandwidthLimit)
	ew.printf("download_dir       = %q\n", t.DownloadDir)
	ew.printf("\n")
}

func renderLoggingSection(ew *errWriter, l *LoggingConfig) {
	ew.printf("# logging\n")
	ew.printf("log_level  = %q\n", l.LogLevel)
	ew.printf("log_format = %q\n", l.LogFormat)
	ew.printf("\n")
}

func renderNetworkSection(ew *errWriter, n *NetworkConfig) {
	ew.printf("# network\n")
	ew.printf("connect_timeout = %q\n", n.ConnectTimeout)
	ew.printf("request_timeout = %q\n", n.RequestTimeout)

	if n.UserAgent != "" {
		ew.printf("user_agent      = %q\n", n.UserAgent)
	}
}
