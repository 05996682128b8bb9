package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/dphi-space/emctl/internal/config"
	"github.com/dphi-space/emctl/internal/emapi"
)

// version is set at build time via ldflags.
var version = "dev"

// skipConfigAnnotation marks commands that must run without a valid config,
// so `config path` still works when the file fails to parse.
const skipConfigAnnotation = "skipConfig"

// CLIFlags holds the persistent flag values shared by every subcommand.
type CLIFlags struct {
	ConfigPath string
	Pod        string
	BaseURL    string
	JSON       bool
	Verbose    bool
	Quiet      bool

	// PodSet and BaseURLSet record whether the flag was given, so an
	// explicit --pod "" can select the default volume.
	PodSet     bool
	BaseURLSet bool
}

// CLIContext is built once in PersistentPreRunE and carried on the command
// context. Cfg is nil for commands annotated with skipConfigAnnotation.
type CLIContext struct {
	Flags  CLIFlags
	Logger *slog.Logger
	Cfg    *config.Resolved
	Out    io.Writer
	Err    io.Writer
}

type cliContextKey struct{}

// mustCLIContext returns the CLIContext stored by the root pre-run. A missing
// context is a programming error.
func mustCLIContext(ctx context.Context) *CLIContext {
	cc, ok := ctx.Value(cliContextKey{}).(*CLIContext)
	if !ok || cc == nil {
		panic("emctl: CLIContext missing from command context")
	}

	return cc
}

// newRootCmd builds the root command with all subcommands registered.
func newRootCmd() *cobra.Command {
	var flags CLIFlags

	cmd := &cobra.Command{
		Use:     "emctl",
		Short:   "EM gateway client",
		Long:    "Run pods, move files between local disk and pod volumes, and manage images on an EM execution gateway.",
		Version: version,
		// Errors are printed by main so that exit codes stay in one place.
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			flags.PodSet = cmd.Flags().Changed("pod")
			flags.BaseURLSet = cmd.Flags().Changed("base-url")

			cc := &CLIContext{
				Flags: flags,
				Out:   cmd.OutOrStdout(),
				Err:   cmd.ErrOrStderr(),
			}

			if cmd.Annotations[skipConfigAnnotation] != "true" {
				cfg, err := loadConfig(flags)
				if err != nil {
					return err
				}

				cc.Cfg = cfg
			}

			cc.Logger = buildLogger(cc.Cfg, flags, cc.Err)
			cmd.SetContext(context.WithValue(cmd.Context(), cliContextKey{}, cc))

			return nil
		},
	}

	pf := cmd.PersistentFlags()
	pf.StringVar(&flags.ConfigPath, "config", "", "config file path")
	pf.StringVar(&flags.Pod, "pod", "", "pod name selecting the volume (empty = default volume)")
	pf.StringVar(&flags.BaseURL, "base-url", "", "gateway base URL (overrides base_url)")
	pf.BoolVar(&flags.JSON, "json", false, "output in JSON format")
	pf.BoolVarP(&flags.Verbose, "verbose", "v", false, "enable debug logging")
	pf.BoolVarP(&flags.Quiet, "quiet", "q", false, "suppress informational output")

	cmd.AddCommand(newLoginCmd())
	cmd.AddCommand(newLogoutCmd())
	cmd.AddCommand(newLsCmd())
	cmd.AddCommand(newPutCmd())
	cmd.AddCommand(newGetCmd())
	cmd.AddCommand(newRmCmd())
	cmd.AddCommand(newRunCmd())
	cmd.AddCommand(newStatusCmd())
	cmd.AddCommand(newImageCmd())
	cmd.AddCommand(newHistoryCmd())
	cmd.AddCommand(newConfigCmd())

	return cmd
}

// loadConfig resolves the effective configuration from the override chain.
func loadConfig(flags CLIFlags) (*config.Resolved, error) {
	cli := config.CLIOverrides{ConfigPath: flags.ConfigPath}

	if flags.PodSet {
		pod := flags.Pod
		cli.Pod = &pod
	}

	if flags.BaseURLSet {
		baseURL := flags.BaseURL
		cli.BaseURL = &baseURL
	}

	resolved, err := config.Resolve(config.ReadEnvOverrides(), cli)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	return resolved, nil
}

// buildLogger creates the logger from config and flags. The config level is
// the baseline; --verbose and --quiet override it. log_format "auto" picks
// text on a terminal and JSON otherwise.
func buildLogger(cfg *config.Resolved, flags CLIFlags, w io.Writer) *slog.Logger {
	level := slog.LevelInfo
	format := "auto"

	if cfg != nil {
		switch cfg.LogLevel {
		case "debug":
			level = slog.LevelDebug
		case "warn":
			level = slog.LevelWarn
		case "error":
			level = slog.LevelError
		}

		if cfg.LogFormat != "" {
			format = cfg.LogFormat
		}
	}

	if flags.Verbose {
		level = slog.LevelDebug
	}

	if flags.Quiet {
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}

	if format == "json" || (format == "auto" && !isTerminal(w)) {
		return slog.New(slog.NewJSONHandler(w, opts))
	}

	return slog.New(slog.NewTextHandler(w, opts))
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}

	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// exitOnError prints a user-friendly error message to stderr and exits.
func exitOnError(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)

	switch {
	case errors.Is(err, emapi.ErrNoCredentials):
		fmt.Fprintln(os.Stderr, "Session expired. Run 'emctl login' again.")
	case errors.Is(err, emapi.ErrAuthenticationFailed):
		fmt.Fprintln(os.Stderr, "Check your credentials or run 'emctl login'.")
	}

	os.Exit(1)
}
