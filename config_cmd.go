package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/dphi-space/emctl/internal/config"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
	}

	cmd.AddCommand(newConfigShowCmd())
	cmd.AddCommand(newConfigPathCmd())

	return cmd
}

func newConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Display effective configuration after all overrides",
		Long: `Display the configuration after defaults, the config file, EMCTL_*
environment variables and flags are applied. The password is never shown.`,
		Args: cobra.NoArgs,
		RunE: runConfigShow,
	}
}

// configShowOutput is the JSON schema for `config show --json`.
type configShowOutput struct {
	Path        string `json:"config_path"`
	BaseURL     string `json:"base_url"`
	Username    string `json:"username"`
	HasPassword bool   `json:"has_password"`
	Volume      string `json:"pod_name"`

	config.TransfersConfig
	config.LoggingConfig
	config.NetworkConfig
}

func runConfigShow(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())
	r := cc.Cfg

	if cc.Flags.JSON {
		return printJSON(cc.Out, configShowOutput{
			Path:            r.Path,
			BaseURL:         r.BaseURL,
			Username:        r.Username,
			HasPassword:     r.Password != "",
			Volume:          r.Volume.Name(),
			TransfersConfig: r.TransfersConfig,
			LoggingConfig:   r.LoggingConfig,
			NetworkConfig:   r.NetworkConfig,
		})
	}

	return config.RenderEffective(r, cc.Out)
}

func newConfigPathCmd() *cobra.Command {
	return &cobra.Command{
		Use:         "path",
		Short:       "Print the config file and data directory locations",
		Long:        "Print where emctl reads its config file and keeps tokens and history. Works even when the config file is invalid.",
		Args:        cobra.NoArgs,
		Annotations: map[string]string{skipConfigAnnotation: "true"},
		RunE:        runConfigPath,
	}
}

// configPathOutput is the JSON schema for `config path --json`.
type configPathOutput struct {
	ConfigPath string `json:"config_path"`
	DataDir    string `json:"data_dir"`
	LedgerPath string `json:"ledger_path"`
}

func runConfigPath(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())

	path := cc.Flags.ConfigPath
	if path == "" {
		path = os.Getenv(config.EnvConfig)
	}

	if path == "" {
		path = config.DefaultConfigPath()
	}

	out := configPathOutput{
		ConfigPath: path,
		DataDir:    config.DefaultDataDir(),
		LedgerPath: config.LedgerPath(),
	}

	if cc.Flags.JSON {
		return printJSON(cc.Out, out)
	}

	fmt.Fprintf(cc.Out, "config: %s\ndata:   %s\nledger: %s\n", out.ConfigPath, out.DataDir, out.LedgerPath)

	return nil
}
