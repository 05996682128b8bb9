package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/dphi-space/emctl/internal/config"
	"github.com/dphi-space/emctl/internal/emapi"
	"github.com/dphi-space/emctl/internal/tokenfile"
)

func newLoginCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Log in to the gateway and save the session token",
		Long: `Log in to the gateway with a username and password. The session token is
saved under the data directory, and base_url and username are written to the
config file so later commands reuse them. The password is never written.

The password is read from standard input with --password-stdin; otherwise
it comes from EMCTL_PASSWORD or password/password_file in the config, and
finally from an interactive prompt.`,
		Args: cobra.NoArgs,
		RunE: runLogin,
	}

	cmd.Flags().String("username", "", "account name (overrides username)")
	cmd.Flags().Bool("password-stdin", false, "read the password from standard input")

	return cmd
}

func newLogoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Remove the saved session token",
		Args:  cobra.NoArgs,
		RunE:  runLogout,
	}
}

// loginOutput is the JSON schema for `login --json`.
type loginOutput struct {
	BaseURL   string `json:"base_url"`
	Username  string `json:"username"`
	TokenPath string `json:"token_path"`
}

func runLogin(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())
	cfg := cc.Cfg

	username := cfg.Username
	if u, _ := cmd.Flags().GetString("username"); u != "" {
		username = u
	}

	if cfg.BaseURL == "" {
		return errors.New("no gateway URL: pass --base-url or set base_url / EMCTL_BASE_URL")
	}

	if username == "" {
		return errors.New("no username: pass --username or set username / EMCTL_USERNAME")
	}

	fromStdin, _ := cmd.Flags().GetBool("password-stdin")

	password, err := loginPassword(cfg.Password, fromStdin, cmd.InOrStdin(), cc.Err)
	if err != nil {
		return err
	}

	cc.Logger.Info("login started",
		slog.String("base_url", cfg.BaseURL),
		slog.String("username", username),
	)

	store := tokenfile.NewStore(config.TokenPath(cfg.BaseURL, username), cfg.BaseURL, username)
	session := emapi.NewSession(cfg.BaseURL, emapi.Credentials{Username: username, Password: password},
		newMetadataHTTPClient(cfg), store, cc.Logger)

	if _, err := session.Authenticate(cmd.Context()); err != nil {
		return err
	}

	if err := config.SaveLogin(cfg.Path, cfg.BaseURL, username); err != nil {
		return fmt.Errorf("saving login to config: %w", err)
	}

	if cc.Flags.JSON {
		return printJSON(cc.Out, loginOutput{BaseURL: cfg.BaseURL, Username: username, TokenPath: store.Path()})
	}

	cc.Statusf("Logged in to %s as %s.\n", cfg.BaseURL, username)

	return nil
}

// loginPassword picks the configured password, else reads one from stdin
// (--password-stdin) or prompts on a terminal.
func loginPassword(configured string, fromStdin bool, in io.Reader, prompt io.Writer) (string, error) {
	if fromStdin {
		line, err := bufio.NewReader(in).ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return "", fmt.Errorf("reading password from stdin: %w", err)
		}

		password := strings.TrimRight(line, "\r\n")
		if password == "" {
			return "", errors.New("empty password on stdin")
		}

		return password, nil
	}

	if configured != "" {
		return configured, nil
	}

	f, ok := in.(*os.File)
	if !ok || !term.IsTerminal(int(f.Fd())) {
		return "", errors.New("no password: set EMCTL_PASSWORD, password_file, or use --password-stdin")
	}

	fmt.Fprint(prompt, "Password: ")

	b, err := term.ReadPassword(int(f.Fd()))
	fmt.Fprintln(prompt)

	if err != nil {
		return "", fmt.Errorf("reading password: %w", err)
	}

	return string(b), nil
}

func runLogout(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())
	cfg := cc.Cfg

	if cfg.BaseURL == "" || cfg.Username == "" {
		return errNotConfigured
	}

	store := tokenfile.NewStore(config.TokenPath(cfg.BaseURL, cfg.Username), cfg.BaseURL, cfg.Username)
	if err := store.Remove(); err != nil {
		return err
	}

	cc.Logger.Info("logout successful", slog.String("username", cfg.Username))
	cc.Statusf("Logged out %s from %s.\n", cfg.Username, cfg.BaseURL)

	return nil
}
