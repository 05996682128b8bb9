// Logs in to the live test gateway and saves the session token where emctl
// looks for it, so e2e runs start from a warm token.
//
// Usage: go run ./cmd/integration-bootstrap [--env .env]
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/dphi-space/emctl/internal/config"
	"github.com/dphi-space/emctl/internal/emapi"
	"github.com/dphi-space/emctl/internal/tokenfile"
	"github.com/dphi-space/emctl/testutil"
)

func main() {
	envFile := flag.String("env", "", "dotenv file with EMCTL_TEST_* settings (default <module root>/.env)")
	flag.Parse()

	if *envFile == "" {
		*envFile = filepath.Join(testutil.FindModuleRoot("."), ".env")
	}

	testutil.LoadDotEnv(*envFile)

	gw, ok := testutil.LiveGatewayFromEnv()
	if !ok {
		fmt.Fprintf(os.Stderr, "%s not set\n", testutil.EnvTestBaseURL)
		os.Exit(1)
	}

	testutil.ValidateAllowlist(gw)

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	store := tokenfile.NewStore(config.TokenPath(gw.BaseURL, gw.Username), gw.BaseURL, gw.Username)

	session := emapi.NewSession(gw.BaseURL, emapi.Credentials{Username: gw.Username, Password: gw.Password},
		&http.Client{Timeout: 30 * time.Second}, store, logger)

	if _, err := session.Authenticate(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "login failed: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Login successful. Token saved to %s.\n", store.Path())
}
