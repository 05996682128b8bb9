//go:build e2e

package e2e

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dphi-space/emctl/testutil"
)

var (
	binaryPath string
	gateway    testutil.LiveGateway
	homeDir    string
)

func TestMain(m *testing.M) {
	root := testutil.FindModuleRoot("..")
	testutil.LoadDotEnv(filepath.Join(root, ".env"))

	gw, ok := testutil.LiveGatewayFromEnv()
	if !ok {
		fmt.Fprintf(os.Stderr, "skipping e2e: %s not set\n", testutil.EnvTestBaseURL)
		os.Exit(0)
	}

	testutil.ValidateAllowlist(gw)
	gateway = gw

	tmpDir, err := os.MkdirTemp("", "emctl-e2e-*")
	if err != nil {
		fmt.Fprintf(os.Stderr, "creating temp dir: %v\n", err)
		os.Exit(1)
	}

	binaryPath = filepath.Join(tmpDir, "emctl")
	homeDir = filepath.Join(tmpDir, "home")

	cmd := exec.Command("go", "build", "-o", binaryPath, ".")
	cmd.Dir = root
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "building binary: %v\n", err)
		os.Exit(1)
	}

	code := m.Run()

	os.RemoveAll(tmpDir)
	os.Exit(code)
}

// runCLI runs the built binary with an isolated HOME and the live gateway's
// credentials in the environment.
func runCLI(t *testing.T, args ...string) (string, string, error) {
	t.Helper()

	cmd := exec.Command(binaryPath, args...)
	cmd.Env = append(os.Environ(),
		"HOME="+homeDir,
		"XDG_CONFIG_HOME="+filepath.Join(homeDir, ".config"),
		"XDG_DATA_HOME="+filepath.Join(homeDir, ".local", "share"),
		"EMCTL_BASE_URL="+gateway.BaseURL,
		"EMCTL_USERNAME="+gateway.Username,
		"EMCTL_PASSWORD="+gateway.Password,
	)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()

	return stdout.String(), stderr.String(), err
}

func mustRun(t *testing.T, args ...string) string {
	t.Helper()

	stdout, stderr, err := runCLI(t, args...)
	require.NoError(t, err, "emctl %v\nstderr: %s", args, stderr)

	return stdout
}

func TestE2E_FileLifecycleInNamedVolume(t *testing.T) {
	pod := fmt.Sprintf("e2e-%d", time.Now().UnixNano())
	dir := t.TempDir()

	local := filepath.Join(dir, "payload.txt")
	require.NoError(t, os.WriteFile(local, []byte("hello from e2e\n"), 0o600))

	mustRun(t, "put", local, "--dest", "e2e", "--pod", pod)

	t.Cleanup(func() {
		_, _, _ = runCLI(t, "rm", "e2e", "--pod", pod)
	})

	var files []map[string]any
	require.NoError(t, json.Unmarshal([]byte(mustRun(t, "ls", "--json", "--pod", pod)), &files))

	found := false
	for _, f := range files {
		if f["path"] == "e2e/payload.txt" {
			found = true
		}
	}

	assert.True(t, found, "uploaded file not listed: %v", files)

	// The default volume must not see the named volume's file.
	_, _, err := runCLI(t, "rm", "e2e/payload.txt")
	require.Error(t, err)

	out := filepath.Join(dir, "out")
	mustRun(t, "get", "e2e/payload.txt", "--dir", out, "--pod", pod)

	got, err := os.ReadFile(filepath.Join(out, "payload.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello from e2e\n", string(got))

	mustRun(t, "rm", "e2e/payload.txt", "--pod", pod)
}

func TestE2E_RunEchoTestAndStatus(t *testing.T) {
	if os.Getenv("EMCTL_TEST_RUN_PODS") == "" {
		t.Skip("EMCTL_TEST_RUN_PODS not set")
	}

	mustRun(t, "run", "--image", "echo-test", "--max-duration", "1")

	stdout := mustRun(t, "status")
	assert.NotEmpty(t, stdout)
}

func TestE2E_RunMissingImageFails(t *testing.T) {
	_, stderr, err := runCLI(t, "run", "--image", fmt.Sprintf("no-such-image-%d", time.Now().UnixNano()))
	require.Error(t, err)
	assert.Contains(t, stderr, "Error:")
}
