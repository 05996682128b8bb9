package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/dphi-space/emctl/internal/emapi"
	"github.com/dphi-space/emctl/internal/ledger"
	"github.com/dphi-space/emctl/internal/volume"
)

// defaultMaxDuration is the run time limit, in minutes, when none is given.
const defaultMaxDuration = 1

// minStatusInterval bounds how often status --watch polls the gateway.
const minStatusInterval = time.Second

// errPodUnsuccessful is returned by status --watch when the pod ends Failed
// or TimedOut, so scripts can branch on the exit code.
var errPodUnsuccessful = errors.New("pod did not complete successfully")

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Submit a pod to the gateway",
		Long: `Submit a pod running an image on a node. The volume selected by --pod is
mounted at /data inside the pod.

A manifest file (-f) supplies the same fields in YAML; flags given on the
command line override it:

  image: echo-test
  node: GPU
  max_duration: 30
  command: python
  args: [train.py, --epochs, "3"]
  envs: {SEED: 42}
  ports: [8080]
  scheduled_time: 2025-05-22T12:10:00+02:00
  pod_name: pod-a

The gateway's acceptance response is printed as received.`,
		Args: cobra.NoArgs,
		RunE: runRun,
	}

	f := cmd.Flags()
	f.StringP("file", "f", "", "YAML pod manifest")
	f.String("image", "", "image to run")
	f.String("node", "", "node type: FPGA, GPU or MPU (default FPGA)")
	f.Int("max-duration", defaultMaxDuration, "maximum run time in minutes")
	f.String("command", "", "command to run inside the container")
	f.StringArray("arg", nil, "command argument (repeatable)")
	f.StringArray("env", nil, "environment variable KEY=VALUE (repeatable)")
	f.IntSlice("port", nil, "port to expose (repeatable)")
	f.String("at", "", "scheduled start time, RFC 3339 with offset")
	f.Bool("namespace", false, "run the pod in its own namespace")

	return cmd
}

func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the status of the pod owning the selected volume",
		Long: `Fetch the status of the pod selected by --pod and print the gateway's
response as received. With --watch, poll at the given interval until the pod
reaches Completed, Failed or TimedOut.`,
		Args: cobra.NoArgs,
		RunE: runStatus,
	}

	cmd.Flags().Duration("watch", 0, "poll at this interval until the pod finishes (e.g. 5s)")

	return cmd
}

// podManifest is the YAML form of a run request.
type podManifest struct {
	Image         string         `yaml:"image"`
	Node          string         `yaml:"node"`
	MaxDuration   int            `yaml:"max_duration"`
	Command       string         `yaml:"command"`
	Args          []string       `yaml:"args"`
	Envs          map[string]any `yaml:"envs"`
	Ports         []int          `yaml:"ports"`
	ScheduledTime string         `yaml:"scheduled_time"`
	PodName       *string        `yaml:"pod_name"`
	Namespace     *bool          `yaml:"namespace"`
}

// loadManifest reads a pod manifest. Unknown keys are rejected.
func loadManifest(path string) (*podManifest, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening manifest: %w", err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)

	var m podManifest
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("parsing manifest %s: %w", path, err)
	}

	return &m, nil
}

// buildRunRequest merges the manifest (if any) with explicitly set flags.
// The manifest's pod_name applies only when --pod was not given.
func buildRunRequest(cmd *cobra.Command, cc *CLIContext) (emapi.PodRunRequest, error) {
	req := emapi.PodRunRequest{
		MaxDuration: defaultMaxDuration,
		Volume:      cc.Cfg.Volume,
	}

	f := cmd.Flags()

	if path, _ := f.GetString("file"); path != "" {
		m, err := loadManifest(path)
		if err != nil {
			return req, err
		}

		if err := applyManifest(&req, m, cc.Flags.PodSet); err != nil {
			return req, err
		}
	}

	if f.Changed("image") {
		req.Image, _ = f.GetString("image")
	}

	if f.Changed("node") {
		node, _ := f.GetString("node")
		req.Node = emapi.Node(node)
	}

	if f.Changed("max-duration") {
		req.MaxDuration, _ = f.GetInt("max-duration")
	}

	if f.Changed("command") {
		req.Command, _ = f.GetString("command")
	}

	if f.Changed("arg") {
		req.Args, _ = f.GetStringArray("arg")
	}

	if f.Changed("port") {
		req.Ports, _ = f.GetIntSlice("port")
	}

	if f.Changed("namespace") {
		ns, _ := f.GetBool("namespace")
		req.Namespace = &ns
	}

	if f.Changed("env") {
		pairs, _ := f.GetStringArray("env")

		envs, err := parseEnvPairs(pairs)
		if err != nil {
			return req, err
		}

		if req.Envs == nil {
			req.Envs = make(map[string]any, len(envs))
		}

		for k, v := range envs {
			req.Envs[k] = v
		}
	}

	if f.Changed("at") {
		at, _ := f.GetString("at")

		t, err := emapi.ParseScheduledTime(at)
		if err != nil {
			return req, err
		}

		req.ScheduledTime = &t
	}

	return req, nil
}

func applyManifest(req *emapi.PodRunRequest, m *podManifest, podFlagSet bool) error {
	req.Image = m.Image
	req.Node = emapi.Node(m.Node)
	req.Command = m.Command
	req.Args = m.Args
	req.Envs = m.Envs
	req.Ports = m.Ports
	req.Namespace = m.Namespace

	if m.MaxDuration != 0 {
		req.MaxDuration = m.MaxDuration
	}

	if m.ScheduledTime != "" {
		t, err := emapi.ParseScheduledTime(m.ScheduledTime)
		if err != nil {
			return err
		}

		req.ScheduledTime = &t
	}

	if m.PodName != nil && !podFlagSet {
		req.Volume = volume.New(*m.PodName)
	}

	return nil
}

// parseEnvPairs turns KEY=VALUE strings into an env map. Values that parse
// as integers are sent as numbers.
func parseEnvPairs(pairs []string) (map[string]any, error) {
	envs := make(map[string]any, len(pairs))

	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("%w: --env %q must be KEY=VALUE", emapi.ErrInvalidRequest, p)
		}

		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			envs[k] = n
			continue
		}

		envs[k] = v
	}

	return envs, nil
}

func runRun(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())
	ctx := cmd.Context()

	req, err := buildRunRequest(cmd, cc)
	if err != nil {
		return err
	}

	// Validate before opening a session so bad input never costs a login.
	if err := req.Validate(); err != nil {
		return err
	}

	gs, err := openSession(ctx, cc)
	if err != nil {
		return err
	}
	defer gs.Close()

	payload, err := gs.Client.Run(ctx, req)

	gs.Recorder.Run(ctx, ledgerRun(&req, payload, err))

	if err != nil {
		return err
	}

	return printPayload(cc.Out, payload)
}

func ledgerRun(req *emapi.PodRunRequest, payload emapi.Payload, err error) ledger.Run {
	node, _ := emapi.ParseNode(string(req.Node))

	return ledger.Run{
		Volume:        req.Volume,
		Image:         req.Image,
		Node:          string(node),
		MaxDuration:   req.MaxDuration,
		Command:       req.Command,
		ScheduledTime: req.ScheduledTime,
		Response:      payload.String(),
		Error:         ledger.ErrorString(err),
	}
}

func runStatus(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())
	ctx := cmd.Context()

	interval, _ := cmd.Flags().GetDuration("watch")
	if interval != 0 && interval < minStatusInterval {
		return fmt.Errorf("--watch interval must be at least %s", minStatusInterval)
	}

	gs, err := openSession(ctx, cc)
	if err != nil {
		return err
	}
	defer gs.Close()

	if interval == 0 {
		st, err := gs.Client.Status(ctx, cc.Cfg.Volume)
		if err != nil {
			return err
		}

		return printPayload(cc.Out, st.Payload)
	}

	wctx, cancel := shutdownContext(ctx, cc.Logger)
	defer cancel()

	st, err := pollStatus(wctx, gs.Client, cc, interval)
	if err != nil {
		return err
	}

	if st.Phase == emapi.PhaseFailed || st.Phase == emapi.PhaseTimedOut {
		return fmt.Errorf("%w: %s", errPodUnsuccessful, st.Phase)
	}

	return nil
}

type statusClient interface {
	Status(ctx context.Context, vol volume.ID) (*emapi.PodStatus, error)
}

// pollStatus prints the status each time the phase changes and returns the
// first terminal status.
func pollStatus(ctx context.Context, client statusClient, cc *CLIContext, interval time.Duration) (*emapi.PodStatus, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	vol := cc.Cfg.Volume
	last := emapi.PodPhase("-")

	for {
		st, err := client.Status(ctx, vol)
		if err != nil {
			return nil, err
		}

		if st.Phase != last {
			cc.Logger.Debug("pod phase changed",
				slog.String("pod_name", vol.Name()),
				slog.String("phase", string(st.Phase)),
			)

			if err := printPayload(cc.Out, st.Payload); err != nil {
				return nil, err
			}

			last = st.Phase
		}

		if st.Phase.Terminal() {
			return st, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
