package emapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/dphi-space/emctl/internal/volume"
)

const (
	minPort = 1
	maxPort = 65535
)

// PodRunRequest describes one pod to schedule. The volume mounted at the
// pod's /data is selected by Volume, the same identity file operations use.
type PodRunRequest struct {
	Image       string
	Node        Node // empty = DefaultNode
	MaxDuration int  // minutes
	Command     string
	Args        []string
	Envs        map[string]any
	// ScheduledTime is nil to run as soon as possible.
	ScheduledTime *time.Time
	Volume        volume.ID
	Ports         []int
	Namespace     *bool
}

// Validate checks the request locally. All problems are reported together.
func (r *PodRunRequest) Validate() error {
	var errs []error

	if strings.TrimSpace(r.Image) == "" {
		errs = append(errs, errors.New("image is required"))
	}

	if _, err := ParseNode(string(r.Node)); err != nil {
		errs = append(errs, fmt.Errorf("node %q must be FPGA, GPU or MPU", r.Node))
	}

	if r.MaxDuration < 1 {
		errs = append(errs, fmt.Errorf("max duration must be at least 1 minute, got %d", r.MaxDuration))
	}

	if len(r.Args) > 0 && r.Command == "" {
		errs = append(errs, errors.New("args require a command"))
	}

	if r.Namespace != nil && len(r.Ports) == 0 {
		errs = append(errs, errors.New("namespace requires at least one port"))
	}

	errs = append(errs, validatePorts(r.Ports)...)
	errs = append(errs, validateEnvs(r.Envs)...)

	if len(errs) == 0 {
		return nil
	}

	return fmt.Errorf("%w: %w", ErrInvalidRequest, errors.Join(errs...))
}

func validatePorts(ports []int) []error {
	var errs []error

	seen := make(map[int]bool, len(ports))

	for _, p := range ports {
		if p < minPort || p > maxPort {
			errs = append(errs, fmt.Errorf("port %d out of range %d-%d", p, minPort, maxPort))
			continue
		}

		if seen[p] {
			errs = append(errs, fmt.Errorf("port %d listed twice", p))
		}

		seen[p] = true
	}

	return errs
}

func validateEnvs(envs map[string]any) []error {
	var errs []error

	for k, v := range envs {
		if k == "" {
			errs = append(errs, errors.New("environment variable with empty name"))
			continue
		}

		switch v.(type) {
		case string, int, int64, int32, uint, uint64, uint32, float64, float32:
		default:
			errs = append(errs, fmt.Errorf("environment variable %s: value must be a string or number, got %T", k, v))
		}
	}

	return errs
}

// ParseScheduledTime parses an RFC 3339 time. A timestamp without a UTC
// offset is rejected, since the gateway would have to guess its zone.
func ParseScheduledTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, strings.TrimSpace(s))
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: scheduled time %q must be RFC 3339 with offset, e.g. 2025-05-22T12:10:00+02:00",
			ErrInvalidRequest, s)
	}

	return t, nil
}

// runRequestBody is the em/pod/run wire format. Absent optional values are
// sent as null.
type runRequestBody struct {
	Image         string         `json:"image"`
	Node          Node           `json:"node"`
	MaxDuration   int            `json:"max_duration"`
	Command       string         `json:"command"`
	ScheduledTime *string        `json:"scheduled_time"`
	PodName       *string        `json:"pod_name"`
	Ports         []int          `json:"ports"`
	Args          []string       `json:"args"`
	Envs          map[string]any `json:"envs"`
	Namespace     *bool          `json:"namespace,omitempty"`
}

func newRunRequestBody(r *PodRunRequest) runRequestBody {
	node, _ := ParseNode(string(r.Node))

	body := runRequestBody{
		Image:       r.Image,
		Node:        node,
		MaxDuration: r.MaxDuration,
		Command:     r.Command,
		Namespace:   r.Namespace,
	}

	if r.ScheduledTime != nil {
		s := r.ScheduledTime.Format(time.RFC3339)
		body.ScheduledTime = &s
	}

	if !r.Volume.IsDefault() {
		name := r.Volume.Name()
		body.PodName = &name
	}

	if len(r.Ports) > 0 {
		body.Ports = r.Ports
	}

	if len(r.Args) > 0 {
		body.Args = r.Args
	}

	if len(r.Envs) > 0 {
		body.Envs = r.Envs
	}

	return body
}

// Run submits a pod. The request is validated locally first; gateway
// rejections (unknown image, name collisions) come back as *APIError. The
// acceptance payload is returned as received.
func (c *Client) Run(ctx context.Context, req PodRunRequest) (Payload, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	wire := newRunRequestBody(&req)

	c.logger.Info("submitting pod",
		slog.String("image", wire.Image),
		slog.String("node", string(wire.Node)),
		slog.Int("max_duration", wire.MaxDuration),
		slog.String("pod_name", req.Volume.Name()),
	)

	body, err := jsonBody(wire)
	if err != nil {
		return nil, err
	}

	return c.doPayload(ctx, http.MethodPost, pathPodRun, nil, body)
}

// Status fetches the current status of the pod that owns a volume. It is a
// single request; callers poll if they need to wait for a phase.
func (c *Client) Status(ctx context.Context, vol volume.ID) (*PodStatus, error) {
	c.logger.Debug("fetching pod status", slog.String("pod_name", vol.Name()))

	p, err := c.doPayload(ctx, http.MethodGet, pathPodStatus, volumeQuery(vol.Name()), nil)
	if err != nil {
		return nil, err
	}

	return newPodStatus(p), nil
}
