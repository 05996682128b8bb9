package emapi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Payload is a gateway JSON response relayed without modification.
type Payload json.RawMessage

// MarshalJSON returns the payload bytes unchanged ("null" when empty).
func (p Payload) MarshalJSON() ([]byte, error) {
	if len(p) == 0 {
		return []byte("null"), nil
	}

	return p, nil
}

// UnmarshalJSON stores a copy of data.
func (p *Payload) UnmarshalJSON(data []byte) error {
	*p = append((*p)[:0], data...)
	return nil
}

// Decode unmarshals the payload into v.
func (p Payload) Decode(v any) error {
	return json.Unmarshal(p, v)
}

func (p Payload) String() string {
	return string(p)
}

// Node is a hardware execution class a pod is scheduled onto.
type Node string

// Supported nodes.
const (
	NodeFPGA Node = "FPGA"
	NodeGPU  Node = "GPU"
	NodeMPU  Node = "MPU"
)

// DefaultNode is used when a run request leaves Node empty.
const DefaultNode = NodeFPGA

// ParseNode parses a node name case-insensitively. Empty selects DefaultNode.
func ParseNode(s string) (Node, error) {
	switch Node(strings.ToUpper(strings.TrimSpace(s))) {
	case "":
		return DefaultNode, nil
	case NodeFPGA:
		return NodeFPGA, nil
	case NodeGPU:
		return NodeGPU, nil
	case NodeMPU:
		return NodeMPU, nil
	default:
		return "", fmt.Errorf("%w: unknown node %q (want FPGA, GPU or MPU)", ErrInvalidRequest, s)
	}
}

// RemoteFile is a file in a volume, relative to the volume root. The gateway
// lists either bare paths or objects; both decode into RemoteFile.
type RemoteFile struct {
	Path string `json:"path"`
	Size int64  `json:"size"`
}

// UnmarshalJSON accepts "path" or {"path"|"filepath"|"name": ..., "size"|"size_bytes": ...}.
func (f *RemoteFile) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var path string
		if err := json.Unmarshal(data, &path); err != nil {
			return err
		}

		*f = RemoteFile{Path: path}

		return nil
	}

	var raw struct {
		Path      string `json:"path"`
		FilePath  string `json:"filepath"`
		Name      string `json:"name"`
		Size      *int64 `json:"size"`
		SizeBytes *int64 `json:"size_bytes"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	f.Path = firstNonEmpty(raw.Path, raw.FilePath, raw.Name)

	switch {
	case raw.Size != nil:
		f.Size = *raw.Size
	case raw.SizeBytes != nil:
		f.Size = *raw.SizeBytes
	default:
		f.Size = 0
	}

	return nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}

	return ""
}

// PodPhase is the server-reported lifecycle phase of a pod. The client only
// observes phases; it never computes them.
type PodPhase string

// Pod phases: Scheduled -> Running -> {Completed | Failed | TimedOut}.
const (
	PhaseUnknown   PodPhase = ""
	PhaseScheduled PodPhase = "Scheduled"
	PhaseRunning   PodPhase = "Running"
	PhaseCompleted PodPhase = "Completed"
	PhaseFailed    PodPhase = "Failed"
	PhaseTimedOut  PodPhase = "TimedOut"
)

// ParsePhase maps a gateway status string to a PodPhase. Unrecognized values
// return PhaseUnknown.
func ParsePhase(s string) PodPhase {
	key := strings.NewReplacer("_", "", "-", "", " ", "").Replace(strings.ToLower(s))

	switch key {
	case "scheduled", "pending", "queued":
		return PhaseScheduled
	case "running":
		return PhaseRunning
	case "completed", "succeeded", "success", "done", "finished":
		return PhaseCompleted
	case "failed", "error":
		return PhaseFailed
	case "timedout", "timeout":
		return PhaseTimedOut
	default:
		return PhaseUnknown
	}
}

// Terminal reports whether the phase is final.
func (p PodPhase) Terminal() bool {
	return p == PhaseCompleted || p == PhaseFailed || p == PhaseTimedOut
}

// PodStatus is the gateway's status report for one pod. Payload is relayed
// unmodified; Phase is read from its "status", "phase" or "state" field.
type PodStatus struct {
	Payload Payload
	Phase   PodPhase
}

func newPodStatus(p Payload) *PodStatus {
	st := &PodStatus{Payload: p}

	var fields map[string]json.RawMessage
	if json.Unmarshal(p, &fields) == nil {
		st.Phase = ParsePhase(stringField(fields, "status", "phase", "state"))
	}

	return st
}

// DownloadResult describes a file written by Download.
type DownloadResult struct {
	Filename  string `json:"filename"`
	LocalPath string `json:"local_path"`
	SizeBytes int64  `json:"size_bytes"`
}
