package config

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dphi-space/emctl/internal/volume"
)

func TestRenderEffective_RedactsPassword(t *testing.T) {
	r := &Resolved{Config: *DefaultConfig(), Path: "/etc/emctl.toml", Volume: volume.New("pod-a")}
	r.BaseURL = "https://em.example/"
	r.Username = "alice"
	r.Password = "hunter2"

	var buf bytes.Buffer
	require.NoError(t, RenderEffective(r, &buf))

	out := buf.String()
	assert.Contains(t, out, "/etc/emctl.toml")
	assert.Contains(t, out, `base_url      = "https://em.example/"`)
	assert.Contains(t, out, `username      = "alice"`)
	assert.Contains(t, out, redacted)
	assert.NotContains(t, out, "hunter2")
	assert.Contains(t, out, "selected volume: pod-a")
	assert.Contains(t, out, `chunk_size         = "1MiB"`)
	assert.Contains(t, out, `log_format = "auto"`)
	assert.NotContains(t, out, "user_agent")
}

func TestRenderEffective_PasswordFileShown(t *testing.T) {
	r := &Resolved{Config: *DefaultConfig()}
	r.PasswordFile = "~/.pw"
	r.Password = "read-from-file"
	r.UserAgent = "ua/1"

	var buf bytes.Buffer
	require.NoError(t, RenderEffective(r, &buf))

	out := buf.String()
	assert.Contains(t, out, `password_file = "~/.pw"`)
	assert.NotContains(t, out, "read-from-file")
	assert.Contains(t, out, "selected volume: (default)")
	assert.Contains(t, out, `user_agent      = "ua/1"`)
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) {
	return 0, errors.New("disk full")
}

func TestRenderEffective_WriteError(t *testing.T) {
	r := &Resolved{Config: *DefaultConfig()}

	err := RenderEffective(r, failingWriter{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
}
