package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/dphi-space/emctl/internal/config"
)

const (
	testUser     = "alice"
	testPassword = "s3cret"
)

// testGateway is a small in-memory gateway for driving the CLI end to end.
// Volumes are keyed by pod_name; "" is the default volume.
type testGateway struct {
	srv *httptest.Server

	logins        atomic.Int32
	loginAttempts atomic.Int32
	requests      atomic.Int32

	mu      sync.Mutex
	tokens  map[string]bool
	volumes map[string]map[string][]byte
	images  map[string]bool
	phases  map[string]string
	lastRun map[string]any
}

func newTestGateway(t *testing.T) *testGateway {
	t.Helper()

	g := &testGateway{
		tokens:  make(map[string]bool),
		volumes: make(map[string]map[string][]byte),
		images:  make(map[string]bool),
		phases:  make(map[string]string),
	}

	g.srv = httptest.NewServer(http.HandlerFunc(g.serve))
	t.Cleanup(g.srv.Close)

	return g
}

func (g *testGateway) putFile(pod, p string, data []byte) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.volumeLocked(pod)[p] = data
}

func (g *testGateway) file(pod, p string) ([]byte, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	data, ok := g.volumeLocked(pod)[p]

	return data, ok
}

func (g *testGateway) addImage(name string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.images[name] = true
}

func (g *testGateway) run() map[string]any {
	g.mu.Lock()
	defer g.mu.Unlock()

	return g.lastRun
}

func (g *testGateway) volumeLocked(pod string) map[string][]byte {
	v, ok := g.volumes[pod]
	if !ok {
		v = make(map[string][]byte)
		g.volumes[pod] = v
	}

	return v
}

func (g *testGateway) serve(w http.ResponseWriter, r *http.Request) {
	route := strings.TrimLeft(r.URL.Path, "/")

	if route == "auth/" {
		g.login(w, r)
		return
	}

	g.requests.Add(1)

	tok, _ := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")

	g.mu.Lock()
	valid := g.tokens[tok]
	g.mu.Unlock()

	if !valid {
		_, _ = io.Copy(io.Discard, r.Body)
		reply(w, http.StatusUnauthorized, map[string]any{"detail": "Given token not valid for any token type"})

		return
	}

	q := r.URL.Query()

	switch route {
	case "em/files/list":
		g.list(w, q.Get("pod_name"))
	case "em/files/uplink":
		g.uplink(w, r)
	case "em/files/downlink":
		g.downlink(w, q.Get("pod_name"), q.Get("filepath"))
	case "em/files/delete":
		g.remove(w, r)
	case "em/pod/run":
		g.runPod(w, r)
	case "em/pod/status":
		g.status(w, q.Get("pod_name"))
	case "em/pod/image/build", "em/pod/image/load":
		var req map[string]any
		_ = json.NewDecoder(r.Body).Decode(&req)

		image, _ := req["image"].(string)
		g.addImage(image)
		reply(w, http.StatusOK, map[string]any{"status": "ok", "image": image})
	case "em/pod/image/list":
		g.mu.Lock()
		names := make([]string, 0, len(g.images))
		for name := range g.images {
			names = append(names, name)
		}
		g.mu.Unlock()

		sort.Strings(names)
		reply(w, http.StatusOK, map[string]any{"images": names})
	default:
		reply(w, http.StatusNotFound, map[string]any{"detail": "Not found."})
	}
}

// expireTokens makes every issued token invalid.
func (g *testGateway) expireTokens() {
	g.mu.Lock()
	defer g.mu.Unlock()

	clear(g.tokens)
}

func (g *testGateway) login(w http.ResponseWriter, r *http.Request) {
	g.loginAttempts.Add(1)

	if err := r.ParseForm(); err != nil ||
		r.PostForm.Get("username") != testUser || r.PostForm.Get("password") != testPassword {
		reply(w, http.StatusUnauthorized, map[string]any{"detail": "No active account found with the given credentials"})
		return
	}

	n := g.logins.Add(1)
	tok := fmt.Sprintf("tok-%d", n)

	g.mu.Lock()
	g.tokens[tok] = true
	g.mu.Unlock()

	reply(w, http.StatusOK, map[string]any{"access": tok})
}

func (g *testGateway) list(w http.ResponseWriter, pod string) {
	g.mu.Lock()
	files := make([]map[string]any, 0)
	for p, data := range g.volumeLocked(pod) {
		files = append(files, map[string]any{"path": p, "size": len(data)})
	}
	g.mu.Unlock()

	reply(w, http.StatusOK, files)
}

func (g *testGateway) uplink(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(1 << 20); err != nil {
		reply(w, http.StatusBadRequest, map[string]any{"detail": err.Error()})
		return
	}

	pod := r.FormValue("pod_name")
	dest := r.FormValue("dest_path")

	var stored []string

	for _, fh := range r.MultipartForm.File["files"] {
		f, err := fh.Open()
		if err != nil {
			reply(w, http.StatusInternalServerError, map[string]any{"detail": err.Error()})
			return
		}

		var buf bytes.Buffer
		_, _ = io.Copy(&buf, f)
		f.Close()

		p := path.Join(dest, fh.Filename)
		g.putFile(pod, p, buf.Bytes())
		stored = append(stored, p)
	}

	reply(w, http.StatusOK, map[string]any{"uploaded": stored})
}

func (g *testGateway) downlink(w http.ResponseWriter, pod, p string) {
	data, ok := g.file(pod, p)
	if !ok {
		reply(w, http.StatusNotFound, map[string]any{"error": "FILE_NOT_FOUND", "detail": p + " does not exist"})
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, path.Base(p)))
	_, _ = w.Write(data)
}

func (g *testGateway) remove(w http.ResponseWriter, r *http.Request) {
	var req struct {
		FilePath string `json:"filepath"`
		PodName  string `json:"pod_name"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)

	g.mu.Lock()
	vol := g.volumeLocked(req.PodName)
	_, ok := vol[req.FilePath]
	delete(vol, req.FilePath)
	g.mu.Unlock()

	if !ok {
		reply(w, http.StatusNotFound, map[string]any{"error": "FILE_NOT_FOUND", "detail": req.FilePath + " does not exist"})
		return
	}

	reply(w, http.StatusOK, map[string]any{"deleted": req.FilePath})
}

func (g *testGateway) runPod(w http.ResponseWriter, r *http.Request) {
	var req map[string]any
	_ = json.NewDecoder(r.Body).Decode(&req)

	image, _ := req["image"].(string)
	pod, _ := req["pod_name"].(string)

	g.mu.Lock()
	defer g.mu.Unlock()

	g.lastRun = req

	if !g.images[image] {
		reply(w, http.StatusBadRequest, map[string]any{"error": "IMAGE_NOT_FOUND", "detail": "image " + image + " not found"})
		return
	}

	g.phases[pod] = "Running"

	reply(w, http.StatusOK, map[string]any{"status": "scheduled", "image": image, "pod_name": pod})
}

func (g *testGateway) status(w http.ResponseWriter, pod string) {
	g.mu.Lock()
	phase, ok := g.phases[pod]
	g.mu.Unlock()

	if !ok {
		reply(w, http.StatusNotFound, map[string]any{"error": "POD_NOT_FOUND", "detail": "no pod"})
		return
	}

	reply(w, http.StatusOK, map[string]any{"pod_name": pod, "status": phase})
}

func reply(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// cliEnv isolates config, data and credentials for one test. The returned
// directory is a scratch area for local files.
func cliEnv(t *testing.T, g *testGateway) string {
	t.Helper()

	dir := t.TempDir()

	t.Setenv("HOME", dir)
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(dir, "config"))
	t.Setenv("XDG_DATA_HOME", filepath.Join(dir, "data"))
	t.Setenv(config.EnvConfig, filepath.Join(dir, "config.toml"))
	t.Setenv(config.EnvPod, "")
	t.Setenv(config.EnvUsername, testUser)
	t.Setenv(config.EnvPassword, testPassword)

	if g != nil {
		t.Setenv(config.EnvBaseURL, g.srv.URL)
	} else {
		t.Setenv(config.EnvBaseURL, "")
	}

	return dir
}

// runCLI executes one emctl invocation and returns its stdout and stderr.
func runCLI(t *testing.T, stdin io.Reader, args ...string) (string, string, error) {
	t.Helper()

	var stdout, stderr bytes.Buffer

	cmd := newRootCmd()
	cmd.SetArgs(args)
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)

	if stdin != nil {
		cmd.SetIn(stdin)
	}

	err := cmd.ExecuteContext(context.Background())

	return stdout.String(), stderr.String(), err
}
