package emapi

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
)

const (
	testUser     = "alice"
	testPassword = "s3cret"

	// defaultVolumeKey is where the fake keeps the default volume's files.
	defaultVolumeKey = "\x00default"
)

// fakeGateway is an in-memory EM gateway. Each pod_name owns an isolated
// file map; the empty pod_name owns the default volume.
type fakeGateway struct {
	t   *testing.T
	srv *httptest.Server

	logins   atomic.Int32
	requests atomic.Int32 // authorized (non-login) requests

	mu         sync.Mutex
	tokenSeq   int
	validToken map[string]bool
	volumes    map[string]map[string][]byte
	images     map[string]bool
	pods       map[string]string
	lastRun    map[string]any
}

func newFakeGateway(t *testing.T) *fakeGateway {
	t.Helper()

	g := &fakeGateway{
		t:          t,
		validToken: make(map[string]bool),
		volumes:    make(map[string]map[string][]byte),
		images:     make(map[string]bool),
		pods:       make(map[string]string),
	}

	g.srv = httptest.NewServer(http.HandlerFunc(g.serve))
	t.Cleanup(g.srv.Close)

	return g
}

// client returns a Client with a fresh session against the fake.
func (g *fakeGateway) client(opts ...Option) *Client {
	return newClientFor(g.srv.URL, Credentials{Username: testUser, Password: testPassword}, opts...)
}

func newClientFor(baseURL string, creds Credentials, opts ...Option) *Client {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	sess := NewSession(baseURL, creds, http.DefaultClient, nil, logger)

	return NewClient(baseURL, http.DefaultClient, sess, logger, opts...)
}

// expireTokens revokes every token issued so far.
func (g *fakeGateway) expireTokens() {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.validToken = make(map[string]bool)
}

func (g *fakeGateway) putFile(pod, p string, data []byte) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.volumeLocked(pod)[p] = data
}

func (g *fakeGateway) file(pod, p string) ([]byte, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	data, ok := g.volumeLocked(pod)[p]

	return data, ok
}

func (g *fakeGateway) addImage(name string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.images[name] = true
}

func (g *fakeGateway) volumeLocked(pod string) map[string][]byte {
	key := pod
	if key == "" {
		key = defaultVolumeKey
	}

	v, ok := g.volumes[key]
	if !ok {
		v = make(map[string][]byte)
		g.volumes[key] = v
	}

	return v
}

func (g *fakeGateway) serve(w http.ResponseWriter, r *http.Request) {
	route := strings.TrimLeft(r.URL.Path, "/")

	if route == "auth/" {
		g.handleLogin(w, r)
		return
	}

	g.requests.Add(1)

	if !g.authorized(r) {
		_, _ = io.Copy(io.Discard, r.Body)
		writeJSON(w, http.StatusUnauthorized, map[string]any{"detail": "Given token not valid for any token type"})
		return
	}

	switch route {
	case "em/files/list":
		g.handleList(w, r)
	case "em/files/uplink":
		g.handleUplink(w, r)
	case "em/files/downlink":
		g.handleDownlink(w, r)
	case "em/files/delete":
		g.handleDelete(w, r)
	case "em/pod/run":
		g.handleRun(w, r)
	case "em/pod/status":
		g.handleStatus(w, r)
	case "em/pod/image/build", "em/pod/image/load":
		g.handleImage(w, r)
	case "em/pod/image/list":
		g.handleImageList(w)
	default:
		writeJSON(w, http.StatusNotFound, map[string]any{"detail": "Not found."})
	}
}

func (g *fakeGateway) handleLogin(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"detail": err.Error()})
		return
	}

	if r.PostForm.Get("username") != testUser || r.PostForm.Get("password") != testPassword {
		writeJSON(w, http.StatusUnauthorized, map[string]any{
			"detail": "No active account found with the given credentials",
		})

		return
	}

	g.logins.Add(1)

	g.mu.Lock()
	g.tokenSeq++
	tok := fmt.Sprintf("tok-%d", g.tokenSeq)
	g.validToken[tok] = true
	g.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{"access": tok, "refresh": "unused"})
}

func (g *fakeGateway) authorized(r *http.Request) bool {
	tok, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok {
		return false
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	return g.validToken[tok]
}

func (g *fakeGateway) handleList(w http.ResponseWriter, r *http.Request) {
	pod := r.URL.Query().Get("pod_name")

	g.mu.Lock()
	vol := g.volumeLocked(pod)
	files := make([]map[string]any, 0, len(vol))

	for p, data := range vol {
		files = append(files, map[string]any{"path": p, "size": len(data)})
	}
	g.mu.Unlock()

	sort.Slice(files, func(i, j int) bool {
		return files[i]["path"].(string) < files[j]["path"].(string)
	})

	writeJSON(w, http.StatusOK, files)
}

func (g *fakeGateway) handleUplink(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(1 << 20); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "BAD_UPLOAD", "detail": err.Error()})
		return
	}

	pod := r.FormValue("pod_name")
	dest := r.FormValue("dest_path")

	var stored []string

	for _, fh := range r.MultipartForm.File["files"] {
		f, err := fh.Open()
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]any{"detail": err.Error()})
			return
		}

		data, err := io.ReadAll(f)
		f.Close()

		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]any{"detail": err.Error()})
			return
		}

		p := path.Join(dest, fh.Filename)
		g.putFile(pod, p, data)
		stored = append(stored, p)
	}

	writeJSON(w, http.StatusOK, map[string]any{"uploaded": stored, "pod_name": pod})
}

func (g *fakeGateway) handleDownlink(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	data, ok := g.file(q.Get("pod_name"), q.Get("filepath"))
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]any{
			"error":  "FILE_NOT_FOUND",
			"detail": fmt.Sprintf("%s does not exist", q.Get("filepath")),
		})

		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, path.Base(q.Get("filepath"))))
	_, _ = w.Write(data)
}

func (g *fakeGateway) handleDelete(w http.ResponseWriter, r *http.Request) {
	var req struct {
		FilePath string `json:"filepath"`
		PodName  string `json:"pod_name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"detail": err.Error()})
		return
	}

	g.mu.Lock()
	vol := g.volumeLocked(req.PodName)
	removed := 0

	for p := range vol {
		if p == req.FilePath || strings.HasPrefix(p, req.FilePath+"/") {
			delete(vol, p)
			removed++
		}
	}
	g.mu.Unlock()

	if removed == 0 {
		writeJSON(w, http.StatusNotFound, map[string]any{
			"error":  "FILE_NOT_FOUND",
			"detail": fmt.Sprintf("%s does not exist", req.FilePath),
		})

		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"deleted": req.FilePath, "count": removed})
}

func (g *fakeGateway) handleRun(w http.ResponseWriter, r *http.Request) {
	var req map[string]any
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"detail": err.Error()})
		return
	}

	image, _ := req["image"].(string)
	pod, _ := req["pod_name"].(string)

	g.mu.Lock()
	defer g.mu.Unlock()

	g.lastRun = req

	if !g.images[image] {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error":  "IMAGE_NOT_FOUND",
			"detail": fmt.Sprintf("image %s not found", image),
		})

		return
	}

	g.pods[pod] = "Running"

	writeJSON(w, http.StatusOK, map[string]any{"status": "scheduled", "image": image, "pod_name": pod})
}

func (g *fakeGateway) handleStatus(w http.ResponseWriter, r *http.Request) {
	pod := r.URL.Query().Get("pod_name")

	g.mu.Lock()
	phase, ok := g.pods[pod]
	g.mu.Unlock()

	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "POD_NOT_FOUND", "detail": "no pod"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"pod_name": pod, "status": phase})
}

func (g *fakeGateway) handleImage(w http.ResponseWriter, r *http.Request) {
	var req map[string]any
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"detail": err.Error()})
		return
	}

	image, _ := req["image"].(string)
	g.addImage(image)

	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "image": image})
}

func (g *fakeGateway) handleImageList(w http.ResponseWriter) {
	g.mu.Lock()
	names := make([]string, 0, len(g.images))

	for name := range g.images {
		names = append(names, name)
	}
	g.mu.Unlock()

	sort.Strings(names)
	writeJSON(w, http.StatusOK, map[string]any{"images": names})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
