package emapi

import (
	"context"
	"net/http"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dphi-space/emctl/internal/volume"
)

func TestListFiles_VolumesAreIsolated(t *testing.T) {
	g := newFakeGateway(t)
	client := g.client()
	ctx := context.Background()

	p := writeTempFile(t, t.TempDir(), "only-in-a.txt", "a")

	_, err := client.Upload(ctx, UploadBatch{Paths: []string{p}, Volume: volume.New("pod-a")})
	require.NoError(t, err)

	inA, err := client.ListFiles(ctx, volume.New("pod-a"))
	require.NoError(t, err)
	require.Len(t, inA, 1)
	assert.Equal(t, "only-in-a.txt", inA[0].Path)
	assert.Equal(t, int64(1), inA[0].Size)

	inB, err := client.ListFiles(ctx, volume.New("pod-b"))
	require.NoError(t, err)
	assert.Empty(t, inB)

	inDefault, err := client.ListFiles(ctx, volume.Default())
	require.NoError(t, err)
	assert.NotNil(t, inDefault)
	assert.Empty(t, inDefault)
}

func TestListFiles_DefaultVolumeHiddenFromNamed(t *testing.T) {
	g := newFakeGateway(t)
	client := g.client()
	ctx := context.Background()

	p := writeTempFile(t, t.TempDir(), "shared.txt", "x")

	_, err := client.Upload(ctx, UploadBatch{Paths: []string{p}, Volume: volume.New("  ")})
	require.NoError(t, err)

	inDefault, err := client.ListFiles(ctx, volume.Default())
	require.NoError(t, err)
	assert.Len(t, inDefault, 1)

	named, err := client.ListFiles(ctx, volume.New("pod-a"))
	require.NoError(t, err)
	assert.Empty(t, named)
}

func TestDelete_WithoutPodNameMissesNamedVolume(t *testing.T) {
	g := newFakeGateway(t)
	g.putFile("pod-a", "server-data.txt", []byte("data"))

	_, err := g.client().Delete(context.Background(), "server-data.txt", volume.Default())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)

	_, ok := g.file("pod-a", "server-data.txt")
	assert.True(t, ok, "file in pod-a must survive")
}

func TestDelete_RemovesFolderRecursively(t *testing.T) {
	g := newFakeGateway(t)
	g.putFile("pod-a", "run/a.txt", []byte("a"))
	g.putFile("pod-a", "run/sub/b.txt", []byte("b"))
	g.putFile("pod-a", "keep.txt", []byte("k"))

	client := g.client()

	p, err := client.Delete(context.Background(), "run", volume.New("pod-a"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"deleted":"run","count":2}`, p.String())

	left, err := client.ListFiles(context.Background(), volume.New("pod-a"))
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, "keep.txt", left[0].Path)
}

func TestDelete_EmptyPath(t *testing.T) {
	g := newFakeGateway(t)

	_, err := g.client().Delete(context.Background(), "", volume.Default())
	require.ErrorIs(t, err, ErrInvalidRequest)
	assert.Equal(t, int32(0), g.requests.Load())
}

func TestUploadDownloadDelete_RoundTrip(t *testing.T) {
	g := newFakeGateway(t)
	client := g.client()
	ctx := context.Background()
	vol := volume.New("client")

	src := writeTempFile(t, t.TempDir(), "notes.md", "# notes\n")

	_, err := client.Upload(ctx, UploadBatch{Paths: []string{src}, DestFolder: "docs", Volume: vol})
	require.NoError(t, err)

	res, err := client.Download(ctx, "docs/notes.md", t.TempDir(), vol)
	require.NoError(t, err)
	assert.Equal(t, "notes.md", filepath.Base(res.LocalPath))
	assert.Equal(t, int64(8), res.SizeBytes)

	_, err = client.Delete(ctx, "docs/notes.md", vol)
	require.NoError(t, err)

	_, err = client.Download(ctx, "docs/notes.md", t.TempDir(), vol)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestDecodeFileList(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want []RemoteFile
	}{
		{"empty body", ``, []RemoteFile{}},
		{"empty array", `[]`, []RemoteFile{}},
		{"null", `null`, []RemoteFile{}},
		{"bare strings", `["a.txt","dir/b.txt"]`, []RemoteFile{{Path: "a.txt"}, {Path: "dir/b.txt"}}},
		{"objects", `[{"path":"a","size":3},{"filepath":"b","size_bytes":4}]`, []RemoteFile{{Path: "a", Size: 3}, {Path: "b", Size: 4}}},
		{"wrapped", `{"files":[{"name":"c"}]}`, []RemoteFile{{Path: "c"}}},
		{"wrapped empty", `{"files":null}`, []RemoteFile{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := decodeFileList(Payload(tt.in))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDecodeFileList_Invalid(t *testing.T) {
	_, err := decodeFileList(Payload(`{"files":"nope"}`))
	require.Error(t, err)
}

func TestListFiles_ObjectEnvelope(t *testing.T) {
	s := newScriptedServer(t, func(w http.ResponseWriter, _ *http.Request, _ int) {
		writeJSON(w, http.StatusOK, map[string]any{"files": []string{"x.txt"}})
	})

	files, err := s.client().ListFiles(context.Background(), volume.New("pod-z"))
	require.NoError(t, err)
	assert.Equal(t, []RemoteFile{{Path: "x.txt"}}, files)
	assert.Equal(t, "pod_name=pod-z", s.requests()[0].query)
}
