package emapi

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/dphi-space/emctl/internal/volume"
)

const (
	// defaultChunkSize is the largest single write to the local file.
	defaultChunkSize = 1 << 20

	// DefaultDownloadFolder is used when Download is given no local folder.
	DefaultDownloadFolder = "downlink"

	// fallbackFilename names a download whose name cannot be determined.
	fallbackFilename = "downloaded_file"

	partialPrefix = "."
	partialSuffix = ".partial"

	downloadFilePerms = 0o644
)

// DownloadOption adjusts a single Download call.
type DownloadOption func(*downloadOptions)

type downloadOptions struct {
	chunkSize  int
	wrapWriter func(io.Writer) io.Writer
}

// WithDownloadChunkSize overrides the client's chunk size for one download.
func WithDownloadChunkSize(n int) DownloadOption {
	return func(o *downloadOptions) {
		if n > 0 {
			o.chunkSize = n
		}
	}
}

// WithWriterWrapper wraps the local file writer, e.g. for bandwidth limiting
// or progress reporting. The wrapper sees every chunk exactly as written.
func WithWriterWrapper(wrap func(io.Writer) io.Writer) DownloadOption {
	return func(o *downloadOptions) {
		o.wrapWriter = wrap
	}
}

// Download fetches remotePath from a volume into localFolder ("downlink" when
// empty). The content is never held in memory: it is copied to a partial
// file in chunks of at most the chunk size, then renamed into place. A
// gateway error returns before anything is created locally.
func (c *Client) Download(
	ctx context.Context, remotePath, localFolder string, vol volume.ID, opts ...DownloadOption,
) (*DownloadResult, error) {
	if remotePath == "" {
		return nil, fmt.Errorf("%w: download requires a remote path", ErrInvalidRequest)
	}

	if localFolder == "" {
		localFolder = DefaultDownloadFolder
	}

	o := downloadOptions{chunkSize: c.chunkSize}
	for _, opt := range opts {
		opt(&o)
	}

	q := volumeQuery(vol.Name())
	q.Set("filepath", remotePath)

	c.logger.Info("downloading file",
		slog.String("path", remotePath),
		slog.String("pod_name", vol.Name()),
		slog.String("folder", localFolder),
	)

	resp, err := c.Do(ctx, http.MethodGet, pathFilesDownlink, q, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var (
		name    string
		content io.Reader
	)

	if isJSONResponse(resp) {
		name, content, err = decodeEnvelope(resp)
		if err != nil {
			return nil, err
		}
	} else {
		name = dispositionFilename(resp.Header.Get("Content-Disposition"))
		content = resp.Body
	}

	name = safeFilename(name, remotePath)

	n, localPath, err := writeChunked(localFolder, name, content, o)
	if err != nil {
		return nil, err
	}

	c.logger.Info("downloaded file",
		slog.String("path", remotePath),
		slog.String("local_path", localPath),
		slog.Int64("size", n),
	)

	return &DownloadResult{Filename: name, LocalPath: localPath, SizeBytes: n}, nil
}

func isJSONResponse(resp *http.Response) bool {
	mt, _, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil {
		return false
	}

	return mt == "application/json"
}

// downloadEnvelope is the JSON response variant of em/files/downlink.
type downloadEnvelope struct {
	Filename string  `json:"filename"`
	Content  *string `json:"content"`
}

// decodeEnvelope reads the JSON variant. A success status carrying an error
// object instead of content is reported as an *APIError.
func decodeEnvelope(resp *http.Response) (string, io.Reader, error) {
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxPayloadBytes))
	if err != nil {
		return "", nil, fmt.Errorf("emapi: reading download response: %w", err)
	}

	var env downloadEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("emapi: decoding download response: %w", err)
	}

	if env.Content == nil {
		return "", nil, newAPIError(resp.StatusCode, resp.Header.Get(headerRequestID), data)
	}

	return env.Filename, base64.NewDecoder(base64.StdEncoding, strings.NewReader(*env.Content)), nil
}

// dispositionFilename extracts the filename parameter of a Content-Disposition
// header, tolerating headers the mime parser rejects.
func dispositionFilename(header string) string {
	if header == "" {
		return ""
	}

	if _, params, err := mime.ParseMediaType(header); err == nil {
		return params["filename"]
	}

	_, after, ok := strings.Cut(header, "filename=")
	if !ok {
		return ""
	}

	after, _, _ = strings.Cut(after, ";")

	return strings.Trim(strings.TrimSpace(after), `"'`)
}

// LocalName is the file name a download of remotePath is saved under when
// the gateway does not supply one of its own.
func LocalName(remotePath string) string {
	return safeFilename("", remotePath)
}

// safeFilename reduces a server-supplied name to a single NFC path element,
// falling back to the remote path's base name and then to fallbackFilename.
func safeFilename(name, remotePath string) string {
	for _, candidate := range []string{name, remotePath} {
		if base := baseElement(candidate); base != "" {
			return base
		}
	}

	return fallbackFilename
}

func baseElement(s string) string {
	s = strings.ReplaceAll(strings.TrimSpace(s), `\`, "/")
	if s == "" {
		return ""
	}

	base := norm.NFC.String(filepath.Base(filepath.Clean("/" + s)))
	if base == "/" || base == "." || base == ".." {
		return ""
	}

	return base
}

// writeChunked copies content to a uniquely named folder/.name.*.partial and
// renames it to folder/name. Concurrent downloads of the same name never
// share a partial file. The partial file is removed on failure.
func writeChunked(folder, name string, content io.Reader, o downloadOptions) (int64, string, error) {
	if err := os.MkdirAll(folder, 0o755); err != nil {
		return 0, "", fmt.Errorf("emapi: creating download folder: %w", err)
	}

	finalPath := filepath.Join(folder, name)

	f, err := os.CreateTemp(folder, partialPrefix+name+".*"+partialSuffix)
	if err != nil {
		return 0, "", fmt.Errorf("emapi: creating partial file for %s: %w", finalPath, err)
	}

	partialPath := f.Name()

	if err := f.Chmod(downloadFilePerms); err != nil {
		f.Close()
		os.Remove(partialPath)

		return 0, "", fmt.Errorf("emapi: creating %s: %w", partialPath, err)
	}

	var w io.Writer = f
	if o.wrapWriter != nil {
		w = o.wrapWriter(w)
	}

	n, copyErr := copyChunks(w, content, make([]byte, o.chunkSize))
	closeErr := f.Close()

	if err := errors.Join(copyErr, closeErr); err != nil {
		os.Remove(partialPath)
		return n, "", fmt.Errorf("emapi: writing %s: %w", finalPath, err)
	}

	if err := os.Rename(partialPath, finalPath); err != nil {
		os.Remove(partialPath)
		return n, "", fmt.Errorf("emapi: renaming into %s: %w", finalPath, err)
	}

	return n, finalPath, nil
}

// copyChunks copies src to dst one buffer at a time. Unlike io.CopyBuffer it
// never hands dst a larger slice through ReaderFrom/WriterTo shortcuts.
func copyChunks(dst io.Writer, src io.Reader, buf []byte) (int64, error) {
	var written int64

	for {
		nr, readErr := src.Read(buf)
		if nr > 0 {
			nw, err := dst.Write(buf[:nr])
			written += int64(nw)

			if err != nil {
				return written, err
			}

			if nw != nr {
				return written, io.ErrShortWrite
			}
		}

		if readErr == io.EOF {
			return written, nil
		}

		if readErr != nil {
			return written, readErr
		}
	}
}
