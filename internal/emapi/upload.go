package emapi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"sync"

	"github.com/dphi-space/emctl/internal/volume"
)

// uploadFieldFiles is the multipart field repeated once per uploaded file.
const uploadFieldFiles = "files"

// errStreamClosed stops a multipart writer whose request has finished.
var errStreamClosed = errors.New("emapi: upload stream closed")

// UploadBatch is one upload call: every path lands under DestFolder in the
// selected volume. The gateway decides per-file placement and conflicts.
type UploadBatch struct {
	Paths      []string
	DestFolder string
	Volume     volume.ID
}

// UploadOption adjusts a single Upload call.
type UploadOption func(*uploadOptions)

type uploadOptions struct {
	wrapReader func(io.Reader) io.Reader
}

// WithReaderWrapper wraps each file's content reader as it is streamed,
// e.g. to apply a bandwidth limit.
func WithReaderWrapper(wrap func(io.Reader) io.Reader) UploadOption {
	return func(o *uploadOptions) {
		o.wrapReader = wrap
	}
}

// uploadSource is an opened local file with the name it is uploaded under.
type uploadSource struct {
	path string
	name string
	size int64
	file localFile
}

// Upload sends the batch as a single multipart request. Every local path is
// opened before any network I/O; if one cannot be opened the call fails with
// ErrLocalFileUnavailable and nothing is sent. All handles are closed before
// Upload returns, whatever the outcome. The gateway's single response for
// the whole batch is returned unmodified.
func (c *Client) Upload(ctx context.Context, batch UploadBatch, opts ...UploadOption) (Payload, error) {
	var o uploadOptions
	for _, opt := range opts {
		opt(&o)
	}

	if len(batch.Paths) == 0 {
		return nil, fmt.Errorf("%w: upload requires at least one file", ErrInvalidRequest)
	}

	sources, err := c.openSources(batch.Paths)
	if err != nil {
		return nil, err
	}
	defer closeSources(sources, c.logger)

	c.logger.Info("uploading files",
		slog.Int("count", len(sources)),
		slog.String("dest_path", batch.DestFolder),
		slog.String("pod_name", batch.Volume.Name()),
	)

	stream := newMultipartStream([]formField{
		{name: "dest_path", value: batch.DestFolder},
		{name: "pod_name", value: batch.Volume.Name()},
	}, sources)
	stream.wrapReader = o.wrapReader
	defer stream.stop()

	length, err := stream.length()
	if err != nil {
		return nil, err
	}

	body := &requestBody{
		contentType: stream.contentType(),
		length:      length,
		open:        stream.open,
	}

	return c.doPayload(ctx, http.MethodPost, pathFilesUplink, nil, body)
}

// openSources opens every path or none: on the first failure the files
// already opened are closed again.
func (c *Client) openSources(paths []string) ([]*uploadSource, error) {
	sources := make([]*uploadSource, 0, len(paths))

	for _, p := range paths {
		src, err := c.openSource(p)
		if err != nil {
			closeSources(sources, c.logger)
			return nil, err
		}

		sources = append(sources, src)
	}

	return sources, nil
}

func (c *Client) openSource(p string) (*uploadSource, error) {
	return openSourceWith(c.openLocal, p)
}

// CheckLocalFiles opens and closes every path exactly as Upload would. A
// caller that spreads one set of files over several requests uses it to fail
// the whole set before the first request is sent.
func CheckLocalFiles(paths []string) error {
	for _, p := range paths {
		src, err := openSourceWith(openOSFile, p)
		if err != nil {
			return err
		}

		src.file.Close()
	}

	return nil
}

func openSourceWith(open func(string) (localFile, error), p string) (*uploadSource, error) {
	f, err := open(p)
	if err != nil {
		return nil, fmt.Errorf("emapi: opening %s: %w: %w", p, ErrLocalFileUnavailable, err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("emapi: stat %s: %w: %w", p, ErrLocalFileUnavailable, err)
	}

	if info.IsDir() {
		f.Close()
		return nil, fmt.Errorf("emapi: %s: %w: is a directory", p, ErrLocalFileUnavailable)
	}

	return &uploadSource{
		path: p,
		name: filepath.Base(p),
		size: info.Size(),
		file: f,
	}, nil
}

func closeSources(sources []*uploadSource, logger *slog.Logger) {
	for _, s := range sources {
		if err := s.file.Close(); err != nil {
			logger.Warn("closing upload source",
				slog.String("path", s.path),
				slog.String("error", err.Error()),
			)
		}
	}
}

type formField struct {
	name  string
	value string
}

// multipartStream produces the multipart body through a pipe so file
// content is never buffered whole. Each attempt gets a fresh pipe; stop
// tears down the previous writer before files are rewound or closed.
type multipartStream struct {
	boundary string
	fields   []formField
	sources  []*uploadSource

	wrapReader func(io.Reader) io.Reader

	mu      sync.Mutex
	readers []*io.PipeReader
	wg      sync.WaitGroup
}

func newMultipartStream(fields []formField, sources []*uploadSource) *multipartStream {
	return &multipartStream{
		boundary: multipart.NewWriter(io.Discard).Boundary(),
		fields:   fields,
		sources:  sources,
	}
}

func (m *multipartStream) contentType() string {
	return "multipart/form-data; boundary=" + m.boundary
}

// length computes the exact body size from the multipart framing plus the
// file sizes, so the request carries a Content-Length.
func (m *multipartStream) length() (int64, error) {
	var cw countingWriter

	mw := multipart.NewWriter(&cw)
	if err := mw.SetBoundary(m.boundary); err != nil {
		return 0, fmt.Errorf("emapi: multipart boundary: %w", err)
	}

	var content int64

	if err := m.writeFraming(mw, func(_ io.Writer, src *uploadSource) error {
		content += src.size
		return nil
	}); err != nil {
		return 0, err
	}

	return cw.n + content, nil
}

// open starts a writer goroutine for one attempt and returns its reader.
func (m *multipartStream) open() (io.Reader, error) {
	m.stop()

	for _, src := range m.sources {
		if _, err := src.file.Seek(0, io.SeekStart); err != nil {
			return nil, fmt.Errorf("emapi: rewinding %s: %w", src.path, err)
		}
	}

	pr, pw := io.Pipe()

	m.mu.Lock()
	m.readers = append(m.readers, pr)
	m.mu.Unlock()

	m.wg.Add(1)

	go func() {
		defer m.wg.Done()

		mw := multipart.NewWriter(pw)
		err := mw.SetBoundary(m.boundary)

		if err == nil {
			err = m.writeFraming(mw, func(w io.Writer, src *uploadSource) error {
				var r io.Reader = src.file
				if m.wrapReader != nil {
					r = m.wrapReader(r)
				}

				_, copyErr := io.Copy(w, r)
				return copyErr
			})
		}

		pw.CloseWithError(err)
	}()

	return pr, nil
}

// stop closes every reader handed out and waits for the writers to exit.
func (m *multipartStream) stop() {
	m.mu.Lock()
	readers := m.readers
	m.readers = nil
	m.mu.Unlock()

	for _, r := range readers {
		r.CloseWithError(errStreamClosed)
	}

	m.wg.Wait()
}

// writeFraming writes the form fields and a part per file, delegating the
// file content to writeContent, then the closing boundary.
func (m *multipartStream) writeFraming(mw *multipart.Writer, writeContent func(io.Writer, *uploadSource) error) error {
	for _, f := range m.fields {
		if err := mw.WriteField(f.name, f.value); err != nil {
			return fmt.Errorf("emapi: writing field %s: %w", f.name, err)
		}
	}

	for _, src := range m.sources {
		part, err := mw.CreateFormFile(uploadFieldFiles, src.name)
		if err != nil {
			return fmt.Errorf("emapi: writing part for %s: %w", src.path, err)
		}

		if err := writeContent(part, src); err != nil {
			return fmt.Errorf("emapi: streaming %s: %w", src.path, err)
		}
	}

	if err := mw.Close(); err != nil {
		return fmt.Errorf("emapi: closing multipart body: %w", err)
	}

	return nil
}

type countingWriter struct {
	n int64
}

func (w *countingWriter) Write(p []byte) (int, error) {
	w.n += int64(len(p))
	return len(p), nil
}
