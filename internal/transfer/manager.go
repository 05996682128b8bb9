// Package transfer runs multi-file downloads and uploads against the gateway
// with bounded concurrency and an optional shared bandwidth limit.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"

	"golang.org/x/sync/errgroup"

	"github.com/dphi-space/emctl/internal/emapi"
	"github.com/dphi-space/emctl/internal/ledger"
	"github.com/dphi-space/emctl/internal/volume"
)

// ErrDuplicateDestination marks a download that was not attempted because an
// earlier path in the same call saves to the same local file.
var ErrDuplicateDestination = errors.New("transfer: duplicate local destination")

// Client is the subset of *emapi.Client the manager drives.
type Client interface {
	Download(
		ctx context.Context, remotePath, localFolder string, vol volume.ID, opts ...emapi.DownloadOption,
	) (*emapi.DownloadResult, error)
	Upload(ctx context.Context, batch emapi.UploadBatch, opts ...emapi.UploadOption) (emapi.Payload, error)
}

// Options sizes the worker pools and the per-write chunk.
type Options struct {
	ParallelDownloads int
	ParallelUploads   int
	ChunkSize         int
	BandwidthLimit    string
}

// Manager dispatches transfers through bounded errgroups. A failure local
// to one file is recorded in the report and the rest continue; an
// authentication or transport failure cancels the remaining workers.
type Manager struct {
	client          Client
	downloadWorkers int
	uploadWorkers   int
	chunkSize       int
	limiter         *BandwidthLimiter
	recorder        *ledger.Recorder
	logger          *slog.Logger
}

// NewManager creates a Manager. recorder may be nil.
func NewManager(client Client, opts Options, recorder *ledger.Recorder, logger *slog.Logger) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}

	limiter, err := NewBandwidthLimiter(opts.BandwidthLimit, logger)
	if err != nil {
		return nil, err
	}

	return &Manager{
		client:          client,
		downloadWorkers: max(opts.ParallelDownloads, 1),
		uploadWorkers:   max(opts.ParallelUploads, 1),
		chunkSize:       opts.ChunkSize,
		limiter:         limiter,
		recorder:        recorder,
		logger:          logger,
	}, nil
}

// FileResult is the outcome of one downloaded file.
type FileResult struct {
	RemotePath string `json:"remote_path"`
	LocalPath  string `json:"local_path,omitempty"`
	SizeBytes  int64  `json:"size_bytes"`
	Err        error  `json:"-"`
}

// BatchResult is the outcome of one upload request.
type BatchResult struct {
	Paths   []string      `json:"paths"`
	Payload emapi.Payload `json:"response,omitempty"`
	Err     error         `json:"-"`
}

// DownloadReport lists results in input order.
type DownloadReport struct {
	Files []FileResult
}

// Err joins every per-file failure, or returns nil.
func (r *DownloadReport) Err() error {
	var errs []error

	for _, f := range r.Files {
		if f.Err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", f.RemotePath, f.Err))
		}
	}

	return errors.Join(errs...)
}

// UploadReport lists one result per request sent.
type UploadReport struct {
	Batches []BatchResult
}

// Err joins every per-batch failure, or returns nil.
func (r *UploadReport) Err() error {
	var errs []error

	for _, b := range r.Batches {
		if b.Err != nil {
			errs = append(errs, b.Err)
		}
	}

	return errors.Join(errs...)
}

// isFatal reports whether err makes every other transfer pointless.
func isFatal(err error) bool {
	return errors.Is(err, emapi.ErrAuthenticationFailed) ||
		errors.Is(err, emapi.ErrTransport) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

// DownloadAll fetches every remote path from vol into folder, at most
// ParallelDownloads at a time. Repeated paths are fetched once. Paths whose
// base names collide (a/x.txt, b/x.txt) would overwrite each other in
// folder: only the first is fetched and the rest fail with
// ErrDuplicateDestination. The report is returned even when a fatal error
// stops the run early.
func (m *Manager) DownloadAll(
	ctx context.Context, paths []string, folder string, vol volume.ID,
) (*DownloadReport, error) {
	paths = dedupe(paths)
	report := &DownloadReport{Files: make([]FileResult, len(paths))}

	if len(paths) == 0 {
		return report, nil
	}

	m.logger.Info("starting downloads",
		slog.Int("count", len(paths)),
		slog.Int("workers", m.downloadWorkers),
		slog.String("pod_name", vol.Name()),
	)

	claimed := make(map[string]string, len(paths))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.downloadWorkers)

	for i, p := range paths {
		name := emapi.LocalName(p)
		if first, ok := claimed[name]; ok {
			report.Files[i] = FileResult{
				RemotePath: p,
				Err:        fmt.Errorf("%w: %s is also downloaded from %s", ErrDuplicateDestination, filepath.Join(folder, name), first),
			}

			m.logger.Warn("skipping download with duplicate destination",
				slog.String("path", p),
				slog.String("conflicts_with", first),
			)

			continue
		}

		claimed[name] = p

		g.Go(func() error {
			res, err := m.client.Download(gctx, p, folder, vol, m.downloadOptions(gctx)...)

			fr := FileResult{RemotePath: p, Err: err}
			if res != nil {
				fr.LocalPath = res.LocalPath
				fr.SizeBytes = res.SizeBytes
			}

			// Each worker owns its slot.
			report.Files[i] = fr

			m.recorder.Transfer(ctx, ledger.Transfer{
				Kind:       ledger.KindDownload,
				Volume:     vol,
				RemotePath: p,
				LocalPath:  fr.LocalPath,
				SizeBytes:  fr.SizeBytes,
				Error:      ledger.ErrorString(err),
			})

			if err == nil {
				return nil
			}

			if isFatal(err) {
				return err
			}

			m.logger.Warn("download failed",
				slog.String("path", p),
				slog.String("error", err.Error()),
			)

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return report, fmt.Errorf("transfer: downloads aborted: %w", err)
	}

	return report, nil
}

func (m *Manager) downloadOptions(ctx context.Context) []emapi.DownloadOption {
	var opts []emapi.DownloadOption

	if m.chunkSize > 0 {
		opts = append(opts, emapi.WithDownloadChunkSize(m.chunkSize))
	}

	if m.limiter != nil {
		opts = append(opts, emapi.WithWriterWrapper(func(w io.Writer) io.Writer {
			return m.limiter.WrapWriter(ctx, w)
		}))
	}

	return opts
}

// UploadAll sends paths to dest in vol. With ParallelUploads of 1 the whole
// set goes in a single request; otherwise it is dealt round-robin into that
// many requests sent concurrently. Either way every file is opened before
// the first request: one unreadable file fails the call with
// ErrLocalFileUnavailable and nothing is sent.
func (m *Manager) UploadAll(
	ctx context.Context, paths []string, dest string, vol volume.ID,
) (*UploadReport, error) {
	paths = dedupe(paths)
	batches := splitBatches(paths, m.uploadWorkers)
	report := &UploadReport{Batches: make([]BatchResult, len(batches))}

	if len(batches) == 0 {
		return report, fmt.Errorf("transfer: %w: nothing to upload", emapi.ErrInvalidRequest)
	}

	// A single batch is all-or-nothing inside Upload already.
	if len(batches) > 1 {
		if err := emapi.CheckLocalFiles(paths); err != nil {
			return &UploadReport{}, fmt.Errorf("transfer: %w", err)
		}
	}

	m.logger.Info("starting uploads",
		slog.Int("count", len(paths)),
		slog.Int("requests", len(batches)),
		slog.String("pod_name", vol.Name()),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.uploadWorkers)

	for i, batch := range batches {
		g.Go(func() error {
			payload, err := m.client.Upload(gctx, emapi.UploadBatch{
				Paths:      batch,
				DestFolder: dest,
				Volume:     vol,
			}, m.uploadOptions(gctx)...)

			report.Batches[i] = BatchResult{Paths: batch, Payload: payload, Err: err}

			m.recordUploads(ctx, batch, dest, vol, err)

			if err == nil {
				return nil
			}

			if isFatal(err) {
				return err
			}

			m.logger.Warn("upload failed",
				slog.Int("files", len(batch)),
				slog.String("error", err.Error()),
			)

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return report, fmt.Errorf("transfer: uploads aborted: %w", err)
	}

	return report, nil
}

func (m *Manager) uploadOptions(ctx context.Context) []emapi.UploadOption {
	if m.limiter == nil {
		return nil
	}

	return []emapi.UploadOption{emapi.WithReaderWrapper(func(r io.Reader) io.Reader {
		return m.limiter.WrapReader(ctx, r)
	})}
}

func (m *Manager) recordUploads(ctx context.Context, batch []string, dest string, vol volume.ID, err error) {
	for _, p := range batch {
		var size int64
		if info, statErr := os.Stat(p); statErr == nil {
			size = info.Size()
		}

		m.recorder.Transfer(ctx, ledger.Transfer{
			Kind:       ledger.KindUpload,
			Volume:     vol,
			RemotePath: path.Join(dest, filepath.Base(p)),
			LocalPath:  p,
			SizeBytes:  size,
			Error:      ledger.ErrorString(err),
		})
	}
}

// splitBatches deals paths round-robin into at most n non-empty batches.
func splitBatches(paths []string, n int) [][]string {
	if len(paths) == 0 {
		return nil
	}

	n = min(max(n, 1), len(paths))
	batches := make([][]string, n)

	for i, p := range paths {
		batches[i%n] = append(batches[i%n], p)
	}

	return batches
}

func dedupe(paths []string) []string {
	seen := make(map[string]struct{}, len(paths))
	out := make([]string, 0, len(paths))

	for _, p := range paths {
		if _, ok := seen[p]; ok {
			continue
		}

		seen[p] = struct{}{}
		out = append(out, p)
	}

	return out
}
