package transfer

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"golang.org/x/time/rate"

	"github.com/dphi-space/emctl/internal/config"
)

// burstMultiplier sets the token bucket burst relative to the per-second
// rate, so short idle gaps can be spent on the next chunk.
const burstMultiplier = 2

// BandwidthLimiter is one token bucket shared by every concurrent transfer,
// keeping aggregate throughput within bandwidth_limit. A nil limiter means
// unlimited and its wrappers return their argument unchanged.
type BandwidthLimiter struct {
	limiter *rate.Limiter
	logger  *slog.Logger
}

// NewBandwidthLimiter parses a bandwidth_limit value such as "5MB/s".
// Returns nil for "0" or empty.
func NewBandwidthLimiter(bandwidthLimit string, logger *slog.Logger) (*BandwidthLimiter, error) {
	bytesPerSec, err := config.ParseRate(bandwidthLimit)
	if err != nil {
		return nil, fmt.Errorf("transfer: bandwidth limit: %w", err)
	}

	if bytesPerSec < 0 {
		return nil, fmt.Errorf("transfer: bandwidth limit %q must be non-negative", bandwidthLimit)
	}

	if bytesPerSec == 0 {
		return nil, nil //nolint:nilnil // nil limiter = unlimited
	}

	burst := int(bytesPerSec) * burstMultiplier
	limiter := rate.NewLimiter(rate.Limit(bytesPerSec), burst)

	logger.Debug("bandwidth limiter created",
		slog.Int64("bytes_per_sec", bytesPerSec),
		slog.Int("burst", burst),
	)

	return &BandwidthLimiter{limiter: limiter, logger: logger}, nil
}

// WrapReader returns a rate-limited io.Reader, or r itself when bl is nil.
func (bl *BandwidthLimiter) WrapReader(ctx context.Context, r io.Reader) io.Reader {
	if bl == nil {
		return r
	}

	return &rateLimitedReader{r: r, limiter: bl.limiter, ctx: ctx}
}

// WrapWriter returns a rate-limited io.Writer, or w itself when bl is nil.
func (bl *BandwidthLimiter) WrapWriter(ctx context.Context, w io.Writer) io.Writer {
	if bl == nil {
		return w
	}

	return &rateLimitedWriter{w: w, limiter: bl.limiter, ctx: ctx}
}

// rateLimitedReader blocks after each read until the limiter admits the
// bytes consumed.
type rateLimitedReader struct {
	r       io.Reader
	limiter *rate.Limiter
	ctx     context.Context
}

func (r *rateLimitedReader) Read(p []byte) (int, error) {
	n, err := r.r.Read(p)
	if n > 0 {
		if waitErr := waitN(r.ctx, r.limiter, n); waitErr != nil {
			return n, waitErr
		}
	}

	return n, err
}

// rateLimitedWriter blocks after each write until the limiter admits the
// bytes produced.
type rateLimitedWriter struct {
	w       io.Writer
	limiter *rate.Limiter
	ctx     context.Context
}

func (w *rateLimitedWriter) Write(p []byte) (int, error) {
	n, err := w.w.Write(p)
	if n > 0 {
		if waitErr := waitN(w.ctx, w.limiter, n); waitErr != nil {
			return n, waitErr
		}
	}

	return n, err
}

// waitN splits n into burst-sized requests; rate.Limiter.WaitN rejects any
// request larger than the burst.
func waitN(ctx context.Context, limiter *rate.Limiter, n int) error {
	burst := limiter.Burst()

	for n > 0 {
		take := min(n, burst)

		if err := limiter.WaitN(ctx, take); err != nil {
			return err
		}

		n -= take
	}

	return nil
}
