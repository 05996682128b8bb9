package transfer

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewBandwidthLimiter_Unlimited(t *testing.T) {
	for _, limit := range []string{"0", "", " 0 "} {
		bl, err := NewBandwidthLimiter(limit, testLogger(t))
		require.NoError(t, err)
		assert.Nil(t, bl, "limit %q should be unlimited", limit)
	}
}

func TestNewBandwidthLimiter_Static(t *testing.T) {
	bl, err := NewBandwidthLimiter("1MB/s", testLogger(t))
	require.NoError(t, err)
	require.NotNil(t, bl)
	assert.Equal(t, 2_000_000, bl.limiter.Burst())
}

func TestNewBandwidthLimiter_Invalid(t *testing.T) {
	for _, limit := range []string{"garbage", "-1MB/s", "fast/s"} {
		_, err := NewBandwidthLimiter(limit, testLogger(t))
		assert.Error(t, err, "limit %q", limit)
	}
}

func TestRateLimitedReader_Throttles(t *testing.T) {
	// 1 KB/s with a 2 KB burst: reading 4 KB must wait for roughly 2 seconds.
	bl, err := NewBandwidthLimiter("1KB/s", testLogger(t))
	require.NoError(t, err)
	require.NotNil(t, bl)

	data := make([]byte, 4000)
	reader := bl.WrapReader(context.Background(), bytes.NewReader(data))

	start := time.Now()

	n, err := io.Copy(io.Discard, reader)
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)), n)
	assert.GreaterOrEqual(t, time.Since(start), 500*time.Millisecond)
}

func TestRateLimitedWriter_Throttles(t *testing.T) {
	bl, err := NewBandwidthLimiter("1KB/s", testLogger(t))
	require.NoError(t, err)

	var buf bytes.Buffer
	writer := bl.WrapWriter(context.Background(), &buf)

	chunk := make([]byte, 1024)
	start := time.Now()

	for i := range 4 {
		n, writeErr := writer.Write(chunk)
		require.NoError(t, writeErr, "chunk %d", i)
		assert.Equal(t, len(chunk), n)
	}

	assert.GreaterOrEqual(t, time.Since(start), 500*time.Millisecond)
	assert.Equal(t, 4096, buf.Len())
}

func TestRateLimitedWriter_LargerThanBurst(t *testing.T) {
	// A single write bigger than the burst must be split, not rejected.
	bl, err := NewBandwidthLimiter("10KB/s", testLogger(t))
	require.NoError(t, err)

	var buf bytes.Buffer

	n, err := bl.WrapWriter(context.Background(), &buf).Write(make([]byte, 30_000))
	require.NoError(t, err)
	assert.Equal(t, 30_000, n)
}

func TestRateLimitedReader_ContextCancel(t *testing.T) {
	bl, err := NewBandwidthLimiter("1KB/s", testLogger(t))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())

	reader := bl.WrapReader(ctx, strings.NewReader(strings.Repeat("x", 100000)))

	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	buf := make([]byte, 512)

	var readErr error

	for {
		_, readErr = reader.Read(buf)
		if readErr != nil {
			break
		}
	}

	assert.ErrorIs(t, readErr, context.Canceled)
}

func TestBandwidthLimiter_NilReceiver(t *testing.T) {
	var bl *BandwidthLimiter

	r := strings.NewReader("data")
	assert.Equal(t, r, bl.WrapReader(context.Background(), r))

	var buf bytes.Buffer
	assert.Equal(t, &buf, bl.WrapWriter(context.Background(), &buf))
}
