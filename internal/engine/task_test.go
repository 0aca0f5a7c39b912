package engine

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackoffDelayDoubles(t *testing.T) {
	base := 2 * time.Second
	assert.Equal(t, 2*time.Second, backoffDelay(base, 1))
	assert.Equal(t, 4*time.Second, backoffDelay(base, 2))
	assert.Equal(t, 8*time.Second, backoffDelay(base, 3))
}

func TestClassifyProbeErrHTTPStatusDrivesFatalVsTransient(t *testing.T) {
	fatal := classifyProbeErr("id", httpError("id", http.StatusNotFound, assertErr("not found")))
	assert.Equal(t, outcomeFatal, fatal.kind)

	transient := classifyProbeErr("id", httpError("id", http.StatusServiceUnavailable, assertErr("unavailable")))
	assert.Equal(t, outcomeTransient, transient.kind)

	transient2 := classifyProbeErr("id", httpError("id", http.StatusTooManyRequests, assertErr("rate limited")))
	assert.Equal(t, outcomeTransient, transient2.kind)
}

func TestClassifyProbeErrNetworkIsTransient(t *testing.T) {
	out := classifyProbeErr("id", newError("id", ErrNetwork, assertErr("dial tcp: timeout")))
	assert.Equal(t, outcomeTransient, out.kind)
}

func TestClassifyProbeErrInvalidURLIsFatal(t *testing.T) {
	out := classifyProbeErr("id", newError("id", ErrInvalidURL, assertErr("bad url")))
	assert.Equal(t, outcomeFatal, out.kind)
}

func TestSpeedEstimatorConverges(t *testing.T) {
	s := &speedEstimator{last: time.Now().Add(-2 * time.Second)}
	s.observe(2000)
	assert.Greater(t, s.bps(), 0.0)
}

func TestOnDiskSizeMissingFileIsZero(t *testing.T) {
	assert.Equal(t, int64(0), onDiskSize("/nonexistent/path/for/test"))
}

// blockingReader never returns from Read until release is closed, simulating
// a server that stops sending bytes mid-stream without closing the
// connection.
type blockingReader struct {
	release chan struct{}
}

func (r *blockingReader) Read(p []byte) (int, error) {
	<-r.release
	return 0, io.EOF
}

func TestReadChunkTimesOutOnStalledBody(t *testing.T) {
	r := &blockingReader{release: make(chan struct{})}
	defer close(r.release)

	_, err := readChunk(context.Background(), r, make([]byte, 16), 20*time.Millisecond)
	require.Error(t, err)
}

func TestReadChunkReturnsDataBeforeTimeout(t *testing.T) {
	body := io.NopCloser(bytes.NewReader([]byte("hello")))
	buf := make([]byte, 16)
	n, err := readChunk(context.Background(), body, buf, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(buf[:n]))
}

type stringError string

func (e stringError) Error() string { return string(e) }

func assertErr(msg string) error { return stringError(msg) }
