package engine

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tachyon-core/internal/config"
	"tachyon-core/internal/eventbus"
	"tachyon-core/internal/ledger"
)

func newTestEngine(t *testing.T) (*TransferEngine, *ledger.Store) {
	t.Helper()
	l, err := ledger.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })

	bus := eventbus.New()
	cfg := config.New(config.WithRetryBaseDelay(20*time.Millisecond), config.WithChunkSize(1024))
	return New(nil, l, bus, cfg), l
}

func waitForStatus(t *testing.T, e *TransferEngine, id string, want ledger.Status, timeout time.Duration) ledger.Record {
	t.Helper()
	deadline := time.Now().Add(timeout)
	var last ledger.Record
	for time.Now().Before(deadline) {
		rec, err := e.Get(id)
		require.NoError(t, err)
		last = rec
		if rec.Status == want {
			return rec
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for status %s, last status was %s (error=%q)", want, last.Status, last.ErrorMessage)
	return last
}

func TestHappyPathCompletes(t *testing.T) {
	body := strings.Repeat("a", 5000)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Header().Set("Content-Length", fmt.Sprintf("%d", len(body)))
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(body))
	}))
	defer srv.Close()

	e, _ := newTestEngine(t)
	dir := t.TempDir()

	id, err := e.StartDownload(context.Background(), srv.URL+"/file.txt", dir, StartOptions{Filename: "file.txt"})
	require.NoError(t, err)

	rec := waitForStatus(t, e, id, ledger.StatusCompleted, 5*time.Second)
	assert.Equal(t, int64(len(body)), rec.DownloadedBytes)
	assert.NotEmpty(t, rec.Checksum)

	data, err := os.ReadFile(rec.SavePath)
	require.NoError(t, err)
	assert.Equal(t, body, string(data))
}

func TestZeroByteFileCompletes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "0")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	e, _ := newTestEngine(t)
	dir := t.TempDir()

	id, err := e.StartDownload(context.Background(), srv.URL+"/empty.bin", dir, StartOptions{Filename: "empty.bin"})
	require.NoError(t, err)

	rec := waitForStatus(t, e, id, ledger.StatusCompleted, 5*time.Second)
	assert.Equal(t, int64(0), rec.DownloadedBytes)
}

func TestTransient503ThenSuccess(t *testing.T) {
	var calls int32
	body := "payload-bytes"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if n <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Length", fmt.Sprintf("%d", len(body)))
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(body))
	}))
	defer srv.Close()

	e, _ := newTestEngine(t)
	dir := t.TempDir()

	id, err := e.StartDownload(context.Background(), srv.URL+"/retry.bin", dir, StartOptions{Filename: "retry.bin"})
	require.NoError(t, err)

	rec := waitForStatus(t, e, id, ledger.StatusCompleted, 5*time.Second)
	assert.Equal(t, int64(len(body)), rec.DownloadedBytes)
}

func Test404IsFatalNotRetried(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	e, _ := newTestEngine(t)
	dir := t.TempDir()

	id, err := e.StartDownload(context.Background(), srv.URL+"/missing.bin", dir, StartOptions{Filename: "missing.bin"})
	require.NoError(t, err)

	waitForStatus(t, e, id, ledger.StatusFailed, 3*time.Second)
	assert.LessOrEqual(t, atomic.LoadInt32(&calls), int32(2))
}

func TestSSRFRejectedBeforeNetworkIO(t *testing.T) {
	e, _ := newTestEngine(t)
	dir := t.TempDir()

	_, err := e.StartDownload(context.Background(), "http://127.0.0.1/secret", dir, StartOptions{Filename: "x"})
	require.Error(t, err)
	assert.Equal(t, ErrInvalidURL, KindOf(err))

	all, err := e.ListAll()
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestDuplicateFilenameGetsDistinctSavePath(t *testing.T) {
	body := "x"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "1")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(body))
	}))
	defer srv.Close()

	e, _ := newTestEngine(t)
	dir := t.TempDir()

	id1, err := e.StartDownload(context.Background(), srv.URL+"/a", dir, StartOptions{Filename: "report.pdf"})
	require.NoError(t, err)
	rec1 := waitForStatus(t, e, id1, ledger.StatusCompleted, 5*time.Second)

	id2, err := e.StartDownload(context.Background(), srv.URL+"/b", dir, StartOptions{Filename: "report.pdf"})
	require.NoError(t, err)
	rec2 := waitForStatus(t, e, id2, ledger.StatusCompleted, 5*time.Second)

	assert.NotEqual(t, rec1.SavePath, rec2.SavePath)
	assert.Equal(t, filepath.Join(dir, "report (1).pdf"), rec2.SavePath)
}

func TestPauseThenResumeWithRangeSupport(t *testing.T) {
	total := 200 * 1024
	body := strings.Repeat("b", total)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rangeHeader := r.Header.Get("Range")
		if rangeHeader == "" {
			w.Header().Set("Content-Length", fmt.Sprintf("%d", total))
			w.WriteHeader(http.StatusOK)
			w.Write([]byte(body))
			return
		}
		var start int
		fmt.Sscanf(rangeHeader, "bytes=%d-", &start)
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, total-1, total))
		w.Header().Set("Content-Length", fmt.Sprintf("%d", total-start))
		w.WriteHeader(http.StatusPartialContent)
		w.Write([]byte(body[start:]))
	}))
	defer srv.Close()

	e, _ := newTestEngine(t)
	dir := t.TempDir()

	id, err := e.StartDownload(context.Background(), srv.URL+"/big.bin", dir, StartOptions{Filename: "big.bin"})
	require.NoError(t, err)

	// Let some bytes land, then pause.
	time.Sleep(30 * time.Millisecond)
	require.NoError(t, e.Pause(id))

	rec := waitForStatus(t, e, id, ledger.StatusPaused, 3*time.Second)
	assert.Greater(t, rec.DownloadedBytes, int64(0))

	require.NoError(t, e.Resume(id))
	final := waitForStatus(t, e, id, ledger.StatusCompleted, 5*time.Second)
	assert.Equal(t, int64(total), final.DownloadedBytes)

	data, err := os.ReadFile(final.SavePath)
	require.NoError(t, err)
	assert.Equal(t, total, len(data))
}

func TestResumePublishesResumedNotStarted(t *testing.T) {
	total := 1024
	body := strings.Repeat("c", total)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rangeHeader := r.Header.Get("Range")
		if rangeHeader == "" {
			w.Header().Set("Content-Length", fmt.Sprintf("%d", total))
			w.WriteHeader(http.StatusOK)
			w.Write([]byte(body))
			return
		}
		var start int
		fmt.Sscanf(rangeHeader, "bytes=%d-", &start)
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, total-1, total))
		w.Header().Set("Content-Length", fmt.Sprintf("%d", total-start))
		w.WriteHeader(http.StatusPartialContent)
		w.Write([]byte(body[start:]))
	}))
	defer srv.Close()

	e, _ := newTestEngine(t)
	dir := t.TempDir()
	consumerID := e.Subscribe()

	id, err := e.StartDownload(context.Background(), srv.URL+"/r.bin", dir, StartOptions{Filename: "r.bin"})
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, e.Pause(id))
	waitForStatus(t, e, id, ledger.StatusPaused, 3*time.Second)

	require.NoError(t, e.Resume(id))
	waitForStatus(t, e, id, ledger.StatusCompleted, 5*time.Second)

	events := e.PollEvents(consumerID)
	var sawStarted, sawResumed bool
	for _, ev := range events {
		if ev.ID != id {
			continue
		}
		switch ev.Kind {
		case eventbus.Started:
			sawStarted = true
		case eventbus.Resumed:
			sawResumed = true
		}
	}
	assert.True(t, sawStarted, "expected a Started event from the initial StartDownload spawn")
	assert.True(t, sawResumed, "expected a Resumed event from Resume's respawn, not a second Started")
}

func TestVerifyDetectsChecksumMismatch(t *testing.T) {
	e, l := newTestEngine(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "f.bin")
	require.NoError(t, os.WriteFile(path, []byte("actual content"), 0o644))

	record, err := l.Insert(ledger.Record{
		ID:       "verify-test",
		Filename: "f.bin",
		URL:      "http://example.com/f.bin",
		SavePath: path,
		Status:   ledger.StatusCompleted,
		Checksum: "0000000000000000000000000000000000000000000000000000000000000",
	})
	require.NoError(t, err)

	err = e.Verify(record.ID)
	require.Error(t, err)
	assert.Equal(t, ErrChecksumMismatch, KindOf(err))
}

func TestVerifyRefusesNonCompletedRecord(t *testing.T) {
	e, l := newTestEngine(t)
	_, err := l.Insert(ledger.Record{
		ID:       "pending-test",
		Filename: "f.bin",
		URL:      "http://example.com/f.bin",
		SavePath: filepath.Join(t.TempDir(), "f.bin"),
		Status:   ledger.StatusPending,
	})
	require.NoError(t, err)

	err = e.Verify("pending-test")
	require.Error(t, err)
	assert.Equal(t, ErrInvalidTransition, KindOf(err))
}

func TestCancelDeletesPartialFile(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "1000000")
		w.WriteHeader(http.StatusOK)
		flusher, _ := w.(http.Flusher)
		for i := 0; i < 100; i++ {
			w.Write([]byte("0123456789"))
			if flusher != nil {
				flusher.Flush()
			}
		}
		<-block
	}))
	defer srv.Close()
	defer close(block)

	e, _ := newTestEngine(t)
	dir := t.TempDir()

	id, err := e.StartDownload(context.Background(), srv.URL+"/slow.bin", dir, StartOptions{Filename: "slow.bin"})
	require.NoError(t, err)

	time.Sleep(30 * time.Millisecond)
	rec, _ := e.Get(id)
	require.NoError(t, e.Cancel(id))

	waitForStatus(t, e, id, ledger.StatusCancelled, 3*time.Second)
	_, statErr := os.Stat(rec.SavePath)
	assert.True(t, os.IsNotExist(statErr))
}
