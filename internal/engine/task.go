package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"tachyon-core/internal/config"
	"tachyon-core/internal/eventbus"
	"tachyon-core/internal/ledger"
	"tachyon-core/internal/validator"
)

const (
	progressPublishInterval  = 500 * time.Millisecond
	ledgerCheckpointInterval = 1 * time.Second
	metadataFlushBytes       = 1 * 1024 * 1024
)

// runTask is the per-task algorithm of section 4.C, run on its own
// goroutine for the lifetime of one download attempt sequence (including
// its retries). taskCtx is cancelled by Cancel(id); rt.pause is signalled
// by Pause(id).
func (e *TransferEngine) runTask(taskCtx context.Context, rt *runningTask, id string) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("task panicked", "id", id, "panic", r)
			e.failRecord(id, newError(id, ErrIO, fmt.Errorf("internal error: %v", r)))
		}
	}()

	cfg := e.config()

	// Step 1: Admission.
	if err := e.sem.acquire(taskCtx); err != nil {
		if errors.Is(err, context.Canceled) {
			e.cancelRecord(id)
			return
		}
		e.failRecord(id, newError(id, ErrIO, err))
		return
	}
	defer e.sem.release()

	attempt := 0
	for {
		attempt++
		outcome := e.attempt(taskCtx, rt, id, cfg)

		switch outcome.kind {
		case outcomeCompleted, outcomeCancelled, outcomePaused:
			return
		case outcomeFatal:
			e.failRecord(id, outcome.err)
			return
		case outcomeTransient:
			if attempt > cfg.RetryAttempts {
				e.failRecord(id, outcome.err)
				return
			}
			delay := backoffDelay(cfg.RetryBaseDelay, attempt)
			if outcome.retryAfter > 0 {
				delay = outcome.retryAfter
			}
			e.logger.Warn("transient failure, retrying", "id", id, "attempt", attempt, "delay", delay, "error", outcome.err)
			select {
			case <-time.After(delay):
			case <-taskCtx.Done():
				e.cancelRecord(id)
				return
			}
		}
	}
}

// backoffDelay implements section 4.C.7: 2s, 4s, 8s for attempts 1,2,3.
func backoffDelay(base time.Duration, attempt int) time.Duration {
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
	}
	return d
}

type outcomeKind int

const (
	outcomeCompleted outcomeKind = iota
	outcomeFatal
	outcomeTransient
	outcomeCancelled
	outcomePaused
)

type outcome struct {
	kind       outcomeKind
	err        *TransferError
	retryAfter time.Duration
}

// attempt runs one full pass of steps 2-6 (preflight through finalization)
// for a single HTTP connection attempt.
func (e *TransferEngine) attempt(taskCtx context.Context, rt *runningTask, id string, cfg config.Config) outcome {
	record, err := e.ledger.Get(id)
	if err != nil {
		return outcome{kind: outcomeFatal, err: newError(id, ErrIO, err)}
	}

	attemptCtx, cancel := context.WithTimeout(taskCtx, cfg.AttemptTimeout)
	defer cancel()

	// Step 2: Preflight.
	pr, err := probe(attemptCtx, e.client, cfg.UserAgent, record.URL)
	if err != nil {
		return classifyProbeErr(id, err)
	}

	if pr.Size > 0 {
		size := pr.Size
		record.FileSize = &size
	}
	if pr.ContentType != "" {
		record.MimeType = pr.ContentType
	}
	if record.MimeType != "" && validator.ClassifyMIME(record.MimeType) == validator.Executable && !record.UserConfirmed {
		return outcome{kind: outcomeFatal, err: newError(id, ErrUnsafeContent, fmt.Errorf("mime type %s requires confirmation", record.MimeType))}
	}

	record.Status = ledger.StatusInProgress
	if err := e.ledger.Update(record); err != nil {
		return outcome{kind: outcomeFatal, err: newError(id, ErrIO, err)}
	}

	// Step 3: Space check.
	var required int64
	if record.FileSize != nil {
		required = *record.FileSize - record.DownloadedBytes
	}
	if err := validator.CheckDiskSpace(record.SavePath, required, cfg.DiskSafetyMargin); err != nil {
		return outcome{kind: outcomeFatal, err: newError(id, ErrInsufficientSpace, err)}
	}

	// Step 4: Resumption.
	startOffset := onDiskSize(record.SavePath)
	if record.FileSize != nil && startOffset > *record.FileSize {
		if err := os.Truncate(record.SavePath, 0); err != nil {
			return outcome{kind: outcomeFatal, err: newError(id, ErrIO, err)}
		}
		startOffset = 0
	}
	resp, err := rangeGet(attemptCtx, e.client, cfg.UserAgent, record.URL, startOffset)
	if err != nil {
		return classifyProbeErr(id, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return classifyHTTPStatus(id, resp)
	}

	if !rangeHonored(resp, startOffset) {
		if err := os.Truncate(record.SavePath, 0); err != nil && !os.IsNotExist(err) {
			return outcome{kind: outcomeFatal, err: newError(id, ErrIO, err)}
		}
		startOffset = 0
	}

	file, err := os.OpenFile(record.SavePath, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return outcome{kind: outcomeFatal, err: newError(id, ErrIO, err)}
	}
	defer file.Close()
	if _, err := file.Seek(startOffset, io.SeekStart); err != nil {
		return outcome{kind: outcomeFatal, err: newError(id, ErrIO, err)}
	}

	// Step 5: Stream loop.
	return e.streamLoop(attemptCtx, rt, &record, file, resp, startOffset, cfg)
}

// streamLoop implements section 4.C step 5, reading the body in bounded
// chunks, publishing progress, checkpointing the Ledger, and honoring
// pause/cancel at each chunk boundary.
func (e *TransferEngine) streamLoop(ctx context.Context, rt *runningTask, record *ledger.Record, file *os.File, resp *http.Response, startOffset int64, cfg config.Config) outcome {
	id := record.ID
	buf := make([]byte, cfg.ChunkSize)

	var checksum *streamingChecksum
	if startOffset == 0 {
		checksum = newStreamingChecksum()
	}

	downloaded := startOffset
	sinceFlush := int64(0)
	lastProgress := time.Now()
	lastCheckpoint := time.Now()
	speed := newSpeedEstimator()

	for {
		select {
		case <-rt.pause:
			e.checkpoint(record, downloaded)
			e.pauseRecord(id, downloaded)
			return outcome{kind: outcomePaused}
		case <-ctx.Done():
			e.checkpoint(record, downloaded)
			if errors.Is(ctx.Err(), context.Canceled) {
				e.cancelRecord(id)
				return outcome{kind: outcomeCancelled}
			}
			return outcome{kind: outcomeTransient, err: newError(id, ErrNetwork, ctx.Err())}
		default:
		}

		if err := e.bandwidth.wait(ctx, id, len(buf)); err != nil {
			e.checkpoint(record, downloaded)
			return outcome{kind: outcomeTransient, err: newError(id, ErrNetwork, err)}
		}

		n, err := readChunk(ctx, resp.Body, buf, cfg.ChunkTimeout)
		if n > 0 {
			if _, werr := file.Write(buf[:n]); werr != nil {
				return outcome{kind: outcomeFatal, err: newError(id, ErrIO, werr)}
			}
			if checksum != nil {
				checksum.write(buf[:n])
			}
			downloaded += int64(n)
			sinceFlush += int64(n)
			speed.observe(int64(n))

			if sinceFlush >= metadataFlushBytes {
				file.Sync()
				sinceFlush = 0
			}
			if time.Since(lastProgress) >= progressPublishInterval {
				e.publishProgress(id, record.Status, downloaded, record.FileSize, speed.bps())
				lastProgress = time.Now()
			}
			if time.Since(lastCheckpoint) >= ledgerCheckpointInterval {
				e.checkpoint(record, downloaded)
				lastCheckpoint = time.Now()
			}
		}

		if err != nil {
			if err == io.EOF {
				return e.finalize(record, file, downloaded, checksum)
			}
			e.checkpoint(record, downloaded)
			return outcome{kind: outcomeTransient, err: newError(id, ErrNetwork, err)}
		}
	}
}

// readChunk wraps one resp.Body.Read with the configured per-chunk deadline
// (section 5/section 6.4's chunk_timeout): a server that stops sending bytes
// mid-stream, rather than closing the connection, never trips the
// whole-attempt timeout on its own. Read runs on its own goroutine because
// io.Reader has no deadline parameter; if the timer or ctx fires first, the
// stalled Read is left to unblock on its own once attempt()'s deferred
// resp.Body.Close() runs.
func readChunk(ctx context.Context, body io.Reader, buf []byte, timeout time.Duration) (int, error) {
	type result struct {
		n   int
		err error
	}
	resCh := make(chan result, 1)
	go func() {
		n, err := body.Read(buf)
		resCh <- result{n, err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case res := <-resCh:
		return res.n, res.err
	case <-timer.C:
		return 0, fmt.Errorf("no data received for %s", timeout)
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// finalize implements section 4.C step 6.
func (e *TransferEngine) finalize(record *ledger.Record, file *os.File, downloaded int64, checksum *streamingChecksum) outcome {
	id := record.ID
	if record.FileSize != nil && downloaded != *record.FileSize {
		return outcome{kind: outcomeTransient, err: newError(id, ErrIO, fmt.Errorf("downloaded %d bytes, expected %d", downloaded, *record.FileSize))}
	}

	record.DownloadedBytes = downloaded
	record.Status = ledger.StatusCompleted
	if checksum != nil {
		record.Checksum = checksum.sum()
	}
	if record.FileSize == nil {
		size := downloaded
		record.FileSize = &size
	}
	file.Close()

	if err := e.ledger.Update(*record); err != nil {
		return outcome{kind: outcomeFatal, err: newError(id, ErrIO, err)}
	}

	e.bandwidth.clearPriority(id)
	e.bus.Publish(eventbus.Event{Kind: eventbus.Completed, ID: id, SavePath: record.SavePath, Checksum: record.Checksum})
	return outcome{kind: outcomeCompleted}
}

func (e *TransferEngine) checkpoint(record *ledger.Record, downloaded int64) {
	record.DownloadedBytes = downloaded
	if err := e.ledger.Update(*record); err != nil {
		e.logger.Error("checkpoint failed", "id", record.ID, "error", err)
	}
}

func (e *TransferEngine) publishProgress(id string, status ledger.Status, downloaded int64, fileSize *int64, speedBps float64) {
	snap := &eventbus.Snapshot{
		ID:              id,
		Status:          string(status),
		DownloadedBytes: downloaded,
		FileSize:        fileSize,
		SpeedBps:        speedBps,
	}
	if fileSize != nil && *fileSize > 0 {
		pct := float64(downloaded) / float64(*fileSize) * 100
		snap.ProgressPercent = &pct
		if speedBps > 0 {
			eta := float64(*fileSize-downloaded) / speedBps
			snap.ETASeconds = &eta
		}
	}
	e.bus.Publish(eventbus.Event{Kind: eventbus.Progress, ID: id, Snapshot: snap})
}

func (e *TransferEngine) pauseRecord(id string, downloaded int64) {
	record, err := e.ledger.Get(id)
	if err != nil {
		return
	}
	record.DownloadedBytes = downloaded
	record.Status = ledger.StatusPaused
	if err := e.ledger.Update(record); err != nil {
		e.logger.Error("pause: ledger update failed", "id", id, "error", err)
	}
	e.bus.Publish(eventbus.Event{Kind: eventbus.Paused, ID: id})
}

func (e *TransferEngine) cancelRecord(id string) {
	record, err := e.ledger.Get(id)
	if err != nil {
		return
	}
	record.Status = ledger.StatusCancelled
	record.ErrorMessage = "cancelled"
	if err := e.ledger.Update(record); err != nil {
		e.logger.Error("cancel: ledger update failed", "id", id, "error", err)
	}
	_ = os.Remove(record.SavePath)
	e.bandwidth.clearPriority(id)
	e.bus.Publish(eventbus.Event{Kind: eventbus.Cancelled, ID: id})
}

func (e *TransferEngine) failRecord(id string, terr *TransferError) {
	record, err := e.ledger.Get(id)
	if err != nil {
		return
	}
	record.Status = ledger.StatusFailed
	record.ErrorMessage = terr.Error()
	if err := e.ledger.Update(record); err != nil {
		e.logger.Error("fail: ledger update failed", "id", id, "error", err)
	}
	e.bandwidth.clearPriority(id)
	e.bus.Publish(eventbus.Event{Kind: eventbus.Failed, ID: id, ErrorKind: string(terr.Kind), ErrorMessage: terr.Error()})
}

func classifyProbeErr(id string, err error) outcome {
	var terr *TransferError
	if errors.As(err, &terr) {
		if terr.Kind == ErrHTTP {
			if isTransientStatus(terr.Status) {
				return outcome{kind: outcomeTransient, err: terr}
			}
			return outcome{kind: outcomeFatal, err: terr}
		}
		if terr.Kind.Transient() {
			return outcome{kind: outcomeTransient, err: terr}
		}
		return outcome{kind: outcomeFatal, err: terr}
	}
	return outcome{kind: outcomeTransient, err: newError(id, ErrNetwork, err)}
}

func classifyHTTPStatus(id string, resp *http.Response) outcome {
	status := resp.StatusCode
	terr := httpError(id, status, fmt.Errorf("server returned %d", status))
	if isTransientStatus(status) {
		delay, _ := retryAfterDelay(resp)
		return outcome{kind: outcomeTransient, err: terr, retryAfter: delay}
	}
	return outcome{kind: outcomeFatal, err: terr}
}

func onDiskSize(path string) int64 {
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return info.Size()
}

// speedEstimator is an exponentially-smoothed moving average over roughly
// the last second, per section 3.3.
type speedEstimator struct {
	last  time.Time
	bytes int64
	ema   float64
}

func newSpeedEstimator() *speedEstimator {
	return &speedEstimator{last: time.Now()}
}

func (s *speedEstimator) observe(n int64) {
	s.bytes += n
	elapsed := time.Since(s.last)
	if elapsed < time.Second {
		return
	}
	instant := float64(s.bytes) / elapsed.Seconds()
	const alpha = 0.3
	if s.ema == 0 {
		s.ema = instant
	} else {
		s.ema = alpha*instant + (1-alpha)*s.ema
	}
	s.bytes = 0
	s.last = time.Now()
}

func (s *speedEstimator) bps() float64 {
	return s.ema
}
