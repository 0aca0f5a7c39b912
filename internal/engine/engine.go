// Package engine implements the Transfer Engine of section 4.C: per-download
// task lifecycle management on top of the Ledger and Validator, publishing
// state transitions to the Event Bus. Generalizes the teacher's
// TachyonEngine down to a single HTTP connection per task (no segmented
// downloads, no congestion controller, no worker-swarm part channel — all
// excluded by the core's non-goals), while keeping the teacher's admission,
// cancellation, retry, and crash-recovery patterns.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"tachyon-core/internal/config"
	"tachyon-core/internal/eventbus"
	"tachyon-core/internal/ledger"
	"tachyon-core/internal/validator"
)

// runningTask is the control structure the engine holds for one active
// task, mirroring the teacher's activeDownloadInfo.
type runningTask struct {
	cancel context.CancelFunc
	pause  chan struct{}
	done   chan struct{}
}

// TransferEngine is the Transfer Engine of section 4.C. The zero value is
// not usable; construct with New.
type TransferEngine struct {
	logger *slog.Logger
	ledger *ledger.Store
	bus    *eventbus.Bus
	client *http.Client

	sem       *semaphore
	bandwidth *bandwidthLimiter
	cfg       config.Config
	cfgMu     sync.RWMutex
	clock     func() time.Time
	idFunc    func() string

	mu    sync.Mutex
	tasks map[string]*runningTask
}

// New constructs a TransferEngine. l and bus must be non-nil; cfg supplies
// the section 6.4 tunables.
func New(logger *slog.Logger, l *ledger.Store, bus *eventbus.Bus, cfg config.Config) *TransferEngine {
	if logger == nil {
		logger = slog.Default()
	}
	e := &TransferEngine{
		logger:    logger,
		ledger:    l,
		bus:       bus,
		client:    newHTTPClient(),
		sem:       newSemaphore(cfg.MaxConcurrent),
		bandwidth: newBandwidthLimiter(),
		cfg:       cfg,
		clock:     time.Now,
		idFunc:    uuid.NewString,
		tasks:     make(map[string]*runningTask),
	}
	return e
}

// SetMaxConcurrent adjusts the semaphore capacity for downloads admitted
// from this point forward, clamped to [1,10] as config.WithMaxConcurrent
// does, mirroring the teacher's SetMaxConcurrent.
func (e *TransferEngine) SetMaxConcurrent(n int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if n < 1 {
		n = 1
	}
	if n > 10 {
		n = 10
	}
	e.cfgMu.Lock()
	e.cfg.MaxConcurrent = n
	e.cfgMu.Unlock()
	e.sem.setCapacity(n)
}

// SetGlobalBandwidthLimit sets the engine-wide throughput cap in bytes/sec;
// 0 disables limiting.
func (e *TransferEngine) SetGlobalBandwidthLimit(bytesPerSec int) {
	e.bandwidth.setLimit(bytesPerSec)
}

func (e *TransferEngine) config() config.Config {
	e.cfgMu.RLock()
	defer e.cfgMu.RUnlock()
	return e.cfg
}

// StartOptions customize a single start_download call.
type StartOptions struct {
	// Filename names the saved file; when empty, the literal "download" is
	// used. A server-suggested Content-Disposition filename is never applied:
	// the save path is fixed at StartDownload, before any request is made.
	Filename string
	// UserConfirmed must be true for the task to proceed once the preflight
	// step classifies the MIME type as Executable (section 4.C step 2).
	UserConfirmed bool
	Priority      int // 0=Low, 1=Normal, 2=High
}

// StartDownload implements section 4.C's start_download: validates the URL,
// resolves a safe save path, inserts a Pending record, and spawns the task.
// Returns the new download's id.
func (e *TransferEngine) StartDownload(ctx context.Context, rawURL, saveDir string, opts StartOptions) (string, error) {
	if err := validator.ValidateURL(rawURL); err != nil {
		return "", newError("", ErrInvalidURL, err)
	}

	filename := opts.Filename
	if filename == "" {
		filename = "download"
	}

	id := e.idFunc()

	// generate_safe_path and the record insert happen in the same critical
	// section (the mutex below) to preclude the race section 4.A describes:
	// two concurrent StartDownload calls for the same filename must not
	// both observe the path as free.
	e.mu.Lock()
	savePath, err := validator.GenerateSafePath(saveDir, filename)
	if err != nil {
		e.mu.Unlock()
		return "", newError(id, ErrIO, err)
	}
	// Create the file empty before releasing the lock, so the next
	// GenerateSafePath call for the same name finds this path taken.
	placeholder, err := os.OpenFile(savePath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		e.mu.Unlock()
		return "", newError(id, ErrIO, err)
	}
	placeholder.Close()

	record, err := e.ledger.Insert(ledger.Record{
		ID:            id,
		Filename:      filepath.Base(savePath),
		URL:           rawURL,
		SavePath:      savePath,
		Status:        ledger.StatusPending,
		Priority:      opts.Priority,
		UserConfirmed: opts.UserConfirmed,
	})
	e.mu.Unlock()
	if err != nil {
		_ = os.Remove(savePath)
		return "", newError(id, ErrIO, err)
	}

	e.bandwidth.setPriority(id, opts.Priority)
	e.spawn(record, eventbus.Started)
	return id, nil
}

// spawn starts the background task goroutine for record, registering its
// control structure before returning. startKind is the event published for
// this spawn: Started for a brand-new download, Resumed when respawning an
// existing one from Resume/Retry (section 4.D's event table).
func (e *TransferEngine) spawn(record ledger.Record, startKind eventbus.Kind) {
	taskCtx, cancel := context.WithCancel(context.Background())
	rt := &runningTask{
		cancel: cancel,
		pause:  make(chan struct{}, 1),
		done:   make(chan struct{}),
	}

	e.mu.Lock()
	e.tasks[record.ID] = rt
	e.mu.Unlock()

	e.bus.Publish(eventbus.Event{Kind: startKind, ID: record.ID})

	go func() {
		defer close(rt.done)
		defer func() {
			e.mu.Lock()
			delete(e.tasks, record.ID)
			e.mu.Unlock()
		}()
		e.runTask(taskCtx, rt, record.ID)
	}()
}

// Pause implements section 4.C's pause verb: signals the task to stop
// writing after the next chunk boundary. Returns as soon as the signal is
// queued, not when the task has actually stopped (section 4.C concurrency
// invariants).
func (e *TransferEngine) Pause(id string) error {
	rt, err := e.runningTaskFor(id)
	if err != nil {
		return err
	}
	select {
	case rt.pause <- struct{}{}:
	default:
	}
	return nil
}

// Cancel implements section 4.C's cancel verb.
func (e *TransferEngine) Cancel(id string) error {
	rt, err := e.runningTaskFor(id)
	if err != nil {
		return err
	}
	rt.cancel()
	return nil
}

func (e *TransferEngine) runningTaskFor(id string) (*runningTask, error) {
	e.mu.Lock()
	rt, ok := e.tasks[id]
	e.mu.Unlock()
	if !ok {
		return nil, newError(id, ErrInvalidTransition, fmt.Errorf("no running task for id %s", id))
	}
	return rt, nil
}

// Resume implements section 4.C's resume verb: state must be Paused or
// Failed. Respawns the task; the starting offset is read from the on-disk
// file length in attempt's resumption step.
func (e *TransferEngine) Resume(id string) error {
	record, err := e.ledger.Get(id)
	if err != nil {
		return err
	}
	if record.Status != ledger.StatusPaused && record.Status != ledger.StatusFailed {
		return newError(id, ErrInvalidTransition, fmt.Errorf("cannot resume from status %s", record.Status))
	}
	if e.isRunning(id) {
		return newError(id, ErrAlreadyRunning, fmt.Errorf("task %s already running", id))
	}
	e.spawn(record, eventbus.Resumed)
	return nil
}

// Retry implements section 4.C's retry verb: same as Resume but clears
// error_message first.
func (e *TransferEngine) Retry(id string) error {
	record, err := e.ledger.Get(id)
	if err != nil {
		return err
	}
	if record.Status != ledger.StatusFailed {
		return newError(id, ErrInvalidTransition, fmt.Errorf("cannot retry from status %s", record.Status))
	}
	if e.isRunning(id) {
		return newError(id, ErrAlreadyRunning, fmt.Errorf("task %s already running", id))
	}
	record.ErrorMessage = ""
	if err := e.ledger.Update(record); err != nil {
		return err
	}
	e.spawn(record, eventbus.Resumed)
	return nil
}

// Remove implements section 4.C's remove verb: cancels if running, deletes
// the record, and best-effort deletes the file.
func (e *TransferEngine) Remove(id string) error {
	if e.isRunning(id) {
		if err := e.Cancel(id); err == nil {
			e.waitForExit(id, 5*time.Second)
		}
	}
	record, err := e.ledger.Get(id)
	if err != nil {
		return err
	}
	if err := e.ledger.Delete(id); err != nil {
		return err
	}
	_ = os.Remove(record.SavePath)
	return nil
}

// Verify recomputes a completed download's on-disk SHA-256 and compares it
// against the checksum captured by the in-flight streaming hash. A record
// with no stored checksum (such as a download resumed partway through,
// whose streaming hash did not cover the whole file) is not rehashed and
// verifies trivially.
func (e *TransferEngine) Verify(id string) error {
	record, err := e.ledger.Get(id)
	if err != nil {
		return err
	}
	if record.Status != ledger.StatusCompleted {
		return newError(id, ErrInvalidTransition, fmt.Errorf("cannot verify from status %s", record.Status))
	}
	if err := verifyFile(record.SavePath, record.Checksum); err != nil {
		return newError(id, ErrChecksumMismatch, err)
	}
	return nil
}

func (e *TransferEngine) waitForExit(id string, timeout time.Duration) {
	e.mu.Lock()
	rt, ok := e.tasks[id]
	e.mu.Unlock()
	if !ok {
		return
	}
	select {
	case <-rt.done:
	case <-time.After(timeout):
	}
}

func (e *TransferEngine) isRunning(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.tasks[id]
	return ok
}

// PollEvents drains and returns queued events for consumer id, never
// blocking, per section 4.D.
func (e *TransferEngine) PollEvents(consumerID int) []eventbus.Event {
	return e.bus.Poll(consumerID)
}

// Subscribe registers a new event consumer and returns its id.
func (e *TransferEngine) Subscribe() int {
	return e.bus.Subscribe()
}

// Get proxies to the Ledger.
func (e *TransferEngine) Get(id string) (ledger.Record, error) {
	return e.ledger.Get(id)
}

// ListAll proxies to the Ledger.
func (e *TransferEngine) ListAll() ([]ledger.Record, error) {
	return e.ledger.ListAll()
}

// ListByStatus proxies to the Ledger.
func (e *TransferEngine) ListByStatus(status ledger.Status) ([]ledger.Record, error) {
	return e.ledger.ListByStatus(status)
}

// Search proxies to the Ledger.
func (e *TransferEngine) Search(query string) ([]ledger.Record, error) {
	return e.ledger.Search(query)
}

// Shutdown implements section 5's shutdown(): signals pause on all running
// tasks, awaits their exit up to timeout, and demotes any still-InProgress
// records to Paused in the Ledger.
func (e *TransferEngine) Shutdown(timeout time.Duration) error {
	e.mu.Lock()
	ids := make([]string, 0, len(e.tasks))
	for id, rt := range e.tasks {
		select {
		case rt.pause <- struct{}{}:
		default:
		}
		ids = append(ids, id)
	}
	e.mu.Unlock()

	deadline := time.Now().Add(timeout)
	var g errgroup.Group
	for _, id := range ids {
		id := id
		g.Go(func() error {
			remaining := time.Until(deadline)
			if remaining < 0 {
				remaining = 0
			}
			e.waitForExit(id, remaining)
			return nil
		})
	}
	g.Wait()

	records, err := e.ledger.ListByStatus(ledger.StatusInProgress)
	if err != nil {
		return fmt.Errorf("shutdown: list in-progress: %w", err)
	}
	for _, r := range records {
		r.Status = ledger.StatusPaused
		if err := e.ledger.Update(r); err != nil {
			e.logger.Error("shutdown: failed to demote record", "id", r.ID, "error", err)
		}
	}
	return nil
}

// RecoverInterruptedDownloads demotes any record left InProgress by a
// previous process (crash, kill -9) to Paused, per section 3.4. Must be
// called once at startup before any new downloads are admitted. Grounded
// on the teacher's RecoverInterruptedDownloads.
func (e *TransferEngine) RecoverInterruptedDownloads() error {
	records, err := e.ledger.ListByStatus(ledger.StatusInProgress)
	if err != nil {
		return fmt.Errorf("recover: list in-progress: %w", err)
	}
	for _, r := range records {
		r.Status = ledger.StatusPaused
		if err := e.ledger.Update(r); err != nil {
			e.logger.Error("recover: failed to demote record", "id", r.ID, "error", err)
			continue
		}
		e.logger.Info("recovered interrupted download", "id", r.ID, "filename", r.Filename)
	}
	return nil
}
