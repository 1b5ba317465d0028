// Package worker implements execution of a single download Task: one
// connection per file, sequential over the task's file list, with
// pause/resume/cancel signaled through a per-task control channel. A
// per-task context.CancelFunc backs cancellation into every blocking call,
// and the retry backoff sleeps in 1-second increments so cancel is always
// observed promptly.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"hfsuite/internal/errs"
	"hfsuite/internal/eventbus"
	"hfsuite/internal/integrity"
	"hfsuite/internal/network"
	"hfsuite/internal/repoapi"
	"hfsuite/internal/resumestore"
	"hfsuite/internal/store"
)

// Status mirrors the CREATED → PRE-FLIGHT → RUNNING ⇄ PAUSED →
// {COMPLETED, FAILED, CANCELLED} state machine.
type Status int

const (
	StatusCreated Status = iota
	StatusPreflight
	StatusRunning
	StatusPaused
	StatusCompleted
	StatusFailed
	StatusCancelled
)

func (s Status) String() string {
	switch s {
	case StatusCreated:
		return "created"
	case StatusPreflight:
		return "preflight"
	case StatusRunning:
		return "running"
	case StatusPaused:
		return "paused"
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	case StatusCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// ControlSignal carries pause/resume/cancel instructions into a running
// Worker.
type ControlSignal int

const (
	SignalPause ControlSignal = iota
	SignalResume
	SignalCancel
)

// ProgressInfo is the throttled progress snapshot published at most once
// per 0.5s per task.
type ProgressInfo struct {
	TaskID          int64
	DownloadedBytes int64
	TotalBytes      int64
	SpeedBPS        float64
	ETASeconds      *int64
	CurrentFile     string
	FilesCompleted  int
	FilesTotal      int
}

// Deps bundles the collaborators a Worker needs, all owned by the caller
// (the Scheduler) and shared across every Worker instance.
type Deps struct {
	Store       *store.Store
	Bus         *eventbus.Bus
	ResumeStore *resumestore.Store
	Providers   map[string]repoapi.RepoAPI // platform name -> provider
	Logger      *slog.Logger
	Bandwidth   *network.BandwidthManager // shared across every Worker; nil means unlimited
	MaxRetries  int
	RetryDelay  time.Duration // base delay; actual = RetryDelay * 2^attempt
}

// Worker executes exactly one Task. One-shot: Start must be called once.
type Worker struct {
	task *store.Task
	deps Deps

	control  chan ControlSignal
	cancelMu sync.Mutex
	cancel   context.CancelFunc

	statusMu sync.RWMutex
	status   Status

	pausedFlag    atomic.Bool
	cancelledFlag atomic.Bool

	downloadedBytes atomic.Int64
	totalBytes      atomic.Int64
	filesCompleted  atomic.Int32
	filesTotal      atomic.Int32
	currentFile     atomic.Value // string

	speedMu         sync.Mutex
	speedSamples    []float64
	lastSample      time.Time
	lastSampleBytes int64
	lastEmit        time.Time

	doneCh chan struct{}
}

// New constructs a Worker bound to task. The Worker does not start running
// until Start is called.
func New(task *store.Task, deps Deps) *Worker {
	w := &Worker{
		task:    task,
		deps:    deps,
		control: make(chan ControlSignal, 4),
		doneCh:  make(chan struct{}),
		status:  StatusCreated,
	}
	w.currentFile.Store("")
	w.downloadedBytes.Store(task.DownloadedBytes)
	w.totalBytes.Store(task.TotalBytes)
	return w
}

func (w *Worker) setStatus(s Status) {
	w.statusMu.Lock()
	w.status = s
	w.statusMu.Unlock()
}

func (w *Worker) Status() Status {
	w.statusMu.RLock()
	defer w.statusMu.RUnlock()
	return w.status
}

func (w *Worker) IsRunning() bool {
	s := w.Status()
	return s == StatusPreflight || s == StatusRunning || s == StatusPaused
}

func (w *Worker) IsPaused() bool { return w.pausedFlag.Load() }

// Pause requests a transition to PAUSED. Non-blocking.
func (w *Worker) Pause() {
	select {
	case w.control <- SignalPause:
	default:
	}
}

// Resume requests a transition out of PAUSED. Non-blocking.
func (w *Worker) Resume() {
	select {
	case w.control <- SignalResume:
	default:
	}
}

// Cancel requests termination from any state. Non-blocking. Safe to call
// before Start: the flag is re-checked once the Worker's context exists.
func (w *Worker) Cancel() {
	w.cancelledFlag.Store(true)
	select {
	case w.control <- SignalCancel:
	default:
	}
	w.cancelMu.Lock()
	if w.cancel != nil {
		w.cancel()
	}
	w.cancelMu.Unlock()
}

// Done is closed when the Worker reaches a terminal state.
func (w *Worker) Done() <-chan struct{} { return w.doneCh }

// Start runs the Worker to completion. Intended to be launched in its own
// goroutine by the Scheduler; blocks until a terminal state is reached.
func (w *Worker) Start(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	w.cancelMu.Lock()
	w.cancel = cancel
	w.cancelMu.Unlock()
	if w.cancelledFlag.Load() {
		cancel()
	}
	defer cancel()
	defer close(w.doneCh)

	go w.controlLoop(ctx)

	if w.deps.Bandwidth != nil {
		w.deps.Bandwidth.SetTaskPriority(fmt.Sprintf("%d", w.task.ID), w.task.Priority)
	}

	w.setStatus(StatusPreflight)
	provider, ok := w.deps.Providers[w.task.Platform]
	if !ok {
		w.fail(errs.NewAPIError(fmt.Sprintf("unsupported platform: %s", w.task.Platform), nil))
		return
	}

	files, estimated, err := w.preflight(ctx, provider)
	if err != nil {
		w.fail(err)
		return
	}
	w.totalBytes.Store(estimated)
	w.filesTotal.Store(int32(len(files)))

	err = w.runWithRetry(ctx, provider, files)
	switch {
	case ctx.Err() != nil || w.cancelledFlag.Load():
		w.setStatus(StatusCancelled)
		w.emitTerminal(eventbus.DownloadCancelled)
	case err != nil:
		w.fail(err)
	default:
		w.setStatus(StatusCompleted)
		_ = w.deps.ResumeStore.Clear(w.task.ID)
		w.emitTerminal(eventbus.DownloadCompleted)
	}
}

// controlLoop applies pause/resume/cancel signals as they arrive,
// independent of what the fetch loop is doing at the moment.
func (w *Worker) controlLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-w.control:
			switch sig {
			case SignalPause:
				w.pausedFlag.Store(true)
				w.setStatus(StatusPaused)
				w.emit(eventbus.DownloadPaused)
			case SignalResume:
				w.pausedFlag.Store(false)
				w.setStatus(StatusRunning)
				w.emit(eventbus.DownloadResumed)
			case SignalCancel:
				w.cancelledFlag.Store(true)
				w.setStatus(StatusCancelled)
				w.cancelMu.Lock()
				if w.cancel != nil {
					w.cancel()
				}
				w.cancelMu.Unlock()
				return
			}
		}
	}
}

// preflight estimates total size, checks disk space, and creates the
// destination directory.
func (w *Worker) preflight(ctx context.Context, provider repoapi.RepoAPI) ([]repoapi.RepoFile, int64, error) {
	files, err := provider.ListFiles(ctx, w.task.RepoID, w.task.RepoType)
	if err != nil {
		return nil, 0, err
	}

	selected := w.task.SelectedFiles()
	if len(selected) > 0 {
		selectedSet := make(map[string]bool, len(selected))
		for _, f := range selected {
			selectedSet[f] = true
		}
		filtered := files[:0]
		for _, f := range files {
			if selectedSet[f.Path] {
				filtered = append(filtered, f)
			}
		}
		files = filtered
	}

	var estimated int64
	for _, f := range files {
		estimated += f.Size
	}

	if estimated > 0 {
		if err := checkDiskSpace(w.task.SavePath, estimated); err != nil {
			return nil, 0, err
		}
	} else {
		w.deps.Logger.Warn("skipping disk space check, size unknown", "task_id", w.task.ID)
	}

	repoName := filepath.Base(w.task.RepoID)
	destDir := filepath.Join(w.task.SavePath, repoName)
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return nil, 0, errs.NewPersistError("mkdir destination", err)
	}

	// Seed the per-file rows so the queue view can show file-level state.
	// Best effort: Task-level progress is authoritative, FileEntries are the
	// eventually-consistent breakdown.
	for _, f := range files {
		fe := &store.FileEntry{TaskID: w.task.ID, Path: f.Path, Size: f.Size, Status: store.StatusPending}
		if err := w.deps.Store.UpsertFileEntry(fe); err != nil {
			w.deps.Logger.Warn("failed to seed file entry", "task_id", w.task.ID, "path", f.Path, "error", err)
			break
		}
	}

	return files, estimated, nil
}

// checkDiskSpace requires free space on the save path's volume to be at
// least 1.1x the estimated download size.
func checkDiskSpace(savePath string, estimated int64) error {
	checkPath := savePath
	for {
		if _, err := os.Stat(checkPath); err == nil {
			break
		}
		parent := filepath.Dir(checkPath)
		if parent == checkPath {
			break
		}
		checkPath = parent
	}

	free, err := diskFreeBytes(checkPath)
	if err != nil {
		return nil // best-effort: an unreadable volume doesn't block the attempt
	}

	required := int64(float64(estimated) * 1.1)
	if free < required {
		return errs.NewInsufficientSpace(required, free, checkPath)
	}
	return nil
}

// runWithRetry wraps the fetch loop in the retry policy: non-retryable
// errors short-circuit, cancellation exits silently, everything else backs
// off exponentially up to MaxRetries.
func (w *Worker) runWithRetry(ctx context.Context, provider repoapi.RepoAPI, files []repoapi.RepoFile) error {
	var lastErr error
	maxRetries := w.deps.MaxRetries
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if w.cancelledFlag.Load() {
			return ctx.Err()
		}
		w.setStatus(StatusRunning)
		err := w.fetchAll(ctx, provider, files)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		lastErr = err
		if !errs.IsRetryable(err) {
			return err
		}
		if attempt == maxRetries {
			break
		}

		delay := w.deps.RetryDelay * time.Duration(1<<uint(attempt))
		w.deps.Logger.Warn("download attempt failed, retrying",
			"task_id", w.task.ID, "attempt", attempt+1, "delay", delay, "error", err)
		if _, uerr := w.deps.Store.UpdateTask(w.task.ID, map[string]any{"retry_count": attempt + 1}); uerr != nil {
			w.deps.Logger.Warn("failed to persist retry count", "task_id", w.task.ID, "error", uerr)
		}
		if !w.sleepInterruptible(ctx, delay) {
			return ctx.Err()
		}
	}
	return lastErr
}

// sleepInterruptible sleeps for d in 1-second increments so ctx.Done() (and
// therefore Cancel) is observed within at most 1s.
func (w *Worker) sleepInterruptible(ctx context.Context, d time.Duration) bool {
	remaining := d
	for remaining > 0 {
		step := time.Second
		if remaining < step {
			step = remaining
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(step):
		}
		remaining -= step
	}
	return true
}

// fetchAll runs the fetch loop over the file list, skipping files the
// resume state already records done.
func (w *Worker) fetchAll(ctx context.Context, provider repoapi.RepoAPI, files []repoapi.RepoFile) error {
	state := w.deps.ResumeStore.Load(w.task.ID)

	for i, f := range files {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if w.cancelledFlag.Load() {
			return nil
		}

		if state.HasCompleted(f.Path) {
			w.filesCompleted.Store(int32(i + 1))
			continue
		}

		for w.pausedFlag.Load() {
			state.CurrentFile = f.Path
			_ = w.deps.ResumeStore.Save(w.task.ID, state)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(500 * time.Millisecond):
			}
			if w.cancelledFlag.Load() {
				return nil
			}
		}

		w.currentFile.Store(f.Path)

		progressCb := func(delta int64) {
			w.downloadedBytes.Add(delta)
			state.DownloadedBytes = w.downloadedBytes.Load()
			w.sampleAndEmit()
		}

		req := repoapi.DownloadFileRequest{
			RepoID:   w.task.RepoID,
			RepoType: w.task.RepoType,
			FilePath: f.Path,
			LocalDir: filepath.Join(w.task.SavePath, filepath.Base(w.task.RepoID)),
			Progress: w.wrapRateLimit(ctx, progressCb),
			IsPaused: func() bool { return w.pausedFlag.Load() },
		}

		localPath, err := provider.DownloadFile(ctx, req)
		if err != nil {
			return err
		}

		if expected, has, err := w.deps.Store.GetFileChecksum(w.task.ID, f.Path); err == nil && has {
			if verr := integrity.NewFileVerifier().Verify(localPath, expected); verr != nil {
				return verr
			}
			_ = w.deps.Store.SetFileVerified(w.task.ID, f.Path, true)
		}

		state.MarkCompleted(f.Path)
		if err := w.deps.ResumeStore.Save(w.task.ID, state); err != nil {
			w.deps.Logger.Warn("failed to persist resume state", "task_id", w.task.ID, "error", err)
		}
		if err := w.deps.Store.UpsertFileEntry(&store.FileEntry{
			TaskID: w.task.ID, Path: f.Path, Size: f.Size,
			DownloadedBytes: f.Size, Status: store.StatusCompleted,
		}); err != nil {
			w.deps.Logger.Warn("failed to mark file entry completed", "task_id", w.task.ID, "path", f.Path, "error", err)
		}
		w.filesCompleted.Store(int32(i + 1))
	}
	return nil
}

// wrapRateLimit returns a repoapi.ProgressFunc that calls cb after the
// shared BandwidthManager admits the delta, when one is configured. The
// per-chunk Wait blocks the calling goroutine (the provider's read loop),
// giving the bandwidth cap teeth without touching RepoAPI internals; a
// low-priority task additionally absorbs BandwidthManager's micro-sleep so
// it yields to higher-priority transfers sharing the cap.
func (w *Worker) wrapRateLimit(ctx context.Context, cb repoapi.ProgressFunc) repoapi.ProgressFunc {
	if w.deps.Bandwidth == nil {
		return cb
	}
	taskKey := fmt.Sprintf("%d", w.task.ID)
	return func(delta int64) {
		_ = w.deps.Bandwidth.Wait(ctx, taskKey, int(delta))
		cb(delta)
	}
}

// sampleAndEmit updates the speed moving average and emits a throttled
// ProgressInfo.
func (w *Worker) sampleAndEmit() {
	now := time.Now()

	downloadedNow := w.downloadedBytes.Load()

	w.speedMu.Lock()
	if !w.lastSample.IsZero() {
		dt := now.Sub(w.lastSample).Seconds()
		if dt > 0 {
			delta := downloadedNow - w.lastSampleBytes
			speed := float64(delta) / dt
			w.speedSamples = append(w.speedSamples, speed)
			if len(w.speedSamples) > 10 {
				w.speedSamples = w.speedSamples[len(w.speedSamples)-10:]
			}
		}
	}
	w.lastSample = now
	w.lastSampleBytes = downloadedNow

	var avgSpeed float64
	if len(w.speedSamples) > 0 {
		var sum float64
		for _, s := range w.speedSamples {
			sum += s
		}
		avgSpeed = sum / float64(len(w.speedSamples))
	}

	shouldEmit := now.Sub(w.lastEmit) >= 500*time.Millisecond
	if shouldEmit {
		w.lastEmit = now
	}
	w.speedMu.Unlock()

	if !shouldEmit {
		return
	}

	downloaded := w.downloadedBytes.Load()
	total := w.totalBytes.Load()
	var eta *int64
	if avgSpeed > 0 && total > downloaded {
		secs := int64(float64(total-downloaded) / avgSpeed)
		eta = &secs
	}

	info := ProgressInfo{
		TaskID:          w.task.ID,
		DownloadedBytes: downloaded,
		TotalBytes:      total,
		SpeedBPS:        avgSpeed,
		ETASeconds:      eta,
		CurrentFile:     w.currentFile.Load().(string),
		FilesCompleted:  int(w.filesCompleted.Load()),
		FilesTotal:      int(w.filesTotal.Load()),
	}
	w.deps.Bus.Emit(eventbus.DownloadProgress, info)
}

// fail records a terminal failure. Cancellation never surfaces as a
// failure: if cancel arrived while the error was propagating, cancel wins.
func (w *Worker) fail(err error) {
	if w.cancelledFlag.Load() {
		w.setStatus(StatusCancelled)
		w.emitTerminal(eventbus.DownloadCancelled)
		return
	}
	w.setStatus(StatusFailed)
	w.deps.Logger.Error("download failed", "task_id", w.task.ID, "error", err)
	if _, uerr := w.deps.Store.UpdateTask(w.task.ID, map[string]any{"error_message": err.Error()}); uerr != nil {
		w.deps.Logger.Warn("failed to persist error message", "task_id", w.task.ID, "error", uerr)
	}
	w.deps.Bus.Emit(eventbus.DownloadFailed, struct {
		TaskID int64
		Error  string
	}{w.task.ID, err.Error()})
}

func (w *Worker) emit(event string) {
	w.deps.Bus.Emit(event, struct{ TaskID int64 }{w.task.ID})
}

func (w *Worker) emitTerminal(event string) {
	w.emit(event)
}
