// Package scheduler implements the process-level coordinator that admits
// Tasks into a bounded pool of Workers: a sorted priority queue drained by
// a low-frequency dispatch sweep, with per-host concurrency limits driven
// adaptively by network.CongestionController: RecordOutcome is fed from
// each Worker's terminal state and GetIdealConcurrency adjusts a host's
// limit on every sweep.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"net/url"
	"sort"
	"sync"
	"time"

	"hfsuite/internal/eventbus"
	"hfsuite/internal/network"
	"hfsuite/internal/store"
	"hfsuite/internal/worker"
)

const sweepInterval = 500 * time.Millisecond

// clampPriority restricts priority to [1,10], lower is higher priority.
func clampPriority(p int) int {
	if p < 1 {
		return 1
	}
	if p > 10 {
		return 10
	}
	return p
}

// priorityQueue is a mutex-guarded sorted list of store.Task snapshots,
// ordered by priority then submission id, drained by the ticker-driven
// dispatch sweep's scan-and-skip pass rather than a blocking pop.
type priorityQueue struct {
	mu    sync.Mutex
	items []*store.Task
}

func newPriorityQueue() *priorityQueue {
	return &priorityQueue{}
}

func (pq *priorityQueue) Push(t *store.Task) {
	pq.mu.Lock()
	defer pq.mu.Unlock()
	pq.items = append(pq.items, t)
	sort.SliceStable(pq.items, func(i, j int) bool {
		if pq.items[i].Priority != pq.items[j].Priority {
			return pq.items[i].Priority < pq.items[j].Priority
		}
		return pq.items[i].ID < pq.items[j].ID
	})
}

func (pq *priorityQueue) Remove(id int64) bool {
	pq.mu.Lock()
	defer pq.mu.Unlock()
	for i, t := range pq.items {
		if t.ID == id {
			pq.items = append(pq.items[:i], pq.items[i+1:]...)
			return true
		}
	}
	return false
}

func (pq *priorityQueue) Snapshot() []*store.Task {
	pq.mu.Lock()
	defer pq.mu.Unlock()
	out := make([]*store.Task, len(pq.items))
	copy(out, pq.items)
	return out
}

func (pq *priorityQueue) Len() int {
	pq.mu.Lock()
	defer pq.mu.Unlock()
	return len(pq.items)
}

// Scheduler is the single process-wide coordinator. Exported operations are
// all safe for concurrent use.
type Scheduler struct {
	store  *store.Store
	bus    *eventbus.Bus
	logger *slog.Logger

	queue      *priorityQueue
	congestion *network.CongestionController

	mu         sync.Mutex
	active     map[int64]*worker.Worker
	activeTask map[int64]*store.Task
	paused     map[int64]*store.Task

	maxWorkers int
	workerDeps func(*store.Task) worker.Deps

	running   bool
	stopCh    chan struct{}
	sweepDone chan struct{}
}

// New constructs a Scheduler. workerDeps builds the Deps bundle for a given
// Task (its platform chooses the RepoAPI provider, but Store/Bus/ResumeStore
// are shared across every Worker).
func New(st *store.Store, bus *eventbus.Bus, logger *slog.Logger, maxWorkers int, workerDeps func(*store.Task) worker.Deps) *Scheduler {
	s := &Scheduler{
		store:      st,
		bus:        bus,
		logger:     logger,
		queue:      newPriorityQueue(),
		congestion: network.NewCongestionController(1, maxWorkers),
		active:     make(map[int64]*worker.Worker),
		activeTask: make(map[int64]*store.Task),
		paused:     make(map[int64]*store.Task),
		maxWorkers: maxWorkers,
		workerDeps: workerDeps,
	}
	// Progress is lossy by design, so persisting it here is
	// best-effort: a Store error is logged and swallowed, never surfaced to
	// the Worker that produced the sample.
	bus.Subscribe(eventbus.DownloadProgress, func(payload any) {
		info, ok := payload.(worker.ProgressInfo)
		if !ok {
			return
		}
		_, err := st.UpdateTask(info.TaskID, map[string]any{
			"total_bytes":      info.TotalBytes,
			"downloaded_bytes": info.DownloadedBytes,
			"speed_bps":        info.SpeedBPS,
		})
		if err != nil {
			logger.Warn("failed to persist progress", "task_id", info.TaskID, "error", err)
		}
	})
	return s
}

// Start rehydrates pending tasks from Store and launches the background
// dispatch loop. Rows still marked
// paused from a prior process lifetime are loaded into the paused set so a
// later Resume can re-enqueue them (their Workers died with that process).
func (s *Scheduler) Start(ctx context.Context) error {
	pending, err := s.store.GetPending()
	if err != nil {
		return err
	}
	// Rows already queued by an Add before Start are not pushed twice.
	queued := make(map[int64]bool)
	for _, t := range s.queue.Snapshot() {
		queued[t.ID] = true
	}
	for i := range pending {
		if queued[pending[i].ID] {
			continue
		}
		s.queue.Push(&pending[i])
	}

	pausedRows, err := s.store.GetByStatus(store.StatusPaused)
	if err != nil {
		return err
	}

	s.mu.Lock()
	for i := range pausedRows {
		s.paused[pausedRows[i].ID] = &pausedRows[i]
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.sweepDone = make(chan struct{})
	s.mu.Unlock()

	go s.dispatchLoop(ctx)
	return nil
}

// Stop signals the dispatch loop to halt and cancels every active Worker,
// waiting up to 5s before giving up.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	workers := make([]*worker.Worker, 0, len(s.active))
	for _, w := range s.active {
		workers = append(workers, w)
	}
	s.mu.Unlock()

	for _, w := range workers {
		w.Cancel()
	}

	select {
	case <-s.sweepDone:
	case <-time.After(5 * time.Second):
		s.logger.Warn("scheduler stop: grace period exceeded, abandoning stragglers")
	}
}

func (s *Scheduler) dispatchLoop(ctx context.Context) {
	defer close(s.sweepDone)
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

// sweep is one pass of the background loop: admit tasks while
// capacity and host limits allow, reap finished Workers.
func (s *Scheduler) sweep(ctx context.Context) {
	s.reapFinished()

	for {
		s.mu.Lock()
		if len(s.active) >= s.maxWorkers {
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()

		task := s.popEligible()
		if task == nil {
			return
		}
		s.startWorker(ctx, task)
	}
}

func (s *Scheduler) reapFinished() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, w := range s.active {
		select {
		case <-w.Done():
			delete(s.active, id)
			delete(s.activeTask, id)
		default:
		}
	}
}

// popEligible scans a queue snapshot for the first task whose host has
// spare adaptive concurrency, matching SmartScheduler.GetNextTask's
// skip-over-limit behavior.
func (s *Scheduler) popEligible() *store.Task {
	for _, t := range s.queue.Snapshot() {
		host := hostFor(t)
		limit := s.congestion.GetIdealConcurrency(host)

		s.mu.Lock()
		active := s.activeHostCount(host)
		s.mu.Unlock()

		if limit > 0 && active >= limit {
			continue
		}
		if s.queue.Remove(t.ID) {
			return t
		}
	}
	return nil
}

func (s *Scheduler) activeHostCount(host string) int {
	count := 0
	for _, t := range s.activeTask {
		if hostFor(t) == host {
			count++
		}
	}
	return count
}

func hostFor(t *store.Task) string {
	switch t.Platform {
	case "huggingface":
		return "huggingface.co"
	case "modelscope":
		return "modelscope.cn"
	default:
		if u, err := url.Parse(t.Platform); err == nil && u.Host != "" {
			return u.Host
		}
		return t.Platform
	}
}

func (s *Scheduler) startWorker(ctx context.Context, task *store.Task) {
	now := time.Now()
	_, _ = s.store.UpdateTask(task.ID, map[string]any{"status": store.StatusDownloading, "started_at": now})
	task.Status = store.StatusDownloading

	w := worker.New(task, s.workerDeps(task))

	s.mu.Lock()
	s.active[task.ID] = w
	s.activeTask[task.ID] = task
	s.mu.Unlock()

	s.bus.Emit(eventbus.DownloadStarted, struct{ TaskID int64 }{task.ID})

	go func() {
		start := time.Now()
		w.Start(ctx)
		var outcomeErr error
		if w.Status() == worker.StatusFailed {
			outcomeErr = errWorkerFailed
		}
		s.congestion.RecordOutcome(hostFor(task), time.Since(start), outcomeErr)
		s.finalizeTask(task, w)
	}()
}

var errWorkerFailed = errors.New("worker failed")

func (s *Scheduler) finalizeTask(task *store.Task, w *worker.Worker) {
	status := store.StatusCompleted
	switch w.Status() {
	case worker.StatusFailed:
		status = store.StatusFailed
	case worker.StatusCancelled:
		status = store.StatusCancelled
	}

	now := time.Now()
	patch := map[string]any{"status": status, "completed_at": now}
	_, _ = s.store.UpdateTask(task.ID, patch)

	if status == store.StatusCompleted {
		current, err := s.store.GetTask(task.ID)
		if err == nil && current != nil {
			duration := now.Sub(current.CreatedAt).Seconds()
			if current.StartedAt != nil {
				duration = now.Sub(*current.StartedAt).Seconds()
			}
			_, herr := s.store.AppendHistory(&store.HistoryEntry{
				RepoID:          current.RepoID,
				Platform:        current.Platform,
				RepoType:        current.RepoType,
				SavePath:        current.SavePath,
				TotalBytes:      current.TotalBytes,
				DurationSeconds: duration,
				CompletedAt:     now,
			})
			if herr != nil {
				s.logger.Warn("failed to append history", "task_id", task.ID, "error", herr)
			} else {
				s.bus.Emit(eventbus.HistoryAdded, struct{ TaskID int64 }{task.ID})
			}
			if derr := s.store.IncrementDailyBytes(current.TotalBytes); derr != nil {
				s.logger.Warn("failed to bump daily bytes", "error", derr)
			}
			if derr := s.store.IncrementDailyFiles(1); derr != nil {
				s.logger.Warn("failed to bump daily files", "error", derr)
			}
		}
	}

	s.bus.Emit(eventbus.QueueChanged, nil)
}

// Add persists a new Task, enqueues it, and emits queue.changed +
// download.queued.
func (s *Scheduler) Add(repoID, savePath, platform, repoType string, priority int, selectedFiles []string, profileID *uint) (int64, error) {
	t := &store.Task{
		RepoID:    repoID,
		Platform:  platform,
		RepoType:  repoType,
		SavePath:  savePath,
		Priority:  clampPriority(priority),
		ProfileID: profileID,
		Status:    store.StatusQueued,
	}
	if len(selectedFiles) > 0 {
		if err := t.SetSelectedFiles(selectedFiles); err != nil {
			return 0, err
		}
	}

	id, err := s.store.AddTask(t)
	if err != nil {
		return 0, err
	}

	s.queue.Push(t)
	s.bus.Emit(eventbus.QueueChanged, nil)
	s.bus.Emit(eventbus.DownloadQueued, struct{ TaskID int64 }{id})
	return id, nil
}

// Pause signals the active Worker for id to pause and moves its snapshot
// into the paused set. Returns false if id is not currently active or is
// already paused.
func (s *Scheduler) Pause(id int64) bool {
	s.mu.Lock()
	w, ok := s.active[id]
	if _, already := s.paused[id]; already {
		ok = false
	}
	task := s.activeTask[id]
	if ok {
		s.paused[id] = task
	}
	s.mu.Unlock()
	if !ok {
		return false
	}

	// download.paused is emitted by the Worker's own controlLoop once it
	// actually observes the pause signal, not here, to avoid firing it
	// twice for one transition.
	w.Pause()
	_, _ = s.store.UpdateTask(id, map[string]any{"status": store.StatusPaused})
	return true
}

// Resume signals a paused task to continue. Returns false if id is not
// currently paused.
func (s *Scheduler) Resume(id int64) bool {
	s.mu.Lock()
	task, ok := s.paused[id]
	if ok {
		delete(s.paused, id)
	}
	w := s.active[id]
	s.mu.Unlock()
	if !ok {
		return false
	}

	// A paused task normally still has its Worker in s.active (only Cancel
	// removes it): signal it directly, and let its controlLoop emit
	// download.resumed once the signal is observed, so the event never
	// fires twice for one transition. Re-enqueueing would hand the same id
	// to a second Worker on the next sweep. The Worker-less branch only
	// covers a task paused in a prior process lifetime: with no Worker to
	// wake, it goes back through the queue.
	if w != nil {
		w.Resume()
		_, _ = s.store.UpdateTask(id, map[string]any{"status": store.StatusDownloading})
	} else {
		task.Status = store.StatusQueued
		s.queue.Push(task)
		_, _ = s.store.UpdateTask(id, map[string]any{"status": store.StatusQueued})
		s.bus.Emit(eventbus.DownloadResumed, struct{ TaskID int64 }{id})
	}
	s.bus.Emit(eventbus.QueueChanged, nil)
	return true
}

// Cancel signals an active Worker to stop, or drops a paused/queued task
// directly.
func (s *Scheduler) Cancel(id int64) bool {
	s.mu.Lock()
	w, isActive := s.active[id]
	_, isPaused := s.paused[id]
	delete(s.active, id)
	delete(s.activeTask, id)
	delete(s.paused, id)
	s.mu.Unlock()

	removedFromQueue := s.queue.Remove(id)

	if !isActive && !isPaused && !removedFromQueue {
		return false
	}

	_, _ = s.store.UpdateTask(id, map[string]any{"status": store.StatusCancelled})

	if isActive {
		// download.cancelled is emitted by the Worker's own terminal path
		// (Start's ctx.Err() branch) once it actually unwinds, not here, to
		// avoid firing it twice for one transition.
		w.Cancel()
	} else {
		// No Worker exists for a task that was only paused or only queued,
		// so the Scheduler is the sole source of the terminal event every
		// cancellation must produce, not just the active-Worker case.
		s.bus.Emit(eventbus.DownloadCancelled, struct{ TaskID int64 }{id})
	}
	s.bus.Emit(eventbus.QueueChanged, nil)
	return true
}

// SetPriority persists a new (clamped) priority. If the task is currently
// queued, its position is corrected by a remove-and-reinsert rather than a
// decrease-key; submissions are user-paced, so the rebuild cost is noise.
func (s *Scheduler) SetPriority(id int64, priority int) error {
	clamped := clampPriority(priority)
	if _, err := s.store.UpdateTask(id, map[string]any{"priority": clamped}); err != nil {
		return err
	}
	if s.queue.Remove(id) {
		t, err := s.store.GetTask(id)
		if err == nil && t != nil {
			s.queue.Push(t)
		}
	}
	return nil
}

// PauseAll pauses every currently active task and returns the count paused.
func (s *Scheduler) PauseAll() int {
	s.mu.Lock()
	ids := make([]int64, 0, len(s.active))
	for id := range s.active {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	count := 0
	for _, id := range ids {
		if s.Pause(id) {
			count++
		}
	}
	return count
}

// ResumeAll resumes every currently paused task and returns the count
// resumed.
func (s *Scheduler) ResumeAll() int {
	s.mu.Lock()
	ids := make([]int64, 0, len(s.paused))
	for id := range s.paused {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	count := 0
	for _, id := range ids {
		if s.Resume(id) {
			count++
		}
	}
	return count
}

// GetActive returns a snapshot of currently active task rows.
func (s *Scheduler) GetActive() []*store.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*store.Task, 0, len(s.activeTask))
	for _, t := range s.activeTask {
		out = append(out, t)
	}
	return out
}

func (s *Scheduler) GetQueueSize() int { return s.queue.Len() }

// Status summarizes the Scheduler for the CLI's status view.
type Status struct {
	Running     bool
	ActiveCount int
	PausedCount int
	QueueSize   int
	MaxWorkers  int
}

func (s *Scheduler) GetStatus() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		Running:     s.running,
		ActiveCount: len(s.active),
		PausedCount: len(s.paused),
		QueueSize:   s.queue.Len(),
		MaxWorkers:  s.maxWorkers,
	}
}
