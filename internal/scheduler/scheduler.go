// Package scheduler owns the download registry and the admission loop that
// decides, at any moment, which queued downloads get a Worker. It makes the
// command-driven status transitions (queue, pause, resume); the worker
// writes a transfer's own downloading and terminal statuses.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"tachyon-lite/internal/apperr"
	"tachyon-lite/internal/config"
	"tachyon-lite/internal/download"
	"tachyon-lite/internal/ratelimit"
	"tachyon-lite/internal/storage"
	"tachyon-lite/internal/worker"
)

// runHandle tracks a live worker goroutine for one download, whether it is
// actively transferring or blocked in its cooperative pause wait.
type runHandle struct {
	wg *sync.WaitGroup
}

// Scheduler is the engine's admission control: a registry of every
// non-deleted download plus the singleton loop that dispatches queued work
// up to max_concurrent_downloads.
type Scheduler struct {
	mu   sync.Mutex
	cond *sync.Cond

	registry map[string]*download.Download
	running  map[string]*runHandle

	globalPaused  bool
	maxConcurrent int
	loopRunning   bool

	store        *storage.Storage
	limiter      *ratelimit.Limiter
	worker       *worker.Worker
	cfg          *config.Manager
	logger       *slog.Logger
	downloadRoot string
}

func New(store *storage.Storage, limiter *ratelimit.Limiter, w *worker.Worker, cfg *config.Manager, logger *slog.Logger, downloadRoot string, maxConcurrent int) *Scheduler {
	s := &Scheduler{
		registry:      make(map[string]*download.Download),
		running:       make(map[string]*runHandle),
		maxConcurrent: maxConcurrent,
		store:         store,
		limiter:       limiter,
		worker:        w,
		cfg:           cfg,
		logger:        logger,
		downloadRoot:  downloadRoot,
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Restore reconstitutes the registry from the store at startup: any row
// left in "downloading" status (the process crashed mid-transfer) is
// demoted to "queued" so the admission loop restarts it from the byte
// offset already on disk.
func (s *Scheduler) Restore() error {
	rows, err := s.store.ListNonterminal()
	if err != nil {
		return err
	}

	s.mu.Lock()
	for _, row := range rows {
		status := row.Status
		if status == download.StatusDownloading {
			status = download.StatusQueued
		}
		d := download.New(row.ID, row.URL, row.Folder, row.Filename, status, row.CreatedAt)
		d.SeedDownloaded(row.DownloadedBytes)
		d.SetTotal(row.TotalBytes)
		s.registry[row.ID] = d
	}
	s.mu.Unlock()

	for _, row := range rows {
		if row.Status == download.StatusDownloading {
			if err := s.store.UpdateProgress(row.ID, row.DownloadedBytes, row.TotalBytes, download.StatusQueued, "", nil); err != nil {
				s.logger.Error("failed to demote interrupted download at startup", "id", row.ID, "error", err)
			}
		}
	}

	s.wake()
	return nil
}

// validatePath rejects any folder that would resolve outside downloadRoot,
// preventing a relative path like "../../etc" from escaping the sandbox.
func (s *Scheduler) validatePath(folder string) (string, error) {
	cleanRoot, err := filepath.Abs(s.downloadRoot)
	if err != nil {
		return "", apperr.Wrap(apperr.ErrInvalidPath, err)
	}
	joined := filepath.Join(cleanRoot, folder)
	abs, err := filepath.Abs(joined)
	if err != nil {
		return "", apperr.Wrap(apperr.ErrInvalidPath, err)
	}
	rel, err := filepath.Rel(cleanRoot, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", apperr.ErrInvalidPath
	}
	return abs, nil
}

// Add enqueues a new download. If the engine is globally paused, it is
// created directly in the paused state instead of queued.
func (s *Scheduler) Add(rawURL, folder, filename string) (*download.Download, error) {
	if _, err := s.validatePath(folder); err != nil {
		return nil, err
	}
	if filename == "" || strings.ContainsAny(filename, "/\\") {
		return nil, apperr.Wrap(apperr.ErrValidation, fmt.Errorf("invalid filename %q", filename))
	}

	id := uuid.NewString()
	createdAt := time.Now()

	s.mu.Lock()
	initial := download.StatusQueued
	if s.globalPaused {
		initial = download.StatusPaused
	}
	s.mu.Unlock()

	d := download.New(id, rawURL, folder, filename, initial, createdAt)

	row := &storage.DownloadRow{
		ID:        id,
		URL:       rawURL,
		Filename:  filename,
		Folder:    folder,
		Status:    initial,
		CreatedAt: createdAt,
	}
	if err := s.store.Insert(row); err != nil {
		return nil, apperr.Wrap(apperr.ErrIO, err)
	}

	s.mu.Lock()
	s.registry[id] = d
	s.mu.Unlock()

	s.wake()
	return d, nil
}

// Get returns one registered download, or nil if unknown.
func (s *Scheduler) Get(id string) *download.Download {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.registry[id]
}

// Snapshot returns every download's current view, ordered by created_at.
func (s *Scheduler) Snapshot() []download.View {
	s.mu.Lock()
	defer s.mu.Unlock()

	views := make([]download.View, 0, len(s.registry))
	for _, d := range s.registry {
		views = append(views, d.View())
	}
	sort.Slice(views, func(i, j int) bool {
		return views[i].CreatedAt.Before(views[j].CreatedAt)
	})
	return views
}

// Pause requests that a queued or downloading item stop making progress.
func (s *Scheduler) Pause(id string) error {
	s.mu.Lock()
	d, ok := s.registry[id]
	if !ok {
		s.mu.Unlock()
		return apperr.ErrNotFound
	}
	status := d.Status()
	if status != download.StatusQueued && status != download.StatusDownloading {
		s.mu.Unlock()
		return apperr.ErrInvalidState
	}

	if status == download.StatusDownloading {
		d.RequestPause()
		d.ResetSpeedMetrics()
	}
	d.SetStatus(download.StatusPaused)
	s.mu.Unlock()

	return s.store.UpdateProgress(id, bytesOf(d), totalOf(d), download.StatusPaused, "", nil)
}

// Resume restarts a paused download immediately, bypassing the global-pause
// gate and the max_concurrent admission check.
func (s *Scheduler) Resume(id string) error {
	s.mu.Lock()
	d, ok := s.registry[id]
	if !ok {
		s.mu.Unlock()
		return apperr.ErrNotFound
	}
	if d.Status() != download.StatusPaused {
		s.mu.Unlock()
		return apperr.ErrInvalidState
	}
	s.dispatchLocked(d)
	s.mu.Unlock()
	return nil
}

// PauseAll sets the global-pause flag and suspends every queued or
// downloading item.
func (s *Scheduler) PauseAll() {
	s.mu.Lock()
	s.globalPaused = true
	for _, d := range s.registry {
		status := d.Status()
		if status != download.StatusQueued && status != download.StatusDownloading {
			continue
		}
		if status == download.StatusDownloading {
			d.RequestPause()
			d.ResetSpeedMetrics()
		}
		d.SetStatus(download.StatusPaused)
		s.flushAsync(d)
	}
	s.mu.Unlock()
}

// ResumeAll clears the global-pause flag and moves every paused download
// back to queued, letting the admission loop re-dispatch them respecting
// max_concurrent.
func (s *Scheduler) ResumeAll() {
	s.mu.Lock()
	s.globalPaused = false
	for _, d := range s.registry {
		if d.Status() != download.StatusPaused {
			continue
		}
		d.SetStatus(download.StatusQueued)
		s.flushAsync(d)
	}
	s.mu.Unlock()
	s.wake()
}

// Cancel aborts a download's transfer (if running) and removes it from the
// registry and store. deleteFile == nil means "delete only if the transfer
// had not completed".
func (s *Scheduler) Cancel(id string, deleteFile *bool) error {
	s.mu.Lock()
	d, ok := s.registry[id]
	if !ok {
		s.mu.Unlock()
		return apperr.ErrNotFound
	}
	priorStatus := d.Status()
	handle, isRunning := s.running[id]
	s.mu.Unlock()

	if isRunning {
		d.RequestCancel()
		waitWithTimeout(handle.wg, 5*time.Second)
	}

	s.mu.Lock()
	delete(s.running, id)
	delete(s.registry, id)
	s.mu.Unlock()

	shouldDelete := priorStatus != download.StatusCompleted
	if deleteFile != nil {
		shouldDelete = *deleteFile
	}
	if shouldDelete {
		path := s.worker.TargetPath(d)
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			s.logger.Warn("failed to remove file on cancel", "id", id, "path", path, "error", err)
		}
	}

	if err := s.store.Delete(id); err != nil {
		return apperr.Wrap(apperr.ErrIO, err)
	}

	s.wake()
	return nil
}

// SetRateLimit updates the live rate limiter. It does not persist the
// setting; config.Manager.Set does that.
func (s *Scheduler) SetRateLimit(bps int64) {
	s.limiter.SetLimit(bps)
}

// SetMaxConcurrent updates the live concurrency cap and wakes the
// admission loop so a raised cap is acted on immediately.
func (s *Scheduler) SetMaxConcurrent(n int) {
	s.mu.Lock()
	s.maxConcurrent = n
	s.mu.Unlock()
	s.wake()
}

// wake starts the admission loop if it is not already running.
func (s *Scheduler) wake() {
	s.mu.Lock()
	if s.loopRunning {
		s.mu.Unlock()
		return
	}
	s.loopRunning = true
	s.mu.Unlock()
	go s.admissionLoop()
}

// admissionLoop is the engine's singleton dispatcher: while there is
// queued work and spare concurrency, it starts workers; it exits once
// there is nothing running and nothing queued, and is woken again by
// wake() on the next command that could produce new work.
func (s *Scheduler) admissionLoop() {
	for {
		s.mu.Lock()

		if s.globalPaused {
			if len(s.running) == 0 {
				s.loopRunning = false
				s.mu.Unlock()
				return
			}
			s.mu.Unlock()
			time.Sleep(100 * time.Millisecond)
			continue
		}

		active := 0
		var queued []*download.Download
		for _, d := range s.registry {
			switch d.Status() {
			case download.StatusDownloading:
				active++
			case download.StatusQueued:
				queued = append(queued, d)
			}
		}

		if len(queued) == 0 {
			if len(s.running) == 0 {
				s.loopRunning = false
				s.mu.Unlock()
				return
			}
			s.mu.Unlock()
			time.Sleep(100 * time.Millisecond)
			continue
		}

		sort.Slice(queued, func(i, j int) bool {
			vi, vj := queued[i].View(), queued[j].View()
			if vi.CreatedAt.Equal(vj.CreatedAt) {
				return vi.ID < vj.ID
			}
			return vi.CreatedAt.Before(vj.CreatedAt)
		})

		slots := s.maxConcurrent - active
		if slots <= 0 {
			s.mu.Unlock()
			time.Sleep(100 * time.Millisecond)
			continue
		}
		if slots > len(queued) {
			slots = len(queued)
		}
		for i := 0; i < slots; i++ {
			s.dispatchLocked(queued[i])
		}
		s.mu.Unlock()

		time.Sleep(50 * time.Millisecond)
	}
}

// dispatchLocked starts (or resumes in place) a worker for d. Must be
// called with s.mu held.
func (s *Scheduler) dispatchLocked(d *download.Download) {
	if handle, ok := s.running[d.ID]; ok && handle != nil {
		d.ClearPause()
		d.SetStatus(download.StatusDownloading)
		s.flushAsync(d)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	d.SetRunning(cancel)
	d.SetStatus(download.StatusDownloading)

	var wg sync.WaitGroup
	wg.Add(1)
	s.running[d.ID] = &runHandle{wg: &wg}

	go func() {
		defer wg.Done()
		defer cancel()
		err := s.worker.Run(ctx, d)
		s.mu.Lock()
		delete(s.running, d.ID)
		s.mu.Unlock()
		if err != nil && err != apperr.ErrCancelled {
			s.logger.Warn("download ended with error", "id", d.ID, "error", err)
		}
		s.wake()
	}()
}

func (s *Scheduler) flushAsync(d *download.Download) {
	view := d.View()
	if err := s.store.UpdateProgress(view.ID, view.Progress.DownloadedBytes, view.Progress.TotalBytes, view.Status, view.ErrorMessage, view.CompletedAt); err != nil {
		s.logger.Error("failed to flush download status", "id", view.ID, "error", err)
	}
}

func bytesOf(d *download.Download) int64 {
	b, _ := d.Bytes()
	return b
}

func totalOf(d *download.Download) int64 {
	_, t := d.Bytes()
	return t
}

func waitWithTimeout(wg *sync.WaitGroup, timeout time.Duration) {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
	}
}
