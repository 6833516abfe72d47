// Package download holds the in-memory Download: one pending, active, or
// terminal transfer, the single unit the scheduler registers, the worker
// drives, and the publisher reads.
//
// Ownership: the scheduler exclusively owns the registry (id -> *Download);
// a Download's own mutex guards its progress fields, which only its
// worker writes while active. Identifier, filename, and folder never
// change after creation.
package download

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"
)

// Status values, matching the state machine in the engine design.
const (
	StatusQueued      = "queued"
	StatusDownloading = "downloading"
	StatusPaused      = "paused"
	StatusCompleted   = "completed"
	StatusFailed      = "failed"
	StatusCancelled   = "cancelled"
)

// IsTerminal reports whether status is one of the machine's terminal states.
func IsTerminal(status string) bool {
	return status == StatusCompleted || status == StatusFailed || status == StatusCancelled
}

// Progress is the derived, read-time view of one download's transfer state.
type Progress struct {
	DownloadedBytes int64
	TotalBytes      int64
	Percentage      float64
	SpeedBps        int64
	ETASeconds      int64
}

// View is a consistent snapshot of one Download, safe to hand to a reader
// without further locking.
type View struct {
	ID           string
	URL          string
	Filename     string
	Folder       string
	Status       string
	ErrorMessage string
	CreatedAt    time.Time
	CompletedAt  *time.Time
	Progress     Progress
}

// Download is one logical file transfer with its own state machine.
type Download struct {
	ID        string
	URL       string
	Folder    string
	Filename  string
	CreatedAt time.Time

	mu              sync.Mutex
	status          string
	downloadedBytes int64
	totalBytes      int64
	errorMessage    string
	completedAt     *time.Time
	speedBps        float64
	etaSeconds      int64
	lastSampleAt    time.Time
	lastSampleBytes int64
	cancelFunc      context.CancelFunc

	paused    atomic.Bool
	cancelled atomic.Bool
}

// New creates a Download in the given initial status (queued or paused).
func New(id, url, folder, filename, status string, createdAt time.Time) *Download {
	return &Download{
		ID:        id,
		URL:       url,
		Folder:    folder,
		Filename:  filename,
		CreatedAt: createdAt,
		status:    status,
	}
}

// Status returns the current status.
func (d *Download) Status() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.status
}

// SetStatus transitions the status without touching progress fields.
func (d *Download) SetStatus(status string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.status = status
}

// Bytes returns the current downloaded/total byte counts under one lock, so
// a reader never observes a torn pair.
func (d *Download) Bytes() (downloaded, total int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.downloadedBytes, d.totalBytes
}

// SetTotal records the size learned from the response, once known.
func (d *Download) SetTotal(total int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.totalBytes = total
}

// SeedDownloaded sets the initial downloaded-bytes count from an on-disk
// partial file, without affecting the speed sampler.
func (d *Download) SeedDownloaded(n int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.downloadedBytes = n
}

// AdvanceProgress increments downloaded bytes by n and recomputes
// speed/ETA once at least a second has elapsed since the last sample.
func (d *Download) AdvanceProgress(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.downloadedBytes += int64(n)
	now := time.Now()

	if d.lastSampleAt.IsZero() {
		d.lastSampleAt = now
		d.lastSampleBytes = d.downloadedBytes
		return
	}

	dt := now.Sub(d.lastSampleAt)
	if dt < time.Second {
		return
	}

	bytesDiff := d.downloadedBytes - d.lastSampleBytes
	d.speedBps = float64(bytesDiff) / dt.Seconds()
	if d.speedBps > 0 && d.totalBytes > 0 {
		remaining := d.totalBytes - d.downloadedBytes
		d.etaSeconds = int64(float64(remaining) / d.speedBps)
	} else {
		d.etaSeconds = 0
	}

	d.lastSampleAt = now
	d.lastSampleBytes = d.downloadedBytes
}

// ResetSpeedMetrics zeroes speed/ETA, used on pause and terminal transitions.
func (d *Download) ResetSpeedMetrics() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.speedBps = 0
	d.etaSeconds = 0
	d.lastSampleAt = time.Time{}
	d.lastSampleBytes = 0
}

// Finalize sets a terminal status with its error message (if any) and, for
// completed, a completion timestamp.
func (d *Download) Finalize(status, errMsg string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.status = status
	d.errorMessage = errMsg
	d.speedBps = 0
	d.etaSeconds = 0
	if status == StatusCompleted {
		now := time.Now()
		d.completedAt = &now
	}
}

// SetRunning records the cancel function of the context driving the active
// worker, so a later cancel() can abort the in-flight HTTP stream.
func (d *Download) SetRunning(cancel context.CancelFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cancelFunc = cancel
}

// RequestCancel marks the download cancelled and aborts its in-flight
// transfer, if one is running.
func (d *Download) RequestCancel() {
	d.cancelled.Store(true)
	d.mu.Lock()
	cancel := d.cancelFunc
	d.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// IsCancelled reports whether cancel has been requested.
func (d *Download) IsCancelled() bool {
	return d.cancelled.Load()
}

// RequestPause sets the cooperative pause flag a running worker polls
// between chunks. It does not abort the in-flight request.
func (d *Download) RequestPause() {
	d.paused.Store(true)
}

// ClearPause clears the cooperative pause flag.
func (d *Download) ClearPause() {
	d.paused.Store(false)
}

// IsPaused reports whether pause has been requested.
func (d *Download) IsPaused() bool {
	return d.paused.Load()
}

// View returns a consistent, lock-free snapshot for readers.
func (d *Download) View() View {
	d.mu.Lock()
	defer d.mu.Unlock()

	var pct float64
	if d.totalBytes > 0 {
		pct = float64(d.downloadedBytes) / float64(d.totalBytes) * 100
		pct = math.Round(pct*100) / 100 // round to 2dp
	}

	return View{
		ID:           d.ID,
		URL:          d.URL,
		Filename:     d.Filename,
		Folder:       d.Folder,
		Status:       d.status,
		ErrorMessage: d.errorMessage,
		CreatedAt:    d.CreatedAt,
		CompletedAt:  d.completedAt,
		Progress: Progress{
			DownloadedBytes: d.downloadedBytes,
			TotalBytes:      d.totalBytes,
			Percentage:      pct,
			SpeedBps:        int64(d.speedBps),
			ETASeconds:      d.etaSeconds,
		},
	}
}
