// Package worker drives one Download from queued to a terminal state: an
// HTTP GET with Range-based resume, chunked streaming to disk under the
// shared rate limiter, and cooperative pause/cancel.
package worker

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"tachyon-lite/internal/apperr"
	"tachyon-lite/internal/download"
	"tachyon-lite/internal/ratelimit"
	"tachyon-lite/internal/storage"
)

const (
	// idleReadTimeout bounds how long a single body read may block before
	// the transfer is treated as stalled; there is no total-request
	// timeout, downloads may be arbitrarily long.
	idleReadTimeout = 300 * time.Second
	flushInterval   = 5 * time.Second
	pausePollDelay  = 150 * time.Millisecond
	genericUA       = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36"
)

// NewTransport builds the HTTP transport used by every Worker: reused
// connections, a dial timeout, and no client-level deadline, since a
// transfer may run for hours.
func NewTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   8,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
	}
}

// Worker drives transfers. One Worker is shared across all downloads; it
// holds no per-download state itself, so it is safe to Run concurrently.
type Worker struct {
	client           *http.Client
	limiter          *ratelimit.Limiter
	store            *storage.Storage
	logger           *slog.Logger
	downloadRoot     string
	idleReadTimeout  time.Duration
}

func New(client *http.Client, limiter *ratelimit.Limiter, store *storage.Storage, logger *slog.Logger, downloadRoot string) *Worker {
	return &Worker{
		client:          client,
		limiter:         limiter,
		store:           store,
		logger:          logger,
		downloadRoot:    downloadRoot,
		idleReadTimeout: idleReadTimeout,
	}
}

// SetIdleReadTimeout overrides the per-read stall timeout (default 300s).
// Exposed mainly so tests can exercise the stall path without waiting out
// the real default.
func (w *Worker) SetIdleReadTimeout(d time.Duration) {
	w.idleReadTimeout = d
}

// TargetPath returns the on-disk path for a download's folder/filename,
// joined under the configured download root.
func (w *Worker) TargetPath(d *download.Download) string {
	return filepath.Join(w.downloadRoot, d.Folder, d.Filename)
}

// Run drives d to a terminal state, honoring ctx cancellation and d's
// cooperative pause flag. It returns apperr.ErrCancelled if ctx was
// cancelled mid-transfer; the caller (Scheduler) owns removing a cancelled
// download from the registry and store. Any other returned error has
// already been persisted to the store as a failed status.
func (w *Worker) Run(ctx context.Context, d *download.Download) error {
	d.SetStatus(download.StatusDownloading)
	w.flush(d)

	folderPath := filepath.Join(w.downloadRoot, d.Folder)
	if err := os.MkdirAll(folderPath, 0755); err != nil {
		return w.fail(d, apperr.Wrap(apperr.ErrIO, err))
	}

	targetPath := w.TargetPath(d)
	if fi, err := os.Stat(targetPath); err == nil {
		d.SeedDownloaded(fi.Size())
	}

	downloaded, _ := d.Bytes()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.URL, nil)
	if err != nil {
		return w.fail(d, apperr.Wrap(apperr.ErrTransport, err))
	}
	req.Header.Set("User-Agent", genericUA)

	requestedRange := downloaded > 0
	if requestedRange {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", downloaded))
	}

	resp, err := w.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return apperr.ErrCancelled
		}
		return w.fail(d, apperr.Wrap(apperr.ErrTransport, err))
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return w.fail(d, apperr.Wrap(apperr.ErrTransport, fmt.Errorf("server returned status %d", resp.StatusCode)))
	}

	flags := os.O_CREATE | os.O_WRONLY
	if requestedRange && resp.StatusCode != http.StatusPartialContent {
		// Server ignored the Range request: discard the partial file and
		// redownload from scratch.
		downloaded = 0
		d.SeedDownloaded(0)
		flags |= os.O_TRUNC
	} else if requestedRange {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}

	if cl := resp.Header.Get("Content-Length"); cl != "" {
		if n, err := strconv.ParseInt(cl, 10, 64); err == nil {
			if resp.StatusCode == http.StatusPartialContent {
				d.SetTotal(downloaded + n)
			} else {
				d.SetTotal(n)
			}
		}
	}

	file, err := os.OpenFile(targetPath, flags, 0644)
	if err != nil {
		return w.fail(d, apperr.Wrap(apperr.ErrIO, err))
	}
	defer file.Close()

	if err := w.stream(ctx, d, resp.Body, file); err != nil {
		if err == apperr.ErrCancelled {
			return err
		}
		return w.fail(d, err)
	}

	d.Finalize(download.StatusCompleted, "")
	w.flush(d)
	return nil
}

// stream copies body into file in rate-limited chunks, honoring pause and
// cancellation, flushing progress to the store periodically.
func (w *Worker) stream(ctx context.Context, d *download.Download, body io.Reader, file *os.File) error {
	chunkSize := w.limiter.ChunkSize()
	buf := make([]byte, chunkSize)
	lastFlush := time.Now()

	for {
		if d.IsCancelled() {
			return apperr.ErrCancelled
		}

		for d.IsPaused() && !d.IsCancelled() {
			time.Sleep(pausePollDelay)
		}
		if d.IsCancelled() {
			return apperr.ErrCancelled
		}

		n, readErr := readWithIdleTimeout(body, buf, w.idleReadTimeout)
		if n > 0 {
			if err := w.limiter.Acquire(ctx, n); err != nil {
				return apperr.ErrCancelled
			}

			if _, err := file.Write(buf[:n]); err != nil {
				return apperr.Wrap(apperr.ErrIO, err)
			}
			d.AdvanceProgress(n)

			if time.Since(lastFlush) >= flushInterval {
				w.flush(d)
				lastFlush = time.Now()
			}
		}

		if readErr == io.EOF {
			return nil
		}
		if readErr != nil {
			if ctx.Err() != nil {
				return apperr.ErrCancelled
			}
			return apperr.Wrap(apperr.ErrTransport, readErr)
		}
	}
}

// readResult carries one body.Read outcome across the goroutine boundary
// readWithIdleTimeout uses to make the read itself timeout-bounded.
type readResult struct {
	n   int
	err error
}

// readWithIdleTimeout performs one body.Read, failing with a timeout error
// if no data or EOF arrives within timeout. The read's own goroutine is
// left to finish on its own; if the caller aborts via ctx the underlying
// connection closes and unblocks it.
func readWithIdleTimeout(body io.Reader, buf []byte, timeout time.Duration) (int, error) {
	resultCh := make(chan readResult, 1)
	go func() {
		n, err := body.Read(buf)
		resultCh <- readResult{n: n, err: err}
	}()

	select {
	case res := <-resultCh:
		return res.n, res.err
	case <-time.After(timeout):
		return 0, fmt.Errorf("body read idle for %s", timeout)
	}
}

func (w *Worker) fail(d *download.Download, err error) error {
	d.Finalize(download.StatusFailed, err.Error())
	w.flush(d)
	return err
}

func (w *Worker) flush(d *download.Download) {
	view := d.View()
	if err := w.store.UpdateProgress(view.ID, view.Progress.DownloadedBytes, view.Progress.TotalBytes, view.Status, view.ErrorMessage, view.CompletedAt); err != nil {
		w.logger.Error("failed to flush download progress", "id", view.ID, "error", err)
	}
}
