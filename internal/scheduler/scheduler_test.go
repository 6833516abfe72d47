package scheduler

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"tachyon-lite/internal/apperr"
	"tachyon-lite/internal/config"
	"tachyon-lite/internal/download"
	"tachyon-lite/internal/ratelimit"
	"tachyon-lite/internal/storage"
	"tachyon-lite/internal/worker"
)

func newTestStorage(t *testing.T) *storage.Storage {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&storage.DownloadRow{}, &storage.SettingRow{}))
	return &storage.Storage{DB: db}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func slowServer(t *testing.T, size int, delayPerByte time.Duration) *httptest.Server {
	t.Helper()
	content := make([]byte, size)
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", fmt.Sprintf("%d", len(content)))
		w.WriteHeader(http.StatusOK)
		flusher, _ := w.(http.Flusher)
		for i := 0; i < len(content); i += 4096 {
			end := i + 4096
			if end > len(content) {
				end = len(content)
			}
			w.Write(content[i:end])
			if flusher != nil {
				flusher.Flush()
			}
			if delayPerByte > 0 {
				time.Sleep(delayPerByte)
			}
		}
	}))
}

func newTestScheduler(t *testing.T, maxConcurrent int) (*Scheduler, string) {
	t.Helper()
	root := t.TempDir()
	store := newTestStorage(t)
	limiter := ratelimit.New(0)
	logger := discardLogger()
	w := worker.New(&http.Client{Transport: worker.NewTransport()}, limiter, store, logger, root)
	cfg := config.New(store)
	s := New(store, limiter, w, cfg, logger, root, maxConcurrent)
	return s, root
}

func waitForStatus(t *testing.T, s *Scheduler, id, status string, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		d := s.Get(id)
		require.NotNil(t, d)
		if d.Status() == status {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s to reach status %s (got %s)", id, status, s.Get(id).Status())
}

func TestAddRejectsEscapingFolder(t *testing.T) {
	s, _ := newTestScheduler(t, 2)
	_, err := s.Add("http://example.com/f", "../../etc", "passwd")
	require.ErrorIs(t, err, apperr.ErrInvalidPath)
}

func TestAddRejectsEmptyFilename(t *testing.T) {
	s, _ := newTestScheduler(t, 2)
	_, err := s.Add("http://example.com/f", "", "")
	require.ErrorIs(t, err, apperr.ErrValidation)
}

func TestConcurrencyCapIsRespected(t *testing.T) {
	server := slowServer(t, 2*1024*1024, 2*time.Millisecond)
	defer server.Close()

	s, _ := newTestScheduler(t, 2)

	var ids []string
	for i := 0; i < 4; i++ {
		d, err := s.Add(server.URL, "", fmt.Sprintf("f%d.bin", i))
		require.NoError(t, err)
		ids = append(ids, d.ID)
	}

	time.Sleep(150 * time.Millisecond)

	downloading := 0
	for _, id := range ids {
		if s.Get(id).Status() == download.StatusDownloading {
			downloading++
		}
	}
	require.LessOrEqual(t, downloading, 2)

	for _, id := range ids {
		waitForStatus(t, s, id, download.StatusCompleted, 10*time.Second)
	}
}

func TestPauseAllThenResumeOverridesGate(t *testing.T) {
	server := slowServer(t, 512*1024, time.Millisecond)
	defer server.Close()

	s, _ := newTestScheduler(t, 1)

	d, err := s.Add(server.URL, "", "f0.bin")
	require.NoError(t, err)
	waitForStatus(t, s, d.ID, download.StatusDownloading, 2*time.Second)

	s.PauseAll()
	waitForStatus(t, s, d.ID, download.StatusPaused, 2*time.Second)

	d2, err := s.Add(server.URL, "", "f1.bin")
	require.NoError(t, err)
	require.Equal(t, download.StatusPaused, d2.Status())

	require.NoError(t, s.Resume(d2.ID))
	waitForStatus(t, s, d2.ID, download.StatusDownloading, 2*time.Second)
	require.Equal(t, download.StatusPaused, s.Get(d.ID).Status())

	s.ResumeAll()
	waitForStatus(t, s, d.ID, download.StatusCompleted, 10*time.Second)
	waitForStatus(t, s, d2.ID, download.StatusCompleted, 10*time.Second)
}

func TestCancelDeletesIncompleteFileByDefault(t *testing.T) {
	server := slowServer(t, 4*1024*1024, 2*time.Millisecond)
	defer server.Close()

	s, root := newTestScheduler(t, 2)
	d, err := s.Add(server.URL, "", "f0.bin")
	require.NoError(t, err)
	waitForStatus(t, s, d.ID, download.StatusDownloading, 2*time.Second)

	require.NoError(t, s.Cancel(d.ID, nil))
	_, statErr := os.Stat(filepath.Join(root, "f0.bin"))
	require.True(t, os.IsNotExist(statErr))
	require.Nil(t, s.Get(d.ID))
}

func TestCancelKeepsFileWhenCompleted(t *testing.T) {
	server := slowServer(t, 16*1024, 0)
	defer server.Close()

	s, root := newTestScheduler(t, 2)
	d, err := s.Add(server.URL, "", "f0.bin")
	require.NoError(t, err)
	waitForStatus(t, s, d.ID, download.StatusCompleted, 5*time.Second)

	require.NoError(t, s.Cancel(d.ID, nil))
	_, statErr := os.Stat(filepath.Join(root, "f0.bin"))
	require.NoError(t, statErr)
}

func TestRestoreDemotesDownloadingToQueued(t *testing.T) {
	root := t.TempDir()
	store := newTestStorage(t)
	require.NoError(t, store.Insert(&storage.DownloadRow{
		ID: "abc", URL: "http://x", Filename: "f.bin", Status: download.StatusDownloading, CreatedAt: time.Now(),
	}))

	limiter := ratelimit.New(0)
	logger := discardLogger()
	w := worker.New(&http.Client{}, limiter, store, logger, root)
	cfg := config.New(store)
	s := New(store, limiter, w, cfg, logger, root, 0) // 0 concurrency: nothing should dispatch

	require.NoError(t, s.Restore())
	require.Equal(t, download.StatusQueued, s.Get("abc").Status())

	row, err := store.Get("abc")
	require.NoError(t, err)
	require.Equal(t, download.StatusQueued, row.Status)
}
