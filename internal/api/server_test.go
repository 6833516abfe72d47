package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"tachyon-lite/internal/config"
	"tachyon-lite/internal/publisher"
	"tachyon-lite/internal/ratelimit"
	"tachyon-lite/internal/scheduler"
	"tachyon-lite/internal/storage"
	"tachyon-lite/internal/worker"
)

func newTestServer(t *testing.T) (*httptest.Server, *scheduler.Scheduler) {
	t.Helper()
	root := t.TempDir()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&storage.DownloadRow{}, &storage.SettingRow{}))
	store := &storage.Storage{DB: db}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	limiter := ratelimit.New(0)
	w := worker.New(&http.Client{Transport: worker.NewTransport()}, limiter, store, logger, root)
	cfg := config.New(store)
	sched := scheduler.New(store, limiter, w, cfg, logger, root, 2)
	pub := publisher.New(sched, time.Hour, logger)

	srv := New(sched, cfg, pub, logger)
	return httptest.NewServer(srv.Router()), sched
}

func TestEnqueueReturnsCreatedWithID(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("hello"))
	}))
	defer origin.Close()

	srv, _ := newTestServer(t)
	defer srv.Close()

	body, _ := json.Marshal(map[string]string{"url": origin.URL, "folder": "", "filename": "f.bin"})
	resp, err := http.Post(srv.URL+"/downloads", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var out map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.NotEmpty(t, out["id"])
}

func TestEnqueueRejectsEscapingFolder(t *testing.T) {
	srv, _ := newTestServer(t)
	defer srv.Close()

	body, _ := json.Marshal(map[string]string{"url": "http://example.com", "folder": "../../etc", "filename": "f.bin"})
	resp, err := http.Post(srv.URL+"/downloads", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestPauseUnknownIDReturnsNotFound(t *testing.T) {
	srv, _ := newTestServer(t)
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/downloads/does-not-exist/pause", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestListReturnsSnapshot(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("hello world"))
	}))
	defer origin.Close()

	srv, sched := newTestServer(t)
	defer srv.Close()

	_, err := sched.Add(origin.URL, "", "a.bin")
	require.NoError(t, err)

	resp, err := http.Get(srv.URL + "/downloads")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var views []map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&views))
	require.Len(t, views, 1)
}

func TestSettingsRoundTripThroughHTTP(t *testing.T) {
	srv, _ := newTestServer(t)
	defer srv.Close()

	body, _ := json.Marshal(map[string]string{"value": "7"})
	req, _ := http.NewRequest(http.MethodPut, srv.URL+"/settings/"+"max_concurrent_downloads", bytes.NewReader(body))
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp2, err := http.Get(srv.URL + "/settings/max_concurrent_downloads")
	require.NoError(t, err)
	defer resp2.Body.Close()

	var out map[string]string
	require.NoError(t, json.NewDecoder(resp2.Body).Decode(&out))
	require.Equal(t, "7", out["value"])
}

func TestSettingsRejectsInvalidValue(t *testing.T) {
	srv, _ := newTestServer(t)
	defer srv.Close()

	body, _ := json.Marshal(map[string]string{"value": "not-a-number"})
	req, _ := http.NewRequest(http.MethodPut, fmt.Sprintf("%s/settings/%s", srv.URL, "global_rate_limit_bps"), bytes.NewReader(body))
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
