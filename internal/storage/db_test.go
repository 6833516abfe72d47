package storage

import (
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// setupTestDB creates an in-memory SQLite database for testing.
func setupTestDB(t *testing.T) *Storage {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	require.NoError(t, db.AutoMigrate(&DownloadRow{}, &SettingRow{}))

	return &Storage{DB: db}
}

func TestInsertAndGet(t *testing.T) {
	s := setupTestDB(t)

	row := &DownloadRow{
		ID:       "dl-1",
		URL:      "https://example.com/file.bin",
		Filename: "file.bin",
		Folder:   "videos",
		Status:   "queued",
	}
	require.NoError(t, s.Insert(row))

	got, err := s.Get("dl-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, "file.bin", got.Filename)
	require.Equal(t, "queued", got.Status)
}

func TestGetMissingReturnsNil(t *testing.T) {
	s := setupTestDB(t)

	got, err := s.Get("nope")
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestUpdateProgress(t *testing.T) {
	s := setupTestDB(t)

	row := &DownloadRow{ID: "dl-2", Status: "downloading"}
	require.NoError(t, s.Insert(row))

	completed := time.Now()
	require.NoError(t, s.UpdateProgress("dl-2", 512, 1024, "downloading", "", nil))

	got, err := s.Get("dl-2")
	require.NoError(t, err)
	require.Equal(t, int64(512), got.DownloadedBytes)
	require.Equal(t, int64(1024), got.TotalBytes)

	require.NoError(t, s.UpdateProgress("dl-2", 1024, 1024, "completed", "", &completed))
	got, err = s.Get("dl-2")
	require.NoError(t, err)
	require.Equal(t, "completed", got.Status)
	require.NotNil(t, got.CompletedAt)
}

func TestDelete(t *testing.T) {
	s := setupTestDB(t)

	require.NoError(t, s.Insert(&DownloadRow{ID: "dl-3", Status: "queued"}))
	require.NoError(t, s.Delete("dl-3"))

	got, err := s.Get("dl-3")
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestListNonterminalOrdersByCreatedAt(t *testing.T) {
	s := setupTestDB(t)

	base := time.Now()
	require.NoError(t, s.Insert(&DownloadRow{ID: "b", Status: "queued", CreatedAt: base.Add(2 * time.Second)}))
	require.NoError(t, s.Insert(&DownloadRow{ID: "a", Status: "paused", CreatedAt: base}))
	require.NoError(t, s.Insert(&DownloadRow{ID: "c", Status: "completed", CreatedAt: base.Add(time.Second)}))

	rows, err := s.ListNonterminal()
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.Equal(t, "a", rows[0].ID)
	require.Equal(t, "b", rows[1].ID)
}

func TestSettingsRoundTrip(t *testing.T) {
	s := setupTestDB(t)

	require.NoError(t, s.SetSetting("max_concurrent_downloads", "3"))
	require.NoError(t, s.SetSetting("global_rate_limit_bps", "0"))

	settings, err := s.GetSettings()
	require.NoError(t, err)
	require.Equal(t, "3", settings["max_concurrent_downloads"])
	require.Equal(t, "0", settings["global_rate_limit_bps"])

	// Upsert overwrites rather than duplicating.
	require.NoError(t, s.SetSetting("max_concurrent_downloads", "5"))
	settings, err = s.GetSettings()
	require.NoError(t, err)
	require.Equal(t, "5", settings["max_concurrent_downloads"])
}
