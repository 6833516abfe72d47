package storage

import (
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// NonterminalStatuses are the statuses reloaded from the store at startup.
var NonterminalStatuses = []string{"queued", "downloading", "paused"}

// Storage wraps the gorm handle to the downloads/settings database.
type Storage struct {
	DB *gorm.DB
}

// Open creates or migrates the database file at path, creating its parent
// directory if needed.
func Open(path string) (*Storage, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, err
	}

	db.Exec("PRAGMA journal_mode=WAL;")

	if err := db.AutoMigrate(&DownloadRow{}, &SettingRow{}); err != nil {
		return nil, err
	}

	return &Storage{DB: db}, nil
}

// Close releases the underlying database connection.
func (s *Storage) Close() error {
	sqlDB, err := s.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Checkpoint forces a WAL checkpoint so a later crash doesn't lose committed
// rows sitting in the write-ahead log.
func (s *Storage) Checkpoint() error {
	return s.DB.Exec("PRAGMA wal_checkpoint(TRUNCATE);").Error
}

// Insert creates a new download row with zero progress.
func (s *Storage) Insert(row *DownloadRow) error {
	return s.DB.Create(row).Error
}

// UpdateProgress atomically overwrites the progress-bearing fields of one row.
func (s *Storage) UpdateProgress(id string, downloaded, total int64, status, errMsg string, completedAt *time.Time) error {
	return s.DB.Model(&DownloadRow{}).Where("id = ?", id).Updates(map[string]interface{}{
		"downloaded_bytes": downloaded,
		"total_bytes":      total,
		"status":           status,
		"error_message":    errMsg,
		"completed_at":     completedAt,
	}).Error
}

// Delete removes a download row.
func (s *Storage) Delete(id string) error {
	return s.DB.Where("id = ?", id).Delete(&DownloadRow{}).Error
}

// Get fetches one row by id.
func (s *Storage) Get(id string) (*DownloadRow, error) {
	var row DownloadRow
	if err := s.DB.First(&row, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &row, nil
}

// ListNonterminal returns all rows whose status is queued, downloading, or
// paused, in created_at ascending / id tiebreak order so restart
// reconstitution admits work deterministically.
func (s *Storage) ListNonterminal() ([]*DownloadRow, error) {
	var rows []*DownloadRow
	err := s.DB.
		Where("status IN ?", NonterminalStatuses).
		Order("created_at ASC, id ASC").
		Find(&rows).Error
	return rows, err
}

// GetSettings returns every key/value setting row.
func (s *Storage) GetSettings() (map[string]string, error) {
	var rows []SettingRow
	if err := s.DB.Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make(map[string]string, len(rows))
	for _, r := range rows {
		out[r.Key] = r.Value
	}
	return out, nil
}

// SetSetting upserts one key/value setting row.
func (s *Storage) SetSetting(key, value string) error {
	return s.DB.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value"}),
	}).Create(&SettingRow{Key: key, Value: value}).Error
}
