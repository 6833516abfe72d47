// Package storage is the durable table of download rows and settings.
// Every update is atomic at row granularity; no cross-row transactions are
// required by the engine's design.
package storage

import "time"

// DownloadRow is one download's persisted state.
type DownloadRow struct {
	ID              string `gorm:"primaryKey"`
	URL             string
	Filename        string
	Folder          string
	Status          string `gorm:"index"`
	DownloadedBytes int64
	TotalBytes      int64
	ErrorMessage    string
	CreatedAt       time.Time
	CompletedAt     *time.Time
}

func (DownloadRow) TableName() string {
	return "downloads"
}

// SettingRow is one key/value process setting.
type SettingRow struct {
	Key   string `gorm:"primaryKey"`
	Value string
}

func (SettingRow) TableName() string {
	return "settings"
}
