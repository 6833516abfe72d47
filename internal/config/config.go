// Package config provides typed access to the persisted key/value settings
// store, with defaults for keys the store has never seen.
package config

import (
	"fmt"
	"strconv"

	"tachyon-lite/internal/apperr"
	"tachyon-lite/internal/storage"
)

const (
	KeyGlobalRateLimitBps  = "global_rate_limit_bps"
	KeyMaxConcurrent       = "max_concurrent_downloads"
	KeyDownloadRoot        = "download_root"
	KeyListenAddress       = "listen_address"

	DefaultMaxConcurrent  = 3
	DefaultRateLimitBps   = int64(0) // 0 = unlimited
	DefaultDownloadRoot   = "./downloads"
	DefaultListenAddress  = ":7890"
)

// Manager reads and writes the settings table, applying defaults for keys
// that have never been set.
type Manager struct {
	store *storage.Storage
}

func New(store *storage.Storage) *Manager {
	return &Manager{store: store}
}

// All returns every setting key known to the engine with its current (or
// default) value.
func (m *Manager) All() (map[string]string, error) {
	rows, err := m.store.GetSettings()
	if err != nil {
		return nil, err
	}

	out := map[string]string{
		KeyGlobalRateLimitBps: strconv.FormatInt(DefaultRateLimitBps, 10),
		KeyMaxConcurrent:      strconv.Itoa(DefaultMaxConcurrent),
		KeyDownloadRoot:       DefaultDownloadRoot,
		KeyListenAddress:      DefaultListenAddress,
	}
	for k, v := range rows {
		out[k] = v
	}
	return out, nil
}

// Get returns the raw string value for key, or "" if unset and the key has
// no built-in default.
func (m *Manager) Get(key string) (string, error) {
	all, err := m.All()
	if err != nil {
		return "", err
	}
	return all[key], nil
}

// Set validates and persists a setting. Only the recognized keys below may
// be set through this path; anything else is rejected, matching the
// set-setting command's "recognized keys only" contract.
func (m *Manager) Set(key, value string) error {
	switch key {
	case KeyGlobalRateLimitBps:
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil || n < 0 {
			return apperr.Wrap(apperr.ErrValidation, fmt.Errorf("%s must be a non-negative integer", key))
		}
	case KeyMaxConcurrent:
		n, err := strconv.Atoi(value)
		if err != nil || n < 1 {
			return apperr.Wrap(apperr.ErrValidation, fmt.Errorf("%s must be a positive integer", key))
		}
	default:
		return apperr.Wrap(apperr.ErrValidation, fmt.Errorf("unrecognized setting key %q", key))
	}
	return m.store.SetSetting(key, value)
}

// IntSetting parses one key as an int64, falling back to def on error.
func IntSetting(all map[string]string, key string, def int64) int64 {
	v, ok := all[key]
	if !ok {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}
