package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/manash/imgstudio/internal/history"
	"github.com/manash/imgstudio/pkg/models"
)

const (
	DefaultTimeoutSec    = 120
	DefaultSlowNoticeSec = 30
	DefaultListenAddr    = "127.0.0.1:8088"
	DefaultRedisAddr     = "localhost:6379"
	DefaultLogLevel      = "info"
	settingsFileName     = "config.json"
)

var ErrInvalidBackend = errors.New("invalid history backend")

type Settings struct {
	Provider       models.ProviderType `json:"provider"`
	Model          string              `json:"model,omitempty"`
	HistoryBackend history.Backend     `json:"history_backend"`
	DBPath         string              `json:"db_path,omitempty"`
	RedisAddr      string              `json:"redis_addr,omitempty"`
	LogLevel       string              `json:"log_level"`
	TimeoutSec     int                 `json:"timeout_sec"`
	SlowNoticeSec  int                 `json:"slow_notice_sec"`
	ListenAddr     string              `json:"listen_addr"`
	OutputDir      string              `json:"output_dir,omitempty"`
}

func Defaults() Settings {
	return Settings{
		Provider:       models.ProviderGemini,
		HistoryBackend: history.BackendSQLite,
		RedisAddr:      DefaultRedisAddr,
		LogLevel:       DefaultLogLevel,
		TimeoutSec:     DefaultTimeoutSec,
		SlowNoticeSec:  DefaultSlowNoticeSec,
		ListenAddr:     DefaultListenAddr,
	}
}

func SettingsPath(dir string) string {
	return filepath.Join(dir, settingsFileName)
}

// Load reads settings from dir over the defaults and then applies the
// environment. A missing file is not an error.
func Load(dir string) (Settings, error) {
	s := Defaults()

	data, err := os.ReadFile(SettingsPath(dir))
	switch {
	case err == nil:
		if err := json.Unmarshal(data, &s); err != nil {
			return Settings{}, fmt.Errorf("failed to parse %s: %w", settingsFileName, err)
		}
	case !os.IsNotExist(err):
		return Settings{}, err
	}

	s.ApplyEnv(os.Getenv)
	return s, s.Validate()
}

// ApplyEnv overrides fields from IMGSTUDIO_* variables.
func (s *Settings) ApplyEnv(getenv func(string) string) {
	if v := getenv("IMGSTUDIO_PROVIDER"); v != "" {
		s.Provider = models.ProviderType(v)
	}
	if v := getenv("IMGSTUDIO_MODEL"); v != "" {
		s.Model = v
	}
	if v := getenv("IMGSTUDIO_HISTORY_BACKEND"); v != "" {
		s.HistoryBackend = history.Backend(v)
	}
	if v := getenv("IMGSTUDIO_DB"); v != "" {
		s.DBPath = v
	}
	if v := getenv("IMGSTUDIO_REDIS_ADDR"); v != "" {
		s.RedisAddr = v
	}
	if v := getenv("IMGSTUDIO_LOG_LEVEL"); v != "" {
		s.LogLevel = v
	}
	if v := getenv("IMGSTUDIO_LISTEN_ADDR"); v != "" {
		s.ListenAddr = v
	}
	if v, err := strconv.Atoi(getenv("IMGSTUDIO_TIMEOUT")); err == nil && v > 0 {
		s.TimeoutSec = v
	}
}

func (s Settings) Validate() error {
	if !s.Provider.IsValid() {
		return fmt.Errorf("%w: %q", models.ErrInvalidProvider, s.Provider)
	}
	switch s.HistoryBackend {
	case history.BackendSQLite, history.BackendRedis, history.BackendMemory:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidBackend, s.HistoryBackend)
	}
	if s.TimeoutSec <= 0 {
		return fmt.Errorf("timeout must be positive, got %d", s.TimeoutSec)
	}
	return nil
}

func (s Settings) Save(dir string) error {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(SettingsPath(dir), data, 0600)
}
