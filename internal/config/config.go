// Package config handles fieldsync configuration: engine paths and
// endpoints plus the user-tunable sync settings.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Photo quality levels accepted by PhotoQuality.
const (
	QualityLow    = "low"
	QualityMedium = "medium"
	QualityHigh   = "high"
)

// Conflict resolution policies accepted by ConflictResolution.
const (
	PolicyAskUser    = "ask_user"
	PolicyServerWins = "server_wins"
	PolicyClientWins = "client_wins"
)

// Settings are the user/administrator-tunable sync parameters, read by
// the scheduler and cache manager at every pass so updates take effect
// without a restart.
type Settings struct {
	AutoSync            bool   `mapstructure:"auto_sync"`
	SyncIntervalMinutes int    `mapstructure:"sync_interval_minutes"`
	SyncOnlyOnWifi      bool   `mapstructure:"sync_only_on_wifi"`
	CompressPhotos      bool   `mapstructure:"compress_photos"`
	PhotoQuality        string `mapstructure:"photo_quality"`
	MaxStorageMB        int    `mapstructure:"max_storage_mb"`
	MaxRetryAttempts    int    `mapstructure:"max_retry_attempts"`
	ConflictResolution  string `mapstructure:"conflict_resolution"`
}

// Validate checks the settings for out-of-range values.
func (s *Settings) Validate() error {
	if s.SyncIntervalMinutes <= 0 {
		return fmt.Errorf("sync_interval_minutes must be positive (got %d)", s.SyncIntervalMinutes)
	}
	if s.MaxStorageMB <= 0 {
		return fmt.Errorf("max_storage_mb must be positive (got %d)", s.MaxStorageMB)
	}
	if s.MaxRetryAttempts <= 0 {
		return fmt.Errorf("max_retry_attempts must be positive (got %d)", s.MaxRetryAttempts)
	}
	switch s.PhotoQuality {
	case QualityLow, QualityMedium, QualityHigh:
	default:
		return fmt.Errorf("unknown photo_quality %q", s.PhotoQuality)
	}
	switch s.ConflictResolution {
	case PolicyAskUser, PolicyServerWins, PolicyClientWins:
	default:
		return fmt.Errorf("unknown conflict_resolution %q", s.ConflictResolution)
	}
	return nil
}

// SettingsPatch is a partial settings update. Nil fields are left
// unchanged.
type SettingsPatch struct {
	AutoSync            *bool
	SyncIntervalMinutes *int
	SyncOnlyOnWifi      *bool
	CompressPhotos      *bool
	PhotoQuality        *string
	MaxStorageMB        *int
	MaxRetryAttempts    *int
	ConflictResolution  *string
}

// Apply returns a copy of s with the patch applied.
func (p SettingsPatch) Apply(s Settings) Settings {
	if p.AutoSync != nil {
		s.AutoSync = *p.AutoSync
	}
	if p.SyncIntervalMinutes != nil {
		s.SyncIntervalMinutes = *p.SyncIntervalMinutes
	}
	if p.SyncOnlyOnWifi != nil {
		s.SyncOnlyOnWifi = *p.SyncOnlyOnWifi
	}
	if p.CompressPhotos != nil {
		s.CompressPhotos = *p.CompressPhotos
	}
	if p.PhotoQuality != nil {
		s.PhotoQuality = *p.PhotoQuality
	}
	if p.MaxStorageMB != nil {
		s.MaxStorageMB = *p.MaxStorageMB
	}
	if p.MaxRetryAttempts != nil {
		s.MaxRetryAttempts = *p.MaxRetryAttempts
	}
	if p.ConflictResolution != nil {
		s.ConflictResolution = *p.ConflictResolution
	}
	return s
}

// Config holds the complete fieldsync configuration.
type Config struct {
	// DataDir is the root for everything fieldsync persists:
	// fieldsync.db, blobs/, spool/, logs/.
	DataDir string `mapstructure:"data_dir"`

	// RemoteURL is the base URL of the backend API.
	RemoteURL string `mapstructure:"remote_url"`

	// ProbeURL is probed by the network monitor to detect
	// reachability; defaults to RemoteURL + /health.
	ProbeURL string `mapstructure:"probe_url"`

	// RequestTimeoutSeconds bounds every remote call.
	RequestTimeoutSeconds int `mapstructure:"request_timeout_seconds"`

	// StatusPort is the local status/metrics server port; 0 disables it.
	StatusPort int `mapstructure:"status_port"`

	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`

	Sync Settings `mapstructure:"sync"`
}

// DBPath returns the path of the SQLite database file.
func (c *Config) DBPath() string {
	return filepath.Join(c.DataDir, "fieldsync.db")
}

// BlobDir returns the directory holding managed photo blobs.
func (c *Config) BlobDir() string {
	return filepath.Join(c.DataDir, "blobs")
}

// SpoolDir returns the directory watched for freshly captured photos.
func (c *Config) SpoolDir() string {
	return filepath.Join(c.DataDir, "spool")
}

// LogDir returns the directory for rotated log files.
func (c *Config) LogDir() string {
	return filepath.Join(c.DataDir, "logs")
}

// setDefaults registers every default on the viper instance.
func setDefaults(v *viper.Viper) {
	v.SetDefault("data_dir", ".fieldsync")
	v.SetDefault("remote_url", "http://localhost:8480")
	v.SetDefault("probe_url", "")
	v.SetDefault("request_timeout_seconds", 20)
	v.SetDefault("status_port", 0)
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")

	v.SetDefault("sync.auto_sync", true)
	v.SetDefault("sync.sync_interval_minutes", 15)
	v.SetDefault("sync.sync_only_on_wifi", false)
	v.SetDefault("sync.compress_photos", true)
	v.SetDefault("sync.photo_quality", QualityMedium)
	v.SetDefault("sync.max_storage_mb", 500)
	v.SetDefault("sync.max_retry_attempts", 3)
	v.SetDefault("sync.conflict_resolution", PolicyServerWins)
}

// Load reads configuration from the given file path. A missing file is
// not an error; defaults and FIELDSYNC_* environment overrides apply.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("FIELDSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config %s: %w", path, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if cfg.ProbeURL == "" {
		cfg.ProbeURL = strings.TrimRight(cfg.RemoteURL, "/") + "/health"
	}

	if err := cfg.Sync.Validate(); err != nil {
		return nil, fmt.Errorf("invalid sync settings: %w", err)
	}

	return &cfg, nil
}

// Save writes the configuration back to the given file path. Used
// after a settings update so tuned values survive restarts.
func Save(cfg *Config, path string) error {
	v := viper.New()

	v.Set("data_dir", cfg.DataDir)
	v.Set("remote_url", cfg.RemoteURL)
	v.Set("probe_url", cfg.ProbeURL)
	v.Set("request_timeout_seconds", cfg.RequestTimeoutSeconds)
	v.Set("status_port", cfg.StatusPort)
	v.Set("log_level", cfg.LogLevel)
	v.Set("log_format", cfg.LogFormat)

	v.Set("sync.auto_sync", cfg.Sync.AutoSync)
	v.Set("sync.sync_interval_minutes", cfg.Sync.SyncIntervalMinutes)
	v.Set("sync.sync_only_on_wifi", cfg.Sync.SyncOnlyOnWifi)
	v.Set("sync.compress_photos", cfg.Sync.CompressPhotos)
	v.Set("sync.photo_quality", cfg.Sync.PhotoQuality)
	v.Set("sync.max_storage_mb", cfg.Sync.MaxStorageMB)
	v.Set("sync.max_retry_attempts", cfg.Sync.MaxRetryAttempts)
	v.Set("sync.conflict_resolution", cfg.Sync.ConflictResolution)

	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("failed to write config %s: %w", path, err)
	}
	return nil
}
