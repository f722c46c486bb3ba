// Package config loads and validates the collector configuration. The
// control-plane watcher re-reads the same file at every tick, so Load keeps
// the source path on the returned value and Reload hands back a fresh copy.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/sawpanic/tickvault/internal/interval"
)

// Config is the full configuration surface of the collector.
type Config struct {
	// Subscription universe.
	ProductIDs []string `yaml:"product_ids"`

	// Bucket cadence per stream.
	StreamBackupInterval   string `yaml:"stream_backup_interval"`
	SnapshotBackupInterval string `yaml:"snapshot_backup_interval"`

	// Snapshot poller cadence: minutes in production, seconds otherwise.
	SnapshotIntervalMinutes int  `yaml:"snapshot_interval_minutes"`
	SnapshotIntervalSeconds int  `yaml:"snapshot_interval_seconds"`
	Snapshot                bool `yaml:"snapshot"`

	// Control-plane cadence and shutdown trigger.
	UpdateInterval string `yaml:"update_interval"`
	StopProgram    int    `yaml:"stop_program"`

	// Rotator overlap half-width in seconds.
	SafeMarginInterval int `yaml:"safe_margin_interval"`

	// Backup pipeline.
	BackupOn                   bool     `yaml:"backup_on"`
	BackupType                 string   `yaml:"backup_type"`             // aws | local
	BackupCompressionType      string   `yaml:"backup_compression_type"` // zstd | lzma | lzma2
	BackupCollections          []string `yaml:"backup_collections"`
	BackupOverwriteCollections []string `yaml:"backup_overwrite_collections"`
	BackupFolderPath           string   `yaml:"backup_folder_path"`
	BackupOverwriteFolderPath  string   `yaml:"backup_overwrite_folder_path"`
	TempBackupFolder           string   `yaml:"temp_backup_folder"`
	TempFolder                 string   `yaml:"temp_folder"`

	// Object storage.
	S3BucketName       string `yaml:"s3_bucket_name"`
	AWSAccessKeyID     string `yaml:"aws_access_key_id"`
	AWSSecretAccessKey string `yaml:"aws_secret_access_key"`
	AWSRegion          string `yaml:"aws_region"`

	// Storage backend.
	DatabaseType     string `yaml:"database_type"` // mongodb | documentdb | simple
	DatabaseName     string `yaml:"database_name"`
	MongoURL         string `yaml:"mongo_url"`
	DBPath           string `yaml:"db_path"`
	DatabaseHost     string `yaml:"database_host"`
	DatabaseUsername string `yaml:"database_username"`
	DatabasePassword string `yaml:"database_password"`
	SSLCAFile        string `yaml:"ssl_ca_file"`

	// Exchange endpoints and credentials.
	WebsocketURL string `yaml:"websocket_url"`
	RestURL      string `yaml:"rest_url"`
	CBKey        string `yaml:"cb_key"`
	CBSecret     string `yaml:"cb_secret"`
	CBPassphrase string `yaml:"cb_passphrase"`

	// Runtime mode and state tables.
	IsProduction     bool   `yaml:"is_production"`
	BackupInfoDBPath string `yaml:"backup_info_db_path"`
	CrashInfoDBPath  string `yaml:"crash_info_db_path"`

	// Optional HTTP monitor ("/health", "/metrics"). Empty disables it.
	MonitorAddr string `yaml:"monitor_addr"`

	path string
}

// Load reads, decodes and validates a YAML config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := &Config{
		// Defaults for optional knobs.
		SafeMarginInterval:      15,
		SnapshotIntervalMinutes: 15,
		SnapshotIntervalSeconds: 30,
		BackupCompressionType:   "zstd",
		BackupType:              "local",
		DatabaseType:            "simple",
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	cfg.path = path
	return cfg, nil
}

// Reload re-reads the file this config was loaded from and returns a new
// value. The receiver is left untouched so callers can keep serving the old
// config when the file is transiently broken.
func (c *Config) Reload() (*Config, error) {
	return Load(c.path)
}

// Stop reports whether the file requests a drained shutdown.
func (c *Config) Stop() bool {
	return c.StopProgram > 0
}

// StreamInterval returns the parsed stream bucket cadence. Validate has
// already run, so failures here are programmer errors.
func (c *Config) StreamInterval() interval.Interval {
	i, _ := interval.Parse(c.StreamBackupInterval)
	return i
}

func (c *Config) SnapshotInterval() interval.Interval {
	i, _ := interval.Parse(c.SnapshotBackupInterval)
	return i
}

func (c *Config) ControlInterval() interval.Interval {
	i, _ := interval.Parse(c.UpdateInterval)
	return i
}

// Validate checks enumerations and cross-field requirements.
func (c *Config) Validate() error {
	if len(c.ProductIDs) == 0 {
		return fmt.Errorf("product_ids must not be empty")
	}
	for _, f := range []struct{ name, val string }{
		{"stream_backup_interval", c.StreamBackupInterval},
		{"update_interval", c.UpdateInterval},
	} {
		if _, err := interval.Parse(f.val); err != nil {
			return fmt.Errorf("%s: %w", f.name, err)
		}
	}
	if c.Snapshot {
		if _, err := interval.Parse(c.SnapshotBackupInterval); err != nil {
			return fmt.Errorf("snapshot_backup_interval: %w", err)
		}
		if c.SnapshotIntervalMinutes <= 0 || c.SnapshotIntervalMinutes > 60 {
			return fmt.Errorf("snapshot_interval_minutes must be in (0, 60], got %d", c.SnapshotIntervalMinutes)
		}
		if c.SnapshotIntervalSeconds <= 0 || c.SnapshotIntervalSeconds > 60 {
			return fmt.Errorf("snapshot_interval_seconds must be in (0, 60], got %d", c.SnapshotIntervalSeconds)
		}
	}
	if c.SafeMarginInterval <= 0 {
		return fmt.Errorf("safe_margin_interval must be positive, got %d", c.SafeMarginInterval)
	}

	switch c.BackupType {
	case "aws":
		if c.S3BucketName == "" {
			return fmt.Errorf("s3_bucket_name is required for backup_type aws")
		}
	case "local":
		if c.BackupOn && c.BackupFolderPath == "" {
			return fmt.Errorf("backup_folder_path is required for backup_type local")
		}
	default:
		return fmt.Errorf("backup_type must be aws or local, got %q", c.BackupType)
	}
	switch c.BackupCompressionType {
	case "zstd", "lzma", "lzma2":
	default:
		return fmt.Errorf("backup_compression_type must be zstd, lzma or lzma2, got %q", c.BackupCompressionType)
	}
	if c.BackupOn && c.TempBackupFolder == "" {
		return fmt.Errorf("temp_backup_folder is required when backups are on")
	}

	switch c.DatabaseType {
	case "mongodb", "documentdb":
		if c.MongoURL == "" {
			return fmt.Errorf("mongo_url is required for database_type %s", c.DatabaseType)
		}
	case "simple":
		if c.DBPath == "" {
			return fmt.Errorf("db_path is required for database_type simple")
		}
	default:
		return fmt.Errorf("database_type must be mongodb, documentdb or simple, got %q", c.DatabaseType)
	}
	if c.DatabaseName == "" {
		return fmt.Errorf("database_name must not be empty")
	}

	if c.WebsocketURL == "" || c.RestURL == "" {
		return fmt.Errorf("websocket_url and rest_url must both be set")
	}
	if c.BackupInfoDBPath == "" || c.CrashInfoDBPath == "" {
		return fmt.Errorf("backup_info_db_path and crash_info_db_path must both be set")
	}
	return nil
}
