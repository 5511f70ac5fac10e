package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the main configuration for the agent. It is read once at
// startup and passed to every component constructor.
type Config struct {
	UserID   string `toml:"user_id"`
	BaseDir  string `toml:"base_dir"`
	LogDir   string `toml:"log_dir"`
	LogLevel string `toml:"log_level"` // debug, info, warn or error

	// Rotation of wt.log.
	LogMaxSizeMB  int `toml:"log_max_size_mb"`
	LogMaxBackups int `toml:"log_max_backups"`
	LogMaxAgeDays int `toml:"log_max_age_days"`

	Database   DatabaseConfig   `toml:"database"`
	Remote     RemoteConfig     `toml:"remote"`
	Media      MediaConfig      `toml:"media"`
	Encryption EncryptionConfig `toml:"encryption"`
	Sync       SyncConfig       `toml:"sync"`
	Quota      QuotaConfig      `toml:"quota"`
	Queue      QueueConfig      `toml:"queue"`
	Capture    CaptureConfig    `toml:"capture"`
	Server     ServerConfig     `toml:"server"`
}

// DatabaseConfig represents configuration for the local store.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type DatabaseConfig struct {
	Type    string `toml:"type"`               // "sqlite" or "memory"
	DataDir string `toml:"data_dir,omitempty"` // only used for type=sqlite
}

// RemoteConfig describes the remote service receiving row batches.
type RemoteConfig struct {
	Type             string   `toml:"type"` // "http" or "memory"
	Endpoint         string   `toml:"endpoint,omitempty"`
	APIKey           string   `toml:"api_key,omitempty"`
	AccessToken      string   `toml:"access_token,omitempty"`
	CompressRequests bool     `toml:"compress_requests"`
	Timeout          Duration `toml:"timeout"`
}

// MediaConfig describes where screenshot media is uploaded.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type MediaConfig struct {
	Type    string `toml:"type"` // "http", "s3", "filesystem" or "memory"
	Prefix  string `toml:"prefix,omitempty"`
	Encrypt bool   `toml:"encrypt"`

	// Bucket is used by type=http (storage bucket) and type=s3.
	Bucket string `toml:"bucket,omitempty"`

	// S3-specific fields (only used when Type == "s3")
	S3Region          string `toml:"s3_region,omitempty"`
	S3Endpoint        string `toml:"s3_endpoint,omitempty"`
	S3AccessKeyID     string `toml:"s3_access_key_id,omitempty"`
	S3SecretAccessKey string `toml:"s3_secret_access_key,omitempty"`
	S3PathStyle       bool   `toml:"s3_path_style,omitempty"`

	// FileSystem-specific fields (only used when Type == "filesystem")
	FSRoot string `toml:"fs_root,omitempty"`
}

// EncryptionConfig holds paths to the age key pair used for media encryption.
type EncryptionConfig struct {
	Type           string `toml:"type"` // "age" (default) or "test"
	PublicKeyPath  string `toml:"public_key_path"`
	PrivateKeyPath string `toml:"private_key_path"`
}

// SyncConfig controls the sync engine.
type SyncConfig struct {
	Interval        Duration `toml:"interval"`
	BatchSize       int      `toml:"batch_size"`
	MaxAttempts     int      `toml:"max_attempts"`
	InitialBackoff  Duration `toml:"initial_backoff"`
	MaxBackoff      Duration `toml:"max_backoff"`
	DailyAPIBudget  int      `toml:"daily_api_budget"`
	DeadLetterAfter int      `toml:"dead_letter_after"` // permanent rejections before a row is parked; 0 never parks
}

// QuotaConfig bounds local media storage.
type QuotaConfig struct {
	MaxStorageMB    int64    `toml:"max_storage_mb"`
	SoftRatio       float64  `toml:"soft_ratio"`
	MaxFileCount    int      `toml:"max_file_count"`
	MaxFileAge      Duration `toml:"max_file_age"`
	RecordRetention Duration `toml:"record_retention"`
	Interval        Duration `toml:"interval"`
}

// QueueConfig sizes the ingestion queue.
type QueueConfig struct {
	Capacity  int     `toml:"capacity"`
	HighWater float64 `toml:"high_water"`
}

// CaptureConfig controls how screenshots are processed at ingestion.
type CaptureConfig struct {
	Quality int `toml:"quality"` // JPEG quality 1-100; 0 keeps files as captured
}

// ServerConfig controls the health, metrics and push endpoints.
type ServerConfig struct {
	Enabled      bool     `toml:"enabled"`
	Addr         string   `toml:"addr"`
	PushInterval Duration `toml:"push_interval"`
}

// QuotaBytes returns the storage quota in bytes.
func (q QuotaConfig) QuotaBytes() int64 {
	return q.MaxStorageMB * 1024 * 1024
}

// NewConfig creates a new Config with defaults rooted at baseDir.
func NewConfig(userID, baseDir string) *Config {
	cfg := defaults()
	cfg.UserID = userID
	cfg.BaseDir = baseDir
	cfg.resolvePaths()
	return cfg
}

// resolvePaths fills path settings left empty with locations under BaseDir.
func (c *Config) resolvePaths() {
	if c.BaseDir == "" {
		return
	}
	if c.LogDir == "" {
		c.LogDir = filepath.Join(c.BaseDir, "log")
	}
	if c.Database.Type == "sqlite" && c.Database.DataDir == "" {
		c.Database.DataDir = filepath.Join(c.BaseDir, "db")
	}
	if c.Encryption.PublicKeyPath == "" {
		c.Encryption.PublicKeyPath = filepath.Join(c.BaseDir, "keys", "wt.pub")
	}
	if c.Encryption.PrivateKeyPath == "" {
		c.Encryption.PrivateKeyPath = filepath.Join(c.BaseDir, "keys", "wt.key")
	}
}

func defaults() *Config {
	return &Config{
		LogLevel:      "info",
		LogMaxSizeMB:  10,
		LogMaxBackups: 5,
		LogMaxAgeDays: 28,
		Database: DatabaseConfig{
			Type: "sqlite",
		},
		Remote: RemoteConfig{
			Type:    "http",
			Timeout: Duration(30 * time.Second),
		},
		Media: MediaConfig{
			Type:   "http",
			Bucket: "user-captures",
		},
		Encryption: EncryptionConfig{
			Type: "age",
		},
		Sync: SyncConfig{
			Interval:        Duration(5 * time.Minute),
			BatchSize:       50,
			MaxAttempts:     5,
			InitialBackoff:  Duration(time.Second),
			MaxBackoff:      Duration(time.Minute),
			DailyAPIBudget:  1500,
			DeadLetterAfter: 5,
		},
		Quota: QuotaConfig{
			MaxStorageMB:    1000,
			SoftRatio:       0.9,
			MaxFileCount:    1000,
			MaxFileAge:      Duration(7 * 24 * time.Hour),
			RecordRetention: Duration(30 * 24 * time.Hour),
			Interval:        Duration(10 * time.Minute),
		},
		Queue: QueueConfig{
			Capacity:  1000,
			HighWater: 0.9,
		},
		Capture: CaptureConfig{
			Quality: 60,
		},
		Server: ServerConfig{
			Enabled:      true,
			Addr:         "127.0.0.1:8765",
			PushInterval: Duration(time.Second),
		},
	}
}

// Validate reports every out-of-range value at once.
func (c *Config) Validate() error {
	var errs []error
	if c.UserID == "" {
		errs = append(errs, errors.New("user_id is required"))
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log_level %q must be debug, info, warn or error", c.LogLevel))
	}
	if c.Sync.Interval <= 0 {
		errs = append(errs, errors.New("sync.interval must be positive"))
	}
	if c.Sync.BatchSize <= 0 {
		errs = append(errs, errors.New("sync.batch_size must be positive"))
	}
	if c.Sync.MaxAttempts <= 0 {
		errs = append(errs, errors.New("sync.max_attempts must be positive"))
	}
	if c.Sync.DailyAPIBudget <= 0 {
		errs = append(errs, errors.New("sync.daily_api_budget must be positive"))
	}
	if c.Sync.DeadLetterAfter < 0 {
		errs = append(errs, errors.New("sync.dead_letter_after must not be negative"))
	}
	if c.Remote.Timeout <= 0 {
		errs = append(errs, errors.New("remote.timeout must be positive"))
	}
	if c.Quota.MaxStorageMB <= 0 {
		errs = append(errs, errors.New("quota.max_storage_mb must be positive"))
	}
	if c.Quota.SoftRatio <= 0 || c.Quota.SoftRatio > 1 {
		errs = append(errs, fmt.Errorf("quota.soft_ratio %v must be in (0, 1]", c.Quota.SoftRatio))
	}
	if c.Quota.MaxFileCount <= 0 {
		errs = append(errs, errors.New("quota.max_file_count must be positive"))
	}
	if c.Quota.Interval <= 0 {
		errs = append(errs, errors.New("quota.interval must be positive"))
	}
	if c.Queue.Capacity <= 0 {
		errs = append(errs, errors.New("queue.capacity must be positive"))
	}
	if c.Queue.HighWater <= 0 || c.Queue.HighWater > 1 {
		errs = append(errs, fmt.Errorf("queue.high_water %v must be in (0, 1]", c.Queue.HighWater))
	}
	if c.Capture.Quality < 0 || c.Capture.Quality > 100 {
		errs = append(errs, fmt.Errorf("capture.quality %d must be in 0..100", c.Capture.Quality))
	}
	if c.Remote.Type == "http" && c.Remote.Endpoint == "" {
		errs = append(errs, errors.New("remote.endpoint is required for remote type http"))
	}
	if c.Media.Type == "s3" && c.Media.Bucket == "" {
		errs = append(errs, errors.New("media.bucket is required for media type s3"))
	}
	if c.Media.Type == "filesystem" && c.Media.FSRoot == "" {
		errs = append(errs, errors.New("media.fs_root is required for media type filesystem"))
	}
	if c.Server.Enabled && c.Server.PushInterval <= 0 {
		errs = append(errs, errors.New("server.push_interval must be positive"))
	}
	if c.Media.Encrypt && c.Encryption.Type == "none" {
		errs = append(errs, errors.New("media.encrypt requires an encryption type other than none"))
	}
	return errors.Join(errs...)
}

// ApplyEnv overrides credentials and identity from the environment. getenv is
// usually os.Getenv.
func (c *Config) ApplyEnv(getenv func(string) string) {
	if v := getenv("WT_USER_ID"); v != "" {
		c.UserID = v
	}
	if v := getenv("WT_REMOTE_ENDPOINT"); v != "" {
		c.Remote.Endpoint = v
	}
	if v := getenv("WT_REMOTE_API_KEY"); v != "" {
		c.Remote.APIKey = v
	}
	if v := getenv("WT_REMOTE_TOKEN"); v != "" {
		c.Remote.AccessToken = v
	}
	if v := getenv("WT_S3_ACCESS_KEY_ID"); v != "" {
		c.Media.S3AccessKeyID = v
	}
	if v := getenv("WT_S3_SECRET_ACCESS_KEY"); v != "" {
		c.Media.S3SecretAccessKey = v
	}
}

// Manager handles reading and writing configuration.
type Manager struct{}

// Read decodes a Config from the provided reader. Keys missing from the input
// keep their NewConfig defaults.
func (m *Manager) Read(r io.Reader) (*Config, error) {
	cfg := defaults()
	if _, err := toml.NewDecoder(r).Decode(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.resolvePaths()
	return cfg, nil
}

// Write encodes a Config to the provided writer.
func (m *Manager) Write(w io.Writer, cfg *Config) error {
	if err := toml.NewEncoder(w).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}

// ReadFromFile reads a Config from the specified file path.
func ReadFromFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	cfg, err := m.Read(f)
	if err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}
	return cfg, nil
}

// writeToFile writes a Config to the specified file path.
func writeToFile(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	// Credentials may live in the file.
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	if err := m.Write(f, cfg); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}
	return nil
}

// Init initializes a new config file at the specified path with the provided Config.
func Init(path string, cfg *Config) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s", path)
	}

	if err := writeToFile(path, cfg); err != nil {
		return fmt.Errorf("initializing config: %w", err)
	}
	return nil
}
