package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestManager_ReadWrite_RoundTrip(t *testing.T) {
	original := NewConfig("user-abc", "/home/user/.local/share/worktrace")
	original.Remote.Endpoint = "https://example.supabase.co"
	original.Media = MediaConfig{Type: "s3", Bucket: "captures", S3Region: "eu-west-1", Encrypt: true}
	original.Sync.Interval = Duration(90 * time.Second)
	original.Quota.SoftRatio = 0.8

	var buf bytes.Buffer
	m := &Manager{}

	if err := m.Write(&buf, original); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	got, err := m.Read(&buf)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}

	if got.UserID != original.UserID {
		t.Errorf("UserID = %q, want %q", got.UserID, original.UserID)
	}
	if got.LogDir != original.LogDir {
		t.Errorf("LogDir = %q, want %q", got.LogDir, original.LogDir)
	}
	if got.Remote.Endpoint != original.Remote.Endpoint {
		t.Errorf("Remote.Endpoint = %q, want %q", got.Remote.Endpoint, original.Remote.Endpoint)
	}
	if got.Media.Type != "s3" || got.Media.S3Region != "eu-west-1" || !got.Media.Encrypt {
		t.Errorf("Media = %+v, want s3 in eu-west-1 with encryption", got.Media)
	}
	if got.Sync.Interval.Std() != 90*time.Second {
		t.Errorf("Sync.Interval = %v, want %v", got.Sync.Interval, 90*time.Second)
	}
	if got.Quota.SoftRatio != 0.8 {
		t.Errorf("Quota.SoftRatio = %v, want %v", got.Quota.SoftRatio, 0.8)
	}
}

func TestManager_Read_KeepsDefaultsForMissingKeys(t *testing.T) {
	input := `
user_id = "u1"
base_dir = "/data/wt"

[sync]
batch_size = 20
interval = "1m"
`
	m := &Manager{}
	cfg, err := m.Read(strings.NewReader(input))
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}

	if cfg.Sync.BatchSize != 20 {
		t.Errorf("Sync.BatchSize = %d, want 20", cfg.Sync.BatchSize)
	}
	if cfg.Sync.Interval.Std() != time.Minute {
		t.Errorf("Sync.Interval = %v, want 1m", cfg.Sync.Interval)
	}
	if cfg.Sync.DailyAPIBudget != 1500 {
		t.Errorf("Sync.DailyAPIBudget = %d, want default 1500", cfg.Sync.DailyAPIBudget)
	}
	if cfg.Quota.MaxFileCount != 1000 {
		t.Errorf("Quota.MaxFileCount = %d, want default 1000", cfg.Quota.MaxFileCount)
	}
	if cfg.LogDir != "/data/wt/log" {
		t.Errorf("LogDir = %q, want %q", cfg.LogDir, "/data/wt/log")
	}
	if cfg.Database.DataDir != "/data/wt/db" {
		t.Errorf("Database.DataDir = %q, want %q", cfg.Database.DataDir, "/data/wt/db")
	}
}

func TestManager_Read_InvalidDuration(t *testing.T) {
	m := &Manager{}
	_, err := m.Read(strings.NewReader("[sync]\ninterval = \"soon\"\n"))
	if err == nil {
		t.Fatal("Read() expected error for invalid duration")
	}
}

func TestNewConfig(t *testing.T) {
	cfg := NewConfig("user-1", "/data/wt")

	if cfg.UserID != "user-1" {
		t.Errorf("UserID = %q, want %q", cfg.UserID, "user-1")
	}
	if cfg.LogDir != "/data/wt/log" {
		t.Errorf("LogDir = %q, want %q", cfg.LogDir, "/data/wt/log")
	}
	if cfg.Encryption.PublicKeyPath != "/data/wt/keys/wt.pub" {
		t.Errorf("Encryption.PublicKeyPath = %q, want %q", cfg.Encryption.PublicKeyPath, "/data/wt/keys/wt.pub")
	}
	if cfg.Quota.QuotaBytes() != 1000*1024*1024 {
		t.Errorf("QuotaBytes() = %d, want %d", cfg.Quota.QuotaBytes(), 1000*1024*1024)
	}
}

func TestConfig_Validate(t *testing.T) {
	valid := func() *Config {
		cfg := NewConfig("user-1", "/data/wt")
		cfg.Remote.Endpoint = "https://example.test"
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "defaults are valid", mutate: func(*Config) {}},
		{name: "missing user", mutate: func(c *Config) { c.UserID = "" }, wantErr: "user_id"},
		{name: "unknown log level", mutate: func(c *Config) { c.LogLevel = "verbose" }, wantErr: "log_level"},
		{name: "zero batch size", mutate: func(c *Config) { c.Sync.BatchSize = 0 }, wantErr: "batch_size"},
		{name: "soft ratio above one", mutate: func(c *Config) { c.Quota.SoftRatio = 1.5 }, wantErr: "soft_ratio"},
		{name: "high water zero", mutate: func(c *Config) { c.Queue.HighWater = 0 }, wantErr: "high_water"},
		{name: "zero push interval", mutate: func(c *Config) { c.Server.PushInterval = 0 }, wantErr: "push_interval"},
		{name: "zero push interval with server off", mutate: func(c *Config) {
			c.Server.Enabled = false
			c.Server.PushInterval = 0
		}},
		{name: "encrypted media without encryption", mutate: func(c *Config) {
			c.Media.Encrypt = true
			c.Encryption.Type = "none"
		}, wantErr: "media.encrypt"},
		{name: "quality out of range", mutate: func(c *Config) { c.Capture.Quality = 101 }, wantErr: "quality"},
		{name: "http remote without endpoint", mutate: func(c *Config) { c.Remote.Endpoint = "" }, wantErr: "endpoint"},
		{name: "memory remote without endpoint", mutate: func(c *Config) {
			c.Remote.Type = "memory"
			c.Remote.Endpoint = ""
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() error = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Validate() error = %v, want mention of %q", err, tt.wantErr)
			}
		})
	}
}

func TestConfig_ApplyEnv(t *testing.T) {
	env := map[string]string{
		"WT_REMOTE_ENDPOINT": "https://env.test",
		"WT_REMOTE_API_KEY":  "anon-key",
		"WT_REMOTE_TOKEN":    "jwt",
	}
	cfg := NewConfig("user-1", "/data/wt")
	cfg.ApplyEnv(func(k string) string { return env[k] })

	if cfg.Remote.Endpoint != "https://env.test" {
		t.Errorf("Remote.Endpoint = %q, want %q", cfg.Remote.Endpoint, "https://env.test")
	}
	if cfg.Remote.APIKey != "anon-key" {
		t.Errorf("Remote.APIKey = %q, want %q", cfg.Remote.APIKey, "anon-key")
	}
	if cfg.Remote.AccessToken != "jwt" {
		t.Errorf("Remote.AccessToken = %q, want %q", cfg.Remote.AccessToken, "jwt")
	}
	if cfg.UserID != "user-1" {
		t.Errorf("UserID = %q, want unchanged %q", cfg.UserID, "user-1")
	}
}

func TestInit(t *testing.T) {
	t.Run("creates config file", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "config.toml")
		cfg := NewConfig("u1", dir)

		if err := Init(path, cfg); err != nil {
			t.Fatalf("Init() error = %v", err)
		}

		info, err := os.Stat(path)
		if err != nil {
			t.Fatalf("config file not created: %v", err)
		}
		if info.Mode().Perm() != 0600 {
			t.Errorf("config file mode = %v, want 0600", info.Mode().Perm())
		}
	})

	t.Run("fails if file already exists", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "config.toml")
		cfg := NewConfig("u1", dir)

		if err := Init(path, cfg); err != nil {
			t.Fatalf("first Init() error = %v", err)
		}

		err := Init(path, cfg)
		if err == nil {
			t.Fatal("second Init() expected error")
		}
	})
}

func TestReadFromFile(t *testing.T) {
	t.Run("reads valid config", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "config.toml")
		cfg := NewConfig("read-test", dir)
		cfg.Database = DatabaseConfig{Type: "memory"}

		if err := Init(path, cfg); err != nil {
			t.Fatalf("Init() error = %v", err)
		}

		got, err := ReadFromFile(path)
		if err != nil {
			t.Fatalf("ReadFromFile() error = %v", err)
		}
		if got.UserID != "read-test" {
			t.Errorf("UserID = %q, want %q", got.UserID, "read-test")
		}
		if got.Database.Type != "memory" {
			t.Errorf("Database.Type = %q, want %q", got.Database.Type, "memory")
		}
	})

	t.Run("returns error for missing file", func(t *testing.T) {
		_, err := ReadFromFile("/nonexistent/path/config.toml")
		if err == nil {
			t.Fatal("ReadFromFile() expected error for missing file")
		}
	})
}
