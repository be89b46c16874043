package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/objectfs/boxfs/pkg/errors"
)

// Test Constants
const (
	TestDebugLevel = "DEBUG"
	TestBucket     = "boxfs-test"
)

func TestNewDefault(t *testing.T) {
	cfg := NewDefault()

	if cfg.Global.LogLevel != "INFO" {
		t.Errorf("Expected LogLevel to be INFO, got %s", cfg.Global.LogLevel)
	}
	if cfg.Global.MetricsPort != 8080 {
		t.Errorf("Expected MetricsPort to be 8080, got %d", cfg.Global.MetricsPort)
	}
	if cfg.Remote.Kind != RemoteMemory {
		t.Errorf("Expected remote kind to be memory, got %s", cfg.Remote.Kind)
	}
	if cfg.Watch.Mode != WatchNone {
		t.Errorf("Expected watch mode to be none, got %s", cfg.Watch.Mode)
	}
	if cfg.Watch.PollInterval != 30*time.Second {
		t.Errorf("Expected PollInterval to be 30s, got %v", cfg.Watch.PollInterval)
	}
	if cfg.Policy.AllowOverwrite {
		t.Error("Expected AllowOverwrite to be disabled by default")
	}
	if cfg.Transfer.QueueDepth != 4 {
		t.Errorf("Expected QueueDepth to be 4, got %d", cfg.Transfer.QueueDepth)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config does not validate: %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Configuration)
		wantErr bool
		errMsg  string
	}{
		{
			name:   "valid config",
			mutate: func(*Configuration) {},
		},
		{
			name:   "lowercase log level",
			mutate: func(c *Configuration) { c.Global.LogLevel = "debug" },
		},
		{
			name:    "invalid log level",
			mutate:  func(c *Configuration) { c.Global.LogLevel = "INVALID" },
			wantErr: true,
			errMsg:  "invalid log_level",
		},
		{
			name:    "unknown remote",
			mutate:  func(c *Configuration) { c.Remote.Kind = "ftp" },
			wantErr: true,
			errMsg:  "invalid remote kind",
		},
		{
			name:    "s3 without bucket",
			mutate:  func(c *Configuration) { c.Remote.Kind = RemoteS3 },
			wantErr: true,
			errMsg:  "remote.s3.bucket is required",
		},
		{
			name: "s3 with bucket",
			mutate: func(c *Configuration) {
				c.Remote.Kind = RemoteS3
				c.Remote.S3.Bucket = TestBucket
			},
		},
		{
			name:    "bad chunk size",
			mutate:  func(c *Configuration) { c.Transfer.ChunkSize = "lots" },
			wantErr: true,
			errMsg:  "transfer.chunk_size",
		},
		{
			name:    "zero spool limit",
			mutate:  func(c *Configuration) { c.Transfer.SpoolMemoryLimit = "0MB" },
			wantErr: true,
			errMsg:  "transfer.spool_memory_limit must be greater than 0",
		},
		{
			name:    "zero queue depth",
			mutate:  func(c *Configuration) { c.Transfer.QueueDepth = 0 },
			wantErr: true,
			errMsg:  "transfer.queue_depth",
		},
		{
			name:    "unknown watch mode",
			mutate:  func(c *Configuration) { c.Watch.Mode = "push" },
			wantErr: true,
			errMsg:  "invalid watch mode",
		},
		{
			name: "poll without interval",
			mutate: func(c *Configuration) {
				c.Watch.Mode = WatchPoll
				c.Watch.PollInterval = 0
			},
			wantErr: true,
			errMsg:  "watch.poll_interval",
		},
		{
			name:    "sse without url",
			mutate:  func(c *Configuration) { c.Watch.Mode = WatchSSE },
			wantErr: true,
			errMsg:  "watch.sse_url is required",
		},
		{
			name: "sse with url",
			mutate: func(c *Configuration) {
				c.Watch.Mode = WatchSSE
				c.Watch.SSEURL = "http://localhost:9000/events"
			},
		},
		{
			name:    "zero retry attempts",
			mutate:  func(c *Configuration) { c.Network.Retry.MaxAttempts = 0 },
			wantErr: true,
			errMsg:  "network.retry.max_attempts",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewDefault()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil {
				return
			}
			if !strings.Contains(err.Error(), tt.errMsg) {
				t.Errorf("Validate() error = %v, want error containing %v", err, tt.errMsg)
			}
			if !errors.IsCode(err, errors.ErrCodeInvalidConfig) {
				t.Errorf("Validate() error code = %v, want %v", errors.CodeOf(err), errors.ErrCodeInvalidConfig)
			}
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	tmpDir := t.TempDir()
	configFile := filepath.Join(tmpDir, "config.yaml")

	configContent := `
global:
  log_level: DEBUG
  metrics_port: 9090

remote:
  kind: s3
  s3:
    bucket: boxfs-test
    endpoint: http://localhost:9000
    use_path_style: true

watch:
  mode: sse
  sse_url: http://localhost:9000/events
  sse_initial_backoff: 250ms

policy:
  allow_overwrite: true

mount:
  mount_point: /mnt/box
  allow_other: true
`

	if err := os.WriteFile(configFile, []byte(configContent), 0600); err != nil {
		t.Fatalf("Failed to write test config file: %v", err)
	}

	cfg := NewDefault()
	if err := cfg.LoadFromFile(configFile); err != nil {
		t.Fatalf("LoadFromFile() error = %v", err)
	}

	if cfg.Global.LogLevel != TestDebugLevel {
		t.Errorf("Expected LogLevel to be DEBUG, got %s", cfg.Global.LogLevel)
	}
	if cfg.Global.MetricsPort != 9090 {
		t.Errorf("Expected MetricsPort to be 9090, got %d", cfg.Global.MetricsPort)
	}
	if cfg.Remote.Kind != RemoteS3 || cfg.Remote.S3.Bucket != TestBucket {
		t.Errorf("Expected s3 remote on %s, got %s on %q", TestBucket, cfg.Remote.Kind, cfg.Remote.S3.Bucket)
	}
	if !cfg.Remote.S3.UsePathStyle {
		t.Error("Expected UsePathStyle to be true")
	}
	if cfg.Remote.S3.Region != "us-east-1" {
		t.Errorf("Expected unset Region to keep its default, got %q", cfg.Remote.S3.Region)
	}
	if cfg.Watch.SSEInitialBackoff != 250*time.Millisecond {
		t.Errorf("Expected SSEInitialBackoff to be 250ms, got %v", cfg.Watch.SSEInitialBackoff)
	}
	if !cfg.Policy.AllowOverwrite {
		t.Error("Expected AllowOverwrite to be true")
	}
	if cfg.Mount.MountPoint != "/mnt/box" || !cfg.Mount.AllowOther {
		t.Errorf("Expected mount settings to load, got %+v", cfg.Mount)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("loaded config does not validate: %v", err)
	}
}

func TestLoadFromFileNonExistent(t *testing.T) {
	cfg := NewDefault()
	if err := cfg.LoadFromFile("/nonexistent/config.yaml"); err == nil {
		t.Error("Expected error when loading non-existent config file")
	}
}

func TestLoadFromFileMalformed(t *testing.T) {
	configFile := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(configFile, []byte("global: [unterminated"), 0600); err != nil {
		t.Fatalf("Failed to write test config file: %v", err)
	}
	if err := NewDefault().LoadFromFile(configFile); err == nil {
		t.Error("Expected error when loading malformed config file")
	}
}

func TestLoadFromEnv(t *testing.T) {
	testEnvVars := map[string]string{
		"BOXFS_LOG_LEVEL":       "ERROR",
		"BOXFS_METRICS_PORT":    "9090",
		"BOXFS_REMOTE":          RemoteS3,
		"BOXFS_S3_BUCKET":       TestBucket,
		"BOXFS_WATCH":           WatchPoll,
		"BOXFS_POLL_INTERVAL":   "10s",
		"BOXFS_ALLOW_OVERWRITE": "true",
		"BOXFS_MOUNT_POINT":     "/mnt/env",
	}
	for key, value := range testEnvVars {
		t.Setenv(key, value)
	}

	cfg := NewDefault()
	if err := cfg.LoadFromEnv(); err != nil {
		t.Fatalf("LoadFromEnv() error = %v", err)
	}

	if cfg.Global.LogLevel != "ERROR" {
		t.Errorf("Expected LogLevel to be ERROR, got %s", cfg.Global.LogLevel)
	}
	if cfg.Global.MetricsPort != 9090 {
		t.Errorf("Expected MetricsPort to be 9090, got %d", cfg.Global.MetricsPort)
	}
	if cfg.Remote.Kind != RemoteS3 || cfg.Remote.S3.Bucket != TestBucket {
		t.Errorf("Expected s3 remote on %s, got %s on %q", TestBucket, cfg.Remote.Kind, cfg.Remote.S3.Bucket)
	}
	if cfg.Watch.Mode != WatchPoll || cfg.Watch.PollInterval != 10*time.Second {
		t.Errorf("Expected poll every 10s, got %s every %v", cfg.Watch.Mode, cfg.Watch.PollInterval)
	}
	if !cfg.Policy.AllowOverwrite {
		t.Error("Expected AllowOverwrite to be true")
	}
	if cfg.Mount.MountPoint != "/mnt/env" {
		t.Errorf("Expected MountPoint to be /mnt/env, got %s", cfg.Mount.MountPoint)
	}
}

func TestLoadFromEnvMalformed(t *testing.T) {
	t.Setenv("BOXFS_POLL_INTERVAL", "often")

	err := NewDefault().LoadFromEnv()
	if !errors.IsCode(err, errors.ErrCodeInvalidConfig) {
		t.Fatalf("LoadFromEnv() error = %v, want INVALID_CONFIG", err)
	}
	if !strings.Contains(err.Error(), "BOXFS_POLL_INTERVAL") {
		t.Errorf("error %q does not name the variable", err)
	}
}

func TestSaveToFile(t *testing.T) {
	configFile := filepath.Join(t.TempDir(), "subdir", "saved_config.yaml")

	cfg := NewDefault()
	cfg.Global.LogLevel = TestDebugLevel
	cfg.Watch.Mode = WatchPoll
	cfg.Policy.AllowOverwrite = true

	if err := cfg.SaveToFile(configFile); err != nil {
		t.Fatalf("SaveToFile() error = %v", err)
	}

	newCfg := NewDefault()
	if err := newCfg.LoadFromFile(configFile); err != nil {
		t.Fatalf("Failed to load saved config: %v", err)
	}

	if newCfg.Global.LogLevel != TestDebugLevel {
		t.Errorf("Expected LogLevel to be DEBUG, got %s", newCfg.Global.LogLevel)
	}
	if newCfg.Watch.Mode != WatchPoll {
		t.Errorf("Expected watch mode poll, got %s", newCfg.Watch.Mode)
	}
	if !newCfg.Policy.AllowOverwrite {
		t.Error("Expected AllowOverwrite to survive a save")
	}
}

func TestParseSize(t *testing.T) {
	tests := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{"512", 512, false},
		{"512B", 512, false},
		{"64KB", 64 << 10, false},
		{"8mb", 8 << 20, false},
		{"1.5GB", 3 << 29, false},
		{" 2 TB ", 2 << 40, false},
		{"", 0, true},
		{"MB", 0, true},
		{"-1KB", 0, true},
		{"ten", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseSize(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseSize(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseSize(%q) = %d, want %d", tt.in, got, tt.want)
			}
		})
	}
}
