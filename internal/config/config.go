package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/objectfs/boxfs/pkg/errors"
)

// Remote kinds.
const (
	RemoteMemory = "memory"
	RemoteS3     = "s3"
)

// Watch modes.
const (
	WatchNone = "none"
	WatchPoll = "poll"
	WatchSSE  = "sse"
)

// Configuration represents the complete application configuration
type Configuration struct {
	Global     GlobalConfig     `yaml:"global"`
	Remote     RemoteConfig     `yaml:"remote"`
	Transfer   TransferConfig   `yaml:"transfer"`
	Watch      WatchConfig      `yaml:"watch"`
	Network    NetworkConfig    `yaml:"network"`
	Policy     PolicyConfig     `yaml:"policy"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
	Mount      MountConfig      `yaml:"mount"`
}

// GlobalConfig represents global application settings
type GlobalConfig struct {
	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"`
	LogFile     string `yaml:"log_file"`
	MetricsPort int    `yaml:"metrics_port"`
}

// RemoteConfig selects and configures the remote object service.
type RemoteConfig struct {
	Kind string   `yaml:"kind"`
	S3   S3Config `yaml:"s3"`
}

// S3Config configures the S3-backed remote.
type S3Config struct {
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	Prefix          string `yaml:"prefix"`
	Profile         string `yaml:"profile"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	UsePathStyle    bool   `yaml:"use_path_style"`
	// Accelerated enables the parallel multipart uploader for blob content.
	Accelerated bool `yaml:"accelerated"`
}

// TransferConfig configures the streaming bridge.
type TransferConfig struct {
	ChunkSize        string `yaml:"chunk_size"`
	QueueDepth       int    `yaml:"queue_depth"`
	SpoolMemoryLimit string `yaml:"spool_memory_limit"`
	SpoolDir         string `yaml:"spool_dir"`
}

// WatchConfig configures the change notification source.
type WatchConfig struct {
	Mode              string        `yaml:"mode"`
	PollInterval      time.Duration `yaml:"poll_interval"`
	SSEURL            string        `yaml:"sse_url"`
	SSEMaxRetries     int           `yaml:"sse_max_retries"`
	SSEInitialBackoff time.Duration `yaml:"sse_initial_backoff"`
}

// NetworkConfig represents network configuration
type NetworkConfig struct {
	Timeouts       TimeoutConfig        `yaml:"timeouts"`
	Retry          RetryConfig          `yaml:"retry"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// TimeoutConfig represents timeout settings
type TimeoutConfig struct {
	Connect time.Duration `yaml:"connect"`
	Read    time.Duration `yaml:"read"`
}

// RetryConfig represents retry settings
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
}

// CircuitBreakerConfig represents circuit breaker settings
type CircuitBreakerConfig struct {
	Enabled          bool          `yaml:"enabled"`
	FailureThreshold int           `yaml:"failure_threshold"`
	Timeout          time.Duration `yaml:"timeout"`
}

// PolicyConfig holds switches that change operation semantics.
type PolicyConfig struct {
	AllowOverwrite bool `yaml:"allow_overwrite"`
}

// MonitoringConfig represents monitoring settings
type MonitoringConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
}

// MetricsConfig represents metrics settings
type MetricsConfig struct {
	Enabled      bool              `yaml:"enabled"`
	Namespace    string            `yaml:"namespace"`
	CustomLabels map[string]string `yaml:"custom_labels"`
}

// MountConfig configures the FUSE mount.
type MountConfig struct {
	MountPoint   string        `yaml:"mount_point"`
	FSName       string        `yaml:"fsname"`
	AllowOther   bool          `yaml:"allow_other"`
	Debug        bool          `yaml:"debug"`
	AttrTimeout  time.Duration `yaml:"attr_timeout"`
	EntryTimeout time.Duration `yaml:"entry_timeout"`
	UID          uint32        `yaml:"uid"`
	GID          uint32        `yaml:"gid"`
}

// NewDefault returns a configuration with sensible defaults
func NewDefault() *Configuration {
	return &Configuration{
		Global: GlobalConfig{
			LogLevel:    "INFO",
			LogFormat:   "json",
			LogFile:     "",
			MetricsPort: 8080,
		},
		Remote: RemoteConfig{
			Kind: RemoteMemory,
			S3: S3Config{
				Region: "us-east-1",
				Prefix: "boxfs/",
			},
		},
		Transfer: TransferConfig{
			ChunkSize:        "1MB",
			QueueDepth:       4,
			SpoolMemoryLimit: "8MB",
		},
		Watch: WatchConfig{
			Mode:              WatchNone,
			PollInterval:      30 * time.Second,
			SSEMaxRetries:     5,
			SSEInitialBackoff: time.Second,
		},
		Network: NetworkConfig{
			Timeouts: TimeoutConfig{
				Connect: 10 * time.Second,
				Read:    30 * time.Second,
			},
			Retry: RetryConfig{
				MaxAttempts: 3,
				BaseDelay:   1 * time.Second,
				MaxDelay:    30 * time.Second,
			},
			CircuitBreaker: CircuitBreakerConfig{
				Enabled:          true,
				FailureThreshold: 5,
				Timeout:          60 * time.Second,
			},
		},
		Monitoring: MonitoringConfig{
			Metrics: MetricsConfig{
				Enabled:   true,
				Namespace: "boxfs",
				CustomLabels: map[string]string{
					"service": "boxfs",
				},
			},
		},
		Mount: MountConfig{
			FSName:       "boxfs",
			AttrTimeout:  time.Second,
			EntryTimeout: time.Second,
			UID:          uint32(os.Getuid()),
			GID:          uint32(os.Getgid()),
		},
	}
}

// LoadFromFile loads configuration from a YAML file
func (c *Configuration) LoadFromFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// LoadFromEnv loads configuration from BOXFS_* environment variables.
// Malformed numbers and durations are reported rather than ignored.
func (c *Configuration) LoadFromEnv() error {
	env := envReader{}

	// Global settings
	env.str("BOXFS_LOG_LEVEL", &c.Global.LogLevel)
	env.str("BOXFS_LOG_FORMAT", &c.Global.LogFormat)
	env.str("BOXFS_LOG_FILE", &c.Global.LogFile)
	env.int("BOXFS_METRICS_PORT", &c.Global.MetricsPort)

	// Remote
	env.str("BOXFS_REMOTE", &c.Remote.Kind)
	env.str("BOXFS_S3_BUCKET", &c.Remote.S3.Bucket)
	env.str("BOXFS_S3_REGION", &c.Remote.S3.Region)
	env.str("BOXFS_S3_ENDPOINT", &c.Remote.S3.Endpoint)
	env.str("BOXFS_S3_PREFIX", &c.Remote.S3.Prefix)
	env.bool("BOXFS_S3_ACCELERATED", &c.Remote.S3.Accelerated)

	// Transfer
	env.str("BOXFS_CHUNK_SIZE", &c.Transfer.ChunkSize)
	env.str("BOXFS_SPOOL_DIR", &c.Transfer.SpoolDir)

	// Watch
	env.str("BOXFS_WATCH", &c.Watch.Mode)
	env.duration("BOXFS_POLL_INTERVAL", &c.Watch.PollInterval)
	env.str("BOXFS_SSE_URL", &c.Watch.SSEURL)

	// Policy and mount
	env.bool("BOXFS_ALLOW_OVERWRITE", &c.Policy.AllowOverwrite)
	env.str("BOXFS_MOUNT_POINT", &c.Mount.MountPoint)
	env.bool("BOXFS_METRICS_ENABLED", &c.Monitoring.Metrics.Enabled)

	return env.err
}

type envReader struct {
	err error
}

func (e *envReader) str(key string, dst *string) {
	if val := os.Getenv(key); val != "" {
		*dst = val
	}
}

func (e *envReader) bool(key string, dst *bool) {
	if val := os.Getenv(key); val != "" {
		*dst = strings.ToLower(val) == "true"
	}
}

func (e *envReader) int(key string, dst *int) {
	val := os.Getenv(key)
	if val == "" || e.err != nil {
		return
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		e.err = invalid("%s: %v", key, err)
		return
	}
	*dst = n
}

func (e *envReader) duration(key string, dst *time.Duration) {
	val := os.Getenv(key)
	if val == "" || e.err != nil {
		return
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		e.err = invalid("%s: %v", key, err)
		return
	}
	*dst = d
}

// SaveToFile saves the configuration to a YAML file
func (c *Configuration) SaveToFile(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(filename), 0750); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(filename, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate validates the configuration
func (c *Configuration) Validate() error {
	validLogLevels := []string{"DEBUG", "INFO", "WARN", "ERROR"}
	if !oneOf(strings.ToUpper(c.Global.LogLevel), validLogLevels) {
		return invalid("invalid log_level: %s (must be one of: %s)",
			c.Global.LogLevel, strings.Join(validLogLevels, ", "))
	}

	switch c.Remote.Kind {
	case RemoteMemory:
	case RemoteS3:
		if c.Remote.S3.Bucket == "" {
			return invalid("remote.s3.bucket is required for the s3 remote")
		}
	default:
		return invalid("invalid remote kind: %q (must be %s or %s)", c.Remote.Kind, RemoteMemory, RemoteS3)
	}

	for name, size := range map[string]string{
		"chunk_size":         c.Transfer.ChunkSize,
		"spool_memory_limit": c.Transfer.SpoolMemoryLimit,
	} {
		if n, err := ParseSize(size); err != nil {
			return invalid("transfer.%s: %v", name, err)
		} else if n <= 0 {
			return invalid("transfer.%s must be greater than 0", name)
		}
	}
	if c.Transfer.QueueDepth <= 0 {
		return invalid("transfer.queue_depth must be greater than 0")
	}

	switch c.Watch.Mode {
	case WatchNone:
	case WatchPoll:
		if c.Watch.PollInterval <= 0 {
			return invalid("watch.poll_interval must be greater than 0")
		}
	case WatchSSE:
		if c.Watch.SSEURL == "" {
			return invalid("watch.sse_url is required for sse mode")
		}
		if c.Watch.SSEMaxRetries <= 0 {
			return invalid("watch.sse_max_retries must be greater than 0")
		}
	default:
		return invalid("invalid watch mode: %q (must be one of: none, poll, sse)", c.Watch.Mode)
	}

	if c.Network.Retry.MaxAttempts <= 0 {
		return invalid("network.retry.max_attempts must be greater than 0")
	}
	if c.Network.CircuitBreaker.Enabled && c.Network.CircuitBreaker.FailureThreshold <= 0 {
		return invalid("network.circuit_breaker.failure_threshold must be greater than 0")
	}

	return nil
}

// ParseSize parses sizes such as "512", "64KB" or "1.5GB" into bytes.
// Units are powers of 1024.
func ParseSize(s string) (int64, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		return 0, fmt.Errorf("empty size")
	}

	multiplier := int64(1)
	for _, unit := range []struct {
		suffix string
		factor int64
	}{
		{"TB", 1 << 40},
		{"GB", 1 << 30},
		{"MB", 1 << 20},
		{"KB", 1 << 10},
		{"B", 1},
	} {
		if strings.HasSuffix(s, unit.suffix) {
			multiplier = unit.factor
			s = strings.TrimSpace(strings.TrimSuffix(s, unit.suffix))
			break
		}
	}

	value, err := strconv.ParseFloat(s, 64)
	if err != nil || value < 0 {
		return 0, fmt.Errorf("invalid size %q", s)
	}
	return int64(value * float64(multiplier)), nil
}

func oneOf(s string, set []string) bool {
	for _, v := range set {
		if s == v {
			return true
		}
	}
	return false
}

func invalid(format string, args ...interface{}) error {
	return errors.NewError(errors.ErrCodeInvalidConfig, fmt.Sprintf(format, args...)).
		WithComponent("config")
}
