package s3

import (
	"time"

	"go.uber.org/zap"

	"github.com/objectfs/boxfs/internal/circuit"
	"github.com/objectfs/boxfs/pkg/retry"
)

// Config represents S3 store configuration
type Config struct {
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	Prefix          string `yaml:"prefix"`
	Profile         string `yaml:"profile"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	SessionToken    string `yaml:"session_token"`
	ForcePathStyle  bool   `yaml:"force_path_style"`

	// Accelerated sends blob content through the CargoShip transporter and
	// falls back to a plain PutObject when it fails.
	Accelerated        bool  `yaml:"accelerated"`
	MultipartThreshold int64 `yaml:"multipart_threshold"`
	MultipartChunkSize int64 `yaml:"multipart_chunk_size"`
	Concurrency        int   `yaml:"concurrency"`

	RequestTimeout time.Duration  `yaml:"request_timeout"`
	Retry          retry.Config   `yaml:"retry"`
	Circuit        circuit.Config `yaml:"circuit"`

	Logger *zap.Logger `yaml:"-"`
}

// NewDefaultConfig returns a configuration with defaults filled in.
func NewDefaultConfig() *Config {
	return &Config{
		Region:             "us-east-1",
		Prefix:             "boxfs/",
		MultipartThreshold: 32 * 1024 * 1024,
		MultipartChunkSize: 16 * 1024 * 1024,
		Concurrency:        8,
		RequestTimeout:     30 * time.Second,
		Retry:              retry.DefaultConfig(),
		Circuit: circuit.Config{
			MaxRequests: 1,
			Interval:    60 * time.Second,
			Timeout:     30 * time.Second,
		},
	}
}
