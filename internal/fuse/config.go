package fuse

import (
	"os"
	"time"

	"go.uber.org/zap"
)

// Config contains mount configuration shared by both FUSE frontends.
type Config struct {
	MountPoint string `yaml:"mount_point"`
	FSName     string `yaml:"fsname"`
	Subtype    string `yaml:"subtype"`
	ReadOnly   bool   `yaml:"read_only"`
	AllowOther bool   `yaml:"allow_other"`
	Debug      bool   `yaml:"debug"`

	// Kernel attribute and entry caching. Change notifications invalidate
	// entries early; without them these bound how stale a view can get.
	AttrTimeout  time.Duration `yaml:"attr_timeout"`
	EntryTimeout time.Duration `yaml:"entry_timeout"`

	UID      uint32 `yaml:"uid"`
	GID      uint32 `yaml:"gid"`
	FileMode uint32 `yaml:"file_mode"`
	DirMode  uint32 `yaml:"dir_mode"`

	// Watch subscribes to change notifications to invalidate kernel caches.
	Watch bool `yaml:"watch"`

	Logger *zap.Logger `yaml:"-"`
}

// DefaultConfig returns a configuration for the current user.
func DefaultConfig() *Config {
	return &Config{
		FSName:       "boxfs",
		Subtype:      "boxfs",
		AttrTimeout:  time.Second,
		EntryTimeout: time.Second,
		UID:          safeIntToUint32(os.Getuid()),
		GID:          safeIntToUint32(os.Getgid()),
		FileMode:     0o644,
		DirMode:      0o755,
	}
}

func (c *Config) withDefaults() *Config {
	out := DefaultConfig()
	if c == nil {
		return out
	}
	merged := *c
	if merged.FSName == "" {
		merged.FSName = out.FSName
	}
	if merged.Subtype == "" {
		merged.Subtype = out.Subtype
	}
	if merged.FileMode == 0 {
		merged.FileMode = out.FileMode
	}
	if merged.DirMode == 0 {
		merged.DirMode = out.DirMode
	}
	return &merged
}

// safeIntToUint32 converts int to uint32, clamping out-of-range values.
func safeIntToUint32(i int) uint32 {
	if i < 0 {
		return 0
	}
	if i > 0xFFFFFFFF {
		return 0xFFFFFFFF
	}
	return uint32(i)
}

// safeInt64ToUint64 converts int64 to uint64, clamping negative values to 0.
func safeInt64ToUint64(i int64) uint64 {
	if i < 0 {
		return 0
	}
	return uint64(i)
}
