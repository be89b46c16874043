//go:build cgofuse
// +build cgofuse

package fuse

import (
	"context"
	"fmt"
	"runtime"
	"strconv"
	"sync"
	"time"

	"github.com/winfsp/cgofuse/fuse"
	"go.uber.org/zap"
)

// CgoFuseMountManager manages cgofuse-based mounts
type CgoFuseMountManager struct {
	filesystem *CgoFuseFS
	config     *Config
	logger     *zap.Logger

	mu      sync.Mutex
	host    *fuse.FileSystemHost
	mounted bool
	done    chan struct{}
}

var _ Mounter = (*CgoFuseMountManager)(nil)

// NewCgoFuseMountManager creates a new cgofuse mount manager
func NewCgoFuseMountManager(filesystem *CgoFuseFS) *CgoFuseMountManager {
	return &CgoFuseMountManager{
		filesystem: filesystem,
		config:     filesystem.config,
		logger:     filesystem.logger.With(zap.String("mount_point", filesystem.config.MountPoint)),
	}
}

func (m *CgoFuseMountManager) options() []string {
	opts := []string{
		"-o", "fsname=" + m.config.FSName,
		"-o", "attr_timeout=" + seconds(m.config.AttrTimeout),
		"-o", "entry_timeout=" + seconds(m.config.EntryTimeout),
	}
	switch runtime.GOOS {
	case "darwin":
		opts = append(opts, "-o", "volname="+m.config.FSName)
	case "windows":
		opts = append(opts, "-o", "FileSystemName="+m.config.FSName)
	default:
		opts = append(opts, "-o", "subtype="+m.config.Subtype)
	}
	if runtime.GOOS != "windows" {
		opts = append(opts,
			"-o", "uid="+strconv.FormatUint(uint64(m.config.UID), 10),
			"-o", "gid="+strconv.FormatUint(uint64(m.config.GID), 10))
	}
	if m.config.AllowOther {
		opts = append(opts, "-o", "allow_other")
	}
	if m.config.ReadOnly {
		opts = append(opts, "-o", "ro")
	}
	if m.config.Debug {
		opts = append(opts, "-d")
	}
	return opts
}

func seconds(d time.Duration) string {
	return strconv.FormatFloat(d.Seconds(), 'f', -1, 64)
}

// Mount starts the cgofuse host. The host blocks until unmounted, so it runs
// in its own goroutine; a mount that fails right away is reported here.
func (m *CgoFuseMountManager) Mount(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.mounted {
		return fmt.Errorf("filesystem already mounted")
	}
	if runtime.GOOS != "windows" {
		if err := validateMountPoint(m.config.MountPoint, m.logger); err != nil {
			return fmt.Errorf("invalid mount point: %w", err)
		}
	}

	host := fuse.NewFileSystemHost(m.filesystem)
	done := make(chan struct{})
	result := make(chan bool, 1)
	go func() {
		defer close(done)
		ok := host.Mount(m.config.MountPoint, m.options())
		result <- ok
		m.mu.Lock()
		if m.host == host {
			m.mounted = false
			m.host = nil
		}
		m.mu.Unlock()
		m.filesystem.stopWatch()
	}()

	// A failed mount returns at once; a working one blocks.
	select {
	case ok := <-result:
		if !ok {
			return fmt.Errorf("failed to mount filesystem at %s", m.config.MountPoint)
		}
		return fmt.Errorf("filesystem at %s unmounted immediately", m.config.MountPoint)
	case <-time.After(100 * time.Millisecond):
	case <-ctx.Done():
		host.Unmount()
		return ctx.Err()
	}

	m.host = host
	m.mounted = true
	m.done = done
	if m.config.Watch {
		m.filesystem.startWatch()
	}
	m.logger.Info("filesystem mounted", zap.String("fsname", m.config.FSName))
	return nil
}

// Unmount unmounts the filesystem
func (m *CgoFuseMountManager) Unmount() error {
	m.mu.Lock()
	if !m.mounted || m.host == nil {
		m.mu.Unlock()
		return fmt.Errorf("filesystem not mounted")
	}
	host := m.host
	m.mu.Unlock()

	if !host.Unmount() {
		return fmt.Errorf("unmount of %s failed", m.config.MountPoint)
	}
	m.mu.Lock()
	m.mounted = false
	m.mu.Unlock()
	m.logger.Info("filesystem unmounted")
	return nil
}

// IsMounted returns whether the filesystem is mounted
func (m *CgoFuseMountManager) IsMounted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mounted
}

// Wait blocks until the host returns.
func (m *CgoFuseMountManager) Wait() {
	m.mu.Lock()
	done := m.done
	m.mu.Unlock()
	if done != nil {
		<-done
	}
}

// GetStats returns filesystem statistics
func (m *CgoFuseMountManager) GetStats() Stats {
	return m.filesystem.GetStats()
}
