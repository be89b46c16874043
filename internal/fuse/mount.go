//go:build !cgofuse
// +build !cgofuse

package fuse

import (
	"context"
	"fmt"
	"sync"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"go.uber.org/zap"
)

// MountManager manages a go-fuse mount.
type MountManager struct {
	filesystem *FileSystem
	config     *Config
	logger     *zap.Logger

	mu      sync.Mutex
	server  *fuse.Server
	mounted bool
	done    chan struct{}
}

var _ Mounter = (*MountManager)(nil)

// NewMountManager creates a new mount manager
func NewMountManager(filesystem *FileSystem) *MountManager {
	return &MountManager{
		filesystem: filesystem,
		config:     filesystem.config,
		logger:     filesystem.logger.With(zap.String("mount_point", filesystem.config.MountPoint)),
	}
}

// Mount mounts the filesystem and serves it in the background.
func (m *MountManager) Mount(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.mounted {
		return fmt.Errorf("filesystem is already mounted")
	}
	if err := validateMountPoint(m.config.MountPoint, m.logger); err != nil {
		return fmt.Errorf("invalid mount point: %w", err)
	}

	server, err := fs.Mount(m.config.MountPoint, m.filesystem.Root(), m.buildFUSEOptions())
	if err != nil {
		return fmt.Errorf("failed to mount filesystem: %w", err)
	}

	m.server = server
	m.mounted = true
	m.done = make(chan struct{})
	m.logger.Info("filesystem mounted", zap.String("fsname", m.config.FSName))

	if m.config.Watch {
		m.filesystem.startWatch()
	}

	go func(server *fuse.Server, done chan struct{}) {
		server.Wait()
		m.mu.Lock()
		if m.server == server {
			m.mounted = false
			m.server = nil
		}
		m.mu.Unlock()
		m.filesystem.stopWatch()
		m.logger.Info("FUSE server stopped")
		close(done)
	}(server, m.done)

	return nil
}

// Unmount unmounts the filesystem, falling back to a lazy and then a forced
// unmount when the normal one fails.
func (m *MountManager) Unmount() error {
	m.mu.Lock()
	if !m.mounted || m.server == nil {
		m.mu.Unlock()
		return fmt.Errorf("filesystem is not mounted")
	}
	server := m.server
	m.mu.Unlock()

	m.logger.Info("unmounting filesystem")
	if err := server.Unmount(); err != nil {
		m.logger.Warn("normal unmount failed, trying force unmount", zap.Error(err))
		if forceErr := m.forceUnmount(); forceErr != nil {
			return fmt.Errorf("unmount failed: %w (force unmount also failed: %v)", err, forceErr)
		}
	}

	m.mu.Lock()
	m.mounted = false
	m.mu.Unlock()
	m.logger.Info("filesystem unmounted")
	return nil
}

// IsMounted checks if the filesystem is currently mounted
func (m *MountManager) IsMounted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mounted
}

// Wait blocks until the server stops.
func (m *MountManager) Wait() {
	m.mu.Lock()
	done := m.done
	m.mu.Unlock()
	if done != nil {
		<-done
	}
}

// GetStats returns filesystem statistics
func (m *MountManager) GetStats() Stats {
	return m.filesystem.GetStats()
}

func (m *MountManager) buildFUSEOptions() *fs.Options {
	opts := &fs.Options{
		MountOptions: fuse.MountOptions{
			Name:       m.config.Subtype,
			FsName:     m.config.FSName,
			Debug:      m.config.Debug,
			AllowOther: m.config.AllowOther,
		},
		AttrTimeout:     &m.config.AttrTimeout,
		EntryTimeout:    &m.config.EntryTimeout,
		UID:             m.config.UID,
		GID:             m.config.GID,
		NullPermissions: true,
	}
	if m.config.ReadOnly {
		opts.Options = append(opts.Options, "ro")
	}
	return opts
}

func (m *MountManager) forceUnmount() error {
	// MNT_DETACH
	err := syscall.Unmount(m.config.MountPoint, 2)
	if err == nil {
		return nil
	}
	// MNT_FORCE
	return syscall.Unmount(m.config.MountPoint, 1)
}
