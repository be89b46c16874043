package fuse

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

// Mounter is implemented by the go-fuse and cgofuse frontends.
type Mounter interface {
	Mount(ctx context.Context) error
	Unmount() error
	IsMounted() bool
	// Wait blocks until the filesystem is unmounted.
	Wait()
	GetStats() Stats
}

// validateMountPoint checks that mountPoint is an existing directory that is
// not already a mount.
func validateMountPoint(mountPoint string, logger *zap.Logger) error {
	if mountPoint == "" {
		return fmt.Errorf("mount point cannot be empty")
	}

	info, err := os.Stat(mountPoint)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("mount point does not exist: %s", mountPoint)
		}
		return fmt.Errorf("cannot access mount point: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("mount point is not a directory: %s", mountPoint)
	}

	entries, err := os.ReadDir(mountPoint)
	if err != nil {
		return fmt.Errorf("cannot read mount point directory: %w", err)
	}
	if len(entries) > 0 {
		logger.Warn("mount point is not empty", zap.String("mount_point", mountPoint))
	}

	mounted, err := isMountPoint("/proc/mounts", mountPoint)
	if err != nil {
		logger.Debug("cannot read mount table", zap.Error(err))
	}
	if mounted {
		return fmt.Errorf("mount point %s is already mounted", mountPoint)
	}
	return nil
}

// isMountPoint reports whether mountPoint appears as a mount target in a
// mounts(5) table. A missing table reports false.
func isMountPoint(table, mountPoint string) (bool, error) {
	f, err := os.Open(table)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	defer f.Close()

	want := filepath.Clean(mountPoint)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 {
			continue
		}
		if unescapeMountField(fields[1]) == want {
			return true, nil
		}
	}
	return false, scanner.Err()
}

// unescapeMountField decodes the octal escapes (\040 for space) the kernel
// uses in mount tables.
func unescapeMountField(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+4 <= len(s) {
			if v, err := strconv.ParseUint(s[i+1:i+4], 8, 8); err == nil {
				b.WriteByte(byte(v))
				i += 3
				continue
			}
		}
		b.WriteByte(s[i])
	}
	return b.String()
}
