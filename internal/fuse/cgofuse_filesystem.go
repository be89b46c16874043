//go:build cgofuse
// +build cgofuse

package fuse

import (
	"context"
	"sync"
	"time"

	"github.com/winfsp/cgofuse/fuse"
	"go.uber.org/zap"

	"github.com/objectfs/boxfs/internal/driver"
	"github.com/objectfs/boxfs/internal/logging"
	"github.com/objectfs/boxfs/internal/notify"
	"github.com/objectfs/boxfs/internal/transfer"
	"github.com/objectfs/boxfs/pkg/errors"
	"github.com/objectfs/boxfs/pkg/types"
)

// CgoFuseFS serves a driver through the path-based cgofuse API, which also
// runs on macOS and Windows.
type CgoFuseFS struct {
	fuse.FileSystemBase

	drv    *driver.Driver
	config *Config
	logger *zap.Logger
	stats  Stats

	mu         sync.Mutex
	handles    map[uint64]*fileHandle
	nextHandle uint64

	unwatch func()
}

// NewCgoFuseFS creates a new cgofuse-based filesystem
func NewCgoFuseFS(drv *driver.Driver, config *Config) *CgoFuseFS {
	cfg := config.withDefaults()
	return &CgoFuseFS{
		drv:        drv,
		config:     cfg,
		logger:     logging.OrNop(cfg.Logger).Named("fuse"),
		handles:    make(map[uint64]*fileHandle),
		nextHandle: 1,
	}
}

// GetStats returns filesystem statistics
func (f *CgoFuseFS) GetStats() Stats {
	return f.stats.Snapshot()
}

// startWatch keeps the driver cache reconciled while mounted. cgofuse has no
// kernel invalidation API, so events are only logged here.
func (f *CgoFuseFS) startWatch() {
	cancel, err := f.drv.Watch(notify.Watcher{
		OnEvent: func(ev notify.WatchEvent) {
			f.logger.Debug("remote change", zap.String("path", ev.Path), zap.Stringer("kind", ev.Kind))
		},
		OnError: func(err error) {
			f.logger.Warn("change notifications stopped", zap.Error(err))
		},
	})
	if err != nil {
		f.logger.Info("change notifications unavailable", zap.Error(err))
		return
	}
	f.unwatch = cancel
}

func (f *CgoFuseFS) stopWatch() {
	if f.unwatch != nil {
		f.unwatch()
		f.unwatch = nil
	}
}

// ioStatus is status for reads and closes, where a transient failure is EIO.
func (f *CgoFuseFS) ioStatus(err error) int {
	if errors.IsCode(err, errors.ErrCodeTransient) {
		f.stats.errno(err)
		return -fuse.EIO
	}
	return f.status(err)
}

// status maps err to a negated cgofuse error number and counts it.
func (f *CgoFuseFS) status(err error) int {
	if err == nil {
		return 0
	}
	f.stats.errno(err)
	switch errors.CodeOf(errors.Translate(err)) {
	case errors.ErrCodeNotFound:
		return -fuse.ENOENT
	case errors.ErrCodeAlreadyExists:
		return -fuse.EEXIST
	case errors.ErrCodeIsDirectory:
		return -fuse.EISDIR
	case errors.ErrCodeNotDirectory:
		return -fuse.ENOTDIR
	case errors.ErrCodeNotEmpty:
		return -fuse.ENOTEMPTY
	case errors.ErrCodePermissionDenied:
		return -fuse.EACCES
	case errors.ErrCodeUnsupported:
		return -fuse.ENOTSUP
	case errors.ErrCodeTransient:
		return -fuse.EAGAIN
	case errors.ErrCodeInvalidPath, errors.ErrCodeInvalidConfig:
		return -fuse.EINVAL
	case errors.ErrCodeClosed:
		return -fuse.EBADF
	default:
		return -fuse.EIO
	}
}

func (f *CgoFuseFS) fillStat(stat *fuse.Stat_t, fi *driver.FileInfo) {
	stat.Mode = fileMode(fi, f.config)
	stat.Size = fi.Size()
	stat.Nlink = 1
	if fi.IsDir() {
		stat.Nlink = 2
	}
	stat.Uid = f.config.UID
	stat.Gid = f.config.GID
	stat.Blksize = 4096
	stat.Blocks = (stat.Size + 511) / 512
	mtime := fuse.NewTimespec(fi.ModTime())
	stat.Mtim, stat.Atim, stat.Ctim = mtime, mtime, mtime
	if !fi.CreatedAt.IsZero() {
		stat.Birthtim = fuse.NewTimespec(fi.CreatedAt)
	}
}

func (f *CgoFuseFS) handle(fh uint64) *fileHandle {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.handles[fh]
}

func (f *CgoFuseFS) register(h *fileHandle) uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	fh := f.nextHandle
	f.nextHandle++
	f.handles[fh] = h
	return fh
}

func (f *CgoFuseFS) Statfs(path string, stat *fuse.Statfs_t) int {
	const blocks = 1 << 40 / 4096
	stat.Bsize = 4096
	stat.Frsize = 4096
	stat.Blocks = blocks
	stat.Bfree = blocks
	stat.Bavail = blocks
	stat.Files = 1 << 20
	stat.Ffree = 1 << 20
	stat.Favail = 1 << 20
	stat.Namemax = 255
	return 0
}

func (f *CgoFuseFS) Getattr(path string, stat *fuse.Stat_t, fh uint64) int {
	f.stats.countLookup()
	fi, err := f.drv.Stat(context.Background(), path)
	if h := f.handle(fh); h != nil && h.writable() {
		if errors.IsNotFound(err) {
			fi, err = &driver.FileInfo{Mode_: 0o644, ModTime_: time.Now()}, nil
		}
		if err == nil {
			fi.Size_ = h.size()
		}
	}
	if err != nil {
		if errors.IsNotFound(err) {
			return -fuse.ENOENT
		}
		return f.status(err)
	}
	f.fillStat(stat, fi)
	return 0
}

func (f *CgoFuseFS) Readdir(path string, fill func(name string, stat *fuse.Stat_t, ofst int64) bool, ofst int64, fh uint64) int {
	infos, err := f.drv.ReadDir(context.Background(), path)
	if err != nil {
		return f.status(err)
	}
	fill(".", nil, 0)
	fill("..", nil, 0)
	for _, fi := range infos {
		stat := &fuse.Stat_t{}
		f.fillStat(stat, fi)
		if !fill(fi.Name(), stat, 0) {
			break
		}
	}
	return 0
}

func (f *CgoFuseFS) Mkdir(path string, mode uint32) int {
	if f.config.ReadOnly {
		return -fuse.EROFS
	}
	return f.status(f.drv.CreateDirectory(context.Background(), path))
}

func (f *CgoFuseFS) Unlink(path string) int {
	return f.remove(path, false)
}

func (f *CgoFuseFS) Rmdir(path string) int {
	return f.remove(path, true)
}

func (f *CgoFuseFS) remove(path string, dir bool) int {
	if f.config.ReadOnly {
		return -fuse.EROFS
	}
	ctx := context.Background()
	fi, err := f.drv.Stat(ctx, path)
	if err != nil {
		return f.status(err)
	}
	switch {
	case dir && !fi.IsDir():
		return -fuse.ENOTDIR
	case !dir && fi.IsDir():
		return -fuse.EISDIR
	}
	return f.status(f.drv.Delete(ctx, path))
}

func (f *CgoFuseFS) Rename(oldpath string, newpath string) int {
	if f.config.ReadOnly {
		return -fuse.EROFS
	}
	return f.status(f.drv.Move(context.Background(), oldpath, newpath, driver.Options{Replace: true}))
}

func (f *CgoFuseFS) Access(path string, mask uint32) int {
	modes := accessModes(mask)
	if f.config.ReadOnly && modes&types.AccessWrite != 0 {
		return -fuse.EROFS
	}
	return f.status(f.drv.CheckAccess(context.Background(), path, modes))
}

func (f *CgoFuseFS) Create(path string, flags int, mode uint32) (int, uint64) {
	if f.config.ReadOnly {
		return -fuse.EROFS, ^uint64(0)
	}
	h, err := openHandle(context.Background(), f.drv, path, flags, true, &f.stats, f.logger)
	if err != nil {
		return f.status(err), ^uint64(0)
	}
	return 0, f.register(h)
}

func (f *CgoFuseFS) Open(path string, flags int) (int, uint64) {
	if f.config.ReadOnly && flags&accMode != 0 {
		return -fuse.EROFS, ^uint64(0)
	}
	h, err := openHandle(context.Background(), f.drv, path, flags, false, &f.stats, f.logger)
	if err != nil {
		return f.status(err), ^uint64(0)
	}
	return 0, f.register(h)
}

func (f *CgoFuseFS) Truncate(path string, size int64, fh uint64) int {
	if f.config.ReadOnly {
		return -fuse.EROFS
	}
	if h := f.handle(fh); h != nil && h.writable() {
		return f.status(h.truncate(size))
	}
	if size != 0 {
		return -fuse.ENOTSUP
	}
	w, err := f.drv.OpenWrite(context.Background(), path, transfer.FlagWrite|transfer.FlagTruncate)
	if err != nil {
		return f.status(err)
	}
	return f.status(w.Close())
}

func (f *CgoFuseFS) Read(path string, buff []byte, ofst int64, fh uint64) int {
	h := f.handle(fh)
	if h == nil {
		return -fuse.EBADF
	}
	n, err := h.readAt(context.Background(), buff, ofst)
	if err != nil {
		return f.ioStatus(err)
	}
	return n
}

func (f *CgoFuseFS) Write(path string, buff []byte, ofst int64, fh uint64) int {
	h := f.handle(fh)
	if h == nil {
		return -fuse.EBADF
	}
	n, err := h.writeAt(buff, ofst)
	if err != nil {
		return f.status(err)
	}
	return n
}

func (f *CgoFuseFS) Flush(path string, fh uint64) int {
	h := f.handle(fh)
	if h == nil {
		return 0
	}
	if err := h.flush(); err != nil {
		f.logger.Warn("upload failed", zap.String("path", path), zap.Error(err))
		return f.ioStatus(err)
	}
	return 0
}

func (f *CgoFuseFS) Release(path string, fh uint64) int {
	f.mu.Lock()
	h := f.handles[fh]
	delete(f.handles, fh)
	f.mu.Unlock()
	if h == nil {
		return 0
	}
	return f.ioStatus(h.release())
}

// Chmod, Chown and Utimens are accepted and ignored; the remote does not
// store these attributes.

func (f *CgoFuseFS) Chmod(path string, mode uint32) int { return 0 }

func (f *CgoFuseFS) Chown(path string, uid uint32, gid uint32) int { return 0 }

func (f *CgoFuseFS) Utimens(path string, tmsp []fuse.Timespec) int { return 0 }
