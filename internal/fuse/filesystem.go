//go:build !cgofuse
// +build !cgofuse

package fuse

import (
	"context"
	"strings"
	"syscall"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"go.uber.org/zap"

	"github.com/objectfs/boxfs/internal/driver"
	"github.com/objectfs/boxfs/internal/logging"
	"github.com/objectfs/boxfs/internal/notify"
	"github.com/objectfs/boxfs/internal/transfer"
	"github.com/objectfs/boxfs/pkg/errors"
	"github.com/objectfs/boxfs/pkg/types"
	"github.com/objectfs/boxfs/pkg/utils"
)

const (
	renameNoReplace = 0x1
	renameExchange  = 0x2
)

// FileSystem serves a driver through the go-fuse node API.
type FileSystem struct {
	drv    *driver.Driver
	config *Config
	logger *zap.Logger
	stats  Stats
	root   *node

	unwatch func()
}

// NewFileSystem creates the node tree root for drv.
func NewFileSystem(drv *driver.Driver, config *Config) *FileSystem {
	cfg := config.withDefaults()
	fsys := &FileSystem{
		drv:    drv,
		config: cfg,
		logger: logging.OrNop(cfg.Logger).Named("fuse"),
	}
	fsys.root = &node{fsys: fsys}
	return fsys
}

// Root returns the root inode.
func (f *FileSystem) Root() fs.InodeEmbedder {
	return f.root
}

// GetStats returns current filesystem statistics.
func (f *FileSystem) GetStats() Stats {
	return f.stats.Snapshot()
}

// startWatch subscribes to change notifications and turns them into kernel
// cache invalidations. A driver without a source leaves the kernel to
// expire entries on its own.
func (f *FileSystem) startWatch() {
	cancel, err := f.drv.Watch(notify.Watcher{
		OnEvent: f.invalidate,
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

func (f *FileSystem) stopWatch() {
	if f.unwatch != nil {
		f.unwatch()
		f.unwatch = nil
	}
}

// invalidate drops the kernel's view of the changed path. Inodes the kernel
// never looked up need nothing.
func (f *FileSystem) invalidate(ev notify.WatchEvent) {
	dir, name := utils.SplitPath(ev.Path)
	if name == "" {
		return
	}
	parent := f.root.EmbeddedInode()
	for _, seg := range strings.Split(strings.Trim(dir, "/"), "/") {
		if seg == "" {
			continue
		}
		if parent = parent.GetChild(seg); parent == nil {
			return
		}
	}

	if ev.Kind == types.EventChanged {
		if child := parent.GetChild(name); child != nil {
			child.NotifyContent(0, 0)
		}
	}
	if errno := parent.NotifyEntry(name); errno != 0 && errno != syscall.ENOENT {
		f.logger.Debug("entry invalidation failed", zap.String("path", ev.Path), zap.Error(errno))
	}
}

// inodeNumber derives a stable inode number from a remote id. 0 and 1 are
// reserved by the kernel and go-fuse.
func inodeNumber(id string) uint64 {
	ino := xxhash.Sum64String(id)
	if ino <= 1 {
		ino += 2
	}
	return ino
}

func (f *FileSystem) fillAttr(a *fuse.Attr, fi *driver.FileInfo) {
	a.Mode = fileMode(fi, f.config)
	a.Size = safeInt64ToUint64(fi.Size())
	a.Blocks = (a.Size + 511) / 512
	a.Blksize = 4096
	a.Nlink = 1
	if fi.IsDir() {
		a.Nlink = 2
	}
	a.Owner = fuse.Owner{Uid: f.config.UID, Gid: f.config.GID}
	if fi.Entry != nil && fi.Entry.ID != "" {
		a.Ino = inodeNumber(fi.Entry.ID)
	}
	mtime, ctime := fi.ModTime(), fi.CreatedAt
	if ctime.IsZero() {
		ctime = mtime
	}
	a.SetTimes(&mtime, &mtime, &ctime)
}

// node is a file or folder. Its path is derived from its position in the
// inode tree, which go-fuse keeps current across renames.
type node struct {
	fs.Inode
	fsys *FileSystem
}

var (
	_ fs.NodeLookuper  = (*node)(nil)
	_ fs.NodeGetattrer = (*node)(nil)
	_ fs.NodeSetattrer = (*node)(nil)
	_ fs.NodeReaddirer = (*node)(nil)
	_ fs.NodeMkdirer   = (*node)(nil)
	_ fs.NodeCreater   = (*node)(nil)
	_ fs.NodeOpener    = (*node)(nil)
	_ fs.NodeUnlinker  = (*node)(nil)
	_ fs.NodeRmdirer   = (*node)(nil)
	_ fs.NodeRenamer   = (*node)(nil)
	_ fs.NodeAccesser  = (*node)(nil)
	_ fs.NodeStatfser  = (*node)(nil)
)

func (n *node) path() string {
	return utils.Root + n.Path(nil)
}

func (n *node) childPath(name string) string {
	return utils.JoinPath(n.path(), name)
}

func (n *node) errno(err error) syscall.Errno {
	return n.fsys.stats.errno(err)
}

func (n *node) newChild(ctx context.Context, fi *driver.FileInfo, out *fuse.EntryOut) *fs.Inode {
	n.fsys.fillAttr(&out.Attr, fi)
	out.SetEntryTimeout(n.fsys.config.EntryTimeout)
	out.SetAttrTimeout(n.fsys.config.AttrTimeout)

	mode := uint32(fuse.S_IFREG)
	if fi.IsDir() {
		mode = fuse.S_IFDIR
	}
	return n.NewInode(ctx, &node{fsys: n.fsys}, fs.StableAttr{Mode: mode, Ino: out.Attr.Ino})
}

func (n *node) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	n.fsys.stats.countLookup()
	fi, err := n.fsys.drv.Stat(ctx, n.childPath(name))
	if err != nil {
		if errors.IsNotFound(err) {
			return nil, syscall.ENOENT
		}
		return nil, n.errno(err)
	}
	return n.newChild(ctx, fi, out), 0
}

func (n *node) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	fi, err := n.fsys.drv.Stat(ctx, n.path())
	if h, ok := fh.(*fileHandle); ok && h.writable() {
		// Pending content is what the writer sees, even before the
		// first upload makes the file exist remotely.
		if errors.IsNotFound(err) {
			_, name := utils.SplitPath(n.path())
			fi, err = &driver.FileInfo{Name_: name, Mode_: 0o644}, nil
		}
		if err == nil {
			fi.Size_ = h.size()
		}
	}
	if err != nil {
		return n.errno(err)
	}
	n.fsys.fillAttr(&out.Attr, fi)
	out.SetTimeout(n.fsys.config.AttrTimeout)
	return 0
}

// Setattr supports size changes only. Ownership, mode and time updates are
// accepted and ignored because the remote does not store them.
func (n *node) Setattr(ctx context.Context, fh fs.FileHandle, in *fuse.SetAttrIn, out *fuse.AttrOut) syscall.Errno {
	if size, ok := in.GetSize(); ok {
		if n.fsys.config.ReadOnly {
			return syscall.EROFS
		}
		if errno := n.truncate(ctx, fh, int64(size)); errno != 0 {
			return errno
		}
	}
	return n.Getattr(ctx, fh, out)
}

func (n *node) truncate(ctx context.Context, fh fs.FileHandle, size int64) syscall.Errno {
	if h, ok := fh.(*fileHandle); ok && h.writable() {
		return n.errno(h.truncate(size))
	}
	if size != 0 {
		return syscall.ENOTSUP
	}
	w, err := n.fsys.drv.OpenWrite(ctx, n.path(), transfer.FlagWrite|transfer.FlagTruncate)
	if err != nil {
		return n.errno(err)
	}
	return n.errno(w.Close())
}

func (n *node) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	infos, err := n.fsys.drv.ReadDir(ctx, n.path())
	if err != nil {
		return nil, n.errno(err)
	}
	entries := make([]fuse.DirEntry, 0, len(infos))
	for _, fi := range infos {
		mode := uint32(fuse.S_IFREG)
		if fi.IsDir() {
			mode = fuse.S_IFDIR
		}
		entries = append(entries, fuse.DirEntry{
			Name: fi.Name(),
			Mode: mode,
			Ino:  inodeNumber(fi.Entry.ID),
		})
	}
	return fs.NewListDirStream(entries), 0
}

func (n *node) Mkdir(ctx context.Context, name string, mode uint32, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	if n.fsys.config.ReadOnly {
		return nil, syscall.EROFS
	}
	p := n.childPath(name)
	if err := n.fsys.drv.CreateDirectory(ctx, p); err != nil {
		return nil, n.errno(err)
	}
	fi, err := n.fsys.drv.Stat(ctx, p)
	if err != nil {
		return nil, n.errno(err)
	}
	return n.newChild(ctx, fi, out), 0
}

// Create opens a writer for a new file. The file becomes visible remotely
// when the handle is flushed.
func (n *node) Create(ctx context.Context, name string, flags uint32, mode uint32, out *fuse.EntryOut) (*fs.Inode, fs.FileHandle, uint32, syscall.Errno) {
	if n.fsys.config.ReadOnly {
		return nil, nil, 0, syscall.EROFS
	}
	p := n.childPath(name)
	h, err := openHandle(ctx, n.fsys.drv, p, int(flags), true, &n.fsys.stats, n.fsys.logger)
	if err != nil {
		return nil, nil, 0, n.errno(err)
	}

	fi, err := n.fsys.drv.Stat(ctx, p)
	if err != nil {
		fi = &driver.FileInfo{Name_: name, Mode_: 0o644, ModTime_: time.Now()}
		out.Attr.Ino = inodeNumber("new:" + p)
	}
	fi.Size_ = h.size()
	return n.newChild(ctx, fi, out), h, fuse.FOPEN_DIRECT_IO, 0
}

func (n *node) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	if n.fsys.config.ReadOnly && int(flags)&accMode != 0 {
		return nil, 0, syscall.EROFS
	}
	h, err := openHandle(ctx, n.fsys.drv, n.path(), int(flags), false, &n.fsys.stats, n.fsys.logger)
	if err != nil {
		return nil, 0, n.errno(err)
	}
	if h.writable() {
		return h, fuse.FOPEN_DIRECT_IO, 0
	}
	return h, 0, 0
}

func (n *node) Unlink(ctx context.Context, name string) syscall.Errno {
	return n.remove(ctx, name, false)
}

func (n *node) Rmdir(ctx context.Context, name string) syscall.Errno {
	return n.remove(ctx, name, true)
}

func (n *node) remove(ctx context.Context, name string, dir bool) syscall.Errno {
	if n.fsys.config.ReadOnly {
		return syscall.EROFS
	}
	p := n.childPath(name)
	fi, err := n.fsys.drv.Stat(ctx, p)
	if err != nil {
		return n.errno(err)
	}
	switch {
	case dir && !fi.IsDir():
		return syscall.ENOTDIR
	case !dir && fi.IsDir():
		return syscall.EISDIR
	}
	return n.errno(n.fsys.drv.Delete(ctx, p))
}

// Rename replaces an existing destination unless RENAME_NOREPLACE is set;
// the driver's overwrite policy still applies.
func (n *node) Rename(ctx context.Context, name string, newParent fs.InodeEmbedder, newName string, flags uint32) syscall.Errno {
	if n.fsys.config.ReadOnly {
		return syscall.EROFS
	}
	if flags&renameExchange != 0 {
		return syscall.ENOTSUP
	}
	target, ok := newParent.(*node)
	if !ok {
		return syscall.EXDEV
	}
	opts := driver.Options{Replace: flags&renameNoReplace == 0}
	return n.errno(n.fsys.drv.Move(ctx, n.childPath(name), target.childPath(newName), opts))
}

func (n *node) Access(ctx context.Context, mask uint32) syscall.Errno {
	modes := accessModes(mask)
	if n.fsys.config.ReadOnly && modes&types.AccessWrite != 0 {
		return syscall.EROFS
	}
	return n.errno(n.fsys.drv.CheckAccess(ctx, n.path(), modes))
}

// Statfs reports a large fixed capacity; the remote has no quota API.
func (n *node) Statfs(ctx context.Context, out *fuse.StatfsOut) syscall.Errno {
	const blocks = 1 << 40 / 4096
	out.Bsize = 4096
	out.Frsize = 4096
	out.Blocks = blocks
	out.Bfree = blocks
	out.Bavail = blocks
	out.Files = 1 << 20
	out.Ffree = 1 << 20
	out.NameLen = 255
	return 0
}

// File handle methods

var (
	_ fs.FileReader   = (*fileHandle)(nil)
	_ fs.FileWriter   = (*fileHandle)(nil)
	_ fs.FileFlusher  = (*fileHandle)(nil)
	_ fs.FileReleaser = (*fileHandle)(nil)
)

func (h *fileHandle) Read(ctx context.Context, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	n, err := h.readAt(ctx, dest, off)
	if err != nil {
		h.stats.errno(err)
		return nil, ioErrno(err)
	}
	return fuse.ReadResultData(dest[:n]), 0
}

func (h *fileHandle) Write(ctx context.Context, data []byte, off int64) (uint32, syscall.Errno) {
	n, err := h.writeAt(data, off)
	if err != nil {
		return 0, h.stats.errno(err)
	}
	return safeIntToUint32(n), 0
}

func (h *fileHandle) Flush(ctx context.Context) syscall.Errno {
	if err := h.flush(); err != nil {
		h.logger.Warn("upload failed", zap.String("path", h.path), zap.Error(err))
		return ioErrno(err)
	}
	return 0
}

func (h *fileHandle) Release(ctx context.Context) syscall.Errno {
	return ioErrno(h.release())
}
