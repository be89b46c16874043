package fuse

import (
	"context"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"syscall"

	"go.uber.org/zap"

	"github.com/objectfs/boxfs/internal/driver"
	"github.com/objectfs/boxfs/internal/transfer"
	"github.com/objectfs/boxfs/pkg/errors"
	"github.com/objectfs/boxfs/pkg/types"
)

const (
	accMode = os.O_RDONLY | os.O_WRONLY | os.O_RDWR

	modeDir uint32 = 0o040000
	modeReg uint32 = 0o100000
)

// fileHandle adapts a driver stream to offset-based kernel I/O. A handle is
// either a reader or a writer, never both.
type fileHandle struct {
	drv    *driver.Driver
	path   string
	stats  *Stats
	logger *zap.Logger

	mu     sync.Mutex
	reader *transfer.Reader
	pos    int64
	writer *transfer.Writer
	done   bool
	err    error
}

// openHandle opens path with os.OpenFile style flags. Read-write access is
// granted as write-only when the file is being created, since there is
// nothing to read back yet.
func openHandle(ctx context.Context, drv *driver.Driver, path string, flags int, creating bool, stats *Stats, logger *zap.Logger) (*fileHandle, error) {
	if creating && flags&accMode == os.O_RDWR {
		flags = flags&^accMode | os.O_WRONLY
	}
	tf := transfer.FlagsFromOS(flags)
	if creating {
		tf |= transfer.FlagCreate
	}
	if tf.Has(transfer.FlagWrite) {
		tf |= transfer.FlagPreserve
	}

	h := &fileHandle{drv: drv, path: path, stats: stats, logger: logger}
	var err error
	if tf.Has(transfer.FlagWrite) {
		h.writer, err = drv.OpenWrite(ctx, path, tf)
	} else {
		h.reader, err = drv.OpenRead(ctx, path)
	}
	if err != nil {
		return nil, err
	}
	atomic.AddInt64(&stats.Opens, 1)
	return h, nil
}

func (h *fileHandle) writable() bool {
	return h.writer != nil
}

// readAt serves a read at off. Sequential reads continue the open stream;
// a backward seek reopens the download and a forward seek skips ahead.
func (h *fileHandle) readAt(ctx context.Context, p []byte, off int64) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.reader == nil {
		return 0, errors.NewError(errors.ErrCodeClosed, "handle not open for reading").WithPath(h.path)
	}
	if off < h.pos {
		h.reader.Close()
		r, err := h.drv.OpenRead(ctx, h.path)
		if err != nil {
			return 0, err
		}
		h.reader, h.pos = r, 0
	}
	if off > h.pos {
		n, err := io.CopyN(io.Discard, h.reader, off-h.pos)
		h.pos += n
		if err == io.EOF {
			return 0, nil
		}
		if err != nil {
			return 0, err
		}
	}

	n, err := io.ReadFull(h.reader, p)
	h.pos += int64(n)
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		err = nil
	}
	atomic.AddInt64(&h.stats.Reads, 1)
	atomic.AddInt64(&h.stats.BytesRead, int64(n))
	return n, err
}

func (h *fileHandle) writeAt(p []byte, off int64) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.writer == nil {
		return 0, errors.NewError(errors.ErrCodeClosed, "handle not open for writing").WithPath(h.path)
	}
	n, err := h.writer.WriteAt(p, off)
	atomic.AddInt64(&h.stats.Writes, 1)
	atomic.AddInt64(&h.stats.BytesWritten, int64(n))
	return n, err
}

func (h *fileHandle) truncate(size int64) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.writer == nil {
		return errors.NewError(errors.ErrCodeClosed, "handle not open for writing").WithPath(h.path)
	}
	return h.writer.Truncate(size)
}

func (h *fileHandle) size() int64 {
	if h.writer != nil {
		return h.writer.Size()
	}
	return 0
}

// flush commits a writer. The kernel calls it on every close(2) of a
// descriptor; the first call uploads and later calls report that outcome.
// Readers stay open until release.
func (h *fileHandle) flush() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.writer == nil {
		return nil
	}
	return h.finish()
}

// release closes the stream if flush has not already done so.
func (h *fileHandle) release() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.finish()
}

func (h *fileHandle) finish() error {
	if h.done {
		return h.err
	}
	h.done = true
	if h.writer != nil {
		h.err = h.writer.Close()
	} else if h.reader != nil {
		// A reader dropped mid-stream reports the download failure it
		// never delivered; that is not an error of the close itself.
		if err := h.reader.Close(); err != nil {
			h.logger.Debug("download ended with error", zap.String("path", h.path), zap.Error(err))
		}
	}
	if h.err != nil {
		atomic.AddInt64(&h.stats.Errors, 1)
	}
	return h.err
}

// Stats counts kernel-facing activity. Fields are updated atomically.
type Stats struct {
	Lookups      int64 `json:"lookups"`
	Opens        int64 `json:"opens"`
	Reads        int64 `json:"reads"`
	Writes       int64 `json:"writes"`
	BytesRead    int64 `json:"bytes_read"`
	BytesWritten int64 `json:"bytes_written"`
	Errors       int64 `json:"errors"`
}

// Snapshot returns a copy of the counters.
func (s *Stats) Snapshot() Stats {
	return Stats{
		Lookups:      atomic.LoadInt64(&s.Lookups),
		Opens:        atomic.LoadInt64(&s.Opens),
		Reads:        atomic.LoadInt64(&s.Reads),
		Writes:       atomic.LoadInt64(&s.Writes),
		BytesRead:    atomic.LoadInt64(&s.BytesRead),
		BytesWritten: atomic.LoadInt64(&s.BytesWritten),
		Errors:       atomic.LoadInt64(&s.Errors),
	}
}

func (s *Stats) countLookup() {
	atomic.AddInt64(&s.Lookups, 1)
}

// errno maps a driver error to the kernel errno and counts it.
func (s *Stats) errno(err error) syscall.Errno {
	if err == nil {
		return 0
	}
	atomic.AddInt64(&s.Errors, 1)
	return errors.Errno(err)
}

// ioErrno is errors.Errno for reads and closes, where a transient failure
// is reported as EIO.
func ioErrno(err error) syscall.Errno {
	if errors.IsCode(err, errors.ErrCodeTransient) {
		return syscall.EIO
	}
	return errors.Errno(err)
}

// accessModes converts an access(2) mask.
func accessModes(mask uint32) types.AccessMode {
	const (
		rOK = 4
		wOK = 2
		xOK = 1
	)
	var modes types.AccessMode
	if mask&rOK != 0 {
		modes |= types.AccessRead
	}
	if mask&wOK != 0 {
		modes |= types.AccessWrite
	}
	if mask&xOK != 0 {
		modes |= types.AccessExecute
	}
	return modes
}

func fileMode(fi os.FileInfo, cfg *Config) uint32 {
	if fi.IsDir() {
		return modeDir | cfg.DirMode
	}
	return modeReg | cfg.FileMode
}
