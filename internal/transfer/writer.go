package transfer

import (
	"context"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/objectfs/boxfs/internal/buffer"
	"github.com/objectfs/boxfs/pkg/errors"
	"github.com/objectfs/boxfs/pkg/types"
	"github.com/objectfs/boxfs/pkg/utils"
)

// Writer is the producing end of an upload. Bytes are spooled locally and
// Close performs exactly one upload call. A failing Close means the write
// failed.
type Writer struct {
	bridge *Bridge
	ctx    context.Context
	target WriteTarget
	spool  *buffer.Spool

	mu     sync.Mutex
	off    int64 // next sequential write
	state  State
	result *types.Entry
	err    error
}

var (
	_ io.WriteCloser = (*Writer)(nil)
	_ io.WriterAt    = (*Writer)(nil)
)

// Path returns the path the file is committed under.
func (w *Writer) Path() string {
	return utils.JoinPath(w.target.ParentPath, w.target.Name)
}

func (w *Writer) preload(ctx context.Context) error {
	rc, err := w.bridge.remote.Download(ctx, w.target.Existing.ID)
	if err != nil {
		return errors.Translate(err)
	}
	defer rc.Close()
	if _, err := io.Copy(w.spool, rc); err != nil {
		return errors.Translate(err)
	}
	return nil
}

func (w *Writer) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state != StateOpen {
		return 0, errors.NewError(errors.ErrCodeClosed, "write after close").WithPath(w.Path())
	}
	n, err := w.spool.WriteAt(p, w.off)
	w.off += int64(n)
	return n, err
}

// WriteAt writes at off and leaves the sequential write offset alone.
func (w *Writer) WriteAt(p []byte, off int64) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state != StateOpen {
		return 0, errors.NewError(errors.ErrCodeClosed, "write after close").WithPath(w.Path())
	}
	return w.spool.WriteAt(p, off)
}

// ReadFrom writes everything from r at the sequential write offset.
func (w *Writer) ReadFrom(r io.Reader) (int64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state != StateOpen {
		return 0, errors.NewError(errors.ErrCodeClosed, "write after close").WithPath(w.Path())
	}
	n, err := io.Copy(io.NewOffsetWriter(w.spool, w.off), r)
	w.off += n
	return n, err
}

// Truncate resizes the pending content.
func (w *Writer) Truncate(size int64) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state != StateOpen {
		return errors.NewError(errors.ErrCodeClosed, "truncate after close").WithPath(w.Path())
	}
	return w.spool.Truncate(size)
}

// Size returns the number of bytes pending upload.
func (w *Writer) Size() int64 {
	return w.spool.Size()
}

// Close uploads the spooled content and commits the resulting entry. It is
// not cancellable once started. Later calls return the first result.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state != StateOpen {
		return w.err
	}
	defer w.bridge.track(-1)

	start := time.Now()
	size := w.spool.Size()
	entry, err := w.upload(context.WithoutCancel(w.ctx))
	if closeErr := w.spool.Close(); closeErr != nil {
		w.bridge.logger.Warn("failed to release spool", zap.String("path", w.Path()), zap.Error(closeErr))
	}
	w.bridge.record(DirectionUpload, size, start, err)

	if err != nil {
		w.state = StateFailed
		w.err = errors.Translate(err)
		w.bridge.logger.Debug("upload failed", zap.String("path", w.Path()), zap.Error(err))
		return w.err
	}

	w.state = StateCommitted
	w.result = entry
	w.bridge.committer.Put(w.Path(), entry)
	return nil
}

func (w *Writer) upload(ctx context.Context) (*types.Entry, error) {
	r, err := w.spool.Reader()
	if err != nil {
		return nil, err
	}
	if w.target.Existing != nil {
		return w.bridge.remote.UploadVersion(ctx, w.target.Existing.ID, r)
	}
	return w.bridge.remote.Upload(ctx, w.target.Parent.ID, w.target.Name, r)
}

// State reports the writer lifecycle state.
func (w *Writer) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Entry returns the committed entry, or nil before a successful Close.
func (w *Writer) Entry() *types.Entry {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.result
}
