package transfer

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/objectfs/boxfs/pkg/errors"
	"github.com/objectfs/boxfs/pkg/types"
)

// Reader is the consuming end of a download. A background goroutine feeds
// chunks through a bounded channel; Read blocks until bytes arrive.
type Reader struct {
	bridge   *Bridge
	entry    *types.Entry
	chunks   chan []byte
	cancel   context.CancelFunc
	expected int64
	started  time.Time

	// Written by the producer before it closes chunks.
	produceErr error

	mu       sync.Mutex
	cur      []byte
	curBuf   []byte
	read     int64
	err      error
	reported bool
	closed   bool

	closeOnce sync.Once
	closeErr  error
}

var _ io.ReadCloser = (*Reader)(nil)

func (r *Reader) produce(ctx context.Context) {
	defer close(r.chunks)

	rc, err := r.bridge.remote.Download(ctx, r.entry.ID)
	if err != nil {
		r.produceErr = err
		return
	}
	defer rc.Close()

	pool := r.bridge.pool
	for {
		buf := pool.Get()
		n, err := rc.Read(buf)
		if n > 0 {
			select {
			case r.chunks <- buf[:n]:
			case <-ctx.Done():
				pool.Put(buf)
				r.produceErr = ctx.Err()
				return
			}
		} else {
			pool.Put(buf)
		}
		if err == io.EOF {
			return
		}
		if err != nil {
			r.produceErr = err
			return
		}
	}
}

// Read implements io.Reader. A failed download surfaces here instead of
// end-of-stream, and so does a download that ends before entry.Size bytes.
func (r *Reader) Read(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return 0, os.ErrClosed
	}
	if r.err != nil {
		return 0, r.err
	}
	if len(p) == 0 {
		return 0, nil
	}

	for len(r.cur) == 0 {
		if r.curBuf != nil {
			r.bridge.pool.Put(r.curBuf)
			r.curBuf = nil
		}
		chunk, ok := <-r.chunks
		if !ok {
			r.err = r.finish()
			r.reported = r.err != io.EOF
			return 0, r.err
		}
		r.cur, r.curBuf = chunk, chunk
	}

	n := copy(p, r.cur)
	r.cur = r.cur[n:]
	r.read += int64(n)
	return n, nil
}

// finish decides what end-of-channel means. Must be called with r.mu held.
func (r *Reader) finish() error {
	err := r.produceErr
	r.bridge.record(DirectionDownload, r.read, r.started, err)

	if err != nil {
		r.bridge.logger.Debug("download failed",
			zap.String("id", r.entry.ID), zap.Int64("bytes", r.read), zap.Error(err))
		return errors.Translate(err)
	}
	if r.read < r.expected {
		return errors.Transient(
			fmt.Sprintf("short read: got %d of %d bytes", r.read, r.expected), io.ErrUnexpectedEOF)
	}
	return io.EOF
}

// Close cancels the download if it is still running and waits for the
// background goroutine to exit. A download failure the reader never saw is
// returned here.
func (r *Reader) Close() error {
	r.closeOnce.Do(func() {
		defer r.bridge.track(-1)
		r.cancel()
		for chunk := range r.chunks {
			r.bridge.pool.Put(chunk)
		}

		r.mu.Lock()
		defer r.mu.Unlock()
		r.closed = true
		if r.curBuf != nil {
			r.bridge.pool.Put(r.curBuf)
			r.cur, r.curBuf = nil, nil
		}
		if r.produceErr != nil && !r.reported && !stderrors.Is(r.produceErr, context.Canceled) {
			r.closeErr = errors.Translate(r.produceErr)
		}
	})
	return r.closeErr
}

// State reports the reader lifecycle state.
func (r *Reader) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return StateClosed
	}
	return StateOpen
}

// Entry returns the entry being downloaded.
func (r *Reader) Entry() *types.Entry {
	return r.entry
}
