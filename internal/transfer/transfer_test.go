package transfer

import (
	"bytes"
	"context"
	stderrors "errors"
	"io"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/objectfs/boxfs/internal/buffer"
	"github.com/objectfs/boxfs/internal/remote/memory"
	"github.com/objectfs/boxfs/pkg/errors"
	"github.com/objectfs/boxfs/pkg/types"
)

type recordingCommitter struct {
	mu      sync.Mutex
	entries map[string]*types.Entry
}

func (c *recordingCommitter) Put(path string, entry *types.Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.entries == nil {
		c.entries = make(map[string]*types.Entry)
	}
	c.entries[path] = entry
}

func (c *recordingCommitter) get(path string) *types.Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries[path]
}

type recordingMetrics struct {
	mu        sync.Mutex
	transfers []string
	failures  int
	open      []int
}

func (m *recordingMetrics) SetOpenHandles(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.open = append(m.open, n)
}

func (m *recordingMetrics) RecordTransfer(direction string, bytes int64, duration time.Duration, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transfers = append(m.transfers, direction)
	if err != nil {
		m.failures++
	}
}

type fixture struct {
	remote    *memory.Client
	committer *recordingCommitter
	metrics   *recordingMetrics
	bridge    *Bridge
	root      *types.Entry
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		remote:    memory.NewClient(memory.WithSequentialIDs()),
		committer: &recordingCommitter{},
		metrics:   &recordingMetrics{},
	}
	f.bridge = New(f.remote, f.committer, &Config{
		ChunkSize: 4,
		Spool:     buffer.SpoolConfig{MemoryLimit: 16, Dir: t.TempDir()},
		Logger:    zaptest.NewLogger(t),
		Metrics:   f.metrics,
	})
	root, err := f.remote.Root(context.Background())
	require.NoError(t, err)
	f.root = root
	return f
}

func (f *fixture) upload(t *testing.T, name, content string) *types.Entry {
	t.Helper()
	e, err := f.remote.Upload(context.Background(), f.root.ID, name, strings.NewReader(content))
	require.NoError(t, err)
	return e
}

func TestFlags(t *testing.T) {
	tests := []struct {
		name    string
		flags   Flag
		wantErr bool
	}{
		{"read", FlagRead, false},
		{"write", FlagWrite, false},
		{"create truncate", FlagWrite | FlagCreate | FlagTruncate, false},
		{"append", FlagWrite | FlagAppend, true},
		{"delete on close", FlagRead | FlagDeleteOnClose, true},
		{"read write", FlagRead | FlagWrite, true},
		{"create without write", FlagRead | FlagCreate, true},
		{"preserve", FlagWrite | FlagPreserve, false},
		{"preserve without write", FlagRead | FlagPreserve, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.flags.Validate()
			if tt.wantErr {
				assert.True(t, errors.IsCode(err, errors.ErrCodeUnsupported), "got %v", err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestFlagsFromOS(t *testing.T) {
	assert.Equal(t, FlagRead, FlagsFromOS(0))
	assert.Equal(t, FlagWrite|FlagCreate|FlagCreateNew, FlagsFromOS(os.O_WRONLY|os.O_CREATE|os.O_EXCL))
	assert.Equal(t, "write|create|create_new", (FlagWrite | FlagCreate | FlagCreateNew).String())
	assert.Equal(t, "none", Flag(0).String())
}

func TestRoundTrip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	content := strings.Repeat("0123456789", 5)

	w, err := f.bridge.OpenForWrite(ctx, WriteTarget{ParentPath: "/", Parent: f.root, Name: "a.txt"}, FlagWrite|FlagCreate)
	require.NoError(t, err)
	_, err = io.Copy(w, strings.NewReader(content))
	require.NoError(t, err)
	assert.Equal(t, int64(len(content)), w.Size())
	require.NoError(t, w.Close())
	assert.Equal(t, StateCommitted, w.State())

	committed := f.committer.get("/a.txt")
	require.NotNil(t, committed)
	assert.Equal(t, int64(len(content)), committed.Size)
	assert.Equal(t, committed, w.Entry())
	assert.Equal(t, 1, f.remote.Calls(memory.OpUpload))

	r, err := f.bridge.OpenForRead(ctx, committed, FlagRead)
	require.NoError(t, err)
	data, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, content, string(data))
	require.NoError(t, r.Close())
	assert.Equal(t, StateClosed, r.State())

	assert.ElementsMatch(t, []string{DirectionUpload, DirectionDownload}, f.metrics.transfers)
	assert.Zero(t, f.metrics.failures)
}

func TestStats_OpenStreams(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	e := f.upload(t, "a.txt", "hello world")

	r, err := f.bridge.OpenForRead(ctx, e, FlagRead)
	require.NoError(t, err)
	w, err := f.bridge.OpenForWrite(ctx, WriteTarget{ParentPath: "/", Parent: f.root, Name: "b.txt"}, FlagWrite|FlagCreate)
	require.NoError(t, err)
	assert.Equal(t, int64(2), f.bridge.Stats().OpenStreams)

	require.NoError(t, r.Close())
	require.NoError(t, r.Close())
	require.NoError(t, w.Close())
	require.NoError(t, w.Close())

	stats := f.bridge.Stats()
	assert.Zero(t, stats.OpenStreams)
	assert.Equal(t, 4, stats.Pool.ChunkSize)
	assert.Equal(t, []int{1, 2, 1, 0}, f.metrics.open)
}

func TestReader_MidStreamFailure(t *testing.T) {
	f := newFixture(t)
	e := f.upload(t, "big.bin", strings.Repeat("x", 64))
	f.remote.FailDownloadAfter(e.ID, 10, io.ErrUnexpectedEOF)

	r, err := f.bridge.OpenForRead(context.Background(), e, FlagRead)
	require.NoError(t, err)
	data, err := io.ReadAll(r)
	assert.Len(t, data, 10)
	assert.True(t, errors.IsCode(err, errors.ErrCodeTransient), "got %v", err)

	// Already reported; Close stays quiet.
	assert.NoError(t, r.Close())
	assert.Equal(t, 1, f.metrics.failures)
}

func TestReader_ShortStream(t *testing.T) {
	f := newFixture(t)
	e := f.upload(t, "short.bin", "abc")
	stale := e.Clone()
	stale.Size = 100

	r, err := f.bridge.OpenForRead(context.Background(), stale, FlagRead)
	require.NoError(t, err)
	defer r.Close()
	_, err = io.ReadAll(r)
	assert.True(t, errors.IsCode(err, errors.ErrCodeTransient))
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestReader_OpenFailureSurfacesOnRead(t *testing.T) {
	f := newFixture(t)
	e := f.upload(t, "a", "abc")
	f.remote.FailNext(memory.OpDownload, errors.NotFound("a"))

	r, err := f.bridge.OpenForRead(context.Background(), e, FlagRead)
	require.NoError(t, err)
	_, err = r.Read(make([]byte, 8))
	assert.True(t, errors.IsNotFound(err))
	assert.NoError(t, r.Close())
}

func TestReader_UnreadFailureReturnedByClose(t *testing.T) {
	f := newFixture(t)
	e := f.upload(t, "a", "abc")
	f.remote.FailNext(memory.OpDownload, errors.PermissionDenied("a"))

	r, err := f.bridge.OpenForRead(context.Background(), e, FlagRead)
	require.NoError(t, err)
	err = r.Close()
	assert.True(t, errors.IsCode(err, errors.ErrCodePermissionDenied), "got %v", err)
}

// blockingRemote serves an endless download that only stops on cancellation.
type blockingRemote struct {
	started   chan struct{}
	cancelled chan struct{}
}

type blockingReader struct {
	ctx  context.Context
	r    *blockingRemote
	sent bool
}

func (b *blockingReader) Read(p []byte) (int, error) {
	if !b.sent {
		b.sent = true
		close(b.r.started)
		return copy(p, "data"), nil
	}
	<-b.ctx.Done()
	close(b.r.cancelled)
	return 0, b.ctx.Err()
}

func (b *blockingReader) Close() error { return nil }

func (b *blockingRemote) Download(ctx context.Context, id string) (io.ReadCloser, error) {
	return &blockingReader{ctx: ctx, r: b}, nil
}

func (b *blockingRemote) Upload(ctx context.Context, parentID, name string, r io.Reader) (*types.Entry, error) {
	return nil, stderrors.New("not implemented")
}

func (b *blockingRemote) UploadVersion(ctx context.Context, id string, r io.Reader) (*types.Entry, error) {
	return nil, stderrors.New("not implemented")
}

func TestReader_CloseCancelsDownload(t *testing.T) {
	remote := &blockingRemote{started: make(chan struct{}), cancelled: make(chan struct{})}
	bridge := New(remote, &recordingCommitter{}, &Config{Logger: zaptest.NewLogger(t)})

	ctx, cancel := context.WithCancel(context.Background())
	r, err := bridge.OpenForRead(ctx, &types.Entry{ID: "1", Name: "f", Type: types.TypeFile, Size: 1 << 20}, FlagRead)
	require.NoError(t, err)

	// Cancelling the opening request does not stop the transfer.
	cancel()
	<-remote.started
	buf := make([]byte, 4)
	n, err := r.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "data", string(buf[:n]))

	done := make(chan error, 1)
	go func() { done <- r.Close() }()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Close did not return")
	}
	<-remote.cancelled

	_, err = r.Read(buf)
	assert.Error(t, err)
}

func TestOpenForRead_Rejects(t *testing.T) {
	f := newFixture(t)

	_, err := f.bridge.OpenForRead(context.Background(), f.root, FlagRead)
	assert.True(t, errors.IsCode(err, errors.ErrCodeIsDirectory))

	e := f.upload(t, "a", "abc")
	_, err = f.bridge.OpenForRead(context.Background(), e, FlagRead|FlagAppend)
	assert.True(t, errors.IsCode(err, errors.ErrCodeUnsupported))
	assert.Zero(t, f.remote.Calls(memory.OpDownload))
}

func TestWriter_ReplacesExistingVersion(t *testing.T) {
	f := newFixture(t)
	e := f.upload(t, "doc.txt", "hello world")
	ctx := context.Background()

	w, err := f.bridge.OpenForWrite(ctx, WriteTarget{ParentPath: "/", Parent: f.root, Name: "doc.txt", Existing: e}, FlagWrite|FlagPreserve)
	require.NoError(t, err)
	assert.Equal(t, int64(11), w.Size())
	_, err = w.WriteAt([]byte("WORLD"), 6)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	assert.Equal(t, 1, f.remote.Calls(memory.OpUploadVersion))
	assert.Equal(t, 1, f.remote.Calls(memory.OpUpload))
	assert.Equal(t, e.ID, w.Entry().ID)

	rc, err := f.remote.Download(ctx, e.ID)
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "hello WORLD", string(data))
}

func (f *fixture) content(t *testing.T, id string) string {
	t.Helper()
	rc, err := f.remote.Download(context.Background(), id)
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	return string(data)
}

func TestWriter_SequentialWritesOverwrite(t *testing.T) {
	tests := []struct {
		name      string
		flags     Flag
		want      string
		downloads int
	}{
		{"replace", FlagWrite, "NEW!", 0},
		{"preserve", FlagWrite | FlagPreserve, "NEW!o world", 1},
		{"preserve and truncate", FlagWrite | FlagPreserve | FlagTruncate, "NEW!", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			e := f.upload(t, "doc.txt", "hello world")

			w, err := f.bridge.OpenForWrite(context.Background(),
				WriteTarget{ParentPath: "/", Parent: f.root, Name: "doc.txt", Existing: e}, tt.flags)
			require.NoError(t, err)
			_, err = w.Write([]byte("NE"))
			require.NoError(t, err)
			_, err = w.ReadFrom(strings.NewReader("W!"))
			require.NoError(t, err)
			require.NoError(t, w.Close())

			assert.Equal(t, tt.downloads, f.remote.Calls(memory.OpDownload))
			assert.Equal(t, tt.want, f.content(t, e.ID))
		})
	}
}

func TestWriter_TruncateSkipsPreload(t *testing.T) {
	f := newFixture(t)
	e := f.upload(t, "doc.txt", "hello world")

	w, err := f.bridge.OpenForWrite(context.Background(),
		WriteTarget{ParentPath: "/", Parent: f.root, Name: "doc.txt", Existing: e}, FlagWrite|FlagTruncate)
	require.NoError(t, err)
	assert.Zero(t, w.Size())
	assert.Zero(t, f.remote.Calls(memory.OpDownload))
	_, err = w.Write([]byte("new"))
	require.NoError(t, err)
	require.NoError(t, w.Close())
	assert.Equal(t, int64(3), f.committer.get("/doc.txt").Size)
}

func TestWriter_FailedCloseLeavesCommitterUntouched(t *testing.T) {
	f := newFixture(t)
	f.remote.FailNext(memory.OpUpload, errors.Transient("service unavailable", nil))

	w, err := f.bridge.OpenForWrite(context.Background(), WriteTarget{ParentPath: "/", Parent: f.root, Name: "x"}, FlagWrite|FlagCreate)
	require.NoError(t, err)
	_, err = w.Write(bytes.Repeat([]byte("z"), 40))
	require.NoError(t, err)

	err = w.Close()
	assert.True(t, errors.IsCode(err, errors.ErrCodeTransient))
	assert.Equal(t, StateFailed, w.State())
	assert.Nil(t, f.committer.get("/x"))
	assert.Nil(t, w.Entry())

	// Idempotent: no second upload attempt.
	assert.Equal(t, err, w.Close())
	assert.Equal(t, 1, f.remote.Calls(memory.OpUpload))

	_, err = w.Write([]byte("late"))
	assert.True(t, errors.IsCode(err, errors.ErrCodeClosed))
}

func TestWriter_CloseOutlivesRequestContext(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())

	w, err := f.bridge.OpenForWrite(ctx, WriteTarget{ParentPath: "/", Parent: f.root, Name: "x"}, FlagWrite|FlagCreate)
	require.NoError(t, err)
	_, err = w.Write([]byte("abc"))
	require.NoError(t, err)
	cancel()

	require.NoError(t, w.Close())
	assert.NotNil(t, f.committer.get("/x"))
}

func TestOpenForWrite_Rejects(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	e := f.upload(t, "file", "abc")

	_, err := f.bridge.OpenForWrite(ctx, WriteTarget{ParentPath: "/", Parent: f.root, Name: "n"}, FlagRead)
	assert.True(t, errors.IsCode(err, errors.ErrCodeUnsupported))

	_, err = f.bridge.OpenForWrite(ctx, WriteTarget{ParentPath: "/file", Parent: e, Name: "n"}, FlagWrite)
	assert.True(t, errors.IsCode(err, errors.ErrCodeNotDirectory))

	_, err = f.bridge.OpenForWrite(ctx, WriteTarget{ParentPath: "/", Parent: f.root, Name: "n"}, FlagWrite|FlagAppend)
	assert.True(t, errors.IsCode(err, errors.ErrCodeUnsupported))
}
