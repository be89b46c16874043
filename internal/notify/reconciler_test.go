package notify

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/objectfs/boxfs/internal/cache"
	"github.com/objectfs/boxfs/internal/remote/memory"
	"github.com/objectfs/boxfs/pkg/errors"
	"github.com/objectfs/boxfs/pkg/types"
)

type fakeSource struct {
	mu     sync.Mutex
	events chan types.Event
	errs   chan error
	ctx    context.Context
	count  int
}

func (s *fakeSource) Subscribe(ctx context.Context) (<-chan types.Event, <-chan error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.count++
	s.ctx = ctx
	s.events = make(chan types.Event)
	s.errs = make(chan error, 1)
	return s.events, s.errs
}

func (s *fakeSource) current() (chan types.Event, chan error, context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.events, s.errs, s.ctx
}

type eventCounter struct {
	mu      sync.Mutex
	applied map[string]int
	dropped map[string]int
}

func (m *eventCounter) RecordEvent(kind string, applied bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.applied == nil {
		m.applied, m.dropped = map[string]int{}, map[string]int{}
	}
	if applied {
		m.applied[kind]++
	} else {
		m.dropped[kind]++
	}
}

type fixture struct {
	remote *memory.Client
	cache  *cache.EntryCache
	docs   *types.Entry
	file   *types.Entry
}

// newFixture builds /docs (id 1) holding a.txt (id 2) and resolves it.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	remote := memory.NewClient(memory.WithSequentialIDs())
	root, err := remote.Root(ctx)
	require.NoError(t, err)
	docs, err := remote.CreateFolder(ctx, root.ID, "docs")
	require.NoError(t, err)
	file, err := remote.Upload(ctx, docs.ID, "a.txt", strings.NewReader("0123456789"))
	require.NoError(t, err)

	c := cache.New(root, remote, &cache.Config{Logger: zaptest.NewLogger(t)})
	_, err = c.Resolve(ctx, "/docs/a.txt")
	require.NoError(t, err)
	return &fixture{remote: remote, cache: c, docs: docs, file: file}
}

func TestApply_Deleted(t *testing.T) {
	f := newFixture(t)
	metrics := &eventCounter{}
	r := NewReconciler(f.cache, nil, &Config{Logger: zaptest.NewLogger(t), Metrics: metrics})

	assert.True(t, r.Apply(context.Background(), types.Event{ID: f.file.ID, Kind: types.EventDeleted}))

	_, ok := f.cache.Lookup("/docs/a.txt")
	assert.False(t, ok)
	assert.Equal(t, 1, metrics.applied["deleted"])

	// The listing of /docs is no longer trusted.
	listings := f.remote.Calls(memory.OpList)
	_, err := f.cache.List(context.Background(), "/docs")
	require.NoError(t, err)
	assert.Equal(t, listings+1, f.remote.Calls(memory.OpList))
}

func TestApply_ChangedRelistsParent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r := NewReconciler(f.cache, nil, &Config{Logger: zaptest.NewLogger(t)})

	_, err := f.remote.UploadVersion(ctx, f.file.ID, strings.NewReader("new"))
	require.NoError(t, err)
	listings := f.remote.Calls(memory.OpList)

	assert.True(t, r.Apply(ctx, types.Event{ID: f.file.ID, Kind: types.EventChanged}))

	assert.Equal(t, listings+1, f.remote.Calls(memory.OpList))
	_, err = f.cache.List(ctx, "/docs")
	require.NoError(t, err)
	assert.Equal(t, listings+1, f.remote.Calls(memory.OpList), "relisted folder is served from cache")
	e, ok := f.cache.Lookup("/docs/a.txt")
	require.True(t, ok)
	assert.Equal(t, int64(3), e.Size)
}

func TestApply_ChangedFolderKeepsDescendantsOut(t *testing.T) {
	f := newFixture(t)
	r := NewReconciler(f.cache, nil, nil)

	assert.True(t, r.Apply(context.Background(), types.Event{ID: f.docs.ID, Kind: types.EventChanged}))

	_, ok := f.cache.Lookup("/docs")
	assert.True(t, ok, "root relisted")
	_, ok = f.cache.Lookup("/docs/a.txt")
	assert.False(t, ok)
}

func TestApply_UnknownIDIsNoop(t *testing.T) {
	f := newFixture(t)
	metrics := &eventCounter{}
	r := NewReconciler(f.cache, nil, &Config{Metrics: metrics})
	before := f.cache.Stats()
	listings := f.remote.Calls(memory.OpList)

	assert.False(t, r.Apply(context.Background(), types.Event{ID: "99", Kind: types.EventChanged}))
	assert.False(t, r.Apply(context.Background(), types.Event{ID: "99", Kind: types.EventDeleted}))

	assert.Equal(t, before, f.cache.Stats())
	assert.Equal(t, listings, f.remote.Calls(memory.OpList))
	assert.Equal(t, 1, metrics.dropped["changed"])
	assert.Equal(t, 1, metrics.dropped["deleted"])
}

func TestApply_RelistFailureIsSwallowed(t *testing.T) {
	f := newFixture(t)
	r := NewReconciler(f.cache, nil, &Config{Logger: zaptest.NewLogger(t)})
	f.remote.FailNext(memory.OpList, errors.Transient("timeout", nil))

	assert.True(t, r.Apply(context.Background(), types.Event{ID: f.file.ID, Kind: types.EventChanged}))

	listings := f.remote.Calls(memory.OpList)
	_, err := f.cache.List(context.Background(), "/docs")
	require.NoError(t, err)
	assert.Equal(t, listings+1, f.remote.Calls(memory.OpList))
}

func TestWatch_Lifecycle(t *testing.T) {
	f := newFixture(t)
	src := &fakeSource{}
	r := NewReconciler(f.cache, src, &Config{Logger: zaptest.NewLogger(t)})
	defer r.Close()

	assert.Equal(t, StateDisabled, r.State())

	got := make(chan WatchEvent, 1)
	stop, err := r.Watch(Watcher{OnEvent: func(ev WatchEvent) { got <- ev }})
	require.NoError(t, err)
	assert.Equal(t, StateActive, r.State())

	stop2, err := r.Watch(Watcher{})
	require.NoError(t, err)
	assert.Equal(t, 1, src.count, "one subscription for all watchers")

	events, _, ctx := src.current()
	events <- types.Event{ID: f.file.ID, Kind: types.EventDeleted}

	select {
	case ev := <-got:
		assert.Equal(t, WatchEvent{Path: "/docs/a.txt", Kind: types.EventDeleted}, ev)
	case <-time.After(5 * time.Second):
		t.Fatal("event not delivered")
	}

	stop()
	stop()
	assert.Equal(t, StateActive, r.State())
	stop2()
	assert.Equal(t, StateDisabled, r.State())

	select {
	case <-ctx.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("subscription not cancelled")
	}

	// A new registration starts a new subscription.
	stop3, err := r.Watch(Watcher{})
	require.NoError(t, err)
	defer stop3()
	assert.Equal(t, 2, src.count)
}

func TestWatch_SourceFailureDisables(t *testing.T) {
	f := newFixture(t)
	src := &fakeSource{}
	r := NewReconciler(f.cache, src, &Config{Logger: zaptest.NewLogger(t)})
	defer r.Close()

	failures := make(chan error, 2)
	for i := 0; i < 2; i++ {
		_, err := r.Watch(Watcher{OnError: func(err error) { failures <- err }})
		require.NoError(t, err)
	}

	_, errs, _ := src.current()
	errs <- errors.Transient("stream lost", nil)

	for i := 0; i < 2; i++ {
		select {
		case err := <-failures:
			assert.True(t, errors.IsCode(err, errors.ErrCodeTransient))
		case <-time.After(5 * time.Second):
			t.Fatal("watcher not told about failure")
		}
	}
	assert.Eventually(t, func() bool { return r.State() == StateDisabled }, 5*time.Second, 10*time.Millisecond)
}

func TestWatch_WithoutSource(t *testing.T) {
	f := newFixture(t)
	r := NewReconciler(f.cache, nil, nil)

	_, err := r.Watch(Watcher{})
	assert.True(t, errors.IsCode(err, errors.ErrCodeUnsupported))
	assert.Equal(t, StateDisabled, r.State())
}

func TestWatch_AfterClose(t *testing.T) {
	f := newFixture(t)
	r := NewReconciler(f.cache, &fakeSource{}, nil)
	_, err := r.Watch(Watcher{})
	require.NoError(t, err)
	require.NoError(t, r.Close())

	assert.Equal(t, StateDisabled, r.State())
	_, err = r.Watch(Watcher{})
	assert.True(t, errors.IsCode(err, errors.ErrCodeClosed))
}
