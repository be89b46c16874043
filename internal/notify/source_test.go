package notify

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/objectfs/boxfs/internal/remote"
	"github.com/objectfs/boxfs/internal/remote/memory"
	"github.com/objectfs/boxfs/pkg/errors"
	"github.com/objectfs/boxfs/pkg/types"
)

func receive(t *testing.T, events <-chan types.Event) types.Event {
	t.Helper()
	select {
	case ev, ok := <-events:
		require.True(t, ok, "events channel closed")
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("no event received")
		return types.Event{}
	}
}

func TestPoller_DeliversChangesAfterSubscribe(t *testing.T) {
	client := memory.NewClient(memory.WithSequentialIDs())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err := client.CreateFolder(ctx, remote.RootID, "before")
	require.NoError(t, err)

	p := NewPoller(client, &PollerConfig{Interval: 10 * time.Millisecond, Logger: zaptest.NewLogger(t)})
	events, _ := p.Subscribe(ctx)
	require.Eventually(t, func() bool { return client.Calls(memory.OpChanges) >= 1 }, 5*time.Second, time.Millisecond)

	folder, err := client.CreateFolder(ctx, remote.RootID, "after")
	require.NoError(t, err)
	require.NoError(t, client.DeleteFolder(ctx, folder.ID))

	assert.Equal(t, types.Event{ID: folder.ID, Kind: types.EventChanged}, receive(t, events))
	assert.Equal(t, types.Event{ID: folder.ID, Kind: types.EventDeleted}, receive(t, events))
}

func TestPoller_TransientErrorsAreRetried(t *testing.T) {
	client := memory.NewClient(memory.WithSequentialIDs())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client.FailNext(memory.OpChanges, errors.Transient("busy", nil))
	p := NewPoller(client, &PollerConfig{Interval: 10 * time.Millisecond})
	events, errs := p.Subscribe(ctx)
	require.Eventually(t, func() bool { return client.Calls(memory.OpChanges) >= 2 }, 5*time.Second, time.Millisecond)

	folder, err := client.CreateFolder(ctx, remote.RootID, "x")
	require.NoError(t, err)
	assert.Equal(t, folder.ID, receive(t, events).ID)
	assert.Empty(t, errs)
}

func TestPoller_FatalErrorEndsSubscription(t *testing.T) {
	client := memory.NewClient()
	client.FailNext(memory.OpChanges, errors.Fatal("feed gone", nil))

	p := NewPoller(client, &PollerConfig{Interval: 10 * time.Millisecond})
	events, errs := p.Subscribe(context.Background())

	select {
	case err := <-errs:
		assert.True(t, errors.IsCode(err, errors.ErrCodeFatal))
	case <-time.After(5 * time.Second):
		t.Fatal("no error received")
	}
	_, ok := <-events
	assert.False(t, ok)
}

func TestSSESource_StreamsEvents(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "text/event-stream", r.Header.Get("Accept"))
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, ": keepalive\n\n")
		fmt.Fprint(w, "event: change\ndata: {\"id\":\"3\",\"kind\":\"changed\"}\n\n")
		fmt.Fprint(w, "data: not json\n\n")
		fmt.Fprint(w, "data: {\"id\":\"4\",\"kind\":\"deleted\"}\n\n")
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	s := NewSSESource(SSEConfig{URL: srv.URL, Logger: zaptest.NewLogger(t)})
	events, errs := s.Subscribe(ctx)

	assert.Equal(t, types.Event{ID: "3", Kind: types.EventChanged}, receive(t, events))
	assert.Equal(t, types.Event{ID: "4", Kind: types.EventDeleted}, receive(t, events))

	cancel()
	for range events {
	}
	_, ok := <-errs
	assert.False(t, ok, "cancellation is not a failure")
}

func TestSSESource_ReconnectsAfterDrop(t *testing.T) {
	var connections atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := connections.Add(1)
		fmt.Fprintf(w, "data: {\"id\":\"%d\",\"kind\":\"changed\"}\n\n", n)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := NewSSESource(SSEConfig{URL: srv.URL, InitialBackoff: time.Millisecond, MaxRetries: 2})
	events, _ := s.Subscribe(ctx)

	assert.Equal(t, "1", receive(t, events).ID)
	assert.Equal(t, "2", receive(t, events).ID)
}

func TestSSESource_GivesUpAfterRetryBudget(t *testing.T) {
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	s := NewSSESource(SSEConfig{URL: srv.URL, MaxRetries: 3, InitialBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond})
	_, errs := s.Subscribe(context.Background())

	select {
	case err := <-errs:
		assert.True(t, errors.IsCode(err, errors.ErrCodeTransient), "got %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("no error received")
	}
	assert.Equal(t, int32(3), requests.Load())
}

func TestSSESource_EmptyStreamsUseUpRetryBudget(t *testing.T) {
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, ": keepalive\n\n")
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := NewSSESource(SSEConfig{URL: srv.URL, MaxRetries: 3, InitialBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond})
	_, errs := s.Subscribe(ctx)

	select {
	case err := <-errs:
		assert.True(t, errors.IsCode(err, errors.ErrCodeTransient), "got %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("stream that never delivers events was retried forever")
	}
	assert.Equal(t, int32(3), requests.Load())
}

func TestSSESource_ClientErrorIsTerminal(t *testing.T) {
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	s := NewSSESource(SSEConfig{URL: srv.URL, MaxRetries: 5, InitialBackoff: time.Millisecond})
	_, errs := s.Subscribe(context.Background())

	err := <-errs
	assert.True(t, errors.IsCode(err, errors.ErrCodeFatal), "got %v", err)
	assert.Equal(t, int32(1), requests.Load())
}
