package notify

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/objectfs/boxfs/internal/logging"
	"github.com/objectfs/boxfs/pkg/errors"
	"github.com/objectfs/boxfs/pkg/types"
	"github.com/objectfs/boxfs/pkg/utils"
)

// Source delivers remote change events. The error channel carries at most one
// terminal failure; both channels are closed when the subscription ends.
type Source interface {
	Subscribe(ctx context.Context) (<-chan types.Event, <-chan error)
}

// Cache is the part of the entry cache the reconciler mutates.
type Cache interface {
	PathOf(id string) (string, bool)
	Lookup(path string) (*types.Entry, bool)
	Invalidate(path string)
	Refresh(ctx context.Context, path string) ([]*types.Entry, error)
}

// Metrics receives one call per event taken off the source.
type Metrics interface {
	RecordEvent(kind string, applied bool)
}

// State of the reconciler.
type State int

const (
	StateDisabled State = iota
	StateActive
)

func (s State) String() string {
	if s == StateActive {
		return "active"
	}
	return "disabled"
}

// WatchEvent is what watchers see for each applied event.
type WatchEvent struct {
	Path string
	Kind types.EventKind
}

// Watcher receives applied events. OnError is called once if the source
// fails; the watcher is dropped afterwards.
type Watcher struct {
	OnEvent func(WatchEvent)
	OnError func(error)
}

// Config configures a Reconciler.
type Config struct {
	Logger  *zap.Logger
	Metrics Metrics
}

type session struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Reconciler applies change events to the entry cache and fans them out to
// watchers. The source subscription exists only while watchers do.
type Reconciler struct {
	cache   Cache
	source  Source
	logger  *zap.Logger
	metrics Metrics

	mu       sync.Mutex
	watchers map[uint64]Watcher
	nextID   uint64
	session  *session
	closed   bool
}

// NewReconciler creates a disabled reconciler. A nil source makes Watch
// return Unsupported.
func NewReconciler(cache Cache, source Source, cfg *Config) *Reconciler {
	if cfg == nil {
		cfg = &Config{}
	}
	return &Reconciler{
		cache:    cache,
		source:   source,
		logger:   logging.OrNop(cfg.Logger).Named("notify"),
		metrics:  cfg.Metrics,
		watchers: make(map[uint64]Watcher),
	}
}

// State reports whether a source subscription is running.
func (r *Reconciler) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.session != nil {
		return StateActive
	}
	return StateDisabled
}

// Watch registers w. The first registration starts the source subscription.
// The returned function unregisters w; removing the last watcher stops the
// subscription.
func (r *Reconciler) Watch(w Watcher) (func(), error) {
	if r.source == nil {
		return nil, errors.Unsupported("change notifications are not enabled")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, errors.NewError(errors.ErrCodeClosed, "reconciler is closed")
	}

	id := r.nextID
	r.nextID++
	r.watchers[id] = w
	if r.session == nil {
		r._start()
	}

	var once sync.Once
	return func() {
		once.Do(func() { r.unwatch(id) })
	}, nil
}

func (r *Reconciler) unwatch(id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.watchers[id]; !ok {
		return
	}
	delete(r.watchers, id)
	if len(r.watchers) == 0 {
		r._stop()
	}
}

// _start must be called with r.mu held.
func (r *Reconciler) _start() {
	ctx, cancel := context.WithCancel(context.Background())
	s := &session{cancel: cancel, done: make(chan struct{})}
	r.session = s

	events, errs := r.source.Subscribe(ctx)
	go r.run(ctx, s, events, errs)
	r.logger.Info("change notifications active")
}

// _stop must be called with r.mu held. It does not wait for the session.
func (r *Reconciler) _stop() {
	if r.session == nil {
		return
	}
	r.session.cancel()
	r.session = nil
	r.logger.Info("change notifications disabled")
}

func (r *Reconciler) run(ctx context.Context, s *session, events <-chan types.Event, errs <-chan error) {
	defer close(s.done)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				events = nil
				if errs == nil {
					r.fail(s, errors.Transient("change notification source ended", nil))
					return
				}
				continue
			}
			r.Apply(ctx, ev)
		case err, ok := <-errs:
			if !ok {
				errs = nil
				if events == nil {
					r.fail(s, errors.Transient("change notification source ended", nil))
					return
				}
				continue
			}
			r.fail(s, err)
			return
		case <-ctx.Done():
			return
		}
	}
}

// fail disables the reconciler after a source failure and tells every
// watcher. A failure of a session that was already stopped is ignored.
func (r *Reconciler) fail(s *session, err error) {
	r.mu.Lock()
	if r.session != s {
		r.mu.Unlock()
		return
	}
	s.cancel()
	r.session = nil
	watchers := make([]Watcher, 0, len(r.watchers))
	for _, w := range r.watchers {
		watchers = append(watchers, w)
	}
	r.watchers = make(map[uint64]Watcher)
	r.mu.Unlock()

	r.logger.Warn("change notification source failed", zap.Error(err))
	for _, w := range watchers {
		if w.OnError != nil {
			w.OnError(err)
		}
	}
}

// Apply reconciles one event into the cache. It reports whether the event
// touched the cache; events about objects the cache never saw are dropped.
func (r *Reconciler) Apply(ctx context.Context, ev types.Event) bool {
	path, ok := r.cache.PathOf(ev.ID)
	if !ok {
		r.logger.Debug("dropping event for uncached object", zap.String("id", ev.ID), zap.Stringer("kind", ev.Kind))
		r.record(ev.Kind, false)
		return false
	}

	switch ev.Kind {
	case types.EventDeleted:
		r.cache.Invalidate(path)
	default:
		dir, _ := utils.SplitPath(path)
		if _, ok := r.cache.Lookup(dir); !ok {
			r.logger.Debug("dropping event, parent no longer cached", zap.String("path", path))
			r.record(ev.Kind, false)
			return false
		}
		r.cache.Invalidate(path)
		if _, err := r.cache.Refresh(ctx, dir); err != nil {
			r.logger.Warn("relisting after change failed", zap.String("path", dir), zap.Error(err))
		}
	}

	r.logger.Debug("applied event", zap.String("path", path), zap.Stringer("kind", ev.Kind))
	r.record(ev.Kind, true)
	r.broadcast(WatchEvent{Path: path, Kind: ev.Kind})
	return true
}

func (r *Reconciler) broadcast(ev WatchEvent) {
	r.mu.Lock()
	watchers := make([]Watcher, 0, len(r.watchers))
	for _, w := range r.watchers {
		watchers = append(watchers, w)
	}
	r.mu.Unlock()

	for _, w := range watchers {
		if w.OnEvent != nil {
			w.OnEvent(ev)
		}
	}
}

func (r *Reconciler) record(kind types.EventKind, applied bool) {
	if r.metrics != nil {
		r.metrics.RecordEvent(kind.String(), applied)
	}
}

// Close stops the subscription, drops all watchers and waits for the
// event loop to exit.
func (r *Reconciler) Close() error {
	r.mu.Lock()
	r.closed = true
	s := r.session
	r._stop()
	r.watchers = make(map[uint64]Watcher)
	r.mu.Unlock()

	if s != nil {
		<-s.done
	}
	return nil
}
