package adapter

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/objectfs/boxfs/internal/buffer"
	"github.com/objectfs/boxfs/internal/circuit"
	"github.com/objectfs/boxfs/internal/config"
	"github.com/objectfs/boxfs/internal/driver"
	"github.com/objectfs/boxfs/internal/fuse"
	"github.com/objectfs/boxfs/internal/logging"
	"github.com/objectfs/boxfs/internal/metrics"
	"github.com/objectfs/boxfs/internal/notify"
	"github.com/objectfs/boxfs/internal/remote"
	"github.com/objectfs/boxfs/internal/remote/memory"
	"github.com/objectfs/boxfs/internal/storage/s3"
	"github.com/objectfs/boxfs/internal/transfer"
	"github.com/objectfs/boxfs/pkg/errors"
)

const defaultShutdownTimeout = 30 * time.Second

// Option customizes an Adapter.
type Option func(*Adapter)

// WithLogger uses logger instead of building one from the global settings.
func WithLogger(logger *zap.Logger) Option {
	return func(a *Adapter) { a.logger = logger }
}

// WithRemote uses client instead of the remote named by the configuration.
func WithRemote(client remote.Client) Option {
	return func(a *Adapter) { a.remote = client }
}

// Adapter wires the configured remote, driver and mount together and owns
// their lifecycle.
type Adapter struct {
	config  *config.Configuration
	logger  *zap.Logger
	metrics *metrics.Collector
	remote  remote.Client
	driver  *driver.Driver
	mounter fuse.Mounter

	shutdownTimeout time.Duration

	mu      sync.Mutex
	started bool
	stopped bool
}

// New validates cfg and builds every component. Nothing is mounted until
// Start.
func New(ctx context.Context, cfg *config.Configuration, opts ...Option) (*Adapter, error) {
	if cfg == nil {
		return nil, errors.NewError(errors.ErrCodeInvalidConfig, "configuration is required").WithComponent("adapter")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if cfg.Mount.MountPoint == "" {
		return nil, errors.NewError(errors.ErrCodeInvalidConfig, "mount point is required").WithComponent("adapter")
	}

	a := &Adapter{config: cfg, shutdownTimeout: defaultShutdownTimeout}
	for _, opt := range opts {
		opt(a)
	}

	if a.logger == nil {
		logger, err := logging.Init(logging.Config{
			Level:      strings.ToLower(cfg.Global.LogLevel),
			Format:     cfg.Global.LogFormat,
			OutputPath: cfg.Global.LogFile,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to initialize logging: %w", err)
		}
		a.logger = logger
	}
	a.logger = a.logger.Named("adapter")

	collector, err := metrics.NewCollector(&metrics.Config{
		Enabled:   cfg.Monitoring.Metrics.Enabled,
		Port:      cfg.Global.MetricsPort,
		Path:      "/metrics",
		Labels:    cfg.Monitoring.Metrics.CustomLabels,
		Namespace: cfg.Monitoring.Metrics.Namespace,
		Logger:    a.logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics collector: %w", err)
	}
	a.metrics = collector

	if a.remote == nil {
		client, err := newRemote(ctx, cfg, a.logger)
		if err != nil {
			return nil, err
		}
		a.remote = client
	}

	source, err := newSource(cfg, a.remote, a.logger)
	if err != nil {
		return nil, err
	}

	tcfg, err := transferConfig(cfg.Transfer)
	if err != nil {
		return nil, err
	}
	drv, err := driver.New(ctx, a.remote, &driver.Config{
		Policy:   driver.Policy{AllowOverwrite: cfg.Policy.AllowOverwrite},
		Transfer: tcfg,
		Source:   source,
		Logger:   a.logger,
		Metrics:  collector,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create driver: %w", err)
	}
	a.driver = drv
	a.mounter = fuse.NewMounter(drv, mountConfig(cfg, a.logger))

	a.logger.Info("adapter ready",
		zap.String("remote", cfg.Remote.Kind),
		zap.String("watch", cfg.Watch.Mode),
		zap.String("mount_point", cfg.Mount.MountPoint))
	return a, nil
}

func newRemote(ctx context.Context, cfg *config.Configuration, logger *zap.Logger) (remote.Client, error) {
	switch cfg.Remote.Kind {
	case config.RemoteMemory:
		return memory.NewClient(), nil
	case config.RemoteS3:
		store, err := s3.New(ctx, s3Config(cfg, logger))
		if err != nil {
			return nil, fmt.Errorf("failed to connect to S3: %w", err)
		}
		return store, nil
	default:
		return nil, errors.Unsupported("remote kind %q", cfg.Remote.Kind)
	}
}

func s3Config(cfg *config.Configuration, logger *zap.Logger) *s3.Config {
	rc := cfg.Remote.S3
	out := s3.NewDefaultConfig()
	out.Bucket = rc.Bucket
	out.Region = rc.Region
	out.Endpoint = rc.Endpoint
	out.Prefix = rc.Prefix
	out.Profile = rc.Profile
	out.AccessKeyID = rc.AccessKeyID
	out.SecretAccessKey = rc.SecretAccessKey
	out.ForcePathStyle = rc.UsePathStyle
	out.Accelerated = rc.Accelerated
	if cfg.Network.Timeouts.Read > 0 {
		out.RequestTimeout = cfg.Network.Timeouts.Read
	}

	out.Retry.MaxAttempts = cfg.Network.Retry.MaxAttempts
	if cfg.Network.Retry.BaseDelay > 0 {
		out.Retry.InitialDelay = cfg.Network.Retry.BaseDelay
	}
	if cfg.Network.Retry.MaxDelay > 0 {
		out.Retry.MaxDelay = cfg.Network.Retry.MaxDelay
	}

	cb := cfg.Network.CircuitBreaker
	if cb.Enabled {
		threshold := uint32(cb.FailureThreshold)
		out.Circuit.ReadyToTrip = func(counts circuit.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		}
		if cb.Timeout > 0 {
			out.Circuit.Timeout = cb.Timeout
		}
	} else {
		out.Circuit.ReadyToTrip = func(circuit.Counts) bool { return false }
	}
	out.Logger = logger
	return out
}

// newSource returns nil when watching is off.
func newSource(cfg *config.Configuration, client remote.Client, logger *zap.Logger) (notify.Source, error) {
	switch cfg.Watch.Mode {
	case config.WatchPoll:
		feed, ok := client.(remote.ChangeFeed)
		if !ok {
			return nil, errors.Unsupported("remote %q does not report changes; use watch mode sse or none", cfg.Remote.Kind)
		}
		return notify.NewPoller(feed, &notify.PollerConfig{
			Interval: cfg.Watch.PollInterval,
			Logger:   logger,
		}), nil
	case config.WatchSSE:
		return notify.NewSSESource(notify.SSEConfig{
			URL:            cfg.Watch.SSEURL,
			MaxRetries:     cfg.Watch.SSEMaxRetries,
			InitialBackoff: cfg.Watch.SSEInitialBackoff,
			Logger:         logger,
		}), nil
	default:
		return nil, nil
	}
}

func transferConfig(tc config.TransferConfig) (transfer.Config, error) {
	chunk, err := config.ParseSize(tc.ChunkSize)
	if err != nil {
		return transfer.Config{}, fmt.Errorf("transfer.chunk_size: %w", err)
	}
	limit, err := config.ParseSize(tc.SpoolMemoryLimit)
	if err != nil {
		return transfer.Config{}, fmt.Errorf("transfer.spool_memory_limit: %w", err)
	}
	return transfer.Config{
		ChunkSize:  int(chunk),
		QueueDepth: tc.QueueDepth,
		Spool: buffer.SpoolConfig{
			MemoryLimit: limit,
			Dir:         tc.SpoolDir,
		},
	}, nil
}

func mountConfig(cfg *config.Configuration, logger *zap.Logger) *fuse.Config {
	mc := fuse.DefaultConfig()
	mc.MountPoint = cfg.Mount.MountPoint
	mc.AllowOther = cfg.Mount.AllowOther
	mc.Debug = cfg.Mount.Debug
	mc.Watch = cfg.Watch.Mode != config.WatchNone
	mc.Logger = logger
	if cfg.Mount.FSName != "" {
		mc.FSName = cfg.Mount.FSName
	}
	if cfg.Mount.AttrTimeout > 0 {
		mc.AttrTimeout = cfg.Mount.AttrTimeout
	}
	if cfg.Mount.EntryTimeout > 0 {
		mc.EntryTimeout = cfg.Mount.EntryTimeout
	}
	if cfg.Mount.UID != 0 {
		mc.UID = cfg.Mount.UID
	}
	if cfg.Mount.GID != 0 {
		mc.GID = cfg.Mount.GID
	}
	return mc
}

// Driver returns the driver behind the mount.
func (a *Adapter) Driver() *driver.Driver {
	return a.driver
}

// Start serves metrics and mounts the filesystem.
func (a *Adapter) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stopped {
		return errors.NewError(errors.ErrCodeClosed, "adapter stopped").WithComponent("adapter")
	}
	if a.started {
		return nil
	}

	if err := a.metrics.Start(ctx); err != nil {
		return fmt.Errorf("failed to start metrics: %w", err)
	}
	if err := a.mounter.Mount(ctx); err != nil {
		_ = a.metrics.Stop(ctx)
		return fmt.Errorf("failed to mount: %w", err)
	}
	a.started = true
	a.logger.Info("adapter started")
	return nil
}

// Run starts the adapter and blocks until ctx is cancelled or the filesystem
// is unmounted from outside, then shuts everything down.
func (a *Adapter) Run(ctx context.Context) error {
	if err := a.Start(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	unmounted := make(chan struct{})
	g.Go(func() error {
		a.mounter.Wait()
		close(unmounted)
		return nil
	})
	g.Go(func() error {
		select {
		case <-gctx.Done():
			a.logger.Info("shutdown requested")
		case <-unmounted:
			a.logger.Info("filesystem unmounted externally")
		}
		stopCtx, cancel := context.WithTimeout(context.Background(), a.shutdownTimeout)
		defer cancel()
		return a.Stop(stopCtx)
	})
	return g.Wait()
}

// Stop unmounts, closes the driver and stops the metrics server. Errors from
// each step are logged and the first one is returned.
func (a *Adapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stopped {
		return nil
	}
	a.stopped = true

	var first error
	keep := func(step string, err error) {
		if err == nil {
			return
		}
		a.logger.Error("shutdown step failed", zap.String("step", step), zap.Error(err))
		if first == nil {
			first = err
		}
	}

	if a.mounter.IsMounted() {
		keep("unmount", a.mounter.Unmount())
	}
	keep("driver", a.driver.Close())
	keep("metrics", a.metrics.Stop(ctx))
	if a.started {
		stats := a.mounter.GetStats()
		ts := a.driver.TransferStats()
		a.logger.Info("adapter stopped",
			zap.Int64("opens", stats.Opens),
			zap.Int64("bytes_read", stats.BytesRead),
			zap.Int64("bytes_written", stats.BytesWritten),
			zap.Int64("errors", stats.Errors),
			zap.Int64("open_streams", ts.OpenStreams),
			zap.Uint64("chunk_allocations", ts.Pool.Allocations))
	}
	if store, ok := a.remote.(*s3.Store); ok {
		m := store.GetMetrics()
		a.logger.Info("s3 remote statistics",
			zap.Int64("requests", m.Requests),
			zap.Float64("error_rate", m.ErrorRate()),
			zap.Int64("accelerated_uploads", m.AcceleratedUploads),
			zap.Int64("fallbacks", m.FallbackEvents),
			zap.String("circuit", m.CircuitState))
	}
	_ = a.logger.Sync()
	return first
}

// ApplyRemoteURI points cfg at the remote named by uri: memory:// or
// s3://bucket[/prefix].
func ApplyRemoteURI(cfg *config.Configuration, uri string) error {
	parsed, err := url.Parse(uri)
	if err != nil {
		return fmt.Errorf("failed to parse URI: %w", err)
	}

	switch parsed.Scheme {
	case config.RemoteMemory:
		cfg.Remote.Kind = config.RemoteMemory
	case config.RemoteS3:
		if parsed.Host == "" {
			return fmt.Errorf("S3 URI must include bucket name")
		}
		cfg.Remote.Kind = config.RemoteS3
		cfg.Remote.S3.Bucket = parsed.Host
		if prefix := strings.Trim(parsed.Path, "/"); prefix != "" {
			cfg.Remote.S3.Prefix = prefix + "/"
		}
	default:
		return fmt.Errorf("unsupported remote scheme: %q (memory:// and s3:// are supported)", parsed.Scheme)
	}
	return nil
}
