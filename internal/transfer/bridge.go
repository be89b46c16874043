package transfer

import (
	"context"
	"io"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/objectfs/boxfs/internal/buffer"
	"github.com/objectfs/boxfs/internal/logging"
	"github.com/objectfs/boxfs/pkg/errors"
	"github.com/objectfs/boxfs/pkg/types"
)

// Remote is the subset of the remote client used for transfers.
type Remote interface {
	Download(ctx context.Context, id string) (io.ReadCloser, error)
	Upload(ctx context.Context, parentID, name string, r io.Reader) (*types.Entry, error)
	UploadVersion(ctx context.Context, id string, r io.Reader) (*types.Entry, error)
}

// Committer receives the entry produced by a successful upload.
type Committer interface {
	Put(path string, entry *types.Entry)
}

// Metrics receives per-transfer measurements.
type Metrics interface {
	RecordTransfer(direction string, bytes int64, duration time.Duration, err error)
}

// HandleGauge is implemented by Metrics that track open streams.
type HandleGauge interface {
	SetOpenHandles(n int)
}

// Directions reported to Metrics.
const (
	DirectionDownload = "download"
	DirectionUpload   = "upload"
)

// State is the lifecycle state of a transfer.
type State int

const (
	StateOpen State = iota
	StateClosed
	StateCommitted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	case StateCommitted:
		return "committed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Config configures a Bridge.
type Config struct {
	ChunkSize  int                `yaml:"chunk_size"`
	QueueDepth int                `yaml:"queue_depth"`
	Spool      buffer.SpoolConfig `yaml:"spool"`
	Logger     *zap.Logger        `yaml:"-"`
	Metrics    Metrics            `yaml:"-"`
}

// Bridge turns whole-object downloads and uploads into stream endpoints.
type Bridge struct {
	remote    Remote
	committer Committer
	pool      *buffer.ChunkPool
	config    Config
	logger    *zap.Logger
	open      atomic.Int64
}

// Stats describes the streams of a Bridge.
type Stats struct {
	OpenStreams int64
	Pool        buffer.PoolStats
}

// New creates a Bridge. Successful uploads are committed to committer.
func New(remote Remote, committer Committer, config *Config) *Bridge {
	cfg := Config{}
	if config != nil {
		cfg = *config
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = 4
	}
	return &Bridge{
		remote:    remote,
		committer: committer,
		pool:      buffer.NewChunkPool(cfg.ChunkSize),
		config:    cfg,
		logger:    logging.OrNop(cfg.Logger).Named("transfer"),
	}
}

// Stats returns the number of open streams and chunk pool usage.
func (b *Bridge) Stats() Stats {
	return Stats{OpenStreams: b.open.Load(), Pool: b.pool.GetStats()}
}

// track adjusts the open stream count by delta.
func (b *Bridge) track(delta int64) {
	n := b.open.Add(delta)
	if g, ok := b.config.Metrics.(HandleGauge); ok {
		g.SetOpenHandles(int(n))
	}
}

func (b *Bridge) record(direction string, n int64, start time.Time, err error) {
	if b.config.Metrics != nil {
		b.config.Metrics.RecordTransfer(direction, n, time.Since(start), err)
	}
}

// OpenForRead starts downloading entry in the background and returns the
// consuming end of the transfer. The download outlives ctx and ends when the
// Reader is closed or the content is exhausted.
func (b *Bridge) OpenForRead(ctx context.Context, entry *types.Entry, flags Flag) (*Reader, error) {
	if err := flags.Validate(); err != nil {
		return nil, err
	}
	if flags.Has(FlagWrite) {
		return nil, errors.Unsupported("open for read with option %s", flags)
	}
	if entry.IsFolder() {
		return nil, errors.IsDirectory(entry.Name)
	}

	dctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	r := &Reader{
		bridge:   b,
		entry:    entry,
		chunks:   make(chan []byte, b.config.QueueDepth),
		cancel:   cancel,
		expected: entry.Size,
		started:  time.Now(),
	}
	b.track(1)
	go r.produce(dctx)
	return r, nil
}

// WriteTarget names the file a Writer produces on close.
type WriteTarget struct {
	ParentPath string
	Parent     *types.Entry
	Name       string
	// Existing is the file being replaced, or nil to create a new one.
	Existing *types.Entry
}

// OpenForWrite returns a Writer that spools locally and uploads on Close.
// An existing file is replaced by the bytes written unless FlagPreserve is
// set, in which case its current content is loaded into the spool first.
// FlagTruncate overrides FlagPreserve.
func (b *Bridge) OpenForWrite(ctx context.Context, target WriteTarget, flags Flag) (*Writer, error) {
	if err := flags.Validate(); err != nil {
		return nil, err
	}
	if !flags.Has(FlagWrite) {
		return nil, errors.Unsupported("open for write without write access")
	}
	if !target.Parent.IsFolder() {
		return nil, errors.NotDirectory(target.ParentPath)
	}
	if target.Existing != nil && target.Existing.IsFolder() {
		return nil, errors.IsDirectory(target.Name)
	}

	w := &Writer{
		bridge: b,
		ctx:    ctx,
		target: target,
		spool:  buffer.NewSpool(&b.config.Spool),
	}
	if target.Existing != nil && flags.Has(FlagPreserve) && !flags.Has(FlagTruncate) && target.Existing.Size > 0 {
		if err := w.preload(ctx); err != nil {
			w.spool.Close()
			return nil, err
		}
	}
	b.track(1)
	return w, nil
}
