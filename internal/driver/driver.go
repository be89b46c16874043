package driver

import (
	"context"
	"io/fs"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/objectfs/boxfs/internal/cache"
	"github.com/objectfs/boxfs/internal/logging"
	"github.com/objectfs/boxfs/internal/notify"
	"github.com/objectfs/boxfs/internal/remote"
	"github.com/objectfs/boxfs/internal/transfer"
	"github.com/objectfs/boxfs/pkg/errors"
	"github.com/objectfs/boxfs/pkg/types"
	"github.com/objectfs/boxfs/pkg/utils"
)

// Metrics receives per-operation measurements. An implementation that also
// satisfies cache.Metrics, transfer.Metrics or notify.Metrics is handed to
// those components as well.
type Metrics interface {
	RecordOperation(operation string, duration time.Duration, size int64, success bool)
	RecordError(operation string, err error)
}

// Policy holds switches that change operation semantics.
type Policy struct {
	// AllowOverwrite lets Copy and Move replace an existing destination when
	// the caller asks for it.
	AllowOverwrite bool `yaml:"allow_overwrite"`
}

// Options modify Copy and Move.
type Options struct {
	Replace bool
}

// Config configures a Driver.
type Config struct {
	Policy   Policy
	Transfer transfer.Config
	// Source enables Watch. Nil leaves change notifications unsupported.
	Source  notify.Source
	Logger  *zap.Logger
	Metrics Metrics
}

// Driver exposes a remote object store through path-based filesystem
// operations. It is safe for concurrent use.
type Driver struct {
	remote     remote.Client
	cache      *cache.EntryCache
	bridge     *transfer.Bridge
	reconciler *notify.Reconciler
	policy     Policy
	logger     *zap.Logger
	metrics    Metrics
}

// New fetches the remote root and builds the driver around it.
func New(ctx context.Context, client remote.Client, cfg *Config) (*Driver, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	logger := logging.OrNop(cfg.Logger)

	root, err := client.Root(ctx)
	if err != nil {
		return nil, errors.Translate(err)
	}
	if !root.IsFolder() {
		return nil, errors.NotDirectory(utils.Root)
	}

	cacheCfg := &cache.Config{Logger: logger}
	tcfg := cfg.Transfer
	tcfg.Logger = logger
	ncfg := &notify.Config{Logger: logger}
	if m, ok := cfg.Metrics.(cache.Metrics); ok {
		cacheCfg.Metrics = m
	}
	if m, ok := cfg.Metrics.(transfer.Metrics); ok {
		tcfg.Metrics = m
	}
	if m, ok := cfg.Metrics.(notify.Metrics); ok {
		ncfg.Metrics = m
	}

	c := cache.New(root, client, cacheCfg)
	d := &Driver{
		remote:     client,
		cache:      c,
		bridge:     transfer.New(client, c, &tcfg),
		reconciler: notify.NewReconciler(c, cfg.Source, ncfg),
		policy:     cfg.Policy,
		logger:     logger.Named("driver"),
		metrics:    cfg.Metrics,
	}
	d.logger.Info("driver ready", zap.String("root_id", root.ID), zap.Bool("allow_overwrite", cfg.Policy.AllowOverwrite))
	return d, nil
}

// observe records the outcome of op and shapes the returned error: one
// taxonomy error, wrapped in an *fs.PathError naming the operation.
func (d *Driver) observe(op, path string, start time.Time, errp *error) {
	err := *errp
	if d.metrics != nil {
		d.metrics.RecordOperation(op, time.Since(start), 0, err == nil)
	}
	if err == nil {
		return
	}
	err = errors.Translate(err)
	if d.metrics != nil {
		d.metrics.RecordError(op, err)
	}
	d.logger.Debug("operation failed", zap.String("op", op), zap.String("path", path), zap.Error(err))
	*errp = &fs.PathError{Op: op, Path: path, Err: err}
}

func clean(p string) (string, error) {
	cp, err := utils.CleanPath(p)
	if err != nil {
		return "", errors.InvalidPath(p, err.Error())
	}
	return cp, nil
}

// splitTarget cleans p and resolves its parent folder. It fails for the root,
// for parents that are files and for unusable leaf names.
func (d *Driver) splitTarget(ctx context.Context, p string) (dir, name string, parent *types.Entry, err error) {
	dir, name = utils.SplitPath(p)
	if name == "" {
		return "", "", nil, errors.PermissionDenied(p).WithDetail("reason", "operation not permitted on the root")
	}
	if err := utils.ValidateName(name); err != nil {
		return "", "", nil, errors.InvalidPath(p, err.Error())
	}
	parent, err = d.cache.Resolve(ctx, dir)
	if err != nil {
		return "", "", nil, err
	}
	if !parent.IsFolder() {
		return "", "", nil, errors.NotDirectory(dir)
	}
	return dir, name, parent, nil
}

// lookup resolves p and reports a missing entry as nil without error.
func (d *Driver) lookup(ctx context.Context, p string) (*types.Entry, error) {
	entry, err := d.cache.Resolve(ctx, p)
	if errors.IsNotFound(err) {
		return nil, nil
	}
	return entry, err
}

// Stat returns the attributes of the entry at path.
func (d *Driver) Stat(ctx context.Context, path string) (fi *FileInfo, err error) {
	defer d.observe("stat", path, time.Now(), &err)

	p, err := clean(path)
	if err != nil {
		return nil, err
	}
	entry, err := d.cache.Resolve(ctx, p)
	if err != nil {
		return nil, err
	}
	return NewFileInfo(entry), nil
}

// ReadDir lists the folder at path in remote listing order.
func (d *Driver) ReadDir(ctx context.Context, path string) (infos []*FileInfo, err error) {
	defer d.observe("readdir", path, time.Now(), &err)

	p, err := clean(path)
	if err != nil {
		return nil, err
	}
	children, err := d.cache.List(ctx, p)
	if err != nil {
		return nil, err
	}
	infos = make([]*FileInfo, 0, len(children))
	for _, child := range children {
		infos = append(infos, NewFileInfo(child))
	}
	return infos, nil
}

// CheckAccess fails with PERMISSION_DENIED when any requested mode maps to a
// capability the remote reports as absent. Read and execute need download,
// write needs upload. Capabilities the remote does not report allow access.
func (d *Driver) CheckAccess(ctx context.Context, path string, modes types.AccessMode) (err error) {
	defer d.observe("access", path, time.Now(), &err)

	p, err := clean(path)
	if err != nil {
		return err
	}
	entry, err := d.cache.Resolve(ctx, p)
	if err != nil {
		return err
	}
	perms := entry.Permissions
	if perms == nil {
		return nil
	}

	var denied []string
	if modes&types.AccessRead != 0 && isFalse(perms.CanDownload) {
		denied = append(denied, "read")
	}
	if modes&types.AccessWrite != 0 && isFalse(perms.CanUpload) {
		denied = append(denied, "write")
	}
	if modes&types.AccessExecute != 0 && isFalse(perms.CanDownload) {
		denied = append(denied, "execute")
	}
	if len(denied) > 0 {
		return errors.PermissionDenied(p).WithDetail("modes", strings.Join(denied, ","))
	}
	return nil
}

func isFalse(b *bool) bool {
	return b != nil && !*b
}

// Watch registers w for change notifications applied to the cache.
func (d *Driver) Watch(w notify.Watcher) (cancel func(), err error) {
	defer d.observe("watch", utils.Root, time.Now(), &err)
	return d.reconciler.Watch(w)
}

// Stats returns entry cache statistics.
func (d *Driver) Stats() types.CacheStats {
	return d.cache.Stats()
}

// TransferStats returns open stream counts and download buffer usage.
func (d *Driver) TransferStats() transfer.Stats {
	return d.bridge.Stats()
}

// Close stops change notifications. Open streams are not affected.
func (d *Driver) Close() error {
	return d.reconciler.Close()
}
