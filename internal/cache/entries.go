package cache

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/objectfs/boxfs/internal/logging"
	"github.com/objectfs/boxfs/pkg/errors"
	"github.com/objectfs/boxfs/pkg/types"
	"github.com/objectfs/boxfs/pkg/utils"
)

// Lister is the remote capability the cache needs to populate itself.
type Lister interface {
	ListChildren(ctx context.Context, folderID string) ([]*types.Entry, error)
}

// Metrics receives cache hit and miss notifications.
type Metrics interface {
	RecordCacheHit()
	RecordCacheMiss()
}

// Config configures an EntryCache.
type Config struct {
	Logger  *zap.Logger
	Metrics Metrics
}

// record is the single copy of an entry; both indexes point at it by id.
type record struct {
	entry *types.Entry
	path  string
}

// EntryCache maps canonical paths to remote entries and back.
//
// All state sits behind one mutex. Methods with a leading underscore expect
// the lock to be held. Remote listings run without the lock; a listing that
// overlaps a mutation is returned to its callers but not installed.
type EntryCache struct {
	mu      sync.Mutex
	lister  Lister
	rootID  string
	records map[string]*record  // id -> record
	paths   map[string]string   // path -> id
	listed  map[string][]string // folder path -> child ids in listing order
	gen     uint64              // bumped by every mutation
	stats   types.CacheStats

	group   singleflight.Group
	logger  *zap.Logger
	metrics Metrics
}

// New creates a cache rooted at root. The root entry is never evicted.
func New(root *types.Entry, lister Lister, cfg *Config) *EntryCache {
	if cfg == nil {
		cfg = &Config{}
	}
	c := &EntryCache{
		lister:  lister,
		rootID:  root.ID,
		records: make(map[string]*record),
		paths:   make(map[string]string),
		listed:  make(map[string][]string),
		logger:  logging.OrNop(cfg.Logger).Named("cache"),
		metrics: cfg.Metrics,
	}
	c.records[root.ID] = &record{entry: root, path: utils.Root}
	c.paths[utils.Root] = root.ID
	return c
}

// Root returns the root entry.
func (c *EntryCache) Root() *types.Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.records[c.rootID].entry
}

// Lookup returns the cached entry for path without contacting the remote.
func (c *EntryCache) Lookup(path string) (*types.Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c._get(path)
}

// PathOf returns the cached path of the entry with the given id.
func (c *EntryCache) PathOf(id string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.records[id]
	if !ok {
		return "", false
	}
	return rec.path, true
}

// Stats returns a snapshot of cache statistics.
func (c *EntryCache) Stats() types.CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.Entries = len(c.records)
	s.ListedFolders = len(c.listed)
	return s
}

// Resolve walks path segment by segment, listing each folder that has not
// been listed yet. It fails with NOT_FOUND as soon as a segment is missing
// from a fresh listing, and with NOT_DIRECTORY when an intermediate segment
// is a file.
func (c *EntryCache) Resolve(ctx context.Context, path string) (*types.Entry, error) {
	c.mu.Lock()
	if entry, ok := c._get(path); ok {
		c._hit()
		c.mu.Unlock()
		return entry, nil
	}
	c.mu.Unlock()

	cur := utils.Root
	entry := c.Root()
	for _, name := range segments(path) {
		if !entry.IsFolder() {
			return nil, errors.NotDirectory(cur)
		}
		child, err := c.child(ctx, cur, entry, name)
		if err != nil {
			if errors.IsNotFound(err) {
				return nil, errors.NotFound(path)
			}
			return nil, err
		}
		cur = utils.JoinPath(cur, name)
		entry = child
	}
	return entry, nil
}

// child finds name inside the folder dir, listing the folder when the cache
// cannot answer.
func (c *EntryCache) child(ctx context.Context, dir string, folder *types.Entry, name string) (*types.Entry, error) {
	target := utils.JoinPath(dir, name)

	c.mu.Lock()
	if entry, ok := c._get(target); ok {
		c._hit()
		c.mu.Unlock()
		return entry, nil
	}
	if _, ok := c.listed[dir]; ok {
		c._hit()
		c.mu.Unlock()
		return nil, errors.NotFound(target)
	}
	c._miss()
	c.mu.Unlock()

	children, err := c.fetch(ctx, dir, folder)
	if err != nil {
		return nil, err
	}
	for _, entry := range children {
		if entry.Name == name {
			return entry, nil
		}
	}
	return nil, errors.NotFound(target)
}

// List returns the children of the folder at path, reusing a fresh listing
// when one is cached.
func (c *EntryCache) List(ctx context.Context, path string) ([]*types.Entry, error) {
	folder, err := c.Resolve(ctx, path)
	if err != nil {
		return nil, err
	}
	if !folder.IsFolder() {
		return nil, errors.NotDirectory(path)
	}

	c.mu.Lock()
	if ids, ok := c.listed[path]; ok {
		c._hit()
		out := make([]*types.Entry, 0, len(ids))
		for _, id := range ids {
			rec, ok := c.records[id]
			if !ok {
				continue
			}
			if dir, _ := utils.SplitPath(rec.path); dir == path && rec.path != path {
				out = append(out, rec.entry)
			}
		}
		c.mu.Unlock()
		return out, nil
	}
	c._miss()
	c.mu.Unlock()

	return c.fetch(ctx, path, folder)
}

// Refresh discards the listing of the folder at path and lists it again,
// bypassing any listing already cached.
func (c *EntryCache) Refresh(ctx context.Context, path string) ([]*types.Entry, error) {
	c.mu.Lock()
	delete(c.listed, path)
	c.mu.Unlock()
	return c.List(ctx, path)
}

// fetch performs one remote listing of folder, shared between concurrent
// callers, and installs the result when it is still current. The shared
// listing is detached from any single caller's cancellation; each caller
// stops waiting when its own ctx is done.
func (c *EntryCache) fetch(ctx context.Context, path string, folder *types.Entry) ([]*types.Entry, error) {
	lctx := context.WithoutCancel(ctx)
	ch := c.group.DoChan(folder.ID, func() (interface{}, error) {
		c.mu.Lock()
		gen := c.gen
		c.stats.Listings++
		c.mu.Unlock()

		children, err := c.lister.ListChildren(lctx, folder.ID)
		if err != nil {
			if errors.IsNotFound(err) {
				c.logger.Debug("folder vanished during listing", zap.String("path", path), zap.String("id", folder.ID))
				c.Invalidate(path)
				return nil, errors.NotFound(path).WithCause(err)
			}
			return nil, err
		}
		c.install(path, folder.ID, children, gen)
		return children, nil
	})

	var res singleflight.Result
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res = <-ch:
	}
	if res.Err != nil {
		return nil, res.Err
	}
	if res.Shared {
		c.logger.Debug("listing shared", zap.String("path", path))
	}
	return dedupe(res.Val.([]*types.Entry)), nil
}

func (c *EntryCache) install(path, folderID string, children []*types.Entry, gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.gen != gen {
		c.logger.Debug("dropping listing fetched across a mutation", zap.String("path", path))
		return
	}
	if id, ok := c.paths[path]; !ok || id != folderID {
		return
	}

	seen := make(map[string]bool, len(children))
	ids := make([]string, 0, len(children))
	for _, child := range children {
		if seen[child.Name] {
			c.logger.Debug("duplicate name in listing, keeping first",
				zap.String("folder", path), zap.String("name", child.Name), zap.String("id", child.ID))
			continue
		}
		seen[child.Name] = true
		ids = append(ids, child.ID)
	}

	// Children cached under this folder that the listing no longer shows are gone.
	for p := range c.paths {
		if dir, leaf := utils.SplitPath(p); dir == path && p != path && !seen[leaf] {
			c._removeSubtree(p)
		}
	}
	for _, child := range children {
		if !seen[child.Name] {
			continue
		}
		delete(seen, child.Name)
		c._put(utils.JoinPath(path, child.Name), child)
	}
	c.listed[path] = ids
}

// Put installs entry at path after an authoritative remote response. If the
// folder holding path is listed, the entry joins that listing.
func (c *EntryCache) Put(path string, entry *types.Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.gen++
	c._put(path, entry)
	dir, _ := utils.SplitPath(path)
	if ids, ok := c.listed[dir]; ok && path != utils.Root {
		for _, id := range ids {
			if id == entry.ID {
				return
			}
		}
		c.listed[dir] = append(ids, entry.ID)
	}
}

// Invalidate drops the entry at path and everything cached below it. The
// containing folder loses its listed marker, so absence under it is no
// longer trusted until the folder is listed again.
func (c *EntryCache) Invalidate(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.gen++
	c.stats.Invalidations++
	c._removeSubtree(path)
	if path != utils.Root {
		dir, _ := utils.SplitPath(path)
		delete(c.listed, dir)
	}
}


func (c *EntryCache) _get(path string) (*types.Entry, bool) {
	id, ok := c.paths[path]
	if !ok {
		return nil, false
	}
	return c.records[id].entry, true
}

func (c *EntryCache) _put(path string, entry *types.Entry) {
	if oldID, ok := c.paths[path]; ok && oldID != entry.ID {
		c._removeSubtree(path)
	}
	if old, ok := c.records[entry.ID]; ok && old.path != path {
		c._removeSubtree(old.path)
	}
	c.records[entry.ID] = &record{entry: entry, path: path}
	c.paths[path] = entry.ID
}

// _removeSubtree deletes path and its descendants from both indexes. The root
// record survives; only what hangs below it is dropped.
func (c *EntryCache) _removeSubtree(path string) {
	for p, id := range c.paths {
		if p != path && !utils.IsDescendant(path, p) {
			continue
		}
		if p == utils.Root {
			continue
		}
		delete(c.paths, p)
		if rec, ok := c.records[id]; ok && rec.path == p {
			delete(c.records, id)
		}
	}
	for p := range c.listed {
		if p == path || utils.IsDescendant(path, p) {
			delete(c.listed, p)
		}
	}
}

func (c *EntryCache) _hit() {
	c.stats.Hits++
	if c.metrics != nil {
		c.metrics.RecordCacheHit()
	}
}

func (c *EntryCache) _miss() {
	c.stats.Misses++
	if c.metrics != nil {
		c.metrics.RecordCacheMiss()
	}
}

func segments(path string) []string {
	if path == utils.Root {
		return nil
	}
	var out []string
	for dir, leaf := utils.SplitPath(path); leaf != ""; dir, leaf = utils.SplitPath(dir) {
		out = append(out, leaf)
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// dedupe drops later entries whose name repeats an earlier one.
func dedupe(entries []*types.Entry) []*types.Entry {
	seen := make(map[string]bool, len(entries))
	out := make([]*types.Entry, 0, len(entries))
	for _, e := range entries {
		if seen[e.Name] {
			continue
		}
		seen[e.Name] = true
		out = append(out, e)
	}
	return out
}
