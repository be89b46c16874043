// Package memory implements remote.Client entirely in process. It backs the
// test suites and the "memory" remote kind, and offers fault injection hooks
// for exercising failure paths.
package memory

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/objectfs/boxfs/internal/remote"
	"github.com/objectfs/boxfs/pkg/errors"
	"github.com/objectfs/boxfs/pkg/types"
)

// Operation names accepted by FailNext and Calls.
const (
	OpRoot          = "root"
	OpList          = "list"
	OpCreateFolder  = "create_folder"
	OpDeleteFolder  = "delete_folder"
	OpDeleteFile    = "delete_file"
	OpCopyFolder    = "copy_folder"
	OpCopyFile      = "copy_file"
	OpMoveFile      = "move_file"
	OpMoveFolder    = "move_folder"
	OpDownload      = "download"
	OpUpload        = "upload"
	OpUploadVersion = "upload_version"
	OpChanges       = "changes"
)

type node struct {
	entry    types.Entry
	data     []byte
	children []string
}

// Client is an in-memory remote.Client and remote.ChangeFeed.
type Client struct {
	mu       sync.Mutex
	nodes    map[string]*node
	journal  []types.Event
	calls    map[string]int
	failures map[string][]error
	partial  map[string]partialFailure

	sequential bool
	nextID     int
	now        func() time.Time
}

type partialFailure struct {
	after int
	err   error
}

// Option configures a Client.
type Option func(*Client)

// WithSequentialIDs makes the client assign ids "1", "2", ... instead of UUIDs.
func WithSequentialIDs() Option {
	return func(c *Client) { c.sequential = true }
}

// WithClock overrides the time source used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

var (
	_ remote.Client     = (*Client)(nil)
	_ remote.ChangeFeed = (*Client)(nil)
)

// NewClient creates an empty store containing only the root folder.
func NewClient(opts ...Option) *Client {
	c := &Client{
		nodes:    make(map[string]*node),
		calls:    make(map[string]int),
		failures: make(map[string][]error),
		partial:  make(map[string]partialFailure),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}

	ts := c.now()
	c.nodes[remote.RootID] = &node{entry: types.Entry{
		ID:         remote.RootID,
		Name:       "",
		Type:       types.TypeFolder,
		CreatedAt:  ts,
		ModifiedAt: ts,
	}}
	return c
}

// FailNext makes the next call of op fail with err. Calls queue in order.
func (c *Client) FailNext(op string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures[op] = append(c.failures[op], err)
}

// FailDownloadAfter makes downloads of id deliver n bytes and then fail with err.
func (c *Client) FailDownloadAfter(id string, n int, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.partial[id] = partialFailure{after: n, err: err}
}

// Calls returns how many times op has been invoked.
func (c *Client) Calls(op string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[op]
}

// SetPermissions replaces the capability flags reported for id.
func (c *Client) SetPermissions(id string, perms *types.Permissions) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, ok := c.nodes[id]
	if !ok {
		return errors.NotFound(id)
	}
	n.entry.Permissions = perms
	return nil
}

func (c *Client) Root(ctx context.Context) (*types.Entry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.begin(ctx, OpRoot); err != nil {
		return nil, err
	}
	return c.snapshot(c.nodes[remote.RootID]), nil
}

func (c *Client) ListChildren(ctx context.Context, folderID string) ([]*types.Entry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.begin(ctx, OpList); err != nil {
		return nil, err
	}

	folder, err := c.folder(folderID)
	if err != nil {
		return nil, err
	}
	out := make([]*types.Entry, 0, len(folder.children))
	for _, id := range folder.children {
		out = append(out, c.snapshot(c.nodes[id]))
	}
	return out, nil
}

func (c *Client) CreateFolder(ctx context.Context, parentID, name string) (*types.Entry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.begin(ctx, OpCreateFolder); err != nil {
		return nil, err
	}

	parent, err := c.folder(parentID)
	if err != nil {
		return nil, err
	}
	if c.childNamed(parent, name) != nil {
		return nil, conflict(name)
	}
	n := c.link(parent, types.Entry{Name: name, Type: types.TypeFolder}, nil)
	return c.snapshot(n), nil
}

func (c *Client) DeleteFolder(ctx context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.begin(ctx, OpDeleteFolder); err != nil {
		return err
	}

	if id == remote.RootID {
		return errors.PermissionDenied("/").WithDetail("reason", "the root folder cannot be deleted")
	}
	n, err := c.folder(id)
	if err != nil {
		return err
	}
	if len(n.children) > 0 {
		return errors.NotEmpty(n.entry.Name)
	}
	c.detach(n)
	c.forget(n)
	c.record(id, types.EventDeleted)
	return nil
}

func (c *Client) DeleteFile(ctx context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.begin(ctx, OpDeleteFile); err != nil {
		return err
	}

	n, err := c.file(id)
	if err != nil {
		return err
	}
	c.detach(n)
	c.forget(n)
	c.record(id, types.EventDeleted)
	return nil
}

func (c *Client) CopyFolder(ctx context.Context, id, newParentID, name string) (*types.Entry, error) {
	return c.copy(ctx, OpCopyFolder, types.TypeFolder, id, newParentID, name)
}

func (c *Client) CopyFile(ctx context.Context, id, newParentID, name string) (*types.Entry, error) {
	return c.copy(ctx, OpCopyFile, types.TypeFile, id, newParentID, name)
}

func (c *Client) copy(ctx context.Context, op string, kind types.EntryType, id, newParentID, name string) (*types.Entry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.begin(ctx, op); err != nil {
		return nil, err
	}

	src, err := c.typed(id, kind)
	if err != nil {
		return nil, err
	}
	parent, err := c.folder(newParentID)
	if err != nil {
		return nil, err
	}
	if name == "" {
		name = src.entry.Name
	}
	if c.childNamed(parent, name) != nil {
		return nil, conflict(name)
	}
	if kind == types.TypeFolder && c.isWithin(newParentID, id) {
		return nil, errors.PermissionDenied(name).WithDetail("reason", "cannot copy a folder into itself")
	}

	dup := c.duplicate(src, parent, name)
	return c.snapshot(dup), nil
}

// duplicate deep-copies src under parent. Must be called with c.mu held.
func (c *Client) duplicate(src *node, parent *node, name string) *node {
	template := src.entry
	template.Name = name
	dup := c.link(parent, template, bytes.Clone(src.data))
	for _, childID := range append([]string(nil), src.children...) {
		child := c.nodes[childID]
		c.duplicate(child, dup, child.entry.Name)
	}
	return dup
}

func (c *Client) MoveOrRenameFile(ctx context.Context, id, newParentID, newName string) (*types.Entry, error) {
	return c.move(ctx, OpMoveFile, types.TypeFile, id, newParentID, newName)
}

func (c *Client) MoveOrRenameFolder(ctx context.Context, id, newParentID, newName string) (*types.Entry, error) {
	return c.move(ctx, OpMoveFolder, types.TypeFolder, id, newParentID, newName)
}

func (c *Client) move(ctx context.Context, op string, kind types.EntryType, id, newParentID, newName string) (*types.Entry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.begin(ctx, op); err != nil {
		return nil, err
	}

	if id == remote.RootID {
		return nil, errors.PermissionDenied("/").WithDetail("reason", "the root folder cannot be moved")
	}
	n, err := c.typed(id, kind)
	if err != nil {
		return nil, err
	}

	target := c.nodes[n.entry.ParentID]
	if newParentID != "" {
		if target, err = c.folder(newParentID); err != nil {
			return nil, err
		}
		if kind == types.TypeFolder && c.isWithin(newParentID, id) {
			return nil, errors.PermissionDenied(n.entry.Name).WithDetail("reason", "cannot move a folder into itself")
		}
	}
	name := n.entry.Name
	if newName != "" {
		name = newName
	}
	if existing := c.childNamed(target, name); existing != nil && existing != n {
		return nil, conflict(name)
	}

	c.detach(n)
	n.entry.Name = name
	n.entry.ParentID = target.entry.ID
	n.entry.ModifiedAt = c.now()
	target.children = append(target.children, id)
	c.record(id, types.EventChanged)
	return c.snapshot(n), nil
}

func (c *Client) Download(ctx context.Context, id string) (io.ReadCloser, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.begin(ctx, OpDownload); err != nil {
		return nil, err
	}

	n, err := c.file(id)
	if err != nil {
		return nil, err
	}
	data := bytes.Clone(n.data)
	if pf, ok := c.partial[id]; ok {
		delete(c.partial, id)
		if pf.after < len(data) {
			data = data[:pf.after]
		}
		return &failingReader{ctx: ctx, r: bytes.NewReader(data), err: pf.err}, nil
	}
	return &failingReader{ctx: ctx, r: bytes.NewReader(data)}, nil
}

func (c *Client) Upload(ctx context.Context, parentID, name string, r io.Reader) (*types.Entry, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.Transient("failed to read upload source", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.begin(ctx, OpUpload); err != nil {
		return nil, err
	}

	parent, err := c.folder(parentID)
	if err != nil {
		return nil, err
	}
	if c.childNamed(parent, name) != nil {
		return nil, conflict(name)
	}
	n := c.link(parent, types.Entry{Name: name, Type: types.TypeFile}, data)
	return c.snapshot(n), nil
}

func (c *Client) UploadVersion(ctx context.Context, id string, r io.Reader) (*types.Entry, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.Transient("failed to read upload source", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.begin(ctx, OpUploadVersion); err != nil {
		return nil, err
	}

	n, err := c.file(id)
	if err != nil {
		return nil, err
	}
	n.data = data
	n.entry.Size = int64(len(data))
	n.entry.ModifiedAt = c.now()
	c.record(id, types.EventChanged)
	return c.snapshot(n), nil
}

// Changes returns the events recorded after cursor. The cursor is the journal
// offset; an empty cursor returns no events and the current head.
func (c *Client) Changes(ctx context.Context, cursor string) ([]types.Event, string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.begin(ctx, OpChanges); err != nil {
		return nil, "", err
	}

	head := len(c.journal)
	if cursor == "" {
		return nil, strconv.Itoa(head), nil
	}
	offset, err := strconv.Atoi(cursor)
	if err != nil || offset < 0 || offset > head {
		return nil, "", errors.Fatal(fmt.Sprintf("invalid change cursor %q", cursor), err)
	}
	events := append([]types.Event(nil), c.journal[offset:]...)
	return events, strconv.Itoa(head), nil
}

// begin counts the call and pops an injected failure. Must be called with c.mu held.
func (c *Client) begin(ctx context.Context, op string) error {
	c.calls[op]++
	if err := ctx.Err(); err != nil {
		return errors.Transient("request cancelled", err)
	}
	if queued := c.failures[op]; len(queued) > 0 {
		c.failures[op] = queued[1:]
		return queued[0]
	}
	return nil
}

func (c *Client) newID() string {
	if c.sequential {
		c.nextID++
		return strconv.Itoa(c.nextID)
	}
	return uuid.NewString()
}

func (c *Client) link(parent *node, template types.Entry, data []byte) *node {
	ts := c.now()
	entry := template
	entry.ID = c.newID()
	entry.ParentID = parent.entry.ID
	entry.CreatedAt = ts
	entry.ModifiedAt = ts
	entry.Size = int64(len(data))
	n := &node{entry: entry, data: data}
	c.nodes[entry.ID] = n
	parent.children = append(parent.children, entry.ID)
	c.record(entry.ID, types.EventChanged)
	return n
}

// detach removes n from its parent's child list.
func (c *Client) detach(n *node) {
	parent := c.nodes[n.entry.ParentID]
	if parent == nil {
		return
	}
	for i, id := range parent.children {
		if id == n.entry.ID {
			parent.children = append(parent.children[:i:i], parent.children[i+1:]...)
			return
		}
	}
}

func (c *Client) forget(n *node) {
	delete(c.nodes, n.entry.ID)
	for _, child := range n.children {
		if cn := c.nodes[child]; cn != nil {
			c.forget(cn)
		}
	}
}

func (c *Client) record(id string, kind types.EventKind) {
	c.journal = append(c.journal, types.Event{ID: id, Kind: kind})
}

func (c *Client) childNamed(parent *node, name string) *node {
	for _, id := range parent.children {
		if n := c.nodes[id]; n != nil && n.entry.Name == name {
			return n
		}
	}
	return nil
}

// isWithin reports whether id equals ancestorID or lies below it.
func (c *Client) isWithin(id, ancestorID string) bool {
	for cur := id; cur != ""; {
		if cur == ancestorID {
			return true
		}
		n := c.nodes[cur]
		if n == nil || cur == remote.RootID {
			return false
		}
		cur = n.entry.ParentID
	}
	return false
}

func (c *Client) folder(id string) (*node, error) {
	return c.typed(id, types.TypeFolder)
}

func (c *Client) file(id string) (*node, error) {
	return c.typed(id, types.TypeFile)
}

func (c *Client) typed(id string, kind types.EntryType) (*node, error) {
	n, ok := c.nodes[id]
	if !ok || n.entry.Type != kind {
		return nil, errors.NewError(errors.ErrCodeNotFound, fmt.Sprintf("%s %s not found", kind, id))
	}
	return n, nil
}

func (c *Client) snapshot(n *node) *types.Entry {
	return n.entry.Clone()
}

func conflict(name string) error {
	return errors.NewError(errors.ErrCodeAlreadyExists, "item with the same name already exists").WithPath(name)
}

// failingReader serves r and then returns err instead of EOF when err is set.
type failingReader struct {
	ctx    context.Context
	r      *bytes.Reader
	err    error
	closed bool
}

func (f *failingReader) Read(p []byte) (int, error) {
	if f.closed {
		return 0, io.ErrClosedPipe
	}
	if err := f.ctx.Err(); err != nil {
		return 0, err
	}
	n, err := f.r.Read(p)
	if err == io.EOF && f.err != nil {
		return n, f.err
	}
	return n, err
}

func (f *failingReader) Close() error {
	f.closed = true
	return nil
}
