package driver

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/objectfs/boxfs/pkg/errors"
	"github.com/objectfs/boxfs/pkg/types"
	"github.com/objectfs/boxfs/pkg/utils"
)

// CreateDirectory creates an empty folder at path.
func (d *Driver) CreateDirectory(ctx context.Context, path string) (err error) {
	defer d.observe("mkdir", path, time.Now(), &err)

	p, err := clean(path)
	if err != nil {
		return err
	}
	if utils.IsRoot(p) {
		return errors.AlreadyExists(p)
	}
	existing, err := d.lookup(ctx, p)
	if err != nil {
		return err
	}
	if existing != nil {
		return errors.AlreadyExists(p)
	}
	_, name, parent, err := d.splitTarget(ctx, p)
	if err != nil {
		return err
	}

	entry, err := d.remote.CreateFolder(ctx, parent.ID, name)
	if err != nil {
		return err
	}
	d.cache.Put(p, entry)
	return nil
}

// Delete removes the file or empty folder at path.
func (d *Driver) Delete(ctx context.Context, path string) (err error) {
	defer d.observe("delete", path, time.Now(), &err)

	p, err := clean(path)
	if err != nil {
		return err
	}
	if utils.IsRoot(p) {
		return errors.PermissionDenied(p).WithDetail("reason", "the root cannot be deleted")
	}
	entry, err := d.cache.Resolve(ctx, p)
	if err != nil {
		return err
	}
	if err := d.remove(ctx, p, entry); err != nil {
		return err
	}
	d.cache.Invalidate(p)
	return nil
}

// remove issues the delete call for entry after checking that a folder is
// empty. It does not touch the cache.
func (d *Driver) remove(ctx context.Context, p string, entry *types.Entry) error {
	if !entry.IsFolder() {
		return d.remote.DeleteFile(ctx, entry.ID)
	}
	children, err := d.cache.List(ctx, p)
	if err != nil {
		return err
	}
	if len(children) > 0 {
		return errors.NotEmpty(p)
	}
	return d.remote.DeleteFolder(ctx, entry.ID)
}

// relocation carries the resolved state shared by Copy and Move.
type relocation struct {
	src, dst       string
	srcDir         string
	dstDir, name   string
	source, parent *types.Entry
}

func (d *Driver) prepare(ctx context.Context, src, dst string) (*relocation, error) {
	sp, err := clean(src)
	if err != nil {
		return nil, err
	}
	dp, err := clean(dst)
	if err != nil {
		return nil, err
	}
	if utils.IsRoot(sp) {
		return nil, errors.PermissionDenied(sp).WithDetail("reason", "the root cannot be copied or moved")
	}
	if utils.IsDescendant(sp, dp) {
		return nil, errors.PermissionDenied(dp).WithDetail("reason", "destination is inside the source")
	}

	source, err := d.cache.Resolve(ctx, sp)
	if err != nil {
		return nil, err
	}
	dstDir, name, parent, err := d.splitTarget(ctx, dp)
	if err != nil {
		return nil, err
	}
	srcDir, _ := utils.SplitPath(sp)
	return &relocation{
		src:    sp,
		dst:    dp,
		srcDir: srcDir,
		dstDir: dstDir,
		name:   name,
		source: source,
		parent: parent,
	}, nil
}

// clearDestination enforces the overwrite policy. When the destination is
// occupied and replacing is allowed, the occupant is deleted.
func (d *Driver) clearDestination(ctx context.Context, r *relocation, opts Options) error {
	existing, err := d.lookup(ctx, r.dst)
	if err != nil || existing == nil {
		return err
	}
	if !opts.Replace || !d.policy.AllowOverwrite {
		return errors.AlreadyExists(r.dst)
	}
	switch {
	case existing.IsFolder() && !r.source.IsFolder():
		return errors.IsDirectory(r.dst)
	case !existing.IsFolder() && r.source.IsFolder():
		return errors.NotDirectory(r.dst)
	}

	d.logger.Debug("replacing destination", zap.String("path", r.dst), zap.String("id", existing.ID))
	if err := d.remove(ctx, r.dst, existing); err != nil {
		return err
	}
	d.cache.Invalidate(r.dst)
	return nil
}

// Copy duplicates the file or folder tree at src to dst.
func (d *Driver) Copy(ctx context.Context, src, dst string, opts Options) (err error) {
	defer d.observe("copy", src, time.Now(), &err)

	r, err := d.prepare(ctx, src, dst)
	if err != nil {
		return err
	}
	if r.src == r.dst {
		return errors.AlreadyExists(r.dst)
	}
	if err := d.clearDestination(ctx, r, opts); err != nil {
		return err
	}

	var entry *types.Entry
	if r.source.IsFolder() {
		entry, err = d.remote.CopyFolder(ctx, r.source.ID, r.parent.ID, r.name)
	} else {
		entry, err = d.remote.CopyFile(ctx, r.source.ID, r.parent.ID, r.name)
	}
	if err != nil {
		return err
	}
	d.cache.Put(r.dst, entry)
	return nil
}

// Move relocates src to dst, keeping the remote id. Within one folder it is
// a rename; across folders the name is sent only when it changes.
func (d *Driver) Move(ctx context.Context, src, dst string, opts Options) (err error) {
	defer d.observe("move", src, time.Now(), &err)

	r, err := d.prepare(ctx, src, dst)
	if err != nil {
		return err
	}
	if r.src == r.dst {
		return nil
	}
	if err := d.clearDestination(ctx, r, opts); err != nil {
		return err
	}

	newParentID, newName := "", r.name
	if r.srcDir != r.dstDir {
		newParentID = r.parent.ID
		if r.name == r.source.Name {
			newName = ""
		}
	}

	var entry *types.Entry
	if r.source.IsFolder() {
		entry, err = d.remote.MoveOrRenameFolder(ctx, r.source.ID, newParentID, newName)
	} else {
		entry, err = d.remote.MoveOrRenameFile(ctx, r.source.ID, newParentID, newName)
	}
	if err != nil {
		return err
	}
	d.cache.Invalidate(r.src)
	d.cache.Put(r.dst, entry)
	return nil
}

// Rename is Move without replacing an existing destination.
func (d *Driver) Rename(ctx context.Context, src, dst string) error {
	return d.Move(ctx, src, dst, Options{})
}
