package driver

import (
	"context"
	"time"

	"github.com/objectfs/boxfs/internal/transfer"
	"github.com/objectfs/boxfs/pkg/errors"
)

// OpenRead opens the file at path for streaming download. The transfer
// outlives ctx; close the reader to stop it.
func (d *Driver) OpenRead(ctx context.Context, path string) (r *transfer.Reader, err error) {
	defer d.observe("open_read", path, time.Now(), &err)

	p, err := clean(path)
	if err != nil {
		return nil, err
	}
	entry, err := d.cache.Resolve(ctx, p)
	if err != nil {
		return nil, err
	}
	if entry.IsFolder() {
		return nil, errors.IsDirectory(p)
	}
	return d.bridge.OpenForRead(ctx, entry, transfer.FlagRead)
}

// OpenWrite opens path for writing. The content is uploaded when the writer
// is closed; the returned error of Close is the outcome of the write.
//
// An existing file is replaced as a new version unless FlagCreateNew is set,
// in which case it is an error. The new version holds exactly the bytes
// written unless FlagPreserve asks for the old content to be kept. A missing file is created only with
// FlagCreate or FlagCreateNew.
func (d *Driver) OpenWrite(ctx context.Context, path string, flags transfer.Flag) (w *transfer.Writer, err error) {
	defer d.observe("open_write", path, time.Now(), &err)

	if err := flags.Validate(); err != nil {
		return nil, err
	}
	if !flags.Has(transfer.FlagWrite) {
		return nil, errors.Unsupported("open for write without write access")
	}
	p, err := clean(path)
	if err != nil {
		return nil, err
	}

	existing, err := d.lookup(ctx, p)
	if err != nil {
		return nil, err
	}
	switch {
	case existing != nil && existing.IsFolder():
		return nil, errors.IsDirectory(p)
	case existing != nil && flags.Has(transfer.FlagCreateNew):
		return nil, errors.AlreadyExists(p)
	case existing == nil && !flags.Has(transfer.FlagCreate) && !flags.Has(transfer.FlagCreateNew):
		return nil, errors.NotFound(p)
	}

	dir, name, parent, err := d.splitTarget(ctx, p)
	if err != nil {
		return nil, err
	}
	return d.bridge.OpenForWrite(ctx, transfer.WriteTarget{
		ParentPath: dir,
		Parent:     parent,
		Name:       name,
		Existing:   existing,
	}, flags)
}
