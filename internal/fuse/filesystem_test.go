//go:build !cgofuse
// +build !cgofuse

package fuse

import (
	"testing"
	"time"

	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/stretchr/testify/assert"

	"github.com/objectfs/boxfs/internal/driver"
	"github.com/objectfs/boxfs/pkg/types"
)

func TestInodeNumber(t *testing.T) {
	assert.Equal(t, inodeNumber("42"), inodeNumber("42"))
	assert.NotEqual(t, inodeNumber("42"), inodeNumber("43"))
	assert.Greater(t, inodeNumber(""), uint64(1))
}

func TestFillAttr(t *testing.T) {
	fsys := NewFileSystem(nil, &Config{UID: 1000, GID: 100})
	created := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	modified := created.Add(time.Hour)

	var a fuse.Attr
	fsys.fillAttr(&a, driver.NewFileInfo(&types.Entry{
		ID: "7", Name: "f.txt", Type: types.TypeFile, Size: 1000,
		CreatedAt: created, ModifiedAt: modified,
	}))
	assert.Equal(t, uint32(fuse.S_IFREG|0o644), a.Mode)
	assert.Equal(t, uint64(1000), a.Size)
	assert.Equal(t, uint64(2), a.Blocks)
	assert.Equal(t, uint32(1), a.Nlink)
	assert.Equal(t, uint32(1000), a.Uid)
	assert.Equal(t, uint32(100), a.Gid)
	assert.Equal(t, inodeNumber("7"), a.Ino)
	assert.Equal(t, uint64(modified.Unix()), a.Mtime)
	assert.Equal(t, uint64(created.Unix()), a.Ctime)

	var d fuse.Attr
	fsys.fillAttr(&d, driver.NewFileInfo(&types.Entry{ID: "8", Name: "dir", Type: types.TypeFolder, Size: 99}))
	assert.Equal(t, uint32(fuse.S_IFDIR|0o755), d.Mode)
	assert.Equal(t, uint64(0), d.Size)
	assert.Equal(t, uint32(2), d.Nlink)
}
