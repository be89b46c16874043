package memory

import (
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/objectfs/boxfs/internal/remote"
	"github.com/objectfs/boxfs/pkg/errors"
	"github.com/objectfs/boxfs/pkg/types"
)

func TestClient_CreateListDelete(t *testing.T) {
	ctx := context.Background()
	c := NewClient(WithSequentialIDs())

	root, err := c.Root(ctx)
	require.NoError(t, err)
	assert.Equal(t, remote.RootID, root.ID)
	assert.True(t, root.IsFolder())

	docs, err := c.CreateFolder(ctx, remote.RootID, "docs")
	require.NoError(t, err)
	assert.Equal(t, "1", docs.ID)
	assert.Equal(t, remote.RootID, docs.ParentID)

	_, err = c.CreateFolder(ctx, remote.RootID, "docs")
	assert.True(t, errors.IsCode(err, errors.ErrCodeAlreadyExists))

	file, err := c.Upload(ctx, docs.ID, "a.txt", strings.NewReader("0123456789"))
	require.NoError(t, err)
	assert.Equal(t, int64(10), file.Size)

	children, err := c.ListChildren(ctx, docs.ID)
	require.NoError(t, err)
	require.Len(t, children, 1)
	assert.Equal(t, "a.txt", children[0].Name)

	err = c.DeleteFolder(ctx, docs.ID)
	assert.True(t, errors.IsCode(err, errors.ErrCodeNotEmpty))

	require.NoError(t, c.DeleteFile(ctx, file.ID))
	require.NoError(t, c.DeleteFolder(ctx, docs.ID))

	_, err = c.ListChildren(ctx, docs.ID)
	assert.True(t, errors.IsNotFound(err))
}

func TestClient_MoveAndRename(t *testing.T) {
	ctx := context.Background()
	c := NewClient(WithSequentialIDs())

	a, err := c.CreateFolder(ctx, remote.RootID, "a")
	require.NoError(t, err)
	b, err := c.CreateFolder(ctx, remote.RootID, "b")
	require.NoError(t, err)
	f, err := c.Upload(ctx, a.ID, "f.txt", strings.NewReader("x"))
	require.NoError(t, err)

	renamed, err := c.MoveOrRenameFile(ctx, f.ID, "", "g.txt")
	require.NoError(t, err)
	assert.Equal(t, f.ID, renamed.ID)
	assert.Equal(t, "g.txt", renamed.Name)
	assert.Equal(t, a.ID, renamed.ParentID)

	moved, err := c.MoveOrRenameFile(ctx, f.ID, b.ID, "")
	require.NoError(t, err)
	assert.Equal(t, b.ID, moved.ParentID)
	assert.Equal(t, "g.txt", moved.Name)

	_, err = c.MoveOrRenameFolder(ctx, a.ID, a.ID, "")
	assert.True(t, errors.IsCode(err, errors.ErrCodePermissionDenied))

	_, err = c.MoveOrRenameFolder(ctx, a.ID, "", "b")
	assert.True(t, errors.IsCode(err, errors.ErrCodeAlreadyExists))

	// Type-specific calls do not accept the other type.
	_, err = c.MoveOrRenameFolder(ctx, f.ID, "", "x")
	assert.True(t, errors.IsNotFound(err))
}

func TestClient_CopyFolderIsDeep(t *testing.T) {
	ctx := context.Background()
	c := NewClient()

	src, err := c.CreateFolder(ctx, remote.RootID, "src")
	require.NoError(t, err)
	_, err = c.Upload(ctx, src.ID, "f.txt", strings.NewReader("payload"))
	require.NoError(t, err)

	dup, err := c.CopyFolder(ctx, src.ID, remote.RootID, "dup")
	require.NoError(t, err)
	assert.NotEqual(t, src.ID, dup.ID)

	children, err := c.ListChildren(ctx, dup.ID)
	require.NoError(t, err)
	require.Len(t, children, 1)

	rc, err := c.Download(ctx, children[0].ID)
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))

	_, err = c.CopyFolder(ctx, src.ID, src.ID, "inner")
	assert.True(t, errors.IsCode(err, errors.ErrCodePermissionDenied))
}

func TestClient_FaultInjection(t *testing.T) {
	ctx := context.Background()
	c := NewClient()

	c.FailNext(OpList, errors.Transient("rate limited", nil))
	_, err := c.ListChildren(ctx, remote.RootID)
	assert.True(t, errors.IsCode(err, errors.ErrCodeTransient))
	_, err = c.ListChildren(ctx, remote.RootID)
	assert.NoError(t, err)
	assert.Equal(t, 2, c.Calls(OpList))

	f, err := c.Upload(ctx, remote.RootID, "big.bin", strings.NewReader("abcdefghij"))
	require.NoError(t, err)

	c.FailDownloadAfter(f.ID, 4, errors.Transient("connection reset", nil))
	rc, err := c.Download(ctx, f.ID)
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	assert.Equal(t, "abcd", string(data))
	assert.True(t, errors.IsCode(err, errors.ErrCodeTransient))
}

func TestClient_Changes(t *testing.T) {
	ctx := context.Background()
	c := NewClient(WithSequentialIDs())

	events, cursor, err := c.Changes(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, events)

	folder, err := c.CreateFolder(ctx, remote.RootID, "docs")
	require.NoError(t, err)
	require.NoError(t, c.DeleteFolder(ctx, folder.ID))

	events, next, err := c.Changes(ctx, cursor)
	require.NoError(t, err)
	assert.Equal(t, []types.Event{
		{ID: folder.ID, Kind: types.EventChanged},
		{ID: folder.ID, Kind: types.EventDeleted},
	}, events)

	events, _, err = c.Changes(ctx, next)
	require.NoError(t, err)
	assert.Empty(t, events)

	_, _, err = c.Changes(ctx, "bogus")
	assert.True(t, errors.IsCode(err, errors.ErrCodeFatal))
}

func TestClient_Timestamps(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	c := NewClient(WithSequentialIDs(), WithClock(func() time.Time { return now }))
	ctx := context.Background()

	root, err := c.Root(ctx)
	require.NoError(t, err)
	assert.Equal(t, now, root.CreatedAt)

	f, err := c.Upload(ctx, root.ID, "a.txt", strings.NewReader("v1"))
	require.NoError(t, err)
	assert.Equal(t, now, f.CreatedAt)
	assert.Equal(t, now, f.ModifiedAt)

	now = now.Add(time.Hour)
	f2, err := c.UploadVersion(ctx, f.ID, strings.NewReader("version two"))
	require.NoError(t, err)
	assert.Equal(t, f.CreatedAt, f2.CreatedAt)
	assert.Equal(t, now, f2.ModifiedAt)
	assert.Equal(t, int64(11), f2.Size)
}
