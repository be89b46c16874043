// Package remote defines the capability contract the driver consumes from an
// ID-addressed storage service.
//
// Implementations report failures as *errors.FSError values with one of the
// codes NOT_FOUND, ALREADY_EXISTS, PERMISSION_DENIED, TRANSIENT or FATAL. Any
// retry policy lives inside the implementation; callers never retry.
package remote

import (
	"context"
	"io"

	"github.com/objectfs/boxfs/pkg/types"
)

// RootID is the well-known id of the service root.
const RootID = "0"

// Client performs the network calls against the remote store.
type Client interface {
	// Root returns the service root folder.
	Root(ctx context.Context) (*types.Entry, error)

	// ListChildren returns the complete listing of a folder. A NOT_FOUND
	// error means the folder itself does not exist.
	ListChildren(ctx context.Context, folderID string) ([]*types.Entry, error)

	CreateFolder(ctx context.Context, parentID, name string) (*types.Entry, error)
	DeleteFolder(ctx context.Context, id string) error
	DeleteFile(ctx context.Context, id string) error

	// CopyFolder and CopyFile place a copy named name under newParentID.
	CopyFolder(ctx context.Context, id, newParentID, name string) (*types.Entry, error)
	CopyFile(ctx context.Context, id, newParentID, name string) (*types.Entry, error)

	// MoveOrRenameFile and MoveOrRenameFolder change the parent, the name or
	// both. An empty argument leaves that attribute unchanged.
	MoveOrRenameFile(ctx context.Context, id, newParentID, newName string) (*types.Entry, error)
	MoveOrRenameFolder(ctx context.Context, id, newParentID, newName string) (*types.Entry, error)

	// Download streams the content of a file. Cancelling ctx aborts the
	// transfer.
	Download(ctx context.Context, id string) (io.ReadCloser, error)

	// Upload creates a new file from the whole content of r.
	Upload(ctx context.Context, parentID, name string, r io.Reader) (*types.Entry, error)

	// UploadVersion replaces the content of an existing file.
	UploadVersion(ctx context.Context, id string, r io.Reader) (*types.Entry, error)
}

// ChangeFeed is implemented by clients that can report changes since a
// cursor. An empty cursor starts from the current head of the feed.
type ChangeFeed interface {
	Changes(ctx context.Context, cursor string) ([]types.Event, string, error)
}
