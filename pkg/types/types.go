package types

import (
	"fmt"
	"strings"
	"time"
)

// EntryType distinguishes files from folders.
type EntryType int

const (
	TypeFile EntryType = iota
	TypeFolder
)

func (t EntryType) String() string {
	switch t {
	case TypeFile:
		return "file"
	case TypeFolder:
		return "folder"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler so manifests stay readable.
func (t EntryType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *EntryType) UnmarshalText(text []byte) error {
	switch string(text) {
	case "folder":
		*t = TypeFolder
	default:
		*t = TypeFile
	}
	return nil
}

// Permissions holds the capability flags a remote reports for an entry.
// A nil flag means the remote did not say; callers treat that as allowed.
type Permissions struct {
	CanDownload *bool `json:"can_download,omitempty"`
	CanUpload   *bool `json:"can_upload,omitempty"`
	CanRename   *bool `json:"can_rename,omitempty"`
}

// Entry is one remote object. Entries are shared by pointer and never
// modified after they are handed out; fresher data replaces the pointer.
type Entry struct {
	ID          string       `json:"id"`
	ParentID    string       `json:"parent_id,omitempty"`
	Name        string       `json:"name"`
	Type        EntryType    `json:"type"`
	Size        int64        `json:"size"`
	CreatedAt   time.Time    `json:"created_at"`
	ModifiedAt  time.Time    `json:"modified_at"`
	Permissions *Permissions `json:"permissions,omitempty"`
}

func (e *Entry) IsFolder() bool {
	return e.Type == TypeFolder
}

// Clone returns a copy that can be modified before being published.
func (e *Entry) Clone() *Entry {
	c := *e
	if e.Permissions != nil {
		c.Permissions = &Permissions{
			CanDownload: copyBool(e.Permissions.CanDownload),
			CanUpload:   copyBool(e.Permissions.CanUpload),
			CanRename:   copyBool(e.Permissions.CanRename),
		}
	}
	return &c
}

func copyBool(b *bool) *bool {
	if b == nil {
		return nil
	}
	return Bool(*b)
}

// EventKind is the kind of a remote change notification.
type EventKind int

const (
	EventChanged EventKind = iota
	EventDeleted
)

func (k EventKind) String() string {
	if k == EventDeleted {
		return "deleted"
	}
	return "changed"
}

func (k EventKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *EventKind) UnmarshalText(text []byte) error {
	switch strings.ToLower(string(text)) {
	case "changed", "updated", "created":
		*k = EventChanged
	case "deleted", "trashed":
		*k = EventDeleted
	default:
		return fmt.Errorf("unknown event kind %q", text)
	}
	return nil
}

// Event is a remote change notification. It is applied once and discarded.
type Event struct {
	ID   string    `json:"id"`
	Kind EventKind `json:"kind"`
}

// AccessMode is a bit set of requested access modes.
type AccessMode uint32

const (
	AccessRead AccessMode = 1 << iota
	AccessWrite
	AccessExecute
)

// CacheStats represents entry cache statistics.
type CacheStats struct {
	Entries       int    `json:"entries"`
	ListedFolders int    `json:"listed_folders"`
	Hits          uint64 `json:"hits"`
	Misses        uint64 `json:"misses"`
	Listings      uint64 `json:"listings"`
	Invalidations uint64 `json:"invalidations"`
}

// Bool returns a pointer to b, for building Permissions literals.
func Bool(b bool) *bool {
	return &b
}
