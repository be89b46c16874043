package driver

import (
	"os"
	"time"

	"github.com/objectfs/boxfs/pkg/types"
	"github.com/objectfs/boxfs/pkg/utils"
)

const (
	folderMode os.FileMode = os.ModeDir | 0o755
	fileMode   os.FileMode = 0o644
)

// FileInfo describes a remote entry as an os.FileInfo.
type FileInfo struct {
	Name_    string
	Size_    int64
	Mode_    os.FileMode
	ModTime_ time.Time
	IsDir_   bool

	CreatedAt time.Time
	Entry     *types.Entry
}

var _ os.FileInfo = (*FileInfo)(nil)

func (fi *FileInfo) Name() string       { return fi.Name_ }
func (fi *FileInfo) Size() int64        { return fi.Size_ }
func (fi *FileInfo) Mode() os.FileMode  { return fi.Mode_ }
func (fi *FileInfo) ModTime() time.Time { return fi.ModTime_ }
func (fi *FileInfo) IsDir() bool        { return fi.IsDir_ }

// Sys returns the underlying *types.Entry.
func (fi *FileInfo) Sys() interface{} { return fi.Entry }

// NewFileInfo builds the attribute view of entry. Folders report size 0.
func NewFileInfo(entry *types.Entry) *FileInfo {
	fi := &FileInfo{
		Name_:     entry.Name,
		ModTime_:  entry.ModifiedAt,
		CreatedAt: entry.CreatedAt,
		Entry:     entry,
	}
	if fi.Name_ == "" {
		fi.Name_ = utils.Root
	}
	if entry.IsFolder() {
		fi.Mode_ = folderMode
		fi.IsDir_ = true
	} else {
		fi.Mode_ = fileMode
		fi.Size_ = entry.Size
	}
	return fi
}
