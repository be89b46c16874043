package transfer

import (
	"os"
	"strings"

	"github.com/objectfs/boxfs/pkg/errors"
)

// Flag is a set of open options.
type Flag uint32

const (
	FlagRead Flag = 1 << iota
	FlagWrite
	FlagCreate
	FlagCreateNew
	FlagTruncate
	FlagAppend
	FlagDeleteOnClose
	// FlagPreserve loads the current content of an existing file so that
	// positional writes keep the bytes they do not touch. Without it an
	// existing file is replaced by exactly the bytes written.
	FlagPreserve
)

var flagNames = []struct {
	flag Flag
	name string
}{
	{FlagRead, "read"},
	{FlagWrite, "write"},
	{FlagCreate, "create"},
	{FlagCreateNew, "create_new"},
	{FlagTruncate, "truncate"},
	{FlagAppend, "append"},
	{FlagDeleteOnClose, "delete_on_close"},
	{FlagPreserve, "preserve"},
}

func (f Flag) Has(other Flag) bool {
	return f&other == other
}

func (f Flag) String() string {
	var parts []string
	for _, fn := range flagNames {
		if f.Has(fn.flag) {
			parts = append(parts, fn.name)
		}
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}

// FlagsFromOS converts os.OpenFile flags.
func FlagsFromOS(flags int) Flag {
	var f Flag
	switch flags & (os.O_RDONLY | os.O_WRONLY | os.O_RDWR) {
	case os.O_WRONLY:
		f |= FlagWrite
	case os.O_RDWR:
		f |= FlagRead | FlagWrite
	default:
		f |= FlagRead
	}
	if flags&os.O_CREATE != 0 {
		f |= FlagCreate
		if flags&os.O_EXCL != 0 {
			f |= FlagCreateNew
		}
	}
	if flags&os.O_TRUNC != 0 {
		f |= FlagTruncate
	}
	if flags&os.O_APPEND != 0 {
		f |= FlagAppend
	}
	return f
}

// Validate rejects option combinations the bridge cannot honor. The remote
// only stores whole objects, so appending, read-write access and
// delete-on-close have no faithful mapping.
func (f Flag) Validate() error {
	switch {
	case f.Has(FlagAppend):
		return errors.Unsupported("open option %s is not supported", FlagAppend)
	case f.Has(FlagDeleteOnClose):
		return errors.Unsupported("open option %s is not supported", FlagDeleteOnClose)
	case f.Has(FlagRead | FlagWrite):
		return errors.Unsupported("simultaneous read and write access is not supported")
	case !f.Has(FlagWrite) && f&(FlagCreate|FlagCreateNew|FlagTruncate|FlagPreserve) != 0:
		return errors.Unsupported("open options %s require write access", f&^FlagRead)
	}
	return nil
}
