//go:build !linux

package extractor

import (
	"errors"
	"io/fs"
)

// errNoAtomicRename reports that the platform lacks a no-replace rename
// primitive. promote treats it like a cross-device rename and takes the
// exclusive-create copy path, whose os.Mkdir claim provides the
// fail-if-exists guarantee instead.
var errNoAtomicRename = errors.New("atomic no-replace rename not supported")

func renameNoReplace(oldpath, newpath string) error {
	return errNoAtomicRename
}

func isExist(err error) bool {
	return errors.Is(err, fs.ErrExist)
}

func isCrossDevice(err error) bool {
	return errors.Is(err, errNoAtomicRename)
}
