//go:build linux

package extractor

import (
	"errors"
	"os"

	"golang.org/x/sys/unix"
)

// renameNoReplace renames oldpath to newpath, failing with EEXIST if
// newpath already exists. renameat2 with RENAME_NOREPLACE makes the
// "destination already exists" conflict atomic instead of a
// check-then-act race between concurrent installers.
func renameNoReplace(oldpath, newpath string) error {
	err := unix.Renameat2(unix.AT_FDCWD, oldpath, unix.AT_FDCWD, newpath, unix.RENAME_NOREPLACE)
	if err != nil {
		return &os.LinkError{Op: "rename", Old: oldpath, New: newpath, Err: err}
	}
	return nil
}

func isExist(err error) bool {
	return errors.Is(err, unix.EEXIST) || errors.Is(err, unix.ENOTEMPTY)
}

func isCrossDevice(err error) bool {
	return errors.Is(err, unix.EXDEV)
}
