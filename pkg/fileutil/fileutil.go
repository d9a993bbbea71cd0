package fileutil

import (
	"os"
)

const (
	// PrivateFileMode grants owner to read/write a file.
	PrivateFileMode = 0600

	// PrivateDirMode grants owner to make/remove files inside the directory.
	PrivateDirMode = 0700
)

// OpenToRead opens a file for reads. Make sure to close the file.
func OpenToRead(fpath string) (*os.File, error) {
	f, err := os.OpenFile(fpath, os.O_RDONLY, PrivateFileMode)
	if err != nil {
		return nil, err
	}
	return f, nil
}

// ExistFileOrDir returns true if the file or directory exists.
func ExistFileOrDir(name string) bool {
	_, err := os.Stat(name)
	return err == nil
}

// FileSize returns the size of the file at fpath in bytes.
func FileSize(fpath string) (uint64, error) {
	fi, err := os.Stat(fpath)
	if err != nil {
		return 0, err
	}
	return uint64(fi.Size()), nil
}

// CreateDirIfMissing creates the directory dir unless it already exists.
// It reports whether the directory was created; callers are expected to
// fsync the parent directory when it was.
func CreateDirIfMissing(dir string) (created bool, err error) {
	if ExistFileOrDir(dir) {
		return false, nil
	}
	if err = os.Mkdir(dir, PrivateDirMode); err != nil {
		if os.IsExist(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}
