package fileutil

import (
	"io"
	"os"
)

// Fsync commits the current contents of the file to the disk.
// Typically it means flushing the file system's in-memory copy
// of recently written data to the disk.
func Fsync(f *os.File) error {
	return f.Sync()
}

// SyncDir fsyncs the directory at dir so that a preceding rename or
// create inside it is made durable.
func SyncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	err = d.Sync()
	if cerr := d.Close(); err == nil {
		err = cerr
	}
	return err
}

// WriteSync behaves just like ioutil.WriteFile,
// but calls Sync before closing the file to guarantee that
// the data is synced if there's no error returned.
func WriteSync(fpath string, data []byte, perm os.FileMode) error {
	f, err := os.OpenFile(fpath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return err
	}

	n, err := f.Write(data)
	if err == nil && n < len(data) {
		err = io.ErrShortWrite
	}

	if err == nil {
		err = f.Sync()
	}

	if e := f.Close(); err == nil {
		err = e
	}
	return err
}
