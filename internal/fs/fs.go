package fs

import (
	"io"
	"os"
	"path/filepath"
)

// TempPrefix marks files of in-flight atomic writes. Listings skip them.
const TempPrefix = ".tmp-"

// File is an open payload file.
type File interface {
	io.Writer
	io.ReaderAt
	io.Closer
	Sync() error
	Stat() (os.FileInfo, error)
}

// FileSystem is the subset of the os package the payload store touches.
type FileSystem interface {
	Open(name string) (File, error)
	CreateTemp(dir, pattern string) (File, string, error)
	Rename(oldpath, newpath string) error
	Remove(name string) error
	MkdirAll(path string, perm os.FileMode) error
}

// OS is the FileSystem of the host.
type OS struct{}

func (OS) Open(name string) (File, error) { return os.Open(name) }

func (OS) CreateTemp(dir, pattern string) (File, string, error) {
	f, err := os.CreateTemp(dir, pattern)
	if err != nil {
		return nil, "", err
	}
	return f, f.Name(), nil
}

func (OS) Rename(oldpath, newpath string) error         { return os.Rename(oldpath, newpath) }
func (OS) Remove(name string) error                     { return os.Remove(name) }
func (OS) MkdirAll(path string, perm os.FileMode) error { return os.MkdirAll(path, perm) }

// Default is the host file system.
var Default FileSystem = OS{}

// WriteAtomic creates path with the bytes produced by write. The data goes
// to a temporary sibling which is synced and renamed over path, so readers
// see either the old file or the complete new one. On failure the temporary
// file is removed.
func WriteAtomic(fsys FileSystem, path string, write func(io.Writer) error) (err error) {
	dir := filepath.Dir(path)
	if err := fsys.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	f, tmp, err := fsys.CreateTemp(dir, TempPrefix+"*")
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = f.Close()
			_ = fsys.Remove(tmp)
		}
	}()

	if err = write(f); err != nil {
		return err
	}
	if err = f.Sync(); err != nil {
		return err
	}
	if err = f.Close(); err != nil {
		return err
	}
	return fsys.Rename(tmp, path)
}
