// Copyright (c) 2019, Benjamin Shields. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package tftp

import (
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

// FileSystem resolves requested filenames under a single served root. Lookups go through an os.Root,
// so neither ".." elements nor symbolic links can reach files outside of it.
type FileSystem struct {
	root *os.Root
}

func NewFileSystem(dir string) (*FileSystem, error) {
	root, err := os.OpenRoot(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "open served root %q", dir)
	}
	return &FileSystem{root: root}, nil
}

// Root returns the directory being served.
func (fsys *FileSystem) Root() string {
	return fsys.root.Name()
}

func (fsys *FileSystem) Close() error {
	return fsys.root.Close()
}

// OpenForRead opens filename for a read transfer.
func (fsys *FileSystem) OpenForRead(filename string) (io.ReadCloser, error) {
	name, err := resolve(filename)
	if err != nil {
		return nil, err
	}
	// Opening a FIFO or a device can block indefinitely, so the type is checked first.
	info, err := fsys.root.Stat(name)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, errNoFile.fmt("%s", filename)
		}
		return nil, errAccess.fmt("%s: %v", filename, unwrapPathError(err))
	}
	if !info.Mode().IsRegular() {
		return nil, errAccess.fmt("%s is not a regular file", filename)
	}
	f, err := fsys.root.Open(name)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, errNoFile.fmt("%s", filename)
		}
		return nil, errAccess.fmt("%s: %v", filename, unwrapPathError(err))
	}
	// The name may have been replaced since the Stat.
	info, err = f.Stat()
	if err != nil || !info.Mode().IsRegular() {
		f.Close()
		return nil, errAccess.fmt("%s is not a regular file", filename)
	}
	return f, nil
}

// OpenForWrite creates filename for a write transfer. The existence check and the creation are one
// atomic step, so of several concurrent writers to the same name exactly one succeeds.
func (fsys *FileSystem) OpenForWrite(filename string) (*Upload, error) {
	name, err := resolve(filename)
	if err != nil {
		return nil, err
	}
	f, err := fsys.root.OpenFile(name, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return nil, errFileExists.fmt("%s", filename)
		}
		return nil, errAccess.fmt("%s: %v", filename, unwrapPathError(err))
	}
	return &Upload{File: f, root: fsys.root, name: name}, nil
}

// resolve turns a requested filename into a path relative to the served root. Leading slashes are
// dropped, so "/pxelinux.0" and "pxelinux.0" name the same file.
func resolve(filename string) (string, error) {
	name := filepath.FromSlash(strings.TrimLeft(filename, "/"))
	if name == "" || !filepath.IsLocal(name) {
		return "", errAccess.fmt("%s is outside of the served directory", filename)
	}
	return filepath.Clean(name), nil
}

func unwrapPathError(err error) error {
	var pathErr *fs.PathError
	if errors.As(err, &pathErr) {
		return pathErr.Err
	}
	return err
}

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

// Upload is a file created by a write transfer.
type Upload struct {
	*os.File
	root *os.Root
	name string
}

// Discard closes the upload and removes what was written so far.
func (u *Upload) Discard() error {
	closeErr := u.File.Close()
	if err := u.root.Remove(u.name); err != nil {
		return errors.Wrapf(err, "remove partial upload %q", u.name)
	}
	if closeErr != nil && !errors.Is(closeErr, os.ErrClosed) {
		return closeErr
	}
	return nil
}

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

// readChunk fills buf from r. A chunk shorter than buf means r is exhausted.
func readChunk(r io.Reader, buf []byte) (int, error) {
	n, err := io.ReadFull(r, buf)
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		return n, nil
	}
	if err != nil {
		return n, errNotDef.fmt("read failed: %v", err)
	}
	return n, nil
}

func writeChunk(w io.Writer, chunk []byte) error {
	if _, err := w.Write(chunk); err != nil {
		return errDiskFull.fmt("%v", unwrapPathError(err))
	}
	return nil
}
