// Copyright (c) 2019, Benjamin Shields. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package tftp

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/pkg/errors"
)

func newTestFileSystem(t *testing.T) (*FileSystem, string) {
	t.Helper()
	dir := t.TempDir()
	fsys, err := NewFileSystem(dir)
	if err != nil {
		t.Fatalf("NewFileSystem() unexpected error: %v", err)
	}
	t.Cleanup(func() { fsys.Close() })
	return fsys, dir
}

func TestFileSystem_OpenForRead(t *testing.T) {
	fsys, dir := newTestFileSystem(t)
	if err := os.WriteFile(filepath.Join(dir, "boot.img"), []byte("payload"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Mkdir(filepath.Join(dir, "sub"), 0o755); err != nil {
		t.Fatal(err)
	}
	outside := filepath.Join(filepath.Dir(dir), "outside-"+filepath.Base(dir))
	if err := os.WriteFile(outside, []byte("secret"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.Remove(outside) })
	if err := os.Symlink(outside, filepath.Join(dir, "link")); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name     string
		filename string
		wantErr  error
	}{
		{name: "plain", filename: "boot.img"},
		{name: "leading slash", filename: "/boot.img"},
		{name: "missing", filename: "nope.img", wantErr: errNoFile},
		{name: "parent traversal", filename: "../" + filepath.Base(outside), wantErr: errAccess},
		{name: "nested traversal", filename: "sub/../../" + filepath.Base(outside), wantErr: errAccess},
		{name: "symlink out of root", filename: "link", wantErr: errAccess},
		{name: "directory", filename: "sub", wantErr: errAccess},
		{name: "root itself", filename: "/", wantErr: errAccess},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := fsys.OpenForRead(tt.filename)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("OpenForRead(%q) error = %v, want %v", tt.filename, err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("OpenForRead(%q) unexpected error: %v", tt.filename, err)
			}
			defer f.Close()
			got, err := io.ReadAll(f)
			if err != nil || string(got) != "payload" {
				t.Errorf("read %q, %v", got, err)
			}
		})
	}
}

func TestFileSystem_OpenForWrite(t *testing.T) {
	fsys, dir := newTestFileSystem(t)
	existing := filepath.Join(dir, "existing")
	if err := os.WriteFile(existing, []byte("keep me"), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := fsys.OpenForWrite("existing"); !errors.Is(err, errFileExists) {
		t.Fatalf("OpenForWrite(existing) error = %v, want %v", err, errFileExists)
	}
	if got, _ := os.ReadFile(existing); string(got) != "keep me" {
		t.Errorf("existing file changed to %q", got)
	}
	if _, err := fsys.OpenForWrite("../escape"); !errors.Is(err, errAccess) {
		t.Errorf("OpenForWrite(../escape) error = %v, want %v", err, errAccess)
	}
	if _, err := fsys.OpenForWrite("no/such/dir/file"); !errors.Is(err, errAccess) {
		t.Errorf("OpenForWrite(no/such/dir/file) error = %v, want %v", err, errAccess)
	}

	up, err := fsys.OpenForWrite("new")
	if err != nil {
		t.Fatalf("OpenForWrite(new) unexpected error: %v", err)
	}
	if err := writeChunk(up, []byte("partial")); err != nil {
		t.Fatalf("writeChunk() unexpected error: %v", err)
	}
	if err := up.Discard(); err != nil {
		t.Fatalf("Discard() unexpected error: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "new")); !os.IsNotExist(err) {
		t.Errorf("discarded upload still present: %v", err)
	}
}

func TestFileSystem_ConcurrentOpenForWrite(t *testing.T) {
	fsys, _ := newTestFileSystem(t)

	const writers = 16
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		won     int
		exists  int
		others  []error
		start   = make(chan struct{})
		uploads []*Upload
	)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			up, err := fsys.OpenForWrite("race.bin")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				won++
				uploads = append(uploads, up)
			case errors.Is(err, errFileExists):
				exists++
			default:
				others = append(others, err)
			}
		}()
	}
	close(start)
	wg.Wait()
	for _, up := range uploads {
		up.Close()
	}

	if won != 1 || exists != writers-1 || len(others) != 0 {
		t.Fatalf("won = %d, exists = %d, other errors = %v", won, exists, others)
	}
}

func TestReadChunk(t *testing.T) {
	r := bytes.NewReader(bytes.Repeat([]byte{1}, blockSize+3))
	buf := make([]byte, blockSize)
	for _, want := range []int{blockSize, 3, 0} {
		n, err := readChunk(r, buf)
		if err != nil || n != want {
			t.Fatalf("readChunk() = %d, %v, want %d", n, err, want)
		}
	}
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("no space left on device") }

func TestWriteChunk_DiskError(t *testing.T) {
	if err := writeChunk(failingWriter{}, []byte("x")); !errors.Is(err, errDiskFull) {
		t.Fatalf("writeChunk() error = %v, want %v", err, errDiskFull)
	}
}
