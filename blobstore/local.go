package blobstore

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/voxml/scanset/internal/fs"
	"github.com/voxml/scanset/internal/mmap"
)

// tempSuffix marks in-flight writer files. Anything carrying it is garbage
// left by a crashed writer and is safe to remove.
const tempSuffix = ".tmp"

var tempSeq atomic.Uint64

// LocalStore implements BlobStore on a local directory.
//
// Create writes to a temp file unique to the writer and renames it into
// place on Close, so concurrent writers racing on the same name are safe:
// whichever rename wins, the published blob is complete. Reads are served
// from read-only memory mappings.
type LocalStore struct {
	root string
	fs   fs.FileSystem
}

// NewLocalStore creates a LocalStore rooted at dir.
func NewLocalStore(dir string) *LocalStore {
	return NewLocalStoreFS(dir, fs.Default)
}

// NewLocalStoreFS creates a LocalStore with an injected filesystem. Tests
// use this to simulate write failures.
func NewLocalStoreFS(dir string, fsys fs.FileSystem) *LocalStore {
	return &LocalStore{root: dir, fs: fsys}
}

// Root returns the store's root directory.
func (s *LocalStore) Root() string { return s.root }

func (s *LocalStore) path(name string) string {
	return filepath.Join(s.root, filepath.FromSlash(name))
}

// Open opens a blob for reading via mmap.
func (s *LocalStore) Open(_ context.Context, name string) (Blob, error) {
	m, err := mmap.Open(s.path(name))
	if err != nil {
		return nil, err
	}
	return &localBlob{m: m}, nil
}

// Create starts writing a blob. The temp file lives in the final blob's
// directory so the rename never crosses filesystems.
func (s *LocalStore) Create(_ context.Context, name string) (WritableBlob, error) {
	final := s.path(name)
	if err := s.fs.MkdirAll(filepath.Dir(final), 0o755); err != nil {
		return nil, err
	}

	tmp := fmt.Sprintf("%s%s-%d-%d", final, tempSuffix, os.Getpid(), tempSeq.Add(1))
	f, err := s.fs.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, err
	}
	return &localWritableBlob{fs: s.fs, f: f, tmp: tmp, final: final}, nil
}

// Stat returns the blob size.
func (s *LocalStore) Stat(_ context.Context, name string) (int64, error) {
	fi, err := s.fs.Stat(s.path(name))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, ErrNotFound
		}
		return 0, err
	}
	return fi.Size(), nil
}

// Delete removes a blob.
func (s *LocalStore) Delete(_ context.Context, name string) error {
	err := s.fs.Remove(s.path(name))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// List walks the store and returns blob names under prefix, sorted.
// In-flight temp files are excluded.
func (s *LocalStore) List(_ context.Context, prefix string) ([]string, error) {
	var names []string
	err := s.walk("", func(name string) {
		if strings.HasPrefix(name, prefix) && !strings.Contains(name, tempSuffix) {
			names = append(names, name)
		}
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(names)
	return names, nil
}

// RemoveAll deletes an entire sub-tree of the store. Used for maintenance
// (reclaiming orphaned namespaces), never for correctness.
func (s *LocalStore) RemoveAll(prefix string) error {
	return s.fs.RemoveAll(s.path(prefix))
}

// Sweep removes temp files abandoned by crashed writers.
func (s *LocalStore) Sweep() error {
	var stale []string
	err := s.walk("", func(name string) {
		if strings.Contains(name, tempSuffix) {
			stale = append(stale, name)
		}
	})
	if err != nil {
		return err
	}
	for _, name := range stale {
		if err := s.fs.Remove(s.path(name)); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}

func (s *LocalStore) walk(dir string, visit func(name string)) error {
	entries, err := s.fs.ReadDir(filepath.Join(s.root, filepath.FromSlash(dir)))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, e := range entries {
		name := e.Name()
		if dir != "" {
			name = dir + "/" + name
		}
		if e.IsDir() {
			if err := s.walk(name, visit); err != nil {
				return err
			}
			continue
		}
		visit(name)
	}
	return nil
}

type localBlob struct {
	m *mmap.Mapping
}

func (b *localBlob) ReadAt(p []byte, off int64) (int, error) { return b.m.ReadAt(p, off) }
func (b *localBlob) Close() error                            { return b.m.Close() }
func (b *localBlob) Size() int64                             { return int64(b.m.Size()) }
func (b *localBlob) Bytes() ([]byte, error) {
	data := b.m.Bytes()
	if data == nil && b.m.Size() > 0 {
		return nil, io.ErrClosedPipe
	}
	return data, nil
}

type localWritableBlob struct {
	fs     fs.FileSystem
	f      fs.File
	tmp    string
	final  string
	closed bool
}

func (w *localWritableBlob) Write(p []byte) (int, error) { return w.f.Write(p) }

// Close syncs the temp file and renames it into place. If any step fails
// the temp file is removed and the blob never becomes visible.
func (w *localWritableBlob) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true

	if err := w.f.Sync(); err != nil {
		_ = w.f.Close()
		_ = w.fs.Remove(w.tmp)
		return err
	}
	if err := w.f.Close(); err != nil {
		_ = w.fs.Remove(w.tmp)
		return err
	}
	if err := w.fs.Rename(w.tmp, w.final); err != nil {
		_ = w.fs.Remove(w.tmp)
		return err
	}
	return nil
}

func (w *localWritableBlob) Abort() error {
	if w.closed {
		return nil
	}
	w.closed = true
	_ = w.f.Close()
	err := w.fs.Remove(w.tmp)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
