// Package blobstore abstracts the storage that holds cached preprocessing
// results.
//
// The contract is deliberately small — existence check, atomic publish,
// read — because that is all the cache's correctness argument needs. A
// writable blob becomes visible under its name only when Close succeeds;
// readers observe either nothing or a fully written blob, never a partial
// one. The local implementation gets this from write-to-temp plus atomic
// rename; object stores get it from single-shot object commits.
package blobstore

import (
	"context"
	"io"
	"os"
)

// ErrNotFound is returned when a blob does not exist.
//
// Implementations must return an error satisfying
// `errors.Is(err, ErrNotFound)`. The default maps to os.ErrNotExist.
var ErrNotFound = os.ErrNotExist

// BlobStore stores immutable named blobs.
type BlobStore interface {
	// Open opens an existing blob for reading.
	Open(ctx context.Context, name string) (Blob, error)
	// Create starts writing a new blob. The blob is not visible under
	// name until Close returns nil; Abort discards it.
	Create(ctx context.Context, name string) (WritableBlob, error)
	// Stat returns the size of a blob, or ErrNotFound.
	Stat(ctx context.Context, name string) (int64, error)
	// Delete removes a blob. Deleting a missing blob is not an error.
	Delete(ctx context.Context, name string) error
	// List returns the names of all blobs with the given prefix.
	List(ctx context.Context, prefix string) ([]string, error)
}

// Blob is a read-only handle to a stored blob.
type Blob interface {
	io.ReaderAt
	io.Closer
	// Size returns the blob length in bytes.
	Size() int64
	// Bytes returns the full contents. Local blobs serve this zero-copy
	// from a memory mapping; the slice is valid until Close.
	Bytes() ([]byte, error)
}

// WritableBlob is a blob under construction.
type WritableBlob interface {
	io.Writer
	// Close durably publishes the blob under its name.
	Close() error
	// Abort discards the blob. Calling Abort after a successful Close is
	// a no-op.
	Abort() error
}

// Put writes data as a complete blob in one call.
func Put(ctx context.Context, s BlobStore, name string, data []byte) error {
	w, err := s.Create(ctx, name)
	if err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		_ = w.Abort()
		return err
	}
	if err := w.Close(); err != nil {
		_ = w.Abort()
		return err
	}
	return nil
}

// Get reads a complete blob in one call.
func Get(ctx context.Context, s BlobStore, name string) ([]byte, error) {
	b, err := s.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	defer b.Close()

	data, err := b.Bytes()
	if err != nil {
		return nil, err
	}
	// Copy out: the mapping dies with the blob handle.
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}
