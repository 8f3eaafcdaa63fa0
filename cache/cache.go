// Package cache implements the content-addressed preprocessing cache.
//
// Entries are addressed by (volume identifier, transform fingerprint):
// the fingerprint namespaces the storage, so a config change orphans old
// entries instead of invalidating anything in place. The cache never
// overwrites a valid entry — same key means same deterministic content —
// and it never trusts a stored entry without validating its header and
// checksum. Cross-process safety comes entirely from the blob store's
// atomic publish; no locks are shared between workers.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/voxml/scanset/blobstore"
	"github.com/voxml/scanset/manifest"
	"github.com/voxml/scanset/transform"
	"github.com/voxml/scanset/volume"
)

// Key addresses one cache entry.
type Key struct {
	VolumeID    string
	Fingerprint transform.Fingerprint
}

// BlobName returns the entry's name inside the blob store:
// <fingerprint>/<volume_id>.sct.
func (k Key) BlobName() string {
	return k.Fingerprint.String() + "/" + k.VolumeID + EntryExt
}

func (k Key) String() string {
	return k.Fingerprint.Short() + "/" + k.VolumeID
}

// WriteError indicates that a freshly computed tensor could not be
// persisted. Fetch returns it alongside the tensor, which remains valid
// for in-process use; the caller decides whether to proceed uncached or
// abort.
type WriteError struct {
	Key   Key
	cause error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("cache: persist entry %s: %v", e.Key, e.cause)
}

func (e *WriteError) Unwrap() error { return e.cause }

// Loader reads a raw volume from its source path.
type Loader func(path string) (*volume.Volume, error)

// Options configures a Cache.
type Options struct {
	// Compression is the payload codec for new entries. Existing entries
	// are read with whatever codec their header names.
	Compression Compression
	// MaxConcurrentTransforms bounds in-flight preprocessing
	// computations. Defaults to 4.
	MaxConcurrentTransforms int64
	// Loader reads raw volumes. Defaults to volume.LoadNIfTI.
	Loader Loader
	// Logger receives hit/miss/recovery events. Defaults to a no-op.
	Logger *slog.Logger
}

// Stats are cumulative per-process counters.
type Stats struct {
	Hits          int64
	Misses        int64
	Recomputes    int64 // misses caused by a corrupt entry
	WriteFailures int64
}

// Cache computes preprocessed tensors at most once per key and persists
// them through a blob store. Safe for concurrent use; multiple processes
// may share one store.
type Cache struct {
	store blobstore.BlobStore
	opts  Options

	group   singleflight.Group
	sem     *semaphore.Weighted
	markers sync.Map // fingerprint hex -> struct{}{}, namespaces already marked

	hits          atomic.Int64
	misses        atomic.Int64
	recomputes    atomic.Int64
	writeFailures atomic.Int64
}

// New creates a cache over the given store.
func New(store blobstore.BlobStore, optFns ...func(*Options)) *Cache {
	opts := Options{
		Compression:             CompressionLZ4,
		MaxConcurrentTransforms: 4,
		Loader:                  volume.LoadNIfTI,
		Logger:                  slog.New(slog.DiscardHandler),
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.MaxConcurrentTransforms <= 0 {
		opts.MaxConcurrentTransforms = 4
	}
	if opts.Loader == nil {
		opts.Loader = volume.LoadNIfTI
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}

	return &Cache{
		store: store,
		opts:  opts,
		sem:   semaphore.NewWeighted(opts.MaxConcurrentTransforms),
	}
}

type fetchResult struct {
	tensor   *volume.Tensor
	writeErr error
}

// Fetch returns the preprocessed tensor for a volume under the given
// config, computing and persisting it on miss.
//
// If persistence fails the computed tensor is returned together with a
// *WriteError; every other non-nil error comes with a nil tensor. A
// stored entry that fails validation is treated as a miss and recomputed,
// never served.
func (c *Cache) Fetch(ctx context.Context, rec manifest.Record, cfg transform.Config) (*volume.Tensor, error) {
	key := Key{VolumeID: rec.VolumeID, Fingerprint: cfg.Fingerprint()}

	// Concurrent same-key fetches inside one process share a single
	// computation. Across processes both may compute; the atomic publish
	// makes that wasted work, not a hazard.
	v, err, _ := c.group.Do(key.BlobName(), func() (any, error) {
		t, writeErr, err := c.fetch(ctx, key, rec, cfg)
		if err != nil {
			return nil, err
		}
		return fetchResult{tensor: t, writeErr: writeErr}, nil
	})
	if err != nil {
		return nil, err
	}
	res := v.(fetchResult)
	return res.tensor, res.writeErr
}

func (c *Cache) fetch(ctx context.Context, key Key, rec manifest.Record, cfg transform.Config) (*volume.Tensor, error, error) {
	if t, ok := c.read(ctx, key, cfg); ok {
		c.hits.Add(1)
		return t, nil, nil
	}
	c.misses.Add(1)

	if err := c.sem.Acquire(ctx, 1); err != nil {
		return nil, nil, err
	}
	defer c.sem.Release(1)

	raw, err := c.opts.Loader(rec.SourcePath)
	if err != nil {
		return nil, nil, err
	}
	t, err := cfg.Apply(raw)
	if err != nil {
		return nil, nil, fmt.Errorf("cache: transform volume %s: %w", rec.VolumeID, err)
	}

	if err := c.persist(ctx, key, cfg, t); err != nil {
		c.writeFailures.Add(1)
		c.opts.Logger.Warn("cache write failed, serving uncached tensor",
			"key", key.String(), "error", err)
		return t, &WriteError{Key: key, cause: err}, nil
	}
	return t, nil, nil
}

// read attempts a validated read of an existing entry. Any failure other
// than plain absence is logged and absorbed: a corrupt entry is a miss.
// Transient read errors get one automatic retry before falling back to
// recompute.
func (c *Cache) read(ctx context.Context, key Key, cfg transform.Config) (*volume.Tensor, bool) {
	for attempt := 0; attempt < 2; attempt++ {
		data, err := blobstore.Get(ctx, c.store, key.BlobName())
		if errors.Is(err, blobstore.ErrNotFound) {
			return nil, false
		}
		if err != nil {
			c.opts.Logger.Warn("cache read failed",
				"key", key.String(), "attempt", attempt, "error", err)
			continue
		}

		t, err := decodeEntry(key, data, cfg.TargetShape)
		if err != nil {
			c.recomputes.Add(1)
			c.opts.Logger.Warn("corrupt cache entry, recomputing",
				"key", key.String(), "error", err)
			return nil, false
		}
		return t, true
	}
	return nil, false
}

func (c *Cache) persist(ctx context.Context, key Key, cfg transform.Config, t *volume.Tensor) error {
	data, err := encodeEntry(t, c.opts.Compression)
	if err != nil {
		return err
	}
	if err := blobstore.Put(ctx, c.store, key.BlobName(), data); err != nil {
		return err
	}
	c.markNamespace(ctx, cfg)
	return nil
}

// namespaceMarker is the operator-facing record written once per
// fingerprint directory, mapping the namespace back to its full config.
type namespaceMarker struct {
	Fingerprint string           `json:"fingerprint"`
	Config      transform.Config `json:"config"`
	CreatedAt   time.Time        `json:"created_at"`
}

// MarkerName is the per-namespace config marker blob name.
func MarkerName(fp transform.Fingerprint) string {
	return fp.String() + "/CONFIG.json"
}

// markNamespace writes the CONFIG.json marker for a namespace. Best
// effort: the marker aids disk-usage forensics, not correctness.
func (c *Cache) markNamespace(ctx context.Context, cfg transform.Config) {
	fp := cfg.Fingerprint()
	if _, done := c.markers.LoadOrStore(fp.String(), struct{}{}); done {
		return
	}
	name := MarkerName(fp)
	if _, err := c.store.Stat(ctx, name); err == nil {
		return
	}
	data, err := json.MarshalIndent(namespaceMarker{
		Fingerprint: fp.String(),
		Config:      cfg,
		CreatedAt:   time.Now().UTC(),
	}, "", "  ")
	if err != nil {
		return
	}
	if err := blobstore.Put(ctx, c.store, name, data); err != nil {
		c.opts.Logger.Warn("namespace marker write failed",
			"fingerprint", fp.Short(), "error", err)
	}
}

// Stats returns cumulative counters for this process.
func (c *Cache) Stats() Stats {
	return Stats{
		Hits:          c.hits.Load(),
		Misses:        c.misses.Load(),
		Recomputes:    c.recomputes.Load(),
		WriteFailures: c.writeFailures.Load(),
	}
}
