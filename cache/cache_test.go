package cache

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voxml/scanset/blobstore"
	"github.com/voxml/scanset/internal/fs"
	"github.com/voxml/scanset/manifest"
	"github.com/voxml/scanset/transform"
	"github.com/voxml/scanset/volume"
)

func testConfig() transform.Config {
	return transform.Config{
		TargetSpacing: [3]float64{1, 1, 1},
		TargetShape:   [3]int{4, 4, 4},
		ClipMin:       -1000,
		ClipMax:       1000,
		Axcodes:       "RAS",
	}
}

// countingLoader fabricates a deterministic volume per path and counts
// invocations.
type countingLoader struct {
	calls atomic.Int64
	delay time.Duration
}

func (l *countingLoader) load(path string) (*volume.Volume, error) {
	l.calls.Add(1)
	if l.delay > 0 {
		time.Sleep(l.delay)
	}
	v := &volume.Volume{
		Dim:     [3]int{4, 4, 4},
		Spacing: [3]float64{1, 1, 1},
		Axcodes: "RAS",
		Data:    make([]float32, 64),
	}
	seed := float32(len(path))
	for i := range v.Data {
		v.Data[i] = float32(i)*7 - 500 + seed
	}
	return v, nil
}

func testRecord(id string) manifest.Record {
	return manifest.Record{VolumeID: id, SourcePath: "/scans/" + id + ".nii.gz", PatientID: "p-" + id}
}

func newTestCache(t *testing.T, loader Loader) (*Cache, *blobstore.LocalStore) {
	t.Helper()
	store := blobstore.NewLocalStore(t.TempDir())
	c := New(store, func(o *Options) { o.Loader = loader })
	return c, store
}

func TestCache_MissThenHit(t *testing.T) {
	ctx := context.Background()
	loader := &countingLoader{}
	c, _ := newTestCache(t, loader.load)
	cfg := testConfig()
	rec := testRecord("vol-001")

	first, err := c.Fetch(ctx, rec, cfg)
	require.NoError(t, err)
	require.NoError(t, first.Validate())
	assert.Equal(t, [4]int{1, 4, 4, 4}, first.Shape)

	second, err := c.Fetch(ctx, rec, cfg)
	require.NoError(t, err)
	assert.True(t, first.Equal(second), "cached read must be bit-identical to the computed tensor")

	assert.Equal(t, int64(1), loader.calls.Load())
	stats := c.Stats()
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.Equal(t, int64(0), stats.Recomputes)
}

func TestCache_SharedStoreAcrossInstances(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	cfg := testConfig()
	rec := testRecord("vol-001")

	writerLoader := &countingLoader{}
	writer := New(blobstore.NewLocalStore(dir), func(o *Options) { o.Loader = writerLoader.load })
	first, err := writer.Fetch(ctx, rec, cfg)
	require.NoError(t, err)

	readerLoader := &countingLoader{}
	reader := New(blobstore.NewLocalStore(dir), func(o *Options) { o.Loader = readerLoader.load })
	second, err := reader.Fetch(ctx, rec, cfg)
	require.NoError(t, err)

	assert.True(t, first.Equal(second))
	assert.Equal(t, int64(0), readerLoader.calls.Load(), "second process must hit the shared entry")
}

func TestCache_ConfigChangeOpensNewNamespace(t *testing.T) {
	ctx := context.Background()
	loader := &countingLoader{}
	c, store := newTestCache(t, loader.load)
	rec := testRecord("vol-001")

	cfgA := testConfig()
	cfgB := testConfig()
	cfgB.ClipMax = 400

	_, err := c.Fetch(ctx, rec, cfgA)
	require.NoError(t, err)
	_, err = c.Fetch(ctx, rec, cfgB)
	require.NoError(t, err)
	assert.Equal(t, int64(2), loader.calls.Load(), "each config computes once")

	// Old entries stay behind, orphaned in their own namespace.
	for _, cfg := range []transform.Config{cfgA, cfgB} {
		key := Key{VolumeID: rec.VolumeID, Fingerprint: cfg.Fingerprint()}
		_, err := store.Stat(ctx, key.BlobName())
		assert.NoError(t, err)
	}

	namespaces, err := c.Namespaces(ctx)
	require.NoError(t, err)
	assert.Len(t, namespaces, 2)
}

func TestCache_CorruptEntryRecomputed(t *testing.T) {
	ctx := context.Background()
	loader := &countingLoader{}
	dir := t.TempDir()
	store := blobstore.NewLocalStore(dir)
	c := New(store, func(o *Options) { o.Loader = loader.load })
	cfg := testConfig()
	rec := testRecord("vol-001")

	first, err := c.Fetch(ctx, rec, cfg)
	require.NoError(t, err)

	// Flip one payload byte on disk behind the cache's back.
	key := Key{VolumeID: rec.VolumeID, Fingerprint: cfg.Fingerprint()}
	path := filepath.Join(dir, filepath.FromSlash(key.BlobName()))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data[headerSize] ^= 0x01
	require.NoError(t, os.WriteFile(path, data, 0o644))

	// A fresh cache (no singleflight memory) must detect the corruption,
	// recompute, and serve the correct tensor.
	c2 := New(blobstore.NewLocalStore(dir), func(o *Options) { o.Loader = loader.load })
	second, err := c2.Fetch(ctx, rec, cfg)
	require.NoError(t, err)
	assert.True(t, first.Equal(second))

	stats := c2.Stats()
	assert.Equal(t, int64(1), stats.Misses)
	assert.Equal(t, int64(1), stats.Recomputes)

	// The rewritten entry is valid again.
	c3 := New(blobstore.NewLocalStore(dir), func(o *Options) { o.Loader = loader.load })
	third, err := c3.Fetch(ctx, rec, cfg)
	require.NoError(t, err)
	assert.True(t, first.Equal(third))
	assert.Equal(t, int64(1), c3.Stats().Hits)
}

func TestCache_WriteFailureReturnsTensor(t *testing.T) {
	ctx := context.Background()
	loader := &countingLoader{}
	faulty := fs.NewFaultyFS(nil)
	faulty.AddRule(EntryExt, fs.Fault{FailAfterBytes: -1, FailOnSync: true})

	store := blobstore.NewLocalStoreFS(t.TempDir(), faulty)
	c := New(store, func(o *Options) { o.Loader = loader.load })

	tensor, err := c.Fetch(ctx, testRecord("vol-001"), testConfig())
	var we *WriteError
	require.ErrorAs(t, err, &we)
	require.NotNil(t, tensor, "computed tensor must survive a persist failure")
	assert.NoError(t, tensor.Validate())
	assert.Equal(t, int64(1), c.Stats().WriteFailures)

	// Nothing was published.
	names, err := store.List(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestCache_RenameFailureLeavesNoPartialEntry(t *testing.T) {
	ctx := context.Background()
	loader := &countingLoader{}
	faulty := fs.NewFaultyFS(nil)
	faulty.AddRule(EntryExt, fs.Fault{FailAfterBytes: -1, FailOnRename: true})

	dir := t.TempDir()
	store := blobstore.NewLocalStoreFS(dir, faulty)
	c := New(store, func(o *Options) { o.Loader = loader.load })

	tensor, err := c.Fetch(ctx, testRecord("vol-001"), testConfig())
	var we *WriteError
	require.ErrorAs(t, err, &we)
	require.NotNil(t, tensor)

	names, err := store.List(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, names)

	// Once the fault clears, the same key persists normally.
	faulty.ClearRules()
	again, err := c.Fetch(ctx, testRecord("vol-001"), testConfig())
	require.NoError(t, err)
	assert.True(t, tensor.Equal(again))
}

func TestCache_ConcurrentFetchesShareOneCompute(t *testing.T) {
	ctx := context.Background()
	loader := &countingLoader{delay: 20 * time.Millisecond}
	c, _ := newTestCache(t, loader.load)
	cfg := testConfig()
	rec := testRecord("vol-001")

	const workers = 8
	results := make([]*volume.Tensor, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tensor, err := c.Fetch(ctx, rec, cfg)
			assert.NoError(t, err)
			results[i] = tensor
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int64(1), loader.calls.Load(), "same-key fetches share one computation")
	for i := 1; i < workers; i++ {
		assert.True(t, results[0].Equal(results[i]))
	}
}

func TestCache_NamespaceMarker(t *testing.T) {
	ctx := context.Background()
	loader := &countingLoader{}
	c, store := newTestCache(t, loader.load)
	cfg := testConfig()

	_, err := c.Fetch(ctx, testRecord("vol-001"), cfg)
	require.NoError(t, err)

	data, err := blobstore.Get(ctx, store, MarkerName(cfg.Fingerprint()))
	require.NoError(t, err)

	var marker struct {
		Fingerprint string           `json:"fingerprint"`
		Config      transform.Config `json:"config"`
	}
	require.NoError(t, json.Unmarshal(data, &marker))
	assert.Equal(t, cfg.Fingerprint().String(), marker.Fingerprint)
	assert.Equal(t, cfg, marker.Config)
}

func TestCache_LoaderErrorPropagates(t *testing.T) {
	ctx := context.Background()
	srcErr := &volume.SourceError{Path: "/scans/vol-001.nii.gz"}
	c, _ := newTestCache(t, func(string) (*volume.Volume, error) {
		return nil, srcErr
	})

	tensor, err := c.Fetch(ctx, testRecord("vol-001"), testConfig())
	assert.Nil(t, tensor)
	var se *volume.SourceError
	require.ErrorAs(t, err, &se)
}

func TestCache_ClearAndPrune(t *testing.T) {
	ctx := context.Background()
	loader := &countingLoader{}
	c, store := newTestCache(t, loader.load)

	cfgA := testConfig()
	cfgB := testConfig()
	cfgB.TargetShape = [3]int{2, 2, 2}

	for _, cfg := range []transform.Config{cfgA, cfgB} {
		_, err := c.Fetch(ctx, testRecord("vol-001"), cfg)
		require.NoError(t, err)
		_, err = c.Fetch(ctx, testRecord("vol-002"), cfg)
		require.NoError(t, err)
	}

	namespaces, err := c.Namespaces(ctx)
	require.NoError(t, err)
	require.Len(t, namespaces, 2)
	for _, ns := range namespaces {
		assert.Equal(t, 2, ns.Entries)
		assert.Positive(t, ns.Bytes)
	}

	require.NoError(t, c.Clear(ctx, cfgA.Fingerprint()))
	namespaces, err = c.Namespaces(ctx)
	require.NoError(t, err)
	require.Len(t, namespaces, 1)
	assert.Equal(t, cfgB.Fingerprint().String(), namespaces[0].Fingerprint)

	require.NoError(t, c.Prune(ctx, nil))
	namespaces, err = c.Namespaces(ctx)
	require.NoError(t, err)
	assert.Empty(t, namespaces)

	names, err := store.List(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestCache_SweepWithoutSupportIsNoop(t *testing.T) {
	c := New(blobstore.NewMemoryStore())
	assert.NoError(t, c.Sweep())
}
