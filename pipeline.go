package scanset

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/voxml/scanset/augment"
	"github.com/voxml/scanset/cache"
	"github.com/voxml/scanset/labels"
	"github.com/voxml/scanset/manifest"
	"github.com/voxml/scanset/transform"
	"github.com/voxml/scanset/volume"
)

// Item is one fully resolved dataset element.
type Item struct {
	VolumeID string
	Tensor   *volume.Tensor
	Label    labels.Vector
	// Skipped marks a zero-filled tensor served in place of an
	// unreadable source under the skip-corrupt policy. The label is
	// still the volume's true label.
	Skipped bool
}

// Pipeline composes the stages behind one indexable contract:
// Get(i) → (tensor, label). It is stateless per call — every Get fully
// re-derives its result from the manifest, the cache, and the label
// table, plus per-access augmentation randomness — and safe for
// concurrent use. Parallel worker processes each construct their own
// Pipeline over the same cache directory.
type Pipeline struct {
	index     *manifest.Index
	cache     *cache.Cache
	attacher  *labels.Attacher
	augmenter *augment.Augmenter
	cfg       transform.Config
	opts      options

	seq atomic.Uint64
	// skipLogged dedupes skip-with-log warnings per volume.
	skipLogged sync.Map
}

// NewPipeline wires the stages together. The transform config is
// validated here so a bad config fails at construction, not at first
// access.
func NewPipeline(index *manifest.Index, c *cache.Cache, table *labels.Table, cfg transform.Config, optFns ...Option) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	opts := options{
		seed:   time.Now().UnixNano(),
		logger: NoopLogger(),
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.logger == nil {
		opts.logger = NoopLogger()
	}

	return &Pipeline{
		index:     index,
		cache:     c,
		attacher:  labels.NewAttacher(table),
		augmenter: opts.augmenter,
		cfg:       cfg,
		opts:      opts,
	}, nil
}

// Len returns the number of dataset elements.
func (p *Pipeline) Len() int { return p.index.Len() }

// Fingerprint returns the active transform namespace, so operators can
// relate this pipeline to cache directories on disk.
func (p *Pipeline) Fingerprint() transform.Fingerprint { return p.cfg.Fingerprint() }

// Get resolves index i through the full stage chain:
// manifest lookup → cache fetch → label attach → augmentation.
func (p *Pipeline) Get(ctx context.Context, i int) (Item, error) {
	rec, err := p.index.Get(i)
	if err != nil {
		return Item{}, err
	}

	t, skipped, err := p.fetch(ctx, rec)
	if err != nil {
		return Item{}, err
	}

	t, label, err := p.attacher.Attach(rec.VolumeID, t)
	if err != nil {
		return Item{}, err
	}

	if p.augmenter != nil && !skipped {
		rng := rand.New(rand.NewSource(p.opts.seed ^ int64(p.seq.Add(1))))
		t = p.augmenter.Apply(t, rng)
	}

	return Item{VolumeID: rec.VolumeID, Tensor: t, Label: label, Skipped: skipped}, nil
}

func (p *Pipeline) fetch(ctx context.Context, rec manifest.Record) (*volume.Tensor, bool, error) {
	t, err := p.cache.Fetch(ctx, rec, p.cfg)

	var writeErr *cache.WriteError
	if errors.As(err, &writeErr) {
		if p.opts.strictWrites {
			return nil, false, err
		}
		// Tensor is valid for this process; persistence failure already
		// logged by the cache.
		return t, false, nil
	}

	var srcErr *volume.SourceError
	if errors.As(err, &srcErr) && p.opts.skipCorrupt {
		if _, logged := p.skipLogged.LoadOrStore(rec.VolumeID, struct{}{}); !logged {
			p.opts.logger.WithVolume(rec.VolumeID).Warn("skipping unreadable volume", "error", err)
		}
		sh := p.cfg.TargetShape
		return volume.Zeros(sh[0], sh[1], sh[2]), true, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("volume %s: %w", rec.VolumeID, err)
	}
	return t, false, nil
}

// Warm populates the cache for every manifest entry using the given
// number of parallel workers. Labels and augmentation are not touched;
// this is the bulk version of the fetch stage for priming a cache before
// training. Source errors respect the skip policy.
func (p *Pipeline) Warm(ctx context.Context, workers int) error {
	if workers < 1 {
		workers = 1
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	for i := 0; i < p.index.Len(); i++ {
		g.Go(func() error {
			rec, err := p.index.Get(i)
			if err != nil {
				return err
			}
			if _, _, err := p.fetch(ctx, rec); err != nil {
				return err
			}
			return nil
		})
	}
	return g.Wait()
}
