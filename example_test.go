package scanset_test

import (
	"context"
	"fmt"
	"log"

	"github.com/voxml/scanset"
	"github.com/voxml/scanset/augment"
	"github.com/voxml/scanset/blobstore"
	"github.com/voxml/scanset/cache"
	"github.com/voxml/scanset/labels"
	"github.com/voxml/scanset/manifest"
	"github.com/voxml/scanset/transform"
)

// Example demonstrates wiring a training dataset: manifest, shared cache
// directory, label table, and a deterministic transform config.
func Example() {
	cfg := transform.Config{
		TargetSpacing: [3]float64{1.5, 1.5, 1.5},
		TargetShape:   [3]int{96, 192, 192},
		ClipMin:       -1000,
		ClipMax:       1000,
		Axcodes:       "LPS",
	}

	// Every worker process builds the same fingerprint from the same
	// config, so they share one cache namespace.
	fmt.Println(len(cfg.Fingerprint().String()))
	// Output: 64
}

// Example_pipeline shows the full stage chain over a local cache
// directory. Paths are placeholders; a real run points them at the split
// manifest and master label table.
func Example_pipeline() {
	ctx := context.Background()

	index, err := manifest.Load("splits/train.csv")
	if err != nil {
		log.Fatal(err)
	}
	table, err := labels.Load("labels.csv", []string{"atelectasis", "nodule", "emphysema"})
	if err != nil {
		log.Fatal(err)
	}

	c := cache.New(blobstore.NewLocalStore("/var/cache/scanset"))
	cfg := transform.Config{
		TargetSpacing: [3]float64{1.5, 1.5, 1.5},
		TargetShape:   [3]int{96, 192, 192},
		ClipMin:       -1000,
		ClipMax:       1000,
		Axcodes:       "LPS",
	}

	p, err := scanset.NewPipeline(index, c, table, cfg,
		scanset.WithAugmenter(augment.New(func(o *augment.Options) {
			o.FlipAxes = [3]bool{false, true, true}
			o.MaxIntensityShift = 0.05
		})),
		scanset.WithSkipCorrupt(),
	)
	if err != nil {
		log.Fatal(err)
	}

	// Prime the cache before the first epoch.
	if err := p.Warm(ctx, 8); err != nil {
		log.Fatal(err)
	}

	for i := 0; i < p.Len(); i++ {
		item, err := p.Get(ctx, i)
		if err != nil {
			log.Fatal(err)
		}
		_ = item.Tensor
		_ = item.Label
	}
}
