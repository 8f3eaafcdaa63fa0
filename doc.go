// Package scanset prepares large volumetric scans for repeated consumption
// by a training loop.
//
// Raw volumes are converted into canonical preprocessed tensors exactly
// once per (volume, transform-configuration) pair and persisted in a
// content-addressed cache; label attachment and stochastic augmentation
// are layered on top without ever polluting the cache. The pipeline is
// built from independent stages composed by delegation:
//
//	manifest.Index → cache.Cache → labels.Attacher → augment.Augmenter
//
// each exposing a single indexed-access capability, so stages can be
// tested and swapped in isolation.
//
// # Quick start
//
//	idx, err := manifest.Load("splits/train_fold0.csv")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	table, err := labels.Load("labels.csv", []string{"Cardiomegaly", "Atelectasis"})
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	store := blobstore.NewLocalStore("/data/cache")
//	c := cache.New(store)
//
//	pipe, err := scanset.NewPipeline(idx, c, table, transform.Config{
//	    TargetSpacing: [3]float64{1.5, 1.5, 1.5},
//	    TargetShape:   [3]int{96, 192, 192},
//	    ClipMin:       -1000,
//	    ClipMax:       1000,
//	    Axcodes:       "LPS",
//	},
//	    scanset.WithAugmenter(augment.New(func(o *augment.Options) {
//	        o.FlipAxes = [3]bool{false, true, true}
//	        o.MaxIntensityShift = 0.05
//	    })),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	item, err := pipe.Get(ctx, 0)
//
// # Concurrency model
//
// Workers are independent processes; each constructs its own Pipeline
// over the same manifest, label table, and cache directory. No in-memory
// state is shared. All cross-worker coordination happens through the blob
// store, whose atomic publish guarantees a reader sees either no entry or
// a complete one. Two workers racing on the same key both compute — the
// loser's work is wasted, not harmful.
//
// # Cache invalidation
//
// Changing any transform parameter changes the config fingerprint, which
// is the cache namespace. Old entries are orphaned, never mutated;
// cache.Cache.Namespaces and Clear exist for disk reclamation only.
package scanset
