package scanset

import (
	"github.com/voxml/scanset/augment"
)

type options struct {
	augmenter    *augment.Augmenter
	skipCorrupt  bool
	strictWrites bool
	seed         int64
	logger       *Logger
}

// Option configures Pipeline construction.
type Option func(*options)

// WithAugmenter enables training-time augmentation. Without it the
// pipeline runs in evaluation mode: every access is deterministic.
func WithAugmenter(a *augment.Augmenter) Option {
	return func(o *options) {
		o.augmenter = a
	}
}

// WithSkipCorrupt makes unreadable or corrupt source volumes non-fatal:
// the affected index yields a zero tensor with its true label, and the
// skip is logged once per volume. Without this option a bad source fails
// the Get that touches it.
//
// Missing label rows are never skippable; they indicate upstream data
// corruption and always fail.
func WithSkipCorrupt() Option {
	return func(o *options) {
		o.skipCorrupt = true
	}
}

// WithStrictPersistence turns cache write failures into Get errors.
// By default a failed persist is logged and the freshly computed tensor
// is served anyway, since it is valid for in-process use.
func WithStrictPersistence() Option {
	return func(o *options) {
		o.strictWrites = true
	}
}

// WithSeed fixes the base seed of the augmentation randomness, making the
// stream of augmented tensors reproducible across identical runs.
func WithSeed(seed int64) Option {
	return func(o *options) {
		o.seed = seed
	}
}

// WithLogger routes pipeline events to the given logger.
func WithLogger(l *Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}
