// Package augment applies stochastic training-time transforms to
// preprocessed tensors.
//
// Augmented tensors are never cached: every access draws fresh
// randomness, and two reads of the same index within an epoch may
// legitimately differ. In evaluation mode the stage is the identity so
// repeated accesses are deterministic.
package augment

import (
	"math/rand"

	"github.com/voxml/scanset/volume"
)

// Options configures the augmentation chain. Zero values disable the
// corresponding transform.
type Options struct {
	// FlipAxes enables a 50% random flip per spatial axis (D, H, W).
	FlipAxes [3]bool
	// MaxIntensityShift is the additive perturbation bound; shifts are
	// drawn uniformly from [-MaxIntensityShift, MaxIntensityShift].
	MaxIntensityShift float64
	// MaxIntensityScale bounds the multiplicative perturbation; scales
	// are drawn from [1-MaxIntensityScale, 1+MaxIntensityScale].
	MaxIntensityScale float64
	// MaxTranslate is the per-axis bound, in voxels, of a random integer
	// translation. Vacated voxels are zero-filled.
	MaxTranslate [3]int
}

// Augmenter applies the configured transforms. A nil Augmenter is the
// identity, used in evaluation mode.
type Augmenter struct {
	opts Options
}

// New creates an augmenter.
func New(optFns ...func(*Options)) *Augmenter {
	var opts Options
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Augmenter{opts: opts}
}

// Apply returns an augmented copy of t. The input is never mutated; the
// label vector is the caller's concern and passes through unchanged.
func (a *Augmenter) Apply(t *volume.Tensor, rng *rand.Rand) *volume.Tensor {
	if a == nil {
		return t
	}

	out := t.Clone()

	for axis := 0; axis < 3; axis++ {
		if a.opts.FlipAxes[axis] && rng.Intn(2) == 1 {
			flip(out, axis+1)
		}
	}

	var shift [3]int
	translated := false
	for axis := 0; axis < 3; axis++ {
		if m := a.opts.MaxTranslate[axis]; m > 0 {
			shift[axis] = rng.Intn(2*m+1) - m
			translated = translated || shift[axis] != 0
		}
	}
	if translated {
		out = translate(out, shift)
	}

	scale := float32(1)
	if a.opts.MaxIntensityScale > 0 {
		scale = float32(1 + (rng.Float64()*2-1)*a.opts.MaxIntensityScale)
	}
	offset := float32(0)
	if a.opts.MaxIntensityShift > 0 {
		offset = float32((rng.Float64()*2 - 1) * a.opts.MaxIntensityShift)
	}
	if scale != 1 || offset != 0 {
		for i, v := range out.Data {
			out.Data[i] = v*scale + offset
		}
	}

	return out
}

// flip reverses the tensor along one shape axis (1=D, 2=H, 3=W) in place.
func flip(t *volume.Tensor, axis int) {
	sh := t.Shape
	for c := 0; c < sh[0]; c++ {
		for d := 0; d < sh[1]; d++ {
			for h := 0; h < sh[2]; h++ {
				for w := 0; w < sh[3]; w++ {
					idx := [4]int{c, d, h, w}
					mirror := idx
					mirror[axis] = sh[axis] - 1 - idx[axis]
					if mirror[axis] <= idx[axis] {
						continue
					}
					i := t.Index(idx[0], idx[1], idx[2], idx[3])
					j := t.Index(mirror[0], mirror[1], mirror[2], mirror[3])
					t.Data[i], t.Data[j] = t.Data[j], t.Data[i]
				}
			}
		}
	}
}

// translate shifts the spatial content by the given per-axis offsets,
// zero-filling vacated voxels.
func translate(t *volume.Tensor, shift [3]int) *volume.Tensor {
	sh := t.Shape
	out := volume.New(sh[0], sh[1], sh[2], sh[3])
	for c := 0; c < sh[0]; c++ {
		for d := 0; d < sh[1]; d++ {
			sd := d - shift[0]
			if sd < 0 || sd >= sh[1] {
				continue
			}
			for h := 0; h < sh[2]; h++ {
				sh2 := h - shift[1]
				if sh2 < 0 || sh2 >= sh[2] {
					continue
				}
				for w := 0; w < sh[3]; w++ {
					sw := w - shift[2]
					if sw < 0 || sw >= sh[3] {
						continue
					}
					out.SetAt(c, d, h, w, t.At(c, sd, sh2, sw))
				}
			}
		}
	}
	return out
}
