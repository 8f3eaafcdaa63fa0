package transform

import (
	"fmt"
	"math"

	"github.com/voxml/scanset/volume"
)

// Apply runs the full preprocessing chain on a raw volume:
// reorient → resample to target spacing → clip+rescale intensities →
// resize to the target shape. The result is a single-channel float32
// tensor of shape (1, D, H, W). The chain is fully deterministic.
func (c Config) Apply(v *volume.Volume) (*volume.Tensor, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}

	reoriented, err := Reorient(v, c.Axcodes)
	if err != nil {
		return nil, err
	}
	resampled := Resample(reoriented, c.TargetSpacing)
	ClipNormalize(resampled, c.ClipMin, c.ClipMax)
	return Resize(resampled, c.TargetShape), nil
}

// worldAxis maps an axcode letter to its anatomical axis (0 = left/right,
// 1 = posterior/anterior, 2 = inferior/superior) and direction sign.
func worldAxis(code byte) (axis int, positive bool, err error) {
	switch code {
	case 'R':
		return 0, true, nil
	case 'L':
		return 0, false, nil
	case 'A':
		return 1, true, nil
	case 'P':
		return 1, false, nil
	case 'S':
		return 2, true, nil
	case 'I':
		return 2, false, nil
	default:
		return 0, false, fmt.Errorf("transform: invalid axcode letter %q", code)
	}
}

// Reorient permutes and flips the stored axes of v so that axis k of the
// result increases in the anatomical direction named by target[k].
func Reorient(v *volume.Volume, target string) (*volume.Volume, error) {
	if err := validateAxcodes(target); err != nil {
		return nil, err
	}
	if len(v.Axcodes) != 3 {
		return nil, fmt.Errorf("transform: volume carries invalid axcodes %q", v.Axcodes)
	}
	if v.Axcodes == target {
		return v, nil
	}

	// srcAxis[w] / srcPositive[w]: which stored axis runs along world axis w.
	var srcAxis [3]int
	var srcPositive [3]bool
	for j := 0; j < 3; j++ {
		w, pos, err := worldAxis(v.Axcodes[j])
		if err != nil {
			return nil, err
		}
		srcAxis[w] = j
		srcPositive[w] = pos
	}

	var perm [3]int
	var flip [3]bool
	for k := 0; k < 3; k++ {
		w, pos, err := worldAxis(target[k])
		if err != nil {
			return nil, err
		}
		perm[k] = srcAxis[w]
		flip[k] = srcPositive[w] != pos
	}

	out := &volume.Volume{
		Axcodes: target,
	}
	for k := 0; k < 3; k++ {
		out.Dim[k] = v.Dim[perm[k]]
		out.Spacing[k] = v.Spacing[perm[k]]
	}
	out.Data = make([]float32, len(v.Data))

	var src [3]int
	for k2 := 0; k2 < out.Dim[2]; k2++ {
		for k1 := 0; k1 < out.Dim[1]; k1++ {
			for k0 := 0; k0 < out.Dim[0]; k0++ {
				idx := [3]int{k0, k1, k2}
				for k := 0; k < 3; k++ {
					i := idx[k]
					if flip[k] {
						i = out.Dim[k] - 1 - i
					}
					src[perm[k]] = i
				}
				out.Data[k0+k1*out.Dim[0]+k2*out.Dim[0]*out.Dim[1]] = v.At(src[0], src[1], src[2])
			}
		}
	}
	return out, nil
}

// Resample interpolates v onto a grid with the given per-axis spacing
// using trilinear interpolation with voxel-center alignment.
func Resample(v *volume.Volume, spacing [3]float64) *volume.Volume {
	var outDim [3]int
	var scale [3]float64
	same := true
	for k := 0; k < 3; k++ {
		outDim[k] = int(math.Round(float64(v.Dim[k]) * v.Spacing[k] / spacing[k]))
		if outDim[k] < 1 {
			outDim[k] = 1
		}
		scale[k] = float64(v.Dim[k]) / float64(outDim[k])
		if outDim[k] != v.Dim[k] {
			same = false
		}
	}
	if same {
		out := *v
		out.Spacing = spacing
		return &out
	}

	out := &volume.Volume{
		Dim:     outDim,
		Spacing: spacing,
		Axcodes: v.Axcodes,
		Data:    make([]float32, outDim[0]*outDim[1]*outDim[2]),
	}
	for k2 := 0; k2 < outDim[2]; k2++ {
		z := (float64(k2)+0.5)*scale[2] - 0.5
		for k1 := 0; k1 < outDim[1]; k1++ {
			y := (float64(k1)+0.5)*scale[1] - 0.5
			for k0 := 0; k0 < outDim[0]; k0++ {
				x := (float64(k0)+0.5)*scale[0] - 0.5
				out.Data[k0+k1*outDim[0]+k2*outDim[0]*outDim[1]] = trilinear(v, x, y, z)
			}
		}
	}
	return out
}

func trilinear(v *volume.Volume, x, y, z float64) float32 {
	x0, fx := floorFrac(x, v.Dim[0])
	y0, fy := floorFrac(y, v.Dim[1])
	z0, fz := floorFrac(z, v.Dim[2])
	x1 := min(x0+1, v.Dim[0]-1)
	y1 := min(y0+1, v.Dim[1]-1)
	z1 := min(z0+1, v.Dim[2]-1)

	c000 := float64(v.At(x0, y0, z0))
	c100 := float64(v.At(x1, y0, z0))
	c010 := float64(v.At(x0, y1, z0))
	c110 := float64(v.At(x1, y1, z0))
	c001 := float64(v.At(x0, y0, z1))
	c101 := float64(v.At(x1, y0, z1))
	c011 := float64(v.At(x0, y1, z1))
	c111 := float64(v.At(x1, y1, z1))

	c00 := c000*(1-fx) + c100*fx
	c10 := c010*(1-fx) + c110*fx
	c01 := c001*(1-fx) + c101*fx
	c11 := c011*(1-fx) + c111*fx

	c0 := c00*(1-fy) + c10*fy
	c1 := c01*(1-fy) + c11*fy

	return float32(c0*(1-fz) + c1*fz)
}

// floorFrac clamps the continuous coordinate into the grid and splits it
// into an integer base index and interpolation fraction.
func floorFrac(x float64, dim int) (int, float64) {
	if x <= 0 {
		return 0, 0
	}
	if x >= float64(dim-1) {
		return dim - 1, 0
	}
	i := math.Floor(x)
	return int(i), x - i
}

// ClipNormalize clips intensities to [lo, hi] and rescales them to [0, 1]
// in place.
func ClipNormalize(v *volume.Volume, lo, hi float64) {
	span := float32(hi - lo)
	flo := float32(lo)
	fhi := float32(hi)
	for i, val := range v.Data {
		if val < flo {
			val = flo
		} else if val > fhi {
			val = fhi
		}
		v.Data[i] = (val - flo) / span
	}
}

// Resize interpolates v onto the target (D, H, W) grid and returns it as a
// single-channel tensor. Axis k of the volume becomes spatial axis k of
// the tensor.
func Resize(v *volume.Volume, shape [3]int) *volume.Tensor {
	var scale [3]float64
	for k := 0; k < 3; k++ {
		scale[k] = float64(v.Dim[k]) / float64(shape[k])
	}

	t := volume.Zeros(shape[0], shape[1], shape[2])
	for d := 0; d < shape[0]; d++ {
		x := (float64(d)+0.5)*scale[0] - 0.5
		for h := 0; h < shape[1]; h++ {
			y := (float64(h)+0.5)*scale[1] - 0.5
			for w := 0; w < shape[2]; w++ {
				z := (float64(w)+0.5)*scale[2] - 0.5
				t.SetAt(0, d, h, w, trilinear(v, x, y, z))
			}
		}
	}
	return t
}
