// Package volume provides the tensor value type and raw scan loading.
//
// A [Tensor] is the unit of data flowing through the preprocessing
// pipeline: channel-first float32 voxels with an explicit shape. Raw scans
// are loaded from NIfTI-1 files into a [Volume], which additionally carries
// the acquisition geometry (voxel spacing and anatomical orientation)
// needed by the spatial transforms.
package volume

import "fmt"

// DType identifies the element encoding of a stored tensor.
type DType uint8

const (
	DTypeUnknown DType = iota
	// DTypeFloat32 is the only dtype produced by the preprocessing chain.
	DTypeFloat32
)

// String returns the dtype name.
func (d DType) String() string {
	switch d {
	case DTypeFloat32:
		return "float32"
	default:
		return fmt.Sprintf("dtype(%d)", uint8(d))
	}
}

// Tensor is a dense 4D array in (C, D, H, W) layout, W fastest.
type Tensor struct {
	Shape [4]int
	Data  []float32
}

// New allocates a zero-filled tensor of the given shape.
func New(c, d, h, w int) *Tensor {
	return &Tensor{
		Shape: [4]int{c, d, h, w},
		Data:  make([]float32, c*d*h*w),
	}
}

// Zeros allocates a zero-filled single-channel tensor of shape (1, d, h, w).
func Zeros(d, h, w int) *Tensor { return New(1, d, h, w) }

// Numel returns the number of elements.
func (t *Tensor) Numel() int {
	return t.Shape[0] * t.Shape[1] * t.Shape[2] * t.Shape[3]
}

// Index returns the flat offset of (c, d, h, w).
func (t *Tensor) Index(c, d, h, w int) int {
	return ((c*t.Shape[1]+d)*t.Shape[2]+h)*t.Shape[3] + w
}

// At returns the element at (c, d, h, w).
func (t *Tensor) At(c, d, h, w int) float32 {
	return t.Data[t.Index(c, d, h, w)]
}

// SetAt stores v at (c, d, h, w).
func (t *Tensor) SetAt(c, d, h, w int, v float32) {
	t.Data[t.Index(c, d, h, w)] = v
}

// Clone returns a deep copy.
func (t *Tensor) Clone() *Tensor {
	out := &Tensor{Shape: t.Shape, Data: make([]float32, len(t.Data))}
	copy(out.Data, t.Data)
	return out
}

// Equal reports whether two tensors have identical shape and bit-identical
// contents.
func (t *Tensor) Equal(o *Tensor) bool {
	if t.Shape != o.Shape {
		return false
	}
	for i, v := range t.Data {
		if v != o.Data[i] {
			return false
		}
	}
	return true
}

// Validate checks that the shape is positive and consistent with the data
// length.
func (t *Tensor) Validate() error {
	for _, s := range t.Shape {
		if s <= 0 {
			return fmt.Errorf("volume: invalid tensor shape %v", t.Shape)
		}
	}
	if len(t.Data) != t.Numel() {
		return fmt.Errorf("volume: tensor data length %d does not match shape %v", len(t.Data), t.Shape)
	}
	return nil
}

// Volume is a raw scan as stored on disk: voxels in acquisition order plus
// the geometry required to resample and reorient them.
type Volume struct {
	// Data holds voxels with axis 0 fastest: Data[i + j*Dim[0] + k*Dim[0]*Dim[1]].
	Data []float32
	// Dim is the voxel count along each stored axis.
	Dim [3]int
	// Spacing is the voxel size in millimeters along each stored axis.
	Spacing [3]float64
	// Axcodes gives the anatomical direction of increasing index for each
	// stored axis, e.g. "RAS" (axis 0 toward Right, 1 Anterior, 2 Superior).
	Axcodes string
}

// At returns the voxel at stored coordinates (i, j, k).
func (v *Volume) At(i, j, k int) float32 {
	return v.Data[i+j*v.Dim[0]+k*v.Dim[0]*v.Dim[1]]
}
