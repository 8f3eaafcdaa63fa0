package volume

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"strings"

	"github.com/klauspost/compress/gzip"
)

// SourceError indicates a raw scan that could not be read or decoded.
// Depending on pipeline policy it is either fatal or skip-with-log.
type SourceError struct {
	Path  string
	cause error
}

func (e *SourceError) Error() string {
	return fmt.Sprintf("volume: unreadable source %s: %v", e.Path, e.cause)
}

func (e *SourceError) Unwrap() error { return e.cause }

const (
	niftiHeaderSize = 348

	dtUint8   = 2
	dtInt16   = 4
	dtInt32   = 8
	dtFloat32 = 16
	dtFloat64 = 64
	dtInt8    = 256
	dtUint16  = 512
	dtUint32  = 768
)

// niftiHeader is the fixed 348-byte NIfTI-1 header.
type niftiHeader struct {
	SizeofHdr     int32
	DataType      [10]byte
	DBName        [18]byte
	Extents       int32
	SessionError  int16
	Regular       byte
	DimInfo       byte
	Dim           [8]int16
	IntentP1      float32
	IntentP2      float32
	IntentP3      float32
	IntentCode    int16
	Datatype      int16
	Bitpix        int16
	SliceStart    int16
	Pixdim        [8]float32
	VoxOffset     float32
	SclSlope      float32
	SclInter      float32
	SliceEnd      int16
	SliceCode     byte
	XyztUnits     byte
	CalMax        float32
	CalMin        float32
	SliceDuration float32
	Toffset       float32
	Glmax         int32
	Glmin         int32
	Descrip       [80]byte
	AuxFile       [24]byte
	QformCode     int16
	SformCode     int16
	QuaternB      float32
	QuaternC      float32
	QuaternD      float32
	QoffsetX      float32
	QoffsetY      float32
	QoffsetZ      float32
	SrowX         [4]float32
	SrowY         [4]float32
	SrowZ         [4]float32
	IntentName    [16]byte
	Magic         [4]byte
}

// LoadNIfTI reads a NIfTI-1 volume (.nii or .nii.gz). It returns the voxel
// data converted to float32 with scl_slope/scl_inter applied, along with
// spacing and the anatomical axis codes derived from the sform or qform
// affine.
func LoadNIfTI(path string) (*Volume, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &SourceError{Path: path, cause: err}
	}
	defer f.Close()

	var r io.Reader = f
	if isGzip(path, f) {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return nil, &SourceError{Path: path, cause: err}
		}
		defer gz.Close()
		r = gz
	}

	v, err := decodeNIfTI(r)
	if err != nil {
		return nil, &SourceError{Path: path, cause: err}
	}
	return v, nil
}

func isGzip(path string, f *os.File) bool {
	var magic [2]byte
	_, err := f.ReadAt(magic[:], 0)
	// Seek position is unaffected; ReadAt is positional.
	if err == nil && magic[0] == 0x1f && magic[1] == 0x8b {
		return true
	}
	return strings.HasSuffix(path, ".gz")
}

func decodeNIfTI(r io.Reader) (*Volume, error) {
	raw := make([]byte, niftiHeaderSize)
	if _, err := io.ReadFull(r, raw); err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}

	// sizeof_hdr doubles as the endianness probe.
	var order binary.ByteOrder = binary.LittleEndian
	if order.Uint32(raw[:4]) != niftiHeaderSize {
		order = binary.BigEndian
		if order.Uint32(raw[:4]) != niftiHeaderSize {
			return nil, fmt.Errorf("not a NIfTI-1 file (sizeof_hdr != %d)", niftiHeaderSize)
		}
	}

	var hdr niftiHeader
	if err := binary.Read(bytes.NewReader(raw), order, &hdr); err != nil {
		return nil, fmt.Errorf("decode header: %w", err)
	}
	if m := hdr.Magic; !(m[0] == 'n' && (m[1] == '+' || m[1] == 'i') && m[2] == '1' && m[3] == 0) {
		return nil, fmt.Errorf("bad magic %q", hdr.Magic)
	}

	ndim := int(hdr.Dim[0])
	if ndim < 3 || ndim > 7 {
		return nil, fmt.Errorf("unsupported dimensionality %d", ndim)
	}
	var dim [3]int
	for i := 0; i < 3; i++ {
		dim[i] = int(hdr.Dim[i+1])
		if dim[i] <= 0 {
			return nil, fmt.Errorf("non-positive dim[%d]=%d", i+1, dim[i])
		}
	}
	// Trailing dimensions (time, vectors) must be singleton: the pipeline
	// handles single-channel scans only.
	for i := 4; i <= ndim; i++ {
		if hdr.Dim[i] > 1 {
			return nil, fmt.Errorf("unsupported non-singleton dim[%d]=%d", i, hdr.Dim[i])
		}
	}

	n := dim[0] * dim[1] * dim[2]
	if n <= 0 || n > math.MaxInt32 {
		return nil, fmt.Errorf("implausible voxel count %d", n)
	}

	// Skip the gap between the header and the data section.
	if skip := int64(hdr.VoxOffset) - niftiHeaderSize; skip > 0 {
		if _, err := io.CopyN(io.Discard, r, skip); err != nil {
			return nil, fmt.Errorf("seek to voxel data: %w", err)
		}
	}

	data, err := readVoxels(r, order, int(hdr.Datatype), n)
	if err != nil {
		return nil, err
	}

	// scl_slope == 0 means "no scaling" per the NIfTI-1 standard.
	if slope, inter := hdr.SclSlope, hdr.SclInter; slope != 0 && !(slope == 1 && inter == 0) {
		for i := range data {
			data[i] = data[i]*slope + inter
		}
	}

	axcodes, err := axcodesFromHeader(&hdr)
	if err != nil {
		return nil, err
	}

	var spacing [3]float64
	for i := 0; i < 3; i++ {
		spacing[i] = math.Abs(float64(hdr.Pixdim[i+1]))
		if spacing[i] == 0 {
			spacing[i] = 1
		}
	}

	return &Volume{
		Data:    data,
		Dim:     dim,
		Spacing: spacing,
		Axcodes: axcodes,
	}, nil
}

func readVoxels(r io.Reader, order binary.ByteOrder, datatype, n int) ([]float32, error) {
	elemSize := map[int]int{
		dtUint8: 1, dtInt8: 1,
		dtInt16: 2, dtUint16: 2,
		dtInt32: 4, dtUint32: 4, dtFloat32: 4,
		dtFloat64: 8,
	}[datatype]
	if elemSize == 0 {
		return nil, fmt.Errorf("unsupported datatype %d", datatype)
	}

	raw := make([]byte, n*elemSize)
	if _, err := io.ReadFull(r, raw); err != nil {
		return nil, fmt.Errorf("read voxel data: %w", err)
	}

	data := make([]float32, n)
	switch datatype {
	case dtUint8:
		for i := range data {
			data[i] = float32(raw[i])
		}
	case dtInt8:
		for i := range data {
			data[i] = float32(int8(raw[i]))
		}
	case dtInt16:
		for i := range data {
			data[i] = float32(int16(order.Uint16(raw[i*2:])))
		}
	case dtUint16:
		for i := range data {
			data[i] = float32(order.Uint16(raw[i*2:]))
		}
	case dtInt32:
		for i := range data {
			data[i] = float32(int32(order.Uint32(raw[i*4:])))
		}
	case dtUint32:
		for i := range data {
			data[i] = float32(order.Uint32(raw[i*4:]))
		}
	case dtFloat32:
		for i := range data {
			data[i] = math.Float32frombits(order.Uint32(raw[i*4:]))
		}
	case dtFloat64:
		for i := range data {
			data[i] = float32(math.Float64frombits(order.Uint64(raw[i*8:])))
		}
	}
	return data, nil
}

// axcodesFromHeader derives the anatomical direction of each voxel axis
// from the sform affine when present, else the qform quaternion. Without
// either, the data is assumed to already be in RAS+ order.
func axcodesFromHeader(hdr *niftiHeader) (string, error) {
	var m [3][3]float64

	switch {
	case hdr.SformCode > 0:
		rows := [3][4]float32{hdr.SrowX, hdr.SrowY, hdr.SrowZ}
		for i := 0; i < 3; i++ {
			for j := 0; j < 3; j++ {
				m[i][j] = float64(rows[i][j])
			}
		}
	case hdr.QformCode > 0:
		m = quaternToRotation(hdr)
	default:
		return "RAS", nil
	}

	return axcodesFromAffine(m)
}

func quaternToRotation(hdr *niftiHeader) [3][3]float64 {
	b := float64(hdr.QuaternB)
	c := float64(hdr.QuaternC)
	d := float64(hdr.QuaternD)
	a := 1 - b*b - c*c - d*d
	if a < 0 {
		a = 0
	}
	a = math.Sqrt(a)

	// qfac lives in pixdim[0]; only its sign matters.
	qfac := 1.0
	if hdr.Pixdim[0] < 0 {
		qfac = -1
	}

	return [3][3]float64{
		{a*a + b*b - c*c - d*d, 2*b*c - 2*a*d, qfac * (2*b*d + 2*a*c)},
		{2*b*c + 2*a*d, a*a + c*c - b*b - d*d, qfac * (2*c*d - 2*a*b)},
		{2*b*d - 2*a*c, 2*c*d + 2*a*b, qfac * (a*a + d*d - c*c - b*b)},
	}
}

// axcodesFromAffine maps each voxel axis (affine column) to the anatomical
// direction it is most aligned with in RAS+ world coordinates.
func axcodesFromAffine(m [3][3]float64) (string, error) {
	const pos, neg = "RAS", "LPI"

	var codes [3]byte
	var used [3]bool
	for j := 0; j < 3; j++ {
		best, bestAbs := 0, 0.0
		for i := 0; i < 3; i++ {
			if abs := math.Abs(m[i][j]); abs > bestAbs {
				best, bestAbs = i, abs
			}
		}
		if bestAbs == 0 || used[best] {
			return "", fmt.Errorf("degenerate orientation affine %v", m)
		}
		used[best] = true
		if m[best][j] >= 0 {
			codes[j] = pos[best]
		} else {
			codes[j] = neg[best]
		}
	}
	return string(codes[:]), nil
}
