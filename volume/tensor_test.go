package volume

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTensor_IndexLayout(t *testing.T) {
	tr := New(1, 2, 3, 4)
	assert.Equal(t, 24, tr.Numel())
	assert.Len(t, tr.Data, 24)

	// W fastest, then H, then D.
	assert.Equal(t, 0, tr.Index(0, 0, 0, 0))
	assert.Equal(t, 1, tr.Index(0, 0, 0, 1))
	assert.Equal(t, 4, tr.Index(0, 0, 1, 0))
	assert.Equal(t, 12, tr.Index(0, 1, 0, 0))
	assert.Equal(t, 23, tr.Index(0, 1, 2, 3))

	tr.SetAt(0, 1, 2, 3, 42)
	assert.Equal(t, float32(42), tr.At(0, 1, 2, 3))
	assert.Equal(t, float32(42), tr.Data[23])
}

func TestTensor_CloneIsDeep(t *testing.T) {
	a := Zeros(2, 2, 2)
	a.SetAt(0, 1, 1, 1, 7)

	b := a.Clone()
	require.True(t, a.Equal(b))

	b.SetAt(0, 0, 0, 0, 9)
	assert.Equal(t, float32(0), a.At(0, 0, 0, 0))
	assert.False(t, a.Equal(b))
}

func TestTensor_Equal(t *testing.T) {
	a := Zeros(2, 2, 2)
	b := Zeros(2, 2, 2)
	assert.True(t, a.Equal(b))

	assert.False(t, a.Equal(Zeros(2, 2, 3)))

	b.Data[0] = 1
	assert.False(t, a.Equal(b))
}

func TestTensor_Validate(t *testing.T) {
	require.NoError(t, Zeros(4, 4, 4).Validate())

	bad := &Tensor{Shape: [4]int{1, 0, 4, 4}}
	assert.Error(t, bad.Validate())

	mismatch := &Tensor{Shape: [4]int{1, 2, 2, 2}, Data: make([]float32, 3)}
	assert.Error(t, mismatch.Validate())
}

func TestVolume_At(t *testing.T) {
	v := &Volume{
		Data: []float32{0, 1, 2, 3, 4, 5, 6, 7},
		Dim:  [3]int{2, 2, 2},
	}
	assert.Equal(t, float32(1), v.At(1, 0, 0))
	assert.Equal(t, float32(2), v.At(0, 1, 0))
	assert.Equal(t, float32(4), v.At(0, 0, 1))
	assert.Equal(t, float32(7), v.At(1, 1, 1))
}
