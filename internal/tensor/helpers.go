package tensor

import (
	"encoding/binary"
	"math"

	"github.com/cartridge/reverb/internal/xerrors"
)

// FromInt64 builds a rank-1 int64 tensor.
func FromInt64(vals ...int64) *Tensor {
	buf := make([]byte, 8*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint64(buf[8*i:], uint64(v))
	}
	return &Tensor{dtype: Int64, shape: []int{len(vals)}, data: buf}
}

// FromFloat64 builds a rank-1 float64 tensor.
func FromFloat64(vals ...float64) *Tensor {
	buf := make([]byte, 8*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint64(buf[8*i:], math.Float64bits(v))
	}
	return &Tensor{dtype: Float64, shape: []int{len(vals)}, data: buf}
}

// FromFloat32 builds a rank-1 float32 tensor.
func FromFloat32(vals ...float32) *Tensor {
	buf := make([]byte, 4*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(v))
	}
	return &Tensor{dtype: Float32, shape: []int{len(vals)}, data: buf}
}

// FromUint8 builds a rank-1 uint8 tensor.
func FromUint8(vals ...byte) *Tensor {
	buf := append([]byte(nil), vals...)
	return &Tensor{dtype: Uint8, shape: []int{len(vals)}, data: buf}
}

// ScalarInt64 builds a rank-0 int64 tensor.
func ScalarInt64(v int64) *Tensor {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, uint64(v))
	return &Tensor{dtype: Int64, shape: nil, data: buf}
}

// ScalarFloat64 builds a rank-0 float64 tensor.
func ScalarFloat64(v float64) *Tensor {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, math.Float64bits(v))
	return &Tensor{dtype: Float64, shape: nil, data: buf}
}

// Int64s decodes an int64 tensor into a flat slice.
func (t *Tensor) Int64s() ([]int64, error) {
	if t.dtype != Int64 {
		return nil, xerrors.InvalidArgumentf("tensor is %s, not int64", t.dtype)
	}
	out := make([]int64, t.NumElements())
	for i := range out {
		out[i] = int64(binary.LittleEndian.Uint64(t.data[8*i:]))
	}
	return out, nil
}

// Float64s decodes a float64 tensor into a flat slice.
func (t *Tensor) Float64s() ([]float64, error) {
	if t.dtype != Float64 {
		return nil, xerrors.InvalidArgumentf("tensor is %s, not float64", t.dtype)
	}
	out := make([]float64, t.NumElements())
	for i := range out {
		out[i] = math.Float64frombits(binary.LittleEndian.Uint64(t.data[8*i:]))
	}
	return out, nil
}

// Reshape returns a view of the same data with a new shape of equal element
// count.
func (t *Tensor) Reshape(shape []int) (*Tensor, error) {
	if numElements(shape) != t.NumElements() {
		return nil, xerrors.InvalidArgumentf(
			"cannot reshape %v (%d elements) to %v", t.shape, t.NumElements(), shape)
	}
	return &Tensor{dtype: t.dtype, shape: append([]int(nil), shape...), data: t.data}, nil
}
