// Package tensor implements the dense row-major slabs that chunks carry.
//
// A tensor's first axis is the step axis: appending a value of shape S to a
// column produces rows of shape S, and a chunk stores the stacked [n, S...]
// slab for a contiguous run of steps.
package tensor

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/cartridge/reverb/internal/xerrors"
)

// DType enumerates the supported element types.
type DType uint8

const (
	Invalid DType = iota
	Uint8
	Int8
	Int16
	Int32
	Int64
	Float32
	Float64
	Bool
)

// Size returns the width of one element in bytes.
func (d DType) Size() int {
	switch d {
	case Uint8, Int8, Bool:
		return 1
	case Int16:
		return 2
	case Int32, Float32:
		return 4
	case Int64, Float64:
		return 8
	default:
		return 0
	}
}

// IsInteger reports whether delta encoding applies to the dtype.
func (d DType) IsInteger() bool {
	switch d {
	case Uint8, Int8, Int16, Int32, Int64:
		return true
	default:
		return false
	}
}

func (d DType) String() string {
	switch d {
	case Uint8:
		return "uint8"
	case Int8:
		return "int8"
	case Int16:
		return "int16"
	case Int32:
		return "int32"
	case Int64:
		return "int64"
	case Float32:
		return "float32"
	case Float64:
		return "float64"
	case Bool:
		return "bool"
	default:
		return "invalid"
	}
}

// Tensor is an immutable row-major slab.
type Tensor struct {
	dtype DType
	shape []int
	data  []byte
}

// New wraps data as a tensor after validating the byte length against the
// shape. The data slice is not copied.
func New(dtype DType, shape []int, data []byte) (*Tensor, error) {
	if dtype.Size() == 0 {
		return nil, xerrors.InvalidArgumentf("invalid dtype %d", dtype)
	}
	n := numElements(shape)
	if n < 0 {
		return nil, xerrors.InvalidArgumentf("negative dimension in shape %v", shape)
	}
	if len(data) != n*dtype.Size() {
		return nil, xerrors.InvalidArgumentf(
			"data length %d does not match shape %v of dtype %s", len(data), shape, dtype)
	}
	return &Tensor{dtype: dtype, shape: append([]int(nil), shape...), data: data}, nil
}

func numElements(shape []int) int {
	n := 1
	for _, d := range shape {
		if d < 0 {
			return -1
		}
		n *= d
	}
	return n
}

// DType returns the element type.
func (t *Tensor) DType() DType { return t.dtype }

// Shape returns the full shape including the step axis, if any.
func (t *Tensor) Shape() []int { return append([]int(nil), t.shape...) }

// Data returns the raw row-major bytes. Callers must not mutate them.
func (t *Tensor) Data() []byte { return t.data }

// NumElements returns the total element count.
func (t *Tensor) NumElements() int { return numElements(t.shape) }

// Rows returns the length of the step axis.
func (t *Tensor) Rows() int {
	if len(t.shape) == 0 {
		return 1
	}
	return t.shape[0]
}

func (t *Tensor) rowBytes() int {
	if len(t.shape) == 0 {
		return len(t.data)
	}
	return numElements(t.shape[1:]) * t.dtype.Size()
}

// SameSpec reports whether o has the same dtype and shape.
func (t *Tensor) SameSpec(o *Tensor) bool {
	if t.dtype != o.dtype || len(t.shape) != len(o.shape) {
		return false
	}
	for i := range t.shape {
		if t.shape[i] != o.shape[i] {
			return false
		}
	}
	return true
}

// Equal reports whether o holds the same spec and bytes.
func (t *Tensor) Equal(o *Tensor) bool {
	return t.SameSpec(o) && bytes.Equal(t.data, o.data)
}

func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor(%s, shape=%v, %d bytes)", t.dtype, t.shape, len(t.data))
}

// Stack concatenates per-step tensors of identical spec into one slab of
// shape [len(rows), spec...].
func Stack(rows []*Tensor) (*Tensor, error) {
	if len(rows) == 0 {
		return nil, xerrors.InvalidArgumentf("cannot stack zero tensors")
	}
	first := rows[0]
	buf := make([]byte, 0, len(first.data)*len(rows))
	for i, r := range rows {
		if !r.SameSpec(first) {
			return nil, xerrors.InvalidArgumentf(
				"step %d has spec (%s, %v), want (%s, %v)", i, r.dtype, r.shape, first.dtype, first.shape)
		}
		buf = append(buf, r.data...)
	}
	shape := append([]int{len(rows)}, first.shape...)
	return &Tensor{dtype: first.dtype, shape: shape, data: buf}, nil
}

// Row returns the i-th step of a stacked tensor, dropping the step axis.
func (t *Tensor) Row(i int) (*Tensor, error) {
	if len(t.shape) == 0 {
		return nil, xerrors.InvalidArgumentf("cannot take row of a scalar")
	}
	if i < 0 || i >= t.shape[0] {
		return nil, xerrors.InvalidArgumentf("row %d out of range [0, %d)", i, t.shape[0])
	}
	rb := t.rowBytes()
	return &Tensor{
		dtype: t.dtype,
		shape: append([]int(nil), t.shape[1:]...),
		data:  t.data[i*rb : (i+1)*rb],
	}, nil
}

// Slice returns rows [start, end) of a stacked tensor, keeping the step axis.
func (t *Tensor) Slice(start, end int) (*Tensor, error) {
	if len(t.shape) == 0 {
		return nil, xerrors.InvalidArgumentf("cannot slice a scalar")
	}
	if start < 0 || end > t.shape[0] || start > end {
		return nil, xerrors.InvalidArgumentf(
			"slice [%d, %d) out of range [0, %d)", start, end, t.shape[0])
	}
	rb := t.rowBytes()
	shape := append([]int{end - start}, t.shape[1:]...)
	return &Tensor{dtype: t.dtype, shape: shape, data: t.data[start*rb : end*rb]}, nil
}

// Concat joins stacked tensors along the step axis.
func Concat(ts []*Tensor) (*Tensor, error) {
	if len(ts) == 0 {
		return nil, xerrors.InvalidArgumentf("cannot concat zero tensors")
	}
	first := ts[0]
	if len(first.shape) == 0 {
		return nil, xerrors.InvalidArgumentf("cannot concat scalars")
	}
	rows := 0
	size := 0
	for i, t := range ts {
		if t.dtype != first.dtype || len(t.shape) != len(first.shape) {
			return nil, xerrors.InvalidArgumentf("tensor %d is incompatible with the first", i)
		}
		for j := 1; j < len(t.shape); j++ {
			if t.shape[j] != first.shape[j] {
				return nil, xerrors.InvalidArgumentf("tensor %d is incompatible with the first", i)
			}
		}
		rows += t.shape[0]
		size += len(t.data)
	}
	buf := make([]byte, 0, size)
	for _, t := range ts {
		buf = append(buf, t.data...)
	}
	shape := append([]int{rows}, first.shape[1:]...)
	return &Tensor{dtype: first.dtype, shape: shape, data: buf}, nil
}

// DeltaEncode subtracts adjacent rows for integer dtypes, which makes slowly
// changing columns compress well. Non-integer tensors are returned unchanged.
func DeltaEncode(t *Tensor) *Tensor {
	if !t.dtype.IsInteger() || len(t.shape) == 0 || t.shape[0] < 2 {
		return t
	}
	out := make([]byte, len(t.data))
	copy(out, t.data)
	rb := t.rowBytes()
	es := t.dtype.Size()
	// Walk back to front so each row still sees its unmodified predecessor.
	for row := t.shape[0] - 1; row > 0; row-- {
		prev := t.data[(row-1)*rb : row*rb]
		cur := out[row*rb : (row+1)*rb]
		for off := 0; off < rb; off += es {
			writeInt(cur[off:], es, readInt(cur[off:], es)-readInt(prev[off:], es))
		}
	}
	return &Tensor{dtype: t.dtype, shape: append([]int(nil), t.shape...), data: out}
}

// DeltaDecode reverses DeltaEncode.
func DeltaDecode(t *Tensor) *Tensor {
	if !t.dtype.IsInteger() || len(t.shape) == 0 || t.shape[0] < 2 {
		return t
	}
	out := make([]byte, len(t.data))
	copy(out, t.data)
	rb := t.rowBytes()
	es := t.dtype.Size()
	for row := 1; row < t.shape[0]; row++ {
		prev := out[(row-1)*rb : row*rb]
		cur := out[row*rb : (row+1)*rb]
		for off := 0; off < rb; off += es {
			writeInt(cur[off:], es, readInt(cur[off:], es)+readInt(prev[off:], es))
		}
	}
	return &Tensor{dtype: t.dtype, shape: append([]int(nil), t.shape...), data: out}
}

// readInt and writeInt operate on one little-endian lane. Wrap-around on
// overflow is intentional: encode and decode compose to the identity.
func readInt(b []byte, size int) uint64 {
	switch size {
	case 1:
		return uint64(b[0])
	case 2:
		return uint64(binary.LittleEndian.Uint16(b))
	case 4:
		return uint64(binary.LittleEndian.Uint32(b))
	default:
		return binary.LittleEndian.Uint64(b)
	}
}

func writeInt(b []byte, size int, v uint64) {
	switch size {
	case 1:
		b[0] = byte(v)
	case 2:
		binary.LittleEndian.PutUint16(b, uint16(v))
	case 4:
		binary.LittleEndian.PutUint32(b, uint32(v))
	default:
		binary.LittleEndian.PutUint64(b, v)
	}
}
