// Package signature implements the dtype/shape contract a table can
// advertise for its items.
//
// The canonical serialized form is a protobuf Struct so that clients in any
// language can decode it; the 128-bit tables_state_id that ServerInfo reports
// is derived from those canonical bytes.
package signature

import (
	"fmt"
	"sort"

	"github.com/cespare/xxhash/v2"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/cartridge/reverb/internal/tensor"
	"github.com/cartridge/reverb/internal/xerrors"
)

// WildcardDim matches any size in a column spec's shape.
const WildcardDim = -1

// ColumnSpec is the contract for one trajectory column.
type ColumnSpec struct {
	Name  string
	DType tensor.DType
	// Shape is the per-step shape; WildcardDim entries match any size.
	Shape []int
}

// Signature is the ordered list of column specs for a table.
type Signature struct {
	Columns []ColumnSpec
}

// ValidateValue checks a single appended value against the spec for column.
// The step is only used to name the offending position in the error.
func (s *Signature) ValidateValue(column, step int, v *tensor.Tensor) error {
	return s.ValidateSpec(column, step, v.DType(), v.Shape())
}

// ValidateSpec checks a dtype and per-step shape against the spec for
// column. The step is only used to name the offending position in the error.
func (s *Signature) ValidateSpec(column, step int, dtype tensor.DType, shape []int) error {
	if column < 0 || column >= len(s.Columns) {
		return xerrors.InvalidArgumentf(
			"column %d out of range: signature has %d columns", column, len(s.Columns))
	}
	spec := s.Columns[column]
	if dtype != spec.DType {
		return xerrors.InvalidArgumentf(
			"column %q (index %d) timestep %d: dtype %s does not match signature dtype %s",
			spec.Name, column, step, dtype, spec.DType)
	}
	if len(shape) != len(spec.Shape) {
		return xerrors.InvalidArgumentf(
			"column %q (index %d) timestep %d: shape %v does not match signature shape %s",
			spec.Name, column, step, shape, formatShape(spec.Shape))
	}
	for i, d := range spec.Shape {
		if d != WildcardDim && shape[i] != d {
			return xerrors.InvalidArgumentf(
				"column %q (index %d) timestep %d: shape %v does not match signature shape %s",
				spec.Name, column, step, shape, formatShape(spec.Shape))
		}
	}
	return nil
}

// NumColumns returns the number of columns the signature covers.
func (s *Signature) NumColumns() int { return len(s.Columns) }

func formatShape(shape []int) string {
	out := "["
	for i, d := range shape {
		if i > 0 {
			out += ", "
		}
		if d == WildcardDim {
			out += "?"
		} else {
			out += fmt.Sprint(d)
		}
	}
	return out + "]"
}

// Marshal serializes the signature into canonical protobuf bytes.
func (s *Signature) Marshal() ([]byte, error) {
	columns := make([]any, len(s.Columns))
	for i, c := range s.Columns {
		shape := make([]any, len(c.Shape))
		for j, d := range c.Shape {
			shape[j] = float64(d)
		}
		columns[i] = map[string]any{
			"name":  c.Name,
			"dtype": c.DType.String(),
			"shape": shape,
		}
	}
	msg, err := structpb.NewStruct(map[string]any{"columns": columns})
	if err != nil {
		return nil, xerrors.Wrap(xerrors.Internal, err, "building signature struct")
	}
	return proto.MarshalOptions{Deterministic: true}.Marshal(msg)
}

// Unmarshal decodes canonical signature bytes.
func Unmarshal(data []byte) (*Signature, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var msg structpb.Struct
	if err := proto.Unmarshal(data, &msg); err != nil {
		return nil, xerrors.Wrap(xerrors.InvalidArgument, err, "decoding signature")
	}
	list := msg.Fields["columns"].GetListValue()
	if list == nil {
		return nil, xerrors.InvalidArgumentf("signature struct has no columns field")
	}
	sig := &Signature{}
	for i, v := range list.Values {
		fields := v.GetStructValue().GetFields()
		if fields == nil {
			return nil, xerrors.InvalidArgumentf("signature column %d is not a struct", i)
		}
		dtype, err := dtypeFromString(fields["dtype"].GetStringValue())
		if err != nil {
			return nil, err
		}
		var shape []int
		for _, d := range fields["shape"].GetListValue().GetValues() {
			shape = append(shape, int(d.GetNumberValue()))
		}
		sig.Columns = append(sig.Columns, ColumnSpec{
			Name:  fields["name"].GetStringValue(),
			DType: dtype,
			Shape: shape,
		})
	}
	return sig, nil
}

func dtypeFromString(s string) (tensor.DType, error) {
	for d := tensor.Uint8; d <= tensor.Bool; d++ {
		if d.String() == s {
			return d, nil
		}
	}
	return tensor.Invalid, xerrors.InvalidArgumentf("unknown dtype %q in signature", s)
}

// StateID derives the 128-bit identifier of a set of table signatures. It
// changes whenever any table's signature changes.
func StateID(signatures map[string][]byte) [2]uint64 {
	names := make([]string, 0, len(signatures))
	for name := range signatures {
		names = append(names, name)
	}
	sort.Strings(names)

	lo := xxhash.New()
	hi := xxhash.New()
	_, _ = hi.WriteString("tables-state-id") // distinct seed for the high half
	for _, name := range names {
		for _, d := range []*xxhash.Digest{lo, hi} {
			_, _ = d.WriteString(name)
			_, _ = d.Write([]byte{0})
			_, _ = d.Write(signatures[name])
			_, _ = d.Write([]byte{0})
		}
	}
	return [2]uint64{lo.Sum64(), hi.Sum64()}
}
