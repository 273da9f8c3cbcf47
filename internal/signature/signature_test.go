package signature

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cartridge/reverb/internal/tensor"
)

func observationSignature() *Signature {
	return &Signature{Columns: []ColumnSpec{
		{Name: "observation", DType: tensor.Float32, Shape: []int{WildcardDim, 3}},
		{Name: "action", DType: tensor.Int64, Shape: []int{}},
		{Name: "reward", DType: tensor.Float64, Shape: []int{}},
	}}
}

func TestSignature_ValidateValue(t *testing.T) {
	sig := observationSignature()

	obs, err := tensor.New(tensor.Float32, []int{5, 3}, make([]byte, 5*3*4))
	require.NoError(t, err)
	assert.NoError(t, sig.ValidateValue(0, 0, obs))
	assert.NoError(t, sig.ValidateValue(1, 0, tensor.ScalarInt64(4)))
	assert.NoError(t, sig.ValidateValue(2, 0, tensor.ScalarFloat64(0.5)))

	// Wrong dtype.
	err = sig.ValidateValue(1, 3, tensor.ScalarFloat64(1))
	require.Error(t, err)
	assert.Contains(t, err.Error(), `column "action"`)
	assert.Contains(t, err.Error(), "timestep 3")

	// Wrong trailing dim; the wildcard dim may be anything.
	bad, err := tensor.New(tensor.Float32, []int{5, 4}, make([]byte, 5*4*4))
	require.NoError(t, err)
	err = sig.ValidateValue(0, 1, bad)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "[?, 3]")

	// Column out of range.
	assert.Error(t, sig.ValidateValue(7, 0, tensor.ScalarInt64(1)))
}

func TestSignature_MarshalRoundTrip(t *testing.T) {
	sig := observationSignature()

	data, err := sig.Marshal()
	require.NoError(t, err)

	got, err := Unmarshal(data)
	require.NoError(t, err)
	require.Len(t, got.Columns, 3)
	assert.Equal(t, sig.Columns[0].Name, got.Columns[0].Name)
	assert.Equal(t, sig.Columns[0].DType, got.Columns[0].DType)
	assert.Equal(t, sig.Columns[0].Shape, got.Columns[0].Shape)
	assert.Equal(t, sig.Columns[1].DType, got.Columns[1].DType)
	assert.Empty(t, got.Columns[1].Shape)

	// Empty bytes mean no signature.
	none, err := Unmarshal(nil)
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestStateID_TracksSignatureChanges(t *testing.T) {
	sig := observationSignature()
	data, err := sig.Marshal()
	require.NoError(t, err)

	a := StateID(map[string][]byte{"train": data, "eval": nil})
	b := StateID(map[string][]byte{"train": data, "eval": nil})
	assert.Equal(t, a, b, "state id must be deterministic")

	sig.Columns[0].DType = tensor.Float64
	changed, err := sig.Marshal()
	require.NoError(t, err)
	c := StateID(map[string][]byte{"train": changed, "eval": nil})
	assert.NotEqual(t, a, c)

	d := StateID(map[string][]byte{"train": data})
	assert.NotEqual(t, a, d, "table set changes the id")
}
