package txlgo

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFloat32ToFloat16(t *testing.T) {
	tests := []struct {
		name string
		in   float32
		want Float16
	}{
		{name: "one", in: 1, want: 0x3c00},
		{name: "minus two", in: -2, want: 0xc000},
		{name: "largest finite", in: 65504, want: 0x7bff},
		{name: "halfway to infinity rounds to even", in: 65520, want: 0x7c00},
		{name: "overflow", in: 1e6, want: 0x7c00},
		{name: "negative overflow", in: -1e6, want: 0xfc00},
		{name: "inexact", in: 0.1, want: 0x2e66},
		{name: "smallest subnormal", in: 5.9604645e-8, want: 0x0001},
		{name: "underflow", in: 1e-8, want: 0},
		{name: "tie rounds to even", in: 1 + 1.0/2048, want: 0x3c00},
		{name: "tie rounds up to even", in: 1 + 3.0/2048, want: 0x3c02},
		{name: "infinity", in: float32(math.Inf(1)), want: 0x7c00},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Float32ToFloat16(tt.in))
		})
	}
	nan := Float16ToFloat32(Float32ToFloat16(float32(math.NaN())))
	assert.True(t, math.IsNaN(float64(nan)))
}

func TestFloat16ToFloat32(t *testing.T) {
	tests := []struct {
		in   Float16
		want float32
	}{
		{in: 0x3c00, want: 1},
		{in: 0x7bff, want: 65504},
		{in: 0x0001, want: 5.9604645e-8},
		{in: 0x8000, want: float32(math.Copysign(0, -1))},
		{in: 0x2e66, want: 0.099975586},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Float16ToFloat32(tt.in), "%#04x", uint16(tt.in))
	}
	assert.True(t, math.IsInf(float64(Float16ToFloat32(0xfc00)), -1))
}

func TestLossScaler(t *testing.T) {
	s := NewDynamicLossScaler(1 << 16)
	s.Update(true)
	assert.Equal(t, float64(1<<15), s.Scale)
	for i := 0; i < 999; i++ {
		s.Update(false)
	}
	assert.Equal(t, float64(1<<15), s.Scale)
	s.Update(false)
	assert.Equal(t, float64(1<<16), s.Scale)

	floor := NewDynamicLossScaler(1)
	floor.Update(true)
	assert.Equal(t, 1.0, floor.Scale)

	static := NewStaticLossScaler(128)
	static.Update(true)
	assert.Equal(t, 128.0, static.Scale)
}

func newMixedPrecisionFixture(t *testing.T) (*ParameterSet, *MixedPrecision) {
	t.Helper()
	set := NewParameterSet(ParamSpec{Name: "w", Dims: []int{2}})
	copy(set.Params[0].Data, []float32{1, 2})
	mp, err := NewMixedPrecision(set.Params, NewDynamicLossScaler(1<<16), func(p []*Parameter) (Optimizer, error) {
		return NewOptimizer(OptimizerConfig{Name: "sgd", LR: 0.1}, p)
	})
	require.NoError(t, err)
	return set, mp
}

func TestMixedPrecision_SkipsOverflow(t *testing.T) {
	set, mp := newMixedPrecisionFixture(t)
	w := set.Params[0]

	copy(w.Grad, []float32{1 << 16, float32(math.Inf(1))})
	assert.True(t, mp.Unscale())
	assert.True(t, mp.Overflow())
	mp.Step()
	assert.Equal(t, []float32{1, 2}, w.Data)
	assert.Equal(t, float64(1<<15), mp.LossScale())

	mp.ZeroGrad()
	assert.Equal(t, []float32{0, 0}, w.Grad)
	copy(w.Grad, []float32{1 << 15, 2 << 15})
	assert.False(t, mp.Unscale())
	mp.Step()
	require.InDeltaSlice(t, []float32{0.9, 1.8}, w.Data, 1e-3)
	assert.Equal(t, []float32{roundToHalf(0.9), roundToHalf(1.8)}, w.Data)
	master := mp.Optimizer().Params()[0].Data
	require.InDeltaSlice(t, []float32{0.9, 1.8}, master, 1e-6)
}

func TestMixedPrecision_StateDict(t *testing.T) {
	_, mp := newMixedPrecisionFixture(t)
	mp.scaler.Scale = 512
	state := mp.StateDict()
	assert.Equal(t, 512.0, state.Scalars["loss_scale"])
	assert.Equal(t, []float32{1, 2}, state.Slots["master/w"])

	_, other := newMixedPrecisionFixture(t)
	state.Slots["master/w"] = []float32{5, 6}
	require.NoError(t, other.LoadStateDict(state))
	assert.Equal(t, 512.0, other.LossScale())
	assert.Equal(t, []float32{5, 6}, other.Optimizer().Params()[0].Data)

	state.Slots["master/nope"] = []float32{1}
	assert.Error(t, other.LoadStateDict(state))
}

func TestMixedPrecision_Reload(t *testing.T) {
	set, mp := newMixedPrecisionFixture(t)
	copy(set.Params[0].Data, []float32{3, 4})
	mp.Reload()
	assert.Equal(t, []float32{3, 4}, mp.Optimizer().Params()[0].Data)
}

func TestHalfModel(t *testing.T) {
	lm := newTestMemLM(t, Lengths{TgtLen: 2})
	half := NewHalfModel(lm)
	for _, v := range lm.Params.Memory {
		assert.Equal(t, roundToHalf(v), v)
	}
	_, err := half.Forward([]int32{0, 1, 2, 3}, []int32{1, 2, 3, 4}, 2, nil)
	require.NoError(t, err)
	require.NoError(t, half.Backward(1024))
	for _, g := range lm.Params.GradMemory {
		assert.Equal(t, roundToHalf(g), g)
	}
	assert.Same(t, lm, Unwrap(half))
}
