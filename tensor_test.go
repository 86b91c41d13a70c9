package txlgo

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_newTensor(t *testing.T) {
	tests := []struct {
		name  string
		data  []float32
		dims  []int
		want  tensor
		want1 int
	}{
		{
			name:  "prefix of the data",
			data:  []float32{1, 2, 3, 4, 5},
			dims:  []int{1, 2},
			want:  tensor{data: []float32{1, 2}, dims: []int{1, 2}},
			want1: 2,
		},
		{
			name:  "whole data",
			data:  []float32{1, 2, 3, 4},
			dims:  []int{2, 2},
			want:  tensor{data: []float32{1, 2, 3, 4}, dims: []int{2, 2}},
			want1: 4,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, got1 := newTensor(tt.data, tt.dims...)
			assert.Equalf(t, tt.want, got, "newTensor(%v, %v)", tt.data, tt.dims)
			assert.Equalf(t, tt.want1, got1, "newTensor(%v, %v)", tt.data, tt.dims)
		})
	}
	assert.Panics(t, func() { newTensor([]float32{1}, 2, 2) })
}

func TestNewParameterSet(t *testing.T) {
	set := NewParameterSet(
		ParamSpec{Name: "emb", Embedding: true, Dims: []int{2, 2}},
		ParamSpec{Name: "bias", Dims: []int{3}},
	)
	require.Equal(t, 7, set.Len())
	for i := range set.Memory {
		set.Memory[i] = float32(i)
		set.GradMemory[i] = float32(10 * i)
	}
	assert.Equal(t, []float32{0, 1, 2, 3}, set.Params[0].Data)
	assert.Equal(t, []float32{4, 5, 6}, set.Params[1].Data)
	assert.Equal(t, []float32{40, 50, 60}, set.Params[1].Grad)
	assert.Equal(t, []int{2, 2}, set.Params[0].Dims)

	p, err := set.Lookup("bias")
	require.NoError(t, err)
	assert.Same(t, set.Params[1], p)
	_, err = set.Lookup("missing")
	assert.Error(t, err)

	all, nonEmb := CountParams(set.Params)
	assert.Equal(t, 7, all)
	assert.Equal(t, 3, nonEmb)

	set.ZeroGrad()
	assert.Equal(t, make([]float32, 7), set.GradMemory)
}

func TestClipGradNorm(t *testing.T) {
	tests := []struct {
		name     string
		grad     []float32
		maxNorm  float64
		wantNorm float64
		wantGrad []float32
	}{
		{name: "clipped", grad: []float32{3, 4}, maxNorm: 1, wantNorm: 5, wantGrad: []float32{0.6, 0.8}},
		{name: "below max", grad: []float32{3, 4}, maxNorm: 10, wantNorm: 5, wantGrad: []float32{3, 4}},
		{name: "disabled", grad: []float32{3, 4}, maxNorm: 0, wantNorm: 5, wantGrad: []float32{3, 4}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			set := NewParameterSet(ParamSpec{Name: "w", Dims: []int{2}})
			copy(set.Params[0].Grad, tt.grad)
			norm := clipGradNorm(set.Params, tt.maxNorm)
			assert.InDelta(t, tt.wantNorm, norm, 1e-6)
			require.InDeltaSlice(t, tt.wantGrad, set.Params[0].Grad, 1e-5)
		})
	}
}

func TestClipTargetsNonEmbedding(t *testing.T) {
	set := NewParameterSet(
		ParamSpec{Name: "emb", Embedding: true, Dims: []int{1}},
		ParamSpec{Name: "w", Dims: []int{1}},
	)
	set.Params[0].Grad[0] = 100
	set.Params[1].Grad[0] = 2
	norm := clipGradNorm(clipTargets(set.Params, true), 1)
	assert.InDelta(t, 2, norm, 1e-6)
	assert.Equal(t, float32(100), set.Params[0].Grad[0])
	assert.InDelta(t, 1, set.Params[1].Grad[0], 1e-5)
}
