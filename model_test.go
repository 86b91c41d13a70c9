package txlgo

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLengths_EvalLengths(t *testing.T) {
	tests := []struct {
		name       string
		train      Lengths
		evalTgtLen int
		want       Lengths
	}{
		{name: "no memory widens the context", train: Lengths{TgtLen: 70, ExtLen: 0}, evalTgtLen: 50, want: Lengths{TgtLen: 50, ExtLen: 20}},
		{name: "memory grows", train: Lengths{TgtLen: 70, MemLen: 10}, evalTgtLen: 50, want: Lengths{TgtLen: 50, MemLen: 30}},
		{name: "unchanged", train: Lengths{TgtLen: 8, ExtLen: 2, MemLen: 4}, evalTgtLen: 8, want: Lengths{TgtLen: 8, ExtLen: 2, MemLen: 4}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.train.EvalLengths(tt.evalTgtLen))
		})
	}
}

func TestFindAndUnwrap(t *testing.T) {
	lm := NewMemLM(MemLMConfig{V: 4, C: 2}, Lengths{TgtLen: 2})
	half := NewHalfModel(lm)
	ddp := &DistributedModel{Model: half, comm: Solo()}

	assert.Same(t, lm, Unwrap(ddp))
	got, ok := Find[*HalfModel](ddp)
	assert.True(t, ok)
	assert.Same(t, half, got)
	_, ok = Find[*HalfModel](lm)
	assert.False(t, ok)
	syncer, ok := Find[GradientSyncer](ddp)
	assert.True(t, ok)
	assert.Same(t, ddp, syncer)
}
