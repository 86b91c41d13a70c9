package txlgo

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvaluate(t *testing.T) {
	train := Lengths{TgtLen: 10, MemLen: 4}
	tests := []struct {
		name        string
		maxSteps    int
		failOn      int
		wantLoss    float64
		wantForward int
		wantErr     bool
	}{
		{name: "whole split", wantLoss: 2.5, wantForward: 10},
		{name: "max steps", maxSteps: 3, wantLoss: 2.5, wantForward: 3},
		{name: "forward error", failOn: 2, wantErr: true, wantForward: 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			model := newFakeModel(train)
			model.valLosses = []float64{2.5}
			model.failOn = tt.failOn
			loss, err := Evaluate(testContext(t), model, testShard(t, 200, 0, 1, 4), EvalOptions{TgtLen: 5, MaxSteps: tt.maxSteps})
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				require.NoError(t, err)
				assert.InDelta(t, tt.wantLoss, loss, 1e-12)
			}
			assert.Equal(t, tt.wantForward, model.forwards)
			// restored on every path
			assert.Equal(t, train, model.Lengths())
			assert.True(t, model.Training())
			for _, l := range model.seen {
				assert.Equal(t, Lengths{TgtLen: 5, MemLen: 9}, l)
			}
		})
	}
}

func TestEvaluate_WeightsBySequenceLength(t *testing.T) {
	model := &lengthLossModel{fakeModel: newFakeModel(Lengths{TgtLen: 4})}
	// windows of 4, 4 and 1 predicted positions
	loss, err := Evaluate(testContext(t), model, testShard(t, 20, 0, 1, 2), EvalOptions{TgtLen: 4})
	require.NoError(t, err)
	assert.InDelta(t, (4*4+4*4+1*1)/9.0, loss, 1e-12)
}

// lengthLossModel reports a loss equal to the number of predicted positions.
type lengthLossModel struct{ *fakeModel }

func (m *lengthLossModel) Forward(input, target []int32, width int, mem Memory) (Output, error) {
	return Output{Losses: []float64{float64(len(target) / width)}}, nil
}

func TestEvaluate_Empty(t *testing.T) {
	model := newFakeModel(Lengths{TgtLen: 4})
	_, err := Evaluate(testContext(t), model, sliceWindowed{}, EvalOptions{TgtLen: 4})
	assert.Error(t, err)
}

func TestEvaluate_Cancelled(t *testing.T) {
	model := newFakeModel(Lengths{TgtLen: 4})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Evaluate(ctx, model, testShard(t, 20, 0, 1, 2), EvalOptions{TgtLen: 4})
	assert.ErrorIs(t, err, context.Canceled)
	assert.True(t, model.Training())
}
