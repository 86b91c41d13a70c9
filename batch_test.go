package txlgo

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBatch_Validate(t *testing.T) {
	tests := []struct {
		name    string
		batch   Batch
		wantErr bool
	}{
		{
			name:  "shifted by one",
			batch: Batch{Input: []int32{1, 2, 3, 7, 8, 9}, Target: []int32{2, 3, 4, 8, 9, 10}, Width: 2, SeqLen: 3},
		},
		{
			name:  "extended context is not checked",
			batch: Batch{Input: []int32{42, 1, 2}, Target: []int32{2, 3}, Width: 1, SeqLen: 2, ExtLen: 1},
		},
		{
			name:    "target not shifted",
			batch:   Batch{Input: []int32{1, 2, 3}, Target: []int32{1, 2, 3}, Width: 1, SeqLen: 3},
			wantErr: true,
		},
		{
			name:    "second row broken",
			batch:   Batch{Input: []int32{1, 2, 7, 8}, Target: []int32{2, 3, 9, 9}, Width: 2, SeqLen: 2},
			wantErr: true,
		},
		{
			name:    "wrong shape",
			batch:   Batch{Input: []int32{1, 2}, Target: []int32{2}, Width: 1, SeqLen: 2},
			wantErr: true,
		},
		{
			name:    "empty",
			batch:   Batch{},
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.batch.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrBatchContract)
				assert.Panics(t, tt.batch.mustValidate)
				return
			}
			assert.NoError(t, err)
			assert.NotPanics(t, tt.batch.mustValidate)
		})
	}
}

func TestBatch_Tokens(t *testing.T) {
	assert.Equal(t, 12, Batch{Width: 4, SeqLen: 3}.Tokens())
}
