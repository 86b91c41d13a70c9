package txlgo

import (
	"github.com/pkg/errors"
)

// ErrBatchContract is returned for a batch whose targets are not its inputs
// shifted by one position.
var ErrBatchContract = errors.New("batch violates the next-token contract")

// Batch is one training step's worth of token windows, row-major.
// Input holds Width rows of ExtLen+SeqLen ids; Target holds Width rows of
// SeqLen ids, each the token following the input at the same position.
type Batch struct {
	Input  []int32
	Target []int32
	Width  int
	SeqLen int
	ExtLen int
}

// Tokens is the number of predicted positions in the batch.
func (b Batch) Tokens() int { return b.Width * b.SeqLen }

// Validate checks the shapes and that, for every row and every i in
// 1..SeqLen-1, Input[ExtLen+i] == Target[i-1].
func (b Batch) Validate() error {
	if b.Width <= 0 || b.SeqLen <= 0 || b.ExtLen < 0 {
		return errors.Wrapf(ErrBatchContract, "width %d seq_len %d ext_len %d", b.Width, b.SeqLen, b.ExtLen)
	}
	cols := b.ExtLen + b.SeqLen
	if len(b.Input) != b.Width*cols || len(b.Target) != b.Width*b.SeqLen {
		return errors.Wrapf(ErrBatchContract, "input has %d ids, target %d, want %d and %d",
			len(b.Input), len(b.Target), b.Width*cols, b.Width*b.SeqLen)
	}
	for row := 0; row < b.Width; row++ {
		in := b.Input[row*cols+b.ExtLen : (row+1)*cols]
		tgt := b.Target[row*b.SeqLen : (row+1)*b.SeqLen]
		for i := 1; i < b.SeqLen; i++ {
			if in[i] != tgt[i-1] {
				return errors.Wrapf(ErrBatchContract, "row %d position %d: input %d, previous target %d", row, i, in[i], tgt[i-1])
			}
		}
	}
	return nil
}

// mustValidate panics on a contract violation. A malformed batch means the
// corpus pipeline is broken and training must not continue.
func (b Batch) mustValidate() {
	if err := b.Validate(); err != nil {
		panic(err)
	}
}
