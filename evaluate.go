package txlgo

import (
	"context"

	"github.com/pkg/errors"
)

type EvalOptions struct {
	// TgtLen is the number of predicted positions per evaluation window.
	TgtLen int
	// MaxSteps stops after that many batches when positive.
	MaxSteps int
}

// Evaluate returns the mean per-token loss of model over data. The model is
// put in inference mode with evaluation lengths for the duration of the call
// and restored afterwards on every path.
func Evaluate(ctx context.Context, model Model, data Windowed, opts EvalOptions) (float64, error) {
	base := Unwrap(model)
	saved, wasTraining := base.Lengths(), model.Training()
	evalLengths := saved.EvalLengths(opts.TgtLen)
	base.ResetLength(evalLengths)
	model.SetTraining(false)
	defer func() {
		base.ResetLength(saved)
		model.SetTraining(wasTraining)
	}()

	iter, err := data.Windows(evalLengths)
	if err != nil {
		return 0, errors.Wrap(err, "building evaluation iterator")
	}
	var (
		mem       Memory
		totalLen  int
		totalLoss float64
	)
	for i := 0; opts.MaxSteps <= 0 || i < opts.MaxSteps; i++ {
		if err := ctx.Err(); err != nil {
			return 0, errors.Wrap(err, "evaluation cancelled")
		}
		b, ok := iter.Next()
		if !ok {
			break
		}
		if err := b.Validate(); err != nil {
			return 0, err
		}
		out, err := model.Forward(b.Input, b.Target, b.Width, mem)
		if err != nil {
			return 0, errors.Wrapf(err, "evaluation batch %d", i)
		}
		mem = out.Memory
		totalLoss += float64(b.SeqLen) * mean(out.Losses)
		totalLen += b.SeqLen
	}
	if totalLen == 0 {
		return 0, errors.New("evaluation data produced no batches")
	}
	return totalLoss / float64(totalLen), nil
}
