package txlgo

import (
	"context"

	"github.com/pkg/errors"
)

// StepReport is what one rank knows at the start of a step.
type StepReport struct {
	HasBatch    bool
	Width       int
	SeqLen      int
	Interrupted bool
}

// StepTotals is the agreement reached by all ranks for a step.
type StepTotals struct {
	// Width is the global batch width: the sum of the local widths.
	Width int
	// Tokens is the number of target tokens consumed this step.
	Tokens int64
	// AllHaveData is false as soon as any rank ran out of batches.
	AllHaveData bool
	// Interrupted is true if any rank received a stop request.
	Interrupted bool
}

// Proceed reports whether the step should run.
func (t StepTotals) Proceed() bool { return t.AllHaveData && !t.Interrupted }

// ProgressTracker counts tokens and examples across ranks. Data exhaustion
// and interrupts ride on the same collective so that every rank leaves the
// loop at the same step.
type ProgressTracker struct {
	comm  Communicator
	state *RunState
	vec   [4]float64
}

func NewProgressTracker(comm Communicator, state *RunState) *ProgressTracker {
	return &ProgressTracker{comm: comm, state: state}
}

// Advance exchanges the local report and, when the step proceeds, adds its
// tokens and examples to the run state.
func (p *ProgressTracker) Advance(ctx context.Context, r StepReport) (StepTotals, error) {
	vec := p.vec[:]
	vec[0], vec[1], vec[2], vec[3] = 0, 0, 0, 0
	if r.HasBatch {
		vec[0] = 1
		vec[1] = float64(r.Width)
		vec[2] = float64(r.Width * r.SeqLen)
	}
	if r.Interrupted {
		vec[3] = 1
	}
	if err := p.comm.AllReduceSum(ctx, "progress", vec); err != nil {
		return StepTotals{}, errors.Wrap(err, "agreeing on step progress")
	}
	totals := StepTotals{
		Width:       int(vec[1]),
		Tokens:      int64(vec[2]),
		AllHaveData: int(vec[0]) == p.comm.WorldSize(),
		Interrupted: vec[3] > 0,
	}
	if totals.Proceed() {
		p.state.GlobalTokenCount += totals.Tokens
		p.state.GlobalExampleCount += int64(totals.Width)
		p.state.LogTokens += totals.Tokens
		p.state.LogExamples += int64(totals.Width)
	}
	return totals, nil
}

// Done reports whether the token budget is spent.
func (p *ProgressTracker) Done(maxTokens int64) bool {
	return p.state.GlobalTokenCount >= maxTokens
}
