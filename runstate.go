package txlgo

import (
	"context"
	"math"
	"time"

	"github.com/pkg/errors"
)

// RunState is the mutable progress of a training run. It is owned by the
// Trainer and identical on every rank.
type RunState struct {
	GlobalTokenCount   int64
	GlobalExampleCount int64
	TrainStep          int64
	Epoch              int
	BestValLoss        float64
	HasBest            bool

	// accumulated since the last log line
	LastLogStep  int64
	TrainLoss    float64
	LogStart     time.Time
	LogTokens    int64
	LogExamples  int64
	LogOverflows int

	// Timings holds the last duration recorded for every timer tag.
	Timings map[string]time.Duration
}

func NewRunState() *RunState {
	return &RunState{Timings: make(map[string]time.Duration), LogStart: time.Now()}
}

// ResetLogWindow starts a new logging interval at the current step.
func (s *RunState) ResetLogWindow() {
	s.LastLogStep = s.TrainStep
	s.TrainLoss = 0
	s.LogTokens = 0
	s.LogExamples = 0
	s.LogOverflows = 0
	s.LogStart = time.Now()
}

// Improves reports whether valLoss beats the best loss seen so far.
func (s *RunState) Improves(valLoss float64) bool {
	return !s.HasBest || valLoss < s.BestValLoss
}

// Meta captures the fields of the state that are persisted in a checkpoint.
func (s *RunState) Meta() CheckpointMeta {
	return CheckpointMeta{
		Step:        s.TrainStep,
		Epoch:       s.Epoch,
		Tokens:      s.GlobalTokenCount,
		Examples:    s.GlobalExampleCount,
		BestValLoss: s.BestValLoss,
		HasBest:     s.HasBest,
	}
}

// Restore loads progress from checkpoint metadata.
func (s *RunState) Restore(m CheckpointMeta) {
	s.TrainStep = m.Step
	s.Epoch = m.Epoch
	s.GlobalTokenCount = m.Tokens
	s.GlobalExampleCount = m.Examples
	s.BestValLoss = m.BestValLoss
	s.HasBest = m.HasBest
	s.ResetLogWindow()
}

// SyncFrom makes every rank adopt the progress of root.
func (s *RunState) SyncFrom(ctx context.Context, comm Communicator, root int) error {
	best := s.BestValLoss
	if !s.HasBest {
		best = math.NaN()
	}
	vals := []float64{float64(s.TrainStep), float64(s.Epoch), float64(s.GlobalTokenCount), float64(s.GlobalExampleCount), best}
	if err := comm.Broadcast(ctx, "runstate", vals, root); err != nil {
		return errors.Wrap(err, "broadcasting run state")
	}
	s.Restore(CheckpointMeta{
		Step:        int64(vals[0]),
		Epoch:       int(vals[1]),
		Tokens:      int64(vals[2]),
		Examples:    int64(vals[3]),
		BestValLoss: vals[4],
		HasBest:     !math.IsNaN(vals[4]),
	})
	return nil
}
