package txlgo

import (
	"context"
	"fmt"
	"math"
	"runtime"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// StopReason says why TrainEpoch returned.
type StopReason int

const (
	// StopEpochEnd means some rank ran out of training data.
	StopEpochEnd StopReason = iota
	// StopTokenBudget means max_tokens was reached; training is over.
	StopTokenBudget
	// StopInterrupted means a rank was asked to stop.
	StopInterrupted
)

func (r StopReason) String() string {
	switch r {
	case StopEpochEnd:
		return "end of epoch"
	case StopTokenBudget:
		return "token budget reached"
	case StopInterrupted:
		return "interrupted"
	}
	return fmt.Sprintf("StopReason(%d)", int(r))
}

// GradientSyncer is a model layer that reconciles gradients across ranks.
type GradientSyncer interface {
	SyncGradients(ctx context.Context) error
}

// Trainer runs training epochs on one rank.
type Trainer struct {
	Config    Config
	Model     Model
	Stepper   Stepper
	Scheduler *Scheduler
	Comm      Communicator
	State     *RunState
	Tracker   *ProgressTracker

	Train Windowed
	// Valid is only read on rank 0.
	Valid Windowed

	Store CheckpointStore
	Sink  Sink
	Log   *FileLogger

	// Interrupt is closed when the run should stop after the current step.
	Interrupt <-chan struct{}

	trainIter Iterator
}

func (t *Trainer) interrupted() bool {
	select {
	case <-t.Interrupt:
		return true
	default:
		return false
	}
}

func (t *Trainer) scalar(tag string, v float64) {
	t.Sink.AddScalar(tag, v, t.State.GlobalTokenCount)
}

// TrainEpoch makes one pass over the training data. Every rank takes the
// same number of steps: the pass ends for all as soon as one rank has no
// batch left.
func (t *Trainer) TrainEpoch(ctx context.Context) (StopReason, error) {
	cfg, state := t.Config, t.State
	t.Model.SetTraining(true)
	t.scalar("sizes/batch_size", float64(cfg.BatchSize))
	t.scalar("sizes/seq_size", float64(cfg.TgtLen))

	iter, err := t.trainIterator()
	if err != nil {
		return StopEpochEnd, err
	}
	syncer, _ := Find[GradientSyncer](t.Model)
	var mem Memory
	for batch := 0; ; batch++ {
		b, ok := iter.Next()
		totals, err := t.Tracker.Advance(ctx, StepReport{
			HasBatch:    ok,
			Width:       b.Width,
			SeqLen:      b.SeqLen,
			Interrupted: t.interrupted(),
		})
		if err != nil {
			return StopEpochEnd, err
		}
		if totals.Interrupted {
			return StopInterrupted, nil
		}
		if !totals.AllHaveData {
			break
		}
		b.mustValidate()
		// the update uses the rate for the tokens it consumes; after an
		// overflow the schedule holds for one step
		if !t.Stepper.Overflow() {
			t.Scheduler.Step(state.GlobalTokenCount)
		}

		shouldLog := state.TrainStep < int64(cfg.VerboseLogSteps) || state.TrainStep%int64(cfg.LogInterval) == 0
		loss, err := t.step(ctx, b, &mem, syncer, shouldLog)
		if err != nil {
			return StopEpochEnd, errors.Wrapf(err, "step %d", state.TrainStep)
		}
		state.TrainLoss += loss
		state.TrainStep++

		if t.Stepper.Overflow() {
			state.LogOverflows++
			t.Log.Warningf("gradient overflow at step %d, skipped update, loss scale now %g", state.TrainStep, t.Stepper.LossScale())
		}

		if shouldLog {
			t.logProgress(batch, totals)
		}
		if state.TrainStep%int64(cfg.EvalInterval) == 0 {
			if err := t.evaluateAndSave(ctx); err != nil {
				return StopEpochEnd, err
			}
			mem = nil
		}
		if t.Tracker.Done(cfg.MaxTokens) {
			t.Log.Infof("%s", strings.Repeat("-", 100))
			t.Log.Infof("End of training")
			return StopTokenBudget, nil
		}
	}

	if cfg.CheckpointEachEpoch {
		t.Log.Infof("Saving checkpoint for epoch %d", state.Epoch)
		if err := t.save(fmt.Sprint(state.Epoch)); err != nil {
			return StopEpochEnd, err
		}
	}
	return StopEpochEnd, nil
}

// trainIterator builds the training iterator on the first epoch and rewinds
// it on every later one.
func (t *Trainer) trainIterator() (Iterator, error) {
	if t.trainIter != nil {
		t.trainIter.Reset()
		return t.trainIter, nil
	}
	iter, err := t.Train.Windows(Unwrap(t.Model).Lengths())
	if err != nil {
		return nil, errors.Wrap(err, "building training iterator")
	}
	t.trainIter = iter
	return iter, nil
}

// step runs forward, backward, gradient sync and the optimizer update for
// one batch and returns the batch loss.
func (t *Trainer) step(ctx context.Context, b Batch, mem *Memory, syncer GradientSyncer, timed bool) (float64, error) {
	t.Stepper.ZeroGrad()
	out, err := t.Model.Forward(b.Input, b.Target, b.Width, *mem)
	if err != nil {
		return 0, errors.Wrap(err, "forward")
	}
	*mem = out.Memory
	loss := mean(out.Losses)

	if err := t.backward(ctx, syncer, timed); err != nil {
		return 0, err
	}
	if !t.Stepper.Unscale() {
		t.Stepper.ClipGradNorm(t.Config.Clip, t.Config.ClipNonEmb)
	}
	t.Stepper.Step()
	return loss, nil
}

func (t *Trainer) backward(ctx context.Context, syncer GradientSyncer, timed bool) error {
	if timed {
		defer StartTimer(t.Sink, t.State, "backwards").Stop()
	}
	if err := t.Stepper.Backward(t.Model); err != nil {
		return errors.Wrap(err, "backward")
	}
	if syncer != nil {
		return syncer.SyncGradients(ctx)
	}
	return nil
}

func (t *Trainer) lossSummary(prefix string, loss float64) string {
	if t.Config.IsCharacterCorpus() {
		return fmt.Sprintf(" | %sbpc %9.5f", prefix, loss/math.Ln2)
	}
	return fmt.Sprintf(" | %sppl %9.3f", prefix, math.Exp(loss))
}

func (t *Trainer) logProgress(batch int, totals StepTotals) {
	cfg, state := t.Config, t.State
	elapsed := time.Since(state.LogStart).Seconds()
	steps := float64(state.TrainStep - state.LastLogStep)
	curLoss := state.TrainLoss / steps
	lr := t.Stepper.LearningRate()

	t.Log.Infof("| epoch %3d step %8d | %6d batches | lr %.3g | ms/batch %5.2f | loss %5.2f%s",
		state.Epoch, state.TrainStep, batch+1, lr, elapsed*1000/steps, curLoss, t.lossSummary("", curLoss))

	t.scalar("loss/epoch", float64(state.Epoch))
	t.scalar("loss/loss", curLoss)
	t.scalar("loss/ppl", math.Exp(curLoss))
	t.scalar("times/step", 1000*elapsed/steps)
	t.scalar("lr", lr)
	t.scalar("lr_normalized1", lr/float64(totals.Width))
	t.scalar("lr_normalized2", lr/float64(totals.Tokens))
	if lamb, ok := t.Stepper.Optimizer().(*Lamb); ok {
		for name, r := range lamb.TrustRatios {
			t.scalar("lamb/trust_ratio/"+name, r)
		}
	}
	if cfg.FP16 {
		t.scalar("fp16/loss_scale", t.Stepper.LossScale())
		t.scalar("fp16/overflows", float64(state.LogOverflows))
	}

	timePerBatch := elapsed / steps
	timePerSample := timePerBatch / float64(cfg.BatchSize)
	timePerToken := timePerSample / float64(cfg.TgtLen)
	t.scalar("times/batches_per_sec", 1/timePerBatch)
	t.scalar("times/samples_per_sec", 1/timePerSample)
	t.scalar("times/tokens_per_sec", 1/timePerToken)

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	t.scalar("memory/allocated_gb", float64(ms.HeapAlloc)/1e9)
	t.scalar("memory/sys_gb", float64(ms.Sys)/1e9)

	state.ResetLogWindow()
}

// evaluateAndSave evaluates on rank 0 and shares the result, so the best
// loss and any plateau schedule stay identical on every rank.
func (t *Trainer) evaluateAndSave(ctx context.Context) error {
	cfg, state := t.Config, t.State
	vals := []float64{math.NaN()}
	var evalErr error
	start := time.Now()
	if t.Comm.Rank() == 0 {
		timer := StartTimer(t.Sink, state, "eval")
		vals[0], evalErr = Evaluate(ctx, t.Model, t.Valid, EvalOptions{TgtLen: cfg.EvalTgtLen, MaxSteps: cfg.MaxEvalSteps})
		timer.Stop()
		if evalErr != nil {
			vals[0] = math.NaN()
		}
	}
	if err := t.Comm.Broadcast(ctx, "val_loss", vals, 0); err != nil {
		return errors.Wrap(err, "sharing validation loss")
	}
	if evalErr != nil {
		return errors.Wrap(evalErr, "validation")
	}
	valLoss := vals[0]
	if math.IsNaN(valLoss) {
		return errors.New("validation failed on rank 0")
	}

	if state.Improves(valLoss) {
		state.BestValLoss, state.HasBest = valLoss, true
		t.Log.Infof("Saving checkpoint for new best loss")
		if err := t.save("best"); err != nil {
			return err
		}
	}
	t.Scheduler.Observe(valLoss)

	t.Log.Infof("%s", strings.Repeat("-", 100))
	t.Log.Infof("| Eval %3d at step %8d | time: %5.2fs | valid loss %5.2f%s",
		state.TrainStep/int64(cfg.EvalInterval), state.TrainStep, time.Since(start).Seconds(), valLoss, t.lossSummary("valid ", valLoss))
	t.Log.Infof("%s", strings.Repeat("-", 100))
	t.scalar("loss/val_loss", valLoss)
	t.scalar("loss/val_ppl", math.Exp(valLoss))
	return nil
}

func (t *Trainer) save(suffix string) error {
	ckpt := NewCheckpoint(Unwrap(t.Model).Parameters(), t.Stepper.StateDict(), t.State.Meta())
	path, err := t.Store.Save(suffix, ckpt)
	if err != nil {
		return errors.Wrapf(err, "saving %s checkpoint", suffix)
	}
	if path != "" {
		t.Log.Debugf("wrote %s", path)
	}
	return nil
}
