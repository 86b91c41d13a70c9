package txlgo

import (
	"context"
	"fmt"
	"math"
	"os"
	"runtime/debug"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Lifecycle owns a whole run on one rank: restore, epochs, final test
// evaluation and the host shutdown that follows.
type Lifecycle struct {
	Trainer  *Trainer
	Test     Windowed // rank 0 only
	Shutdown Shutdowner
}

// Run trains until the token budget, data or an interrupt ends it. A panic
// anywhere below is turned into an error and takes the failure path.
func (l *Lifecycle) Run(ctx context.Context) (err error) {
	t := l.Trainer
	rank0 := t.Comm.Rank() == 0
	if rank0 {
		if err := l.Shutdown.Cancel(ctx); err != nil {
			t.Log.Debugf("cancelling pending shutdown: %v", err)
		}
	}
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("training panicked: %v\n%s", r, debug.Stack())
		}
		if err != nil {
			t.Log.Exceptionf(err, "Failed")
		}
		l.scheduleShutdown(ctx, err == nil)
		t.Log.Flush()
	}()
	return l.run(ctx)
}

func (l *Lifecycle) scheduleShutdown(ctx context.Context, success bool) {
	t := l.Trainer
	if t.Comm.Rank() != 0 || t.Config.SkipAutoShutdown {
		return
	}
	delay := t.Config.AutoShutdownSuccessDelayMins
	if !success {
		delay = t.Config.AutoShutdownFailureDelayMins
	}
	t.Log.Infof("Scheduling shutdown in %d minutes", delay)
	if err := l.Shutdown.Schedule(context.WithoutCancel(ctx), delay); err != nil {
		t.Log.Warningf("scheduling shutdown: %v", err)
	}
}

func (l *Lifecycle) run(ctx context.Context) error {
	t := l.Trainer
	cfg, state := t.Config, t.State
	l.logConfig()

	all, nonEmb := CountParams(Unwrap(t.Model).Parameters())
	t.scalar("sizes/params", float64(all))
	t.scalar("sizes/non_emb_params", float64(nonEmb))
	t.scalar("first", float64(time.Now().Unix()))

	if cfg.Checkpoint != "" {
		if err := l.restore(ctx); err != nil {
			return err
		}
	}
	if cfg.CheckpointEachEpoch {
		t.Log.Infof("Saving checkpoint for epoch %d", state.Epoch)
		if err := t.save(fmt.Sprint(state.Epoch)); err != nil {
			return err
		}
	}

	for epoch := state.Epoch + 1; ; epoch++ {
		state.Epoch = epoch
		before := state.TrainStep
		reason, err := t.TrainEpoch(ctx)
		if err != nil {
			return errors.Wrapf(err, "epoch %d", epoch)
		}
		if reason == StopInterrupted {
			t.Log.Infof("%s", strings.Repeat("-", 100))
			t.Log.Infof("Exiting from training early")
			break
		}
		if reason == StopTokenBudget {
			break
		}
		if state.TrainStep == before {
			return errors.Errorf("epoch %d produced no training steps", epoch)
		}
	}

	// every rank leaves the training loop before rank 0 moves on to the test split
	if err := t.Comm.Barrier(ctx); err != nil {
		return errors.Wrap(err, "waiting for ranks to finish training")
	}
	if t.Comm.Rank() != 0 {
		return nil
	}
	if err := l.loadBest(); err != nil {
		return err
	}
	testLoss, err := Evaluate(ctx, t.Model, l.Test, EvalOptions{TgtLen: cfg.EvalTgtLen, MaxSteps: cfg.MaxEvalSteps})
	if err != nil {
		return errors.Wrap(err, "test evaluation")
	}
	t.Log.Infof("%s", strings.Repeat("=", 100))
	if cfg.IsCharacterCorpus() {
		t.Log.Infof("| End of training | test loss %5.2f | test bpc %9.5f", testLoss, testLoss/math.Ln2)
	} else {
		t.Log.Infof("| End of training | test loss %5.2f | test ppl %9.3f", testLoss, math.Exp(testLoss))
	}
	t.scalar("loss/test_loss", testLoss)
	t.scalar("loss/test_ppl", math.Exp(testLoss))
	t.Log.Infof("%s", strings.Repeat("=", 100))
	return nil
}

func (l *Lifecycle) logConfig() {
	t := l.Trainer
	raw, err := yaml.Marshal(t.Config)
	if err != nil {
		t.Log.Warningf("encoding config: %v", err)
		return
	}
	t.Log.Infof("%s", strings.Repeat("=", 100))
	for _, line := range strings.Split(strings.TrimSpace(string(raw)), "\n") {
		t.Log.Infof("    - %s", line)
	}
	t.Log.Infof("%s", strings.Repeat("=", 100))
	t.Sink.AddText("args", string(raw), t.State.GlobalTokenCount)
}

// restore loads weights from the configured checkpoint. Rank 0 reads the
// weights and broadcasts them. With ResumeSchedule every rank also restores
// the optimizer and the run progress, so the file must be visible to all.
func (l *Lifecycle) restore(ctx context.Context) error {
	t := l.Trainer
	cfg := t.Config
	if t.Comm.Rank() == 0 || cfg.ResumeSchedule {
		ckpt, err := t.Store.Load(cfg.Checkpoint)
		if err != nil {
			return err
		}
		if err := l.applyWeights(ckpt); err != nil {
			return err
		}
		if cfg.ResumeSchedule {
			if err := t.Stepper.LoadStateDict(ckpt.Optimizer); err != nil {
				return errors.Wrap(err, "restoring optimizer")
			}
			t.State.Restore(ckpt.Meta)
			t.Scheduler.Restore(t.Stepper.LearningRate())
		}
		t.Log.Infof("Restored %s at step %d, %d tokens", cfg.Checkpoint, ckpt.Meta.Step, ckpt.Meta.Tokens)
	}
	if ddp, ok := Find[*DistributedModel](t.Model); ok {
		if err := ddp.BroadcastParameters(ctx); err != nil {
			return err
		}
	}
	if cfg.ResumeSchedule {
		if err := t.State.SyncFrom(ctx, t.Comm, 0); err != nil {
			return err
		}
		t.Scheduler.Step(t.State.GlobalTokenCount)
	} else {
		t.Stepper.Reload()
	}
	return nil
}

func (l *Lifecycle) applyWeights(ckpt *Checkpoint) error {
	t := l.Trainer
	if err := ckpt.ApplyTo(Unwrap(t.Model).Parameters()); err != nil {
		return err
	}
	if half, ok := Find[*HalfModel](t.Model); ok {
		half.RoundParameters()
	}
	return nil
}

func (l *Lifecycle) loadBest() error {
	t := l.Trainer
	t.Log.Infof("Loading best checkpoint")
	path := t.Store.Path("best")
	if _, err := os.Stat(path); err != nil {
		t.Log.Warningf("no model file, using current model for loss")
		return nil
	}
	defer StartTimer(t.Sink, t.State, "load").Stop()
	ckpt, err := t.Store.Load(path)
	if err != nil {
		return err
	}
	return l.applyWeights(ckpt)
}
