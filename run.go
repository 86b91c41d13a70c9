package txlgo

import (
	"context"
	"math/rand"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// Run is a training run wired together for one rank.
type Run struct {
	*Lifecycle
	Model *MemLM
	sink  Sink
}

// NewRun builds every component of a run from cfg. interrupt may be nil.
func NewRun(ctx context.Context, cfg Config, comm Communicator, shutdown Shutdowner, interrupt <-chan struct{}) (*Run, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if comm.WorldSize() != cfg.WorldSize || comm.Rank() != cfg.Rank {
		return nil, errors.Errorf("communicator is rank %d of %d, config says %d of %d",
			comm.Rank(), comm.WorldSize(), cfg.Rank, cfg.WorldSize)
	}
	rank0 := comm.Rank() == 0
	log := NewFileLogger(comm.Rank())
	log.Infof("Distributed: success (%d/%d)", comm.Rank(), comm.WorldSize())

	splits := make(map[string]*DataLoader, 3)
	for _, split := range []string{"train", "valid", "test"} {
		loader, err := NewDataLoader(cfg.SplitPath(split))
		if err != nil {
			return nil, errors.Wrapf(err, "loading %s split", split)
		}
		splits[split] = loader
	}
	if cfg.Model.V == 0 {
		for _, loader := range splits {
			cfg.Model.V = max(cfg.Model.V, int(loader.MaxToken())+1)
		}
		log.Infof("vocabulary size inferred from data: %d", cfg.Model.V)
	}
	train, err := splits["train"].Shard(comm.Rank(), comm.WorldSize(), cfg.BatchSize)
	if err != nil {
		return nil, errors.Wrap(err, "sharding train split")
	}
	var valid, test *Shard
	if rank0 {
		if valid, err = splits["valid"].Shard(0, 1, cfg.EvalBatchSize()); err != nil {
			return nil, errors.Wrap(err, "sharding valid split")
		}
		if test, err = splits["test"].Shard(0, 1, cfg.EvalBatchSize()); err != nil {
			return nil, errors.Wrap(err, "sharding test split")
		}
	}

	lm := NewMemLM(cfg.Model, cfg.Lengths())
	lm.Initialize(rand.New(rand.NewSource(cfg.Seed)), cfg.Init)
	log.Debugf("%s", lm)
	var model Model = lm
	if cfg.FP16 {
		model = NewHalfModel(model)
	}
	ddp, err := NewDistributedModel(ctx, model, comm)
	if err != nil {
		return nil, err
	}

	stepper, err := newStepper(cfg, lm.Parameters())
	if err != nil {
		return nil, err
	}
	sched, err := NewScheduler(cfg.ScheduleConfig(), stepper)
	if err != nil {
		return nil, err
	}

	var sink Sink = NopSink{}
	if rank0 {
		if err := os.MkdirAll(cfg.LogDir, os.ModePerm); err != nil {
			return nil, errors.Wrap(err, "creating log directory")
		}
		if sink, err = OpenSQLiteSink(filepath.Join(cfg.LogDir, "events.db")); err != nil {
			return nil, err
		}
	}

	state := NewRunState()
	trainer := &Trainer{
		Config:    cfg,
		Model:     ddp,
		Stepper:   stepper,
		Scheduler: sched,
		Comm:      comm,
		State:     state,
		Tracker:   NewProgressTracker(comm, state),
		Train:     train,
		Store:     RankZeroStore{CheckpointStore: FileCheckpointStore{Dir: cfg.LogDir}, Rank: comm.Rank()},
		Sink:      sink,
		Log:       log,
		Interrupt: interrupt,
	}
	lc := &Lifecycle{Trainer: trainer, Shutdown: shutdown}
	if rank0 {
		trainer.Valid, lc.Test = valid, test
	}
	return &Run{Lifecycle: lc, Model: lm, sink: sink}, nil
}

func newStepper(cfg Config, params []*Parameter) (Stepper, error) {
	newOpt := func(p []*Parameter) (Optimizer, error) { return NewOptimizer(cfg.Optim, p) }
	if !cfg.FP16 {
		opt, err := newOpt(params)
		if err != nil {
			return nil, err
		}
		return NewFullPrecision(opt), nil
	}
	scaler := NewStaticLossScaler(cfg.StaticLossScale)
	if cfg.DynamicLossScale {
		scaler = NewDynamicLossScaler(1 << 16)
	}
	return NewMixedPrecision(params, scaler, newOpt)
}

func (r *Run) Close() error {
	return r.sink.Close()
}
