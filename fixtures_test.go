package txlgo

import (
	"context"
	"sync"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

// fakeModel is a Model whose loss is scripted. In inference mode it returns
// valLosses[pass-1] for the pass-th evaluation.
type fakeModel struct {
	params   *ParameterSet
	lengths  Lengths
	training bool

	valLosses []float64
	failOn    int
	panicOn   int

	forwards   int
	evalPasses int
	seen       []Lengths
}

func newFakeModel(l Lengths) *fakeModel {
	set := NewParameterSet(
		ParamSpec{Name: "emb", Embedding: true, Dims: []int{2}},
		ParamSpec{Name: "w", Dims: []int{2}},
	)
	copy(set.Memory, []float32{1, 1, 1, 1})
	return &fakeModel{params: set, lengths: l, training: true}
}

func (f *fakeModel) Forward(input, target []int32, width int, mem Memory) (Output, error) {
	f.forwards++
	switch f.forwards {
	case f.failOn:
		return Output{}, errors.New("forward failed")
	case f.panicOn:
		panic("forward exploded")
	}
	f.seen = append(f.seen, f.lengths)
	loss := 1.0
	if !f.training && len(f.valLosses) > 0 {
		loss = f.valLosses[min(f.evalPasses, len(f.valLosses))-1]
	}
	out := Output{Losses: make([]float64, width)}
	for i := range out.Losses {
		out.Losses[i] = loss
	}
	return out, nil
}

func (f *fakeModel) Backward(lossScale float32) error {
	for i := range f.params.GradMemory {
		f.params.GradMemory[i] += 0.1 * lossScale
	}
	return nil
}

func (f *fakeModel) Parameters() []*Parameter { return f.params.Params }

func (f *fakeModel) SetTraining(training bool) {
	if f.training && !training {
		f.evalPasses++
	}
	f.training = training
}

func (f *fakeModel) Training() bool        { return f.training }
func (f *fakeModel) Lengths() Lengths      { return f.lengths }
func (f *fakeModel) ResetLength(l Lengths) { f.lengths = l }

// countingStore records every save that reached the disk.
type countingStore struct {
	CheckpointStore
	mu    sync.Mutex
	saves []string
}

func (s *countingStore) Save(suffix string, c *Checkpoint) (string, error) {
	s.mu.Lock()
	s.saves = append(s.saves, suffix)
	s.mu.Unlock()
	return s.CheckpointStore.Save(suffix, c)
}

type recordingShutdowner struct {
	mu        sync.Mutex
	cancels   int
	scheduled []int
}

func (r *recordingShutdowner) Cancel(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancels++
	return nil
}

func (r *recordingShutdowner) Schedule(_ context.Context, delayMins int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scheduled = append(r.scheduled, delayMins)
	return nil
}

// sliceWindowed serves fixed batches regardless of the requested lengths.
type sliceWindowed struct{ batches []Batch }

func (s sliceWindowed) Windows(Lengths) (Iterator, error) {
	return &sliceIterator{batches: s.batches}, nil
}

type sliceIterator struct {
	batches []Batch
	pos     int
}

func (it *sliceIterator) Next() (Batch, bool) {
	if it.pos >= len(it.batches) {
		return Batch{}, false
	}
	it.pos++
	return it.batches[it.pos-1], true
}

func (it *sliceIterator) Reset() { it.pos = 0 }

func testConfig(t *testing.T) Config {
	cfg := DefaultConfig()
	cfg.LogDir = t.TempDir()
	cfg.BatchSize = 4
	cfg.TgtLen = 10
	cfg.EvalTgtLen = 10
	cfg.MaxTokens = 1 << 40
	cfg.LogInterval = 5
	cfg.VerboseLogSteps = 2
	cfg.EvalInterval = 1000
	cfg.Optim = OptimizerConfig{Name: "sgd", LR: 0.1}
	cfg.Schedule = ScheduleConfig{Name: "constant"}
	return cfg
}

func testShard(t *testing.T, n, rank, world, width int) *Shard {
	t.Helper()
	tokens := make([]int32, n)
	for i := range tokens {
		tokens[i] = int32(i % 11)
	}
	shard, err := newDataLoaderFromTokens(tokens).Shard(rank, world, width)
	require.NoError(t, err)
	return shard
}

// newTestTrainer wires a trainer around model the way NewRun does.
func newTestTrainer(t *testing.T, cfg Config, comm Communicator, model Model, train Windowed) (*Trainer, *countingStore) {
	t.Helper()
	ddp, err := NewDistributedModel(testContext(t), model, comm)
	require.NoError(t, err)
	opt, err := NewOptimizer(cfg.Optim, Unwrap(model).Parameters())
	require.NoError(t, err)
	stepper := NewFullPrecision(opt)
	sched, err := NewScheduler(cfg.ScheduleConfig(), stepper)
	require.NoError(t, err)
	store := &countingStore{CheckpointStore: FileCheckpointStore{Dir: cfg.LogDir}}
	state := NewRunState()
	return &Trainer{
		Config:    cfg,
		Model:     ddp,
		Stepper:   stepper,
		Scheduler: sched,
		Comm:      comm,
		State:     state,
		Tracker:   NewProgressTracker(comm, state),
		Train:     train,
		Store:     RankZeroStore{CheckpointStore: store, Rank: comm.Rank()},
		Sink:      NopSink{},
		Log:       NewFileLogger(comm.Rank()),
	}, store
}

// interruptingWindowed closes stop when the batch after the first n is
// requested, as a signal arriving mid-epoch would.
type interruptingWindowed struct {
	Windowed
	n    int
	stop chan struct{}
}

func (w interruptingWindowed) Windows(l Lengths) (Iterator, error) {
	it, err := w.Windowed.Windows(l)
	if err != nil {
		return nil, err
	}
	return &interruptingIterator{Iterator: it, n: w.n, stop: w.stop}, nil
}

type interruptingIterator struct {
	Iterator
	n, served int
	stop      chan struct{}
}

func (it *interruptingIterator) Next() (Batch, bool) {
	if it.served == it.n {
		close(it.stop)
	}
	it.served++
	return it.Iterator.Next()
}
