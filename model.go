package txlgo

import (
	"math/rand"
)

// Memory is the hidden state a segment-level recurrent model carries from one
// forward call to the next. The training loop never looks inside it.
type Memory [][]float32

// Lengths is the window configuration of a model: how many positions it
// predicts, how many extra context positions it reads, and how many positions
// of carried memory it retains.
type Lengths struct {
	TgtLen int
	ExtLen int
	MemLen int
}

// EvalLengths returns the window used for evaluation with evalTgtLen
// predicted positions. The receptive field stays the same as in training: a
// model without memory gets a longer extended context, otherwise the memory
// grows by the difference.
func (l Lengths) EvalLengths(evalTgtLen int) Lengths {
	diff := l.TgtLen - evalTgtLen
	if l.MemLen == 0 {
		return Lengths{TgtLen: evalTgtLen, ExtLen: l.ExtLen + diff, MemLen: l.MemLen}
	}
	return Lengths{TgtLen: evalTgtLen, ExtLen: l.ExtLen, MemLen: l.MemLen + diff}
}

// Output is the result of one forward call.
type Output struct {
	// Losses holds one mean loss per data-parallel shard computed inside
	// this process. The loop averages them.
	Losses []float64
	Memory Memory
}

// Model is the collaborator the training loop drives.
//
// Forward caches whatever Backward needs; Backward accumulates the gradient
// of lossScale times the mean loss of the last Forward into Parameters.
type Model interface {
	Forward(input, target []int32, width int, mem Memory) (Output, error)
	Backward(lossScale float32) error
	Parameters() []*Parameter
	SetTraining(training bool)
	Training() bool
	Lengths() Lengths
	ResetLength(l Lengths)
}

// Wrapper is implemented by every layer that wraps a Model.
type Wrapper interface {
	UnderlyingModel() Model
}

// Unwrap peels wrapper layers until it reaches a model that wraps nothing.
func Unwrap(m Model) Model {
	for {
		w, ok := m.(Wrapper)
		if !ok {
			return m
		}
		m = w.UnderlyingModel()
	}
}

// InitConfig selects the weight initialisation of a model.
type InitConfig struct {
	// Init is "normal" or "uniform".
	Init         string  `yaml:"init"`
	EmbInit      string  `yaml:"emb_init"`
	InitRange    float64 `yaml:"init_range"`
	EmbInitRange float64 `yaml:"emb_init_range"`
	InitStd      float64 `yaml:"init_std"`
}

// Initializer is implemented by every model submodule that owns weights.
type Initializer interface {
	Initialize(rng *rand.Rand, cfg InitConfig)
}

func initWeight(w []float32, rng *rand.Rand, scheme string, rangeVal, std float64) {
	for i := range w {
		if scheme == "uniform" {
			w[i] = float32((rng.Float64()*2 - 1) * rangeVal)
		} else {
			w[i] = float32(rng.NormFloat64() * std)
		}
	}
}

// Find returns the outermost layer of m, m included, that implements T.
func Find[T any](m Model) (T, bool) {
	for {
		if t, ok := m.(T); ok {
			return t, true
		}
		w, ok := m.(Wrapper)
		if !ok {
			var zero T
			return zero, false
		}
		m = w.UnderlyingModel()
	}
}
