package txlgo

import (
	"fmt"
	"math/rand"

	"github.com/pkg/errors"
)

// MemLMConfig holds the hyper-parameters of the reference model.
type MemLMConfig struct {
	V int `yaml:"vocab_size"` // vocabulary size
	C int `yaml:"d_model"`    // channels
}

// MemLM is a small segment-level recurrent language model: every position is
// its token embedding plus a summary of the memory carried over from the
// previous segment, followed by a layer norm and a softmax head tied to the
// embedding. It is the model collaborator the trainer is exercised with.
type MemLM struct {
	Config  MemLMConfig
	Params  *ParameterSet
	lengths Lengths

	wte  embedding
	norm layerNorm
	head outputBias

	training bool

	// cache of the last forward pass
	B, T, S   int
	inputs    []int32
	targets   []int32 // (B, T), zero on extended-context positions
	hidden    []float32
	ln        []float32
	lnMean    []float32
	lnRstd    []float32
	probs     []float32
	hasTarget bool
}

type embedding struct{ weight *Parameter }

func (e embedding) Initialize(rng *rand.Rand, cfg InitConfig) {
	initWeight(e.weight.Data, rng, cfg.EmbInit, cfg.EmbInitRange, cfg.InitStd)
}

type layerNorm struct{ weight, bias *Parameter }

func (l layerNorm) Initialize(rng *rand.Rand, cfg InitConfig) {
	for i := range l.weight.Data {
		l.weight.Data[i] = float32(1 + rng.NormFloat64()*cfg.InitStd)
	}
	for i := range l.bias.Data {
		l.bias.Data[i] = 0
	}
}

type outputBias struct{ bias *Parameter }

func (o outputBias) Initialize(_ *rand.Rand, _ InitConfig) {
	for i := range o.bias.Data {
		o.bias.Data[i] = 0
	}
}

// NewMemLM allocates a model. Call Initialize before training.
func NewMemLM(cfg MemLMConfig, l Lengths) *MemLM {
	params := NewParameterSet(
		ParamSpec{Name: "word_emb.weight", Embedding: true, Dims: []int{cfg.V, cfg.C}},
		ParamSpec{Name: "norm.weight", Dims: []int{cfg.C}},
		ParamSpec{Name: "norm.bias", Dims: []int{cfg.C}},
		ParamSpec{Name: "out.bias", Dims: []int{cfg.V}},
	)
	return &MemLM{
		Config:   cfg,
		Params:   params,
		lengths:  l,
		wte:      embedding{weight: params.Params[0]},
		norm:     layerNorm{weight: params.Params[1], bias: params.Params[2]},
		head:     outputBias{bias: params.Params[3]},
		training: true,
	}
}

func (m *MemLM) modules() []Initializer {
	return []Initializer{m.norm, m.head, m.wte}
}

// Initialize initialises every submodule. The embedding goes last so the tied
// output head does not override it.
func (m *MemLM) Initialize(rng *rand.Rand, cfg InitConfig) {
	for _, mod := range m.modules() {
		mod.Initialize(rng, cfg)
	}
}

func (m *MemLM) String() string {
	var s string
	s += "[MemLM]\n"
	s += fmt.Sprintf("vocab_size: %d\n", m.Config.V)
	s += fmt.Sprintf("d_model: %d\n", m.Config.C)
	s += fmt.Sprintf("tgt_len: %d ext_len: %d mem_len: %d\n", m.lengths.TgtLen, m.lengths.ExtLen, m.lengths.MemLen)
	s += fmt.Sprintf("num_parameters: %d\n", m.Params.Len())
	return s
}

func (m *MemLM) Parameters() []*Parameter  { return m.Params.Params }
func (m *MemLM) SetTraining(training bool) { m.training = training }
func (m *MemLM) Training() bool            { return m.training }
func (m *MemLM) Lengths() Lengths          { return m.lengths }
func (m *MemLM) ResetLength(l Lengths)     { m.lengths = l }

// Forward runs the model over a batch of width rows. input holds
// width×(ext+seq) ids and target width×seq ids; the extended context is
// whatever input has beyond target.
func (m *MemLM) Forward(input, target []int32, width int, mem Memory) (Output, error) {
	V, C := m.Config.V, m.Config.C
	if width <= 0 || len(input)%width != 0 || len(target)%width != 0 {
		return Output{}, errors.Errorf("input %d / target %d not divisible by width %d", len(input), len(target), width)
	}
	B, T, S := width, len(input)/width, len(target)/width
	if S == 0 || S > T {
		return Output{}, errors.Errorf("target length %d does not fit input window %d", S, T)
	}
	for _, ids := range [][]int32{input, target} {
		for _, id := range ids {
			if id < 0 || int(id) >= V {
				return Output{}, errors.Errorf("token %d out of vocabulary of %d", id, V)
			}
		}
	}
	ext := T - S
	m.B, m.T, m.S = B, T, S
	m.inputs = append(m.inputs[:0], input...)
	m.targets = make([]int32, B*T)
	for b := 0; b < B; b++ {
		copy(m.targets[b*T+ext:(b+1)*T], target[b*S:(b+1)*S])
	}

	summary := m.memorySummary(mem, B)
	m.hidden = make([]float32, B*T*C)
	embedForward(m.hidden, input, m.wte.weight.Data, summary, B, T, C)

	m.ln = make([]float32, B*T*C)
	m.lnMean = make([]float32, B*T)
	m.lnRstd = make([]float32, B*T)
	layernormForward(m.ln, m.lnMean, m.lnRstd, m.hidden, m.norm.weight.Data, m.norm.bias.Data, B, T, C)

	logits := make([]float32, B*T*V)
	matmulForward(logits, m.ln, m.wte.weight.Data, m.head.bias.Data, B, T, C, V)
	m.probs = make([]float32, B*T*V)
	softmaxForward(m.probs, logits, B, T, V)

	losses := make([]float32, B*T)
	crossEntropyForward(losses, m.probs, m.targets, B, T, V)
	out := Output{Losses: make([]float64, B)}
	for b := 0; b < B; b++ {
		var rowLoss float64
		for t := ext; t < T; t++ {
			rowLoss += float64(losses[b*T+t])
		}
		out.Losses[b] = rowLoss / float64(S)
	}
	m.hasTarget = true
	out.Memory = m.nextMemory(mem, B)
	return out, nil
}

// memorySummary averages the carried positions of every row.
func (m *MemLM) memorySummary(mem Memory, B int) []float32 {
	C := m.Config.C
	if len(mem) == 0 || len(mem[0]) == 0 || len(mem[0])%(B*C) != 0 {
		return nil
	}
	k := len(mem[0]) / (B * C)
	summary := make([]float32, B*C)
	for b := 0; b < B; b++ {
		for p := 0; p < k; p++ {
			row := mem[0][(b*k+p)*C : (b*k+p+1)*C]
			for i, v := range row {
				summary[b*C+i] += v / float32(k)
			}
		}
	}
	return summary
}

// nextMemory keeps the last MemLen hidden positions of every row, reaching
// back into the previous memory when the window is shorter than MemLen.
func (m *MemLM) nextMemory(prev Memory, B int) Memory {
	C, T, memLen := m.Config.C, m.T, m.lengths.MemLen
	if memLen <= 0 {
		return nil
	}
	k := 0
	if len(prev) > 0 && len(prev[0]) > 0 && len(prev[0])%(B*C) == 0 {
		k = len(prev[0]) / (B * C)
	}
	keep := min(memLen, k+T)
	next := make([]float32, B*keep*C)
	for b := 0; b < B; b++ {
		for p := 0; p < keep; p++ {
			// position in the concatenation [prev(k) | hidden(T)]
			src := k + T - keep + p
			var row []float32
			if src < k {
				row = prev[0][(b*k+src)*C : (b*k+src+1)*C]
			} else {
				row = m.hidden[(b*T+src-k)*C : (b*T+src-k+1)*C]
			}
			copy(next[(b*keep+p)*C:], row)
		}
	}
	return Memory{next}
}

// Backward accumulates the gradient of lossScale × mean loss into the
// parameter gradients.
func (m *MemLM) Backward(lossScale float32) error {
	if !m.hasTarget {
		return errors.New("must forward with targets before backward")
	}
	if !m.training {
		return errors.New("backward called in inference mode")
	}
	B, T, S, C, V := m.B, m.T, m.S, m.Config.C, m.Config.V
	ext := T - S
	dlosses := make([]float32, B*T)
	d := lossScale / float32(B*S)
	for b := 0; b < B; b++ {
		for t := ext; t < T; t++ {
			dlosses[b*T+t] = d
		}
	}
	dlogits := make([]float32, B*T*V)
	crossentropySoftmaxBackward(dlogits, dlosses, m.probs, m.targets, B, T, V)
	dln := make([]float32, B*T*C)
	matmulBackward(dln, m.wte.weight.Grad, m.head.bias.Grad, dlogits, m.ln, m.wte.weight.Data, B, T, C, V)
	dhidden := make([]float32, B*T*C)
	layernormBackward(dhidden, m.norm.weight.Grad, m.norm.bias.Grad, dln, m.hidden, m.norm.weight.Data, m.lnMean, m.lnRstd, B, T, C)
	embedBackward(m.wte.weight.Grad, dhidden, m.inputs, B, T, C)
	return nil
}
