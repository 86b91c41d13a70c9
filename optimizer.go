package txlgo

import (
	"math"
	"strings"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
)

// Optimizer updates a fixed list of parameters from their gradients.
type Optimizer interface {
	// Step applies one update using the current gradients.
	Step()
	// ZeroGrad clears the gradients of every parameter.
	ZeroGrad()
	LearningRate() float64
	// SetLearningRate sets the rate for every parameter group.
	SetLearningRate(lr float64)
	Params() []*Parameter
	StateDict() OptimizerState
	LoadStateDict(state OptimizerState) error
}

// OptimizerState is the serialisable internal state of an optimizer.
// Slots are keyed "<slot>/<parameter name>".
type OptimizerState struct {
	Step    int64
	Scalars map[string]float64
	Slots   map[string][]float32
}

// OptimizerConfig selects and tunes an update rule.
type OptimizerConfig struct {
	// Name is one of sgd, adam, adagrad, lamb.
	Name        string  `yaml:"optim"`
	LR          float64 `yaml:"lr"`
	Momentum    float64 `yaml:"mom"`
	WeightDecay float64 `yaml:"wd"`
	Beta1       float64 `yaml:"beta1"`
	Beta2       float64 `yaml:"beta2"`
	Eps         float64 `yaml:"eps"`
}

// NewOptimizer builds the optimizer named by cfg.Name over params.
func NewOptimizer(cfg OptimizerConfig, params []*Parameter) (Optimizer, error) {
	base := newOptimizerBase(cfg, params)
	switch strings.ToLower(cfg.Name) {
	case "sgd":
		return &SGD{optimizerBase: base, momentum: cfg.Momentum}, nil
	case "adam":
		return &Adam{optimizerBase: base}, nil
	case "adagrad":
		return &Adagrad{optimizerBase: base}, nil
	case "lamb":
		return &Lamb{optimizerBase: base, TrustRatios: make(map[string]float64)}, nil
	default:
		return nil, errors.Errorf("unknown optimizer %q", cfg.Name)
	}
}

type optimizerBase struct {
	cfg    OptimizerConfig
	lr     float64
	params []*Parameter
	step   int64
	slots  map[string][]float32
}

func newOptimizerBase(cfg OptimizerConfig, params []*Parameter) optimizerBase {
	if cfg.Beta1 == 0 {
		cfg.Beta1 = 0.9
	}
	if cfg.Beta2 == 0 {
		cfg.Beta2 = 0.999
	}
	if cfg.Eps == 0 {
		cfg.Eps = 1e-8
	}
	return optimizerBase{cfg: cfg, lr: cfg.LR, params: params, slots: make(map[string][]float32)}
}

func (o *optimizerBase) LearningRate() float64      { return o.lr }
func (o *optimizerBase) SetLearningRate(lr float64) { o.lr = lr }
func (o *optimizerBase) Params() []*Parameter       { return o.params }

func (o *optimizerBase) ZeroGrad() {
	for _, p := range o.params {
		for i := range p.Grad {
			p.Grad[i] = 0
		}
	}
}

// slot lazily allocates per-parameter state.
func (o *optimizerBase) slot(name string, p *Parameter) []float32 {
	key := name + "/" + p.Name
	s, ok := o.slots[key]
	if !ok {
		s = make([]float32, p.Len())
		o.slots[key] = s
	}
	return s
}

func (o *optimizerBase) StateDict() OptimizerState {
	state := OptimizerState{
		Step:    o.step,
		Scalars: map[string]float64{"lr": o.lr},
		Slots:   make(map[string][]float32, len(o.slots)),
	}
	for k, v := range o.slots {
		state.Slots[k] = append([]float32(nil), v...)
	}
	return state
}

func (o *optimizerBase) LoadStateDict(state OptimizerState) error {
	sizes := make(map[string]int, len(o.params))
	for _, p := range o.params {
		sizes[p.Name] = p.Len()
	}
	slots := make(map[string][]float32, len(state.Slots))
	for k, v := range state.Slots {
		_, name, ok := strings.Cut(k, "/")
		if !ok {
			return errors.Errorf("malformed optimizer slot %q", k)
		}
		if n, known := sizes[name]; !known || n != len(v) {
			return errors.Errorf("optimizer slot %q does not match any parameter", k)
		}
		slots[k] = append([]float32(nil), v...)
	}
	o.slots = slots
	o.step = state.Step
	if lr, ok := state.Scalars["lr"]; ok {
		o.lr = lr
	}
	return nil
}

// SGD is stochastic gradient descent with optional momentum.
type SGD struct {
	optimizerBase
	momentum float64
}

func (o *SGD) Step() {
	o.step++
	lr, mom := float32(o.lr), float32(o.momentum)
	for _, p := range o.params {
		if mom == 0 {
			for i, g := range p.Grad {
				p.Data[i] -= lr * g
			}
			continue
		}
		buf := o.slot("momentum_buffer", p)
		for i, g := range p.Grad {
			if o.step == 1 {
				buf[i] = g
			} else {
				buf[i] = mom*buf[i] + g
			}
			p.Data[i] -= lr * buf[i]
		}
	}
}

// Adam with L2 weight decay folded into the gradient and bias correction.
type Adam struct {
	optimizerBase
}

func (o *Adam) Step() {
	o.step++
	b1, b2, eps, wd := o.cfg.Beta1, o.cfg.Beta2, o.cfg.Eps, o.cfg.WeightDecay
	bias1 := 1 - math.Pow(b1, float64(o.step))
	bias2 := 1 - math.Pow(b2, float64(o.step))
	for _, p := range o.params {
		m, v := o.slot("exp_avg", p), o.slot("exp_avg_sq", p)
		for i := range p.Data {
			g := float64(p.Grad[i]) + wd*float64(p.Data[i])
			mi := b1*float64(m[i]) + (1-b1)*g
			vi := b2*float64(v[i]) + (1-b2)*g*g
			m[i], v[i] = float32(mi), float32(vi)
			p.Data[i] -= float32(o.lr * (mi / bias1) / (math.Sqrt(vi/bias2) + eps))
		}
	}
}

// Adagrad scales every coordinate by its accumulated squared gradient.
type Adagrad struct {
	optimizerBase
}

func (o *Adagrad) Step() {
	o.step++
	wd := o.cfg.WeightDecay
	for _, p := range o.params {
		sum := o.slot("sum", p)
		for i := range p.Data {
			g := float64(p.Grad[i]) + wd*float64(p.Data[i])
			s := float64(sum[i]) + g*g
			sum[i] = float32(s)
			p.Data[i] -= float32(o.lr * g / (math.Sqrt(s) + 1e-10))
		}
	}
}

// Lamb is the layer-wise adaptive large-batch optimizer: every parameter's
// Adam step is rescaled by the ratio of the parameter norm to the step norm.
type Lamb struct {
	optimizerBase
	// TrustRatios holds the last ratio applied to each parameter.
	TrustRatios map[string]float64
}

func (o *Lamb) Step() {
	o.step++
	b1, b2, eps, wd := o.cfg.Beta1, o.cfg.Beta2, o.cfg.Eps, o.cfg.WeightDecay
	var data, update []float64
	for _, p := range o.params {
		m, v := o.slot("exp_avg", p), o.slot("exp_avg_sq", p)
		data = widen(data, p.Data)
		if cap(update) < p.Len() {
			update = make([]float64, p.Len())
		}
		update = update[:p.Len()]
		for i := range p.Data {
			g := float64(p.Grad[i])
			mi := b1*float64(m[i]) + (1-b1)*g
			vi := b2*float64(v[i]) + (1-b2)*g*g
			m[i], v[i] = float32(mi), float32(vi)
			update[i] = mi / (math.Sqrt(vi) + eps)
		}
		if wd != 0 {
			floats.AddScaled(update, wd, data)
		}
		weightNorm := math.Min(floats.Norm(data, 2), 10)
		adamNorm := floats.Norm(update, 2)
		trust := 1.0
		if weightNorm != 0 && adamNorm != 0 {
			trust = weightNorm / adamNorm
		}
		o.TrustRatios[p.Name] = trust
		floats.AddScaled(data, -o.lr*trust, update)
		narrow(p.Data, data)
	}
}
