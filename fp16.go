package txlgo

import (
	"math"

	"github.com/pkg/errors"
)

// Float16 is an IEEE 754 binary16 value stored in its bit pattern.
// 1 sign bit, 5 exponent bits, 10 mantissa bits; largest finite value 65504.
type Float16 uint16

// Float32ToFloat16 converts with round-to-nearest-even. Values beyond the
// binary16 range become infinities, which is how overflow shows up.
func Float32ToFloat16(f float32) Float16 {
	bits := math.Float32bits(f)
	sign := Float16(bits>>16) & 0x8000
	rawExp := (bits >> 23) & 0xff
	mant := bits & 0x7fffff
	if rawExp == 0xff {
		if mant != 0 {
			return sign | 0x7e00
		}
		return sign | 0x7c00
	}
	exp := int(rawExp) - 127 + 15
	switch {
	case exp >= 0x1f:
		return sign | 0x7c00
	case exp <= 0:
		if exp < -10 {
			return sign
		}
		mant |= 0x800000
		shift := uint32(14 - exp)
		half := Float16(mant >> shift)
		rem := mant & (1<<shift - 1)
		mid := uint32(1) << (shift - 1)
		if rem > mid || (rem == mid && half&1 == 1) {
			half++
		}
		return sign | half
	}
	half := sign | Float16(exp<<10) | Float16(mant>>13)
	rem := mant & 0x1fff
	// a carry out of the mantissa correctly bumps the exponent
	if rem > 0x1000 || (rem == 0x1000 && half&1 == 1) {
		half++
	}
	return half
}

// Float16ToFloat32 widens h exactly.
func Float16ToFloat32(h Float16) float32 {
	sign := uint32(h&0x8000) << 16
	exp := uint32(h>>10) & 0x1f
	mant := uint32(h & 0x3ff)
	switch exp {
	case 0x1f:
		return math.Float32frombits(sign | 0x7f800000 | mant<<13)
	case 0:
		v := float32(mant) / (1 << 24)
		if sign != 0 {
			return -v
		}
		return v
	}
	return math.Float32frombits(sign | (exp+127-15)<<23 | mant<<13)
}

// roundToHalf returns the nearest value representable at half precision.
func roundToHalf(f float32) float32 {
	return Float16ToFloat32(Float32ToFloat16(f))
}

// HalfModel stores the wrapped model's parameters and gradients at half
// precision. Arithmetic inside the model stays in float32.
type HalfModel struct {
	Model
}

// NewHalfModel rounds the parameters of m to half precision.
func NewHalfModel(m Model) *HalfModel {
	h := &HalfModel{Model: m}
	h.RoundParameters()
	return h
}

// RoundParameters rounds the parameters to half precision again, after they
// were overwritten from a checkpoint.
func (h *HalfModel) RoundParameters() {
	for _, p := range h.Model.Parameters() {
		for i, v := range p.Data {
			p.Data[i] = roundToHalf(v)
		}
	}
}

func (h *HalfModel) UnderlyingModel() Model { return h.Model }

func (h *HalfModel) Backward(lossScale float32) error {
	if err := h.Model.Backward(lossScale); err != nil {
		return err
	}
	for _, p := range h.Model.Parameters() {
		for i, g := range p.Grad {
			p.Grad[i] = roundToHalf(g)
		}
	}
	return nil
}

// LossScaler holds the factor the loss is multiplied by before backward.
// A dynamic scaler halves on overflow and doubles after Window clean steps.
type LossScaler struct {
	Scale    float64
	Dynamic  bool
	Window   int
	Factor   float64
	MinScale float64

	goodSteps int
}

func NewStaticLossScaler(scale float64) *LossScaler {
	return &LossScaler{Scale: scale}
}

func NewDynamicLossScaler(initScale float64) *LossScaler {
	return &LossScaler{Scale: initScale, Dynamic: true, Window: 1000, Factor: 2, MinScale: 1}
}

// Update adjusts a dynamic scale after a step.
func (s *LossScaler) Update(overflow bool) {
	if !s.Dynamic {
		return
	}
	if overflow {
		s.Scale = math.Max(s.Scale/s.Factor, s.MinScale)
		s.goodSteps = 0
		return
	}
	s.goodSteps++
	if s.goodSteps%s.Window == 0 {
		s.Scale *= s.Factor
	}
}

// Stepper is the optimizer surface the training loop uses. It hides whether
// gradients are computed at full or reduced precision.
type Stepper interface {
	// Backward runs the (scaled) backward pass of m.
	Backward(m Model) error
	// Unscale prepares gradients for the update after they have been
	// synchronised and reports whether they overflowed.
	Unscale() bool
	// ClipGradNorm clips the gradients the update will use and returns the
	// pre-clip norm.
	ClipGradNorm(maxNorm float64, nonEmbeddingOnly bool) float64
	// Step updates parameters unless the last Unscale overflowed.
	Step()
	// Reload picks up model parameters that were replaced outside the
	// optimizer, as when restoring a checkpoint.
	Reload()
	ZeroGrad()
	Overflow() bool
	LossScale() float64
	LearningRate() float64
	SetLearningRate(lr float64)
	Optimizer() Optimizer
	StateDict() OptimizerState
	LoadStateDict(state OptimizerState) error
}

func clipTargets(params []*Parameter, nonEmbeddingOnly bool) []*Parameter {
	if !nonEmbeddingOnly {
		return params
	}
	out := make([]*Parameter, 0, len(params))
	for _, p := range params {
		if !p.Embedding {
			out = append(out, p)
		}
	}
	return out
}

// FullPrecision steps an optimizer directly on the model's parameters.
type FullPrecision struct {
	opt Optimizer
}

func NewFullPrecision(opt Optimizer) *FullPrecision { return &FullPrecision{opt: opt} }

func (f *FullPrecision) Backward(m Model) error { return m.Backward(1) }
func (f *FullPrecision) Unscale() bool          { return false }
func (f *FullPrecision) ClipGradNorm(maxNorm float64, nonEmbeddingOnly bool) float64 {
	return clipGradNorm(clipTargets(f.opt.Params(), nonEmbeddingOnly), maxNorm)
}
func (f *FullPrecision) Step()                      { f.opt.Step() }
func (f *FullPrecision) Reload()                    {}
func (f *FullPrecision) ZeroGrad()                  { f.opt.ZeroGrad() }
func (f *FullPrecision) Overflow() bool             { return false }
func (f *FullPrecision) LossScale() float64         { return 1 }
func (f *FullPrecision) LearningRate() float64      { return f.opt.LearningRate() }
func (f *FullPrecision) SetLearningRate(lr float64) { f.opt.SetLearningRate(lr) }
func (f *FullPrecision) Optimizer() Optimizer       { return f.opt }
func (f *FullPrecision) StateDict() OptimizerState  { return f.opt.StateDict() }
func (f *FullPrecision) LoadStateDict(state OptimizerState) error {
	return f.opt.LoadStateDict(state)
}

// MixedPrecision keeps float32 master copies of half-precision model
// parameters. The wrapped optimizer only ever sees the masters.
type MixedPrecision struct {
	opt      Optimizer
	model    []*Parameter
	master   *ParameterSet
	scaler   *LossScaler
	overflow bool
}

// NewMixedPrecision copies params into master storage and builds the update
// rule on the copies with newOpt.
func NewMixedPrecision(params []*Parameter, scaler *LossScaler, newOpt func([]*Parameter) (Optimizer, error)) (*MixedPrecision, error) {
	specs := make([]ParamSpec, len(params))
	for i, p := range params {
		specs[i] = ParamSpec{Name: p.Name, Embedding: p.Embedding, Dims: p.Dims}
	}
	master := NewParameterSet(specs...)
	for i, p := range params {
		copy(master.Params[i].Data, p.Data)
	}
	opt, err := newOpt(master.Params)
	if err != nil {
		return nil, err
	}
	return &MixedPrecision{opt: opt, model: params, master: master, scaler: scaler}, nil
}

func (mp *MixedPrecision) Backward(m Model) error {
	return m.Backward(float32(mp.scaler.Scale))
}

func (mp *MixedPrecision) Unscale() bool {
	inv := 1 / mp.scaler.Scale
	overflow := false
	for i, p := range mp.model {
		mg := mp.master.Params[i].Grad
		for j, g := range p.Grad {
			if !IsFinite(g) {
				overflow = true
				break
			}
			mg[j] = float32(float64(g) * inv)
		}
		if overflow {
			break
		}
	}
	mp.overflow = overflow
	mp.scaler.Update(overflow)
	return overflow
}

func (mp *MixedPrecision) ClipGradNorm(maxNorm float64, nonEmbeddingOnly bool) float64 {
	return clipGradNorm(clipTargets(mp.master.Params, nonEmbeddingOnly), maxNorm)
}

func (mp *MixedPrecision) Step() {
	if mp.overflow {
		return
	}
	mp.opt.Step()
	for i, p := range mp.model {
		for j, v := range mp.master.Params[i].Data {
			p.Data[j] = roundToHalf(v)
		}
	}
}

func (mp *MixedPrecision) Reload() {
	for i, p := range mp.model {
		copy(mp.master.Params[i].Data, p.Data)
	}
}

func (mp *MixedPrecision) ZeroGrad() {
	mp.opt.ZeroGrad()
	for _, p := range mp.model {
		for i := range p.Grad {
			p.Grad[i] = 0
		}
	}
}

func (mp *MixedPrecision) Overflow() bool             { return mp.overflow }
func (mp *MixedPrecision) LossScale() float64         { return mp.scaler.Scale }
func (mp *MixedPrecision) LearningRate() float64      { return mp.opt.LearningRate() }
func (mp *MixedPrecision) SetLearningRate(lr float64) { mp.opt.SetLearningRate(lr) }
func (mp *MixedPrecision) Optimizer() Optimizer       { return mp.opt }

// StateDict adds the loss scale and the master weights to the optimizer state.
func (mp *MixedPrecision) StateDict() OptimizerState {
	state := mp.opt.StateDict()
	state.Scalars["loss_scale"] = mp.scaler.Scale
	for _, p := range mp.master.Params {
		state.Slots["master/"+p.Name] = append([]float32(nil), p.Data...)
	}
	return state
}

func (mp *MixedPrecision) LoadStateDict(state OptimizerState) error {
	inner := OptimizerState{Step: state.Step, Scalars: state.Scalars, Slots: make(map[string][]float32)}
	for k, v := range state.Slots {
		name, ok := cutPrefix(k, "master/")
		if !ok {
			inner.Slots[k] = v
			continue
		}
		p, err := mp.master.Lookup(name)
		if err != nil {
			return errors.Wrap(err, "restoring master weights")
		}
		if len(v) != p.Len() {
			return errors.Errorf("master weight %q has %d values, want %d", name, len(v), p.Len())
		}
		copy(p.Data, v)
	}
	if s, ok := state.Scalars["loss_scale"]; ok {
		mp.scaler.Scale = s
	}
	return mp.opt.LoadStateDict(inner)
}

func cutPrefix(s, prefix string) (string, bool) {
	if len(s) < len(prefix) || s[:len(prefix)] != prefix {
		return s, false
	}
	return s[len(prefix):], true
}
