package txlgo

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
)

type tensor struct {
	data []float32
	dims []int
}

func newTensor(data []float32, dims ...int) (tensor, int) {
	s := 1
	for _, d := range dims {
		s *= d
	}
	if s > len(data) {
		panic("dimensions larger than supplied data")
	}
	return tensor{
		data: data[:s],
		dims: dims,
	}, s
}

// Parameter is one trainable tensor together with its gradient buffer.
// Data and Grad are views into the owning ParameterSet's slabs.
type Parameter struct {
	Name string
	// Embedding marks parameters excluded by clip_nonemb.
	Embedding bool
	Data      []float32
	Grad      []float32
	Dims      []int
}

func (p *Parameter) Len() int { return len(p.Data) }

// ParameterSet carves every parameter of a model out of two contiguous slabs,
// one for values and one for gradients, so whole-model operations (broadcast,
// gradient averaging, checkpointing) work on a single slice.
type ParameterSet struct {
	Memory     []float32
	GradMemory []float32
	Params     []*Parameter
}

// ParamSpec describes a parameter before its storage is allocated.
type ParamSpec struct {
	Name      string
	Embedding bool
	Dims      []int
}

// NewParameterSet allocates storage for specs in order.
func NewParameterSet(specs ...ParamSpec) *ParameterSet {
	total := 0
	for _, s := range specs {
		n := 1
		for _, d := range s.Dims {
			n *= d
		}
		total += n
	}
	set := &ParameterSet{
		Memory:     make([]float32, total),
		GradMemory: make([]float32, total),
	}
	memPtr, gradPtr := set.Memory, set.GradMemory
	for _, s := range specs {
		data, n := newTensor(memPtr, s.Dims...)
		grad, _ := newTensor(gradPtr, s.Dims...)
		memPtr, gradPtr = memPtr[n:], gradPtr[n:]
		set.Params = append(set.Params, &Parameter{
			Name:      s.Name,
			Embedding: s.Embedding,
			Data:      data.data,
			Grad:      grad.data,
			Dims:      data.dims,
		})
	}
	if len(memPtr) != 0 || len(gradPtr) != 0 {
		panic("something went real bad here")
	}
	return set
}

func (set *ParameterSet) Len() int { return len(set.Memory) }

// ZeroGrad clears every gradient.
func (set *ParameterSet) ZeroGrad() {
	for i := range set.GradMemory {
		set.GradMemory[i] = 0
	}
}

// Lookup returns the parameter with the given name.
func (set *ParameterSet) Lookup(name string) (*Parameter, error) {
	for _, p := range set.Params {
		if p.Name == name {
			return p, nil
		}
	}
	return nil, fmt.Errorf("no parameter named %q", name)
}

// CountParams returns the total and non-embedding element counts.
func CountParams(params []*Parameter) (all, nonEmbedding int) {
	for _, p := range params {
		all += p.Len()
		if !p.Embedding {
			nonEmbedding += p.Len()
		}
	}
	return all, nonEmbedding
}

// gradNorm returns the global L2 norm of the gradients in params.
func gradNorm(params []*Parameter) float64 {
	var sumSq float64
	buf := make([]float64, 0)
	for _, p := range params {
		buf = widen(buf, p.Grad)
		sumSq += floats.Dot(buf, buf)
	}
	return math.Sqrt(sumSq)
}

// clipGradNorm scales the gradients of params so that their global norm is at
// most maxNorm. It returns the norm measured before clipping.
func clipGradNorm(params []*Parameter, maxNorm float64) float64 {
	norm := gradNorm(params)
	if maxNorm <= 0 || norm <= maxNorm {
		return norm
	}
	scale := float32(maxNorm / (norm + 1e-6))
	for _, p := range params {
		for i := range p.Grad {
			p.Grad[i] *= scale
		}
	}
	return norm
}

// widen copies src into dst as float64, reusing dst's capacity.
func widen(dst []float64, src []float32) []float64 {
	if cap(dst) < len(src) {
		dst = make([]float64, len(src))
	}
	dst = dst[:len(src)]
	for i, v := range src {
		dst[i] = float64(v)
	}
	return dst
}

// narrow copies src into dst as float32.
func narrow(dst []float32, src []float64) {
	for i, v := range src {
		dst[i] = float32(v)
	}
}
