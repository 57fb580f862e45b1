package nn

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/samcharles93/pdc/internal/tensor"
)

// Activation is an element-wise non-linearity.
type Activation func(float32) float32

// Mode carries per-call forward state. The zero value is inference mode:
// dropout is the identity and no randomness is consumed.
type Mode struct {
	Train bool
	RNG   *rand.Rand
}

func (m Mode) dropout(x []float32, p float64) {
	if !m.Train || p <= 0 || m.RNG == nil {
		return
	}
	if p >= 1 {
		clear(x)
		return
	}
	keep := float32(1 / (1 - p))
	for i := range x {
		if m.RNG.Float64() < p {
			x[i] = 0
		} else {
			x[i] *= keep
		}
	}
}

// Linear is an affine projection y = x·Wᵀ + b with W shaped (out, in).
type Linear struct {
	In, Out int
	Weight  *tensor.Tensor
	Bias    *tensor.Tensor
}

// NewLinear registers "weight" (and "bias") in s. Weights are drawn from
// N(0, weightStd²) when weightStd > 0, otherwise from the PyTorch default
// U(±1/√in); biases always use the default.
func NewLinear(s Scope, in, out int, bias bool, weightStd float64) *Linear {
	l := &Linear{In: in, Out: out, Weight: s.add("weight", out, in)}
	if weightStd > 0 {
		s.params.normal(l.Weight, weightStd)
	} else {
		s.params.uniform(l.Weight, tensor.FanInBound(in))
	}
	if bias {
		l.Bias = s.add("bias", out)
		s.params.uniform(l.Bias, tensor.FanInBound(in))
	}
	return l
}

// Forward projects every row of x.
func (l *Linear) Forward(x tensor.Mat) tensor.Mat {
	if x.C != l.In {
		panic(fmt.Sprintf("linear: input width %d, want %d", x.C, l.In))
	}
	w := tensor.NewMatFromData(l.Out, l.In, l.Weight.Data)
	out := tensor.NewMat(x.R, l.Out)
	tensor.MatMulT(&out, &x, &w)
	if l.Bias != nil {
		tensor.AddBias(&out, l.Bias.Data)
	}
	return out
}

// MLP is the two layer block Linear → Dropout → SiLU → Linear [→ act],
// registered as "0" and "3" to match nn.Sequential indices.
type MLP struct {
	First, Second *Linear
	Dropout       float64
	Out           Activation
}

// NewMLP registers both projections under s.
func NewMLP(s Scope, in, hidden, out int, dropout, weightStd float64, outAct Activation) *MLP {
	return &MLP{
		First:   NewLinear(s.Sub("0"), in, hidden, true, weightStd),
		Second:  NewLinear(s.Sub("3"), hidden, out, true, weightStd),
		Dropout: dropout,
		Out:     outAct,
	}
}

// Forward applies the block to every row of x.
func (m *MLP) Forward(x tensor.Mat, mode Mode) tensor.Mat {
	h := m.First.Forward(x)
	mode.dropout(h.Data, m.Dropout)
	tensor.Apply(h.Data, tensor.Silu)
	y := m.Second.Forward(h)
	if m.Out != nil {
		tensor.Apply(y.Data, m.Out)
	}
	return y
}

// LayerNorm normalises the trailing axis with a learned affine transform.
type LayerNorm struct {
	Dim    int
	Eps    float32
	Weight *tensor.Tensor
	Bias   *tensor.Tensor
}

// NewLayerNorm registers γ=1 and β=0 under s.
func NewLayerNorm(s Scope, dim int) *LayerNorm {
	ln := &LayerNorm{
		Dim:    dim,
		Eps:    1e-5,
		Weight: s.add("weight", dim),
		Bias:   s.add("bias", dim),
	}
	for i := range ln.Weight.Data {
		ln.Weight.Data[i] = 1
	}
	return ln
}

// Forward returns a normalised copy of x.
func (ln *LayerNorm) Forward(x tensor.Mat) tensor.Mat {
	out := tensor.NewMat(x.R, x.C)
	for i := 0; i < x.R; i++ {
		tensor.LayerNorm(out.Row(i), x.Row(i), ln.Weight.Data, ln.Bias.Data, ln.Eps)
	}
	return out
}

// Embedding maps integer ids to learned vectors.
type Embedding struct {
	Num, Dim int
	Weight   *tensor.Tensor
}

// NewEmbedding registers a (num, dim) table drawn from N(0, 1).
func NewEmbedding(s Scope, num, dim int) *Embedding {
	e := &Embedding{Num: num, Dim: dim, Weight: s.add("weight", num, dim)}
	s.params.normal(e.Weight, 1)
	return e
}

// Lookup returns one row per id.
func (e *Embedding) Lookup(ids []int) (tensor.Mat, error) {
	out := tensor.NewMat(len(ids), e.Dim)
	for i, id := range ids {
		if id < 0 || id >= e.Num {
			return tensor.Mat{}, fmt.Errorf("embedding: id %d out of range [0, %d)", id, e.Num)
		}
		copy(out.Row(i), e.Weight.Data[id*e.Dim:(id+1)*e.Dim])
	}
	return out, nil
}

// CoorsNorm rescales relative position vectors to a learned length,
// keeping coordinate updates bounded over depth.
type CoorsNorm struct {
	Eps   float64
	Scale *tensor.Tensor
}

// NewCoorsNorm registers the scalar "scale" initialised to scaleInit.
func NewCoorsNorm(s Scope, scaleInit float64) *CoorsNorm {
	c := &CoorsNorm{Eps: 1e-8, Scale: s.add("scale", 1)}
	c.Scale.Data[0] = float32(scaleInit)
	return c
}

// Normalize rescales v in place to v / max(|v|, eps) * scale.
func (c *CoorsNorm) Normalize(v []float32) {
	var sq float64
	for _, x := range v {
		sq += float64(x) * float64(x)
	}
	norm := math.Max(math.Sqrt(sq), c.Eps)
	f := float32(float64(c.Scale.Data[0]) / norm)
	for i := range v {
		v[i] *= f
	}
}
