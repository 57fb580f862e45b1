package nn

import (
	"math"

	"github.com/samcharles93/pdc/internal/tensor"
)

// Attention is multi-head cross attention from x to a context sequence.
type Attention struct {
	Heads   int
	DimHead int
	Scale   float32

	ToQ   *Linear
	ToKV  *Linear
	ToOut *Linear
}

// NewAttention registers to_q, to_kv (fused key/value) and to_out under s.
func NewAttention(s Scope, dim, heads, dimHead int) *Attention {
	inner := heads * dimHead
	return &Attention{
		Heads:   heads,
		DimHead: dimHead,
		Scale:   float32(1 / math.Sqrt(float64(dimHead))),
		ToQ:     NewLinear(s.Sub("to_q"), dim, inner, false, 0),
		ToKV:    NewLinear(s.Sub("to_kv"), dim, 2*inner, false, 0),
		ToOut:   NewLinear(s.Sub("to_out"), inner, dim, true, 0),
	}
}

// Forward attends every row of x over the rows of context. mask, when
// non-nil, has one entry per context row; false rows receive no weight
// unless every row is masked.
func (a *Attention) Forward(x, context tensor.Mat, mask []bool) tensor.Mat {
	inner := a.Heads * a.DimHead
	q := a.ToQ.Forward(x)
	kv := a.ToKV.Forward(context)

	out := tensor.NewMat(x.R, inner)
	dots := make([]float32, context.R)
	for h := 0; h < a.Heads; h++ {
		off := h * a.DimHead
		for i := 0; i < x.R; i++ {
			qi := q.Row(i)[off : off+a.DimHead]
			for j := 0; j < context.R; j++ {
				if mask != nil && !mask[j] {
					dots[j] = -math.MaxFloat32
					continue
				}
				kj := kv.Row(j)[off : off+a.DimHead]
				dots[j] = tensor.Dot(qi, kj) * a.Scale
			}
			tensor.Softmax(dots)
			oi := out.Row(i)[off : off+a.DimHead]
			for j := 0; j < context.R; j++ {
				vj := kv.Row(j)[inner+off : inner+off+a.DimHead]
				for d := range oi {
					oi[d] += dots[j] * vj[d]
				}
			}
		}
	}
	return a.ToOut.Forward(out)
}

// GlobalLinearAttention exchanges information between node features and a
// small set of global tokens: the tokens attend to the nodes (induced set),
// then the nodes attend to the updated tokens, followed by a GELU
// feed-forward on the nodes.
type GlobalLinearAttention struct {
	NormSeq     *LayerNorm
	NormQueries *LayerNorm
	Attn1       *Attention
	Attn2       *Attention
	FFNorm      *LayerNorm
	FF1, FF2    *Linear
}

// NewGlobalLinearAttention registers the block under s.
func NewGlobalLinearAttention(s Scope, dim, heads, dimHead int) *GlobalLinearAttention {
	ff := s.Sub("ff")
	return &GlobalLinearAttention{
		NormSeq:     NewLayerNorm(s.Sub("norm_seq"), dim),
		NormQueries: NewLayerNorm(s.Sub("norm_queries"), dim),
		Attn1:       NewAttention(s.Sub("attn1"), dim, heads, dimHead),
		Attn2:       NewAttention(s.Sub("attn2"), dim, heads, dimHead),
		FFNorm:      NewLayerNorm(ff.Sub("0"), dim),
		FF1:         NewLinear(ff.Sub("1"), dim, 4*dim, true, 0),
		FF2:         NewLinear(ff.Sub("3"), 4*dim, dim, true, 0),
	}
}

// Forward returns the updated node features and global tokens. mask marks
// valid rows of x.
func (g *GlobalLinearAttention) Forward(x, queries tensor.Mat, mask []bool) (tensor.Mat, tensor.Mat) {
	normX := g.NormSeq.Forward(x)
	normQ := g.NormQueries.Forward(queries)

	induced := g.Attn1.Forward(normQ, normX, mask)
	out := g.Attn2.Forward(normX, induced, nil)

	tensor.Add(out.Data, x.Data)
	tensor.Add(induced.Data, queries.Data)

	h := g.FF1.Forward(g.FFNorm.Forward(out))
	tensor.Apply(h.Data, tensor.Gelu)
	ff := g.FF2.Forward(h)
	tensor.Add(ff.Data, out.Data)
	return ff, induced
}
