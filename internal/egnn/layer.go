package egnn

import (
	"context"
	"fmt"
	"runtime"
	"slices"

	"golang.org/x/sync/errgroup"

	"github.com/samcharles93/pdc/internal/geom"
	"github.com/samcharles93/pdc/internal/nn"
	"github.com/samcharles93/pdc/internal/tensor"
)

// Layer is one message passing step. Every pair (i, j) produces a message
// from the two node features and the moments of their squared distance.
// Messages drive three optional heads: a node feature update and weighted
// updates of the coordinate mean and variance.
//
// A disabled head is nil and its quantity passes through unchanged.
type Layer struct {
	cfg LayerConfig
	dim int

	edgeMLP   *nn.MLP
	edgeGate  *nn.Linear
	nodeNorm  *nn.LayerNorm
	coorsNorm *nn.CoorsNorm
	nodeMLP   *nn.MLP
	meanMLP   *nn.MLP
	varMLP    *nn.MLP
}

// NewLayer registers the layer's parameters under s.
func NewLayer(s nn.Scope, dim int, cfg LayerConfig) (*Layer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if dim <= 0 {
		return nil, fmt.Errorf("%w: dim must be positive", ErrInvalidConfig)
	}
	l := &Layer{cfg: cfg, dim: dim}
	in, m := l.edgeInputDim(), cfg.MDim

	l.edgeMLP = nn.NewMLP(s.Sub("edge_mlp"), in, 2*in, m, cfg.Dropout, cfg.InitEps, tensor.Silu)
	if cfg.SoftEdges {
		l.edgeGate = nn.NewLinear(s.Sub("edge_gate").Sub("0"), m, 1, true, cfg.InitEps)
	}
	if cfg.NormFeats {
		l.nodeNorm = nn.NewLayerNorm(s.Sub("node_norm"), dim)
	}
	if cfg.NormCoors {
		l.coorsNorm = nn.NewCoorsNorm(s.Sub("coors_norm"), cfg.NormCoorsScaleInit)
	}
	if cfg.UpdateFeats {
		l.nodeMLP = nn.NewMLP(s.Sub("node_mlp"), dim+m, 2*dim, dim, cfg.Dropout, cfg.InitEps, nil)
	}
	if cfg.UpdateCoorsMean {
		l.meanMLP = nn.NewMLP(s.Sub("coors_mean_mlp"), m, 4*m, 1, cfg.Dropout, cfg.InitEps, nil)
	}
	if cfg.UpdateCoorsVar {
		l.varMLP = nn.NewMLP(s.Sub("coors_var_mlp"), m, 4*m, 1, cfg.Dropout, cfg.InitEps, nil)
	}
	return l, nil
}

// Config returns the configuration the layer was built with.
func (l *Layer) Config() LayerConfig { return l.cfg }

func (l *Layer) distWidth() int {
	if l.cfg.fourierActive() {
		return geom.FourierWidth(l.cfg.FourierFeatures)
	}
	return 1
}

// edgeInputDim is the width of [feat_i, feat_j, dist, distVar, edges].
func (l *Layer) edgeInputDim() int {
	return 2*l.dim + l.distWidth() + 1 + l.cfg.EdgeDim
}

// LayerInputs is a batch of B graphs padded to N nodes.
type LayerInputs struct {
	Feats     *tensor.Tensor // (B, N, D)
	CoorsMean *tensor.Tensor // (B, N, 3)
	// CoorsVar is (B, N, 3) when VarKind is Diagonal and (B, N, 3, 3)
	// when it is Full.
	CoorsVar *tensor.Tensor
	VarKind  geom.VarKind
	Edges    *tensor.Tensor  // (B, N, N, EdgeDim), optional
	Mask     []bool          // (B, N), optional
	Adj      *geom.Adjacency // optional
}

// LayerOutputs holds the updated node state with the input shapes.
type LayerOutputs struct {
	Feats     *tensor.Tensor
	CoorsMean *tensor.Tensor
	CoorsVar  *tensor.Tensor
}

// Forward runs the layer over every graph of the batch.
func (l *Layer) Forward(ctx context.Context, in *LayerInputs, opts Options) (*LayerOutputs, error) {
	st, err := newState(in.Feats, in.CoorsMean, in.CoorsVar, in.VarKind)
	if err != nil {
		return nil, err
	}
	if st.dim != l.dim {
		return nil, fmt.Errorf("%w: feature width %d, want %d", ErrInvalidInput, st.dim, l.dim)
	}
	g := graphCtx{b: st.b, n: st.n, kind: st.kind, mask: in.Mask, adj: in.Adj}
	if err := g.validate(); err != nil {
		return nil, err
	}
	if in.Edges != nil {
		if err := g.setEdges(in.Edges); err != nil {
			return nil, err
		}
	}
	out, err := l.forward(ctx, st, g, 0, opts)
	if err != nil {
		return nil, err
	}
	return &LayerOutputs{
		Feats:     out.featsTensor(),
		CoorsMean: out.meanTensor(),
		CoorsVar:  out.varTensor(),
	}, nil
}

// graphCtx is the per-batch context shared by every layer of a pass.
type graphCtx struct {
	b, n    int
	kind    geom.VarKind
	mask    []bool
	adj     *geom.Adjacency
	edges   []float32
	edgeDim int
}

func (g *graphCtx) validate() error {
	if g.mask != nil && len(g.mask) != g.b*g.n {
		return fmt.Errorf("%w: mask has %d entries, want %d", ErrInvalidInput, len(g.mask), g.b*g.n)
	}
	if g.adj != nil {
		if g.adj.N != g.n {
			return fmt.Errorf("%w: adjacency is %d×%d, want %d×%d", ErrInvalidInput, g.adj.N, g.adj.N, g.n, g.n)
		}
		if g.adj.Batch != 0 && g.adj.Batch != g.b {
			return fmt.Errorf("%w: adjacency batch %d, want %d", ErrInvalidInput, g.adj.Batch, g.b)
		}
	}
	return nil
}

func (g *graphCtx) setEdges(edges *tensor.Tensor) error {
	if edges.Rank() != 4 || edges.Dim(0) != g.b || edges.Dim(1) != g.n || edges.Dim(2) != g.n {
		return fmt.Errorf("%w: edges shape %v, want (%d, %d, %d, E)", ErrInvalidInput, edges.Shape, g.b, g.n, g.n)
	}
	g.edges = edges.Data
	g.edgeDim = edges.Dim(3)
	return nil
}

func (g *graphCtx) graphMask(b int) []bool {
	if g.mask == nil {
		return nil
	}
	return g.mask[b*g.n : (b+1)*g.n]
}

func (g *graphCtx) graphAdj(b int) []bool {
	if g.adj == nil {
		return nil
	}
	return g.adj.Graph(b)
}

func (g *graphCtx) graphEdges(b int) []float32 {
	if g.edges == nil {
		return nil
	}
	size := g.n * g.n * g.edgeDim
	return g.edges[b*size : (b+1)*size]
}

// forward returns the updated state; st is not modified.
func (l *Layer) forward(ctx context.Context, st *state, g graphCtx, layer int, opts Options) (*state, error) {
	if g.edgeDim != l.cfg.EdgeDim {
		if g.edges == nil {
			return nil, fmt.Errorf("%w: layer expects edges of width %d", ErrInvalidInput, l.cfg.EdgeDim)
		}
		return nil, fmt.Errorf("%w: edge width %d, want %d", ErrInvalidInput, g.edgeDim, l.cfg.EdgeDim)
	}

	k, radius := l.cfg.NumNearestNeighbors, l.cfg.ValidRadius
	if l.cfg.OnlySparseNeighbors {
		if g.adj == nil {
			return nil, fmt.Errorf("%w: adjacency matrix must be passed in if only_sparse_neighbors is turned on", ErrInvalidInput)
		}
		k, radius = 0, 0
		for b := range g.b {
			k = max(k, geom.MaxDegree(g.graphAdj(b), g.n))
		}
	}

	out := st.empty()
	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(runtime.GOMAXPROCS(0))
	for b := range g.b {
		eg.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			l.forwardGraph(st.graph(b), out.graph(b), graphInput{
				n:      g.n,
				kind:   g.kind,
				mask:   g.graphMask(b),
				adj:    g.graphAdj(b),
				edges:  g.graphEdges(b),
				k:      k,
				radius: radius,
				mode:   opts.mode(layer, b),
			})
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

type graphInput struct {
	n      int
	kind   geom.VarKind
	mask   []bool
	adj    []bool
	edges  []float32
	k      int
	radius float64
	mode   nn.Mode
}

// forwardGraph updates a single graph, writing into dst.
func (l *Layer) forwardGraph(src, dst nodeState, in graphInput) {
	n, d, w := in.n, l.dim, in.kind.Width()
	pairs := geom.Compute(src.mean, src.variance, n, in.kind)
	edges := in.edges
	if l.cfg.restricted() {
		nb := geom.Select(pairs.DistMean, n, in.k, in.mask, in.adj, in.radius)
		if l.cfg.OnlySparseNeighbors {
			for e, j := range nb.Index {
				nb.Valid[e] = nb.Valid[e] && in.adj[(e/nb.K)*n+j]
			}
		}
		pairs = pairs.Restrict(nb)
		if edges != nil {
			edges = geom.GatherPairs(edges, l.cfg.EdgeDim, nb)
		}
	}
	k := pairs.K
	valid := pairValidity(n, in.mask, pairs)

	m := l.messages(src.feats, pairs, edges, in.mode)

	if l.meanMLP != nil {
		l.coordinateUpdate(dst.mean, src.mean, l.meanMLP, m, pairs.RelMean, 3, n, k, valid, in.mode)
	} else {
		copy(dst.mean, src.mean)
	}
	if l.varMLP != nil {
		l.coordinateUpdate(dst.variance, src.variance, l.varMLP, m, pairs.RelVar, w, n, k, valid, in.mode)
	} else {
		copy(dst.variance, src.variance)
	}

	if l.nodeMLP == nil {
		copy(dst.feats, src.feats)
		return
	}
	pooled := l.pool(m, n, k, valid)
	feats := tensor.NewMatFromData(n, d, src.feats)
	normed := feats
	if l.nodeNorm != nil {
		normed = l.nodeNorm.Forward(feats)
	}
	nodeIn := tensor.NewMat(n, d+l.cfg.MDim)
	for i := 0; i < n; i++ {
		row := nodeIn.Row(i)
		copy(row, normed.Row(i))
		copy(row[d:], pooled.Row(i))
	}
	upd := l.nodeMLP.Forward(nodeIn, in.mode)
	copy(dst.feats, upd.Data)
	tensor.Add(dst.feats, src.feats)
}

// messages builds the (N·K, M) edge messages.
func (l *Layer) messages(feats []float32, pairs *geom.Pairwise, edges []float32, mode nn.Mode) tensor.Mat {
	n, k, d, e := pairs.N, pairs.K, l.dim, l.cfg.EdgeDim
	distW := l.distWidth()
	x := tensor.NewMat(n*k, l.edgeInputDim())
	for i := 0; i < n; i++ {
		fi := feats[i*d : (i+1)*d]
		for c := 0; c < k; c++ {
			r := i*k + c
			j := pairs.Index[r]
			row := x.Row(r)
			copy(row, fi)
			copy(row[d:], feats[j*d:(j+1)*d])
			off := 2 * d
			if l.cfg.fourierActive() {
				geom.FourierEncode(row[off:off+distW], pairs.DistMean[r], l.cfg.FourierFeatures)
			} else {
				row[off] = pairs.DistMean[r]
			}
			off += distW
			row[off] = pairs.DistVar[r]
			if e > 0 {
				copy(row[off+1:], edges[r*e:(r+1)*e])
			}
		}
	}
	m := l.edgeMLP.Forward(x, mode)
	if l.edgeGate != nil {
		gate := l.edgeGate.Forward(m)
		for r := 0; r < m.R; r++ {
			tensor.Scale(m.Row(r), tensor.Sigmoid(gate.Data[r]))
		}
	}
	return m
}

// pairValidity combines the node mask with neighbour validity. nil means
// every pair is valid.
func pairValidity(n int, mask []bool, pairs *geom.Pairwise) []bool {
	if mask == nil && pairs.Valid == nil {
		return nil
	}
	k := pairs.K
	valid := make([]bool, n*k)
	for i := 0; i < n; i++ {
		for c := 0; c < k; c++ {
			r := i*k + c
			ok := pairs.Valid == nil || pairs.Valid[r]
			if mask != nil {
				ok = ok && mask[i] && mask[pairs.Index[r]]
			}
			valid[r] = ok
		}
	}
	return valid
}

// coordinateUpdate computes dst_i = cur_i + Σ_j w_ij · rel_ij where w_ij is
// the head's scalar weight for the message, zeroed for invalid pairs and
// optionally clamped. rel rows have the given width and are normalised per
// trailing 3-vector when coordinate normalisation is on.
func (l *Layer) coordinateUpdate(dst, cur []float32, head *nn.MLP, m tensor.Mat, rel []float32, width, n, k int, valid []bool, mode nn.Mode) {
	weights := head.Forward(m, mode).Data
	if l.coorsNorm != nil {
		rel = slices.Clone(rel)
		for off := 0; off < len(rel); off += 3 {
			l.coorsNorm.Normalize(rel[off : off+3])
		}
	}
	if c := float32(l.cfg.CoorWeightsClampValue); c > 0 {
		tensor.Clamp(weights, -c, c)
	}
	copy(dst, cur)
	for i := 0; i < n; i++ {
		acc := dst[i*width : (i+1)*width]
		for c := 0; c < k; c++ {
			r := i*k + c
			if valid != nil && !valid[r] {
				continue
			}
			wr := weights[r]
			for t, v := range rel[r*width : (r+1)*width] {
				acc[t] += wr * v
			}
		}
	}
}

// pool aggregates messages per node over valid pairs. Mean pooling over
// zero valid pairs yields zero.
func (l *Layer) pool(m tensor.Mat, n, k int, valid []bool) tensor.Mat {
	out := tensor.NewMat(n, m.C)
	for i := 0; i < n; i++ {
		dst := out.Row(i)
		count := 0
		for c := 0; c < k; c++ {
			r := i*k + c
			if valid != nil && !valid[r] {
				continue
			}
			tensor.Add(dst, m.Row(r))
			count++
		}
		if l.cfg.PoolMethod == PoolMean && count > 0 {
			tensor.Scale(dst, 1/float32(count))
		}
	}
	return out
}
