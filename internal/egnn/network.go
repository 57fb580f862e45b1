package egnn

import (
	"context"
	"fmt"
	"slices"
	"strconv"

	"github.com/samcharles93/pdc/internal/geom"
	"github.com/samcharles93/pdc/internal/nn"
	"github.com/samcharles93/pdc/internal/tensor"
)

// Network stacks EGNN layers behind optional token, position, edge and
// adjacency-degree embeddings, interleaving global linear attention every
// GlobalLinearAttnEvery layers.
//
// A built Network is read-only: Forward may be called concurrently.
type Network struct {
	cfg    NetworkConfig
	params *nn.Params

	tokenEmb     *nn.Embedding
	posEmb       *nn.Embedding
	edgeEmb      *nn.Embedding
	adjEmb       *nn.Embedding
	globalTokens *tensor.Tensor

	layers []block
}

type block struct {
	attn *nn.GlobalLinearAttention // nil on layers without global attention
	egnn *Layer
}

// New builds a network with freshly initialised parameters seeded from
// cfg.InitSeed. Parameter names match the layout of the reference PyTorch
// module so its state_dict can be loaded with Params().Load.
func New(cfg NetworkConfig) (*Network, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	params := nn.NewParams(cfg.InitSeed)
	root := params.Root()
	net := &Network{cfg: cfg, params: params}

	if cfg.NumTokens > 0 {
		net.tokenEmb = nn.NewEmbedding(root.Sub("token_emb"), cfg.NumTokens, cfg.Dim)
	}
	if cfg.NumPositions > 0 {
		net.posEmb = nn.NewEmbedding(root.Sub("pos_emb"), cfg.NumPositions, cfg.Dim)
	}
	if cfg.NumEdgeTokens > 0 {
		net.edgeEmb = nn.NewEmbedding(root.Sub("edge_emb"), cfg.NumEdgeTokens, cfg.EdgeDim)
	}
	if cfg.NumAdjDegrees > 0 && cfg.AdjDim > 0 {
		net.adjEmb = nn.NewEmbedding(root.Sub("adj_emb"), cfg.NumAdjDegrees+1, cfg.AdjDim)
	}
	if cfg.GlobalLinearAttnEvery > 0 {
		net.globalTokens = root.Normal("global_tokens", 1, cfg.NumGlobalTokens, cfg.Dim)
	}

	layerCfg := cfg.layerConfig()
	for i := range cfg.Depth {
		s := root.Sub("layers").Sub(strconv.Itoa(i))
		var blk block
		if cfg.globalLayer(i) {
			blk.attn = nn.NewGlobalLinearAttention(s.Sub("0"), cfg.Dim, cfg.GlobalLinearAttnHeads, cfg.GlobalLinearAttnDimHead)
		}
		layer, err := NewLayer(s.Sub("1"), cfg.Dim, layerCfg)
		if err != nil {
			return nil, fmt.Errorf("layer %d: %w", i, err)
		}
		blk.egnn = layer
		net.layers = append(net.layers, blk)
	}
	return net, nil
}

// Config returns the network configuration.
func (net *Network) Config() NetworkConfig { return net.cfg }

// Params returns the parameter store. Loading weights into it must not
// race with Forward.
func (net *Network) Params() *nn.Params { return net.params }

// Depth returns the number of EGNN layers.
func (net *Network) Depth() int { return len(net.layers) }

// Inputs is a batch of B graphs padded to N nodes.
type Inputs struct {
	// Tokens holds (B, N) ids when the network embeds tokens; Feats holds
	// (B, N, Dim) features otherwise.
	Tokens []int
	Feats  *tensor.Tensor

	CoorsMean *tensor.Tensor // (B, N, 3)
	// CoorsVar is (B, N, 3) when VarKind is Diagonal and (B, N, 3, 3)
	// when it is Full.
	CoorsVar *tensor.Tensor
	VarKind  geom.VarKind

	Adj *geom.Adjacency
	// EdgeTokens holds (B, N, N) ids when the network embeds edges; Edges
	// holds (B, N, N, EdgeDim) features otherwise.
	EdgeTokens []int
	Edges      *tensor.Tensor

	Mask []bool // (B, N)
	// PosChangeFlag is (B, N); nodes flagged false keep their input
	// coordinate mean after every layer.
	PosChangeFlag []bool

	// ReturnCoorChanges records the coordinate mean after every layer.
	ReturnCoorChanges bool
}

// Outputs is the final node state.
type Outputs struct {
	Feats     *tensor.Tensor
	CoorsMean *tensor.Tensor
	CoorsVar  *tensor.Tensor
	// CoorChanges holds Depth+1 snapshots of the coordinate mean, starting
	// with the input, when requested.
	CoorChanges []*tensor.Tensor
}

// Forward runs the full stack. Inputs are never modified.
func (net *Network) Forward(ctx context.Context, in *Inputs, opts Options) (*Outputs, error) {
	if in.CoorsMean == nil || in.CoorsMean.Rank() != 3 || in.CoorsMean.Dim(2) != 3 {
		return nil, fmt.Errorf("%w: coordinate mean must be (B, N, 3)", ErrInvalidInput)
	}
	b, n := in.CoorsMean.Dim(0), in.CoorsMean.Dim(1)

	feats, err := net.embedNodes(in, b, n)
	if err != nil {
		return nil, err
	}
	if in.CoorsVar == nil {
		return nil, fmt.Errorf("%w: coordinate variance is required", ErrInvalidInput)
	}
	st, err := newState(feats, in.CoorsMean.Clone(), in.CoorsVar.Clone(), in.VarKind)
	if err != nil {
		return nil, err
	}

	g := graphCtx{b: b, n: n, kind: st.kind, mask: in.Mask, adj: in.Adj}
	if err := g.validate(); err != nil {
		return nil, err
	}
	if in.PosChangeFlag != nil && len(in.PosChangeFlag) != b*n {
		return nil, fmt.Errorf("%w: pos_change_flag has %d entries, want %d", ErrInvalidInput, len(in.PosChangeFlag), b*n)
	}
	edges, err := net.embedEdges(in, b, n)
	if err != nil {
		return nil, err
	}
	if net.cfg.NumAdjDegrees > 0 {
		if in.Adj == nil {
			return nil, fmt.Errorf("%w: adjacency matrix must be passed in", ErrInvalidInput)
		}
		g.adj, edges = net.expandAdjacency(in.Adj, edges, b, n)
	}
	if edges != nil {
		if err := g.setEdges(edges); err != nil {
			return nil, err
		}
	}

	queries := net.initialQueries(b)
	frozen := slices.Clone(st.mean)
	out := &Outputs{}
	if in.ReturnCoorChanges {
		out.CoorChanges = append(out.CoorChanges, st.meanTensor().Clone())
	}

	for i, blk := range net.layers {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if blk.attn != nil {
			net.globalAttention(blk.attn, st, queries, g.mask)
		}
		st, err = blk.egnn.forward(ctx, st, g, i, opts)
		if err != nil {
			return nil, fmt.Errorf("layer %d: %w", i, err)
		}
		if in.PosChangeFlag != nil {
			for node, move := range in.PosChangeFlag {
				if !move {
					copy(st.mean[node*3:node*3+3], frozen[node*3:node*3+3])
				}
			}
		}
		if in.ReturnCoorChanges {
			out.CoorChanges = append(out.CoorChanges, st.meanTensor().Clone())
		}
	}

	out.Feats = st.featsTensor()
	out.CoorsMean = st.meanTensor()
	out.CoorsVar = st.varTensor()
	return out, nil
}

// embedNodes returns (B, N, Dim) features with positions added.
func (net *Network) embedNodes(in *Inputs, b, n int) (*tensor.Tensor, error) {
	var feats *tensor.Tensor
	if net.tokenEmb != nil {
		if len(in.Tokens) != b*n {
			return nil, fmt.Errorf("%w: %d tokens, want %d", ErrInvalidInput, len(in.Tokens), b*n)
		}
		emb, err := net.tokenEmb.Lookup(in.Tokens)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
		feats = &tensor.Tensor{Shape: []int{b, n, net.cfg.Dim}, Data: emb.Data}
	} else {
		if in.Feats == nil {
			return nil, fmt.Errorf("%w: node features are required", ErrInvalidInput)
		}
		if in.Feats.Rank() != 3 || in.Feats.Dim(0) != b || in.Feats.Dim(1) != n || in.Feats.Dim(2) != net.cfg.Dim {
			return nil, fmt.Errorf("%w: features shape %v, want (%d, %d, %d)", ErrInvalidInput, in.Feats.Shape, b, n, net.cfg.Dim)
		}
		feats = in.Feats.Clone()
	}

	if net.posEmb != nil {
		if n > net.cfg.NumPositions {
			return nil, fmt.Errorf("%w: given sequence length %d must be less than the number of positions %d set at init",
				ErrInvalidInput, n, net.cfg.NumPositions)
		}
		d := net.cfg.Dim
		for g := range b {
			for i := range n {
				row := feats.Data[(g*n+i)*d : (g*n+i+1)*d]
				tensor.Add(row, net.posEmb.Weight.Data[i*d:(i+1)*d])
			}
		}
	}
	return feats, nil
}

// embedEdges returns (B, N, N, E) edge features or nil.
func (net *Network) embedEdges(in *Inputs, b, n int) (*tensor.Tensor, error) {
	if net.edgeEmb != nil && in.EdgeTokens != nil {
		if len(in.EdgeTokens) != b*n*n {
			return nil, fmt.Errorf("%w: %d edge tokens, want %d", ErrInvalidInput, len(in.EdgeTokens), b*n*n)
		}
		emb, err := net.edgeEmb.Lookup(in.EdgeTokens)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
		return &tensor.Tensor{Shape: []int{b, n, n, net.cfg.EdgeDim}, Data: emb.Data}, nil
	}
	if in.Edges != nil {
		if in.Edges.Rank() != 4 || in.Edges.Dim(0) != b || in.Edges.Dim(1) != n || in.Edges.Dim(2) != n {
			return nil, fmt.Errorf("%w: edges shape %v, want (%d, %d, %d, E)", ErrInvalidInput, in.Edges.Shape, b, n, n)
		}
	}
	return in.Edges, nil
}

// expandAdjacency replaces adj by its NumAdjDegrees-hop reachability and,
// when adjacency embeddings are on, appends the embedded hop count to the
// edge features.
func (net *Network) expandAdjacency(adj *geom.Adjacency, edges *tensor.Tensor, b, n int) (*geom.Adjacency, *tensor.Tensor) {
	expanded := &geom.Adjacency{N: n, Batch: b, Data: make([]bool, b*n*n)}
	degrees := make([]int, b*n*n)
	for g := range b {
		reach, degree := geom.ExpandDegrees(adj.Graph(g), n, net.cfg.NumAdjDegrees)
		copy(expanded.Data[g*n*n:], reach)
		copy(degrees[g*n*n:], degree)
	}
	if net.adjEmb == nil {
		return expanded, edges
	}

	a := net.cfg.AdjDim
	e := 0
	if edges != nil {
		e = edges.Dim(3)
	}
	out := tensor.New(b, n, n, e+a)
	w := e + a
	for p, d := range degrees {
		row := out.Data[p*w : (p+1)*w]
		if e > 0 {
			copy(row, edges.Data[p*e:(p+1)*e])
		}
		copy(row[e:], net.adjEmb.Weight.Data[d*a:(d+1)*a])
	}
	return expanded, out
}

func (net *Network) initialQueries(b int) [][]float32 {
	if net.globalTokens == nil {
		return nil
	}
	q := make([][]float32, b)
	for g := range q {
		q[g] = slices.Clone(net.globalTokens.Data)
	}
	return q
}

// globalAttention updates st.feats and queries in place, one graph at a
// time.
func (net *Network) globalAttention(attn *nn.GlobalLinearAttention, st *state, queries [][]float32, mask []bool) {
	d, tokens := net.cfg.Dim, net.cfg.NumGlobalTokens
	for g := range st.b {
		x := tensor.NewMatFromData(st.n, d, st.graph(g).feats)
		q := tensor.NewMatFromData(tokens, d, queries[g])
		var m []bool
		if mask != nil {
			m = mask[g*st.n : (g+1)*st.n]
		}
		newX, newQ := attn.Forward(x, q, m)
		copy(x.Data, newX.Data)
		copy(queries[g], newQ.Data)
	}
}
