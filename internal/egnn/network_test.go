package egnn

import (
	"context"
	"math/rand"
	"slices"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/samcharles93/pdc/internal/geom"
	"github.com/samcharles93/pdc/internal/tensor"
)

func testNetworkConfig(depth, dim int) NetworkConfig {
	cfg := DefaultNetworkConfig(depth, dim)
	cfg.Layer.InitEps = 0.1
	cfg.InitSeed = 42
	return cfg
}

func newTestNetwork(t *testing.T, cfg NetworkConfig) *Network {
	t.Helper()
	net, err := New(cfg)
	require.NoError(t, err)
	return net
}

func networkInputs(rng *rand.Rand, b, n, dim int, kind geom.VarKind) *Inputs {
	li := layerInputs(rng, b, n, dim, kind)
	return &Inputs{Feats: li.Feats, CoorsMean: li.CoorsMean, CoorsVar: li.CoorsVar, VarKind: li.VarKind}
}

func TestNetworkEndToEndShapes(t *testing.T) {
	t.Parallel()

	net := newTestNetwork(t, DefaultNetworkConfig(2, 8))
	rng := rand.New(rand.NewSource(1))
	in := &Inputs{
		Feats:             randTensor(rng, 1, 1, 4, 8),
		CoorsMean:         randTensor(rng, 1, 1, 4, 3),
		CoorsVar:          isotropicVar(rng, 1, 4),
		ReturnCoorChanges: true,
	}

	out, err := net.Forward(context.Background(), in, Options{})
	require.NoError(t, err)
	assert.Equal(t, []int{1, 4, 8}, out.Feats.Shape)
	assert.Equal(t, []int{1, 4, 3}, out.CoorsMean.Shape)
	assert.Equal(t, []int{1, 4, 3}, out.CoorsVar.Shape)

	require.Len(t, out.CoorChanges, 3)
	assert.Equal(t, in.CoorsMean.Data, out.CoorChanges[0].Data)
	assert.Equal(t, out.CoorsMean.Data, out.CoorChanges[2].Data)
	for _, snap := range out.CoorChanges {
		assert.Equal(t, []int{1, 4, 3}, snap.Shape)
	}
}

func TestNetworkParameterNames(t *testing.T) {
	t.Parallel()

	cfg := testNetworkConfig(2, 8)
	cfg.NumTokens = 10
	cfg.NumPositions = 6
	cfg.NumEdgeTokens = 3
	cfg.EdgeDim = 2
	cfg.NumAdjDegrees = 2
	cfg.AdjDim = 3
	cfg.GlobalLinearAttnEvery = 2
	cfg.GlobalLinearAttnHeads = 2
	cfg.GlobalLinearAttnDimHead = 4
	net := newTestNetwork(t, cfg)

	names := net.Params().Names()
	for _, name := range []string{
		"token_emb.weight",
		"pos_emb.weight",
		"edge_emb.weight",
		"adj_emb.weight",
		"global_tokens",
		"layers.0.0.norm_seq.weight",
		"layers.0.0.attn1.to_q.weight",
		"layers.0.0.attn2.to_kv.weight",
		"layers.0.0.ff.3.bias",
		"layers.0.1.edge_mlp.0.weight",
		"layers.1.1.node_norm.weight",
		"layers.1.1.coors_var_mlp.3.weight",
	} {
		assert.Contains(t, names, name)
	}
	assert.False(t, slices.ContainsFunc(names, func(n string) bool {
		return strings.HasPrefix(n, "layers.1.0.")
	}), "layer 1 has no global attention")

	adj, _ := net.Params().Get("adj_emb.weight")
	assert.Equal(t, []int{3, 3}, adj.Shape)
	tokens, _ := net.Params().Get("global_tokens")
	assert.Equal(t, []int{4, 8}, tokens.Shape)

	// Edge MLP input: two feature rows, distance mean and variance, edge
	// embedding and adjacency embedding.
	w, _ := net.Params().Get("layers.0.1.edge_mlp.0.weight")
	assert.Equal(t, 2*8+2+2+3, w.Shape[1])
}

func TestNewIsDeterministicPerSeed(t *testing.T) {
	t.Parallel()

	a := newTestNetwork(t, testNetworkConfig(2, 4))
	b := newTestNetwork(t, testNetworkConfig(2, 4))
	for _, name := range a.Params().Names() {
		ta, _ := a.Params().Get(name)
		tb, _ := b.Params().Get(name)
		assert.Equal(t, ta.Data, tb.Data, name)
	}

	cfg := testNetworkConfig(2, 4)
	cfg.InitSeed = 43
	c := newTestNetwork(t, cfg)
	wa, _ := a.Params().Get("layers.0.1.edge_mlp.0.weight")
	wc, _ := c.Params().Get("layers.0.1.edge_mlp.0.weight")
	assert.NotEqual(t, wa.Data, wc.Data)
}

func TestNetworkForwardDeterministic(t *testing.T) {
	t.Parallel()

	cfg := testNetworkConfig(3, 8)
	cfg.Layer.NumNearestNeighbors = 3
	net := newTestNetwork(t, cfg)
	rng := rand.New(rand.NewSource(2))
	in := networkInputs(rng, 3, 6, 8, geom.Full)
	feats := slices.Clone(in.Feats.Data)

	first, err := net.Forward(context.Background(), in, Options{})
	require.NoError(t, err)
	second, err := net.Forward(context.Background(), in, Options{})
	require.NoError(t, err)

	assert.Equal(t, first.Feats.Data, second.Feats.Data)
	assert.Equal(t, first.CoorsMean.Data, second.CoorsMean.Data)
	assert.Equal(t, first.CoorsVar.Data, second.CoorsVar.Data)
	assert.Equal(t, feats, in.Feats.Data)
}

func TestNetworkTranslationInvariance(t *testing.T) {
	t.Parallel()

	cfg := testNetworkConfig(2, 8)
	cfg.Layer.NumNearestNeighbors = 3
	net := newTestNetwork(t, cfg)
	rng := rand.New(rand.NewSource(3))
	in := networkInputs(rng, 2, 6, 8, geom.Full)

	base, err := net.Forward(context.Background(), in, Options{})
	require.NoError(t, err)

	shift := [3]float32{5, -3, 2}
	moved := *in
	moved.CoorsMean = in.CoorsMean.Clone()
	for i := range moved.CoorsMean.Data {
		moved.CoorsMean.Data[i] += shift[i%3]
	}
	got, err := net.Forward(context.Background(), &moved, Options{})
	require.NoError(t, err)

	assert.InDeltaSlice(t, base.Feats.Data, got.Feats.Data, 1e-4)
	assert.InDeltaSlice(t, base.CoorsVar.Data, got.CoorsVar.Data, 1e-4)
	for i, v := range got.CoorsMean.Data {
		assert.InDelta(t, base.CoorsMean.Data[i]+shift[i%3], v, 1e-3)
	}
}

func TestNetworkRotationEquivariance(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		kind geom.VarKind
		mut  func(*NetworkConfig)
	}{
		{"full covariance", geom.Full, nil},
		{"isotropic diagonal", geom.Diagonal, nil},
		{"nearest neighbours", geom.Full, func(c *NetworkConfig) { c.Layer.NumNearestNeighbors = 2 }},
		{"global attention", geom.Full, func(c *NetworkConfig) {
			c.GlobalLinearAttnEvery = 1
			c.GlobalLinearAttnHeads = 2
			c.GlobalLinearAttnDimHead = 4
			c.NumGlobalTokens = 2
		}},
		{"soft edges and mean pooling", geom.Full, func(c *NetworkConfig) {
			c.Layer.SoftEdges = true
			c.Layer.PoolMethod = PoolMean
		}},
	}
	for i, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := testNetworkConfig(2, 8)
			if tc.mut != nil {
				tc.mut(&cfg)
			}
			net := newTestNetwork(t, cfg)
			rng := rand.New(rand.NewSource(int64(10 + i)))
			in := networkInputs(rng, 2, 5, 8, tc.kind)

			report, err := CheckEquivariance(context.Background(), net, in, rng, 3)
			require.NoError(t, err)
			assert.Less(t, report.Max(), 1e-3, "%+v", report)
		})
	}
}

func TestNetworkMaskIsolatesPadding(t *testing.T) {
	t.Parallel()

	cfg := testNetworkConfig(2, 4)
	cfg.GlobalLinearAttnEvery = 1
	cfg.GlobalLinearAttnHeads = 2
	cfg.GlobalLinearAttnDimHead = 4
	net := newTestNetwork(t, cfg)
	rng := rand.New(rand.NewSource(4))
	in := networkInputs(rng, 1, 5, 4, geom.Diagonal)
	in.Mask = []bool{true, true, true, false, false}

	before, err := net.Forward(context.Background(), in, Options{})
	require.NoError(t, err)

	padded := *in
	padded.Feats = in.Feats.Clone()
	padded.CoorsMean = in.CoorsMean.Clone()
	for i := 3 * 4; i < 5*4; i++ {
		padded.Feats.Data[i] = 9
	}
	for i := 3 * 3; i < 5*3; i++ {
		padded.CoorsMean.Data[i] = 30
	}
	after, err := net.Forward(context.Background(), &padded, Options{})
	require.NoError(t, err)

	assert.InDeltaSlice(t, before.Feats.Data[:12], after.Feats.Data[:12], 1e-5)
	assert.InDeltaSlice(t, before.CoorsMean.Data[:9], after.CoorsMean.Data[:9], 1e-5)
	assert.InDeltaSlice(t, before.CoorsVar.Data[:9], after.CoorsVar.Data[:9], 1e-5)
}

func TestNetworkPosChangeFlagFreezesNodes(t *testing.T) {
	t.Parallel()

	net := newTestNetwork(t, testNetworkConfig(3, 4))
	rng := rand.New(rand.NewSource(5))
	in := networkInputs(rng, 2, 3, 4, geom.Diagonal)
	in.PosChangeFlag = []bool{false, true, true, true, false, true}
	in.ReturnCoorChanges = true

	out, err := net.Forward(context.Background(), in, Options{})
	require.NoError(t, err)
	require.Len(t, out.CoorChanges, 4)

	for _, snap := range out.CoorChanges {
		assert.Equal(t, in.CoorsMean.Data[0:3], snap.Data[0:3])
		assert.Equal(t, in.CoorsMean.Data[12:15], snap.Data[12:15])
	}
	assert.NotEqual(t, in.CoorsMean.Data[3:6], out.CoorsMean.Data[3:6])
}

func TestNetworkTokensAndPositions(t *testing.T) {
	t.Parallel()

	cfg := testNetworkConfig(1, 4)
	cfg.NumTokens = 5
	cfg.NumPositions = 3
	cfg.NumEdgeTokens = 2
	cfg.EdgeDim = 2
	net := newTestNetwork(t, cfg)
	rng := rand.New(rand.NewSource(6))

	in := &Inputs{
		Tokens:     []int{0, 4, 2},
		CoorsMean:  randTensor(rng, 1, 1, 3, 3),
		CoorsVar:   isotropicVar(rng, 1, 3),
		EdgeTokens: []int{0, 1, 1, 1, 0, 1, 1, 1, 0},
	}
	out, err := net.Forward(context.Background(), in, Options{})
	require.NoError(t, err)
	assert.Equal(t, []int{1, 3, 4}, out.Feats.Shape)

	bad := *in
	bad.Tokens = []int{0, 5, 2}
	_, err = net.Forward(context.Background(), &bad, Options{})
	assert.ErrorIs(t, err, ErrInvalidInput)

	// Four nodes exceed the three learned positions.
	long := &Inputs{
		Tokens:     []int{0, 1, 2, 3},
		CoorsMean:  randTensor(rng, 1, 1, 4, 3),
		CoorsVar:   isotropicVar(rng, 1, 4),
		EdgeTokens: make([]int, 16),
	}
	_, err = net.Forward(context.Background(), long, Options{})
	assert.ErrorIs(t, err, ErrInvalidInput)

	// Edge features are required once the layers expect them.
	noEdges := *in
	noEdges.EdgeTokens = nil
	_, err = net.Forward(context.Background(), &noEdges, Options{})
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestNetworkAdjacencyDegrees(t *testing.T) {
	t.Parallel()

	cfg := testNetworkConfig(2, 4)
	cfg.NumAdjDegrees = 2
	cfg.AdjDim = 2
	cfg.Layer.OnlySparseNeighbors = true
	net := newTestNetwork(t, cfg)
	rng := rand.New(rand.NewSource(7))
	in := networkInputs(rng, 1, 5, 4, geom.Diagonal)

	_, err := net.Forward(context.Background(), in, Options{})
	require.ErrorIs(t, err, ErrInvalidInput)

	// Chain 0-1-2 plus an isolated pair 3-4. Two hops connect 0 and 2.
	in.Adj = adjacency(t, 5, [2]int{0, 1}, [2]int{1, 2}, [2]int{3, 4})
	in.ReturnCoorChanges = true
	out, err := net.Forward(context.Background(), in, Options{})
	require.NoError(t, err)
	assert.True(t, allFinite(out.Feats.Data))

	// Nodes 3 and 4 see only each other; rewriting node 0 leaves them be.
	moved := *in
	moved.Feats = in.Feats.Clone()
	for d := range 4 {
		moved.Feats.Data[d] = 3
	}
	got, err := net.Forward(context.Background(), &moved, Options{})
	require.NoError(t, err)
	assert.Equal(t, out.Feats.Data[12:20], got.Feats.Data[12:20])
	assert.NotEqual(t, out.Feats.Data[8:12], got.Feats.Data[8:12])
}

func TestNetworkBatchedAdjacency(t *testing.T) {
	t.Parallel()

	cfg := testNetworkConfig(1, 4)
	cfg.Layer.OnlySparseNeighbors = true
	net := newTestNetwork(t, cfg)
	rng := rand.New(rand.NewSource(8))
	in := networkInputs(rng, 2, 3, 4, geom.Diagonal)

	// Graph 0 has edge 0-1, graph 1 has none.
	data := make([]bool, 2*9)
	data[0*3+1], data[1*3+0] = true, true
	adj, err := geom.NewAdjacency(data, 3, 2)
	require.NoError(t, err)
	in.Adj = adj

	out, err := net.Forward(context.Background(), in, Options{})
	require.NoError(t, err)
	assert.NotEqual(t, in.CoorsMean.Data[:3], out.CoorsMean.Data[:3])
	assert.Equal(t, in.CoorsMean.Data[9:], out.CoorsMean.Data[9:])

	wrong, err := geom.NewAdjacency(make([]bool, 3*9), 3, 3)
	require.NoError(t, err)
	in.Adj = wrong
	_, err = net.Forward(context.Background(), in, Options{})
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestNetworkRejectsBadInputs(t *testing.T) {
	t.Parallel()

	net := newTestNetwork(t, testNetworkConfig(1, 4))
	rng := rand.New(rand.NewSource(9))

	tests := []struct {
		name string
		mut  func(*Inputs)
	}{
		{"missing mean", func(in *Inputs) { in.CoorsMean = nil }},
		{"missing variance", func(in *Inputs) { in.CoorsVar = nil }},
		{"missing features", func(in *Inputs) { in.Feats = nil }},
		{"feature width", func(in *Inputs) { in.Feats = tensor.New(1, 3, 5) }},
		{"variance shape", func(in *Inputs) { in.CoorsVar = tensor.New(1, 3, 2) }},
		{"full kind with diagonal variance", func(in *Inputs) { in.VarKind = geom.Full }},
		{"diagonal kind with full variance", func(in *Inputs) { in.CoorsVar = tensor.New(1, 3, 3, 3) }},
		{"unknown variance kind", func(in *Inputs) { in.VarKind = geom.VarKind(7) }},
		{"mask length", func(in *Inputs) { in.Mask = []bool{true} }},
		{"flag length", func(in *Inputs) { in.PosChangeFlag = []bool{true} }},
		{"unexpected edges", func(in *Inputs) { in.Edges = tensor.New(1, 3, 3, 2) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := networkInputs(rng, 1, 3, 4, geom.Diagonal)
			tt.mut(in)
			_, err := net.Forward(context.Background(), in, Options{})
			assert.ErrorIs(t, err, ErrInvalidInput)
		})
	}
}

func TestNetworkDepthZeroIsIdentity(t *testing.T) {
	t.Parallel()

	net := newTestNetwork(t, testNetworkConfig(0, 4))
	rng := rand.New(rand.NewSource(10))
	in := networkInputs(rng, 1, 3, 4, geom.Full)
	out, err := net.Forward(context.Background(), in, Options{})
	require.NoError(t, err)
	assert.Equal(t, in.Feats.Data, out.Feats.Data)
	assert.Equal(t, in.CoorsMean.Data, out.CoorsMean.Data)
	assert.Equal(t, in.CoorsVar.Data, out.CoorsVar.Data)
}

func TestNetworkSaveOpenRoundTrip(t *testing.T) {
	t.Parallel()

	cfg := testNetworkConfig(2, 4)
	cfg.Layer.SoftEdges = true
	cfg.Layer.NormCoors = true
	net := newTestNetwork(t, cfg)
	dir := t.TempDir()
	require.NoError(t, net.Save(dir))

	loaded, unused, err := Open(dir)
	require.NoError(t, err)
	assert.Empty(t, unused)

	rng := rand.New(rand.NewSource(11))
	in := networkInputs(rng, 1, 4, 4, geom.Diagonal)
	want, err := net.Forward(context.Background(), in, Options{})
	require.NoError(t, err)
	got, err := loaded.Forward(context.Background(), in, Options{})
	require.NoError(t, err)
	assert.Equal(t, want.Feats.Data, got.Feats.Data)
	assert.Equal(t, want.CoorsMean.Data, got.CoorsMean.Data)
}

func TestOpenMissingModel(t *testing.T) {
	t.Parallel()

	_, _, err := Open(t.TempDir())
	assert.Error(t, err)
}
