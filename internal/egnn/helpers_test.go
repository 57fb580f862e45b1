package egnn

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/samcharles93/pdc/internal/geom"
	"github.com/samcharles93/pdc/internal/nn"
	"github.com/samcharles93/pdc/internal/tensor"
)

func randTensor(rng *rand.Rand, std float64, shape ...int) *tensor.Tensor {
	t := tensor.New(shape...)
	for i := range t.Data {
		t.Data[i] = float32(rng.NormFloat64() * std)
	}
	return t
}

// randCovariance returns (B, N, 3, 3) covariances A Aᵀ + 0.1 I.
func randCovariance(rng *rand.Rand, b, n int) *tensor.Tensor {
	t := tensor.New(b, n, 3, 3)
	for node := range b * n {
		var a [9]float64
		for k := range a {
			a[k] = rng.NormFloat64() * 0.3
		}
		for r := range 3 {
			for c := range 3 {
				var s float64
				for k := range 3 {
					s += a[r*3+k] * a[c*3+k]
				}
				if r == c {
					s += 0.1
				}
				t.Data[node*9+r*3+c] = float32(s)
			}
		}
	}
	return t
}

// isotropicVar returns (B, N, 3) diagonal variances with equal entries.
func isotropicVar(rng *rand.Rand, b, n int) *tensor.Tensor {
	t := tensor.New(b, n, 3)
	for node := range b * n {
		v := float32(0.1 + rng.Float64())
		t.Data[node*3], t.Data[node*3+1], t.Data[node*3+2] = v, v, v
	}
	return t
}

func testLayerConfig(mut func(*LayerConfig)) LayerConfig {
	cfg := DefaultLayerConfig()
	cfg.InitEps = 0.1
	if mut != nil {
		mut(&cfg)
	}
	return cfg
}

func newTestLayer(t *testing.T, dim int, cfg LayerConfig) *Layer {
	t.Helper()
	l, err := NewLayer(nn.NewParams(7).Root(), dim, cfg)
	require.NoError(t, err)
	return l
}

func layerInputs(rng *rand.Rand, b, n, dim int, kind geom.VarKind) *LayerInputs {
	in := &LayerInputs{
		Feats:     randTensor(rng, 1, b, n, dim),
		CoorsMean: randTensor(rng, 2, b, n, 3),
		VarKind:   kind,
	}
	if kind == geom.Full {
		in.CoorsVar = randCovariance(rng, b, n)
	} else {
		in.CoorsVar = isotropicVar(rng, b, n)
	}
	return in
}

func adjacency(t *testing.T, n int, edges ...[2]int) *geom.Adjacency {
	t.Helper()
	data := make([]bool, n*n)
	for _, e := range edges {
		data[e[0]*n+e[1]] = true
		data[e[1]*n+e[0]] = true
	}
	adj, err := geom.NewAdjacency(data, n, 0)
	require.NoError(t, err)
	return adj
}

func allFinite(data []float32) bool {
	for _, v := range data {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			return false
		}
	}
	return true
}
