package egnn

import (
	"fmt"
	"math/rand"
	"slices"

	"github.com/samcharles93/pdc/internal/geom"
	"github.com/samcharles93/pdc/internal/nn"
	"github.com/samcharles93/pdc/internal/tensor"
)

// Options controls a forward pass.
type Options struct {
	// Train enables dropout.
	Train bool
	// Seed drives dropout masks when Train is set. Each layer and graph
	// derives its own stream so graphs can run concurrently.
	Seed int64
}

func (o Options) mode(layer, graph int) nn.Mode {
	if !o.Train {
		return nn.Mode{}
	}
	seed := o.Seed + int64(layer)*1_000_003 + int64(graph)*7_919
	return nn.Mode{Train: true, RNG: rand.New(rand.NewSource(seed))}
}

// state is the node state of a batch: features, coordinate means and
// coordinate variances, each flattened in (B, N, ...) order.
type state struct {
	b, n, dim int
	kind      geom.VarKind

	feats    []float32
	mean     []float32
	variance []float32
}

// nodeState is one graph's view into a state.
type nodeState struct {
	feats, mean, variance []float32
}

func newState(feats, mean, variance *tensor.Tensor, kind geom.VarKind) (*state, error) {
	if feats == nil || mean == nil || variance == nil {
		return nil, fmt.Errorf("%w: features, coordinate mean and variance are required", ErrInvalidInput)
	}
	if mean.Rank() != 3 || mean.Dim(2) != 3 {
		return nil, fmt.Errorf("%w: coordinate mean shape %v, want (B, N, 3)", ErrInvalidInput, mean.Shape)
	}
	b, n := mean.Dim(0), mean.Dim(1)
	if err := checkVarShape(variance, kind, b, n); err != nil {
		return nil, err
	}
	if feats.Rank() != 3 || feats.Dim(0) != b || feats.Dim(1) != n {
		return nil, fmt.Errorf("%w: features shape %v, want (%d, %d, D)", ErrInvalidInput, feats.Shape, b, n)
	}
	return &state{
		b:        b,
		n:        n,
		dim:      feats.Dim(2),
		kind:     kind,
		feats:    feats.Data,
		mean:     mean.Data,
		variance: variance.Data,
	}, nil
}

// checkVarShape reports whether v has the (B, N, ...) layout of kind.
func checkVarShape(v *tensor.Tensor, kind geom.VarKind, b, n int) error {
	want := append([]int{b, n}, kind.Shape()...)
	switch kind {
	case geom.Diagonal, geom.Full:
	default:
		return fmt.Errorf("%w: unknown variance kind %v", ErrInvalidInput, kind)
	}
	if !slices.Equal(v.Shape, want) {
		return fmt.Errorf("%w: %s coordinate variance shape %v, want %v", ErrInvalidInput, kind, v.Shape, want)
	}
	return nil
}

// empty returns a zero state with the same layout.
func (s *state) empty() *state {
	return &state{
		b:        s.b,
		n:        s.n,
		dim:      s.dim,
		kind:     s.kind,
		feats:    make([]float32, len(s.feats)),
		mean:     make([]float32, len(s.mean)),
		variance: make([]float32, len(s.variance)),
	}
}

func (s *state) graph(b int) nodeState {
	w := s.kind.Width()
	return nodeState{
		feats:    s.feats[b*s.n*s.dim : (b+1)*s.n*s.dim],
		mean:     s.mean[b*s.n*3 : (b+1)*s.n*3],
		variance: s.variance[b*s.n*w : (b+1)*s.n*w],
	}
}

func (s *state) featsTensor() *tensor.Tensor {
	return &tensor.Tensor{Shape: []int{s.b, s.n, s.dim}, Data: s.feats}
}

func (s *state) meanTensor() *tensor.Tensor {
	return &tensor.Tensor{Shape: []int{s.b, s.n, 3}, Data: s.mean}
}

func (s *state) varTensor() *tensor.Tensor {
	return &tensor.Tensor{Shape: append([]int{s.b, s.n}, s.kind.Shape()...), Data: s.variance}
}
