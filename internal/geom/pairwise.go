package geom

// Pairwise holds the relative geometry of every node against its K
// neighbour columns. In the unrestricted case K == N and Index[i*K+j] == j.
type Pairwise struct {
	N, K int
	Kind VarKind

	// Index maps column j of row i to a node.
	Index []int
	// Valid flags usable columns; nil means every column is usable.
	Valid []bool

	RelMean  []float32 // (N, K, 3): mean_i - mean_j
	RelVar   []float32 // (N, K, w): var_i + var_j
	DistMean []float32 // (N, K): E|x_i - x_j|²
	DistVar  []float32 // (N, K): Var|x_i - x_j|²
}

// Compute builds the full N×N pairwise statistics for one graph. mean is
// (N, 3) and variance is (N, kind.Width()).
//
// Node uncertainties are treated as independent, so the relative variance
// is the sum of the two node variances. For a relative position with mean
// μ and covariance Σ:
//
//	DistMean = |μ|² + tr(Σ)
//	DistVar  = 2·tr(Σ) + 4·μᵀΣμ
//
// DistVar is the spread term trained checkpoints were fitted against, not
// the exact Gaussian variance of |Δx|².
func Compute(mean, variance []float32, n int, kind VarKind) *Pairwise {
	w := kind.Width()
	p := &Pairwise{
		N:        n,
		K:        n,
		Kind:     kind,
		Index:    make([]int, n*n),
		RelMean:  make([]float32, n*n*3),
		RelVar:   make([]float32, n*n*w),
		DistMean: make([]float32, n*n),
		DistVar:  make([]float32, n*n),
	}
	for i := 0; i < n; i++ {
		mi := mean[i*3 : i*3+3]
		vi := variance[i*w : i*w+w]
		for j := 0; j < n; j++ {
			e := i*n + j
			p.Index[e] = j
			mj := mean[j*3 : j*3+3]
			vj := variance[j*w : j*w+w]

			mu := p.RelMean[e*3 : e*3+3]
			for d := range 3 {
				mu[d] = mi[d] - mj[d]
			}
			sigma := p.RelVar[e*w : e*w+w]
			for d := range w {
				sigma[d] = vi[d] + vj[d]
			}
			p.DistMean[e], p.DistVar[e] = distanceMoments(mu, sigma, kind)
		}
	}
	return p
}

func distanceMoments(mu, sigma []float32, kind VarKind) (mean, variance float32) {
	var sq, trace, quad float32
	for d := range 3 {
		sq += mu[d] * mu[d]
	}
	if kind == Full {
		for a := range 3 {
			trace += sigma[a*3+a]
			for b := range 3 {
				quad += mu[a] * sigma[a*3+b] * mu[b]
			}
		}
	} else {
		for d := range 3 {
			trace += sigma[d]
			quad += mu[d] * mu[d] * sigma[d]
		}
	}
	return sq + trace, 2*trace + 4*quad
}

// Restrict gathers the columns chosen by nb into a new Pairwise with K =
// nb.K. p must be the full N×N statistics.
func (p *Pairwise) Restrict(nb *Neighbors) *Pairwise {
	w := p.Kind.Width()
	n, k := p.N, nb.K
	out := &Pairwise{
		N:        n,
		K:        k,
		Kind:     p.Kind,
		Index:    nb.Index,
		Valid:    nb.Valid,
		RelMean:  make([]float32, n*k*3),
		RelVar:   make([]float32, n*k*w),
		DistMean: make([]float32, n*k),
		DistVar:  make([]float32, n*k),
	}
	for i := 0; i < n; i++ {
		for c := 0; c < k; c++ {
			dst := i*k + c
			src := i*n + nb.Index[dst]
			copy(out.RelMean[dst*3:dst*3+3], p.RelMean[src*3:src*3+3])
			copy(out.RelVar[dst*w:dst*w+w], p.RelVar[src*w:src*w+w])
			out.DistMean[dst] = p.DistMean[src]
			out.DistVar[dst] = p.DistVar[src]
		}
	}
	return out
}

// GatherPairs gathers a (N, N, width) pairwise tensor down to the
// neighbour columns of nb, giving (N, K, width).
func GatherPairs(src []float32, width int, nb *Neighbors) []float32 {
	n, k := nb.N, nb.K
	out := make([]float32, n*k*width)
	for i := 0; i < n; i++ {
		for c := 0; c < k; c++ {
			dst := (i*k + c) * width
			from := (i*n + nb.Index[i*k+c]) * width
			copy(out[dst:dst+width], src[from:from+width])
		}
	}
	return out
}
