package geom

import (
	"math"
	"slices"
)

const (
	// MaskedRank is the ranking assigned to pairs involving a padded node.
	MaskedRank = 1e5
	// SelfRank is the ranking assigned to i == j; it sorts after every
	// masked pair so a node only sees itself when nothing else is left.
	SelfRank = 1e6
)

// Neighbors is the per-node selection of K neighbour columns.
type Neighbors struct {
	N, K  int
	Index []int     // (N, K) node index of each column
	Rank  []float32 // (N, K) ranking value the column was selected with
	Valid []bool    // (N, K) within radius and not the node itself
}

// Select ranks every pair by expected squared distance and keeps the k
// lowest per node. Padded pairs (mask) rank MaskedRank, self pairs rank
// SelfRank and declared adjacent pairs rank 0 so they are always kept.
// Ties keep the lower node index. Columns ranked above radius are kept
// but flagged invalid.
//
// mask is (N) and adj is (N, N); either may be nil. k is clamped to N.
func Select(distMean []float32, n, k int, mask, adj []bool, radius float64) *Neighbors {
	k = min(max(k, 0), n)
	nb := &Neighbors{
		N:     n,
		K:     k,
		Index: make([]int, n*k),
		Rank:  make([]float32, n*k),
		Valid: make([]bool, n*k),
	}
	ranking := make([]float32, n)
	order := make([]int, n)
	for i := 0; i < n; i++ {
		copy(ranking, distMean[i*n:(i+1)*n])
		for j := 0; j < n; j++ {
			switch {
			case i == j:
				ranking[j] = SelfRank
			case adj != nil && adj[i*n+j]:
				ranking[j] = 0
			case mask != nil && !(mask[i] && mask[j]):
				ranking[j] = MaskedRank
			}
			order[j] = j
		}
		slices.SortStableFunc(order, func(a, b int) int {
			return compareRank(ranking[a], ranking[b])
		})
		for c := 0; c < k; c++ {
			j := order[c]
			e := i*k + c
			nb.Index[e] = j
			nb.Rank[e] = ranking[j]
			nb.Valid[e] = j != i && float64(ranking[j]) <= radius
		}
	}
	return nb
}

// compareRank orders NaN after every number so a corrupt distance never
// displaces a real neighbour.
func compareRank(a, b float32) int {
	an, bn := math.IsNaN(float64(a)), math.IsNaN(float64(b))
	switch {
	case an && bn:
		return 0
	case an:
		return 1
	case bn:
		return -1
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// MaxDegree returns the largest out-degree of adj, ignoring self loops.
func MaxDegree(adj []bool, n int) int {
	best := 0
	for i := 0; i < n; i++ {
		d := 0
		for j := 0; j < n; j++ {
			if i != j && adj[i*n+j] {
				d++
			}
		}
		best = max(best, d)
	}
	return best
}
