package geom

import "fmt"

// Adjacency is a boolean connectivity matrix shared by every graph of a
// batch (N, N) or given per graph (B, N, N).
type Adjacency struct {
	N     int
	Batch int // 0 when shared across the batch
	Data  []bool
}

// NewAdjacency validates the length of data against n and batch (0 for a
// shared matrix).
func NewAdjacency(data []bool, n, batch int) (*Adjacency, error) {
	want := n * n
	if batch > 0 {
		want *= batch
	}
	if len(data) != want {
		return nil, fmt.Errorf("adjacency: %d values, want %d", len(data), want)
	}
	return &Adjacency{N: n, Batch: batch, Data: data}, nil
}

// Graph returns the (N, N) matrix for graph b.
func (a *Adjacency) Graph(b int) []bool {
	if a.Batch == 0 {
		return a.Data
	}
	nn := a.N * a.N
	return a.Data[b*nn : (b+1)*nn]
}

// ExpandDegrees discovers multi-hop connectivity up to maxDegree hops.
// degree[i*n+j] is the hop count at which j first becomes reachable from i
// (1 for direct edges, 0 when unreachable within maxDegree or i == j), and
// reach is the union of all pairs reachable within maxDegree hops.
func ExpandDegrees(adj []bool, n, maxDegree int) (reach []bool, degree []int) {
	reach = make([]bool, n*n)
	degree = make([]int, n*n)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			if i != j && adj[i*n+j] {
				reach[i*n+j] = true
				degree[i*n+j] = 1
			}
		}
	}
	frontier := make([]bool, n*n)
	for d := 2; d <= maxDegree; d++ {
		clear(frontier)
		grew := false
		for i := 0; i < n; i++ {
			for m := 0; m < n; m++ {
				if !reach[i*n+m] {
					continue
				}
				for j := 0; j < n; j++ {
					if j != i && adj[m*n+j] && !reach[i*n+j] {
						frontier[i*n+j] = true
					}
				}
			}
		}
		for e, ok := range frontier {
			if ok {
				reach[e] = true
				degree[e] = d
				grew = true
			}
		}
		if !grew {
			break
		}
	}
	return reach, degree
}
