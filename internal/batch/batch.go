// Package batch converts JSON graph batches of varying sizes into padded
// network inputs and splits network outputs back into per-graph results.
package batch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/goccy/go-json"

	"github.com/samcharles93/pdc/internal/egnn"
	"github.com/samcharles93/pdc/internal/geom"
	"github.com/samcharles93/pdc/internal/tensor"
)

var ErrInvalidBatch = errors.New("invalid batch")

// Graph is a single graph of a request. Node i is described by entry i of
// every per-node field.
type Graph struct {
	ID string `json:"id,omitempty"`

	// Tokens is used by models with a token embedding, Feats otherwise.
	Tokens []int       `json:"tokens,omitempty"`
	Feats  [][]float32 `json:"feats,omitempty"`

	CoorsMean [][3]float32 `json:"coors_mean"`
	// CoorsVar rows hold 3 diagonal variances or a row-major 3x3
	// covariance, following the request's var_kind.
	CoorsVar [][]float32 `json:"coors_var"`

	// Adj lists undirected bonds as node index pairs.
	Adj [][2]int `json:"adj,omitempty"`

	// EdgeTokens (N×N) is used by models with an edge embedding, Edges
	// (N×N×E) otherwise.
	EdgeTokens [][]int       `json:"edge_tokens,omitempty"`
	Edges      [][][]float32 `json:"edges,omitempty"`

	// PosChangeFlag marks nodes whose coordinate mean may move; omitted
	// means every node may.
	PosChangeFlag []bool `json:"pos_change_flag,omitempty"`
}

// Request is a batch of graphs sharing one variance representation.
type Request struct {
	VarKind           geom.VarKind `json:"var_kind"`
	Graphs            []Graph      `json:"graphs"`
	ReturnCoorChanges bool         `json:"return_coor_changes,omitempty"`
}

// Result is the refined state of one graph with padding removed.
type Result struct {
	ID          string         `json:"id,omitempty"`
	Feats       [][]float32    `json:"feats"`
	CoorsMean   [][3]float32   `json:"coors_mean"`
	CoorsVar    [][]float32    `json:"coors_var"`
	CoorChanges [][][3]float32 `json:"coor_changes,omitempty"`
}

// Response holds one result per request graph, in order.
type Response struct {
	Graphs []Result `json:"graphs"`
}

// Decode reads a request from r.
func Decode(r io.Reader) (*Request, error) {
	var req Request
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidBatch, err)
	}
	return &req, nil
}

// ReadFile decodes the request stored at path.
func ReadFile(path string) (*Request, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Decode(f)
}

// Encode writes resp to w as indented JSON.
func Encode(w io.Writer, resp *Response) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(resp)
}

// Run collates req, runs net and splits the outputs.
func Run(ctx context.Context, net *egnn.Network, req *Request, opts egnn.Options) (*Response, error) {
	in, err := req.Collate(net.Config())
	if err != nil {
		return nil, err
	}
	out, err := net.Forward(ctx, in, opts)
	if err != nil {
		return nil, err
	}
	return req.Split(out)
}

// MaxNodes returns the padded graph size.
func (r *Request) MaxNodes() int {
	n := 0
	for _, g := range r.Graphs {
		n = max(n, len(g.CoorsMean))
	}
	return n
}

// Collate pads every graph to the largest node count and packs the batch
// into network inputs. A mask is produced only when graphs differ in size.
func (r *Request) Collate(cfg egnn.NetworkConfig) (*egnn.Inputs, error) {
	if err := r.validate(cfg); err != nil {
		return nil, err
	}
	b, n := len(r.Graphs), r.MaxNodes()
	w := r.VarKind.Width()

	in := &egnn.Inputs{
		CoorsMean:         tensor.New(b, n, 3),
		CoorsVar:          tensor.New(append([]int{b, n}, r.VarKind.Shape()...)...),
		VarKind:           r.VarKind,
		ReturnCoorChanges: r.ReturnCoorChanges,
	}
	if cfg.NumTokens > 0 {
		in.Tokens = make([]int, b*n)
	} else {
		in.Feats = tensor.New(b, n, cfg.Dim)
	}

	var ragged, hasAdj, hasFlags, hasEdgeTokens, hasEdges bool
	edgeWidth := 0
	for _, g := range r.Graphs {
		ragged = ragged || len(g.CoorsMean) != n
		hasAdj = hasAdj || g.Adj != nil
		hasFlags = hasFlags || g.PosChangeFlag != nil
		hasEdgeTokens = hasEdgeTokens || g.EdgeTokens != nil
		if len(g.Edges) > 0 && len(g.Edges[0]) > 0 {
			hasEdges = true
			edgeWidth = len(g.Edges[0][0])
		}
	}
	if ragged {
		in.Mask = make([]bool, b*n)
	}
	var adj []bool
	if hasAdj {
		adj = make([]bool, b*n*n)
	}
	if hasFlags {
		in.PosChangeFlag = make([]bool, b*n)
		for i := range in.PosChangeFlag {
			in.PosChangeFlag[i] = true
		}
	}
	if hasEdgeTokens {
		in.EdgeTokens = make([]int, b*n*n)
	} else if hasEdges {
		in.Edges = tensor.New(b, n, n, edgeWidth)
	}

	for gi, g := range r.Graphs {
		for i := range g.CoorsMean {
			node := gi*n + i
			if in.Mask != nil {
				in.Mask[node] = true
			}
			copy(in.CoorsMean.Data[node*3:], g.CoorsMean[i][:])
			copy(in.CoorsVar.Data[node*w:(node+1)*w], g.CoorsVar[i])
			if in.Tokens != nil {
				in.Tokens[node] = g.Tokens[i]
			} else {
				copy(in.Feats.Data[node*cfg.Dim:(node+1)*cfg.Dim], g.Feats[i])
			}
			if g.PosChangeFlag != nil {
				in.PosChangeFlag[node] = g.PosChangeFlag[i]
			}
			for j := range g.CoorsMean {
				pair := (gi*n+i)*n + j
				switch {
				case in.EdgeTokens != nil && g.EdgeTokens != nil:
					in.EdgeTokens[pair] = g.EdgeTokens[i][j]
				case in.Edges != nil && g.Edges != nil:
					copy(in.Edges.Data[pair*edgeWidth:(pair+1)*edgeWidth], g.Edges[i][j])
				}
			}
		}
		for _, e := range g.Adj {
			base := gi * n * n
			adj[base+e[0]*n+e[1]] = true
			adj[base+e[1]*n+e[0]] = true
		}
	}
	if adj != nil {
		a, err := geom.NewAdjacency(adj, n, b)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidBatch, err)
		}
		in.Adj = a
	}
	return in, nil
}

func (r *Request) validate(cfg egnn.NetworkConfig) error {
	if len(r.Graphs) == 0 {
		return fmt.Errorf("%w: no graphs", ErrInvalidBatch)
	}
	w := r.VarKind.Width()
	edgeWidth := -1
	for gi, g := range r.Graphs {
		n := len(g.CoorsMean)
		fail := func(format string, args ...any) error {
			return fmt.Errorf("%w: graph %d: %s", ErrInvalidBatch, gi, fmt.Sprintf(format, args...))
		}
		if n == 0 {
			return fail("no nodes")
		}
		if len(g.CoorsVar) != n {
			return fail("%d variances for %d nodes", len(g.CoorsVar), n)
		}
		for i, v := range g.CoorsVar {
			if len(v) != w {
				return fail("node %d variance has %d values, want %d for %s", i, len(v), w, r.VarKind)
			}
		}
		if cfg.NumTokens > 0 {
			if len(g.Tokens) != n {
				return fail("%d tokens for %d nodes", len(g.Tokens), n)
			}
		} else {
			if g.Tokens != nil {
				return fail("tokens given but the model has no token embedding")
			}
			if len(g.Feats) != n {
				return fail("%d feature rows for %d nodes", len(g.Feats), n)
			}
			for i, f := range g.Feats {
				if len(f) != cfg.Dim {
					return fail("node %d has %d features, want %d", i, len(f), cfg.Dim)
				}
			}
		}
		if g.PosChangeFlag != nil && len(g.PosChangeFlag) != n {
			return fail("%d position flags for %d nodes", len(g.PosChangeFlag), n)
		}
		for _, e := range g.Adj {
			if e[0] < 0 || e[0] >= n || e[1] < 0 || e[1] >= n {
				return fail("bond %v out of range", e)
			}
		}
		if g.EdgeTokens != nil {
			if cfg.NumEdgeTokens == 0 {
				return fail("edge tokens given but the model has no edge embedding")
			}
			if len(g.EdgeTokens) != n {
				return fail("edge tokens have %d rows, want %d", len(g.EdgeTokens), n)
			}
			for _, row := range g.EdgeTokens {
				if len(row) != n {
					return fail("edge token row has %d entries, want %d", len(row), n)
				}
			}
		}
		if g.Edges != nil {
			if len(g.Edges) != n {
				return fail("edges have %d rows, want %d", len(g.Edges), n)
			}
			for _, row := range g.Edges {
				if len(row) != n {
					return fail("edge row has %d entries, want %d", len(row), n)
				}
				for _, e := range row {
					if edgeWidth < 0 {
						edgeWidth = len(e)
					}
					if len(e) != edgeWidth {
						return fail("edge features have width %d, want %d", len(e), edgeWidth)
					}
				}
			}
		}
	}
	return nil
}

// Split removes padding from out, producing one result per request graph.
func (r *Request) Split(out *egnn.Outputs) (*Response, error) {
	b, n := len(r.Graphs), r.MaxNodes()
	if out.CoorsMean.Dim(0) != b || out.CoorsMean.Dim(1) != n {
		return nil, fmt.Errorf("%w: outputs shaped %v for %d graphs of %d nodes", ErrInvalidBatch, out.CoorsMean.Shape, b, n)
	}
	d := out.Feats.Dim(2)
	w := r.VarKind.Width()
	resp := &Response{Graphs: make([]Result, b)}
	for gi, g := range r.Graphs {
		size := len(g.CoorsMean)
		res := Result{
			ID:        g.ID,
			Feats:     make([][]float32, size),
			CoorsMean: make([][3]float32, size),
			CoorsVar:  make([][]float32, size),
		}
		for i := range size {
			node := gi*n + i
			res.Feats[i] = append([]float32(nil), out.Feats.Data[node*d:(node+1)*d]...)
			copy(res.CoorsMean[i][:], out.CoorsMean.Data[node*3:node*3+3])
			res.CoorsVar[i] = append([]float32(nil), out.CoorsVar.Data[node*w:(node+1)*w]...)
		}
		for _, snap := range out.CoorChanges {
			step := make([][3]float32, size)
			for i := range size {
				node := gi*n + i
				copy(step[i][:], snap.Data[node*3:node*3+3])
			}
			res.CoorChanges = append(res.CoorChanges, step)
		}
		resp.Graphs[gi] = res
	}
	return resp, nil
}
