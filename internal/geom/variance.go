// Package geom computes the pairwise geometry of a probabilistic point
// cloud: relative position means and variances, the distribution of
// squared distances, neighbour selection and adjacency expansion.
//
// All functions operate on a single graph of N nodes with flat row-major
// slices. Batching is the caller's concern.
package geom

import (
	"fmt"
	"strings"
)

// VarKind selects how per-node positional uncertainty is represented.
type VarKind int

const (
	// Diagonal stores the three axis variances per node (N, 3).
	Diagonal VarKind = iota
	// Full stores a 3x3 covariance matrix per node (N, 3, 3).
	Full
)

// Width is the number of floats per node for this representation.
func (k VarKind) Width() int {
	if k == Full {
		return 9
	}
	return 3
}

// Shape is the per-node trailing shape.
func (k VarKind) Shape() []int {
	if k == Full {
		return []int{3, 3}
	}
	return []int{3}
}

func (k VarKind) String() string {
	switch k {
	case Diagonal:
		return "diagonal"
	case Full:
		return "full"
	default:
		return fmt.Sprintf("VarKind(%d)", int(k))
	}
}

// ParseVarKind accepts "diagonal"/"diag" and "full".
func ParseVarKind(s string) (VarKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "diagonal", "diag":
		return Diagonal, nil
	case "full", "covariance":
		return Full, nil
	default:
		return Diagonal, fmt.Errorf("unknown variance kind %q", s)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (k VarKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *VarKind) UnmarshalText(b []byte) error {
	v, err := ParseVarKind(string(b))
	if err != nil {
		return err
	}
	*k = v
	return nil
}
