package egnn

import (
	"context"
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/floats"

	"github.com/samcharles93/pdc/internal/geom"
	"github.com/samcharles93/pdc/internal/tensor"
)

// Report holds the largest absolute deviation between transforming the
// outputs and running the network on transformed inputs.
type Report struct {
	Feats     float64 `json:"feats"`
	CoorsMean float64 `json:"coors_mean"`
	CoorsVar  float64 `json:"coors_var"`
}

// Max returns the largest deviation.
func (r Report) Max() float64 {
	return max(r.Feats, r.CoorsMean, r.CoorsVar)
}

// CheckEquivariance runs net on in and on a random rigid motion of in and
// compares: features must be invariant, means must move with the motion
// and full covariances must rotate as R Σ Rᵀ. Diagonal variances are only
// equivariant when isotropic.
func CheckEquivariance(ctx context.Context, net *Network, in *Inputs, rng *rand.Rand, shift float64) (Report, error) {
	base, err := net.Forward(ctx, in, Options{})
	if err != nil {
		return Report{}, err
	}
	kind := in.VarKind
	motion := geom.RandomRigid(rng, shift)

	moved := *in
	moved.ReturnCoorChanges = false
	moved.CoorsMean = in.CoorsMean.Clone()
	moved.CoorsVar = in.CoorsVar.Clone()
	motion.ApplyMean(moved.CoorsMean.Data)
	motion.ApplyVar(moved.CoorsVar.Data, kind)
	got, err := net.Forward(ctx, &moved, Options{})
	if err != nil {
		return Report{}, err
	}

	wantMean := base.CoorsMean.Clone()
	motion.ApplyMean(wantMean.Data)
	wantVar := base.CoorsVar.Clone()
	motion.ApplyVar(wantVar.Data, kind)

	var r Report
	if r.Feats, err = maxAbsDiff(base.Feats, got.Feats); err != nil {
		return Report{}, err
	}
	if r.CoorsMean, err = maxAbsDiff(wantMean, got.CoorsMean); err != nil {
		return Report{}, err
	}
	if r.CoorsVar, err = maxAbsDiff(wantVar, got.CoorsVar); err != nil {
		return Report{}, err
	}
	return r, nil
}

func maxAbsDiff(a, b *tensor.Tensor) (float64, error) {
	if !tensor.SameShape(a, b) {
		return 0, fmt.Errorf("shape %v differs from %v", a.Shape, b.Shape)
	}
	if a.Len() == 0 {
		return 0, nil
	}
	x, y := make([]float64, a.Len()), make([]float64, b.Len())
	for i := range a.Data {
		x[i], y[i] = float64(a.Data[i]), float64(b.Data[i])
	}
	return floats.Distance(x, y, math.Inf(1)), nil
}
