package geom

import (
	"math/rand"

	"gonum.org/v1/gonum/mat"
)

// Rigid is a proper rotation followed by a translation.
type Rigid struct {
	R *mat.Dense
	T [3]float64
}

// RandomRigid draws a uniformly random rotation and a translation with
// N(0, shift²) components.
func RandomRigid(rng *rand.Rand, shift float64) Rigid {
	return Rigid{
		R: RandomRotation(rng),
		T: [3]float64{rng.NormFloat64() * shift, rng.NormFloat64() * shift, rng.NormFloat64() * shift},
	}
}

// RandomRotation returns a random 3x3 rotation matrix (det = +1) from the
// QR decomposition of a Gaussian matrix.
func RandomRotation(rng *rand.Rand) *mat.Dense {
	g := mat.NewDense(3, 3, nil)
	for i := range 3 {
		for j := range 3 {
			g.Set(i, j, rng.NormFloat64())
		}
	}
	var qr mat.QR
	qr.Factorize(g)
	var q mat.Dense
	qr.QTo(&q)
	var r mat.Dense
	qr.RTo(&r)
	// Make the factorisation unique so the distribution is uniform.
	for j := range 3 {
		if r.At(j, j) < 0 {
			for i := range 3 {
				q.Set(i, j, -q.At(i, j))
			}
		}
	}
	if mat.Det(&q) < 0 {
		for i := range 3 {
			q.Set(i, 0, -q.At(i, 0))
		}
	}
	return &q
}

// Rotate applies R to every 3-vector row of v in place.
func (g Rigid) Rotate(v []float32) {
	for off := 0; off+3 <= len(v); off += 3 {
		x := [3]float64{float64(v[off]), float64(v[off+1]), float64(v[off+2])}
		for a := range 3 {
			var s float64
			for b := range 3 {
				s += g.R.At(a, b) * x[b]
			}
			v[off+a] = float32(s)
		}
	}
}

// ApplyMean rotates and translates every 3-vector row of mean in place.
func (g Rigid) ApplyMean(mean []float32) {
	g.Rotate(mean)
	for off := 0; off+3 <= len(mean); off += 3 {
		for a := range 3 {
			mean[off+a] += float32(g.T[a])
		}
	}
}

// ApplyVar transforms per-node variances in place: R Σ Rᵀ for full
// covariance. Diagonal variances are left unchanged, which is exact only
// for isotropic uncertainty.
func (g Rigid) ApplyVar(variance []float32, kind VarKind) {
	if kind != Full {
		return
	}
	for off := 0; off+9 <= len(variance); off += 9 {
		s := mat.NewDense(3, 3, nil)
		for a := range 3 {
			for b := range 3 {
				s.Set(a, b, float64(variance[off+a*3+b]))
			}
		}
		var tmp, out mat.Dense
		tmp.Mul(g.R, s)
		out.Mul(&tmp, g.R.T())
		for a := range 3 {
			for b := range 3 {
				variance[off+a*3+b] = float32(out.At(a, b))
			}
		}
	}
}
