package tensor

import (
	"math"
	"math/rand"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

// Mat represents a dense row‑major matrix of float32 values.
//
// R and C represent the number of rows and columns respectively. Stride is the
// number of elements between the starts of two consecutive rows (for row‑major
// matrices this is equal to C). Weight matrices follow the PyTorch layout:
// R output features by C input features.
type Mat struct {
	R, C   int
	Stride int
	Data   []float32
}

// NewMat allocates a new zero initialised matrix with the given number of
// rows and columns.
func NewMat(r, c int) Mat {
	if r < 0 || c < 0 {
		panic("negative dimension for matrix")
	}
	return Mat{
		R:      r,
		C:      c,
		Stride: c,
		Data:   make([]float32, r*c),
	}
}

// NewMatFromData creates a matrix from existing data.
// It checks that the data length matches r*c.
func NewMatFromData(r, c int, data []float32) Mat {
	if r*c != len(data) {
		panic("data length mismatch")
	}
	return Mat{
		R:      r,
		C:      c,
		Stride: c,
		Data:   data,
	}
}

// Row returns a view of the i‑th row of the matrix. Modifications to the
// returned slice update the underlying matrix values.
func (m *Mat) Row(i int) []float32 {
	if i < 0 || i >= m.R {
		panic("row index out of range")
	}
	start := i * m.Stride
	return m.Data[start : start+m.C]
}

func (m *Mat) general() blas32.General {
	return blas32.General{Rows: m.R, Cols: m.C, Stride: m.Stride, Data: m.Data}
}

// MatMulT computes dst = x * wᵀ for a batch of row vectors x (rows x in)
// against a weight matrix w (out x in). dst must be rows x out.
func MatMulT(dst, x, w *Mat) {
	if x.C != w.C || dst.R != x.R || dst.C != w.R {
		panic("matmul: dimension mismatch")
	}
	if dst.R == 0 || dst.C == 0 {
		return
	}
	if x.C == 0 {
		clear(dst.Data)
		return
	}
	blas32.Gemm(blas.NoTrans, blas.Trans, 1, x.general(), w.general(), 0, dst.general())
}

// FillNormal fills data with N(0, std²) samples drawn from rng.
func FillNormal(data []float32, std float64, rng *rand.Rand) {
	for i := range data {
		data[i] = float32(rng.NormFloat64() * std)
	}
}

// FillUniform fills data with samples from U(-bound, bound).
func FillUniform(data []float32, bound float64, rng *rand.Rand) {
	for i := range data {
		data[i] = float32((rng.Float64()*2 - 1) * bound)
	}
}

// FanInBound is the default PyTorch bound for linear layers, 1/sqrt(fanIn).
func FanInBound(fanIn int) float64 {
	if fanIn <= 0 {
		return 0
	}
	return 1 / math.Sqrt(float64(fanIn))
}
