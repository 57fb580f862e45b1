package tensor

import (
	"math"

	"github.com/viterin/vek/vek32"
)

// Add adds src to dst element-wise.
func Add(dst, src []float32) {
	vek32.Add_Inplace(dst, src)
}

// Scale multiplies every element of x by a.
func Scale(x []float32, a float32) {
	vek32.MulNumber_Inplace(x, a)
}

// Dot computes the dot product of a and b.
func Dot(a, b []float32) float32 {
	return vek32.Dot(a, b)
}

// AddBias adds bias to every row of m.
func AddBias(m *Mat, bias []float32) {
	if bias == nil {
		return
	}
	for i := 0; i < m.R; i++ {
		vek32.Add_Inplace(m.Row(i), bias)
	}
}

// LayerNorm normalises src to zero mean and unit variance and applies the
// affine transform gamma*x+beta. gamma and beta may be nil.
func LayerNorm(dst, src, gamma, beta []float32, eps float32) {
	n := float64(len(src))
	if n == 0 {
		return
	}
	var sum float64
	for _, v := range src {
		sum += float64(v)
	}
	mean := sum / n
	var variance float64
	for _, v := range src {
		d := float64(v) - mean
		variance += d * d
	}
	variance /= n
	inv := 1 / math.Sqrt(variance+float64(eps))
	for i, v := range src {
		y := float32((float64(v) - mean) * inv)
		if gamma != nil {
			y *= gamma[i]
		}
		if beta != nil {
			y += beta[i]
		}
		dst[i] = y
	}
}

// Softmax applies the softmax function to x.
func Softmax(x []float32) {
	if len(x) == 0 {
		return
	}
	maxv := x[0]
	for i := 1; i < len(x); i++ {
		if x[i] > maxv {
			maxv = x[i]
		}
	}
	var sum float64
	for i := range x {
		v := math.Exp(float64(x[i] - maxv))
		x[i] = float32(v)
		sum += v
	}
	if sum == 0 {
		return
	}
	inv := float32(1.0 / sum)
	for i := range x {
		x[i] *= inv
	}
}

// Sigmoid computes the logistic sigmoid activation.
func Sigmoid(x float32) float32 {
	return float32(1.0 / (1.0 + math.Exp(float64(-x))))
}

// Silu computes the Sigmoid Linear Unit (SiLU) activation.
func Silu(x float32) float32 {
	return x * Sigmoid(x)
}

// Gelu computes the exact (erf based) Gaussian Error Linear Unit.
func Gelu(x float32) float32 {
	return float32(0.5 * float64(x) * (1 + math.Erf(float64(x)/math.Sqrt2)))
}

// Apply replaces every element of x with fn(x).
func Apply(x []float32, fn func(float32) float32) {
	for i, v := range x {
		x[i] = fn(v)
	}
}

// Clamp limits every element of x to [lo, hi].
func Clamp(x []float32, lo, hi float32) {
	for i, v := range x {
		x[i] = min(max(v, lo), hi)
	}
}
