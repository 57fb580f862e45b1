package geom

import "math"

// FourierWidth is the encoded width of one scalar with num frequencies.
func FourierWidth(num int) int {
	return 2*num + 1
}

// FourierEncode writes [sin(x/2^k)…, cos(x/2^k)…, x] for k in [0, num)
// into dst, which must hold FourierWidth(num) values.
func FourierEncode(dst []float32, x float32, num int) {
	scale := 1.0
	for k := 0; k < num; k++ {
		v := float64(x) / scale
		dst[k] = float32(math.Sin(v))
		dst[num+k] = float32(math.Cos(v))
		scale *= 2
	}
	dst[2*num] = x
}
