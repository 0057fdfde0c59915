package tensor

import (
	"math"
)

// Add adds src to dst element-wise.
func Add(dst, src []float32) {
	for i, v := range src {
		dst[i] += v
	}
}

// Axpy computes dst += a*x.
func Axpy(dst []float32, a float32, x []float32) {
	if len(x) == 0 {
		return
	}
	_ = dst[len(x)-1]
	i := 0
	for ; i+3 < len(x); i += 4 {
		dst[i+0] += a * x[i+0]
		dst[i+1] += a * x[i+1]
		dst[i+2] += a * x[i+2]
		dst[i+3] += a * x[i+3]
	}
	for ; i < len(x); i++ {
		dst[i] += a * x[i]
	}
}

// Dot computes the dot product of a and b.
func Dot(a, b []float32) float32 {
	var s0, s1, s2, s3 float32
	i := 0
	for ; i+3 < len(a); i += 4 {
		s0 += a[i+0] * b[i+0]
		s1 += a[i+1] * b[i+1]
		s2 += a[i+2] * b[i+2]
		s3 += a[i+3] * b[i+3]
	}
	sum := s0 + s1 + s2 + s3
	for ; i < len(a); i++ {
		sum += a[i] * b[i]
	}
	return sum
}

// Scale multiplies every element of x by a.
func Scale(x []float32, a float32) {
	for i := range x {
		x[i] *= a
	}
}

// SumSq returns the sum of squares of x in float64 to avoid cancellation
// when accumulating gradient norms over millions of elements.
func SumSq(x []float32) float64 {
	var sum float64
	for _, v := range x {
		sum += float64(v) * float64(v)
	}
	return sum
}

// RMSNorm writes the RMS-normalized src scaled by weight into dst.
func RMSNorm(dst, src, weight []float32, eps float32) {
	var ss float32
	for i := range src {
		ss += src[i] * src[i]
	}
	inv := 1 / float32(math.Sqrt(float64(ss/float32(len(src))+eps)))
	for i, v := range src {
		dst[i] = v * inv * weight[i]
	}
}

// Softmax normalizes x in place. Inputs are shifted by the maximum
// first so large logits cannot overflow the exponent.
func Softmax(x []float32) {
	if len(x) == 0 {
		return
	}
	maxv := x[0]
	for _, v := range x[1:] {
		if v > maxv {
			maxv = v
		}
	}
	var sum float64
	for i, v := range x {
		e := math.Exp(float64(v - maxv))
		x[i] = float32(e)
		sum += e
	}
	if sum == 0 {
		return
	}
	inv := float32(1 / sum)
	for i := range x {
		x[i] *= inv
	}
}

// Sigmoid is the logistic function.
func Sigmoid(x float32) float32 {
	return float32(1 / (1 + math.Exp(float64(-x))))
}

// Silu is x*sigmoid(x), the activation inside the SwiGLU block.
func Silu(x float32) float32 {
	return x * Sigmoid(x)
}
