// Package simd provides the hot inner-loop kernels for the CPU forward
// pass. Implementations are selected per architecture at init time;
// callers always go through the package-level functions.
package simd

import "math"

var (
	dotImpl     func(a, b []float32) float32
	softmaxImpl func(x []float32)
)

func init() {
	dotImpl = dotFallback
	softmaxImpl = softmaxFallback
}

// Dot returns the dot product of a and b. Both slices must have the
// same length.
func Dot(a, b []float32) float32 {
	return dotImpl(a, b)
}

// Softmax normalizes x in place using the max-subtraction trick.
func Softmax(x []float32) {
	softmaxImpl(x)
}

func dotFallback(a, b []float32) float32 {
	var sum float32
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}

func softmaxFallback(x []float32) {
	if len(x) == 0 {
		return
	}
	max := x[0]
	for _, v := range x {
		if v > max {
			max = v
		}
	}

	sum := float32(0)
	for i := range x {
		x[i] = float32(math.Exp(float64(x[i] - max)))
		sum += x[i]
	}

	if sum > 0 {
		inv := float32(1) / sum
		for i := range x {
			x[i] *= inv
		}
	}
}

// dotUnrolled breaks the accumulation into four independent chains so
// the compiler can keep them in separate registers.
func dotUnrolled(a, b []float32) float32 {
	var s0, s1, s2, s3 float32
	n := len(a)
	i := 0
	for ; i+4 <= n; i += 4 {
		s0 += a[i] * b[i]
		s1 += a[i+1] * b[i+1]
		s2 += a[i+2] * b[i+2]
		s3 += a[i+3] * b[i+3]
	}
	for ; i < n; i++ {
		s0 += a[i] * b[i]
	}
	return s0 + s1 + s2 + s3
}
