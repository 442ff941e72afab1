package simd

import (
	"math"
	"testing"
)

func TestDot(t *testing.T) {
	a := []float32{1, 2, 3, 4, 5}
	b := []float32{2, 0, -1, 1, 3}

	got := Dot(a, b)
	want := float32(1*2 + 0 - 3 + 4 + 15)
	if got != want {
		t.Errorf("Dot = %f, want %f", got, want)
	}
}

func TestDotMatchesFallback(t *testing.T) {
	// The installed implementation must agree with the reference loop
	// regardless of architecture.
	n := 1027 // deliberately not a multiple of the unroll factor
	a := make([]float32, n)
	b := make([]float32, n)
	for i := range a {
		a[i] = float32(i%17) * 0.25
		b[i] = float32(i%13) * -0.5
	}

	got := Dot(a, b)
	want := dotFallback(a, b)
	if math.Abs(float64(got-want)) > 1e-2 {
		t.Errorf("Dot = %f, fallback = %f", got, want)
	}
}

func TestSoftmax(t *testing.T) {
	x := []float32{1.0, 2.0, 3.0}
	Softmax(x)

	var sum float32
	for _, v := range x {
		sum += v
	}
	if math.Abs(float64(sum-1.0)) > 1e-5 {
		t.Errorf("softmax sum = %f, want 1.0", sum)
	}
	if !(x[2] > x[1] && x[1] > x[0]) {
		t.Errorf("softmax not monotonic: %v", x)
	}
}

func TestSoftmaxLargeValues(t *testing.T) {
	// Max subtraction must prevent overflow for large logits.
	x := []float32{1000, 1001, 1002}
	Softmax(x)
	for i, v := range x {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			t.Fatalf("softmax[%d] = %f not finite", i, v)
		}
	}
}

func TestSoftmaxEmpty(t *testing.T) {
	Softmax(nil) // must not panic
}
