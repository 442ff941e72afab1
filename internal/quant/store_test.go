package quant

import (
	"errors"
	"math"
	"math/rand"
	"testing"
)

func buildStore(t *testing.T, rows, cols int, method Method, seed int64) (*Store, TensorID, []float32) {
	t.Helper()
	rng := rand.New(rand.NewSource(seed))
	data := make([]float32, rows*cols)
	for i := range data {
		data[i] = float32(rng.NormFloat64())
	}

	qt, err := Quantize("w", data, rows, cols, method)
	if err != nil {
		t.Fatalf("Quantize failed: %v", err)
	}
	s := NewStore()
	id, err := s.Add(qt)
	if err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	s.Seal()
	return s, id, data
}

func TestMatVecMatchesDense(t *testing.T) {
	rows, cols := 64, 256
	s, id, dense := buildStore(t, rows, cols, MethodQ8, 11)

	rng := rand.New(rand.NewSource(12))
	x := make([]float32, cols)
	for i := range x {
		x[i] = float32(rng.NormFloat64())
	}

	out := make([]float32, rows)
	if err := s.MatVec(id, x, out); err != nil {
		t.Fatalf("MatVec failed: %v", err)
	}

	// Compare against a dense float64 product over the dequantized
	// weights; the fused path must agree closely since both read the
	// same codes.
	qt, _ := s.Get(id)
	recon := make([]float32, cols)
	for r := 0; r < rows; r++ {
		if err := qt.DequantizeRow(r, recon); err != nil {
			t.Fatalf("DequantizeRow failed: %v", err)
		}
		var want float64
		for c := 0; c < cols; c++ {
			want += float64(recon[c]) * float64(x[c])
		}
		if diff := math.Abs(float64(out[r]) - want); diff > 1e-2 {
			t.Errorf("row %d: fused %f, dense %f", r, out[r], want)
		}
	}
	_ = dense
}

func TestMatVecShapeChecks(t *testing.T) {
	s, id, _ := buildStore(t, 8, GroupSize, MethodQ4, 5)

	out := make([]float32, 8)
	if err := s.MatVec(id, make([]float32, GroupSize-1), out); !errors.Is(err, ErrUnsupportedFormat) {
		t.Errorf("short activation: got %v, want ErrUnsupportedFormat", err)
	}
	if err := s.MatVec(id, make([]float32, GroupSize), make([]float32, 4)); !errors.Is(err, ErrUnsupportedFormat) {
		t.Errorf("short out: got %v, want ErrUnsupportedFormat", err)
	}
	if err := s.MatVec(TensorID(99), make([]float32, GroupSize), out); !errors.Is(err, ErrUnsupportedFormat) {
		t.Errorf("bad id: got %v, want ErrUnsupportedFormat", err)
	}
}

func TestDequantizeBlockGlobalIndex(t *testing.T) {
	s, id, _ := buildStore(t, 2, 2*GroupSize, MethodQ8, 21)

	for g := 0; g < 4; g++ {
		block, err := s.DequantizeBlock(id, g)
		if err != nil {
			t.Fatalf("DequantizeBlock(%d) failed: %v", g, err)
		}
		if len(block) != GroupSize {
			t.Errorf("block %d length = %d", g, len(block))
		}
	}
	if _, err := s.DequantizeBlock(id, 4); !errors.Is(err, ErrUnsupportedFormat) {
		t.Errorf("OOB block: got %v, want ErrUnsupportedFormat", err)
	}
}

func TestStoreDuplicateName(t *testing.T) {
	s := NewStore()
	data := make([]float32, GroupSize)
	qt, _ := Quantize("w", data, 1, GroupSize, MethodQ8)
	if _, err := s.Add(qt); err != nil {
		t.Fatalf("first Add failed: %v", err)
	}
	qt2, _ := Quantize("w", data, 1, GroupSize, MethodQ8)
	if _, err := s.Add(qt2); err == nil {
		t.Error("expected error for duplicate name")
	}
}

func TestStoreSealed(t *testing.T) {
	s := NewStore()
	s.Seal()
	data := make([]float32, GroupSize)
	qt, _ := Quantize("w", data, 1, GroupSize, MethodQ8)
	if _, err := s.Add(qt); err == nil {
		t.Error("expected error adding to sealed store")
	}
}
