package quant

import (
	"fmt"
	"runtime"
	"sync"

	"github.com/windlass-ml/windlass/internal/simd"
)

// TensorID identifies a tensor within a Store.
type TensorID int

// Store holds all quantized weights of one model. It is populated at
// load time and read-only afterwards, so sessions share it without
// locking.
type Store struct {
	tensors []*Tensor
	byName  map[string]TensorID
	bytes   int64
	sealed  bool
	mu      sync.Mutex
}

func NewStore() *Store {
	return &Store{byName: make(map[string]TensorID)}
}

// Add registers a tensor and returns its id. Adding after Seal is a
// programming error.
func (s *Store) Add(t *Tensor) (TensorID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sealed {
		return 0, fmt.Errorf("store sealed, cannot add tensor %s", t.Name)
	}
	if _, ok := s.byName[t.Name]; ok {
		return 0, fmt.Errorf("duplicate tensor name %s", t.Name)
	}
	id := TensorID(len(s.tensors))
	s.tensors = append(s.tensors, t)
	s.byName[t.Name] = id
	s.bytes += t.SizeBytes()
	return id, nil
}

// Seal marks the store read-only. Loaders call it once loading
// completes; after that the store is safe to share across sessions.
func (s *Store) Seal() {
	s.mu.Lock()
	s.sealed = true
	s.mu.Unlock()
}

// Lookup resolves a tensor id by name.
func (s *Store) Lookup(name string) (TensorID, bool) {
	id, ok := s.byName[name]
	return id, ok
}

// Get returns the tensor for id, or ErrUnsupportedFormat for an id
// outside the store.
func (s *Store) Get(id TensorID) (*Tensor, error) {
	if id < 0 || int(id) >= len(s.tensors) {
		return nil, fmt.Errorf("%w: tensor id %d outside store of %d tensors",
			ErrUnsupportedFormat, id, len(s.tensors))
	}
	return s.tensors[id], nil
}

// SizeBytes is the total packed weight footprint.
func (s *Store) SizeBytes() int64 {
	return s.bytes
}

// Len reports the number of registered tensors.
func (s *Store) Len() int {
	return len(s.tensors)
}

// DequantizeBlock reconstructs one group (global index across the
// row-major group grid) of a stored tensor.
func (s *Store) DequantizeBlock(id TensorID, group int) ([]float32, error) {
	t, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	if group < 0 || group >= t.Rows*t.groupsPerRow {
		return nil, fmt.Errorf("%w: group %d outside tensor %s", ErrUnsupportedFormat, group, t.Name)
	}
	out := make([]float32, GroupSize)
	if _, err := t.DequantizeGroup(group/t.groupsPerRow, group%t.groupsPerRow, out); err != nil {
		return nil, err
	}
	return out, nil
}

// MatVec computes out = W * x for the stored tensor W (Rows x Cols)
// and activation vector x (len Cols), writing into out (len Rows).
// Weights are dequantized group by group into a per-worker scratch
// buffer; the full matrix is never materialized. Partial dot products
// accumulate in float64 to bound rounding error.
func (s *Store) MatVec(id TensorID, x []float32, out []float32) error {
	t, err := s.Get(id)
	if err != nil {
		return err
	}
	if len(x) != t.Cols {
		return fmt.Errorf("%w: activation length %d, tensor %s has %d cols",
			ErrUnsupportedFormat, len(x), t.Name, t.Cols)
	}
	if len(out) < t.Rows {
		return fmt.Errorf("%w: out length %d, tensor %s has %d rows",
			ErrUnsupportedFormat, len(out), t.Name, t.Rows)
	}

	workers := runtime.NumCPU()
	if workers > t.Rows {
		workers = t.Rows
	}
	if workers < 1 {
		workers = 1
	}
	chunk := (t.Rows + workers - 1) / workers

	var wg sync.WaitGroup
	for start := 0; start < t.Rows; start += chunk {
		end := start + chunk
		if end > t.Rows {
			end = t.Rows
		}
		wg.Add(1)
		go func(rs, re int) {
			defer wg.Done()
			var buf [GroupSize]float32
			for r := rs; r < re; r++ {
				var acc float64
				for g := 0; g < t.groupsPerRow; g++ {
					valid, _ := t.DequantizeGroup(r, g, buf[:])
					off := g * GroupSize
					acc += float64(simd.Dot(buf[:valid], x[off:off+valid]))
				}
				out[r] = float32(acc)
			}
		}(start, end)
	}
	wg.Wait()
	return nil
}
