package loader

import (
	"fmt"
	"hash/fnv"
	"math/rand"
	"strings"

	"github.com/windlass-ml/windlass/internal/config"
)

// Synthetic generates deterministic pseudo-random weights for a given
// architecture, for benchmarks and tests that need a working model
// without a checkpoint on disk. The same seed always produces the same
// tensors, independent of request order.
type Synthetic struct {
	cfg   config.Model
	seed  int64
	specs map[string]tensorSpec
}

func NewSynthetic(cfg config.Model, seed int64) *Synthetic {
	s := &Synthetic{cfg: cfg, seed: seed, specs: make(map[string]tensorSpec)}
	for _, spec := range tensorLayout(cfg) {
		s.specs[spec.name] = spec
	}
	return s
}

func (s *Synthetic) Config() config.Model {
	return s.cfg
}

func (s *Synthetic) Tensor(name string) ([]float32, error) {
	spec, ok := s.specs[name]
	if !ok {
		return nil, fmt.Errorf("unknown tensor %q", name)
	}

	data := make([]float32, spec.rows*spec.cols)
	if spec.norm || strings.HasSuffix(name, "_norm.weight") {
		for i := range data {
			data[i] = 1
		}
		return data, nil
	}

	// Per-tensor stream keyed by seed and name, so every tensor is
	// reproducible in isolation.
	h := fnv.New64a()
	h.Write([]byte(name))
	rng := rand.New(rand.NewSource(s.seed ^ int64(h.Sum64())))
	scale := float32(0.08)
	for i := range data {
		data[i] = (rng.Float32()*2 - 1) * scale
	}
	return data, nil
}
