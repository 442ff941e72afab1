package engine

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/windlass-ml/windlass/internal/config"
	"github.com/windlass-ml/windlass/internal/pool"
	"github.com/windlass-ml/windlass/internal/quant"
)

func tinyConfig() config.Model {
	return config.Model{
		Architecture: "llama",
		Dim:          8,
		HiddenDim:    16,
		Layers:       2,
		Heads:        2,
		KVHeads:      2,
		HeadDim:      4,
		VocabSize:    64,
		SeqLen:       32,
		Eps:          1e-5,
		RopeTheta:    10000,
		EOSToken:     2,
		BOSToken:     1,
	}
}

// testModel builds a model with small random weights so forward passes
// stay numerically tame.
func testModel(t *testing.T, cfg config.Model) *Model {
	t.Helper()
	rng := rand.New(rand.NewSource(7))
	store := quant.NewStore()

	add := func(name string, rows, cols int) quant.TensorID {
		data := make([]float32, rows*cols)
		for i := range data {
			data[i] = (rng.Float32()*2 - 1) * 0.2
		}
		tensor, err := quant.Quantize(name, data, rows, cols, quant.MethodQ8)
		if err != nil {
			t.Fatalf("quantize %s: %v", name, err)
		}
		id, err := store.Add(tensor)
		if err != nil {
			t.Fatalf("add %s: %v", name, err)
		}
		return id
	}
	ones := func(n int) []float32 {
		v := make([]float32, n)
		for i := range v {
			v[i] = 1
		}
		return v
	}

	kvDim := cfg.KVDim()
	w := Weights{
		TokenEmbedding: add("token_embd", cfg.VocabSize, cfg.Dim),
		Output:         add("output", cfg.VocabSize, cfg.Dim),
		FinalNorm:      ones(cfg.Dim),
	}
	for l := 0; l < cfg.Layers; l++ {
		prefix := fmt.Sprintf("blk.%d.", l)
		w.Layers = append(w.Layers, LayerWeights{
			AttnNorm: ones(cfg.Dim),
			FFNNorm:  ones(cfg.Dim),
			WQ:       add(prefix+"wq", cfg.Dim, cfg.Dim),
			WK:       add(prefix+"wk", kvDim, cfg.Dim),
			WV:       add(prefix+"wv", kvDim, cfg.Dim),
			WO:       add(prefix+"wo", cfg.Dim, cfg.Dim),
			Gate:     add(prefix+"gate", cfg.HiddenDim, cfg.Dim),
			Up:       add(prefix+"up", cfg.HiddenDim, cfg.Dim),
			Down:     add(prefix+"down", cfg.Dim, cfg.HiddenDim),
		})
	}
	store.Seal()

	m, err := NewModel(cfg, store, w)
	if err != nil {
		t.Fatalf("NewModel: %v", err)
	}
	return m
}

func testPool(t *testing.T) *pool.Pool {
	t.Helper()
	p, err := pool.New(8 << 20)
	if err != nil {
		t.Fatalf("pool.New: %v", err)
	}
	return p
}
