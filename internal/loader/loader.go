// Package loader turns checkpoint weights into a quantized, sealed
// model. Sources provide raw float32 tensors under canonical names;
// Load quantizes the projection matrices and keeps the small norm
// vectors in full precision.
package loader

import (
	"errors"
	"fmt"
	"time"

	"github.com/windlass-ml/windlass/internal/config"
	"github.com/windlass-ml/windlass/internal/engine"
	"github.com/windlass-ml/windlass/internal/logger"
	"github.com/windlass-ml/windlass/internal/quant"
)

var (
	// ErrModelNotFound reports that a model name did not resolve to a
	// manifest in the cache directory.
	ErrModelNotFound = errors.New("model not found")

	// ErrLoadError reports a malformed or unreadable checkpoint.
	ErrLoadError = errors.New("model load failed")
)

// WeightSource yields the raw tensors of a checkpoint. Tensor returns
// row-major float32 data for a canonical tensor name.
type WeightSource interface {
	Config() config.Model
	Tensor(name string) ([]float32, error)
}

// tensorSpec describes one canonical tensor: its name, shape, and
// whether it stays float32 instead of being quantized.
type tensorSpec struct {
	name       string
	rows, cols int
	norm       bool
}

// tensorLayout lists every tensor of an architecture in blob order.
func tensorLayout(cfg config.Model) []tensorSpec {
	specs := []tensorSpec{
		{name: "token_embd.weight", rows: cfg.VocabSize, cols: cfg.Dim},
		{name: "output_norm.weight", rows: 1, cols: cfg.Dim, norm: true},
		{name: "output.weight", rows: cfg.VocabSize, cols: cfg.Dim},
	}
	kvDim := cfg.KVDim()
	for l := 0; l < cfg.Layers; l++ {
		p := fmt.Sprintf("blk.%d.", l)
		specs = append(specs,
			tensorSpec{name: p + "attn_norm.weight", rows: 1, cols: cfg.Dim, norm: true},
			tensorSpec{name: p + "attn_q.weight", rows: cfg.Dim, cols: cfg.Dim},
			tensorSpec{name: p + "attn_k.weight", rows: kvDim, cols: cfg.Dim},
			tensorSpec{name: p + "attn_v.weight", rows: kvDim, cols: cfg.Dim},
			tensorSpec{name: p + "attn_output.weight", rows: cfg.Dim, cols: cfg.Dim},
			tensorSpec{name: p + "ffn_norm.weight", rows: 1, cols: cfg.Dim, norm: true},
			tensorSpec{name: p + "ffn_gate.weight", rows: cfg.HiddenDim, cols: cfg.Dim},
			tensorSpec{name: p + "ffn_up.weight", rows: cfg.HiddenDim, cols: cfg.Dim},
			tensorSpec{name: p + "ffn_down.weight", rows: cfg.Dim, cols: cfg.HiddenDim},
		)
	}
	return specs
}

// Load materializes a model from src, quantizing every projection with
// the given method.
func Load(src WeightSource, method quant.Method) (*engine.Model, error) {
	cfg := src.Config()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLoadError, err)
	}

	start := time.Now()
	store := quant.NewStore()
	norms := make(map[string][]float32)

	for _, spec := range tensorLayout(cfg) {
		data, err := src.Tensor(spec.name)
		if err != nil {
			return nil, fmt.Errorf("%w: tensor %s: %v", ErrLoadError, spec.name, err)
		}
		if len(data) != spec.rows*spec.cols {
			return nil, fmt.Errorf("%w: tensor %s has %d values, want %d",
				ErrLoadError, spec.name, len(data), spec.rows*spec.cols)
		}
		if spec.norm {
			norms[spec.name] = data
			continue
		}
		tensor, err := quant.Quantize(spec.name, data, spec.rows, spec.cols, method)
		if err != nil {
			return nil, fmt.Errorf("%w: tensor %s: %v", ErrLoadError, spec.name, err)
		}
		if _, err := store.Add(tensor); err != nil {
			return nil, fmt.Errorf("%w: tensor %s: %v", ErrLoadError, spec.name, err)
		}
	}
	store.Seal()

	lookup := func(name string) quant.TensorID {
		id, _ := store.Lookup(name)
		return id
	}
	w := engine.Weights{
		TokenEmbedding: lookup("token_embd.weight"),
		Output:         lookup("output.weight"),
		FinalNorm:      norms["output_norm.weight"],
	}
	for l := 0; l < cfg.Layers; l++ {
		p := fmt.Sprintf("blk.%d.", l)
		w.Layers = append(w.Layers, engine.LayerWeights{
			AttnNorm: norms[p+"attn_norm.weight"],
			FFNNorm:  norms[p+"ffn_norm.weight"],
			WQ:       lookup(p + "attn_q.weight"),
			WK:       lookup(p + "attn_k.weight"),
			WV:       lookup(p + "attn_v.weight"),
			WO:       lookup(p + "attn_output.weight"),
			Gate:     lookup(p + "ffn_gate.weight"),
			Up:       lookup(p + "ffn_up.weight"),
			Down:     lookup(p + "ffn_down.weight"),
		})
	}

	m, err := engine.NewModel(cfg, store, w)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLoadError, err)
	}

	logger.Log.Info("model loaded",
		"arch", cfg.Architecture,
		"layers", cfg.Layers,
		"dim", cfg.Dim,
		"vocab", cfg.VocabSize,
		"method", method.String(),
		"weight_bytes", store.SizeBytes(),
		"duration", time.Since(start))
	return m, nil
}
