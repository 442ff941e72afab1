package engine

import (
	"fmt"
	"sync/atomic"

	"github.com/windlass-ml/windlass/internal/config"
	"github.com/windlass-ml/windlass/internal/quant"
)

// LayerWeights names the tensors of one transformer block. Projection
// matrices live quantized in the store; the small norm vectors stay in
// float32.
type LayerWeights struct {
	AttnNorm []float32
	FFNNorm  []float32

	WQ, WK, WV, WO quant.TensorID
	Gate, Down, Up quant.TensorID
}

// Weights is the full tensor set a loader hands to NewModel.
type Weights struct {
	TokenEmbedding quant.TensorID
	Output         quant.TensorID
	FinalNorm      []float32
	Layers         []LayerWeights
}

// Model is an immutable, shareable view over a sealed quantized store.
// Sessions hold a reference while they run so a loader never unloads
// weights under an active decode.
type Model struct {
	Config config.Model
	Store  *quant.Store

	weights Weights
	refs    atomic.Int32
}

func NewModel(cfg config.Model, store *quant.Store, w Weights) (*Model, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if len(w.Layers) != cfg.Layers {
		return nil, fmt.Errorf("model has %d layer weight sets, config says %d", len(w.Layers), cfg.Layers)
	}
	if len(w.FinalNorm) != cfg.Dim {
		return nil, fmt.Errorf("final norm length %d, want %d", len(w.FinalNorm), cfg.Dim)
	}

	kvDim := cfg.KVDim()
	if err := checkShape(store, w.TokenEmbedding, cfg.VocabSize, cfg.Dim, "token_embedding"); err != nil {
		return nil, err
	}
	if err := checkShape(store, w.Output, cfg.VocabSize, cfg.Dim, "output"); err != nil {
		return nil, err
	}
	for i, l := range w.Layers {
		if len(l.AttnNorm) != cfg.Dim || len(l.FFNNorm) != cfg.Dim {
			return nil, fmt.Errorf("layer %d norm length %d/%d, want %d", i, len(l.AttnNorm), len(l.FFNNorm), cfg.Dim)
		}
		checks := []struct {
			id         quant.TensorID
			rows, cols int
			name       string
		}{
			{l.WQ, cfg.Dim, cfg.Dim, "wq"},
			{l.WK, kvDim, cfg.Dim, "wk"},
			{l.WV, kvDim, cfg.Dim, "wv"},
			{l.WO, cfg.Dim, cfg.Dim, "wo"},
			{l.Gate, cfg.HiddenDim, cfg.Dim, "gate"},
			{l.Up, cfg.HiddenDim, cfg.Dim, "up"},
			{l.Down, cfg.Dim, cfg.HiddenDim, "down"},
		}
		for _, c := range checks {
			if err := checkShape(store, c.id, c.rows, c.cols, fmt.Sprintf("layer %d %s", i, c.name)); err != nil {
				return nil, err
			}
		}
	}

	return &Model{Config: cfg, Store: store, weights: w}, nil
}

func checkShape(store *quant.Store, id quant.TensorID, rows, cols int, name string) error {
	t, err := store.Get(id)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	if t.Rows != rows || t.Cols != cols {
		return fmt.Errorf("%s: shape %dx%d, want %dx%d", name, t.Rows, t.Cols, rows, cols)
	}
	return nil
}

// Embed dequantizes the embedding row for token into dst.
func (m *Model) Embed(token int, dst []float32) error {
	if token < 0 || token >= m.Config.VocabSize {
		return fmt.Errorf("token %d out of vocabulary [0,%d)", token, m.Config.VocabSize)
	}
	t, err := m.Store.Get(m.weights.TokenEmbedding)
	if err != nil {
		return err
	}
	return t.DequantizeRow(token, dst)
}

func (m *Model) Layer(i int) *LayerWeights {
	return &m.weights.Layers[i]
}

func (m *Model) FinalNorm() []float32 {
	return m.weights.FinalNorm
}

func (m *Model) OutputHead() quant.TensorID {
	return m.weights.Output
}

// Acquire registers a user of the model.
func (m *Model) Acquire() {
	m.refs.Add(1)
}

// Release drops a reference taken with Acquire.
func (m *Model) Release() {
	if m.refs.Add(-1) < 0 {
		panic("model released more times than acquired")
	}
}

// Refs reports the number of outstanding references.
func (m *Model) Refs() int {
	return int(m.refs.Load())
}
