package engine

import (
	"fmt"
	"math"
	"sync"

	"github.com/windlass-ml/windlass/internal/pool"
	"github.com/windlass-ml/windlass/internal/quant"
	"github.com/windlass-ml/windlass/internal/simd"
)

// forward owns the scratch buffers for one session's passes. All
// activations come from the pool, sized once at construction, so a
// decode step allocates nothing.
type forward struct {
	model *Model
	cache *KVCache

	workers int

	bufs []*pool.Buffer

	x      []float32 // residual stream, dim
	xb     []float32 // normed input, dim
	xb2    []float32 // projection output, dim
	q      []float32 // query, dim
	k      []float32 // key, kvDim
	v      []float32 // value, kvDim
	attn   []float32 // attention output, dim
	hb     []float32 // ffn gate, hiddenDim
	hb2    []float32 // ffn up, hiddenDim
	scores []float32 // per-head attention scores, heads*capTokens
	logits []float32 // vocabSize
}

// scratchFloats is the pool reservation newForward makes, exported to
// the scheduler through ScratchFootprint.
func scratchFloats(m *Model, capTokens int) int {
	cfg := m.Config
	return 5*cfg.Dim + 2*cfg.KVDim() + 2*cfg.HiddenDim +
		cfg.Heads*capTokens + cfg.VocabSize
}

// ScratchFootprint is the pool bytes of activation scratch a session
// with the given context capacity needs, on top of its KV cache.
func ScratchFootprint(m *Model, capTokens int) int64 {
	return int64(scratchFloats(m, capTokens)) * 4
}

func newForward(m *Model, cache *KVCache, p *pool.Pool, capTokens, workers int) (*forward, error) {
	if workers <= 0 {
		workers = 1
	}
	cfg := m.Config
	f := &forward{model: m, cache: cache, workers: workers}

	grab := func(n int) ([]float32, error) {
		b, err := p.Acquire(n)
		if err != nil {
			f.close()
			return nil, fmt.Errorf("forward scratch: %w", err)
		}
		f.bufs = append(f.bufs, b)
		return b.Data, nil
	}

	var err error
	if f.x, err = grab(cfg.Dim); err != nil {
		return nil, err
	}
	if f.xb, err = grab(cfg.Dim); err != nil {
		return nil, err
	}
	if f.xb2, err = grab(cfg.Dim); err != nil {
		return nil, err
	}
	if f.q, err = grab(cfg.Dim); err != nil {
		return nil, err
	}
	if f.k, err = grab(cfg.KVDim()); err != nil {
		return nil, err
	}
	if f.v, err = grab(cfg.KVDim()); err != nil {
		return nil, err
	}
	if f.attn, err = grab(cfg.Dim); err != nil {
		return nil, err
	}
	if f.hb, err = grab(cfg.HiddenDim); err != nil {
		return nil, err
	}
	if f.hb2, err = grab(cfg.HiddenDim); err != nil {
		return nil, err
	}
	if f.scores, err = grab(cfg.Heads * capTokens); err != nil {
		return nil, err
	}
	if f.logits, err = grab(cfg.VocabSize); err != nil {
		return nil, err
	}
	return f, nil
}

func (f *forward) close() {
	for _, b := range f.bufs {
		b.Release()
	}
	f.bufs = nil
}

// step runs one token through the model and returns the logits slice,
// which is reused by the next step.
func (f *forward) step(token int) ([]float32, error) {
	cfg := f.model.Config

	eps := float64(cfg.Eps)
	theta := float64(cfg.RopeTheta)

	pos, err := f.cache.Extend()
	if err != nil {
		return nil, err
	}

	if err := f.model.Embed(token, f.x); err != nil {
		return nil, err
	}

	for l := 0; l < cfg.Layers; l++ {
		w := f.model.Layer(l)

		rmsnorm(f.xb, f.x, w.AttnNorm, eps)

		if err := f.matvec(w.WQ, f.xb, f.q); err != nil {
			return nil, err
		}
		if err := f.matvec(w.WK, f.xb, f.k); err != nil {
			return nil, err
		}
		if err := f.matvec(w.WV, f.xb, f.v); err != nil {
			return nil, err
		}

		rope(f.q, pos, cfg.HeadDim, theta)
		rope(f.k, pos, cfg.HeadDim, theta)

		if err := f.cache.Put(l, f.k, f.v); err != nil {
			return nil, err
		}

		f.attention(l)

		if err := f.matvec(w.WO, f.attn, f.xb2); err != nil {
			return nil, err
		}
		accumulate(f.x, f.xb2)

		rmsnorm(f.xb, f.x, w.FFNNorm, eps)

		if err := f.matvec(w.Gate, f.xb, f.hb); err != nil {
			return nil, err
		}
		if err := f.matvec(w.Up, f.xb, f.hb2); err != nil {
			return nil, err
		}
		swiglu(f.hb, f.hb2)
		if err := f.matvec(w.Down, f.hb, f.xb2); err != nil {
			return nil, err
		}
		accumulate(f.x, f.xb2)
	}

	rmsnorm(f.xb, f.x, f.model.FinalNorm(), eps)
	if err := f.matvec(f.model.OutputHead(), f.xb, f.logits); err != nil {
		return nil, err
	}
	return f.logits, nil
}

func (f *forward) matvec(id quant.TensorID, x, out []float32) error {
	return f.model.Store.MatVec(id, x, out)
}

// attention computes causal attention for the current token against
// the visible cache, fanning heads out across workers. Query heads
// share KV heads in groups of Heads/KVHeads.
func (f *forward) attention(layer int) {
	cfg := f.model.Config
	n := f.cache.Len()
	group := cfg.Heads / cfg.KVHeads
	scale := float32(1.0 / math.Sqrt(float64(cfg.HeadDim)))
	scoreStride := len(f.scores) / cfg.Heads

	workers := f.workers
	if workers > cfg.Heads {
		workers = cfg.Heads
	}
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for h := w; h < cfg.Heads; h += workers {
				q := f.q[h*cfg.HeadDim : (h+1)*cfg.HeadDim]
				kvOff := (h / group) * cfg.HeadDim
				scores := f.scores[h*scoreStride : h*scoreStride+n]

				for t := 0; t < n; t++ {
					key := f.cache.Key(layer, t)
					scores[t] = simd.Dot(q, key[kvOff:kvOff+cfg.HeadDim]) * scale
				}
				simd.Softmax(scores)

				out := f.attn[h*cfg.HeadDim : (h+1)*cfg.HeadDim]
				for i := range out {
					out[i] = 0
				}
				for t := 0; t < n; t++ {
					val := f.cache.Value(layer, t)
					s := scores[t]
					for i := 0; i < cfg.HeadDim; i++ {
						out[i] += s * val[kvOff+i]
					}
				}
			}
		}(w)
	}
	wg.Wait()
}

// rmsnorm writes weight*x/rms(x) into dst.
func rmsnorm(dst, x, weight []float32, eps float64) {
	var ss float64
	for _, v := range x {
		ss += float64(v) * float64(v)
	}
	inv := float32(1.0 / math.Sqrt(ss/float64(len(x))+eps))
	for i := range dst {
		dst[i] = weight[i] * x[i] * inv
	}
}

// rope rotates consecutive pairs within each head by the position
// dependent angle.
func rope(v []float32, pos, headDim int, theta float64) {
	for off := 0; off < len(v); off += headDim {
		for i := 0; i < headDim; i += 2 {
			freq := 1.0 / math.Pow(theta, float64(i)/float64(headDim))
			angle := float64(pos) * freq
			sin, cos := math.Sincos(angle)
			a, b := float64(v[off+i]), float64(v[off+i+1])
			v[off+i] = float32(a*cos - b*sin)
			v[off+i+1] = float32(a*sin + b*cos)
		}
	}
}

// swiglu computes gate = silu(gate) * up element-wise.
func swiglu(gate, up []float32) {
	for i := range gate {
		g := float64(gate[i])
		gate[i] = float32(g/(1.0+math.Exp(-g))) * up[i]
	}
}

func accumulate(dst, src []float32) {
	for i := range dst {
		dst[i] += src[i]
	}
}
