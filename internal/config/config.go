package config

import "fmt"

// Model describes the architecture of a loaded model. Immutable after
// load.
type Model struct {
	Architecture string
	Dim          int
	HiddenDim    int
	Layers       int
	Heads        int
	KVHeads      int
	HeadDim      int
	VocabSize    int
	SeqLen       int
	Eps          float32
	RopeTheta    float32

	// WindowSize > 0 switches the KV cache to a sliding-window ring of
	// that many positions; 0 means full attention with a hard context
	// bound.
	WindowSize int

	EOSToken int
	BOSToken int
}

func (c *Model) Validate() error {
	if c.Dim <= 0 {
		return fmt.Errorf("invalid dim: %d (must be positive)", c.Dim)
	}
	if c.Layers <= 0 {
		return fmt.Errorf("invalid layers: %d (must be positive)", c.Layers)
	}
	if c.Heads <= 0 {
		return fmt.Errorf("invalid heads: %d (must be positive)", c.Heads)
	}
	if c.KVHeads <= 0 {
		return fmt.Errorf("invalid kv_heads: %d (must be positive)", c.KVHeads)
	}
	if c.KVHeads > c.Heads {
		return fmt.Errorf("invalid kv_heads: %d (must be <= heads: %d)", c.KVHeads, c.Heads)
	}
	if c.Heads%c.KVHeads != 0 {
		return fmt.Errorf("heads (%d) must be a multiple of kv_heads (%d)", c.Heads, c.KVHeads)
	}
	if c.HeadDim <= 0 {
		return fmt.Errorf("invalid head_dim: %d (must be positive)", c.HeadDim)
	}
	if c.Dim != c.Heads*c.HeadDim {
		return fmt.Errorf("dim mismatch: %d != heads(%d) * head_dim(%d)", c.Dim, c.Heads, c.HeadDim)
	}
	if c.VocabSize <= 0 {
		return fmt.Errorf("invalid vocab_size: %d (must be positive)", c.VocabSize)
	}
	if c.SeqLen <= 0 {
		return fmt.Errorf("invalid seq_len: %d (must be positive)", c.SeqLen)
	}
	if c.Eps <= 0 {
		return fmt.Errorf("invalid eps: %f (must be positive)", c.Eps)
	}
	if c.RopeTheta <= 0 {
		return fmt.Errorf("invalid rope_theta: %f (must be positive)", c.RopeTheta)
	}
	if c.WindowSize < 0 {
		return fmt.Errorf("invalid window_size: %d (must be non-negative)", c.WindowSize)
	}
	if c.HiddenDim <= 0 {
		return fmt.Errorf("invalid hidden_dim: %d (must be positive)", c.HiddenDim)
	}
	return nil
}

// KVDim is the per-position width of one layer's key or value row.
func (c *Model) KVDim() int {
	return c.KVHeads * c.HeadDim
}

func DefaultModel() Model {
	return Model{
		SeqLen:    2048,
		Eps:       1e-5,
		RopeTheta: 10000.0,
		EOSToken:  2,
		BOSToken:  1,
	}
}

// Runtime holds the process-level knobs the core consumes but does not
// own: pool sizing, worker parallelism, admission queue depth, and the
// loader's cache directory.
type Runtime struct {
	PoolBytes  int64
	Workers    int
	QueueDepth int
	CacheDir   string
}

func (c *Runtime) Validate() error {
	if c.PoolBytes <= 0 {
		return fmt.Errorf("invalid pool_bytes: %d (must be positive)", c.PoolBytes)
	}
	if c.Workers < 1 {
		return fmt.Errorf("invalid workers: %d (must be >= 1)", c.Workers)
	}
	if c.QueueDepth < 0 {
		return fmt.Errorf("invalid queue_depth: %d (must be non-negative)", c.QueueDepth)
	}
	return nil
}

func DefaultRuntime() Runtime {
	return Runtime{
		PoolBytes:  256 * 1024 * 1024,
		Workers:    4,
		QueueDepth: 16,
	}
}

// Generation is the per-session sampling and stopping policy. Immutable
// once a session starts; Validate rejects out-of-range values at
// construction time rather than at use time.
type Generation struct {
	MaxTokens   int
	Temperature float64
	TopK        int
	TopP        float64
	RepPenalty  float64 // 1.0 disables
	Seed        int64

	// StopSequences are token-id sequences matched by suffix against
	// the generated tokens. StopTexts are matched by suffix against the
	// decoded text; a matched stop text is excluded from the returned
	// text.
	StopSequences [][]int
	StopTexts     []string
}

func (c *Generation) Validate() error {
	if c.MaxTokens <= 0 {
		return fmt.Errorf("invalid max_tokens: %d (must be positive)", c.MaxTokens)
	}
	if c.Temperature < 0 {
		return fmt.Errorf("invalid temperature: %f (must be non-negative)", c.Temperature)
	}
	if c.TopK < 0 {
		return fmt.Errorf("invalid top_k: %d (must be non-negative)", c.TopK)
	}
	if c.TopP <= 0 || c.TopP > 1.0 {
		return fmt.Errorf("invalid top_p: %f (must be in (0, 1])", c.TopP)
	}
	if c.RepPenalty < 1.0 {
		return fmt.Errorf("invalid rep_penalty: %f (must be >= 1.0)", c.RepPenalty)
	}
	for i, seq := range c.StopSequences {
		if len(seq) == 0 {
			return fmt.Errorf("invalid stop_sequence %d: empty", i)
		}
	}
	return nil
}

func DefaultGeneration() Generation {
	return Generation{
		MaxTokens:   128,
		Temperature: 0.7,
		TopK:        40,
		TopP:        0.95,
		RepPenalty:  1.1,
	}
}
