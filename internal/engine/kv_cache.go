package engine

import (
	"fmt"

	"github.com/windlass-ml/windlass/internal/config"
	"github.com/windlass-ml/windlass/internal/metrics"
	"github.com/windlass-ml/windlass/internal/pool"
)

// KVCache holds the per-session attention key/value history. Each
// layer owns two pool-backed slabs of capTokens*kvDim floats. Appends
// are strictly monotonic: slot i is written once and never mutated
// until Truncate discards it.
//
// With a window the cache becomes a ring over window slots: logical
// positions keep growing while the oldest entries are evicted, so
// attention sees at most window tokens.
type KVCache struct {
	layers    int
	kvDim     int
	capTokens int
	window    int // 0 = disabled

	length  int // tokens visible to attention
	evicted int // tokens dropped by the sliding window

	keys []*pool.Buffer
	vals []*pool.Buffer

	closed    bool
	accounted bool
	col       *metrics.Collector
}

// NewKVCache reserves cache slabs for up to capTokens tokens. The
// whole reservation is acquired up front so a session either has its
// context or fails with pool.ErrOutOfMemory before decoding starts.
func NewKVCache(p *pool.Pool, cfg config.Model, capTokens int, col *metrics.Collector) (*KVCache, error) {
	if capTokens <= 0 {
		return nil, fmt.Errorf("invalid cache capacity: %d tokens", capTokens)
	}
	slots := capTokens
	if cfg.WindowSize > 0 && cfg.WindowSize < slots {
		slots = cfg.WindowSize
	}
	c := &KVCache{
		layers:    cfg.Layers,
		kvDim:     cfg.KVDim(),
		capTokens: capTokens,
		window:    cfg.WindowSize,
		keys:      make([]*pool.Buffer, cfg.Layers),
		vals:      make([]*pool.Buffer, cfg.Layers),
		col:       col,
	}
	for l := 0; l < cfg.Layers; l++ {
		k, err := p.Acquire(slots * c.kvDim)
		if err != nil {
			c.Close()
			return nil, fmt.Errorf("kv cache layer %d keys: %w", l, err)
		}
		c.keys[l] = k
		v, err := p.Acquire(slots * c.kvDim)
		if err != nil {
			c.Close()
			return nil, fmt.Errorf("kv cache layer %d values: %w", l, err)
		}
		c.vals[l] = v
	}
	metrics.KVCacheUsedBytes.Add(float64(c.SizeBytes()))
	c.accounted = true
	return c, nil
}

// SizeBytes is the pool footprint of the cache.
func (c *KVCache) SizeBytes() int64 {
	slots := c.slots()
	return int64(c.layers) * 2 * int64(slots) * int64(c.kvDim) * 4
}

// Footprint predicts the pool bytes NewKVCache would acquire, used by
// the scheduler for admission before anything is allocated.
func Footprint(cfg config.Model, capTokens int) int64 {
	slots := capTokens
	if cfg.WindowSize > 0 && cfg.WindowSize < slots {
		slots = cfg.WindowSize
	}
	return int64(cfg.Layers) * 2 * int64(slots) * int64(cfg.KVDim()) * 4
}

func (c *KVCache) slots() int {
	if c.window > 0 && c.window < c.capTokens {
		return c.window
	}
	return c.capTokens
}

// Extend reserves the slot for the next token and returns its logical
// position. In windowed mode a full ring evicts its oldest entry; in
// linear mode a full cache returns ErrContextOverflow.
func (c *KVCache) Extend() (int, error) {
	pos := c.evicted + c.length
	if pos >= c.capTokens {
		return 0, fmt.Errorf("%w: position %d, capacity %d tokens", ErrContextOverflow, pos, c.capTokens)
	}
	if c.window > 0 && c.length == c.slots() {
		c.evicted++
		c.length--
		if c.col != nil {
			c.col.RecordKVEviction(1)
		}
	}
	c.length++
	return pos, nil
}

// Put writes the current token's key and value vectors into layer's
// slab. Call after Extend and before the next Extend.
func (c *KVCache) Put(layer int, k, v []float32) error {
	if layer < 0 || layer >= c.layers {
		return fmt.Errorf("layer %d out of range [0,%d)", layer, c.layers)
	}
	if len(k) != c.kvDim || len(v) != c.kvDim {
		return fmt.Errorf("kv vector length %d/%d, want %d", len(k), len(v), c.kvDim)
	}
	slot := c.slot(c.length - 1)
	copy(c.keys[layer].Data[slot*c.kvDim:], k)
	copy(c.vals[layer].Data[slot*c.kvDim:], v)
	if layer == 0 && c.col != nil {
		c.col.RecordKVAppend(1)
	}
	return nil
}

// slot maps visible index i (0 = oldest visible token) to a physical
// ring slot.
func (c *KVCache) slot(i int) int {
	if c.window == 0 {
		return i
	}
	return (c.evicted + i) % c.slots()
}

// Len is the number of tokens attention can see.
func (c *KVCache) Len() int {
	return c.length
}

// Position is the logical position the next Extend will return.
func (c *KVCache) Position() int {
	return c.evicted + c.length
}

// StartPos is the logical position of the oldest visible token.
func (c *KVCache) StartPos() int {
	return c.evicted
}

// Key returns the key vector for visible index i in the given layer.
// The slice aliases the cache slab and is valid until Truncate.
func (c *KVCache) Key(layer, i int) []float32 {
	s := c.slot(i)
	return c.keys[layer].Data[s*c.kvDim : (s+1)*c.kvDim]
}

// Value returns the value vector for visible index i in the given layer.
func (c *KVCache) Value(layer, i int) []float32 {
	s := c.slot(i)
	return c.vals[layer].Data[s*c.kvDim : (s+1)*c.kvDim]
}

// Truncate discards every token at logical position n and beyond,
// keeping the first n. Evicted positions cannot be restored.
func (c *KVCache) Truncate(n int) error {
	if n < 0 || n > c.Position() {
		return fmt.Errorf("truncate to %d outside [0,%d]", n, c.Position())
	}
	if n < c.evicted {
		return fmt.Errorf("truncate to %d: positions before %d were evicted", n, c.evicted)
	}
	c.length = n - c.evicted
	return nil
}

// Close releases the cache slabs back to the pool. Safe to call more
// than once.
func (c *KVCache) Close() {
	if c.closed {
		return
	}
	c.closed = true
	for l := range c.keys {
		if c.keys[l] != nil {
			c.keys[l].Release()
			c.keys[l] = nil
		}
		if c.vals[l] != nil {
			c.vals[l].Release()
			c.vals[l] = nil
		}
	}
	if c.accounted {
		metrics.KVCacheUsedBytes.Sub(float64(c.SizeBytes()))
	}
}
