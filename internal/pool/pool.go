// Package pool provides a fixed-capacity arena for scratch buffers.
// Repeated same-size requests (per-layer activations, KV cache slabs)
// are served from size-class free lists so thousands of decode steps
// run without per-token heap allocation.
package pool

import (
	"errors"
	"fmt"
	"sync"

	"github.com/windlass-ml/windlass/internal/metrics"
)

// ErrOutOfMemory reports that an acquisition would exceed the pool's
// configured capacity. The pool never grows past it; callers may retry
// after releasing unrelated buffers.
var ErrOutOfMemory = errors.New("memory pool exhausted")

const elemBytes = 4 // float32

// Pool is safe for concurrent use from multiple session goroutines.
type Pool struct {
	mu       sync.Mutex
	capacity int64
	live     int64 // bytes held by outstanding buffers
	cached   int64 // bytes parked on free lists
	peak     int64
	free     map[int][]*Buffer
}

// Buffer is a scratch allocation. Every Acquire must be paired with
// exactly one Release on every exit path of the owning operation.
type Buffer struct {
	Data []float32

	pool     *Pool
	released bool
}

func New(capacityBytes int64) (*Pool, error) {
	if capacityBytes <= 0 {
		return nil, fmt.Errorf("invalid pool capacity: %d", capacityBytes)
	}
	p := &Pool{
		capacity: capacityBytes,
		free:     make(map[int][]*Buffer),
	}
	metrics.PoolCapacityBytes.Set(float64(capacityBytes))
	return p, nil
}

// Acquire hands out a buffer of n float32 elements, reusing a
// same-size free buffer when one exists.
func (p *Pool) Acquire(n int) (*Buffer, error) {
	if n <= 0 {
		return nil, fmt.Errorf("invalid buffer size: %d", n)
	}
	bytes := int64(n) * elemBytes

	p.mu.Lock()
	defer p.mu.Unlock()

	if list := p.free[n]; len(list) > 0 {
		b := list[len(list)-1]
		p.free[n] = list[:len(list)-1]
		p.cached -= bytes
		p.live += bytes
		b.released = false
		p.updateStatsLocked()
		return b, nil
	}

	if p.live+bytes > p.capacity {
		metrics.PoolExhaustions.Inc()
		return nil, fmt.Errorf("%w: need %d bytes, %d of %d in use",
			ErrOutOfMemory, bytes, p.live, p.capacity)
	}
	// Evict cached buffers if live + cached would overshoot.
	if p.live+p.cached+bytes > p.capacity {
		p.trimLocked(p.live + p.cached + bytes - p.capacity)
	}

	b := &Buffer{Data: make([]float32, n), pool: p}
	p.live += bytes
	p.updateStatsLocked()
	return b, nil
}

// Release returns the buffer to its size-class free list. Releasing
// twice is a no-op.
func (b *Buffer) Release() {
	if b == nil || b.pool == nil {
		return
	}
	p := b.pool
	p.mu.Lock()
	defer p.mu.Unlock()
	if b.released {
		return
	}
	b.released = true
	n := len(b.Data)
	bytes := int64(n) * elemBytes
	p.live -= bytes
	p.cached += bytes
	p.free[n] = append(p.free[n], b)
	p.updateStatsLocked()
}

// trimLocked drops cached buffers until at least need bytes have been
// given back to the allocator.
func (p *Pool) trimLocked(need int64) {
	for size, list := range p.free {
		for len(list) > 0 && need > 0 {
			list = list[:len(list)-1]
			bytes := int64(size) * elemBytes
			p.cached -= bytes
			need -= bytes
		}
		p.free[size] = list
		if need <= 0 {
			return
		}
	}
}

func (p *Pool) updateStatsLocked() {
	if p.live > p.peak {
		p.peak = p.live
	}
	metrics.PoolUsedBytes.Set(float64(p.live))
}

// Capacity is the configured byte limit.
func (p *Pool) Capacity() int64 {
	return p.capacity
}

// Used reports bytes currently held by outstanding buffers.
func (p *Pool) Used() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.live
}

// Available reports bytes an Acquire could still obtain.
func (p *Pool) Available() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.capacity - p.live
}

// Peak reports the high-water mark of live bytes.
func (p *Pool) Peak() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.peak
}
