// Package trainpool caches device buffers across training-loop iterations
// so that repeated realize calls over the same shapes do not allocate and
// free a new device buffer every step. It mirrors the two lazy_static
// globals the engine this was distilled from keeps for the same purpose:
// one cache of free buffers per backend, and one flag recording whether a
// training loop is currently active for that backend.
package trainpool

import (
	"fmt"
	"sync"

	"github.com/Brymir7/FlameR/backend"
)

// Pool is the cache itself. The zero value is not usable; use New or the
// package-level default instance.
type Pool struct {
	mu     sync.Mutex
	active map[string]bool
	free   map[string][]backend.BufferHandle
}

// New returns an empty pool.
func New() *Pool {
	return &Pool{
		active: make(map[string]bool),
		free:   make(map[string][]backend.BufferHandle),
	}
}

// Begin marks a training loop active for be. While active, GetCached
// prefers reusing a same-size buffer already in the free list over asking
// the backend for a new allocation.
func (p *Pool) Begin(be backend.Backend) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.active[be.Name()] = true
}

// End marks the training loop for be finished and releases every buffer
// currently sitting in its free list back to the backend.
func (p *Pool) End(be backend.Backend) {
	p.mu.Lock()
	name := be.Name()
	bufs := p.free[name]
	delete(p.free, name)
	p.active[name] = false
	p.mu.Unlock()

	for _, h := range bufs {
		be.Free(h)
	}
}

// GetCached returns a buffer of the requested size, reusing a previously
// returned one when a training loop is active for be and one of the right
// size is free; otherwise it asks be for a fresh temporary allocation.
func (p *Pool) GetCached(be backend.Backend, size int) (backend.BufferHandle, error) {
	name := be.Name()

	p.mu.Lock()
	if p.active[name] {
		bucket := p.free[name]
		for i, h := range bucket {
			if h.Count == size {
				p.free[name] = append(bucket[:i], bucket[i+1:]...)
				p.mu.Unlock()
				return h, nil
			}
		}
	}
	p.mu.Unlock()

	h, err := be.AllocateTemporary(make([]float32, size))
	if err != nil {
		return backend.BufferHandle{}, fmt.Errorf("trainpool: allocate %d elements: %w", size, err)
	}
	return h, nil
}

// Return gives a buffer back to the pool. Outside an active training loop
// for be, it is freed immediately instead of being cached.
func (p *Pool) Return(be backend.Backend, h backend.BufferHandle) {
	name := be.Name()

	p.mu.Lock()
	if p.active[name] {
		p.free[name] = append(p.free[name], h)
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()
	be.Free(h)
}

// FreeAll releases every buffer cached for be, regardless of active state.
// Buffers cached for other backends are left in place.
func (p *Pool) FreeAll(be backend.Backend) {
	name := be.Name()
	p.mu.Lock()
	bufs := p.free[name]
	delete(p.free, name)
	p.mu.Unlock()

	for _, h := range bufs {
		be.Free(h)
	}
}

// Default is the package-wide pool the scheduler routes every allocation
// through, mirroring the original engine's process-global buffer cache.
var Default = New()

func Begin(be backend.Backend)   { Default.Begin(be) }
func End(be backend.Backend)     { Default.End(be) }
func FreeAll(be backend.Backend) { Default.FreeAll(be) }

func GetCached(be backend.Backend, size int) (backend.BufferHandle, error) {
	return Default.GetCached(be, size)
}

func Return(be backend.Backend, h backend.BufferHandle) {
	Default.Return(be, h)
}
