// Package host implements backend.Backend entirely in host memory: every
// buffer is a Go []float32 slice behind one mutex, and every arithmetic op
// is a plain range loop. It is the reference backend the GPU backend's
// numerics are checked against.
package host

import (
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/Brymir7/FlameR/align"
	"github.com/Brymir7/FlameR/backend"
)

// alignedFloat32 allocates a zeroed float32 slice whose backing array
// starts on a cache line boundary, using the align package's helpers.
func alignedFloat32(size int) []float32 {
	if size == 0 {
		return nil
	}
	raw := align.Bytes(align.ByteSize(size))
	return unsafe.Slice((*float32)(unsafe.Pointer(&raw[0])), size)
}

// Backend is an in-process implementation of backend.Backend. The zero
// value is not usable; construct with New.
type Backend struct {
	mu      sync.Mutex
	buffers map[uint64][]float32
	nextTmp uint64
}

// New returns a ready-to-use host backend.
func New() *Backend {
	return &Backend{buffers: make(map[uint64][]float32)}
}

func (b *Backend) Name() string { return "host" }

func (b *Backend) Allocate(id uint64, size int) (backend.BufferHandle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if existing, ok := b.buffers[id]; ok {
		if len(existing) != size {
			return backend.BufferHandle{}, &backend.SizeMismatchError{ID: id, Existing: len(existing), Requested: size}
		}
		return backend.BufferHandle{ID: id, Count: size}, nil
	}
	b.buffers[id] = alignedFloat32(size)
	return backend.BufferHandle{ID: id, Count: size}, nil
}

// tmpBase is an offset applied to temporary-buffer ids so they never
// collide with a tracked tensor/scratch handle, which by construction
// starts at 0 and grows from the graph registry's own counter.
const tmpBase = uint64(1) << 63

func (b *Backend) AllocateTemporary(data []float32) (backend.BufferHandle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := tmpBase | atomic.AddUint64(&b.nextTmp, 1)
	buf := make([]float32, len(data))
	copy(buf, data)
	b.buffers[id] = buf
	return backend.BufferHandle{ID: id, Count: len(data)}, nil
}

func (b *Backend) Free(h backend.BufferHandle) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.buffers, h.ID)
}

func (b *Backend) Upload(data []float32, h backend.BufferHandle) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	buf, ok := b.buffers[h.ID]
	if !ok {
		return fmt.Errorf("host: upload to unknown buffer %d", h.ID)
	}
	if len(data) != len(buf) {
		return fmt.Errorf("host: upload size mismatch: buffer has %d, data has %d", len(buf), len(data))
	}
	copy(buf, data)
	return nil
}

func (b *Backend) Download(h backend.BufferHandle, size int) ([]float32, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	buf, ok := b.buffers[h.ID]
	if !ok {
		return nil, fmt.Errorf("host: download from unknown buffer %d", h.ID)
	}
	if size > len(buf) {
		return nil, fmt.Errorf("host: download size %d exceeds buffer size %d", size, len(buf))
	}
	out := make([]float32, size)
	copy(out, buf[:size])
	return out, nil
}

func (b *Backend) Read(h backend.BufferHandle) ([]float32, error) {
	return b.Download(h, h.Count)
}

func (b *Backend) Add(a, c, result backend.BufferHandle, size int) error {
	return b.binary(a, c, result, size, func(x, y float32) float32 { return x + y })
}

func (b *Backend) Sub(a, c, result backend.BufferHandle, size int) error {
	return b.binary(a, c, result, size, func(x, y float32) float32 { return x - y })
}

func (b *Backend) Mul(a, c, result backend.BufferHandle, size int) error {
	return b.binary(a, c, result, size, func(x, y float32) float32 { return x * y })
}

func (b *Backend) Div(a, c, result backend.BufferHandle, size int) error {
	return b.binary(a, c, result, size, func(x, y float32) float32 {
		if y == 0 {
			return float32(math.NaN())
		}
		return x / y
	})
}

// binary applies fn element-wise. Operands and result may alias; it reads
// both full operand slices before writing any output element, so an
// in-place update (result == a or result == b) is always safe.
func (b *Backend) binary(a, c, result backend.BufferHandle, size int, fn func(x, y float32) float32) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	av, ok := b.buffers[a.ID]
	if !ok {
		return fmt.Errorf("host: unknown operand buffer %d", a.ID)
	}
	cv, ok := b.buffers[c.ID]
	if !ok {
		return fmt.Errorf("host: unknown operand buffer %d", c.ID)
	}
	rv, ok := b.buffers[result.ID]
	if !ok {
		return fmt.Errorf("host: unknown result buffer %d", result.ID)
	}
	if size > len(av) || size > len(cv) || size > len(rv) {
		return fmt.Errorf("host: size %d exceeds an operand or result buffer", size)
	}
	out := make([]float32, size)
	for i := 0; i < size; i++ {
		out[i] = fn(av[i], cv[i])
	}
	copy(rv, out)
	return nil
}

func (b *Backend) Memset(dst, src backend.BufferHandle, size int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	sv, ok := b.buffers[src.ID]
	if !ok {
		return fmt.Errorf("host: unknown source buffer %d", src.ID)
	}
	dv, ok := b.buffers[dst.ID]
	if !ok {
		return fmt.Errorf("host: unknown destination buffer %d", dst.ID)
	}
	if size > len(sv) || size > len(dv) {
		return fmt.Errorf("host: memset size %d exceeds an operand buffer", size)
	}
	if dst.ID == src.ID {
		return nil
	}
	copy(dv[:size], sv[:size])
	return nil
}
