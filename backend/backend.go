// Package backend defines the capability contract a compute backend
// implements: buffer allocation, host↔device transfer, and the four
// element-wise binary ops over opaque buffer handles.
package backend

import "fmt"

// BufferHandle is the device-side pair {identity, element-count}. Identity
// equals the owning lazy buffer's graph.Handle value for tracked
// allocations (I7); temporary allocations carry an identity private to the
// backend and are never looked up by it.
type BufferHandle struct {
	ID    uint64
	Count int
}

// Backend is the capability set every concrete compute backend (host, GPU)
// implements. All four arithmetic ops and Memset must be alias-safe: the
// result handle may equal an operand handle, which is exactly what the SGD
// step (value ← value − scaled-gradient) exercises.
type Backend interface {
	// Allocate is idempotent on id: the first call determines size and
	// every later call with the same id must request the same size.
	Allocate(id uint64, size int) (BufferHandle, error)
	// AllocateTemporary allocates an untracked, caller-owned buffer not
	// keyed by any lazy-buffer identity.
	AllocateTemporary(data []float32) (BufferHandle, error)
	// Free releases the device resources behind h. Using h afterward is
	// undefined.
	Free(h BufferHandle)
	// Upload copies data to h starting at device offset 0.
	Upload(data []float32, h BufferHandle) error
	// Download copies size elements from h back to the host.
	Download(h BufferHandle, size int) ([]float32, error)
	// Read is a convenience Download using h's own recorded element count.
	Read(h BufferHandle) ([]float32, error)

	Add(a, b, result BufferHandle, size int) error
	Sub(a, b, result BufferHandle, size int) error
	Mul(a, b, result BufferHandle, size int) error
	Div(a, b, result BufferHandle, size int) error
	// Memset overwrites dst's contents with src's values; dst == src is a
	// permitted no-op aliasing case.
	Memset(dst, src BufferHandle, size int) error

	// Name is the short identifier used as a cache key by the training
	// buffer pool and the GPU backend's pipeline cache.
	Name() string
}

// SizeMismatchError reports that Allocate was called twice for the same id
// with two different sizes, which I7 forbids.
type SizeMismatchError struct {
	ID        uint64
	Existing  int
	Requested int
}

func (e *SizeMismatchError) Error() string {
	return fmt.Sprintf("backend: id %d already allocated at size %d, got %d", e.ID, e.Existing, e.Requested)
}
