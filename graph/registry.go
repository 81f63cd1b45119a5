package graph

import (
	"fmt"
	"sync"

	"github.com/Brymir7/FlameR/backend"
)

// TensorRecord is the canonical per-tensor state the registry keeps:
// which lazy buffer currently holds the tensor's value, which lazy buffer
// (if any) accumulates its gradient, and whether it participates in
// backward at all. The tensor package is a thin wrapper over this table so
// that autograd never needs to import tensor.
type TensorRecord struct {
	Value        Handle
	Grad         Handle
	RequiresGrad bool
}

// opKey is the per-tensor-lineage memoization key for I6: two operations
// against the same operand pair, constructed by the same tensor's Add
// method, reuse the earlier lazy buffer instead of appending a new one.
type opKey struct {
	kind OpKind
	a, b Handle
}

// validHandle reports whether h addresses one of the first n nodes. It
// rejects the NoHandle sentinel explicitly: NoHandle is ^Handle(0), which
// on a 64-bit int is -1 and so slips past a plain "h >= n" bounds check
// before indexing, panicking instead of the "not found" every caller of
// Node/MarkCreated/MarkDevice/MarkRealized expects for an unset handle.
func validHandle(h Handle, n int) bool {
	return h != NoHandle && uint64(h) < uint64(n)
}

// Registry is the process-wide, append-only store of lazy buffers. One
// RWMutex guards every field; Go has no native thread-local storage, so a
// single mutex-guarded registry (the tensor package keeps one process-wide
// instance) is what the data model's I5/I6 (deduplication) require.
type Registry struct {
	mu sync.RWMutex

	nodes []LazyBuffer

	tensors      map[TensorID]*TensorRecord
	nextTensorID TensorID

	// scratchData deduplicates Scratch nodes by the hash of their raw
	// payload (I5). Each bucket holds the small number of handles that
	// hash-collided, checked by value equality.
	scratchData map[uint64][]Handle
	// scratchOp deduplicates ScratchOp nodes by operator + operand hash,
	// commutative-normalized for Add/Mul (I5).
	scratchOp map[uint64][]Handle
	// tensorOp deduplicates FromTensorOp nodes within one tensor's own
	// lineage only (I6) — a narrower cache than scratchOp, keyed by the
	// constructing tensor's identity.
	tensorOp map[TensorID]map[opKey]Handle

	// tensorResults is BinaryOp's structural-sharing cache (P3/S6): keyed
	// by the *constructing* (lhs) tensor's identity, it maps an operator
	// and operand-handle pair to the result tensor id built for it, so a
	// second identical construction from the same operand handles — the
	// common case of a training loop rebuilding the same expression every
	// step — returns the earlier tensor's identity instead of minting a
	// new one and growing the registry.
	tensorResults map[TensorID]map[opKey]TensorID
}

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		tensors:       make(map[TensorID]*TensorRecord),
		scratchData:   make(map[uint64][]Handle),
		scratchOp:     make(map[uint64][]Handle),
		tensorOp:      make(map[TensorID]map[opKey]Handle),
		tensorResults: make(map[TensorID]map[opKey]TensorID),
	}
}

// NewTensorID allocates a fresh tensor identity with no backing lazy
// buffer yet; the caller populates Value via FromTensorData immediately
// after.
func (r *Registry) NewTensorID() TensorID {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextTensorID++
	id := r.nextTensorID
	r.tensors[id] = &TensorRecord{Value: NoHandle, Grad: NoHandle}
	return id
}

// Tensor returns a copy of the tensor record for id.
func (r *Registry) Tensor(id TensorID) (TensorRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.tensors[id]
	if !ok {
		return TensorRecord{}, false
	}
	return *rec, true
}

// SetTensor overwrites the tensor record for id.
func (r *Registry) SetTensor(id TensorID, rec TensorRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tensors[id] = &rec
}

// SetTensorValue updates only the Value handle of id's record.
func (r *Registry) SetTensorValue(id TensorID, h Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tensors[id].Value = h
}

// SetTensorGrad updates only the Grad handle of id's record.
func (r *Registry) SetTensorGrad(id TensorID, h Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tensors[id].Grad = h
}

// Node returns a copy of the lazy buffer at h.
func (r *Registry) Node(h Handle) (LazyBuffer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if !validHandle(h, len(r.nodes)) {
		return LazyBuffer{}, false
	}
	return r.nodes[h], true
}

// Len reports how many lazy buffers exist, for scheduler preallocation.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.nodes)
}

// append adds buf to the node table and returns its freshly assigned handle.
func (r *Registry) append(buf LazyBuffer) Handle {
	h := Handle(len(r.nodes))
	buf.ID = h
	r.nodes = append(r.nodes, buf)
	return h
}

// FromTensorData registers a new tensor-owned lazy buffer holding raw host
// data. It always appends: tensor-data nodes are never deduplicated
// against each other, since each represents a distinct, mutable tensor
// slot.
func (r *Registry) FromTensorData(owner TensorID, data []float32) Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.append(LazyBuffer{
		Size:  len(data),
		Op:    Op{Kind: OpCreationRawData, Data: append([]float32(nil), data...)},
		Kind:  KindTensorData,
		Owner: owner,
	})
}

// Scratch registers (or reuses, per I5) an unowned lazy buffer holding raw
// host data.
func (r *Registry) Scratch(data []float32) Handle {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := hashFloats(data)
	for _, h := range r.scratchData[key] {
		if floatsEqual(r.nodes[h].Op.Data, data) {
			return h
		}
	}
	h := r.append(LazyBuffer{
		Size: len(data),
		Op:   Op{Kind: OpCreationRawData, Data: append([]float32(nil), data...)},
		Kind: KindScratch,
	})
	r.scratchData[key] = append(r.scratchData[key], h)
	return h
}

// isIdentityRewrite reports whether kind rewrites its destination node in
// place (keeping the destination's handle) rather than appending a new
// node: Memset (used to re-zero a reused gradient accumulator) and
// Accumulate (the backward pass's add-into-accumulator step) both work
// this way.
func isIdentityRewrite(kind OpKind) bool {
	return kind == OpMemset || kind == OpAccumulate
}

// FromTensorOp registers (or reuses, per I6) a tensor-owned lazy buffer
// computed from a binary op over two operand handles. Deduplication is
// scoped to owner's own lineage: two different tensors building the same
// Add(a, b) still get two distinct nodes, since each must be independently
// realizable and independently differentiable.
func (r *Registry) FromTensorOp(owner TensorID, kind OpKind, a, b Handle) (Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fromTensorOpLocked(owner, kind, a, b)
}

// fromTensorOpLocked is FromTensorOp's body, callable by other locked
// registry methods (notably BinaryOp) that must not re-enter r.mu.
func (r *Registry) fromTensorOpLocked(owner TensorID, kind OpKind, a, b Handle) (Handle, error) {
	if isIdentityRewrite(kind) {
		// Identity-preserving special case: neither Memset nor Accumulate
		// allocates a new node, each overwrites the destination (a) in
		// place and keeps a's handle. This is what the accumulate-fix
		// backward pass relies on to give a tensor's gradient buffer a
		// stable handle across an entire backward pass.
		if !validHandle(a, len(r.nodes)) {
			return NoHandle, fmt.Errorf("graph: %s dst handle %d out of range", kind, a)
		}
		dst := r.nodes[a]
		dst.Op = Op{Kind: kind, A: a, B: b}
		dst.Realized = false
		r.nodes[a] = dst
		return a, nil
	}

	size, err := r.binarySize(kind, a, b)
	if err != nil {
		return NoHandle, err
	}

	na, nb := a, b
	if kind == OpAdd || kind == OpMul {
		if nb < na {
			na, nb = nb, na
		}
	}
	k := opKey{kind: kind, a: na, b: nb}
	if bucket, ok := r.tensorOp[owner]; ok {
		if h, ok := bucket[k]; ok {
			return h, nil
		}
	}

	h := r.append(LazyBuffer{
		Size:  size,
		Op:    Op{Kind: kind, A: a, B: b},
		Kind:  KindTensorData,
		Owner: owner,
	})
	if r.tensorOp[owner] == nil {
		r.tensorOp[owner] = make(map[opKey]Handle)
	}
	r.tensorOp[owner][k] = h
	return h, nil
}

// BinaryOp is the tensor layer's entry point for arithmetic operators
// (§4.6). It memoizes by the *constructing* (lhs) tensor's own identity
// rather than minting a fresh result id up front (P3/S6): a second call
// with the same lhsOwner, kind, and operand handles — the common case of
// a training loop rebuilding the same expression from the same operand
// handles every step — returns the first call's result tensor unchanged,
// with zero additional registry growth, instead of a new tensor and node
// every time. Only a cache miss allocates a new result tensor id.
func (r *Registry) BinaryOp(lhsOwner TensorID, kind OpKind, a, b Handle, requiresGrad bool) (TensorID, Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	na, nb := a, b
	if kind == OpAdd || kind == OpMul {
		if nb < na {
			na, nb = nb, na
		}
	}
	key := opKey{kind: kind, a: na, b: nb}
	if bucket, ok := r.tensorResults[lhsOwner]; ok {
		if resultID, ok := bucket[key]; ok {
			return resultID, r.tensors[resultID].Value, nil
		}
	}

	r.nextTensorID++
	resultID := r.nextTensorID
	h, err := r.fromTensorOpLocked(resultID, kind, a, b)
	if err != nil {
		return NoTensor, NoHandle, err
	}
	r.tensors[resultID] = &TensorRecord{Value: h, Grad: NoHandle, RequiresGrad: requiresGrad}

	if r.tensorResults[lhsOwner] == nil {
		r.tensorResults[lhsOwner] = make(map[opKey]TensorID)
	}
	r.tensorResults[lhsOwner][key] = resultID

	return resultID, h, nil
}

// ScratchOp registers (or reuses, per I5) an unowned lazy buffer computed
// from a binary op, with commutative normalization for Add/Mul.
func (r *Registry) ScratchOp(kind OpKind, a, b Handle) (Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if isIdentityRewrite(kind) {
		if !validHandle(a, len(r.nodes)) {
			return NoHandle, fmt.Errorf("graph: %s dst handle %d out of range", kind, a)
		}
		dst := r.nodes[a]
		dst.Op = Op{Kind: kind, A: a, B: b}
		dst.Realized = false
		r.nodes[a] = dst
		return a, nil
	}

	size, err := r.binarySize(kind, a, b)
	if err != nil {
		return NoHandle, err
	}

	na, nb := a, b
	if kind.commutative() && nb < na {
		na, nb = nb, na
	}
	key := hashOp(kind, na, nb)
	for _, h := range r.scratchOp[key] {
		n := r.nodes[h]
		if n.Op.Kind == kind && n.Op.A == na && n.Op.B == nb {
			return h, nil
		}
	}

	h := r.append(LazyBuffer{
		Size: size,
		Op:   Op{Kind: kind, A: a, B: b},
		Kind: KindScratch,
	})
	r.scratchOp[key] = append(r.scratchOp[key], h)
	return h, nil
}

// FreshScratch registers an always-distinct unowned lazy buffer holding
// raw host data. Unlike Scratch, it never deduplicates by value: it is
// for slots whose identity must stay independent of their current
// contents, such as a per-tensor gradient accumulator, which always
// starts at all-zeros and would otherwise collide with every other
// same-size tensor's accumulator under Scratch's value-hash cache (the
// same "distinct, mutable slot" rule applies here as to FromTensorData).
func (r *Registry) FreshScratch(data []float32) Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.append(LazyBuffer{
		Size: len(data),
		Op:   Op{Kind: OpCreationRawData, Data: append([]float32(nil), data...)},
		Kind: KindScratch,
	})
}

// binarySize validates that a and b already exist and share a size (I1),
// and returns that size. It must be called with r.mu held.
func (r *Registry) binarySize(kind OpKind, a, b Handle) (int, error) {
	if !validHandle(a, len(r.nodes)) {
		return 0, fmt.Errorf("graph: operand handle %d out of range", a)
	}
	if !validHandle(b, len(r.nodes)) {
		return 0, fmt.Errorf("graph: operand handle %d out of range", b)
	}
	sa, sb := r.nodes[a].Size, r.nodes[b].Size
	if sa != sb {
		return 0, fmt.Errorf("graph: %s size mismatch: %d vs %d", kind, sa, sb)
	}
	return sa, nil
}

// MarkCreated rewrites h's op to the post-realization marker and drops its
// inline payload (I4): once a Creation node has been uploaded to a
// backend, the registry no longer needs to retain a second host-side copy
// of its data.
func (r *Registry) MarkCreated(h Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !validHandle(h, len(r.nodes)) {
		return
	}
	n := r.nodes[h]
	n.Op = Op{Kind: OpCreationMarker}
	r.nodes[h] = n
}

// MarkDevice records that h now has a committed device buffer d. Called by
// the scheduler after allocation; d is whatever handle the allocation
// returned, so its ID need not equal h.
func (r *Registry) MarkDevice(h Handle, d backend.BufferHandle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !validHandle(h, len(r.nodes)) {
		return
	}
	n := r.nodes[h]
	n.HasDevice = true
	n.Device = d
	r.nodes[h] = n
}

// MarkRealized records that h's current Op has been executed into its
// device buffer. It does not imply MarkCreated: creation nodes need both.
func (r *Registry) MarkRealized(h Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !validHandle(h, len(r.nodes)) {
		return
	}
	n := r.nodes[h]
	n.Realized = true
	r.nodes[h] = n
}

// Unrealize clears h's Realized flag without touching its Op, forcing the
// scheduler to recompute h the next time a Realize call visits it. The
// registry has no reverse-dependency index, so it cannot tell on its own
// when a node's operands have changed underneath it; callers that mutate
// a tensor's device buffer outside the normal construct-then-realize flow
// (the SGD step's in-place value update) must call this for every node
// whose cached output that mutation invalidates.
func (r *Registry) Unrealize(h Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !validHandle(h, len(r.nodes)) {
		return
	}
	n := r.nodes[h]
	n.Realized = false
	r.nodes[h] = n
}
