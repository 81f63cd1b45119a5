package graph

import "github.com/Brymir7/FlameR/backend"

// OpKind tags the operation a lazy buffer was constructed from.
type OpKind uint8

const (
	OpCreationRawData OpKind = iota
	OpCreationRandom
	OpCreationMarker // rewritten in place once a node has been realized (I4)
	OpClear
	OpAdd
	OpSub
	OpMul
	OpDiv
	OpMemset     // overwrite dst's contents with src's values, identity preserved
	OpAccumulate // add src's values into dst in place, identity preserved
)

func (k OpKind) String() string {
	switch k {
	case OpCreationRawData:
		return "creation.raw"
	case OpCreationRandom:
		return "creation.random"
	case OpCreationMarker:
		return "creation.marker"
	case OpClear:
		return "clear"
	case OpAdd:
		return "add"
	case OpSub:
		return "sub"
	case OpMul:
		return "mul"
	case OpDiv:
		return "div"
	case OpMemset:
		return "memset"
	case OpAccumulate:
		return "accumulate"
	default:
		return "unknown"
	}
}

// commutative reports whether operand order does not affect the result, for
// scratch-op hash normalization (§9's open question: Add/Mul normalize,
// Sub/Div/Memset do not).
func (k OpKind) commutative() bool {
	return k == OpAdd || k == OpMul
}

// Op is the tagged operation variant a lazy buffer records. It is a flat,
// comparable-by-construction struct rather than an interface hierarchy so
// that the registry's scratch/op caches can hash and compare it directly.
type Op struct {
	Kind OpKind
	A, B Handle    // operand handles for binary ops and Clear/Memset
	Data []float32 // inline payload for Creation; dropped after realization (I4)
}

// LazyBuffer is the immutable record the registry stores for one node in
// the computation DAG. "Immutable" means callers never mutate a returned
// copy in place; the registry itself is the only writer, and only for the
// identity-preserving rewrites I4 and the Memset special case describe.
type LazyBuffer struct {
	ID    Handle
	Size  int
	Op    Op
	Kind  Kind
	Owner TensorID // valid only when Kind == KindTensorData

	Device    backend.BufferHandle
	HasDevice bool // set once realize has committed a device buffer (I7)

	// Realized tracks whether Op, as it currently stands, has already been
	// executed into Device. It is distinct from HasDevice: a Memset or
	// Accumulate rewrite (the latter is the backward pass's accumulate
	// step) changes Op without reallocating, so it clears Realized without
	// touching HasDevice.
	Realized bool
}
