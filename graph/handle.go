package graph

// Handle is the opaque identity of a lazy buffer: a small unsigned index
// into the process-wide registry. Equality and hashing are by identity.
type Handle uint64

// NoHandle is the sentinel meaning "no buffer".
const NoHandle Handle = ^Handle(0)

// TensorID is the stable identity of a tensor, distinct from the handle of
// whichever lazy buffer currently holds its value. NoTensor marks a lazy
// buffer that is not owned by any tensor (a Scratch node).
type TensorID uint64

// NoTensor is the sentinel tensor identity for Scratch-kind lazy buffers.
const NoTensor TensorID = 0

// Kind distinguishes the two buffer ownership modes from the data model.
type Kind uint8

const (
	// KindTensorData marks a lazy buffer owned by a tensor and addressable
	// by tensor identity.
	KindTensorData Kind = iota
	// KindScratch marks an unowned, value/op-deduplicated buffer.
	KindScratch
)
