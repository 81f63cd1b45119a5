// Package tensor is the user-facing value type for the engine: an
// immutable handle into the lazy buffer registry, with operator-style
// methods that build new DAG nodes instead of computing anything
// eagerly.
package tensor

import (
	"github.com/Brymir7/FlameR/autograd"
	"github.com/Brymir7/FlameR/backend"
	"github.com/Brymir7/FlameR/graph"
	"github.com/Brymir7/FlameR/scheduler"
)

// defaultRegistry is the process-wide registry every package-level
// constructor and operator uses, mirroring the single global lazy-buffer
// table the engine this was distilled from kept behind a mutex.
var defaultRegistry = graph.NewRegistry()

// Registry exposes the process-wide registry for callers (such as this
// package's tests) that need to inspect or extend it directly.
func Registry() *graph.Registry { return defaultRegistry }

// Tensor is a thin, copyable handle onto a tensor record in the registry.
// Its zero value is not valid; construct with New or NewWithoutGrad.
type Tensor struct {
	id graph.TensorID
}

// ID returns the tensor's stable identity.
func (t Tensor) ID() graph.TensorID { return t.id }

// New constructs a tensor from host data that participates in backward.
func New(data []float32) Tensor {
	return newTensor(data, true)
}

// NewWithoutGrad constructs a tensor from host data that is never visited
// by backward, for constants and hyperparameters.
func NewWithoutGrad(data []float32) Tensor {
	return newTensor(data, false)
}

func newTensor(data []float32, requiresGrad bool) Tensor {
	id := defaultRegistry.NewTensorID()
	v := defaultRegistry.FromTensorData(id, data)
	defaultRegistry.SetTensor(id, graph.TensorRecord{
		Value:        v,
		Grad:         graph.NoHandle,
		RequiresGrad: requiresGrad,
	})
	return Tensor{id: id}
}

// Value returns the lazy buffer handle currently holding t's value.
func (t Tensor) Value() graph.Handle {
	rec, _ := defaultRegistry.Tensor(t.id)
	return rec.Value
}

// RequiresGrad reports whether t participates in backward.
func (t Tensor) RequiresGrad() bool {
	rec, _ := defaultRegistry.Tensor(t.id)
	return rec.RequiresGrad
}

// Grad returns the lazy buffer handle accumulating t's gradient, or
// graph.NoHandle if backward has not run (or t does not require grad).
func (t Tensor) Grad() graph.Handle {
	rec, _ := defaultRegistry.Tensor(t.id)
	return rec.Grad
}

// Add, Sub, Mul and Div build a new tensor-owned DAG node from the
// element-wise operation of t and other. The result requires grad iff
// either operand does (I... the data model's logical-or rule). Panics if
// the two operands' sizes differ — the same immediate-fail treatment the
// registry itself uses for every other shape mismatch, since sizes are
// always statically known at the call site.
func (t Tensor) Add(other Tensor) Tensor { return t.binaryOp(other, graph.OpAdd) }
func (t Tensor) Sub(other Tensor) Tensor { return t.binaryOp(other, graph.OpSub) }
func (t Tensor) Mul(other Tensor) Tensor { return t.binaryOp(other, graph.OpMul) }
func (t Tensor) Div(other Tensor) Tensor { return t.binaryOp(other, graph.OpDiv) }

// binaryOp is memoized by t's own tensor identity (graph.Registry.BinaryOp,
// P3/S6): building the same op against the same operand handles twice —
// the common case of a training loop reconstructing the same expression
// every step — returns the first call's result tensor instead of minting
// a new one and growing the registry.
func (t Tensor) binaryOp(other Tensor, kind graph.OpKind) Tensor {
	a := t.Value()
	b := other.Value()
	id, _, err := defaultRegistry.BinaryOp(t.id, kind, a, b, t.RequiresGrad() || other.RequiresGrad())
	if err != nil {
		panic(err)
	}
	return Tensor{id: id}
}

// Realize runs t's computation graph against be and returns the result on
// the host.
func (t Tensor) Realize(be backend.Backend) ([]float32, error) {
	d, err := scheduler.Realize(defaultRegistry, be, t.Value())
	if err != nil {
		return nil, err
	}
	return be.Read(d)
}

// ApplyBackward realizes t, accumulates gradients for every tensor it
// depends on, and takes one SGD step: value ← value − lr·gradient for
// every requires-grad tensor reachable from t.
func (t Tensor) ApplyBackward(be backend.Backend, lr float32) error {
	return autograd.ApplyBackward(defaultRegistry, be, t.Value(), lr)
}

// Size returns the element count of t's current value.
func (t Tensor) Size() int {
	n, _ := defaultRegistry.Node(t.Value())
	return n.Size
}
