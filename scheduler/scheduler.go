// Package scheduler turns a lazy buffer's dependency graph into a
// realized, backend-resident value: it collects dependencies by walking
// operand edges, orders them with a three-color depth-first topological
// sort, and then allocates and executes every node in that order.
package scheduler

import (
	"fmt"

	"github.com/Brymir7/FlameR/backend"
	"github.com/Brymir7/FlameR/graph"
	"github.com/Brymir7/FlameR/trainpool"
)

// color marks a node's DFS visitation state during topological sort.
type color uint8

const (
	white color = iota // unvisited
	gray               // on the current DFS stack
	black              // fully processed
)

// CollectDependencies returns every handle root transitively depends on,
// including root itself, each listed exactly once, in no particular
// order. It is the graph walk TopologicalSort orders afterward.
func CollectDependencies(reg *graph.Registry, root graph.Handle) ([]graph.Handle, error) {
	seen := make(map[graph.Handle]bool)
	var out []graph.Handle
	var visit func(h graph.Handle) error
	visit = func(h graph.Handle) error {
		if seen[h] {
			return nil
		}
		seen[h] = true
		n, ok := reg.Node(h)
		if !ok {
			return fmt.Errorf("scheduler: unknown handle %d", h)
		}
		out = append(out, h)
		// Memset's and Accumulate's A operand is the destination node
		// itself (see the registry's in-place rewrite), not a real
		// dependency, so only B is a true predecessor to visit.
		if n.Op.Kind == graph.OpMemset || n.Op.Kind == graph.OpAccumulate {
			return visit(n.Op.B)
		}
		if isBinary(n.Op.Kind) {
			if err := visit(n.Op.A); err != nil {
				return err
			}
			if err := visit(n.Op.B); err != nil {
				return err
			}
		}
		return nil
	}
	if err := visit(root); err != nil {
		return nil, err
	}
	return out, nil
}

func isBinary(k graph.OpKind) bool {
	switch k {
	case graph.OpAdd, graph.OpSub, graph.OpMul, graph.OpDiv, graph.OpMemset, graph.OpAccumulate:
		return true
	default:
		return false
	}
}

// CycleError is the value recovered from the panic TopologicalSort raises
// on a cyclic dependency set. It is not returned as an error: a cycle in
// an append-only DAG is a programming-logic fault, not a recoverable
// runtime condition, so it panics directly rather than propagating
// through every caller's error return.
type CycleError struct {
	Handle graph.Handle
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("scheduler: cycle detected in computation graph at handle %d", e.Handle)
}

// TopologicalSort orders deps so that every node appears after its
// operands. It panics with a *CycleError if the dependency set is
// cyclic — the append-only registry should make this unreachable, so a
// cycle here means a caller built an Op by hand with a bad handle.
func TopologicalSort(reg *graph.Registry, deps []graph.Handle) []graph.Handle {
	colors := make(map[graph.Handle]color, len(deps))
	order := make([]graph.Handle, 0, len(deps))

	var visit func(h graph.Handle)
	visit = func(h graph.Handle) {
		switch colors[h] {
		case black:
			return
		case gray:
			panic(&CycleError{Handle: h})
		}
		colors[h] = gray
		n, ok := reg.Node(h)
		if ok {
			// Memset's and Accumulate's A operand is its own handle (see
			// CollectDependencies), so only B is a real predecessor edge.
			if n.Op.Kind == graph.OpMemset || n.Op.Kind == graph.OpAccumulate {
				visit(n.Op.B)
			} else if isBinary(n.Op.Kind) {
				visit(n.Op.A)
				visit(n.Op.B)
			}
		}
		colors[h] = black
		order = append(order, h)
	}

	for _, h := range deps {
		visit(h)
	}
	return order
}

// Realize orders root's dependencies, allocates and executes every node
// in that order against be, and commits the resulting device handles onto
// reg (I4: each Creation node is rewritten to a marker after its one
// Upload, so re-realizing a graph that shares structure never re-uploads
// host data).
func Realize(reg *graph.Registry, be backend.Backend, root graph.Handle) (backend.BufferHandle, error) {
	deps, err := CollectDependencies(reg, root)
	if err != nil {
		return backend.BufferHandle{}, err
	}
	order := TopologicalSort(reg, deps)
	return realizeOrder(reg, be, order, root)
}

func realizeOrder(reg *graph.Registry, be backend.Backend, order []graph.Handle, root graph.Handle) (backend.BufferHandle, error) {
	// Allocation happens as one pass over the full order before any op
	// executes, so that a binary op's two operands are always already
	// backed by a device buffer by the time its own turn comes.
	devices := make(map[graph.Handle]backend.BufferHandle, len(order))
	for _, h := range order {
		n, ok := reg.Node(h)
		if !ok {
			return backend.BufferHandle{}, fmt.Errorf("scheduler: unknown handle %d", h)
		}
		if n.HasDevice {
			devices[h] = n.Device
			continue
		}
		d, err := trainpool.GetCached(be, n.Size)
		if err != nil {
			return backend.BufferHandle{}, fmt.Errorf("scheduler: allocate handle %d: %w", h, err)
		}
		devices[h] = d
	}

	for _, h := range order {
		n, _ := reg.Node(h)
		if n.Realized {
			continue
		}
		d := devices[h]
		if err := execute(be, reg, h, n, d, devices); err != nil {
			return backend.BufferHandle{}, err
		}
		if !n.HasDevice {
			reg.MarkDevice(h, d)
		}
		reg.MarkRealized(h)
		if n.Op.Kind == graph.OpCreationRawData || n.Op.Kind == graph.OpCreationRandom {
			reg.MarkCreated(h)
		}
	}

	rootDevice, ok := devices[root]
	if !ok {
		return backend.BufferHandle{}, fmt.Errorf("scheduler: root handle %d never allocated", root)
	}
	return rootDevice, nil
}

// execute runs the single operation backing node n, writing into d.
func execute(be backend.Backend, reg *graph.Registry, h graph.Handle, n graph.LazyBuffer, d backend.BufferHandle, devices map[graph.Handle]backend.BufferHandle) error {
	switch n.Op.Kind {
	case graph.OpCreationRawData, graph.OpCreationRandom:
		if n.Op.Data == nil {
			return fmt.Errorf("scheduler: creation node %d missing payload", h)
		}
		return be.Upload(n.Op.Data, d)
	case graph.OpCreationMarker:
		return nil
	case graph.OpClear:
		zero, err := be.AllocateTemporary(make([]float32, n.Size))
		if err != nil {
			return err
		}
		defer be.Free(zero)
		return be.Memset(d, zero, n.Size)
	case graph.OpAdd:
		a, b := devices[n.Op.A], devices[n.Op.B]
		return be.Add(a, b, d, n.Size)
	case graph.OpSub:
		a, b := devices[n.Op.A], devices[n.Op.B]
		return be.Sub(a, b, d, n.Size)
	case graph.OpMul:
		a, b := devices[n.Op.A], devices[n.Op.B]
		return be.Mul(a, b, d, n.Size)
	case graph.OpDiv:
		a, b := devices[n.Op.A], devices[n.Op.B]
		return be.Div(a, b, d, n.Size)
	case graph.OpMemset:
		src := devices[n.Op.B]
		return be.Memset(d, src, n.Size)
	case graph.OpAccumulate:
		src := devices[n.Op.B]
		return be.Add(d, src, d, n.Size)
	default:
		return fmt.Errorf("scheduler: unhandled op kind %v at handle %d", n.Op.Kind, h)
	}
}
