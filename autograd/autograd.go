// Package autograd computes reverse-mode gradients over a computation
// graph and applies a plain SGD update from them.
//
// The backward pass builds its own lazy nodes rather than computing
// anything directly against device buffers: each gradient subexpression
// (d(a*b)/da = b, and so on) is registered as an ordinary ScratchOp node,
// and each accumulation step is an OpAccumulate rewrite the scheduler
// realizes immediately, so the registry's structural-sharing machinery
// (I5/I6) and the Accumulate mechanism both get exercised by the one
// production caller that needs them.
package autograd

import (
	"fmt"

	"github.com/Brymir7/FlameR/backend"
	"github.com/Brymir7/FlameR/graph"
	"github.com/Brymir7/FlameR/scheduler"
)

// Context is kept for API compatibility with callers that bracket a
// Backward call with Finalize. The lazy rewrite design leaves nothing for
// it to track: every buffer Backward touches is a registry-owned node,
// not a Context-owned ephemeral one.
type Context struct{}

// Preallocate ensures every tensor reachable from root has a gradient
// accumulator buffer, zeroed for this pass. The accumulator is a
// FreshScratch node — never value-deduplicated — so that two different
// same-size tensors never alias the same all-zeros buffer (Scratch's
// value-hash cache would do exactly that, corrupting both gradients).
// The accumulator's handle is stable across the lifetime of its owning
// tensor: Backward always rewrites the same node in place rather than
// allocating a fresh one every call, which is what let the original
// overwrite-by-Memset design (see the design notes' REDESIGN FLAG) lose
// every contribution but the last.
func Preallocate(reg *graph.Registry, be backend.Backend, root graph.Handle) error {
	deps, err := scheduler.CollectDependencies(reg, root)
	if err != nil {
		return err
	}
	for _, h := range deps {
		n, ok := reg.Node(h)
		if !ok || n.Kind != graph.KindTensorData || n.Owner == graph.NoTensor {
			continue
		}
		rec, ok := reg.Tensor(n.Owner)
		if !ok || !rec.RequiresGrad {
			continue
		}
		if rec.Grad == graph.NoHandle {
			gradHandle := reg.FreshScratch(make([]float32, n.Size))
			rec.Grad = gradHandle
			reg.SetTensor(n.Owner, rec)
			if _, err := scheduler.Realize(reg, be, gradHandle); err != nil {
				return fmt.Errorf("autograd: preallocate grad for tensor %d: %w", n.Owner, err)
			}
			continue
		}
		// Reused across a prior backward pass: zero it in place through
		// the same registry rewrite Backward's own accumulation uses,
		// rather than reaching past the registry for a raw backend call.
		zero := reg.Scratch(make([]float32, n.Size))
		memsetHandle, err := reg.ScratchOp(graph.OpMemset, rec.Grad, zero)
		if err != nil {
			return err
		}
		if _, err := scheduler.Realize(reg, be, memsetHandle); err != nil {
			return fmt.Errorf("autograd: zero grad for tensor %d: %w", n.Owner, err)
		}
	}
	return nil
}

// Backward walks root's dependency graph in reverse topological order,
// propagating the chain rule from root (seeded with a gradient of all
// ones, dRoot/dRoot = 1) down to every leaf tensor that requires grad.
// Preallocate must have been called first.
//
// Every gradient contribution and every accumulation step is built as a
// lazy graph node and realized immediately: an OpAccumulate rewrite
// discards the registry's reference to whatever the accumulator's
// previous contents were, so each contribution must be executed into the
// buffer before the next rewrite overwrites the Op that would have
// produced it.
func Backward(reg *graph.Registry, be backend.Backend, root graph.Handle) (*Context, error) {
	deps, err := scheduler.CollectDependencies(reg, root)
	if err != nil {
		return nil, err
	}
	order := scheduler.TopologicalSort(reg, deps)

	rootNode, ok := reg.Node(root)
	if !ok {
		return nil, fmt.Errorf("autograd: unknown root handle %d", root)
	}
	ones := make([]float32, rootNode.Size)
	for i := range ones {
		ones[i] = 1
	}
	seed := reg.FreshScratch(ones)
	if _, err := scheduler.Realize(reg, be, seed); err != nil {
		return nil, err
	}

	// chain maps a dependency's handle to the lazy node accumulating every
	// gradient contribution routed to it so far.
	chain := map[graph.Handle]graph.Handle{root: seed}

	accumulate := func(h graph.Handle, size int, contribution graph.Handle) error {
		acc, ok := chain[h]
		if !ok {
			acc = reg.FreshScratch(make([]float32, size))
		}
		accHandle, err := reg.ScratchOp(graph.OpAccumulate, acc, contribution)
		if err != nil {
			return err
		}
		if _, err := scheduler.Realize(reg, be, accHandle); err != nil {
			return err
		}
		chain[h] = accHandle
		return nil
	}

	for i := len(order) - 1; i >= 0; i-- {
		h := order[i]
		incoming, ok := chain[h]
		if !ok {
			continue // no consumer contributed a gradient to h
		}
		n, ok := reg.Node(h)
		if !ok {
			return nil, fmt.Errorf("autograd: unknown handle %d", h)
		}

		if n.Kind == graph.KindTensorData && n.Owner != graph.NoTensor {
			rec, ok := reg.Tensor(n.Owner)
			if ok && rec.RequiresGrad && rec.Grad != graph.NoHandle {
				// The accumulate fix: rewrite the accumulator in place,
				// never overwrite it, so contributions from every
				// consumer of this tensor survive.
				gradHandle, err := reg.ScratchOp(graph.OpAccumulate, rec.Grad, incoming)
				if err != nil {
					return nil, fmt.Errorf("autograd: accumulate grad for tensor %d: %w", n.Owner, err)
				}
				if _, err := scheduler.Realize(reg, be, gradHandle); err != nil {
					return nil, fmt.Errorf("autograd: accumulate grad for tensor %d: %w", n.Owner, err)
				}
			}
		}

		switch n.Op.Kind {
		case graph.OpAdd:
			if err := accumulate(n.Op.A, n.Size, incoming); err != nil {
				return nil, err
			}
			if err := accumulate(n.Op.B, n.Size, incoming); err != nil {
				return nil, err
			}
		case graph.OpSub:
			if err := accumulate(n.Op.A, n.Size, incoming); err != nil {
				return nil, err
			}
			negB, err := negate(reg, incoming, n.Size)
			if err != nil {
				return nil, err
			}
			if err := accumulate(n.Op.B, n.Size, negB); err != nil {
				return nil, err
			}
		case graph.OpMul:
			dA, err := reg.ScratchOp(graph.OpMul, n.Op.B, incoming)
			if err != nil {
				return nil, err
			}
			if err := accumulate(n.Op.A, n.Size, dA); err != nil {
				return nil, err
			}
			dB, err := reg.ScratchOp(graph.OpMul, n.Op.A, incoming)
			if err != nil {
				return nil, err
			}
			if err := accumulate(n.Op.B, n.Size, dB); err != nil {
				return nil, err
			}
		case graph.OpDiv:
			dA, err := reg.ScratchOp(graph.OpDiv, incoming, n.Op.B)
			if err != nil {
				return nil, err
			}
			if err := accumulate(n.Op.A, n.Size, dA); err != nil {
				return nil, err
			}

			numer, err := reg.ScratchOp(graph.OpMul, n.Op.A, incoming)
			if err != nil {
				return nil, err
			}
			denom, err := reg.ScratchOp(graph.OpMul, n.Op.B, n.Op.B)
			if err != nil {
				return nil, err
			}
			dBraw, err := reg.ScratchOp(graph.OpDiv, numer, denom)
			if err != nil {
				return nil, err
			}
			negDB, err := negate(reg, dBraw, n.Size)
			if err != nil {
				return nil, err
			}
			if err := accumulate(n.Op.B, n.Size, negDB); err != nil {
				return nil, err
			}
		}
	}

	return &Context{}, nil
}

// Finalize is a no-op kept for API symmetry: the lazy rewrite design has
// nothing Context-owned left to release, since every buffer Backward
// builds belongs to the registry.
func Finalize(be backend.Backend, ctx *Context) {}

func negate(reg *graph.Registry, src graph.Handle, size int) (graph.Handle, error) {
	negOne := reg.Scratch(negOnes(size))
	return reg.ScratchOp(graph.OpMul, src, negOne)
}

func negOnes(size int) []float32 {
	out := make([]float32, size)
	for i := range out {
		out[i] = -1
	}
	return out
}

// ApplyBackward is the SGD step: realize root, run Preallocate/Backward to
// populate every requires-grad tensor's gradient, then for each such
// tensor update value ← value − lr·gradient directly against be. The
// update itself stays eager (not a lazy node): it mutates a tensor's
// value buffer in place outside the DAG, which is the one place this
// package intentionally steps outside the lazy model, since a parameter
// update is not itself a differentiable expression.
func ApplyBackward(reg *graph.Registry, be backend.Backend, root graph.Handle, lr float32) error {
	if _, err := scheduler.Realize(reg, be, root); err != nil {
		return fmt.Errorf("autograd: realize root: %w", err)
	}
	if err := Preallocate(reg, be, root); err != nil {
		return err
	}
	if _, err := Backward(reg, be, root); err != nil {
		return err
	}

	deps, err := scheduler.CollectDependencies(reg, root)
	if err != nil {
		return err
	}
	seen := make(map[graph.TensorID]bool)
	for _, h := range deps {
		n, ok := reg.Node(h)
		if !ok || n.Kind != graph.KindTensorData || n.Owner == graph.NoTensor || seen[n.Owner] {
			continue
		}
		seen[n.Owner] = true

		rec, ok := reg.Tensor(n.Owner)
		if !ok || !rec.RequiresGrad || rec.Grad == graph.NoHandle {
			continue
		}
		valueNode, ok := reg.Node(rec.Value)
		if !ok || !valueNode.HasDevice {
			continue
		}
		gradNode, ok := reg.Node(rec.Grad)
		if !ok || !gradNode.HasDevice {
			continue
		}

		lrData := make([]float32, valueNode.Size)
		for i := range lrData {
			lrData[i] = lr
		}
		lrBuf, err := be.AllocateTemporary(lrData)
		if err != nil {
			return fmt.Errorf("autograd: allocate learning-rate buffer for tensor %d: %w", n.Owner, err)
		}

		if err := be.Mul(gradNode.Device, lrBuf, gradNode.Device, valueNode.Size); err != nil {
			be.Free(lrBuf)
			return fmt.Errorf("autograd: scale gradient for tensor %d: %w", n.Owner, err)
		}
		be.Free(lrBuf)

		if err := be.Sub(valueNode.Device, gradNode.Device, valueNode.Device, valueNode.Size); err != nil {
			return fmt.Errorf("autograd: apply update for tensor %d: %w", n.Owner, err)
		}
	}

	// The update above mutated one or more leaf tensors' device buffers
	// directly, outside the DAG. Any derived node in root's own
	// dependency set — reachable again next step via BinaryOp's
	// structural-sharing cache when a training loop rebuilds the same
	// expression from the same operand handles — would otherwise still
	// carry last step's stale Realized flag and never recompute.
	for _, h := range deps {
		reg.Unrealize(h)
	}
	return nil
}
