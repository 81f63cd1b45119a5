// Package flamer implements a minimal lazy tensor engine over flat float32
// buffers.
//
// Flamer builds element-wise arithmetic as an immutable directed acyclic
// graph of operations, realizes that graph against a pluggable compute
// backend (host CPU or GPU), and supports reverse-mode automatic
// differentiation by walking the same graph a second time.
//
// # Architecture Overview
//
// The engine consists of several key components:
//
//   - graph: the append-only lazy buffer registry — identity, structural
//     sharing, and dependency capture
//   - backend: the capability interface a compute backend implements, plus
//     host (in-process) and gpu (github.com/gogpu/wgpu-backed) instances
//   - scheduler: dependency collection, topological sort, and realization
//   - tensor: the user-facing value type and its operator overloads
//   - autograd: DAG-driven gradient propagation and the SGD update step
//   - trainpool: a backend-buffer pool for training loops
//
// # Basic usage
//
//	a := tensor.New([]float32{1, 2, 3})
//	b := tensor.New([]float32{4, 5, 6})
//	c := a.Add(b)
//
//	be := host.New()
//	out, err := c.Realize(be)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(out) // [5 7 9]
//
// # Package structure
//
//   - align: cache-line alignment helpers used by the host backend
//   - graph: lazy buffer registry and node construction
//   - backend: backend contract, host backend, GPU backend
//   - scheduler: dependency DFS, topological sort, realization
//   - tensor: tensor value type and arithmetic operators
//   - autograd: backward pass and SGD step
//   - trainpool: cross-iteration device buffer pool
//   - cmd/flamebench: a thin driver exercising realize/backward/apply-backward
package flamer
