// Command flamebench exercises the engine end to end: it builds a small
// computation graph, realizes it against a chosen backend, runs backward,
// and takes a few SGD steps, printing w's realized value after each one.
//
// It is a driver, not a benchmark harness: there is no timing loop here,
// just enough library calls to prove the pieces fit together on whichever
// backend -backend names.
package main

import (
	"flag"
	"fmt"
	"log"

	"github.com/Brymir7/FlameR/backend"
	"github.com/Brymir7/FlameR/backend/gpu"
	"github.com/Brymir7/FlameR/backend/host"
	"github.com/Brymir7/FlameR/tensor"
)

var (
	backendName = flag.String("backend", "host", "Compute backend: host or gpu")
	steps       = flag.Int("steps", 5, "Number of SGD steps to run")
	lr          = flag.Float64("lr", 0.1, "Learning rate")
	size        = flag.Int("size", 4, "Element count of the demo tensors")
)

func main() {
	flag.Parse()

	be, closeFn, err := openBackend(*backendName)
	if err != nil {
		log.Fatalf("flamebench: %v", err)
	}
	defer closeFn()

	fmt.Printf("flamebench: backend=%s size=%d steps=%d lr=%.4f\n", be.Name(), *size, *steps, *lr)

	w := tensor.New(constant(*size, 3))
	target := tensor.NewWithoutGrad(constant(*size, 0))

	for step := 0; step < *steps; step++ {
		diff := w.Sub(target)
		loss := diff.Mul(diff)

		if err := loss.ApplyBackward(be, float32(*lr)); err != nil {
			log.Fatalf("flamebench: step %d: %v", step, err)
		}

		vals, err := w.Realize(be)
		if err != nil {
			log.Fatalf("flamebench: step %d: realize w: %v", step, err)
		}
		fmt.Printf("step %d: w=%v\n", step, vals)
	}
}

func openBackend(name string) (backend.Backend, func(), error) {
	switch name {
	case "host":
		return host.New(), func() {}, nil
	case "gpu":
		g, err := gpu.New()
		if err != nil {
			return nil, nil, fmt.Errorf("open gpu backend: %w", err)
		}
		return g, g.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown backend %q (want host or gpu)", name)
	}
}

func constant(size int, v float32) []float32 {
	out := make([]float32, size)
	for i := range out {
		out[i] = v
	}
	return out
}
