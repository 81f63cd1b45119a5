package scheduler

import (
	"testing"

	"github.com/Brymir7/FlameR/backend/host"
	"github.com/Brymir7/FlameR/graph"
)

func TestCollectDependenciesIncludesOperandsAndRoot(t *testing.T) {
	reg := graph.NewRegistry()
	owner := reg.NewTensorID()
	a := reg.FromTensorData(owner, []float32{1, 2, 3})
	b := reg.FromTensorData(owner, []float32{4, 5, 6})
	sum, err := reg.FromTensorOp(owner, graph.OpAdd, a, b)
	if err != nil {
		t.Fatal(err)
	}

	deps, err := CollectDependencies(reg, sum)
	if err != nil {
		t.Fatal(err)
	}
	want := map[graph.Handle]bool{a: true, b: true, sum: true}
	if len(deps) != len(want) {
		t.Fatalf("expected %d deps, got %d: %v", len(want), len(deps), deps)
	}
	for _, h := range deps {
		if !want[h] {
			t.Errorf("unexpected dependency handle %d", h)
		}
	}
}

func TestTopologicalSortOrdersOperandsFirst(t *testing.T) {
	reg := graph.NewRegistry()
	owner := reg.NewTensorID()
	a := reg.FromTensorData(owner, []float32{1})
	b := reg.FromTensorData(owner, []float32{2})
	sum, err := reg.FromTensorOp(owner, graph.OpAdd, a, b)
	if err != nil {
		t.Fatal(err)
	}
	product, err := reg.FromTensorOp(owner, graph.OpMul, sum, a)
	if err != nil {
		t.Fatal(err)
	}

	deps, err := CollectDependencies(reg, product)
	if err != nil {
		t.Fatal(err)
	}
	order := TopologicalSort(reg, deps)

	pos := make(map[graph.Handle]int, len(order))
	for i, h := range order {
		pos[h] = i
	}
	if pos[a] >= pos[sum] {
		t.Errorf("expected a before sum in topological order, got positions %d, %d", pos[a], pos[sum])
	}
	if pos[sum] >= pos[product] {
		t.Errorf("expected sum before product, got positions %d, %d", pos[sum], pos[product])
	}
}

func TestRealizeComputesAddSubMulDiv(t *testing.T) {
	reg := graph.NewRegistry()
	be := host.New()
	owner := reg.NewTensorID()

	a := reg.FromTensorData(owner, []float32{10, 20, 30})
	b := reg.FromTensorData(owner, []float32{1, 2, 3})

	sum, err := reg.FromTensorOp(owner, graph.OpAdd, a, b)
	if err != nil {
		t.Fatal(err)
	}

	d, err := Realize(reg, be, sum)
	if err != nil {
		t.Fatal(err)
	}
	got, err := be.Read(d)
	if err != nil {
		t.Fatal(err)
	}
	want := []float32{11, 22, 33}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Realize(Add): got %v want %v", got, want)
		}
	}

	cases := []struct {
		kind graph.OpKind
		want []float32
	}{
		{graph.OpSub, []float32{9, 18, 27}},
		{graph.OpMul, []float32{10, 40, 90}},
		{graph.OpDiv, []float32{10, 10, 10}},
	}
	for _, c := range cases {
		h, err := reg.FromTensorOp(owner, c.kind, a, b)
		if err != nil {
			t.Fatal(err)
		}
		d, err := Realize(reg, be, h)
		if err != nil {
			t.Fatal(err)
		}
		got, err := be.Read(d)
		if err != nil {
			t.Fatal(err)
		}
		for i := range c.want {
			if got[i] != c.want[i] {
				t.Fatalf("Realize(%v): got %v want %v", c.kind, got, c.want)
			}
		}
	}
}

func TestRealizeIsIdempotentUnderStructuralSharing(t *testing.T) {
	reg := graph.NewRegistry()
	be := host.New()
	owner := reg.NewTensorID()

	a := reg.FromTensorData(owner, []float32{1, 2})
	b := reg.FromTensorData(owner, []float32{3, 4})
	sum, err := reg.FromTensorOp(owner, graph.OpAdd, a, b)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := Realize(reg, be, sum); err != nil {
		t.Fatal(err)
	}
	// A second realize of the same node must not fail or change the
	// result, and must not attempt to re-upload now-dropped creation data.
	d, err := Realize(reg, be, sum)
	if err != nil {
		t.Fatal(err)
	}
	got, err := be.Read(d)
	if err != nil {
		t.Fatal(err)
	}
	want := []float32{4, 6}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("second Realize: got %v want %v", got, want)
		}
	}
}

func TestRealizeSurvivesRepeatedMemsetOnSameHandle(t *testing.T) {
	// Memset's in-place rewrite keeps the destination's own handle as its
	// Op.A operand. Realizing it twice in a row, the way a gradient
	// accumulator buffer is touched across two backward passes, must not
	// be mistaken for a self-cycle by TopologicalSort.
	reg := graph.NewRegistry()
	be := host.New()
	owner := reg.NewTensorID()

	acc := reg.FromTensorData(owner, []float32{0, 0})
	src1 := reg.FromTensorData(owner, []float32{1, 2})
	if _, err := Realize(reg, be, acc); err != nil {
		t.Fatal(err)
	}

	dst, err := reg.FromTensorOp(owner, graph.OpMemset, acc, src1)
	if err != nil {
		t.Fatal(err)
	}
	if dst != acc {
		t.Fatalf("memset must preserve the destination's handle: got %d want %d", dst, acc)
	}
	if _, err := Realize(reg, be, dst); err != nil {
		t.Fatal(err)
	}

	src2 := reg.FromTensorData(owner, []float32{3, 4})
	dst2, err := reg.FromTensorOp(owner, graph.OpMemset, acc, src2)
	if err != nil {
		t.Fatal(err)
	}
	if dst2 != acc {
		t.Fatalf("second memset must also preserve the handle: got %d want %d", dst2, acc)
	}
	d, err := Realize(reg, be, dst2)
	if err != nil {
		t.Fatalf("second realize of a reused memset handle must not panic or error: %v", err)
	}
	got, err := be.Read(d)
	if err != nil {
		t.Fatal(err)
	}
	want := []float32{3, 4}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v want %v", got, want)
		}
	}
}

func TestCycleErrorMessage(t *testing.T) {
	err := &CycleError{Handle: 7}
	want := "scheduler: cycle detected in computation graph at handle 7"
	if err.Error() != want {
		t.Fatalf("got %q want %q", err.Error(), want)
	}
}
