package autograd

import (
	"testing"

	"github.com/Brymir7/FlameR/backend"
	"github.com/Brymir7/FlameR/backend/host"
	"github.com/Brymir7/FlameR/graph"
	"github.com/Brymir7/FlameR/scheduler"
)

// newLeaf registers a fresh tensor holding data, requiring grad.
func newLeaf(reg *graph.Registry, data []float32) (graph.TensorID, graph.Handle) {
	id := reg.NewTensorID()
	h := reg.FromTensorData(id, data)
	reg.SetTensor(id, graph.TensorRecord{Value: h, Grad: graph.NoHandle, RequiresGrad: true})
	return id, h
}

func gradOf(t *testing.T, reg *graph.Registry, be backend.Backend, id graph.TensorID) []float32 {
	t.Helper()
	rec, ok := reg.Tensor(id)
	if !ok || rec.Grad == graph.NoHandle {
		t.Fatalf("tensor %d has no gradient", id)
	}
	n, _ := reg.Node(rec.Grad)
	out, err := be.Read(n.Device)
	if err != nil {
		t.Fatal(err)
	}
	return out
}

func runBackward(t *testing.T, reg *graph.Registry, be backend.Backend, root graph.Handle) {
	t.Helper()
	if _, err := scheduler.Realize(reg, be, root); err != nil {
		t.Fatal(err)
	}
	if err := Preallocate(reg, be, root); err != nil {
		t.Fatal(err)
	}
	ctx, err := Backward(reg, be, root)
	if err != nil {
		t.Fatal(err)
	}
	Finalize(be, ctx)
}

func assertAll(t *testing.T, got []float32, want float32) {
	t.Helper()
	for i, v := range got {
		if v != want {
			t.Errorf("index %d: got %v want %v (full: %v)", i, v, want, got)
		}
	}
}

func TestBackwardAdd(t *testing.T) {
	reg := graph.NewRegistry()
	be := host.New()
	idA, a := newLeaf(reg, []float32{1, 2, 3})
	idB, b := newLeaf(reg, []float32{4, 5, 6})
	sumID := reg.NewTensorID()
	sum, err := reg.FromTensorOp(sumID, graph.OpAdd, a, b)
	if err != nil {
		t.Fatal(err)
	}

	runBackward(t, reg, be, sum)
	assertAll(t, gradOf(t, reg, be, idA), 1)
	assertAll(t, gradOf(t, reg, be, idB), 1)
}

func TestBackwardSub(t *testing.T) {
	reg := graph.NewRegistry()
	be := host.New()
	idA, a := newLeaf(reg, []float32{1, 2, 3})
	idB, b := newLeaf(reg, []float32{4, 5, 6})
	diffID := reg.NewTensorID()
	diff, err := reg.FromTensorOp(diffID, graph.OpSub, a, b)
	if err != nil {
		t.Fatal(err)
	}

	runBackward(t, reg, be, diff)
	assertAll(t, gradOf(t, reg, be, idA), 1)
	assertAll(t, gradOf(t, reg, be, idB), -1)
}

func TestBackwardMul(t *testing.T) {
	reg := graph.NewRegistry()
	be := host.New()
	idA, a := newLeaf(reg, []float32{2, 3})
	idB, b := newLeaf(reg, []float32{5, 7})
	prodID := reg.NewTensorID()
	prod, err := reg.FromTensorOp(prodID, graph.OpMul, a, b)
	if err != nil {
		t.Fatal(err)
	}

	runBackward(t, reg, be, prod)
	gotA := gradOf(t, reg, be, idA)
	gotB := gradOf(t, reg, be, idB)
	wantA := []float32{5, 7} // dA = b
	wantB := []float32{2, 3} // dB = a
	for i := range wantA {
		if gotA[i] != wantA[i] {
			t.Errorf("grad a[%d]: got %v want %v", i, gotA[i], wantA[i])
		}
		if gotB[i] != wantB[i] {
			t.Errorf("grad b[%d]: got %v want %v", i, gotB[i], wantB[i])
		}
	}
}

func TestBackwardDiv(t *testing.T) {
	reg := graph.NewRegistry()
	be := host.New()
	idA, a := newLeaf(reg, []float32{6})
	idB, b := newLeaf(reg, []float32{2})
	quotID := reg.NewTensorID()
	quot, err := reg.FromTensorOp(quotID, graph.OpDiv, a, b)
	if err != nil {
		t.Fatal(err)
	}

	runBackward(t, reg, be, quot)
	gotA := gradOf(t, reg, be, idA)
	gotB := gradOf(t, reg, be, idB)
	// dA = 1/b = 0.5; dB = -a/b^2 = -6/4 = -1.5
	if gotA[0] != 0.5 {
		t.Errorf("grad a: got %v want 0.5", gotA[0])
	}
	if gotB[0] != -1.5 {
		t.Errorf("grad b: got %v want -1.5", gotB[0])
	}
}

func TestBackwardSelfMultiplySumsContributions(t *testing.T) {
	reg := graph.NewRegistry()
	be := host.New()
	idW, w := newLeaf(reg, []float32{3})
	sqID := reg.NewTensorID()
	sq, err := reg.FromTensorOp(sqID, graph.OpMul, w, w)
	if err != nil {
		t.Fatal(err)
	}

	runBackward(t, reg, be, sq)
	// d(w*w)/dw = 2w = 6
	got := gradOf(t, reg, be, idW)
	if got[0] != 6 {
		t.Fatalf("grad w: got %v want 6", got[0])
	}
}

func TestApplyBackwardReducesSquare(t *testing.T) {
	reg := graph.NewRegistry()
	be := host.New()
	_, w := newLeaf(reg, []float32{3})
	sqID := reg.NewTensorID()
	sq, err := reg.FromTensorOp(sqID, graph.OpMul, w, w)
	if err != nil {
		t.Fatal(err)
	}

	if err := ApplyBackward(reg, be, sq, 0.1); err != nil {
		t.Fatal(err)
	}
	// w <- w - 0.1 * 2w = 3 - 0.6 = 2.4
	got, err := be.Read(mustDevice(t, reg, w))
	if err != nil {
		t.Fatal(err)
	}
	if got[0] >= 3 {
		t.Fatalf("expected w to decrease after one SGD step, got %v", got[0])
	}
}

func mustDevice(t *testing.T, reg *graph.Registry, h graph.Handle) backend.BufferHandle {
	t.Helper()
	n, ok := reg.Node(h)
	if !ok || !n.HasDevice {
		t.Fatalf("handle %d has no device buffer", h)
	}
	return n.Device
}
