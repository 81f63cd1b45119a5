package host

import (
	"math"
	"testing"
)

func TestAddSubMulDiv(t *testing.T) {
	b := New()
	a, _ := b.Allocate(1, 3)
	c, _ := b.Allocate(2, 3)
	r, _ := b.Allocate(3, 3)

	if err := b.Upload([]float32{1, 2, 3}, a); err != nil {
		t.Fatal(err)
	}
	if err := b.Upload([]float32{4, 5, 6}, c); err != nil {
		t.Fatal(err)
	}

	if err := b.Add(a, c, r, 3); err != nil {
		t.Fatal(err)
	}
	got, _ := b.Read(r)
	want := []float32{5, 7, 9}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Add: got %v want %v", got, want)
		}
	}

	if err := b.Sub(c, a, r, 3); err != nil {
		t.Fatal(err)
	}
	got, _ = b.Read(r)
	want = []float32{3, 3, 3}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Sub: got %v want %v", got, want)
		}
	}

	if err := b.Mul(a, c, r, 3); err != nil {
		t.Fatal(err)
	}
	got, _ = b.Read(r)
	want = []float32{4, 10, 18}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Mul: got %v want %v", got, want)
		}
	}

	if err := b.Div(c, a, r, 3); err != nil {
		t.Fatal(err)
	}
	got, _ = b.Read(r)
	want = []float32{4, 2.5, 2}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Div: got %v want %v", got, want)
		}
	}
}

func TestDivByZeroProducesNaN(t *testing.T) {
	b := New()
	a, _ := b.Allocate(1, 1)
	c, _ := b.Allocate(2, 1)
	r, _ := b.Allocate(3, 1)
	b.Upload([]float32{1}, a)
	b.Upload([]float32{0}, c)

	if err := b.Div(a, c, r, 1); err != nil {
		t.Fatal(err)
	}
	got, _ := b.Read(r)
	if !math.IsNaN(float64(got[0])) {
		t.Fatalf("expected NaN, got %v", got[0])
	}
}

func TestInPlaceAliasing(t *testing.T) {
	b := New()
	a, _ := b.Allocate(1, 2)
	c, _ := b.Allocate(2, 2)
	b.Upload([]float32{10, 20}, a)
	b.Upload([]float32{1, 2}, c)

	// result aliases operand a, as the SGD step does.
	if err := b.Sub(a, c, a, 2); err != nil {
		t.Fatal(err)
	}
	got, _ := b.Read(a)
	want := []float32{9, 18}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("in-place Sub: got %v want %v", got, want)
		}
	}
}

func TestAllocateIdempotent(t *testing.T) {
	b := New()
	h1, err := b.Allocate(5, 4)
	if err != nil {
		t.Fatal(err)
	}
	h2, err := b.Allocate(5, 4)
	if err != nil {
		t.Fatal(err)
	}
	if h1 != h2 {
		t.Fatalf("expected repeated Allocate with same id/size to be idempotent")
	}
	if _, err := b.Allocate(5, 8); err == nil {
		t.Fatalf("expected a size mismatch error on re-allocation with a different size")
	}
}

func TestMemset(t *testing.T) {
	b := New()
	dst, _ := b.Allocate(1, 3)
	src, _ := b.Allocate(2, 3)
	b.Upload([]float32{0, 0, 0}, dst)
	b.Upload([]float32{7, 8, 9}, src)

	if err := b.Memset(dst, src, 3); err != nil {
		t.Fatal(err)
	}
	got, _ := b.Read(dst)
	want := []float32{7, 8, 9}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Memset: got %v want %v", got, want)
		}
	}
}
