package trainpool

import "testing"

import "github.com/Brymir7/FlameR/backend/host"

func TestGetCachedWithoutActiveLoopAllocatesFresh(t *testing.T) {
	p := New()
	be := host.New()

	a, err := p.GetCached(be, 4)
	if err != nil {
		t.Fatal(err)
	}
	p.Return(be, a)

	b, err := p.GetCached(be, 4)
	if err != nil {
		t.Fatal(err)
	}
	if a.ID == b.ID {
		t.Fatalf("expected a fresh allocation outside an active training loop, got the same buffer back")
	}
}

func TestGetCachedReusesWithinActiveLoop(t *testing.T) {
	p := New()
	be := host.New()
	p.Begin(be)

	a, err := p.GetCached(be, 4)
	if err != nil {
		t.Fatal(err)
	}
	p.Return(be, a)

	b, err := p.GetCached(be, 4)
	if err != nil {
		t.Fatal(err)
	}
	if a.ID != b.ID {
		t.Fatalf("expected GetCached to reuse the returned buffer within an active training loop")
	}
	p.End(be)
}

func TestGetCachedDoesNotReuseWrongSize(t *testing.T) {
	p := New()
	be := host.New()
	p.Begin(be)

	a, err := p.GetCached(be, 4)
	if err != nil {
		t.Fatal(err)
	}
	p.Return(be, a)

	b, err := p.GetCached(be, 8)
	if err != nil {
		t.Fatal(err)
	}
	if a.ID == b.ID {
		t.Fatalf("expected a differently sized request to not reuse a mismatched cached buffer")
	}
	p.End(be)
}

func TestEndFreesCachedBuffers(t *testing.T) {
	p := New()
	be := host.New()
	p.Begin(be)

	a, err := p.GetCached(be, 4)
	if err != nil {
		t.Fatal(err)
	}
	p.Return(be, a)
	p.End(be)

	if _, err := be.Read(a); err == nil {
		t.Fatalf("expected the buffer to be freed after End")
	}
}
