package offsetptr

import "testing"

type node struct {
	value int
	next  OffsetPtr[node]
}

func TestNullByDefault(t *testing.T) {
	var p OffsetPtr[node]
	if !p.IsNil() {
		t.Fatal("zero-value OffsetPtr must be nil")
	}

	if got := p.Get(); got != nil {
		t.Fatalf("Get() on zero value = %v, want nil", got)
	}
}

func TestSetGetRoundTrip(t *testing.T) {
	nodes := make([]node, 3)
	nodes[0].next.Set(&nodes[1])

	got := nodes[0].next.Get()
	if got != &nodes[1] {
		t.Fatalf("Get() = %p, want %p", got, &nodes[1])
	}
}

func TestSetNilClearsOffset(t *testing.T) {
	nodes := make([]node, 2)
	nodes[0].next.Set(&nodes[1])
	nodes[0].next.Set(nil)

	if !nodes[0].next.IsNil() {
		t.Fatal("Set(nil) must restore the null encoding")
	}
}

func TestRelocationViaCopyFrom(t *testing.T) {
	// Two independent slabs at different addresses: a direct struct copy
	// would carry src's raw displacement across and decode to &dst[1];
	// CopyFrom must keep pointing at src's target.
	src := make([]node, 2)
	src[0].next.Set(&src[1])

	dst := make([]node, 2)
	dst[0].next.CopyFrom(&src[0].next)

	if got := dst[0].next.Get(); got != &src[1] {
		t.Fatalf("CopyFrom must preserve the source's target; got %p want %p", got, &src[1])
	}
}

func TestSwapExchangesDecodedTargets(t *testing.T) {
	nodes := make([]node, 3)
	nodes[0].next.Set(&nodes[1])
	nodes[1].next.Set(&nodes[2])

	nodes[0].next.Swap(&nodes[1].next)

	if got := nodes[0].next.Get(); got != &nodes[2] {
		t.Fatalf("after swap nodes[0].next = %p, want %p", got, &nodes[2])
	}

	if got := nodes[1].next.Get(); got != &nodes[1] {
		t.Fatalf("after swap nodes[1].next = %p, want %p", got, &nodes[1])
	}
}

func TestAddAdvancesByElementSize(t *testing.T) {
	arr := make([]node, 4)

	var p OffsetPtr[node]
	p.Set(&arr[0])
	p.Add(2)

	if got := p.Get(); got != &arr[2] {
		t.Fatalf("Add(2) = %p, want %p", got, &arr[2])
	}

	p.Sub(1)
	if got := p.Get(); got != &arr[1] {
		t.Fatalf("Sub(1) = %p, want %p", got, &arr[1])
	}
}

func TestDiffCountsElements(t *testing.T) {
	arr := make([]node, 5)

	var a, b OffsetPtr[node]
	a.Set(&arr[3])
	b.Set(&arr[1])

	if d := a.Diff(&b); d != 2 {
		t.Fatalf("Diff = %d, want 2", d)
	}
}

func TestEqual(t *testing.T) {
	arr := make([]node, 2)

	var a, b OffsetPtr[node]
	a.Set(&arr[0])
	b.Set(&arr[0])

	if !a.Equal(&b) {
		t.Fatal("pointers targeting the same address must compare equal")
	}

	b.Set(&arr[1])
	if a.Equal(&b) {
		t.Fatal("pointers targeting different addresses must not compare equal")
	}
}
