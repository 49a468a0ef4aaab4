package krmalloc

import (
	"testing"
	"unsafe"
)

func newArena(t *testing.T, size int) []byte {
	t.Helper()

	buf := make([]byte, size)

	return buf
}

func span(buf []byte) (unsafe.Pointer, unsafe.Pointer) {
	begin := unsafe.Pointer(&buf[0])
	end := unsafe.Pointer(uintptr(begin) + uintptr(len(buf)))

	return begin, end
}

func TestPlacementNewRejectsTooSmallSpan(t *testing.T) {
	buf := newArena(t, 8)
	begin, end := span(buf)

	if _, err := PlacementNew(begin, end); err == nil {
		t.Fatal("PlacementNew must reject a span too small to hold its own control block")
	}
}

func TestAllocateDisjointBlocks(t *testing.T) {
	buf := newArena(t, 4096)
	begin, end := span(buf)

	a, err := PlacementNew(begin, end)
	if err != nil {
		t.Fatalf("PlacementNew: %v", err)
	}

	p1, err := a.Allocate(64, 0)
	if err != nil {
		t.Fatalf("Allocate p1: %v", err)
	}

	p2, err := a.Allocate(64, 0)
	if err != nil {
		t.Fatalf("Allocate p2: %v", err)
	}

	if p1 == p2 {
		t.Fatal("two allocations returned the same address")
	}

	a1 := uintptr(p1)
	a2 := uintptr(p2)

	lo, hi := a1, a1+64
	if a2 >= lo && a2 < hi {
		t.Fatal("allocations overlap")
	}

	_, hi2 := a2, a2+64
	if a1 >= a2 && a1 < hi2 {
		t.Fatal("allocations overlap")
	}
}

func TestAllocateRespectsAlignment(t *testing.T) {
	buf := newArena(t, 4096)
	begin, end := span(buf)

	a, err := PlacementNew(begin, end)
	if err != nil {
		t.Fatalf("PlacementNew: %v", err)
	}

	for _, alignment := range []uintptr{16, 32, 64, 128} {
		p, err := a.Allocate(37, alignment)
		if err != nil {
			t.Fatalf("Allocate(alignment=%d): %v", alignment, err)
		}

		if uintptr(p)%alignment != 0 {
			t.Fatalf("Allocate(alignment=%d) returned unaligned pointer %p", alignment, p)
		}
	}
}

func TestDeallocateThenReallocate(t *testing.T) {
	buf := newArena(t, 4096)
	begin, end := span(buf)

	a, err := PlacementNew(begin, end)
	if err != nil {
		t.Fatalf("PlacementNew: %v", err)
	}

	p, err := a.Allocate(128, 0)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}

	if err := a.Deallocate(p, 0); err != nil {
		t.Fatalf("Deallocate: %v", err)
	}

	p2, err := a.Allocate(128, 0)
	if err != nil {
		t.Fatalf("Allocate after Deallocate: %v", err)
	}

	if p2 != p {
		t.Fatalf("next-fit allocator should reuse just-freed block: got %p want %p", p2, p)
	}
}

func TestDeallocateOutOfRangeIsIgnored(t *testing.T) {
	buf := newArena(t, 4096)
	begin, end := span(buf)

	a, err := PlacementNew(begin, end)
	if err != nil {
		t.Fatalf("PlacementNew: %v", err)
	}

	other := make([]byte, 16)

	if err := a.Deallocate(unsafe.Pointer(&other[0]), 0); err != nil {
		t.Fatalf("Deallocate of an out-of-range pointer must be a logged no-op, not an error: %v", err)
	}
}

func TestAllocateExhaustsAndFails(t *testing.T) {
	buf := newArena(t, 512)
	begin, end := span(buf)

	a, err := PlacementNew(begin, end)
	if err != nil {
		t.Fatalf("PlacementNew: %v", err)
	}

	allocated := 0

	for i := 0; i < 1000; i++ {
		if _, err := a.Allocate(32, 0); err != nil {
			break
		}

		allocated++
	}

	if allocated == 0 {
		t.Fatal("expected at least one successful allocation before exhaustion")
	}

	if _, err := a.Allocate(4096, 0); err == nil {
		t.Fatal("Allocate must fail once the arena is exhausted")
	}
}

func TestHandleBindCloneClose(t *testing.T) {
	buf := newArena(t, 4096)
	begin, end := span(buf)

	h1, err := BindNew(begin, end)
	if err != nil {
		t.Fatalf("BindNew: %v", err)
	}

	h2, err := h1.Clone()
	if err != nil {
		t.Fatalf("Clone: %v", err)
	}

	count, err := h1.BindCount()
	if err != nil {
		t.Fatalf("BindCount: %v", err)
	}

	if count != 2 {
		t.Fatalf("BindCount = %d, want 2", count)
	}

	if err := h1.Close(); err != nil {
		t.Fatalf("Close h1: %v", err)
	}

	// Closing twice must be a safe no-op, never a double-decrement.
	if err := h1.Close(); err != nil {
		t.Fatalf("second Close h1: %v", err)
	}

	count, err = h2.BindCount()
	if err != nil {
		t.Fatalf("BindCount via h2: %v", err)
	}

	if count != 1 {
		t.Fatalf("BindCount after single Close = %d, want 1", count)
	}

	if err := h2.Close(); err != nil {
		t.Fatalf("Close h2: %v", err)
	}
}

func TestHandleAllocateAfterCloseFails(t *testing.T) {
	buf := newArena(t, 4096)
	begin, end := span(buf)

	h, err := BindNew(begin, end)
	if err != nil {
		t.Fatalf("BindNew: %v", err)
	}

	if err := h.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if _, err := h.Allocate(16, 0); err == nil {
		t.Fatal("Allocate on a closed Handle must fail")
	}
}
