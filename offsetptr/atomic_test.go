package offsetptr

import (
	"sync"
	"testing"
)

type slot struct {
	value int64
	link  AtomicOffsetPtr[slot]
}

func TestAtomicLoadStoreRoundTrip(t *testing.T) {
	slots := make([]slot, 3)
	slots[0].link.Store(&slots[1])

	if got := slots[0].link.Load(); got != &slots[1] {
		t.Fatalf("Load() = %p, want %p", got, &slots[1])
	}
}

func TestAtomicNilByDefault(t *testing.T) {
	var p AtomicOffsetPtr[slot]
	if !p.IsNil() {
		t.Fatal("zero-value AtomicOffsetPtr must be nil")
	}
}

func TestAtomicExchange(t *testing.T) {
	slots := make([]slot, 3)
	slots[0].link.Store(&slots[1])

	old := slots[0].link.Exchange(&slots[2])
	if old != &slots[1] {
		t.Fatalf("Exchange returned %p, want previous value %p", old, &slots[1])
	}

	if got := slots[0].link.Load(); got != &slots[2] {
		t.Fatalf("after Exchange Load() = %p, want %p", got, &slots[2])
	}
}

func TestAtomicCompareAndSwap(t *testing.T) {
	slots := make([]slot, 3)
	slots[0].link.Store(&slots[1])

	if slots[0].link.CompareAndSwap(&slots[2], &slots[0]) {
		t.Fatal("CompareAndSwap must fail when the current value doesn't match old")
	}

	if !slots[0].link.CompareAndSwap(&slots[1], &slots[2]) {
		t.Fatal("CompareAndSwap must succeed when the current value matches old")
	}

	if got := slots[0].link.Load(); got != &slots[2] {
		t.Fatalf("Load() after CAS = %p, want %p", got, &slots[2])
	}
}

func TestAtomicConcurrentCompareAndSwap(t *testing.T) {
	arr := make([]slot, 64)

	var head AtomicOffsetPtr[slot]

	var wg sync.WaitGroup

	for i := range arr {
		wg.Add(1)

		go func(n *slot) {
			defer wg.Done()

			for {
				cur := head.Load()
				n.link.Store(cur)

				if head.CompareAndSwap(cur, n) {
					return
				}
			}
		}(&arr[i])
	}

	wg.Wait()

	count := 0
	for p := head.Load(); p != nil; p = p.link.Load() {
		count++
		if count > len(arr) {
			t.Fatal("list has a cycle or duplicate entries")
		}
	}

	if count != len(arr) {
		t.Fatalf("linked %d nodes via concurrent CAS, want %d", count, len(arr))
	}
}

func TestAtomicFetchAddAndSub(t *testing.T) {
	arr := make([]slot, 4)

	var p AtomicOffsetPtr[slot]
	p.Store(&arr[0])

	old := p.FetchAdd(2)
	if old != &arr[0] {
		t.Fatalf("FetchAdd returned %p, want previous value %p", old, &arr[0])
	}

	if got := p.Load(); got != &arr[2] {
		t.Fatalf("after FetchAdd(2) Load() = %p, want %p", got, &arr[2])
	}

	p.FetchSub(1)
	if got := p.Load(); got != &arr[1] {
		t.Fatalf("after FetchSub(1) Load() = %p, want %p", got, &arr[1])
	}
}
