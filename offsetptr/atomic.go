package offsetptr

import (
	"sync/atomic"
	"unsafe"
)

// AtomicOffsetPtr is the atomic counterpart of OffsetPtr: the displacement
// itself is stored in an atomic.Uintptr, so concurrent readers and writers
// in the same or different processes observe a consistent sequence of
// values without external locking. Go's atomic package fixes the memory
// ordering to the strongest available (sequential consistency on every
// supported architecture); unlike the C++ original this type has no
// separate memory-order parameter on each operation — there is only one
// ordering, so there is nothing to pass.
type AtomicOffsetPtr[T any] struct {
	offset atomic.Uintptr
}

func (p *AtomicOffsetPtr[T]) decode(off uintptr) *T {
	if off == 0 {
		return nil
	}

	return (*T)(unsafe.Pointer(uintptr(unsafe.Pointer(p)) + off))
}

func (p *AtomicOffsetPtr[T]) encode(target *T) uintptr {
	if target == nil {
		return 0
	}

	return uintptr(unsafe.Pointer(target)) - uintptr(unsafe.Pointer(p))
}

// Load decodes and returns the current target.
func (p *AtomicOffsetPtr[T]) Load() *T {
	return p.decode(p.offset.Load())
}

// Store encodes and installs target as the new value.
func (p *AtomicOffsetPtr[T]) Store(target *T) {
	p.offset.Store(p.encode(target))
}

// Exchange installs target as the new value and returns the previous one.
func (p *AtomicOffsetPtr[T]) Exchange(target *T) *T {
	old := p.offset.Swap(p.encode(target))

	return p.decode(old)
}

// CompareAndSwap installs new in place of old, iff the current value
// decodes to old, and reports whether it did. old and new are both
// interpreted relative to p's own address, as usual.
func (p *AtomicOffsetPtr[T]) CompareAndSwap(old, new *T) bool {
	return p.offset.CompareAndSwap(p.encode(old), p.encode(new))
}

// FetchAdd advances the stored target by n elements of T and returns the
// value that was current immediately before the update.
func (p *AtomicOffsetPtr[T]) FetchAdd(n int64) *T {
	var zero T

	step := n * int64(unsafe.Sizeof(zero))
	old := p.offset.Add(uintptr(step)) - uintptr(step)

	return p.decode(old)
}

// FetchSub retreats the stored target by n elements of T and returns the
// value that was current immediately before the update.
func (p *AtomicOffsetPtr[T]) FetchSub(n int64) *T {
	return p.FetchAdd(-n)
}

// IsNil reports whether the current value is the null pointer.
func (p *AtomicOffsetPtr[T]) IsNil() bool {
	return p.offset.Load() == 0
}
