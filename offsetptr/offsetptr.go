// Package offsetptr implements address-space-independent pointers: a
// pointer encoded as a displacement from its own storage address rather
// than as an absolute address. Two processes that map the same shared
// memory segment at different base addresses can still follow an
// OffsetPtr to the same logical location, because the displacement is
// recomputed relative to wherever the pointer itself happens to live in
// each process.
//
// The encoding has one consequence callers must respect: an OffsetPtr must
// never be relocated by a raw struct copy (`a = b`). A struct copy carries
// the raw displacement field across, which is only valid if the source and
// destination live at the same address — never true across two distinct
// storage locations. Use CopyFrom, or decode-then-Set, whenever an
// OffsetPtr's storage location changes.
package offsetptr

import "unsafe"

// OffsetPtr stores a displacement from its own address to a target of type
// T. The zero value is a null pointer: a displacement of zero can never be
// produced by Set for a non-nil target, since that would require the
// target to alias the pointer's own storage, which Set forbids.
type OffsetPtr[T any] struct {
	offset uintptr
}

// New builds an OffsetPtr whose storage is dst, pointing at target.
// Equivalent to dst.Set(target) on a freshly zeroed dst, spelled out for
// call sites that construct and assign in one step.
func New[T any](dst *OffsetPtr[T], target *T) {
	dst.Set(target)
}

// Get decodes the pointer relative to p's own address. Returns nil for a
// null OffsetPtr.
func (p *OffsetPtr[T]) Get() *T {
	if p.offset == 0 {
		return nil
	}

	return (*T)(unsafe.Pointer(uintptr(unsafe.Pointer(p)) + p.offset))
}

// Set encodes target as a displacement from p's own address. A nil target
// encodes to the null displacement (zero). Passing target == unsafe self
// (i.e. a *T that aliases p's own storage) is a programming error ruled
// out by construction; Set does not attempt to detect it.
func (p *OffsetPtr[T]) Set(target *T) {
	p.offset = p.computeOffset(target)
}

func (p *OffsetPtr[T]) computeOffset(target *T) uintptr {
	if target == nil {
		return 0
	}

	return uintptr(unsafe.Pointer(target)) - uintptr(unsafe.Pointer(p))
}

// IsNil reports whether p currently encodes the null pointer.
func (p *OffsetPtr[T]) IsNil() bool {
	return p.offset == 0
}

// CopyFrom relocates src's target into p's own storage, recomputing the
// displacement from p's address rather than copying src's raw
// displacement field. This is the only correct way to move an OffsetPtr
// from one storage location to another.
func (p *OffsetPtr[T]) CopyFrom(src *OffsetPtr[T]) {
	p.Set(src.Get())
}

// Swap exchanges the decoded targets of p and other, not their raw
// displacement fields, so both remain valid no matter where each is
// stored.
func (p *OffsetPtr[T]) Swap(other *OffsetPtr[T]) {
	a, b := p.Get(), other.Get()
	p.Set(b)
	other.Set(a)
}

// Equal reports whether p and other decode to the same target address.
func (p *OffsetPtr[T]) Equal(other *OffsetPtr[T]) bool {
	return p.Get() == other.Get()
}

// Add advances p's target by n elements of T, in place, by decoding,
// applying pointer arithmetic, and re-encoding.
func (p *OffsetPtr[T]) Add(n int64) {
	cur := p.Get()
	if cur == nil {
		return
	}

	p.Set((*T)(unsafe.Add(unsafe.Pointer(cur), n*int64(unsafe.Sizeof(*cur)))))
}

// Sub retreats p's target by n elements of T, in place.
func (p *OffsetPtr[T]) Sub(n int64) {
	p.Add(-n)
}

// Diff returns the element-wise distance from other's target to p's
// target: (p.Get() - other.Get()) / sizeof(T). Both pointers must be
// non-nil.
func (p *OffsetPtr[T]) Diff(other *OffsetPtr[T]) int64 {
	a := uintptr(unsafe.Pointer(p.Get()))
	b := uintptr(unsafe.Pointer(other.Get()))
	var zero T

	return int64(a-b) / int64(unsafe.Sizeof(zero))
}
