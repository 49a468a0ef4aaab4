package krmalloc

import (
	"unsafe"

	"github.com/go-ipsm/ipsm/internal/ipsmerrors"
)

var errClosedHandle = ipsmerrors.ErrClosed

// Handle is a reference-counted handle onto an Allocator; Clone makes
// another one. A naive move-only handle leaves what happens to a
// moved-from handle's destructor implicit, relying on the moved-from raw
// pointer being null; here that's made explicit and impossible to get
// wrong: bound is set false by the first Close, so a second Close —
// whether from a bug or a duplicate defer — is always a safe no-op rather
// than a second unbind.
type Handle struct {
	a     *Allocator
	bound bool
}

// BindNew constructs an Allocator at begin, managing [begin, end), and
// returns a Handle owning the caller's reference to it.
func BindNew(begin, end unsafe.Pointer) (*Handle, error) {
	a, err := PlacementNew(begin, end)
	if err != nil {
		return nil, err
	}

	return &Handle{a: a, bound: true}, nil
}

// BindExisting recovers a Handle onto an Allocator a peer already
// constructed at mem, incrementing its bind count.
func BindExisting(mem unsafe.Pointer) (*Handle, error) {
	a, err := Bind(mem)
	if err != nil {
		return nil, err
	}

	return &Handle{a: a, bound: true}, nil
}

// Clone produces a second Handle onto the same Allocator, incrementing
// the bind count, so the caller may hand one copy to another goroutine
// without transferring its own.
func (h *Handle) Clone() (*Handle, error) {
	if !h.bound {
		return nil, errClosedHandle
	}

	if _, err := h.a.mutex.Lock(); err != nil {
		return nil, err
	}

	h.a.bindCount++
	h.a.mutex.Unlock()

	return &Handle{a: h.a, bound: true}, nil
}

// Close decrements the bind count and, if it reaches zero, the Allocator
// is considered torn down (its span may be unmapped or reused by the
// caller after Close returns). Closing an already-closed Handle is a
// no-op, not an error.
func (h *Handle) Close() error {
	if !h.bound {
		return nil
	}

	h.bound = false

	_, err := h.a.Unbind()

	return err
}

// Allocate forwards to the underlying Allocator. Using a closed Handle
// reports errClosedHandle rather than operating on a possibly-freed
// Allocator.
func (h *Handle) Allocate(reqBytes, alignment uintptr) (unsafe.Pointer, error) {
	if !h.bound {
		return nil, errClosedHandle
	}

	return h.a.Allocate(reqBytes, alignment)
}

// Deallocate forwards to the underlying Allocator.
func (h *Handle) Deallocate(ptr unsafe.Pointer, alignment uintptr) error {
	if !h.bound {
		return errClosedHandle
	}

	return h.a.Deallocate(ptr, alignment)
}

// IsBelongTo forwards to the underlying Allocator.
func (h *Handle) IsBelongTo(ptr unsafe.Pointer) bool {
	if !h.bound {
		return false
	}

	return h.a.IsBelongTo(ptr)
}

// BindCount forwards to the underlying Allocator.
func (h *Handle) BindCount() (int64, error) {
	if !h.bound {
		return 0, errClosedHandle
	}

	return h.a.BindCount()
}
