// Package krmalloc implements a K&R-style next-fit allocator over a flat
// byte span, suitable for placement inside shared memory: every internal
// pointer is an offsetptr.OffsetPtr rather than a raw address, so the free
// list remains valid no matter where each attached process mapped the
// span.
//
// The free list is a single circular linked list of variable-sized
// blocks, each made of a header (the next pointer and a size counted in
// header-units) immediately followed by its payload. allocate walks the
// list starting from a cached "rover" position (next-fit, not first-fit,
// to avoid repeatedly re-scanning the list's front for a workload that
// allocates and frees in a steady pattern), splitting a block that is
// larger than needed or taking a whole block that fits closely. Non-default
// alignment is handled by optimistically reserving worst-case padding
// up front, then reclaiming whatever of that padding turned out to be
// unnecessary back into the neighbouring free block via optimizeHeaderSlot
// — dropping that reclamation pass would silently waste memory on every
// aligned allocation.
package krmalloc

import (
	"errors"
	"log"
	"unsafe"

	"github.com/go-ipsm/ipsm/internal/ipsmerrors"
	"github.com/go-ipsm/ipsm/ipcsync"
	"github.com/go-ipsm/ipsm/offsetptr"
)

// Logger receives diagnostics for conditions Deallocate treats as
// no-ops rather than errors: a pointer outside the allocator's managed
// span. Swappable; nil discards the message.
var Logger = log.New(log.Writer(), "", log.LstdFlags)

// errFreeListCorrupt is returned when Deallocate walks the
// entire free list without finding an address-ordered insertion point for
// a pointer that did pass the managed-span bounds check — the free list's
// address-sort invariant has been violated, most likely by a caller that
// has already double-freed this pointer.
var errFreeListCorrupt = errors.New("krmalloc: free list address-order invariant violated")

// blockHeader is the K&R free-list node: a next pointer and a size,
// counted in units of unsafe.Sizeof(blockHeader{}), covering this block
// including its own header. Payload bytes begin immediately after the
// header, at blockAddr + unitSize.
type blockHeader struct {
	next      offsetptr.OffsetPtr[blockHeader]
	sizeUnits uintptr
}

// unitSize is the K&R allocator's native granularity: every block's size,
// and the shift the alignment-reclamation pass reasons in, is a multiple
// of this.
var unitSize = unsafe.Sizeof(blockHeader{})

func bytesToUnits(n uintptr) uintptr {
	return (n + unitSize - 1) / unitSize
}

func alignUp(n, alignment uintptr) uintptr {
	if alignment <= 1 {
		return n
	}

	return (n + alignment - 1) &^ (alignment - 1)
}

func blockAt(addr uintptr) *blockHeader {
	return (*blockHeader)(unsafe.Pointer(addr))
}

// Allocator is the control block for a K&R free list. It is placed at the
// start of the span it manages via PlacementNew; its own bookkeeping
// fields live in the same span they administer, so a single
// shared-memory mapping carries both. Its zero value is not directly
// usable — construct one with PlacementNew or recover one with Bind.
type Allocator struct {
	start     offsetptr.OffsetPtr[byte]
	end       offsetptr.OffsetPtr[byte]
	mutex     ipcsync.RobustMutex
	bindCount int64
	rover     offsetptr.OffsetPtr[blockHeader]
	base      blockHeader
}

// PlacementNew constructs an Allocator at begin, managing the span
// [begin, end) minus the space the Allocator struct itself occupies. The
// returned Allocator has a bind count of one, as if Bind had already been
// called for the caller.
func PlacementNew(begin, end unsafe.Pointer) (*Allocator, error) {
	if begin == nil || end == nil {
		return nil, ipsmerrors.ErrInvalidArgument
	}

	beginAddr, endAddr := uintptr(begin), uintptr(end)
	if beginAddr >= endAddr {
		return nil, ipsmerrors.ErrInvalidArgument
	}

	storageStart := alignUp(beginAddr+unsafe.Sizeof(Allocator{}), unitSize)
	if storageStart+2*unitSize > endAddr {
		return nil, ipsmerrors.ErrResourceExhausted
	}

	a := (*Allocator)(begin)
	*a = Allocator{}

	numUnits := (endAddr - storageStart) / unitSize
	if numUnits < 2 {
		return nil, ipsmerrors.ErrResourceExhausted
	}

	first := blockAt(storageStart)
	first.sizeUnits = numUnits
	first.next.Set(&a.base)

	a.base.next.Set(first)
	a.rover.Set(&a.base)
	a.start.Set((*byte)(unsafe.Pointer(storageStart)))
	a.end.Set((*byte)(unsafe.Pointer(endAddr)))
	a.bindCount = 1

	return a, nil
}

// Bind recovers an Allocator from a pointer to memory a peer already
// constructed with PlacementNew, and increments the bind count. An
// already-torn-down allocator (bind count at zero) cannot be rebound —
// rebinding it would race with the memory having been reused for
// something else — so Bind reports ipsmerrors.ErrClosed in that case,
// treating it as a fatal precondition violation rather than a
// recoverable condition.
func Bind(mem unsafe.Pointer) (*Allocator, error) {
	if mem == nil {
		return nil, ipsmerrors.ErrInvalidArgument
	}

	a := (*Allocator)(mem)

	if _, err := a.mutex.Lock(); err != nil {
		return nil, err
	}
	defer a.mutex.Unlock()

	if a.bindCount <= 0 {
		return nil, ipsmerrors.ErrClosed
	}

	a.bindCount++

	return a, nil
}

// Unbind decrements the bind count and returns its new value. Callers
// should use Handle rather than calling Unbind directly; it exists at the
// Allocator level so Handle can layer reference counting over a plain
// bind/unbind pair.
func (a *Allocator) Unbind() (int64, error) {
	if _, err := a.mutex.Lock(); err != nil {
		return 0, err
	}
	defer a.mutex.Unlock()

	if a.bindCount > 0 {
		a.bindCount--
	}

	return a.bindCount, nil
}

// BindCount reports the current bind count.
func (a *Allocator) BindCount() (int64, error) {
	if _, err := a.mutex.Lock(); err != nil {
		return 0, err
	}
	defer a.mutex.Unlock()

	return a.bindCount, nil
}

// IsBelongTo reports whether ptr was (or could have been) returned by
// Allocate on this allocator, i.e. falls within its managed span.
func (a *Allocator) IsBelongTo(ptr unsafe.Pointer) bool {
	addr := uintptr(ptr)
	start := uintptr(unsafe.Pointer(a.start.Get()))
	end := uintptr(unsafe.Pointer(a.end.Get()))

	return addr >= start && addr < end
}

// optimizeHeaderSlot computes how many leading header-units of a block
// tentatively starting at blockAddr are unnecessary padding for the given
// alignment, so they can be folded back into the neighbouring free block.
// For alignment that doesn't exceed the header's own size, no block ever
// needs shifting (every block already starts on a unitSize-aligned
// address), so it always returns zero.
func optimizeHeaderSlot(blockAddr, alignment uintptr) uintptr {
	if alignment <= unitSize {
		return 0
	}

	naturalBody := blockAddr + unitSize
	aligned := alignUp(naturalBody, alignment)

	return (aligned - naturalBody) / unitSize
}

func bodyPtr(b *blockHeader) unsafe.Pointer {
	return unsafe.Pointer(uintptr(unsafe.Pointer(b)) + unitSize)
}

// Allocate reserves a block of at least reqBytes, whose returned address
// is a multiple of alignment (alignment == 0 is treated as 1, i.e. no
// constraint beyond the allocator's native unit granularity).
func (a *Allocator) Allocate(reqBytes, alignment uintptr) (unsafe.Pointer, error) {
	if reqBytes == 0 {
		return nil, ipsmerrors.ErrInvalidArgument
	}

	realAlignment := alignment
	if realAlignment == 0 {
		realAlignment = 1
	}

	additional := uintptr(0)
	if realAlignment > unitSize {
		additional = realAlignment - unitSize
	}

	reqUnits := bytesToUnits(reqBytes+additional) + 1

	if _, err := a.mutex.Lock(); err != nil {
		return nil, err
	}
	defer a.mutex.Unlock()

	pEnd := a.rover.Get()
	pPre := pEnd
	pCur := pEnd.next.Get()

	for {
		pNext := pCur.next.Get()

		if pCur.sizeUnits > reqUnits+1 {
			// pCur has more free units than needed: carve reqUnits off its
			// tail, leaving the earlier part of pCur on the free list.
			newBlockSize := pCur.sizeUnits - reqUnits
			ansAddr := uintptr(unsafe.Pointer(pCur)) + newBlockSize*unitSize

			shift := optimizeHeaderSlot(ansAddr, realAlignment)
			reqUnits -= shift
			newBlockSize = pCur.sizeUnits - reqUnits
			ansAddr = uintptr(unsafe.Pointer(pCur)) + newBlockSize*unitSize
			ans := blockAt(ansAddr)

			pCur.sizeUnits = newBlockSize
			a.rover.Set(pCur)

			ans.next.Set(nil)
			ans.sizeUnits = reqUnits

			return bodyPtr(ans), nil
		}

		if pCur.sizeUnits >= reqUnits {
			// pCur fits closely enough to hand over whole: remove it from
			// the free list.
			curAddr := uintptr(unsafe.Pointer(pCur))

			shift := optimizeHeaderSlot(curAddr, realAlignment)

			var ans *blockHeader

			if shift == 0 {
				pPre.next.Set(pNext)
				ans = pCur
				ans.next.Set(nil)
			} else {
				ansAddr := curAddr + shift*unitSize
				ans = blockAt(ansAddr)
				reqUnits -= shift
				ans.next.Set(nil)
				ans.sizeUnits = reqUnits

				pPre.next.Set(pNext)
				pPre.sizeUnits += shift
			}

			a.rover.Set(pPre)

			return bodyPtr(ans), nil
		}

		if pCur == pEnd {
			break
		}

		pPre = pCur
		pCur = pNext
	}

	return nil, ipsmerrors.ErrResourceExhausted
}

// Deallocate returns a block previously obtained from Allocate to the
// free list, address-sorting its insertion and coalescing with either
// neighbour it turns out to be adjacent to. ptr outside this allocator's
// managed span is logged and ignored rather than reported as an error,
// since a deallocate path has no useful way to surface one and callers
// are not expected to check it.
func (a *Allocator) Deallocate(ptr unsafe.Pointer, alignment uintptr) error {
	if !a.IsBelongTo(ptr) {
		if Logger != nil {
			Logger.Printf("krmalloc: Deallocate called with a pointer outside the managed span: %p", ptr)
		}

		return nil
	}

	addrP := uintptr(ptr)
	targetAddr := (addrP/unitSize - 1) * unitSize
	target := blockAt(targetAddr)

	if _, err := a.mutex.Lock(); err != nil {
		return err
	}
	defer a.mutex.Unlock()

	pEnd := a.rover.Get()
	pPre := pEnd
	pNext := pPre.next.Get()

	for {
		preAddr := uintptr(unsafe.Pointer(pPre))
		targetAddr2 := uintptr(unsafe.Pointer(target))
		nextAddr := uintptr(unsafe.Pointer(pNext))
		between := (preAddr < targetAddr2 && targetAddr2 < nextAddr) ||
			(preAddr < targetAddr2 && nextAddr < preAddr)

		if between {
			preAdjacent := blockEnd(pPre) == target
			nextAdjacent := blockEnd(target) == pNext

			switch {
			case preAdjacent && nextAdjacent:
				pPre.next.Set(pNext.next.Get())
				pPre.sizeUnits += target.sizeUnits + pNext.sizeUnits
			case preAdjacent:
				pPre.sizeUnits += target.sizeUnits
			case nextAdjacent:
				target.next.Set(pNext.next.Get())
				pPre.next.Set(target)
				target.sizeUnits += pNext.sizeUnits
			default:
				target.next.Set(pNext)
				pPre.next.Set(target)
			}

			a.rover.Set(pPre)

			return nil
		}

		pPre = pNext
		pNext = pNext.next.Get()

		if pPre == pEnd {
			break
		}
	}

	if pPre == &a.base && pNext == &a.base {
		// The free list is completely exhausted; this is the first block
		// handed back since then.
		pPre.next.Set(target)
		target.next.Set(pPre)

		return nil
	}

	return errFreeListCorrupt
}

func blockEnd(b *blockHeader) *blockHeader {
	return blockAt(uintptr(unsafe.Pointer(b)) + b.sizeUnits*unitSize)
}
