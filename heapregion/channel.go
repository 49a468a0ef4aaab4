package heapregion

import (
	"unsafe"

	"github.com/go-ipsm/ipsm/ipcsync"
	"github.com/go-ipsm/ipsm/offsetptr"
)

// maxChannels bounds the fixed, compile-time channel count spec.md 3.6
// calls for — "a fixed, small number (default 2)". The area itself is
// sized for maxChannels regardless of how many a given HeapRegion
// actually uses, so the layout is static and two peers never need to
// agree on anything beyond the count the primary stamps in channelArea.
const maxChannels = 8

// channelCapacity is the fixed depth of each channel's ring buffer.
const channelCapacity = 64

// ring is a bounded FIFO queue of offset pointers, sized so its storage
// lives inline inside channelArea rather than behind an allocation of
// its own.
type ring struct {
	buf   [channelCapacity]offsetptr.OffsetPtr[byte]
	head  uintptr
	tail  uintptr
	count uintptr
}

func (r *ring) full() bool  { return r.count == channelCapacity }
func (r *ring) empty() bool { return r.count == 0 }

func (r *ring) push(p unsafe.Pointer) {
	slot := &r.buf[r.tail]
	slot.Set((*byte)(p))

	r.tail = (r.tail + 1) % channelCapacity
	r.count++
}

func (r *ring) pop() unsafe.Pointer {
	slot := &r.buf[r.head]
	p := unsafe.Pointer(slot.Get())
	slot.Set(nil)

	r.head = (r.head + 1) % channelCapacity
	r.count--

	return p
}

// channelArea is the shared, allocator-carved block backing a
// HeapRegion's message channels: one mutex and one condition variable
// guard every ring, exactly as spec.md 3.6 describes ("a fixed, small
// number of bounded queues ... sharing one mutex and one condition
// variable"). Its address is published as the region's opt_info so a
// secondary can recover it without a second round of negotiation.
type channelArea struct {
	mutex ipcsync.RobustMutex
	cond  ipcsync.CondVar[ipcsync.Monotonic]
	count uintptr
	rings [maxChannels]ring
}
