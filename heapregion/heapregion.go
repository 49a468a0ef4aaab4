// Package heapregion composes shmregion and krmalloc into the top-level
// type spec.md calls HeapRegion: a shared-memory region whose payload
// starts with an allocator control block managing the rest of it, plus a
// small fixed-channel message-passing area allocated from that heap, the
// combination a primary and secondary bootstrap cooperatively.
package heapregion

import (
	"context"
	"log"
	"unsafe"

	"github.com/go-ipsm/ipsm/internal/ipsmerrors"
	"github.com/go-ipsm/ipsm/krmalloc"
	"github.com/go-ipsm/ipsm/shmregion"
)

// Logger receives a diagnostic line when Send or Receive is called with
// an out-of-range channel index — spec.md 4.6 calls for bounds-checking
// "and logs on violation" rather than only returning an error.
var Logger = log.New(log.Writer(), "", log.LstdFlags)

const defaultChannelCount = 2

// Options configures a HeapRegion's bootstrap. It embeds the same fields
// as shmregion.Options because a HeapRegion's region-level behaviour
// (directory, mode, format version) is identical; it adds ChannelCount,
// which governs only how many of channelArea's fixed channel slots this
// HeapRegion actually uses.
type Options struct {
	Name          string
	Directory     string
	Length        uint64
	Mode          uint32
	FormatVersion string

	// ChannelCount is the number of message channels to use, clamped to
	// [1, maxChannels]. Zero means defaultChannelCount.
	ChannelCount int
}

func (o *Options) channelCount() uintptr {
	n := o.ChannelCount
	if n <= 0 {
		n = defaultChannelCount
	}

	if n > maxChannels {
		n = maxChannels
	}

	return uintptr(n)
}

func (o *Options) regionOptions() shmregion.Options {
	return shmregion.Options{
		Name:          o.Name,
		Directory:     o.Directory,
		Length:        o.Length,
		Mode:          o.Mode,
		FormatVersion: o.FormatVersion,
	}
}

// HeapRegion is a shared-memory heap: an allocator carved out of a
// shmregion.Region's payload, plus a small fixed set of message channels
// published via the region's opt_info.
type HeapRegion struct {
	region       *shmregion.Region
	handle       *krmalloc.Handle
	area         *channelArea
	channelCount uintptr
}

func bindAllocatorAndArea(buf unsafe.Pointer, size uintptr, channelCount uintptr) (*krmalloc.Handle, *channelArea, unsafe.Pointer, error) {
	end := unsafe.Pointer(uintptr(buf) + size)

	handle, err := krmalloc.BindNew(buf, end)
	if err != nil {
		return nil, nil, nil, err
	}

	areaPtr, err := handle.Allocate(unsafe.Sizeof(channelArea{}), unsafe.Alignof(channelArea{}))
	if err != nil {
		_ = handle.Close()
		return nil, nil, nil, err
	}

	area := (*channelArea)(areaPtr)
	*area = channelArea{}
	area.count = channelCount

	return handle, area, areaPtr, nil
}

// Create bootstraps a new HeapRegion, failing if one already exists under
// opts.Name.
func Create(opts Options) (*HeapRegion, error) {
	hr := &HeapRegion{channelCount: opts.channelCount()}

	ro := opts.regionOptions()
	ro.PrimaryInit = func(buf unsafe.Pointer, size uintptr) (unsafe.Pointer, error) {
		handle, area, areaPtr, err := bindAllocatorAndArea(buf, size, hr.channelCount)
		if err != nil {
			return nil, err
		}

		hr.handle = handle
		hr.area = area

		return areaPtr, nil
	}

	region, err := shmregion.CreateAsPrimary(ro)
	if err != nil {
		return nil, err
	}

	hr.region = region

	return hr, nil
}

// Attach binds to an existing HeapRegion, failing if none exists yet.
func Attach(ctx context.Context, opts Options) (*HeapRegion, error) {
	hr := &HeapRegion{}

	ro := opts.regionOptions()
	ro.SecondaryInit = func(buf unsafe.Pointer, size uintptr) error {
		handle, err := krmalloc.BindExisting(buf)
		if err != nil {
			return err
		}

		hr.handle = handle

		return nil
	}

	region, err := shmregion.AttachAsSecondary(ctx, ro)
	if err != nil {
		return nil, err
	}

	hr.region = region
	hr.area = (*channelArea)(region.OptInfo())
	hr.channelCount = hr.area.count

	return hr, nil
}

// Open bootstraps a HeapRegion cooperatively: whichever caller wins
// becomes the primary, the other attaches as secondary. See
// shmregion.OpenBoth.
func Open(ctx context.Context, opts Options) (*HeapRegion, error) {
	hr := &HeapRegion{channelCount: opts.channelCount()}

	ro := opts.regionOptions()
	ro.PrimaryInit = func(buf unsafe.Pointer, size uintptr) (unsafe.Pointer, error) {
		handle, area, areaPtr, err := bindAllocatorAndArea(buf, size, hr.channelCount)
		if err != nil {
			return nil, err
		}

		hr.handle = handle
		hr.area = area

		return areaPtr, nil
	}
	ro.SecondaryInit = func(buf unsafe.Pointer, size uintptr) error {
		handle, err := krmalloc.BindExisting(buf)
		if err != nil {
			return err
		}

		hr.handle = handle

		return nil
	}

	region, err := shmregion.OpenBoth(ctx, ro)
	if err != nil {
		return nil, err
	}

	hr.region = region

	if hr.area == nil {
		hr.area = (*channelArea)(region.OptInfo())
		hr.channelCount = hr.area.count
	}

	return hr, nil
}

// Allocate forwards to the underlying allocator handle.
func (h *HeapRegion) Allocate(bytes, alignment uintptr) (unsafe.Pointer, error) {
	return h.handle.Allocate(bytes, alignment)
}

// Deallocate forwards to the underlying allocator handle.
func (h *HeapRegion) Deallocate(ptr unsafe.Pointer, alignment uintptr) error {
	return h.handle.Deallocate(ptr, alignment)
}

// ChannelCount returns the number of message channels this HeapRegion
// uses.
func (h *HeapRegion) ChannelCount() int {
	return int(h.channelCount)
}

func (h *HeapRegion) checkChannelIndex(op string, channelIndex int) error {
	if channelIndex < 0 || uintptr(channelIndex) >= h.channelCount {
		if Logger != nil {
			Logger.Printf("heapregion: %s: channel index %d out of range [0,%d)", op, channelIndex, h.channelCount)
		}

		return ipsmerrors.ErrInvalidArgument
	}

	return nil
}

// Send pushes ptr onto channel channelIndex and wakes one waiter. It
// reports ipsmerrors.ErrResourceExhausted if the channel's bounded queue
// is full.
func (h *HeapRegion) Send(channelIndex int, ptr unsafe.Pointer) error {
	if err := h.checkChannelIndex("send", channelIndex); err != nil {
		return err
	}

	if _, err := h.area.mutex.Lock(); err != nil {
		return err
	}
	defer h.area.mutex.Unlock()

	r := &h.area.rings[channelIndex]
	if r.full() {
		return ipsmerrors.ErrResourceExhausted
	}

	r.push(ptr)
	h.area.cond.NotifyOne()

	return nil
}

// Receive blocks until channel channelIndex is non-empty, then pops and
// returns its head.
func (h *HeapRegion) Receive(channelIndex int) (unsafe.Pointer, error) {
	if err := h.checkChannelIndex("receive", channelIndex); err != nil {
		return nil, err
	}

	if _, err := h.area.mutex.Lock(); err != nil {
		return nil, err
	}
	defer h.area.mutex.Unlock()

	r := &h.area.rings[channelIndex]

	if _, err := h.area.cond.Wait(&h.area.mutex, func() bool { return !r.empty() }); err != nil {
		return nil, err
	}

	return r.pop(), nil
}

// ReferenceCount reports the region's cross-process reference count.
func (h *HeapRegion) ReferenceCount() int32 {
	return h.region.BindCount()
}

// AvailableSize reports the region's usable payload size.
func (h *HeapRegion) AvailableSize() uintptr {
	return h.region.AvailableSize()
}

// SetTeardown installs a callback run once, under the region's lockfile,
// before this process's reference is released.
func (h *HeapRegion) SetTeardown(fn func(final bool, buf unsafe.Pointer, size uintptr)) {
	h.region.SetTeardown(fn)
}

// Detach closes the allocator handle and detaches from the underlying
// region, unlinking it if this was the last reference.
func (h *HeapRegion) Detach() error {
	if err := h.handle.Close(); err != nil {
		return err
	}

	return h.region.Detach()
}
