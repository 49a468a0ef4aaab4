package heapregion

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"
	"unsafe"

	"github.com/go-ipsm/ipsm/shmregion"
)

func testName(t *testing.T) string {
	t.Helper()
	return "/ipsm-heap-test-" + t.Name()
}

func requireShmDir(t *testing.T) {
	t.Helper()

	if _, err := os.Stat("/dev/shm"); err != nil {
		t.Skipf("/dev/shm unavailable in this environment: %v", err)
	}
}

func cleanup(t *testing.T, name string) {
	t.Helper()

	if err := shmregion.ForceCleanup(name, ""); err != nil {
		t.Fatalf("ForceCleanup: %v", err)
	}

	t.Cleanup(func() {
		_ = shmregion.ForceCleanup(name, "")
	})
}

func TestCreateAllocatesChannelsAndArea(t *testing.T) {
	requireShmDir(t)

	name := testName(t)
	cleanup(t, name)

	hr, err := Create(Options{Name: name, Length: 8192, Mode: 0o600})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer hr.Detach()

	if hr.ChannelCount() != defaultChannelCount {
		t.Fatalf("ChannelCount() = %d, want %d", hr.ChannelCount(), defaultChannelCount)
	}

	if hr.ReferenceCount() != 1 {
		t.Fatalf("ReferenceCount() = %d, want 1", hr.ReferenceCount())
	}

	if hr.AvailableSize() == 0 {
		t.Fatalf("AvailableSize() = 0")
	}
}

func TestSendReceiveFIFOPerChannel(t *testing.T) {
	requireShmDir(t)

	name := testName(t)
	cleanup(t, name)

	hr, err := Create(Options{Name: name, Length: 8192, ChannelCount: 2})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer hr.Detach()

	p, err := hr.Allocate(8, 8)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}

	q, err := hr.Allocate(8, 8)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}

	if err := hr.Send(0, p); err != nil {
		t.Fatalf("Send(0, p): %v", err)
	}

	if err := hr.Send(0, q); err != nil {
		t.Fatalf("Send(0, q): %v", err)
	}

	got1, err := hr.Receive(0)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}

	got2, err := hr.Receive(0)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}

	if got1 != p || got2 != q {
		t.Fatalf("Receive order wrong: got %p, %p; want %p, %p", got1, got2, p, q)
	}
}

func TestReceiveBlocksUntilSend(t *testing.T) {
	requireShmDir(t)

	name := testName(t)
	cleanup(t, name)

	hr, err := Create(Options{Name: name, Length: 8192})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer hr.Detach()

	p, err := hr.Allocate(8, 8)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}

	var wg sync.WaitGroup
	received := make(chan unsafe.Pointer, 1)

	wg.Add(1)
	go func() {
		defer wg.Done()

		got, err := hr.Receive(1)
		if err != nil {
			t.Errorf("Receive: %v", err)
			return
		}

		received <- got
	}()

	time.Sleep(20 * time.Millisecond)

	if err := hr.Send(1, p); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case got := <-received:
		if got != p {
			t.Fatalf("Receive() = %p, want %p", got, p)
		}
	case <-time.After(time.Second):
		t.Fatalf("Receive never woke up after Send")
	}

	wg.Wait()
}

func TestSendRejectsOutOfRangeChannel(t *testing.T) {
	requireShmDir(t)

	name := testName(t)
	cleanup(t, name)

	hr, err := Create(Options{Name: name, Length: 8192, ChannelCount: 2})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer hr.Detach()

	if err := hr.Send(2, unsafe.Pointer(hr)); err == nil {
		t.Fatalf("expected an error sending to an out-of-range channel")
	}

	if _, err := hr.Receive(-1); err == nil {
		t.Fatalf("expected an error receiving from an out-of-range channel")
	}
}

func TestAttachSharesChannelsAndAllocator(t *testing.T) {
	requireShmDir(t)

	name := testName(t)
	cleanup(t, name)

	primary, err := Create(Options{Name: name, Length: 8192})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer primary.Detach()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	secondary, err := Attach(ctx, Options{Name: name, Length: 8192})
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	defer secondary.Detach()

	if secondary.ChannelCount() != primary.ChannelCount() {
		t.Fatalf("secondary ChannelCount() = %d, primary = %d", secondary.ChannelCount(), primary.ChannelCount())
	}

	p, err := primary.Allocate(16, 8)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}

	if err := primary.Send(0, p); err != nil {
		t.Fatalf("Send: %v", err)
	}

	got, err := secondary.Receive(0)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}

	// Each handle maps the segment at its own address, so the received
	// pointer is compared by its offset from each handle's payload base.
	gotOff := uintptr(got) - uintptr(secondary.region.Get())
	wantOff := uintptr(p) - uintptr(primary.region.Get())
	if gotOff != wantOff {
		t.Fatalf("cross-mapping Receive() offset = %#x, want %#x", gotOff, wantOff)
	}
}

func TestSendFailsWhenChannelFull(t *testing.T) {
	requireShmDir(t)

	name := testName(t)
	cleanup(t, name)

	hr, err := Create(Options{Name: name, Length: 1 << 20})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer hr.Detach()

	p, err := hr.Allocate(8, 8)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}

	for i := 0; i < channelCapacity; i++ {
		if err := hr.Send(0, p); err != nil {
			t.Fatalf("Send #%d: %v", i, err)
		}
	}

	if err := hr.Send(0, p); err == nil {
		t.Fatalf("expected Send to fail once the channel's ring buffer is full")
	}
}
