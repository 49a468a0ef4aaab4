//go:build linux

package ipcsync

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// futexWait blocks while *addr == expected, waking when another process or
// goroutine calls futexWake on the same address, a signal interrupts the
// wait (reported as unix.EINTR, which callers transparently retry rather
// than treat as failure), or timeout elapses. timeout == nil blocks
// indefinitely.
func futexWait(addr *uint32, expected uint32, timeout *unix.Timespec) error {
	_, _, errno := unix.Syscall6(
		unix.SYS_FUTEX,
		uintptr(unsafe.Pointer(addr)),
		uintptr(unix.FUTEX_WAIT),
		uintptr(expected),
		uintptr(unsafe.Pointer(timeout)),
		0, 0,
	)
	if errno != 0 {
		return errno
	}

	return nil
}

// futexWake wakes up to n waiters blocked on addr.
func futexWake(addr *uint32, n int) error {
	_, _, errno := unix.Syscall6(
		unix.SYS_FUTEX,
		uintptr(unsafe.Pointer(addr)),
		uintptr(unix.FUTEX_WAKE),
		uintptr(n),
		0, 0, 0,
	)
	if errno != 0 {
		return errno
	}

	return nil
}
