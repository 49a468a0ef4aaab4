//go:build !linux

package ipcsync

import (
	"golang.org/x/sys/unix"

	"github.com/go-ipsm/ipsm/internal/ipsmerrors"
)

// futexWait/futexWake have no portable POSIX equivalent: PTHREAD_MUTEX_ROBUST
// itself is a Linux/glibc-leaning extension, and the raw futex syscall this
// package builds RobustMutex and CondVar on top of is Linux-specific. Other
// POSIX systems would need a different wait primitive (e.g. a ume/umtx
// family call on BSD); that port is not attempted here, so non-Linux builds
// fail these calls explicitly instead of silently spinning.
func futexWait(addr *uint32, expected uint32, timeout *unix.Timespec) error {
	return ipsmerrors.Syscall("futex_wait", unix.ENOTSUP)
}

func futexWake(addr *uint32, n int) error {
	return ipsmerrors.Syscall("futex_wake", unix.ENOTSUP)
}
