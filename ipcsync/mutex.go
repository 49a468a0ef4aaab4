// Package ipcsync implements the process-shared synchronisation
// primitives the rest of this module is built on: a robust mutex that
// recovers when its owning process dies mid-critical-section, a recursive
// variant of the same, and a condition variable bound to a single clock.
//
// A process-shared robust mutex needs to detect and recover a dead
// owner's lock the way PTHREAD_MUTEX_ROBUST with pthread_mutex_consistent
// does, but Go exposes no such primitive without cgo. RobustMutex is
// built directly on the Linux futex syscall plus explicit owner-PID
// bookkeeping instead: the same observable contract (lock, try-lock,
// unlock, and a lock acquired after the previous owner died reports that
// fact instead of silently succeeding) without pthread underneath.
package ipcsync

import (
	"log"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/go-ipsm/ipsm/internal/ipsmerrors"
)

// Futex word states, following the three-state futex mutex design
// (unlocked / locked-no-waiters / locked-with-waiters) commonly used to
// avoid a futex_wake syscall on every unlock.
const (
	mutexUnlocked uint32 = 0
	mutexLocked   uint32 = 1
	mutexWaiters  uint32 = 2
)

// Logger receives diagnostics for situations that have no well-defined
// recovery action: unlocking a mutex the calling process does not own.
// Recovering a mutex whose previous owner died is not logged; Lock and
// TryLock report it through their recovered result. Swappable; nil
// discards the message.
var Logger = log.New(log.Writer(), "", log.LstdFlags)

// RobustMutex is a process-shared mutual-exclusion lock suitable for
// placement inside a shared-memory segment. Its zero value is a valid,
// unlocked mutex, so it can be placed directly inside a larger struct that
// is itself constructed via placement into shared memory (no separate
// "init" step is required beyond zeroing, which shm_open-backed memory
// already guarantees).
type RobustMutex struct {
	word  uint32
	owner int32 // pid of current holder, 0 if unlocked
}

// Lock blocks until the mutex is acquired. recovered reports whether the
// previous owner was found to be dead, in which case the caller is
// responsible for verifying and restoring any invariant the critical
// section protects — the equivalent of calling pthread_mutex_consistent
// after catching an EOWNERDEAD-flavoured recovery.
func (m *RobustMutex) Lock() (recovered bool, err error) {
	pid := int32(unix.Getpid())

	for {
		if atomic.CompareAndSwapUint32(&m.word, mutexUnlocked, mutexLocked) {
			atomic.StoreInt32(&m.owner, pid)
			return false, nil
		}

		if dead := m.ownerIsDead(); dead {
			atomic.SwapUint32(&m.word, mutexLocked)
			atomic.StoreInt32(&m.owner, pid)

			return true, nil
		}

		if err := m.waitForUnlock(nil); err != nil {
			return false, err
		}
	}
}

// TryLock makes a single, non-blocking acquisition attempt. ok is false if
// the mutex is currently held by a live owner.
func (m *RobustMutex) TryLock() (ok, recovered bool, err error) {
	pid := int32(unix.Getpid())

	if atomic.CompareAndSwapUint32(&m.word, mutexUnlocked, mutexLocked) {
		atomic.StoreInt32(&m.owner, pid)
		return true, false, nil
	}

	if dead := m.ownerIsDead(); dead {
		atomic.SwapUint32(&m.word, mutexLocked)
		atomic.StoreInt32(&m.owner, pid)

		return true, true, nil
	}

	return false, false, nil
}

// Unlock releases the mutex. Unlocking a mutex this process does not
// currently hold is logged, not returned as an error, since the caller
// has no well-defined recovery action.
func (m *RobustMutex) Unlock() {
	pid := int32(unix.Getpid())

	if atomic.LoadInt32(&m.owner) != pid {
		if Logger != nil {
			Logger.Printf("ipcsync: Unlock called by pid %d, which does not own the mutex", pid)
		}

		return
	}

	atomic.StoreInt32(&m.owner, 0)

	old := atomic.SwapUint32(&m.word, mutexUnlocked)
	if old == mutexWaiters {
		_ = futexWake(&m.word, 1)
	}
}

// ownerIsDead reports whether the mutex is currently held and the holding
// process no longer exists, per unix.Kill(pid, 0) returning ESRCH. A live
// owner (nil error, or EPERM for an owner running as a different user)
// returns false: EPERM only means this process cannot signal that pid, not
// that the pid is dead.
func (m *RobustMutex) ownerIsDead() bool {
	owner := atomic.LoadInt32(&m.owner)
	if owner == 0 {
		return false
	}

	err := unix.Kill(int(owner), 0)

	return err == unix.ESRCH
}

// waitForUnlock parks the calling thread on the futex word until it is
// woken by an Unlock, a spurious wake, or (with a non-nil timeout) the
// deadline elapses. EINTR is retried transparently.
func (m *RobustMutex) waitForUnlock(timeout *unix.Timespec) error {
	for {
		cur := atomic.LoadUint32(&m.word)
		if cur == mutexUnlocked {
			return nil
		}

		if cur != mutexWaiters && !atomic.CompareAndSwapUint32(&m.word, mutexLocked, mutexWaiters) {
			continue
		}

		err := futexWait(&m.word, mutexWaiters, timeout)
		if err == nil || err == unix.EAGAIN {
			return nil
		}

		if err == unix.EINTR {
			continue
		}

		return ipsmerrors.Syscall("futex_wait", err)
	}
}
