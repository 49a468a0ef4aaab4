package ipcsync

import (
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/go-ipsm/ipsm/internal/ipsmerrors"
)

// CondVar is a process-shared condition variable bound to clock C at the
// type level, mirroring pthread_condattr_setclock. It is used exactly
// like a standard condition variable: a waiter holds the associated
// RobustMutex, calls Wait with a predicate, and Wait atomically releases
// the mutex, blocks until notified, and reacquires the mutex before
// returning — looping internally so spurious wakeups never escape to the
// caller.
type CondVar[C Clock] struct {
	seq uint32
}

// Wait blocks until pred() returns true, releasing mu while parked and
// reacquiring it before returning. recovered reports whether reacquiring
// mu detected a dead previous owner, exactly as RobustMutex.Lock would.
func (c *CondVar[C]) Wait(mu *RobustMutex, pred func() bool) (recovered bool, err error) {
	for !pred() {
		seq := atomic.LoadUint32(&c.seq)

		mu.Unlock()

		werr := futexWait(&c.seq, seq, nil)

		rec, lockErr := mu.Lock()
		if lockErr != nil {
			return false, lockErr
		}

		if rec {
			recovered = true
		}

		if werr != nil && werr != unix.EAGAIN && werr != unix.EINTR {
			return recovered, ipsmerrors.Syscall("futex_wait", werr)
		}
	}

	return recovered, nil
}

// WaitUntil is Wait with a deadline. deadline is a time.Time, always
// wall-clock regardless of which Clock C binds this CondVar to, so
// remaining time is measured with time.Until rather than by reading C's
// clock — reading, say, CLOCK_MONOTONIC and subtracting it from a
// time.Time deadline would compare two unrelated epochs. timedOut is true
// if the deadline elapsed before pred() became true; in that case mu is
// still held on return, matching pthread_cond_timedwait's contract.
func (c *CondVar[C]) WaitUntil(mu *RobustMutex, pred func() bool, deadline time.Time) (timedOut, recovered bool, err error) {
	for !pred() {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return true, recovered, nil
		}

		seq := atomic.LoadUint32(&c.seq)

		mu.Unlock()

		ts := unix.NsecToTimespec(remaining.Nanoseconds())
		werr := futexWait(&c.seq, seq, &ts)

		rec, lockErr := mu.Lock()
		if lockErr != nil {
			return false, false, lockErr
		}

		if rec {
			recovered = true
		}

		if werr == unix.EAGAIN || werr == unix.EINTR || werr == nil {
			continue
		}

		if werr == unix.ETIMEDOUT {
			if pred() {
				return false, recovered, nil
			}

			return true, recovered, nil
		}

		return false, recovered, ipsmerrors.Syscall("futex_wait", werr)
	}

	return false, recovered, nil
}

// WaitFor is Wait with a relative timeout, translated to
// WaitUntil(now + timeout). It only compiles for a CondVar bound to a
// SteadyClock: a relative timeout measured against a clock that can jump
// (CLOCK_REALTIME, under Realtime) would make the deadline mean
// something different from what the caller asked for.
func WaitFor[C SteadyClock](c *CondVar[C], mu *RobustMutex, pred func() bool, timeout time.Duration) (timedOut, recovered bool, err error) {
	return c.WaitUntil(mu, pred, time.Now().Add(timeout))
}

// NotifyOne wakes a single waiter, if any are parked.
func (c *CondVar[C]) NotifyOne() {
	atomic.AddUint32(&c.seq, 1)
	_ = futexWake(&c.seq, 1)
}

// NotifyAll wakes every waiter currently parked on this condition
// variable.
func (c *CondVar[C]) NotifyAll() {
	atomic.AddUint32(&c.seq, 1)
	_ = futexWake(&c.seq, 1<<30)
}
