package ipcsync

import (
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// RecursiveRobustMutex layers reentrant-by-owner semantics over
// RobustMutex: the same process may Lock it repeatedly without
// deadlocking itself, provided each Lock is matched by an Unlock. Like
// RobustMutex its zero value is directly usable once placed in shared
// memory.
type RecursiveRobustMutex struct {
	inner RobustMutex
	depth int32 // recursion depth, valid only while inner is held by this process
}

// Lock acquires the mutex, or increments the recursion depth if the
// calling process already holds it. recovered is true only on the first
// acquisition after a dead owner was detected, matching RobustMutex.Lock.
func (m *RecursiveRobustMutex) Lock() (recovered bool, err error) {
	pid := int32(unix.Getpid())

	if atomic.LoadInt32(&m.inner.owner) == pid && atomic.LoadUint32(&m.inner.word) != mutexUnlocked {
		atomic.AddInt32(&m.depth, 1)
		return false, nil
	}

	recovered, err = m.inner.Lock()
	if err != nil {
		return false, err
	}

	atomic.StoreInt32(&m.depth, 1)

	return recovered, nil
}

// TryLock is the non-blocking counterpart of Lock.
func (m *RecursiveRobustMutex) TryLock() (ok, recovered bool, err error) {
	pid := int32(unix.Getpid())

	if atomic.LoadInt32(&m.inner.owner) == pid && atomic.LoadUint32(&m.inner.word) != mutexUnlocked {
		atomic.AddInt32(&m.depth, 1)
		return true, false, nil
	}

	ok, recovered, err = m.inner.TryLock()
	if err != nil || !ok {
		return ok, recovered, err
	}

	atomic.StoreInt32(&m.depth, 1)

	return true, recovered, nil
}

// Unlock decrements the recursion depth, releasing the underlying mutex
// only when it reaches zero. Unlocking more times than locked, or from a
// non-owning process, is logged via the same Logger hook RobustMutex uses
// and otherwise ignored.
func (m *RecursiveRobustMutex) Unlock() {
	pid := int32(unix.Getpid())
	if atomic.LoadInt32(&m.inner.owner) != pid {
		if Logger != nil {
			Logger.Printf("ipcsync: Unlock called by pid %d, which does not own the recursive mutex", pid)
		}

		return
	}

	if atomic.AddInt32(&m.depth, -1) > 0 {
		return
	}

	m.inner.Unlock()
}
