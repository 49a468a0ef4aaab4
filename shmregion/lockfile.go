package shmregion

import (
	"time"

	"golang.org/x/sys/unix"

	"github.com/go-ipsm/ipsm/internal/ipsmerrors"
)

const lockfileMaxDelay = 64 * time.Millisecond

// lockfileMutex is a filesystem-based inter-process mutex: exclusive
// ownership of path is established by an exclusive-create open, and
// released by unlinking it. It protects the short bootstrap critical
// section in which a process decides whether it is the primary or
// secondary peer for a region — not the region's steady-state contents,
// which are instead protected by an ipcsync.RobustMutex living inside the
// region itself.
type lockfileMutex struct {
	path string
	fd   int
}

func newLockfileMutex(path string) *lockfileMutex {
	return &lockfileMutex{path: path, fd: -1}
}

// Lock blocks until the lockfile is exclusively created, backing off with
// a doubling schedule: 1ms, doubling on each failed attempt, capped at
// 64ms.
func (l *lockfileMutex) Lock() error {
	delay := time.Millisecond

	for {
		ok, err := l.tryCreate()
		if err != nil {
			return err
		}

		if ok {
			return nil
		}

		time.Sleep(delay)

		delay *= 2
		if delay > lockfileMaxDelay {
			delay = lockfileMaxDelay

			if Logger != nil {
				Logger.Printf("shmregion: reached max delay waiting for lockfile %s", l.path)
			}
		}
	}
}

// TryLock makes a single, non-blocking attempt.
func (l *lockfileMutex) TryLock() (bool, error) {
	return l.tryCreate()
}

// Unlock releases the lockfile by unlinking it.
func (l *lockfileMutex) Unlock() {
	l.discard()
}

func (l *lockfileMutex) tryCreate() (bool, error) {
	if l.fd >= 0 {
		if Logger != nil {
			Logger.Printf("shmregion: lockfile %s already held by this handle, refusing dual lock", l.path)
		}

		return false, nil
	}

	fd, err := unix.Open(l.path, unix.O_RDWR|unix.O_CLOEXEC|unix.O_CREAT|unix.O_EXCL, 0o666)
	if err != nil {
		if err == unix.EEXIST {
			return false, nil
		}

		return false, ipsmerrors.Syscall("open(lockfile)", err)
	}

	l.fd = fd

	return true, nil
}

func (l *lockfileMutex) discard() {
	if l.fd < 0 {
		return
	}

	if err := unix.Unlink(l.path); err != nil && err != unix.ENOENT {
		if Logger != nil {
			Logger.Printf("shmregion: unlink(lockfile %s): %v", l.path, err)
		}
	}

	if err := unix.Close(l.fd); err != nil && Logger != nil {
		Logger.Printf("shmregion: close(lockfile %s): %v", l.path, err)
	}

	l.fd = -1
}
