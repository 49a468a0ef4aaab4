package shmregion

import (
	"strings"

	"golang.org/x/sys/unix"

	"github.com/go-ipsm/ipsm/internal/ipsmerrors"
)

// shmDir is where Linux's POSIX shared-memory implementation actually
// keeps its objects: glibc's shm_open is itself nothing more than open()
// on a path under here with O_CLOEXEC forced on, so reproducing that
// directly avoids a cgo dependency on the glibc wrapper.
const shmDir = "/dev/shm"

func shmPath(name string) string {
	trimmed := strings.TrimPrefix(name, "/")
	return shmDir + "/" + trimmed
}

// shmSegment owns an open shared-memory file descriptor and, once mapped,
// the mapping it produced.
type shmSegment struct {
	path    string
	fd      int
	size    uintptr
	mapping []byte
}

// createShm exclusively creates a new shared-memory object, sizes it, and
// maps it. Returns (nil, nil) — not an error — if the object already
// exists, so callers can fall back to openShm in a "try primary, then try
// secondary" sequence.
func createShm(name string, size uintptr, mode uint32) (*shmSegment, error) {
	fd, err := unix.Open(shmPath(name), unix.O_RDWR|unix.O_CREAT|unix.O_EXCL|unix.O_CLOEXEC, mode)
	if err != nil {
		if err == unix.EEXIST {
			return nil, nil
		}

		return nil, ipsmerrors.Syscall("shm_open(create)", err)
	}

	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		_ = unix.Close(fd)
		return nil, ipsmerrors.Syscall("ftruncate", err)
	}

	mapping, err := unix.Mmap(fd, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		_ = unix.Close(fd)
		return nil, ipsmerrors.Syscall("mmap", err)
	}

	return &shmSegment{path: shmPath(name), fd: fd, size: size, mapping: mapping}, nil
}

// openShm opens an existing shared-memory object and maps it. Returns
// (nil, nil) if it does not exist.
func openShm(name string, size uintptr) (*shmSegment, error) {
	fd, err := unix.Open(shmPath(name), unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		if err == unix.ENOENT {
			return nil, nil
		}

		return nil, ipsmerrors.Syscall("shm_open(open)", err)
	}

	mapping, err := unix.Mmap(fd, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		_ = unix.Close(fd)
		return nil, ipsmerrors.Syscall("mmap", err)
	}

	return &shmSegment{path: shmPath(name), fd: fd, size: size, mapping: mapping}, nil
}

func (s *shmSegment) close() {
	if s == nil {
		return
	}

	if s.mapping != nil {
		if err := unix.Munmap(s.mapping); err != nil && Logger != nil {
			Logger.Printf("shmregion: munmap(%s): %v", s.path, err)
		}

		s.mapping = nil
	}

	if s.fd >= 0 {
		if err := unix.Close(s.fd); err != nil && Logger != nil {
			Logger.Printf("shmregion: close(%s): %v", s.path, err)
		}

		s.fd = -1
	}
}

// unlink removes the shared-memory object itself. ENOENT is tolerated.
func unlinkShm(name string) error {
	if err := unix.Unlink(shmPath(name)); err != nil && err != unix.ENOENT {
		return ipsmerrors.Syscall("shm_unlink", err)
	}

	return nil
}
