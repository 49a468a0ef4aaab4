package shmregion

import (
	"path/filepath"

	"golang.org/x/sys/unix"

	"github.com/go-ipsm/ipsm/internal/ipsmerrors"
)

// identityFile is a zero-length marker file whose inode number is stamped
// into the region header at creation time and re-checked by every peer
// that attaches afterward. Because POSIX shared memory and the identity
// file are unlinked independently, a region that outlived its identity
// file (or whose identity file was removed and recreated by an unrelated
// process reusing the same name) is detectable: the stamped inode and the
// identity file's current inode will disagree.
type identityFile struct {
	path  string
	fd    int
	inode uint64
}

func idFilePath(dir, name string) string {
	return filepath.Join(dir, name)
}

func lockfilePath(dir, name string) string {
	return filepath.Join(dir, name+".lock")
}

// createOrOpenIdentityFile opens path, creating it if absent, and
// captures its inode.
func createOrOpenIdentityFile(path string, mode uint32) (*identityFile, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC|unix.O_CREAT, mode)
	if err != nil {
		return nil, ipsmerrors.Syscall("open(identity file)", err)
	}

	inode, err := fstatInode(fd)
	if err != nil {
		_ = unix.Close(fd)
		return nil, err
	}

	return &identityFile{path: path, fd: fd, inode: inode}, nil
}

// openExistingIdentityFile re-opens path without O_CREAT, used to
// re-verify that the identity file observed moments earlier is still the
// same file (guards against a delete-and-recreate race during bootstrap).
func openExistingIdentityFile(path string) (*identityFile, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, ipsmerrors.Syscall("open(identity file)", err)
	}

	inode, err := fstatInode(fd)
	if err != nil {
		_ = unix.Close(fd)
		return nil, err
	}

	return &identityFile{path: path, fd: fd, inode: inode}, nil
}

func fstatInode(fd int) (uint64, error) {
	var st unix.Stat_t

	if err := unix.Fstat(fd, &st); err != nil {
		return 0, ipsmerrors.Syscall("fstat(identity file)", err)
	}

	return uint64(st.Ino), nil
}

func (f *identityFile) close() {
	if f == nil || f.fd < 0 {
		return
	}

	if err := unix.Close(f.fd); err != nil && Logger != nil {
		Logger.Printf("shmregion: close(identity file %s): %v", f.path, err)
	}

	f.fd = -1
}

// unlink removes the identity file. ENOENT is tolerated: ForceCleanup and
// the final-detach teardown path must both succeed when the file is
// already gone.
func (f *identityFile) unlink() error {
	if f == nil {
		return nil
	}

	if err := unix.Unlink(f.path); err != nil && err != unix.ENOENT {
		return ipsmerrors.Syscall("unlink(identity file)", err)
	}

	return nil
}

// currentInode re-stats the identity file's current path from scratch
// (not the open descriptor), for DebugTestIntegrity: it must observe
// whatever inode the path currently resolves to, including "the file is
// gone".
func currentInode(path string) (uint64, bool, error) {
	var st unix.Stat_t

	err := unix.Stat(path, &st)
	if err == unix.ENOENT {
		return 0, false, nil
	}

	if err != nil {
		return 0, false, ipsmerrors.Syscall("stat(identity file)", err)
	}

	return uint64(st.Ino), true, nil
}
