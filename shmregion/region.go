// Package shmregion implements the cooperative bootstrap of a POSIX
// shared-memory segment between two independent processes, neither of
// which is told in advance whether it will be the one to create the
// segment (the "primary") or the one to find it already created (the
// "secondary").
//
// Three constructors are provided: OpenBoth retries until either role
// succeeds (the cooperative, tagless constructor);
// CreateAsPrimary and AttachAsSecondary pin the caller to one role and
// fail, rather than retry forever, when that role cannot be won.
package shmregion

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/go-ipsm/ipsm/internal/ipsmerrors"
	"github.com/go-ipsm/ipsm/offsetptr"
)

// Logger receives diagnostics for conditions the cooperative bootstrap
// path treats as transient and retries rather than surfaces: a
// mid-creation peer, an identity file that changed underneath a retry.
// Swappable the same way ipcsync.Logger is; nil discards the message.
var Logger = log.New(log.Writer(), "", log.LstdFlags)

const maxShmNameLen = 251 // NAME_MAX (255) - 4

// regionHeader occupies the start of the mapped shared-memory segment.
// It is followed immediately by the caller's payload. Fields accessed
// across process boundaries are manipulated with sync/atomic, since
// multiple processes may read or update reference_count and inode_val
// concurrently.
type regionHeader struct {
	length    uint64
	refCount  atomic.Int32
	inode     atomic.Uint64
	formatVer [formatVersionWidth]byte
	optInfo   offsetptr.AtomicOffsetPtr[byte]
}

var headerSize = unsafe.Sizeof(regionHeader{})

// PrimaryInitFunc initialises a freshly created region's payload and
// returns an opaque pointer (within the payload) stashed in the header
// for secondaries to recover via OptInfo.
type PrimaryInitFunc func(buf unsafe.Pointer, size uintptr) (unsafe.Pointer, error)

// SecondaryInitFunc runs in a process that attached to an
// already-initialised region.
type SecondaryInitFunc func(buf unsafe.Pointer, size uintptr) error

// Options configures a region's bootstrap, passed by value rather than
// through functional options.
type Options struct {
	// Name is the POSIX shared-memory object name: must start with '/'
	// and be shorter than NAME_MAX-4.
	Name string
	// Directory holds the identity file and lockfile. Defaults to "/tmp".
	Directory string
	// Length is the requested payload size in bytes, before the header
	// and page-rounding are added.
	Length uint64
	// Mode is the access mode applied to the identity file and the
	// shared-memory object.
	Mode uint32
	// FormatVersion is stamped by a primary and checked by every
	// secondary. Defaults to DefaultFormatVersion.
	FormatVersion string

	PrimaryInit   PrimaryInitFunc
	SecondaryInit SecondaryInitFunc
}

func (o *Options) directory() string {
	if o.Directory == "" {
		return "/tmp"
	}

	return o.Directory
}

func (o *Options) formatVersion() string {
	if o.FormatVersion == "" {
		return DefaultFormatVersion
	}

	return o.FormatVersion
}

func checkPathName(name string) error {
	if name == "" || name[0] != '/' {
		return ipsmerrors.ErrInvalidArgument
	}

	if len(name) >= maxShmNameLen {
		return ipsmerrors.ErrInvalidArgument
	}

	return nil
}

func pageAlignedSize(requested uint64) uint64 {
	total := headerSize + uintptr(requested)
	pageLen := uintptr(unix.Getpagesize())

	whole := (total / pageLen) * pageLen
	if total%pageLen == 0 {
		return uint64(whole)
	}

	return uint64(whole + pageLen)
}

func availableSize(allocated uint64) uint64 {
	if allocated <= uint64(headerSize) {
		return 0
	}

	return allocated - uint64(headerSize)
}

// Region is a handle onto one cooperatively bootstrapped shared-memory
// segment.
type Region struct {
	name     string
	idPath   string
	lockPath string

	id  *identityFile
	shm *shmSegment

	header *regionHeader

	mu       sync.Mutex
	teardown func(final bool, buf unsafe.Pointer, size uintptr)
	closed   bool
}

// OpenBoth bootstraps a region cooperatively: whichever of two racing
// processes wins the exclusive shm_open becomes the primary and runs
// PrimaryInit; the other becomes the secondary and runs SecondaryInit.
// It retries indefinitely on a transient bootstrap inconsistency (a peer
// observed mid-create, an identity file that changed between two
// lockfile-protected checks), until ctx is cancelled.
func OpenBoth(ctx context.Context, opts Options) (*Region, error) {
	for {
		r, ok, err := tryBootstrap(roleEither, opts)
		if err != nil {
			return nil, err
		}

		if ok {
			return r, nil
		}

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		select {
		case <-time.After(2 * time.Millisecond):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// CreateAsPrimary makes a single attempt to create the region as primary,
// failing immediately if one already exists.
func CreateAsPrimary(opts Options) (*Region, error) {
	r, ok, err := tryBootstrap(rolePrimary, opts)
	if err != nil {
		return nil, err
	}

	if !ok {
		return nil, ipsmerrors.ErrResourceExhausted
	}

	return r, nil
}

// AttachAsSecondary attaches to an already-created region, retrying for
// a bounded number of attempts if it observes the primary mid-teardown or
// mid-create, since a secondary racing a primary's detach has a
// legitimate reason to retry briefly rather than fail outright.
func AttachAsSecondary(ctx context.Context, opts Options) (*Region, error) {
	const maxAttempts = 50

	for attempt := 0; attempt < maxAttempts; attempt++ {
		r, ok, err := tryBootstrap(roleSecondary, opts)
		if err != nil {
			return nil, err
		}

		if ok {
			return r, nil
		}

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		select {
		case <-time.After(2 * time.Millisecond):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	return nil, ipsmerrors.ErrResourceExhausted
}

type role int

const (
	roleEither role = iota
	rolePrimary
	roleSecondary
)

// tryBootstrap makes a single, lockfile-protected attempt to establish
// (or attach to) a region. ok == false means the caller should retry — a
// transient condition, not a caller error.
func tryBootstrap(r role, opts Options) (region *Region, ok bool, err error) {
	if err := checkPathName(opts.Name); err != nil {
		return nil, false, err
	}

	dir := opts.directory()
	idPath := idFilePath(dir, opts.Name)
	lockPath := lockfilePath(dir, opts.Name)

	curID, err := createOrOpenIdentityFile(idPath, opts.Mode)
	if err != nil {
		return nil, false, err
	}

	lf := newLockfileMutex(lockPath)
	if err := lf.Lock(); err != nil {
		curID.close()
		return nil, false, err
	}
	defer lf.Unlock()

	tmpID, err := openExistingIdentityFile(idPath)
	if err != nil {
		curID.close()

		if Logger != nil {
			Logger.Printf("shmregion: identity file %s vanished mid-bootstrap, retrying", idPath)
		}

		return nil, false, nil
	}
	defer tmpID.close()

	if curID.inode != tmpID.inode {
		curID.close()

		if Logger != nil {
			Logger.Printf("shmregion: identity file %s inode changed mid-bootstrap, retrying", idPath)
		}

		return nil, false, nil
	}

	necessary := pageAlignedSize(opts.Length)

	seg, isPrimary, err := openSegmentForRole(r, opts.Name, necessary, opts.Mode)
	if err != nil {
		curID.close()
		return nil, false, err
	}

	if seg == nil {
		curID.close()
		return nil, false, nil
	}

	header := (*regionHeader)(unsafe.Pointer(&seg.mapping[0]))
	payload := unsafe.Pointer(&seg.mapping[headerSize])
	payloadSize := uintptr(availableSize(uint64(necessary)))

	if isPrimary {
		*header = regionHeader{}
		header.length = uint64(necessary)
		header.inode.Store(curID.inode)
		header.formatVer = encodeFormatVersion(opts.formatVersion())

		if opts.PrimaryInit != nil {
			optInfo, initErr := opts.PrimaryInit(payload, payloadSize)
			if initErr != nil {
				seg.close()
				curID.close()

				return nil, false, initErr
			}

			header.optInfo.Store((*byte)(optInfo))
		}
	} else {
		curInode := header.inode.Load()
		if curInode != curID.inode || curInode == 0 {
			seg.close()
			curID.close()

			if Logger != nil {
				Logger.Printf("shmregion: %s inode mismatch on attach, retrying", opts.Name)
			}

			return nil, false, nil
		}

		if err := checkFormatVersionCompatible(opts.formatVersion(), decodeFormatVersion(header.formatVer)); err != nil {
			seg.close()
			curID.close()

			return nil, false, err
		}

		if opts.SecondaryInit != nil {
			if err := opts.SecondaryInit(payload, payloadSize); err != nil {
				seg.close()
				curID.close()

				return nil, false, err
			}
		}
	}

	header.refCount.Add(1)

	return &Region{
		name:     opts.Name,
		idPath:   idPath,
		lockPath: lockPath,
		id:       curID,
		shm:      seg,
		header:   header,
	}, true, nil
}

func openSegmentForRole(r role, name string, size uintptr, mode uint32) (seg *shmSegment, isPrimary bool, err error) {
	switch r {
	case roleEither:
		seg, err = createShm(name, size, mode)
		if err != nil {
			return nil, false, err
		}

		if seg != nil {
			return seg, true, nil
		}

		seg, err = openShm(name, size)
		if err != nil {
			return nil, false, err
		}

		return seg, false, nil

	case rolePrimary:
		seg, err = createShm(name, size, mode)
		return seg, true, err

	case roleSecondary:
		seg, err = openShm(name, size)
		return seg, false, err

	default:
		return nil, false, ipsmerrors.ErrInvalidArgument
	}
}

// Get returns the base address of the region's payload in this process's
// address space.
func (r *Region) Get() unsafe.Pointer {
	return unsafe.Pointer(&r.shm.mapping[headerSize])
}

// AvailableSize returns the usable payload size.
func (r *Region) AvailableSize() uintptr {
	return uintptr(availableSize(uint64(r.shm.size)))
}

// OptInfo returns the pointer PrimaryInit stashed in the header, as
// decoded in this process's address space.
func (r *Region) OptInfo() unsafe.Pointer {
	return unsafe.Pointer(r.header.optInfo.Load())
}

// SetOptInfo overwrites the stashed opt-info pointer.
func (r *Region) SetOptInfo(p unsafe.Pointer) {
	r.header.optInfo.Store((*byte)(p))
}

// SetTeardown installs a callback invoked once, from Detach, before this
// process's reference to the region is released. final reports whether
// this Detach is dropping the last reference (in which case the
// underlying shared-memory object and identity file are about to be
// unlinked).
func (r *Region) SetTeardown(fn func(final bool, buf unsafe.Pointer, size uintptr)) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.teardown = fn
}

// BindCount returns the region's current cross-process reference count.
func (r *Region) BindCount() int32 {
	return r.header.refCount.Load()
}

// Detach releases this process's reference to the region. If it was the
// last reference, the shared-memory object and identity file are
// unlinked. A teardown callback installed with SetTeardown runs first,
// under the lockfile; any panic inside it is recovered and logged rather
// than being allowed to propagate out of a detach path callers expect to
// be infallible.
func (r *Region) Detach() (err error) {
	r.mu.Lock()

	if r.closed {
		r.mu.Unlock()
		return nil
	}

	r.closed = true
	teardown := r.teardown

	r.mu.Unlock()

	lf := newLockfileMutex(r.lockPath)
	if err := lf.Lock(); err != nil {
		return err
	}
	defer lf.Unlock()

	final := r.header.refCount.Load()-1 <= 0

	func() {
		defer func() {
			if rec := recover(); rec != nil && Logger != nil {
				Logger.Printf("shmregion: teardown callback for %s panicked: %v", r.name, rec)
			}
		}()

		if teardown != nil {
			teardown(final, r.Get(), r.AvailableSize())
		}
	}()

	r.header.refCount.Add(-1)

	if final {
		r.header.inode.Store(0)

		if err := r.id.unlink(); err != nil && Logger != nil {
			Logger.Printf("shmregion: %v", err)
		}

		if err := unlinkShm(r.name); err != nil && Logger != nil {
			Logger.Printf("shmregion: %v", err)
		}
	}

	r.shm.close()
	r.id.close()

	return nil
}

// ForceCleanup unconditionally removes the identity file, the
// shared-memory object, and the lockfile for name, tolerating all three
// already being absent. Intended for test setup, to guarantee a clean
// slate before a bootstrap scenario runs.
func ForceCleanup(name, directory string) error {
	if directory == "" {
		directory = "/tmp"
	}

	idPath := idFilePath(directory, name)
	lockPath := lockfilePath(directory, name)

	var firstErr error

	if err := unix.Unlink(idPath); err != nil && err != unix.ENOENT && firstErr == nil {
		firstErr = ipsmerrors.Syscall("unlink(identity file)", err)
	}

	if err := unlinkShm(name); err != nil && firstErr == nil {
		firstErr = err
	}

	if err := unix.Unlink(lockPath); err != nil && err != unix.ENOENT && firstErr == nil {
		firstErr = ipsmerrors.Syscall("unlink(lockfile)", err)
	}

	return firstErr
}

// DebugIdentityInode returns the inode number stamped in the region
// header.
func (r *Region) DebugIdentityInode() uint64 {
	return r.header.inode.Load()
}

// DebugTestIntegrity reports whether the identity file's current inode
// still matches the inode stamped in the region header — false indicates
// the region has outlived its identity file.
func (r *Region) DebugTestIntegrity() (bool, error) {
	inode, exists, err := currentInode(r.idPath)
	if err != nil {
		return false, err
	}

	if !exists {
		return false, nil
	}

	return inode == r.header.inode.Load(), nil
}
