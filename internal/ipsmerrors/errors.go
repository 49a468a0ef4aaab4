// Package ipsmerrors centralises the error-kind taxonomy shared by every
// layer of the module: precondition violations, resource exhaustion, and
// wrapped system-call failures. Each layer still builds its own messages
// with fmt.Errorf and %w; this package only supplies the sentinels callers
// can match against with errors.Is.
package ipsmerrors

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidArgument marks a precondition violation: a nil pointer, a
	// zero or negative size, an out-of-range handle. Never resolves by
	// retrying.
	ErrInvalidArgument = errors.New("ipsm: invalid argument")

	// ErrResourceExhausted marks an allocation, mapping, or capacity
	// failure: the free list has no fitting block, a bounded channel is
	// full, a shared-memory segment could not be grown.
	ErrResourceExhausted = errors.New("ipsm: resource exhausted")

	// ErrNotOwner marks an operation attempted by a process that does not
	// hold the resource it is trying to release (unlocking a mutex it
	// never locked, detaching a region it never attached).
	ErrNotOwner = errors.New("ipsm: not owner")

	// ErrClosed marks use of a handle, region, or allocator after it has
	// already been torn down.
	ErrClosed = errors.New("ipsm: use after close")

	// ErrIncompatible marks a secondary attach whose peer stamped a format
	// version this build cannot interoperate with. Never transient.
	ErrIncompatible = errors.New("ipsm: incompatible format version")
)

// Syscall wraps a failed system call with the operation name, matching the
// shape of *os.SyscallError without depending on the os package's internal
// constructor. The returned error unwraps to err, so errors.Is(err, unix.ENOENT)
// style checks still work through it.
func Syscall(op string, err error) error {
	if err == nil {
		return nil
	}

	return fmt.Errorf("ipsm: %s: %w", op, err)
}

// Transient builds an error describing a bootstrap inconsistency an
// internal retry loop is expected to resolve (a peer mid-create, a
// lockfile held by a process that is about to release it). No bootstrap
// path in this module returns it: the retry loops signal a retry
// internally, and AttachAsSecondary reports a bare ErrResourceExhausted
// once its retry budget is used up.
func Transient(reason string) error {
	return fmt.Errorf("ipsm: transient bootstrap condition: %s", reason)
}
