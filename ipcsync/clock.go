package ipcsync

import "golang.org/x/sys/unix"

// Clock binds a CondVar to one clock source, fixed once at construction
// time and never varied per-wait. Two concrete, stateless implementations
// are provided; a CondVar is parameterised by one of them at the type
// level so the binding is a compile-time property, not a runtime
// attribute that could be changed after other waiters have already
// queued on it.
type Clock interface {
	id() int32
	now() (unix.Timespec, error)
}

// Monotonic binds a CondVar to CLOCK_MONOTONIC: timeouts are immune to
// wall-clock adjustments (NTP step, operator date -s), the right choice
// for any timeout measured as "N milliseconds from now".
type Monotonic struct{}

func (Monotonic) id() int32 { return unix.CLOCK_MONOTONIC }

func (Monotonic) now() (unix.Timespec, error) {
	var ts unix.Timespec

	err := unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts)

	return ts, err
}

// Realtime binds a CondVar to CLOCK_REALTIME: timeouts are expressed
// relative to wall-clock time, useful when a deadline is itself derived
// from a wall-clock timestamp shared with another process.
type Realtime struct{}

func (Realtime) id() int32 { return unix.CLOCK_REALTIME }

func (Realtime) now() (unix.Timespec, error) {
	var ts unix.Timespec

	err := unix.ClockGettime(unix.CLOCK_REALTIME, &ts)

	return ts, err
}

// SteadyClock marks a Clock immune to wall-clock adjustments. WaitFor
// requires it: a relative timeout is only meaningful to translate into
// "now plus duration" when now cannot jump backwards or forwards under
// an operator's date -s or an NTP step.
type SteadyClock interface {
	Clock
	steady()
}

func (Monotonic) steady() {}
