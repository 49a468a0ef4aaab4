package shmregion

import (
	"github.com/fsnotify/fsnotify"

	"github.com/go-ipsm/ipsm/internal/ipsmerrors"
)

// WatchOp is a narrow operation bitmask covering the handful of events
// relevant to a region's two bootstrap files.
type WatchOp uint32

const (
	OpCreate WatchOp = 1 << iota
	OpRemove
	OpRename
)

// WatchEvent reports one filesystem-level change to either the identity
// file or the lockfile belonging to a region — diagnostic only, useful
// for tests and operators chasing the "stale lockfile" hazard, never
// required for correct operation.
type WatchEvent struct {
	Path string
	Op   WatchOp
}

// Watcher streams WatchEvents for one region's bootstrap files.
type Watcher struct {
	fsw    *fsnotify.Watcher
	events chan WatchEvent
	errs   chan error
	done   chan struct{}
}

// Watch opens a diagnostic watcher on r's identity file and lockfile
// paths. Closing the returned Watcher stops the background goroutine.
func (r *Region) Watch() (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, ipsmerrors.Syscall("fsnotify.NewWatcher", err)
	}

	if err := fsw.Add(r.idPath); err != nil {
		_ = fsw.Close()
		return nil, ipsmerrors.Syscall("fsnotify.Add(identity file)", err)
	}

	if err := fsw.Add(r.lockPath); err != nil {
		_ = fsw.Close()
		return nil, ipsmerrors.Syscall("fsnotify.Add(lockfile)", err)
	}

	w := &Watcher{
		fsw:    fsw,
		events: make(chan WatchEvent, 16),
		errs:   make(chan error, 4),
		done:   make(chan struct{}),
	}

	go w.loop()

	return w, nil
}

func (w *Watcher) loop() {
	defer close(w.events)
	defer close(w.errs)

	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}

			translated, ok := translateOp(ev.Op)
			if !ok {
				continue
			}

			select {
			case w.events <- WatchEvent{Path: ev.Name, Op: translated}:
			default:
				// A slow consumer must not stall fsnotify's internal loop;
				// dropping a diagnostic event here is acceptable since this
				// channel is advisory, not load-bearing.
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}

			select {
			case w.errs <- err:
			default:
			}
		case <-w.done:
			return
		}
	}
}

func translateOp(op fsnotify.Op) (WatchOp, bool) {
	switch {
	case op&fsnotify.Create != 0:
		return OpCreate, true
	case op&fsnotify.Remove != 0:
		return OpRemove, true
	case op&fsnotify.Rename != 0:
		return OpRename, true
	default:
		return 0, false
	}
}

// Events returns the channel of translated filesystem events.
func (w *Watcher) Events() <-chan WatchEvent {
	return w.events
}

// Errors returns the channel of errors fsnotify reported.
func (w *Watcher) Errors() <-chan error {
	return w.errs
}

// Close stops the watcher's background goroutine and releases its
// underlying fsnotify.Watcher.
func (w *Watcher) Close() error {
	close(w.done)

	if err := w.fsw.Close(); err != nil {
		return ipsmerrors.Syscall("fsnotify.Close", err)
	}

	return nil
}
