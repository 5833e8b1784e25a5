package live

import (
	"sync"

	"github.com/Wike-CHI/timao-douyin-live-manager-sub002/pkg/window"
)

// runSlot serializes analysis runs for one session. At most one run is in
// flight and at most one closed window waits behind it. Submitting a third
// window replaces the waiting one, so a slow model call costs the oldest
// backlog, never the freshest signals.
type runSlot struct {
	launch  func(*window.Window)
	dropped func(*window.Window)
	onDrain func()

	mu      sync.Mutex
	busy    bool
	pending *window.Window
	stopped bool
}

// submit hands a closed window to the slot. The launch callback runs outside
// the slot lock.
func (rs *runSlot) submit(w *window.Window) {
	rs.mu.Lock()
	if rs.stopped {
		rs.mu.Unlock()
		return
	}
	if !rs.busy {
		rs.busy = true
		rs.mu.Unlock()
		rs.launch(w)
		return
	}
	old := rs.pending
	rs.pending = w
	rs.mu.Unlock()
	if old != nil && rs.dropped != nil {
		rs.dropped(old)
	}
}

// done marks the in-flight run finished and launches the pending window,
// if any. After stop the pending window is never launched.
func (rs *runSlot) done() {
	rs.mu.Lock()
	if rs.stopped || rs.pending == nil {
		rs.busy = false
		stopped := rs.stopped
		rs.mu.Unlock()
		if !stopped && rs.onDrain != nil {
			rs.onDrain()
		}
		return
	}
	next := rs.pending
	rs.pending = nil
	rs.mu.Unlock()
	rs.launch(next)
}

// stop rejects further submissions and returns the abandoned pending window,
// if one was waiting. The in-flight run, if any, still completes.
func (rs *runSlot) stop() *window.Window {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.stopped = true
	p := rs.pending
	rs.pending = nil
	return p
}
