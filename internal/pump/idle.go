package pump

import "time"

// idleTimer fires once no byte has crossed either direction for the
// configured duration. A zero duration disables it (never fires).
type idleTimer struct {
	timer   *time.Timer
	timeout time.Duration
	fired   chan struct{}
}

func newIdleTimer(timeout time.Duration) *idleTimer {
	it := &idleTimer{timeout: timeout, fired: make(chan struct{})}
	if timeout <= 0 {
		return it
	}
	it.timer = time.AfterFunc(timeout, func() { close(it.fired) })
	return it
}

func (it *idleTimer) reset() {
	if it.timer == nil {
		return
	}
	it.timer.Reset(it.timeout)
}

func (it *idleTimer) expired() <-chan struct{} {
	if it.timer == nil {
		return nil // never fires; nil channel blocks forever in a select
	}
	return it.fired
}

func (it *idleTimer) stop() {
	if it.timer != nil {
		it.timer.Stop()
	}
}
