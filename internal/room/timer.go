package room

import (
	"sync"
	"time"
)

// moveTimer signals a channel after a configurable duration unless stopped.
// It drives the per-move deadline of the turn loop: the loop selects on
// Expired() alongside the client's move channel.
type moveTimer struct {
	mu      sync.Mutex
	timer   *time.Timer
	stopped bool
	expired chan struct{}
}

// newMoveTimer starts a timer that closes Expired() after duration.
//
// Precondition: duration > 0.
func newMoveTimer(duration time.Duration) *moveTimer {
	mt := &moveTimer{expired: make(chan struct{})}
	mt.timer = time.AfterFunc(duration, func() {
		mt.mu.Lock()
		stopped := mt.stopped
		if !stopped {
			mt.stopped = true
			close(mt.expired)
		}
		mt.mu.Unlock()
	})
	return mt
}

// Expired returns the channel closed when the deadline passes.
func (mt *moveTimer) Expired() <-chan struct{} {
	return mt.expired
}

// Stop prevents the deadline from firing. Safe to call multiple times and
// after expiry.
func (mt *moveTimer) Stop() {
	mt.mu.Lock()
	defer mt.mu.Unlock()
	if !mt.stopped {
		mt.stopped = true
		mt.timer.Stop()
	}
}
