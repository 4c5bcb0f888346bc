package wsrelay

import "sync"

// stopper coordinates stopping a session's pair of pump goroutines.
// The first call to stop wins; everything waiting on the stopper is
// released when the channel closes.
type stopper struct {
	once sync.Once
	c    chan struct{}
}

func newStopper() *stopper {
	return &stopper{c: make(chan struct{})}
}

// stop trips the stopper. Safe to call any number of times from any
// goroutine; only the first call has an effect.
func (s *stopper) stop() {
	s.once.Do(func() { close(s.c) })
}

// isStopped checks the stopper without blocking.
func (s *stopper) isStopped() bool {
	select {
	case <-s.c:
		return true
	default:
		return false
	}
}

// wait blocks until the stopper is tripped.
func (s *stopper) wait() {
	<-s.c
}

// done exposes the stopper as a channel for use in selects.
func (s *stopper) done() <-chan struct{} {
	return s.c
}
