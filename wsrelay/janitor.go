package wsrelay

import (
	"sync"
	"time"
)

// janitor is the safety net for sessions whose pumps are stuck or whose
// peer vanished without a close signal. It periodically sweeps the
// registry and forces stale sessions through the normal teardown path.
type janitor struct {
	relay    *Relay
	interval time.Duration
	maxAge   time.Duration

	stopOnce sync.Once
	stopped  chan struct{}
}

func newJanitor(relay *Relay, interval, maxAge time.Duration) *janitor {
	return &janitor{
		relay:    relay,
		interval: interval,
		maxAge:   maxAge,
		stopped:  make(chan struct{}),
	}
}

// run loops until stop is called. Runs in its own goroutine.
func (j *janitor) run() {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			j.sweep()
		case <-j.stopped:
			return
		}
	}
}

func (j *janitor) stop() {
	j.stopOnce.Do(func() { close(j.stopped) })
}

// sweep closes every session older than maxAge. Closing cancels any
// still-running pumps, whose owner then destroys the session; the
// explicit Destroy below covers sessions with no live owner and is a
// no-op when it loses that race.
func (j *janitor) sweep() {
	p := j.relay
	for _, id := range p.registry.StaleOlderThan(j.maxAge) {
		s, ok := p.registry.Get(id)
		if !ok {
			continue
		}
		p.logerrorf(id, "", "closing stale session: identity=%s age=%s",
			s.Identity, p.clock().Sub(s.CreatedAt))
		s.Close()
		p.registry.Destroy(id)
	}
}
