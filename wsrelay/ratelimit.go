package wsrelay

import (
	"sync"
	"time"
)

const (
	// ReasonTooManyConns is the rejection reason when an identity already
	// has the maximum number of open sessions.
	ReasonTooManyConns = "max concurrent connections exceeded"

	// ReasonRateLimited is the rejection reason when an identity exhausted
	// its admissions for the trailing window.
	ReasonRateLimited = "rate limit exceeded"
)

// RateLimiterConfig contains the run time parameters for a RateLimiter.
type RateLimiterConfig struct {
	// MaxConns is the maximum number of concurrently open sessions per
	// identity. Defaults to DefaultMaxConnsPerIdentity.
	MaxConns int

	// MaxPerWindow is the maximum number of successful admissions per
	// identity within a trailing Window. Defaults to DefaultMaxPerWindow.
	MaxPerWindow int

	// Window is the length of the trailing admission window. Defaults to
	// DefaultWindow.
	Window time.Duration

	// Clock returns the current time. Defaults to time.Now.
	Clock func() time.Time
}

// RateLimiter enforces the per-identity admission policy: a cap on
// concurrently open sessions and a sliding-window cap on admissions.
// The limiter owns both counts: Admit takes a concurrency slot inside
// the identity's critical section, so two simultaneous admissions can
// never both pass on the last free slot. Every admitted session must be
// paired with exactly one Release, which the relay wires to the
// registry's destroy hook. Pure bookkeeping; state is lost on process
// restart.
type RateLimiter struct {
	maxConns     int
	maxPerWindow int
	window       time.Duration
	clock        func() time.Time

	m          sync.Mutex
	identities map[string]*identityLog
}

// identityLog is the admission record for a single identity. Each
// identity has its own lock so that unrelated identities do not contend.
type identityLog struct {
	m sync.Mutex

	// open counts concurrency slots taken by Admit and not yet released.
	open int

	// requests holds admission timestamps within the window, oldest
	// first. Pruned before every check.
	requests []time.Time
}

// NewRateLimiter creates a RateLimiter.
func NewRateLimiter(conf RateLimiterConfig) *RateLimiter {
	if conf.MaxConns == 0 {
		conf.MaxConns = DefaultMaxConnsPerIdentity
	}
	if conf.MaxPerWindow == 0 {
		conf.MaxPerWindow = DefaultMaxPerWindow
	}
	if conf.Window == 0 {
		conf.Window = DefaultWindow
	}
	if conf.Clock == nil {
		conf.Clock = time.Now
	}
	return &RateLimiter{
		maxConns:     conf.MaxConns,
		maxPerWindow: conf.MaxPerWindow,
		window:       conf.Window,
		clock:        conf.Clock,
		identities:   make(map[string]*identityLog),
	}
}

// Admit decides whether a new session may be opened for identity. On
// success a concurrency slot is taken and the admission is recorded in
// the identity's window log, both inside the same critical section; the
// caller owns the slot until Release. The reason string is suitable for
// sending to the rejected client.
func (rl *RateLimiter) Admit(identity string) (bool, string) {
	il := rl.log(identity)

	il.m.Lock()
	defer il.m.Unlock()

	if il.open >= rl.maxConns {
		return false, ReasonTooManyConns
	}

	now := rl.clock()
	il.prune(now.Add(-rl.window))

	if len(il.requests) >= rl.maxPerWindow {
		return false, ReasonRateLimited
	}

	il.open++
	il.requests = append(il.requests, now)
	return true, "ok"
}

// Release frees the concurrency slot taken by a successful Admit. Must
// be called exactly once per admitted session; the relay wires it to
// the registry's destroy hook, which fires once per actual removal.
func (rl *RateLimiter) Release(identity string) {
	il := rl.log(identity)
	il.m.Lock()
	defer il.m.Unlock()
	if il.open > 0 {
		il.open--
	}
}

// OpenCount reports the number of concurrency slots identity holds.
func (rl *RateLimiter) OpenCount(identity string) int {
	il := rl.log(identity)
	il.m.Lock()
	defer il.m.Unlock()
	return il.open
}

// WindowCount reports how many admissions identity has recorded within
// the current window.
func (rl *RateLimiter) WindowCount(identity string) int {
	il := rl.log(identity)
	il.m.Lock()
	defer il.m.Unlock()
	il.prune(rl.clock().Add(-rl.window))
	return len(il.requests)
}

// log returns the identity's admission log, creating it if needed. The
// map-level lock is held only for the lookup.
func (rl *RateLimiter) log(identity string) *identityLog {
	rl.m.Lock()
	defer rl.m.Unlock()
	il, ok := rl.identities[identity]
	if !ok {
		il = &identityLog{}
		rl.identities[identity] = il
	}
	return il
}

// prune drops timestamps at or before cutoff. Caller holds il.m.
func (il *identityLog) prune(cutoff time.Time) {
	keep := il.requests[:0]
	for _, ts := range il.requests {
		if ts.After(cutoff) {
			keep = append(keep, ts)
		}
	}
	il.requests = keep
}
