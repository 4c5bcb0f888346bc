package wsrelay

import (
	"sync"
	"time"

	"github.com/taskcluster/slugid-go/slugid"
)

// Registry owns the table of active sessions: a primary id-to-session
// map and a secondary identity-to-ids index. Both maps are mutated together
// under one lock so they can never disagree. Safe for concurrent use by
// connection handlers and the janitor.
type Registry struct {
	clock     func() time.Time
	onDestroy func(identity string)

	m          sync.RWMutex
	sessions   map[string]*Session
	byIdentity map[string]map[string]struct{}
}

// NewRegistry creates an empty registry. clock may be nil, in which case
// time.Now is used.
func NewRegistry(clock func() time.Time) *Registry {
	if clock == nil {
		clock = time.Now
	}
	return &Registry{
		clock:      clock,
		sessions:   make(map[string]*Session),
		byIdentity: make(map[string]map[string]struct{}),
	}
}

// SetDestroyHook sets a function called with the session's identity each
// time a session is actually removed. At most one call per session.
func (r *Registry) SetDestroyHook(h func(identity string)) {
	r.m.Lock()
	defer r.m.Unlock()
	r.onDestroy = h
}

// Create inserts a new session for identity and returns it. The session
// has no connection handles attached yet.
func (r *Registry) Create(identity string) *Session {
	s := &Session{
		ID:        slugid.Nice(),
		Identity:  identity,
		CreatedAt: r.clock(),
		stop:      newStopper(),
	}

	r.m.Lock()
	defer r.m.Unlock()
	r.sessions[s.ID] = s
	ids, ok := r.byIdentity[identity]
	if !ok {
		ids = make(map[string]struct{})
		r.byIdentity[identity] = ids
	}
	ids[s.ID] = struct{}{}
	return s
}

// Get looks up a session by id.
func (r *Registry) Get(id string) (*Session, bool) {
	r.m.RLock()
	defer r.m.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Destroy removes the session from both maps and reports whether it was
// present. Destroying an absent session is a no-op, so concurrent and
// duplicate destroys are harmless. The destroy hook fires outside the
// lock, once per actual removal.
func (r *Registry) Destroy(id string) bool {
	r.m.Lock()
	s, ok := r.sessions[id]
	if !ok {
		r.m.Unlock()
		return false
	}
	delete(r.sessions, id)
	if ids, ok := r.byIdentity[s.Identity]; ok {
		delete(ids, id)
		if len(ids) == 0 {
			delete(r.byIdentity, s.Identity)
		}
	}
	hook := r.onDestroy
	r.m.Unlock()

	if hook != nil {
		hook(s.Identity)
	}
	return true
}

// OpenCount reports the number of open sessions for identity.
func (r *Registry) OpenCount(identity string) int {
	r.m.RLock()
	defer r.m.RUnlock()
	return len(r.byIdentity[identity])
}

// Len reports the total number of open sessions.
func (r *Registry) Len() int {
	r.m.RLock()
	defer r.m.RUnlock()
	return len(r.sessions)
}

// IDs returns a snapshot of all open session ids.
func (r *Registry) IDs() []string {
	r.m.RLock()
	defer r.m.RUnlock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	return ids
}

// StaleOlderThan returns a snapshot of the ids of sessions that have
// been open for at least maxAge. Used by the janitor; the snapshot is
// taken under the lock so the janitor never holds it while closing.
func (r *Registry) StaleOlderThan(maxAge time.Duration) []string {
	cutoff := r.clock().Add(-maxAge)
	r.m.RLock()
	defer r.m.RUnlock()
	var stale []string
	for id, s := range r.sessions {
		if !s.CreatedAt.After(cutoff) {
			stale = append(stale, id)
		}
	}
	return stale
}
