package wsrelay

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/voicerelay/voicerelay/auth"
)

// fakeClock is an injectable clock for deterministic limiter, registry
// and janitor tests.
type fakeClock struct {
	m sync.Mutex
	t time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, time.March, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.m.Lock()
	defer c.m.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.m.Lock()
	defer c.m.Unlock()
	c.t = c.t.Add(d)
}

// dialerFunc adapts a function to the UpstreamDialer interface.
type dialerFunc func(ctx context.Context) (*websocket.Conn, error)

func (f dialerFunc) Connect(ctx context.Context) (*websocket.Conn, error) {
	return f(ctx)
}

// failAuth rejects every request.
type failAuth struct{}

func (failAuth) Authenticate(*http.Request) (string, error) {
	return "", auth.ErrAuthFailed
}

// waitFor polls cond until it holds or the timeout elapses.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}
