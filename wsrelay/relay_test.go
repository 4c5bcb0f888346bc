package wsrelay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/voicerelay/voicerelay/auth"
	"github.com/voicerelay/voicerelay/upstream"
	"github.com/voicerelay/voicerelay/util"
)

var testUpgrader = websocket.Upgrader{
	ReadBufferSize:  64 * 1024,
	WriteBufferSize: 64 * 1024,
}

// startEchoUpstream serves a websocket endpoint that echoes every text
// and binary frame back to its sender. Stands in for the realtime API.
func startEchoUpstream(t *testing.T) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer func() {
			_ = conn.Close()
		}()
		for {
			mtype, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(mtype, data); err != nil {
				return
			}
		}
	}))
	t.Cleanup(server.Close)
	return server
}

// newTestRelay builds a relay in front of the given upstream and serves
// it over httptest. Zero-value conf fields get test-friendly defaults.
func newTestRelay(t *testing.T, conf Config) (*Relay, string) {
	t.Helper()
	if conf.Authenticator == nil {
		conf.Authenticator = auth.Bearer{}
	}
	p, err := New(conf)
	require.NoError(t, err)
	server := httptest.NewServer(p)
	t.Cleanup(func() {
		server.Close()
		p.Close()
	})
	return p, util.MakeWsURL(server.URL)
}

// echoConnector dials the echo upstream through the real connector so
// relay tests exercise the URL construction path as well.
func echoConnector(t *testing.T, server *httptest.Server) *upstream.Connector {
	t.Helper()
	c, err := upstream.New(upstream.Config{
		Endpoint: server.URL,
		APIKey:   "test-key",
	})
	require.NoError(t, err)
	return c
}

func dialClient(t *testing.T, wsURL, bearer string) *websocket.Conn {
	t.Helper()
	header := make(http.Header)
	if bearer != "" {
		header.Set("Authorization", "Bearer "+bearer)
	}
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, header)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = conn.Close()
	})
	return conn
}

func TestRelayForwardsInOrder(t *testing.T) {
	echo := startEchoUpstream(t)
	_, wsURL := newTestRelay(t, Config{Upstream: echoConnector(t, echo)})

	conn := dialClient(t, wsURL, "u1")

	for i := 0; i < 10; i++ {
		err := conn.WriteMessage(websocket.TextMessage, fmt.Appendf(nil, "msg-%d", i))
		require.NoError(t, err)
	}
	for i := 0; i < 10; i++ {
		mtype, data, err := conn.ReadMessage()
		require.NoError(t, err)
		require.Equal(t, websocket.TextMessage, mtype)
		require.Equal(t, fmt.Sprintf("msg-%d", i), string(data))
	}
}

func TestRelayForwardsBinary(t *testing.T) {
	echo := startEchoUpstream(t)
	_, wsURL := newTestRelay(t, Config{Upstream: echoConnector(t, echo)})

	conn := dialClient(t, wsURL, "u1")

	audio := []byte{0x00, 0x01, 0x02, 0xff, 0xfe}
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, audio))

	mtype, data, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.BinaryMessage, mtype)
	require.Equal(t, audio, data)
}

// Client sends 5 text frames and 3 binary frames, then disconnects. The
// upstream pump must be cancelled within a bounded time and the session
// counter must record exactly the 5 text frames.
func TestRelayMessageCount(t *testing.T) {
	echo := startEchoUpstream(t)
	p, wsURL := newTestRelay(t, Config{Upstream: echoConnector(t, echo)})

	conn := dialClient(t, wsURL, "u1")

	for i := 0; i < 5; i++ {
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"event"}`)))
	}
	for i := 0; i < 3; i++ {
		require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte{0x01, 0x02}))
	}
	// drain the echoes so all frames are known to have passed through
	for i := 0; i < 8; i++ {
		_, _, err := conn.ReadMessage()
		require.NoError(t, err)
	}

	ids := p.registry.IDs()
	require.Len(t, ids, 1)
	s, ok := p.registry.Get(ids[0])
	require.True(t, ok)

	require.NoError(t, conn.Close())

	waitFor(t, 5*time.Second, func() bool { return p.registry.Len() == 0 })
	require.Equal(t, int64(5), s.MessageCount())
}

func TestRelayAuthRejected(t *testing.T) {
	echo := startEchoUpstream(t)
	p, wsURL := newTestRelay(t, Config{
		Upstream:      echoConnector(t, echo),
		Authenticator: failAuth{},
	})

	conn := dialClient(t, wsURL, "")
	_, _, err := conn.ReadMessage()

	var ce *websocket.CloseError
	require.ErrorAs(t, err, &ce)
	require.Equal(t, websocket.ClosePolicyViolation, ce.Code)
	require.Equal(t, "authentication failed", ce.Text)
	require.Equal(t, 0, p.registry.Len())
}

func TestRelayConcurrencyRejected(t *testing.T) {
	echo := startEchoUpstream(t)
	p, wsURL := newTestRelay(t, Config{
		Upstream:            echoConnector(t, echo),
		MaxConnsPerIdentity: 1,
	})

	first := dialClient(t, wsURL, "u1")
	defer func() {
		_ = first.Close()
	}()
	waitFor(t, 5*time.Second, func() bool { return p.registry.OpenCount("u1") == 1 })

	second := dialClient(t, wsURL, "u1")
	_, _, err := second.ReadMessage()

	var ce *websocket.CloseError
	require.ErrorAs(t, err, &ce)
	require.Equal(t, websocket.ClosePolicyViolation, ce.Code)
	require.Equal(t, ReasonTooManyConns, ce.Text)

	// the rejected connection must not have left a session behind
	require.Equal(t, 1, p.registry.Len())
}

// A failed upstream handshake delivers exactly one structured error
// payload to the client and leaves no session record behind.
func TestRelayUpstreamFailure(t *testing.T) {
	dialErr := fmt.Errorf("%w: handshake status 502", upstream.ErrUnreachable)
	p, wsURL := newTestRelay(t, Config{
		Upstream: dialerFunc(func(ctx context.Context) (*websocket.Conn, error) {
			return nil, dialErr
		}),
	})

	conn := dialClient(t, wsURL, "u1")

	mtype, data, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.TextMessage, mtype)

	var payload struct {
		Type  string `json:"type"`
		Error string `json:"error"`
	}
	require.NoError(t, json.Unmarshal(data, &payload))
	require.Equal(t, "error", payload.Type)
	require.Contains(t, payload.Error, "handshake status 502")

	// no second message: the connection is closed after the payload
	_, _, err = conn.ReadMessage()
	require.Error(t, err)

	waitFor(t, 5*time.Second, func() bool { return p.registry.Len() == 0 })
}

func TestRelayUpstreamDisconnects(t *testing.T) {
	// upstream sends one greeting, then hangs up
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"greeting"}`))
		_ = conn.Close()
	}))
	t.Cleanup(server.Close)

	p, wsURL := newTestRelay(t, Config{Upstream: echoConnector(t, server)})

	conn := dialClient(t, wsURL, "u1")

	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, `{"type":"greeting"}`, string(data))

	// client side is torn down once the upstream goes away
	waitFor(t, 5*time.Second, func() bool { return p.registry.Len() == 0 })
	_, _, err = conn.ReadMessage()
	require.Error(t, err)
}

// A client aborting with an application close code while the upstream is
// still streaming makes the error send and the downstream pump target
// the client connection at the same time; the shared write lock must
// keep them from interleaving and the session must still drain.
func TestRelayClientAbortsMidStream(t *testing.T) {
	// upstream floods frames until the connection goes away
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer func() {
			_ = conn.Close()
		}()
		for {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"audio.delta"}`)); err != nil {
				return
			}
		}
	}))
	t.Cleanup(server.Close)

	p, wsURL := newTestRelay(t, Config{Upstream: echoConnector(t, server)})

	conn := dialClient(t, wsURL, "u1")

	// let frames start flowing down before aborting
	_, _, err := conn.ReadMessage()
	require.NoError(t, err)

	msg := websocket.FormatCloseMessage(3000, "client abort")
	require.NoError(t, conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)))

	waitFor(t, 5*time.Second, func() bool { return p.registry.Len() == 0 })
}

func TestRelayNotFoundWithoutUpgrade(t *testing.T) {
	echo := startEchoUpstream(t)
	_, wsURL := newTestRelay(t, Config{Upstream: echoConnector(t, echo)})

	resp, err := http.Get("http" + wsURL[2:])
	require.NoError(t, err)
	defer func() {
		_ = resp.Body.Close()
	}()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRelayNewValidation(t *testing.T) {
	_, err := New(Config{Authenticator: auth.Bearer{}})
	require.True(t, errors.Is(err, ErrMissingUpstream))

	_, err = New(Config{Upstream: dialerFunc(nil)})
	require.True(t, errors.Is(err, ErrMissingAuthenticator))
}
