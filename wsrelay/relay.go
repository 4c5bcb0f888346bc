package wsrelay

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	nullLog "github.com/sirupsen/logrus/hooks/test"

	"github.com/voicerelay/voicerelay/auth"
)

const (
	// DefaultMaxConnsPerIdentity caps concurrently open sessions per identity.
	DefaultMaxConnsPerIdentity = 3

	// DefaultMaxPerWindow caps admissions per identity per window.
	DefaultMaxPerWindow = 60

	// DefaultWindow is the trailing admission window length.
	DefaultWindow = 60 * time.Second

	// DefaultMaxSessionAge is how old a session may grow before the
	// janitor forces it closed.
	DefaultMaxSessionAge = time.Hour

	// DefaultJanitorInterval is how often the janitor sweeps.
	DefaultJanitorInterval = 5 * time.Minute

	// DefaultPingInterval and DefaultPingTimeout control liveness probing
	// on both the client and upstream connections.
	DefaultPingInterval = 20 * time.Second
	DefaultPingTimeout  = 20 * time.Second

	// DefaultMaxMessageSize bounds a single frame in either direction.
	DefaultMaxMessageSize = 10 * 1024 * 1024
)

// UpstreamDialer builds the credentialed upstream connection for a new
// session. Implemented by upstream.Connector.
type UpstreamDialer interface {
	Connect(ctx context.Context) (*websocket.Conn, error)
}

// Config contains the run time parameters for the relay.
type Config struct {
	// Upgrader is used to upgrade incoming client connections.
	Upgrader websocket.Upgrader

	// Logger is used to log relay events. Defaults to a null logger.
	Logger *logrus.Logger

	// Authenticator maps inbound requests to identities. Required.
	Authenticator auth.Authenticator

	// Upstream dials the credentialed upstream endpoint. Required.
	Upstream UpstreamDialer

	// Rate limiting parameters; zero values take the defaults above.
	MaxConnsPerIdentity int
	MaxPerWindow        int
	Window              time.Duration

	// Janitor parameters; zero values take the defaults above.
	MaxSessionAge   time.Duration
	JanitorInterval time.Duration

	// Liveness and framing parameters; zero values take the defaults above.
	PingInterval   time.Duration
	PingTimeout    time.Duration
	MaxMessageSize int64

	// Clock returns the current time. Defaults to time.Now. Injectable
	// for deterministic tests.
	Clock func() time.Time
}

// Relay is the inbound websocket handler. Each accepted connection is
// authenticated, rate-admitted, paired with an upstream connection, and
// streamed until either side closes. Create with New.
type Relay struct {
	upgrader      websocket.Upgrader
	logger        *logrus.Logger
	authenticator auth.Authenticator
	upstream      UpstreamDialer
	limiter       *RateLimiter
	registry      *Registry
	janitor       *janitor
	clock         func() time.Time

	pingInterval   time.Duration
	pingTimeout    time.Duration
	maxMessageSize int64
}

// New creates a Relay and starts its janitor. The caller should arrange
// for Close to be called on shutdown.
func New(conf Config) (*Relay, error) {
	if conf.Upstream == nil {
		return nil, ErrMissingUpstream
	}
	if conf.Authenticator == nil {
		return nil, ErrMissingAuthenticator
	}
	if conf.Logger == nil {
		logger, _ := nullLog.NewNullLogger()
		conf.Logger = logger
	}
	if conf.Clock == nil {
		conf.Clock = time.Now
	}
	if conf.PingInterval == 0 {
		conf.PingInterval = DefaultPingInterval
	}
	if conf.PingTimeout == 0 {
		conf.PingTimeout = DefaultPingTimeout
	}
	if conf.MaxMessageSize == 0 {
		conf.MaxMessageSize = DefaultMaxMessageSize
	}
	if conf.MaxSessionAge == 0 {
		conf.MaxSessionAge = DefaultMaxSessionAge
	}
	if conf.JanitorInterval == 0 {
		conf.JanitorInterval = DefaultJanitorInterval
	}

	registry := NewRegistry(conf.Clock)
	limiter := NewRateLimiter(RateLimiterConfig{
		MaxConns:     conf.MaxConnsPerIdentity,
		MaxPerWindow: conf.MaxPerWindow,
		Window:       conf.Window,
		Clock:        conf.Clock,
	})

	p := &Relay{
		upgrader:       conf.Upgrader,
		logger:         conf.Logger,
		authenticator:  conf.Authenticator,
		upstream:       conf.Upstream,
		limiter:        limiter,
		registry:       registry,
		clock:          conf.Clock,
		pingInterval:   conf.PingInterval,
		pingTimeout:    conf.PingTimeout,
		maxMessageSize: conf.MaxMessageSize,
	}

	// destroying a session is what frees its admission slot; the hook
	// fires once per actual removal, so slots cannot leak or double-free
	registry.SetDestroyHook(func(identity string) {
		limiter.Release(identity)
		p.logf("", "", "session removed: identity=%s", identity)
	})

	p.janitor = newJanitor(p, conf.JanitorInterval, conf.MaxSessionAge)
	go p.janitor.run()

	return p, nil
}

// ServeHTTP implements http.Handler. It upgrades the connection, runs
// admission, pairs the client with an upstream connection, and blocks
// in the forwarding pumps until either side closes.
func (p *Relay) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !websocket.IsWebSocketUpgrade(r) {
		http.NotFound(w, r)
		return
	}

	conn, err := p.upgrader.Upgrade(w, r, nil)
	if err != nil {
		p.logerrorf("", r.RemoteAddr, "could not upgrade client connection: %v", err)
		return
	}
	conn.SetReadLimit(p.maxMessageSize)
	p.configureLiveness(conn)

	identity, err := p.authenticator.Authenticate(r)
	if err != nil {
		p.logerrorf("", r.RemoteAddr, "authentication failed: %v", err)
		p.reject(conn, "authentication failed")
		return
	}

	// admission happens before any session record or upstream dial, so
	// abusive traffic is turned away as cheaply as possible
	if ok, reason := p.limiter.Admit(identity); !ok {
		p.logerrorf("", r.RemoteAddr, "admission rejected: identity=%s reason=%s", identity, reason)
		p.reject(conn, reason)
		return
	}

	s := p.registry.Create(identity)
	if !s.AttachClient(conn) {
		_ = conn.Close()
		p.registry.Destroy(s.ID)
		return
	}
	p.logf(s.ID, r.RemoteAddr, "client connected: identity=%s", identity)

	upstreamConn, err := p.upstream.Connect(r.Context())
	if err != nil {
		p.logerrorf(s.ID, r.RemoteAddr, "upstream connect failed: %v", err)
		p.sendErrorPayload(s, "failed to connect upstream: "+err.Error())
		s.Close()
		p.registry.Destroy(s.ID)
		return
	}
	upstreamConn.SetReadLimit(p.maxMessageSize)
	p.configureLiveness(upstreamConn)

	if !s.AttachUpstream(upstreamConn) {
		// session was closed while the handshake was in flight
		_ = upstreamConn.Close()
		p.registry.Destroy(s.ID)
		return
	}
	p.logf(s.ID, r.RemoteAddr, "upstream connected: identity=%s", identity)

	p.runSession(s)
}

// Close stops the janitor and tears down all open sessions.
func (p *Relay) Close() {
	p.janitor.stop()
	for _, id := range p.registry.IDs() {
		if s, ok := p.registry.Get(id); ok {
			s.Close()
		}
		p.registry.Destroy(id)
	}
}

// configureLiveness arms the read deadline that backs ping/pong probing.
// Pongs push the deadline out; a silently-dead peer trips it, failing
// the pending read and taking the normal teardown path.
func (p *Relay) configureLiveness(conn *websocket.Conn) {
	grace := p.pingInterval + p.pingTimeout
	_ = conn.SetReadDeadline(time.Now().Add(grace))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(grace))
	})
}

// reject closes an upgraded connection with a policy-violation close
// code and a human-readable reason. Used for authentication and
// rate-limit rejections, before any session record exists.
func (p *Relay) reject(conn *websocket.Conn, reason string) {
	msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(p.pingTimeout))
	_ = conn.Close()
}

// relay logging utilities

func (p *Relay) logf(sessionID string, remoteAddr string, format string, v ...any) {
	p.logger.WithFields(logrus.Fields{
		"session-id":  sessionID,
		"remote-addr": remoteAddr,
	}).Printf(format, v...)
}

func (p *Relay) logerrorf(sessionID string, remoteAddr string, format string, v ...any) {
	p.logger.WithFields(logrus.Fields{
		"session-id":  sessionID,
		"remote-addr": remoteAddr,
	}).Errorf(format, v...)
}
