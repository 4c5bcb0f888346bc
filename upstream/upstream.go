// Package upstream dials the credentialed realtime API endpoint on
// behalf of the relay. The API key lives only in server-side
// configuration and in the handshake query string; it is never logged
// and never echoed to clients.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/voicerelay/voicerelay/util"
)

const (
	// DefaultDeployment is the realtime model deployment dialed when none
	// is configured.
	DefaultDeployment = "gpt-realtime"

	// DefaultAPIVersion is the api-version query parameter dialed when
	// none is configured.
	DefaultAPIVersion = "2024-10-01-preview"

	// DefaultHandshakeTimeout bounds the websocket handshake.
	DefaultHandshakeTimeout = 20 * time.Second

	// realtimePath is the fixed path of the realtime endpoint.
	realtimePath = "/openai/realtime"

	userAgent = "voicerelay/1.0"
)

var (
	// ErrUnreachable is returned when the upstream handshake does not
	// complete. Errors wrapping it may carry the HTTP status the
	// handshake reported, never the credential.
	ErrUnreachable = errors.New("upstream unreachable")

	// ErrMissingEndpoint and ErrMissingAPIKey are returned by New for
	// incomplete configuration.
	ErrMissingEndpoint = errors.New("upstream endpoint must be provided")
	ErrMissingAPIKey   = errors.New("upstream api key must be provided")
)

// Config contains the server-side parameters for upstream connections.
type Config struct {
	// Endpoint is the https base address of the realtime API resource,
	// e.g. https://myresource.openai.azure.com. Required.
	Endpoint string

	// APIKey is attached to every handshake as the api-key query
	// parameter. Required. Never logged.
	APIKey string

	// Deployment and APIVersion fill the corresponding query parameters;
	// zero values take the defaults above.
	Deployment string
	APIVersion string

	// HandshakeTimeout bounds the dial; zero takes the default above.
	HandshakeTimeout time.Duration
}

// Connector builds upstream connections. Safe for concurrent use; one
// Connector serves all sessions.
type Connector struct {
	wsURL            string
	addr             string
	handshakeTimeout time.Duration
}

// New validates conf and creates a Connector.
func New(conf Config) (*Connector, error) {
	if conf.Endpoint == "" {
		return nil, ErrMissingEndpoint
	}
	if conf.APIKey == "" {
		return nil, ErrMissingAPIKey
	}
	if conf.Deployment == "" {
		conf.Deployment = DefaultDeployment
	}
	if conf.APIVersion == "" {
		conf.APIVersion = DefaultAPIVersion
	}
	if conf.HandshakeTimeout == 0 {
		conf.HandshakeTimeout = DefaultHandshakeTimeout
	}

	endpoint := strings.TrimSuffix(conf.Endpoint, "/")
	u, err := url.Parse(util.MakeWsURL(endpoint))
	if err != nil {
		return nil, fmt.Errorf("invalid upstream endpoint: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("invalid upstream endpoint scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + realtimePath

	addr := *u
	q := url.Values{}
	q.Set("api-version", conf.APIVersion)
	q.Set("deployment", conf.Deployment)
	addr.RawQuery = q.Encode()

	q.Set("api-key", conf.APIKey)
	u.RawQuery = q.Encode()

	return &Connector{
		wsURL:            u.String(),
		addr:             addr.String(),
		handshakeTimeout: conf.HandshakeTimeout,
	}, nil
}

// Addr returns the upstream address without the credential, suitable
// for logging.
func (c *Connector) Addr() string {
	return c.addr
}

// Connect performs the upstream websocket handshake. The returned
// connection is owned by the calling session.
func (c *Connector) Connect(ctx context.Context) (*websocket.Conn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: c.handshakeTimeout,
	}
	header := make(http.Header)
	header.Set("User-Agent", userAgent)

	conn, resp, err := dialer.DialContext(ctx, c.wsURL, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("%w: handshake status %d", ErrUnreachable, resp.StatusCode)
		}
		// dial errors carry at most host and port, never the query string
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	return conn, nil
}
