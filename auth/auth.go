// Package auth maps inbound connection metadata to identities. The
// relay core only depends on the Authenticator interface; deployments
// choose an implementation (or supply their own).
package auth

import (
	"net/http"
)

// Authenticator derives the identity behind an inbound connection from
// its establishment metadata (headers, cookies). Implementations must be
// safe for concurrent use; every inbound connection is authenticated.
type Authenticator interface {
	// Authenticate returns the identity string for the request, or an
	// error (conventionally wrapping ErrAuthFailed) when no identity can
	// be derived. A failed request is rejected before any session state
	// is created.
	Authenticate(r *http.Request) (string, error)
}
