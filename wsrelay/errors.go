package wsrelay

import (
	"errors"
)

var (
	// ErrMissingUpstream is returned by New when no upstream dialer is configured.
	ErrMissingUpstream = errors.New("an upstream dialer must be provided")

	// ErrMissingAuthenticator is returned by New when no authenticator is configured.
	ErrMissingAuthenticator = errors.New("an authenticator must be provided")
)
