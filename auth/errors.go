package auth

import (
	"errors"
)

var (
	// ErrAuthFailed is returned when no identity can be derived for a request.
	ErrAuthFailed = errors.New("authentication failed")

	// ErrUnexpectedSigningMethod is returned when the signing method used by the given JWT is not HMAC.
	ErrUnexpectedSigningMethod = errors.New("unexpected signing method on jwt")

	// ErrTokenNotValid is returned when the jwt is not valid.
	ErrTokenNotValid = errors.New("token not valid")

	// ErrMissingSecret is returned when a JWT authenticator is built without both secrets.
	ErrMissingSecret = errors.New("both secrets must be loaded")
)
