// Package wsrelay implements the relay core: a websocket handler that
// authenticates inbound connections, enforces per-identity concurrency
// and rate limits, pairs each client with a credentialed upstream
// connection, and forwards frames in both directions until either side
// closes.
//
//	browser client ---> [ relay ] --- websocket ---> realtime API
//
// The server-held upstream credential never reaches the client. Frame
// payloads are forwarded verbatim; the relay neither inspects nor
// transforms them.
package wsrelay
