// Package session implements the client and server halves of the handshake,
// keepalive and shutdown protocol. Sessions are driven by OnTick from a single
// simulation goroutine and never block: each tick drains the datagrams already
// queued on the transport, folds them into state, then advances timers.
package session

import (
	"errors"
	"fmt"
)

var (
	// ErrHandshakeTimeout means no handshake acknowledgement arrived in time.
	ErrHandshakeTimeout = errors.New("handshake timed out")
	// ErrPingTimeout means no ping acknowledgement arrived in time.
	ErrPingTimeout = errors.New("ping timed out")
	// ErrMalformedMessage marks a payload that could not be decoded. It is
	// logged and dropped, never returned from OnTick.
	ErrMalformedMessage = errors.New("malformed message")
	// ErrUnauthorizedShutdown is returned by a ShutdownPolicy that rejects a requester.
	ErrUnauthorizedShutdown = errors.New("unauthorized shutdown request")
)

// TimeoutError reports a handshake or ping timeout. It unwraps to
// ErrHandshakeTimeout or ErrPingTimeout.
type TimeoutError struct {
	// Elapsed is the time in seconds spent waiting for the acknowledgement.
	Elapsed float64
	// Limit is the configured timeout in seconds.
	Limit float64
	err   error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%v: no acknowledgement after %.3fs (limit %.3fs)", e.err, e.Elapsed, e.Limit)
}

func (e *TimeoutError) Unwrap() error { return e.err }

// IsConnectionLost reports whether err means the client lost its server.
func IsConnectionLost(err error) bool {
	return errors.Is(err, ErrHandshakeTimeout) || errors.Is(err, ErrPingTimeout)
}
