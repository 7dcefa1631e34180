// Package transport provides the non-blocking datagram endpoints the session
// layer polls once per tick. Endpoints own their socket I/O goroutine; the
// simulation goroutine only ever calls Poll, Pending and Send.
package transport

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
)

// ErrTransportUnavailable is returned when an endpoint cannot be bound.
var ErrTransportUnavailable = errors.New("transport unavailable")

// ErrClosed is returned by Send on a closed endpoint.
var ErrClosed = errors.New("transport: endpoint closed")

// EndpointID identifies a remote peer by IP and port.
type EndpointID = netip.AddrPort

// Datagram is one inbound payload and its sender.
type Datagram struct {
	From    EndpointID
	Payload []byte
}

// Endpoint is a non-blocking datagram socket.
//
// Send and Close are safe for concurrent use. Poll and Pending are intended
// for a single consumer goroutine.
type Endpoint interface {
	// Send transmits payload to the peer. Delivery is not guaranteed.
	Send(to EndpointID, payload []byte) error
	// Poll returns the oldest queued datagram without waiting.
	Poll() (Datagram, bool)
	// Pending returns the number of queued datagrams.
	Pending() int
	// LocalAddr returns the bound local address.
	LocalAddr() EndpointID
	// Close releases the endpoint.
	Close() error
}

// ResolveAddr resolves host and port to an EndpointID.
//
// Precondition: port in [1, 65535].
// Postcondition: Returns a normalized (IPv4-unmapped) EndpointID or an error wrapping ErrTransportUnavailable.
func ResolveAddr(host string, port int) (EndpointID, error) {
	addr := net.JoinHostPort(host, fmt.Sprint(port))
	ua, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return EndpointID{}, fmt.Errorf("%w: resolving %s: %v", ErrTransportUnavailable, addr, err)
	}
	return Normalize(ua.AddrPort()), nil
}

// Normalize strips IPv4-in-IPv6 mapping so that the same peer always maps to
// the same EndpointID regardless of socket family.
func Normalize(id EndpointID) EndpointID {
	return netip.AddrPortFrom(id.Addr().Unmap(), id.Port())
}
