// Package testutil provides test helpers for exercising endpoints over real sockets.
package testutil

import (
	"net"
	"net/netip"
	"testing"
	"time"
)

// UDPPeer is a raw UDP socket used to talk to an endpoint under test.
type UDPPeer struct {
	conn *net.UDPConn
	t    *testing.T
}

// NewUDPPeer binds a loopback UDP socket on an ephemeral port.
//
// Postcondition: Returns a bound UDPPeer or fails the test. The socket is closed on cleanup.
func NewUDPPeer(t *testing.T) *UDPPeer {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("binding udp peer: %v", err)
	}
	t.Cleanup(func() {
		conn.Close()
	})
	return &UDPPeer{conn: conn, t: t}
}

// Addr returns the peer's bound address.
func (p *UDPPeer) Addr() netip.AddrPort {
	ap := p.conn.LocalAddr().(*net.UDPAddr).AddrPort()
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
}

// Send writes payload to addr.
//
// Postcondition: payload is written or the test fails.
func (p *UDPPeer) Send(addr netip.AddrPort, payload string) {
	p.t.Helper()
	if _, err := p.conn.WriteToUDPAddrPort([]byte(payload), addr); err != nil {
		p.t.Fatalf("sending %q to %s: %v", payload, addr, err)
	}
}

// Receive reads one datagram within timeout.
//
// Postcondition: Returns the payload and sender, or fails the test on timeout.
func (p *UDPPeer) Receive(timeout time.Duration) (string, netip.AddrPort) {
	p.t.Helper()
	_ = p.conn.SetReadDeadline(time.Now().Add(timeout))
	buf := make([]byte, 2048)
	n, from, err := p.conn.ReadFromUDPAddrPort(buf)
	if err != nil {
		p.t.Fatalf("receiving datagram: %v", err)
	}
	return string(buf[:n]), netip.AddrPortFrom(from.Addr().Unmap(), from.Port())
}

// Eventually polls cond every few milliseconds until it returns true or timeout elapses.
//
// Postcondition: Returns when cond is true, or fails the test with msg.
func Eventually(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal(msg)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
