package transport

import (
	"fmt"
	"sync"
)

// Network is an in-process datagram fabric. Endpoints created from the same
// Network deliver to each other synchronously into the receiver's inbox;
// datagrams to unknown addresses are silently lost, as with UDP.
type Network struct {
	mu        sync.Mutex
	endpoints map[EndpointID]*MemoryEndpoint
	dropNext  map[EndpointID]int
}

// NewNetwork returns an empty Network.
func NewNetwork() *Network {
	return &Network{
		endpoints: make(map[EndpointID]*MemoryEndpoint),
		dropNext:  make(map[EndpointID]int),
	}
}

// Endpoint creates an endpoint bound at addr.
//
// Precondition: addr must be a valid EndpointID not already bound on n.
// Postcondition: Returns a bound endpoint or an error wrapping ErrTransportUnavailable.
func (n *Network) Endpoint(addr EndpointID) (*MemoryEndpoint, error) {
	addr = Normalize(addr)
	n.mu.Lock()
	defer n.mu.Unlock()
	if !addr.IsValid() {
		return nil, fmt.Errorf("%w: invalid address %s", ErrTransportUnavailable, addr)
	}
	if _, taken := n.endpoints[addr]; taken {
		return nil, fmt.Errorf("%w: %s already bound", ErrTransportUnavailable, addr)
	}
	ep := &MemoryEndpoint{net: n, addr: addr, inbox: NewInbox(0)}
	n.endpoints[addr] = ep
	return ep, nil
}

// DropNext discards the next count datagrams addressed to addr.
func (n *Network) DropNext(addr EndpointID, count int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.dropNext[Normalize(addr)] += count
}

func (n *Network) deliver(from, to EndpointID, payload []byte) {
	n.mu.Lock()
	ep, ok := n.endpoints[to]
	if ok && n.dropNext[to] > 0 {
		n.dropNext[to]--
		ok = false
	}
	n.mu.Unlock()
	if !ok {
		return
	}
	cp := make([]byte, len(payload))
	copy(cp, payload)
	ep.inbox.Push(Datagram{From: from, Payload: cp})
}

func (n *Network) remove(addr EndpointID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.endpoints, addr)
}

// MemoryEndpoint is an Endpoint on a Network.
type MemoryEndpoint struct {
	net    *Network
	addr   EndpointID
	inbox  *Inbox
	mu     sync.Mutex
	closed bool
}

// Send delivers payload to the endpoint bound at to, if any.
func (e *MemoryEndpoint) Send(to EndpointID, payload []byte) error {
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return ErrClosed
	}
	e.net.deliver(e.addr, Normalize(to), payload)
	return nil
}

// Inject queues a datagram as if it had arrived from from.
func (e *MemoryEndpoint) Inject(from EndpointID, payload []byte) {
	cp := make([]byte, len(payload))
	copy(cp, payload)
	e.inbox.Push(Datagram{From: Normalize(from), Payload: cp})
}

// Poll returns the oldest queued datagram without waiting.
func (e *MemoryEndpoint) Poll() (Datagram, bool) {
	return e.inbox.Pop()
}

// Pending returns the number of queued datagrams.
func (e *MemoryEndpoint) Pending() int {
	return e.inbox.Len()
}

// LocalAddr returns the bound address.
func (e *MemoryEndpoint) LocalAddr() EndpointID {
	return e.addr
}

// Close unbinds the endpoint. Safe to call multiple times.
func (e *MemoryEndpoint) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	e.net.remove(e.addr)
	return nil
}
