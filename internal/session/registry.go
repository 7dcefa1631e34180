package session

import (
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/cory-johannsen/minetest/internal/transport"
)

// ClientMeta describes a client endpoint known to the server.
type ClientMeta struct {
	// Endpoint is the client's address.
	Endpoint transport.EndpointID
	// SessionID is assigned when the endpoint first completes a handshake.
	SessionID uuid.UUID
	// FirstSeen is the time of the first handshake.
	FirstSeen time.Time
	// LastSeen is the time of the most recent message.
	LastSeen time.Time
	// Handshakes counts handshake messages received.
	Handshakes int
	// Pings counts ping requests received.
	Pings int
	// ShutdownRequests counts shutdown requests received.
	ShutdownRequests int
}

// Registry tracks admitted client endpoints and queued shutdown requests.
// It is owned by the simulation goroutine and is not safe for concurrent use.
//
// Invariant: pending contains one entry per recorded shutdown request, in
// receipt order, until DrainShutdowns empties it.
type Registry struct {
	clients map[transport.EndpointID]*ClientMeta
	pending []transport.EndpointID
	now     func() time.Time
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		clients: make(map[transport.EndpointID]*ClientMeta),
		now:     time.Now,
	}
}

// Admit records a handshake from id, creating its entry on first contact.
//
// Postcondition: id is admitted and has a stable SessionID.
func (r *Registry) Admit(id transport.EndpointID) *ClientMeta {
	now := r.now()
	meta, ok := r.clients[id]
	if !ok {
		meta = &ClientMeta{
			Endpoint:  id,
			SessionID: uuid.New(),
			FirstSeen: now,
		}
		r.clients[id] = meta
	}
	meta.Handshakes++
	meta.LastSeen = now
	return meta
}

// Touch updates LastSeen for an admitted endpoint and returns its entry, or nil
// when id was never admitted.
func (r *Registry) Touch(id transport.EndpointID) *ClientMeta {
	meta, ok := r.clients[id]
	if !ok {
		return nil
	}
	meta.LastSeen = r.now()
	return meta
}

// IsAdmitted reports whether id has completed a handshake.
func (r *Registry) IsAdmitted(id transport.EndpointID) bool {
	_, ok := r.clients[id]
	return ok
}

// Get returns a copy of the entry for id.
func (r *Registry) Get(id transport.EndpointID) (ClientMeta, bool) {
	meta, ok := r.clients[id]
	if !ok {
		return ClientMeta{}, false
	}
	return *meta, true
}

// Len returns the number of admitted endpoints.
func (r *Registry) Len() int {
	return len(r.clients)
}

// Clients returns a snapshot of all entries ordered by endpoint.
func (r *Registry) Clients() []ClientMeta {
	out := make([]ClientMeta, 0, len(r.clients))
	for _, meta := range r.clients {
		out = append(out, *meta)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Endpoint.Compare(out[j].Endpoint) < 0
	})
	return out
}

// QueueShutdown appends a shutdown request from id. Duplicates are kept.
func (r *Registry) QueueShutdown(id transport.EndpointID) {
	r.pending = append(r.pending, id)
}

// PendingShutdowns returns a copy of the queued requesters in receipt order.
func (r *Registry) PendingShutdowns() []transport.EndpointID {
	out := make([]transport.EndpointID, len(r.pending))
	copy(out, r.pending)
	return out
}

// DrainShutdowns returns the queued requesters in receipt order and empties the queue.
//
// Postcondition: PendingShutdowns() is empty.
func (r *Registry) DrainShutdowns() []transport.EndpointID {
	out := r.pending
	r.pending = nil
	return out
}
