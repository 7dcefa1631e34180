package transport

import (
	"sync"

	"github.com/eapache/queue"
)

// Inbox is a goroutine-safe FIFO of inbound datagrams. A single producer
// (the socket reader) pushes and a single consumer (the simulation loop) pops.
//
// Invariant: Len() never exceeds limit when limit > 0.
type Inbox struct {
	mu      sync.Mutex
	q       *queue.Queue
	limit   int
	dropped uint64
}

// NewInbox returns an empty Inbox. A limit of 0 means unbounded.
//
// Precondition: limit >= 0.
func NewInbox(limit int) *Inbox {
	return &Inbox{q: queue.New(), limit: limit}
}

// Push appends d. It returns false and counts a drop when the inbox is full.
func (in *Inbox) Push(d Datagram) bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.limit > 0 && in.q.Length() >= in.limit {
		in.dropped++
		return false
	}
	in.q.Add(d)
	return true
}

// Pop removes and returns the oldest datagram without blocking.
func (in *Inbox) Pop() (Datagram, bool) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.q.Length() == 0 {
		return Datagram{}, false
	}
	return in.q.Remove().(Datagram), true
}

// Len returns the number of queued datagrams.
func (in *Inbox) Len() int {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.q.Length()
}

// Dropped returns how many datagrams were rejected because the inbox was full.
func (in *Inbox) Dropped() uint64 {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.dropped
}
