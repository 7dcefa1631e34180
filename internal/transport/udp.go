package transport

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// DefaultReadBuffer is the datagram read buffer size used when none is configured.
const DefaultReadBuffer = 2048

// UDPOptions configures a UDPEndpoint.
type UDPOptions struct {
	// QueueLimit bounds the inbox; 0 means unbounded.
	QueueLimit int
	// ReadBuffer is the largest datagram accepted; longer payloads are truncated.
	ReadBuffer int
}

// UDPEndpoint is an Endpoint backed by a UDP socket and one reader goroutine.
type UDPEndpoint struct {
	conn   *net.UDPConn
	inbox  *Inbox
	logger *zap.Logger
	local  EndpointID

	closed    atomic.Bool
	closeOnce sync.Once
	done      chan struct{}
}

// Listen binds a UDP endpoint on addr ("host:port") and starts its reader.
//
// Precondition: logger must be non-nil.
// Postcondition: Returns a running endpoint, or an error wrapping ErrTransportUnavailable
// that names addr.
func Listen(addr string, opts UDPOptions, logger *zap.Logger) (*UDPEndpoint, error) {
	ua, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: resolving %s: %v", ErrTransportUnavailable, addr, err)
	}
	network := "udp4"
	if ua.IP != nil && ua.IP.To4() == nil {
		network = "udp6"
	}
	conn, err := net.ListenUDP(network, ua)
	if err != nil {
		return nil, fmt.Errorf("%w: binding %s: %v", ErrTransportUnavailable, addr, err)
	}
	return newUDPEndpoint(conn, opts, logger), nil
}

// ListenFor binds an ephemeral local port in the same address family as remote,
// for use by a client that talks to a single server.
//
// Precondition: remote must be a valid EndpointID; logger must be non-nil.
// Postcondition: Returns a running endpoint or an error wrapping ErrTransportUnavailable.
func ListenFor(remote EndpointID, opts UDPOptions, logger *zap.Logger) (*UDPEndpoint, error) {
	if !remote.IsValid() {
		return nil, fmt.Errorf("%w: invalid remote address %s", ErrTransportUnavailable, remote)
	}
	if remote.Addr().Is4() {
		return Listen("0.0.0.0:0", opts, logger)
	}
	return Listen("[::]:0", opts, logger)
}

func newUDPEndpoint(conn *net.UDPConn, opts UDPOptions, logger *zap.Logger) *UDPEndpoint {
	if opts.ReadBuffer <= 0 {
		opts.ReadBuffer = DefaultReadBuffer
	}
	ep := &UDPEndpoint{
		conn:   conn,
		inbox:  NewInbox(opts.QueueLimit),
		logger: logger,
		local:  Normalize(conn.LocalAddr().(*net.UDPAddr).AddrPort()),
		done:   make(chan struct{}),
	}
	go ep.readLoop(opts.ReadBuffer)

	logger.Info("udp endpoint listening",
		zap.Stringer("addr", ep.local),
		zap.Int("queue_limit", opts.QueueLimit),
	)
	return ep
}

func (e *UDPEndpoint) readLoop(size int) {
	defer close(e.done)

	buf := make([]byte, size)
	for {
		n, from, err := e.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			if e.closed.Load() || errors.Is(err, net.ErrClosed) {
				return
			}
			e.logger.Warn("udp read failed", zap.Error(err))
			time.Sleep(time.Millisecond)
			continue
		}

		// buf is reused for the next read.
		payload := make([]byte, n)
		copy(payload, buf[:n])

		if !e.inbox.Push(Datagram{From: Normalize(from), Payload: payload}) {
			e.logger.Debug("inbox full, datagram dropped",
				zap.Stringer("from", from),
				zap.Uint64("dropped", e.inbox.Dropped()),
			)
		}
	}
}

// Send writes payload to the peer. It never blocks on the receiver.
func (e *UDPEndpoint) Send(to EndpointID, payload []byte) error {
	if e.closed.Load() {
		return ErrClosed
	}
	if _, err := e.conn.WriteToUDPAddrPort(payload, to); err != nil {
		return fmt.Errorf("sending to %s: %w", to, err)
	}
	return nil
}

// Poll returns the oldest queued datagram, or false when none is queued.
func (e *UDPEndpoint) Poll() (Datagram, bool) {
	return e.inbox.Pop()
}

// Pending returns the number of queued datagrams.
func (e *UDPEndpoint) Pending() int {
	return e.inbox.Len()
}

// LocalAddr returns the bound address.
func (e *UDPEndpoint) LocalAddr() EndpointID {
	return e.local
}

// Dropped returns how many datagrams were discarded because the inbox was full.
func (e *UDPEndpoint) Dropped() uint64 {
	return e.inbox.Dropped()
}

// Close stops the reader and closes the socket. Safe to call multiple times.
//
// Postcondition: The reader goroutine has exited when Close returns.
func (e *UDPEndpoint) Close() error {
	var err error
	e.closeOnce.Do(func() {
		e.closed.Store(true)
		err = e.conn.Close()
		<-e.done
		e.logger.Info("udp endpoint closed", zap.Stringer("addr", e.local))
	})
	return err
}
