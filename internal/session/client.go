package session

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/minetest/internal/protocol"
	"github.com/cory-johannsen/minetest/internal/transport"
)

// State is the client connection state.
type State uint8

const (
	Disconnected State = iota
	Handshaking
	Connected
	TimedOut
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Handshaking:
		return "handshaking"
	case Connected:
		return "connected"
	case TimedOut:
		return "timed_out"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// Default protocol timers.
const (
	DefaultHandshakeTimeout = 3 * time.Second
	DefaultPingInterval     = 3 * time.Second
	DefaultPingTimeout      = 3 * time.Second
)

// ClientOptions configures the client timers.
type ClientOptions struct {
	HandshakeTimeout time.Duration
	PingInterval     time.Duration
	PingTimeout      time.Duration
}

// DefaultClientOptions returns the standard 3 second timers.
func DefaultClientOptions() ClientOptions {
	return ClientOptions{
		HandshakeTimeout: DefaultHandshakeTimeout,
		PingInterval:     DefaultPingInterval,
		PingTimeout:      DefaultPingTimeout,
	}
}

// Client is the client-side connection state machine.
//
// Invariant: handshakeElapsed only grows while Handshaking; pingOutstanding is
// only meaningful while Connected.
type Client struct {
	ep     transport.Endpoint
	server transport.EndpointID
	logger *zap.Logger

	handshakeTimeout float64
	pingInterval     float64
	pingTimeout      float64

	state            State
	handshakeElapsed float64
	pingElapsed      float64
	pingOutstanding  bool
	err              error

	shutdownPending bool
	quit            bool
}

// NewClient creates a client session and immediately sends a handshake to server.
//
// Precondition: ep and logger must be non-nil; server must be valid; opts timers > 0.
// Postcondition: The returned client is Handshaking with handshakeElapsed = 0.
func NewClient(ep transport.Endpoint, server transport.EndpointID, opts ClientOptions, logger *zap.Logger) *Client {
	c := &Client{
		ep:               ep,
		server:           server,
		logger:           logger.With(zap.Stringer("server", server)),
		handshakeTimeout: opts.HandshakeTimeout.Seconds(),
		pingInterval:     opts.PingInterval.Seconds(),
		pingTimeout:      opts.PingTimeout.Seconds(),
		state:            Disconnected,
	}
	c.send(protocol.Handshake)
	c.state = Handshaking
	c.logger.Info("handshake sent")
	return c
}

// State returns the current connection state.
func (c *Client) State() State { return c.state }

// Err returns the terminal error, if any.
func (c *Client) Err() error { return c.err }

// HandshakeElapsed returns seconds spent waiting for the handshake acknowledgement.
func (c *Client) HandshakeElapsed() float64 { return c.handshakeElapsed }

// PingElapsed returns seconds since the last keepalive event.
func (c *Client) PingElapsed() float64 { return c.pingElapsed }

// PingOutstanding reports whether a ping request awaits acknowledgement.
func (c *Client) PingOutstanding() bool { return c.pingOutstanding }

// OnTick drains queued datagrams, folds them into state, advances the timers by
// delta seconds and evaluates the timeouts. Acknowledgements received in this
// tick are applied before any timeout is evaluated.
//
// Postcondition: Returns a *TimeoutError once the session has timed out, and the
// same error on every later call.
func (c *Client) OnTick(delta float64) error {
	if c.err != nil {
		return c.err
	}

	for n := c.ep.Pending(); n > 0; n-- {
		d, ok := c.ep.Poll()
		if !ok {
			break
		}
		c.handle(d)
	}

	switch c.state {
	case Handshaking:
		c.handshakeElapsed += delta
		if c.handshakeElapsed > c.handshakeTimeout {
			return c.fail(ErrHandshakeTimeout, c.handshakeElapsed, c.handshakeTimeout)
		}
	case Connected:
		c.pingElapsed += delta
		if c.pingOutstanding {
			if c.pingElapsed > c.pingTimeout {
				return c.fail(ErrPingTimeout, c.pingElapsed, c.pingTimeout)
			}
		} else if c.pingElapsed >= c.pingInterval {
			c.send(protocol.PingRequest)
			c.pingOutstanding = true
			c.pingElapsed = 0
		}
	}
	return nil
}

func (c *Client) handle(d transport.Datagram) {
	msg := protocol.Decode(d.Payload)
	switch msg.Kind {
	case protocol.HandshakeAck:
		if c.state != Handshaking {
			c.logger.Debug("ignoring duplicate handshake ack", zap.Stringer("from", d.From))
			return
		}
		c.state = Connected
		c.handshakeElapsed = 0
		c.pingElapsed = 0
		c.pingOutstanding = false
		c.logger.Info("connected to server")
		if c.shutdownPending {
			c.sendShutdownRequest()
		}
	case protocol.PingAck:
		if c.state != Connected || !c.pingOutstanding {
			c.logger.Debug("ignoring unsolicited ping ack", zap.Stringer("from", d.From))
			return
		}
		c.pingOutstanding = false
		c.pingElapsed = 0
		c.handshakeElapsed = 0
	case protocol.Unknown:
		logUnknown(c.logger, d, msg)
	default:
		c.logger.Debug("ignoring server-bound message",
			zap.Stringer("from", d.From),
			zap.Stringer("kind", msg.Kind),
		)
	}
}

// RequestServerShutdown asks the server to shut down. If the handshake has not
// completed the request is sent on connection. The client quits once the
// request has been sent.
func (c *Client) RequestServerShutdown() {
	if c.state == Connected {
		c.sendShutdownRequest()
		return
	}
	c.shutdownPending = true
}

func (c *Client) sendShutdownRequest() {
	c.shutdownPending = false
	c.send(protocol.ShutdownRequest)
	c.quit = true
	c.logger.Info("shutdown request sent")
}

// Disconnect marks the client as finished; the game loop stops on its next check.
func (c *Client) Disconnect() {
	c.quit = true
}

// ShutdownApproved reports whether the client loop should stop.
func (c *Client) ShutdownApproved() bool {
	return c.quit
}

func (c *Client) fail(sentinel error, elapsed, limit float64) error {
	c.state = TimedOut
	c.pingOutstanding = false
	c.err = &TimeoutError{Elapsed: elapsed, Limit: limit, err: sentinel}
	c.logger.Warn("lost connection to server", zap.Error(c.err))
	return c.err
}

func (c *Client) send(k protocol.Kind) {
	if err := c.ep.Send(c.server, protocol.Encode(protocol.New(k))); err != nil {
		c.logger.Warn("send failed", zap.Stringer("kind", k), zap.Error(err))
	}
}

func logUnknown(logger *zap.Logger, d transport.Datagram, msg protocol.Message) {
	if !msg.ValidUTF8 {
		logger.Warn("dropping datagram",
			zap.Stringer("from", d.From),
			zap.Int("bytes", len(d.Payload)),
			zap.Error(ErrMalformedMessage),
		)
		return
	}
	logger.Debug("ignoring unrecognised message",
		zap.Stringer("from", d.From),
		zap.ByteString("payload", msg.Raw),
	)
}
