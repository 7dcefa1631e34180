package session

import (
	"go.uber.org/zap"

	"github.com/cory-johannsen/minetest/internal/protocol"
	"github.com/cory-johannsen/minetest/internal/transport"
)

// Server is the server-side session. It answers handshakes and pings and
// queues shutdown requests; it never disconnects a client on its own.
//
// Pings and shutdown requests from endpoints that never handshook are still
// answered and queued. Whether such a request may stop the server is decided
// by the ShutdownPolicy.
type Server struct {
	ep     transport.Endpoint
	reg    *Registry
	policy ShutdownPolicy
	logger *zap.Logger
}

// NewServer creates a server session on ep.
//
// Precondition: ep, policy and logger must be non-nil.
// Postcondition: Returns a server with an empty registry.
func NewServer(ep transport.Endpoint, policy ShutdownPolicy, logger *zap.Logger) *Server {
	return &Server{
		ep:     ep,
		reg:    NewRegistry(),
		policy: policy,
		logger: logger,
	}
}

// Registry returns the server's client registry.
func (s *Server) Registry() *Registry { return s.reg }

// OnTick answers every datagram queued when the drain started. Datagrams that
// arrive during the drain wait for the next tick.
func (s *Server) OnTick(delta float64) error {
	for n := s.ep.Pending(); n > 0; n-- {
		d, ok := s.ep.Poll()
		if !ok {
			break
		}
		s.handle(d)
	}
	return nil
}

func (s *Server) handle(d transport.Datagram) {
	msg := protocol.Decode(d.Payload)
	switch msg.Kind {
	case protocol.Handshake:
		meta := s.reg.Admit(d.From)
		s.reply(d.From, protocol.HandshakeAck)
		if meta.Handshakes == 1 {
			s.logger.Info("client admitted",
				zap.Stringer("endpoint", d.From),
				zap.Stringer("session_id", meta.SessionID),
				zap.Int("clients", s.reg.Len()),
			)
		}
	case protocol.PingRequest:
		if meta := s.reg.Touch(d.From); meta != nil {
			meta.Pings++
		}
		s.reply(d.From, protocol.PingAck)
	case protocol.ShutdownRequest:
		if meta := s.reg.Touch(d.From); meta != nil {
			meta.ShutdownRequests++
		}
		s.reg.QueueShutdown(d.From)
		s.logger.Info("shutdown requested",
			zap.Stringer("endpoint", d.From),
			zap.Bool("admitted", s.reg.IsAdmitted(d.From)),
		)
	case protocol.Unknown:
		logUnknown(s.logger, d, msg)
	default:
		s.logger.Debug("ignoring client-bound message",
			zap.Stringer("from", d.From),
			zap.Stringer("kind", msg.Kind),
		)
	}
}

func (s *Server) reply(to transport.EndpointID, k protocol.Kind) {
	if err := s.ep.Send(to, protocol.Encode(protocol.New(k))); err != nil {
		s.logger.Warn("reply failed",
			zap.Stringer("endpoint", to),
			zap.Stringer("kind", k),
			zap.Error(err),
		)
	}
}

// ClientCount returns the number of endpoints the registry knows about.
func (s *Server) ClientCount() int { return s.reg.Len() }

// ShutdownRequested reports whether any shutdown request is queued.
func (s *Server) ShutdownRequested() bool {
	return len(s.reg.pending) > 0
}

// PendingShutdownRequests returns the queued requesters in receipt order.
func (s *Server) PendingShutdownRequests() []transport.EndpointID {
	return s.reg.PendingShutdowns()
}

// DrainShutdownRequests returns and clears the queued requesters.
func (s *Server) DrainShutdownRequests() []transport.EndpointID {
	return s.reg.DrainShutdowns()
}

// ShutdownApproved drains the shutdown queue and reports whether the policy
// accepted at least one requester. Rejected requests are logged and discarded.
func (s *Server) ShutdownApproved() bool {
	approved := false
	for _, requester := range s.reg.DrainShutdowns() {
		if err := s.policy.AuthorizeShutdown(requester, s.reg); err != nil {
			s.logger.Warn("shutdown request rejected",
				zap.Stringer("endpoint", requester),
				zap.Error(err),
			)
			continue
		}
		s.logger.Info("shutdown request authorized", zap.Stringer("endpoint", requester))
		approved = true
	}
	return approved
}
