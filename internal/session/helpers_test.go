package session

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/cory-johannsen/minetest/internal/protocol"
	"github.com/cory-johannsen/minetest/internal/transport"
)

var (
	serverAddr  = netip.MustParseAddrPort("127.0.0.1:30001")
	clientAddr  = netip.MustParseAddrPort("127.0.0.1:40001")
	clientAddr2 = netip.MustParseAddrPort("127.0.0.1:40002")
)

func newObservedLogger() (*zap.Logger, *observer.ObservedLogs) {
	core, logs := observer.New(zap.DebugLevel)
	return zap.New(core), logs
}

func bind(t testing.TB, n *transport.Network, addr netip.AddrPort) *transport.MemoryEndpoint {
	t.Helper()
	ep, err := n.Endpoint(addr)
	require.NoError(t, err)
	return ep
}

func token(k protocol.Kind) []byte {
	return protocol.Encode(protocol.New(k))
}

// drainKinds pops every queued datagram on ep and returns the decoded kinds.
func drainKinds(ep transport.Endpoint) []protocol.Kind {
	var out []protocol.Kind
	for {
		d, ok := ep.Poll()
		if !ok {
			return out
		}
		out = append(out, protocol.Decode(d.Payload).Kind)
	}
}
