package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/cory-johannsen/minetest/internal/protocol"
	"github.com/cory-johannsen/minetest/internal/testutil"
	"github.com/cory-johannsen/minetest/internal/transport"
)

func TestServerOverUDP_AnswersRawPeer(t *testing.T) {
	logger := zaptest.NewLogger(t)
	ep, err := transport.Listen("127.0.0.1:0", transport.UDPOptions{}, logger)
	require.NoError(t, err)
	defer ep.Close()
	srv := NewServer(ep, AdmittedOnly{}, logger)

	peer := testutil.NewUDPPeer(t)
	peer.Send(ep.LocalAddr(), protocol.TokenHandshake)
	testutil.Eventually(t, 2*time.Second, func() bool { return ep.Pending() > 0 }, "handshake never arrived")
	require.NoError(t, srv.OnTick(0.05))

	payload, _ := peer.Receive(2 * time.Second)
	assert.Equal(t, protocol.TokenHandshakeAck, payload)
	assert.True(t, srv.Registry().IsAdmitted(peer.Addr()))
}

func TestClientServerOverUDP(t *testing.T) {
	logger := zaptest.NewLogger(t)
	srvEp, err := transport.Listen("127.0.0.1:0", transport.UDPOptions{}, logger)
	require.NoError(t, err)
	defer srvEp.Close()
	srv := NewServer(srvEp, AdmittedOnly{}, logger)

	cliEp, err := transport.ListenFor(srvEp.LocalAddr(), transport.UDPOptions{}, logger)
	require.NoError(t, err)
	defer cliEp.Close()
	cli := NewClient(cliEp, srvEp.LocalAddr(), DefaultClientOptions(), logger)

	testutil.Eventually(t, 2*time.Second, func() bool {
		require.NoError(t, srv.OnTick(0))
		require.NoError(t, cli.OnTick(0))
		return cli.State() == Connected
	}, "client never connected")
	assert.Equal(t, 1, srv.Registry().Len())
}
