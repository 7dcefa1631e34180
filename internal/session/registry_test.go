package session

import (
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_AdmitAndTouch(t *testing.T) {
	reg := NewRegistry()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	reg.now = func() time.Time { return now }

	assert.Nil(t, reg.Touch(clientAddr), "touch does not admit")
	meta := reg.Admit(clientAddr)
	assert.Equal(t, now, meta.FirstSeen)

	now = now.Add(time.Minute)
	require.NotNil(t, reg.Touch(clientAddr))

	got, ok := reg.Get(clientAddr)
	require.True(t, ok)
	assert.Equal(t, now, got.LastSeen)
	assert.Equal(t, now.Add(-time.Minute), got.FirstSeen)
}

func TestRegistry_ClientsSorted(t *testing.T) {
	reg := NewRegistry()
	reg.Admit(clientAddr2)
	reg.Admit(clientAddr)
	reg.Admit(netip.MustParseAddrPort("10.0.0.1:1"))

	clients := reg.Clients()
	require.Len(t, clients, 3)
	assert.Equal(t, netip.MustParseAddrPort("10.0.0.1:1"), clients[0].Endpoint)
	assert.Equal(t, clientAddr, clients[1].Endpoint)
	assert.Equal(t, clientAddr2, clients[2].Endpoint)
}

func TestRegistry_ShutdownQueue(t *testing.T) {
	reg := NewRegistry()
	reg.QueueShutdown(clientAddr)
	reg.QueueShutdown(clientAddr2)
	reg.QueueShutdown(clientAddr)

	pending := reg.PendingShutdowns()
	pending[0] = netip.AddrPort{}
	assert.Equal(t, clientAddr, reg.PendingShutdowns()[0], "pending returns a copy")

	assert.Equal(t, []netip.AddrPort{clientAddr, clientAddr2, clientAddr}, reg.DrainShutdowns())
	assert.Empty(t, reg.PendingShutdowns())
	assert.Empty(t, reg.DrainShutdowns())
}
