package rendezvous

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHash(t *testing.T) {
	cases := []struct {
		id    string
		hash  uint32
		port  uint16
		octet byte
	}{
		{"", 0, 49152, 0},
		{"a", 1557201927, 60755, 63},
		{"ab", 187354459, 54054, 249},
		{"localTesting.local", 921506547, 52467, 135},
		{"my-app.example.internal", 1248673170, 53446, 26},
		{"héllo", 2073442873, 63604, 233},
	}

	for _, tc := range cases {
		t.Run(tc.id, func(t *testing.T) {
			h := Hash(tc.id)
			require.Equal(t, tc.hash, h)
			require.Equal(t, tc.port, Port(h))
			require.Equal(t, netip.AddrFrom4([4]byte{228, 186, 2, tc.octet}), Group(h))
		})
	}
}

func TestHash_Deterministic(t *testing.T) {
	for range 10 {
		require.Equal(t, Hash("orders.svc.cluster.local"), Hash("orders.svc.cluster.local"))
	}
	require.NotEqual(t, Hash("orders"), Hash("billing"))
}

func TestDerive(t *testing.T) {
	p := Derive("a")
	require.Equal(t, uint16(60755), p.Port)
	require.Equal(t, "228.186.2.63", p.Group.String())
	require.Equal(t, "228.186.2.63:60755", p.String())
	require.True(t, p.Group.IsMulticast())
}

func TestPort_Range(t *testing.T) {
	for _, h := range []uint32{0, 1, PortSpan - 1, PortSpan, IntMax - 1, 1<<32 - 1} {
		p := Port(h)
		require.GreaterOrEqual(t, p, uint16(PortBase))
		require.Less(t, int(p), PortBase+PortSpan)
	}
}
