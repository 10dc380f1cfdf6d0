package eventnet

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSelfMatcher(t *testing.T) {
	t.Run("bound to an address", func(t *testing.T) {
		isSelf, err := selfMatcher(netip.MustParseAddrPort("127.0.0.2:5000"))
		require.NoError(t, err)

		require.True(t, isSelf(netip.MustParseAddrPort("127.0.0.2:5000")))
		require.False(t, isSelf(netip.MustParseAddrPort("127.0.0.1:5000")))
		require.False(t, isSelf(netip.MustParseAddrPort("127.0.0.2:5001")))
	})

	t.Run("bound to the wildcard", func(t *testing.T) {
		isSelf, err := selfMatcher(netip.MustParseAddrPort("0.0.0.0:5000"))
		require.NoError(t, err)

		require.True(t, isSelf(netip.MustParseAddrPort("127.0.0.1:5000")))
		require.True(t, isSelf(netip.MustParseAddrPort("0.0.0.0:5000")))
		require.False(t, isSelf(netip.MustParseAddrPort("127.0.0.1:5001")))
		require.False(t, isSelf(netip.MustParseAddrPort("192.0.2.1:5000")))

		local, err := localAddrs()
		require.NoError(t, err)
		for _, addr := range local {
			require.True(t, isSelf(netip.AddrPortFrom(addr, 5000)), addr.String())
		}
	})
}

func TestInterfaceAddr(t *testing.T) {
	_, _, err := interfaceAddr("does-not-exist0")
	require.ErrorIs(t, err, ErrNetworkUnavailable)

	// loopback addresses are not forwardable.
	_, iface, err := interfaceAddr("lo")
	if iface == nil {
		t.Skip("no loopback interface named lo")
	}
	require.ErrorIs(t, err, ErrNetworkUnavailable)
	require.Equal(t, "lo", iface.Name)
}
