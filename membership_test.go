package eventnet

import (
	"context"
	"errors"
	"net/netip"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const testPort = 49200

type MockResolver struct {
	m     mock.Mock
	calls atomic.Int32
}

func (r *MockResolver) LookupPeers(ctx context.Context, name string) ([]netip.Addr, error) {
	defer r.calls.Add(1)
	args := r.m.Called(name)
	addrs, _ := args.Get(0).([]netip.Addr)
	return addrs, args.Error(1)
}

func addrs(raw ...string) []netip.Addr {
	out := make([]netip.Addr, 0, len(raw))
	for _, r := range raw {
		out = append(out, netip.MustParseAddr(r))
	}
	return out
}

func peerAt(raw string) netip.AddrPort {
	return netip.AddrPortFrom(netip.MustParseAddr(raw), testPort)
}

func newTestMembership(resolver PeerResolver, clock clockwork.Clock, seeds []netip.AddrPort, isSelf func(netip.AddrPort) bool) *membership {
	return newMembership(slogForTest("membership"), &metrics.BlackholeSink{}, nil, clock, membershipConfig{
		resolver: resolver,
		service:  "svc.local",
		port:     testPort,
		interval: 20 * time.Second,
		seeds:    seeds,
		isSelf:   isSelf,
	})
}

func TestMembership_Refresh(t *testing.T) {
	ctx := context.Background()

	t.Run("view is replaced wholesale", func(t *testing.T) {
		r := &MockResolver{}
		r.m.On("LookupPeers", "svc.local").Return(addrs("10.0.0.1", "10.0.0.2"), nil).Once()
		r.m.On("LookupPeers", "svc.local").Return(addrs("10.0.0.2", "10.0.0.3"), nil).Once()
		view := newTestMembership(r, clockwork.NewFakeClock(), nil, nil)

		require.NoError(t, view.bootstrap(ctx))
		require.Equal(t, []netip.AddrPort{peerAt("10.0.0.1"), peerAt("10.0.0.2")}, view.peers())

		require.NoError(t, view.refresh(ctx))
		require.Equal(t, []netip.AddrPort{peerAt("10.0.0.2"), peerAt("10.0.0.3")}, view.peers())
		r.m.AssertExpectations(t)
	})

	t.Run("resolution errors keep the view", func(t *testing.T) {
		r := &MockResolver{}
		r.m.On("LookupPeers", "svc.local").Return(addrs("10.0.0.1"), nil).Once()
		r.m.On("LookupPeers", "svc.local").Return(nil, ErrResolve).Once()
		view := newTestMembership(r, clockwork.NewFakeClock(), nil, nil)

		require.NoError(t, view.refresh(ctx))
		require.ErrorIs(t, view.refresh(ctx), ErrResolve)
		require.Equal(t, []netip.AddrPort{peerAt("10.0.0.1")}, view.peers())
	})

	t.Run("empty answer empties the view", func(t *testing.T) {
		r := &MockResolver{}
		r.m.On("LookupPeers", "svc.local").Return(addrs("10.0.0.1"), nil).Once()
		r.m.On("LookupPeers", "svc.local").Return(nil, nil).Once()
		view := newTestMembership(r, clockwork.NewFakeClock(), nil, nil)

		require.NoError(t, view.refresh(ctx))
		require.NoError(t, view.refresh(ctx))
		require.Empty(t, view.peers())
	})

	t.Run("seeds survive refreshes", func(t *testing.T) {
		seed := netip.MustParseAddrPort("192.168.1.10:7000")
		r := &MockResolver{}
		r.m.On("LookupPeers", "svc.local").Return(addrs("10.0.0.1"), nil)
		view := newTestMembership(r, clockwork.NewFakeClock(), []netip.AddrPort{seed}, nil)

		require.NoError(t, view.bootstrap(ctx))
		require.True(t, view.contains(seed))
		require.True(t, view.leave(seed))

		require.NoError(t, view.refresh(ctx))
		require.True(t, view.contains(seed))
		require.Len(t, view.peers(), 2)
	})

	t.Run("self is never a member", func(t *testing.T) {
		self := peerAt("10.0.0.1")
		r := &MockResolver{}
		r.m.On("LookupPeers", "svc.local").Return(addrs("10.0.0.1", "10.0.0.2"), nil)
		view := newTestMembership(r, clockwork.NewFakeClock(), nil, func(addr netip.AddrPort) bool {
			return addr == self
		})

		require.NoError(t, view.refresh(ctx))
		require.Equal(t, []netip.AddrPort{peerAt("10.0.0.2")}, view.peers())
		require.False(t, view.join(self))
		require.False(t, view.contains(self))
	})

	t.Run("joined peers survive one interval", func(t *testing.T) {
		clock := clockwork.NewFakeClock()
		r := &MockResolver{}
		r.m.On("LookupPeers", "svc.local").Return(addrs("10.0.0.1"), nil)
		view := newTestMembership(r, clock, nil, nil)

		joined := peerAt("10.0.0.9")
		require.True(t, view.join(joined))
		require.False(t, view.join(joined))

		require.NoError(t, view.refresh(ctx))
		require.True(t, view.contains(joined))

		clock.Advance(21 * time.Second)
		require.NoError(t, view.refresh(ctx))
		require.False(t, view.contains(joined))
	})

	t.Run("gossip peers survive refreshes", func(t *testing.T) {
		clock := clockwork.NewFakeClock()
		r := &MockResolver{}
		r.m.On("LookupPeers", "svc.local").Return(addrs("10.0.0.1"), nil)
		view := newTestMembership(r, clock, nil, nil)

		gossiped := peerAt("10.0.0.7")
		require.True(t, view.add(gossiped, PeerSourceGossip, "node7"))
		clock.Advance(time.Hour)
		require.NoError(t, view.refresh(ctx))

		peers := view.snapshot()
		require.Len(t, peers, 2)
		require.Equal(t, gossiped, peers[1].Addr)
		require.Equal(t, PeerSourceGossip, peers[1].Source)
		require.Equal(t, "node7", peers[1].Name)
	})
}

func TestMembership_JoinLeave(t *testing.T) {
	view := newTestMembership(nil, clockwork.NewFakeClock(), nil, nil)
	peer := peerAt("10.0.0.5")

	require.False(t, view.discovers())
	require.NoError(t, view.refresh(context.Background()))

	require.True(t, view.join(peer))
	require.Equal(t, PeerSourceJoin, view.snapshot()[0].Source)

	// a stronger source takes over, a weaker one does not.
	view.add(peer, PeerSourceDNS, "")
	view.join(peer)
	require.Equal(t, PeerSourceDNS, view.snapshot()[0].Source)

	require.True(t, view.leave(peer))
	require.False(t, view.leave(peer))
	require.Equal(t, 0, view.size())
}

func TestMembership_Run(t *testing.T) {
	clock := clockwork.NewFakeClock()
	r := &MockResolver{}
	r.m.On("LookupPeers", "svc.local").Return(nil, errors.New("server failure")).Once()
	r.m.On("LookupPeers", "svc.local").Return(addrs("10.0.0.1"), nil)
	view := newTestMembership(r, clock, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		view.run(ctx)
		close(done)
	}()

	waitCtx, waitCancel := context.WithTimeout(ctx, 5*time.Second)
	defer waitCancel()
	require.NoError(t, clock.BlockUntilContext(waitCtx, 1))

	// first tick fails, the view stays empty.
	clock.Advance(20 * time.Second)
	require.Eventually(t, func() bool {
		return r.calls.Load() == 1
	}, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, 0, view.size())

	clock.Advance(20 * time.Second)
	require.Eventually(t, func() bool {
		return view.contains(peerAt("10.0.0.1"))
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("refresh loop did not stop")
	}
}
