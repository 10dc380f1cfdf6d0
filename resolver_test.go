package eventnet

import (
	"context"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/require"
)

// startDNS serves A records for `records` on a loopback port, every other
// name is answered with NXDOMAIN. It returns the `host:port` of the server.
func startDNS(t *testing.T, records map[string][]string) string {
	t.Helper()

	mux := dns.NewServeMux()
	for name, ips := range records {
		mux.HandleFunc(dns.Fqdn(name), func(w dns.ResponseWriter, r *dns.Msg) {
			m := new(dns.Msg)
			m.SetReply(r)
			for _, ip := range ips {
				m.Answer = append(m.Answer, &dns.A{
					Hdr: dns.RR_Header{
						Name:   r.Question[0].Name,
						Rrtype: dns.TypeA,
						Class:  dns.ClassINET,
					},
					A: net.ParseIP(ip),
				})
			}
			w.WriteMsg(m)
		})
	}
	mux.HandleFunc(".", func(w dns.ResponseWriter, r *dns.Msg) {
		m := new(dns.Msg)
		m.SetRcode(r, dns.RcodeNameError)
		w.WriteMsg(m)
	})

	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)

	started := make(chan struct{})
	srv := &dns.Server{
		PacketConn:        pc,
		Handler:           mux,
		NotifyStartedFunc: func() { close(started) },
	}
	go srv.ActivateAndServe()
	t.Cleanup(func() { srv.Shutdown() })

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatalf("dns server did not start")
	}
	return pc.LocalAddr().String()
}

func TestDNSResolver(t *testing.T) {
	server := startDNS(t, map[string][]string{
		"svc.test":   {"127.0.0.1", "127.0.0.2"},
		"empty.test": {},
	})

	resolver, err := NewDNSResolver(server)
	require.NoError(t, err)
	ctx := context.Background()

	t.Run("resolve every instance", func(t *testing.T) {
		got, err := resolver.LookupPeers(ctx, "svc.test")
		require.NoError(t, err)
		require.ElementsMatch(t, addrs("127.0.0.1", "127.0.0.2"), got)
	})

	t.Run("name without address", func(t *testing.T) {
		got, err := resolver.LookupPeers(ctx, "empty.test")
		require.NoError(t, err)
		require.Empty(t, got)
	})

	t.Run("unknown name", func(t *testing.T) {
		_, err := resolver.LookupPeers(ctx, "missing.test")
		require.ErrorIs(t, err, ErrResolve)
	})
}

func TestDNSResolver_Unreachable(t *testing.T) {
	// nothing listens there.
	resolver, err := NewDNSResolver("127.0.0.1:1")
	require.NoError(t, err)
	resolver.client.Timeout = 500 * time.Millisecond

	_, err = resolver.LookupPeers(context.Background(), "svc.test")
	require.ErrorIs(t, err, ErrResolve)
}

func TestStaticResolver(t *testing.T) {
	static := StaticResolver(addrs("10.0.0.1"))
	got, err := static.LookupPeers(context.Background(), "whatever")
	require.NoError(t, err)
	require.Equal(t, addrs("10.0.0.1"), got)

	// callers cannot alter the resolver.
	got[0] = netip.MustParseAddr("10.0.0.2")
	require.Equal(t, addrs("10.0.0.1"), []netip.Addr(static))
}

func TestParseSeed(t *testing.T) {
	seed, err := parseSeed("10.1.2.3:4000")
	require.NoError(t, err)
	require.Equal(t, netip.MustParseAddrPort("10.1.2.3:4000"), seed)

	seed, err = parseSeed("localhost:4000")
	require.NoError(t, err)
	require.Equal(t, uint16(4000), seed.Port())
	require.True(t, seed.Addr().IsLoopback())

	_, err = parseSeed("10.1.2.3")
	require.ErrorIs(t, err, ErrInvalidAddr)

	_, err = parseSeed("10.1.2.3:port")
	require.ErrorIs(t, err, ErrInvalidAddr)
}
