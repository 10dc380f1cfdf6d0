package eventnet

import (
	"fmt"
	"net"

	reuseport "github.com/libp2p/go-reuseport"
	"golang.org/x/net/ipv4"

	"github.com/raskyld/eventnet/pkg/rendezvous"
)

// listenMulticast binds the wildcard address on the group port, sharing it
// with other instances of the host, and joins the group.
func (t *Transport) listenMulticast() error {
	pc, err := reuseport.ListenPacket("udp4", fmt.Sprintf("0.0.0.0:%d", t.cfg.BindPort))
	if err != nil {
		return fmt.Errorf("%w: failed to allocate multicast listener: %w", ErrNetworkUnavailable, err)
	}

	udpLn, ok := pc.(*net.UDPConn)
	if !ok {
		pc.Close()
		return fmt.Errorf("%w: unexpected packet conn %T", ErrUdpNotAvailable, pc)
	}
	t.udpLn = udpLn

	mcast := ipv4.NewPacketConn(udpLn)
	group := &net.UDPAddr{IP: t.cfg.Group.AsSlice()}
	if err := mcast.JoinGroup(t.cfg.Interface, group); err != nil {
		return fmt.Errorf("%w: could not join %s: %w", ErrNetworkUnavailable, t.cfg.Group, err)
	}
	t.mcast = mcast

	if t.cfg.Interface != nil {
		if err := mcast.SetMulticastInterface(t.cfg.Interface); err != nil {
			return fmt.Errorf("%w: %w", ErrNetworkUnavailable, err)
		}
	}

	ttl := t.cfg.MulticastTTL
	if ttl == 0 {
		ttl = rendezvous.MulticastTTL
	}
	if err := mcast.SetMulticastTTL(ttl); err != nil {
		return fmt.Errorf("%w: %w", ErrNetworkUnavailable, err)
	}

	// instances of the same host must hear each other.
	if err := mcast.SetMulticastLoopback(true); err != nil {
		return fmt.Errorf("%w: %w", ErrNetworkUnavailable, err)
	}

	t.logger.Info(
		"joined multicast group",
		"group", t.cfg.Group.String(),
		"port", t.cfg.BindPort,
		"ttl", ttl,
	)
	return nil
}
