package eventnet

import (
	"log/slog"
	"net/netip"
	"time"
)

// PeerSource tells how a peer entered the view.
type PeerSource uint8

const (
	PeerSourceUnknown PeerSource = iota
	// PeerSourceDNS peers come from the resolution of the service name.
	PeerSourceDNS
	// PeerSourceSeed peers were configured statically.
	PeerSourceSeed
	// PeerSourceJoin peers announced themselves with a join frame.
	PeerSourceJoin
	// PeerSourceGossip peers were discovered by the gossip layer.
	PeerSourceGossip
)

func (src PeerSource) String() string {
	switch src {
	case PeerSourceDNS:
		return "dns"
	case PeerSourceSeed:
		return "seed"
	case PeerSourceJoin:
		return "join"
	case PeerSourceGossip:
		return "gossip"
	default:
		return "unknown"
	}
}

// Peer is an entry of the membership view.
type Peer struct {
	Addr   netip.AddrPort
	Source PeerSource

	// Name is only known for gossip peers.
	Name string

	// SeenAt is the last time the source vouched for the peer.
	SeenAt time.Time
}

func (p Peer) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.String("addr", p.Addr.String()),
		slog.String("source", p.Source.String()),
	}
	if p.Name != "" {
		attrs = append(attrs, slog.String("name", p.Name))
	}
	return slog.GroupValue(attrs...)
}
