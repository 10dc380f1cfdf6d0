package eventnet

import (
	"encoding/binary"
	"log/slog"
	"net/netip"

	"github.com/hashicorp/memberlist"
)

// gossip feeds the membership view with the peers of a memberlist
// cluster. Each node advertises its event port in its metadata since the
// gossip layer listens on a port of its own.
type gossip struct {
	logger *slog.Logger
	self   string
	meta   []byte
	view   *membership
}

var (
	_ memberlist.Delegate      = (*gossip)(nil)
	_ memberlist.EventDelegate = (*gossip)(nil)
)

func newGossip(logger *slog.Logger, self string, eventPort uint16, view *membership) *gossip {
	meta := make([]byte, 2)
	binary.BigEndian.PutUint16(meta, eventPort)
	return &gossip{
		logger: logger,
		self:   self,
		meta:   meta,
		view:   view,
	}
}

func (g *gossip) NodeMeta(limit int) []byte {
	if len(g.meta) > limit {
		return nil
	}
	return g.meta
}

// Events travel in our own frames, the gossip layer only carries
// membership.
func (g *gossip) NotifyMsg([]byte)                           {}
func (g *gossip) GetBroadcasts(overhead, limit int) [][]byte { return nil }
func (g *gossip) LocalState(join bool) []byte                { return nil }
func (g *gossip) MergeRemoteState(buf []byte, join bool)     {}

func (g *gossip) NotifyJoin(node *memberlist.Node) {
	if node.Name == g.self {
		return
	}
	addr, ok := eventAddr(node)
	if !ok {
		withLogNode(g.logger, node).Warn("peer joined without advertising its event port")
		return
	}
	if g.view.add(addr, PeerSourceGossip, node.Name) {
		withLogNode(g.logger, node).Info("peer joined cluster", LabelPeerAddr.L(addr))
	}
}

func (g *gossip) NotifyLeave(node *memberlist.Node) {
	if node.Name == g.self {
		return
	}
	addr, ok := eventAddr(node)
	if !ok {
		return
	}
	if g.view.leave(addr) {
		withLogNode(g.logger, node).Info("peer left cluster", LabelPeerAddr.L(addr))
	}
}

func (g *gossip) NotifyUpdate(node *memberlist.Node) {
	if node.Name == g.self {
		return
	}
	if addr, ok := eventAddr(node); ok {
		g.view.add(addr, PeerSourceGossip, node.Name)
	}
	withLogNode(g.logger, node).Debug("peer updated")
}

func eventAddr(node *memberlist.Node) (netip.AddrPort, bool) {
	if len(node.Meta) < 2 {
		return netip.AddrPort{}, false
	}
	port := binary.BigEndian.Uint16(node.Meta[:2])
	ip, ok := netip.AddrFromSlice(node.Addr)
	if !ok || port == 0 {
		return netip.AddrPort{}, false
	}
	return netip.AddrPortFrom(ip.Unmap(), port), true
}

func withLogNode(logger *slog.Logger, node *memberlist.Node) *slog.Logger {
	return logger.With(
		LabelPeerName.L(node.Name),
		LabelPeerAddr.L(node.Address()),
	)
}

// startGossip creates the memberlist and joins the configured neighbours.
// Failing to reach neighbours is not fatal, they may join us later.
func startGossip(c *config, logger *slog.Logger, g *gossip) (*memberlist.Memberlist, error) {
	mlCfg := c.mlCfg
	mlCfg.Name = g.self
	mlCfg.Delegate = g
	mlCfg.Events = g
	mlCfg.LogOutput = nil
	mlCfg.Logger = slog.NewLogLogger(logger.Handler(), slog.LevelDebug)

	ml, err := memberlist.Create(mlCfg)
	if err != nil {
		return nil, err
	}

	if len(c.neighbours) > 0 {
		joined, err := ml.Join(c.neighbours)
		if err != nil {
			logger.Warn("could not join gossip cluster", LabelError.L(err))
		} else if joined != len(c.neighbours) {
			logger.Warn(
				"not all neighbours are reachable",
				"joined", joined,
				"expected", len(c.neighbours),
			)
		} else {
			logger.Info("gossip cluster joined", "joined", joined)
		}
	}
	return ml, nil
}
