package eventnet

import (
	"context"
	"log/slog"
	"net/netip"
	"slices"
	"sync"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/singleflight"
)

// membership tracks the peers we believe are reachable.
//
// The view is seeded by resolving the service name and wholesale replaced
// on every refresh. Static seeds and gossip peers survive refreshes, peers
// which announced themselves survive one refresh interval, so a peer
// slower to be published in DNS than to join is not dropped right away.
type membership struct {
	logger *slog.Logger
	msink  metrics.MetricSink
	labels []metrics.Label
	clock  clockwork.Clock

	resolver PeerResolver
	service  string
	port     uint16
	interval time.Duration
	seeds    []netip.AddrPort
	isSelf   func(netip.AddrPort) bool

	lk   sync.RWMutex
	view map[netip.AddrPort]Peer

	sf singleflight.Group
}

type membershipConfig struct {
	resolver PeerResolver
	service  string
	port     uint16
	interval time.Duration
	seeds    []netip.AddrPort
	isSelf   func(netip.AddrPort) bool
}

func newMembership(logger *slog.Logger, msink metrics.MetricSink, labels []metrics.Label, clock clockwork.Clock, cfg membershipConfig) *membership {
	isSelf := cfg.isSelf
	if isSelf == nil {
		isSelf = func(netip.AddrPort) bool { return false }
	}

	return &membership{
		logger:   logger,
		msink:    msink,
		labels:   labels,
		clock:    clock,
		resolver: cfg.resolver,
		service:  cfg.service,
		port:     cfg.port,
		interval: cfg.interval,
		seeds:    cfg.seeds,
		isSelf:   isSelf,
		view:     make(map[netip.AddrPort]Peer),
	}
}

// discovers reports whether periodic resolution is configured.
func (m *membership) discovers() bool {
	return m.service != "" && m.resolver != nil
}

// add a peer to the view, it reports whether it was absent.
func (m *membership) add(addr netip.AddrPort, src PeerSource, name string) bool {
	addr = normalizeAddrPort(addr)
	if !addr.IsValid() || m.isSelf(addr) {
		return false
	}

	m.lk.Lock()
	defer m.lk.Unlock()
	prev, known := m.view[addr]
	peer := Peer{
		Addr:   addr,
		Source: src,
		Name:   name,
		SeenAt: m.clock.Now(),
	}
	if known && sourceRank(prev.Source) > sourceRank(src) {
		peer.Source = prev.Source
	}
	if peer.Name == "" {
		peer.Name = prev.Name
	}
	m.view[addr] = peer
	m.reportSizeLocked()
	return !known
}

// join records a peer which announced itself.
func (m *membership) join(addr netip.AddrPort) bool {
	added := m.add(addr, PeerSourceJoin, "")
	if added {
		m.msink.IncrCounterWithLabels(MetricViewJoinCount, 1.0, m.labels)
	}
	return added
}

// leave removes a peer, it reports whether it was present.
func (m *membership) leave(addr netip.AddrPort) bool {
	addr = normalizeAddrPort(addr)

	m.lk.Lock()
	defer m.lk.Unlock()
	if _, ok := m.view[addr]; !ok {
		return false
	}
	delete(m.view, addr)
	m.msink.IncrCounterWithLabels(MetricViewLeaveCount, 1.0, m.labels)
	m.reportSizeLocked()
	return true
}

func (m *membership) contains(addr netip.AddrPort) bool {
	m.lk.RLock()
	defer m.lk.RUnlock()
	_, ok := m.view[normalizeAddrPort(addr)]
	return ok
}

// peers returns the addresses of the view, sorted.
func (m *membership) peers() []netip.AddrPort {
	m.lk.RLock()
	addrs := make([]netip.AddrPort, 0, len(m.view))
	for addr := range m.view {
		addrs = append(addrs, addr)
	}
	m.lk.RUnlock()

	slices.SortFunc(addrs, func(a, b netip.AddrPort) int { return a.Compare(b) })
	return addrs
}

func (m *membership) snapshot() []Peer {
	m.lk.RLock()
	out := make([]Peer, 0, len(m.view))
	for _, peer := range m.view {
		out = append(out, peer)
	}
	m.lk.RUnlock()

	slices.SortFunc(out, func(a, b Peer) int { return a.Addr.Compare(b.Addr) })
	return out
}

// bootstrap builds the initial view from the seeds and a first
// resolution. A failed resolution leaves a view made of the seeds only.
func (m *membership) bootstrap(ctx context.Context) error {
	for _, seed := range m.seeds {
		m.add(seed, PeerSourceSeed, "")
	}
	return m.refresh(ctx)
}

// refresh re-resolves the service name. Concurrent callers share the
// same resolution. On error, the view is left untouched.
func (m *membership) refresh(ctx context.Context) error {
	if !m.discovers() {
		return nil
	}

	_, err, _ := m.sf.Do("refresh", func() (interface{}, error) {
		return nil, m.doRefresh(ctx)
	})
	return err
}

func (m *membership) doRefresh(ctx context.Context) error {
	addrs, err := m.resolver.LookupPeers(ctx, m.service)
	if err != nil {
		m.msink.IncrCounterWithLabels(MetricRefreshErrorCount, 1.0, m.labels)
		return err
	}

	now := m.clock.Now()
	next := make(map[netip.AddrPort]Peer, len(addrs))
	for _, addr := range addrs {
		ap := netip.AddrPortFrom(addr.Unmap(), m.port)
		if m.isSelf(ap) {
			continue
		}
		next[ap] = Peer{Addr: ap, Source: PeerSourceDNS, SeenAt: now}
	}
	for _, seed := range m.seeds {
		if !m.isSelf(seed) {
			next[seed] = Peer{Addr: seed, Source: PeerSourceSeed, SeenAt: now}
		}
	}

	m.lk.Lock()
	defer m.lk.Unlock()
	for addr, peer := range m.view {
		if _, ok := next[addr]; ok {
			continue
		}
		switch peer.Source {
		case PeerSourceGossip:
			next[addr] = peer
		case PeerSourceJoin:
			if now.Sub(peer.SeenAt) < m.interval {
				next[addr] = peer
			}
		}
	}

	removed := 0
	for addr := range m.view {
		if _, ok := next[addr]; !ok {
			removed++
		}
	}
	m.view = next
	m.reportSizeLocked()

	m.logger.Debug(
		"membership refreshed",
		LabelViewSize.L(len(next)),
		"resolved", len(addrs),
		"pruned", removed,
	)
	return nil
}

// run refreshes the view on every tick until `ctx` is done.
func (m *membership) run(ctx context.Context) {
	if !m.discovers() {
		return
	}

	ticker := m.clock.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
		}

		rctx, cancel := context.WithTimeout(ctx, m.interval)
		if err := m.refresh(rctx); err != nil && ctx.Err() == nil {
			m.logger.Warn("could not refresh membership, keeping the current view", LabelError.L(err))
		}
		cancel()
	}
}

func (m *membership) size() int {
	m.lk.RLock()
	defer m.lk.RUnlock()
	return len(m.view)
}

func (m *membership) reportSizeLocked() {
	m.msink.SetGaugeWithLabels(MetricViewSize, float32(len(m.view)), m.labels)
}

// sourceRank orders sources by how long they keep a peer in the view.
func sourceRank(src PeerSource) int {
	switch src {
	case PeerSourceSeed:
		return 4
	case PeerSourceGossip:
		return 3
	case PeerSourceDNS:
		return 2
	case PeerSourceJoin:
		return 1
	default:
		return 0
	}
}

func normalizeAddrPort(addr netip.AddrPort) netip.AddrPort {
	return netip.AddrPortFrom(addr.Addr().Unmap(), addr.Port())
}
