package eventnet

import (
	"fmt"
	"log/slog"
	"net/netip"
	"time"

	leg_metrics "github.com/armon/go-metrics"
	"github.com/hashicorp/go-metrics"
	"github.com/hashicorp/memberlist"
	"github.com/jonboulle/clockwork"
)

const (
	// DefaultIdentifier seeds the rendezvous when nothing else does.
	DefaultIdentifier = "localTesting.local"

	DefaultRefreshInterval = 20 * time.Second
	DefaultGracePeriod     = 10 * time.Second
)

// Mode selects how frames reach peers.
type Mode uint8

const (
	// ModeUnicast sends one datagram per peer of the membership view.
	ModeUnicast Mode = iota
	// ModeMulticast sends a single datagram to the rendezvous group.
	ModeMulticast
)

func (m Mode) String() string {
	if m == ModeMulticast {
		return "multicast"
	}
	return "unicast"
}

type config struct {
	mlCfg *memberlist.Config
	trCfg TransportConfig

	identifier    string
	serviceName   string
	bindInterface string
	mode          Mode
	port          uint16
	group         netip.Addr

	seeds           []string
	refreshInterval time.Duration
	resolver        PeerResolver
	dnsServers      []string

	gossip     bool
	nodeName   string
	neighbours []string

	logHandler   slog.Handler
	msink        metrics.MetricSink
	metricLabels []metrics.Label

	clock       clockwork.Clock
	scheduler   Scheduler
	gracePeriod time.Duration
}

func defaultConfig() config {
	return config{
		mlCfg:           memberlist.DefaultLANConfig(),
		identifier:      DefaultIdentifier,
		refreshInterval: DefaultRefreshInterval,
		gracePeriod:     DefaultGracePeriod,
	}
}

// Option to pass to `Create`
type Option func(*config) error

// WithIdentifier sets the application identifier. Every instance sharing it
// meets on the same rendezvous point.
func WithIdentifier(id string) Option {
	return func(c *config) error {
		if id == "" {
			return fmt.Errorf("identifier must not be empty")
		}
		c.identifier = id
		return nil
	}
}

// WithServiceName sets the DNS name resolved to find peers, usually the
// identifier itself. An empty name disables DNS discovery.
func WithServiceName(name string) Option {
	return func(c *config) error {
		c.serviceName = name
		return nil
	}
}

// WithListenOn specifies which UDP interface must be used by the event
// protocol. A zero port keeps the derived one.
func WithListenOn(addr string, port int) Option {
	return func(c *config) error {
		if addr != "" {
			if _, err := netip.ParseAddr(addr); err != nil {
				return fmt.Errorf("%w: %w", ErrInvalidAddr, err)
			}
			c.mlCfg.BindAddr = addr
		}
		c.trCfg.BindAddr = addr
		if port != 0 {
			return WithPort(port)(c)
		}
		return nil
	}
}

// WithPort overrides the rendezvous port.
func WithPort(port int) Option {
	return func(c *config) error {
		if port <= 0 || port > 65535 {
			return fmt.Errorf("port %d is out of range", port)
		}
		c.port = uint16(port)
		return nil
	}
}

// WithBindInterface binds to the first forwardable IPv4 address of the
// named interface. In multicast mode, it is also the interface joining
// the group. A missing interface is not fatal.
func WithBindInterface(name string) Option {
	return func(c *config) error {
		c.bindInterface = name
		return nil
	}
}

// WithMulticast switches to the multicast mode.
func WithMulticast(enabled bool) Option {
	return func(c *config) error {
		if enabled {
			c.mode = ModeMulticast
		} else {
			c.mode = ModeUnicast
		}
		return nil
	}
}

// WithGroup overrides the multicast group.
func WithGroup(group string) Option {
	return func(c *config) error {
		addr, err := netip.ParseAddr(group)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidAddr, err)
		}
		if !addr.Is4() || !addr.IsMulticast() {
			return fmt.Errorf("%w: %s is not an IPv4 multicast group", ErrInvalidAddr, group)
		}
		c.group = addr
		return nil
	}
}

// WithSeeds adds static peers, as `host:port`, which are always part of the
// view.
func WithSeeds(seeds []string) Option {
	return func(c *config) error {
		c.seeds = append(c.seeds, seeds...)
		return nil
	}
}

// WithRefreshInterval controls how often the service name is re-resolved.
func WithRefreshInterval(interval time.Duration) Option {
	return func(c *config) error {
		if interval == 0 {
			interval = DefaultRefreshInterval
		}
		if interval < 0 {
			return fmt.Errorf("refresh interval must be positive")
		}
		c.refreshInterval = interval
		return nil
	}
}

// WithResolver replaces the DNS resolver used to discover peers.
func WithResolver(resolver PeerResolver) Option {
	return func(c *config) error {
		c.resolver = resolver
		return nil
	}
}

// WithDNSServer queries the given `host:port` servers instead of the ones
// of the system configuration.
func WithDNSServer(servers ...string) Option {
	return func(c *config) error {
		for _, srv := range servers {
			if _, err := netip.ParseAddrPort(srv); err != nil {
				return fmt.Errorf("%w: dns server %q: %w", ErrInvalidAddr, srv, err)
			}
		}
		c.dnsServers = append(c.dnsServers, servers...)
		return nil
	}
}

// WithGossip enables the discovery of peers through a gossip protocol
// listening on `port`. A zero port uses the rendezvous port plus one.
func WithGossip(port int) Option {
	return func(c *config) error {
		if port < 0 || port > 65535 {
			return fmt.Errorf("gossip port %d is out of range", port)
		}
		c.gossip = true
		c.mlCfg.BindPort = port
		c.mlCfg.AdvertisePort = port
		return nil
	}
}

// WithNeighbours controls which gossip peers are tried initially to join the
// cluster.
func WithNeighbours(neighbours []string) Option {
	return func(c *config) error {
		c.neighbours = neighbours
		return nil
	}
}

// WithHostname specifies which name should be exposed to other
// peers of the gossip layer. For a well-behaving cluster, the name
// MUST be unique.
func WithHostname(hostname string) Option {
	return func(c *config) error {
		c.nodeName = hostname
		return nil
	}
}

// WithLog specifies which `slog.Handler` to use.
func WithLog(handler slog.Handler) Option {
	return func(c *config) error {
		c.logHandler = handler
		c.trCfg.LogHandler = handler
		return nil
	}
}

// WithMetricLabels adds static labels to all metrics produced by the Network.
func WithMetricLabels(labels []metrics.Label) Option {
	return func(c *config) error {
		c.metricLabels = labels
		c.trCfg.MetricLabels = labels

		// memberlist still emits through the legacy module.
		c.mlCfg.MetricLabels = make([]leg_metrics.Label, len(labels))
		for i, label := range labels {
			c.mlCfg.MetricLabels[i] = leg_metrics.Label{
				Name:  label.Name,
				Value: label.Value,
			}
		}
		return nil
	}
}

// WithMetricSink allows you to chose how to collect the metrics emitted by
// your `Network`.
func WithMetricSink(ms metrics.MetricSink) Option {
	return func(c *config) error {
		if ms == nil {
			ms = &metrics.BlackholeSink{}
		}
		c.msink = ms
		c.trCfg.MetricSink = ms
		return nil
	}
}

// WithClock replaces the clock driving TTLs and refreshes.
func WithClock(clock clockwork.Clock) Option {
	return func(c *config) error {
		c.clock = clock
		return nil
	}
}

// WithScheduler replaces the executor of handler invocations.
func WithScheduler(s Scheduler) Option {
	return func(c *config) error {
		c.scheduler = s
		return nil
	}
}

// WithGracePeriod controls how much time we wait on Shutdown for running
// handlers and for the gossip layer to say goodbye.
func WithGracePeriod(period time.Duration) Option {
	return func(c *config) error {
		if period == 0 {
			period = DefaultGracePeriod
		}
		c.gracePeriod = period
		return nil
	}
}

// WithBufferSize sets the requested UDP kernel buffer. When `enforce` is
// false, smaller buffers are accepted.
func WithBufferSize(size int, enforce bool) Option {
	return func(c *config) error {
		c.trCfg.BufferSize = size
		c.trCfg.EnforceBufferSize = enforce
		return nil
	}
}
