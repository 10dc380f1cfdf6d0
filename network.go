package eventnet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-metrics"
	"github.com/hashicorp/memberlist"
	"github.com/jonboulle/clockwork"

	"github.com/raskyld/eventnet/pkg/rendezvous"
	"github.com/raskyld/eventnet/pkg/wire"
)

const bootstrapTimeout = 5 * time.Second

// Network is the handle applications use to subscribe to and fire events.
//
// Events are delivered to local subscribers first, then broadcast to every
// peer sharing the same rendezvous point. Delivery is best-effort: network
// failures are logged and counted, never returned.
type Network struct {
	config config
	logger *slog.Logger

	id    string
	point rendezvous.Point

	reg  *registry
	view *membership
	// nil when the socket could not be bound, events stay local.
	fb *fabric
	ml *memberlist.Memberlist

	lk       sync.Mutex
	shutdown bool
}

// Create a `Network` and start exchanging with the peers found on the
// rendezvous point of the identifier.
//
// Failing to bind the socket is not fatal, the returned `Network` then
// delivers events to local subscribers only.
func Create(opts ...Option) (*Network, error) {
	n := &Network{
		config: defaultConfig(),
		id:     uuid.NewString(),
	}
	c := &n.config

	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
		}
	}

	if c.logHandler != nil {
		n.logger = slog.New(c.logHandler)
	} else {
		n.logger = slog.Default()
	}
	if c.msink == nil {
		c.msink = metrics.Default()
		c.trCfg.MetricSink = c.msink
	}
	if c.clock == nil {
		c.clock = clockwork.NewRealClock()
	}
	if c.scheduler == nil {
		c.scheduler = &GoroutineScheduler{}
	}

	n.point = rendezvous.Derive(c.identifier)
	if c.port != 0 {
		n.point.Port = c.port
	}
	if c.group.IsValid() {
		n.point.Group = c.group
	}
	n.logger.Info(
		"rendezvous point derived",
		"identifier", c.identifier,
		"point", n.point.String(),
		LabelMode.L(c.mode.String()),
	)

	n.reg = newRegistry(n.logger, c.msink, c.metricLabels, c.clock, c.scheduler)

	if err := n.bind(); err != nil {
		if !errors.Is(err, ErrNetworkUnavailable) {
			return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
		}
		n.logger.Warn("network unavailable, events are only delivered locally", LabelError.L(err))
		return n, nil
	}

	if c.gossip && c.mode == ModeUnicast {
		if err := n.startGossip(); err != nil {
			n.fb.leave()
			n.fb.drop()
			return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
		}
	}
	return n, nil
}

// bind opens the transport and starts the dispatcher.
func (n *Network) bind() error {
	c := &n.config

	if c.bindInterface != "" {
		addr, iface, err := interfaceAddr(c.bindInterface)
		if err != nil {
			n.logger.Warn(
				"bind interface not usable, using the wildcard address",
				"interface", c.bindInterface,
				LabelError.L(err),
			)
		}
		if c.mode == ModeMulticast {
			c.trCfg.Interface = iface
		} else if err == nil && c.trCfg.BindAddr == "" {
			c.trCfg.BindAddr = addr.String()
		}
	}

	c.trCfg.BindPort = int(n.point.Port)
	if c.mode == ModeMulticast {
		c.trCfg.Group = n.point.Group
	}

	tr, err := NewTransport(&c.trCfg)
	if err != nil {
		return err
	}

	var view *membership
	if c.mode == ModeUnicast {
		view, err = n.newMembership(tr.LocalAddr())
		if err != nil {
			tr.Shutdown()
			return err
		}
	}
	n.view = view

	n.fb = newFabric(n.logger, c.msink, c.metricLabels, tr, view, n.reg, fabricConfig{
		id:               n.id,
		mode:             c.mode,
		group:            netip.AddrPortFrom(n.point.Group, n.point.Port),
		bootstrapTimeout: bootstrapTimeout,
	})
	n.fb.start()

	n.logger.Info("listening for events", "addr", tr.LocalAddr().String())
	return nil
}

func (n *Network) newMembership(bound netip.AddrPort) (*membership, error) {
	c := &n.config

	isSelf, err := selfMatcher(bound)
	if err != nil {
		// our own events are still recognised by their origin.
		n.logger.Warn("could not list local addresses", LabelError.L(err))
		isSelf = func(addr netip.AddrPort) bool { return addr == bound }
	}

	seeds := make([]netip.AddrPort, 0, len(c.seeds))
	for _, raw := range c.seeds {
		seed, err := parseSeed(raw)
		if errors.Is(err, ErrResolve) {
			n.logger.Warn("ignoring unresolvable seed", "seed", raw, LabelError.L(err))
			continue
		} else if err != nil {
			return nil, err
		}
		seeds = append(seeds, seed)
	}

	var resolver PeerResolver
	if c.serviceName != "" {
		resolver = c.resolver
		if resolver == nil {
			dnsResolver, err := NewDNSResolver(c.dnsServers...)
			if err != nil {
				n.logger.Warn("falling back to the system resolver", LabelError.L(err))
				resolver = netResolver{r: net.DefaultResolver}
			} else {
				resolver = dnsResolver
			}
		}
	}

	return newMembership(n.logger, c.msink, c.metricLabels, c.clock, membershipConfig{
		resolver: resolver,
		service:  c.serviceName,
		port:     n.point.Port,
		interval: c.refreshInterval,
		seeds:    seeds,
		isSelf:   isSelf,
	}), nil
}

func (n *Network) startGossip() error {
	c := &n.config

	if c.mlCfg.BindPort == 0 {
		port := int(n.point.Port) + 1
		if port > 65535 {
			port = int(n.point.Port) - 1
		}
		c.mlCfg.BindPort = port
		c.mlCfg.AdvertisePort = port
	}

	name := c.nodeName
	if name == "" {
		name = n.id
	}

	ml, err := startGossip(c, n.logger, newGossip(n.logger, name, n.point.Port, n.view))
	if err != nil {
		return err
	}
	n.ml = ml
	return nil
}

// On subscribes `h` to every occurrence of `event`, local or remote. A
// positive `ttl` removes the subscription once elapsed.
func (n *Network) On(event string, ttl time.Duration, h Handler) (string, error) {
	return n.reg.subscribe(event, ttl, h, true)
}

// Once is like `On` but `h` is invoked for the first occurrence only.
func (n *Network) Once(event string, ttl time.Duration, h Handler) (string, error) {
	return n.reg.subscribe(event, ttl, h, false)
}

// Unsubscribe removes the subscription `id` returned by `On` or `Once`.
func (n *Network) Unsubscribe(id string) error {
	return n.reg.unsubscribe(id)
}

// Fire delivers `event` to local subscribers and broadcasts it to peers.
// It returns before any handler runs. Only invalid arguments are errors,
// failing to reach peers is logged and counted.
func (n *Network) Fire(event string, args ...any) error {
	if event == "" {
		return invalidArg("eventName", "must be a non-empty string")
	}

	n.lk.Lock()
	closed := n.shutdown
	n.lk.Unlock()
	if closed {
		return ErrClosed
	}

	wargs, err := wire.NewArgs(args...)
	if err != nil {
		return invalidArg("args", err.Error())
	}

	local := n.reg.dispatch(event, wargs)
	n.config.msink.IncrCounterWithLabels(
		MetricEventFiredCount,
		1.0,
		withLabels(n.config.metricLabels, LabelEventName.M(event)),
	)
	n.logger.Debug("event fired", LabelEventName.L(event), "local_subscribers", local)

	if n.fb == nil {
		return nil
	}

	frame, err := wire.Encode(wire.NewEvent(event, n.id, wargs))
	if err != nil {
		reason := "encode"
		if errors.Is(err, wire.ErrTooLargeFrame) {
			reason = "too_large"
		}
		n.config.msink.IncrCounterWithLabels(
			MetricDatagramOutErrorCount,
			1.0,
			withLabels(n.config.metricLabels, LabelError.M(reason)),
		)
		n.logger.Warn("event not broadcast", LabelEventName.L(event), LabelError.L(err))
		return nil
	}

	if err := n.fb.broadcast(frame); err != nil {
		n.logger.Debug("event not broadcast", LabelEventName.L(event), LabelError.L(err))
	}
	return nil
}

// Peers is a snapshot of the membership view, empty in multicast mode.
func (n *Network) Peers() []Peer {
	if n.view == nil {
		return nil
	}
	return n.view.snapshot()
}

// Rendezvous is the point this instance meets its peers on.
func (n *Network) Rendezvous() rendezvous.Point {
	return n.point
}

// LocalAddr is the address of the event socket, invalid when running
// local-only.
func (n *Network) LocalAddr() netip.AddrPort {
	if n.fb == nil {
		return netip.AddrPort{}
	}
	return n.fb.tr.LocalAddr()
}

// ID identifies this instance in the events it sends.
func (n *Network) ID() string {
	return n.id
}

// Shutdown tells peers we leave, releases the socket and waits up to the
// grace period for the invocations the scheduler accepted, when it can
// `Drain`. Invocations a scheduler still holds afterwards are skipped
// when they run.
func (n *Network) Shutdown() error {
	// Phase 1: Shutdown notify.
	n.lk.Lock()
	if n.shutdown {
		n.lk.Unlock()
		return nil
	}
	n.shutdown = true
	n.lk.Unlock()

	start := time.Now()
	n.logger.Info("shutting down...")

	if n.ml != nil {
		n.logger.Info("shutdown: leave gossip cluster")
		if err := n.ml.Leave(n.config.gracePeriod); err != nil {
			n.logger.Warn("could not leave gossip cluster gracefully", LabelError.L(err))
		}
	}
	if n.fb != nil {
		n.fb.leave()
	}

	// Phase 2: Drop all resources.
	if n.ml != nil {
		n.logger.Info("shutdown: release gossip resources")
		if err := n.ml.Shutdown(); err != nil {
			n.logger.Debug("error releasing gossip resources", LabelError.L(err))
		}
	}
	if n.fb != nil {
		n.logger.Info("shutdown: release network resources")
		n.fb.drop()
	}

	if d, ok := n.config.scheduler.(drainer); ok {
		n.logger.Info("shutdown: wait for running handlers")
		ctx, cancel := context.WithTimeout(context.Background(), n.config.gracePeriod)
		if err := d.Drain(ctx); err != nil {
			n.logger.Warn("some handlers are still running", LabelError.L(err))
		}
		cancel()
	}
	n.reg.close()

	n.logger.Info("shutdown: completed", LabelDuration.L(time.Since(start)))
	return nil
}

var (
	sharedLk sync.Mutex
	shared   *Network
)

// Init creates the `Network` of the process, see `Shared`.
func Init(opts ...Option) (*Network, error) {
	sharedLk.Lock()
	defer sharedLk.Unlock()
	if shared != nil {
		return nil, ErrAlreadyInitialized
	}

	n, err := Create(opts...)
	if err != nil {
		return nil, err
	}
	shared = n
	return n, nil
}

// Shared returns the `Network` created by `Init`.
func Shared() (*Network, error) {
	sharedLk.Lock()
	defer sharedLk.Unlock()
	if shared == nil {
		return nil, ErrNotInitialized
	}
	return shared, nil
}

// Close shuts the shared `Network` down, `Init` can be called again
// afterwards.
func Close() error {
	sharedLk.Lock()
	defer sharedLk.Unlock()
	if shared == nil {
		return ErrNotInitialized
	}
	err := shared.Shutdown()
	shared = nil
	return err
}
