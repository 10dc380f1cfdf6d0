package eventnet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"sync"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/hashicorp/go-multierror"

	"github.com/raskyld/eventnet/pkg/wire"
)

const outboundQueueSize = 1024

// fabric ties the transport to the membership view and the registry: it
// fans frames out to peers and routes inbound frames.
type fabric struct {
	logger *slog.Logger
	msink  metrics.MetricSink
	labels []metrics.Label

	// origin stamped on our events
	id    string
	mode  Mode
	group netip.AddrPort

	tr   *Transport
	view *membership
	reg  *registry

	outCh      chan []byte
	outDone    chan struct{}
	stopView   context.CancelFunc
	bootstrapT time.Duration

	// 2-phase close:
	// phase 1: shutdown notification, pending sends are flushed, peers
	// are told we leave.
	// phase 2: drop, all resources are freed.
	lk         sync.Mutex
	shutdown   bool
	shutdownCh chan struct{}
	dropCh     chan struct{}
	wg         sync.WaitGroup
}

type fabricConfig struct {
	id    string
	mode  Mode
	group netip.AddrPort
	// bound on the initial resolution
	bootstrapTimeout time.Duration
}

func newFabric(logger *slog.Logger, msink metrics.MetricSink, labels []metrics.Label, tr *Transport, view *membership, reg *registry, cfg fabricConfig) *fabric {
	return &fabric{
		logger:     logger,
		msink:      msink,
		labels:     labels,
		id:         cfg.id,
		mode:       cfg.mode,
		group:      cfg.group,
		tr:         tr,
		view:       view,
		reg:        reg,
		outCh:      make(chan []byte, outboundQueueSize),
		outDone:    make(chan struct{}),
		bootstrapT: cfg.bootstrapTimeout,
		shutdownCh: make(chan struct{}),
		dropCh:     make(chan struct{}),
	}
}

// start builds the initial view, announces ourselves and starts the
// background loops.
func (fb *fabric) start() {
	if fb.mode == ModeUnicast && fb.view != nil {
		ctx, cancel := context.WithTimeout(context.Background(), fb.bootstrapT)
		if err := fb.view.bootstrap(ctx); err != nil {
			fb.logger.Warn("initial peer resolution failed", LabelError.L(err))
		}
		cancel()

		if fb.view.size() == 0 {
			fb.logger.Info("no peer known, events are only delivered locally until one joins")
		}
		fb.announce(wire.Join())
	}

	viewCtx, stopView := context.WithCancel(context.Background())
	fb.stopView = stopView

	fb.wg.Add(2)
	go fb.handlePackets()
	go fb.handleOutbound()

	if fb.mode == ModeUnicast && fb.view != nil {
		fb.wg.Add(1)
		go func() {
			defer fb.wg.Done()
			fb.view.run(viewCtx)
		}()
	}
}

// broadcast enqueues an encoded event for every peer. It never blocks:
// when the queue is full the frame is dropped.
func (fb *fabric) broadcast(frame []byte) error {
	fb.lk.Lock()
	defer fb.lk.Unlock()
	if fb.shutdown {
		return ErrShutdown
	}

	select {
	case fb.outCh <- frame:
		return nil
	default:
		fb.msink.IncrCounterWithLabels(
			MetricDatagramOutErrorCount,
			1.0,
			withLabels(fb.labels, LabelError.M("queue_full")),
		)
		fb.logger.Warn("outbound queue is full, dropping event")
		return nil
	}
}

func (fb *fabric) handleOutbound() {
	defer fb.wg.Done()
	defer close(fb.outDone)
	for {
		select {
		case frame := <-fb.outCh:
			fb.send(frame)
		case <-fb.shutdownCh:
			// flush what was fired before the shutdown.
			for {
				select {
				case frame := <-fb.outCh:
					fb.send(frame)
				default:
					return
				}
			}
		}
	}
}

// send writes the frame to every target, failures of some peers do not
// prevent the others from receiving it.
func (fb *fabric) send(frame []byte) error {
	targets := fb.targets()

	var errs *multierror.Error
	for _, addr := range targets {
		if _, err := fb.tr.WriteTo(frame, addr); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("%s: %w", addr, err))
		}
	}

	if err := errs.ErrorOrNil(); err != nil {
		fb.logger.Warn(
			"could not reach every peer",
			LabelError.L(err),
			"failed", len(errs.Errors),
			"peers", len(targets),
		)
		return err
	}
	return nil
}

func (fb *fabric) targets() []netip.AddrPort {
	if fb.mode == ModeMulticast {
		return []netip.AddrPort{fb.group}
	}
	return fb.view.peers()
}

func (fb *fabric) announce(frame wire.Frame) {
	buf, err := wire.Encode(frame)
	if err != nil {
		panic(fmt.Sprintf("unexpected fail to encode %s frame: %s", frame.Kind, err))
	}
	fb.send(buf)
}

func (fb *fabric) handlePackets() {
	defer fb.wg.Done()
	for {
		var pkt *Packet
		select {
		case pkt = <-fb.tr.PacketCh():
		case <-fb.dropCh:
			return
		}
		fb.handlePacket(pkt)
	}
}

func (fb *fabric) handlePacket(pkt *Packet) {
	frame, err := wire.Decode(pkt.Buf)
	if err != nil {
		reason := "malformed"
		if errors.Is(err, wire.ErrUnknownKind) {
			reason = "unknown_kind"
		}
		fb.msink.IncrCounterWithLabels(
			MetricDatagramInErrorCount,
			1.0,
			withLabels(labelsForAddr(fb.labels, pkt.From), LabelError.M(reason)),
		)
		fb.logger.Warn(
			"dropping undecodable datagram",
			LabelPeerAddr.L(pkt.From),
			LabelFrameKind.L(frame.Kind.String()),
			LabelError.L(err),
		)
		return
	}

	switch frame.Kind {
	case wire.KindJoin:
		if fb.mode != ModeUnicast {
			fb.logger.Debug("ignoring join frame in multicast mode", LabelPeerAddr.L(pkt.From))
			return
		}
		if fb.view.join(pkt.From) {
			fb.logger.Info("peer came online, added to the view", LabelPeerAddr.L(pkt.From))
		}
	case wire.KindLeave:
		if fb.mode != ModeUnicast {
			return
		}
		if fb.view.leave(pkt.From) {
			fb.logger.Info("peer went offline, removed from the view", LabelPeerAddr.L(pkt.From))
		}
	case wire.KindEvent:
		ev := frame.Event
		if ev.Origin != "" && ev.Origin == fb.id {
			// our own datagram, looped back by the multicast group.
			return
		}
		n := fb.reg.dispatch(ev.Name, ev.Args)
		fb.msink.IncrCounterWithLabels(
			MetricEventDeliveredCount,
			float32(n),
			withLabels(fb.labels, LabelEventName.M(ev.Name)),
		)
	}
}

// leave is the first phase of the shutdown.
func (fb *fabric) leave() {
	fb.lk.Lock()
	if fb.shutdown {
		fb.lk.Unlock()
		return
	}
	fb.shutdown = true
	close(fb.shutdownCh)
	fb.lk.Unlock()

	// nothing to flush when never started.
	if fb.stopView != nil {
		fb.stopView()
		<-fb.outDone
	}

	if fb.mode == ModeUnicast {
		fb.logger.Info("shutdown: telling peers we leave", LabelViewSize.L(fb.view.size()))
		fb.announce(wire.Leave())
	}
}

// drop is the second phase of the shutdown.
func (fb *fabric) drop() {
	select {
	case <-fb.dropCh:
		return
	default:
	}
	close(fb.dropCh)

	if err := fb.tr.Shutdown(); err != nil {
		fb.logger.Debug("error closing the transport", LabelError.L(err))
	}
	fb.wg.Wait()
}
