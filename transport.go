package eventnet

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-metrics"
	"golang.org/x/net/ipv4"
)

const (
	defaultUDPBufferSize int = 1 << 21
	maxDatagramSize      int = 1 << 16
	packetChSize         int = 512
)

// TransportConfig represents configuration for the datagram transport.
type TransportConfig struct {
	// BufferSize of the requested UDP kernel buffer.
	BufferSize int

	// EnforceBufferSize fails if the kernel doesn't allocate what we asked.
	// If that's false, we retry and divide by 2 the requested
	// `TransportConfig.BufferSize` until it fits or fails.
	EnforceBufferSize bool

	// BindAddr and BindPort are where we want the event protocol to
	// listen.
	BindAddr string
	BindPort int

	// Group, when valid, makes the transport join this multicast group
	// instead of listening for unicast datagrams only.
	Group netip.Addr

	// Interface used to join the multicast group, the system picks one
	// when nil.
	Interface *net.Interface

	// MulticastTTL of the datagrams sent to the group.
	MulticastTTL int

	// MetricsLabels to add to every metrics emitted by the transport.
	MetricLabels []metrics.Label

	// MetricSink to use for emitting metrics.
	MetricSink metrics.MetricSink

	// LogHandler to use for emitting structured logs.
	LogHandler slog.Handler
}

// Packet is a datagram received from a peer.
type Packet struct {
	Buf       []byte
	From      netip.AddrPort
	Timestamp time.Time
}

// Transport owns the UDP socket shared by every peer.
type Transport struct {
	cfg    *TransportConfig
	logger *slog.Logger
	msink  metrics.MetricSink

	// graceful termination asked, do not spam of read errors in logs
	gracefulTerm atomic.Bool

	packetCh chan *Packet
	closeCh  chan struct{}
	wg       sync.WaitGroup

	// UDP layer
	udpLn *net.UDPConn
	// multicast options, nil in unicast mode
	mcast *ipv4.PacketConn
}

func NewTransport(cfg *TransportConfig) (_ *Transport, err error) {
	t := &Transport{
		cfg:      cfg,
		packetCh: make(chan *Packet, packetChSize),
		closeCh:  make(chan struct{}),
	}

	if cfg.LogHandler == nil {
		t.logger = slog.Default()
	} else {
		t.logger = slog.New(cfg.LogHandler)
	}

	if cfg.MetricSink == nil {
		t.msink = metrics.Default()
	} else {
		t.msink = cfg.MetricSink
	}

	defer func() {
		if err != nil {
			t.Shutdown()
		}
	}()

	if cfg.BindPort <= 0 || cfg.BindPort > 65535 {
		return nil, fmt.Errorf("%w: invalid port %d", ErrUdpNotAvailable, cfg.BindPort)
	}

	if cfg.Group.IsValid() {
		if err := t.listenMulticast(); err != nil {
			return nil, err
		}
	} else {
		addr := net.IPv4zero
		if cfg.BindAddr != "" {
			addr = net.ParseIP(cfg.BindAddr)
			if addr == nil {
				return nil, ErrInvalidAddr
			}
		}

		udpAddr := &net.UDPAddr{IP: addr, Port: cfg.BindPort}
		udpLn, err := net.ListenUDP("udp4", udpAddr)
		if err != nil {
			return nil, fmt.Errorf("%w: failed to allocate UDP listener: %w", ErrNetworkUnavailable, err)
		}
		t.udpLn = udpLn
	}

	requested := cfg.BufferSize
	if requested == 0 {
		requested = defaultUDPBufferSize
	}

	if err := t.negociateBufferSize(requested); err != nil {
		return nil, err
	}

	t.wg.Add(1)
	go t.listen()
	return t, nil
}

// LocalAddr is the address the socket is bound to.
func (t *Transport) LocalAddr() netip.AddrPort {
	if t.udpLn == nil {
		return netip.AddrPort{}
	}
	return normalizeAddrPort(t.udpLn.LocalAddr().(*net.UDPAddr).AddrPort())
}

// WriteTo sends one datagram, it is safe for concurrent use.
func (t *Transport) WriteTo(b []byte, addr netip.AddrPort) (time.Time, error) {
	if t.udpLn == nil {
		return time.Time{}, ErrUdpNotAvailable
	}

	ts := time.Now()
	_, err := t.udpLn.WriteToUDPAddrPort(b, addr)
	if err == nil {
		t.msink.IncrCounterWithLabels(
			MetricDatagramOutBytes,
			float32(len(b)),
			labelsForAddr(t.cfg.MetricLabels, addr),
		)
	} else {
		t.msink.IncrCounterWithLabels(
			MetricDatagramOutErrorCount,
			1.0,
			labelsForAddr(t.cfg.MetricLabels, addr),
		)
		err = fmt.Errorf("%w: %w", ErrNetworkUnavailable, err)
	}
	return ts, err
}

func (t *Transport) PacketCh() <-chan *Packet {
	return t.packetCh
}

func (t *Transport) Shutdown() error {
	if !t.gracefulTerm.CompareAndSwap(false, true) {
		// no-op because it was already shutdown
		return nil
	}

	close(t.closeCh)

	var err error
	if t.mcast != nil {
		if lerr := t.mcast.LeaveGroup(t.cfg.Interface, &net.UDPAddr{IP: t.cfg.Group.AsSlice()}); lerr != nil {
			t.logger.Debug("could not leave multicast group", LabelError.L(lerr))
		}
	}

	if t.udpLn != nil {
		err = t.udpLn.Close()
	}
	t.wg.Wait()
	return err
}

func (t *Transport) negociateBufferSize(requested int) error {
	size := requested
	for size > 0 {
		if err := t.udpLn.SetReadBuffer(size); err != nil {
			if t.cfg.EnforceBufferSize {
				return ErrBufferSize
			}
			size = size >> 1
			continue
		}
		if size != requested {
			t.logger.Warn("using smaller than expected UDP buffer", "bytes", size)
		}
		t.msink.SetGaugeWithLabels(
			MetricUDPBufferSizeBytes,
			float32(size),
			t.cfg.MetricLabels,
		)
		return nil
	}
	return ErrBufferSize
}

func (t *Transport) listen() {
	defer t.wg.Done()
	buf := make([]byte, maxDatagramSize)

	for {
		n, from, err := t.udpLn.ReadFromUDPAddrPort(buf)
		ts := time.Now()
		if t.gracefulTerm.Load() {
			t.logger.Debug("datagram listener gracefully shutting down")
			return
		}

		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				t.logger.Warn("unexpected UDP listener closure", LabelError.L(err))
				return
			}
			t.msink.IncrCounterWithLabels(
				MetricDatagramInErrorCount,
				1.0,
				withLabels(t.cfg.MetricLabels, LabelError.M("unknown")),
			)
			t.logger.Error("error reading UDP packet", LabelError.L(err))
			continue
		}

		from = normalizeAddrPort(from)
		if n < 1 {
			t.msink.IncrCounterWithLabels(
				MetricDatagramInErrorCount,
				1.0,
				withLabels(labelsForAddr(t.cfg.MetricLabels, from), LabelError.M("too_small")),
			)
			t.logger.Warn("received a too short udp packet", LabelPeerAddr.L(from), "length", n)
			continue
		}

		t.msink.IncrCounterWithLabels(MetricDatagramInBytes, float32(n), labelsForAddr(t.cfg.MetricLabels, from))

		pkt := &Packet{
			Buf:       append([]byte(nil), buf[:n]...),
			From:      from,
			Timestamp: ts,
		}
		select {
		case t.packetCh <- pkt:
		case <-t.closeCh:
			return
		}
	}
}
