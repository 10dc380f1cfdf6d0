package eventnet

import (
	"log/slog"
	"net/netip"

	"github.com/hashicorp/go-metrics"
)

var (
	// MetricDatagramInBytes represents how much bytes have been received
	// as UDP datagrams.
	MetricDatagramInBytes       = []string{"eventnet", "datagram", "in", "bytes"}
	MetricDatagramInErrorCount  = []string{"eventnet", "datagram", "in", "error", "count"}
	MetricDatagramOutBytes      = []string{"eventnet", "datagram", "out", "bytes"}
	MetricDatagramOutErrorCount = []string{"eventnet", "datagram", "out", "error", "count"}
	MetricUDPBufferSizeBytes    = []string{"eventnet", "udp", "buffer", "size", "bytes"}

	MetricEventFiredCount     = []string{"eventnet", "event", "fired", "count"}
	MetricEventDeliveredCount = []string{"eventnet", "event", "delivered", "count"}
	MetricHandlerPanicCount   = []string{"eventnet", "handler", "panic", "count"}
	MetricSubscriptionCount   = []string{"eventnet", "subscription", "count"}

	MetricViewSize          = []string{"eventnet", "view", "size"}
	MetricViewJoinCount     = []string{"eventnet", "view", "join", "count"}
	MetricViewLeaveCount    = []string{"eventnet", "view", "leave", "count"}
	MetricRefreshErrorCount = []string{"eventnet", "view", "refresh", "error", "count"}
)

type TelemetryLabel string

var (
	LabelError      TelemetryLabel = "error"
	LabelPeerAddr   TelemetryLabel = "peer_addr"
	LabelPeerName   TelemetryLabel = "peer_name"
	LabelPeerSource TelemetryLabel = "peer_source"
	LabelFrameKind  TelemetryLabel = "frame_kind"
	LabelEventName  TelemetryLabel = "event_name"
	LabelSubID      TelemetryLabel = "subscription_id"
	LabelOrigin     TelemetryLabel = "origin"
	LabelDuration   TelemetryLabel = "duration"
	LabelViewSize   TelemetryLabel = "view_size"
	LabelMode       TelemetryLabel = "mode"
)

func (lab TelemetryLabel) M(val string) metrics.Label {
	return metrics.Label{Name: string(lab), Value: val}
}

func (lab TelemetryLabel) L(val any) slog.Attr {
	return slog.Attr{
		Key:   string(lab),
		Value: slog.AnyValue(val),
	}
}

func labelsForAddr(base []metrics.Label, addr netip.AddrPort) []metrics.Label {
	labels := make([]metrics.Label, 0, len(base)+1)
	labels = append(labels, base...)
	return append(labels, LabelPeerAddr.M(addr.String()))
}

func withLabels(base []metrics.Label, extra ...metrics.Label) []metrics.Label {
	labels := make([]metrics.Label, 0, len(base)+len(extra))
	labels = append(labels, base...)
	return append(labels, extra...)
}
