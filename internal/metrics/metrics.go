// Package metrics exposes Prometheus counters for the gateway's error
// taxonomy, following the MustRegister-on-a-registry convention used
// elsewhere in this codebase's metrics package.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Bad-packet discard reasons, one label value per verification failure
// kind.
const (
	ReasonChecksum    = "checksum"
	ReasonSize        = "size"
	ReasonProtocol    = "protocol"
	ReasonFragmented  = "fragmented"
	ReasonXIDMismatch = "xid_mismatch"
)

var (
	// PacketsDropped counts bad-packet discards by reason.
	PacketsDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "meshgw_packets_dropped_total",
		Help: "Total number of packets discarded during verification, by reason.",
	}, []string{"reason"})

	// ResourceExhausted counts resource exhaustion events by resource name;
	// the forwarding plane reports a full wireless queue as
	// "wireless_queue".
	ResourceExhausted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "meshgw_resource_exhausted_total",
		Help: "Total number of resource exhaustion events, by resource.",
	}, []string{"resource"})

	// NetworkTimeouts is the timeout counter, labeled by protocol (dhcp,
	// arp, sntp). It is registered, but no code path in this module
	// increments it.
	NetworkTimeouts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "meshgw_network_timeouts_total",
		Help: "Total number of network timeouts, by protocol.",
	}, []string{"protocol"})

	// ICMPUnreachableSent counts ICMP DEST_UNREACHABLE replies sent.
	ICMPUnreachableSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "meshgw_icmp_dest_unreachable_sent_total",
		Help: "Total number of ICMP DEST_UNREACHABLE messages sent.",
	})

	// ICMPTimeExceededSent counts ICMP TIME_EXCEEDED replies sent.
	ICMPTimeExceededSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "meshgw_icmp_time_exceeded_sent_total",
		Help: "Total number of ICMP TIME_EXCEEDED messages sent.",
	})

	// EthernetTXStalls counts times the Ethernet TX watchdog detected a
	// stuck transmit and reinitialized the controller.
	EthernetTXStalls = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "meshgw_ethernet_tx_stalls_total",
		Help: "Total number of Ethernet TX watchdog-triggered reinitializations.",
	})
)

// Register registers every gateway metric with registry.
func Register(registry *prometheus.Registry) {
	registry.MustRegister(
		PacketsDropped,
		ResourceExhausted,
		NetworkTimeouts,
		ICMPUnreachableSent,
		ICMPTimeExceededSent,
		EthernetTXStalls,
	)
}
