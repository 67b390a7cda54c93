// Package forwarding implements the gateway's forwarding plane: the two
// entry points that receive packets from the wired and wireless sides,
// the outbound path used by the gateway's own local stack, and the
// per-packet Ethernet transmit task that resolves next-hop MACs through
// ARP. Grounded on the reference gateway.c's gateway_v_send_ethernet,
// eth_tx_thread and send_message.
package forwarding

import (
	"context"
	"log/slog"
	"net"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/sapphiregw/meshgw/internal/arp"
	"github.com/sapphiregw/meshgw/internal/bridging"
	"github.com/sapphiregw/meshgw/internal/ethdev"
	"github.com/sapphiregw/meshgw/internal/gwconfig"
	"github.com/sapphiregw/meshgw/internal/metrics"
	"github.com/sapphiregw/meshgw/internal/netmsg"
	"github.com/sapphiregw/meshgw/internal/pkt"
	"github.com/sapphiregw/meshgw/internal/wcom"
)

// MaxARPTries and ARPRetryTimeout bound the next-hop MAC resolution retry
// loop in [Plane.ethTxTask], mirroring MAX_ARP_TRIES and ARP_TIMEOUT.
const (
	MaxARPTries     = 10
	ARPRetryTimeout = 100 * time.Millisecond
)

// LocalReceive is invoked with a copy of every frame addressed to the
// gateway itself, wired or wireless, the Go equivalent of handing a local
// packet to the host's own receive path. etherType distinguishes ARP from
// IPv4; payload is the Ethernet payload (ARP packet, or IPv4 datagram).
type LocalReceive func(etherType uint16, payload []byte)

// EthSender is the subset of [ethdev.Device] the forwarding plane needs to
// transmit frames, narrowed so tests can substitute a fake in place of a
// real raw socket.
type EthSender interface {
	Send(dst net.HardwareAddr, etherType uint16, payload []byte) error
}

// Plane is the gateway's forwarding plane, wiring together the ARP cache,
// bridge table, Ethernet device and wireless collaborator.
type Plane struct {
	IPStore *gwconfig.IPStore
	ARP     *arp.Cache
	Bridges *bridging.Table
	Eth     EthSender
	Collab  wcom.Collaborator
	Logger  *slog.Logger

	// BroadcastWhitelist is the 4-entry UDP destination-port whitelist; a
	// zero Port entry is unused.
	BroadcastWhitelist [4]gwconfig.BroadcastPort

	// OnLocal receives a copy of every packet addressed to the gateway
	// itself. May be nil.
	OnLocal LocalReceive
}

// OnEthFrame is the gateway's wired-side entry point, registered with
// [ethdev.Device.Handle] for both ARP and IPv4 EtherTypes.
func (p *Plane) OnEthFrame(ctx context.Context, etherType uint16, srcMAC net.HardwareAddr, payload []byte) {
	if p.addressedToUs(etherType, payload) && p.OnLocal != nil {
		local := make([]byte, len(payload))
		copy(local, payload)
		p.OnLocal(etherType, local)
	}

	switch etherType {
	case ethdev.EtherTypeARP:
		p.handleARP(payload)
	case ethdev.EtherTypeIPv4:
		p.handleEthIPv4(ctx, payload)
	}
}

// addressedToUs reports whether payload is addressed to the gateway's own
// IP (unicast) or is a broadcast/ARP frame the local stack should also
// see.
func (p *Plane) addressedToUs(etherType uint16, payload []byte) bool {
	if etherType == ethdev.EtherTypeARP {
		return true
	}

	hdr, _, err := pkt.VerifyIPv4Header(payload)
	if err != nil {
		return false
	}

	ourIP := p.IPStore.Get().IP

	return hdr.DstIP.Equal(ourIP) || p.isBroadcast(hdr.DstIP)
}

func (p *Plane) handleARP(payload []byte) {
	parsed := gopacket.NewPacket(payload, layers.LayerTypeARP, gopacket.NoCopy)
	a, ok := parsed.Layer(layers.LayerTypeARP).(*layers.ARP)
	if !ok {
		return
	}

	reply, ok, err := p.ARP.Receive(a)
	if err != nil {
		if p.Logger != nil {
			p.Logger.Warn("forwarding: building arp reply", "error", err)
		}

		return
	}

	if ok {
		_ = p.Eth.Send(arp.BroadcastMAC, ethdev.EtherTypeARP, reply)
	}
}

// handleEthIPv4 implements on_eth_frame's IPv4 branch.
func (p *Plane) handleEthIPv4(ctx context.Context, payload []byte) {
	hdr, ipPayload, err := pkt.VerifyIPv4Header(payload)
	if err != nil {
		metrics.PacketsDropped.WithLabelValues(metrics.ReasonProtocol).Inc()

		return
	}

	ourIP := p.IPStore.Get().IP
	if hdr.DstIP.Equal(ourIP) {
		// Addressed to the gateway; already handed to OnLocal above, and
		// there is no onward forwarding to do.
		return
	}

	if p.isBroadcast(hdr.DstIP) {
		p.forwardBroadcast(ctx, hdr, payload)

		return
	}

	// Unicast, not for us: bridge lookup.
	if src, ok := p.Bridges.ByIP(hdr.SrcIP); ok && p.Logger != nil {
		p.Logger.Warn("forwarding: wired packet sourced from a bridged IP", "short_addr", src.ShortAddr, "ip", hdr.SrcIP)
	}

	if !p.Bridges.Has(hdr.DstIP) {
		p.sendDestUnreachable(ourIP, payload, ipPayload)

		return
	}

	if !p.processTTL(hdr, payload) {
		return
	}

	msg := netmsg.New(payload, p.Logger)
	if !p.Collab.SendIPv4(ctx, msg) {
		metrics.ResourceExhausted.WithLabelValues("wireless_queue").Inc()
		msg.Release()
	}
}

// forwardBroadcast implements the UDP broadcast-whitelist / poor-man's
// multicast branch of on_eth_frame.
func (p *Plane) forwardBroadcast(ctx context.Context, hdr *layers.IPv4, payload []byte) {
	if hdr.Protocol != layers.IPProtocolUDP {
		return
	}

	udpPkt := gopacket.NewPacket(hdr.Payload, layers.LayerTypeUDP, gopacket.NoCopy)
	udp, ok := udpPkt.Layer(layers.LayerTypeUDP).(*layers.UDP)
	if !ok {
		return
	}

	matched, local := p.whitelisted(uint16(udp.DstPort))
	if !matched {
		return
	}

	if local {
		payload[8] = 2
		hdr.TTL = 2
		pkt.RecomputeChecksum(payload)
	}

	if !p.processTTL(hdr, payload) {
		return
	}

	msg := netmsg.New(payload, p.Logger)
	if !p.Collab.SendIPv4(ctx, msg) {
		metrics.ResourceExhausted.WithLabelValues("wireless_queue").Inc()
		msg.Release()
	}
}

func (p *Plane) whitelisted(port uint16) (matched, local bool) {
	for _, e := range p.BroadcastWhitelist {
		if e.Port != 0 && e.Port == port {
			return true, e.Local
		}
	}

	return false, false
}

func (p *Plane) sendDestUnreachable(ourIP net.IP, origHdrBytes, origPayload []byte) {
	buf, err := pkt.BuildDestUnreachable(ourIP, origHdrBytes[:20], origPayload)
	if err != nil {
		return
	}

	metrics.ICMPUnreachableSent.Inc()
	p.EthTxTask(context.Background(), netmsg.New(buf, p.Logger))
}

// OnWcomMsg is the gateway's wireless-side entry point, the Go equivalent
// of on_wcom_msg: msg is a decoded, verified IPv4 datagram received from
// the mesh.
func (p *Plane) OnWcomMsg(ctx context.Context, msg *netmsg.Msg) {
	hdr, _, err := pkt.VerifyIPv4Header(msg.Data())
	if err != nil {
		metrics.PacketsDropped.WithLabelValues(metrics.ReasonProtocol).Inc()
		msg.Release()

		return
	}

	ourIP := p.IPStore.Get().IP
	if hdr.DstIP.Equal(ourIP) {
		if p.OnLocal != nil {
			p.OnLocal(ethdev.EtherTypeIPv4, msg.Data())
		}

		msg.Release()

		return
	}

	if p.Bridges.Has(hdr.DstIP) {
		// Destined for another bridged node; the mesh routing layer
		// handles intra-mesh delivery, nothing for the gateway to do.
		msg.Release()

		return
	}

	if !p.processTTL(hdr, msg.Data()) {
		msg.Release()

		return
	}

	p.EthTxTask(ctx, msg)
}

// Send is the outbound path used by the gateway's own local stack (for
// example an ICMP reply the gateway itself originates). noWcom suppresses
// the wireless leg, matching the NO_WCOM flag.
func (p *Plane) Send(ctx context.Context, msg *netmsg.Msg, noWcom bool) (err error) {
	hdr, _, verr := pkt.VerifyIPv4Header(msg.Data())
	if verr != nil {
		msg.Release()

		return verr
	}

	if p.isBroadcast(hdr.DstIP) {
		if !noWcom {
			wireless := msg.Copy()
			if !p.Collab.SendIPv4(ctx, wireless) {
				metrics.ResourceExhausted.WithLabelValues("wireless_queue").Inc()
				wireless.Release()
			}
		}

		p.EthTxTask(ctx, msg)

		return nil
	}

	if p.Bridges.Has(hdr.DstIP) {
		if !p.Collab.SendIPv4(ctx, msg) {
			metrics.ResourceExhausted.WithLabelValues("wireless_queue").Inc()
			msg.Release()

			return errWirelessQueueFull
		}

		return nil
	}

	p.EthTxTask(ctx, msg)

	return nil
}

// errWirelessQueueFull is returned by [Plane.Send] when the wireless
// collaborator's queue is full, the Go equivalent of send_message's -1
// return used to trigger a caller-side requeue.
var errWirelessQueueFull = pktError("forwarding: wireless queue full")

type pktError string

func (e pktError) Error() string { return string(e) }

// processTTL implements process_ttl: it mutates hdr.TTL and the
// serialized bytes in place, returning false when the packet should be
// dropped (and, for ICMP, a TIME_EXCEEDED has already been queued for
// transmission).
func (p *Plane) processTTL(hdr *layers.IPv4, buf []byte) (alive bool) {
	if len(buf) < 20 {
		return false
	}

	buf[8]--
	hdr.TTL--

	if hdr.TTL != 0 {
		pkt.RecomputeChecksum(buf)

		return true
	}

	if hdr.Protocol != layers.IPProtocolICMPv4 {
		return false
	}

	buf[8] = 1
	hdr.TTL = 1
	pkt.RecomputeChecksum(buf)

	reply, err := pkt.BuildTimeExceeded(p.IPStore.Get().IP, buf[:20], hdr.Payload)
	if err == nil {
		metrics.ICMPTimeExceededSent.Inc()
		p.EthTxTask(context.Background(), netmsg.New(reply, p.Logger))
	}

	return false
}

// RouteQuery implements the route-query hook: it reports whether the
// gateway should be treated as a proxy route to target, true for any
// nonzero address the bridge table does not itself own.
func (p *Plane) RouteQuery(target net.IP) bool {
	if target == nil || target.IsUnspecified() {
		return false
	}

	return !p.Bridges.Has(target)
}

func (p *Plane) isBroadcast(ip net.IP) bool {
	if ip.Equal(net.IPv4bcast) {
		return true
	}

	ip4 := ip.To4()
	cfg := p.IPStore.Get()
	our4 := cfg.IP.To4()
	if ip4 == nil || our4 == nil || cfg.SubnetMask == nil {
		return false
	}

	for i := range ip4 {
		if our4[i]|^cfg.SubnetMask[i] != ip4[i] {
			return false
		}
	}

	return true
}

// EthTxTask resolves the next-hop MAC for msg and transmits it over the
// Ethernet device, retrying ARP resolution up to [MaxARPTries] times
// before giving up. msg is released exactly once regardless of outcome,
// matching eth_tx_thread's "releases the packet either way" contract.
func (p *Plane) EthTxTask(ctx context.Context, msg *netmsg.Msg) {
	go p.ethTxTask(ctx, msg)
}

func (p *Plane) ethTxTask(ctx context.Context, msg *netmsg.Msg) {
	defer msg.Release()

	hdr, _, err := pkt.VerifyIPv4Header(msg.Data())
	if err != nil {
		return
	}

	nextHop := p.nextHopFor(hdr.DstIP)

	mac, ok := p.ARP.Lookup(nextHop)
	if !ok {
		mac, ok = p.resolveARP(ctx, nextHop)
	}
	if !ok {
		if p.Logger != nil {
			p.Logger.Warn("forwarding: arp resolution exhausted", "next_hop", nextHop)
		}

		return
	}

	if err = p.Eth.Send(mac, ethdev.EtherTypeIPv4, msg.Data()); err != nil && p.Logger != nil {
		p.Logger.Warn("forwarding: transmitting frame", "error", err)
	}
}

func (p *Plane) nextHopFor(dst net.IP) (nextHop net.IP) {
	if p.isBroadcast(dst) {
		return dst
	}

	cfg := p.IPStore.Get()
	our4 := cfg.IP.To4()
	dst4 := dst.To4()
	if our4 != nil && dst4 != nil && cfg.SubnetMask != nil {
		onSubnet := true
		for i := range dst4 {
			if our4[i]&cfg.SubnetMask[i] != dst4[i]&cfg.SubnetMask[i] {
				onSubnet = false

				break
			}
		}

		if onSubnet {
			return dst
		}
	}

	return cfg.InternetGateway
}

func (p *Plane) resolveARP(ctx context.Context, target net.IP) (mac net.HardwareAddr, ok bool) {
	for i := 0; i < MaxARPTries; i++ {
		if req, err := p.ARP.BuildRequest(target); err == nil {
			_ = p.Eth.Send(arp.BroadcastMAC, ethdev.EtherTypeARP, req)
		}

		select {
		case <-ctx.Done():
			return nil, false
		case <-time.After(ARPRetryTimeout):
		}

		if mac, ok = p.ARP.Lookup(target); ok {
			return mac, true
		}
	}

	return nil, false
}
