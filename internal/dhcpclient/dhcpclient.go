// Package dhcpclient implements the gateway's own DHCP client state
// machine: discover/offer/request/ack with a capped, linearly growing backoff,
// built on insomniacslk/dhcp/dhcpv4 message and option types but with the
// gateway's own retry policy and raw-Ethernet transport, since the
// gateway requests its lease before it owns an IP address and cannot use
// a UDP socket for it.
package dhcpclient

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/insomniacslk/dhcp/dhcpv4"
	"github.com/sapphiregw/meshgw/internal/ethdev"
)

// broadcastMAC is the Ethernet destination used for every DHCP frame this
// client sends, since the gateway has no IP address to unicast to yet.
var broadcastMAC = net.HardwareAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}

// State is a DHCP session's position in the discover/offer/request/ack
// cycle.
type State uint8

const (
	StateUnconfigured State = iota
	StateSendingDiscover
	StateWaitingOffer
	StateSendingRequest
	StateWaitingAck
	StateConfigured
)

// initialBackoff, backoffStep and maxBackoff implement the capped retry
// timeout: it starts at 500ms and grows by 500ms per failed cycle up to
// 4000ms.
const (
	initialBackoff = 500 * time.Millisecond
	backoffStep    = 500 * time.Millisecond
	maxBackoff     = 4000 * time.Millisecond
)

// minPacketSize is the padding floor applied to DISCOVER/REQUEST frames,
// robustness against servers that misbehave on short packets.
const minPacketSize = 300

// Config is the IP configuration handed back once a session reaches
// [StateConfigured].
type Config struct {
	IP         net.IP
	SubnetMask net.IPMask
	Router     net.IP
	DNS        net.IP
	Lease      time.Duration
	ServerID   net.IP
}

// Transport sends a raw DHCP frame (already wrapped in UDP/IP/Ethernet by
// the session) and delivers received frames to the registered handler.
// [ethdev.Device] satisfies this interface for the gateway's own lease
// request; tests use a loopback double.
type Transport interface {
	Send(dst net.HardwareAddr, etherType uint16, payload []byte) error
}

// Session runs one DHCP client exchange to completion. The zero value is
// not usable; construct with [NewSession].
type Session struct {
	clientID []byte
	hostname string
	mac      net.HardwareAddr
	xid      uint32

	transport Transport
	logger    *slog.Logger

	state  State
	config Config

	replies chan *dhcpv4.DHCPv4
	done    chan struct{}
}

// NewSession creates a session on behalf of clientID/hostname for the
// hardware address mac, transmitting through transport. The IP address to
// request, if any, is passed to [Session.Run].
func NewSession(clientID []byte, hostname string, mac net.HardwareAddr, transport Transport, logger *slog.Logger) (s *Session, err error) {
	var xidBuf [4]byte
	if _, err = rand.Read(xidBuf[:]); err != nil {
		return nil, fmt.Errorf("dhcpclient: generating xid: %w", err)
	}

	return &Session{
		clientID:  clientID,
		hostname:  hostname,
		mac:       mac,
		xid:       binary.BigEndian.Uint32(xidBuf[:]),
		transport: transport,
		logger:    logger,
		replies:   make(chan *dhcpv4.DHCPv4, 4),
		done:      make(chan struct{}),
	}, nil
}

// State reports the session's current state. The state is read without
// synchronization, so State is not safe to call while [Session.Run] is in
// progress on another goroutine.
func (s *Session) State() State { return s.state }

// Config returns the configuration obtained once the session reaches
// [StateConfigured]. Every field is host-order; the lease time is not
// byte-swapped.
func (s *Session) Config() Config { return s.config }

// Deliver feeds a received DHCP reply (already parsed from an Ethernet
// frame's UDP payload) into the session. Replies with the wrong
// transaction ID are silently ignored.
func (s *Session) Deliver(resp *dhcpv4.DHCPv4) {
	if binary.BigEndian.Uint32(resp.TransactionID[:]) != s.xid {
		return
	}

	select {
	case s.replies <- resp:
	case <-s.done:
	default:
	}
}

// Run drives the session through discover/offer/request/ack until
// ctx is canceled or [StateConfigured] is reached, requesting requestedIP
// if non-nil.
func (s *Session) Run(ctx context.Context, requestedIP net.IP) (err error) {
	defer close(s.done)

	backoff := initialBackoff

	for {
		if ctx.Err() != nil {
			return fmt.Errorf("dhcpclient: %w", ctx.Err())
		}

		s.state = StateSendingDiscover
		if err = s.sendDiscover(requestedIP); err != nil {
			return err
		}

		s.state = StateWaitingOffer
		offer, ok := s.awaitReply(ctx, backoff, dhcpv4.MessageTypeOffer)
		if !ok {
			backoff = nextBackoff(backoff)

			continue
		}

		s.state = StateSendingRequest
		if err = s.sendRequest(offer); err != nil {
			return err
		}

		s.state = StateWaitingAck
		ack, ok := s.awaitReply(ctx, backoff, dhcpv4.MessageTypeAck)
		if !ok {
			backoff = nextBackoff(backoff)

			continue
		}

		s.applyAck(ack)
		s.state = StateConfigured

		return nil
	}
}

func nextBackoff(cur time.Duration) (next time.Duration) {
	next = cur + backoffStep
	if next > maxBackoff {
		next = maxBackoff
	}

	return next
}

// awaitReply waits up to timeout for a reply of the expected message
// type. A timeout or a reply of any other type reports ok=false, so the
// caller returns to sending DISCOVER.
func (s *Session) awaitReply(ctx context.Context, timeout time.Duration, want dhcpv4.MessageType) (resp *dhcpv4.DHCPv4, ok bool) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, false
		case <-deadline.C:
			return nil, false
		case resp = <-s.replies:
			if resp.MessageType() == want {
				return resp, true
			}

			return nil, false
		}
	}
}

func (s *Session) sendDiscover(requestedIP net.IP) (err error) {
	mods := []dhcpv4.Modifier{
		dhcpv4.WithTransactionID(xidArray(s.xid)),
		dhcpv4.WithHwAddr(s.mac),
		dhcpv4.WithBroadcast(true),
		dhcpv4.WithOption(dhcpv4.OptMessageType(dhcpv4.MessageTypeDiscover)),
		dhcpv4.WithOption(optClientIdentifier(s.clientID)),
		dhcpv4.WithOption(dhcpv4.OptHostName(s.hostname)),
		dhcpv4.WithRequestedOptions(
			dhcpv4.OptionSubnetMask,
			dhcpv4.OptionRouter,
			dhcpv4.OptionDomainNameServer,
		),
	}
	if requestedIP != nil {
		mods = append(mods, dhcpv4.WithOption(dhcpv4.OptRequestedIPAddress(requestedIP)))
	}

	msg, err := dhcpv4.NewDiscovery(s.mac, mods...)
	if err != nil {
		return fmt.Errorf("dhcpclient: building discover: %w", err)
	}

	return s.transmit(msg)
}

func (s *Session) sendRequest(offer *dhcpv4.DHCPv4) (err error) {
	mods := []dhcpv4.Modifier{
		dhcpv4.WithTransactionID(xidArray(s.xid)),
		dhcpv4.WithHwAddr(s.mac),
		dhcpv4.WithBroadcast(true),
		dhcpv4.WithOption(dhcpv4.OptMessageType(dhcpv4.MessageTypeRequest)),
		dhcpv4.WithOption(optClientIdentifier(s.clientID)),
		dhcpv4.WithOption(dhcpv4.OptHostName(s.hostname)),
		dhcpv4.WithOption(dhcpv4.OptRequestedIPAddress(offer.YourIPAddr)),
		dhcpv4.WithOption(dhcpv4.OptServerIdentifier(offer.ServerIdentifier())),
	}

	msg, err := dhcpv4.New(mods...)
	if err != nil {
		return fmt.Errorf("dhcpclient: building request: %w", err)
	}

	return s.transmit(msg)
}

// transmit pads msg to [minPacketSize], wraps it in a broadcast UDP/IPv4
// datagram (client port 68, server port 67) and hands it to the transport
// as a broadcast Ethernet frame.
func (s *Session) transmit(msg *dhcpv4.DHCPv4) (err error) {
	buf := msg.ToBytes()
	if len(buf) < minPacketSize {
		padded := make([]byte, minPacketSize)
		copy(padded, buf)
		buf = padded
	}

	ip := &layers.IPv4{
		Version:  4,
		TTL:      64,
		SrcIP:    net.IPv4zero,
		DstIP:    net.IPv4bcast,
		Protocol: layers.IPProtocolUDP,
		Flags:    layers.IPv4DontFragment,
	}
	udp := &layers.UDP{SrcPort: dhcpv4.ClientPort, DstPort: dhcpv4.ServerPort}
	if err = udp.SetNetworkLayerForChecksum(ip); err != nil {
		return fmt.Errorf("dhcpclient: setting checksum layer: %w", err)
	}

	sb := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{ComputeChecksums: true, FixLengths: true}
	if err = gopacket.SerializeLayers(sb, opts, ip, udp, gopacket.Payload(buf)); err != nil {
		return fmt.Errorf("dhcpclient: serializing datagram: %w", err)
	}

	return s.transport.Send(broadcastMAC, ethdev.EtherTypeIPv4, sb.Bytes())
}

func (s *Session) applyAck(ack *dhcpv4.DHCPv4) {
	s.config = Config{
		IP:         ack.YourIPAddr,
		SubnetMask: ack.SubnetMask(),
		Router:     firstIP(ack.Router()),
		DNS:        firstIP(ack.DNS()),
		Lease:      ack.IPAddressLeaseTime(0),
		ServerID:   ack.ServerIdentifier(),
	}
}

func firstIP(ips []net.IP) (ip net.IP) {
	if len(ips) == 0 {
		return nil
	}

	return ips[0]
}

func xidArray(xid uint32) (b [4]byte) {
	binary.BigEndian.PutUint32(b[:], xid)

	return b
}

// optClientIdentifier builds the CLIENT_ID option with the gateway's
// "hardware-type=none" convention: the first byte is 0, followed by the
// raw client ID bytes (the Ethernet MAC, optionally with an appended
// pool-slot index byte).
func optClientIdentifier(clientID []byte) dhcpv4.Option {
	v := make([]byte, 1+len(clientID))
	copy(v[1:], clientID)

	return dhcpv4.OptGeneric(dhcpv4.OptionClientIdentifier, v)
}
