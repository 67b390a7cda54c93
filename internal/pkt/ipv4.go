package pkt

import (
	"fmt"
	"net"
	"sync/atomic"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// MaxIPPacketSize is the largest IPv4 packet this gateway will forward; a
// larger total_length field is rejected during verification.
const MaxIPPacketSize = 576

// MinIPPacketSize is the smallest possible IPv4 packet: a 20-byte header
// with no payload.
const MinIPPacketSize = 20

// DefaultTTL is the TTL [InitIPv4Header] assigns when the caller passes 0.
const DefaultTTL = 64

// errBadVersion and friends enumerate the ways an IPv4 header fails
// verification. They are [errors.Error] sentinels, the AdGuardHome
// convention for declaring error constants (see dhcpd.errNilConfig).
const (
	errBadVersion  errors.Error = "ipv4: bad version or ihl"
	errBadLength   errors.Error = "ipv4: total length out of range"
	errFragmented  errors.Error = "ipv4: fragmentation not supported"
	errBadProtocol errors.Error = "ipv4: unsupported protocol"
	errBadChecksum errors.Error = "ipv4: bad header checksum"
)

// nextID hands out the monotonically increasing IP identification field
// used by [InitIPv4Header].
var nextID atomic.Uint32

// isSupportedProtocol reports whether proto is one of the three protocols
// allowed through verification: ICMP, UDP, TCP.
func isSupportedProtocol(proto layers.IPProtocol) bool {
	switch proto {
	case layers.IPProtocolICMPv4, layers.IPProtocolUDP, layers.IPProtocolTCP:
		return true
	default:
		return false
	}
}

// VerifyIPv4Header parses buf as an Ethernet payload-less IPv4 packet and
// validates its header fields. On success hdr is the decoded header and
// payload is the remainder of buf after the 20-byte header.
func VerifyIPv4Header(buf []byte) (hdr *layers.IPv4, payload []byte, err error) {
	if len(buf) < MinIPPacketSize {
		return nil, nil, errBadLength
	}

	pkt := gopacket.NewPacket(buf, layers.LayerTypeIPv4, gopacket.NoCopy)
	ipLayer := pkt.Layer(layers.LayerTypeIPv4)
	if ipLayer == nil {
		return nil, nil, errBadVersion
	}

	hdr, ok := ipLayer.(*layers.IPv4)
	if !ok {
		return nil, nil, errBadVersion
	}

	if hdr.Version != 4 || hdr.IHL != 5 {
		return nil, nil, errBadVersion
	}

	if int(hdr.Length) < MinIPPacketSize || int(hdr.Length) > MaxIPPacketSize {
		return nil, nil, errBadLength
	}

	if hdr.FragOffset != 0 || hdr.Flags&layers.IPv4MoreFragments != 0 {
		return nil, nil, errFragmented
	}

	if !isSupportedProtocol(hdr.Protocol) {
		return nil, nil, errBadProtocol
	}

	want := Checksum(zeroChecksum(buf[:hdr.IHL*4]))
	if want != hdr.Checksum {
		return nil, nil, errBadChecksum
	}

	return hdr, hdr.Payload, nil
}

// zeroChecksum returns a copy of hdrBytes with the checksum field (offset
// 10..12) zeroed, the way the reference implementation zeroes the checksum
// field before recomputing it.
func zeroChecksum(hdrBytes []byte) []byte {
	buf := make([]byte, len(hdrBytes))
	copy(buf, hdrBytes)
	buf[10], buf[11] = 0, 0

	return buf
}

// InitIPv4Header builds a new IPv4 header for a payload of length
// payloadLen. If ttl is 0, DefaultTTL is used. The source address is srcIP,
// unless dest is in 127.0.0.0/8, in which case the source equals the
// destination (loopback).
func InitIPv4Header(
	srcIP, dest net.IP,
	protocol layers.IPProtocol,
	ttl uint8,
	payloadLen int,
) (hdr *layers.IPv4) {
	if ttl == 0 {
		ttl = DefaultTTL
	}

	src := srcIP
	if dest.To4() != nil && dest.To4()[0] == 127 {
		src = dest
	}

	return &layers.IPv4{
		Version:  4,
		IHL:      5,
		Length:   uint16(MinIPPacketSize + payloadLen),
		Id:       uint16(nextID.Add(1)),
		TTL:      ttl,
		Protocol: protocol,
		SrcIP:    src,
		DstIP:    dest,
	}
}

// SerializeIPv4 renders hdr plus payload to bytes, computing the header
// checksum last, exactly as init_header does.
func SerializeIPv4(hdr *layers.IPv4, payload []byte) (buf []byte, err error) {
	sb := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{ComputeChecksums: true, FixLengths: false}

	err = gopacket.SerializeLayers(sb, opts, hdr, gopacket.Payload(payload))
	if err != nil {
		return nil, fmt.Errorf("ipv4: serializing: %w", err)
	}

	return sb.Bytes(), nil
}

// RecomputeChecksum recomputes and rewrites the header checksum of a
// serialized IPv4 header in place (buf[0:ihl*4]), used by the forwarding
// plane's TTL processing after decrementing the TTL field.
func RecomputeChecksum(buf []byte) {
	ihl := int(buf[0]&0x0f) * 4
	buf[10], buf[11] = 0, 0
	sum := Checksum(buf[:ihl])
	buf[10] = byte(sum >> 8)
	buf[11] = byte(sum)
}
