package pkt

import (
	"fmt"
	"net"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// ICMP type/code values used by the gateway's minimal ICMP implementation,
// which only ever emits ECHO_REPLY, TIME_EXCEEDED, and DEST_UNREACHABLE.
const (
	icmpTypeEchoReply       uint8 = 0
	icmpTypeDestUnreachable uint8 = 3
	icmpTypeEchoRequest     uint8 = 8
	icmpTypeTimeExceeded    uint8 = 11
	icmpCodeTTLExceeded     uint8 = 0
	icmpCodeHostUnreachable uint8 = 1
)

// IsEchoRequest reports whether an already-verified ICMP payload (the bytes
// following the IPv4 header) is an ECHO_REQUEST.
func IsEchoRequest(icmpPayload []byte) bool {
	return len(icmpPayload) >= 8 && icmpPayload[0] == icmpTypeEchoRequest
}

// BuildEchoReply turns a verified ECHO_REQUEST (icmpPayload, the bytes
// starting at the ICMP header) into a serialized IPv4+ICMP ECHO_REPLY datagram
// addressed to src, preserving id/sequence/payload bit for bit and
// recomputing the checksum.
func BuildEchoReply(srcIP net.IP, dstOfReply net.IP, icmpPayload []byte) (buf []byte, err error) {
	reply := make([]byte, len(icmpPayload))
	copy(reply, icmpPayload)
	reply[0] = icmpTypeEchoReply
	reply[2], reply[3] = 0, 0

	sum := Checksum(reply)
	reply[2] = byte(sum >> 8)
	reply[3] = byte(sum)

	hdr := InitIPv4Header(srcIP, dstOfReply, layers.IPProtocolICMPv4, 0, len(reply))

	return SerializeIPv4(hdr, reply)
}

// icmpErrorBody builds an ICMP error payload: the body of a TIME_EXCEEDED or
// DEST_UNREACHABLE message is the offending IP header plus the first 8
// bytes of its payload. origHdrBytes is the serialized (20-byte) offending
// IPv4 header; ttlForEmbedding is the TTL value to leave in the embedded
// header, since the sender restores TTL to 1 before copying so the embedded
// header's own checksum still validates.
func icmpErrorBody(
	icmpType, icmpCode uint8,
	origHdrBytes []byte,
	origPayload []byte,
	ttlForEmbedding uint8,
) (body []byte) {
	embedded := make([]byte, len(origHdrBytes))
	copy(embedded, origHdrBytes)
	embedded[8] = ttlForEmbedding
	// Recompute the embedded header's own checksum so it validates with the
	// restored TTL, matching the original's "TTL restored to 1... so the
	// checksum in the embedded header still validates" behavior.
	RecomputeChecksum(embedded)

	n := len(origPayload)
	if n > 8 {
		n = 8
	}

	body = make([]byte, 8+len(embedded)+n)
	body[0] = icmpType
	body[1] = icmpCode
	copy(body[8:], embedded)
	copy(body[8+len(embedded):], origPayload[:n])

	sum := Checksum(body)
	body[2] = byte(sum >> 8)
	body[3] = byte(sum)

	return body
}

// BuildTimeExceeded builds a serialized IPv4+ICMP TIME_EXCEEDED datagram
// reporting that origHdrBytes (with TTL restored to 1) expired in transit.
// srcIP is the gateway's own address.
func BuildTimeExceeded(srcIP net.IP, origHdrBytes, origPayload []byte) (buf []byte, err error) {
	origPkt := gopacket.NewPacket(origHdrBytes, layers.LayerTypeIPv4, gopacket.NoCopy)
	origIP, ok := origPkt.Layer(layers.LayerTypeIPv4).(*layers.IPv4)
	if !ok {
		return nil, fmt.Errorf("icmp: decoding offending header: not IPv4")
	}

	body := icmpErrorBody(
		icmpTypeTimeExceeded, icmpCodeTTLExceeded,
		origHdrBytes,
		origPayload,
		1,
	)

	hdr := InitIPv4Header(srcIP, origIP.SrcIP, layers.IPProtocolICMPv4, 0, len(body))

	return SerializeIPv4(hdr, body)
}

// BuildDestUnreachable builds a serialized IPv4+ICMP DEST_UNREACHABLE
// datagram reporting that origHdrBytes could not be delivered.
func BuildDestUnreachable(srcIP net.IP, origHdrBytes, origPayload []byte) (buf []byte, err error) {
	origPkt := gopacket.NewPacket(origHdrBytes, layers.LayerTypeIPv4, gopacket.NoCopy)
	origIP, ok := origPkt.Layer(layers.LayerTypeIPv4).(*layers.IPv4)
	if !ok {
		return nil, fmt.Errorf("icmp: decoding offending header: not IPv4")
	}

	body := icmpErrorBody(
		icmpTypeDestUnreachable, icmpCodeHostUnreachable,
		origHdrBytes,
		origPayload,
		origIP.TTL,
	)

	hdr := InitIPv4Header(srcIP, origIP.SrcIP, layers.IPProtocolICMPv4, 0, len(body))

	return SerializeIPv4(hdr, body)
}
