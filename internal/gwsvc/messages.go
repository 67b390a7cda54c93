// Package gwsvc implements the gateway services UDP protocol: device
// polling, IP configuration requests, time queries and the token beacon,
// grounded on the reference gateway_server.c message handler and the
// gate_msg_*_t wire structs in gateway_services.h.
package gwsvc

import (
	"encoding/binary"
	"fmt"
	"net"
)

// DatagramPort and ReliablePort are the two UDP ports the gateway
// services server binds.
const (
	DatagramPort = 25002
	ReliablePort = 25003
)

// Message type tags, dispatched on the first byte of every datagram.
const (
	MsgPollGateway     = 1
	MsgGatewayToken    = 2
	MsgRequestIPConfig = 3
	MsgIPConfig        = 4
	MsgRequestTime     = 5
	MsgCurrentTime     = 6
	MsgResetIPConfig   = 7
	MsgResetIPConfirm  = 8
	MsgGetNetworkTime  = 9
	MsgNetworkTime     = 10
)

// RequestIPConfigFlags values.
const (
	FlagManualIP = 0x01
)

// NetworkTimeFlags values.
const (
	FlagWcomSync = 0x01
	FlagNTPSync  = 0x02
	FlagValid    = 0x04
)

// PollGateway is GATEWAY_MSG_POLL_GATEWAY.
type PollGateway struct {
	ShortAddr uint16
}

// GatewayToken is GATEWAY_MSG_GATEWAY_TOKEN.
type GatewayToken struct {
	Token     uint32
	ShortAddr uint16
	DeviceID  uint64
}

// RequestIPConfig is GATEWAY_MSG_REQUEST_IP_CONFIG.
type RequestIPConfig struct {
	Flags     uint8
	ShortAddr uint16
	IP        net.IP
	DeviceID  uint64
}

// IPConfig is GATEWAY_MSG_IP_CONFIG.
type IPConfig struct {
	ShortAddr       uint16
	IP              net.IP
	Subnet          net.IP
	DNSServer       net.IP
	InternetGateway net.IP
	Token           uint32
}

// CurrentTime is GATEWAY_MSG_CURRENT_TIME.
type CurrentTime struct {
	Time uint32
}

// ResetIPConfig is GATEWAY_MSG_RESET_IP_CONFIG.
type ResetIPConfig struct {
	ShortAddr uint16
}

// NetworkTime is GATEWAY_MSG_NETWORK_TIME.
type NetworkTime struct {
	Flags           uint8
	NTPTime         uint64
	WcomNetworkTime uint32
}

// Encoding helpers. All multi-byte integers are little-endian; embedded
// IPv4 addresses are written in on-wire (network) octet order.

func putIP(buf []byte, ip net.IP) {
	v4 := ip.To4()
	if v4 == nil {
		v4 = net.IPv4zero.To4()
	}
	copy(buf, v4)
}

// Encode renders a [GatewayToken] reply.
func (m GatewayToken) Encode() (buf []byte) {
	buf = make([]byte, 1+4+2+8)
	buf[0] = MsgGatewayToken
	binary.LittleEndian.PutUint32(buf[1:5], m.Token)
	binary.LittleEndian.PutUint16(buf[5:7], m.ShortAddr)
	binary.LittleEndian.PutUint64(buf[7:15], m.DeviceID)

	return buf
}

// Encode renders an [IPConfig] reply.
func (m IPConfig) Encode() (buf []byte) {
	buf = make([]byte, 1+2+4+4+4+4+4)
	buf[0] = MsgIPConfig
	binary.LittleEndian.PutUint16(buf[1:3], m.ShortAddr)
	putIP(buf[3:7], m.IP)
	putIP(buf[7:11], m.Subnet)
	putIP(buf[11:15], m.DNSServer)
	putIP(buf[15:19], m.InternetGateway)
	binary.LittleEndian.PutUint32(buf[19:23], m.Token)

	return buf
}

// Encode renders a [CurrentTime] reply.
func (m CurrentTime) Encode() (buf []byte) {
	buf = make([]byte, 1+4)
	buf[0] = MsgCurrentTime
	binary.LittleEndian.PutUint32(buf[1:5], m.Time)

	return buf
}

// Encode renders a RESET_IP_CONFIRM reply (no payload beyond the type
// tag).
func EncodeResetIPConfirm() (buf []byte) {
	return []byte{MsgResetIPConfirm}
}

// Encode renders a [NetworkTime] reply.
func (m NetworkTime) Encode() (buf []byte) {
	buf = make([]byte, 1+1+8+4)
	buf[0] = MsgNetworkTime
	buf[1] = m.Flags
	binary.LittleEndian.PutUint64(buf[2:10], m.NTPTime)
	binary.LittleEndian.PutUint32(buf[10:14], m.WcomNetworkTime)

	return buf
}

// DecodePollGateway parses a POLL_GATEWAY message (type byte already
// consumed by the caller).
func DecodePollGateway(buf []byte) (m PollGateway, err error) {
	if len(buf) < 2 {
		return m, fmt.Errorf("gwsvc: poll_gateway too short")
	}

	m.ShortAddr = binary.LittleEndian.Uint16(buf[0:2])

	return m, nil
}

// DecodeRequestIPConfig parses a REQUEST_IP_CONFIG message body.
func DecodeRequestIPConfig(buf []byte) (m RequestIPConfig, err error) {
	if len(buf) < 1+2+4+8 {
		return m, fmt.Errorf("gwsvc: request_ip_config too short")
	}

	m.Flags = buf[0]
	m.ShortAddr = binary.LittleEndian.Uint16(buf[1:3])
	m.IP = net.IP(append([]byte{}, buf[3:7]...))
	m.DeviceID = binary.LittleEndian.Uint64(buf[7:15])

	return m, nil
}

// DecodeResetIPConfig parses a RESET_IP_CONFIG message body.
func DecodeResetIPConfig(buf []byte) (m ResetIPConfig, err error) {
	if len(buf) < 2 {
		return m, fmt.Errorf("gwsvc: reset_ip_config too short")
	}

	m.ShortAddr = binary.LittleEndian.Uint16(buf[0:2])

	return m, nil
}
