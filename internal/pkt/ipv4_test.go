package pkt_test

import (
	"net"
	"testing"

	"github.com/google/gopacket/layers"
	"github.com/sapphiregw/meshgw/internal/pkt"
	"github.com/stretchr/testify/require"
)

func TestInitThenVerifyRoundTrip(t *testing.T) {
	src := net.IPv4(10, 0, 0, 5)
	dst := net.IPv4(10, 0, 0, 9)
	payload := []byte("hello")

	hdr := pkt.InitIPv4Header(src, dst, layers.IPProtocolUDP, 0, len(payload))
	require.EqualValues(t, pkt.MinIPPacketSize+len(payload), hdr.Length)

	buf, err := pkt.SerializeIPv4(hdr, payload)
	require.NoError(t, err)

	got, gotPayload, err := pkt.VerifyIPv4Header(buf)
	require.NoError(t, err)
	require.Equal(t, uint8(pkt.DefaultTTL), got.TTL)
	require.Equal(t, payload, gotPayload)
}

func TestVerifyRejectsFragments(t *testing.T) {
	src := net.IPv4(10, 0, 0, 5)
	dst := net.IPv4(10, 0, 0, 9)

	hdr := pkt.InitIPv4Header(src, dst, layers.IPProtocolUDP, 0, 0)
	hdr.FragOffset = 1

	buf, err := pkt.SerializeIPv4(hdr, nil)
	require.NoError(t, err)

	_, _, err = pkt.VerifyIPv4Header(buf)
	require.Error(t, err)
}

func TestLoopbackSourceRewrite(t *testing.T) {
	src := net.IPv4(10, 0, 0, 5)
	dst := net.IPv4(127, 0, 0, 1)

	hdr := pkt.InitIPv4Header(src, dst, layers.IPProtocolICMPv4, 0, 0)
	require.True(t, hdr.SrcIP.Equal(dst))
}
