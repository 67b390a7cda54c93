package pkt_test

import (
	"net"
	"testing"

	"github.com/sapphiregw/meshgw/internal/pkt"
	"github.com/stretchr/testify/require"
)

func TestBuildEchoReplyPreservesIDSequence(t *testing.T) {
	req := make([]byte, 12)
	req[0] = 8 // ECHO_REQUEST
	req[4], req[5] = 0x12, 0x34
	req[6], req[7] = 0x00, 0x01
	copy(req[8:], []byte("abcd"))

	buf, err := pkt.BuildEchoReply(net.IPv4(10, 0, 0, 5), net.IPv4(10, 0, 0, 9), req)
	require.NoError(t, err)

	_, payload, err := pkt.VerifyIPv4Header(buf)
	require.NoError(t, err)
	require.Equal(t, byte(0), payload[0], "echo reply type must be 0")
	require.Equal(t, req[4:8], payload[4:8], "id/sequence preserved")
	require.Equal(t, req[8:], payload[8:], "payload preserved")
}

func TestBuildTimeExceededEmbedsOffendingHeader(t *testing.T) {
	offendingHdr := make([]byte, 20)
	offendingHdr[0] = 0x45
	offendingHdr[8] = 0 // ttl already hit zero
	copy(offendingHdr[12:16], net.IPv4(10, 0, 0, 9).To4())
	copy(offendingHdr[16:20], net.IPv4(10, 0, 0, 50).To4())

	buf, err := pkt.BuildTimeExceeded(net.IPv4(10, 0, 0, 1), offendingHdr, []byte("12345678"))
	require.NoError(t, err)

	_, payload, err := pkt.VerifyIPv4Header(buf)
	require.NoError(t, err)
	require.Equal(t, byte(11), payload[0], "TIME_EXCEEDED type")
	// The embedded header's TTL must have been restored to 1.
	require.Equal(t, byte(1), payload[8+8])
}
