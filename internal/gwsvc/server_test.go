package gwsvc

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/sapphiregw/meshgw/internal/bridging"
	"github.com/sapphiregw/meshgw/internal/devicedb"
	"github.com/sapphiregw/meshgw/internal/gwconfig"
	"github.com/sapphiregw/meshgw/internal/sntp"
	"github.com/sapphiregw/meshgw/internal/wcom"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) (s *Server) {
	t.Helper()

	db, err := devicedb.Open(filepath.Join(t.TempDir(), "devices.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	return &Server{
		ShortAddr: 42,
		DeviceID:  0xdeadbeef,
		Bridges:   bridging.New(db, nil),
		Devices:   db,
		IPStore:   gwconfig.NewIPStore(),
		Clock:     sntp.NewClock(nil),
		Collab:    &wcom.Loopback{},
		token:     0xabcd1234,
	}
}

func loopbackPair(t *testing.T) (conn, peer *net.UDPConn) {
	t.Helper()

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	peer, err = net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { _ = peer.Close() })

	return conn, peer
}

func readResponse(t *testing.T, peer *net.UDPConn) []byte {
	t.Helper()

	buf := make([]byte, 512)
	require.NoError(t, peer.SetReadDeadline(time.Now().Add(2*time.Second)))
	n, err := peer.Read(buf)
	require.NoError(t, err)

	return buf[:n]
}

func TestHandlePollRepliesWithGatewayToken(t *testing.T) {
	s := newTestServer(t)
	conn, peer := loopbackPair(t)

	_, err := peer.WriteToUDP([]byte{MsgPollGateway, 0, 0}, conn.LocalAddr().(*net.UDPAddr))
	require.NoError(t, err)

	buf := make([]byte, 512)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	n, raddr, err := conn.ReadFromUDP(buf)
	require.NoError(t, err)

	s.handle(context.Background(), conn, raddr, buf[:n])

	resp := readResponse(t, peer)
	require.Equal(t, byte(MsgGatewayToken), resp[0])
}

func TestHandleRequestIPConfigManualBranch(t *testing.T) {
	s := newTestServer(t)
	conn, peer := loopbackPair(t)

	msg := RequestIPConfig{
		Flags:     FlagManualIP,
		ShortAddr: 7,
		IP:        net.IPv4(10, 0, 0, 5),
		DeviceID:  99,
	}
	body := append([]byte{MsgRequestIPConfig}, encodeRequestIPConfig(msg)...)

	_, err := peer.WriteToUDP(body, conn.LocalAddr().(*net.UDPAddr))
	require.NoError(t, err)

	buf := make([]byte, 512)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	n, raddr, err := conn.ReadFromUDP(buf)
	require.NoError(t, err)

	s.handle(context.Background(), conn, raddr, buf[:n])

	resp := readResponse(t, peer)
	require.Equal(t, byte(MsgIPConfig), resp[0])

	e, ok := s.Bridges.ByShortAddr(7)
	require.True(t, ok)
	require.True(t, e.IP.Equal(net.IPv4(10, 0, 0, 5)))
	require.NotZero(t, e.Flags&bridging.FlagManualIP)
}

func TestHandleRequestIPConfigNoIPYetSuppressesReply(t *testing.T) {
	s := newTestServer(t)
	conn, peer := loopbackPair(t)

	msg := RequestIPConfig{ShortAddr: 9, DeviceID: 1}
	body := append([]byte{MsgRequestIPConfig}, encodeRequestIPConfig(msg)...)

	_, err := peer.WriteToUDP(body, conn.LocalAddr().(*net.UDPAddr))
	require.NoError(t, err)

	buf := make([]byte, 512)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	n, raddr, err := conn.ReadFromUDP(buf)
	require.NoError(t, err)

	s.handle(context.Background(), conn, raddr, buf[:n])

	require.NoError(t, peer.SetReadDeadline(time.Now().Add(100*time.Millisecond)))
	_, err = peer.Read(buf)
	require.Error(t, err)

	e, ok := s.Bridges.ByShortAddr(9)
	require.True(t, ok)
	require.NotZero(t, e.Flags&bridging.FlagRequestIP)
}

func TestHandleRequestTimeReportsClock(t *testing.T) {
	s := newTestServer(t)
	conn, peer := loopbackPair(t)

	_, err := peer.WriteToUDP([]byte{MsgRequestTime}, conn.LocalAddr().(*net.UDPAddr))
	require.NoError(t, err)

	buf := make([]byte, 512)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	n, raddr, err := conn.ReadFromUDP(buf)
	require.NoError(t, err)

	s.handle(context.Background(), conn, raddr, buf[:n])

	resp := readResponse(t, peer)
	require.Equal(t, byte(MsgCurrentTime), resp[0])
}

func TestHandleResetIPConfigClearsStore(t *testing.T) {
	s := newTestServer(t)
	s.IPStore.Set(gwconfig.IPConfig{IP: net.IPv4(192, 168, 1, 2), SubnetMask: net.CIDRMask(24, 32)})
	conn, peer := loopbackPair(t)

	body := []byte{MsgResetIPConfig, 42, 0}
	_, err := peer.WriteToUDP(body, conn.LocalAddr().(*net.UDPAddr))
	require.NoError(t, err)

	buf := make([]byte, 512)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	n, raddr, err := conn.ReadFromUDP(buf)
	require.NoError(t, err)

	s.handle(context.Background(), conn, raddr, buf[:n])

	resp := readResponse(t, peer)
	require.Equal(t, byte(MsgResetIPConfirm), resp[0])
	require.False(t, s.IPStore.Get().Configured())
}

func TestHandleGetNetworkTimeReflectsCollaborator(t *testing.T) {
	s := newTestServer(t)
	collab := s.Collab.(*wcom.Loopback)
	collab.WcomTime = 555
	collab.WcomSynced = true

	conn, peer := loopbackPair(t)

	_, err := peer.WriteToUDP([]byte{MsgGetNetworkTime}, conn.LocalAddr().(*net.UDPAddr))
	require.NoError(t, err)

	buf := make([]byte, 512)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	n, raddr, err := conn.ReadFromUDP(buf)
	require.NoError(t, err)

	s.handle(context.Background(), conn, raddr, buf[:n])

	resp := readResponse(t, peer)
	require.Equal(t, byte(MsgNetworkTime), resp[0])
	require.NotZero(t, resp[1]&FlagWcomSync)
}

func encodeRequestIPConfig(m RequestIPConfig) []byte {
	buf := make([]byte, 1+2+4+8)
	buf[0] = m.Flags
	buf[1] = byte(m.ShortAddr)
	buf[2] = byte(m.ShortAddr >> 8)

	ip := m.IP.To4()
	if ip == nil {
		ip = net.IPv4zero.To4()
	}
	copy(buf[3:7], ip)

	for i := 0; i < 8; i++ {
		buf[7+i] = byte(m.DeviceID >> (8 * i))
	}

	return buf
}
