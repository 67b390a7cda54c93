package gwcore

import (
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/gopacket/layers"
	"github.com/insomniacslk/dhcp/dhcpv4"
	"github.com/stretchr/testify/require"

	"github.com/sapphiregw/meshgw/internal/arp"
	"github.com/sapphiregw/meshgw/internal/bridging"
	"github.com/sapphiregw/meshgw/internal/devicedb"
	"github.com/sapphiregw/meshgw/internal/gwconfig"
	"github.com/sapphiregw/meshgw/internal/pkt"
)

func buildDHCPReplyFrame(t *testing.T, xid [4]byte, msgType dhcpv4.MessageType) []byte {
	t.Helper()

	msg, err := dhcpv4.New(
		dhcpv4.WithTransactionID(xid),
		dhcpv4.WithOption(dhcpv4.OptMessageType(msgType)),
	)
	require.NoError(t, err)

	hdr := pkt.InitIPv4Header(net.IPv4(192, 168, 1, 1), net.IPv4bcast, layers.IPProtocolUDP, 64, len(msg.ToBytes())+8)
	payload := msg.ToBytes()
	udpBuf := make([]byte, 0, 8+len(payload))
	var b [2]byte
	b[0], b[1] = byte(dhcpv4.ServerPort>>8), byte(dhcpv4.ServerPort)
	udpBuf = append(udpBuf, b[:]...)
	b[0], b[1] = byte(dhcpv4.ClientPort>>8), byte(dhcpv4.ClientPort)
	udpBuf = append(udpBuf, b[:]...)
	length := uint16(8 + len(payload))
	b[0], b[1] = byte(length>>8), byte(length)
	udpBuf = append(udpBuf, b[:]...)
	udpBuf = append(udpBuf, 0, 0)
	udpBuf = append(udpBuf, payload...)

	buf, err := pkt.SerializeIPv4(hdr, udpBuf)
	require.NoError(t, err)

	return buf
}

func TestDecodeDHCPReplyAcceptsClientPortDatagram(t *testing.T) {
	frame := buildDHCPReplyFrame(t, [4]byte{1, 2, 3, 4}, dhcpv4.MessageTypeAck)

	resp, ok := decodeDHCPReply(frame)
	require.True(t, ok)
	require.Equal(t, dhcpv4.MessageTypeAck, resp.MessageType())
}

func TestDecodeDHCPReplyRejectsOrdinaryTraffic(t *testing.T) {
	hdr := pkt.InitIPv4Header(net.IPv4(192, 168, 1, 1), net.IPv4(192, 168, 1, 2), layers.IPProtocolUDP, 64, 8)
	udpBuf := []byte{0x27, 0x10, 0x27, 0x11, 0, 8, 0, 0}
	buf, err := pkt.SerializeIPv4(hdr, udpBuf)
	require.NoError(t, err)

	_, ok := decodeDHCPReply(buf)
	require.False(t, ok)
}

func TestRenewalWindowUsesSevenEighthsOfLease(t *testing.T) {
	require.Equal(t, 7*time.Hour, renewalWindow(8*time.Hour))
	require.Equal(t, dhcpclientRetryDelay, renewalWindow(0))
}

func TestDHCPManagerSerializesConcurrentSessions(t *testing.T) {
	mgr := &dhcpManager{sem: make(chan struct{}, 1)}

	// Directly exercise the semaphore without a real *ethdev.Device: acquire
	// the slot as RequestLease would, and confirm a second call blocks until
	// it is released.
	acquired := make(chan struct{})
	go func() {
		mgr.sem <- struct{}{}
		close(acquired)
	}()
	<-acquired

	second := make(chan struct{})
	go func() {
		mgr.sem <- struct{}{}
		close(second)
	}()

	select {
	case <-second:
		t.Fatal("second acquisition should not succeed while the first holds the slot")
	case <-time.After(20 * time.Millisecond):
	}

	<-mgr.sem
	select {
	case <-second:
	case <-time.After(time.Second):
		t.Fatal("second acquisition never unblocked after release")
	}
	<-mgr.sem
}

func TestDHCPManagerDeliverIgnoresWhenNoCurrentSession(t *testing.T) {
	mgr := &dhcpManager{sem: make(chan struct{}, 1)}

	resp, err := dhcpv4.New(dhcpv4.WithTransactionID([4]byte{9, 9, 9, 9}))
	require.NoError(t, err)

	// Must not panic in the absence of an in-flight session.
	mgr.deliver(resp)
}

func TestCoreSnapshotsReflectUnderlyingStores(t *testing.T) {
	db, err := devicedb.Open(filepath.Join(t.TempDir(), "devices.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	bridges := bridging.New(db, nil)
	bridges.Add(7, false)
	bridges.ApplyLeaseByShortAddr(7, net.IPv4(192, 168, 1, 40), time.Hour)

	gwIP := net.IPv4(192, 168, 1, 1)
	gwSubnet := net.CIDRMask(24, 32)
	arpCache := arp.New(func() (net.IP, net.IPMask) { return gwIP, gwSubnet }, net.HardwareAddr{0x02, 0, 0, 0, 0, 1}, bridges.Has, nil)

	mac := net.HardwareAddr{0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0xff}
	_, _, err = arpCache.Receive(&layers.ARP{
		Operation:         layers.ARPReply,
		SourceHwAddress:   mac,
		SourceProtAddress: net.IPv4(192, 168, 1, 40).To4(),
	})
	require.NoError(t, err)

	c := &Core{Bridges: bridges, ARP: arpCache}

	bridgeEntries := c.BridgeTableSnapshot()
	require.Len(t, bridgeEntries, 1)
	require.EqualValues(t, 7, bridgeEntries[0].ShortAddr)

	arpEntries := c.ARPCacheSnapshot()
	require.Len(t, arpEntries, 1)
	require.Equal(t, mac, arpEntries[0].MAC)
}

func TestIPStoreAddrSourceReflectsLaterDHCPAssignment(t *testing.T) {
	ipStore := gwconfig.NewIPStore()
	source := ipStoreAddrSource(ipStore)

	ip, subnet := source()
	require.Nil(t, ip)
	require.Nil(t, subnet)

	leasedIP := net.IPv4(192, 168, 1, 50)
	leasedSubnet := net.CIDRMask(24, 32)
	ipStore.Set(gwconfig.IPConfig{IP: leasedIP, SubnetMask: leasedSubnet})

	ip, subnet = source()
	require.True(t, ip.Equal(leasedIP))
	require.Equal(t, leasedSubnet, subnet)
}
