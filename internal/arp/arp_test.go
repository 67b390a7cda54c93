package arp_test

import (
	"net"
	"testing"

	"github.com/google/gopacket/layers"
	"github.com/sapphiregw/meshgw/internal/arp"
	"github.com/stretchr/testify/require"
)

var (
	ourIP  = net.IPv4(10, 0, 0, 1)
	ourMAC = net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x01}
	subnet = net.CIDRMask(24, 32)
)

func staticIPSource() arp.IPSource {
	return func() (net.IP, net.IPMask) { return ourIP, subnet }
}

func TestLookupBroadcast(t *testing.T) {
	c := arp.New(staticIPSource(), ourMAC, nil, nil)

	mac, ok := c.Lookup(net.IPv4(10, 0, 0, 255))
	require.True(t, ok)
	require.Equal(t, arp.BroadcastMAC, mac)
}

func TestLookupUnknownMiss(t *testing.T) {
	c := arp.New(staticIPSource(), ourMAC, nil, nil)

	_, ok := c.Lookup(net.IPv4(10, 0, 0, 50))
	require.False(t, ok)
}

func TestReceiveReplyThenLookupHits(t *testing.T) {
	c := arp.New(staticIPSource(), ourMAC, nil, nil)

	sender := net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x02}
	a := &layers.ARP{
		Operation:         layers.ARPReply,
		SourceHwAddress:   sender,
		SourceProtAddress: net.IPv4(10, 0, 0, 50).To4(),
	}

	reply, ok, err := c.Receive(a)
	require.NoError(t, err)
	require.False(t, ok)
	require.Nil(t, reply)

	mac, ok := c.Lookup(net.IPv4(10, 0, 0, 50))
	require.True(t, ok)
	require.Equal(t, sender, mac)
}

func TestReceiveRequestForOurIPReplies(t *testing.T) {
	c := arp.New(staticIPSource(), ourMAC, nil, nil)

	requester := net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x03}
	a := &layers.ARP{
		Operation:         layers.ARPRequest,
		SourceHwAddress:   requester,
		SourceProtAddress: net.IPv4(10, 0, 0, 77).To4(),
		DstProtAddress:    ourIP.To4(),
	}

	reply, ok, err := c.Receive(a)
	require.NoError(t, err)
	require.True(t, ok)
	require.NotEmpty(t, reply)
}

func TestReceiveRequestForUnknownIgnored(t *testing.T) {
	c := arp.New(staticIPSource(), ourMAC, func(net.IP) bool { return false }, nil)

	a := &layers.ARP{
		Operation:      layers.ARPRequest,
		DstProtAddress: net.IPv4(10, 0, 0, 99).To4(),
	}

	_, ok, err := c.Receive(a)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestCacheTracksIPSourceChangesAfterConstruction(t *testing.T) {
	var current net.IP
	c := arp.New(func() (net.IP, net.IPMask) { return current, subnet }, ourMAC, nil, nil)

	requester := net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x03}
	a := &layers.ARP{
		Operation:         layers.ARPRequest,
		SourceHwAddress:   requester,
		SourceProtAddress: net.IPv4(10, 0, 0, 77).To4(),
		DstProtAddress:    ourIP.To4(),
	}

	// Before the address is assigned (e.g. prior to a DHCP lease), there
	// is nothing to answer for.
	_, ok, err := c.Receive(a)
	require.NoError(t, err)
	require.False(t, ok)

	// Once the address is assigned, the same cache (no reconstruction)
	// answers for it.
	current = ourIP
	_, ok, err = c.Receive(a)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestCacheEvictsOldestWhenFull(t *testing.T) {
	c := arp.New(staticIPSource(), ourMAC, nil, nil)

	for i := 0; i < arp.MaxCacheEntries; i++ {
		ip := net.IPv4(10, 0, 1, byte(i))
		mac := net.HardwareAddr{0x02, 0, 0, 0, 0, byte(i)}
		_, _, err := c.Receive(&layers.ARP{
			Operation:         layers.ARPReply,
			SourceHwAddress:   mac,
			SourceProtAddress: ip.To4(),
		})
		require.NoError(t, err)
	}

	extraIP := net.IPv4(10, 0, 2, 1)
	extraMAC := net.HardwareAddr{0x02, 0, 0, 0, 0, 0xff}
	_, _, err := c.Receive(&layers.ARP{
		Operation:         layers.ARPReply,
		SourceHwAddress:   extraMAC,
		SourceProtAddress: extraIP.To4(),
	})
	require.NoError(t, err)

	mac, ok := c.Lookup(extraIP)
	require.True(t, ok)
	require.Equal(t, extraMAC, mac)
}
