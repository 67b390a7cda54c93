// Package arp implements the gateway's IPv4-over-Ethernet ARP cache,
// request/reply construction and proxy ARP handling, grounded on the
// original gateway/arp.c state machine.
package arp

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// MaxCacheEntries bounds the cache the same way the reference
// implementation's static arp_cache array does.
const MaxCacheEntries = 16

// AgingTick is the period of the cache aging loop (arp.c's
// ARP_AGING_TICK_MS).
const AgingTick = 100 * time.Millisecond

// MaxAgeTicks is the age, in ticks, at which an entry becomes eligible for
// eviction but is not itself removed; the reference implementation simply
// evicts the single oldest entry on insert rather than expiring by age.
const MaxAgeTicks = 100

// BroadcastMAC is the Ethernet broadcast address used for ARP requests and
// replies.
var BroadcastMAC = net.HardwareAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}

type entry struct {
	mac net.HardwareAddr
	ip  net.IP
	age int
}

// BridgeLookup reports whether ip belongs to a wireless node known to the
// bridge table, the second half of the proxy ARP admission test in
// arp_v_recv.
type BridgeLookup func(ip net.IP) (known bool)

// IPSource reports the gateway's own current IP address and subnet mask.
// It is polled on every lookup rather than snapshotted once, since the
// gateway's own address is typically not known until a DHCP lease
// completes well after the cache is constructed, and can change again on
// renewal or reset.
type IPSource func() (ip net.IP, subnet net.IPMask)

// Cache is the gateway's ARP cache and proxy ARP responder. The zero value
// is not usable; construct with [New].
type Cache struct {
	mu       sync.Mutex
	entries  []entry
	ipSource IPSource
	ourMAC   net.HardwareAddr
	isBridge BridgeLookup
	logger   *slog.Logger
}

// New constructs a [Cache] for a gateway owning ourMAC. ipSource is
// consulted for the gateway's current IP/subnet on every operation that
// needs it, so the cache stays correct across DHCP lease acquisition and
// renewal. isBridge resolves whether a target address belongs to the
// wireless bridge, for proxy ARP; it may be nil, in which case only the
// gateway's own IP is answered for.
func New(ipSource IPSource, ourMAC net.HardwareAddr, isBridge BridgeLookup, logger *slog.Logger) (c *Cache) {
	return &Cache{
		entries:  make([]entry, 0, MaxCacheEntries),
		ipSource: ipSource,
		ourMAC:   ourMAC,
		isBridge: isBridge,
		logger:   logger,
	}
}

// isBroadcast reports whether ip is the directed broadcast address of the
// cache's current subnet, mirroring ip_b_check_broadcast.
func (c *Cache) isBroadcast(ip net.IP) bool {
	ourIP, subnet := c.ipSource()

	ip4 := ip.To4()
	our4 := ourIP.To4()
	if ip4 == nil || our4 == nil || subnet == nil {
		return false
	}

	for i := range ip4 {
		masked := our4[i] | ^subnet[i]
		if masked != ip4[i] {
			return false
		}
	}

	return true
}

// Entry is a single cached (IP, MAC) pairing together with its age in
// aging ticks, the read-only view returned by [Cache.Dump].
type Entry struct {
	IP  net.IP
	MAC net.HardwareAddr
	Age int
}

// Dump returns a snapshot of every cached entry, the Go equivalent of the
// reference implementation's virtual-file read of arp_cache.
func (c *Cache) Dump() (entries []Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entries = make([]Entry, len(c.entries))
	for i, e := range c.entries {
		entries[i] = Entry{IP: e.ip, MAC: e.mac, Age: e.age}
	}

	return entries
}

// Lookup reports whether ip resolves to a hardware address, either as the
// configured subnet's broadcast address or as a cached ARP entry, per
// arp_b_get_address.
func (c *Cache) Lookup(ip net.IP) (mac net.HardwareAddr, ok bool) {
	if c.isBroadcast(ip) {
		return BroadcastMAC, true
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for i := range c.entries {
		if c.entries[i].ip.Equal(ip) {
			return c.entries[i].mac, true
		}
	}

	return nil, false
}

// learn records or refreshes a sender's (IP, MAC) pair, evicting the oldest
// entry when the cache is full, matching the "find oldest cache entry"
// eviction rule in arp_v_recv.
func (c *Cache) learn(ip net.IP, mac net.HardwareAddr) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i := range c.entries {
		if c.entries[i].ip.Equal(ip) {
			c.entries[i].mac = mac
			c.entries[i].age = 0

			return
		}
	}

	if len(c.entries) < MaxCacheEntries {
		c.entries = append(c.entries, entry{mac: mac, ip: ip, age: 0})

		return
	}

	oldest := 0
	for i := range c.entries {
		if c.entries[i].age > c.entries[oldest].age {
			oldest = i
		}
	}
	c.entries[oldest] = entry{mac: mac, ip: ip, age: 0}
}

// RunAging ages every cache entry once per [AgingTick] until ctx is
// canceled.
func (c *Cache) RunAging(ctx context.Context) {
	t := time.NewTicker(AgingTick)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			c.mu.Lock()
			for i := range c.entries {
				if c.entries[i].age < MaxAgeTicks {
					c.entries[i].age++
				}
			}
			c.mu.Unlock()
		}
	}
}

// BuildRequest serializes the ARP layer of a request for targetIP, per
// arp_v_create_request. The caller (ethdev.Device.Send) supplies the
// Ethernet framing; the request is always sent to the broadcast MAC.
func (c *Cache) BuildRequest(targetIP net.IP) (buf []byte, err error) {
	ourIP, _ := c.ipSource()

	a := &layers.ARP{
		AddrType:          layers.LinkTypeEthernet,
		Protocol:          layers.EthernetTypeIPv4,
		HwAddressSize:     6,
		ProtAddressSize:   4,
		Operation:         layers.ARPRequest,
		SourceHwAddress:   c.ourMAC,
		SourceProtAddress: ourIP.To4(),
		DstHwAddress:      net.HardwareAddr{0, 0, 0, 0, 0, 0},
		DstProtAddress:    targetIP.To4(),
	}

	return serialize(a)
}

// buildReply serializes the ARP layer of a reply claiming senderIP is at
// c's MAC, addressed to targetMAC/targetIP, per arp_v_create_reply. The
// caller supplies the Ethernet framing.
func (c *Cache) buildReply(targetMAC net.HardwareAddr, senderIP, targetIP net.IP) (buf []byte, err error) {
	a := &layers.ARP{
		AddrType:          layers.LinkTypeEthernet,
		Protocol:          layers.EthernetTypeIPv4,
		HwAddressSize:     6,
		ProtAddressSize:   4,
		Operation:         layers.ARPReply,
		SourceHwAddress:   c.ourMAC,
		SourceProtAddress: senderIP.To4(),
		DstHwAddress:      targetMAC,
		DstProtAddress:    targetIP.To4(),
	}

	return serialize(a)
}

func serialize(a *layers.ARP) (buf []byte, err error) {
	sb := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true}
	if err = gopacket.SerializeLayers(sb, opts, a); err != nil {
		return nil, err
	}

	return sb.Bytes(), nil
}

// Receive processes a decoded ARP frame, per arp_v_recv. For a request
// addressed to our own IP or to a known bridge member, it returns a reply
// ARP payload ready to send to the broadcast MAC (per "Reply goes to
// broadcast MAC"); for a reply, it learns the sender's address and
// returns nil. ok is false when no frame should be sent.
func (c *Cache) Receive(a *layers.ARP) (reply []byte, ok bool, err error) {
	senderIP := net.IP(a.SourceProtAddress)
	senderMAC := net.HardwareAddr(a.SourceHwAddress)

	switch a.Operation {
	case layers.ARPRequest:
		target := net.IP(a.DstProtAddress)
		ourIP, _ := c.ipSource()

		answer := target.Equal(ourIP)
		if !answer && c.isBridge != nil {
			answer = c.isBridge(target)
		}
		if !answer {
			return nil, false, nil
		}

		reply, err = c.buildReply(senderMAC, target, senderIP)
		if err != nil {
			return nil, false, err
		}

		return reply, true, nil

	case layers.ARPReply:
		c.learn(senderIP, senderMAC)

		return nil, false, nil

	default:
		if c.logger != nil {
			c.logger.Debug("arp: ignoring unknown operation", "op", a.Operation)
		}

		return nil, false, nil
	}
}
