// Package ethdev implements the raw Ethernet interface the gateway uses to
// exchange frames with the wired side: opening the interface, dispatching
// received frames by EtherType, and sending frames addressed to an
// arbitrary destination MAC.
package ethdev

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/mdlayher/ethernet"
	"github.com/mdlayher/packet"

	"github.com/sapphiregw/meshgw/internal/metrics"
)

// TXStallTimeout is how long a transmit may sit in flight before the
// watchdog treats the controller as stuck and reinitializes it.
const TXStallTimeout = time.Second

// txWatchdogTick is how often [Device.RunTXWatchdog] samples the
// in-flight send, fine-grained enough to catch a stall soon after it
// crosses [TXStallTimeout].
const txWatchdogTick = 100 * time.Millisecond

// EtherTypeARP and EtherTypeIPv4 are the two EtherTypes this gateway
// listens for, mirroring ETH_TYPE_ARP and ETH_TYPE_IPv4 in the reference
// firmware's eth_mac.h.
const (
	EtherTypeARP  = uint16(ethernet.EtherTypeARP)
	EtherTypeIPv4 = uint16(ethernet.EtherTypeIPv4)
)

// Handler processes a received frame's payload (the bytes after the
// 14-byte Ethernet header). srcMAC is the sender's hardware address.
type Handler func(srcMAC net.HardwareAddr, payload []byte)

// Device is a raw AF_PACKET connection bound to a single network
// interface, dispatching inbound frames to registered [Handler]s by
// EtherType.
type Device struct {
	iface    *net.Interface
	handlers map[uint16]Handler
	logger   *slog.Logger

	// txMu serializes transmits: the Ethernet TX engine is a single
	// hardware resource, and a sender holds it for the whole blocking
	// write. statusMu guards txBusy/txStart independently so
	// [Device.RunTXWatchdog] can sample them without blocking behind a
	// stalled send.
	txMu     sync.Mutex
	statusMu sync.Mutex
	txBusy   bool
	txStart  time.Time

	connMu sync.RWMutex
	conn   net.PacketConn
}

// Open binds a raw socket to ifaceName, following the packet.Listen usage
// in the reference dhcpd connection setup.
func Open(ifaceName string, logger *slog.Logger) (d *Device, err error) {
	iface, err := net.InterfaceByName(ifaceName)
	if err != nil {
		return nil, fmt.Errorf("ethdev: resolving interface %q: %w", ifaceName, err)
	}

	conn, err := packet.Listen(iface, packet.Raw, 0, nil)
	if err != nil {
		return nil, fmt.Errorf("ethdev: opening raw socket on %q: %w", ifaceName, err)
	}

	return &Device{
		iface:    iface,
		conn:     conn,
		handlers: make(map[uint16]Handler),
		logger:   logger,
	}, nil
}

// MAC returns the interface's own hardware address.
func (d *Device) MAC() net.HardwareAddr { return d.iface.HardwareAddr }

// Handle registers fn to receive every frame of the given EtherType.
// Handle is not safe for concurrent use with [Device.Run]; register all
// handlers before starting it.
func (d *Device) Handle(etherType uint16, fn Handler) {
	d.handlers[etherType] = fn
}

// Send transmits payload as the body of an Ethernet II frame addressed to
// dst with the given EtherType.
func (d *Device) Send(dst net.HardwareAddr, etherType uint16, payload []byte) (err error) {
	frame, err := buildFrame(d.iface.HardwareAddr, dst, etherType, payload)
	if err != nil {
		return err
	}

	d.txMu.Lock()
	defer d.txMu.Unlock()

	d.statusMu.Lock()
	d.txBusy = true
	d.txStart = time.Now()
	d.statusMu.Unlock()

	defer func() {
		d.statusMu.Lock()
		d.txBusy = false
		d.statusMu.Unlock()
	}()

	_, err = d.currentConn().WriteTo(frame, &packet.Addr{HardwareAddr: dst})
	if err != nil {
		return fmt.Errorf("ethdev: writing frame: %w", err)
	}

	return nil
}

// currentConn returns the device's active socket, safe to call while
// [Device.reinit] is swapping it out.
func (d *Device) currentConn() (conn net.PacketConn) {
	d.connMu.RLock()
	defer d.connMu.RUnlock()

	return d.conn
}

// RunTXWatchdog polls the transmit state once per tick and reinitializes
// the controller if a send has been in flight longer than
// [TXStallTimeout], the Go equivalent of the reference firmware's
// tx_busy-stuck recovery.
func (d *Device) RunTXWatchdog(ctx context.Context) {
	t := time.NewTicker(txWatchdogTick)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			d.statusMu.Lock()
			stalled := d.txBusy && time.Since(d.txStart) > TXStallTimeout
			d.statusMu.Unlock()

			if stalled {
				d.reinit()
			}
		}
	}
}

// reinit closes and reopens the raw socket, clearing a stuck transmit.
func (d *Device) reinit() {
	if d.logger != nil {
		d.logger.Warn("ethdev: tx watchdog detected a stall, reinitializing", "interface", d.iface.Name)
	}
	metrics.EthernetTXStalls.Inc()

	d.connMu.Lock()
	defer d.connMu.Unlock()

	_ = d.conn.Close()

	conn, err := packet.Listen(d.iface, packet.Raw, 0, nil)
	if err != nil {
		if d.logger != nil {
			d.logger.Error("ethdev: reinitializing socket", "error", err)
		}

		return
	}
	d.conn = conn

	d.statusMu.Lock()
	d.txBusy = false
	d.statusMu.Unlock()
}

// buildFrame serializes an Ethernet II frame. It is factored out of
// [Device.Send] so the framing logic can be exercised without an open
// socket.
func buildFrame(src, dst net.HardwareAddr, etherType uint16, payload []byte) (buf []byte, err error) {
	eth := &layers.Ethernet{
		SrcMAC:       src,
		DstMAC:       dst,
		EthernetType: layers.EthernetType(etherType),
	}

	sb := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true}
	if err = gopacket.SerializeLayers(sb, opts, eth, gopacket.Payload(payload)); err != nil {
		return nil, fmt.Errorf("ethdev: serializing frame: %w", err)
	}

	return sb.Bytes(), nil
}

// Run reads frames until ctx is canceled, dispatching each to the handler
// registered for its EtherType. Unrecognized EtherTypes are dropped.
func (d *Device) Run(ctx context.Context) (err error) {
	go func() {
		<-ctx.Done()
		_ = d.currentConn().Close()
	}()

	buf := make([]byte, d.iface.MTU+14)
	for {
		n, addr, rerr := d.currentConn().ReadFrom(buf)
		if rerr != nil {
			if ctx.Err() != nil {
				return nil
			}

			// The TX watchdog may have just closed and replaced the
			// socket out from under this read; give the new one a turn
			// before treating this as a fatal error.
			select {
			case <-time.After(txWatchdogTick):
			case <-ctx.Done():
				return nil
			}

			continue
		}

		pkt := gopacket.NewPacket(buf[:n], layers.LayerTypeEthernet, gopacket.NoCopy)
		ethLayer, ok := pkt.Layer(layers.LayerTypeEthernet).(*layers.Ethernet)
		if !ok {
			continue
		}

		h, ok := d.handlers[uint16(ethLayer.EthernetType)]
		if !ok {
			continue
		}

		src := ethLayer.SrcMAC
		if pa, ok := addr.(*packet.Addr); ok && len(pa.HardwareAddr) == 6 {
			src = pa.HardwareAddr
		}

		h(src, ethLayer.Payload)
	}
}

// Close releases the underlying socket.
func (d *Device) Close() (err error) {
	return d.currentConn().Close()
}
