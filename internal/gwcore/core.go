// Package gwcore assembles the gateway's independently testable packages
// into one running process: the singletons every subsystem shares (the
// bridge table, ARP cache, NTP clock) and the set of cooperative tasks
// that keep them current, grounded on AdGuardHome's home.Context /
// home.Main "one struct owns everything" composition root.
package gwcore

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/insomniacslk/dhcp/dhcpv4"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/sapphiregw/meshgw/internal/arp"
	"github.com/sapphiregw/meshgw/internal/bridging"
	"github.com/sapphiregw/meshgw/internal/devicedb"
	"github.com/sapphiregw/meshgw/internal/dhcpclient"
	"github.com/sapphiregw/meshgw/internal/ethdev"
	"github.com/sapphiregw/meshgw/internal/forwarding"
	"github.com/sapphiregw/meshgw/internal/gwconfig"
	"github.com/sapphiregw/meshgw/internal/gwsvc"
	"github.com/sapphiregw/meshgw/internal/metrics"
	"github.com/sapphiregw/meshgw/internal/sntp"
	"github.com/sapphiregw/meshgw/internal/timesource"
	"github.com/sapphiregw/meshgw/internal/wcom"
)

// dhcpSessionTimeout bounds one DHCP lease request/renewal cycle,
// generous enough for the full capped-backoff retry ladder (500..4000ms
// steps) to exhaust a few times over.
const dhcpSessionTimeout = 60 * time.Second

// Core owns every gateway singleton and cooperative task, the thing
// cmd/meshgw constructs and runs.
type Core struct {
	Config *gwconfig.Config
	Logger *slog.Logger

	Eth     *ethdev.Device
	ARP     *arp.Cache
	Bridges *bridging.Table
	Devices *devicedb.DB
	IPStore *gwconfig.IPStore
	Clock   *sntp.Clock
	Collab  wcom.Collaborator

	Forwarding *forwarding.Plane
	Gwsvc      *gwsvc.Server
	TimeSource *timesource.Publisher
	SNTP       *sntp.Client

	dhcp *dhcpManager
}

// New wires a [Core] from cfg. collab is the wireless mesh-routing
// collaborator (see [wcom.Collaborator]); production callers supply the
// real mesh stack, tests a [wcom.Loopback].
func New(cfg *gwconfig.Config, collab wcom.Collaborator, logger *slog.Logger) (c *Core, err error) {
	if logger == nil {
		logger = slog.Default()
	}

	devices, err := devicedb.Open(cfg.DeviceDBPath, logger)
	if err != nil {
		return nil, fmt.Errorf("gwcore: opening device db: %w", err)
	}

	eth, err := ethdev.Open(cfg.EthInterface, logger)
	if err != nil {
		return nil, fmt.Errorf("gwcore: opening ethernet device: %w", err)
	}

	ipStore := gwconfig.NewIPStore()
	if cfg.ManualIP.Enabled {
		ipStore.Set(gwconfig.IPConfig{
			IP:              net.ParseIP(cfg.ManualIP.IP),
			SubnetMask:      net.IPMask(net.ParseIP(cfg.ManualIP.SubnetMask).To4()),
			DNSServer:       net.ParseIP(cfg.ManualIP.DNSServer),
			InternetGateway: net.ParseIP(cfg.ManualIP.InternetGateway),
		})
	}

	bridges := bridging.New(devices, logger)
	if lerr := bridges.LoadFromStore(); lerr != nil {
		logger.Warn("gwcore: loading bridge table from device db", "error", lerr)
	}

	arpCache := arp.New(ipStoreAddrSource(ipStore), eth.MAC(), bridges.Has, logger)

	dhcp := newDHCPManager(eth, logger)

	plane := &forwarding.Plane{
		IPStore:            ipStore,
		ARP:                arpCache,
		Bridges:            bridges,
		Eth:                eth,
		Collab:             collab,
		Logger:             logger,
		BroadcastWhitelist: cfg.BroadcastPorts,
	}

	clock := sntp.NewClock(nil)

	c = &Core{
		Config:  cfg,
		Logger:  logger,
		Eth:     eth,
		ARP:     arpCache,
		Bridges: bridges,
		Devices: devices,
		IPStore: ipStore,
		Clock:   clock,
		Collab:  collab,

		Forwarding: plane,
		dhcp:       dhcp,

		Gwsvc: &gwsvc.Server{
			ShortAddr:       cfg.GatewayShortAddr,
			DeviceID:        cfg.GatewayDeviceID,
			Bridges:         bridges,
			Devices:         devices,
			IPStore:         ipStore,
			Clock:           clock,
			Collab:          collab,
			TokenBeaconMax:  cfg.TokenBeaconMaxInterval,
			TokenBeaconStep: cfg.TokenBeaconStep,
			Logger:          logger,
		},
	}

	if cfg.EnableTimeSource {
		c.TimeSource = &timesource.Publisher{
			ShortAddr: cfg.GatewayShortAddr,
			Interval:  15 * time.Second,
			Clock:     clock,
			Collab:    collab,
		}
	}

	if cfg.EnableSNTP {
		c.SNTP = &sntp.Client{
			ServerName: cfg.SNTPServer,
			Interval:   cfg.SNTPSyncInterval,
			Resolver:   sntp.DNSResolver{},
			Clock:      clock,
			Logger:     logger,
		}
	}

	eth.Handle(ethdev.EtherTypeARP, c.onEthARP)
	eth.Handle(ethdev.EtherTypeIPv4, c.onEthIPv4)

	return c, nil
}

// RegisterMetrics registers every gateway Prometheus metric with
// registry, the Go equivalent of the reference implementation's exported
// counters.
func (c *Core) RegisterMetrics(registry *prometheus.Registry) {
	metrics.Register(registry)
}

func (c *Core) onEthARP(srcMAC net.HardwareAddr, payload []byte) {
	c.Forwarding.OnEthFrame(context.Background(), ethdev.EtherTypeARP, srcMAC, payload)
}

// onEthIPv4 intercepts DHCP replies bound for the gateway's own DHCP
// client before handing the frame to the forwarding plane, since a DHCP
// reply is a local-stack concern the forwarding plane has no opinion
// about.
func (c *Core) onEthIPv4(srcMAC net.HardwareAddr, payload []byte) {
	if resp, ok := decodeDHCPReply(payload); ok {
		c.dhcp.deliver(resp)

		return
	}

	c.Forwarding.OnEthFrame(context.Background(), ethdev.EtherTypeIPv4, srcMAC, payload)
}

func decodeDHCPReply(payload []byte) (resp *dhcpv4.DHCPv4, ok bool) {
	pkt := gopacket.NewPacket(payload, layers.LayerTypeIPv4, gopacket.NoCopy)
	ipLayer, okIP := pkt.Layer(layers.LayerTypeIPv4).(*layers.IPv4)
	if !okIP || ipLayer.Protocol != layers.IPProtocolUDP {
		return nil, false
	}

	udpLayer, okUDP := pkt.Layer(layers.LayerTypeUDP).(*layers.UDP)
	if !okUDP || udpLayer.DstPort != dhcpv4.ClientPort {
		return nil, false
	}

	resp, err := dhcpv4.FromBytes(udpLayer.Payload)
	if err != nil {
		return nil, false
	}

	return resp, true
}

// Run starts every cooperative task and blocks until ctx is canceled.
func (c *Core) Run(ctx context.Context) (err error) {
	var wg sync.WaitGroup

	runTask := func(fn func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn()
		}()
	}

	errs := make(chan error, 1)

	runTask(func() {
		if rerr := c.Eth.Run(ctx); rerr != nil && ctx.Err() == nil {
			select {
			case errs <- rerr:
			default:
			}
		}
	})
	runTask(func() { c.ARP.RunAging(ctx) })
	runTask(func() { c.Eth.RunTXWatchdog(ctx) })

	if c.Config.EnableDHCP {
		runTask(func() { c.Bridges.RunLeasePool(ctx, c.Eth.MAC(), c.dhcp) })
		runTask(func() { c.acquireOwnLease(ctx) })
	}

	runTask(func() {
		if rerr := c.Gwsvc.Run(ctx); rerr != nil && ctx.Err() == nil {
			select {
			case errs <- rerr:
			default:
			}
		}
	})

	if c.TimeSource != nil {
		runTask(func() { c.TimeSource.Run(ctx) })
	}

	if c.SNTP != nil {
		runTask(func() { c.SNTP.Run(ctx, func() bool { return c.IPStore.Get().Configured() }) })
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case err = <-errs:
		return err
	case <-ctx.Done():
		<-done

		return nil
	}
}

// acquireOwnLease requests and, on expiry, renews the gateway's own
// wired-side DHCP lease, the same [dhcpManager] serialization every
// bridge renewal goes through.
func (c *Core) acquireOwnLease(ctx context.Context) {
	clientID := append([]byte{}, c.Eth.MAC()...)

	for {
		ip, lease, err := c.dhcp.RequestLease(ctx, clientID, c.Config.UserName, c.IPStore.Get().IP)
		if err != nil {
			if ctx.Err() != nil {
				return
			}

			c.Logger.Warn("gwcore: gateway dhcp lease request failed", "error", err)

			select {
			case <-ctx.Done():
				return
			case <-time.After(dhcpclientRetryDelay):
			}

			continue
		}

		cfg := c.dhcp.lastConfig()
		c.IPStore.Set(gwconfig.IPConfig{
			IP:              ip,
			SubnetMask:      cfg.SubnetMask,
			DNSServer:       cfg.DNS,
			InternetGateway: cfg.Router,
			Lease:           lease,
		})

		select {
		case <-ctx.Done():
			return
		case <-time.After(renewalWindow(lease)):
		}
	}
}

const dhcpclientRetryDelay = 5 * time.Second

// renewalWindow renews at 7/8ths of the lease length, matching the
// bridge table's own needsRenewal threshold.
func renewalWindow(lease time.Duration) (d time.Duration) {
	if lease <= 0 {
		return dhcpclientRetryDelay
	}

	return lease - lease/8
}

// ipStoreAddrSource adapts ipStore into an [arp.IPSource], so the ARP
// cache always sees the gateway's current address instead of a snapshot
// taken before DHCP has assigned one.
func ipStoreAddrSource(ipStore *gwconfig.IPStore) arp.IPSource {
	return func() (ip net.IP, subnet net.IPMask) {
		cfg := ipStore.Get()

		return cfg.IP, cfg.SubnetMask
	}
}

// ARPCacheSnapshot returns a read-only dump of the ARP cache, the Go
// equivalent of the reference implementation's arp_cache virtual file.
func (c *Core) ARPCacheSnapshot() []arp.Entry { return c.ARP.Dump() }

// BridgeTableSnapshot returns a read-only dump of the bridge table, the
// Go equivalent of the reference implementation's bridge virtual file.
func (c *Core) BridgeTableSnapshot() []bridging.Entry { return c.Bridges.Dump() }

// dhcpManager serializes DHCP sessions so that, per the invariant that at
// most one session exists at any time, a bridge-lease renewal and the
// gateway's own lease acquisition never run concurrently.
type dhcpManager struct {
	eth    *ethdev.Device
	logger *slog.Logger

	sem chan struct{}

	mu      sync.Mutex
	current *dhcpclient.Session
	last    dhcpclient.Config
}

func newDHCPManager(eth *ethdev.Device, logger *slog.Logger) (m *dhcpManager) {
	return &dhcpManager{eth: eth, logger: logger, sem: make(chan struct{}, 1)}
}

// RequestLease implements [bridging.Leaser].
func (m *dhcpManager) RequestLease(ctx context.Context, clientID []byte, hostname string, preferredIP net.IP) (ip net.IP, lease time.Duration, err error) {
	select {
	case m.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, 0, ctx.Err()
	}
	defer func() { <-m.sem }()

	sess, err := dhcpclient.NewSession(clientID, hostname, m.eth.MAC(), m.eth, m.logger)
	if err != nil {
		return nil, 0, err
	}

	m.mu.Lock()
	m.current = sess
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.current = nil
		m.mu.Unlock()
	}()

	runCtx, cancel := context.WithTimeout(ctx, dhcpSessionTimeout)
	defer cancel()

	if err = sess.Run(runCtx, preferredIP); err != nil {
		return nil, 0, err
	}

	cfg := sess.Config()

	m.mu.Lock()
	m.last = cfg
	m.mu.Unlock()

	return cfg.IP, cfg.Lease, nil
}

func (m *dhcpManager) lastConfig() (cfg dhcpclient.Config) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.last
}

func (m *dhcpManager) deliver(resp *dhcpv4.DHCPv4) {
	m.mu.Lock()
	sess := m.current
	m.mu.Unlock()

	if sess != nil {
		sess.Deliver(resp)
	}
}
