package gwsvc

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/sapphiregw/meshgw/internal/bridging"
	"github.com/sapphiregw/meshgw/internal/devicedb"
	"github.com/sapphiregw/meshgw/internal/gwconfig"
	"github.com/sapphiregw/meshgw/internal/sntp"
	"github.com/sapphiregw/meshgw/internal/wcom"
)

// TokenBeaconInitial is the token beacon's starting interval; it grows by
// TokenBeaconStep each tick up to TokenBeaconMax, uncapped-but-saturating
// rather than resetting.
const TokenBeaconInitial = time.Second

// Attach is called once a REQUEST_IP_CONFIG has assigned or confirmed a
// device's bridge entry, the Go equivalent of notif_v_device_attach.
type Attach func(shortAddr uint16, deviceID uint64, ip net.IP)

// Server runs the gateway services UDP protocol: the datagram and
// reliable listeners, and the token beacon.
type Server struct {
	ShortAddr uint16
	DeviceID  uint64

	Bridges  *bridging.Table
	Devices  *devicedb.DB
	IPStore  *gwconfig.IPStore
	Clock    *sntp.Clock
	Collab   wcom.Collaborator
	OnAttach Attach

	TokenBeaconMax  time.Duration
	TokenBeaconStep time.Duration

	Logger *slog.Logger

	token uint32
}

// newToken generates a nonzero random 32-bit token, per "Token. 32-bit
// random, nonzero, generated once."
func newToken() (token uint32, err error) {
	for token == 0 {
		var buf [4]byte
		if _, err = rand.Read(buf[:]); err != nil {
			return 0, fmt.Errorf("gwsvc: generating token: %w", err)
		}
		token = binary.BigEndian.Uint32(buf[:])
	}

	return token, nil
}

// Run binds both UDP listeners and the token beacon, and serves until
// ctx is canceled.
func (s *Server) Run(ctx context.Context) (err error) {
	if s.token == 0 {
		if s.token, err = newToken(); err != nil {
			return err
		}
	}

	dgram, err := net.ListenUDP("udp4", &net.UDPAddr{Port: DatagramPort})
	if err != nil {
		return fmt.Errorf("gwsvc: binding datagram port: %w", err)
	}
	defer dgram.Close()

	reliable, err := net.ListenUDP("udp4", &net.UDPAddr{Port: ReliablePort})
	if err != nil {
		return fmt.Errorf("gwsvc: binding reliable port: %w", err)
	}
	defer reliable.Close()

	go func() {
		<-ctx.Done()
		dgram.Close()
		reliable.Close()
	}()

	errs := make(chan error, 3)
	go func() { errs <- s.serve(ctx, dgram) }()
	go func() { errs <- s.serve(ctx, reliable) }()
	go func() { s.runTokenBeacon(ctx, dgram); errs <- nil }()

	for i := 0; i < 3; i++ {
		if e := <-errs; e != nil && ctx.Err() == nil {
			return e
		}
	}

	return nil
}

func (s *Server) serve(ctx context.Context, conn *net.UDPConn) (err error) {
	buf := make([]byte, 512)
	for {
		n, raddr, rerr := conn.ReadFromUDP(buf)
		if rerr != nil {
			if ctx.Err() != nil {
				return nil
			}

			return fmt.Errorf("gwsvc: reading: %w", rerr)
		}

		s.handle(ctx, conn, raddr, buf[:n])
	}
}

// handle dispatches a received datagram by its first-byte type tag,
// mirroring message_handler.
func (s *Server) handle(ctx context.Context, conn *net.UDPConn, raddr *net.UDPAddr, buf []byte) {
	if len(buf) < 1 {
		return
	}

	switch buf[0] {
	case MsgPollGateway:
		s.handlePoll(conn, raddr)
	case MsgRequestIPConfig:
		s.handleRequestIPConfig(conn, raddr, buf[1:])
	case MsgRequestTime:
		s.handleRequestTime(conn, raddr)
	case MsgResetIPConfig:
		s.handleResetIPConfig(conn, raddr, buf[1:])
	case MsgGetNetworkTime:
		s.handleGetNetworkTime(ctx, conn, raddr)
	default:
		if s.Logger != nil {
			s.Logger.Debug("gwsvc: unknown message type", "type", buf[0])
		}
	}
}

func (s *Server) handlePoll(conn *net.UDPConn, raddr *net.UDPAddr) {
	resp := GatewayToken{Token: s.token, ShortAddr: s.ShortAddr, DeviceID: s.DeviceID}
	_, _ = conn.WriteToUDP(resp.Encode(), raddr)
}

func (s *Server) handleRequestIPConfig(conn *net.UDPConn, raddr *net.UDPAddr, body []byte) {
	msg, err := DecodeRequestIPConfig(body)
	if err != nil {
		return
	}

	if !s.Bridges.Add(msg.ShortAddr, false) {
		if s.Logger != nil {
			s.Logger.Warn("gwsvc: bridge table full")
		}

		return
	}

	e, _ := s.Bridges.ByShortAddr(msg.ShortAddr)
	replyTo := *raddr
	shouldReply := true

	switch {
	case msg.Flags&FlagManualIP != 0:
		s.Bridges.SetManual(msg.ShortAddr, msg.IP)
		replyTo.IP = msg.IP
	case e.Flags&bridging.FlagIPValid == 0:
		s.Bridges.RequestIP(msg.ShortAddr)
		shouldReply = false
	default:
		replyTo.IP = net.IPv4bcast
	}

	e, _ = s.Bridges.ByShortAddr(msg.ShortAddr)

	if err = s.Devices.Put(devicedb.Record{ShortAddr: e.ShortAddr, IP: e.IP, Lease: e.Lease, IPValid: e.Flags&bridging.FlagIPValid != 0}); err != nil && s.Logger != nil {
		s.Logger.Error("gwsvc: persisting device", "error", err)
	}

	if s.OnAttach != nil {
		s.OnAttach(e.ShortAddr, msg.DeviceID, e.IP)
	}

	if !shouldReply {
		return
	}

	ipStore := s.IPStore.Get()
	resp := IPConfig{
		ShortAddr:       e.ShortAddr,
		IP:              e.IP,
		Subnet:          net.IP(ipStore.SubnetMask),
		DNSServer:       ipStore.DNSServer,
		InternetGateway: ipStore.InternetGateway,
		Token:           s.token,
	}
	_, _ = conn.WriteToUDP(resp.Encode(), &replyTo)
}

func (s *Server) handleRequestTime(conn *net.UDPConn, raddr *net.UDPAddr) {
	resp := CurrentTime{Time: s.Clock.Now().Seconds}
	_, _ = conn.WriteToUDP(resp.Encode(), raddr)
}

// handleResetIPConfig clears the in-memory IP store and confirms, when the
// request names our short address. It does not rewrite the configuration
// file and does not restart the gateway.
func (s *Server) handleResetIPConfig(conn *net.UDPConn, raddr *net.UDPAddr, body []byte) {
	msg, err := DecodeResetIPConfig(body)
	if err != nil || msg.ShortAddr != s.ShortAddr {
		return
	}

	s.IPStore.Reset()
	_, _ = conn.WriteToUDP(EncodeResetIPConfirm(), raddr)

	if s.Logger != nil {
		s.Logger.Info("gwsvc: ip config reset")
	}
}

func (s *Server) handleGetNetworkTime(ctx context.Context, conn *net.UDPConn, raddr *net.UDPAddr) {
	ntpNow := s.Clock.Now()
	wcomNow, wcomSynced := s.Collab.NetworkTime(ctx)

	var flags uint8
	if wcomSynced {
		flags |= FlagWcomSync
	}
	if s.Clock.Status() == sntp.StatusSynchronized {
		flags |= FlagNTPSync
	}
	if flags&FlagWcomSync != 0 && flags&FlagNTPSync != 0 {
		flags |= FlagValid
	}

	resp := NetworkTime{
		Flags:           flags,
		NTPTime:         uint64(ntpNow.Seconds)<<32 | uint64(ntpNow.Fraction),
		WcomNetworkTime: wcomNow,
	}
	_, _ = conn.WriteToUDP(resp.Encode(), raddr)
}

// runTokenBeacon broadcasts a GATEWAY_TOKEN message on conn at an
// initially 1 s interval, growing by TokenBeaconStep per tick up to
// TokenBeaconMax.
func (s *Server) runTokenBeacon(ctx context.Context, conn *net.UDPConn) {
	maxInterval := s.TokenBeaconMax
	if maxInterval == 0 {
		maxInterval = 60 * time.Second
	}
	step := s.TokenBeaconStep
	if step == 0 {
		step = time.Second
	}

	interval := TokenBeaconInitial
	bcast := &net.UDPAddr{IP: net.IPv4bcast, Port: DatagramPort}

	for {
		t := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			t.Stop()

			return
		case <-t.C:
		}

		resp := GatewayToken{Token: s.token, ShortAddr: s.ShortAddr, DeviceID: s.DeviceID}
		_, _ = conn.WriteToUDP(resp.Encode(), bcast)

		interval += step
		if interval > maxInterval {
			interval = maxInterval
		}
	}
}
