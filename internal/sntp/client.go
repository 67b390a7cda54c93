package sntp

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/miekg/dns"
)

// Protocol constants from RFC 4330.
const (
	ServerPort = 123
	packetSize = 48

	leapNoWarning = 0
	versionNumber = 4
	modeClient    = 3
)

// Tries, Timeout and MinimumPollInterval mirror SNTP_TRIES, SNTP_TIMEOUT
// and SNTP_MINIMUM_POLL_INTERVAL.
const (
	Tries               = 4
	Timeout             = 10 * time.Second
	MinimumPollInterval = 15 * time.Second
)

// Resolver resolves a hostname to an IPv4 address, returning
// net.IPv4zero if resolution yields nothing usable. Production code uses
// [DNSResolver]; tests can substitute a fixed-address stub.
type Resolver interface {
	Resolve(ctx context.Context, name string) (ip net.IP, err error)
}

// DNSResolver resolves A records via github.com/miekg/dns against the
// system-configured resolver.
type DNSResolver struct {
	ResolverAddr string // e.g. "127.0.0.1:53"; empty uses /etc/resolv.conf
}

// Resolve implements [Resolver].
func (r DNSResolver) Resolve(ctx context.Context, name string) (ip net.IP, err error) {
	addr := r.ResolverAddr
	if addr == "" {
		cfg, cerr := dns.ClientConfigFromFile("/etc/resolv.conf")
		if cerr != nil || len(cfg.Servers) == 0 {
			return net.IPv4zero, fmt.Errorf("sntp: no resolver configured: %w", cerr)
		}
		addr = net.JoinHostPort(cfg.Servers[0], cfg.Port)
	}

	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(name), dns.TypeA)

	c := new(dns.Client)
	resp, _, err := c.ExchangeContext(ctx, m, addr)
	if err != nil {
		return net.IPv4zero, fmt.Errorf("sntp: resolving %q: %w", name, err)
	}

	for _, rr := range resp.Answer {
		if a, ok := rr.(*dns.A); ok {
			return a.A, nil
		}
	}

	return net.IPv4zero, nil
}

// BuildRequest renders an outgoing SNTP request packet with the given
// transmit timestamp; only li/vn/mode and transmit_timestamp are set.
func BuildRequest(transmit Timestamp) (buf []byte) {
	buf = make([]byte, packetSize)
	buf[0] = leapNoWarning<<6 | versionNumber<<3 | modeClient
	tb := transmit.Bytes()
	copy(buf[40:48], tb[:])

	return buf
}

// ParseReply extracts the receive (T2) and transmit (T3) timestamps from
// a 48-byte SNTP reply.
func ParseReply(buf []byte) (t2, t3 Timestamp, err error) {
	if len(buf) < packetSize {
		return Timestamp{}, Timestamp{}, fmt.Errorf("sntp: reply too short: %d bytes", len(buf))
	}

	return TimestampFromBytes(buf[32:40]), TimestampFromBytes(buf[40:48]), nil
}

// Client runs periodic SNTP sync cycles against a configured server name,
// disciplining a [Clock].
type Client struct {
	ServerName string
	Interval   time.Duration
	Resolver   Resolver
	Clock      *Clock
	Logger     *slog.Logger
}

// Run executes sync cycles until ctx is canceled. ipConfigured is polled
// before each cycle; the client waits until it returns true, matching
// "wait for local IP configuration".
func (c *Client) Run(ctx context.Context, ipConfigured func() bool) {
	interval := c.Interval
	if interval < MinimumPollInterval {
		interval = MinimumPollInterval
	}

	for {
		for !ipConfigured() {
			select {
			case <-ctx.Done():
				return
			case <-time.After(200 * time.Millisecond):
			}
		}

		if err := c.syncOnce(ctx); err != nil && c.Logger != nil {
			c.Logger.Warn("sntp: sync cycle failed", "error", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}
	}
}

func (c *Client) syncOnce(ctx context.Context) (err error) {
	ip, err := c.Resolver.Resolve(ctx, c.ServerName)
	if err != nil {
		return err
	}

	if ip.Equal(net.IPv4zero) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
		}

		return fmt.Errorf("sntp: server %q resolved to 0.0.0.0", c.ServerName)
	}

	conn, err := net.Dial("udp", net.JoinHostPort(ip.String(), fmt.Sprint(ServerPort)))
	if err != nil {
		return fmt.Errorf("sntp: dialing %s: %w", ip, err)
	}
	defer conn.Close()

	var lastErr error
	for attempt := 0; attempt < Tries; attempt++ {
		if lastErr = c.attempt(conn); lastErr == nil {
			return nil
		}
	}

	return fmt.Errorf("sntp: %d attempts failed: %w", Tries, lastErr)
}

func (c *Client) attempt(conn net.Conn) (err error) {
	t1 := c.Clock.Now()
	req := BuildRequest(t1)

	if _, err = conn.Write(req); err != nil {
		return fmt.Errorf("sntp: sending request: %w", err)
	}

	if err = conn.SetReadDeadline(time.Now().Add(Timeout)); err != nil {
		return fmt.Errorf("sntp: setting deadline: %w", err)
	}

	buf := make([]byte, packetSize)
	n, err := conn.Read(buf)
	if err != nil {
		return fmt.Errorf("sntp: awaiting reply: %w", err)
	}

	t2, t3, err := ParseReply(buf[:n])
	if err != nil {
		return err
	}

	t4 := c.Clock.Now()

	delay := t4.Sub(t1) - t3.Sub(t2)
	offset := (t2.Sub(t1) + t3.Sub(t4)) / 2

	c.Clock.applySync(t1, delay, offset, time.Now())

	return nil
}
