// Package timesource publishes the gateway's NTP-locked clock onto the
// wireless mesh at a fixed interval, grounded on the reference
// time_source_thread.
package timesource

import (
	"context"
	"time"

	"github.com/sapphiregw/meshgw/internal/sntp"
	"github.com/sapphiregw/meshgw/internal/wcom"
)

// Publisher periodically announces a [wcom.Sync] derived from the
// gateway's NTP clock.
type Publisher struct {
	ShortAddr uint16
	Interval  time.Duration
	Clock     *sntp.Clock
	Collab    wcom.Collaborator
	NowUs     func() uint32 // overridable for tests; defaults to a monotonic microsecond counter

	sequence uint8
}

// Run publishes once per [Publisher.Interval] until ctx is canceled. The
// 8-bit sequence counter wraps naturally on overflow, matching the
// reference implementation's uint8_t sequence.
func (p *Publisher) Run(ctx context.Context) {
	nowUs := p.NowUs
	if nowUs == nil {
		start := time.Now()
		nowUs = func() uint32 { return uint32(time.Since(start).Microseconds()) }
	}

	t := time.NewTicker(p.Interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			p.sequence++

			now := nowUs()
			ntpNow := p.Clock.Now()

			p.Collab.TimeSync(ctx, wcom.Sync{
				ShortAddr:  p.ShortAddr,
				Source:     wcom.SourceGateway,
				Sequence:   p.sequence,
				LocalUsLo:  now,
				LocalUsHi:  now,
				NetworkNTP: uint64(ntpNow.Seconds)<<32 | uint64(ntpNow.Fraction),
			})
		}
	}
}
