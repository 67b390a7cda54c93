// Package sntp implements an RFC 4330 unicast SNTP client and the
// gateway's disciplined network clock, grounded on the reference
// gateway/sntp.c client and its "network time driven off the system
// timer between syncs" clock model.
package sntp

import (
	"encoding/binary"
	"sync"
	"time"
)

// ntpEpochOffset is the number of seconds between the NTP epoch
// (1900-01-01) and the Unix epoch.
const ntpEpochOffset = 2208988800

// sentinelSeconds is the "never synced" sentinel timestamp, 0xD0000000.
const sentinelSeconds = 0xD0000000

// Status is the clock's synchronization state.
type Status uint8

const (
	StatusDisabled Status = iota
	StatusNoSync
	StatusSynchronized
)

// Timestamp is an NTP 64-bit fixed-point timestamp: whole seconds since
// the NTP epoch plus a binary fraction of a second.
type Timestamp struct {
	Seconds  uint32
	Fraction uint32
}

// FromTime converts a wall-clock time to its NTP representation.
func FromTime(t time.Time) (ts Timestamp) {
	unixSec := t.Unix()
	ts.Seconds = uint32(unixSec + ntpEpochOffset)
	ts.Fraction = uint32((uint64(t.Nanosecond()) << 32) / 1e9)

	return ts
}

// Add returns ts advanced by d, which may be negative.
func (ts Timestamp) Add(d time.Duration) (out Timestamp) {
	total := int64(ts.Seconds)*1e9 + int64(ts.Fraction)*1e9/(1<<32) + d.Nanoseconds()
	secs := total / 1e9
	nanos := total % 1e9
	if nanos < 0 {
		nanos += 1e9
		secs--
	}

	return Timestamp{
		Seconds:  uint32(secs),
		Fraction: uint32((uint64(nanos) << 32) / 1e9),
	}
}

// Sub returns the duration a - b.
func (a Timestamp) Sub(b Timestamp) (d time.Duration) {
	an := int64(a.Seconds)*1e9 + int64(a.Fraction)*1e9/(1<<32)
	bn := int64(b.Seconds)*1e9 + int64(b.Fraction)*1e9/(1<<32)

	return time.Duration(an - bn)
}

// Bytes renders ts as its big-endian wire representation.
func (ts Timestamp) Bytes() (buf [8]byte) {
	binary.BigEndian.PutUint32(buf[0:4], ts.Seconds)
	binary.BigEndian.PutUint32(buf[4:8], ts.Fraction)

	return buf
}

// TimestampFromBytes parses an 8-byte big-endian NTP timestamp.
func TimestampFromBytes(buf []byte) (ts Timestamp) {
	return Timestamp{
		Seconds:  binary.BigEndian.Uint32(buf[0:4]),
		Fraction: binary.BigEndian.Uint32(buf[4:8]),
	}
}

// sentinel is the clock's pre-sync timestamp, 0xD0000000.00000000.
var sentinel = Timestamp{Seconds: sentinelSeconds}

// Clock is the gateway's disciplined network clock: an NTP timestamp
// sampled once per sync, driven forward between syncs by the monotonic
// system clock.
type Clock struct {
	mu           sync.Mutex
	baseNTP      Timestamp
	baseSystem   time.Time
	status       Status
	lastOffsetMS int16
	lastDelayMS  uint16
	now          func() time.Time
}

// NewClock constructs a [Clock] in [StatusNoSync]. nowFn overrides the
// system clock for tests; pass nil to use time.Now.
func NewClock(nowFn func() time.Time) (c *Clock) {
	if nowFn == nil {
		nowFn = time.Now
	}

	return &Clock{
		baseNTP:    sentinel,
		baseSystem: nowFn(),
		status:     StatusNoSync,
		now:        nowFn,
	}
}

// Now returns the clock's current estimate of NTP time.
func (c *Clock) Now() (ts Timestamp) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elapsed := c.now().Sub(c.baseSystem)

	return c.baseNTP.Add(elapsed)
}

// Status reports the clock's synchronization state.
func (c *Clock) Status() (s Status) {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.status
}

// clampOffsetDelay clamps reported offset/delay to int16/uint16 ms
// ranges, dropping magnitudes whose NTP-seconds part exceeds ±32s (offset)
// or 64s (delay), per spec.
func clampOffsetDelay(offset, delay time.Duration) (offsetMS int16, delayMS uint16) {
	const maxOffsetS = 32
	const maxDelayS = 64

	if offset > maxOffsetS*time.Second || offset < -maxOffsetS*time.Second {
		offsetMS = 0
	} else {
		offsetMS = int16(offset.Milliseconds())
	}

	if delay > maxDelayS*time.Second || delay < 0 {
		delayMS = 0
	} else {
		delayMS = uint16(delay.Milliseconds())
	}

	return offsetMS, delayMS
}

// applySync records a successful sync result: t1 is the originate
// timestamp, delay/offset are the RFC 4330 formulas' results, and
// receivedAt is the system-clock instant the reply arrived.
func (c *Clock) applySync(t1 Timestamp, delay, offset time.Duration, receivedAt time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.baseNTP = t1.Add(delay + offset)
	c.baseSystem = receivedAt
	c.status = StatusSynchronized
	c.lastOffsetMS, c.lastDelayMS = clampOffsetDelay(offset, delay)
}

// LastSync returns the most recently recorded offset/delay, in
// milliseconds.
func (c *Clock) LastSync() (offsetMS int16, delayMS uint16) {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.lastOffsetMS, c.lastDelayMS
}
