// Package netmsg implements the reference-counted packet buffer handle used
// throughout the gateway's forwarding and protocol code.
//
// A [Msg] has exactly one owner at any time.  Passing it to a send queue (a
// channel) transfers ownership; the sender must not touch it afterwards.
// Fanning a packet out to two destinations (Ethernet and wireless) requires
// an explicit [Msg.Copy] so each destination owns an independent buffer.
// Every code path that obtains a *Msg must eventually call [Msg.Release].
package netmsg

import (
	"log/slog"
	"sync/atomic"
)

// Msg is an owned, reference-counted packet buffer.
type Msg struct {
	data     []byte
	released atomic.Bool
	logger   *slog.Logger
}

// New wraps buf in a freshly owned [Msg].  buf becomes owned by the returned
// handle; callers must not retain their own slice of it after this call.
func New(buf []byte, logger *slog.Logger) (m *Msg) {
	return &Msg{data: buf, logger: logger}
}

// Data returns the underlying buffer.  The returned slice is only valid
// until the handle is released.
func (m *Msg) Data() []byte {
	if m == nil {
		return nil
	}

	return m.data
}

// Len returns the length of the underlying buffer.
func (m *Msg) Len() int {
	if m == nil {
		return 0
	}

	return len(m.data)
}

// Copy duplicates m into a brand-new, independently owned [Msg].  Used for
// the deliberate two-interface fan-out, where a packet is sent out both
// Ethernet and the wireless mesh: the original netmsg and the copy are
// released independently.
func (m *Msg) Copy() (clone *Msg) {
	buf := make([]byte, len(m.data))
	copy(buf, m.data)

	return &Msg{data: buf, logger: m.logger}
}

// Release returns the buffer's ownership to nobody: after Release, the
// handle must not be read, written, or released again.  Release is
// idempotent-safe to call exactly once; a second call is logged as a bug
// rather than panicking, since a forwarding-plane error should never crash
// the gateway.
func (m *Msg) Release() {
	if m == nil {
		return
	}

	if !m.released.CompareAndSwap(false, true) {
		if m.logger != nil {
			m.logger.Warn("netmsg: double release", "len", len(m.data))
		}

		return
	}

	m.data = nil
}
