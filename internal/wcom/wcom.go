// Package wcom declares the gateway's interface onto the wireless
// mesh-routing collaborator: sending IPv4 packets onto the mesh, and
// publishing/consuming network time sync. The actual 802.15.4-style mesh
// radio protocol is out of scope; this package only carries the
// boundary the gateway's forwarding and time-source code calls through.
package wcom

import (
	"context"

	"github.com/sapphiregw/meshgw/internal/netmsg"
)

// TimeSource identifies the origin of a network time sync announcement.
type TimeSource uint8

// SourceGateway is the only source this gateway ever publishes, mirroring
// WCOM_TIME_SOURCE_GATEWAY.
const SourceGateway TimeSource = 0

// Sync is one network-time synchronization announcement, mirroring the
// argument list of wcom_time_v_sync.
type Sync struct {
	ShortAddr  uint16
	Flags      uint8
	Source     TimeSource
	Sequence   uint8
	LocalUsLo  uint32
	LocalUsHi  uint32
	NetworkNTP uint64
}

// Collaborator is the wireless mesh-routing subsystem as seen by this
// gateway: it accepts IPv4 packets for onward mesh delivery, and accepts
// time-sync announcements to discipline mesh-node clocks against the
// gateway's NTP lock.
type Collaborator interface {
	// SendIPv4 enqueues msg for delivery on the mesh. It returns false if
	// the wireless queue is full, signaling the caller to requeue.
	SendIPv4(ctx context.Context, msg *netmsg.Msg) (ok bool)

	// TimeSync publishes a network time synchronization announcement.
	TimeSync(ctx context.Context, sync Sync)

	// NetworkTime reports the mesh's own synchronized network time and
	// whether it is currently valid, used by GET_NETWORK_TIME.
	NetworkTime(ctx context.Context) (wcomTime uint32, synced bool)
}

// Loopback is a [Collaborator] test double that records every call
// instead of touching real radio hardware.
type Loopback struct {
	Sent       []*netmsg.Msg
	Syncs      []Sync
	QueueFull  bool
	WcomTime   uint32
	WcomSynced bool
}

// SendIPv4 implements [Collaborator].
func (l *Loopback) SendIPv4(_ context.Context, msg *netmsg.Msg) (ok bool) {
	if l.QueueFull {
		return false
	}

	l.Sent = append(l.Sent, msg)

	return true
}

// TimeSync implements [Collaborator].
func (l *Loopback) TimeSync(_ context.Context, sync Sync) {
	l.Syncs = append(l.Syncs, sync)
}

// NetworkTime implements [Collaborator].
func (l *Loopback) NetworkTime(_ context.Context) (wcomTime uint32, synced bool) {
	return l.WcomTime, l.WcomSynced
}
