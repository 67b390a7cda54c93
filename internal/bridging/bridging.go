// Package bridging implements the gateway's wireless bridge table: the set
// of wireless nodes known to the gateway, their assigned IP addresses and
// DHCP lease state, grounded on the reference gateway/bridging.c bridge
// table and its ip_pool_thread lease renewal loop.
package bridging

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/sapphiregw/meshgw/internal/devicedb"
)

// TableSize bounds the number of wireless nodes tracked, mirroring
// BRIDGE_TABLE_SIZE.
const TableSize = 32

// Flags recorded per entry, mirroring BRIDGE_FLAGS_*.
type Flags uint8

const (
	FlagManualIP Flags = 1 << iota
	FlagRequestIP
	FlagIPValid
)

// Entry is one wireless node's bridging state.
type Entry struct {
	ShortAddr uint16
	IP        net.IP
	Lease     time.Duration
	TimeLeft  time.Duration
	Flags     Flags
}

// needsRenewal reports whether the entry's lease has counted down past
// 1/8th of its total length and is eligible for renewal, matching
// ip_pool_thread's "time_left <= lease/8" test.
func (e *Entry) needsRenewal() bool {
	return e.Flags&FlagManualIP == 0 &&
		e.Flags&FlagRequestIP != 0 &&
		e.TimeLeft <= e.Lease/8
}

// Leaser requests a fresh DHCP lease for a bridge entry identified by
// clientID (the gateway's MAC address plus a per-slot index byte,
// matching DHCP_HLEN_ETHERNET+1 in bridging.c), optionally requesting the
// previously held IP (preferredIP may be nil).
type Leaser interface {
	RequestLease(ctx context.Context, clientID []byte, hostname string, preferredIP net.IP) (ip net.IP, lease time.Duration, err error)
}

// Table is the gateway's in-memory wireless bridge table, backed by an
// optional [devicedb.DB] for persistence across restarts.
type Table struct {
	mu      sync.Mutex
	entries [TableSize]Entry
	store   *devicedb.DB
	logger  *slog.Logger
}

// New constructs an empty [Table]. store may be nil to disable
// persistence.
func New(store *devicedb.DB, logger *slog.Logger) (t *Table) {
	return &Table{store: store, logger: logger}
}

// LoadFromStore populates the table from persisted records, skipping any
// that find no free slot once the table is full.
func (t *Table) LoadFromStore() (err error) {
	if t.store == nil {
		return nil
	}

	recs, err := t.store.LoadAll()
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	for _, r := range recs {
		slot := t.findByShortAddr(r.ShortAddr)
		if slot == -1 {
			slot = t.findFree()
		}
		if slot == -1 {
			continue
		}

		t.entries[slot] = Entry{
			ShortAddr: r.ShortAddr,
			IP:        r.IP,
			Lease:     r.Lease,
			TimeLeft:  r.Lease,
		}
		if r.ManualIP {
			t.entries[slot].Flags |= FlagManualIP
		}
		if r.RequestIP {
			t.entries[slot].Flags |= FlagRequestIP
		}
		if r.IPValid {
			t.entries[slot].Flags |= FlagIPValid
		}
	}

	return nil
}

func (t *Table) findByShortAddr(shortAddr uint16) int {
	for i := range t.entries {
		if t.entries[i].ShortAddr == shortAddr {
			return i
		}
	}

	return -1
}

func (t *Table) findFree() int {
	for i := range t.entries {
		if t.entries[i].ShortAddr == 0 {
			return i
		}
	}

	return -1
}

// ByIP returns the entry whose IP equals ip, per bridge_b_get_bridge.
func (t *Table) ByIP(ip net.IP) (e Entry, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i := range t.entries {
		if t.entries[i].Flags&FlagIPValid != 0 && t.entries[i].IP.Equal(ip) {
			return t.entries[i], true
		}
	}

	return Entry{}, false
}

// ByShortAddr returns the entry for shortAddr, per bridge_b_get_bridge2.
func (t *Table) ByShortAddr(shortAddr uint16) (e Entry, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	i := t.findByShortAddr(shortAddr)
	if i == -1 {
		return Entry{}, false
	}

	return t.entries[i], true
}

// Add inserts a new entry into the first free slot, per
// bridge_v_add_to_bridge. It returns false if the table is full.
func (t *Table) Add(shortAddr uint16, requestIP bool) (ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.findByShortAddr(shortAddr) != -1 {
		return true
	}

	slot := t.findFree()
	if slot == -1 {
		return false
	}

	flags := Flags(0)
	if requestIP {
		flags |= FlagRequestIP
	}
	t.entries[slot] = Entry{ShortAddr: shortAddr, Flags: flags}

	return true
}

// SetManual marks the entry for shortAddr as manually configured with
// ip, clearing any pending request and zeroing its lease, per
// REQUEST_IP_CONFIG's GATEWAY_MSG_REQUEST_IP_FLAGS_MANUAL_IP branch.
func (t *Table) SetManual(shortAddr uint16, ip net.IP) {
	t.mu.Lock()
	i := t.findByShortAddr(shortAddr)
	if i == -1 {
		t.mu.Unlock()

		return
	}

	t.entries[i].IP = ip
	t.entries[i].Flags = FlagManualIP | FlagIPValid
	t.entries[i].Lease = 0
	t.entries[i].TimeLeft = 0
	snapshot := t.entries[i]
	t.mu.Unlock()

	t.persistUnlocked(snapshot)
}

// RequestIP marks the entry for shortAddr as awaiting a DHCP-assigned IP,
// clearing any manual configuration, per REQUEST_IP_CONFIG's
// no-IP-yet branch.
func (t *Table) RequestIP(shortAddr uint16) {
	t.mu.Lock()
	defer t.mu.Unlock()

	i := t.findByShortAddr(shortAddr)
	if i == -1 {
		return
	}

	t.entries[i].Flags &^= FlagManualIP
	t.entries[i].Flags |= FlagRequestIP
	t.entries[i].Lease = 0
	t.entries[i].TimeLeft = 0
}

// ApplyLeaseByShortAddr is [Table.ApplyLease] addressed by short address
// rather than slot index, for callers (like gwsvc) that don't track
// slots.
func (t *Table) ApplyLeaseByShortAddr(shortAddr uint16, ip net.IP, lease time.Duration) {
	t.mu.Lock()
	i := t.findByShortAddr(shortAddr)
	t.mu.Unlock()

	if i == -1 {
		return
	}

	t.ApplyLease(i, ip, lease)
}

// persistUnlocked writes e to the backing store, if any. Must be called
// without holding t.mu, since it performs I/O.
func (t *Table) persistUnlocked(e Entry) {
	if t.store == nil {
		return
	}

	rec := devicedb.Record{
		ShortAddr: e.ShortAddr,
		IP:        e.IP,
		Lease:     e.Lease,
		ManualIP:  e.Flags&FlagManualIP != 0,
		RequestIP: e.Flags&FlagRequestIP != 0,
		IPValid:   e.Flags&FlagIPValid != 0,
	}
	if err := t.store.Put(rec); err != nil && t.logger != nil {
		t.logger.Error("bridging: persisting entry", "error", err)
	}
}

// Dump returns a snapshot of every occupied table slot, the Go equivalent
// of the reference implementation's virtual-file read of the bridge
// table.
func (t *Table) Dump() (entries []Entry) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, e := range t.entries {
		if e.ShortAddr != 0 {
			entries = append(entries, e)
		}
	}

	return entries
}

// Has reports whether ip belongs to any entry with a valid lease, the
// predicate used by proxy ARP admission.
func (t *Table) Has(ip net.IP) (known bool) {
	_, ok := t.ByIP(ip)

	return ok
}

// Tick advances every entry's remaining lease time by d, matching the
// ip_pool_thread's one-second decrement loop. Entries due for renewal are
// returned for the caller to drive through a [Leaser].
func (t *Table) Tick(d time.Duration) (dueForRenewal []int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i := range t.entries {
		e := &t.entries[i]
		if e.ShortAddr == 0 {
			continue
		}

		if e.needsRenewal() {
			dueForRenewal = append(dueForRenewal, i)

			continue
		}

		if e.TimeLeft > 0 {
			e.TimeLeft -= d
			if e.TimeLeft < 0 {
				e.TimeLeft = 0
			}
		}
	}

	return dueForRenewal
}

// ApplyLease records a freshly obtained lease for the entry at slot and
// persists it if a store is configured.
func (t *Table) ApplyLease(slot int, ip net.IP, lease time.Duration) {
	t.mu.Lock()
	e := &t.entries[slot]
	e.IP = ip
	e.Lease = lease
	e.TimeLeft = lease
	e.Flags |= FlagIPValid
	snapshot := *e
	t.mu.Unlock()

	t.persistUnlocked(snapshot)
}

// RunLeasePool drives the lease renewal loop once per second, the Go
// equivalent of ip_pool_thread's 1-second tick, requesting a fresh lease
// through leaser for every entry [Table.Tick] reports as due.
func (t *Table) RunLeasePool(ctx context.Context, ourMAC []byte, leaser Leaser) {
	tick := time.NewTicker(time.Second)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			for _, slot := range t.Tick(time.Second) {
				t.renew(ctx, slot, ourMAC, leaser)
			}
		}
	}
}

func (t *Table) renew(ctx context.Context, slot int, ourMAC []byte, leaser Leaser) {
	t.mu.Lock()
	e := t.entries[slot]
	t.mu.Unlock()

	clientID := append(append([]byte{}, ourMAC...), byte(slot))
	hostname := fmt.Sprintf("sapphire_ip_pool_seq_%d", slot)
	ip, lease, err := leaser.RequestLease(ctx, clientID, hostname, e.IP)
	if err != nil {
		if t.logger != nil {
			t.logger.Warn("bridging: lease renewal failed", "short_addr", e.ShortAddr, "error", err)
		}

		return
	}

	t.ApplyLease(slot, ip, lease)
}
