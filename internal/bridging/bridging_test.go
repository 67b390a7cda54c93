package bridging_test

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/sapphiregw/meshgw/internal/bridging"
	"github.com/stretchr/testify/require"
)

func TestAddAndByShortAddr(t *testing.T) {
	tbl := bridging.New(nil, nil)

	require.True(t, tbl.Add(5, true))

	e, ok := tbl.ByShortAddr(5)
	require.True(t, ok)
	require.Equal(t, uint16(5), e.ShortAddr)
	require.NotZero(t, e.Flags&bridging.FlagRequestIP)
}

func TestAddIsIdempotent(t *testing.T) {
	tbl := bridging.New(nil, nil)

	require.True(t, tbl.Add(5, false))
	require.True(t, tbl.Add(5, true))
}

func TestTableFullRejectsAdd(t *testing.T) {
	tbl := bridging.New(nil, nil)

	for i := 1; i <= bridging.TableSize; i++ {
		require.True(t, tbl.Add(uint16(i), false))
	}

	require.False(t, tbl.Add(uint16(bridging.TableSize+1), false))
}

func TestByIPRequiresValidLease(t *testing.T) {
	tbl := bridging.New(nil, nil)
	tbl.Add(5, true)

	_, ok := tbl.ByIP(net.IPv4(10, 0, 0, 50))
	require.False(t, ok)

	tbl.ApplyLease(0, net.IPv4(10, 0, 0, 50), time.Hour)

	e, ok := tbl.ByIP(net.IPv4(10, 0, 0, 50))
	require.True(t, ok)
	require.Equal(t, uint16(5), e.ShortAddr)
}

type fakeLeaser struct {
	ip    net.IP
	lease time.Duration

	mu        sync.Mutex
	hostnames []string
}

func (f *fakeLeaser) RequestLease(_ context.Context, _ []byte, hostname string, _ net.IP) (net.IP, time.Duration, error) {
	f.mu.Lock()
	f.hostnames = append(f.hostnames, hostname)
	f.mu.Unlock()

	return f.ip, f.lease, nil
}

func (f *fakeLeaser) hostnamesSeen() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]string{}, f.hostnames...)
}

func TestTickReportsEntriesDueForRenewal(t *testing.T) {
	tbl := bridging.New(nil, nil)
	tbl.Add(1, true)
	tbl.ApplyLease(0, net.IPv4(10, 0, 0, 9), 8*time.Second)

	due := tbl.Tick(7 * time.Second)
	require.Empty(t, due)

	due = tbl.Tick(time.Second)
	require.Equal(t, []int{0}, due)
}

func TestRunLeasePoolRequestsPoolSlotHostname(t *testing.T) {
	tbl := bridging.New(nil, nil)
	tbl.Add(1, true)
	tbl.ApplyLease(0, net.IPv4(10, 0, 0, 9), 8*time.Second)
	// Count the lease down into its renewal window so the pool's first
	// one-second tick already finds the entry due.
	tbl.Tick(7 * time.Second)

	leaser := &fakeLeaser{ip: net.IPv4(10, 0, 0, 9), lease: time.Hour}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go tbl.RunLeasePool(ctx, []byte{0x02, 0, 0, 0, 0, 1}, leaser)

	require.Eventually(t, func() bool { return len(leaser.hostnamesSeen()) > 0 }, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, "sapphire_ip_pool_seq_0", leaser.hostnamesSeen()[0])
}
