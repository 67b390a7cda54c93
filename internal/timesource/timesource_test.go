package timesource_test

import (
	"context"
	"testing"
	"time"

	"github.com/sapphiregw/meshgw/internal/sntp"
	"github.com/sapphiregw/meshgw/internal/timesource"
	"github.com/sapphiregw/meshgw/internal/wcom"
	"github.com/stretchr/testify/require"
)

func TestPublisherEmitsOnInterval(t *testing.T) {
	collab := &wcom.Loopback{}
	p := &timesource.Publisher{
		ShortAddr: 7,
		Interval:  5 * time.Millisecond,
		Clock:     sntp.NewClock(nil),
		Collab:    collab,
		NowUs:     func() uint32 { return 123 },
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	p.Run(ctx)

	require.NotEmpty(t, collab.Syncs)
	require.Equal(t, uint16(7), collab.Syncs[0].ShortAddr)
	require.Equal(t, uint8(1), collab.Syncs[0].Sequence)
}
