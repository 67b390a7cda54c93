package dhcpclient_test

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/sapphiregw/meshgw/internal/dhcpclient"
	"github.com/stretchr/testify/require"
)

type capturingTransport struct {
	sent [][]byte
}

func (c *capturingTransport) Send(_ net.HardwareAddr, _ uint16, payload []byte) error {
	c.sent = append(c.sent, payload)

	return nil
}

func TestNewSessionStartsUnconfigured(t *testing.T) {
	tr := &capturingTransport{}
	mac := net.HardwareAddr{0x02, 0, 0, 0, 0, 1}

	s, err := dhcpclient.NewSession(mac, "host", mac, tr, nil)
	require.NoError(t, err)
	require.Equal(t, dhcpclient.StateUnconfigured, s.State())
}

func TestRunTimesOutWithoutReplies(t *testing.T) {
	tr := &capturingTransport{}
	mac := net.HardwareAddr{0x02, 0, 0, 0, 0, 2}

	s, err := dhcpclient.NewSession(mac, "host", mac, tr, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err = s.Run(ctx, nil)
	require.Error(t, err)
	require.NotEmpty(t, tr.sent, "at least one discover must have been transmitted")
}
