package netmsg_test

import (
	"testing"

	"github.com/sapphiregw/meshgw/internal/netmsg"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCopyIsIndependent(t *testing.T) {
	orig := netmsg.New([]byte{1, 2, 3}, nil)
	clone := orig.Copy()

	clone.Data()[0] = 0xFF

	assert.Equal(t, byte(1), orig.Data()[0])
	assert.Equal(t, byte(0xFF), clone.Data()[0])

	orig.Release()
	clone.Release()
}

func TestReleaseIsSingleUse(t *testing.T) {
	m := netmsg.New([]byte{1}, nil)
	require.Equal(t, 1, m.Len())

	m.Release()
	assert.Equal(t, 0, m.Len())

	// A second release must not panic; it is a logged bug, not a crash.
	assert.NotPanics(t, m.Release)
}

func TestNilMsgIsSafe(t *testing.T) {
	var m *netmsg.Msg

	assert.Nil(t, m.Data())
	assert.Equal(t, 0, m.Len())
	assert.NotPanics(t, m.Release)
}
