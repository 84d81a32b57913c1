package nat

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

func udpAddr(ip string, port int) *net.UDPAddr {
	return &net.UDPAddr{IP: net.ParseIP(ip), Port: port}
}

func TestBindDescSameBindingMatchesOnFullTuple(t *testing.T) {
	a := BindDesc{InternalAddr: udpAddr("10.0.0.1", 5000), RemoteAddr: udpAddr("1.2.3.4", 3478)}
	b := BindDesc{InternalAddr: udpAddr("10.0.0.1", 5000), RemoteAddr: udpAddr("1.2.3.4", 3478)}
	require.True(t, a.SameBinding(b))
}

func TestBindDescSameBindingDiffersOnPort(t *testing.T) {
	a := BindDesc{InternalAddr: udpAddr("10.0.0.1", 5000), RemoteAddr: udpAddr("1.2.3.4", 3478)}
	b := BindDesc{InternalAddr: udpAddr("10.0.0.1", 5002), RemoteAddr: udpAddr("1.2.3.4", 3478)}
	require.False(t, a.SameBinding(b))
}

func TestBindStateStringCoversAllValues(t *testing.T) {
	require.Equal(t, "unknown", StateUnknown.String())
	require.Equal(t, "not behind NAT", StateNotBehindNAT.String())
	require.Equal(t, "behind NAT", StateBehindNAT.String())
	require.Equal(t, "error", StateError.String())
}
