package network

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoopbackTransportRoundTrip(t *testing.T) {
	factory := NewLoopbackTransportFactory()

	a, err := factory(NetParameter{IP: net.IPv4(10, 0, 0, 1)})
	require.NoError(t, err)
	defer a.Close()

	b, err := factory(NetParameter{IP: net.IPv4(10, 0, 0, 2)})
	require.NoError(t, err)
	defer b.Close()

	_, err = a.SendTo([]byte("hello"), net.IPv4(10, 0, 0, 2))
	require.NoError(t, err)

	buf := make([]byte, 64)
	done := make(chan struct{})
	var n int
	var src net.IP
	go func() {
		n, src, err = b.RecvFrom(buf)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for loopback datagram")
	}

	require.NoError(t, err)
	require.Equal(t, "hello", string(buf[:n]))
	require.True(t, src.Equal(net.IPv4(10, 0, 0, 1)))
}

func TestLoopbackTransportDuplicateRegistrationFails(t *testing.T) {
	factory := NewLoopbackTransportFactory()
	a, err := factory(NetParameter{IP: net.IPv4(10, 0, 1, 1)})
	require.NoError(t, err)
	defer a.Close()

	_, err = factory(NetParameter{IP: net.IPv4(10, 0, 1, 1)})
	require.Error(t, err)
}
