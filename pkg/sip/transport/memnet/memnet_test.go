package memnet

import (
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNetwork_Deliver(t *testing.T) {
	network := NewNetwork()
	alice, err := network.Listen("alice:5060")
	require.NoError(t, err)
	defer alice.Close()
	bob, err := network.Listen("bob:5060")
	require.NoError(t, err)
	defer bob.Close()

	n, err := alice.WriteTo([]byte("hello"), bob.LocalAddr())
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	buf := make([]byte, 64)
	n, from, err := bob.ReadFrom(buf)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(buf[:n]))
	assert.Equal(t, "alice:5060", from.String())
}

func TestNetwork_ListenBusy(t *testing.T) {
	network := NewNetwork()
	conn, err := network.Listen("alice:5060")
	require.NoError(t, err)

	_, err = network.Listen("alice:5060")
	assert.ErrorIs(t, err, ErrAddrInUse)

	require.NoError(t, conn.Close())
	again, err := network.Listen("alice:5060")
	require.NoError(t, err, "адрес должен освободиться после Close")
	again.Close()
}

func TestNetwork_Unreachable(t *testing.T) {
	network := NewNetwork()
	alice, _ := network.Listen("alice:5060")
	defer alice.Close()

	_, err := alice.WriteTo([]byte("x"), Addr("nobody:5060"))
	assert.ErrorIs(t, err, ErrUnreachable)
}

func TestNetwork_Drop(t *testing.T) {
	network := NewNetwork()
	alice, _ := network.Listen("alice:5060")
	defer alice.Close()
	bob, _ := network.Listen("bob:5060")
	defer bob.Close()

	network.SetDropFunc(func(from, to string, data []byte) bool { return string(data) == "lost" })

	_, err := alice.WriteTo([]byte("lost"), bob.LocalAddr())
	require.NoError(t, err)
	_, err = alice.WriteTo([]byte("kept"), bob.LocalAddr())
	require.NoError(t, err)

	buf := make([]byte, 64)
	n, _, err := bob.ReadFrom(buf)
	require.NoError(t, err)
	assert.Equal(t, "kept", string(buf[:n]))
}

func TestPacketConn_Deadline(t *testing.T) {
	network := NewNetwork()
	conn, _ := network.Listen("alice:5060")
	defer conn.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(20*time.Millisecond)))
	_, _, err := conn.ReadFrom(make([]byte, 8))
	var netErr net.Error
	require.True(t, errors.As(err, &netErr))
	assert.True(t, netErr.Timeout())
}

func TestPacketConn_CloseUnblocksRead(t *testing.T) {
	network := NewNetwork()
	conn, _ := network.Listen("alice:5060")

	done := make(chan error, 1)
	go func() {
		_, _, err := conn.ReadFrom(make([]byte, 8))
		done <- err
	}()

	require.NoError(t, conn.Close())
	require.NoError(t, conn.Close())

	select {
	case err := <-done:
		assert.ErrorIs(t, err, net.ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("ReadFrom не разблокировался после Close")
	}
}
