package transport

import (
	"bufio"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/arzzra/walkie_talkie/pkg/sip/transport/memnet"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const optionsRequest = "OPTIONS sip:bob@example.com SIP/2.0\r\n" +
	"Via: SIP/2.0/UDP alice.example.com:5060;branch=z9hG4bK776asdhds;rport\r\n" +
	"Max-Forwards: 70\r\n" +
	"To: <sip:bob@example.com>\r\n" +
	"From: <sip:alice@example.com>;tag=1928301774\r\n" +
	"Call-ID: a84b4c76e66710\r\n" +
	"CSeq: 1 OPTIONS\r\n" +
	"Content-Length: 0\r\n" +
	"\r\n"

func newMemUDP(t *testing.T, network *memnet.Network, addr string) *UDPTransport {
	t.Helper()
	conn, err := network.Listen(addr)
	require.NoError(t, err)
	return NewUDPTransport(conn, WithResolver(network.Resolve))
}

func TestUDPTransport_SendReceive(t *testing.T) {
	network := memnet.NewNetwork()
	alice := newMemUDP(t, network, "alice:5060")
	bob := newMemUDP(t, network, "bob:5060")

	ctx, cancel := context.WithCancel(context.Background())
	received := make(chan string, 1)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = bob.Serve(ctx, func(src string, data []byte) {
			received <- src + "|" + string(data)
		})
	}()

	require.NoError(t, alice.Send(ctx, "bob:5060", []byte("ping")))

	select {
	case got := <-received:
		assert.Equal(t, "alice:5060|ping", got)
	case <-time.After(time.Second):
		t.Fatal("datagram not delivered")
	}

	cancel()
	wg.Wait()
	require.NoError(t, alice.Close())
}

func TestUDPTransport_SendUnreachable(t *testing.T) {
	network := memnet.NewNetwork()
	alice := newMemUDP(t, network, "alice:5060")
	defer alice.Close()

	err := alice.Send(context.Background(), "nobody:5060", []byte("ping"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNetwork)
	assert.ErrorIs(t, err, memnet.ErrUnreachable)

	var netErr *NetworkError
	require.True(t, errors.As(err, &netErr))
	assert.Equal(t, "send", netErr.Op)
	assert.Equal(t, UDP, netErr.Network)
	assert.Equal(t, "nobody:5060", netErr.Addr)
}

func TestUDPTransport_SendAfterClose(t *testing.T) {
	network := memnet.NewNetwork()
	alice := newMemUDP(t, network, "alice:5060")
	require.NoError(t, alice.Close())
	require.NoError(t, alice.Close())

	err := alice.Send(context.Background(), "bob:5060", []byte("ping"))
	assert.ErrorIs(t, err, ErrClosed)
}

func TestStreamTransport_TCP(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server, err := ListenTCP(ctx, "127.0.0.1:0")
	require.NoError(t, err)
	client, err := ListenTCP(ctx, "127.0.0.1:0")
	require.NoError(t, err)

	fromServer := make(chan string, 1)
	fromClient := make(chan string, 1)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_ = server.Serve(ctx, func(src string, data []byte) {
			fromClient <- string(data)
			// Reply over the same connection
			_ = server.Send(ctx, src, []byte(optionsRequest))
		})
	}()
	go func() {
		defer wg.Done()
		_ = client.Serve(ctx, func(src string, data []byte) {
			fromServer <- string(data)
		})
	}()

	require.NoError(t, client.Send(ctx, server.LocalAddr().String(), []byte("\r\n\r\n"+optionsRequest)))

	select {
	case got := <-fromClient:
		assert.Equal(t, optionsRequest, got)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not receive message")
	}
	select {
	case got := <-fromServer:
		assert.Equal(t, optionsRequest, got)
	case <-time.After(2 * time.Second):
		t.Fatal("client did not receive reply")
	}

	cancel()
	wg.Wait()
	assert.True(t, client.Reliable())
	assert.Equal(t, TCP, client.Network())
}

func TestReadMessage(t *testing.T) {
	body := "v=0\r\n"
	withBody := "MESSAGE sip:bob@example.com SIP/2.0\r\n" +
		"l: 5\r\n" +
		"\r\n" + body
	stream := "\r\n" + optionsRequest + withBody

	r := bufio.NewReader(strings.NewReader(stream))

	first, err := readMessage(r)
	require.NoError(t, err)
	assert.Equal(t, optionsRequest, string(first))

	second, err := readMessage(r)
	require.NoError(t, err)
	assert.Equal(t, withBody, string(second))

	_, err = readMessage(r)
	assert.Error(t, err)
}

func TestReadMessage_TooLarge(t *testing.T) {
	msg := "MESSAGE sip:bob@example.com SIP/2.0\r\nContent-Length: 100000\r\n\r\n"
	_, err := readMessage(bufio.NewReader(strings.NewReader(msg)))
	assert.ErrorIs(t, err, ErrMessageTooLarge)
}

func TestLayer_ParsesAndStampsReceived(t *testing.T) {
	network := memnet.NewNetwork()
	phone := newMemUDP(t, network, "10.0.0.1:5060")
	peer, err := network.Listen("192.0.2.7:40000")
	require.NoError(t, err)
	defer peer.Close()

	layer := NewLayer(nil)
	require.NoError(t, layer.Add(phone))
	assert.Error(t, layer.Add(phone), "duplicate network must be rejected")
	assert.Equal(t, UDP, layer.DefaultNetwork())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- layer.Serve(ctx) }()

	_, err = peer.WriteTo([]byte("garbage\r\n\r\n"), memnet.Addr("10.0.0.1:5060"))
	require.NoError(t, err)
	_, err = peer.WriteTo([]byte(optionsRequest), memnet.Addr("10.0.0.1:5060"))
	require.NoError(t, err)

	select {
	case pkt := <-layer.Inbound():
		assert.Equal(t, UDP, pkt.Network)
		assert.Equal(t, "192.0.2.7:40000", pkt.Source)

		req, ok := pkt.Message.(*sip.Request)
		require.True(t, ok)
		via := req.Via()
		require.NotNil(t, via)
		assert.Contains(t, via.Value(), "received=192.0.2.7")
		assert.Contains(t, via.Value(), "rport=40000")
		assert.Equal(t, "192.0.2.7:40000", ResponseAddr(req, "fallback:1"))
	case <-time.After(time.Second):
		t.Fatal("no inbound packet")
	}

	cancel()
	require.NoError(t, <-done)
	_, open := <-layer.Inbound()
	assert.False(t, open, "inbound must close after Serve returns")
}

func TestLayer_SendUnknownNetwork(t *testing.T) {
	layer := NewLayer(nil)
	err := layer.Send(context.Background(), TLS, "example.com:5061", nil)
	assert.ErrorIs(t, err, ErrUnknownNetwork)
	assert.ErrorIs(t, err, ErrNetwork)
}

func TestIsReliable(t *testing.T) {
	assert.False(t, IsReliable("udp"))
	assert.True(t, IsReliable("TCP"))
	assert.True(t, IsReliable("tls"))
	assert.Equal(t, 5061, DefaultPort("tls"))
	assert.Equal(t, 5060, DefaultPort("udp"))
}
