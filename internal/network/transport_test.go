package network

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"uwushare/internal/proto"
	"uwushare/internal/testutil"
)

// echoServer answers every request with a register_ack carrying the request
// action as message, or with nothing when silent is set.
func echoServer(t *testing.T, tr Transport, silent bool) string {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	ln, err := tr.Listen(ctx, "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() {
		cancel()
		_ = ln.Close()
	})
	go func() {
		for {
			c, err := ln.Accept(ctx)
			if err != nil {
				return
			}
			go func(c Conn) {
				defer c.Close()
				frame, err := proto.ReadFrame(c)
				if err != nil {
					return
				}
				req, err := proto.Decode(frame)
				if err != nil || silent {
					return
				}
				out, _ := proto.Encode(proto.TypeResponse, proto.ActionRegisterAck,
					proto.PeerInfo{Host: "127.0.0.1", Port: 1}, proto.RegisterAck{Message: string(req.Action)})
				_ = proto.WriteFrame(c, out)
			}(c)
		}
	}()
	return ln.Addr()
}

func request(t *testing.T) proto.Envelope {
	env, err := proto.NewEnvelope(proto.TypeRequest, proto.ActionGetDirectory, proto.PeerInfo{Host: "127.0.0.1", Port: 2}, nil)
	require.NoError(t, err)
	return env
}

func testRoundTrip(t *testing.T, tr Transport) {
	addr := echoServer(t, tr, false)
	c := NewClient(tr, ClientOptions{Timeout: 5 * time.Second, Logger: testutil.Logger(t)})
	resp, err := c.Request(context.Background(), addr, request(t))
	require.NoError(t, err)
	require.Equal(t, proto.ActionRegisterAck, resp.Action)
	var ack proto.RegisterAck
	require.NoError(t, resp.DecodeData(&ack))
	require.Equal(t, "get_dht", ack.Message)
}

func TestTCPRoundTrip(t *testing.T) {
	testRoundTrip(t, TCPTransport{})
}

func TestQUICRoundTrip(t *testing.T) {
	testRoundTrip(t, NewQUICTransport(QUICOptions{InsecureSkipVerify: true, Logger: testutil.Logger(t)}))
}

func TestQUICPinnedDevCert(t *testing.T) {
	testRoundTrip(t, NewQUICTransport(QUICOptions{Logger: testutil.Logger(t)}))
}

func TestRequestNoResponse(t *testing.T) {
	tr := TCPTransport{}
	addr := echoServer(t, tr, true)
	c := NewClient(tr, ClientOptions{Timeout: 5 * time.Second, Logger: testutil.Logger(t)})
	_, err := c.Request(context.Background(), addr, request(t))
	require.True(t, errors.Is(err, ErrNoResponse), "got %v", err)
	require.NoError(t, c.Send(context.Background(), addr, request(t)))
}

func TestRequestDialFailure(t *testing.T) {
	port := testutil.FreePort(t)
	c := NewClient(TCPTransport{}, ClientOptions{Timeout: 2 * time.Second, Retries: -1, Logger: testutil.Logger(t)})
	_, err := c.Request(context.Background(), proto.PeerInfo{Host: "127.0.0.1", Port: port}.Addr(), request(t))
	require.Error(t, err)
	require.False(t, errors.Is(err, ErrNoResponse))
}

func TestListenerCloseUnblocksAccept(t *testing.T) {
	for _, tr := range []Transport{TCPTransport{}, NewQUICTransport(QUICOptions{Logger: testutil.Logger(t)})} {
		ln, err := tr.Listen(context.Background(), "127.0.0.1:0")
		require.NoError(t, err)
		done := make(chan error, 1)
		go func() {
			_, err := ln.Accept(context.Background())
			done <- err
		}()
		require.NoError(t, ln.Close())
		select {
		case err := <-done:
			require.True(t, errors.Is(err, ErrListenerClosed), "%s: got %v", tr.Name(), err)
		case <-time.After(5 * time.Second):
			t.Fatalf("%s: accept did not unblock", tr.Name())
		}
	}
}

func TestNewTransport(t *testing.T) {
	tr, err := New("tcp")
	require.NoError(t, err)
	require.Equal(t, "tcp", tr.Name())
	tr, err = New("QUIC")
	require.NoError(t, err)
	require.Equal(t, "quic", tr.Name())
	_, err = New("carrier-pigeon")
	require.True(t, errors.Is(err, ErrUnknownTransport))
}

func TestClientTLSConfigPinsDevCert(t *testing.T) {
	conf, err := clientTLSConfig(false)
	require.NoError(t, err)
	require.NotNil(t, conf.RootCAs)
	require.False(t, conf.InsecureSkipVerify)
	conf, err = clientTLSConfig(true)
	require.NoError(t, err)
	require.True(t, conf.InsecureSkipVerify)
}
