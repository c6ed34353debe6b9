// Package network carries framed envelopes between nodes over TCP or QUIC.
package network

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"
)

var (
	ErrListenerClosed   = errors.New("network: listener closed")
	ErrUnknownTransport = errors.New("network: unknown transport")
)

// Conn is one request/response exchange. The requester writes a frame and
// calls CloseWrite; the responder writes at most one frame and closes.
type Conn interface {
	io.ReadWriter
	CloseWrite() error
	Close() error
	RemoteAddr() string
	SetDeadline(t time.Time) error
}

type Listener interface {
	// Accept blocks until a connection arrives, ctx ends or the listener is
	// closed, in which case it returns ErrListenerClosed.
	Accept(ctx context.Context) (Conn, error)
	Addr() string
	Close() error
}

type Transport interface {
	Name() string
	Listen(ctx context.Context, addr string) (Listener, error)
	Dial(ctx context.Context, addr string) (Conn, error)
}

// New returns the transport registered under name ("tcp" or "quic").
func New(name string) (Transport, error) {
	switch strings.ToLower(name) {
	case "", "tcp":
		return TCPTransport{}, nil
	case "quic":
		return NewQUICTransport(QUICOptions{InsecureSkipVerify: true}), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownTransport, name)
	}
}

// HostOf strips the port from a remote address.
func HostOf(remote string) string {
	host, _, err := net.SplitHostPort(remote)
	if err != nil {
		return remote
	}
	return host
}

type TCPTransport struct {
	DialTimeout time.Duration
}

func (TCPTransport) Name() string { return "tcp" }

func (t TCPTransport) Listen(ctx context.Context, addr string) (Listener, error) {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	return &tcpListener{ln: ln}, nil
}

func (t TCPTransport) Dial(ctx context.Context, addr string) (Conn, error) {
	d := net.Dialer{Timeout: t.DialTimeout}
	c, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	return &tcpConn{TCPConn: c.(*net.TCPConn)}, nil
}

type tcpListener struct {
	ln net.Listener
}

func (l *tcpListener) Accept(ctx context.Context) (Conn, error) {
	c, err := l.ln.Accept()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, net.ErrClosed) {
			return nil, ErrListenerClosed
		}
		return nil, err
	}
	return &tcpConn{TCPConn: c.(*net.TCPConn)}, nil
}

func (l *tcpListener) Addr() string { return l.ln.Addr().String() }

func (l *tcpListener) Close() error { return l.ln.Close() }

type tcpConn struct {
	*net.TCPConn
}

func (c *tcpConn) RemoteAddr() string {
	if ra := c.TCPConn.RemoteAddr(); ra != nil {
		return ra.String()
	}
	return ""
}
