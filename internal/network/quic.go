package network

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"math/big"
	"net"
	"sync"
	"time"

	quic "github.com/quic-go/quic-go"
	"go.uber.org/zap"

	"uwushare/internal/debuglog"
)

const (
	alpn                 = "uwushare"
	maxIdleTimeout       = 30 * time.Second
	keepAlivePeriod      = 10 * time.Second
	handshakeIdleTimeout = 5 * time.Second
	streamAcceptTimeout  = 5 * time.Second
	// closeLinger bounds how long a responder waits for the requester to
	// close the connection after the reply, so queued stream data is not cut
	// off by CONNECTION_CLOSE.
	closeLinger = 2 * time.Second
)

type QUICOptions struct {
	// InsecureSkipVerify accepts any server certificate. When false the
	// client pins the built-in development certificate.
	InsecureSkipVerify bool
	Logger             *zap.Logger
}

type QUICTransport struct {
	opts QUICOptions
	log  *zap.Logger
}

func NewQUICTransport(opts QUICOptions) *QUICTransport {
	return &QUICTransport{opts: opts, log: debuglog.Or(opts.Logger, "quic")}
}

func (t *QUICTransport) Name() string { return "quic" }

func quicConfig() *quic.Config {
	return &quic.Config{
		MaxIdleTimeout:       maxIdleTimeout,
		KeepAlivePeriod:      keepAlivePeriod,
		HandshakeIdleTimeout: handshakeIdleTimeout,
	}
}

type zeroReader struct{}

func (zeroReader) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = 0
	}
	return len(p), nil
}

// devTLSCert derives a fixed self-signed certificate. QUIC requires TLS; the
// certificate only satisfies the handshake and carries no identity.
func devTLSCert() (tls.Certificate, []byte, error) {
	seed := sha256.Sum256([]byte("uwushare-quic-dev-key"))
	priv := ed25519.NewKeyFromSeed(seed[:])
	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		NotBefore:    time.Unix(0, 0),
		NotAfter:     time.Unix(0, 0).Add(100 * 365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		DNSNames:     []string{"localhost"},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
	}
	der, err := x509.CreateCertificate(zeroReader{}, &template, &template, priv.Public(), priv)
	if err != nil {
		return tls.Certificate{}, nil, err
	}
	cert := tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  priv,
	}
	return cert, der, nil
}

func serverTLSConfig() (*tls.Config, error) {
	cert, _, err := devTLSCert()
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{alpn},
	}, nil
}

func clientTLSConfig(insecure bool) (*tls.Config, error) {
	if insecure {
		return &tls.Config{
			InsecureSkipVerify: true,
			NextProtos:         []string{alpn},
		}, nil
	}
	_, der, err := devTLSCert()
	if err != nil {
		return nil, err
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	pool.AddCert(cert)
	return &tls.Config{
		RootCAs:    pool,
		NextProtos: []string{alpn},
	}, nil
}

func (t *QUICTransport) Listen(ctx context.Context, addr string) (Listener, error) {
	tlsConf, err := serverTLSConfig()
	if err != nil {
		return nil, err
	}
	ln, err := quic.ListenAddr(addr, tlsConf, quicConfig())
	if err != nil {
		return nil, err
	}
	lctx, cancel := context.WithCancel(context.Background())
	l := &quicListener{
		ln:     ln,
		ctx:    lctx,
		cancel: cancel,
		conns:  make(chan *quicConn),
		log:    t.log,
	}
	go l.run()
	t.log.Debug("quic listen ready", zap.String("addr", ln.Addr().String()))
	return l, nil
}

func (t *QUICTransport) Dial(ctx context.Context, addr string) (Conn, error) {
	tlsConf, err := clientTLSConfig(t.opts.InsecureSkipVerify)
	if err != nil {
		return nil, err
	}
	conn, err := quic.DialAddr(ctx, addr, tlsConf, quicConfig())
	if err != nil {
		return nil, err
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		_ = conn.CloseWithError(0, "open stream failed")
		return nil, err
	}
	return &quicConn{conn: conn, stream: stream}, nil
}

type quicListener struct {
	ln     *quic.Listener
	ctx    context.Context
	cancel context.CancelFunc
	conns  chan *quicConn
	once   sync.Once
	log    *zap.Logger
}

func (l *quicListener) run() {
	for {
		c, err := l.ln.Accept(l.ctx)
		if err != nil {
			if l.ctx.Err() == nil {
				l.log.Debug("quic accept error", zap.Error(err))
			}
			l.cancel()
			return
		}
		go l.acceptStream(c)
	}
}

// acceptStream waits for the single request stream of c.
func (l *quicListener) acceptStream(c *quic.Conn) {
	ctx, cancel := context.WithTimeout(l.ctx, streamAcceptTimeout)
	defer cancel()
	s, err := c.AcceptStream(ctx)
	if err != nil {
		l.log.Debug("quic accept stream error", zap.Error(err))
		_ = c.CloseWithError(0, "no stream")
		return
	}
	select {
	case l.conns <- &quicConn{conn: c, stream: s, server: true}:
	case <-l.ctx.Done():
		_ = c.CloseWithError(0, "listener closed")
	}
}

func (l *quicListener) Accept(ctx context.Context) (Conn, error) {
	select {
	case c := <-l.conns:
		return c, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-l.ctx.Done():
		return nil, ErrListenerClosed
	}
}

func (l *quicListener) Addr() string { return l.ln.Addr().String() }

func (l *quicListener) Close() error {
	var err error
	l.once.Do(func() {
		l.cancel()
		err = l.ln.Close()
	})
	return err
}

type quicConn struct {
	conn   *quic.Conn
	stream *quic.Stream
	server bool
	once   sync.Once
}

func (c *quicConn) Read(p []byte) (int, error)  { return c.stream.Read(p) }
func (c *quicConn) Write(p []byte) (int, error) { return c.stream.Write(p) }

// CloseWrite closes the send direction of the stream.
func (c *quicConn) CloseWrite() error { return c.stream.Close() }

func (c *quicConn) SetDeadline(t time.Time) error { return c.stream.SetDeadline(t) }

func (c *quicConn) RemoteAddr() string {
	if ra := c.conn.RemoteAddr(); ra != nil {
		return ra.String()
	}
	return ""
}

func (c *quicConn) Close() error {
	var err error
	c.once.Do(func() {
		_ = c.stream.Close()
		if c.server {
			t := time.NewTimer(closeLinger)
			select {
			case <-c.conn.Context().Done():
			case <-t.C:
			}
			t.Stop()
		}
		c.stream.CancelRead(0)
		err = c.conn.CloseWithError(0, "")
	})
	return err
}
