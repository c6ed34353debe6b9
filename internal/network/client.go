package network

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"

	"uwushare/internal/debuglog"
	"uwushare/internal/metrics"
	"uwushare/internal/proto"
)

// ErrNoResponse is returned when the remote closed the exchange without
// writing a reply.
var ErrNoResponse = errors.New("network: no response")

const (
	clientTimeout     = 8 * time.Second
	clientMaxRetries  = 2
	clientBackoffBase = 100 * time.Millisecond
	clientBackoffMax  = 1 * time.Second
)

type ClientOptions struct {
	// Timeout applies when the caller's context has no deadline.
	Timeout time.Duration
	// Retries is the number of extra dial attempts. Negative disables retry.
	Retries int
	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

// Client sends one envelope per connection and optionally waits for the reply.
type Client struct {
	transport Transport
	timeout   time.Duration
	retries   int
	log       *zap.Logger
	metrics   *metrics.Metrics

	mu       sync.Mutex
	failures map[string]int
}

func NewClient(t Transport, opts ClientOptions) *Client {
	if t == nil {
		t = TCPTransport{}
	}
	c := &Client{
		transport: t,
		timeout:   opts.Timeout,
		retries:   opts.Retries,
		log:       debuglog.Or(opts.Logger, "client"),
		metrics:   opts.Metrics,
		failures:  make(map[string]int),
	}
	if c.timeout <= 0 {
		c.timeout = clientTimeout
	}
	if c.retries == 0 {
		c.retries = clientMaxRetries
	}
	if c.retries < 0 {
		c.retries = 0
	}
	return c
}

func (c *Client) Transport() Transport {
	return c.transport
}

// Request sends env to addr and returns the single reply envelope. The reply
// is decoded but not validated.
func (c *Client) Request(ctx context.Context, addr string, env proto.Envelope) (proto.Envelope, error) {
	if c.metrics != nil {
		c.metrics.IncOutbound()
	}
	resp, err := c.exchange(ctx, addr, env)
	if err != nil && !errors.Is(err, ErrNoResponse) {
		if c.metrics != nil {
			c.metrics.IncOutboundFail()
		}
		c.log.Debug("request failed", zap.String("addr", addr), zap.String("action", string(env.Action)), zap.Error(err))
	}
	return resp, err
}

// Send delivers env to addr. A reply, if any, is read and discarded.
func (c *Client) Send(ctx context.Context, addr string, env proto.Envelope) error {
	_, err := c.Request(ctx, addr, env)
	if errors.Is(err, ErrNoResponse) {
		return nil
	}
	return err
}

func (c *Client) exchange(ctx context.Context, addr string, env proto.Envelope) (proto.Envelope, error) {
	payload, err := proto.EncodeEnvelope(env)
	if err != nil {
		return proto.Envelope{}, err
	}
	ctx, cancel := c.withDefaultTimeout(ctx)
	defer cancel()

	conn, err := c.dial(ctx, addr)
	if err != nil {
		return proto.Envelope{}, fmt.Errorf("dial %s: %w", addr, err)
	}
	defer conn.Close()
	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(dl)
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Now()) })
	defer stop()

	if err := proto.WriteFrame(conn, payload); err != nil {
		return proto.Envelope{}, fmt.Errorf("write %s: %w", addr, err)
	}
	if err := conn.CloseWrite(); err != nil {
		return proto.Envelope{}, fmt.Errorf("close write %s: %w", addr, err)
	}
	frame, err := proto.ReadFrame(conn)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return proto.Envelope{}, ErrNoResponse
		}
		if ctx.Err() != nil {
			return proto.Envelope{}, fmt.Errorf("read %s: %w", addr, ctx.Err())
		}
		return proto.Envelope{}, fmt.Errorf("read %s: %w", addr, err)
	}
	return proto.Decode(frame)
}

func (c *Client) dial(ctx context.Context, addr string) (Conn, error) {
	var lastErr error
	for attempt := 0; attempt <= c.retries; attempt++ {
		if ctx.Err() != nil {
			if lastErr != nil {
				return nil, lastErr
			}
			return nil, ctx.Err()
		}
		conn, err := c.transport.Dial(ctx, addr)
		if err == nil {
			c.resetFailures(addr)
			return conn, nil
		}
		lastErr = err
		if attempt == c.retries || !backoffRetry(ctx, c.recordFailure(addr)) {
			break
		}
	}
	return nil, lastErr
}

func (c *Client) withDefaultTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		return context.WithTimeout(context.Background(), c.timeout)
	}
	if _, ok := ctx.Deadline(); ok {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.timeout)
}

func (c *Client) recordFailure(addr string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures[addr]++
	return c.failures[addr]
}

func (c *Client) resetFailures(addr string) {
	c.mu.Lock()
	delete(c.failures, addr)
	c.mu.Unlock()
}

func backoffRetry(ctx context.Context, failures int) bool {
	if failures <= 0 {
		return false
	}
	if failures > 8 {
		failures = 8
	}
	d := clientBackoffBase
	if failures > 1 {
		d = d * time.Duration(1<<uint(failures-1))
	}
	if d > clientBackoffMax {
		d = clientBackoffMax
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
