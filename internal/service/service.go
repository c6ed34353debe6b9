package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"uwushare/internal/debuglog"
	"uwushare/internal/metrics"
	"uwushare/internal/network"
	"uwushare/internal/proto"
)

var (
	ErrServiceStopped = errors.New("service: stopped")
	ErrAlreadyStarted = errors.New("service: already started")
)

const (
	DefaultHandlerTimeout = 10 * time.Second
	DefaultReadTimeout    = 10 * time.Second
	DefaultInterval       = 5 * time.Second
	DefaultMaxInFlight    = 256
	writeGrace            = 2 * time.Second
	acceptRetryDelay      = 50 * time.Millisecond
	jobQueue              = 64
)

// Task is the periodic work of a role. Errors are logged and counted; the
// loop keeps going.
type Task func(ctx context.Context) error

type Options struct {
	// Addr is the listen address, host:port. Port 0 picks a free port.
	Addr   string
	Binder Binder
	// Self is the identity stamped on replies. When invalid it is derived
	// from the bound address.
	Self      proto.PeerInfo
	Transport network.Transport

	HandlerTimeout time.Duration
	ReadTimeout    time.Duration

	Periodic Task
	Interval time.Duration

	MaxConnsPerHost int
	RatePerSecond   float64
	RateBurst       int
	// MaxInFlight caps concurrently served connections; negative disables it.
	MaxInFlight int64
	// StrictPairs additionally drops envelopes whose action is outside the
	// namespace of their type.
	StrictPairs bool

	SnapshotPath     string
	SnapshotInterval time.Duration

	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

type Service struct {
	opts      Options
	handlers  Handlers
	transport network.Transport
	log       *zap.Logger
	metrics   *metrics.Metrics
	limiter   *network.HostLimiter
	rate      *network.RateLimiter
	inflight  *semaphore.Weighted

	mu    sync.Mutex
	state atomic.Int32
	ln    network.Listener
	addr  string
	self  proto.PeerInfo

	ctx    context.Context
	cancel context.CancelFunc

	ready      chan struct{}
	stopped    chan struct{}
	acceptDone chan struct{}
	workerDone chan struct{}
	jobs       chan job
	conns      sync.WaitGroup
	// handlers outlive their connection when they overrun the timeout.
	running    sync.WaitGroup
	loops      sync.WaitGroup
}

func New(opts Options) (*Service, error) {
	if opts.Binder == nil {
		return nil, fmt.Errorf("service: missing binder")
	}
	if opts.Addr == "" {
		return nil, fmt.Errorf("service: missing listen address")
	}
	if opts.HandlerTimeout <= 0 {
		opts.HandlerTimeout = DefaultHandlerTimeout
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = DefaultReadTimeout
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.MaxInFlight == 0 {
		opts.MaxInFlight = DefaultMaxInFlight
	}
	tr := opts.Transport
	if tr == nil {
		tr = network.TCPTransport{}
	}
	m := opts.Metrics
	if m == nil {
		m = metrics.New()
	}
	handlers := make(Handlers)
	for k, h := range opts.Binder.Bind() {
		if h != nil {
			handlers[k] = h
		}
	}
	s := &Service{
		opts:       opts,
		handlers:   handlers,
		transport:  tr,
		log:        debuglog.Or(opts.Logger, "service"),
		metrics:    m,
		limiter:    network.NewHostLimiter(opts.MaxConnsPerHost),
		rate:       network.NewRateLimiter(opts.RatePerSecond, opts.RateBurst),
		ready:      make(chan struct{}),
		stopped:    make(chan struct{}),
		acceptDone: make(chan struct{}),
		workerDone: make(chan struct{}),
		jobs:       make(chan job, jobQueue),
	}
	if opts.MaxInFlight > 0 {
		s.inflight = semaphore.NewWeighted(opts.MaxInFlight)
	}
	return s, nil
}

func (s *Service) State() State {
	return State(s.state.Load())
}

func (s *Service) Metrics() *metrics.Metrics {
	return s.metrics
}

// Addr is the bound listen address, empty before Start succeeds.
func (s *Service) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Self is the identity the service answers as.
func (s *Service) Self() proto.PeerInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.self.Valid() {
		return s.self
	}
	return s.opts.Self
}

// Start binds the listener and launches the accept loop and the worker. Only
// a bind failure is returned; everything after that is logged. Cancelling ctx
// stops the service.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	switch s.State() {
	case StateNotStarted:
	case StateShuttingDown, StateStopped:
		s.mu.Unlock()
		return ErrServiceStopped
	default:
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.state.Store(int32(StateStarting))
	ln, err := s.transport.Listen(ctx, s.opts.Addr)
	if err != nil {
		s.state.Store(int32(StateStopped))
		close(s.stopped)
		s.mu.Unlock()
		return fmt.Errorf("service: listen %s: %w", s.opts.Addr, err)
	}
	s.ln = ln
	s.addr = ln.Addr()
	s.self = s.opts.Self
	if !s.self.Valid() {
		if p, err := proto.ParsePeerInfo(s.addr); err == nil {
			s.self = p
		}
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.state.Store(int32(StateReady))
	close(s.ready)

	go s.acceptLoop()
	s.loops.Add(1)
	go s.runWorker()
	if s.opts.SnapshotPath != "" {
		s.loops.Add(1)
		go s.runSnapshotWriter()
	}
	s.state.Store(int32(StateRunning))
	s.mu.Unlock()

	go func() {
		select {
		case <-s.ctx.Done():
			s.Stop()
		case <-s.stopped:
		}
	}()
	s.log.Info("service started",
		zap.String("addr", s.addr),
		zap.String("transport", s.transport.Name()),
		zap.Int("handlers", len(s.handlers)))
	return nil
}

// WaitReady blocks until the listener is bound. It returns ErrServiceStopped
// when the service stopped first.
func (s *Service) WaitReady(ctx context.Context) error {
	select {
	case <-s.ready:
		return nil
	case <-s.stopped:
		return ErrServiceStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed once the service reached StateStopped.
func (s *Service) Done() <-chan struct{} {
	return s.stopped
}

// Stop shuts the service down and waits for connections, the periodic task and
// queued jobs to finish. It is idempotent and safe before Start.
func (s *Service) Stop() {
	s.mu.Lock()
	switch s.State() {
	case StateNotStarted:
		s.state.Store(int32(StateStopped))
		close(s.stopped)
		s.mu.Unlock()
		return
	case StateShuttingDown, StateStopped:
		s.mu.Unlock()
		<-s.stopped
		return
	}
	s.state.Store(int32(StateShuttingDown))
	s.mu.Unlock()

	s.cancel()
	_ = s.ln.Close()
	<-s.acceptDone
	s.conns.Wait()
	s.running.Wait()
	s.loops.Wait()
	if s.opts.SnapshotPath != "" {
		if err := s.metrics.WriteSnapshot(s.opts.SnapshotPath); err != nil {
			s.log.Warn("final metrics snapshot", zap.Error(err))
		}
	}
	s.state.Store(int32(StateStopped))
	close(s.stopped)
	s.log.Info("service stopped", zap.String("addr", s.addr))
}

func (s *Service) acceptLoop() {
	defer close(s.acceptDone)
	for {
		nc, err := s.ln.Accept(s.ctx)
		if err != nil {
			if s.ctx.Err() != nil || errors.Is(err, network.ErrListenerClosed) {
				return
			}
			s.log.Warn("accept", zap.Error(err))
			select {
			case <-s.ctx.Done():
				return
			case <-time.After(acceptRetryDelay):
			}
			continue
		}
		s.metrics.IncAccepted()
		s.conns.Add(1)
		go s.serveConn(nc)
	}
}

func (s *Service) drop(reason string, log *zap.Logger, fields ...zap.Field) {
	s.metrics.IncDropByReason(reason)
	log.Debug("drop", append(fields, zap.String("reason", reason))...)
}

func (s *Service) serveConn(nc network.Conn) {
	defer s.conns.Done()
	defer nc.Close()
	s.metrics.AddConns(1)
	defer s.metrics.AddConns(-1)

	remote := nc.RemoteAddr()
	host := network.HostOf(remote)
	id := uuid.NewString()
	log := s.log.With(zap.String("conn_id", id), zap.String("remote", remote))

	if !s.limiter.Acquire(host) {
		s.drop("conn_cap", log)
		return
	}
	defer s.limiter.Release(host)
	if !s.rate.Allow(host) {
		s.drop("rate", log)
		return
	}
	if s.inflight != nil {
		if !s.inflight.TryAcquire(1) {
			s.drop("busy", log)
			return
		}
		defer s.inflight.Release(1)
	}

	_ = nc.SetDeadline(time.Now().Add(s.opts.ReadTimeout))
	frame, err := proto.ReadFrameWithActionCap(nc, proto.SoftMaxFrameSize, proto.MaxSizeForAction)
	if err != nil {
		s.drop("read", log, zap.Error(err))
		return
	}
	env, err := proto.Decode(frame)
	if err != nil {
		s.drop("decode", log, zap.Error(err))
		return
	}
	if !proto.Validate(env) {
		s.drop("invalid", log, zap.String("type", string(env.Type)), zap.String("action", string(env.Action)))
		return
	}
	if s.opts.StrictPairs && !proto.KnownPair(env.Type, env.Action) {
		s.drop("pair", log, zap.String("type", string(env.Type)), zap.String("action", string(env.Action)))
		return
	}
	s.metrics.IncRecvByAction(string(env.Action))

	key := Key{Type: env.Type, Action: env.Action}
	h, ok := s.handlers[key]
	if !ok {
		s.drop("unbound", log, zap.Stringer("key", key))
		return
	}
	_ = nc.SetDeadline(time.Now().Add(s.opts.HandlerTimeout + writeGrace))
	c := &Conn{id: id, remote: remote, origin: s.Self(), nc: nc}
	s.invoke(h, env, c, log.With(zap.Stringer("key", key)))
}

// invoke runs h under the handler timeout. A handler that overruns keeps its
// goroutine until it notices ctx, but its connection is answered and closed.
func (s *Service) invoke(h Handler, env proto.Envelope, c *Conn, log *zap.Logger) {
	ctx, cancel := context.WithTimeout(s.ctx, s.opts.HandlerTimeout)
	defer cancel()
	done := make(chan error, 1)
	s.running.Add(1)
	go func() {
		defer s.running.Done()
		defer func() {
			if r := recover(); r != nil {
				s.metrics.IncPanic()
				done <- fmt.Errorf("handler panic: %v", r)
			}
		}()
		done <- h(ctx, env, c)
	}()

	select {
	case err := <-done:
		if err != nil {
			s.metrics.IncHandlerError()
			log.Warn("handler failed", zap.Error(err))
			return
		}
		s.metrics.IncHandled()
	case <-ctx.Done():
		if s.ctx.Err() != nil {
			return
		}
		s.metrics.IncTimeout()
		log.Warn("handler timed out", zap.Duration("timeout", s.opts.HandlerTimeout))
		if err := c.ReplyError(proto.ActionTimeout, "handler timed out"); err != nil && !errors.Is(err, ErrAlreadyReplied) {
			log.Debug("timeout reply", zap.Error(err))
		}
	}
}

func (s *Service) runSnapshotWriter() {
	defer s.loops.Done()
	interval := s.opts.SnapshotInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if err := s.metrics.WriteSnapshot(s.opts.SnapshotPath); err != nil {
				debuglog.RateLimitedf("snapshot:"+s.opts.SnapshotPath, time.Minute, "metrics snapshot: %v", err)
			}
		}
	}
}
