// Package node implements the two node roles of the network: the directory
// node, which indexes who provides which file, and the peer node, which
// shares files and downloads them from other peers.
package node

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"uwushare/internal/debuglog"
	"uwushare/internal/directory"
	"uwushare/internal/metrics"
	"uwushare/internal/network"
	"uwushare/internal/proto"
	"uwushare/internal/service"
)

var (
	ErrNotFound    = errors.New("node: file not found")
	ErrNoDirectory = errors.New("node: no directory reachable")
)

// Options are shared by both roles.
type Options struct {
	// Service configures the listener, timeouts and limits. Binder, Periodic,
	// Logger and Metrics are filled in by the role.
	Service service.Options
	// StorePath persists the role's directory store. Empty keeps it in memory.
	StorePath string
	// Client overrides the outbound client; by default one is built on the
	// service transport.
	Client  *network.Client
	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

// base holds what both roles share: the store they own, the service that
// serves them and the outbound client.
type base struct {
	svc     *service.Service
	store   *directory.Store
	client  *network.Client
	log     *zap.Logger
	metrics *metrics.Metrics
}

func newBase(name string, opts Options, binder service.Binder, periodic service.Task) (*base, error) {
	log := debuglog.Or(opts.Logger, name)
	m := opts.Metrics
	if m == nil {
		m = metrics.New()
	}
	st, err := directory.Open(directory.Options{Path: opts.StorePath, Logger: log.Named("store")})
	if err != nil {
		return nil, err
	}
	svcOpts := opts.Service
	svcOpts.Binder = binder
	svcOpts.Periodic = periodic
	svcOpts.Logger = log.Named("service")
	svcOpts.Metrics = m
	if svcOpts.Transport == nil {
		svcOpts.Transport = network.TCPTransport{}
	}
	svc, err := service.New(svcOpts)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	client := opts.Client
	if client == nil {
		client = network.NewClient(svcOpts.Transport, network.ClientOptions{
			Logger:  log.Named("client"),
			Metrics: m,
		})
	}
	b := &base{svc: svc, store: st, client: client, log: log, metrics: m}
	b.updateGauges()
	return b, nil
}

func (b *base) Service() *service.Service { return b.svc }

func (b *base) Store() *directory.Store { return b.store }

func (b *base) Metrics() *metrics.Metrics { return b.metrics }

func (b *base) Addr() string { return b.svc.Addr() }

// Self is the identity this node advertises in peer_info.
func (b *base) Self() proto.PeerInfo { return b.svc.Self() }

func (b *base) WaitReady(ctx context.Context) error { return b.svc.WaitReady(ctx) }

func (b *base) Done() <-chan struct{} { return b.svc.Done() }

func (b *base) start(ctx context.Context) error {
	if err := b.svc.Start(ctx); err != nil {
		return fmt.Errorf("start node: %w", err)
	}
	return nil
}

func (b *base) stop() {
	b.svc.Stop()
	if err := b.store.Close(); err != nil {
		b.log.Warn("release store lock", zap.Error(err))
	}
}

func (b *base) updateGauges() {
	st := b.store.Stats()
	b.metrics.SetDirectory(st.Files, st.Providers, st.Records)
}

func (b *base) envelope(t proto.MessageType, a proto.Action, payload any) (proto.Envelope, error) {
	return proto.NewEnvelope(t, a, b.Self(), payload)
}
