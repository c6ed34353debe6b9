package node

import (
	"context"
	"fmt"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"uwushare/internal/directory"
	"uwushare/internal/proto"
	"uwushare/internal/service"
)

const (
	broadcastFanout  = 8
	broadcastTimeout = 3 * time.Second
	eventQueue       = 64
)

type DirectoryOptions struct {
	Options
	// Broadcast pushes dht_update to every connected node after a change,
	// plus peer_joined and peer_left events.
	Broadcast bool
	// ProviderTTL removes providers that have not registered for this long.
	// Zero keeps them until they register an empty list.
	ProviderTTL time.Duration
	// LivenessCap bounds the liveness table and the set of nodes announced
	// through peer_connect.
	LivenessCap int
}

// Directory is the directory node role.
type Directory struct {
	*base
	broadcast bool
	ttl       time.Duration
	live      *liveness
	// members are nodes that announced themselves with peer_connect.
	members   mapset.Set[proto.PeerInfo]
	memberCap int

	notify chan struct{}
	events chan proto.Envelope

	mu         sync.Mutex
	cancel     context.CancelFunc
	done       chan struct{}
	lastDigest [32]byte
}

func NewDirectory(opts DirectoryOptions) (*Directory, error) {
	d := &Directory{
		broadcast: opts.Broadcast,
		ttl:       opts.ProviderTTL,
		live:      newLiveness(opts.ProviderTTL, opts.LivenessCap),
		members:   mapset.NewSet[proto.PeerInfo](),
		memberCap: opts.LivenessCap,
		notify:    make(chan struct{}, 1),
		events:    make(chan proto.Envelope, eventQueue),
	}
	if d.memberCap <= 0 {
		d.memberCap = DefaultLivenessCap
	}
	var periodic service.Task
	if d.ttl > 0 {
		periodic = d.sweep
	}
	b, err := newBase("directory", opts.Options, d, periodic)
	if err != nil {
		return nil, err
	}
	d.base = b
	// Providers loaded from disk get one TTL to show up again.
	for _, id := range d.store.AllProviderIdentities() {
		d.live.touch(id)
	}
	d.store.OnChange(d.changed)
	return d, nil
}

func (d *Directory) Bind() service.Handlers {
	return service.Handlers{
		{Type: proto.TypeRequest, Action: proto.ActionRegister}:      d.handleRegister,
		{Type: proto.TypeRequest, Action: proto.ActionGetDirectory}:  d.handleGetDirectory,
		{Type: proto.TypeRequest, Action: proto.ActionGetFile}:       d.handleGetFile,
		{Type: proto.TypeRequest, Action: proto.ActionPeerDiscovery}: d.handlePeerDiscovery,
		{Type: proto.TypeRequest, Action: proto.ActionPeerConnect}:   d.handlePeerConnect,
	}
}

func (d *Directory) Start(ctx context.Context) error {
	if err := d.start(ctx); err != nil {
		return err
	}
	if d.broadcast {
		bctx, cancel := context.WithCancel(context.Background())
		d.mu.Lock()
		d.cancel = cancel
		d.done = make(chan struct{})
		done := d.done
		d.mu.Unlock()
		go d.runBroadcaster(bctx, done)
	}
	return nil
}

func (d *Directory) Stop() {
	d.mu.Lock()
	cancel, done := d.cancel, d.done
	d.cancel = nil
	d.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
	d.stop()
}

// ConnectedNodes lists every identity that currently provides at least one
// file.
func (d *Directory) ConnectedNodes() []proto.PeerInfo {
	return d.store.AllProviderIdentities()
}

// KnownNodes is ConnectedNodes plus the nodes that announced themselves with
// peer_connect, sorted.
func (d *Directory) KnownNodes() []proto.PeerInfo {
	known := d.members.Clone()
	for _, id := range d.ConnectedNodes() {
		known.Add(id)
	}
	out := known.ToSlice()
	directory.SortPeers(out)
	return out
}

// changed is the store hook. It must stay cheap: it only refreshes gauges and
// wakes the broadcaster.
func (d *Directory) changed() {
	d.updateGauges()
	if !d.broadcast {
		return
	}
	select {
	case d.notify <- struct{}{}:
	default:
	}
}

func (d *Directory) handleRegister(ctx context.Context, env proto.Envelope, c *service.Conn) error {
	id := env.OriginInfo()
	if !id.Valid() {
		_ = c.ReplyError(proto.ActionError, "invalid peer_info")
		return fmt.Errorf("register: invalid identity %q:%d", id.Host, id.Port)
	}
	var req proto.RegisterRequest
	if err := env.DecodeData(&req); err != nil {
		_ = c.ReplyError(proto.ActionError, "malformed file list")
		return fmt.Errorf("register from %s: %w", id, err)
	}
	wasProvider := len(d.store.ProviderFiles(id)) > 0
	removed := d.store.ReplaceProviderFileSet(id, req.Files)
	if len(req.Files) == 0 {
		d.live.forget(id)
	} else {
		d.live.touch(id)
		if !wasProvider && !d.members.Contains(id) {
			d.queueEvent(proto.ActionPeerJoined, id)
		}
	}
	d.log.Debug("register",
		zap.Stringer("provider", id),
		zap.Int("files", len(req.Files)),
		zap.Strings("removed", removed))
	return c.Respond(proto.TypeResponse, proto.ActionRegisterAck, proto.RegisterAck{
		Message: "registered",
		Files:   len(req.Files),
	})
}

func (d *Directory) handleGetDirectory(ctx context.Context, env proto.Envelope, c *service.Conn) error {
	return c.Respond(proto.TypeResponse, proto.ActionGetDirectoryResponse, proto.DirectoryResponse{
		DHT: d.store.AllEntries().Listing(),
	})
}

func (d *Directory) handleGetFile(ctx context.Context, env proto.Envelope, c *service.Conn) error {
	var q proto.FileQuery
	if err := env.DecodeData(&q); err != nil || q.Filename == "" {
		_ = c.ReplyError(proto.ActionError, "missing filename")
		return fmt.Errorf("get_file: bad query: %v", err)
	}
	return c.Respond(proto.TypeResponse, proto.ActionGetFileResponse, proto.FileLocation{
		Filename:  q.Filename,
		Providers: d.store.Lookup(q.Filename),
	})
}

func (d *Directory) handlePeerDiscovery(ctx context.Context, env proto.Envelope, c *service.Conn) error {
	return c.Respond(proto.TypeResponse, proto.ActionPeerList, proto.PeerList{Peers: d.KnownNodes()})
}

// handlePeerConnect records the caller so it shows up in peer_discovery and
// receives broadcasts before it provides any file.
func (d *Directory) handlePeerConnect(ctx context.Context, env proto.Envelope, c *service.Conn) error {
	id := env.OriginInfo()
	if !id.Valid() {
		_ = c.ReplyError(proto.ActionError, "invalid peer_info")
		return fmt.Errorf("peer_connect: invalid identity %q:%d", id.Host, id.Port)
	}
	if !d.members.Contains(id) {
		if d.members.Cardinality() >= d.memberCap {
			_ = c.ReplyError(proto.ActionError, "directory full")
			return fmt.Errorf("peer_connect from %s: %d members", id, d.memberCap)
		}
		if d.members.Add(id) && len(d.store.ProviderFiles(id)) == 0 {
			d.queueEvent(proto.ActionPeerJoined, id)
		}
	}
	d.live.touch(id)
	d.log.Info("peer connected", zap.Stringer("peer", id))
	return c.Respond(proto.TypeResponse, proto.ActionPeerList, proto.PeerList{Peers: d.KnownNodes()})
}

// sweep drops providers whose registration went stale.
func (d *Directory) sweep(ctx context.Context) error {
	for _, id := range d.live.sweep() {
		d.members.Remove(id)
		var removed []string
		if len(d.store.ProviderFiles(id)) > 0 {
			removed = d.store.ReplaceProviderFileSet(id, nil)
		}
		d.log.Info("provider expired", zap.Stringer("provider", id), zap.Int("files", len(removed)))
		d.queueEvent(proto.ActionPeerLeft, id)
	}
	return nil
}

func (d *Directory) queueEvent(action proto.Action, id proto.PeerInfo) {
	if !d.broadcast {
		return
	}
	env, err := d.envelope(proto.TypeEvent, action, id)
	if err != nil {
		return
	}
	select {
	case d.events <- env:
	default:
		d.log.Debug("event queue full", zap.String("action", string(action)))
	}
}

// runBroadcaster coalesces change signals: many mutations in a burst lead to
// one dht_update per connected node.
func (d *Directory) runBroadcaster(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.notify:
			snap := d.store.AllEntries()
			digest := snap.Digest()
			d.mu.Lock()
			same := digest == d.lastDigest
			d.lastDigest = digest
			d.mu.Unlock()
			if same {
				continue
			}
			env, err := d.envelope(proto.TypeRequest, proto.ActionDirectoryUpdate, proto.DirectoryResponse{DHT: snap.Listing()})
			if err != nil {
				d.log.Warn("build dht_update", zap.Error(err))
				continue
			}
			d.push(ctx, env)
		case env := <-d.events:
			d.push(ctx, env)
		}
	}
}

func (d *Directory) push(ctx context.Context, env proto.Envelope) {
	targets := d.KnownNodes()
	var g errgroup.Group
	g.SetLimit(broadcastFanout)
	for _, id := range targets {
		id := id
		g.Go(func() error {
			sctx, cancel := context.WithTimeout(ctx, broadcastTimeout)
			defer cancel()
			if err := d.client.Send(sctx, id.Addr(), env); err != nil {
				d.log.Debug("push failed", zap.Stringer("to", id), zap.String("action", string(env.Action)), zap.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()
}

