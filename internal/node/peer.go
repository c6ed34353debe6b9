package node

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"uwushare/internal/directory"
	"uwushare/internal/network"
	"uwushare/internal/proto"
	"uwushare/internal/service"
	"uwushare/internal/store"
)

const (
	// MaxFileSize is the largest file a peer serves; the content travels
	// base64 encoded inside a single frame.
	MaxFileSize = (proto.MaxFrameSize - 64<<10) / 4 * 3

	DefaultRequestTimeout = 3 * time.Second
	watchDebounce         = 250 * time.Millisecond
)

type PeerOptions struct {
	Options
	Directories []proto.PeerInfo
	SharedDir   string
	// Watch registers early when the shared directory changes.
	Watch bool
	// RequestTimeout bounds each outbound request of the periodic task.
	RequestTimeout time.Duration
}

// Peer is the peer node role. Its store is a cache of the last directory
// snapshot it fetched.
type Peer struct {
	*base
	directories []proto.PeerInfo
	sharedDir   string
	watch       bool
	timeout     time.Duration

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	done    chan struct{}
}

func NewPeer(opts PeerOptions) (*Peer, error) {
	if opts.SharedDir == "" {
		return nil, fmt.Errorf("peer: missing shared directory")
	}
	if err := os.MkdirAll(opts.SharedDir, 0o755); err != nil {
		return nil, fmt.Errorf("peer: shared directory: %w", err)
	}
	p := &Peer{
		directories: append([]proto.PeerInfo(nil), opts.Directories...),
		sharedDir:   opts.SharedDir,
		watch:       opts.Watch,
		timeout:     opts.RequestTimeout,
	}
	if p.timeout <= 0 {
		p.timeout = DefaultRequestTimeout
	}
	b, err := newBase("peer", opts.Options, p, p.cycle)
	if err != nil {
		return nil, err
	}
	p.base = b
	p.store.OnChange(p.updateGauges)
	return p, nil
}

func (p *Peer) Bind() service.Handlers {
	return service.Handlers{
		{Type: proto.TypeRequest, Action: proto.ActionFileDownload}:          p.handleFileDownload,
		{Type: proto.TypeRequest, Action: proto.ActionDirectoryUpdate}:       p.handleDirectoryUpdate,
		{Type: proto.TypeResponse, Action: proto.ActionGetDirectoryResponse}: p.handleDirectoryResponse,
		{Type: proto.TypeResponse, Action: proto.ActionRegisterAck}:          p.handleRegisterAck,
		{Type: proto.TypeEvent, Action: proto.ActionPeerJoined}:              p.handlePeerEvent,
		{Type: proto.TypeEvent, Action: proto.ActionPeerLeft}:                p.handlePeerEvent,
	}
}

func (p *Peer) Start(ctx context.Context) error {
	if err := p.start(ctx); err != nil {
		return err
	}
	if p.watch {
		if err := p.startWatch(); err != nil {
			p.log.Warn("shared directory watch disabled", zap.Error(err))
		}
	}
	return nil
}

func (p *Peer) Stop() {
	p.mu.Lock()
	w, done := p.watcher, p.done
	p.watcher = nil
	p.mu.Unlock()
	if w != nil {
		_ = w.Close()
		<-done
	}
	p.stop()
}

func (p *Peer) Directories() []proto.PeerInfo {
	return append([]proto.PeerInfo(nil), p.directories...)
}

// Sync runs one register and refresh cycle on the service worker and waits
// for it.
func (p *Peer) Sync(ctx context.Context) error {
	return p.svc.Do(ctx, p.cycle)
}

func (p *Peer) cycle(ctx context.Context) error {
	regErr := p.Register(ctx)
	refErr := p.Refresh(ctx)
	return errors.Join(regErr, refErr)
}

// SharedFiles lists the regular, non-hidden files of the shared directory.
func (p *Peer) SharedFiles() ([]proto.FileEntry, error) {
	entries, err := os.ReadDir(p.sharedDir)
	if err != nil {
		return nil, err
	}
	out := make([]proto.FileEntry, 0, len(entries))
	for _, e := range entries {
		if !e.Type().IsRegular() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		details, _ := json.Marshal(fmt.Sprintf("size:%d", info.Size()))
		out = append(out, proto.FileEntry{Name: e.Name(), Details: details})
	}
	return out, nil
}

// Register sends the current shared file list to every configured directory
// concurrently. An empty list is sent too, so a directory drops files that
// were removed locally. Failures are returned joined; no retry happens until
// the next cycle.
func (p *Peer) Register(ctx context.Context) error {
	files, err := p.SharedFiles()
	if err != nil {
		return fmt.Errorf("list shared files: %w", err)
	}
	env, err := p.envelope(proto.TypeRequest, proto.ActionRegister, proto.RegisterRequest{Files: files})
	if err != nil {
		return err
	}
	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	for _, dir := range p.directories {
		dir := dir
		g.Go(func() error {
			rctx, cancel := context.WithTimeout(ctx, p.timeout)
			defer cancel()
			resp, err := p.client.Request(rctx, dir.Addr(), env)
			if err == nil {
				err = p.applyRegisterReply(resp)
			}
			if err != nil {
				p.log.Warn("register failed", zap.Stringer("directory", dir), zap.Error(err))
				mu.Lock()
				errs = append(errs, fmt.Errorf("register with %s: %w", dir, err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// Refresh replaces the cached directory with the snapshot of the first
// directory that answers.
func (p *Peer) Refresh(ctx context.Context) error {
	if len(p.directories) == 0 {
		return ErrNoDirectory
	}
	env, err := p.envelope(proto.TypeRequest, proto.ActionGetDirectory, nil)
	if err != nil {
		return err
	}
	var errs []error
	for _, dir := range p.directories {
		rctx, cancel := context.WithTimeout(ctx, p.timeout)
		resp, err := p.client.Request(rctx, dir.Addr(), env)
		cancel()
		if err == nil {
			err = p.applyDirectory(resp)
		}
		if err == nil {
			return nil
		}
		p.log.Debug("refresh failed", zap.Stringer("directory", dir), zap.Error(err))
		errs = append(errs, fmt.Errorf("%s: %w", dir, err))
		if ctx.Err() != nil {
			break
		}
	}
	return fmt.Errorf("%w: %w", ErrNoDirectory, errors.Join(errs...))
}

// Snapshot is the cached directory.
func (p *Peer) Snapshot() directory.Snapshot {
	return p.store.AllEntries()
}

// Locate returns the cached providers of filename.
func (p *Peer) Locate(filename string) []proto.PeerInfo {
	return p.store.Lookup(filename)
}

// Download fetches filename from provider and writes it to dest. When dest is
// an existing directory the file keeps its name inside it.
func (p *Peer) Download(ctx context.Context, provider proto.PeerInfo, filename, dest string) (int64, error) {
	return Download(ctx, p.client, p.Self(), provider, filename, dest)
}

func (p *Peer) applyRegisterReply(resp proto.Envelope) error {
	switch {
	case resp.Type == proto.TypeError:
		return replyError(resp)
	case resp.Action != proto.ActionRegisterAck:
		return fmt.Errorf("unexpected reply %s/%s", resp.Type, resp.Action)
	}
	var ack proto.RegisterAck
	if err := resp.DecodeData(&ack); err != nil {
		return err
	}
	p.log.Debug("registered", zap.Stringer("directory", resp.OriginInfo()), zap.Int("files", ack.Files))
	return nil
}

func (p *Peer) applyDirectory(resp proto.Envelope) error {
	if resp.Type == proto.TypeError {
		return replyError(resp)
	}
	var dr proto.DirectoryResponse
	if err := resp.DecodeData(&dr); err != nil {
		return err
	}
	snap, skipped := directory.FromListing(dr.DHT)
	if skipped > 0 {
		p.log.Debug("skipped malformed directory records", zap.Int("skipped", skipped))
	}
	p.store.ReplaceAll(snap)
	return nil
}

func (p *Peer) handleDirectoryResponse(ctx context.Context, env proto.Envelope, c *service.Conn) error {
	return p.applyDirectory(env)
}

func (p *Peer) handleRegisterAck(ctx context.Context, env proto.Envelope, c *service.Conn) error {
	return p.applyRegisterReply(env)
}

func (p *Peer) handleDirectoryUpdate(ctx context.Context, env proto.Envelope, c *service.Conn) error {
	if err := p.applyDirectory(env); err != nil {
		_ = c.ReplyError(proto.ActionError, "malformed directory")
		return err
	}
	return c.Respond(proto.TypeResponse, proto.ActionDirectoryUpdateResponse, proto.RegisterAck{
		Message: "updated",
		Files:   p.store.Len(),
	})
}

func (p *Peer) handlePeerEvent(ctx context.Context, env proto.Envelope, c *service.Conn) error {
	var id proto.PeerInfo
	if err := env.DecodeData(&id); err != nil {
		return err
	}
	if env.Action == proto.ActionPeerLeft && id.Valid() {
		p.store.ReplaceProviderFileSet(id, nil)
	}
	p.log.Info("peer event", zap.String("event", string(env.Action)), zap.Stringer("peer", id))
	return nil
}

func (p *Peer) handleFileDownload(ctx context.Context, env proto.Envelope, c *service.Conn) error {
	var req proto.DownloadRequest
	if err := env.DecodeData(&req); err != nil {
		_ = c.ReplyError(proto.ActionError, "malformed request")
		return err
	}
	notFound := func(msg string) error {
		return c.Respond(proto.TypeResponse, proto.ActionFileDownloadResponse, proto.DownloadResponse{
			Filename: req.Filename,
			Message:  msg,
		})
	}
	path, ok := p.sharedPath(req.Filename)
	if !ok {
		return notFound("not found")
	}
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return notFound("not found")
	}
	if info.Size() > MaxFileSize {
		return notFound(fmt.Sprintf("file exceeds %d bytes", MaxFileSize))
	}
	data, err := os.ReadFile(path)
	if err != nil {
		_ = c.ReplyError(proto.ActionError, "read failed")
		return fmt.Errorf("read %s: %w", path, err)
	}
	p.log.Debug("serving file", zap.String("file", req.Filename), zap.Int("bytes", len(data)), zap.String("to", c.Remote()))
	return c.Respond(proto.TypeResponse, proto.ActionFileDownloadResponse, proto.DownloadResponse{
		Filename: req.Filename,
		Found:    true,
		Size:     int64(len(data)),
		Content:  data,
	})
}

// sharedPath maps a requested name to a file directly inside the shared
// directory.
func (p *Peer) sharedPath(name string) (string, bool) {
	if name == "" || name != filepath.Base(name) || name == "." || name == ".." || strings.HasPrefix(name, ".") {
		return "", false
	}
	return filepath.Join(p.sharedDir, name), true
}

func (p *Peer) startWatch() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Add(p.sharedDir); err != nil {
		_ = w.Close()
		return err
	}
	done := make(chan struct{})
	p.mu.Lock()
	p.watcher, p.done = w, done
	p.mu.Unlock()
	go p.runWatch(w, done)
	return nil
}

// runWatch debounces filesystem events into one early registration.
func (p *Peer) runWatch(w *fsnotify.Watcher, done chan struct{}) {
	defer close(done)
	timer := time.NewTimer(watchDebounce)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()
	for {
		select {
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Create|fsnotify.Remove|fsnotify.Rename|fsnotify.Write) == 0 {
				continue
			}
			timer.Reset(watchDebounce)
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			p.log.Warn("watch error", zap.Error(err))
		case <-timer.C:
			p.svc.Submit(func(ctx context.Context) {
				if err := p.Register(ctx); err != nil {
					p.log.Debug("early register", zap.Error(err))
				}
			})
		}
	}
}

// Download fetches filename from provider without a running peer; the CLI
// uses it directly.
func Download(ctx context.Context, client *network.Client, self, provider proto.PeerInfo, filename, dest string) (int64, error) {
	env, err := proto.NewEnvelope(proto.TypeRequest, proto.ActionFileDownload, self, proto.DownloadRequest{Filename: filename})
	if err != nil {
		return 0, err
	}
	resp, err := client.Request(ctx, provider.Addr(), env)
	if err != nil {
		return 0, fmt.Errorf("download %s from %s: %w", filename, provider, err)
	}
	if resp.Type == proto.TypeError {
		return 0, replyError(resp)
	}
	if resp.Action != proto.ActionFileDownloadResponse {
		return 0, fmt.Errorf("download %s: unexpected reply %s/%s", filename, resp.Type, resp.Action)
	}
	var dr proto.DownloadResponse
	if err := resp.DecodeData(&dr); err != nil {
		return 0, err
	}
	if !dr.Found {
		return 0, fmt.Errorf("%w: %s on %s: %s", ErrNotFound, filename, provider, dr.Message)
	}
	if dest == "" {
		dest = filename
	}
	if info, err := os.Stat(dest); err == nil && info.IsDir() {
		dest = filepath.Join(dest, filepath.Base(filename))
	}
	if err := store.WriteFileAtomic(dest, dr.Content, 0o644); err != nil {
		return 0, fmt.Errorf("save %s: %w", dest, err)
	}
	return int64(len(dr.Content)), nil
}

func replyError(resp proto.Envelope) error {
	var ep proto.ErrorPayload
	_ = resp.DecodeData(&ep)
	if ep.Message == "" {
		ep.Message = string(resp.Action)
	}
	return fmt.Errorf("remote %s: %s", resp.Action, ep.Message)
}
