// Package directory keeps the filename to provider index shared by directory
// nodes and used as the local cache of peer nodes.
package directory

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/gofrs/flock"
	"go.uber.org/zap"

	"uwushare/internal/debuglog"
	"uwushare/internal/proto"
	"uwushare/internal/store"
)

var ErrLocked = errors.New("directory: persistence file is locked by another process")

type Options struct {
	// Path of the JSON backing file. Empty keeps the directory in memory.
	Path   string
	Logger *zap.Logger
}

type Stats struct {
	Files       int    `json:"files"`
	Providers   int    `json:"providers"`
	Records     int    `json:"records"`
	Writes      uint64 `json:"writes"`
	WriteErrors uint64 `json:"write_errors"`
}

// Store is safe for concurrent use. Every mutation is persisted before the
// change hook runs; the hook runs on the mutating goroutine with no lock held.
type Store struct {
	mu       sync.Mutex
	entries  Snapshot
	path     string
	lock     *flock.Flock
	onChange func()
	log      *zap.Logger

	writes      uint64
	writeErrors uint64
}

// New returns an empty in-memory store.
func New() *Store {
	return &Store{entries: make(Snapshot), log: debuglog.Or(nil, "directory")}
}

// Open loads the store from opts.Path. A missing file starts empty; a corrupt
// file is logged and also starts empty. The backing file is guarded by an
// advisory lock on <path>.lock held until Close.
func Open(opts Options) (*Store, error) {
	s := &Store{
		entries: make(Snapshot),
		path:    opts.Path,
		log:     debuglog.Or(opts.Logger, "directory"),
	}
	if s.path == "" {
		return s, nil
	}
	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("directory: mkdir %s: %w", dir, err)
		}
	}
	lk := flock.New(s.path + ".lock")
	ok, err := lk.TryLock()
	if err != nil {
		return nil, fmt.Errorf("directory: lock %s: %w", lk.Path(), err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrLocked, s.path)
	}
	s.lock = lk

	var listing proto.Listing
	found, err := store.ReadJSON(s.path, &listing)
	switch {
	case err != nil:
		s.log.Warn("directory file unreadable, starting empty", zap.String("path", s.path), zap.Error(err))
	case !found:
		s.log.Debug("no directory file, starting empty", zap.String("path", s.path))
	default:
		snap, skipped := FromListing(listing)
		if skipped > 0 {
			s.log.Warn("skipped malformed directory records", zap.String("path", s.path), zap.Int("skipped", skipped))
		}
		s.entries = snap
		s.log.Info("directory loaded", zap.String("path", s.path), zap.Int("files", len(snap)))
	}
	return s, nil
}

func (s *Store) Path() string {
	return s.path
}

// OnChange sets the single change subscriber. A later call replaces it.
func (s *Store) OnChange(fn func()) {
	s.mu.Lock()
	s.onChange = fn
	s.mu.Unlock()
}

// AddOrUpdateProvider records that id serves filename, replacing any metadata
// id previously gave for it.
func (s *Store) AddOrUpdateProvider(filename string, id proto.PeerInfo, meta json.RawMessage) {
	s.mutate(func(e Snapshot) {
		providers := e[filename]
		if providers == nil {
			providers = make(map[proto.PeerInfo]json.RawMessage)
			e[filename] = providers
		}
		providers[id] = normalizeMeta(meta)
	})
}

// RemoveProvider drops id from filename. Unknown pairs are a no-op, but the
// change hook still fires.
func (s *Store) RemoveProvider(filename string, id proto.PeerInfo) {
	s.mutate(func(e Snapshot) {
		removeProvider(e, filename, id)
	})
}

// ReplaceProviderFileSet makes files the complete set id provides: entries id
// no longer lists are removed and the listed ones are added or updated, all as
// one change. It returns the filenames that were removed, sorted.
func (s *Store) ReplaceProviderFileSet(id proto.PeerInfo, files []proto.FileEntry) []string {
	var removed []string
	s.mutate(func(e Snapshot) {
		current := mapset.NewThreadUnsafeSet[string]()
		for name, providers := range e {
			if _, ok := providers[id]; ok {
				current.Add(name)
			}
		}
		wanted := mapset.NewThreadUnsafeSet[string]()
		for _, f := range files {
			if f.Name != "" {
				wanted.Add(f.Name)
			}
		}
		removed = current.Difference(wanted).ToSlice()
		sort.Strings(removed)
		for _, name := range removed {
			removeProvider(e, name, id)
		}
		for _, f := range files {
			if f.Name == "" {
				continue
			}
			providers := e[f.Name]
			if providers == nil {
				providers = make(map[proto.PeerInfo]json.RawMessage)
				e[f.Name] = providers
			}
			providers[id] = normalizeMeta(f.Details)
		}
	})
	return removed
}

// ReplaceAll swaps the whole content for snap.
func (s *Store) ReplaceAll(snap Snapshot) {
	next := snap.Clone()
	s.mutate(func(e Snapshot) {
		for name := range e {
			delete(e, name)
		}
		for name, providers := range next {
			e[name] = providers
		}
	})
}

// AllEntries returns a deep copy of the directory.
func (s *Store) AllEntries() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.entries.Clone()
}

// AllProviderIdentities lists every identity providing at least one file,
// sorted by host then port.
func (s *Store) AllProviderIdentities() []proto.PeerInfo {
	s.mu.Lock()
	seen := make(map[proto.PeerInfo]struct{})
	for _, providers := range s.entries {
		for id := range providers {
			seen[id] = struct{}{}
		}
	}
	s.mu.Unlock()
	out := make([]proto.PeerInfo, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	SortPeers(out)
	return out
}

// Lookup returns the providers of filename, sorted.
func (s *Store) Lookup(filename string) []proto.PeerInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.entries.Providers(filename)
}

func (s *Store) Metadata(filename string, id proto.PeerInfo) (json.RawMessage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	meta, ok := s.entries[filename][id]
	return cloneRaw(meta), ok
}

// ProviderFiles returns the filenames id provides, sorted.
func (s *Store) ProviderFiles(id proto.PeerInfo) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for name, providers := range s.entries {
		if _, ok := providers[id]; ok {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Stats{Files: len(s.entries), Writes: s.writes, WriteErrors: s.writeErrors}
	ids := make(map[proto.PeerInfo]struct{})
	for _, providers := range s.entries {
		st.Records += len(providers)
		for id := range providers {
			ids[id] = struct{}{}
		}
	}
	st.Providers = len(ids)
	return st
}

// Close releases the persistence lock. The store stays usable in memory.
func (s *Store) Close() error {
	s.mu.Lock()
	lk := s.lock
	s.lock = nil
	s.mu.Unlock()
	if lk == nil {
		return nil
	}
	return lk.Unlock()
}

func (s *Store) mutate(fn func(Snapshot)) {
	s.mu.Lock()
	fn(s.entries)
	s.persistLocked()
	hook := s.onChange
	s.mu.Unlock()
	if hook != nil {
		hook()
	}
}

// persistLocked rewrites the backing file. Failures are logged; the in-memory
// state is kept either way.
func (s *Store) persistLocked() {
	if s.path == "" {
		return
	}
	if err := store.WriteJSONAtomic(s.path, s.entries.Listing()); err != nil {
		s.writeErrors++
		s.log.Error("persist directory", zap.String("path", s.path), zap.Error(err))
		return
	}
	s.writes++
}

func removeProvider(e Snapshot, filename string, id proto.PeerInfo) {
	providers, ok := e[filename]
	if !ok {
		return
	}
	delete(providers, id)
	if len(providers) == 0 {
		delete(e, filename)
	}
}
