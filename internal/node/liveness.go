package node

import (
	"container/list"
	"sync"
	"time"

	"uwushare/internal/proto"
)

const (
	DefaultLivenessCap = 4096
)

type seenEntry struct {
	id        proto.PeerInfo
	lastSeen  time.Time
	expiresAt time.Time
}

// liveness remembers when each provider last registered. Entries expire after
// ttl. When the table is full the least recently seen entry is forgotten; it
// is not reported by sweep and is tracked again on its next registration.
type liveness struct {
	mu    sync.Mutex
	ttl   time.Duration
	cap   int
	now   func() time.Time
	hot   map[proto.PeerInfo]*list.Element
	order *list.List
}

// newLiveness returns nil when ttl is not positive; a nil table tracks
// nothing.
func newLiveness(ttl time.Duration, capacity int) *liveness {
	if ttl <= 0 {
		return nil
	}
	if capacity <= 0 {
		capacity = DefaultLivenessCap
	}
	return &liveness{
		ttl:   ttl,
		cap:   capacity,
		now:   time.Now,
		hot:   make(map[proto.PeerInfo]*list.Element),
		order: list.New(),
	}
}

// touch records id as seen now and reports whether it was unknown.
func (l *liveness) touch(id proto.PeerInfo) bool {
	if l == nil {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	if el, ok := l.hot[id]; ok {
		ent := el.Value.(*seenEntry)
		ent.lastSeen = now
		ent.expiresAt = now.Add(l.ttl)
		l.order.MoveToFront(el)
		return false
	}
	if len(l.hot) >= l.cap {
		l.evictLocked(len(l.hot) - l.cap + 1)
	}
	l.hot[id] = l.order.PushFront(&seenEntry{id: id, lastSeen: now, expiresAt: now.Add(l.ttl)})
	return true
}

func (l *liveness) forget(id proto.PeerInfo) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if el, ok := l.hot[id]; ok {
		delete(l.hot, id)
		l.order.Remove(el)
	}
}

// sweep removes and returns every expired identity.
func (l *liveness) sweep() []proto.PeerInfo {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []proto.PeerInfo
	now := l.now()
	for el := l.order.Back(); el != nil; {
		prev := el.Prev()
		ent := el.Value.(*seenEntry)
		if ent.expiresAt.After(now) {
			break
		}
		delete(l.hot, ent.id)
		l.order.Remove(el)
		out = append(out, ent.id)
		el = prev
	}
	return out
}

func (l *liveness) lastSeen(id proto.PeerInfo) (time.Time, bool) {
	if l == nil {
		return time.Time{}, false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	el, ok := l.hot[id]
	if !ok {
		return time.Time{}, false
	}
	return el.Value.(*seenEntry).lastSeen, true
}

func (l *liveness) len() int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.hot)
}

func (l *liveness) evictLocked(n int) {
	for n > 0 {
		el := l.order.Back()
		if el == nil {
			return
		}
		ent := el.Value.(*seenEntry)
		delete(l.hot, ent.id)
		l.order.Remove(el)
		n--
	}
}
