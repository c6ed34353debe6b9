package metrics

import (
	"sync"
	"sync/atomic"
	"time"

	"uwushare/internal/store"
)

// Event is one entry in the recent-activity ring.
type Event struct {
	At     time.Time `json:"at"`
	Kind   string    `json:"kind"`
	Action string    `json:"action,omitempty"`
	Remote string    `json:"remote,omitempty"`
	Detail string    `json:"detail,omitempty"`
}

type Snapshot struct {
	GeneratedAt  time.Time         `json:"generated_at"`
	Service      ServiceMetrics    `json:"service"`
	Periodic     PeriodicMetrics   `json:"periodic"`
	Outbound     OutboundMetrics   `json:"outbound"`
	Directory    DirectoryMetrics  `json:"directory"`
	RecvByAction map[string]uint64 `json:"recv_by_action"`
	DropByReason map[string]uint64 `json:"drop_by_reason"`
	CurrentConns int64             `json:"current_conns"`
	Recent       []Event           `json:"recent"`
}

type ServiceMetrics struct {
	Accepted      uint64 `json:"accepted"`
	Handled       uint64 `json:"handled"`
	Timeouts      uint64 `json:"timeouts"`
	HandlerErrors uint64 `json:"handler_errors"`
	Panics        uint64 `json:"panics"`
}

type PeriodicMetrics struct {
	Runs     uint64 `json:"runs"`
	Failures uint64 `json:"failures"`
}

type OutboundMetrics struct {
	Requests uint64 `json:"requests"`
	Failures uint64 `json:"failures"`
}

type DirectoryMetrics struct {
	Files     int64 `json:"files"`
	Providers int64 `json:"providers"`
	Records   int64 `json:"records"`
}

type Metrics struct {
	accepted      atomic.Uint64
	handled       atomic.Uint64
	timeouts      atomic.Uint64
	handlerErrors atomic.Uint64
	panics        atomic.Uint64

	periodicRuns     atomic.Uint64
	periodicFailures atomic.Uint64

	outbound         atomic.Uint64
	outboundFailures atomic.Uint64

	dirFiles     atomic.Int64
	dirProviders atomic.Int64
	dirRecords   atomic.Int64

	currentConns atomic.Int64

	mu           sync.Mutex
	recvByAction map[string]uint64
	dropByReason map[string]uint64

	recent *Recent
}

func New() *Metrics {
	return &Metrics{
		recvByAction: make(map[string]uint64),
		dropByReason: make(map[string]uint64),
		recent:       NewRecent(64),
	}
}

func (m *Metrics) Recent() *Recent {
	return m.recent
}

func (m *Metrics) IncAccepted() { m.accepted.Add(1) }
func (m *Metrics) IncHandled() { m.handled.Add(1) }
func (m *Metrics) IncTimeout() { m.timeouts.Add(1) }
func (m *Metrics) IncHandlerError() { m.handlerErrors.Add(1) }
func (m *Metrics) IncPanic() { m.panics.Add(1) }
func (m *Metrics) IncPeriodicRun() { m.periodicRuns.Add(1) }
func (m *Metrics) IncPeriodicFail() { m.periodicFailures.Add(1) }
func (m *Metrics) IncOutbound() { m.outbound.Add(1) }
func (m *Metrics) IncOutboundFail() { m.outboundFailures.Add(1) }
func (m *Metrics) AddConns(d int64) { m.currentConns.Add(d) }
func (m *Metrics) CurrentConns() int64 { return m.currentConns.Load() }

func (m *Metrics) SetDirectory(files, providers, records int) {
	m.dirFiles.Store(int64(files))
	m.dirProviders.Store(int64(providers))
	m.dirRecords.Store(int64(records))
}

func (m *Metrics) IncRecvByAction(action string) {
	if action == "" {
		action = "unknown"
	}
	m.mu.Lock()
	m.recvByAction[action]++
	m.mu.Unlock()
}

func (m *Metrics) IncDropByReason(reason string) {
	if reason == "" {
		reason = "unknown"
	}
	m.mu.Lock()
	m.dropByReason[reason]++
	m.mu.Unlock()
}

func (m *Metrics) DropCount(reason string) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dropByReason[reason]
}

func (m *Metrics) Snapshot() Snapshot {
	recent := []Event{}
	if m.recent != nil {
		recent = m.recent.List()
	}
	m.mu.Lock()
	recv := make(map[string]uint64, len(m.recvByAction))
	for k, v := range m.recvByAction {
		recv[k] = v
	}
	drops := make(map[string]uint64, len(m.dropByReason))
	for k, v := range m.dropByReason {
		drops[k] = v
	}
	m.mu.Unlock()
	return Snapshot{
		GeneratedAt: time.Now().UTC(),
		Service: ServiceMetrics{
			Accepted:      m.accepted.Load(),
			Handled:       m.handled.Load(),
			Timeouts:      m.timeouts.Load(),
			HandlerErrors: m.handlerErrors.Load(),
			Panics:        m.panics.Load(),
		},
		Periodic: PeriodicMetrics{
			Runs:     m.periodicRuns.Load(),
			Failures: m.periodicFailures.Load(),
		},
		Outbound: OutboundMetrics{
			Requests: m.outbound.Load(),
			Failures: m.outboundFailures.Load(),
		},
		Directory: DirectoryMetrics{
			Files:     m.dirFiles.Load(),
			Providers: m.dirProviders.Load(),
			Records:   m.dirRecords.Load(),
		},
		RecvByAction: recv,
		DropByReason: drops,
		CurrentConns: m.currentConns.Load(),
		Recent:       recent,
	}
}

func (m *Metrics) WriteSnapshot(path string) error {
	if path == "" {
		return nil
	}
	return store.WriteJSONAtomic(path, m.Snapshot())
}

// Recent is a fixed-size ring of the latest events.
type Recent struct {
	mu   sync.Mutex
	cap  int
	list []Event
}

func NewRecent(capacity int) *Recent {
	if capacity <= 0 {
		capacity = 64
	}
	return &Recent{cap: capacity}
}

func (r *Recent) Add(e Event) {
	if r == nil {
		return
	}
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.list) >= r.cap {
		copy(r.list, r.list[1:])
		r.list[len(r.list)-1] = e
		return
	}
	r.list = append(r.list, e)
}

func (r *Recent) List() []Event {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.list))
	copy(out, r.list)
	return out
}
