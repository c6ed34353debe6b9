package metrics

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestMetricsCounters(t *testing.T) {
	m := New()
	m.IncAccepted()
	m.IncAccepted()
	m.IncHandled()
	m.IncTimeout()
	m.IncHandlerError()
	m.IncPanic()
	m.IncPeriodicRun()
	m.IncPeriodicFail()
	m.IncOutbound()
	m.IncOutboundFail()
	m.IncRecvByAction("register")
	m.IncRecvByAction("register")
	m.IncDropByReason("rate")
	m.AddConns(3)
	m.SetDirectory(4, 2, 5)
	snap := m.Snapshot()
	if snap.Service.Accepted != 2 || snap.Service.Handled != 1 {
		t.Fatalf("unexpected service counts: %+v", snap.Service)
	}
	if snap.Service.Timeouts != 1 || snap.Service.HandlerErrors != 1 || snap.Service.Panics != 1 {
		t.Fatalf("unexpected failure counts: %+v", snap.Service)
	}
	if snap.Periodic.Runs != 1 || snap.Periodic.Failures != 1 {
		t.Fatalf("unexpected periodic counts: %+v", snap.Periodic)
	}
	if snap.Outbound.Requests != 1 || snap.Outbound.Failures != 1 {
		t.Fatalf("unexpected outbound counts: %+v", snap.Outbound)
	}
	if snap.RecvByAction["register"] != 2 {
		t.Fatalf("expected recv_by_action register=2, got %d", snap.RecvByAction["register"])
	}
	if snap.DropByReason["rate"] != 1 || m.DropCount("rate") != 1 {
		t.Fatalf("expected drop_by_reason rate=1, got %d", snap.DropByReason["rate"])
	}
	if snap.CurrentConns != 3 {
		t.Fatalf("expected conns=3, got %d", snap.CurrentConns)
	}
	if snap.Directory.Files != 4 || snap.Directory.Providers != 2 || snap.Directory.Records != 5 {
		t.Fatalf("unexpected directory gauges: %+v", snap.Directory)
	}
}

func TestRecentRing(t *testing.T) {
	r := NewRecent(2)
	r.Add(Event{Kind: "a"})
	r.Add(Event{Kind: "b"})
	r.Add(Event{Kind: "c"})
	list := r.List()
	if len(list) != 2 || list[0].Kind != "b" || list[1].Kind != "c" {
		t.Fatalf("unexpected ring contents: %+v", list)
	}
	if list[0].At.IsZero() {
		t.Fatalf("expected timestamp to be filled")
	}
}

func TestWriteSnapshot(t *testing.T) {
	m := New()
	m.IncDropByReason("decode")
	path := filepath.Join(t.TempDir(), "metrics.json")
	if err := m.WriteSnapshot(path); err != nil {
		t.Fatalf("write snapshot: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if snap.DropByReason["decode"] != 1 {
		t.Fatalf("expected decode drop in snapshot, got %+v", snap.DropByReason)
	}
	if err := m.WriteSnapshot(""); err != nil {
		t.Fatalf("empty path: %v", err)
	}
}
