package coherency

import (
	"math/rand"
	"testing"

	"github.com/sluglab/cxlmemsim/internal/hdm"
	"github.com/sluglab/cxlmemsim/internal/logp"
)

func newTestEngine(t *testing.T, localNode uint32) *Engine {
	t.Helper()
	d := hdm.NewDecoder(hdm.ModeRangeBased)
	d.AddRange(0, 1<<30, localNode, false)
	m := logp.NewModel(logp.Params{L: 100, OsNs: 20, OrNs: 20, GNs: 10})
	return NewEngine(localNode, d, m, 100)
}

func TestEngine_FirstReadGoesSharedWithNoOwner(t *testing.T) {
	e := newTestEngine(t, 0)
	resp := e.ProcessRead(Request{Addr: 0x1000, RequestingNode: 1})
	if !resp.Success || resp.NewState != Shared {
		t.Fatalf("resp = %+v, want success+Shared", resp)
	}
	entry := e.dir.getOrCreate(CachelineAddr(0x1000))
	if entry.OwnerNode != NoNode {
		t.Fatalf("owner = %d, want NoNode", entry.OwnerNode)
	}
	if _, ok := entry.Sharers[1]; !ok {
		t.Fatal("requester not recorded as sharer")
	}
}

func TestEngine_WriteFromInvalidGoesModifiedNoMessage(t *testing.T) {
	e := newTestEngine(t, 0)
	resp := e.ProcessWrite(Request{Addr: 0x2000, RequestingNode: 3})
	if !resp.Success || resp.NewState != Modified {
		t.Fatalf("resp = %+v, want success+Modified", resp)
	}
	if got := e.Stats().CoherencyMessages; got != 0 {
		t.Fatalf("coherency_messages = %d, want 0 for write against Invalid", got)
	}
}

func TestEngine_WriteInvalidatesAllSharers(t *testing.T) {
	e := newTestEngine(t, 0)
	addr := uint64(0x3000)
	e.ProcessRead(Request{Addr: addr, RequestingNode: 1})
	e.ProcessRead(Request{Addr: addr, RequestingNode: 2})

	resp := e.ProcessWrite(Request{Addr: addr, RequestingNode: 0})
	if !resp.Success || resp.NewState != Modified {
		t.Fatalf("resp = %+v, want success+Modified", resp)
	}
	stats := e.Stats()
	if stats.Invalidations != 2 {
		t.Fatalf("invalidations = %d, want 2", stats.Invalidations)
	}
	if stats.RemoteOps != 2 {
		t.Fatalf("remote_ops = %d, want 2 (the two reads), got write contribution too?", stats.RemoteOps)
	}
}

func TestEngine_ModifiedReadByOtherNodeGoesOwned(t *testing.T) {
	e := newTestEngine(t, 0)
	addr := uint64(0x4000)
	e.ProcessWrite(Request{Addr: addr, RequestingNode: 5})

	resp := e.ProcessRead(Request{Addr: addr, RequestingNode: 7})
	if !resp.Success || resp.NewState != Owned {
		t.Fatalf("resp = %+v, want success+Owned", resp)
	}
	if resp.DataSourceNode != 5 {
		t.Fatalf("data source = %d, want 5 (the old owner)", resp.DataSourceNode)
	}
	entry := e.dir.getOrCreate(CachelineAddr(addr))
	if entry.OwnerNode != 5 {
		t.Fatalf("owner after fetch = %d, want unchanged 5", entry.OwnerNode)
	}
	if _, ok := entry.Sharers[7]; !ok {
		t.Fatal("requester should be added as sharer of owned line")
	}
	// Fetch accounting: one coherency message, no downgrade counted.
	stats := e.Stats()
	if stats.CoherencyMessages != 1 {
		t.Fatalf("coherency_messages = %d, want 1 for the owner fetch", stats.CoherencyMessages)
	}
	if stats.Downgrades != 0 {
		t.Fatalf("downgrades = %d, want 0: fetch-from-M is not a downgrade", stats.Downgrades)
	}
}

func TestEngine_ExclusiveReadByOtherNodeCountsDowngrade(t *testing.T) {
	e := newTestEngine(t, 0)
	addr := uint64(0x4100)
	e.ProcessRead(Request{Addr: addr, RequestingNode: 5})
	entry := e.dir.getOrCreate(CachelineAddr(addr))
	entry.mu.Lock()
	entry.State = Exclusive
	entry.OwnerNode = 5
	entry.Sharers = make(map[uint32]struct{})
	entry.mu.Unlock()

	resp := e.ProcessRead(Request{Addr: addr, RequestingNode: 7})
	if !resp.Success || resp.NewState != Shared {
		t.Fatalf("resp = %+v, want success+Shared", resp)
	}
	stats := e.Stats()
	if stats.Downgrades != 1 {
		t.Fatalf("downgrades = %d, want 1 for the E-owner downgrade", stats.Downgrades)
	}
}

func TestEngine_ExclusiveUpgradeBySameNodeIsFree(t *testing.T) {
	e := newTestEngine(t, 0)
	addr := uint64(0x5000)
	e.ProcessRead(Request{Addr: addr, RequestingNode: 0})
	entry := e.dir.getOrCreate(CachelineAddr(addr))
	entry.mu.Lock()
	entry.State = Exclusive
	entry.OwnerNode = 0
	entry.Sharers = make(map[uint32]struct{})
	entry.mu.Unlock()

	before := e.Stats().CoherencyMessages
	resp := e.ProcessWrite(Request{Addr: addr, RequestingNode: 0})
	if !resp.Success || resp.NewState != Modified {
		t.Fatalf("resp = %+v, want success+Modified", resp)
	}
	if after := e.Stats().CoherencyMessages; after != before {
		t.Fatalf("upgrade by owner should not send a message: before=%d after=%d", before, after)
	}
}

func TestEngine_UnmappedAddressFails(t *testing.T) {
	e := newTestEngine(t, 0)
	resp := e.ProcessRead(Request{Addr: 1 << 40, RequestingNode: 1})
	if resp.Success {
		t.Fatal("expected failure for unmapped address")
	}
	if resp.LatencyNS != 0 {
		t.Fatalf("latency = %v, want 0 on failure", resp.LatencyNS)
	}
}

func TestEngine_ContentionLatencyAppliesWithMultipleActiveHeads(t *testing.T) {
	e := newTestEngine(t, 0)
	e.ActivateHead(0)
	e.ActivateHead(1)

	resp := e.ProcessRead(Request{Addr: 0x6000, RequestingNode: 0, RequestingHead: 0})
	if resp.LatencyNS <= 0 {
		t.Fatalf("expected nonzero contention latency with 2 active heads, got %v", resp.LatencyNS)
	}
}

func TestEngine_AtomicAddsSerializationOverhead(t *testing.T) {
	e := newTestEngine(t, 0)
	write := e.ProcessWrite(Request{Addr: 0x7000, RequestingNode: 4})
	e2 := newTestEngine(t, 0)
	atomic := e2.ProcessAtomic(Request{Addr: 0x7000, RequestingNode: 4})
	if atomic.LatencyNS <= write.LatencyNS {
		t.Fatalf("atomic latency %v should exceed plain write latency %v", atomic.LatencyNS, write.LatencyNS)
	}
}

type recordingObserver struct {
	events []TransitionEvent
}

func (r *recordingObserver) Observe(ev TransitionEvent) {
	r.events = append(r.events, ev)
}

func TestEngine_ObserverReceivesTransitions(t *testing.T) {
	e := newTestEngine(t, 0)
	obs := &recordingObserver{}
	e.RegisterObserver(obs)
	e.ProcessRead(Request{Addr: 0x8000, RequestingNode: 1})
	if len(obs.events) != 1 {
		t.Fatalf("observer got %d events, want 1", len(obs.events))
	}
	if obs.events[0].ToState != Shared {
		t.Fatalf("event.ToState = %v, want Shared", obs.events[0].ToState)
	}
}

// Directory invariants must hold and versions must be monotonic after
// every step of an arbitrary interleaving of reads, writes, and atomics
// from arbitrary nodes against a small set of contended cachelines.
func TestEngine_InvariantsUnderRandomOpSequence(t *testing.T) {
	d := hdm.NewDecoder(hdm.ModeRangeBased)
	d.AddRange(0, 1<<20, 0, false)
	m := logp.NewModel(logp.Params{L: 100, OsNs: 20, OrNs: 20, GNs: 10})
	e := NewEngine(0, d, m, 100, WithViolationHandler(func(v *InvariantViolation) {
		t.Fatalf("invariant violated: %v", v)
	}))

	rng := rand.New(rand.NewSource(1))
	lastVersion := make(map[uint64]uint64)
	for i := 0; i < 5000; i++ {
		addr := uint64(rng.Intn(8)) * CachelineSize
		req := Request{Addr: addr, RequestingNode: uint32(rng.Intn(4))}
		var resp Response
		switch rng.Intn(3) {
		case 0:
			resp = e.ProcessRead(req)
		case 1:
			resp = e.ProcessWrite(req)
		default:
			resp = e.ProcessAtomic(req)
		}
		if !resp.Success {
			t.Fatalf("op %d on 0x%x failed unexpectedly", i, addr)
		}
		snap, ok := e.LookupEntry(addr)
		if !ok {
			t.Fatalf("op %d: no directory entry for touched line 0x%x", i, addr)
		}
		if snap.Version < lastVersion[addr] {
			t.Fatalf("op %d: version went backwards on 0x%x: %d -> %d", i, addr, lastVersion[addr], snap.Version)
		}
		lastVersion[addr] = snap.Version
	}
}

func TestEngine_NoInvariantViolationsAcrossScenario(t *testing.T) {
	e := newTestEngine(t, 0)
	violations := 0
	e2 := NewEngine(0, e.decoder, e.logpModel, 100, WithViolationHandler(func(v *InvariantViolation) {
		violations++
		t.Logf("violation: %v", v)
	}))
	addr := uint64(0x9000)
	e2.ProcessRead(Request{Addr: addr, RequestingNode: 1})
	e2.ProcessRead(Request{Addr: addr, RequestingNode: 2})
	e2.ProcessWrite(Request{Addr: addr, RequestingNode: 3})
	e2.ProcessRead(Request{Addr: addr, RequestingNode: 4})
	e2.ProcessWrite(Request{Addr: addr, RequestingNode: 3})
	if violations != 0 {
		t.Fatalf("got %d invariant violations, want 0", violations)
	}
}
