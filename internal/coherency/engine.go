// Package coherency — engine.go
//
// Engine is the distributed MOESI coherency engine. One Engine instance
// runs per node and owns that node's share of the directory: every
// cacheline whose HDM decode resolves to this node's target ID is
// authoritative here, regardless of whether the requester is a local head
// or a remote node forwarded in over the fabric.
//
// Directory storage uses an arena-plus-index design rather than a plain
// map[addr]*DirectoryEntry: entries live in a growable slice (the arena)
// and a map from address to slice index is consulted only to find the
// entry, never to hold its lock. This keeps the map's RWMutex held for the
// duration of a lookup, not for the duration of an access, and lets two
// requests against different cachelines proceed fully in parallel once
// each has its entry pointer.
package coherency

import (
	"math"
	"sync"
	"sync/atomic"

	"github.com/sluglab/cxlmemsim/internal/hdm"
	"github.com/sluglab/cxlmemsim/internal/logp"
)

// FabricLink reports the wire-level traversal latency to one peer node.
// Engine depends on this narrow interface rather than the concrete fabric
// link type, so this package never imports the fabric transport layer.
type FabricLink interface {
	TraversalLatencyNS(ts uint64, nBytes uint64) float64
}

// directory is the arena+index store of DirectoryEntry values for the
// cachelines this Engine is home for.
type directory struct {
	mu      sync.RWMutex
	entries []*DirectoryEntry
	index   map[uint64]int
}

func newDirectory() *directory {
	return &directory{index: make(map[uint64]int)}
}

// getOrCreate returns the entry for addr, creating one in state Invalid if
// this is the first access. The returned pointer is stable for the life of
// the directory: entries are never removed or relocated.
func (d *directory) getOrCreate(addr uint64) *DirectoryEntry {
	d.mu.RLock()
	if idx, ok := d.index[addr]; ok {
		e := d.entries[idx]
		d.mu.RUnlock()
		return e
	}
	d.mu.RUnlock()

	d.mu.Lock()
	defer d.mu.Unlock()
	if idx, ok := d.index[addr]; ok {
		return d.entries[idx]
	}
	e := newDirectoryEntry(addr)
	d.index[addr] = len(d.entries)
	d.entries = append(d.entries, e)
	return e
}

// get returns the entry for addr if one exists. Unlike getOrCreate it never
// materializes an entry: remote-side protocol handlers use it so an
// INVALIDATE or DOWNGRADE for a line this node never touched stays a no-op.
func (d *directory) get(addr uint64) (*DirectoryEntry, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	idx, ok := d.index[addr]
	if !ok {
		return nil, false
	}
	return d.entries[idx], true
}

func (d *directory) size() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.entries)
}

// Engine is the per-node coherency directory and MOESI state machine.
type Engine struct {
	localNode           uint32
	decoder             *hdm.Decoder
	logpModel           *logp.Model
	baseDeviceLatencyNS float64

	dir *directory

	headsMu sync.RWMutex
	heads   map[uint32]*Head

	linksMu sync.RWMutex
	links   map[uint32]FabricLink

	transport        Transport
	violationHandler ViolationHandler

	observersMu sync.RWMutex
	observers   []Observer

	coherencyMessages atomic.Uint64
	invalidations     atomic.Uint64
	downgrades        atomic.Uint64
	writebacks        atomic.Uint64
	remoteOps         atomic.Uint64
	totalOps          atomic.Uint64
	totalLatencyNSx1k atomic.Uint64 // latency accumulated in units of 1/1000 ns, for integer atomics
}

// Option configures an Engine at construction time.
type Option func(*Engine)

// WithTransport injects the message-sending side of the coherency
// protocol. Engines used in single-node tests can omit it: no remote
// message is ever sent unless a peer with a conflicting copy exists, and
// single-node workloads never produce a remote peer.
func WithTransport(t Transport) Option {
	return func(e *Engine) { e.transport = t }
}

// WithViolationHandler overrides the default (no-op) invariant violation
// handler.
func WithViolationHandler(h ViolationHandler) Option {
	return func(e *Engine) { e.violationHandler = h }
}

// NewEngine creates a coherency engine that is home for whichever
// addresses decoder resolves to localNode.
func NewEngine(localNode uint32, decoder *hdm.Decoder, logpModel *logp.Model, baseDeviceLatencyNS float64, opts ...Option) *Engine {
	e := &Engine{
		localNode:           localNode,
		decoder:             decoder,
		logpModel:           logpModel,
		baseDeviceLatencyNS: baseDeviceLatencyNS,
		dir:                 newDirectory(),
		heads:               make(map[uint32]*Head),
		links:               make(map[uint32]FabricLink),
		violationHandler:    func(*InvariantViolation) {},
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// RegisterObserver adds an Observer that will be notified of every
// committed transition from this point forward.
func (e *Engine) RegisterObserver(o Observer) {
	e.observersMu.Lock()
	defer e.observersMu.Unlock()
	e.observers = append(e.observers, o)
}

// RegisterFabricLink installs the traversal-latency model used when
// accounting for messages sent to peer.
func (e *Engine) RegisterFabricLink(peer uint32, link FabricLink) {
	e.linksMu.Lock()
	defer e.linksMu.Unlock()
	e.links[peer] = link
}

// ActivateHead brings up head h, rebalancing bandwidth shares evenly
// across all active heads.
func (e *Engine) ActivateHead(headID uint32) {
	e.headsMu.Lock()
	defer e.headsMu.Unlock()
	h, ok := e.heads[headID]
	if !ok {
		h = &Head{HeadID: headID}
		e.heads[headID] = h
	}
	h.Active = true
	e.rebalanceBandwidthLocked()
}

// DeactivateHead brings down head h.
func (e *Engine) DeactivateHead(headID uint32) {
	e.headsMu.Lock()
	defer e.headsMu.Unlock()
	if h, ok := e.heads[headID]; ok {
		h.Active = false
	}
	e.rebalanceBandwidthLocked()
}

func (e *Engine) rebalanceBandwidthLocked() {
	active := 0
	for _, h := range e.heads {
		if h.Active {
			active++
		}
	}
	if active == 0 {
		return
	}
	share := 1.0 / float64(active)
	for _, h := range e.heads {
		if h.Active {
			h.BandwidthShare = share
		} else {
			h.BandwidthShare = 0
		}
	}
}

// DirectoryEntrySnapshot is a consistent, lock-free-to-read copy of one
// DirectoryEntry, for introspection callers (the admin surface) that must
// not hold an entry's mutex.
type DirectoryEntrySnapshot struct {
	Addr         uint64
	State        State
	OwnerNode    uint32
	Sharers      []uint32
	Version      uint64
	HasDirtyData bool
}

// LookupEntry returns a snapshot of the directory entry for addr's
// cacheline, or ok=false if no entry has been created yet (it has never
// been accessed, and its implicit state is Invalid/unowned).
func (e *Engine) LookupEntry(addr uint64) (DirectoryEntrySnapshot, bool) {
	cl := CachelineAddr(addr)
	e.dir.mu.RLock()
	idx, ok := e.dir.index[cl]
	e.dir.mu.RUnlock()
	if !ok {
		return DirectoryEntrySnapshot{}, false
	}
	entry := e.dir.entries[idx]
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return snapshotLocked(entry), true
}

// ListEntries returns a snapshot of every directory entry currently
// tracked. Intended for admin introspection on small/test topologies, not
// the coherency hot path.
func (e *Engine) ListEntries() []DirectoryEntrySnapshot {
	e.dir.mu.RLock()
	entries := make([]*DirectoryEntry, len(e.dir.entries))
	copy(entries, e.dir.entries)
	e.dir.mu.RUnlock()

	out := make([]DirectoryEntrySnapshot, 0, len(entries))
	for _, entry := range entries {
		entry.mu.Lock()
		out = append(out, snapshotLocked(entry))
		entry.mu.Unlock()
	}
	return out
}

func snapshotLocked(e *DirectoryEntry) DirectoryEntrySnapshot {
	sharers := make([]uint32, 0, len(e.Sharers))
	for peer := range e.Sharers {
		sharers = append(sharers, peer)
	}
	return DirectoryEntrySnapshot{
		Addr:         e.Addr,
		State:        e.State,
		OwnerNode:    e.OwnerNode,
		Sharers:      sharers,
		Version:      e.Version,
		HasDirtyData: e.HasDirtyData,
	}
}

// DirectoryEntries returns the number of entries currently tracked, for
// the directory_entries gauge.
func (e *Engine) DirectoryEntries() int {
	return e.dir.size()
}

// Stats returns a snapshot of engine counters.
func (e *Engine) Stats() Stats {
	totalOps := e.totalOps.Load()
	var avg float64
	if totalOps > 0 {
		avg = float64(e.totalLatencyNSx1k.Load()) / 1000.0 / float64(totalOps)
	}
	return Stats{
		CoherencyMessages:   e.coherencyMessages.Load(),
		Invalidations:       e.invalidations.Load(),
		Downgrades:          e.downgrades.Load(),
		Writebacks:          e.writebacks.Load(),
		RemoteOps:           e.remoteOps.Load(),
		AvgCoherencyLatency: avg,
	}
}

// contentionLatencyNS returns the bandwidth-sharing delay a head pays on
// every access when two or more heads are active on this node.
func (e *Engine) contentionLatencyNS(headID uint32) float64 {
	e.headsMu.RLock()
	defer e.headsMu.RUnlock()
	active := 0
	for _, h := range e.heads {
		if h.Active {
			active++
		}
	}
	if active < 2 {
		return 0
	}
	fairShare := 1.0 / float64(active)
	if h, ok := e.heads[headID]; ok && h.BandwidthShare > 0 {
		fairShare = h.BandwidthShare
	}
	delay := e.baseDeviceLatencyNS * (1.0/fairShare - 1.0) * 0.3
	cap := e.baseDeviceLatencyNS * 5
	if delay > cap {
		delay = cap
	}
	return delay
}

// accountRemote increments remote_ops when req originates off-node and
// folds in fabric traversal latency when a link is registered for the
// requester.
func (e *Engine) accountRemote(req Request, latency *float64) {
	if req.RequestingNode == e.localNode {
		return
	}
	e.remoteOps.Add(1)
	e.linksMu.RLock()
	link, ok := e.links[req.RequestingNode]
	e.linksMu.RUnlock()
	if ok {
		*latency += link.TraversalLatencyNS(req.Timestamp, CachelineSize)
	}
}

func (e *Engine) recordOp(latencyNS float64) {
	e.totalOps.Add(1)
	e.totalLatencyNSx1k.Add(uint64(math.Round(latencyNS * 1000)))
}

func (e *Engine) notify(ev TransitionEvent) {
	e.observersMu.RLock()
	defer e.observersMu.RUnlock()
	for _, o := range e.observers {
		o.Observe(ev)
	}
}

func (e *Engine) reportViolation(v *InvariantViolation) {
	if v == nil {
		return
	}
	e.violationHandler(v)
}

// sendInvalidate sends an INVALIDATE to peer and accounts for it: one
// message latency plus the coherency_messages and invalidations counters.
func (e *Engine) sendInvalidate(peer uint32, addr uint64, ts uint64) float64 {
	if e.transport != nil {
		e.transport.SendInvalidate(peer, addr)
	}
	e.coherencyMessages.Add(1)
	e.invalidations.Add(1)
	return e.logpModel.MessageLatency(ts, peer)
}

// sendDowngrade sends a DOWNGRADE to peer: one message latency plus the
// coherency_messages and downgrades counters.
func (e *Engine) sendDowngrade(peer uint32, addr uint64, ts uint64) float64 {
	if e.transport != nil {
		e.transport.SendDowngrade(peer, addr)
	}
	e.coherencyMessages.Add(1)
	e.downgrades.Add(1)
	return e.logpModel.MessageLatency(ts, peer)
}

// sendFetch accounts for forwarding data out of an Owned line's holder:
// one message latency plus the coherency_messages counter only. It is
// neither an invalidation nor a downgrade — the owner keeps its copy in
// the same state, so no envelope needs to reach it.
func (e *Engine) sendFetch(peer uint32, ts uint64) float64 {
	e.coherencyMessages.Add(1)
	return e.logpModel.MessageLatency(ts, peer)
}

// sendFetchFromOwner services a read miss against a dirty remote owner.
// The owner's copy steps M -> O through an explicit DOWNGRADE envelope,
// but the accounting is fetch semantics: one message latency plus
// coherency_messages only. The downgrades counter is reserved for
// Exclusive-owner downgrades.
func (e *Engine) sendFetchFromOwner(peer uint32, addr uint64, ts uint64) float64 {
	if e.transport != nil {
		e.transport.SendDowngrade(peer, addr)
	}
	e.coherencyMessages.Add(1)
	return e.logpModel.MessageLatency(ts, peer)
}

// ProcessRead resolves a read request against the directory, per the MOESI
// read-transition table.
func (e *Engine) ProcessRead(req Request) Response {
	addr := CachelineAddr(req.Addr)
	decoded := e.decoder.Decode(addr)
	if decoded.TargetID == hdm.NoTarget {
		return Response{Success: false}
	}

	entry := e.dir.getOrCreate(addr)
	entry.mu.Lock()
	defer entry.mu.Unlock()

	from := entry.State
	latency := e.contentionLatencyNS(req.RequestingHead)
	dataSource := req.RequestingNode
	var newState State

	switch entry.State {
	case Invalid:
		entry.State = Shared
		entry.OwnerNode = NoNode
		entry.Sharers = map[uint32]struct{}{req.RequestingNode: {}}
		entry.Version++
		newState = Shared

	case Shared:
		if _, already := entry.Sharers[req.RequestingNode]; !already {
			entry.Sharers[req.RequestingNode] = struct{}{}
			entry.Version++
		}
		newState = Shared

	case Exclusive:
		if entry.OwnerNode == req.RequestingNode {
			newState = Exclusive
		} else {
			oldOwner := entry.OwnerNode
			latency += e.sendDowngrade(oldOwner, addr, req.Timestamp)
			entry.State = Shared
			entry.Sharers = map[uint32]struct{}{oldOwner: {}, req.RequestingNode: {}}
			entry.OwnerNode = NoNode
			entry.HasDirtyData = false
			entry.Version++
			newState = Shared
		}

	case Modified:
		if entry.OwnerNode == req.RequestingNode {
			newState = Modified
		} else {
			dataSource = entry.OwnerNode
			latency += e.sendFetchFromOwner(entry.OwnerNode, addr, req.Timestamp)
			entry.State = Owned
			entry.Sharers[req.RequestingNode] = struct{}{}
			entry.Version++
			newState = Owned
		}

	case Owned:
		if entry.OwnerNode == req.RequestingNode {
			newState = Owned
		} else {
			dataSource = entry.OwnerNode
			latency += e.sendFetch(entry.OwnerNode, req.Timestamp)
			entry.Sharers[req.RequestingNode] = struct{}{}
			entry.Version++
			newState = Owned
		}
	}

	e.accountRemote(req, &latency)
	e.recordOp(latency)
	e.reportViolation(entry.checkInvariants())
	e.notify(TransitionEvent{
		Addr: addr, FromState: from, ToState: entry.State,
		RequestingNode: req.RequestingNode, OwnerNode: entry.OwnerNode,
		Version: entry.Version, LatencyNS: latency, IsWrite: false,
	})

	return Response{LatencyNS: latency, NewState: newState, Success: true, DataSourceNode: dataSource}
}

// ProcessWrite resolves a write request against the directory, per the
// MOESI write-transition table: every successful write leaves the line
// Modified, owned solely by the requester.
func (e *Engine) ProcessWrite(req Request) Response {
	addr := CachelineAddr(req.Addr)
	decoded := e.decoder.Decode(addr)
	if decoded.TargetID == hdm.NoTarget {
		return Response{Success: false}
	}

	entry := e.dir.getOrCreate(addr)
	entry.mu.Lock()
	defer entry.mu.Unlock()

	from := entry.State
	latency := e.contentionLatencyNS(req.RequestingHead)
	dataSource := req.RequestingNode

	switch entry.State {
	case Invalid:
		// no message required

	case Shared:
		latency += e.invalidateSharers(entry, req.RequestingNode, req.Timestamp)

	case Exclusive:
		if entry.OwnerNode != req.RequestingNode {
			latency += e.sendInvalidate(entry.OwnerNode, addr, req.Timestamp)
		}

	case Modified:
		if entry.OwnerNode != req.RequestingNode {
			dataSource = entry.OwnerNode
			latency += e.sendInvalidate(entry.OwnerNode, addr, req.Timestamp)
		}

	case Owned:
		latency += e.invalidateSharers(entry, req.RequestingNode, req.Timestamp)
		if entry.OwnerNode != req.RequestingNode {
			dataSource = entry.OwnerNode
			latency += e.sendInvalidate(entry.OwnerNode, addr, req.Timestamp)
		}
	}

	entry.State = Modified
	entry.OwnerNode = req.RequestingNode
	entry.OwnerHead = req.RequestingHead
	entry.Sharers = make(map[uint32]struct{})
	entry.HasDirtyData = true
	entry.Version++

	e.accountRemote(req, &latency)
	e.recordOp(latency)
	e.reportViolation(entry.checkInvariants())
	e.notify(TransitionEvent{
		Addr: addr, FromState: from, ToState: Modified,
		RequestingNode: req.RequestingNode, OwnerNode: entry.OwnerNode,
		Version: entry.Version, LatencyNS: latency, IsWrite: true,
	})

	return Response{LatencyNS: latency, NewState: Modified, Success: true, DataSourceNode: dataSource}
}

// ProcessAtomic resolves an atomic read-modify-write: the same directory
// transition as ProcessWrite, plus the requester and home node's own
// handler overhead (o_s + o_r) since an atomic cannot be serviced by a
// plain forwarded message.
func (e *Engine) ProcessAtomic(req Request) Response {
	resp := e.ProcessWrite(req)
	if !resp.Success {
		return resp
	}
	resp.LatencyNS += e.logpModel.OverheadNS(req.RequestingNode)
	return resp
}

// invalidateSharers invalidates every current sharer of entry except
// requester, in parallel: wall-clock cost is one message latency plus
// (n-1) inter-message gaps, not n serialized message latencies.
func (e *Engine) invalidateSharers(entry *DirectoryEntry, requester uint32, ts uint64) float64 {
	targets := make([]uint32, 0, len(entry.Sharers))
	for peer := range entry.Sharers {
		if peer != requester {
			targets = append(targets, peer)
		}
	}
	if len(targets) == 0 {
		return 0
	}
	maxLatency := 0.0
	for i, peer := range targets {
		l := e.sendInvalidate(peer, entry.Addr, ts) + float64(i)*e.logpModel.Gap(peer)
		if l > maxLatency {
			maxLatency = l
		}
	}
	return maxLatency
}

// HandleRemoteInvalidate applies an INVALIDATE received from fromNode (the
// home node, or whoever is driving the transition) for a cacheline this
// node held a copy of. This runs at a non-home participant; its directory
// entry here is a shadow of its own cached copy, not the authoritative one.
// An INVALIDATE for a line this node never tracked is a no-op.
func (e *Engine) HandleRemoteInvalidate(addr uint64, fromNode uint32) {
	_ = fromNode
	entry, ok := e.dir.get(CachelineAddr(addr))
	if !ok {
		return
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	entry.State = Invalid
	entry.OwnerNode = NoNode
	entry.Sharers = make(map[uint32]struct{})
	entry.HasDirtyData = false
	entry.Version++
}

// HandleRemoteDowngrade applies a DOWNGRADE to this node's shadow copy: a
// Modified line steps down to Owned (dirty data retained, readable by the
// fetching peer); an Exclusive line steps down to Shared, the owner moving
// into the sharer set. Any other state is left alone — the home directory
// is authoritative and a stale downgrade must not corrupt a line that has
// since moved on.
func (e *Engine) HandleRemoteDowngrade(addr uint64, fromNode uint32) {
	_ = fromNode
	entry, ok := e.dir.get(CachelineAddr(addr))
	if !ok {
		return
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	switch entry.State {
	case Modified:
		entry.State = Owned
	case Exclusive:
		if entry.OwnerNode != NoNode {
			entry.Sharers[entry.OwnerNode] = struct{}{}
		}
		entry.State = Shared
		entry.OwnerNode = NoNode
		entry.HasDirtyData = false
	default:
		return
	}
	entry.Version++
}

// HandleRemoteWriteback applies a WRITEBACK from fromNode: clears
// has_dirty_data, drops the line to Invalid, and clears the whole sharer
// set and the ownership, whichever node fromNode is.
func (e *Engine) HandleRemoteWriteback(addr uint64, fromNode uint32, data []byte) {
	_ = data
	e.writebacks.Add(1)
	entry, ok := e.dir.get(CachelineAddr(addr))
	if !ok {
		return
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	entry.HasDirtyData = false
	entry.State = Invalid
	entry.OwnerNode = NoNode
	entry.Sharers = make(map[uint32]struct{})
	entry.Version++
}
