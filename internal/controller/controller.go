// Package controller is the thin aggregation shell over one or more
// NodeServer instances: the read/write/atomic/fence surface external
// drivers (replay harnesses, the QEMU bridge, benchmarks) program against.
//
// The controller holds no coherency or address-mapping state of its own.
// Every operation is decoded through the local server's HDM view and
// dispatched to the NodeServer for the home node when one is attached
// in-process, or to the local server — which forwards over the message
// fabric — when it is not. The typical production deployment attaches only
// the local node, so everything remote goes through the fabric; in-process
// multi-node setups (tests) attach every server and skip the local fabric
// hop the same way a co-located head would.
package controller

import (
	"context"
	"sync"

	"github.com/sluglab/cxlmemsim/internal/coherency"
	"github.com/sluglab/cxlmemsim/internal/hdm"
	"github.com/sluglab/cxlmemsim/internal/nodeserver"
)

// Controller routes memory operations to the NodeServer owning the
// addressed memory.
type Controller struct {
	local *nodeserver.Server

	mu      sync.RWMutex
	servers map[uint32]*nodeserver.Server
}

// New creates a Controller fronting local. Further in-process servers may
// be attached with Attach; addresses homed anywhere else are forwarded by
// local over the fabric.
func New(local *nodeserver.Server) *Controller {
	return &Controller{
		local:   local,
		servers: map[uint32]*nodeserver.Server{local.NodeID(): local},
	}
}

// Attach registers a co-hosted NodeServer so operations homed at its node
// dispatch to it directly instead of forwarding through the fabric.
func (c *Controller) Attach(srv *nodeserver.Server) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.servers[srv.NodeID()] = srv
}

// serverFor picks the dispatch target for addr: the attached server for
// its home node if present, else the local server (which forwards).
func (c *Controller) serverFor(addr uint64) *nodeserver.Server {
	home := c.local.Decoder().HomeNode(addr)
	if home == hdm.NoTarget {
		return c.local // let the server surface the unmapped-address error
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if srv, ok := c.servers[home]; ok {
		return srv
	}
	return c.local
}

// Read reads the cacheline backing addr.
func (c *Controller) Read(ctx context.Context, addr uint64) (nodeserver.Result, error) {
	return c.serverFor(addr).Read(ctx, addr)
}

// Write writes data (up to one cacheline) at addr.
func (c *Controller) Write(ctx context.Context, addr uint64, data []byte) (nodeserver.Result, error) {
	return c.serverFor(addr).Write(ctx, addr, data)
}

// AtomicFetchAdd performs a fetch-and-add at addr, returning the pre-update
// value and the operation latency.
func (c *Controller) AtomicFetchAdd(ctx context.Context, addr uint64, delta uint64) (uint64, float64, error) {
	return c.serverFor(addr).AtomicFetchAdd(ctx, addr, delta)
}

// AtomicCompareAndSwap performs a CAS at addr, reporting whether the swap
// took effect.
func (c *Controller) AtomicCompareAndSwap(ctx context.Context, addr uint64, old, new uint64) (bool, float64, error) {
	return c.serverFor(addr).AtomicCompareAndSwap(ctx, addr, old, new)
}

// Fence emits the local server's best-effort fence broadcast.
func (c *Controller) Fence(ctx context.Context) {
	c.local.Fence(ctx)
}

// AggregateStats sums coherency-engine and fabric counters over every
// attached server.
type AggregateStats struct {
	Nodes             int
	CoherencyMessages uint64
	Invalidations     uint64
	Downgrades        uint64
	Writebacks        uint64
	RemoteOps         uint64
	MessagesDropped   uint64
	DirectoryEntries  int
}

// Stats aggregates counters across all attached servers.
func (c *Controller) Stats() AggregateStats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var agg AggregateStats
	agg.Nodes = len(c.servers)
	for _, srv := range c.servers {
		s := srv.Engine().Stats()
		agg.CoherencyMessages += s.CoherencyMessages
		agg.Invalidations += s.Invalidations
		agg.Downgrades += s.Downgrades
		agg.Writebacks += s.Writebacks
		agg.RemoteOps += s.RemoteOps
		agg.MessagesDropped += srv.Fabric().Stats().MessagesDropped
		agg.DirectoryEntries += srv.Engine().DirectoryEntries()
	}
	return agg
}

// EntryState reports the directory snapshot for addr's cacheline from its
// home node's engine, for introspection and tests.
func (c *Controller) EntryState(addr uint64) (coherency.DirectoryEntrySnapshot, bool) {
	return c.serverFor(addr).Engine().LookupEntry(addr)
}
