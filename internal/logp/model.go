// Package logp — model.go
//
// LogP network cost model for inter-node coherency and fabric traffic.
//
// Parameters (all in nanoseconds):
//   - L    fixed network latency.
//   - o_s  sender overhead.
//   - o_r  receiver overhead.
//   - g    inter-message gap on a single link.
//
// message_latency is pure and safe for concurrent readers; per-peer
// overrides and calibration updates are rare relative to reads, so the
// model uses a read/write lock rather than per-call allocation.

package logp

import "sync"

// Params holds one LogP parameter set.
type Params struct {
	L    float64
	OsNs float64
	OrNs float64
	GNs  float64
}

// MessageLatency returns L + o_s + o_r for this parameter set.
func (p Params) MessageLatency() float64 {
	return p.L + p.OsNs + p.OrNs
}

// Model computes message latency from a default LogP parameter set plus
// optional per-peer overrides, installed either from configuration at
// startup or later via calibration samples.
type Model struct {
	mu       sync.RWMutex
	defaults Params
	perPeer  map[uint32]Params
}

// NewModel creates a Model with the given default parameters.
func NewModel(defaults Params) *Model {
	return &Model{
		defaults: defaults,
		perPeer:  make(map[uint32]Params),
	}
}

// SetDefaults replaces the default parameter set, used when configuration
// is hot-reloaded. Existing per-peer overrides are kept.
func (m *Model) SetDefaults(p Params) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.defaults = p
}

// SetPeerParams installs a per-peer override, replacing any prior one.
func (m *Model) SetPeerParams(peer uint32, p Params) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.perPeer[peer] = p
}

// paramsFor returns the effective parameter set for a peer.
func (m *Model) paramsFor(peer uint32) Params {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if p, ok := m.perPeer[peer]; ok {
		return p
	}
	return m.defaults
}

// MessageLatency returns the latency in ns of sending one message to peer
// at logical time ts. ts is currently unused by the default model (the
// LogP L+o_s+o_r formula is time-invariant) but is threaded through so a
// calibrated or time-varying model can use it without an API break.
func (m *Model) MessageLatency(ts uint64, peer uint32) float64 {
	return m.paramsFor(peer).MessageLatency()
}

// Gap returns the inter-message gap g for peer, applied between successive
// sends on the same link (e.g. during parallel invalidation fan-out).
func (m *Model) Gap(peer uint32) float64 {
	return m.paramsFor(peer).GNs
}

// OverheadNS returns o_s + o_r for peer: the serialization overhead an
// atomic RMW pays on top of a plain message latency, since both the
// requester and the home node must run their handler rather than just
// forwarding bytes.
func (m *Model) OverheadNS(peer uint32) float64 {
	p := m.paramsFor(peer)
	return p.OsNs + p.OrNs
}

// ApplyCalibration installs a calibrated parameter set for peer if valid.
// Invalid calibrations (valid == false) are silently ignored, per the
// accumulator's own judgment of sample sufficiency.
func (m *Model) ApplyCalibration(peer uint32, c Snapshot) {
	if !c.Valid {
		return
	}
	m.SetPeerParams(peer, Params{L: c.L, OsNs: c.OsNs, OrNs: c.OrNs, GNs: c.GNs})
}
