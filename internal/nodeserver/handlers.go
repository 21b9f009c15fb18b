package nodeserver

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/sluglab/cxlmemsim/internal/coherency"
	"github.com/sluglab/cxlmemsim/internal/fabric"
	"github.com/sluglab/cxlmemsim/internal/hdm"
	"github.com/sluglab/cxlmemsim/internal/memsrv"
	"github.com/sluglab/cxlmemsim/internal/storage"
)

// Result is the outcome of a memory operation, local or forwarded.
type Result struct {
	Data      [memsrv.CachelineSize]byte
	LatencyNS float64
	Success   bool
}

// Status codes carried in MemoryPayload.Status.
const (
	statusOK     uint32 = 0
	statusFailed uint32 = 1
)

// atomicOverheadNS is the fixed cost of a sequentially-consistent
// pointer RMW against the SMM data area, added on top of whatever the
// coherency engine already reports for the directory transition.
const atomicOverheadNS = 20.0

func (s *Server) registerHandlers() {
	s.fab.RegisterHandler(fabric.MsgReadReq, s.handleReadReq)
	s.fab.RegisterHandler(fabric.MsgWriteReq, s.handleWriteReq)
	s.fab.RegisterHandler(fabric.MsgAtomicFAAReq, s.handleAtomicFAAReq)
	s.fab.RegisterHandler(fabric.MsgAtomicCASReq, s.handleAtomicCASReq)
	s.fab.RegisterHandler(fabric.MsgFenceReq, s.handleFenceReq)
	s.fab.RegisterHandler(fabric.MsgInvalidate, s.handleInvalidate)
	s.fab.RegisterHandler(fabric.MsgDowngrade, s.handleDowngrade)
	s.fab.RegisterHandler(fabric.MsgWriteback, s.handleWriteback)
	s.fab.RegisterHandler(fabric.MsgDirQuery, s.handleDirQuery)
	s.fab.RegisterHandler(fabric.MsgNodeRegister, s.handleNodeRegister)
	s.fab.RegisterHandler(fabric.MsgNodeHeartbeat, s.handleNodeHeartbeat)
}

// --- coherency.Transport -----------------------------------------------

// SendInvalidate implements coherency.Transport.
func (s *Server) SendInvalidate(targetNode uint32, addr uint64) bool {
	var env fabric.Envelope
	env.MsgType = fabric.MsgInvalidate
	env.PutCoherencyPayload(fabric.CoherencyPayload{CachelineAddr: addr, RequestingNode: s.cfg.NodeID})
	return s.fab.Send(targetNode, env)
}

// SendDowngrade implements coherency.Transport.
func (s *Server) SendDowngrade(targetNode uint32, addr uint64) bool {
	var env fabric.Envelope
	env.MsgType = fabric.MsgDowngrade
	env.PutCoherencyPayload(fabric.CoherencyPayload{CachelineAddr: addr, RequestingNode: s.cfg.NodeID})
	return s.fab.Send(targetNode, env)
}

// SendWriteback implements coherency.Transport.
func (s *Server) SendWriteback(targetNode uint32, addr uint64, data []byte) bool {
	var env fabric.Envelope
	payload := fabric.CoherencyPayload{CachelineAddr: addr, RequestingNode: s.cfg.NodeID}
	copy(payload.Data[:], data)
	env.MsgType = fabric.MsgWriteback
	env.PutCoherencyPayload(payload)
	return s.fab.Send(targetNode, env)
}

// --- fabric handlers (remote side) --------------------------------------

func (s *Server) handleReadReq(req fabric.Envelope) (fabric.Envelope, bool) {
	p := req.MemoryPayload()
	data, latency, ok := s.localRead(p.ClientID, 0, p.Addr)
	resp := fabric.Envelope{MsgType: fabric.MsgReadResp}
	out := fabric.MemoryPayload{Addr: p.Addr, LatencyNS: uint64(latency), ClientID: p.ClientID}
	if ok {
		out.Status = statusOK
		copy(out.Data[:], data[:])
	} else {
		out.Status = statusFailed
	}
	resp.PutMemoryPayload(out)
	return resp, true
}

func (s *Server) handleWriteReq(req fabric.Envelope) (fabric.Envelope, bool) {
	p := req.MemoryPayload()
	latency, ok := s.localWrite(p.ClientID, 0, p.Addr, p.Data[:])
	resp := fabric.Envelope{MsgType: fabric.MsgWriteResp}
	out := fabric.MemoryPayload{Addr: p.Addr, LatencyNS: uint64(latency), ClientID: p.ClientID}
	if ok {
		out.Status = statusOK
	} else {
		out.Status = statusFailed
	}
	resp.PutMemoryPayload(out)
	return resp, true
}

func (s *Server) handleAtomicFAAReq(req fabric.Envelope) (fabric.Envelope, bool) {
	p := req.MemoryPayload()
	pre, latency, ok := s.localFetchAdd(p.ClientID, 0, p.Addr, p.Value)
	resp := fabric.Envelope{MsgType: fabric.MsgAtomicFAAResp}
	out := fabric.MemoryPayload{Addr: p.Addr, Value: pre, LatencyNS: uint64(latency), ClientID: p.ClientID}
	if ok {
		out.Status = statusOK
	} else {
		out.Status = statusFailed
	}
	resp.PutMemoryPayload(out)
	return resp, true
}

func (s *Server) handleAtomicCASReq(req fabric.Envelope) (fabric.Envelope, bool) {
	p := req.MemoryPayload()
	swapped, latency, ok := s.localCompareAndSwap(p.ClientID, 0, p.Addr, p.Expected, p.Value)
	resp := fabric.Envelope{MsgType: fabric.MsgAtomicCASResp}
	out := fabric.MemoryPayload{Addr: p.Addr, LatencyNS: uint64(latency), ClientID: p.ClientID}
	out.Status = statusFailed
	if ok {
		out.Status = statusOK
		if swapped {
			out.CacheState = 1
		}
	}
	resp.PutMemoryPayload(out)
	return resp, true
}

// handleFenceReq acknowledges a best-effort FENCE broadcast. No local
// coherency state changes: fence's only effect locally is an SMP fence,
// which Go's memory model gives us implicitly via the entry mutexes
// already taken on every prior op.
func (s *Server) handleFenceReq(req fabric.Envelope) (fabric.Envelope, bool) {
	return fabric.Envelope{MsgType: fabric.MsgFenceResp}, true
}

func (s *Server) handleInvalidate(req fabric.Envelope) (fabric.Envelope, bool) {
	p := req.CoherencyPayload()
	s.engine.HandleRemoteInvalidate(p.CachelineAddr, req.SrcNode)
	return fabric.Envelope{MsgType: fabric.MsgInvalidateAck}, true
}

func (s *Server) handleDowngrade(req fabric.Envelope) (fabric.Envelope, bool) {
	p := req.CoherencyPayload()
	s.engine.HandleRemoteDowngrade(p.CachelineAddr, req.SrcNode)
	return fabric.Envelope{MsgType: fabric.MsgDowngradeAck}, true
}

func (s *Server) handleWriteback(req fabric.Envelope) (fabric.Envelope, bool) {
	p := req.CoherencyPayload()
	s.engine.HandleRemoteWriteback(p.CachelineAddr, req.SrcNode, p.Data[:])
	return fabric.Envelope{MsgType: fabric.MsgWritebackAck}, true
}

// handleNodeRegister records a newly announced peer and acknowledges it.
// The shared node table is the authoritative source; this keeps the local
// peers map in step so liveness tracking starts immediately.
func (s *Server) handleNodeRegister(req fabric.Envelope) (fabric.Envelope, bool) {
	p := req.NodePayload()
	s.peersMu.Lock()
	if _, ok := s.peers[p.NodeID]; !ok && p.NodeID != s.cfg.NodeID {
		s.peers[p.NodeID] = &peerState{}
	}
	s.peersMu.Unlock()
	return fabric.Envelope{MsgType: fabric.MsgNodeAck}, true
}

// handleNodeHeartbeat stamps the sender's last-observed heartbeat. A
// heartbeat from a peer previously marked offline brings it back into
// service for forwarded ops.
func (s *Server) handleNodeHeartbeat(req fabric.Envelope) (fabric.Envelope, bool) {
	s.peersMu.Lock()
	if p, ok := s.peers[req.SrcNode]; ok {
		p.lastHeartbeatNS = req.TimestampNS
		p.online = true
		p.markedOffline = false
	}
	s.peersMu.Unlock()
	return fabric.Envelope{}, false
}

func (s *Server) handleDirQuery(req fabric.Envelope) (fabric.Envelope, bool) {
	p := req.CoherencyPayload()
	snap, ok := s.engine.LookupEntry(p.CachelineAddr)
	resp := fabric.Envelope{MsgType: fabric.MsgDirResponse}
	out := fabric.CoherencyPayload{CachelineAddr: p.CachelineAddr}
	if ok {
		out.CurrentState = uint8(snap.State)
		out.OwnerNode = snap.OwnerNode
		out.Version = uint32(snap.Version)
	} else {
		out.OwnerNode = coherency.NoNode
	}
	resp.PutCoherencyPayload(out)
	return resp, true
}

// --- local execution (home-side) ----------------------------------------

func (s *Server) localRead(requestingNode, requestingHead uint32, addr uint64) ([memsrv.CachelineSize]byte, float64, bool) {
	var out [memsrv.CachelineSize]byte
	resp := s.engine.ProcessRead(coherency.Request{
		Addr: addr, RequestingNode: requestingNode, RequestingHead: requestingHead, Timestamp: uint64(time.Now().UnixNano()),
	})
	if !resp.Success {
		return out, 0, false
	}
	s.smm.ReadCacheline(addr, out[:])
	s.appendLedger(addr, resp.NewState, requestingNode, resp.DataSourceNode, resp.LatencyNS, false)
	return out, resp.LatencyNS, true
}

func (s *Server) localWrite(requestingNode, requestingHead uint32, addr uint64, data []byte) (float64, bool) {
	resp := s.engine.ProcessWrite(coherency.Request{
		Addr: addr, RequestingNode: requestingNode, RequestingHead: requestingHead, Timestamp: uint64(time.Now().UnixNano()),
	})
	if !resp.Success {
		return 0, false
	}
	s.smm.WriteCacheline(addr, data)
	s.appendLedger(addr, resp.NewState, requestingNode, resp.DataSourceNode, resp.LatencyNS, true)
	return resp.LatencyNS, true
}

func (s *Server) localFetchAdd(requestingNode, requestingHead uint32, addr uint64, delta uint64) (uint64, float64, bool) {
	resp := s.engine.ProcessAtomic(coherency.Request{
		Addr: addr, RequestingNode: requestingNode, RequestingHead: requestingHead, IsWrite: true, Timestamp: uint64(time.Now().UnixNano()),
	})
	if !resp.Success {
		return 0, 0, false
	}
	pre := s.smm.FetchAddUint64(addr, delta)
	latency := resp.LatencyNS + atomicOverheadNS
	s.appendLedger(addr, resp.NewState, requestingNode, resp.DataSourceNode, latency, true)
	return pre, latency, true
}

func (s *Server) localCompareAndSwap(requestingNode, requestingHead uint32, addr uint64, old, new uint64) (bool, float64, bool) {
	resp := s.engine.ProcessAtomic(coherency.Request{
		Addr: addr, RequestingNode: requestingNode, RequestingHead: requestingHead, IsWrite: true, Timestamp: uint64(time.Now().UnixNano()),
	})
	if !resp.Success {
		return false, 0, false
	}
	swapped := s.smm.CompareAndSwapUint64(addr, old, new)
	latency := resp.LatencyNS + atomicOverheadNS
	s.appendLedger(addr, resp.NewState, requestingNode, resp.DataSourceNode, latency, true)
	return swapped, latency, true
}

// appendLedger records the observable outcome of one operation. The entry
// records the resulting state, not the prior one: Response carries no
// from-state, and recovering it here would mean a second directory lookup
// racing the one ProcessRead/ProcessWrite already did.
func (s *Server) appendLedger(addr uint64, to coherency.State, requestingNode, ownerNode uint32, latencyNS float64, isWrite bool) {
	if s.db == nil {
		return
	}
	entry := storage.LedgerEntry{
		Timestamp:      time.Now(),
		CachelineAddr:  coherency.CachelineAddr(addr),
		ToState:        to.String(),
		RequestingNode: requestingNode,
		OwnerNode:      ownerNode,
		LatencyNS:      latencyNS,
		IsWrite:        isWrite,
	}
	start := time.Now()
	err := s.db.AppendLedger(entry)
	if s.metrics != nil {
		s.metrics.StorageWriteLatency.Observe(time.Since(start).Seconds())
	}
	if err != nil {
		s.logger.Warn("advisory ledger write failed", zap.Error(err))
	}
}

// recordDecode feeds the decode counter when metrics are attached.
func (s *Server) recordDecode(found bool) {
	if s.metrics == nil {
		return
	}
	result := "ok"
	if !found {
		result = "unmapped"
	}
	s.metrics.DecodesTotal.WithLabelValues(result).Inc()
}

// forward sends req to dst and waits for the correlated response, timing
// the round trip for the send_and_wait latency histogram.
func (s *Server) forward(dst uint32, req fabric.Envelope) (fabric.Envelope, bool) {
	start := time.Now()
	resp, ok := s.fab.SendAndWait(dst, req, s.sendTimeout())
	if s.metrics != nil {
		s.metrics.FabricSendAndWaitLatencySeconds.Observe(time.Since(start).Seconds())
	}
	return resp, ok
}

// --- public façade (client side) ----------------------------------------

// Read performs a read of addr, forwarding to the home node over the
// fabric if addr is not local.
func (s *Server) Read(ctx context.Context, addr uint64) (Result, error) {
	decoded := s.decoder.Decode(addr)
	s.recordDecode(decoded.TargetID != hdm.NoTarget)
	if decoded.TargetID == hdm.NoTarget {
		return Result{}, fmt.Errorf("nodeserver: address 0x%x is unmapped", addr)
	}
	if decoded.TargetID == s.cfg.NodeID {
		data, latency, ok := s.localRead(s.cfg.NodeID, 0, addr)
		return Result{Data: data, LatencyNS: latency, Success: ok}, nil
	}
	if s.peerOffline(decoded.TargetID) {
		return Result{}, fmt.Errorf("nodeserver: read 0x%x: home node %d is offline", addr, decoded.TargetID)
	}

	var req fabric.Envelope
	req.MsgType = fabric.MsgReadReq
	req.PutMemoryPayload(fabric.MemoryPayload{Addr: addr, ClientID: s.cfg.NodeID})
	resp, ok := s.forward(decoded.TargetID, req)
	if !ok {
		return Result{}, fmt.Errorf("nodeserver: read 0x%x: home node %d did not respond", addr, decoded.TargetID)
	}
	p := resp.MemoryPayload()
	var out Result
	out.Data = p.Data
	out.LatencyNS = float64(p.LatencyNS) + s.logpModel.MessageLatency(uint64(time.Now().UnixNano()), decoded.TargetID)
	out.Success = p.Status == statusOK
	return out, nil
}

// Write performs a write of data (up to one cacheline) to addr.
func (s *Server) Write(ctx context.Context, addr uint64, data []byte) (Result, error) {
	decoded := s.decoder.Decode(addr)
	s.recordDecode(decoded.TargetID != hdm.NoTarget)
	if decoded.TargetID == hdm.NoTarget {
		return Result{}, fmt.Errorf("nodeserver: address 0x%x is unmapped", addr)
	}
	if decoded.TargetID == s.cfg.NodeID {
		latency, ok := s.localWrite(s.cfg.NodeID, 0, addr, data)
		return Result{LatencyNS: latency, Success: ok}, nil
	}
	if s.peerOffline(decoded.TargetID) {
		return Result{}, fmt.Errorf("nodeserver: write 0x%x: home node %d is offline", addr, decoded.TargetID)
	}

	var req fabric.Envelope
	payload := fabric.MemoryPayload{Addr: addr, ClientID: s.cfg.NodeID}
	copy(payload.Data[:], data)
	req.MsgType = fabric.MsgWriteReq
	req.PutMemoryPayload(payload)
	resp, ok := s.forward(decoded.TargetID, req)
	if !ok {
		return Result{}, fmt.Errorf("nodeserver: write 0x%x: home node %d did not respond", addr, decoded.TargetID)
	}
	p := resp.MemoryPayload()
	return Result{
		LatencyNS: float64(p.LatencyNS) + s.logpModel.MessageLatency(uint64(time.Now().UnixNano()), decoded.TargetID),
		Success:   p.Status == statusOK,
	}, nil
}

// AtomicFetchAdd performs a fetch-and-add of delta at addr, returning the
// pre-update value.
func (s *Server) AtomicFetchAdd(ctx context.Context, addr uint64, delta uint64) (uint64, float64, error) {
	decoded := s.decoder.Decode(addr)
	s.recordDecode(decoded.TargetID != hdm.NoTarget)
	if decoded.TargetID == hdm.NoTarget {
		return 0, 0, fmt.Errorf("nodeserver: address 0x%x is unmapped", addr)
	}
	if decoded.TargetID == s.cfg.NodeID {
		pre, latency, ok := s.localFetchAdd(s.cfg.NodeID, 0, addr, delta)
		if !ok {
			return 0, 0, fmt.Errorf("nodeserver: atomic FAA 0x%x failed", addr)
		}
		return pre, latency, nil
	}
	if s.peerOffline(decoded.TargetID) {
		return 0, 0, fmt.Errorf("nodeserver: atomic FAA 0x%x: home node %d is offline", addr, decoded.TargetID)
	}

	var req fabric.Envelope
	req.MsgType = fabric.MsgAtomicFAAReq
	req.PutMemoryPayload(fabric.MemoryPayload{Addr: addr, Value: delta, ClientID: s.cfg.NodeID})
	resp, ok := s.forward(decoded.TargetID, req)
	if !ok {
		return 0, 0, fmt.Errorf("nodeserver: atomic FAA 0x%x: home node %d did not respond", addr, decoded.TargetID)
	}
	p := resp.MemoryPayload()
	if p.Status != statusOK {
		return 0, 0, fmt.Errorf("nodeserver: atomic FAA 0x%x failed at home node %d", addr, decoded.TargetID)
	}
	return p.Value, float64(p.LatencyNS) + s.logpModel.MessageLatency(uint64(time.Now().UnixNano()), decoded.TargetID), nil
}

// AtomicCompareAndSwap performs a CAS at addr, returning whether the swap took effect.
func (s *Server) AtomicCompareAndSwap(ctx context.Context, addr uint64, old, new uint64) (bool, float64, error) {
	decoded := s.decoder.Decode(addr)
	s.recordDecode(decoded.TargetID != hdm.NoTarget)
	if decoded.TargetID == hdm.NoTarget {
		return false, 0, fmt.Errorf("nodeserver: address 0x%x is unmapped", addr)
	}
	if decoded.TargetID == s.cfg.NodeID {
		swapped, latency, ok := s.localCompareAndSwap(s.cfg.NodeID, 0, addr, old, new)
		if !ok {
			return false, 0, fmt.Errorf("nodeserver: atomic CAS 0x%x failed", addr)
		}
		return swapped, latency, nil
	}
	if s.peerOffline(decoded.TargetID) {
		return false, 0, fmt.Errorf("nodeserver: atomic CAS 0x%x: home node %d is offline", addr, decoded.TargetID)
	}

	var req fabric.Envelope
	req.MsgType = fabric.MsgAtomicCASReq
	req.PutMemoryPayload(fabric.MemoryPayload{Addr: addr, Expected: old, Value: new, ClientID: s.cfg.NodeID})
	resp, ok := s.forward(decoded.TargetID, req)
	if !ok {
		return false, 0, fmt.Errorf("nodeserver: atomic CAS 0x%x: home node %d did not respond", addr, decoded.TargetID)
	}
	p := resp.MemoryPayload()
	if p.Status != statusOK {
		return false, 0, fmt.Errorf("nodeserver: atomic CAS 0x%x failed at home node %d", addr, decoded.TargetID)
	}
	return p.CacheState == 1, float64(p.LatencyNS) + s.logpModel.MessageLatency(uint64(time.Now().UnixNano()), decoded.TargetID), nil
}

// Fence emits a local fence (a no-op placeholder for an SMP barrier; Go's
// memory model already orders everything that matters through the entry
// mutexes taken on every prior op) and best-effort broadcasts FENCE_REQ to
// every peer, per the fence semantics open question.
func (s *Server) Fence(ctx context.Context) {
	var env fabric.Envelope
	env.MsgType = fabric.MsgFenceReq
	s.fab.Broadcast(env)
}
