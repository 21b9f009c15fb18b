// Package nodeserver implements NodeServer: the per-node process that owns
// exactly one SharedMemoryManager, one HDM decoder, one coherency Engine,
// and one MessageFabric endpoint, and dispatches local and forwarded
// memory operations between them.
//
// Ownership is strictly tree-shaped (NodeServer → {SMM, Engine, Fabric});
// Engine never holds a reference to Fabric directly. It calls back through
// the narrow coherency.Transport interface NodeServer implements, which
// breaks what would otherwise be a cyclic reference between the coherency
// and transport layers.
package nodeserver

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/sluglab/cxlmemsim/internal/coherency"
	"github.com/sluglab/cxlmemsim/internal/config"
	"github.com/sluglab/cxlmemsim/internal/fabric"
	"github.com/sluglab/cxlmemsim/internal/fabriclink"
	"github.com/sluglab/cxlmemsim/internal/hdm"
	"github.com/sluglab/cxlmemsim/internal/logp"
	"github.com/sluglab/cxlmemsim/internal/memsrv"
	"github.com/sluglab/cxlmemsim/internal/observability"
	"github.com/sluglab/cxlmemsim/internal/storage"
)

// maxFabricNodes bounds the node table in the shared message segment.
// config.Validate enforces node_id < 16, so this is the ceiling that
// implies.
const maxFabricNodes = 16

// peerState tracks what this node has observed about one peer over the fabric.
type peerState struct {
	lastHeartbeatNS uint64
	online          bool
	markedOffline   bool
}

// Server is one node's runtime: SMM + decoder + coherency engine + fabric
// endpoint, plus the heartbeat/liveness loop and optional advisory storage.
type Server struct {
	cfg     *config.Config
	logger  *zap.Logger
	metrics *observability.Metrics
	db      *storage.DB

	decoder   *hdm.Decoder
	smm       *memsrv.Manager
	logpModel *logp.Model
	engine    *coherency.Engine
	fab       *fabric.Fabric

	peersMu sync.RWMutex
	peers   map[uint32]*peerState

	// Hot-reloadable tuning, in nanoseconds. Read on every forwarded op
	// and heartbeat tick; rewritten by ApplyReloadable on SIGHUP.
	heartbeatIntervalNS atomic.Int64
	heartbeatTimeoutNS  atomic.Int64
	sendTimeoutNS       atomic.Int64

	// Previous engine/fabric counter snapshot, so the sampler can mirror
	// cumulative atomics into Prometheus counters as deltas. Touched only
	// by the sampler goroutine.
	lastEngineStats coherency.Stats
	lastFabricSent  uint64
	lastFabricDrops uint64

	stopCh chan struct{}
	doneCh chan struct{}
}

// New constructs a NodeServer from cfg but does not start any background
// goroutines; call Start for that.
func New(cfg *config.Config, logger *zap.Logger, metrics *observability.Metrics, db *storage.DB) (*Server, error) {
	s := &Server{
		cfg:     cfg,
		logger:  logger,
		metrics: metrics,
		db:      db,
		peers:   make(map[uint32]*peerState),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
	s.heartbeatIntervalNS.Store(cfg.HeartbeatInterval().Nanoseconds())
	s.heartbeatTimeoutNS.Store(cfg.HeartbeatTimeout().Nanoseconds())
	s.sendTimeoutNS.Store(cfg.SendAndWaitTimeout().Nanoseconds())

	decoder := hdm.NewDecoder(decodeMode(cfg.Topology.Mode))
	for _, r := range cfg.Topology.Ranges {
		decoder.AddRange(r.Base, r.Size, r.TargetID, r.IsRemote)
	}
	if len(cfg.Topology.Interleave.Targets) > 0 {
		decoder.ConfigureInterleave(hdm.InterleaveConfig{
			Granularity: hdm.Granularity(cfg.Topology.Interleave.Granularity),
			Targets:     cfg.Topology.Interleave.Targets,
			Base:        cfg.Topology.Interleave.Base,
			TotalSize:   cfg.Topology.Interleave.TotalSize,
		})
	}
	s.decoder = decoder

	baseAddr, numCachelines, err := localExtent(cfg)
	if err != nil {
		return nil, err
	}
	shmName := fmt.Sprintf("%s%d", cfg.SharedMemory.ShmNamePrefix, cfg.NodeID)
	smm, err := memsrv.Open(shmName, baseAddr, numCachelines)
	if err != nil {
		return nil, fmt.Errorf("nodeserver: open SMM: %w", err)
	}
	s.smm = smm

	logpModel := logp.NewModel(logp.Params{
		L: cfg.LogP.LNs, OsNs: cfg.LogP.OsNs, OrNs: cfg.LogP.OrNs, GNs: cfg.LogP.GNs,
	})
	for peer, p := range cfg.LogP.PerPeer {
		logpModel.SetPeerParams(peer, logp.Params{L: p.LNs, OsNs: p.OsNs, OrNs: p.OrNs, GNs: p.GNs})
	}
	s.logpModel = logpModel

	s.engine = coherency.NewEngine(cfg.NodeID, decoder, logpModel, cfg.Coherency.BaseDeviceLatencyNS,
		coherency.WithTransport(s),
		coherency.WithViolationHandler(s.onInvariantViolation),
	)
	s.engine.ActivateHead(0)

	fab, err := fabric.Create(fabric.Config{
		ShmName:            cfg.Fabric.ShmName,
		NodeID:             cfg.NodeID,
		MaxNodes:           maxFabricNodes,
		QueueCapacity:      cfg.Fabric.QueueCapacity,
		WorkerCount:        cfg.Fabric.WorkerCount,
		MaxMessagesPerTick: cfg.Fabric.MaxMessagesPerTick,
	})
	if err != nil {
		return nil, fmt.Errorf("nodeserver: create fabric: %w", err)
	}
	s.fab = fab
	s.registerHandlers()

	for _, peer := range peerNodeIDs(cfg) {
		s.engine.RegisterFabricLink(peer, fabriclink.New(cfg.Coherency.BandwidthGbps, cfg.Coherency.BaseDeviceLatencyNS))
		s.peers[peer] = &peerState{}
	}

	return s, nil
}

func decodeMode(m config.TopologyMode) hdm.Mode {
	switch m {
	case config.TopologyInterleaved:
		return hdm.ModeInterleaved
	case config.TopologyHybrid:
		return hdm.ModeHybrid
	default:
		return hdm.ModeRangeBased
	}
}

// localExtent returns the base address and cacheline count this node's
// SMM should cover. The CXL_BASE_ADDR environment variable, when set,
// overrides the topology: 0 selects address-agnostic mode (any address
// accepted, mapped modulo num_cachelines). Otherwise, if a configured HDM
// range names this node as target, that range defines the extent; with
// neither, the manager runs address-agnostic sized by
// shared_memory.num_cachelines.
func localExtent(cfg *config.Config) (baseAddr, numCachelines uint64, err error) {
	if v, ok := os.LookupEnv("CXL_BASE_ADDR"); ok && v != "" {
		base, perr := strconv.ParseUint(v, 0, 64)
		if perr != nil {
			return 0, 0, fmt.Errorf("nodeserver: bad CXL_BASE_ADDR %q: %w", v, perr)
		}
		return base, cfg.SharedMemory.NumCachelines, nil
	}
	for _, r := range cfg.Topology.Ranges {
		if r.TargetID == cfg.NodeID && !r.IsRemote {
			return r.Base, r.Size / memsrv.CachelineSize, nil
		}
	}
	return 0, cfg.SharedMemory.NumCachelines, nil
}

// peerNodeIDs returns every other target_id named anywhere in the topology.
func peerNodeIDs(cfg *config.Config) []uint32 {
	seen := map[uint32]bool{cfg.NodeID: true}
	var out []uint32
	add := func(id uint32) {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	for _, r := range cfg.Topology.Ranges {
		add(r.TargetID)
	}
	for _, t := range cfg.Topology.Interleave.Targets {
		add(t)
	}
	return out
}

func (s *Server) onInvariantViolation(v *coherency.InvariantViolation) {
	if s.metrics != nil {
		s.metrics.InvariantViolationsTotal.WithLabelValues(string(v.Kind)).Inc()
	}
	s.logger.Error("directory invariant violated", zap.Uint64("addr", v.Addr), zap.String("kind", string(v.Kind)), zap.String("detail", v.Detail))
	panic(v)
}

// Start launches the fabric worker pool and this node's heartbeat/liveness
// loop. Safe to call once.
func (s *Server) Start(ctx context.Context) {
	s.fab.RegisterNode(s.smm.BaseAddr(), s.smm.NumCachelines()*memsrv.CachelineSize, fmt.Sprintf("node-%d", s.cfg.NodeID))
	s.fab.Start()
	s.announce()
	go s.heartbeatLoop(ctx)
	go s.metricsSamplerLoop(ctx)
}

// Stop quiesces the heartbeat loop and the fabric worker pool, then closes
// the shared-memory mappings. unlinkSegments should be true only for the
// node that is the coordinator of a segment (conventionally node 0) on a
// clean full-fabric shutdown.
func (s *Server) Stop(unlinkSegments bool) {
	close(s.stopCh)
	<-s.doneCh
	s.fab.Stop()
	s.fab.Close(unlinkSegments)
	s.smm.Close(unlinkSegments)
}

// announce broadcasts this node's NODE_REGISTER so already-running peers
// pick it up without waiting for a heartbeat round trip.
func (s *Server) announce() {
	var env fabric.Envelope
	env.MsgType = fabric.MsgNodeRegister
	var payload fabric.NodePayload
	payload.NodeID = s.cfg.NodeID
	payload.MemoryBase = s.smm.BaseAddr()
	payload.MemorySize = s.smm.NumCachelines() * memsrv.CachelineSize
	payload.NumCachelines = s.smm.NumCachelines()
	copy(payload.Hostname[:], fmt.Sprintf("node-%d", s.cfg.NodeID))
	env.PutNodePayload(payload)
	s.fab.Broadcast(env)
}

// ApplyReloadable installs the hot-reloadable subset of cfg on a running
// server: LogP parameters (defaults and per-peer overrides) and
// heartbeat/request-timeout tuning. Topology, SHM names, and node
// identity are ignored here; they require a restart.
func (s *Server) ApplyReloadable(cfg *config.Config) {
	s.logpModel.SetDefaults(logp.Params{
		L: cfg.LogP.LNs, OsNs: cfg.LogP.OsNs, OrNs: cfg.LogP.OrNs, GNs: cfg.LogP.GNs,
	})
	for peer, p := range cfg.LogP.PerPeer {
		s.logpModel.SetPeerParams(peer, logp.Params{L: p.LNs, OsNs: p.OsNs, OrNs: p.OrNs, GNs: p.GNs})
	}
	s.heartbeatIntervalNS.Store(cfg.HeartbeatInterval().Nanoseconds())
	s.heartbeatTimeoutNS.Store(cfg.HeartbeatTimeout().Nanoseconds())
	s.sendTimeoutNS.Store(cfg.SendAndWaitTimeout().Nanoseconds())
}

// sendTimeout returns the current forwarded-op timeout.
func (s *Server) sendTimeout() time.Duration {
	return time.Duration(s.sendTimeoutNS.Load())
}

func (s *Server) heartbeatLoop(ctx context.Context) {
	defer close(s.doneCh)
	interval := time.Duration(s.heartbeatIntervalNS.Load())
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case now := <-ticker.C:
			nowNS := uint64(now.UnixNano())
			s.fab.SendHeartbeat(nowNS)
			s.checkPeerLiveness(nowNS, uint64(s.heartbeatTimeoutNS.Load()))
			if cur := time.Duration(s.heartbeatIntervalNS.Load()); cur != interval {
				interval = cur
				ticker.Reset(interval)
			}
		}
	}
}

func (s *Server) checkPeerLiveness(nowNS, timeoutNS uint64) {
	s.peersMu.Lock()
	defer s.peersMu.Unlock()
	for peer, p := range s.peers {
		status := s.fab.NodeStatus(peer)
		wasOnline := p.online
		p.lastHeartbeatNS = status.LastHeartbeatNS
		last := status.LastHeartbeatNS
		p.online = last > 0 && (last >= nowNS || nowNS-last < timeoutNS)
		if p.online {
			p.markedOffline = false
		}
		if wasOnline && !p.online {
			p.markedOffline = true
			if s.metrics != nil {
				s.metrics.FabricHeartbeatMissesTotal.WithLabelValues(fmt.Sprint(peer)).Inc()
			}
			s.logger.Warn("peer marked offline", zap.Uint32("peer", peer))
			s.fab.MarkOffline(peer)
			s.persistPeerState(peer, "offline")
		} else if !wasOnline && p.online {
			s.persistPeerState(peer, "online")
		}
	}
}

// persistPeerState snapshots a peer liveness transition to advisory
// storage. Best-effort: a storage failure is logged and otherwise ignored.
func (s *Server) persistPeerState(peer uint32, status string) {
	if s.db == nil {
		return
	}
	if err := s.db.PutNode(storage.NodeRecord{NodeID: peer, LastStatus: status}); err != nil {
		s.logger.Warn("advisory node snapshot failed", zap.Uint32("peer", peer), zap.Error(err))
	}
}

func (s *Server) metricsSamplerLoop(ctx context.Context) {
	if s.metrics == nil {
		return
	}
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.sampleMetrics()
		}
	}
}

// sampleMetrics mirrors the engine's and fabric's cumulative atomics into
// the Prometheus counters as deltas against the previous sample, and
// refreshes the gauges. Runs once per second on the sampler goroutine.
func (s *Server) sampleMetrics() {
	stats := s.engine.Stats()
	s.metrics.DirectoryEntries.Set(float64(s.engine.DirectoryEntries()))
	s.metrics.CoherencyLatencyNanoseconds.Observe(stats.AvgCoherencyLatency)

	prev := s.lastEngineStats
	s.metrics.CoherencyMessagesTotal.Add(float64(stats.CoherencyMessages - prev.CoherencyMessages))
	s.metrics.InvalidationsTotal.Add(float64(stats.Invalidations - prev.Invalidations))
	s.metrics.DowngradesTotal.Add(float64(stats.Downgrades - prev.Downgrades))
	s.metrics.WritebacksTotal.Add(float64(stats.Writebacks - prev.Writebacks))
	s.metrics.RemoteOpsTotal.Add(float64(stats.RemoteOps - prev.RemoteOps))
	s.lastEngineStats = stats

	online := 0
	s.peersMu.RLock()
	for _, p := range s.peers {
		if p.online {
			online++
		}
	}
	s.peersMu.RUnlock()
	s.metrics.PeersOnline.Set(float64(online))

	fstats := s.fab.Stats()
	for peer, depth := range fstats.QueueDepths {
		s.metrics.FabricQueueDepth.WithLabelValues(fmt.Sprint(peer)).Set(float64(depth))
	}
	s.metrics.FabricMessagesSentTotal.Add(float64(fstats.MessagesSent - s.lastFabricSent))
	s.lastFabricSent = fstats.MessagesSent
	s.metrics.FabricMessagesDroppedTotal.WithLabelValues("queue_full").Add(float64(fstats.MessagesDropped - s.lastFabricDrops))
	s.lastFabricDrops = fstats.MessagesDropped

	if s.db != nil {
		if n, err := s.db.LedgerCount(); err == nil {
			s.metrics.StorageLedgerEntries.Set(float64(n))
		}
	}
}

// NodeID returns this server's node ID.
func (s *Server) NodeID() uint32 { return s.cfg.NodeID }

// Engine exposes the coherency engine for admin introspection.
func (s *Server) Engine() *coherency.Engine { return s.engine }

// Decoder exposes the HDM decoder for admin introspection.
func (s *Server) Decoder() *hdm.Decoder { return s.decoder }

// Fabric exposes the fabric endpoint for admin introspection.
func (s *Server) Fabric() *fabric.Fabric { return s.fab }

// Config exposes the node's configuration for admin introspection.
func (s *Server) Config() *config.Config { return s.cfg }

// Peers returns the node IDs of every configured peer, sorted ascending.
func (s *Server) Peers() []uint32 {
	out := make([]uint32, 0, len(s.peers))
	for peer := range s.peers {
		out = append(out, peer)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// PeerOnline reports whether peer was last observed online by the
// heartbeat/liveness loop.
func (s *Server) PeerOnline(peer uint32) bool {
	s.peersMu.RLock()
	defer s.peersMu.RUnlock()
	p, ok := s.peers[peer]
	return ok && p.online
}

// peerOffline reports whether peer has been marked OFFLINE by the liveness
// loop and has not heartbeated since. Forwarded ops to such a peer fail
// fast instead of burning a full send_and_wait timeout.
func (s *Server) peerOffline(peer uint32) bool {
	s.peersMu.RLock()
	defer s.peersMu.RUnlock()
	p, ok := s.peers[peer]
	return ok && p.markedOffline
}
