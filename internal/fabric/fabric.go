package fabric

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sluglab/cxlmemsim/internal/shmem"
)

// Handler processes one inbound Envelope. If ok is true, resp is sent back
// to req.SrcNode; if false, nothing is sent. Handlers must not block and
// must not call back into the fabric that invoked them re-entrantly.
type Handler func(req Envelope) (resp Envelope, ok bool)

// Config tunes a Fabric instance. Capacity fields mirror config.FabricConfig.
type Config struct {
	ShmName            string
	NodeID             uint32
	MaxNodes           int
	QueueCapacity      int
	WorkerCount        int
	MaxMessagesPerTick int
}

type pendingRequest struct {
	respCh chan Envelope
}

// Fabric is one node's endpoint onto the shared distributed message
// segment: it owns the node's outbound/inbound ring queues, the
// send_and_wait correlation table, the handler registry, and the worker
// pool that drains every ring queue addressed to this node.
type Fabric struct {
	cfg    Config
	region *shmem.Region

	handlersMu sync.RWMutex
	handlers   map[MsgType]Handler

	pendingMu sync.Mutex
	pending   map[uint32]*pendingRequest

	// sendMu[dst] serializes this process's producers onto the (self,dst)
	// ring queue. The queue itself is single-producer per the segment
	// layout: only the src node writes it, but within the src process the
	// client path, the heartbeat loop, and worker response sends all
	// enqueue concurrently.
	sendMu []sync.Mutex

	msgIDCounter atomic.Uint32

	messagesDropped atomic.Uint64

	stopCh  chan struct{}
	workers *errgroup.Group
	running atomic.Bool
}

// Create creates (or attaches, if it already exists) the distributed
// message segment and returns a Fabric endpoint for cfg.NodeID. The first
// endpoint to initialize the segment header records node 0 as the
// coordinator, whichever node that endpoint belongs to.
func Create(cfg Config) (*Fabric, error) {
	if cfg.MaxNodes <= 0 {
		cfg.MaxNodes = 16
	}
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = 4096
	}
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = 2
	}
	if cfg.MaxMessagesPerTick <= 0 {
		cfg.MaxMessagesPerTick = 64
	}

	size := segmentSize(cfg.MaxNodes, cfg.QueueCapacity)
	region, err := shmem.Create(cfg.ShmName, size)
	if err != nil {
		return nil, fmt.Errorf("fabric: create segment %q: %w", cfg.ShmName, err)
	}

	writeSegmentHeader(region, cfg.MaxNodes, 0)

	f := &Fabric{
		cfg:      cfg,
		region:   region,
		handlers: make(map[MsgType]Handler),
		pending:  make(map[uint32]*pendingRequest),
		sendMu:   make([]sync.Mutex, cfg.MaxNodes),
		stopCh:   make(chan struct{}),
	}
	return f, nil
}

// RegisterHandler installs the handler for msgType, replacing any prior one.
func (f *Fabric) RegisterHandler(msgType MsgType, h Handler) {
	f.handlersMu.Lock()
	defer f.handlersMu.Unlock()
	f.handlers[msgType] = h
}

// RegisterNode publishes this node's NodeStatus into the shared segment.
func (f *Fabric) RegisterNode(memoryBase, memorySize uint64, hostname string) {
	writeNodeStatus(f.region, f.cfg.MaxNodes, NodeStatusView{
		NodeID:     f.cfg.NodeID,
		State:      NodeReady,
		MemoryBase: memoryBase,
		MemorySize: memorySize,
		Hostname:   hostname,
	})
}

// NodeStatus returns the currently published status for peer.
func (f *Fabric) NodeStatus(peer uint32) NodeStatusView {
	return readNodeStatus(f.region, f.cfg.MaxNodes, peer)
}

// MarkOffline flags peer as OFFLINE in the shared node table.
func (f *Fabric) MarkOffline(peer uint32) {
	v := readNodeStatus(f.region, f.cfg.MaxNodes, peer)
	v.State = NodeOffline
	writeNodeStatus(f.region, f.cfg.MaxNodes, v)
}

func (f *Fabric) outboundQueue(dst uint32) *ringQueue {
	base := queueBaseOffset(f.cfg.MaxNodes, f.cfg.QueueCapacity, f.cfg.NodeID, dst)
	return newRingQueue(f.region, base, f.cfg.QueueCapacity)
}

func (f *Fabric) inboundQueue(src uint32) *ringQueue {
	base := queueBaseOffset(f.cfg.MaxNodes, f.cfg.QueueCapacity, src, f.cfg.NodeID)
	return newRingQueue(f.region, base, f.cfg.QueueCapacity)
}

// nextMsgID allocates a message ID unique to this sender: the node ID in
// the top byte partitions every node's ID space so a request arriving from
// a peer can never collide with an ID this node registered in its pending
// table.
func (f *Fabric) nextMsgID() uint32 {
	return f.cfg.NodeID<<24 | (f.msgIDCounter.Add(1) & 0xFFFFFF)
}

// Send enqueues env onto the (this node, dst) ring queue. Returns false,
// incrementing messages_dropped, if that queue is full.
func (f *Fabric) Send(dst uint32, env Envelope) bool {
	if int(dst) >= f.cfg.MaxNodes {
		f.messagesDropped.Add(1)
		return false
	}
	env.SrcNode = f.cfg.NodeID
	env.DstNode = dst
	if env.MsgID == 0 {
		env.MsgID = f.nextMsgID()
	}
	f.sendMu[dst].Lock()
	ok := f.outboundQueue(dst).enqueue(env)
	f.sendMu[dst].Unlock()
	if !ok {
		f.messagesDropped.Add(1)
	}
	return ok
}

// Broadcast sends env to every peer other than this node whose published
// state is not UNKNOWN.
func (f *Fabric) Broadcast(env Envelope) {
	for peer := uint32(0); peer < uint32(f.cfg.MaxNodes); peer++ {
		if peer == f.cfg.NodeID {
			continue
		}
		status := f.NodeStatus(peer)
		if status.State == NodeUnknown {
			continue
		}
		e := env
		e.DstNode = peer
		f.Send(peer, e)
	}
}

// SendAndWait sends req and blocks until a correlated response arrives or
// timeout elapses. Returns (Envelope{}, false) on timeout, send failure, or
// if the fabric is stopped.
func (f *Fabric) SendAndWait(dst uint32, req Envelope, timeout time.Duration) (Envelope, bool) {
	if !f.running.Load() {
		return Envelope{}, false
	}
	req.MsgID = f.nextMsgID()
	pr := &pendingRequest{respCh: make(chan Envelope, 1)}

	f.pendingMu.Lock()
	f.pending[req.MsgID] = pr
	f.pendingMu.Unlock()

	defer func() {
		f.pendingMu.Lock()
		delete(f.pending, req.MsgID)
		f.pendingMu.Unlock()
	}()

	if !f.Send(dst, req) {
		return Envelope{}, false
	}

	select {
	case resp := <-pr.respCh:
		return resp, true
	case <-time.After(timeout):
		return Envelope{}, false
	case <-f.stopCh:
		return Envelope{}, false
	}
}

// SendHeartbeat stamps this node's last_heartbeat and broadcasts a
// NODE_HEARTBEAT envelope. Called once per second by NodeServer.
func (f *Fabric) SendHeartbeat(nowNS uint64) {
	updateHeartbeat(f.region, f.cfg.MaxNodes, f.cfg.NodeID, nowNS)
	var env Envelope
	env.MsgType = MsgNodeHeartbeat
	env.TimestampNS = nowNS
	f.Broadcast(env)
}

// Start launches the worker pool that polls every potential source node's
// inbound queue and dispatches to registered handlers.
func (f *Fabric) Start() {
	if !f.running.CompareAndSwap(false, true) {
		return
	}
	f.workers = &errgroup.Group{}
	for i := 0; i < f.cfg.WorkerCount; i++ {
		id := i
		f.workers.Go(func() error {
			f.workerLoop(id)
			return nil
		})
	}
}

// Stop signals workers to exit and joins them. SendAndWait callers blocked
// on a response return false immediately.
func (f *Fabric) Stop() {
	if !f.running.CompareAndSwap(true, false) {
		return
	}
	close(f.stopCh)
	if f.workers != nil {
		_ = f.workers.Wait()
	}
}

func (f *Fabric) workerLoop(id int) {
	// Stripe sources across workers so two workers never poll the same
	// queue concurrently.
	for {
		select {
		case <-f.stopCh:
			return
		default:
		}
		did := false
		for src := uint32(0); src < uint32(f.cfg.MaxNodes); src++ {
			if int(src)%f.cfg.WorkerCount != id {
				continue
			}
			if src == f.cfg.NodeID {
				continue
			}
			envs := f.inboundQueue(src).dequeue(f.cfg.MaxMessagesPerTick)
			for _, env := range envs {
				did = true
				f.dispatch(env)
			}
		}
		if !did {
			time.Sleep(100 * time.Microsecond)
		}
	}
}

func (f *Fabric) dispatch(env Envelope) {
	if isResponseType(env.MsgType) {
		f.pendingMu.Lock()
		pr, ok := f.pending[env.MsgID]
		f.pendingMu.Unlock()
		if ok {
			select {
			case pr.respCh <- env:
			default:
			}
		}
		// No pending entry: a late response whose waiter already timed out,
		// or a fire-and-forget ACK (invalidate, downgrade, writeback,
		// fence). Dropped silently either way.
		return
	}

	f.handlersMu.RLock()
	h, ok := f.handlers[env.MsgType]
	f.handlersMu.RUnlock()
	if !ok {
		return // unknown msg_type: protocol error, envelope dropped
	}

	resp, send := h(env)
	if send {
		resp.MsgID = env.MsgID
		f.Send(env.SrcNode, resp)
	}
}

// Stats is a point-in-time snapshot of fabric-wide counters.
type Stats struct {
	MessagesSent    uint64
	MessagesDropped uint64
	QueueDepths     map[uint32]int // keyed by peer node, this node's outbound queue to that peer
}

// Stats returns aggregate counters plus per-peer outbound queue depth.
func (f *Fabric) Stats() Stats {
	depths := make(map[uint32]int)
	var sent uint64
	for peer := uint32(0); peer < uint32(f.cfg.MaxNodes); peer++ {
		if peer == f.cfg.NodeID {
			continue
		}
		qs := f.outboundQueue(peer).stats()
		depths[peer] = qs.Depth
		sent += qs.TotalSent
	}
	return Stats{MessagesSent: sent, MessagesDropped: f.messagesDropped.Load(), QueueDepths: depths}
}

// QueueStatsFor returns the full counter set for the (src,dst) queue.
func (f *Fabric) QueueStatsFor(src, dst uint32) QueueStats {
	base := queueBaseOffset(f.cfg.MaxNodes, f.cfg.QueueCapacity, src, dst)
	return newRingQueue(f.region, base, f.cfg.QueueCapacity).stats()
}

// Close unmaps the segment. unlink should be true only for the coordinator
// on clean shutdown.
func (f *Fabric) Close(unlink bool) error {
	return f.region.Close(unlink)
}
