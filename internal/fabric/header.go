package fabric

import (
	"encoding/binary"

	"github.com/sluglab/cxlmemsim/internal/shmem"
)

// HeaderMagic identifies a CXLMemSim distributed message segment.
const HeaderMagic uint64 = 0x4458544D454D5348 // "DXTMEMSH"

// HeaderVersion is the current segment layout version.
const HeaderVersion uint32 = 1

// Segment header layout, little-endian:
//
//	0  (8): magic
//	8  (4): version
//	12 (4): num_nodes
//	16 (4): coordinator_node
//	20 (4): global_epoch
//	24 (4): system_ready
//	28 (4): shutdown_requested
//	32 (32): padding
const (
	hdrMagicOff             = 0
	hdrVersionOff           = 8
	hdrNumNodesOff          = 12
	hdrCoordinatorOff       = 16
	hdrGlobalEpochOff       = 20
	hdrSystemReadyOff       = 24
	hdrShutdownRequestedOff = 28
	segmentHeaderSize       = 64
)

// NodeStatus slot layout, little-endian, 128 bytes each:
//
//	0  (4): node_id
//	4  (4): state
//	8  (8): memory_base
//	16 (8): memory_size
//	24 (8): last_heartbeat_ns
//	32 (4): flags
//	36 (24): hostname
const (
	nodeStatusSize     = 128
	nsNodeIDOff        = 0
	nsStateOff         = 4
	nsMemoryBaseOff    = 8
	nsMemorySizeOff    = 16
	nsLastHeartbeatOff = 24
	nsFlagsOff         = 32
	nsHostnameOff      = 36
	nsHostnameLen      = 24
)

// NodeState mirrors the NodeInfo lifecycle from the data model.
type NodeState uint32

const (
	NodeUnknown NodeState = iota
	NodeInit
	NodeReady
	NodeBusy
	NodeDraining
	NodeOffline
)

func (s NodeState) String() string {
	switch s {
	case NodeUnknown:
		return "UNKNOWN"
	case NodeInit:
		return "INIT"
	case NodeReady:
		return "READY"
	case NodeBusy:
		return "BUSY"
	case NodeDraining:
		return "DRAINING"
	case NodeOffline:
		return "OFFLINE"
	default:
		return "UNKNOWN"
	}
}

// nodeStatusOffset returns the byte offset of nodeID's NodeStatus slot.
func nodeStatusOffset(maxNodes int, nodeID uint32) int {
	return segmentHeaderSize + int(nodeID)*nodeStatusSize
}

// queueBaseOffset returns the byte offset of the (src,dst) ring queue,
// given the queue capacity every pair shares.
func queueBaseOffset(maxNodes int, queueCapacity int, src, dst uint32) int {
	nodesArea := segmentHeaderSize + maxNodes*nodeStatusSize
	qSize := QueueSize(queueCapacity)
	pairIndex := int(src)*maxNodes + int(dst)
	return nodesArea + pairIndex*qSize
}

// segmentSize returns the total byte size of a segment configured for
// maxNodes peers and the given per-pair queue capacity.
func segmentSize(maxNodes, queueCapacity int) int {
	return segmentHeaderSize + maxNodes*nodeStatusSize + maxNodes*maxNodes*QueueSize(queueCapacity)
}

func writeSegmentHeader(region *shmem.Region, numNodes int, coordinator uint32) {
	b := region.Bytes()
	if binary.LittleEndian.Uint64(b[hdrMagicOff:]) == HeaderMagic {
		return // already initialized by the coordinator
	}
	binary.LittleEndian.PutUint64(b[hdrMagicOff:], HeaderMagic)
	binary.LittleEndian.PutUint32(b[hdrVersionOff:], HeaderVersion)
	binary.LittleEndian.PutUint32(b[hdrNumNodesOff:], uint32(numNodes))
	binary.LittleEndian.PutUint32(b[hdrCoordinatorOff:], coordinator)
	region.StoreU32(hdrGlobalEpochOff, 0)
	region.StoreU32(hdrSystemReadyOff, 1)
	region.StoreU32(hdrShutdownRequestedOff, 0)
}

// NodeStatusView reads one NodeStatus slot.
type NodeStatusView struct {
	NodeID          uint32
	State           NodeState
	MemoryBase      uint64
	MemorySize      uint64
	LastHeartbeatNS uint64
	Hostname        string
}

func readNodeStatus(region *shmem.Region, maxNodes int, nodeID uint32) NodeStatusView {
	off := nodeStatusOffset(maxNodes, nodeID)
	b := region.Bytes()
	host := b[off+nsHostnameOff : off+nsHostnameOff+nsHostnameLen]
	n := 0
	for n < len(host) && host[n] != 0 {
		n++
	}
	return NodeStatusView{
		NodeID:          region.LoadU32(off + nsNodeIDOff),
		State:           NodeState(region.LoadU32(off + nsStateOff)),
		MemoryBase:      region.LoadU64(off + nsMemoryBaseOff),
		MemorySize:      region.LoadU64(off + nsMemorySizeOff),
		LastHeartbeatNS: region.LoadU64(off + nsLastHeartbeatOff),
		Hostname:        string(host[:n]),
	}
}

func writeNodeStatus(region *shmem.Region, maxNodes int, v NodeStatusView) {
	off := nodeStatusOffset(maxNodes, v.NodeID)
	region.StoreU32(off+nsNodeIDOff, v.NodeID)
	region.StoreU32(off+nsStateOff, uint32(v.State))
	region.StoreU64(off+nsMemoryBaseOff, v.MemoryBase)
	region.StoreU64(off+nsMemorySizeOff, v.MemorySize)
	region.StoreU64(off+nsLastHeartbeatOff, v.LastHeartbeatNS)
	b := region.Bytes()
	host := b[off+nsHostnameOff : off+nsHostnameOff+nsHostnameLen]
	for i := range host {
		host[i] = 0
	}
	copy(host, v.Hostname)
}

func updateHeartbeat(region *shmem.Region, maxNodes int, nodeID uint32, tsNS uint64) {
	off := nodeStatusOffset(maxNodes, nodeID)
	region.StoreU64(off+nsLastHeartbeatOff, tsNS)
}
