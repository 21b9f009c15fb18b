// Package coherency implements the unified MOESI directory protocol shared
// by local (multi-head) and remote (cross-node) cacheline accesses.
//
// This replaces the legacy split between a local multi-headed coherency
// manager and a separate cross-node manager with a single Engine: every
// cacheline has exactly one DirectoryEntry, owned by its home node, and
// every access — whether issued by a local head or forwarded in from a
// remote node — goes through the same state machine.

package coherency

import (
	"fmt"
	"sync"
)

// State is a per-cacheline MOESI coherency state.
type State uint8

const (
	Invalid State = iota
	Shared
	Exclusive
	Modified
	Owned
)

func (s State) String() string {
	switch s {
	case Invalid:
		return "I"
	case Shared:
		return "S"
	case Exclusive:
		return "E"
	case Modified:
		return "M"
	case Owned:
		return "O"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint8(s))
	}
}

// NoNode is the sentinel "no owner" / "no target" node ID.
const NoNode uint32 = ^uint32(0)

// MaxHeads is the maximum number of heads (ports) tracked per node.
const MaxHeads = 16

// CachelineSize is the coherency granularity in bytes.
const CachelineSize = 64

// CachelineAddr truncates a byte address down to its containing cacheline.
func CachelineAddr(addr uint64) uint64 {
	return addr &^ (CachelineSize - 1)
}

// DirectoryEntry is the authoritative coherency state for one cacheline,
// held at its home node. Entries are created lazily and never deleted.
//
// All fields except Addr are protected by mu; callers outside this package
// never see a DirectoryEntry without going through Engine, which always
// holds mu while mutating.
type DirectoryEntry struct {
	mu sync.Mutex

	Addr         uint64
	State        State
	OwnerNode    uint32
	OwnerHead    uint32
	Sharers      map[uint32]struct{}
	Version      uint64
	LastAccessNS int64
	HasDirtyData bool
}

func newDirectoryEntry(addr uint64) *DirectoryEntry {
	return &DirectoryEntry{
		Addr:      addr,
		State:     Invalid,
		OwnerNode: NoNode,
		Sharers:   make(map[uint32]struct{}),
	}
}

// checkInvariants validates the directory invariants. Caller must hold
// e.mu. Returns a non-nil *InvariantViolation describing the first
// violation found, or nil.
func (e *DirectoryEntry) checkInvariants() *InvariantViolation {
	switch e.State {
	case Invalid:
		if e.OwnerNode != NoNode || len(e.Sharers) != 0 {
			return newViolation(e.Addr, "invalid_has_owner_or_sharers",
				fmt.Sprintf("state=I but owner=%d sharers=%d", e.OwnerNode, len(e.Sharers)))
		}
	case Modified:
		if len(e.Sharers) != 0 || e.OwnerNode == NoNode || !e.HasDirtyData {
			return newViolation(e.Addr, "modified_invariant",
				fmt.Sprintf("state=M owner=%d sharers=%d dirty=%v", e.OwnerNode, len(e.Sharers), e.HasDirtyData))
		}
	case Exclusive:
		if len(e.Sharers) != 0 || e.OwnerNode == NoNode || e.HasDirtyData {
			return newViolation(e.Addr, "exclusive_invariant",
				fmt.Sprintf("state=E owner=%d sharers=%d dirty=%v", e.OwnerNode, len(e.Sharers), e.HasDirtyData))
		}
	case Owned:
		if e.OwnerNode == NoNode || !e.HasDirtyData {
			return newViolation(e.Addr, "owned_invariant",
				fmt.Sprintf("state=O owner=%d dirty=%v", e.OwnerNode, e.HasDirtyData))
		}
	case Shared:
		if e.OwnerNode != NoNode || len(e.Sharers) == 0 {
			return newViolation(e.Addr, "shared_invariant",
				fmt.Sprintf("state=S owner=%d sharers=%d", e.OwnerNode, len(e.Sharers)))
		}
	}
	if _, ownerAlsoSharer := e.Sharers[e.OwnerNode]; e.OwnerNode != NoNode && ownerAlsoSharer {
		return newViolation(e.Addr, "owner_also_sharer",
			fmt.Sprintf("node %d is both owner and sharer", e.OwnerNode))
	}
	return nil
}

// Head models one logical attachment point (port) on a multi-headed node.
type Head struct {
	HeadID            uint32
	Active            bool
	AllocatedCapacity uint64
	UsedCapacity      uint64
	BandwidthShare    float64
}

// Request is a coherency operation issued by a requesting node/head against
// an address.
type Request struct {
	Addr           uint64
	RequestingNode uint32
	RequestingHead uint32
	IsWrite        bool
	Timestamp      uint64
}

// Response is the outcome of a coherency operation.
type Response struct {
	LatencyNS      float64
	NewState       State
	Success        bool
	DataSourceNode uint32
}

// TransitionEvent describes one observed state transition, delivered to
// registered Observers after the transition has been committed.
type TransitionEvent struct {
	Addr           uint64
	FromState      State
	ToState        State
	RequestingNode uint32
	OwnerNode      uint32
	Version        uint64
	LatencyNS      float64
	IsWrite        bool
}

// Observer receives TransitionEvents. Implementations must be goroutine
// safe, fast (no blocking I/O), and must never panic — Engine calls
// observers synchronously on the hot path.
type Observer interface {
	Observe(TransitionEvent)
}

// Transport sends coherency protocol messages to a remote node holding a
// conflicting copy of a cacheline. Engine calls back through this narrow
// interface instead of holding a reference to the message fabric directly,
// breaking the cyclic reference the original coherency engine had onto its
// transport layer.
//
// Implementations report whether the message was at least handed off to
// the fabric; Engine does not block on an ACK — per-peer latency is
// computed separately via the LogP model and FabricLink, not derived from
// Transport's return value.
type Transport interface {
	SendInvalidate(targetNode uint32, addr uint64) bool
	SendDowngrade(targetNode uint32, addr uint64) bool
	SendWriteback(targetNode uint32, addr uint64, data []byte) bool
}

// Stats is a point-in-time snapshot of Engine counters.
type Stats struct {
	CoherencyMessages   uint64
	Invalidations       uint64
	Downgrades          uint64
	Writebacks          uint64
	RemoteOps           uint64
	AvgCoherencyLatency float64
}
