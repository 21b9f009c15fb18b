// Package fabric implements the MessageFabric: per-(src,dst) lock-free
// ring queues over a single shared-memory segment, envelope framing,
// request/response correlation with timeouts, and handler dispatch.
//
// This is the inter-node transport. A node forwards an operation to a
// remote home node, or drives cross-node coherency (invalidate, downgrade,
// writeback), by sending an Envelope through here — never by calling
// another node's Go objects directly, even though in this simulator all
// nodes may happen to run in one process. That discipline keeps the fabric
// the single chokepoint between nodes, and keeps NodeServer instances
// substitutable by out-of-process peers later.
package fabric

import (
	"encoding/binary"
	"fmt"
)

// MsgType identifies an Envelope's purpose and payload shape.
type MsgType uint32

const (
	MsgNone MsgType = 0

	MsgNodeRegister   MsgType = 1
	MsgNodeDeregister MsgType = 2
	MsgNodeHeartbeat  MsgType = 3
	MsgNodeAck        MsgType = 4

	MsgReadReq   MsgType = 10
	MsgReadResp  MsgType = 11
	MsgWriteReq  MsgType = 12
	MsgWriteResp MsgType = 13

	MsgAtomicFAAReq   MsgType = 20
	MsgAtomicFAAResp  MsgType = 21
	MsgAtomicCASReq   MsgType = 22
	MsgAtomicCASResp  MsgType = 23
	MsgFenceReq       MsgType = 24
	MsgFenceResp      MsgType = 25

	MsgInvalidate    MsgType = 30
	MsgInvalidateAck MsgType = 31
	MsgDowngrade     MsgType = 32
	MsgDowngradeAck  MsgType = 33
	MsgWriteback     MsgType = 34
	MsgWritebackAck  MsgType = 35

	MsgDirQuery    MsgType = 41
	MsgDirResponse MsgType = 42
)

func (t MsgType) String() string {
	switch t {
	case MsgNone:
		return "NONE"
	case MsgNodeRegister:
		return "NODE_REGISTER"
	case MsgNodeDeregister:
		return "NODE_DEREGISTER"
	case MsgNodeHeartbeat:
		return "NODE_HEARTBEAT"
	case MsgNodeAck:
		return "NODE_ACK"
	case MsgReadReq:
		return "READ_REQ"
	case MsgReadResp:
		return "READ_RESP"
	case MsgWriteReq:
		return "WRITE_REQ"
	case MsgWriteResp:
		return "WRITE_RESP"
	case MsgAtomicFAAReq:
		return "ATOMIC_FAA_REQ"
	case MsgAtomicFAAResp:
		return "ATOMIC_FAA_RESP"
	case MsgAtomicCASReq:
		return "ATOMIC_CAS_REQ"
	case MsgAtomicCASResp:
		return "ATOMIC_CAS_RESP"
	case MsgFenceReq:
		return "FENCE_REQ"
	case MsgFenceResp:
		return "FENCE_RESP"
	case MsgInvalidate:
		return "INVALIDATE"
	case MsgInvalidateAck:
		return "INVALIDATE_ACK"
	case MsgDowngrade:
		return "DOWNGRADE"
	case MsgDowngradeAck:
		return "DOWNGRADE_ACK"
	case MsgWriteback:
		return "WRITEBACK"
	case MsgWritebackAck:
		return "WRITEBACK_ACK"
	case MsgDirQuery:
		return "DIR_QUERY"
	case MsgDirResponse:
		return "DIR_RESPONSE"
	default:
		return fmt.Sprintf("unknown(%d)", uint32(t))
	}
}

// BroadcastNode is the DstNode sentinel meaning "every peer".
const BroadcastNode uint32 = 0xFFFF

// isResponseType reports whether t correlates back to a pending request
// (or is a fire-and-forget ACK) rather than initiating work of its own.
func isResponseType(t MsgType) bool {
	switch t {
	case MsgNodeAck, MsgReadResp, MsgWriteResp, MsgAtomicFAAResp, MsgAtomicCASResp,
		MsgFenceResp, MsgInvalidateAck, MsgDowngradeAck, MsgWritebackAck, MsgDirResponse:
		return true
	}
	return false
}

// EnvelopeSize is the fixed on-wire size of one Envelope: 32-byte header +
// 256-byte payload area + 224 bytes of tail padding, 64-byte aligned.
const EnvelopeSize = 512

const (
	headerSize  = 32
	payloadSize = 256
)

// Envelope is the fixed-size record carried by every ring queue.
type Envelope struct {
	MsgType     MsgType
	MsgID       uint32
	SrcNode     uint32
	DstNode     uint32
	TimestampNS uint64
	PayloadSize uint32
	Flags       uint32
	Payload     [payloadSize]byte
}

// Marshal encodes e into a fresh EnvelopeSize-byte little-endian buffer.
func (e *Envelope) Marshal() []byte {
	buf := make([]byte, EnvelopeSize)
	binary.LittleEndian.PutUint32(buf[0:], uint32(e.MsgType))
	binary.LittleEndian.PutUint32(buf[4:], e.MsgID)
	binary.LittleEndian.PutUint32(buf[8:], e.SrcNode)
	binary.LittleEndian.PutUint32(buf[12:], e.DstNode)
	binary.LittleEndian.PutUint64(buf[16:], e.TimestampNS)
	binary.LittleEndian.PutUint32(buf[24:], e.PayloadSize)
	binary.LittleEndian.PutUint32(buf[28:], e.Flags)
	copy(buf[headerSize:headerSize+payloadSize], e.Payload[:])
	return buf
}

// UnmarshalEnvelope decodes an EnvelopeSize-byte buffer into an Envelope.
func UnmarshalEnvelope(buf []byte) Envelope {
	var e Envelope
	e.MsgType = MsgType(binary.LittleEndian.Uint32(buf[0:]))
	e.MsgID = binary.LittleEndian.Uint32(buf[4:])
	e.SrcNode = binary.LittleEndian.Uint32(buf[8:])
	e.DstNode = binary.LittleEndian.Uint32(buf[12:])
	e.TimestampNS = binary.LittleEndian.Uint64(buf[16:])
	e.PayloadSize = binary.LittleEndian.Uint32(buf[24:])
	e.Flags = binary.LittleEndian.Uint32(buf[28:])
	copy(e.Payload[:], buf[headerSize:headerSize+payloadSize])
	return e
}

// MemoryPayload is the tagged payload for READ/WRITE/ATOMIC_* envelopes.
type MemoryPayload struct {
	Addr          uint64
	Size          uint64
	Value         uint64
	Expected      uint64
	LatencyNS     uint64
	ClientID      uint32
	Status        uint32
	CacheState    uint8
	NewCacheState uint8
	SharersBitmap uint16
	Version       uint32
	Data          [64]byte
}

// PutMemoryPayload encodes p into e's payload area and sets PayloadSize.
func (e *Envelope) PutMemoryPayload(p MemoryPayload) {
	b := e.Payload[:]
	binary.LittleEndian.PutUint64(b[0:], p.Addr)
	binary.LittleEndian.PutUint64(b[8:], p.Size)
	binary.LittleEndian.PutUint64(b[16:], p.Value)
	binary.LittleEndian.PutUint64(b[24:], p.Expected)
	binary.LittleEndian.PutUint64(b[32:], p.LatencyNS)
	binary.LittleEndian.PutUint32(b[40:], p.ClientID)
	binary.LittleEndian.PutUint32(b[44:], p.Status)
	b[48] = p.CacheState
	b[49] = p.NewCacheState
	binary.LittleEndian.PutUint16(b[50:], p.SharersBitmap)
	binary.LittleEndian.PutUint32(b[52:], p.Version)
	copy(b[56:120], p.Data[:])
	e.PayloadSize = 120
}

// MemoryPayload decodes the memory payload from e's payload area.
func (e *Envelope) MemoryPayload() MemoryPayload {
	b := e.Payload[:]
	var p MemoryPayload
	p.Addr = binary.LittleEndian.Uint64(b[0:])
	p.Size = binary.LittleEndian.Uint64(b[8:])
	p.Value = binary.LittleEndian.Uint64(b[16:])
	p.Expected = binary.LittleEndian.Uint64(b[24:])
	p.LatencyNS = binary.LittleEndian.Uint64(b[32:])
	p.ClientID = binary.LittleEndian.Uint32(b[40:])
	p.Status = binary.LittleEndian.Uint32(b[44:])
	p.CacheState = b[48]
	p.NewCacheState = b[49]
	p.SharersBitmap = binary.LittleEndian.Uint16(b[50:])
	p.Version = binary.LittleEndian.Uint32(b[52:])
	copy(p.Data[:], b[56:120])
	return p
}

// NodePayload is the tagged payload for NODE_REGISTER/NODE_HEARTBEAT.
type NodePayload struct {
	NodeID        uint32
	NodeState     uint32
	MemoryBase    uint64
	MemorySize    uint64
	NumCachelines uint64
	Port          uint32
	Flags         uint32
	Hostname      [24]byte
}

// PutNodePayload encodes p into e's payload area and sets PayloadSize.
func (e *Envelope) PutNodePayload(p NodePayload) {
	b := e.Payload[:]
	binary.LittleEndian.PutUint32(b[0:], p.NodeID)
	binary.LittleEndian.PutUint32(b[4:], p.NodeState)
	binary.LittleEndian.PutUint64(b[8:], p.MemoryBase)
	binary.LittleEndian.PutUint64(b[16:], p.MemorySize)
	binary.LittleEndian.PutUint64(b[24:], p.NumCachelines)
	binary.LittleEndian.PutUint32(b[32:], p.Port)
	binary.LittleEndian.PutUint32(b[36:], p.Flags)
	copy(b[40:64], p.Hostname[:])
	e.PayloadSize = 64
}

// NodePayload decodes the node payload from e's payload area.
func (e *Envelope) NodePayload() NodePayload {
	b := e.Payload[:]
	var p NodePayload
	p.NodeID = binary.LittleEndian.Uint32(b[0:])
	p.NodeState = binary.LittleEndian.Uint32(b[4:])
	p.MemoryBase = binary.LittleEndian.Uint64(b[8:])
	p.MemorySize = binary.LittleEndian.Uint64(b[16:])
	p.NumCachelines = binary.LittleEndian.Uint64(b[24:])
	p.Port = binary.LittleEndian.Uint32(b[32:])
	p.Flags = binary.LittleEndian.Uint32(b[36:])
	copy(p.Hostname[:], b[40:64])
	return p
}

// CoherencyPayload is the tagged payload for INVALIDATE/DOWNGRADE/WRITEBACK.
type CoherencyPayload struct {
	CachelineAddr  uint64
	RequestingNode uint32
	OwnerNode      uint32
	SharersBitmap  uint16
	CurrentState   uint8
	RequestedState uint8
	Version        uint32
	Data           [24]byte
}

// PutCoherencyPayload encodes p into e's payload area and sets PayloadSize.
func (e *Envelope) PutCoherencyPayload(p CoherencyPayload) {
	b := e.Payload[:]
	binary.LittleEndian.PutUint64(b[0:], p.CachelineAddr)
	binary.LittleEndian.PutUint32(b[8:], p.RequestingNode)
	binary.LittleEndian.PutUint32(b[12:], p.OwnerNode)
	binary.LittleEndian.PutUint16(b[16:], p.SharersBitmap)
	b[18] = p.CurrentState
	b[19] = p.RequestedState
	binary.LittleEndian.PutUint32(b[20:], p.Version)
	copy(b[24:48], p.Data[:])
	e.PayloadSize = 48
}

// CoherencyPayload decodes the coherency payload from e's payload area.
func (e *Envelope) CoherencyPayload() CoherencyPayload {
	b := e.Payload[:]
	var p CoherencyPayload
	p.CachelineAddr = binary.LittleEndian.Uint64(b[0:])
	p.RequestingNode = binary.LittleEndian.Uint32(b[8:])
	p.OwnerNode = binary.LittleEndian.Uint32(b[12:])
	p.SharersBitmap = binary.LittleEndian.Uint16(b[16:])
	p.CurrentState = b[18]
	p.RequestedState = b[19]
	p.Version = binary.LittleEndian.Uint32(b[20:])
	copy(p.Data[:], b[24:48])
	return p
}
