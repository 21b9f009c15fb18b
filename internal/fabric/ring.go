package fabric

import (
	"github.com/sluglab/cxlmemsim/internal/shmem"
)

// Ring queue header layout, relative to the queue's base offset in the
// segment, little-endian:
//
//	0  (4): head (producer index)
//	4  (4): tail (consumer index)
//	8  (4): msg_count (informational, eventually consistent)
//	12 (4): capacity
//	16 (8): total_sent
//	24 (8): total_received
//	32 (8): total_dropped
//	40 (24): padding to a 64-byte aligned envelope array start
const (
	qHeadOff          = 0
	qTailOff          = 4
	qMsgCountOff      = 8
	qCapacityOff      = 12
	qTotalSentOff     = 16
	qTotalReceivedOff = 24
	qTotalDroppedOff  = 32
	QueueHeaderSize   = 64
)

// QueueSize returns the byte footprint of one ring queue with the given
// envelope capacity.
func QueueSize(capacity int) int {
	return QueueHeaderSize + capacity*EnvelopeSize
}

// ringQueue is a single-producer single-consumer ring of Envelopes backed
// by a shared-memory region. The producer is always the src side of the
// (src,dst) pair this queue serves; the consumer is always dst.
type ringQueue struct {
	region   *shmem.Region
	base     int
	capacity int
}

func newRingQueue(region *shmem.Region, base, capacity int) *ringQueue {
	q := &ringQueue{region: region, base: base, capacity: capacity}
	if q.region.LoadU32(base+qCapacityOff) == 0 {
		q.region.StoreU32(base+qCapacityOff, uint32(capacity))
	}
	return q
}

func (q *ringQueue) head() uint32 { return q.region.LoadU32(q.base + qHeadOff) }
func (q *ringQueue) tail() uint32 { return q.region.LoadU32(q.base + qTailOff) }

func (q *ringQueue) slotOffset(idx uint32) int {
	return q.base + QueueHeaderSize + int(idx)*EnvelopeSize
}

// enqueue reserves the slot at head, writes env, then publishes the new
// head. Returns false (and increments total_dropped) if the queue is full.
func (q *ringQueue) enqueue(env Envelope) bool {
	head := q.head()
	tail := q.tail()
	next := (head + 1) % uint32(q.capacity)
	if next == tail {
		q.region.AddU64(q.base+qTotalDroppedOff, 1)
		return false
	}

	data := env.Marshal()
	copy(q.region.Bytes()[q.slotOffset(head):q.slotOffset(head)+EnvelopeSize], data)

	// Release: the slot write above must be visible before head advances.
	q.region.StoreU32(q.base+qHeadOff, next)
	q.region.AddU32(q.base+qMsgCountOff, 1)
	q.region.AddU64(q.base+qTotalSentOff, 1)
	return true
}

// dequeue consumes up to max envelopes, returning them in FIFO order.
func (q *ringQueue) dequeue(max int) []Envelope {
	var out []Envelope
	for len(out) < max {
		tail := q.tail()
		head := q.head()
		if tail == head {
			break
		}
		buf := q.region.Bytes()[q.slotOffset(tail) : q.slotOffset(tail)+EnvelopeSize]
		env := UnmarshalEnvelope(buf)
		next := (tail + 1) % uint32(q.capacity)
		// Acquire: the slot read above completes before tail advances.
		q.region.StoreU32(q.base+qTailOff, next)
		if q.region.LoadU32(q.base+qMsgCountOff) > 0 {
			q.region.AddU32(q.base+qMsgCountOff, ^uint32(0)) // -1
		}
		q.region.AddU64(q.base+qTotalReceivedOff, 1)
		out = append(out, env)
	}
	return out
}

// depth returns the current occupancy, accounting for wraparound.
func (q *ringQueue) depth() int {
	head, tail, cap := int(q.head()), int(q.tail()), q.capacity
	if head >= tail {
		return head - tail
	}
	return cap - tail + head
}

// QueueStats is a snapshot of one ring queue's counters.
type QueueStats struct {
	Depth         int
	Capacity      int
	TotalSent     uint64
	TotalReceived uint64
	TotalDropped  uint64
}

func (q *ringQueue) stats() QueueStats {
	return QueueStats{
		Depth:         q.depth(),
		Capacity:      q.capacity,
		TotalSent:     q.region.LoadU64(q.base + qTotalSentOff),
		TotalReceived: q.region.LoadU64(q.base + qTotalReceivedOff),
		TotalDropped:  q.region.LoadU64(q.base + qTotalDroppedOff),
	}
}
