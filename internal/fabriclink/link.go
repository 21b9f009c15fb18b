// Package fabriclink implements the per-peer credit/bandwidth traversal
// model the coherency engine consults when a link has been registered for
// a destination node, on top of (not instead of) the LogP component.
package fabriclink

import "sync"

// Link models one directional fabric hop: a fixed per-hop latency plus a
// shared bandwidth that successive sends queue behind, the way a real
// link's departure time can't precede the previous message's departure.
type Link struct {
	mu            sync.Mutex
	bandwidthGbps float64
	hopLatencyNS  float64
	lastDepartNS  float64
}

// New returns a Link with the given sustained bandwidth (Gbps) and
// fixed per-hop latency (ns).
func New(bandwidthGbps, hopLatencyNS float64) *Link {
	return &Link{bandwidthGbps: bandwidthGbps, hopLatencyNS: hopLatencyNS}
}

// TraversalLatencyNS implements coherency.FabricLink: departure is
// serialized behind the link's last departure, then bytes/bw and the
// fixed hop latency are added.
//
//	depart = max(last_depart, ts) + bytes/bw + L_hop
//
// The returned value is a duration: the completion time minus ts, i.e. the
// latency this send adds, in nanoseconds.
func (l *Link) TraversalLatencyNS(ts uint64, nBytes uint64) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	bytesNS := bytesToNS(nBytes, l.bandwidthGbps)
	depart := float64(ts)
	if l.lastDepartNS > depart {
		depart = l.lastDepartNS
	}
	complete := depart + bytesNS + l.hopLatencyNS
	l.lastDepartNS = complete
	return complete - float64(ts)
}

// bytesToNS converts a byte count to a transmit duration at the given
// bandwidth in gigabits/sec.
func bytesToNS(nBytes uint64, bandwidthGbps float64) float64 {
	if bandwidthGbps <= 0 {
		return 0
	}
	bits := float64(nBytes) * 8
	// Gbps = bits/ns, so ns = bits/Gbps.
	return bits / bandwidthGbps
}
