// Package logp — calibration.go
//
// Per-peer EWMA calibration accumulator. As a node observes real
// round-trip timings on its fabric links, it feeds them into a
// CalibrationAccumulator; once enough samples have landed, Snapshot()
// produces a Params set suitable for Model.ApplyCalibration.
//
// Formula, applied independently to each component:
//
//	P_{t+1} = alpha * P_t + (1 - alpha) * sample_t
//
// Each of L, o_s, o_r, g is smoothed independently. A Snapshot is not
// "valid" until at least MinSamples observations have been folded in,
// so a single noisy round trip cannot install a bad calibration.
//
// The accumulator is an offline-tooling utility: samples come from a
// calibration harness measuring a real fabric, not from the simulator's
// own request path. Folding the simulator's wall-clock round trips (which
// include worker polling and host scheduling) back into the model it is
// simulating would contaminate the reported latencies.

package logp

import "sync"

// DefaultMinSamples is the minimum sample count before a Snapshot is valid.
const DefaultMinSamples = 8

// Snapshot is a point-in-time read of a CalibrationAccumulator.
type Snapshot struct {
	L       float64
	OsNs    float64
	OrNs    float64
	GNs     float64
	Samples uint64
	Valid   bool
}

// CalibrationAccumulator smooths observed LogP component samples for one
// peer link. Safe for concurrent Observe/Snapshot calls.
type CalibrationAccumulator struct {
	mu         sync.Mutex
	alpha      float64
	minSamples uint64

	l, osNs, orNs, gNs float64
	samples            uint64
}

// NewCalibrationAccumulator creates an accumulator with smoothing factor
// alpha (in [0,1]) and the given minimum sample threshold. A minSamples of
// 0 is replaced by DefaultMinSamples.
func NewCalibrationAccumulator(alpha float64, minSamples uint64) *CalibrationAccumulator {
	if alpha < 0.0 || alpha > 1.0 {
		panic("alpha must be in [0.0, 1.0]")
	}
	if minSamples == 0 {
		minSamples = DefaultMinSamples
	}
	return &CalibrationAccumulator{alpha: alpha, minSamples: minSamples}
}

// Observe folds one observed sample of each LogP component into the
// running EWMA.
func (a *CalibrationAccumulator) Observe(l, osNs, orNs, gNs float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.samples == 0 {
		a.l, a.osNs, a.orNs, a.gNs = l, osNs, orNs, gNs
	} else {
		a.l = a.alpha*a.l + (1-a.alpha)*l
		a.osNs = a.alpha*a.osNs + (1-a.alpha)*osNs
		a.orNs = a.alpha*a.orNs + (1-a.alpha)*orNs
		a.gNs = a.alpha*a.gNs + (1-a.alpha)*gNs
	}
	a.samples++
}

// Snapshot returns the current smoothed parameter set. Valid is true only
// once at least minSamples observations have been folded in.
func (a *CalibrationAccumulator) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Snapshot{
		L:       a.l,
		OsNs:    a.osNs,
		OrNs:    a.orNs,
		GNs:     a.gNs,
		Samples: a.samples,
		Valid:   a.samples >= a.minSamples,
	}
}
