package logp

import "testing"

func TestCalibrationAccumulator_InvalidBelowMinSamples(t *testing.T) {
	a := NewCalibrationAccumulator(0.5, 4)
	a.Observe(100, 10, 10, 5)
	a.Observe(100, 10, 10, 5)

	snap := a.Snapshot()
	if snap.Valid {
		t.Fatalf("expected snapshot to be invalid with only %d samples", snap.Samples)
	}
}

func TestCalibrationAccumulator_ValidAtMinSamples(t *testing.T) {
	a := NewCalibrationAccumulator(0.5, 2)
	a.Observe(100, 10, 10, 5)
	a.Observe(100, 10, 10, 5)

	snap := a.Snapshot()
	if !snap.Valid {
		t.Fatal("expected snapshot to become valid at minSamples")
	}
	if snap.L != 100 || snap.OsNs != 10 || snap.OrNs != 10 || snap.GNs != 5 {
		t.Fatalf("unexpected smoothed values: %+v", snap)
	}
}

func TestCalibrationAccumulator_SmoothsTowardNewSamples(t *testing.T) {
	a := NewCalibrationAccumulator(0.5, 1)
	a.Observe(100, 0, 0, 0)
	a.Observe(200, 0, 0, 0)

	snap := a.Snapshot()
	want := 0.5*100 + 0.5*200
	if snap.L != want {
		t.Fatalf("L = %v, want %v", snap.L, want)
	}
}

func TestCalibrationAccumulator_DefaultMinSamples(t *testing.T) {
	a := NewCalibrationAccumulator(0.5, 0)
	for i := 0; i < DefaultMinSamples-1; i++ {
		a.Observe(1, 1, 1, 1)
	}
	if a.Snapshot().Valid {
		t.Fatal("expected invalid just below DefaultMinSamples")
	}
	a.Observe(1, 1, 1, 1)
	if !a.Snapshot().Valid {
		t.Fatal("expected valid at DefaultMinSamples")
	}
}
