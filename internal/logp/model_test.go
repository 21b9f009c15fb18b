package logp

import "testing"

func TestModel_MessageLatency_UsesDefaults(t *testing.T) {
	m := NewModel(Params{L: 500, OsNs: 100, OrNs: 100, GNs: 50})
	got := m.MessageLatency(0, 7)
	want := 700.0
	if got != want {
		t.Fatalf("MessageLatency = %v, want %v", got, want)
	}
	if g := m.Gap(7); g != 50 {
		t.Fatalf("Gap = %v, want 50", g)
	}
}

func TestModel_PerPeerOverride(t *testing.T) {
	m := NewModel(Params{L: 500, OsNs: 100, OrNs: 100, GNs: 50})
	m.SetPeerParams(2, Params{L: 10, OsNs: 10, OrNs: 10, GNs: 5})

	if got := m.MessageLatency(0, 2); got != 30 {
		t.Fatalf("peer 2 MessageLatency = %v, want 30", got)
	}
	if got := m.MessageLatency(0, 3); got != 700 {
		t.Fatalf("peer 3 (no override) MessageLatency = %v, want 700", got)
	}
}

func TestModel_ApplyCalibration_IgnoresInvalid(t *testing.T) {
	m := NewModel(Params{L: 500, OsNs: 100, OrNs: 100, GNs: 50})
	m.ApplyCalibration(2, Snapshot{L: 1, OsNs: 1, OrNs: 1, GNs: 1, Valid: false})

	if got := m.MessageLatency(0, 2); got != 700 {
		t.Fatalf("invalid calibration should be ignored, got %v", got)
	}
}

func TestModel_ApplyCalibration_InstallsValidSnapshot(t *testing.T) {
	m := NewModel(Params{L: 500, OsNs: 100, OrNs: 100, GNs: 50})
	m.ApplyCalibration(2, Snapshot{L: 10, OsNs: 20, OrNs: 30, GNs: 5, Valid: true})

	if got := m.MessageLatency(0, 2); got != 60 {
		t.Fatalf("calibrated MessageLatency = %v, want 60", got)
	}
}
