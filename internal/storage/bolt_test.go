package storage

import (
	"path/filepath"
	"testing"
	"time"
)

func openTestDB(t *testing.T, retentionDays int) *DB {
	t.Helper()
	d, err := Open(filepath.Join(t.TempDir(), "test.db"), retentionDays)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = d.Close() })
	return d
}

func TestDB_NodeRoundTrip(t *testing.T) {
	d := openTestDB(t, 30)

	if err := d.PutNode(NodeRecord{NodeID: 2, LastStatus: "online"}); err != nil {
		t.Fatalf("put: %v", err)
	}
	rec, err := d.GetNode(2)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec == nil || rec.LastStatus != "online" {
		t.Fatalf("record = %+v, want online node 2", rec)
	}
	if rec.LastSeen.IsZero() {
		t.Fatal("LastSeen not stamped on Put")
	}

	missing, err := d.GetNode(9)
	if err != nil || missing != nil {
		t.Fatalf("missing node: rec=%+v err=%v, want nil/nil", missing, err)
	}

	recs, err := d.ListNodes()
	if err != nil || len(recs) != 1 {
		t.Fatalf("list = %v (err=%v), want 1 record", recs, err)
	}
}

func TestDB_LedgerAppendAndPrune(t *testing.T) {
	d := openTestDB(t, 30)

	old := LedgerEntry{
		Timestamp:     time.Now().UTC().AddDate(0, 0, -60),
		CachelineAddr: 0x1000,
		ToState:       "M",
	}
	fresh := LedgerEntry{
		CachelineAddr: 0x2000,
		ToState:       "S",
	}
	if err := d.AppendLedger(old); err != nil {
		t.Fatalf("append old: %v", err)
	}
	if err := d.AppendLedger(fresh); err != nil {
		t.Fatalf("append fresh: %v", err)
	}

	deleted, err := d.PruneOldLedgerEntries()
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if deleted != 1 {
		t.Fatalf("pruned %d entries, want 1", deleted)
	}

	entries, err := d.ReadLedger()
	if err != nil || len(entries) != 1 {
		t.Fatalf("ledger = %v (err=%v), want the fresh entry only", entries, err)
	}
	if entries[0].CachelineAddr != 0x2000 {
		t.Fatalf("surviving entry addr = 0x%x, want 0x2000", entries[0].CachelineAddr)
	}
}

// A nonexistent parent directory makes Open fail cleanly; callers treat
// that as "run without advisory storage", never as a fatal coherency
// error.
func TestDB_OpenFailureIsClean(t *testing.T) {
	if _, err := Open(filepath.Join(t.TempDir(), "no", "such", "dir", "x.db"), 30); err == nil {
		t.Fatal("expected open failure for missing parent directory")
	}
}
