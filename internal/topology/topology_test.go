package topology

import (
	"testing"
	"time"
)

func TestScratchPersistenceRoundTrip(t *testing.T) {
	s := &MemScratch{}
	if _, ok := LoadNodeID(s); ok {
		t.Fatal("fresh scratch should have no valid identifier")
	}
	PersistNodeID(s, 7)
	id, ok := LoadNodeID(s)
	if !ok || id != 7 {
		t.Fatalf("LoadNodeID = (%d,%v), want (7,true)", id, ok)
	}
}

func TestTableObserveAndSnapshot(t *testing.T) {
	tbl := NewTable()
	tbl.Observe(3, 2*time.Millisecond)
	tbl.Observe(5, 3*time.Millisecond)
	snap := tbl.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(snap))
	}
	tbl.Remove(3)
	if len(tbl.Snapshot()) != 1 {
		t.Fatal("expected entry removed")
	}
}

func TestStaleBefore(t *testing.T) {
	tbl := NewTable()
	tbl.Observe(1, time.Millisecond)
	stale := tbl.StaleBefore(time.Now().Add(time.Hour))
	if len(stale) != 1 || stale[0] != 1 {
		t.Fatalf("expected node 1 to be stale, got %v", stale)
	}
	if len(tbl.StaleBefore(time.Now().Add(-time.Hour))) != 0 {
		t.Fatal("expected nothing stale for a cutoff in the past")
	}
}
