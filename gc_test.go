package silo

import "testing"

func openTestStoreWithConfig(t *testing.T, cfg Config) *Store {
	t.Helper()
	s, err := Open(t.TempDir(), cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestEstimateReclaimablePctFreshStoreIsZero(t *testing.T) {
	s := openTestStore(t)
	pct, err := s.estimateReclaimablePct()
	if err != nil {
		t.Fatalf("estimateReclaimablePct: %v", err)
	}
	if pct != 0 {
		t.Fatalf("fresh store estimate = %d%%, want 0", pct)
	}
}

func TestForcedCompactPreservesDataAndBumpsGeneration(t *testing.T) {
	s := openTestStore(t)

	b := s.NewBuilder()
	b.SetProperty("title", PropString, "hello")
	child := b.SetChildNode("kid")
	child.SetProperty("n", PropLong, int64(42))
	if _, err := s.Merge(b, nil, nil); err != nil {
		t.Fatalf("Merge: %v", err)
	}
	s.Checkpoint("before-gc")

	before := s.generation.Load()
	if err := s.Compact(); err != nil {
		t.Fatalf("Compact: %v", err)
	}
	if s.generation.Load() != before+1 {
		t.Fatalf("generation after Compact = %d, want %d", s.generation.Load(), before+1)
	}

	root := s.GetRoot()
	p, ok, err := root.Property("title")
	if err != nil || !ok {
		t.Fatalf("Property(title) after compaction: ok=%v err=%v", ok, err)
	}
	v, err := root.StringValue(p.Values[0])
	if err != nil || v != "hello" {
		t.Fatalf("title after compaction = %q, %v", v, err)
	}

	kid, ok, err := root.Child("kid")
	if err != nil || !ok {
		t.Fatalf("Child(kid) after compaction: ok=%v err=%v", ok, err)
	}
	np, ok, err := kid.Property("n")
	if err != nil || !ok {
		t.Fatalf("kid.Property(n) after compaction: ok=%v err=%v", ok, err)
	}
	n, err := kid.LongValue(np.Values[0])
	if err != nil || n != 42 {
		t.Fatalf("kid.n after compaction = %d, %v", n, err)
	}

	// The checkpoint taken before compaction must still resolve, rewritten
	// through the compaction's memo onto the new generation's records.
	cp, err := s.Retrieve("before-gc")
	if err != nil {
		t.Fatalf("Retrieve(before-gc) after compaction: %v", err)
	}
	cpProp, ok, err := cp.Property("title")
	if err != nil || !ok {
		t.Fatalf("checkpoint Property(title): ok=%v err=%v", ok, err)
	}
	cv, err := cp.StringValue(cpProp.Values[0])
	if err != nil || cv != "hello" {
		t.Fatalf("checkpoint title = %q, %v", cv, err)
	}
}

func TestCompactBlobsArePinnedNotCopied(t *testing.T) {
	s := openTestStore(t)

	payload := []byte("durable blob payload, compacted across generations")

	b := s.NewBuilder()
	b.SetProperty("attachment", PropBinary, payload)
	if _, err := s.Merge(b, nil, nil); err != nil {
		t.Fatalf("Merge: %v", err)
	}

	if err := s.Compact(); err != nil {
		t.Fatalf("Compact: %v", err)
	}

	root := s.GetRoot()
	p, ok, err := root.Property("attachment")
	if err != nil || !ok {
		t.Fatalf("Property(attachment) after compaction: ok=%v err=%v", ok, err)
	}
	bv, err := root.BinaryValue(p.Values[0])
	if err != nil || string(bv) != string(payload) {
		t.Fatalf("BinaryValue after compaction mismatch: %v", err)
	}
}

func TestRepeatedForcedCompactionKeepsHeadReachable(t *testing.T) {
	cfg := Config{}
	cfg.GC.RetainedGenerations = 2
	s := openTestStoreWithConfig(t, cfg)

	for i := 0; i < 4; i++ {
		b := s.NewBuilder()
		b.SetProperty("round", PropLong, int64(i))
		if _, err := s.Merge(b, nil, nil); err != nil {
			t.Fatalf("Merge round %d: %v", i, err)
		}
		if err := s.Compact(); err != nil {
			t.Fatalf("Compact round %d: %v", i, err)
		}
	}

	root := s.GetRoot()
	p, ok, err := root.Property("round")
	if err != nil || !ok {
		t.Fatalf("Property(round) after repeated compaction: ok=%v err=%v", ok, err)
	}
	n, err := root.LongValue(p.Values[0])
	if err != nil || n != 3 {
		t.Fatalf("round after repeated compaction = %d, %v, want 3", n, err)
	}

	// Every segment reachable from the head must still be readable:
	// nothing the last compaction copied forward should have been
	// mistakenly reclaimed as stale.
	if err := s.walkReachableSegments(s.GetHead().Segment, make(map[SegmentId]struct{})); err != nil {
		t.Fatalf("head unreachable after repeated compaction/cleanup: %v", err)
	}
}

func TestDiskFreeBytesReportsNonZero(t *testing.T) {
	dir := t.TempDir()
	free, total, err := diskFreeBytes(dir)
	if err != nil {
		t.Fatalf("diskFreeBytes: %v", err)
	}
	if total == 0 {
		t.Fatal("diskFreeBytes reported zero total volume size")
	}
	if free > total {
		t.Fatalf("free (%d) > total (%d)", free, total)
	}
}

func TestCheckDiskSpaceTogglesCancelOnLowSpace(t *testing.T) {
	s := openTestStore(t)
	c := s.gcc

	c.cfg.MinFreeBytes = 1 << 62 // absurdly high floor, guaranteed "low"
	c.checkDiskSpace()
	if !c.cancelled() {
		t.Fatal("checkDiskSpace should cancel when free space is below MinFreeBytes")
	}

	c.cfg.MinFreeBytes = 0
	c.checkDiskSpace()
	if c.cancelled() {
		t.Fatal("checkDiskSpace should clear cancellation once back above the floor")
	}
}

