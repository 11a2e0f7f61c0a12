package silo

import "testing"

func TestWriterPoolSharesWriterPerKey(t *testing.T) {
	var sealed []SegmentId
	pool := newWriterPool(func(id SegmentId, generation uint32, raw []byte, refs []SegmentId) error {
		sealed = append(sealed, id)
		return nil
	}, AlgXXHash3)

	w1 := pool.Writer("sys", 1, "caller-a", KindData)
	w2 := pool.Writer("sys", 1, "caller-a", KindData)
	if w1 != w2 {
		t.Fatal("expected the same writer for an identical key")
	}

	w3 := pool.Writer("sys", 1, "caller-b", KindData)
	if w1 == w3 {
		t.Fatal("expected distinct writers for distinct caller keys")
	}
}

func TestSegmentWriterWriteAndFlush(t *testing.T) {
	var sealedRaw [][]byte
	pool := newWriterPool(func(id SegmentId, generation uint32, raw []byte, refs []SegmentId) error {
		sealedRaw = append(sealedRaw, raw)
		return nil
	}, AlgXXHash3)

	w := pool.Writer("sys", 1, "caller", KindData)

	rid, err := w.WriteRecord(6, func(id SegmentId, b *segmentBuilder) (uint32, error) {
		return writeString(b, id, "hello!")
	})
	if err != nil {
		t.Fatalf("WriteRecord: %v", err)
	}
	if rid.Segment != w.CurrentID() {
		t.Fatalf("record id segment mismatch: %v vs %v", rid.Segment, w.CurrentID())
	}

	if err := w.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if len(sealedRaw) != 1 {
		t.Fatalf("expected exactly one sealed segment, got %d", len(sealedRaw))
	}

	sr, err := decodeSegment(sealedRaw[0])
	if err != nil {
		t.Fatalf("decodeSegment: %v", err)
	}
	got, err := readString(sr, rid.Segment, rid.Offset, nil)
	if err != nil || got != "hello!" {
		t.Fatalf("readString = %q, %v", got, err)
	}

	if err := w.Flush(); err != nil {
		t.Fatalf("second Flush should be a no-op: %v", err)
	}
	if len(sealedRaw) != 1 {
		t.Fatalf("Flush on an empty writer must not emit a new segment, got %d", len(sealedRaw))
	}
}

func TestSegmentWriterSealsWhenFull(t *testing.T) {
	var sealedCount int
	pool := newWriterPool(func(id SegmentId, generation uint32, raw []byte, refs []SegmentId) error {
		sealedCount++
		return nil
	}, AlgXXHash3)
	w := pool.Writer("c", 1, "caller", KindBulk)

	big := make([]byte, MaxSegmentSize-64)
	if _, err := w.WriteRecord(len(big), func(id SegmentId, b *segmentBuilder) (uint32, error) {
		return writeBlock(b, big)
	}); err != nil {
		t.Fatalf("first WriteRecord: %v", err)
	}

	if _, err := w.WriteRecord(len(big), func(id SegmentId, b *segmentBuilder) (uint32, error) {
		return writeBlock(b, big)
	}); err != nil {
		t.Fatalf("second WriteRecord (should trigger a seal): %v", err)
	}

	if sealedCount == 0 {
		t.Fatal("expected at least one segment to have been sealed")
	}
}
