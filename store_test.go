package silo

import (
	"bytes"
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir(), Config{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpenCreatesEmptyRoot(t *testing.T) {
	s := openTestStore(t)

	root := s.GetRoot()
	names, err := root.ChildNames()
	if err != nil {
		t.Fatalf("ChildNames: %v", err)
	}
	if len(names) != 0 {
		t.Fatalf("fresh store root has children: %v", names)
	}
}

func TestSetHeadCompareAndSwap(t *testing.T) {
	s := openTestStore(t)

	expected := s.GetHead()
	b := s.NewBuilder()
	b.SetProperty("title", PropString, "hello")
	next, err := b.build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if err := b.w.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	if !s.SetHead(expected, next) {
		t.Fatal("SetHead with the correct expected head should succeed")
	}
	if s.SetHead(expected, next) {
		t.Fatal("SetHead with a stale expected head should fail")
	}
	if s.GetHead() != next {
		t.Fatalf("GetHead = %v, want %v", s.GetHead(), next)
	}
}

func TestMergeSetPropertyAndChild(t *testing.T) {
	s := openTestStore(t)

	b := s.NewBuilder()
	b.SetProperty("jcr:primaryType", PropString, "nt:unstructured")
	child := b.SetChildNode("child-a")
	child.SetProperty("count", PropLong, int64(7))

	if _, err := s.Merge(b, nil, nil); err != nil {
		t.Fatalf("Merge: %v", err)
	}

	root := s.GetRoot()
	p, ok, err := root.Property("jcr:primaryType")
	if err != nil || !ok {
		t.Fatalf("Property(jcr:primaryType) ok=%v err=%v", ok, err)
	}
	v, err := root.StringValue(p.Values[0])
	if err != nil || v != "nt:unstructured" {
		t.Fatalf("StringValue = %q, %v", v, err)
	}

	names, err := root.ChildNames()
	if err != nil {
		t.Fatalf("ChildNames: %v", err)
	}
	if len(names) != 1 || names[0] != "child-a" {
		t.Fatalf("ChildNames = %v", names)
	}

	childNode, ok, err := root.Child("child-a")
	if err != nil || !ok {
		t.Fatalf("Child(child-a) ok=%v err=%v", ok, err)
	}
	cp, ok, err := childNode.Property("count")
	if err != nil || !ok {
		t.Fatalf("Property(count) ok=%v err=%v", ok, err)
	}
	n, err := childNode.LongValue(cp.Values[0])
	if err != nil || n != 7 {
		t.Fatalf("LongValue = %d, %v", n, err)
	}
}

func TestMergeRebasesOnLostRace(t *testing.T) {
	s := openTestStore(t)

	b1 := s.NewBuilder()
	b1.SetProperty("a", PropString, "1")

	// Commit a concurrent change directly so b1's CAS is guaranteed stale.
	b2 := s.NewBuilder()
	b2.SetProperty("b", PropString, "2")
	if _, err := s.Merge(b2, nil, nil); err != nil {
		t.Fatalf("Merge(b2): %v", err)
	}

	rebased := 0
	hook := func(current NodeState) (*NodeBuilder, error) {
		rebased++
		nb := s.NewBuilder()
		nb.SetProperty("a", PropString, "1")
		return nb, nil
	}
	if _, err := s.Merge(b1, hook, nil); err != nil {
		t.Fatalf("Merge(b1) with hook: %v", err)
	}
	if rebased != 1 {
		t.Fatalf("expected exactly one rebase, got %d", rebased)
	}

	root := s.GetRoot()
	for _, name := range []string{"a", "b"} {
		if _, ok, err := root.Property(name); err != nil || !ok {
			t.Fatalf("Property(%s) ok=%v err=%v", name, ok, err)
		}
	}
}

func TestCheckpointRetrieve(t *testing.T) {
	s := openTestStore(t)

	b := s.NewBuilder()
	b.SetProperty("v", PropLong, int64(1))
	if _, err := s.Merge(b, nil, nil); err != nil {
		t.Fatalf("Merge: %v", err)
	}
	s.Checkpoint("v1")

	b2 := s.NewBuilder()
	b2.SetProperty("v", PropLong, int64(2))
	if _, err := s.Merge(b2, nil, nil); err != nil {
		t.Fatalf("Merge: %v", err)
	}

	got, err := s.Retrieve("v1")
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	p, ok, err := got.Property("v")
	if err != nil || !ok {
		t.Fatalf("Property(v) ok=%v err=%v", ok, err)
	}
	n, err := got.LongValue(p.Values[0])
	if err != nil || n != 1 {
		t.Fatalf("checkpoint v1's \"v\" = %d, want 1", n)
	}

	if _, err := s.Retrieve("missing"); err == nil {
		t.Fatal("Retrieve(missing) should fail")
	}
}

func TestCreateAndReadBlobRoundTrip(t *testing.T) {
	s := openTestStore(t)

	payload := bytes.Repeat([]byte("blob-bytes "), 1000)
	id, err := s.CreateBlob(bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("CreateBlob: %v", err)
	}

	got, err := s.ReadBlob(id)
	if err != nil {
		t.Fatalf("ReadBlob: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("ReadBlob round trip mismatch: got %d bytes, want %d", len(got), len(payload))
	}
}

func TestReopenRecoversHead(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, Config{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	b := s.NewBuilder()
	b.SetProperty("durable", PropBoolean, true)
	newRoot, err := s.Merge(b, nil, nil)
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s2, err := Open(dir, Config{})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()

	if s2.GetHead() != newRoot {
		t.Fatalf("recovered head = %v, want %v", s2.GetHead(), newRoot)
	}
	root := s2.GetRoot()
	p, ok, err := root.Property("durable")
	if err != nil || !ok {
		t.Fatalf("Property(durable) ok=%v err=%v", ok, err)
	}
	v, err := root.BoolValue(p.Values[0])
	if err != nil || !v {
		t.Fatalf("BoolValue = %v, %v", v, err)
	}
}

func TestGetSegmentIdReturnsReferenceEqualValue(t *testing.T) {
	s := openTestStore(t)

	a := s.GetSegmentId(0x1111, 0x2222)
	b := s.GetSegmentId(0x1111, 0x2222)
	if a != b {
		t.Fatalf("GetSegmentId(same bits) returned distinct pointers: %p vs %p", a, b)
	}
	if *a != (SegmentId{Msb: 0x1111, Lsb: 0x2222}) {
		t.Fatalf("GetSegmentId value = %+v, want {Msb:0x1111 Lsb:0x2222}", *a)
	}

	other := s.GetSegmentId(0x3333, 0x4444)
	if other == a {
		t.Fatal("GetSegmentId for distinct bits returned the same pointer")
	}
}

func TestReadSegmentSharesCanonicalIdentityWithGetSegmentId(t *testing.T) {
	s := openTestStore(t)

	b := s.NewBuilder()
	b.SetProperty("v", PropLong, int64(1))
	newRoot, err := s.Merge(b, nil, nil)
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}

	canon := s.GetSegmentId(newRoot.Segment.Msb, newRoot.Segment.Lsb)

	if _, err := s.readSegment(newRoot.Segment); err != nil {
		t.Fatalf("readSegment: %v", err)
	}

	again := s.GetSegmentId(newRoot.Segment.Msb, newRoot.Segment.Lsb)
	if again != canon {
		t.Fatal("readSegment should resolve through the same tracker entry GetSegmentId returns")
	}
}
