package silo

import "testing"

func TestNodeBuilderRemoveProperty(t *testing.T) {
	s := openTestStore(t)

	b := s.NewBuilder()
	b.SetProperty("keep", PropString, "yes")
	b.SetProperty("drop", PropString, "no")
	if _, err := s.Merge(b, nil, nil); err != nil {
		t.Fatalf("Merge: %v", err)
	}

	b2 := s.NewBuilder()
	b2.RemoveProperty("drop")
	if _, err := s.Merge(b2, nil, nil); err != nil {
		t.Fatalf("Merge: %v", err)
	}

	root := s.GetRoot()
	if _, ok, err := root.Property("drop"); err != nil || ok {
		t.Fatalf("Property(drop) ok=%v err=%v, want removed", ok, err)
	}
	if _, ok, err := root.Property("keep"); err != nil || !ok {
		t.Fatalf("Property(keep) ok=%v err=%v, want present", ok, err)
	}
}

func TestNodeBuilderMultiValuedProperty(t *testing.T) {
	s := openTestStore(t)

	b := s.NewBuilder()
	b.SetProperty("tags", PropString, "a", "b", "c")
	if _, err := s.Merge(b, nil, nil); err != nil {
		t.Fatalf("Merge: %v", err)
	}

	root := s.GetRoot()
	p, ok, err := root.Property("tags")
	if err != nil || !ok {
		t.Fatalf("Property(tags) ok=%v err=%v", ok, err)
	}
	if len(p.Values) != 3 {
		t.Fatalf("tags values = %d, want 3", len(p.Values))
	}
	want := []string{"a", "b", "c"}
	for i, id := range p.Values {
		got, err := root.StringValue(id)
		if err != nil || got != want[i] {
			t.Fatalf("tags[%d] = %q, %v, want %q", i, got, err, want[i])
		}
	}
}

func TestNodeBuilderRemoveChildNode(t *testing.T) {
	s := openTestStore(t)

	b := s.NewBuilder()
	b.SetChildNode("a").SetProperty("x", PropLong, int64(1))
	b.SetChildNode("b").SetProperty("x", PropLong, int64(2))
	if _, err := s.Merge(b, nil, nil); err != nil {
		t.Fatalf("Merge: %v", err)
	}

	b2 := s.NewBuilder()
	b2.RemoveChildNode("a")
	if _, err := s.Merge(b2, nil, nil); err != nil {
		t.Fatalf("Merge: %v", err)
	}

	root := s.GetRoot()
	names, err := root.ChildNames()
	if err != nil {
		t.Fatalf("ChildNames: %v", err)
	}
	if len(names) != 1 || names[0] != "b" {
		t.Fatalf("ChildNames after removing a = %v", names)
	}
	if _, ok, err := root.Child("a"); err != nil || ok {
		t.Fatalf("Child(a) ok=%v err=%v, want removed", ok, err)
	}
}

func TestNodeBuilderNestedChildEdits(t *testing.T) {
	s := openTestStore(t)

	b := s.NewBuilder()
	mid := b.SetChildNode("mid")
	mid.SetProperty("depth", PropLong, int64(1))
	leaf := mid.SetChildNode("leaf")
	leaf.SetProperty("depth", PropLong, int64(2))
	if _, err := s.Merge(b, nil, nil); err != nil {
		t.Fatalf("Merge: %v", err)
	}

	root := s.GetRoot()
	midNode, ok, err := root.Child("mid")
	if err != nil || !ok {
		t.Fatalf("Child(mid) ok=%v err=%v", ok, err)
	}
	leafNode, ok, err := midNode.Child("leaf")
	if err != nil || !ok {
		t.Fatalf("Child(mid).Child(leaf) ok=%v err=%v", ok, err)
	}
	p, ok, err := leafNode.Property("depth")
	if err != nil || !ok {
		t.Fatalf("leaf.Property(depth) ok=%v err=%v", ok, err)
	}
	n, err := leafNode.LongValue(p.Values[0])
	if err != nil || n != 2 {
		t.Fatalf("leaf depth = %d, %v, want 2", n, err)
	}
}

func TestNodeBuilderRepeatedSetChildNodeReturnsSameBuilder(t *testing.T) {
	s := openTestStore(t)
	b := s.NewBuilder()
	c1 := b.SetChildNode("x")
	c2 := b.SetChildNode("x")
	if c1 != c2 {
		t.Fatal("SetChildNode called twice for the same name should return the same builder")
	}
}

func TestTemplateInterningDedupsIdenticalShapes(t *testing.T) {
	s := openTestStore(t)

	b := s.NewBuilder()
	b.SetChildNode("n1").SetProperty("p", PropString, "v1")
	b.SetChildNode("n2").SetProperty("p", PropString, "v2")
	if _, err := s.Merge(b, nil, nil); err != nil {
		t.Fatalf("Merge: %v", err)
	}

	root := s.GetRoot()
	n1, _, err := root.Child("n1")
	if err != nil {
		t.Fatalf("Child(n1): %v", err)
	}
	n2, _, err := root.Child("n2")
	if err != nil {
		t.Fatalf("Child(n2): %v", err)
	}
	t1, err := n1.template()
	if err != nil {
		t.Fatalf("n1.template: %v", err)
	}
	t2, err := n2.template()
	if err != nil {
		t.Fatalf("n2.template: %v", err)
	}
	nr1, _, err := n1.node()
	if err != nil {
		t.Fatalf("n1.node: %v", err)
	}
	nr2, _, err := n2.node()
	if err != nil {
		t.Fatalf("n2.node: %v", err)
	}
	if nr1.Template != nr2.Template {
		t.Fatalf("identical-shape nodes interned to different templates: %v vs %v", nr1.Template, nr2.Template)
	}
	if len(t1.Properties) != 1 || len(t2.Properties) != 1 {
		t.Fatalf("expected one property per template, got %d and %d", len(t1.Properties), len(t2.Properties))
	}
}

func childMapTag(t *testing.T, s *Store, n NodeState) byte {
	t.Helper()
	nr, _, err := n.node()
	if err != nil {
		t.Fatalf("node: %v", err)
	}
	if nr.ChildMap == nil {
		t.Fatal("node has no child map")
	}
	sr, err := s.readSegment(nr.ChildMap.Segment)
	if err != nil {
		t.Fatalf("readSegment(ChildMap): %v", err)
	}
	tag, err := sr.ReadByte(nr.ChildMap.Offset)
	if err != nil {
		t.Fatalf("ReadByte(ChildMap): %v", err)
	}
	return tag
}

func TestChildMapIncrementalEditsProduceDiffOverlay(t *testing.T) {
	s := openTestStore(t)

	b := s.NewBuilder()
	b.SetChildNode("a").SetProperty("x", PropLong, int64(1))
	b.SetChildNode("b").SetProperty("x", PropLong, int64(2))
	if _, err := s.Merge(b, nil, nil); err != nil {
		t.Fatalf("Merge: %v", err)
	}

	// A from-scratch map with two children stays a Leaf.
	if tag := childMapTag(t, s, s.GetRoot()); tag != mapTagLeaf {
		t.Fatalf("fresh child map tag = %d, want Leaf (%d)", tag, mapTagLeaf)
	}

	b2 := s.NewBuilder()
	b2.RemoveChildNode("a")
	b2.SetChildNode("c").SetProperty("x", PropLong, int64(3))
	if _, err := s.Merge(b2, nil, nil); err != nil {
		t.Fatalf("Merge: %v", err)
	}

	// An incremental edit against an existing map wraps it in a Diff
	// rather than rewriting the Leaf/Branch tree in place.
	if tag := childMapTag(t, s, s.GetRoot()); tag != mapTagDiff {
		t.Fatalf("edited child map tag = %d, want Diff (%d)", tag, mapTagDiff)
	}

	root := s.GetRoot()
	names, err := root.ChildNames()
	if err != nil {
		t.Fatalf("ChildNames: %v", err)
	}
	want := map[string]bool{"b": true, "c": true}
	if len(names) != len(want) {
		t.Fatalf("ChildNames = %v, want b,c", names)
	}
	for _, n := range names {
		if !want[n] {
			t.Fatalf("unexpected child %q after diff overlay, want only b,c", n)
		}
	}
	if _, ok, err := root.Child("a"); err != nil || ok {
		t.Fatalf("Child(a) ok=%v err=%v, want removed", ok, err)
	}

	bNode, ok, err := root.Child("b")
	if err != nil || !ok {
		t.Fatalf("Child(b) ok=%v err=%v", ok, err)
	}
	bp, ok, err := bNode.Property("x")
	if err != nil || !ok {
		t.Fatalf("b.Property(x) ok=%v err=%v", ok, err)
	}
	if v, err := bNode.LongValue(bp.Values[0]); err != nil || v != 2 {
		t.Fatalf("b.x = %d, %v, want 2", v, err)
	}

	cNode, ok, err := root.Child("c")
	if err != nil || !ok {
		t.Fatalf("Child(c) ok=%v err=%v", ok, err)
	}
	cp, ok, err := cNode.Property("x")
	if err != nil || !ok {
		t.Fatalf("c.Property(x) ok=%v err=%v", ok, err)
	}
	if v, err := cNode.LongValue(cp.Values[0]); err != nil || v != 3 {
		t.Fatalf("c.x = %d, %v, want 3", v, err)
	}

	// A second incremental edit chains another Diff over the first.
	b3 := s.NewBuilder()
	b3.RemoveChildNode("c")
	b3.SetChildNode("d").SetProperty("x", PropLong, int64(4))
	if _, err := s.Merge(b3, nil, nil); err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if tag := childMapTag(t, s, s.GetRoot()); tag != mapTagDiff {
		t.Fatalf("second edit's child map tag = %d, want Diff (%d)", tag, mapTagDiff)
	}

	root = s.GetRoot()
	names, err = root.ChildNames()
	if err != nil {
		t.Fatalf("ChildNames: %v", err)
	}
	want = map[string]bool{"b": true, "d": true}
	if len(names) != len(want) {
		t.Fatalf("ChildNames = %v, want b,d", names)
	}
	for _, n := range names {
		if !want[n] {
			t.Fatalf("unexpected child %q after second diff overlay, want only b,d", n)
		}
	}

	// Compaction flattens the diff chain back into a materialized map,
	// and every name/value must still resolve correctly afterward.
	if err := s.Compact(); err != nil {
		t.Fatalf("Compact: %v", err)
	}
	root = s.GetRoot()
	if tag := childMapTag(t, s, root); tag == mapTagDiff {
		t.Fatal("compaction should flatten the diff chain, not carry it forward")
	}
	names, err = root.ChildNames()
	if err != nil {
		t.Fatalf("ChildNames after compaction: %v", err)
	}
	if len(names) != len(want) {
		t.Fatalf("ChildNames after compaction = %v, want b,d", names)
	}
	dNode, ok, err := root.Child("d")
	if err != nil || !ok {
		t.Fatalf("Child(d) after compaction ok=%v err=%v", ok, err)
	}
	dp, ok, err := dNode.Property("x")
	if err != nil || !ok {
		t.Fatalf("d.Property(x) after compaction ok=%v err=%v", ok, err)
	}
	if v, err := dNode.LongValue(dp.Values[0]); err != nil || v != 4 {
		t.Fatalf("d.x after compaction = %d, %v, want 4", v, err)
	}
}
