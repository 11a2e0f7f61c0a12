package silo

import (
	"strings"
	"testing"
)

func TestStringRoundTripSizeClasses(t *testing.T) {
	cases := []string{
		"",
		"hello",
		strings.Repeat("a", SmallLimit-1),
		strings.Repeat("b", SmallLimit),
		strings.Repeat("c", SmallLimit+1),
		strings.Repeat("d", MediumLimit-1),
		strings.Repeat("e", MediumLimit+1),
		strings.Repeat("f", 20000),
	}

	selfID := SegmentId{Msb: 1, Lsb: 2}
	for _, s := range cases {
		b := newSegmentBuilder(KindData, 1, 0, AlgXXHash3)
		off, err := writeString(b, selfID, s)
		if err != nil {
			t.Fatalf("writeString(len=%d): %v", len(s), err)
		}
		raw := b.Finalize()
		sr, err := decodeSegment(raw)
		if err != nil {
			t.Fatalf("decodeSegment(len=%d): %v", len(s), err)
		}
		got, err := readString(sr, selfID, off, nil)
		if err != nil {
			t.Fatalf("readString(len=%d): %v", len(s), err)
		}
		if got != s {
			t.Fatalf("round trip mismatch for len=%d: got len=%d", len(s), len(got))
		}
	}
}

func TestListRoundTrip(t *testing.T) {
	sizes := []int{1, LevelSize, LevelSize + 1, LevelSize * 2}
	selfID := SegmentId{Msb: 9, Lsb: 9}

	for _, n := range sizes {
		b := newSegmentBuilder(KindData, 1, 0, AlgXXHash3)
		ids := make([]RecordId, n)
		for i := range ids {
			ids[i] = RecordId{Segment: selfID, Offset: uint32(i * Align)}
		}
		off, err := writeList(b, selfID, ids)
		if err != nil {
			t.Fatalf("writeList(n=%d): %v", n, err)
		}
		raw := b.Finalize()
		sr, err := decodeSegment(raw)
		if err != nil {
			t.Fatalf("decodeSegment(n=%d): %v", n, err)
		}

		got, err := readList(sr, selfID, off)
		if err != nil {
			t.Fatalf("readList(n=%d): %v", n, err)
		}
		if len(got) != n {
			t.Fatalf("readList(n=%d) length = %d", n, len(got))
		}
		for i := range got {
			if got[i].Offset != ids[i].Offset {
				t.Fatalf("readList(n=%d)[%d] = %v, want %v", n, i, got[i], ids[i])
			}
		}

		l, err := listLen(sr, off)
		if err != nil || l != n {
			t.Fatalf("listLen(n=%d) = %d, %v", n, l, err)
		}
		for _, i := range []int{0, n / 2, n - 1} {
			id, err := listGet(sr, selfID, off, i)
			if err != nil {
				t.Fatalf("listGet(n=%d, i=%d): %v", n, i, err)
			}
			if id.Offset != ids[i].Offset {
				t.Fatalf("listGet(n=%d, i=%d) = %v, want %v", n, i, id, ids[i])
			}
		}
	}
}

func TestMapPutGetRemove(t *testing.T) {
	selfID := SegmentId{Msb: 5, Lsb: 6}
	b := newSegmentBuilder(KindData, 1, 0, AlgXXHash3)

	emptyOff, err := writeEmptyMap(b)
	if err != nil {
		t.Fatalf("writeEmptyMap: %v", err)
	}

	keys := []string{"a", "bee", "charlie", "delta", "echo", "foxtrot"}
	offset := emptyOff
	var keyRefs []RecordId
	var valRefs []RecordId
	for i, k := range keys {
		koff, err := writeString(b, selfID, k)
		if err != nil {
			t.Fatalf("writeString key: %v", err)
		}
		voff, err := writeString(b, selfID, "val-"+k)
		if err != nil {
			t.Fatalf("writeString val: %v", err)
		}
		keyRef := RecordId{Segment: selfID, Offset: koff}
		valRef := RecordId{Segment: selfID, Offset: voff}
		keyRefs = append(keyRefs, keyRef)
		valRefs = append(valRefs, valRef)

		raw := b.Finalize()
		sr, err := decodeSegment(raw)
		if err != nil {
			t.Fatalf("decodeSegment step %d: %v", i, err)
		}
		offset, err = mapPut(b, selfID, sr, selfID, offset, k, keyRef, valRef, nil)
		if err != nil {
			t.Fatalf("mapPut(%q): %v", k, err)
		}
	}

	raw := b.Finalize()
	sr, err := decodeSegment(raw)
	if err != nil {
		t.Fatalf("decodeSegment final: %v", err)
	}

	for i, k := range keys {
		got, ok, err := mapGet(sr, selfID, offset, k, nil)
		if err != nil {
			t.Fatalf("mapGet(%q): %v", k, err)
		}
		if !ok {
			t.Fatalf("mapGet(%q): not found", k)
		}
		if got.Offset != valRefs[i].Offset {
			t.Fatalf("mapGet(%q) = %v, want %v", k, got, valRefs[i])
		}
	}

	if _, ok, err := mapGet(sr, selfID, offset, "missing", nil); err != nil || ok {
		t.Fatalf("mapGet(missing) = ok=%v, err=%v", ok, err)
	}

	newOff, err := mapRemove(b, selfID, sr, selfID, offset, "missing", nil)
	if err != nil {
		t.Fatalf("mapRemove(missing): %v", err)
	}
	if newOff != offset {
		t.Fatalf("mapRemove(missing) changed offset: %d -> %d", offset, newOff)
	}

	newOff, err = mapRemove(b, selfID, sr, selfID, offset, "charlie", nil)
	if err != nil {
		t.Fatalf("mapRemove(charlie): %v", err)
	}
	raw2 := b.Finalize()
	sr2, err := decodeSegment(raw2)
	if err != nil {
		t.Fatalf("decodeSegment after remove: %v", err)
	}
	if _, ok, err := mapGet(sr2, selfID, newOff, "charlie", nil); err != nil || ok {
		t.Fatalf("mapGet(charlie) after remove: ok=%v, err=%v", ok, err)
	}
	if _, ok, err := mapGet(sr2, selfID, newOff, "delta", nil); err != nil || !ok {
		t.Fatalf("mapGet(delta) after removing charlie: ok=%v, err=%v", ok, err)
	}
}

func TestNodeAndTemplateRoundTrip(t *testing.T) {
	selfID := SegmentId{Msb: 3, Lsb: 4}
	b := newSegmentBuilder(KindData, 1, 0, AlgXXHash3)

	nameOff, err := writeString(b, selfID, "jcr:primaryType")
	if err != nil {
		t.Fatal(err)
	}
	typeOff, err := writeString(b, selfID, "nt:base")
	if err != nil {
		t.Fatal(err)
	}

	tmpl := &nodeTemplate{
		PrimaryType: &RecordId{Segment: selfID, Offset: typeOff},
		Properties: []templateProperty{
			{Name: RecordId{Segment: selfID, Offset: nameOff}, Type: PropString},
		},
	}
	tmplOff, err := writeTemplate(b, selfID, tmpl)
	if err != nil {
		t.Fatal(err)
	}

	valOff, err := writeString(b, selfID, "nt:base")
	if err != nil {
		t.Fatal(err)
	}
	propOff, err := writeProperty(b, selfID, PropString, []RecordId{{Segment: selfID, Offset: valOff}})
	if err != nil {
		t.Fatal(err)
	}

	emptyMapOff, err := writeEmptyMap(b)
	if err != nil {
		t.Fatal(err)
	}

	n := &nodeRecord{
		Template:   RecordId{Segment: selfID, Offset: tmplOff},
		PropValues: []RecordId{{Segment: selfID, Offset: propOff}},
		ChildMap:   &RecordId{Segment: selfID, Offset: emptyMapOff},
	}
	nodeOff, err := writeNode(b, selfID, n)
	if err != nil {
		t.Fatal(err)
	}

	raw := b.Finalize()
	sr, err := decodeSegment(raw)
	if err != nil {
		t.Fatal(err)
	}

	gotNode, err := readNode(sr, selfID, nodeOff)
	if err != nil {
		t.Fatalf("readNode: %v", err)
	}
	if gotNode.ChildMap == nil || gotNode.ChildMap.Offset != emptyMapOff {
		t.Fatalf("readNode childMap = %v", gotNode.ChildMap)
	}
	if len(gotNode.PropValues) != 1 {
		t.Fatalf("readNode propValues = %v", gotNode.PropValues)
	}

	gotTmpl, err := readTemplate(sr, selfID, gotNode.Template.Offset)
	if err != nil {
		t.Fatalf("readTemplate: %v", err)
	}
	if gotTmpl.PrimaryType == nil {
		t.Fatal("readTemplate: primaryType missing")
	}
	name, err := readString(sr, selfID, gotTmpl.Properties[0].Name.Offset, nil)
	if err != nil || name != "jcr:primaryType" {
		t.Fatalf("property name = %q, %v", name, err)
	}

	gotProp, err := readProperty(sr, selfID, gotNode.PropValues[0].Offset)
	if err != nil {
		t.Fatalf("readProperty: %v", err)
	}
	val, err := readString(sr, selfID, gotProp.Values[0].Offset, nil)
	if err != nil || val != "nt:base" {
		t.Fatalf("property value = %q, %v", val, err)
	}
}

func TestFloat64BitExactRoundTrip(t *testing.T) {
	values := []float64{0, 1, -1, 3.14159265358979, 1e300, -1e-300}
	for _, v := range values {
		got := decodeFloat64(encodeFloat64(v))
		if got != v {
			t.Fatalf("float64 round trip: %v != %v", got, v)
		}
	}
}
