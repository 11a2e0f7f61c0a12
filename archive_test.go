package silo

import (
	"path/filepath"
	"testing"
)

func TestArchiveWriteSealReadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "data00000a.tar")

	w, err := createArchiveWriter(path, 256*1024)
	if err != nil {
		t.Fatalf("createArchiveWriter: %v", err)
	}

	id1 := SegmentId{Msb: 1, Lsb: 2}
	id2 := SegmentId{Msb: 3, Lsb: 4}
	refs := []SegmentId{id2}

	if err := w.WriteSegment(id1, 1, []byte("segment one payload"), refs); err != nil {
		t.Fatalf("WriteSegment id1: %v", err)
	}
	if err := w.WriteSegment(id2, 1, []byte("segment two payload, a bit longer"), nil); err != nil {
		t.Fatalf("WriteSegment id2: %v", err)
	}
	w.RecordBlobRef("blob-abc123")

	if err := w.Seal(); err != nil {
		t.Fatalf("Seal: %v", err)
	}

	r, err := openArchiveReader(path)
	if err != nil {
		t.Fatalf("openArchiveReader: %v", err)
	}
	defer r.Close()

	if !r.Contains(id1) || !r.Contains(id2) {
		t.Fatal("Contains false negative for written segments")
	}
	if r.Contains(SegmentId{Msb: 99, Lsb: 99}) {
		t.Fatal("Contains false positive for unwritten segment")
	}

	got1, err := r.Read(id1)
	if err != nil || string(got1) != "segment one payload" {
		t.Fatalf("Read(id1) = %q, %v", got1, err)
	}
	got2, err := r.Read(id2)
	if err != nil || string(got2) != "segment two payload, a bit longer" {
		t.Fatalf("Read(id2) = %q, %v", got2, err)
	}

	graph := r.Graph()
	if len(graph[id1]) != 1 || graph[id1][0] != id2 {
		t.Fatalf("Graph()[id1] = %v, want [%v]", graph[id1], id2)
	}

	blobs := r.BlobRefs()
	if _, ok := blobs["blob-abc123"]; !ok {
		t.Fatalf("BlobRefs() missing recorded blob ref: %v", blobs)
	}

	if _, err := r.Read(SegmentId{Msb: 7, Lsb: 8}); err == nil {
		t.Fatal("expected error reading unknown segment")
	}
}

func TestArchiveWriterRejectsWriteAfterSeal(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "data00001a.tar")

	w, err := createArchiveWriter(path, 1024)
	if err != nil {
		t.Fatalf("createArchiveWriter: %v", err)
	}
	if err := w.Seal(); err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if err := w.WriteSegment(SegmentId{Msb: 1, Lsb: 1}, 1, []byte("x"), nil); err == nil {
		t.Fatal("expected error writing to a sealed archive")
	}
}

func TestArchiveWriterShouldSeal(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "data00002a.tar")

	w, err := createArchiveWriter(path, 32)
	if err != nil {
		t.Fatalf("createArchiveWriter: %v", err)
	}
	defer w.Seal()

	if w.ShouldSeal() {
		t.Fatal("fresh writer should not need sealing")
	}
	if err := w.WriteSegment(SegmentId{Msb: 1, Lsb: 1}, 1, make([]byte, 64), nil); err != nil {
		t.Fatalf("WriteSegment: %v", err)
	}
	if !w.ShouldSeal() {
		t.Fatal("writer past maxSize should report ShouldSeal")
	}
}
