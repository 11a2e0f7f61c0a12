package silo

import (
	"bytes"
	"errors"
	"testing"
)

func TestSegmentBuilderRoundTrip(t *testing.T) {
	b := newSegmentBuilder(KindData, 1, 7, AlgXXHash3)

	off1, err := b.WriteRecord([]byte("hello"))
	if err != nil {
		t.Fatalf("WriteRecord: %v", err)
	}
	off2, err := b.WriteRecord([]byte("world!!"))
	if err != nil {
		t.Fatalf("WriteRecord: %v", err)
	}
	if off1%Align != 0 || off2%Align != 0 {
		t.Fatalf("offsets not aligned: %d %d", off1, off2)
	}

	ref := SegmentId{Msb: 1, Lsb: 2}
	b.AddRef(ref)
	b.AddRoot(TypeNode, off1)
	b.AddRoot(TypeString, off2)

	raw := b.Finalize()

	sr, err := decodeSegment(raw)
	if err != nil {
		t.Fatalf("decodeSegment: %v", err)
	}
	if sr.Generation() != 7 {
		t.Fatalf("generation = %d, want 7", sr.Generation())
	}
	if len(sr.Refs()) != 1 || sr.Refs()[0] != ref {
		t.Fatalf("refs mismatch: %+v", sr.Refs())
	}
	roots := sr.Roots()
	if len(roots) != 2 {
		t.Fatalf("roots = %d, want 2", len(roots))
	}

	got1, err := sr.ReadBytes(off1, 5)
	if err != nil || string(got1) != "hello" {
		t.Fatalf("ReadBytes(off1) = %q, %v", got1, err)
	}
	got2, err := sr.ReadBytes(off2, 7)
	if err != nil || string(got2) != "world!!" {
		t.Fatalf("ReadBytes(off2) = %q, %v", got2, err)
	}
}

func TestSegmentBuilderFullReturnsSealed(t *testing.T) {
	b := newSegmentBuilder(KindData, 1, 0, AlgXXHash3)
	big := bytes.Repeat([]byte{0xAB}, MaxSegmentSize+1)
	if _, err := b.WriteRecord(big); err == nil {
		t.Fatal("expected ErrWriterSealed for an over-sized record")
	}
}

func TestDecodeSegmentRejectsBadMagic(t *testing.T) {
	if _, err := decodeSegment([]byte("not a segment at all, too short")); err == nil {
		t.Fatal("expected error for bad magic")
	}
}

func TestDecodeSegmentDetectsCorruptPayload(t *testing.T) {
	b := newSegmentBuilder(KindData, 1, 0, AlgXXHash3)
	if _, err := b.WriteRecord([]byte("hello, checksum")); err != nil {
		t.Fatalf("WriteRecord: %v", err)
	}
	raw := b.Finalize()

	if _, err := decodeSegment(raw); err != nil {
		t.Fatalf("decodeSegment on the unmodified segment: %v", err)
	}

	corrupt := append([]byte(nil), raw...)
	corrupt[len(corrupt)-1] ^= 0xFF // flip every bit of the payload's last byte

	if _, err := decodeSegment(corrupt); !errors.Is(err, ErrCorrupt) {
		t.Fatalf("decodeSegment(corrupted payload) = %v, want ErrCorrupt", err)
	}
}

func TestSegmentChecksumHonorsConfiguredAlgorithm(t *testing.T) {
	for _, alg := range []int{AlgXXHash3, AlgFNV1a, AlgBlake2b} {
		b := newSegmentBuilder(KindData, 1, 0, alg)
		if _, err := b.WriteRecord([]byte("algorithm-specific payload")); err != nil {
			t.Fatalf("WriteRecord(alg=%d): %v", alg, err)
		}
		raw := b.Finalize()
		sr, err := decodeSegment(raw)
		if err != nil {
			t.Fatalf("decodeSegment(alg=%d): %v", alg, err)
		}
		if sr.header.ChecksumAlg != byte(alg) {
			t.Fatalf("ChecksumAlg = %d, want %d", sr.header.ChecksumAlg, alg)
		}
	}
}

func TestSegmentIntScalarRoundTrip(t *testing.T) {
	b := newSegmentBuilder(KindData, 1, 0, AlgXXHash3)
	off, err := b.WriteRecord([]byte{0, 0, 0, 42})
	if err != nil {
		t.Fatalf("WriteRecord: %v", err)
	}
	raw := b.Finalize()
	sr, err := decodeSegment(raw)
	if err != nil {
		t.Fatalf("decodeSegment: %v", err)
	}
	v, err := sr.ReadInt(off)
	if err != nil || v != 42 {
		t.Fatalf("ReadInt = %d, %v, want 42", v, err)
	}
}
