// Segment codec: the binary layout of one segment (spec.md §4.2).
//
// A segment is: a fixed header, a list of referenced segment ids, a
// list of (type, offset) roots, then an opaque record payload that was
// built growing down from MaxSegmentSize (the highest legal offset) as
// records were appended — the header's PayloadBase field records where
// that growth stopped, so a reader never has to infer it from the
// archive entry's length. Everything is big-endian
// (encoding/binary.BigEndian), matching spec.md §4.2's wire-format
// requirement directly; there is no corpus third-party library for a
// bespoke binary tree format like this, so encoding/binary is the
// idiomatic tool (see shake-karrot-lightkafka/internal/segment for the
// same big-endian-fixed-offset approach applied to a different binary
// record format).
package silo

import (
	"encoding/binary"
	"fmt"
)

const segmentMagic = "SILO"

// SegmentFormatVersion is the only header version this codec writes;
// decodeSegment does not reject other values, since the reader's job
// is to decode whatever the header actually claims.
const SegmentFormatVersion = 1

// RootEntry is one (type, offset) pair listed in a segment's root
// table — a record reachable from outside the segment.
type RootEntry struct {
	Type   RecordType
	Offset uint32
}

// RecordType tags a root entry with the kind of record it points at.
type RecordType byte

const (
	TypeBlock RecordType = iota
	TypeList
	TypeString
	TypeValue
	TypeMap
	TypeTemplate
	TypeNode
	TypeProperty
)

// segmentHeader is the parsed form of a segment's fixed header.
type segmentHeader struct {
	Version     byte
	Kind        byte
	Generation  uint32
	PayloadBase uint32 // lowest offset used by the payload region
	ChecksumAlg byte   // AlgXXHash3/AlgFNV1a/AlgBlake2b, the digest Checksum was computed with
	Checksum    uint32 // digest64(payload, ChecksumAlg) truncated to 32 bits
	Refs        []SegmentId
	Roots       []RootEntry
}

// headerBytes returns the encoded size of h's fixed+refs+roots
// portion (everything before the payload).
func (h *segmentHeader) headerBytes() int {
	return 4 + 1 + 1 + 4 + 4 + 1 + 4 + 4 + len(h.Refs)*16 + 4 + len(h.Roots)*5
}

// encodeSegment serialises a header plus its payload bytes (the
// portion of the tail-growing buffer actually in use, i.e.
// buf[header.PayloadBase:MaxSegmentSize]) into one contiguous entry
// ready to be appended to an archive.
func encodeSegment(h *segmentHeader, payload []byte) ([]byte, error) {
	if len(h.Refs) > 0xFFFFFFFF || len(h.Roots) > 0xFFFFFFFF {
		return nil, fmt.Errorf("%w: too many refs/roots", ErrCorrupt)
	}

	out := make([]byte, h.headerBytes()+len(payload))
	w := out

	copy(w, segmentMagic)
	w = w[4:]
	w[0] = h.Version
	w[1] = h.Kind
	w = w[2:]
	binary.BigEndian.PutUint32(w, h.Generation)
	w = w[4:]
	binary.BigEndian.PutUint32(w, h.PayloadBase)
	w = w[4:]
	w[0] = h.ChecksumAlg
	w = w[1:]
	binary.BigEndian.PutUint32(w, h.Checksum)
	w = w[4:]

	binary.BigEndian.PutUint32(w, uint32(len(h.Refs)))
	w = w[4:]
	for _, ref := range h.Refs {
		b := ref.bytes16()
		copy(w, b[:])
		w = w[16:]
	}

	binary.BigEndian.PutUint32(w, uint32(len(h.Roots)))
	w = w[4:]
	for _, root := range h.Roots {
		w[0] = byte(root.Type)
		binary.BigEndian.PutUint32(w[1:5], root.Offset)
		w = w[5:]
	}

	copy(w, payload)
	return out, nil
}

// segmentReader gives random-access primitives over one decoded
// segment's bytes, keyed by absolute offset in [0, MaxSegmentSize).
type segmentReader struct {
	header *segmentHeader
	buf    []byte // payload bytes only; buf[0] is at offset header.PayloadBase
}

// decodeSegment parses an archive entry's bytes into a segmentReader.
func decodeSegment(raw []byte) (*segmentReader, error) {
	if len(raw) < 25 || string(raw[0:4]) != segmentMagic {
		return nil, fmt.Errorf("%w: bad magic", ErrCorrupt)
	}
	h := &segmentHeader{}
	r := raw[4:]
	h.Version = r[0]
	h.Kind = r[1]
	r = r[2:]
	h.Generation = binary.BigEndian.Uint32(r)
	r = r[4:]
	h.PayloadBase = binary.BigEndian.Uint32(r)
	r = r[4:]
	h.ChecksumAlg = r[0]
	r = r[1:]
	h.Checksum = binary.BigEndian.Uint32(r)
	r = r[4:]

	if len(r) < 4 {
		return nil, fmt.Errorf("%w: truncated ref count", ErrCorrupt)
	}
	refCount := binary.BigEndian.Uint32(r)
	r = r[4:]
	if uint64(len(r)) < uint64(refCount)*16 {
		return nil, fmt.Errorf("%w: truncated refs", ErrCorrupt)
	}
	refs := make([]SegmentId, refCount)
	for i := range refs {
		refs[i] = segmentIdFromBytes16(r[:16])
		r = r[16:]
	}
	h.Refs = refs

	if len(r) < 4 {
		return nil, fmt.Errorf("%w: truncated root count", ErrCorrupt)
	}
	rootCount := binary.BigEndian.Uint32(r)
	r = r[4:]
	if uint64(len(r)) < uint64(rootCount)*5 {
		return nil, fmt.Errorf("%w: truncated roots", ErrCorrupt)
	}
	roots := make([]RootEntry, rootCount)
	for i := range roots {
		roots[i] = RootEntry{Type: RecordType(r[0]), Offset: binary.BigEndian.Uint32(r[1:5])}
		r = r[5:]
	}
	h.Roots = roots

	if h.PayloadBase > MaxSegmentSize {
		return nil, fmt.Errorf("%w: payload base out of range", ErrCorrupt)
	}
	for _, root := range roots {
		if root.Offset < h.PayloadBase || root.Offset >= MaxSegmentSize || root.Offset%Align != 0 {
			return nil, fmt.Errorf("%w: root offset out of range", ErrCorrupt)
		}
	}

	if got := uint32(digest64(r, int(h.ChecksumAlg))); got != h.Checksum {
		return nil, fmt.Errorf("%w: checksum mismatch (have %08x, want %08x)", ErrCorrupt, got, h.Checksum)
	}

	return &segmentReader{header: h, buf: r}, nil
}

// pos maps an absolute record offset to a byte position in sr.buf.
func (sr *segmentReader) pos(offset uint32) (int, error) {
	if offset < sr.header.PayloadBase || offset >= MaxSegmentSize {
		return 0, fmt.Errorf("%w: offset %d out of range", ErrCorrupt, offset)
	}
	p := int(offset - sr.header.PayloadBase)
	if p > len(sr.buf) {
		return 0, fmt.Errorf("%w: offset %d beyond payload", ErrCorrupt, offset)
	}
	return p, nil
}

func (sr *segmentReader) ReadByte(offset uint32) (byte, error) {
	p, err := sr.pos(offset)
	if err != nil || p >= len(sr.buf) {
		return 0, fmt.Errorf("%w: read byte at %d", ErrCorrupt, offset)
	}
	return sr.buf[p], nil
}

func (sr *segmentReader) ReadShort(offset uint32) (uint16, error) {
	b, err := sr.ReadBytes(offset, 2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b), nil
}

func (sr *segmentReader) ReadInt(offset uint32) (uint32, error) {
	b, err := sr.ReadBytes(offset, 4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

func (sr *segmentReader) ReadLong(offset uint32) (uint64, error) {
	b, err := sr.ReadBytes(offset, 8)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b), nil
}

func (sr *segmentReader) ReadBytes(offset uint32, n int) ([]byte, error) {
	p, err := sr.pos(offset)
	if err != nil {
		return nil, err
	}
	if p+n > len(sr.buf) {
		return nil, fmt.Errorf("%w: read %d bytes at %d", ErrCorrupt, n, offset)
	}
	return sr.buf[p : p+n], nil
}

// Roots enumerates this segment's root entries.
func (sr *segmentReader) Roots() []RootEntry { return sr.header.Roots }

// Refs enumerates the segment ids this segment references.
func (sr *segmentReader) Refs() []SegmentId { return sr.header.Refs }

// Generation returns the GC generation stored in the header.
func (sr *segmentReader) Generation() uint32 { return sr.header.Generation }
