package silo

import "fmt"

// segmentBuilder accumulates records into one segment, writing each at
// a decreasing, Align-aligned offset so the payload grows down from
// MaxSegmentSize — the same tail-growth discipline spec.md §4.2
// describes. Not safe for concurrent use; callers serialize access to
// a builder through the writer pool (writer.go).
type segmentBuilder struct {
	kind    byte
	version byte
	gen     uint32
	hashAlg int

	buf []byte // full MaxSegmentSize scratch space
	pos uint32 // current tail; bytes [pos:MaxSegmentSize) are in use

	refs   []SegmentId
	refIdx map[SegmentId]int
	roots  []RootEntry
}

func newSegmentBuilder(kind byte, version byte, generation uint32, hashAlg int) *segmentBuilder {
	return &segmentBuilder{
		kind:    kind,
		version: version,
		gen:     generation,
		hashAlg: hashAlg,
		buf:     make([]byte, MaxSegmentSize),
		pos:     MaxSegmentSize,
		refIdx:  make(map[SegmentId]int),
	}
}

// WriteRecord places data at a fresh Align-aligned offset below the
// current tail and returns that offset. Returns ErrWriterSealed if the
// segment has no room left.
func (b *segmentBuilder) WriteRecord(data []byte) (uint32, error) {
	if len(data) == 0 {
		return b.pos, nil
	}
	if uint32(len(data)) > b.pos {
		return 0, fmt.Errorf("%w: segment full", ErrWriterSealed)
	}
	next := b.pos - uint32(len(data))
	next -= next % Align
	copy(b.buf[next:next+uint32(len(data))], data)
	b.pos = next
	return next, nil
}

// Remaining reports how many bytes are left before the segment is full.
func (b *segmentBuilder) Remaining() uint32 { return b.pos }

// AddRef records a reference to another segment, returning its index
// in the eventual ref table (refs are deduplicated).
func (b *segmentBuilder) AddRef(id SegmentId) int {
	if i, ok := b.refIdx[id]; ok {
		return i
	}
	i := len(b.refs)
	b.refs = append(b.refs, id)
	b.refIdx[id] = i
	return i
}

// AddRoot registers a record as reachable from outside the segment.
func (b *segmentBuilder) AddRoot(t RecordType, offset uint32) {
	b.roots = append(b.roots, RootEntry{Type: t, Offset: offset})
}

// Finalize encodes the accumulated header, refs, roots and payload
// into one contiguous byte slice ready for the archive.
func (b *segmentBuilder) Finalize() []byte {
	payload := b.buf[b.pos:]
	h := &segmentHeader{
		Version:     b.version,
		Kind:        b.kind,
		Generation:  b.gen,
		PayloadBase: b.pos,
		ChecksumAlg: byte(b.hashAlg),
		Checksum:    uint32(digest64(payload, b.hashAlg)),
		Refs:        b.refs,
		Roots:       b.roots,
	}
	out, err := encodeSegment(h, payload)
	if err != nil {
		// Only possible if ref/root counts overflow uint32, which
		// cannot happen for anything this builder can accumulate.
		panic(err)
	}
	return out
}

// Len reports the size Finalize would currently produce.
func (b *segmentBuilder) Len() int {
	h := &segmentHeader{Refs: b.refs, Roots: b.roots}
	return h.headerBytes() + int(MaxSegmentSize-b.pos)
}

// IsEmpty reports whether any record has been written yet.
func (b *segmentBuilder) IsEmpty() bool {
	return b.pos == MaxSegmentSize
}
