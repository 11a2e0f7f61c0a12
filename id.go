// Segment and record identifiers.
//
// A segment id is 128 bits (two uint64 halves). The high nibble of the
// low half encodes the segment kind (DATA or BULK); a four-bit version
// sits in fixed bits of the high half. Record ids pair a segment id
// with an Align-aligned byte offset into that segment. Both types are
// plain values — they carry no lifetime of their own (spec.md §3,
// "Ownership and lifecycle"); the canonical *SegmentId pointers handed
// out by the tracker (tracker.go) are what identity comparisons use.
package silo

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"
)

// Segment kind, carried in the high nibble of the low 64 bits.
const (
	KindData = 0x0
	KindBulk = 0x1
)

// Align is the byte alignment of every record offset within a segment.
const Align = 16

// MaxSegmentSize is the fixed upper bound on a segment's encoded size.
const MaxSegmentSize = 256 * 1024

// SegmentId identifies a segment. Two SegmentId values with equal Msb
// and Lsb are the same segment; the tracker (tracker.go) is what makes
// that comparison cheap and identity-preserving for callers who want a
// canonical *SegmentId to use as a map key or for pointer equality.
type SegmentId struct {
	Msb uint64
	Lsb uint64
}

// Kind returns KindData or KindBulk, read from the high nibble of Lsb.
func (id SegmentId) Kind() int {
	return int((id.Lsb >> 60) & 0xF)
}

// Version returns the four-bit segment format version stored in the
// low nibble of the top byte of Msb.
func (id SegmentId) Version() int {
	return int((id.Msb >> 56) & 0xF)
}

// NewSegmentId builds a segment id carrying the given kind and version
// over random entropy in the remaining bits. Used by the writer pool
// when it allocates a fresh segment.
func NewSegmentId(msb, lsb uint64, kind, version int) SegmentId {
	msb = (msb &^ (0xF << 56)) | (uint64(version&0xF) << 56)
	lsb = (lsb &^ (0xF << 60)) | (uint64(kind&0xF) << 60)
	return SegmentId{Msb: msb, Lsb: lsb}
}

// String renders the canonical UUID-like form, e.g.
// "0123456789abcdef-fedcba9876543210".
func (id SegmentId) String() string {
	return fmt.Sprintf("%016x-%016x", id.Msb, id.Lsb)
}

// archiveName is the entry name a segment is stored under in an
// archive file: "<uuid-canonical>.<generation>" (spec.md §6).
func (id SegmentId) archiveName(generation int) string {
	return fmt.Sprintf("%s.%d", id.String(), generation)
}

// MarshalText renders the canonical form, letting SegmentId serialize
// directly as a JSON object key (archive_footer.go's graph footer).
func (id SegmentId) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText is the inverse of MarshalText.
func (id *SegmentId) UnmarshalText(b []byte) error {
	parsed, err := ParseSegmentId(string(b))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// ParseSegmentId parses the canonical "msb-lsb" form.
func ParseSegmentId(s string) (SegmentId, error) {
	parts := strings.SplitN(s, "-", 2)
	if len(parts) != 2 {
		return SegmentId{}, fmt.Errorf("%w: %q", ErrInvalidRecordId, s)
	}
	msb, err1 := strconv.ParseUint(parts[0], 16, 64)
	lsb, err2 := strconv.ParseUint(parts[1], 16, 64)
	if err1 != nil || err2 != nil {
		return SegmentId{}, fmt.Errorf("%w: %q", ErrInvalidRecordId, s)
	}
	return SegmentId{Msb: msb, Lsb: lsb}, nil
}

// RecordId addresses a record as (segment id, aligned offset).
type RecordId struct {
	Segment SegmentId
	Offset  uint32
}

// Valid reports whether Offset is in range and Align-aligned, the
// invariant spec.md §8 property 5 requires of every record id ever
// returned.
func (r RecordId) Valid() bool {
	return r.Offset < MaxSegmentSize && r.Offset%Align == 0
}

// String renders the canonical textual form "<uuid>.<offset-hex4>"
// (spec.md §6).
func (r RecordId) String() string {
	return fmt.Sprintf("%s.%04x", r.Segment.String(), r.Offset)
}

// ParseRecordId accepts both the canonical "<uuid>.<offset-hex4>" form
// and the legacy "<uuid>:<decimal-offset>" form (spec.md §6).
func ParseRecordId(s string) (RecordId, error) {
	if i := strings.LastIndexByte(s, ':'); i >= 0 {
		seg, err := ParseSegmentId(s[:i])
		if err != nil {
			return RecordId{}, err
		}
		off, err := strconv.ParseUint(s[i+1:], 10, 32)
		if err != nil {
			return RecordId{}, fmt.Errorf("%w: %q", ErrInvalidRecordId, s)
		}
		return RecordId{Segment: seg, Offset: uint32(off)}, nil
	}

	i := strings.LastIndexByte(s, '.')
	if i < 0 {
		return RecordId{}, fmt.Errorf("%w: %q", ErrInvalidRecordId, s)
	}
	seg, err := ParseSegmentId(s[:i])
	if err != nil {
		return RecordId{}, err
	}
	off, err := strconv.ParseUint(s[i+1:], 16, 32)
	if err != nil {
		return RecordId{}, fmt.Errorf("%w: %q", ErrInvalidRecordId, s)
	}
	return RecordId{Segment: seg, Offset: uint32(off)}, nil
}

// bytes16 renders a segment id as its 16 raw big-endian bytes, the
// form stored in a segment's ref list (segment.go) and archive index.
func (id SegmentId) bytes16() [16]byte {
	var b [16]byte
	binary.BigEndian.PutUint64(b[0:8], id.Msb)
	binary.BigEndian.PutUint64(b[8:16], id.Lsb)
	return b
}

func segmentIdFromBytes16(b []byte) SegmentId {
	return SegmentId{
		Msb: binary.BigEndian.Uint64(b[0:8]),
		Lsb: binary.BigEndian.Uint64(b[8:16]),
	}
}
