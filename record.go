// Record codec: the tagged binary records written into a segment's
// payload (spec.md §4.3). Every record is read by offset through a
// segmentReader — the codec never deals with whole-file I/O, only
// fixed-width fields at a known position, the same discipline
// shake-karrot-lightkafka's internal/segment applies to its own binary
// record format.
//
// Cross-record references are 6-byte "recordRef" values: a 2-byte
// index into the owning segment's ref table (0xFFFF means "this same
// segment") plus a 4-byte Align-aligned offset. A segmentBuilder
// resolves a target RecordId into a recordRef by adding (and
// deduplicating) a ref-table entry when the target lives elsewhere.
package silo

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Head-byte size classes for STRING and VALUE records (spec.md §4.3).
const (
	SmallLimit  = 1 << 7          // lengths [0, SmallLimit) fit directly in the head byte
	MediumLimit = SmallLimit << 7 // lengths [SmallLimit, MediumLimit) use a 2-byte length field
)

const selfRefIndex = 0xFFFF

// recordRef is the 6-byte on-wire reference to another record.
type recordRef struct {
	refIndex uint16
	offset   uint32
}

func (b *segmentBuilder) ref(selfSegment SegmentId, target RecordId) recordRef {
	if target.Segment == selfSegment {
		return recordRef{refIndex: selfRefIndex, offset: target.Offset}
	}
	idx := b.AddRef(target.Segment)
	return recordRef{refIndex: uint16(idx), offset: target.Offset}
}

func putRef(dst []byte, r recordRef) {
	binary.BigEndian.PutUint16(dst[0:2], r.refIndex)
	binary.BigEndian.PutUint32(dst[2:6], r.offset)
}

func getRef(src []byte) recordRef {
	return recordRef{
		refIndex: binary.BigEndian.Uint16(src[0:2]),
		offset:   binary.BigEndian.Uint32(src[2:6]),
	}
}

// resolve turns a recordRef read from sr into a fully qualified
// RecordId, using sr's own segment id for the self-reference sentinel.
func (sr *segmentReader) resolve(selfID SegmentId, r recordRef) (RecordId, error) {
	if r.refIndex == selfRefIndex {
		return RecordId{Segment: selfID, Offset: r.offset}, nil
	}
	if int(r.refIndex) >= len(sr.header.Refs) {
		return RecordId{}, fmt.Errorf("%w: ref index %d out of range", ErrCorrupt, r.refIndex)
	}
	return RecordId{Segment: sr.header.Refs[r.refIndex], Offset: r.offset}, nil
}

// --- BLOCK -----------------------------------------------------------

// writeBlock stores a short byte run inline, with no framing beyond
// the record's own length (callers always know how many bytes to
// read back, per spec.md's "short byte run, inline in one segment").
func writeBlock(b *segmentBuilder, data []byte) (uint32, error) {
	return b.WriteRecord(data)
}

func readBlock(sr *segmentReader, offset uint32, length int) ([]byte, error) {
	return sr.ReadBytes(offset, length)
}

// --- STRING / VALUE ----------------------------------------------------

// writeString encodes s using the small/medium/long size classes.
// Long strings are split into 4096-byte BLOCK records addressed by a
// LIST of their record ids.
func writeString(b *segmentBuilder, selfID SegmentId, s string) (uint32, error) {
	data := []byte(s)
	switch {
	case len(data) < SmallLimit:
		buf := make([]byte, 1+len(data))
		buf[0] = byte(len(data))
		copy(buf[1:], data)
		return b.WriteRecord(buf)

	case len(data) < MediumLimit:
		v := uint32(len(data) - SmallLimit)
		buf := make([]byte, 2+len(data))
		buf[0] = 0x80 | byte((v>>8)&0x3F)
		buf[1] = byte(v)
		copy(buf[2:], data)
		return b.WriteRecord(buf)

	default:
		return writeLong(b, selfID, data)
	}
}

// writeLong splits data into 4096-byte blocks, stores a LIST of
// their ids, and emits the long-form head: 0xC0, 8-byte total length,
// then a recordRef to that list.
func writeLong(b *segmentBuilder, selfID SegmentId, data []byte) (uint32, error) {
	const chunk = 4096
	var blockIds []RecordId
	for i := 0; i < len(data); i += chunk {
		end := i + chunk
		if end > len(data) {
			end = len(data)
		}
		off, err := writeBlock(b, data[i:end])
		if err != nil {
			return 0, err
		}
		blockIds = append(blockIds, RecordId{Segment: selfID, Offset: off})
	}
	listOff, err := writeList(b, selfID, blockIds)
	if err != nil {
		return 0, err
	}

	buf := make([]byte, 1+8+6)
	buf[0] = 0xC0
	binary.BigEndian.PutUint64(buf[1:9], uint64(len(data)))
	putRef(buf[9:15], b.ref(selfID, RecordId{Segment: selfID, Offset: listOff}))
	return b.WriteRecord(buf)
}

// readString is the inverse of writeString/writeLong.
func readString(sr *segmentReader, selfID SegmentId, offset uint32, resolve func(RecordId) (*segmentReader, error)) (string, error) {
	head, err := sr.ReadByte(offset)
	if err != nil {
		return "", err
	}

	switch {
	case head&0x80 == 0: // 0xxxxxxx small
		n := int(head)
		data, err := sr.ReadBytes(offset+1, n)
		if err != nil {
			return "", err
		}
		return string(data), nil

	case head&0xC0 == 0x80: // 10xxxxxx medium
		b2, err := sr.ReadByte(offset + 1)
		if err != nil {
			return "", err
		}
		n := SmallLimit + (int(head&0x3F)<<8 | int(b2))
		data, err := sr.ReadBytes(offset+2, n)
		if err != nil {
			return "", err
		}
		return string(data), nil

	case head == 0xC0: // 110xxxxx long
		total, err := sr.ReadLong(offset + 1)
		if err != nil {
			return "", err
		}
		refBytes, err := sr.ReadBytes(offset+9, 6)
		if err != nil {
			return "", err
		}
		listID, err := sr.resolve(selfID, getRef(refBytes))
		if err != nil {
			return "", err
		}
		listSR := sr
		if listID.Segment != selfID {
			if resolve == nil {
				return "", fmt.Errorf("%w: cross-segment string with no resolver", ErrCorrupt)
			}
			listSR, err = resolve(listID)
			if err != nil {
				return "", err
			}
		}
		ids, err := readList(listSR, listID.Segment, listID.Offset)
		if err != nil {
			return "", err
		}
		out := make([]byte, 0, total)
		for _, id := range ids {
			blockSR := sr
			if id.Segment != selfID {
				if resolve == nil {
					return "", fmt.Errorf("%w: cross-segment block with no resolver", ErrCorrupt)
				}
				blockSR, err = resolve(id)
				if err != nil {
					return "", err
				}
			}
			remaining := int(total) - len(out)
			n := 4096
			if remaining < n {
				n = remaining
			}
			if n <= 0 {
				break
			}
			data, err := readBlock(blockSR, id.Offset, n)
			if err != nil {
				return "", err
			}
			out = append(out, data...)
		}
		return string(out), nil

	default:
		return "", fmt.Errorf("%w: unrecognized string head byte 0x%02x", ErrCorrupt, head)
	}
}

// writeExternalValue stores a VALUE record carrying an opaque external
// blob id instead of inline bytes (spec.md §4.3's two external modes).
func writeExternalValue(b *segmentBuilder, id string) (uint32, error) {
	data := []byte(id)
	if len(data) <= 0xF {
		buf := make([]byte, 1+len(data))
		buf[0] = 0xE0 | byte(len(data))
		copy(buf[1:], data)
		return b.WriteRecord(buf)
	}
	return 0, fmt.Errorf("%w: external blob id too long for short form, use writeExternalValueLong", ErrCorrupt)
}

// writeExternalValueLong stores a long external reference: the id
// itself is written as a STRING record and this record just points at it.
func writeExternalValueLong(b *segmentBuilder, selfID SegmentId, idStringOffset uint32) (uint32, error) {
	buf := make([]byte, 1+6)
	buf[0] = 0xF0
	putRef(buf[1:7], b.ref(selfID, RecordId{Segment: selfID, Offset: idStringOffset}))
	return b.WriteRecord(buf)
}

// readExternalValue reads either external-value form, returning the
// referenced blob id. For the long form, resolve fetches the STRING
// record holding the id when it lives in another segment.
func readExternalValue(sr *segmentReader, selfID SegmentId, offset uint32, resolve func(RecordId) (*segmentReader, error)) (string, error) {
	head, err := sr.ReadByte(offset)
	if err != nil {
		return "", err
	}
	switch {
	case head&0xF0 == 0xE0:
		n := int(head & 0x0F)
		data, err := sr.ReadBytes(offset+1, n)
		if err != nil {
			return "", err
		}
		return string(data), nil
	case head&0xF8 == 0xF0:
		refBytes, err := sr.ReadBytes(offset+1, 6)
		if err != nil {
			return "", err
		}
		target, err := sr.resolve(selfID, getRef(refBytes))
		if err != nil {
			return "", err
		}
		targetSR := sr
		if target.Segment != selfID {
			if resolve == nil {
				return "", fmt.Errorf("%w: cross-segment external id with no resolver", ErrCorrupt)
			}
			targetSR, err = resolve(target)
			if err != nil {
				return "", err
			}
		}
		return readString(targetSR, target.Segment, target.Offset, resolve)
	default:
		return "", fmt.Errorf("%w: unrecognized external value head byte 0x%02x", ErrCorrupt, head)
	}
}

// --- PROPERTY ----------------------------------------------------------

// PropertyType tags the scalar kind stored in a PROPERTY's values;
// VALUE records themselves are untyped byte/string blobs, so the type
// tag lives here.
type PropertyType byte

const (
	PropString PropertyType = iota
	PropLong
	PropDouble
	PropBoolean
	PropBinary
)

func writeProperty(b *segmentBuilder, selfID SegmentId, typ PropertyType, values []RecordId) (uint32, error) {
	buf := make([]byte, 1+1+4+len(values)*6)
	buf[0] = byte(typ)
	multi := byte(0)
	if len(values) != 1 {
		multi = 1
	}
	buf[1] = multi
	binary.BigEndian.PutUint32(buf[2:6], uint32(len(values)))
	w := buf[6:]
	for _, v := range values {
		putRef(w[:6], b.ref(selfID, v))
		w = w[6:]
	}
	return b.WriteRecord(buf)
}

type propertyRecord struct {
	Type   PropertyType
	Multi  bool
	Values []RecordId
}

func readProperty(sr *segmentReader, selfID SegmentId, offset uint32) (*propertyRecord, error) {
	hdr, err := sr.ReadBytes(offset, 6)
	if err != nil {
		return nil, err
	}
	count := binary.BigEndian.Uint32(hdr[2:6])
	body, err := sr.ReadBytes(offset+6, int(count)*6)
	if err != nil {
		return nil, err
	}
	values := make([]RecordId, count)
	for i := range values {
		r := getRef(body[i*6 : i*6+6])
		id, err := sr.resolve(selfID, r)
		if err != nil {
			return nil, err
		}
		values[i] = id
	}
	return &propertyRecord{Type: PropertyType(hdr[0]), Multi: hdr[1] != 0, Values: values}, nil
}

// --- float64 bit-exact helpers ------------------------------------------

func encodeFloat64(v float64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, math.Float64bits(v))
	return buf
}

func decodeFloat64(b []byte) float64 {
	return math.Float64frombits(binary.BigEndian.Uint64(b))
}

// --- TEMPLATE ------------------------------------------------------------

type templateProperty struct {
	Name RecordId
	Type PropertyType
}

// nodeTemplate is the decoded, deduplicated shape shared by every node
// with identical property names/types and primaryType/mixin/childName
// hints (spec.md §4.3).
type nodeTemplate struct {
	PrimaryType *RecordId
	MixinTypes  *RecordId // reference to a LIST of STRING ids, nil if none
	ChildName   *RecordId
	Properties  []templateProperty
}

func writeTemplate(b *segmentBuilder, selfID SegmentId, t *nodeTemplate) (uint32, error) {
	size := 3 + len(t.Properties)*7
	if t.PrimaryType != nil {
		size += 6
	}
	if t.MixinTypes != nil {
		size += 6
	}
	if t.ChildName != nil {
		size += 6
	}
	buf := make([]byte, size)
	w := buf

	flag := func(set bool) byte {
		if set {
			return 1
		}
		return 0
	}
	w[0] = flag(t.PrimaryType != nil)
	w[1] = flag(t.MixinTypes != nil)
	w[2] = flag(t.ChildName != nil)
	w = w[3:]

	if t.PrimaryType != nil {
		putRef(w[:6], b.ref(selfID, *t.PrimaryType))
		w = w[6:]
	}
	if t.MixinTypes != nil {
		putRef(w[:6], b.ref(selfID, *t.MixinTypes))
		w = w[6:]
	}
	if t.ChildName != nil {
		putRef(w[:6], b.ref(selfID, *t.ChildName))
		w = w[6:]
	}

	binary.BigEndian.PutUint32(w[:4], uint32(len(t.Properties)))
	w = w[4:]
	for _, p := range t.Properties {
		putRef(w[:6], b.ref(selfID, p.Name))
		w[6] = byte(p.Type)
		w = w[7:]
	}

	return b.WriteRecord(buf)
}

func readTemplate(sr *segmentReader, selfID SegmentId, offset uint32) (*nodeTemplate, error) {
	flags, err := sr.ReadBytes(offset, 3)
	if err != nil {
		return nil, err
	}
	pos := offset + 3
	t := &nodeTemplate{}

	readOptRef := func() (*RecordId, error) {
		b, err := sr.ReadBytes(pos, 6)
		if err != nil {
			return nil, err
		}
		pos += 6
		id, err := sr.resolve(selfID, getRef(b))
		if err != nil {
			return nil, err
		}
		return &id, nil
	}

	if flags[0] != 0 {
		if t.PrimaryType, err = readOptRef(); err != nil {
			return nil, err
		}
	}
	if flags[1] != 0 {
		if t.MixinTypes, err = readOptRef(); err != nil {
			return nil, err
		}
	}
	if flags[2] != 0 {
		if t.ChildName, err = readOptRef(); err != nil {
			return nil, err
		}
	}

	countBytes, err := sr.ReadBytes(pos, 4)
	if err != nil {
		return nil, err
	}
	pos += 4
	count := binary.BigEndian.Uint32(countBytes)
	t.Properties = make([]templateProperty, count)
	for i := range t.Properties {
		rb, err := sr.ReadBytes(pos, 7)
		if err != nil {
			return nil, err
		}
		id, err := sr.resolve(selfID, getRef(rb[:6]))
		if err != nil {
			return nil, err
		}
		t.Properties[i] = templateProperty{Name: id, Type: PropertyType(rb[6])}
		pos += 7
	}
	return t, nil
}

// --- NODE ----------------------------------------------------------------

type nodeRecord struct {
	Template   RecordId
	PropValues []RecordId
	ChildMap   *RecordId // nil means no children
}

func writeNode(b *segmentBuilder, selfID SegmentId, n *nodeRecord) (uint32, error) {
	hasChild := byte(0)
	if n.ChildMap != nil {
		hasChild = 1
	}
	buf := make([]byte, 6+4+len(n.PropValues)*6+1+6)
	w := buf

	putRef(w[:6], b.ref(selfID, n.Template))
	w = w[6:]
	binary.BigEndian.PutUint32(w[:4], uint32(len(n.PropValues)))
	w = w[4:]
	for _, v := range n.PropValues {
		putRef(w[:6], b.ref(selfID, v))
		w = w[6:]
	}
	w[0] = hasChild
	w = w[1:]
	if n.ChildMap != nil {
		putRef(w[:6], b.ref(selfID, *n.ChildMap))
	}

	return b.WriteRecord(buf)
}

func readNode(sr *segmentReader, selfID SegmentId, offset uint32) (*nodeRecord, error) {
	tRef, err := sr.ReadBytes(offset, 6)
	if err != nil {
		return nil, err
	}
	tmpl, err := sr.resolve(selfID, getRef(tRef))
	if err != nil {
		return nil, err
	}
	pos := offset + 6

	countB, err := sr.ReadBytes(pos, 4)
	if err != nil {
		return nil, err
	}
	pos += 4
	count := binary.BigEndian.Uint32(countB)

	props := make([]RecordId, count)
	for i := range props {
		rb, err := sr.ReadBytes(pos, 6)
		if err != nil {
			return nil, err
		}
		id, err := sr.resolve(selfID, getRef(rb))
		if err != nil {
			return nil, err
		}
		props[i] = id
		pos += 6
	}

	hasChild, err := sr.ReadByte(pos)
	if err != nil {
		return nil, err
	}
	pos++

	n := &nodeRecord{Template: tmpl, PropValues: props}
	if hasChild != 0 {
		rb, err := sr.ReadBytes(pos, 6)
		if err != nil {
			return nil, err
		}
		id, err := sr.resolve(selfID, getRef(rb))
		if err != nil {
			return nil, err
		}
		n.ChildMap = &id
	}
	return n, nil
}
