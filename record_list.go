// LIST records: a complete B-ary tree of record ids, branching factor
// LevelSize (spec.md §4.3 — "complete 255-ary tree of lists-of-record-
// ids"). A leaf (depth 0) holds record ids directly; a branch (depth
// > 0) holds refs to LevelSize child lists, each covering LevelSize^depth
// entries, giving O(log_B N) indexed access.
package silo

import (
	"encoding/binary"
	"fmt"
)

// LevelSize is the branching factor of the list B-tree.
const LevelSize = 255

// writeList encodes ids as a (possibly nested) LIST record and returns
// its root offset.
func writeList(b *segmentBuilder, selfID SegmentId, ids []RecordId) (uint32, error) {
	return writeListLevel(b, selfID, ids)
}

func writeListLevel(b *segmentBuilder, selfID SegmentId, ids []RecordId) (uint32, error) {
	if len(ids) <= LevelSize {
		return writeListLeaf(b, selfID, ids)
	}

	var childOffsets []uint32
	for i := 0; i < len(ids); i += LevelSize {
		end := i + LevelSize
		if end > len(ids) {
			end = len(ids)
		}
		off, err := writeListLeaf(b, selfID, ids[i:end])
		if err != nil {
			return 0, err
		}
		childOffsets = append(childOffsets, off)
	}

	depth := 1
	for len(childOffsets) > LevelSize {
		var next []uint32
		for i := 0; i < len(childOffsets); i += LevelSize {
			end := i + LevelSize
			if end > len(childOffsets) {
				end = len(childOffsets)
			}
			off, err := writeListBranch(b, selfID, depth, len(ids), childOffsets[i:end])
			if err != nil {
				return 0, err
			}
			next = append(next, off)
		}
		childOffsets = next
		depth++
	}

	return writeListBranch(b, selfID, depth, len(ids), childOffsets)
}

func writeListLeaf(b *segmentBuilder, selfID SegmentId, ids []RecordId) (uint32, error) {
	buf := make([]byte, 1+4+4+len(ids)*6)
	buf[0] = 0 // depth
	binary.BigEndian.PutUint32(buf[1:5], uint32(len(ids)))
	binary.BigEndian.PutUint32(buf[5:9], uint32(len(ids)))
	w := buf[9:]
	for _, id := range ids {
		putRef(w[:6], b.ref(selfID, id))
		w = w[6:]
	}
	return b.WriteRecord(buf)
}

func writeListBranch(b *segmentBuilder, selfID SegmentId, depth int, totalCount int, childOffsets []uint32) (uint32, error) {
	buf := make([]byte, 1+4+4+len(childOffsets)*6)
	buf[0] = byte(depth)
	binary.BigEndian.PutUint32(buf[1:5], uint32(totalCount))
	binary.BigEndian.PutUint32(buf[5:9], uint32(len(childOffsets)))
	w := buf[9:]
	for _, off := range childOffsets {
		putRef(w[:6], b.ref(selfID, RecordId{Segment: selfID, Offset: off}))
		w = w[6:]
	}
	return b.WriteRecord(buf)
}

// listHeader is the common (depth, totalCount, childCount) prefix of
// every list node, leaf or branch.
type listHeader struct {
	Depth      byte
	TotalCount uint32
	ChildCount uint32
}

func readListHeader(sr *segmentReader, offset uint32) (listHeader, error) {
	b, err := sr.ReadBytes(offset, 9)
	if err != nil {
		return listHeader{}, err
	}
	return listHeader{
		Depth:      b[0],
		TotalCount: binary.BigEndian.Uint32(b[1:5]),
		ChildCount: binary.BigEndian.Uint32(b[5:9]),
	}, nil
}

// readList fully materializes a list's record ids, in order. Used for
// the (typically short) block lists backing long strings/blobs;
// callers indexing into a large list should prefer listGet instead.
func readList(sr *segmentReader, selfID SegmentId, offset uint32) ([]RecordId, error) {
	h, err := readListHeader(sr, offset)
	if err != nil {
		return nil, err
	}
	body, err := sr.ReadBytes(offset+9, int(h.ChildCount)*6)
	if err != nil {
		return nil, err
	}

	if h.Depth == 0 {
		out := make([]RecordId, h.ChildCount)
		for i := range out {
			id, err := sr.resolve(selfID, getRef(body[i*6:i*6+6]))
			if err != nil {
				return nil, err
			}
			out[i] = id
		}
		return out, nil
	}

	out := make([]RecordId, 0, h.TotalCount)
	for i := uint32(0); i < h.ChildCount; i++ {
		childID, err := sr.resolve(selfID, getRef(body[i*6:i*6+6]))
		if err != nil {
			return nil, err
		}
		if childID.Segment != selfID {
			return nil, fmt.Errorf("%w: cross-segment list children need a resolver", ErrCorrupt)
		}
		sub, err := readList(sr, selfID, childID.Offset)
		if err != nil {
			return nil, err
		}
		out = append(out, sub...)
	}
	return out, nil
}

// listGet walks the tree to find the record id at position i without
// materializing sibling subtrees, the O(log_B N) access spec.md §4.3
// calls for.
func listGet(sr *segmentReader, selfID SegmentId, offset uint32, i int) (RecordId, error) {
	h, err := readListHeader(sr, offset)
	if err != nil {
		return RecordId{}, err
	}
	if i < 0 || uint32(i) >= h.TotalCount {
		return RecordId{}, fmt.Errorf("%w: list index %d out of range", ErrCorrupt, i)
	}

	if h.Depth == 0 {
		rb, err := sr.ReadBytes(offset+9+uint32(i)*6, 6)
		if err != nil {
			return RecordId{}, err
		}
		return sr.resolve(selfID, getRef(rb))
	}

	capacityPerChild := 1
	for d := 0; d < int(h.Depth); d++ {
		capacityPerChild *= LevelSize
	}
	childIdx := i / capacityPerChild
	rb, err := sr.ReadBytes(offset+9+uint32(childIdx)*6, 6)
	if err != nil {
		return RecordId{}, err
	}
	childID, err := sr.resolve(selfID, getRef(rb))
	if err != nil {
		return RecordId{}, err
	}
	if childID.Segment != selfID {
		return RecordId{}, fmt.Errorf("%w: cross-segment list children need a resolver", ErrCorrupt)
	}
	return listGet(sr, selfID, childID.Offset, i%capacityPerChild)
}

// listLen reports a list's total entry count without walking its tree.
func listLen(sr *segmentReader, offset uint32) (int, error) {
	h, err := readListHeader(sr, offset)
	if err != nil {
		return 0, err
	}
	return int(h.TotalCount), nil
}
