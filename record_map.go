// MAP records: a hash-trie over 32-bit key hashes (spec.md §4.3).
// Three tagged variants share the record's first byte:
//
//	Leaf   — a bucket of (hash, key, value) entries sorted by hash.
//	Branch — a bitmap of present children, fan-out BucketsPerLevel.
//	Diff   — a base map plus an overlay of added/removed entries,
//	         structural sharing expressed as spec.md §9 suggests
//	         ("tagged variant… resolve diffs lazily during lookup").
//
// Lookups never materialize more of the tree than the path they walk;
// Put/Remove rewrite only the nodes along that path, leaving untouched
// siblings referenced by the new tree (copy-on-write).
package silo

import (
	"encoding/binary"
	"fmt"
	"hash/fnv"
)

// BucketsPerLevel is the hash-trie's branching factor: each level of a
// branch node consumes a 5-bit slice of the 32-bit key hash.
const BucketsPerLevel = 32

const (
	mapTagLeaf byte = iota
	mapTagBranch
	mapTagDiff
)

const (
	diffOpSet byte = iota
	diffOpRemove
)

// mapHash computes the 32-bit key hash the trie slices 5 bits at a
// time. FNV-1a32 is a plain stdlib choice; nothing in the corpus ships
// a dedicated 32-bit hash and this one is cheap and well distributed
// for short property-name keys.
func mapHash(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32()
}

func mapSlice(hash uint32, level int) int {
	return int((hash >> (uint(level) * 5)) & 0x1F)
}

type mapEntry struct {
	Hash  uint32
	Key   RecordId
	Value RecordId
}

// --- leaf encode/decode --------------------------------------------------

func readLeafEntries(sr *segmentReader, selfID SegmentId, offset uint32) ([]mapEntry, error) {
	countB, err := sr.ReadBytes(offset+1, 4)
	if err != nil {
		return nil, err
	}
	count := binary.BigEndian.Uint32(countB)
	body, err := sr.ReadBytes(offset+5, int(count)*16)
	if err != nil {
		return nil, err
	}
	entries := make([]mapEntry, count)
	for i := range entries {
		e := body[i*16 : i*16+16]
		hash := binary.BigEndian.Uint32(e[0:4])
		key, err := sr.resolve(selfID, getRef(e[4:10]))
		if err != nil {
			return nil, err
		}
		val, err := sr.resolve(selfID, getRef(e[10:16]))
		if err != nil {
			return nil, err
		}
		entries[i] = mapEntry{Hash: hash, Key: key, Value: val}
	}
	return entries, nil
}

func writeLeaf(b *segmentBuilder, selfID SegmentId, entries []mapEntry) (uint32, error) {
	buf := make([]byte, 1+4+len(entries)*16)
	buf[0] = mapTagLeaf
	binary.BigEndian.PutUint32(buf[1:5], uint32(len(entries)))
	w := buf[5:]
	for _, e := range entries {
		binary.BigEndian.PutUint32(w[0:4], e.Hash)
		putRef(w[4:10], b.ref(selfID, e.Key))
		putRef(w[10:16], b.ref(selfID, e.Value))
		w = w[16:]
	}
	return b.WriteRecord(buf)
}

// --- branch encode/decode ------------------------------------------------

func readBranch(sr *segmentReader, selfID SegmentId, offset uint32) (bitmap uint32, children []RecordId, err error) {
	hdr, err := sr.ReadBytes(offset+1, 4)
	if err != nil {
		return 0, nil, err
	}
	bitmap = binary.BigEndian.Uint32(hdr)
	n := popcount32(bitmap)
	body, err := sr.ReadBytes(offset+5, n*6)
	if err != nil {
		return 0, nil, err
	}
	children = make([]RecordId, n)
	for i := range children {
		id, err := sr.resolve(selfID, getRef(body[i*6:i*6+6]))
		if err != nil {
			return 0, nil, err
		}
		children[i] = id
	}
	return bitmap, children, nil
}

func writeBranch(b *segmentBuilder, selfID SegmentId, bitmap uint32, children []RecordId) (uint32, error) {
	buf := make([]byte, 1+4+len(children)*6)
	buf[0] = mapTagBranch
	binary.BigEndian.PutUint32(buf[1:5], bitmap)
	w := buf[5:]
	for _, c := range children {
		putRef(w[:6], b.ref(selfID, c))
		w = w[6:]
	}
	return b.WriteRecord(buf)
}

func popcount32(v uint32) int {
	n := 0
	for v != 0 {
		v &= v - 1
		n++
	}
	return n
}

// --- diff encode/decode ---------------------------------------------------

type diffEntry struct {
	Op    byte
	Hash  uint32
	Key   RecordId
	Value RecordId
}

func readDiff(sr *segmentReader, selfID SegmentId, offset uint32) (base RecordId, overlay []diffEntry, err error) {
	baseRef, err := sr.ReadBytes(offset+1, 6)
	if err != nil {
		return RecordId{}, nil, err
	}
	base, err = sr.resolve(selfID, getRef(baseRef))
	if err != nil {
		return RecordId{}, nil, err
	}
	countB, err := sr.ReadBytes(offset+7, 4)
	if err != nil {
		return RecordId{}, nil, err
	}
	count := binary.BigEndian.Uint32(countB)
	body, err := sr.ReadBytes(offset+11, int(count)*17)
	if err != nil {
		return RecordId{}, nil, err
	}
	overlay = make([]diffEntry, count)
	for i := range overlay {
		e := body[i*17 : i*17+17]
		key, err := sr.resolve(selfID, getRef(e[5:11]))
		if err != nil {
			return RecordId{}, nil, err
		}
		val, err := sr.resolve(selfID, getRef(e[11:17]))
		if err != nil {
			return RecordId{}, nil, err
		}
		overlay[i] = diffEntry{
			Op:    e[0],
			Hash:  binary.BigEndian.Uint32(e[1:5]),
			Key:   key,
			Value: val,
		}
	}
	return base, overlay, nil
}

func writeDiff(b *segmentBuilder, selfID SegmentId, base RecordId, overlay []diffEntry) (uint32, error) {
	buf := make([]byte, 1+6+4+len(overlay)*17)
	buf[0] = mapTagDiff
	putRef(buf[1:7], b.ref(selfID, base))
	binary.BigEndian.PutUint32(buf[7:11], uint32(len(overlay)))
	w := buf[11:]
	for _, e := range overlay {
		w[0] = e.Op
		binary.BigEndian.PutUint32(w[1:5], e.Hash)
		putRef(w[5:11], b.ref(selfID, e.Key))
		putRef(w[11:17], b.ref(selfID, e.Value))
		w = w[17:]
	}
	return b.WriteRecord(buf)
}

// --- lookup / mutate ------------------------------------------------------

// resolver fetches the segmentReader owning a RecordId in another
// segment. Within one compaction or builder session most traffic stays
// in-segment, so resolve is only consulted for cross-segment refs.
type resolver func(RecordId) (*segmentReader, error)

func mapGet(sr *segmentReader, selfID SegmentId, offset uint32, key string, resolve resolver) (RecordId, bool, error) {
	hash := mapHash(key)
	return mapGetAt(sr, selfID, offset, hash, key, 0, resolve)
}

func mapGetAt(sr *segmentReader, selfID SegmentId, offset uint32, hash uint32, key string, level int, resolve resolver) (RecordId, bool, error) {
	tag, err := sr.ReadByte(offset)
	if err != nil {
		return RecordId{}, false, err
	}

	switch tag {
	case mapTagLeaf:
		entries, err := readLeafEntries(sr, selfID, offset)
		if err != nil {
			return RecordId{}, false, err
		}
		for _, e := range entries {
			if e.Hash != hash {
				continue
			}
			match, err := keyEquals(sr, selfID, e.Key, key, resolve)
			if err != nil {
				return RecordId{}, false, err
			}
			if match {
				return e.Value, true, nil
			}
		}
		return RecordId{}, false, nil

	case mapTagBranch:
		bitmap, children, err := readBranch(sr, selfID, offset)
		if err != nil {
			return RecordId{}, false, err
		}
		slice := mapSlice(hash, level)
		bit := uint32(1) << uint(slice)
		if bitmap&bit == 0 {
			return RecordId{}, false, nil
		}
		idx := popcount32(bitmap & (bit - 1))
		child := children[idx]
		childSR, err := sameOrResolve(sr, selfID, child, resolve)
		if err != nil {
			return RecordId{}, false, err
		}
		return mapGetAt(childSR, child.Segment, child.Offset, hash, key, level+1, resolve)

	case mapTagDiff:
		base, overlay, err := readDiff(sr, selfID, offset)
		if err != nil {
			return RecordId{}, false, err
		}
		for _, e := range overlay {
			if e.Hash != hash {
				continue
			}
			match, err := keyEquals(sr, selfID, e.Key, key, resolve)
			if err != nil {
				return RecordId{}, false, err
			}
			if match {
				return e.Value, e.Op == diffOpSet, nil
			}
		}
		baseSR, err := sameOrResolve(sr, selfID, base, resolve)
		if err != nil {
			return RecordId{}, false, err
		}
		return mapGetAt(baseSR, base.Segment, base.Offset, hash, key, level, resolve)

	default:
		return RecordId{}, false, fmt.Errorf("%w: unrecognized map tag %d", ErrCorrupt, tag)
	}
}

func keyEquals(sr *segmentReader, selfID SegmentId, key RecordId, want string, resolve resolver) (bool, error) {
	keySR, err := sameOrResolve(sr, selfID, key, resolve)
	if err != nil {
		return false, err
	}
	got, err := readString(keySR, key.Segment, key.Offset, resolve)
	if err != nil {
		return false, err
	}
	return got == want, nil
}

func sameOrResolve(sr *segmentReader, selfID SegmentId, target RecordId, resolve resolver) (*segmentReader, error) {
	if target.Segment == selfID {
		return sr, nil
	}
	if resolve == nil {
		return nil, fmt.Errorf("%w: cross-segment map node with no resolver", ErrCorrupt)
	}
	return resolve(target)
}

// mapPut returns the offset, in the destID segment b is building, of a
// new map record reflecting key→value, rewriting only the path from
// the root to the affected leaf/overlay. sr/srcID is the existing map
// data being read, which in general lives in a different, already-
// sealed segment than the one b is writing into — the two identities
// must never be conflated, since b.ref dedups against destID while
// sr.resolve's self-refs resolve against srcID.
func mapPut(b *segmentBuilder, destID SegmentId, sr *segmentReader, srcID SegmentId, offset uint32, key string, keyRef RecordId, value RecordId, resolve resolver) (uint32, error) {
	hash := mapHash(key)
	return mapPutAt(b, destID, sr, srcID, offset, hash, key, keyRef, value, 0, resolve)
}

func mapPutAt(b *segmentBuilder, destID SegmentId, sr *segmentReader, srcID SegmentId, offset uint32, hash uint32, key string, keyRef, value RecordId, level int, resolve resolver) (uint32, error) {
	tag, err := sr.ReadByte(offset)
	if err != nil {
		return 0, err
	}

	switch tag {
	case mapTagLeaf:
		entries, err := readLeafEntries(sr, srcID, offset)
		if err != nil {
			return 0, err
		}
		replaced := false
		for i, e := range entries {
			if e.Hash != hash {
				continue
			}
			if match, err := keyEquals(sr, srcID, e.Key, key, resolve); err != nil {
				return 0, err
			} else if match {
				entries[i].Value = value
				replaced = true
				break
			}
		}
		if !replaced {
			entries = insertSortedByHash(entries, mapEntry{Hash: hash, Key: keyRef, Value: value})
		}
		if len(entries) <= BucketsPerLevel {
			return writeLeaf(b, destID, entries)
		}
		return splitLeafToBranch(b, destID, entries, level)

	case mapTagBranch:
		bitmap, children, err := readBranch(sr, srcID, offset)
		if err != nil {
			return 0, err
		}
		slice := mapSlice(hash, level)
		bit := uint32(1) << uint(slice)
		idx := popcount32(bitmap & (bit - 1))

		if bitmap&bit == 0 {
			newLeaf, err := writeLeaf(b, destID, []mapEntry{{Hash: hash, Key: keyRef, Value: value}})
			if err != nil {
				return 0, err
			}
			children = insertAt(children, idx, RecordId{Segment: destID, Offset: newLeaf})
			bitmap |= bit
			return writeBranch(b, destID, bitmap, children)
		}

		child := children[idx]
		childSR, err := sameOrResolve(sr, srcID, child, resolve)
		if err != nil {
			return 0, err
		}
		newChildOff, err := mapPutAt(b, destID, childSR, child.Segment, child.Offset, hash, key, keyRef, value, level+1, resolve)
		if err != nil {
			return 0, err
		}
		children[idx] = RecordId{Segment: destID, Offset: newChildOff}
		return writeBranch(b, destID, bitmap, children)

	case mapTagDiff:
		base, overlay, err := readDiff(sr, srcID, offset)
		if err != nil {
			return 0, err
		}
		overlay, err = upsertOverlay(sr, srcID, resolve, overlay, diffEntry{Op: diffOpSet, Hash: hash, Key: keyRef, Value: value}, key)
		if err != nil {
			return 0, err
		}
		return writeDiff(b, destID, base, overlay)

	default:
		return 0, fmt.Errorf("%w: unrecognized map tag %d", ErrCorrupt, tag)
	}
}

// mapRemove deletes key if present; removing a missing key is a no-op
// that returns the same offset unchanged (spec.md §4.3). See mapPut
// for the destID/srcID split this mutation shares.
func mapRemove(b *segmentBuilder, destID SegmentId, sr *segmentReader, srcID SegmentId, offset uint32, key string, resolve resolver) (uint32, error) {
	hash := mapHash(key)
	return mapRemoveAt(b, destID, sr, srcID, offset, hash, key, 0, resolve)
}

func mapRemoveAt(b *segmentBuilder, destID SegmentId, sr *segmentReader, srcID SegmentId, offset uint32, hash uint32, key string, level int, resolve resolver) (uint32, error) {
	tag, err := sr.ReadByte(offset)
	if err != nil {
		return 0, err
	}

	switch tag {
	case mapTagLeaf:
		entries, err := readLeafEntries(sr, srcID, offset)
		if err != nil {
			return 0, err
		}
		out := entries[:0:0]
		found := false
		for _, e := range entries {
			if !found && e.Hash == hash {
				if match, err := keyEquals(sr, srcID, e.Key, key, resolve); err != nil {
					return 0, err
				} else if match {
					found = true
					continue
				}
			}
			out = append(out, e)
		}
		if !found {
			return offset, nil
		}
		return writeLeaf(b, destID, out)

	case mapTagBranch:
		bitmap, children, err := readBranch(sr, srcID, offset)
		if err != nil {
			return 0, err
		}
		slice := mapSlice(hash, level)
		bit := uint32(1) << uint(slice)
		if bitmap&bit == 0 {
			return offset, nil
		}
		idx := popcount32(bitmap & (bit - 1))
		child := children[idx]
		childSR, err := sameOrResolve(sr, srcID, child, resolve)
		if err != nil {
			return 0, err
		}
		if _, ok, err := mapGetAt(childSR, child.Segment, child.Offset, hash, key, level+1, resolve); err != nil {
			return 0, err
		} else if !ok {
			return offset, nil
		}
		newChildOff, err := mapRemoveAt(b, destID, childSR, child.Segment, child.Offset, hash, key, level+1, resolve)
		if err != nil {
			return 0, err
		}
		if newChildOff == child.Offset && child.Segment == destID {
			return offset, nil
		}
		children[idx] = RecordId{Segment: destID, Offset: newChildOff}
		return writeBranch(b, destID, bitmap, children)

	case mapTagDiff:
		base, overlay, err := readDiff(sr, srcID, offset)
		if err != nil {
			return 0, err
		}
		keyOff, err := writeString(b, destID, key)
		if err != nil {
			return 0, err
		}
		keyRef := RecordId{Segment: destID, Offset: keyOff}
		overlay, err = upsertOverlay(sr, srcID, resolve, overlay, diffEntry{Op: diffOpRemove, Hash: hash, Key: keyRef, Value: RecordId{}}, key)
		if err != nil {
			return 0, err
		}
		return writeDiff(b, destID, base, overlay)

	default:
		return 0, fmt.Errorf("%w: unrecognized map tag %d", ErrCorrupt, tag)
	}
}

// mapWalk visits every live (key, value) pair reachable from offset,
// in hash order within each leaf, resolving diff overlays against
// their base and skipping removed entries. Used where the full key
// set is needed (child-name enumeration, compaction) rather than a
// single-key lookup.
func mapWalk(sr *segmentReader, selfID SegmentId, offset uint32, resolve resolver, visit func(key, value RecordId) error) error {
	return mapWalkAt(sr, selfID, offset, nil, resolve, visit)
}

func mapWalkAt(sr *segmentReader, selfID SegmentId, offset uint32, overlay []diffEntry, resolve resolver, visit func(key, value RecordId) error) error {
	tag, err := sr.ReadByte(offset)
	if err != nil {
		return err
	}

	switch tag {
	case mapTagLeaf:
		entries, err := readLeafEntries(sr, selfID, offset)
		if err != nil {
			return err
		}
		for _, e := range entries {
			val := e.Value
			skip := false
			for _, ov := range overlay {
				if ov.Hash != e.Hash {
					continue
				}
				match, err := recordKeysEqual(sr, selfID, e.Key, ov.Key, resolve)
				if err != nil {
					return err
				}
				if !match {
					continue
				}
				if ov.Op == diffOpRemove {
					skip = true
				} else {
					val = ov.Value
				}
				break
			}
			if skip {
				continue
			}
			if err := visit(e.Key, val); err != nil {
				return err
			}
		}
		return nil

	case mapTagBranch:
		_, children, err := readBranch(sr, selfID, offset)
		if err != nil {
			return err
		}
		for _, c := range children {
			childSR, err := sameOrResolve(sr, selfID, c, resolve)
			if err != nil {
				return err
			}
			if err := mapWalkAt(childSR, c.Segment, c.Offset, overlay, resolve, visit); err != nil {
				return err
			}
		}
		return nil

	case mapTagDiff:
		base, diffOverlay, err := readDiff(sr, selfID, offset)
		if err != nil {
			return err
		}
		merged := append(append([]diffEntry{}, overlay...), diffOverlay...)
		baseSR, err := sameOrResolve(sr, selfID, base, resolve)
		if err != nil {
			return err
		}

		seen := make(map[string]bool)
		err = mapWalkAt(baseSR, base.Segment, base.Offset, merged, resolve, func(k, v RecordId) error {
			ks, err := decodeKeyString(sr, selfID, k, resolve)
			if err != nil {
				return err
			}
			seen[ks] = true
			return visit(k, v)
		})
		if err != nil {
			return err
		}

		for _, ov := range diffOverlay {
			if ov.Op != diffOpSet {
				continue
			}
			ks, err := decodeKeyString(sr, selfID, ov.Key, resolve)
			if err != nil {
				return err
			}
			if seen[ks] {
				continue
			}
			// An enclosing (newer) Diff's overlay overrides this one.
			val, skip := ov.Value, false
			for _, outer := range overlay {
				if outer.Hash != ov.Hash {
					continue
				}
				if match, err := recordKeysEqual(sr, selfID, ov.Key, outer.Key, resolve); err != nil {
					return err
				} else if match {
					val, skip = outer.Value, outer.Op == diffOpRemove
					break
				}
			}
			if skip {
				continue
			}
			if err := visit(ov.Key, val); err != nil {
				return err
			}
		}
		return nil

	default:
		return fmt.Errorf("%w: unrecognized map tag %d", ErrCorrupt, tag)
	}
}

func decodeKeyString(sr *segmentReader, selfID SegmentId, id RecordId, resolve resolver) (string, error) {
	keySR, err := sameOrResolve(sr, selfID, id, resolve)
	if err != nil {
		return "", err
	}
	return readString(keySR, id.Segment, id.Offset, resolve)
}

func recordKeysEqual(sr *segmentReader, selfID SegmentId, a, b RecordId, resolve resolver) (bool, error) {
	as, err := decodeKeyString(sr, selfID, a, resolve)
	if err != nil {
		return false, err
	}
	bs, err := decodeKeyString(sr, selfID, b, resolve)
	if err != nil {
		return false, err
	}
	return as == bs, nil
}

// writeEmptyMap returns an empty leaf, the starting point for a new map.
func writeEmptyMap(b *segmentBuilder) (uint32, error) {
	return writeLeaf(b, SegmentId{}, nil)
}

// writeMapDiff wraps base in an empty Diff node, the "base + overlay"
// structural-sharing form spec.md §9 describes.
func writeMapDiff(b *segmentBuilder, selfID SegmentId, base RecordId) (uint32, error) {
	return writeDiff(b, selfID, base, nil)
}

func insertSortedByHash(entries []mapEntry, e mapEntry) []mapEntry {
	i := 0
	for i < len(entries) && entries[i].Hash < e.Hash {
		i++
	}
	entries = append(entries, mapEntry{})
	copy(entries[i+1:], entries[i:])
	entries[i] = e
	return entries
}

func insertAt(ids []RecordId, idx int, v RecordId) []RecordId {
	ids = append(ids, RecordId{})
	copy(ids[idx+1:], ids[idx:])
	ids[idx] = v
	return ids
}

// upsertOverlay inserts e into overlay, replacing any existing entry
// for the same key. Matching on Hash alone would silently coalesce two
// distinct keys that happen to collide under the 32-bit FNV1a hash, so
// a hash match is only a candidate until key confirms it.
func upsertOverlay(sr *segmentReader, selfID SegmentId, resolve resolver, overlay []diffEntry, e diffEntry, key string) ([]diffEntry, error) {
	for i, ex := range overlay {
		if ex.Hash != e.Hash {
			continue
		}
		match, err := keyEquals(sr, selfID, ex.Key, key, resolve)
		if err != nil {
			return nil, err
		}
		if match {
			overlay[i] = e
			return overlay, nil
		}
	}
	return append(overlay, e), nil
}

// splitLeafToBranch converts an over-full leaf into a branch, bucketing
// entries by their hash slice at level.
func splitLeafToBranch(b *segmentBuilder, selfID SegmentId, entries []mapEntry, level int) (uint32, error) {
	buckets := make(map[int][]mapEntry)
	for _, e := range entries {
		s := mapSlice(e.Hash, level)
		buckets[s] = append(buckets[s], e)
	}

	var bitmap uint32
	for s := range buckets {
		bitmap |= uint32(1) << uint(s)
	}

	var children []RecordId
	for s := 0; s < BucketsPerLevel; s++ {
		bucket, ok := buckets[s]
		if !ok {
			continue
		}
		off, err := writeLeaf(b, selfID, bucket)
		if err != nil {
			return 0, err
		}
		children = append(children, RecordId{Segment: selfID, Offset: off})
	}

	return writeBranch(b, selfID, bitmap, children)
}
