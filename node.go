// Node-level API over the record codec (spec.md §4.6/§6's NodeStore
// contract): read-only node views, a mutation builder, and the blob
// stream helpers createBlob/readBlob. Everything here is built on top
// of the segment/record codecs in record.go, record_list.go and
// record_map.go — this file never touches archive bytes directly.
package silo

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"strings"
)

// PropertyState is a decoded view of one property: its name, declared
// type, and the record ids of its values (one id unless Multi).
type PropertyState struct {
	Name   string
	Type   PropertyType
	Values []RecordId
}

// NodeState is a read-only view over a node rooted at id. Every
// accessor resolves lazily through the owning store's readSegment, so
// holding a NodeState retains no segment bytes of its own.
type NodeState struct {
	store *Store
	id    RecordId
}

// RecordId returns the id this view is rooted at.
func (n NodeState) RecordId() RecordId { return n.id }

func (n NodeState) resolver() resolver {
	return func(id RecordId) (*segmentReader, error) { return n.store.readSegment(id.Segment) }
}

func (n NodeState) node() (*nodeRecord, *segmentReader, error) {
	sr, err := n.store.readSegment(n.id.Segment)
	if err != nil {
		return nil, nil, err
	}
	nr, err := readNode(sr, n.id.Segment, n.id.Offset)
	if err != nil {
		return nil, nil, err
	}
	return nr, sr, nil
}

func (n NodeState) template() (*nodeTemplate, error) {
	nr, _, err := n.node()
	if err != nil {
		return nil, err
	}
	if t, ok := n.store.tmplCache.Get(nr.Template); ok {
		return t, nil
	}
	tsr, err := n.store.readSegment(nr.Template.Segment)
	if err != nil {
		return nil, err
	}
	t, err := readTemplate(tsr, nr.Template.Segment, nr.Template.Offset)
	if err != nil {
		return nil, err
	}
	n.store.tmplCache.Add(nr.Template, t)
	return t, nil
}

func (n NodeState) readStringAt(id RecordId) (string, error) {
	if s, ok := n.store.strCache.Get(id); ok {
		return s, nil
	}
	sr, err := n.store.readSegment(id.Segment)
	if err != nil {
		return "", err
	}
	s, err := readString(sr, id.Segment, id.Offset, n.resolver())
	if err != nil {
		return "", err
	}
	n.store.strCache.Add(id, s)
	return s, nil
}

// Properties decodes every property on this node, in template order.
func (n NodeState) Properties() ([]PropertyState, error) {
	nr, _, err := n.node()
	if err != nil {
		return nil, err
	}
	t, err := n.template()
	if err != nil {
		return nil, err
	}
	out := make([]PropertyState, 0, len(t.Properties))
	for i, p := range t.Properties {
		if i >= len(nr.PropValues) {
			break
		}
		name, err := n.readStringAt(p.Name)
		if err != nil {
			return nil, err
		}
		propID := nr.PropValues[i]
		psr, err := n.store.readSegment(propID.Segment)
		if err != nil {
			return nil, err
		}
		pr, err := readProperty(psr, propID.Segment, propID.Offset)
		if err != nil {
			return nil, err
		}
		out = append(out, PropertyState{Name: name, Type: pr.Type, Values: pr.Values})
	}
	return out, nil
}

// Property looks up a single property by name.
func (n NodeState) Property(name string) (PropertyState, bool, error) {
	props, err := n.Properties()
	if err != nil {
		return PropertyState{}, false, err
	}
	for _, p := range props {
		if p.Name == name {
			return p, true, nil
		}
	}
	return PropertyState{}, false, nil
}

// StringValue decodes a STRING-record property value.
func (n NodeState) StringValue(id RecordId) (string, error) { return n.readStringAt(id) }

// LongValue decodes an 8-byte big-endian BLOCK property value.
func (n NodeState) LongValue(id RecordId) (int64, error) {
	sr, err := n.store.readSegment(id.Segment)
	if err != nil {
		return 0, err
	}
	b, err := sr.ReadBytes(id.Offset, 8)
	if err != nil {
		return 0, err
	}
	return int64(binary.BigEndian.Uint64(b)), nil
}

// DoubleValue decodes an 8-byte bit-exact BLOCK property value.
func (n NodeState) DoubleValue(id RecordId) (float64, error) {
	sr, err := n.store.readSegment(id.Segment)
	if err != nil {
		return 0, err
	}
	b, err := sr.ReadBytes(id.Offset, 8)
	if err != nil {
		return 0, err
	}
	return decodeFloat64(b), nil
}

// BoolValue decodes a 1-byte BLOCK property value.
func (n NodeState) BoolValue(id RecordId) (bool, error) {
	sr, err := n.store.readSegment(id.Segment)
	if err != nil {
		return false, err
	}
	b, err := sr.ReadByte(id.Offset)
	if err != nil {
		return false, err
	}
	return b != 0, nil
}

// BinaryValue resolves a PropBinary value (an external reference to a
// blob written through createBlob) and returns its decompressed bytes.
func (n NodeState) BinaryValue(id RecordId) ([]byte, error) {
	sr, err := n.store.readSegment(id.Segment)
	if err != nil {
		return nil, err
	}
	blobID, err := readExternalValue(sr, id.Segment, id.Offset, n.resolver())
	if err != nil {
		return nil, err
	}
	return n.store.ReadBlob(blobID)
}

// ChildNames enumerates this node's children.
func (n NodeState) ChildNames() ([]string, error) {
	nr, _, err := n.node()
	if err != nil {
		return nil, err
	}
	if nr.ChildMap == nil {
		return nil, nil
	}
	mapSR, err := n.store.readSegment(nr.ChildMap.Segment)
	if err != nil {
		return nil, err
	}
	var names []string
	err = mapWalk(mapSR, nr.ChildMap.Segment, nr.ChildMap.Offset, n.resolver(), func(k, v RecordId) error {
		name, err := n.readStringAt(k)
		if err != nil {
			return err
		}
		names = append(names, name)
		return nil
	})
	return names, err
}

// Child resolves a single named child.
func (n NodeState) Child(name string) (NodeState, bool, error) {
	nr, _, err := n.node()
	if err != nil {
		return NodeState{}, false, err
	}
	if nr.ChildMap == nil {
		return NodeState{}, false, nil
	}
	mapSR, err := n.store.readSegment(nr.ChildMap.Segment)
	if err != nil {
		return NodeState{}, false, err
	}
	val, ok, err := mapGet(mapSR, nr.ChildMap.Segment, nr.ChildMap.Offset, name, n.resolver())
	if err != nil || !ok {
		return NodeState{}, false, err
	}
	return NodeState{store: n.store, id: val}, true, nil
}

// GetRoot returns a view rooted at the store's current head.
func (s *Store) GetRoot() NodeState {
	return NodeState{store: s, id: s.GetHead()}
}

// --- mutation builder ------------------------------------------------------

type builderProperty struct {
	Type   PropertyType
	Values []any
}

// NodeBuilder accumulates property and child-node edits against a base
// NodeState (or a brand new, empty node) and emits a new immutable tree
// of records on Merge. All builders participating in one Merge
// call share a single segmentWriter, the same "one buffered writer per
// logical transaction" shape writer.go's pool hands out per caller.
type NodeBuilder struct {
	store *Store
	base  *NodeState
	w     *segmentWriter

	setProps        map[string]builderProperty
	removedProps    map[string]bool
	children        map[string]*NodeBuilder
	removedChildren map[string]bool
}

func newNodeBuilder(store *Store, base *NodeState, w *segmentWriter) *NodeBuilder {
	return &NodeBuilder{
		store:           store,
		base:            base,
		w:               w,
		setProps:        make(map[string]builderProperty),
		removedProps:    make(map[string]bool),
		children:        make(map[string]*NodeBuilder),
		removedChildren: make(map[string]bool),
	}
}

// NewBuilder returns a builder rooted at the store's current head,
// ready for SetProperty/SetChildNode edits and a subsequent Merge.
func (s *Store) NewBuilder() *NodeBuilder {
	root := s.GetRoot()
	w := s.pool.Writer("sys", s.generation.Load(), "builder", KindData)
	return newNodeBuilder(s, &root, w)
}

// SetProperty stages a single- or multi-valued property write. values'
// Go types must match typ: string for PropString, int64 for PropLong,
// float64 for PropDouble, bool for PropBoolean, []byte for PropBinary.
func (b *NodeBuilder) SetProperty(name string, typ PropertyType, values ...any) *NodeBuilder {
	delete(b.removedProps, name)
	b.setProps[name] = builderProperty{Type: typ, Values: values}
	return b
}

// RemoveProperty stages removal of a property, base or previously set.
func (b *NodeBuilder) RemoveProperty(name string) *NodeBuilder {
	delete(b.setProps, name)
	b.removedProps[name] = true
	return b
}

// SetChildNode returns a builder for the named child, rooted at the
// base's existing child of that name if one exists, creating an empty
// one otherwise. Repeated calls for the same name return the same
// nested builder.
func (b *NodeBuilder) SetChildNode(name string) *NodeBuilder {
	delete(b.removedChildren, name)
	if existing, ok := b.children[name]; ok {
		return existing
	}
	var base *NodeState
	if b.base != nil {
		if child, ok, err := b.base.Child(name); err == nil && ok {
			base = &child
		}
	}
	child := newNodeBuilder(b.store, base, b.w)
	b.children[name] = child
	return child
}

// RemoveChildNode stages removal of a named child.
func (b *NodeBuilder) RemoveChildNode(name string) *NodeBuilder {
	delete(b.children, name)
	b.removedChildren[name] = true
	return b
}

// readerForSegment returns a reader over seg, whether seg is already
// durable (via the store) or is this builder's own still-accumulating
// segment.
func (b *NodeBuilder) readerForSegment(seg SegmentId) (*segmentReader, error) {
	return readerForWriterSegment(b.store, b.w, seg)
}

// readerForWriterSegment returns a reader over seg, consulting w's own
// still-accumulating segment via a non-destructive Finalize snapshot
// if seg is the segment w is currently writing into, or the store
// otherwise. segmentBuilder.Finalize never touches an offset a prior
// snapshot already covered — WriteRecord only ever hands out strictly
// lower offsets — so re-finalizing mid-construction is a safe way for
// a writer to read back a record it just wrote into its own unsealed
// segment. Shared by NodeBuilder and the compactor (gc_compact.go).
func readerForWriterSegment(s *Store, w *segmentWriter, seg SegmentId) (*segmentReader, error) {
	if seg == w.CurrentID() {
		w.mu.Lock()
		raw := w.builder.Finalize()
		w.mu.Unlock()
		return decodeSegment(raw)
	}
	return s.readSegment(seg)
}

func (b *NodeBuilder) resolveFn() resolver {
	return func(id RecordId) (*segmentReader, error) { return b.readerForSegment(id.Segment) }
}

type finalProperty struct {
	Name   string
	Type   PropertyType
	Values []RecordId
}

// build writes this node (and, recursively, its edited children) into
// b.w and returns the new node's record id.
func (b *NodeBuilder) build() (RecordId, error) {
	var finals []finalProperty
	seen := make(map[string]bool)

	if b.base != nil {
		baseProps, err := b.base.Properties()
		if err != nil {
			return RecordId{}, err
		}
		for _, p := range baseProps {
			if b.removedProps[p.Name] {
				continue
			}
			if np, ok := b.setProps[p.Name]; ok {
				ids, err := b.writePropertyValues(np)
				if err != nil {
					return RecordId{}, err
				}
				finals = append(finals, finalProperty{Name: p.Name, Type: np.Type, Values: ids})
				seen[p.Name] = true
				continue
			}
			finals = append(finals, finalProperty{Name: p.Name, Type: p.Type, Values: p.Values})
			seen[p.Name] = true
		}
	}
	for name, np := range b.setProps {
		if seen[name] {
			continue
		}
		ids, err := b.writePropertyValues(np)
		if err != nil {
			return RecordId{}, err
		}
		finals = append(finals, finalProperty{Name: name, Type: np.Type, Values: ids})
	}

	var baseTemplate *nodeTemplate
	if b.base != nil {
		bt, err := b.base.template()
		if err != nil {
			return RecordId{}, err
		}
		baseTemplate = bt
	}
	tmplID, err := b.store.internTemplate(b.w, baseTemplate, finals)
	if err != nil {
		return RecordId{}, err
	}

	childMapID, err := b.buildChildMap()
	if err != nil {
		return RecordId{}, err
	}

	propValueIDs := make([]RecordId, len(finals))
	for i, f := range finals {
		f := f
		id, err := b.w.WriteRecord(6+4+len(f.Values)*6, func(segID SegmentId, bld *segmentBuilder) (uint32, error) {
			return writeProperty(bld, segID, f.Type, f.Values)
		})
		if err != nil {
			return RecordId{}, err
		}
		propValueIDs[i] = id
	}

	nodeID, err := b.w.WriteRecord(6+4+len(propValueIDs)*6+1+6, func(segID SegmentId, bld *segmentBuilder) (uint32, error) {
		return writeNode(bld, segID, &nodeRecord{Template: tmplID, PropValues: propValueIDs, ChildMap: &childMapID})
	})
	if err != nil {
		return RecordId{}, err
	}
	b.w.AddRoot(TypeNode, nodeID)
	return nodeID, nil
}

func (b *NodeBuilder) buildChildMap() (RecordId, error) {
	resolve := b.resolveFn()

	var mapID RecordId
	haveBase := false
	if b.base != nil {
		nr, _, err := b.base.node()
		if err != nil {
			return RecordId{}, err
		}
		if nr.ChildMap != nil {
			mapID = *nr.ChildMap
			haveBase = true
		}
	}
	if haveBase && (len(b.removedChildren) > 0 || len(b.children) > 0) {
		// An empty base map has nothing to share: edits start a fresh Leaf.
		msr, err := b.readerForSegment(mapID.Segment)
		if err != nil {
			return RecordId{}, err
		}
		if head, err := msr.ReadBytes(mapID.Offset, 5); err != nil {
			return RecordId{}, err
		} else if head[0] == mapTagLeaf && binary.BigEndian.Uint32(head[1:5]) == 0 {
			haveBase = false
		}
	}
	if !haveBase {
		off, err := b.w.WriteRecord(5, func(_ SegmentId, bld *segmentBuilder) (uint32, error) {
			return writeEmptyMap(bld)
		})
		if err != nil {
			return RecordId{}, err
		}
		mapID = off
	} else if len(b.removedChildren) > 0 || len(b.children) > 0 {
		// Wrap the existing map in a Diff rather than walking and
		// rewriting its Leaf/Branch path for every edit below: each
		// Put/Remove against a Diff only touches its overlay
		// (mapPutAt/mapRemoveAt's mapTagDiff case), leaving base
		// untouched and shared with whatever else still points at it.
		// The chain of diffs this accumulates across merges is
		// flattened back into plain Leaf/Branch nodes the next time
		// gc_compact.go's copyChildMap rebuilds the map from scratch.
		base := mapID
		off, err := b.w.WriteRecord(11, func(destID SegmentId, bld *segmentBuilder) (uint32, error) {
			return writeMapDiff(bld, destID, base)
		})
		if err != nil {
			return RecordId{}, err
		}
		mapID = off
	}

	for name := range b.removedChildren {
		sr, err := b.readerForSegment(mapID.Segment)
		if err != nil {
			return RecordId{}, err
		}
		srcSegment, curOffset := mapID.Segment, mapID.Offset
		newID, err := b.w.WriteRecord(512, func(destID SegmentId, bld *segmentBuilder) (uint32, error) {
			return mapRemove(bld, destID, sr, srcSegment, curOffset, name, resolve)
		})
		if err != nil {
			return RecordId{}, err
		}
		mapID = newID
	}

	for name, child := range b.children {
		childID, err := child.build()
		if err != nil {
			return RecordId{}, err
		}

		name := name
		keyID, err := b.w.WriteRecord(len(name)+2, func(segID SegmentId, bld *segmentBuilder) (uint32, error) {
			return writeString(bld, segID, name)
		})
		if err != nil {
			return RecordId{}, err
		}

		sr, err := b.readerForSegment(mapID.Segment)
		if err != nil {
			return RecordId{}, err
		}
		srcSegment, curOffset := mapID.Segment, mapID.Offset
		newID, err := b.w.WriteRecord(512, func(destID SegmentId, bld *segmentBuilder) (uint32, error) {
			return mapPut(bld, destID, sr, srcSegment, curOffset, name, keyID, childID, resolve)
		})
		if err != nil {
			return RecordId{}, err
		}
		mapID = newID
	}

	return mapID, nil
}

func (b *NodeBuilder) writePropertyValues(p builderProperty) ([]RecordId, error) {
	ids := make([]RecordId, len(p.Values))
	for i, v := range p.Values {
		id, err := b.store.writeScalarValue(b.w, p.Type, v)
		if err != nil {
			return nil, err
		}
		ids[i] = id
	}
	return ids, nil
}

func (s *Store) writeScalarValue(w *segmentWriter, typ PropertyType, v any) (RecordId, error) {
	switch typ {
	case PropString:
		str, ok := v.(string)
		if !ok {
			return RecordId{}, fmt.Errorf("%w: PropString value must be a string, got %T", ErrCorrupt, v)
		}
		return w.WriteRecord(len(str)+9, func(segID SegmentId, bld *segmentBuilder) (uint32, error) {
			return writeString(bld, segID, str)
		})

	case PropLong:
		n, ok := v.(int64)
		if !ok {
			return RecordId{}, fmt.Errorf("%w: PropLong value must be an int64, got %T", ErrCorrupt, v)
		}
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, uint64(n))
		return w.WriteRecord(8, func(_ SegmentId, bld *segmentBuilder) (uint32, error) {
			return writeBlock(bld, buf)
		})

	case PropDouble:
		f, ok := v.(float64)
		if !ok {
			return RecordId{}, fmt.Errorf("%w: PropDouble value must be a float64, got %T", ErrCorrupt, v)
		}
		buf := encodeFloat64(f)
		return w.WriteRecord(8, func(_ SegmentId, bld *segmentBuilder) (uint32, error) {
			return writeBlock(bld, buf)
		})

	case PropBoolean:
		bv, ok := v.(bool)
		if !ok {
			return RecordId{}, fmt.Errorf("%w: PropBoolean value must be a bool, got %T", ErrCorrupt, v)
		}
		buf := []byte{0}
		if bv {
			buf[0] = 1
		}
		return w.WriteRecord(1, func(_ SegmentId, bld *segmentBuilder) (uint32, error) {
			return writeBlock(bld, buf)
		})

	case PropBinary:
		data, ok := v.([]byte)
		if !ok {
			return RecordId{}, fmt.Errorf("%w: PropBinary value must be []byte, got %T", ErrCorrupt, v)
		}
		blobID, err := s.CreateBlob(bytes.NewReader(data))
		if err != nil {
			return RecordId{}, err
		}
		return w.WriteRecord(len(blobID)+32, func(segID SegmentId, bld *segmentBuilder) (uint32, error) {
			strOff, err := writeString(bld, segID, blobID)
			if err != nil {
				return 0, err
			}
			return writeExternalValueLong(bld, segID, strOff)
		})

	default:
		return RecordId{}, fmt.Errorf("%w: unknown property type %d", ErrCorrupt, typ)
	}
}

// --- template interning ------------------------------------------------

// internTemplate returns the record id of the TEMPLATE record matching
// (base's primaryType/mixinTypes/childName hints, finals' name/type
// shape), writing one only the first time a given shape is seen this
// store's lifetime (spec.md §4.3: "nodes with identical shape share a
// template record").
func (s *Store) internTemplate(w *segmentWriter, base *nodeTemplate, finals []finalProperty) (RecordId, error) {
	key := templateShapeKey(base, finals)

	s.tmplMu.Lock()
	if id, ok := s.tmplDedup[key]; ok {
		s.tmplMu.Unlock()
		return id, nil
	}
	s.tmplMu.Unlock()

	props := make([]templateProperty, len(finals))
	for i, f := range finals {
		f := f
		nameID, err := w.WriteRecord(len(f.Name)+2, func(segID SegmentId, bld *segmentBuilder) (uint32, error) {
			return writeString(bld, segID, f.Name)
		})
		if err != nil {
			return RecordId{}, err
		}
		props[i] = templateProperty{Name: nameID, Type: f.Type}
	}

	nt := &nodeTemplate{Properties: props}
	if base != nil {
		nt.PrimaryType = base.PrimaryType
		nt.MixinTypes = base.MixinTypes
		nt.ChildName = base.ChildName
	}

	id, err := w.WriteRecord(3+4+len(props)*7+18, func(segID SegmentId, bld *segmentBuilder) (uint32, error) {
		return writeTemplate(bld, segID, nt)
	})
	if err != nil {
		return RecordId{}, err
	}

	s.tmplMu.Lock()
	s.tmplDedup[key] = id
	s.tmplMu.Unlock()
	return id, nil
}

func templateShapeKey(base *nodeTemplate, finals []finalProperty) string {
	var sb strings.Builder
	if base != nil {
		if base.PrimaryType != nil {
			sb.WriteString("P")
			sb.WriteString(base.PrimaryType.String())
		}
		if base.MixinTypes != nil {
			sb.WriteString("M")
			sb.WriteString(base.MixinTypes.String())
		}
		if base.ChildName != nil {
			sb.WriteString("C")
			sb.WriteString(base.ChildName.String())
		}
	}
	for _, f := range finals {
		sb.WriteByte('|')
		sb.WriteString(f.Name)
		sb.WriteByte(':')
		sb.WriteByte(byte(f.Type))
	}
	return sb.String()
}

// --- merge / commit ------------------------------------------------------

// MergeInfo carries caller-supplied commit metadata (e.g. actor,
// message) into the store logger's "merge committed" line; it has no
// on-disk representation of its own.
type MergeInfo map[string]string

// CommitHook is invoked when Merge's compare-and-set on the head loses
// a race. It receives the store's current root and returns a rebased
// builder to retry with, or an error to abort the merge.
type CommitHook func(current NodeState) (*NodeBuilder, error)

// maxMergeAttempts bounds the rebase-and-retry loop Merge runs when a
// CommitHook keeps losing the race; a store under that much sustained
// contention should surface ErrCommitConflict rather than spin forever.
const maxMergeAttempts = 64

// Merge builds b's staged edits into a new node tree and attempts to
// advance the store's head to it via compare-and-set. On a lost race,
// hook is consulted to rebase onto the new current root and retry.
// A nil hook makes any lost race fatal (ErrCommitConflict).
func (s *Store) Merge(b *NodeBuilder, hook CommitHook, info MergeInfo) (RecordId, error) {
	for attempt := 0; attempt < maxMergeAttempts; attempt++ {
		var expected RecordId
		if b.base != nil {
			expected = b.base.id
		}

		newRoot, err := b.build()
		if err != nil {
			return RecordId{}, err
		}
		if err := b.w.Flush(); err != nil {
			return RecordId{}, err
		}

		if s.SetHead(expected, newRoot) {
			s.log.Infow("merge committed", "root", newRoot.String(), "attempt", attempt, "info", info)
			return newRoot, nil
		}

		s.log.Debugw("merge lost commit race, rebasing", "attempted", newRoot.String(), "attempt", attempt)
		if hook == nil {
			return RecordId{}, ErrCommitConflict
		}
		current := s.GetRoot()
		next, err := hook(current)
		if err != nil {
			return RecordId{}, err
		}
		if next == nil {
			return RecordId{}, ErrCommitConflict
		}
		b = next
	}
	return RecordId{}, fmt.Errorf("%w: exceeded %d rebase attempts", ErrCommitConflict, maxMergeAttempts)
}

// --- blob streams ----------------------------------------------------------

// CreateBlob compresses and stores stream as one BULK-kind segment,
// returning an opaque id readable back via ReadBlob. BULK segments
// hold nothing but the compressed payload (spec.md §3: "no
// references"), so this bypasses the DATA-segment record codec
// entirely and writes straight through the writer pool.
func (s *Store) CreateBlob(stream io.Reader) (string, error) {
	data, err := io.ReadAll(stream)
	if err != nil {
		return "", fmt.Errorf("%w: read blob stream: %v", ErrIOFailure, err)
	}
	compressed := compressBulk(data)

	w := s.pool.Writer("blob", s.generation.Load(), "blob", KindBulk)
	id, err := w.WriteRecord(16+len(compressed), func(_ SegmentId, bld *segmentBuilder) (uint32, error) {
		buf := make([]byte, 8+len(compressed))
		binary.BigEndian.PutUint64(buf[:8], uint64(len(compressed)))
		copy(buf[8:], compressed)
		return writeBlock(bld, buf)
	})
	if err != nil {
		return "", err
	}
	w.AddRoot(TypeValue, id)
	if err := w.Flush(); err != nil {
		return "", err
	}

	blobID := id.Segment.String()
	s.fileMu.Lock()
	if s.current != nil {
		s.current.RecordBlobRef(blobID)
	}
	s.fileMu.Unlock()
	return blobID, nil
}

// ReadBlob decompresses and returns the bytes stored under blobID.
func (s *Store) ReadBlob(blobID string) ([]byte, error) {
	segID, err := ParseSegmentId(blobID)
	if err != nil {
		return nil, err
	}
	sr, err := s.readSegment(segID)
	if err != nil {
		return nil, err
	}
	roots := sr.Roots()
	if len(roots) == 0 {
		return nil, fmt.Errorf("%w: blob %s has no root entry", ErrCorrupt, blobID)
	}
	off := roots[0].Offset
	lenBytes, err := sr.ReadBytes(off, 8)
	if err != nil {
		return nil, err
	}
	compLen := binary.BigEndian.Uint64(lenBytes)
	compressed, err := sr.ReadBytes(off+8, int(compLen))
	if err != nil {
		return nil, err
	}
	return decompressBulk(compressed)
}
