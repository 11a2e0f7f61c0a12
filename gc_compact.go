// Compaction (spec.md §4.8/§6's "compact" phase): recursively copies
// every record reachable from the current head into the next
// generation, then attempts a compare-and-swap cutover of the head.
// Grounded on the teacher's repair.go (Repair's read-everything-still-
// live, write-into-a-fresh-file, atomic-rename shape) generalized from
// one flat file to this store's segment/record graph, plus node.go's
// Finalize-snapshot trick for reading back a record this same
// compaction cycle already copied into its own unsealed writer segment.
package silo

import (
	"errors"
	"fmt"
	"time"
)

// compactionMemo maps an old-generation record id to its newly-copied
// counterpart, shared across one compaction attempt so a subtree
// reachable from more than one place is only ever copied once —
// the same structural-sharing invariant the original tree has.
type compactionMemo map[RecordId]RecordId

// compactCopier recursively copies a node tree into a fresh generation.
type compactCopier struct {
	s         *Store
	w         *segmentWriter
	memo      compactionMemo
	liveBlobs map[SegmentId]struct{}
	cancel    func() bool
}

func (c *compactCopier) resolver() resolver {
	return func(id RecordId) (*segmentReader, error) { return c.s.readSegment(id.Segment) }
}

func (c *compactCopier) copyNode(id RecordId) (RecordId, error) {
	if c.cancel() {
		return RecordId{}, ErrCancelled
	}
	if dst, ok := c.memo[id]; ok {
		return dst, nil
	}

	sr, err := c.s.readSegment(id.Segment)
	if err != nil {
		return RecordId{}, err
	}
	nr, err := readNode(sr, id.Segment, id.Offset)
	if err != nil {
		return RecordId{}, err
	}

	tmplID, err := c.copyTemplate(nr.Template)
	if err != nil {
		return RecordId{}, err
	}

	propIDs := make([]RecordId, len(nr.PropValues))
	for i, p := range nr.PropValues {
		pid, err := c.copyPropertyValue(p)
		if err != nil {
			return RecordId{}, err
		}
		propIDs[i] = pid
	}

	var childMap *RecordId
	if nr.ChildMap != nil {
		cm, err := c.copyChildMap(*nr.ChildMap)
		if err != nil {
			return RecordId{}, err
		}
		childMap = &cm
	}

	dst, err := c.w.WriteRecord(6+4+len(propIDs)*6+1+6, func(segID SegmentId, b *segmentBuilder) (uint32, error) {
		return writeNode(b, segID, &nodeRecord{Template: tmplID, PropValues: propIDs, ChildMap: childMap})
	})
	if err != nil {
		return RecordId{}, err
	}

	c.memo[id] = dst
	return dst, nil
}

func (c *compactCopier) copyTemplate(id RecordId) (RecordId, error) {
	if dst, ok := c.memo[id]; ok {
		return dst, nil
	}

	sr, err := c.s.readSegment(id.Segment)
	if err != nil {
		return RecordId{}, err
	}
	t, err := readTemplate(sr, id.Segment, id.Offset)
	if err != nil {
		return RecordId{}, err
	}

	nt := &nodeTemplate{}
	if t.PrimaryType != nil {
		v, err := c.copyString(*t.PrimaryType)
		if err != nil {
			return RecordId{}, err
		}
		nt.PrimaryType = &v
	}
	if t.MixinTypes != nil {
		v, err := c.copyList(*t.MixinTypes)
		if err != nil {
			return RecordId{}, err
		}
		nt.MixinTypes = &v
	}
	if t.ChildName != nil {
		v, err := c.copyString(*t.ChildName)
		if err != nil {
			return RecordId{}, err
		}
		nt.ChildName = &v
	}

	nt.Properties = make([]templateProperty, len(t.Properties))
	for i, p := range t.Properties {
		nameID, err := c.copyString(p.Name)
		if err != nil {
			return RecordId{}, err
		}
		nt.Properties[i] = templateProperty{Name: nameID, Type: p.Type}
	}

	dst, err := c.w.WriteRecord(3+4+len(nt.Properties)*7+18, func(segID SegmentId, b *segmentBuilder) (uint32, error) {
		return writeTemplate(b, segID, nt)
	})
	if err != nil {
		return RecordId{}, err
	}
	c.memo[id] = dst
	return dst, nil
}

func (c *compactCopier) copyString(id RecordId) (RecordId, error) {
	if dst, ok := c.memo[id]; ok {
		return dst, nil
	}
	sr, err := c.s.readSegment(id.Segment)
	if err != nil {
		return RecordId{}, err
	}
	str, err := readString(sr, id.Segment, id.Offset, c.resolver())
	if err != nil {
		return RecordId{}, err
	}
	dst, err := c.w.WriteRecord(len(str)+9, func(segID SegmentId, b *segmentBuilder) (uint32, error) {
		return writeString(b, segID, str)
	})
	if err != nil {
		return RecordId{}, err
	}
	c.memo[id] = dst
	return dst, nil
}

// copyList re-materializes a LIST-of-strings record (nodeTemplate's
// MixinTypes) as a fresh list over freshly-copied string records.
func (c *compactCopier) copyList(id RecordId) (RecordId, error) {
	if dst, ok := c.memo[id]; ok {
		return dst, nil
	}
	sr, err := c.s.readSegment(id.Segment)
	if err != nil {
		return RecordId{}, err
	}
	ids, err := readList(sr, id.Segment, id.Offset)
	if err != nil {
		return RecordId{}, err
	}
	newIds := make([]RecordId, len(ids))
	for i, sid := range ids {
		nid, err := c.copyString(sid)
		if err != nil {
			return RecordId{}, err
		}
		newIds[i] = nid
	}
	dst, err := c.w.WriteRecord(9+len(newIds)*6, func(segID SegmentId, b *segmentBuilder) (uint32, error) {
		return writeList(b, segID, newIds)
	})
	if err != nil {
		return RecordId{}, err
	}
	c.memo[id] = dst
	return dst, nil
}

func (c *compactCopier) copyPropertyValue(id RecordId) (RecordId, error) {
	if dst, ok := c.memo[id]; ok {
		return dst, nil
	}

	sr, err := c.s.readSegment(id.Segment)
	if err != nil {
		return RecordId{}, err
	}
	pr, err := readProperty(sr, id.Segment, id.Offset)
	if err != nil {
		return RecordId{}, err
	}

	values := make([]RecordId, len(pr.Values))
	for i, v := range pr.Values {
		nv, err := c.copyScalarValue(pr.Type, v)
		if err != nil {
			return RecordId{}, err
		}
		values[i] = nv
	}

	dst, err := c.w.WriteRecord(6+4+len(values)*6, func(segID SegmentId, b *segmentBuilder) (uint32, error) {
		return writeProperty(b, segID, pr.Type, values)
	})
	if err != nil {
		return RecordId{}, err
	}
	c.memo[id] = dst
	return dst, nil
}

func (c *compactCopier) copyScalarValue(typ PropertyType, id RecordId) (RecordId, error) {
	if dst, ok := c.memo[id]; ok {
		return dst, nil
	}

	var dst RecordId
	var err error
	switch typ {
	case PropString:
		dst, err = c.copyString(id)

	case PropLong, PropDouble:
		sr, rerr := c.s.readSegment(id.Segment)
		if rerr != nil {
			return RecordId{}, rerr
		}
		data, rerr := sr.ReadBytes(id.Offset, 8)
		if rerr != nil {
			return RecordId{}, rerr
		}
		dst, err = c.w.WriteRecord(8, func(_ SegmentId, b *segmentBuilder) (uint32, error) {
			return writeBlock(b, data)
		})

	case PropBoolean:
		sr, rerr := c.s.readSegment(id.Segment)
		if rerr != nil {
			return RecordId{}, rerr
		}
		data, rerr := sr.ReadBytes(id.Offset, 1)
		if rerr != nil {
			return RecordId{}, rerr
		}
		dst, err = c.w.WriteRecord(1, func(_ SegmentId, b *segmentBuilder) (uint32, error) {
			return writeBlock(b, data)
		})

	case PropBinary:
		sr, rerr := c.s.readSegment(id.Segment)
		if rerr != nil {
			return RecordId{}, rerr
		}
		blobID, rerr := readExternalValue(sr, id.Segment, id.Offset, c.resolver())
		if rerr != nil {
			return RecordId{}, rerr
		}
		if segID, perr := ParseSegmentId(blobID); perr == nil {
			c.liveBlobs[segID] = struct{}{}
		}
		dst, err = c.w.WriteRecord(len(blobID)+32, func(segID SegmentId, b *segmentBuilder) (uint32, error) {
			strOff, werr := writeString(b, segID, blobID)
			if werr != nil {
				return 0, werr
			}
			return writeExternalValueLong(b, segID, strOff)
		})

	default:
		return RecordId{}, fmt.Errorf("%w: unknown property type %d during compaction", ErrCorrupt, typ)
	}
	if err != nil {
		return RecordId{}, err
	}
	c.memo[id] = dst
	return dst, nil
}

// copyChildMap rebuilds a child map fresh in the new generation,
// walking every live (key, value) pair of the old map and re-inserting
// each into a brand new map via mapPut, rather than copying the old
// map's Leaf/Branch/Diff records verbatim — a compacted map should be
// a flat, rebalanced tree, not the diff-laden history of every edit
// that produced the old one.
func (c *compactCopier) copyChildMap(id RecordId) (RecordId, error) {
	if dst, ok := c.memo[id]; ok {
		return dst, nil
	}

	srcSR, err := c.s.readSegment(id.Segment)
	if err != nil {
		return RecordId{}, err
	}
	resolve := c.resolver()

	mapID, err := c.w.WriteRecord(5, func(_ SegmentId, b *segmentBuilder) (uint32, error) {
		return writeEmptyMap(b)
	})
	if err != nil {
		return RecordId{}, err
	}

	err = mapWalk(srcSR, id.Segment, id.Offset, resolve, func(k, v RecordId) error {
		if c.cancel() {
			return ErrCancelled
		}

		keySR, err := c.s.readSegment(k.Segment)
		if err != nil {
			return err
		}
		keyStr, err := readString(keySR, k.Segment, k.Offset, resolve)
		if err != nil {
			return err
		}

		newKeyID, err := c.w.WriteRecord(len(keyStr)+2, func(segID SegmentId, b *segmentBuilder) (uint32, error) {
			return writeString(b, segID, keyStr)
		})
		if err != nil {
			return err
		}

		newChildID, err := c.copyNode(v)
		if err != nil {
			return err
		}

		curSeg, curOff := mapID.Segment, mapID.Offset
		mapSR, err := readerForWriterSegment(c.s, c.w, curSeg)
		if err != nil {
			return err
		}
		mapID, err = c.w.WriteRecord(512, func(destID SegmentId, b *segmentBuilder) (uint32, error) {
			return mapPut(b, destID, mapSR, curSeg, curOff, keyStr, newKeyID, newChildID, resolve)
		})
		return err
	})
	if err != nil {
		return RecordId{}, err
	}

	c.memo[id] = mapID
	return mapID, nil
}

// --- controller-side orchestration ----------------------------------------

func (c *gcController) compact(manual bool) error {
	c.setPhase(GCEstimating)
	pct, err := c.s.estimateReclaimablePct()
	if err != nil {
		c.notifyError(err)
		c.setPhase(GCIdle)
		return err
	}
	c.notifyEstimate(pct)
	if !manual && pct < c.cfg.GainThreshold {
		c.setPhase(GCIdle)
		return nil
	}
	if c.cancelled() {
		c.setPhase(GCAborted)
		return ErrCancelled
	}

	fromGen := c.s.generation.Load()
	toGen := fromGen + 1

	var lastErr error
	for attempt := 0; attempt < c.cfg.RetryCount; attempt++ {
		c.setPhase(GCCompacting)
		head := c.s.GetHead()
		memo, liveBlobs, newRoot, segCount, err := c.runCopy(head, toGen)
		if err != nil {
			if errors.Is(err, ErrCancelled) {
				c.setPhase(GCAborted)
				return err
			}
			lastErr = err
			c.notifyError(err)
			continue
		}

		if c.s.SetHead(head, newRoot) {
			c.commitCompaction(toGen, memo)
			c.notifyCompactionComplete(fromGen, toGen, segCount)
			c.setPhase(GCCleaning)
			c.cleanup(toGen, liveBlobs)
			c.setPhase(GCIdle)
			return nil
		}

		lastErr = ErrCommitConflict
		c.setPhase(GCRetrying)
		c.log.Debugw("compaction lost commit race, retrying", "attempt", attempt)
	}

	if c.cfg.ForceAfterFail {
		return c.forceCompact(fromGen, toGen)
	}

	c.setPhase(GCAborted)
	c.notifyError(lastErr)
	return lastErr
}

// runCopy copies every record reachable from head into a fresh writer
// targeting toGen, returning the rewrite memo, the set of blob segment
// ids the copy observed as still live, the new root, and how many
// distinct records were copied.
func (c *gcController) runCopy(head RecordId, toGen uint32) (compactionMemo, map[SegmentId]struct{}, RecordId, int, error) {
	w := c.s.pool.Writer("sys", toGen, "gc", KindData)
	cp := &compactCopier{
		s:         c.s,
		w:         w,
		memo:      make(compactionMemo),
		liveBlobs: make(map[SegmentId]struct{}),
		cancel:    c.cancel.Load,
	}

	newRoot, err := cp.copyNode(head)
	if err != nil {
		return nil, nil, RecordId{}, 0, err
	}
	w.AddRoot(TypeNode, newRoot)
	if err := w.Flush(); err != nil {
		return nil, nil, RecordId{}, 0, err
	}
	return cp.memo, cp.liveBlobs, newRoot, len(cp.memo), nil
}

// commitCompaction bumps the store's generation and rewrites any
// checkpoint alias that pointed at a record the compaction just moved,
// the scenario where a named checkpoint must keep resolving across GC.
func (c *gcController) commitCompaction(toGen uint32, memo compactionMemo) {
	c.s.generation.Store(toGen)

	c.s.cpMu.Lock()
	for name, id := range c.s.checkpoints {
		if dst, ok := memo[id]; ok {
			c.s.checkpoints[name] = dst
		}
	}
	c.s.cpMu.Unlock()
}

// forceCompact takes the exclusive side of commitGate, blocking every
// concurrent SetHead, and redoes the copy once more against a now-
// guaranteed-stable head before committing directly (spec.md §4.8's
// "forced cutover" after RetryCount rebases keep losing the race).
// If the gate cannot be taken within LockWaitTime the cycle is
// abandoned with ErrCommitConflict.
func (c *gcController) forceCompact(fromGen, toGen uint32) error {
	c.setPhase(GCForcing)
	deadline := time.Now().Add(c.cfg.LockWaitTime)
	for !c.s.commitGate.TryLock() {
		if time.Now().After(deadline) {
			err := fmt.Errorf("%w: exclusive commit lock not acquired within %v", ErrCommitConflict, c.cfg.LockWaitTime)
			c.notifyError(err)
			c.setPhase(GCAborted)
			return err
		}
		time.Sleep(time.Millisecond)
	}
	defer c.s.commitGate.Unlock()

	head := c.s.GetHead()
	memo, liveBlobs, newRoot, segCount, err := c.runCopy(head, toGen)
	if err != nil {
		c.notifyError(err)
		c.setPhase(GCAborted)
		return err
	}

	c.s.headMu.Lock()
	if _, jerr := c.s.jrnl.Append(newRoot); jerr != nil {
		c.s.headMu.Unlock()
		c.notifyError(jerr)
		c.setPhase(GCAborted)
		return jerr
	}
	c.s.head = newRoot
	c.s.headMu.Unlock()

	c.commitCompaction(toGen, memo)
	c.notifyCompactionComplete(fromGen, toGen, segCount)
	c.setPhase(GCCleaning)
	c.cleanup(toGen, liveBlobs)
	c.setPhase(GCIdle)
	return nil
}
