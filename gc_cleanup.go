// Cleanup (spec.md §6's "cleanup" phase): reclaims archive files whose
// segments are entirely behind the retained-generation boundary,
// either deleting them outright or rewriting them down to the handful
// of pinned BULK (blob) segments they still hold. Grounded on the
// teacher's repair.go Repair/offsetWriter temp-file-then-rename shape,
// generalized from "rewrite the one data file" to "rewrite or drop
// each qualifying archive independently".
package silo

import (
	"os"
)

// cleanup reclaims generation currentGen-RetainedGenerations, keeping
// liveBlobs (the set of blob segment ids the compaction that produced
// currentGen observed still referenced) pinned in place.
func (c *gcController) cleanup(currentGen uint32, liveBlobs map[SegmentId]struct{}) {
	retained := uint32(c.cfg.RetainedGenerations)
	if currentGen <= retained {
		return
	}
	reclaimGen := currentGen - retained

	c.retryPendingDeletes()

	c.s.fileMu.Lock()
	var kept, toReclaim []*archiveReader
	for _, r := range c.s.readers {
		if r.Closed() || !c.archiveFullyBehind(r, reclaimGen) {
			kept = append(kept, r)
			continue
		}
		// spec.md §9(b): only pay for a rewrite once the dead share of
		// the file clears the configured threshold; a file just barely
		// behind reclaimGen is left alone and reconsidered next cycle.
		if c.reclaimedSharePct(r, liveBlobs) < c.cfg.RewriteThresholdPct {
			kept = append(kept, r)
			continue
		}
		toReclaim = append(toReclaim, r)
	}
	c.s.readers = kept
	c.s.fileMu.Unlock()

	touched := 0
	for _, r := range toReclaim {
		path := r.path
		if err := c.rewriteOrDelete(r, liveBlobs); err != nil {
			c.notifyError(err)
			// r may already be closed by a partially-completed attempt;
			// reopen its file fresh so its segments stay readable
			// rather than silently vanishing from the reader list.
			if fresh, rerr := openArchiveReader(path); rerr == nil {
				c.s.fileMu.Lock()
				c.s.readers = append(c.s.readers, fresh)
				c.s.fileMu.Unlock()
			} else {
				c.notifyError(rerr)
			}
			continue
		}
		touched++
	}

	c.s.pool.Drop(reclaimGen)
	c.notifyCleanupComplete(reclaimGen, touched)
}

// archiveFullyBehind reports whether every segment in r was written at
// a generation no newer than reclaimGen — only then is nothing inside
// it still directly reachable from the live head (a DATA segment from
// an earlier generation was, by construction, either copied forward by
// compaction already or was already dead).
func (c *gcController) archiveFullyBehind(r *archiveReader, reclaimGen uint32) bool {
	for _, id := range r.Ids() {
		if gen, ok := r.Generation(id); ok && uint32(gen) > reclaimGen {
			return false
		}
	}
	return true
}

// reclaimedSharePct is the percentage of r's bytes that would be freed
// by a rewrite — every entry except a pinned BULK segment, since an
// archive fully behind reclaimGen holds no DATA segment compaction
// didn't already copy forward.
func (c *gcController) reclaimedSharePct(r *archiveReader, liveBlobs map[SegmentId]struct{}) int {
	var total, dead int64
	for _, id := range r.Ids() {
		sz := r.index[id].Length
		total += sz
		if id.Kind() == KindBulk {
			if _, ok := liveBlobs[id]; ok {
				continue
			}
		}
		dead += sz
	}
	if total == 0 {
		return 0
	}
	return int(dead * 100 / total)
}

// rewriteOrDelete drops r's dead segments. If nothing survives, the
// whole file is removed; otherwise the pinned BULK segments are copied
// into a fresh archive file and r's file is removed.
func (c *gcController) rewriteOrDelete(r *archiveReader, liveBlobs map[SegmentId]struct{}) error {
	var keep []SegmentId
	for _, id := range r.Ids() {
		if id.Kind() == KindBulk {
			if _, ok := liveBlobs[id]; ok {
				keep = append(keep, id)
			}
		}
	}

	raws := make(map[SegmentId][]byte, len(keep))
	gens := make(map[SegmentId]int, len(keep))
	for _, id := range keep {
		raw, err := r.Read(id)
		if err != nil {
			return err
		}
		raws[id] = raw
		gen, _ := r.Generation(id)
		gens[id] = gen
	}

	path := r.path
	if err := r.Close(); err != nil {
		return err
	}

	if len(keep) == 0 {
		if err := os.Remove(path); err != nil {
			c.deferDelete(path)
			return nil
		}
		return nil
	}

	c.s.fileMu.Lock()
	newPath := archiveFileNamePath(c.s.dir, c.s.nextIndex, c.s.generation.Load())
	c.s.nextIndex++
	c.s.fileMu.Unlock()

	nw, err := createArchiveWriter(newPath, c.s.cfg.MaxArchiveSize)
	if err != nil {
		return err
	}
	for _, id := range keep {
		if err := nw.WriteSegment(id, gens[id], raws[id], nil); err != nil {
			return err
		}
	}
	if err := nw.Seal(); err != nil {
		return err
	}

	nr, err := openArchiveReader(newPath)
	if err != nil {
		return err
	}
	c.s.fileMu.Lock()
	c.s.readers = append(c.s.readers, nr)
	c.s.fileMu.Unlock()

	if err := os.Remove(path); err != nil {
		c.deferDelete(path)
	}
	return nil
}

func (c *gcController) deferDelete(path string) {
	c.pendingDeletesMu.Lock()
	c.pendingDeletes = append(c.pendingDeletes, path)
	c.pendingDeletesMu.Unlock()
}

// retryPendingDeletes retries archive files a previous cleanup could
// not remove (e.g. a reader briefly still open on Windows).
func (c *gcController) retryPendingDeletes() {
	c.pendingDeletesMu.Lock()
	paths := c.pendingDeletes
	c.pendingDeletes = nil
	c.pendingDeletesMu.Unlock()

	for _, p := range paths {
		if err := os.Remove(p); err != nil {
			c.deferDelete(p)
		}
	}
}
