// Compaction gain estimate (spec.md §6's "estimate" phase): a cheap,
// conservative measure of how much of the store is dead weight (it
// counts a segment as live if any record in it is live), consulted
// before paying for a full recursive copy.
package silo

// estimateReclaimablePct walks the segment reference graph reachable
// from the current head and compares its size against every segment
// currently known to the store. This is a segment-level, not a
// record-level, measure — it over-counts a segment as "live" if any
// single record inside it is still reachable — but it is O(live
// segments) rather than O(live records), which is the point of an
// estimate a ticker runs every CompactionCheckInterval.
//
// BULK (blob) segments never appear in any DATA segment's structural
// ref table (a blob is referenced by its opaque id string, not a
// binary recordRef — see DESIGN.md), so they're excluded from both
// sides of this ratio; their own liveness is tracked separately by the
// compactor's liveBlobs set (gc_compact.go) and enforced at cleanup.
func (s *Store) estimateReclaimablePct() (int, error) {
	reachable := make(map[SegmentId]struct{})
	head := s.GetHead()
	if err := s.walkReachableSegments(head.Segment, reachable); err != nil {
		return 0, err
	}

	s.fileMu.RLock()
	total := make(map[SegmentId]struct{}, len(s.pendingRaw))
	for id := range s.pendingRaw {
		if id.Kind() == KindData {
			total[id] = struct{}{}
		}
	}
	readers := append([]*archiveReader(nil), s.readers...)
	s.fileMu.RUnlock()

	for _, r := range readers {
		if r.Closed() {
			continue
		}
		for _, id := range r.Ids() {
			if id.Kind() == KindData {
				total[id] = struct{}{}
			}
		}
	}

	if len(total) == 0 {
		return 0, nil
	}
	dead := len(total) - len(reachable)
	if dead < 0 {
		dead = 0
	}
	return dead * 100 / len(total), nil
}

// walkReachableSegments follows the segment-header ref graph from
// root, recording every segment id reachable from it.
func (s *Store) walkReachableSegments(root SegmentId, seen map[SegmentId]struct{}) error {
	if _, ok := seen[root]; ok {
		return nil
	}
	seen[root] = struct{}{}

	sr, err := s.readSegment(root)
	if err != nil {
		return err
	}
	for _, ref := range sr.Refs() {
		if err := s.walkReachableSegments(ref, seen); err != nil {
			return err
		}
	}
	return nil
}
