// Segment tracker: identity-preserving interning of segment ids.
//
// spec.md §4.4 requires getSegmentId(a) == getSegmentId(a) always,
// without keeping the surrounding segment bytes alive just because a
// caller is holding an id. Go 1.24's weak package gives this directly:
// the tracker stores a weak.Pointer[SegmentId] per stripe entry, and
// registers a runtime.AddCleanup callback to drop the stripe's map
// entry once the canonical pointer is actually collected — no
// finalizer goroutine, no periodic sweep.
//
// 32 lock-striped maps, the same sharded-mutex idea as folio's single
// fileLock mutex generalized from one stripe to 32 (hash.go's
// stripeOf selects the stripe via xxh3, folio's default algorithm).
package silo

import (
	"runtime"
	"sync"
	"weak"
)

const trackerStripes = 32

type trackerStripe struct {
	mu      sync.Mutex
	entries map[SegmentId]weak.Pointer[SegmentId]
}

// tracker interns SegmentId values so that repeated lookups of the
// same (msb, lsb) pair return the same *SegmentId, enabling pointer
// equality for callers that want it, while letting the backing
// allocation be collected once nothing holds it.
type tracker struct {
	stripes [trackerStripes]*trackerStripe
}

func newTracker() *tracker {
	t := &tracker{}
	for i := range t.stripes {
		t.stripes[i] = &trackerStripe{entries: make(map[SegmentId]weak.Pointer[SegmentId])}
	}
	return t
}

// Intern returns the canonical *SegmentId for (msb, lsb), allocating
// one on first sight or after the previous canonical pointer has been
// collected.
func (t *tracker) Intern(msb, lsb uint64) *SegmentId {
	key := SegmentId{Msb: msb, Lsb: lsb}
	s := t.stripes[stripeOf(msb, lsb)]

	s.mu.Lock()
	defer s.mu.Unlock()

	if wp, ok := s.entries[key]; ok {
		if p := wp.Value(); p != nil {
			return p
		}
		// Dead weak pointer left behind by a cleanup race; replace it.
	}

	p := new(SegmentId)
	*p = key
	s.entries[key] = weak.Make(p)

	runtime.AddCleanup(p, func(k SegmentId) {
		s.mu.Lock()
		defer s.mu.Unlock()
		if wp, ok := s.entries[k]; ok && wp.Value() == nil {
			delete(s.entries, k)
		}
	}, key)

	return p
}

// Lookup returns the canonical *SegmentId for id if one is currently
// live, without allocating a new one.
func (t *tracker) Lookup(id SegmentId) (*SegmentId, bool) {
	s := t.stripes[stripeOf(id.Msb, id.Lsb)]
	s.mu.Lock()
	defer s.mu.Unlock()
	if wp, ok := s.entries[id]; ok {
		if p := wp.Value(); p != nil {
			return p, true
		}
	}
	return nil, false
}

// size reports the approximate number of live entries across all
// stripes. Exposed for tests and diagnostics; not used on any hot path.
func (t *tracker) size() int {
	n := 0
	for _, s := range t.stripes {
		s.mu.Lock()
		n += len(s.entries)
		s.mu.Unlock()
	}
	return n
}
