// Buffered segment writer (spec.md §4.5). A writer owns one
// segmentBuilder at a time; once the buffer would overflow, it seals
// the current segment — handing the encoded bytes to the store's
// current archive writer — and starts a fresh one at the same
// generation. Writing is serialized per writer but parallel across
// writers, the same "one handle per logical actor" shape as the
// teacher's DB.append/DB.raw, generalized from one record per write to
// many records per sealed segment.
package silo

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
)

// emitFunc hands a sealed segment's encoded bytes to the store so it
// can be appended to the current archive, indexed, and cached.
// generation is the segment's own (header) generation, not whatever
// the store's current generation counter happens to read at the
// moment of sealing — the two diverge for exactly as long as a
// compaction's emitted segments outlive the cutover that bumps the
// store's counter, and the archive index must tag each entry with the
// generation it actually belongs to for cleanup's reclaim-eligibility
// check to mean anything.
type emitFunc func(id SegmentId, generation uint32, raw []byte, refs []SegmentId) error

// segmentWriter accumulates records into successive segments of one
// generation, sealing and emitting each as it fills.
type segmentWriter struct {
	mu sync.Mutex

	purpose    string
	generation uint32
	kind       byte
	hashAlg    int
	emit       emitFunc

	id      SegmentId
	builder *segmentBuilder
}

func newSegmentWriter(purpose string, generation uint32, kind byte, hashAlg int, emit emitFunc) *segmentWriter {
	w := &segmentWriter{purpose: purpose, generation: generation, kind: kind, hashAlg: hashAlg, emit: emit}
	w.reset()
	return w
}

func (w *segmentWriter) reset() {
	w.id = randomSegmentId(int(w.kind), SegmentFormatVersion)
	w.builder = newSegmentBuilder(w.kind, SegmentFormatVersion, w.generation, w.hashAlg)
}

// randomSegmentId mints a fresh 128-bit id with the given kind/version
// nibbles set and the remaining bits filled with crypto/rand entropy.
func randomSegmentId(kind, version int) SegmentId {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(fmt.Sprintf("silo: failed to read randomness for segment id: %v", err))
	}
	msb := binary.BigEndian.Uint64(b[0:8])
	lsb := binary.BigEndian.Uint64(b[8:16])
	return NewSegmentId(msb, lsb, kind, version)
}

// CurrentID returns the id of the segment currently being written, the
// "self" id record codec writes use to resolve in-segment references.
func (w *segmentWriter) CurrentID() SegmentId {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.id
}

// WriteRecord writes data into the current segment, sealing and
// starting a fresh one first if it wouldn't fit. fn is called with the
// freshly (re)allocated segment id and builder and must return the
// offset WriteRecord should report to the caller.
func (w *segmentWriter) WriteRecord(size int, fn func(id SegmentId, b *segmentBuilder) (uint32, error)) (RecordId, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if uint32(size) > w.builder.Remaining() && !w.builder.IsEmpty() {
		if err := w.sealLocked(); err != nil {
			return RecordId{}, err
		}
	}

	off, err := fn(w.id, w.builder)
	if errors.Is(err, ErrWriterSealed) && !w.builder.IsEmpty() {
		if serr := w.sealLocked(); serr != nil {
			return RecordId{}, serr
		}
		off, err = fn(w.id, w.builder)
	}
	if err != nil {
		return RecordId{}, err
	}
	return RecordId{Segment: w.id, Offset: off}, nil
}

// AddRoot registers a root entry in the segment currently being built.
func (w *segmentWriter) AddRoot(t RecordType, id RecordId) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if id.Segment == w.id {
		w.builder.AddRoot(t, id.Offset)
	}
}

// Flush seals the current segment if it holds any records, emitting it
// and starting a fresh one. A no-op on an empty writer.
func (w *segmentWriter) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.builder.IsEmpty() {
		return nil
	}
	return w.sealLocked()
}

func (w *segmentWriter) sealLocked() error {
	id := w.id
	gen := w.generation
	raw := w.builder.Finalize()
	refs := w.builder.refs
	w.reset()
	return w.emit(id, gen, raw, refs)
}
