// Writer pool: hands out one buffered segmentWriter per (purpose,
// generation, caller-key) tuple (spec.md §4.5). Callers never share a
// writer across goroutines; the pool only serializes the map lookup
// itself.
package silo

import "sync"

type writerKey struct {
	purpose    string
	generation uint32
	callerKey  string
}

// writerPool owns every live segmentWriter for a store.
type writerPool struct {
	mu      sync.Mutex
	emit    emitFunc
	hashAlg int
	writers map[writerKey]*segmentWriter
}

func newWriterPool(emit emitFunc, hashAlg int) *writerPool {
	return &writerPool{emit: emit, hashAlg: hashAlg, writers: make(map[writerKey]*segmentWriter)}
}

// Writer returns the writer for (purpose, generation, callerKey),
// creating it on first use.
func (p *writerPool) Writer(purpose string, generation uint32, callerKey string, kind byte) *segmentWriter {
	key := writerKey{purpose: purpose, generation: generation, callerKey: callerKey}

	p.mu.Lock()
	defer p.mu.Unlock()

	if w, ok := p.writers[key]; ok {
		return w
	}
	w := newSegmentWriter(purpose, generation, kind, p.hashAlg, p.emit)
	p.writers[key] = w
	return w
}

// Flush seals every outstanding buffer across every writer in the pool.
func (p *writerPool) Flush() error {
	p.mu.Lock()
	writers := make([]*segmentWriter, 0, len(p.writers))
	for _, w := range p.writers {
		writers = append(writers, w)
	}
	p.mu.Unlock()

	var firstErr error
	for _, w := range writers {
		if err := w.Flush(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Drop removes every writer for a given generation, used once a
// generation's writers are no longer needed after a successful
// compaction cutover.
func (p *writerPool) Drop(generation uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for key := range p.writers {
		if key.generation == generation {
			delete(p.writers, key)
		}
	}
}
