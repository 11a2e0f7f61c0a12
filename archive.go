// Archive files: append-only containers of segments (spec.md §4.1,
// "the tar layer"). The spec describes the format in terms any
// archive/tar writer already gives for free — a sequence of 512-byte
// blocked entries, each with a name, a payload, and padding — so this
// is the one place in the codec where the stdlib, not a third-party
// library, is the literal, idiomatic match: nothing in the example
// pack ships a from-scratch tar implementation, and hand-rolling block
// padding the stdlib already does correctly would just be duplicate,
// worse code.
package silo

import (
	"archive/tar"
	"fmt"
	"io"
	"os"
	"sync"
)

// countingWriter tracks how many bytes have passed through it, so an
// archiveWriter can record each segment's payload start offset without
// archive/tar exposing one directly.
type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

// archiveWriter appends segment entries to one archive file until it
// is sealed (spec.md §4.1's "Writer").
type archiveWriter struct {
	mu sync.Mutex

	path string
	f    *os.File
	cw   *countingWriter
	tw   *tar.Writer

	maxSize int64
	size    int64
	sealed  bool

	index    map[SegmentId]archiveIndexEntry
	gens     map[SegmentId]int
	graph    map[SegmentId][]SegmentId
	blobRefs map[string]struct{}
}

// createArchiveWriter creates path (truncating any existing file) and
// prepares a fresh writer.
func createArchiveWriter(path string, maxSize int64) (*archiveWriter, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return nil, fmt.Errorf("%w: create archive %s: %v", ErrIOFailure, path, err)
	}
	cw := &countingWriter{w: f}
	return &archiveWriter{
		path:     path,
		f:        f,
		cw:       cw,
		tw:       tar.NewWriter(cw),
		maxSize:  maxSize,
		index:    make(map[SegmentId]archiveIndexEntry),
		gens:     make(map[SegmentId]int),
		graph:    make(map[SegmentId][]SegmentId),
		blobRefs: make(map[string]struct{}),
	}, nil
}

// WriteSegment appends one segment entry. refs is recorded in the
// archive's reference graph footer at seal time.
func (w *archiveWriter) WriteSegment(id SegmentId, generation int, data []byte, refs []SegmentId) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.sealed {
		return fmt.Errorf("%w: archive %s is sealed", ErrWriterSealed, w.path)
	}

	hdr := &tar.Header{
		Name: id.archiveName(generation),
		Mode: 0644,
		Size: int64(len(data)),
	}
	if err := w.tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("%w: segment header %s: %v", ErrIOFailure, hdr.Name, err)
	}
	dataStart := w.cw.n
	if _, err := w.tw.Write(data); err != nil {
		return fmt.Errorf("%w: segment body %s: %v", ErrIOFailure, hdr.Name, err)
	}

	w.index[id] = archiveIndexEntry{Offset: dataStart, Length: int64(len(data))}
	w.gens[id] = generation
	w.graph[id] = refs
	w.size = w.cw.n
	return nil
}

// RecordBlobRef registers an external blob id discovered while writing,
// for the ".brf" footer downstream blob GC consults.
func (w *archiveWriter) RecordBlobRef(id string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.blobRefs[id] = struct{}{}
}

// Size reports the archive's current on-disk size.
func (w *archiveWriter) Size() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.size
}

// Sync fsyncs the archive's current bytes without sealing it, for
// Store.Flush's durability guarantee on an archive still accepting writes.
func (w *archiveWriter) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.sealed {
		return nil
	}
	if err := w.f.Sync(); err != nil {
		return fmt.Errorf("%w: fsync %s: %v", ErrIOFailure, w.path, err)
	}
	return nil
}

// ShouldSeal reports whether the archive has grown past its configured
// maximum and should be sealed by the caller (spec.md §4.1: sealing is
// triggered by size or by store flush/close, never automatically here).
func (w *archiveWriter) ShouldSeal() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.size >= w.maxSize
}

// Seal writes the graph/blob-refs/index footer entries, pads to the
// next block and closes the file. Sealed archives are immutable.
func (w *archiveWriter) Seal() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.sealed {
		return nil
	}

	graphBytes, err := marshalGraphFooter(w.graph)
	if err != nil {
		return err
	}
	if err := writeFooterEntry(w.tw, footerGraph, graphBytes); err != nil {
		return err
	}

	blobBytes, err := marshalBlobRefsFooter(w.blobRefs)
	if err != nil {
		return err
	}
	if err := writeFooterEntry(w.tw, footerBlobs, blobBytes); err != nil {
		return err
	}

	idxBytes, err := marshalIndexFooter(w.index, w.gens)
	if err != nil {
		return err
	}
	if err := writeFooterEntry(w.tw, footerIndex, idxBytes); err != nil {
		return err
	}

	if err := w.tw.Close(); err != nil {
		return fmt.Errorf("%w: closing tar writer for %s: %v", ErrIOFailure, w.path, err)
	}
	if err := w.f.Sync(); err != nil {
		return fmt.Errorf("%w: fsync %s: %v", ErrIOFailure, w.path, err)
	}
	if err := w.f.Close(); err != nil {
		return fmt.Errorf("%w: close %s: %v", ErrIOFailure, w.path, err)
	}
	w.sealed = true
	return nil
}

// archiveReader gives random-access reads over a (sealed or, after a
// crash, partially-written) archive file (spec.md §4.1's "Reader").
type archiveReader struct {
	mu sync.RWMutex

	path   string
	f      *os.File
	closed bool

	index    map[SegmentId]archiveIndexEntry
	gens     map[SegmentId]int
	graph    map[SegmentId][]SegmentId
	blobRefs map[string]struct{}
	bloom    *bloomFilter
}

// openArchiveReader scans path's tar entries to rebuild the index,
// graph, and blob-ref sets. If the file has footer entries (a sealed
// archive) they're trusted directly; otherwise every entry is scanned,
// and a truncated or malformed final entry — the signature of a crash
// mid-write — is treated as the archive's natural end rather than an
// error, recovering everything durably written before the crash.
func openArchiveReader(path string) (*archiveReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: open archive %s: %v", ErrIOFailure, path, err)
	}

	r := &archiveReader{
		path:     path,
		f:        f,
		index:    make(map[SegmentId]archiveIndexEntry),
		gens:     make(map[SegmentId]int),
		graph:    make(map[SegmentId][]SegmentId),
		blobRefs: make(map[string]struct{}),
		bloom:    newBloomFilter(),
	}

	cr := &countingReader{r: f}
	tr := tar.NewReader(cr)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			// Partial tail entry from an unsealed/crashed write: stop
			// scanning, keep everything recovered so far.
			break
		}

		dataStart := cr.n
		body, err := io.ReadAll(tr)
		if err != nil {
			break
		}

		switch hdr.Name {
		case footerGraph:
			if g, err := unmarshalGraphFooter(body); err == nil {
				r.graph = g
			}
		case footerBlobs:
			if b, err := unmarshalBlobRefsFooter(body); err == nil {
				r.blobRefs = b
			}
		case footerIndex:
			if idx, gens, err := unmarshalIndexFooter(body); err == nil {
				r.index = idx
				r.gens = gens
			}
		default:
			id, generation, perr := parseArchiveEntryName(hdr.Name)
			if perr != nil {
				continue
			}
			r.index[id] = archiveIndexEntry{Offset: dataStart, Length: int64(len(body))}
			r.gens[id] = generation
			r.bloom.Add(id)
		}
	}

	for id := range r.index {
		r.bloom.Add(id)
	}

	return r, nil
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

func parseArchiveEntryName(name string) (SegmentId, int, error) {
	i := -1
	for j := len(name) - 1; j >= 0; j-- {
		if name[j] == '.' {
			i = j
			break
		}
	}
	if i < 0 {
		return SegmentId{}, 0, fmt.Errorf("%w: archive entry name %q", ErrCorrupt, name)
	}
	id, err := ParseSegmentId(name[:i])
	if err != nil {
		return SegmentId{}, 0, err
	}
	gen := 0
	for _, c := range name[i+1:] {
		if c < '0' || c > '9' {
			return SegmentId{}, 0, fmt.Errorf("%w: archive entry generation %q", ErrCorrupt, name)
		}
		gen = gen*10 + int(c-'0')
	}
	return id, gen, nil
}

// Contains reports whether id is present, consulting the bloom filter
// before the exact index.
func (r *archiveReader) Contains(id SegmentId) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if !r.bloom.Contains(id) {
		return false
	}
	_, ok := r.index[id]
	return ok
}

// Read returns one segment's raw encoded bytes.
func (r *archiveReader) Read(id SegmentId) ([]byte, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return nil, ErrClosed
	}
	entry, ok := r.index[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s in %s", ErrSegmentNotFound, id, r.path)
	}
	buf := make([]byte, entry.Length)
	if _, err := r.f.ReadAt(buf, entry.Offset); err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", ErrIOFailure, id, err)
	}
	return buf, nil
}

// Graph returns the archive's inter-segment reference graph.
func (r *archiveReader) Graph() map[SegmentId][]SegmentId {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.graph
}

// BlobRefs returns the set of external blob ids referenced anywhere in
// this archive.
func (r *archiveReader) BlobRefs() map[string]struct{} {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.blobRefs
}

// Generation reports the GC generation an entry was written at.
func (r *archiveReader) Generation(id SegmentId) (int, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	g, ok := r.gens[id]
	return g, ok
}

// Ids enumerates every segment id contained in this archive.
func (r *archiveReader) Ids() []SegmentId {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]SegmentId, 0, len(r.index))
	for id := range r.index {
		ids = append(ids, id)
	}
	return ids
}

// MarkClosed flags the reader closed without releasing the underlying
// file descriptor, used during a GC reader-list swap; store.readSegment
// must detect this and retry against the current reader list (spec.md
// §4.1).
func (r *archiveReader) MarkClosed() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
}

// Closed reports whether MarkClosed has been called.
func (r *archiveReader) Closed() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.closed
}

// Close releases the underlying file descriptor.
func (r *archiveReader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return r.f.Close()
}
