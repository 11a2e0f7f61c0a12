// Store: directory-level ownership of the lock file, journal, archive
// readers/writer, and writer pool (spec.md §4.6/§6.6). The shape —
// one struct owning every file handle — is folio's DB/Open generalized
// from one data file to a directory of archives plus a root journal.
// Open recovers the head by replaying the journal back to the newest
// entry whose segment is present.
package silo

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

const (
	lockFileName    = "repo.lock"
	journalFileName = "journal.log"
)

// Store is a content-addressed segment store over a directory of
// archive files: single-writer/multi-reader, with generational garbage
// collection running in the background.
type Store struct {
	dir string

	lockFile *os.File
	lock     *fileLock
	jrnl     *journal
	cfg      Config
	log      *zap.SugaredLogger

	tracker   *tracker
	cache     *segmentCache
	strCache  *stringCache
	tmplCache *templateCache

	fileMu     sync.RWMutex
	readers    []*archiveReader      // sealed archives, oldest first
	current    *archiveWriter        // archive new segments are appended to
	nextIndex  int                   // next archive file sequence number
	pendingRaw map[SegmentId][]byte  // segments in current, not yet visible via readers

	pool *writerPool

	// commitGate's write side is held by a forced (exclusive-lock)
	// compaction cutover; normal SetHead calls only ever take the read
	// side, so they run fully concurrently with one another.
	commitGate sync.RWMutex

	headMu sync.Mutex
	head   RecordId

	generation atomic.Uint32

	tmplMu    sync.Mutex
	tmplDedup map[string]RecordId

	cpMu        sync.Mutex
	checkpoints map[string]RecordId

	gcc *gcController

	closed atomic.Bool
}

// Open opens or creates a store directory, replaying its journal and
// recovering the durable head. A repo.lock held by another process
// fails immediately with ErrLockConflict (spec.md §7).
func Open(dir string, cfg Config) (*Store, error) {
	cfg.applyDefaults()
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("%w: mkdir %s: %v", ErrIOFailure, dir, err)
	}

	lockPath := filepath.Join(dir, lockFileName)
	lf, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("%w: open lock file %s: %v", ErrIOFailure, lockPath, err)
	}
	fl := &fileLock{f: lf}
	if err := fl.TryLock(LockExclusive); err != nil {
		lf.Close()
		return nil, err
	}

	s := &Store{
		dir:         dir,
		lockFile:    lf,
		lock:        fl,
		cfg:         cfg,
		log:         log,
		tracker:     newTracker(),
		tmplDedup:   make(map[string]RecordId),
		checkpoints: make(map[string]RecordId),
		pendingRaw:  make(map[SegmentId][]byte),
	}

	if err := s.initCaches(); err != nil {
		s.abortOpen()
		return nil, err
	}
	if err := s.scanArchives(); err != nil {
		s.abortOpen()
		return nil, err
	}

	jPath := filepath.Join(dir, journalFileName)
	jrnl, err := openJournal(jPath, cfg.SyncWrites)
	if err != nil {
		s.abortOpen()
		return nil, err
	}
	s.jrnl = jrnl

	s.pool = newWriterPool(s.emitSegment, cfg.HashAlgorithm)
	if err := s.openNextWriterLocked(); err != nil {
		s.abortOpen()
		return nil, err
	}

	if err := s.recoverHead(); err != nil {
		s.abortOpen()
		return nil, err
	}

	s.gcc = newGCController(s)
	s.gcc.start()

	log.Infow("store opened", "dir", dir, "generation", s.generation.Load(), "head", s.head.String())
	return s, nil
}

func (s *Store) initCaches() error {
	cache, err := newSegmentCache(s.cfg.SegmentCacheBytes, 0)
	if err != nil {
		return err
	}
	s.cache = cache

	strCache, err := newStringCache(s.cfg.StringCacheEntries)
	if err != nil {
		return err
	}
	s.strCache = strCache

	tmplCache, err := newTemplateCache(s.cfg.TemplateCacheEntries)
	if err != nil {
		return err
	}
	s.tmplCache = tmplCache
	return nil
}

// abortOpen releases the lock file on a failed Open, mirroring the
// cleanup folio's Open does on each intermediate failure.
func (s *Store) abortOpen() {
	s.lock.Unlock()
	s.lockFile.Close()
}

// archiveFileName is the on-disk name for one archive file: a
// monotonic sequence index plus the GC generation it was opened under.
func archiveFileName(index int, generation uint32) string {
	return fmt.Sprintf("data-%05d-g%d.tar", index, generation)
}

// archiveFileNamePath joins dir with a fresh archive file name, used
// by cleanup (gc_cleanup.go) when rewriting an archive down to its
// still-pinned blob segments.
func archiveFileNamePath(dir string, index int, generation uint32) string {
	return filepath.Join(dir, archiveFileName(index, generation))
}

func parseArchiveFileName(name string) (index int, generation uint32, ok bool) {
	var idx, gen int
	n, err := fmt.Sscanf(name, "data-%05d-g%d.tar", &idx, &gen)
	if err != nil || n != 2 {
		return 0, 0, false
	}
	return idx, uint32(gen), true
}

// scanArchives opens every existing archive file as a sealed reader,
// oldest first, and sets the store's generation/nextIndex counters.
func (s *Store) scanArchives() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("%w: read dir %s: %v", ErrIOFailure, s.dir, err)
	}

	type found struct {
		index int
		gen   uint32
		path  string
	}
	var files []found
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		idx, gen, ok := parseArchiveFileName(e.Name())
		if !ok {
			continue
		}
		files = append(files, found{idx, gen, filepath.Join(s.dir, e.Name())})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].index < files[j].index })

	var maxGen uint32
	for _, f := range files {
		r, err := openArchiveReader(f.path)
		if err != nil {
			return err
		}
		s.readers = append(s.readers, r)
		if f.gen > maxGen {
			maxGen = f.gen
		}
		if f.index >= s.nextIndex {
			s.nextIndex = f.index + 1
		}
	}
	s.generation.Store(maxGen)
	return nil
}

// openNextWriterLocked opens a fresh archive writer at the next
// sequence index under the store's current generation. Callers hold
// fileMu (or call before any other goroutine can observe the store).
func (s *Store) openNextWriterLocked() error {
	path := filepath.Join(s.dir, archiveFileName(s.nextIndex, s.generation.Load()))
	w, err := createArchiveWriter(path, s.cfg.MaxArchiveSize)
	if err != nil {
		return err
	}
	s.current = w
	s.nextIndex++
	return nil
}

// sealCurrentLocked seals the current archive writer, opens it for
// reading, and starts a fresh writer in its place. Callers hold fileMu.
func (s *Store) sealCurrentLocked() error {
	path := s.current.path
	if err := s.current.Seal(); err != nil {
		return err
	}
	r, err := openArchiveReader(path)
	if err != nil {
		return err
	}
	for _, id := range r.Ids() {
		delete(s.pendingRaw, id)
	}
	s.readers = append(s.readers, r)
	return s.openNextWriterLocked()
}

// recoverHead replays the journal to find the most recent head whose
// segment is actually present, tolerating a journal line that outran
// a crash mid-archive-write. An empty store gets a fresh empty root.
func (s *Store) recoverHead() error {
	entries, err := s.jrnl.All()
	if err != nil {
		return err
	}
	for i := len(entries) - 1; i >= 0; i-- {
		if s.ContainsSegment(entries[i].Head.Segment) {
			s.head = entries[i].Head
			return nil
		}
		s.log.Warnw("journal head segment missing, trying older entry", "head", entries[i].Head.String())
	}
	return s.writeEmptyRootLocked()
}

// writeEmptyRootLocked builds and journals a node with no properties
// and no children, used only to bootstrap a brand new store directory.
func (s *Store) writeEmptyRootLocked() error {
	w := s.pool.Writer("sys", s.generation.Load(), "init", KindData)

	mapID, err := w.WriteRecord(5, func(_ SegmentId, b *segmentBuilder) (uint32, error) {
		return writeEmptyMap(b)
	})
	if err != nil {
		return err
	}

	tmplID, err := w.WriteRecord(8, func(segID SegmentId, b *segmentBuilder) (uint32, error) {
		return writeTemplate(b, segID, &nodeTemplate{})
	})
	if err != nil {
		return err
	}

	rootID, err := w.WriteRecord(32, func(segID SegmentId, b *segmentBuilder) (uint32, error) {
		return writeNode(b, segID, &nodeRecord{Template: tmplID, ChildMap: &mapID})
	})
	if err != nil {
		return err
	}
	w.AddRoot(TypeNode, rootID)
	if err := w.Flush(); err != nil {
		return err
	}

	if _, err := s.jrnl.Append(rootID); err != nil {
		return err
	}
	s.head = rootID
	return nil
}

// GetSegmentId returns the canonical SegmentId for (msb, lsb): spec.md
// §4.4's getSegmentId, backed by the tracker's weak-reference identity
// table. Every readSegment call below resolves through the same
// tracker, so a segment read back any number of times and a direct
// GetSegmentId call for the same bits yield the reference-equal value.
func (s *Store) GetSegmentId(msb, lsb uint64) *SegmentId {
	return s.tracker.Intern(msb, lsb)
}

// readSegment returns a decoded view of id, consulting the segment
// cache, the current (unsealed) archive's pending bytes, and the
// sealed reader list in that order, newest reader first.
func (s *Store) readSegment(id SegmentId) (*segmentReader, error) {
	id = *s.tracker.Intern(id.Msb, id.Lsb)

	if sr, ok := s.cache.Get(id); ok {
		return sr, nil
	}

	s.fileMu.RLock()
	raw, pending := s.pendingRaw[id]
	readers := s.readers
	s.fileMu.RUnlock()

	if pending {
		sr, err := decodeSegment(raw)
		if err != nil {
			return nil, err
		}
		s.cache.Add(id, sr, len(raw))
		return sr, nil
	}

	for i := len(readers) - 1; i >= 0; i-- {
		r := readers[i]
		if r.Closed() || !r.Contains(id) {
			continue
		}
		raw, err := r.Read(id)
		if err != nil {
			if errors.Is(err, ErrClosed) {
				continue
			}
			return nil, err
		}
		sr, err := decodeSegment(raw)
		if err != nil {
			return nil, err
		}
		s.cache.Add(id, sr, len(raw))
		return sr, nil
	}

	return nil, fmt.Errorf("%w: %s", ErrSegmentNotFound, id)
}

// ContainsSegment reports whether id is resolvable right now, without
// decoding it.
func (s *Store) ContainsSegment(id SegmentId) bool {
	s.fileMu.RLock()
	defer s.fileMu.RUnlock()
	if _, ok := s.pendingRaw[id]; ok {
		return true
	}
	for i := len(s.readers) - 1; i >= 0; i-- {
		if !s.readers[i].Closed() && s.readers[i].Contains(id) {
			return true
		}
	}
	return false
}

// emitSegment is the writer pool's emitFunc: it appends a sealed
// segment's bytes to the store's current archive, tracking it in
// pendingRaw until that archive itself is sealed and reopened as a
// reader. The archive entry is tagged with the segment's own
// generation (generation), never the store's current-generation
// counter — a compaction's freshly-copied segments are sealed and
// emitted before the cutover that advances that counter, so reading it
// here would mis-tag live post-compaction data as belonging to the
// generation cleanup is about to reclaim.
func (s *Store) emitSegment(id SegmentId, generation uint32, raw []byte, refs []SegmentId) error {
	s.fileMu.Lock()
	defer s.fileMu.Unlock()

	if s.closed.Load() {
		return ErrClosed
	}

	if err := s.current.WriteSegment(id, int(generation), raw, refs); err != nil {
		return err
	}
	s.pendingRaw[id] = raw

	if s.current.ShouldSeal() {
		return s.sealCurrentLocked()
	}
	return nil
}

// GetHead returns the store's current root record id.
func (s *Store) GetHead() RecordId {
	s.headMu.Lock()
	defer s.headMu.Unlock()
	return s.head
}

// SetHead advances the head from expected to next, journaling the
// change, iff expected still matches the current head (spec.md §4.6's
// single-writer compare-and-swap). Returns false on a lost race.
func (s *Store) SetHead(expected, next RecordId) bool {
	s.commitGate.RLock()
	defer s.commitGate.RUnlock()

	s.headMu.Lock()
	defer s.headMu.Unlock()

	if s.head != expected {
		return false
	}
	if _, err := s.jrnl.Append(next); err != nil {
		s.log.Errorw("journal append failed", "error", err, "head", next.String())
		return false
	}
	s.head = next
	return true
}

// Flush seals no archives but durably persists every buffered writer,
// the journal, and the current archive's bytes so far.
func (s *Store) Flush() error {
	if s.closed.Load() {
		return ErrClosed
	}
	if err := s.pool.Flush(); err != nil {
		return err
	}
	if err := s.jrnl.f.Sync(); err != nil {
		return fmt.Errorf("%w: fsync journal: %v", ErrIOFailure, err)
	}

	s.fileMu.Lock()
	defer s.fileMu.Unlock()
	if s.current != nil {
		return s.current.Sync()
	}
	return nil
}

// Size reports the total on-disk size of every archive file in dir.
func (s *Store) Size() (int64, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, fmt.Errorf("%w: read dir %s: %v", ErrIOFailure, s.dir, err)
	}
	var total int64
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if _, _, ok := parseArchiveFileName(e.Name()); !ok {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		total += info.Size()
	}
	return total, nil
}

// Checkpoint records name as an alias for the store's current head.
// A later Retrieve resolves name even across intervening GC, since the
// compactor's per-cycle rewrite memo updates matching checkpoint
// entries as part of a successful compaction (gc_compact.go).
func (s *Store) Checkpoint(name string) RecordId {
	id := s.GetHead()
	s.cpMu.Lock()
	s.checkpoints[name] = id
	s.cpMu.Unlock()
	return id
}

// Retrieve resolves a name previously passed to Checkpoint.
func (s *Store) Retrieve(name string) (NodeState, error) {
	s.cpMu.Lock()
	id, ok := s.checkpoints[name]
	s.cpMu.Unlock()
	if !ok {
		return NodeState{}, fmt.Errorf("%w: checkpoint %q", ErrNotFound, name)
	}
	return NodeState{store: s, id: id}, nil
}

// Close stops the background GC workers, flushes and seals every
// outstanding archive, and releases the repo lock. Safe to call more
// than once.
func (s *Store) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.gcc.stop()

	var firstErr func(error)
	var stored error
	firstErr = func(err error) {
		if err != nil && stored == nil {
			stored = err
		}
	}

	firstErr(s.pool.Flush())

	s.fileMu.Lock()
	if s.current != nil {
		firstErr(s.current.Seal())
	}
	for _, r := range s.readers {
		firstErr(r.Close())
	}
	s.fileMu.Unlock()

	firstErr(s.jrnl.Close())
	firstErr(s.lock.Unlock())
	s.lock.setFile(nil)
	firstErr(s.lockFile.Close())

	s.log.Infow("store closed", "dir", s.dir)
	return stored
}
