// Store configuration. Zero-value fields are defaulted in Open, the
// same convention the teacher's DB.Open uses for its own Config.
package silo

import (
	"time"

	"go.uber.org/zap"
)

// Config holds every knob Open and the background GC workers consult.
type Config struct {
	// Logger receives structured store/GC lifecycle logging. Nil
	// defaults to a no-op logger, unlike ignite's storage.New which
	// treats a nil Logger as a configuration error — a library should
	// stay silent by default rather than force every caller to wire one.
	Logger *zap.SugaredLogger

	// HashAlgorithm selects the digest (AlgXXHash3, AlgFNV1a, or
	// AlgBlake2b) every segment's integrity checksum is computed with;
	// the value in effect when a segment is sealed travels with it in
	// the header (segmentHeader.ChecksumAlg), so changing this between
	// reopens never invalidates already-written segments. The tracker's
	// lock-stripe selection (hash.go's stripeOf) always uses xxh3
	// regardless of this setting. Zero defaults to AlgXXHash3.
	HashAlgorithm int

	// MaxArchiveSize is the size threshold at which a writer seals its
	// current archive file and starts a new one. Zero defaults to
	// 256 MiB.
	MaxArchiveSize int64

	// SegmentCacheBytes bounds the decoded-segment cache's total size.
	// Zero defaults to 256 MiB.
	SegmentCacheBytes int64

	// StringCacheEntries and TemplateCacheEntries bound the small
	// decoding caches node.go's NodeState accessors consult. Zero defaults to 16384 and
	// 4096 respectively.
	StringCacheEntries   int
	TemplateCacheEntries int

	// SyncWrites calls fsync after every segment/journal write. Off by
	// default for throughput, matching the teacher's SyncWrites knob.
	SyncWrites bool

	// MemoryMapping is accepted for API compatibility with the source
	// this spec was distilled from; archive files are always read via
	// os.File.ReadAt regardless of its value (see DESIGN.md's note on
	// spec.md §9(c)).
	MemoryMapping bool

	// GC holds the generational garbage collector's tuning knobs.
	GC GCOptions

	// Monitor receives GC lifecycle notifications (phase changes,
	// estimate/compaction/cleanup outcomes, non-fatal errors). Nil is
	// fine; the controller just skips the callbacks.
	Monitor GCMonitor
}

// GCOptions tunes the generational compaction/cleanup cycle (spec.md §6).
type GCOptions struct {
	// GainThreshold skips compaction when the estimated reclaimable
	// percentage falls below this value. Zero defaults to 10.
	GainThreshold int

	// RetryCount bounds how many compact-and-rebase cycles a compaction
	// attempts before giving up or forcing under the exclusive lock.
	// Zero defaults to 3.
	RetryCount int

	// ForceAfterFail enables the exclusive-lock fallback compaction
	// after RetryCount rebase attempts fail.
	ForceAfterFail bool

	// LockWaitTime bounds how long the forced-compaction path waits to
	// acquire the exclusive writer lock. Zero defaults to 15s.
	LockWaitTime time.Duration

	// RetainedGenerations is how many trailing generations cleanup
	// keeps even though they're no longer reachable from the current
	// head, a grace window for in-flight readers. Zero defaults to 2.
	RetainedGenerations int

	// RewriteThresholdPct is the percentage of an archive file that
	// must be reclaimable before cleanup rewrites it rather than
	// leaving it alone. spec.md §9(b) flags the source's hard-coded 25%
	// as something that should be configurable; this is that knob.
	// Zero defaults to 25.
	RewriteThresholdPct int

	// FlushInterval, CompactionCheckInterval, and DiskSpaceCheckInterval
	// drive the three background workers (spec.md §6's "Background
	// workers"). Zero defaults to 5s, 60s, and 60s respectively.
	FlushInterval           time.Duration
	CompactionCheckInterval time.Duration
	DiskSpaceCheckInterval  time.Duration

	// MinFreeBytes pauses compaction when free disk space on the store's
	// volume falls below this value. Zero disables only this absolute
	// floor; the guard still pauses compaction whenever less than 25% of
	// the volume is free.
	MinFreeBytes int64
}

func (c *Config) applyDefaults() {
	if c.HashAlgorithm == 0 {
		c.HashAlgorithm = AlgXXHash3
	}
	if c.MaxArchiveSize == 0 {
		c.MaxArchiveSize = 256 * 1024 * 1024
	}
	if c.SegmentCacheBytes == 0 {
		c.SegmentCacheBytes = 256 * 1024 * 1024
	}
	if c.StringCacheEntries == 0 {
		c.StringCacheEntries = 1 << 14
	}
	if c.TemplateCacheEntries == 0 {
		c.TemplateCacheEntries = 1 << 12
	}
	c.GC.applyDefaults()
}

func (g *GCOptions) applyDefaults() {
	if g.GainThreshold == 0 {
		g.GainThreshold = 10
	}
	if g.RetryCount == 0 {
		g.RetryCount = 3
	}
	if g.LockWaitTime == 0 {
		g.LockWaitTime = 15 * time.Second
	}
	if g.RetainedGenerations == 0 {
		g.RetainedGenerations = 2
	}
	if g.RewriteThresholdPct == 0 {
		g.RewriteThresholdPct = 25
	}
	if g.FlushInterval == 0 {
		g.FlushInterval = 5 * time.Second
	}
	if g.CompactionCheckInterval == 0 {
		g.CompactionCheckInterval = 60 * time.Second
	}
	if g.DiskSpaceCheckInterval == 0 {
		g.DiskSpaceCheckInterval = 60 * time.Second
	}
}
