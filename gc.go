// Generational garbage collector: controller, state machine, and
// background workers (spec.md §6/§4.8). The two-phase cycle itself —
// estimate, compact, cleanup — lives in gc_estimate.go, gc_compact.go
// and gc_cleanup.go; this file owns the ticker-driven scheduling folio
// never needed (its single data file has nothing to compact), grounded
// instead on shake-karrot-lightkafka's retention_cleaner ticker-worker
// shape applied to this store's three independent timers.
package silo

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// GCPhase is the generational GC's current state (spec.md §6: "Idle ->
// Estimating -> Compacting -> (Retrying|Forcing|Aborted) -> Cleaning ->
// Idle").
type GCPhase int

const (
	GCIdle GCPhase = iota
	GCEstimating
	GCCompacting
	GCRetrying
	GCForcing
	GCCleaning
	GCAborted
)

func (p GCPhase) String() string {
	switch p {
	case GCIdle:
		return "idle"
	case GCEstimating:
		return "estimating"
	case GCCompacting:
		return "compacting"
	case GCRetrying:
		return "retrying"
	case GCForcing:
		return "forcing"
	case GCCleaning:
		return "cleaning"
	case GCAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// GCMonitor receives generational GC lifecycle notifications. Every
// method is optional to implement meaningfully; the controller never
// blocks on a slow monitor beyond the call itself, so a monitor doing
// real work (metrics, alerting) should hand off asynchronously.
type GCMonitor interface {
	// OnPhaseChange fires on every state machine transition.
	OnPhaseChange(phase GCPhase)
	// OnEstimate reports one cycle's estimated reclaimable percentage.
	OnEstimate(reclaimablePct int)
	// OnCompactionComplete reports a successful compaction and how many
	// distinct records it copied into the new generation.
	OnCompactionComplete(fromGeneration, toGeneration uint32, recordsCopied int)
	// OnCleanupComplete reports a cleanup pass's outcome.
	OnCleanupComplete(generationReclaimed uint32, archivesTouched int)
	// OnError reports a non-fatal error encountered during a cycle.
	OnError(err error)
}

// gcController drives one store's background compaction/cleanup
// cycle and the disk-space/flush tickers alongside it.
type gcController struct {
	s       *Store
	cfg     GCOptions
	log     *zap.SugaredLogger
	monitor GCMonitor

	phase  atomic.Int32
	cancel atomic.Bool

	pendingDeletesMu sync.Mutex
	pendingDeletes   []string

	stopCh chan struct{}
	wg     sync.WaitGroup
}

func newGCController(s *Store) *gcController {
	return &gcController{
		s:       s,
		cfg:     s.cfg.GC,
		log:     s.log,
		monitor: s.cfg.Monitor,
		stopCh:  make(chan struct{}),
	}
}

// start launches the three background workers (spec.md §6's "Background
// workers": flush, compaction check, disk space check).
func (c *gcController) start() {
	c.wg.Add(3)
	go c.flushLoop()
	go c.compactionLoop()
	go c.diskSpaceLoop()
}

// stop signals every background worker to exit and waits for them.
func (c *gcController) stop() {
	close(c.stopCh)
	c.wg.Wait()
}

func (c *gcController) flushLoop() {
	defer c.wg.Done()
	t := time.NewTicker(c.cfg.FlushInterval)
	defer t.Stop()
	for {
		select {
		case <-c.stopCh:
			return
		case <-t.C:
			if err := c.s.Flush(); err != nil {
				c.notifyError(err)
			}
		}
	}
}

func (c *gcController) compactionLoop() {
	defer c.wg.Done()
	t := time.NewTicker(c.cfg.CompactionCheckInterval)
	defer t.Stop()
	for {
		select {
		case <-c.stopCh:
			return
		case <-t.C:
			if err := c.compact(false); err != nil {
				c.log.Debugw("gc cycle ended without compacting", "error", err)
			}
		}
	}
}

func (c *gcController) diskSpaceLoop() {
	defer c.wg.Done()
	t := time.NewTicker(c.cfg.DiskSpaceCheckInterval)
	defer t.Stop()
	for {
		select {
		case <-c.stopCh:
			return
		case <-t.C:
			c.checkDiskSpace()
		}
	}
}

// minFreeRatio is the fallback percentage-of-volume guard spec.md §6
// describes; MinFreeBytes layers an absolute floor on top when set.
const minFreeRatio = 0.25

func (c *gcController) checkDiskSpace() {
	free, total, err := diskFreeBytes(c.s.dir)
	if err != nil {
		c.notifyError(err)
		return
	}

	low := total > 0 && float64(free)/float64(total) < minFreeRatio
	if c.cfg.MinFreeBytes > 0 && free < uint64(c.cfg.MinFreeBytes) {
		low = true
	}

	wasCancelled := c.cancel.Swap(low)
	if low && !wasCancelled {
		c.log.Warnw("disk space low, pausing compaction", "freeBytes", free, "totalBytes", total)
		c.notifyError(ErrDiskSpaceLow)
	}
}

func (c *gcController) cancelled() bool { return c.cancel.Load() }

func (c *gcController) setPhase(p GCPhase) {
	c.phase.Store(int32(p))
	if c.monitor != nil {
		c.monitor.OnPhaseChange(p)
	}
}

func (c *gcController) notifyEstimate(pct int) {
	if c.monitor != nil {
		c.monitor.OnEstimate(pct)
	}
}

func (c *gcController) notifyCompactionComplete(from, to uint32, n int) {
	if c.monitor != nil {
		c.monitor.OnCompactionComplete(from, to, n)
	}
}

func (c *gcController) notifyCleanupComplete(gen uint32, n int) {
	if c.monitor != nil {
		c.monitor.OnCleanupComplete(gen, n)
	}
}

func (c *gcController) notifyError(err error) {
	c.log.Warnw("gc error", "error", err)
	if c.monitor != nil {
		c.monitor.OnError(err)
	}
}

// GC runs one GC cycle now: estimate, and only compact+cleanup if the
// reclaimable percentage clears GainThreshold. This is the same
// decision the background compaction ticker makes on its own schedule.
func (s *Store) GC() error {
	return s.gcc.compact(false)
}

// Compact forces a compaction-and-cleanup cycle unconditionally,
// bypassing GainThreshold (spec.md §6's manual trigger).
func (s *Store) Compact() error {
	return s.gcc.compact(true)
}
