package ssdlog

import (
	"time"

	"go.uber.org/zap"
)

// compactorLoop is the dedicated background task for ASYNC_COMPACTION=true:
// it periodically scans sealed segments and compacts whichever has fallen
// below the live-byte threshold or whichever pushes the sealed-segment
// count over the cap, per spec.md §4.5.
func (l *Log) compactorLoop() {
	defer l.compactWG.Done()
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-l.stopCh:
			return
		case <-ticker.C:
			l.compactSweep()
		}
	}
}

// compactSweep compacts every sealed segment currently eligible. It is
// called inline (and the caller blocks) when ASYNC_COMPACTION=false, and
// from compactorLoop otherwise.
func (l *Log) compactSweep() {
	l.mu.RLock()
	candidates := make([]*segment, 0, len(l.segments))
	for _, seg := range l.segments {
		if seg == l.active {
			continue
		}
		candidates = append(candidates, seg)
	}
	sealedCount := len(candidates)
	l.mu.RUnlock()

	for _, seg := range candidates {
		if seg.occupancy() < l.cfg.CompactionThreshold || sealedCount > l.cfg.MaxSealedSegments {
			l.compactSegment(seg)
		}
	}
}

// compactSegment rewrites every still-live record of seg into the current
// active segment, republishes each manifest entry, and unlinks seg once
// nothing references it anymore. The republish-before-unlink ordering is
// what keeps spec.md §4.5's invariant intact even while compaction runs
// concurrently with lookups: a reader either finds the old location (still
// valid, file not yet unlinked) or the new one (already valid), never a
// gap.
func (l *Log) compactSegment(seg *segment) {
	ids := seg.snapshotIDs()
	if len(ids) == 0 {
		l.unlinkSegment(seg)
		return
	}

	for _, id := range ids {
		loc, ok := l.manifest.Get(id)
		if !ok || loc.Segment != seg.id {
			continue // entry moved or was removed concurrently
		}
		buf, err := readAt(seg, l.cfg.IOScheme, loc.Offset, loc.Length)
		if err != nil {
			l.cfg.Logger.Error("ssdlog: compaction read failed", zap.Uint64("segment", seg.id), zap.Error(err))
			continue
		}
		rec, err := decodeRecord(buf, l.cfg.TotalDims)
		if err != nil {
			l.cfg.Logger.Warn("ssdlog: dropping corrupt record during compaction", zap.Int64("key", id), zap.Error(err))
			l.manifest.Delete(id)
			l.untrack(seg, id, loc.Length)
			continue
		}

		l.appendMu.Lock()
		newLoc, newSeg, err := l.appendLocked(rec)
		if err == nil {
			err = newSeg.f.Sync()
		}
		l.appendMu.Unlock()
		if err != nil {
			l.cfg.Logger.Error("ssdlog: compaction rewrite failed", zap.Uint64("segment", seg.id), zap.Error(err))
			continue
		}

		l.manifest.Swap(id, newLoc)
		l.track(newSeg, id, newLoc.Length)
		l.untrack(seg, id, loc.Length)
	}

	l.cfg.Metrics.IncCompaction("ssd")

	if len(seg.snapshotIDs()) == 0 {
		l.unlinkSegment(seg)
	}
}

func (l *Log) unlinkSegment(seg *segment) {
	l.mu.Lock()
	for i, s := range l.segments {
		if s == seg {
			l.segments = append(l.segments[:i], l.segments[i+1:]...)
			break
		}
	}
	delete(l.byID, seg.id)
	l.mu.Unlock()

	if err := seg.remove(); err != nil {
		l.cfg.Logger.Error("ssdlog: failed to unlink compacted segment", zap.Uint64("segment", seg.id), zap.Error(err))
	}
}
