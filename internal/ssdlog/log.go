// log.go ties segments, the manifest and the two IO schemes together into
// the public SsdLog surface: FlushBatch, Get, and lifecycle management. The
// failure semantics of spec.md §4.5/§7 are implemented in NewLog's startup
// scan: partial trailing records are truncated, corrupt records mid-stream
// are dropped and logged, and the manifest is rebuilt purely from what
// survives.
package ssdlog

import (
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/Voskan/embedstore/errors"
	"github.com/Voskan/embedstore/internal/metrics"
)

// Config bundles every SsdLog construction knob, mirroring the teacher's
// config.go "one object, defaults filled in, validated once" pattern.
type Config struct {
	Dir                 string
	TotalDims           int
	SegmentBytes        int64
	IOScheme            IOScheme
	AsyncCompaction     bool
	CompactionThreshold float64 // live_bytes/segment_bytes floor that triggers compaction
	MaxSealedSegments   int     // sealed-segment count cap that also triggers compaction
	Logger              *zap.Logger
	Metrics             metrics.Sink
}

func (c *Config) setDefaults() {
	if c.SegmentBytes <= 0 {
		c.SegmentBytes = 64 << 20
	}
	if c.CompactionThreshold <= 0 {
		c.CompactionThreshold = 0.5
	}
	if c.MaxSealedSegments <= 0 {
		c.MaxSealedSegments = 8
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.Metrics == nil {
		c.Metrics = metrics.Noop()
	}
}

// track records id as a live reference into seg, both in the segment's own
// occupancy counter and the ssd_live_bytes gauge.
func (l *Log) track(seg *segment, id int64, length int64) {
	seg.trackID(id, length)
	l.cfg.Metrics.AddSSDBytes("ssd", length)
}

// untrack reverses track, when id's location is being replaced or removed.
func (l *Log) untrack(seg *segment, id int64, length int64) {
	seg.untrackID(id, length)
	l.cfg.Metrics.AddSSDBytes("ssd", -length)
}

// Log is the crash-durable, append-optimized SSD log for one tier.
type Log struct {
	cfg Config

	appendMu sync.Mutex // serializes all appends (normal commits and compaction rewrites)

	mu       sync.RWMutex // protects segments/byID/active
	segments []*segment
	byID     map[uint64]*segment
	active   *segment
	nextID   uint64

	manifest *Manifest

	closed    atomic.Bool
	stopCh    chan struct{}
	compactWG sync.WaitGroup
}

// NewLog opens (or creates) the SSD log rooted at cfg.Dir, scanning any
// existing segments to rebuild the manifest and truncating/discarding
// whatever did not survive a clean shutdown (spec.md Scenario F).
func NewLog(cfg Config) (*Log, error) {
	cfg.setDefaults()
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, errors.Wrap(errors.IoError, "mkdir ssdlog dir", err)
	}

	l := &Log{
		cfg:      cfg,
		byID:     make(map[uint64]*segment),
		manifest: newManifest(),
		stopCh:   make(chan struct{}),
	}

	ids, err := existingSegmentIDs(cfg.Dir)
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		seg, err := openSegmentForScan(cfg.Dir, id, cfg.SegmentBytes)
		if err != nil {
			return nil, err
		}
		if err := l.scanAndRebuild(seg); err != nil {
			return nil, err
		}
		l.segments = append(l.segments, seg)
		l.byID[id] = seg
		if id >= l.nextID {
			l.nextID = id + 1
		}
	}

	if len(l.segments) == 0 || l.segments[len(l.segments)-1].writeOff >= cfg.SegmentBytes {
		seg, err := createSegment(cfg.Dir, l.nextID, cfg.SegmentBytes)
		if err != nil {
			return nil, err
		}
		l.nextID++
		l.segments = append(l.segments, seg)
		l.byID[seg.id] = seg
		l.active = seg
	} else {
		l.active = l.segments[len(l.segments)-1]
	}

	if cfg.AsyncCompaction {
		l.compactWG.Add(1)
		go l.compactorLoop()
	}

	return l, nil
}

func existingSegmentIDs(dir string) ([]uint64, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrap(errors.IoError, "read ssdlog dir", err)
	}
	var ids []uint64
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, "seg-") || !strings.HasSuffix(name, ".log") {
			continue
		}
		numStr := strings.TrimSuffix(strings.TrimPrefix(name, "seg-"), ".log")
		id, err := strconv.ParseUint(numStr, 10, 64)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// scanAndRebuild replays one segment's records sequentially, rebuilding
// manifest entries for everything that checksums cleanly (spec §4.5 failure
// semantics and §7's Corruption kind: a corrupt record is dropped and logged
// and the scan continues with the next record; a trailing partial write is
// cut off by truncating the file after the last whole record).
func (l *Log) scanAndRebuild(seg *segment) error {
	rl := recordLen(l.cfg.TotalDims)
	var offset int64
	for offset+int64(rl) <= seg.writeOff {
		buf := make([]byte, rl)
		n, err := seg.f.ReadAt(buf, offset)
		if err != nil || n != rl {
			break // short read: trailing partial record
		}
		rec, err := decodeRecord(buf, l.cfg.TotalDims)
		if err != nil {
			l.cfg.Logger.Warn("ssdlog: dropping corrupt record on restart scan",
				zap.Uint64("segment", seg.id), zap.Int64("offset", offset), zap.Error(err))
			offset += int64(rl) // drop only this record; later records are still replayed
			continue
		}
		loc := Location{Segment: seg.id, Offset: offset, Length: int64(rl)}
		old, hadOld := l.manifest.Swap(rec.Key, loc)
		if hadOld {
			if oldSeg, ok := l.byID[old.Segment]; ok {
				l.untrack(oldSeg, rec.Key, old.Length)
			}
		}
		l.track(seg, rec.Key, loc.Length)
		offset += int64(rl)
	}
	if offset != seg.writeOff {
		l.cfg.Logger.Info("ssdlog: truncating segment to last valid record",
			zap.Uint64("segment", seg.id), zap.Int64("valid_bytes", offset), zap.Int64("prior_size", seg.writeOff))
		if err := seg.f.Truncate(offset); err != nil {
			return errors.Wrap(errors.IoError, "truncate segment on restart", err)
		}
		seg.writeOff = offset
	}
	return nil
}

// FlushBatch writes records sequentially to the active segment and returns
// their (segment, offset, length) locations. It fsyncs once per batch and
// publishes the new locations to the manifest only after that fsync; on
// ASYNC_COMPACTION=false the calling thread also waits for a compaction
// sweep before returning.
func (l *Log) FlushBatch(records []Record) ([]Location, error) {
	if l.closed.Load() {
		return nil, errors.New(errors.FailedPrecondition, "ssdlog closed")
	}

	l.appendMu.Lock()
	locs := make([]Location, len(records))
	touchedSegments := map[uint64]*segment{}
	for i, r := range records {
		loc, seg, err := l.appendLocked(r)
		if err != nil {
			l.appendMu.Unlock()
			return nil, err
		}
		locs[i] = loc
		touchedSegments[seg.id] = seg
	}
	for _, seg := range touchedSegments {
		if err := seg.f.Sync(); err != nil {
			l.appendMu.Unlock()
			return nil, errors.Wrap(errors.IoError, "fsync segment", err)
		}
	}
	l.appendMu.Unlock()

	for i, r := range records {
		old, hadOld := l.manifest.Swap(r.Key, locs[i])
		if hadOld {
			if oldSeg, ok := l.segmentByID(old.Segment); ok {
				l.untrack(oldSeg, r.Key, old.Length)
			}
		}
		if seg, ok := l.segmentByID(locs[i].Segment); ok {
			l.track(seg, r.Key, locs[i].Length)
		}
	}

	if !l.cfg.AsyncCompaction {
		l.compactSweep()
	}
	return locs, nil
}

// appendLocked writes one record to the active segment, rolling over to a
// fresh segment first if it would not fit. Caller must hold appendMu.
func (l *Log) appendLocked(r Record) (Location, *segment, error) {
	rl := recordLen(len(r.Payload))
	if l.active.writeOff+int64(rl) > l.cfg.SegmentBytes && l.active.writeOff > 0 {
		if err := l.rollLocked(); err != nil {
			return Location{}, nil, err
		}
	}

	buf := make([]byte, rl)
	encodeRecord(buf, r)

	seg := l.active
	off := seg.writeOff
	n, err := seg.f.WriteAt(buf, off)
	if err != nil || n != rl {
		return Location{}, nil, errors.Wrap(errors.IoError, "write ssdlog record", err)
	}
	seg.writeOff += int64(rl)
	return Location{Segment: seg.id, Offset: off, Length: int64(rl)}, seg, nil
}

// rollLocked seals the active segment and opens a fresh one. Caller must
// hold appendMu and l.mu is taken internally for the segment-list update.
func (l *Log) rollLocked() error {
	l.active.sealed.Store(true)

	l.mu.Lock()
	id := l.nextID
	l.nextID++
	seg, err := createSegment(l.cfg.Dir, id, l.cfg.SegmentBytes)
	if err != nil {
		l.mu.Unlock()
		return err
	}
	l.segments = append(l.segments, seg)
	l.byID[id] = seg
	l.active = seg
	l.mu.Unlock()
	return nil
}

// Get looks up id in the manifest and reads its most recently committed
// payload back using the configured IO scheme.
func (l *Log) Get(id int64) (Record, error) {
	loc, ok := l.manifest.Get(id)
	if !ok {
		return Record{}, errors.ErrNotFound
	}
	seg, ok := l.segmentByID(loc.Segment)
	if !ok {
		return Record{}, errors.New(errors.IoError, "manifest points at missing segment")
	}
	buf, err := readAt(seg, l.cfg.IOScheme, loc.Offset, loc.Length)
	if err != nil {
		return Record{}, errors.Wrap(errors.IoError, "ssdlog read", err)
	}
	rec, err := decodeRecord(buf, l.cfg.TotalDims)
	if err != nil {
		return Record{}, err
	}
	return rec, nil
}

// Remove deletes id from the manifest (does not reclaim segment bytes
// immediately -- that happens on compaction).
func (l *Log) Remove(id int64) {
	loc, ok := l.manifest.Delete(id)
	if !ok {
		return
	}
	if seg, ok := l.segmentByID(loc.Segment); ok {
		l.untrack(seg, id, loc.Length)
	}
}

// Contains reports whether id is currently present in the manifest.
func (l *Log) Contains(id int64) bool {
	_, ok := l.manifest.Get(id)
	return ok
}

// Len returns the number of ids currently tracked by the manifest.
func (l *Log) Len() int { return l.manifest.Len() }

// Snapshot returns the manifest's current id -> Location map.
func (l *Log) Snapshot() map[int64]Location { return l.manifest.Snapshot() }

func (l *Log) segmentByID(id uint64) (*segment, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	seg, ok := l.byID[id]
	return seg, ok
}

// Close stops the background compactor (if any) and closes every segment
// file.
func (l *Log) Close() error {
	if !l.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(l.stopCh)
	l.compactWG.Wait()

	l.mu.Lock()
	defer l.mu.Unlock()
	var firstErr error
	for _, seg := range l.segments {
		if err := seg.close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Dir reports the root directory backing this log.
func (l *Log) Dir() string { return l.cfg.Dir }
