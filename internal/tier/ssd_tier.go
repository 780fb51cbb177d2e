package tier

import (
	"github.com/Voskan/embedstore/errors"
	"github.com/Voskan/embedstore/internal/slot"
	"github.com/Voskan/embedstore/internal/ssdlog"
)

// SSDTier is the bottom-of-hierarchy variant: Get materializes a transient
// ValueSlot by reading the SSD log directly, per spec.md §4.6. There is no
// HashMap here -- ssdlog.Log's manifest already is the id->location index.
type SSDTier struct {
	log    *ssdlog.Log
	layout *slot.Layout
}

// NewSSDTier wraps an already-open ssdlog.Log as a TierStorage.
func NewSSDTier(log *ssdlog.Log, layout *slot.Layout) *SSDTier {
	return &SSDTier{log: log, layout: layout}
}

func (t *SSDTier) Kind() Kind { return KindSSD }

// Get reads id's record from the log and materializes a transient
// ValueSlot. No CopyBackHint is attached; LayeredStorage.Get copies every
// lower-tier hit back to tier 0 on its own.
func (t *SSDTier) Get(id int64) (*slot.ValueSlot, error) {
	rec, err := t.log.Get(id)
	if err != nil {
		return nil, err
	}
	s := slot.NewValueSlot(id, rec.Payload, t.layout, slot.TierSSD)
	s.Version.Store(rec.Version)
	s.Frequency.Store(uint32(rec.Freq))
	s.SetFlags(slot.Flags(rec.Flags))
	return s, nil
}

func (t *SSDTier) Contains(id int64) bool { return t.log.Contains(id) }

// Insert writes s as a single-record batch commit.
func (t *SSDTier) Insert(id int64, s *slot.ValueSlot) error {
	_, err := t.log.FlushBatch([]ssdlog.Record{toRecord(id, s)})
	return err
}

// TryInsert writes s only when id has no record in the log yet. If one
// exists it is returned with inserted=false and nothing is written; a failed
// write also reports inserted=false, with a nil winner. The check and the
// write are not atomic with respect to a concurrent writer of the same id.
func (t *SSDTier) TryInsert(id int64, s *slot.ValueSlot) (*slot.ValueSlot, bool) {
	if existing, err := t.Get(id); err == nil {
		return existing, false
	}
	if err := t.Insert(id, s); err != nil {
		return nil, false
	}
	return s, true
}

func (t *SSDTier) Remove(id int64) (*slot.ValueSlot, error) {
	s, err := t.Get(id)
	if err != nil {
		return nil, err
	}
	t.log.Remove(id)
	return s, nil
}

func (t *SSDTier) Size() int { return t.log.Len() }

func (t *SSDTier) Iter(fn func(id int64, s *slot.ValueSlot)) {
	for id := range t.log.Snapshot() {
		if s, err := t.Get(id); err == nil {
			fn(id, s)
		}
	}
}

func (t *SSDTier) Commit(ids []int64, slots []*slot.ValueSlot) error {
	return t.BatchCommit(ids, slots)
}

func (t *SSDTier) BatchCommit(ids []int64, slots []*slot.ValueSlot) error {
	if len(ids) != len(slots) {
		return errors.New(errors.InvalidArgument, "ids/slots length mismatch")
	}
	recs := make([]ssdlog.Record, len(ids))
	for i := range ids {
		recs[i] = toRecord(ids[i], slots[i])
	}
	_, err := t.log.FlushBatch(recs)
	return err
}

func (t *SSDTier) Close() error { return t.log.Close() }

func toRecord(id int64, s *slot.ValueSlot) ssdlog.Record {
	payload := make([]float32, len(s.Payload))
	copy(payload, s.Payload)
	return ssdlog.Record{
		Key:     id,
		Flags:   uint64(s.Flags()),
		Version: s.Version.Load(),
		Freq:    uint64(s.Frequency.Load()),
		Payload: payload,
	}
}
