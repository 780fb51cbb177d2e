// Package coldarchive is the cold-storage sink Shrink writes pruned ids to
// before discarding them from the tier stack, generalizing the teacher's
// examples/disk_eject pattern (EjectCallback writing evicted entries to
// Badger) from a demonstration into a first-class component: embedstore
// keeps every shrunk id recoverable for audit/backfill rather than dropping
// it on the floor.
//
// © 2025 embedstore authors. MIT License.
package coldarchive

import (
	"encoding/binary"
	"math"

	badger "github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"

	"github.com/Voskan/embedstore/errors"
)

// Record is the payload archived for one pruned id.
type Record struct {
	Version int64
	Freq    uint32
	Payload []float32
}

// Archive is a Badger-backed append-mostly store for ids Shrink has removed
// from the live tier stack. It never participates in the hot lookup path.
type Archive struct {
	db     *badger.DB
	logger *zap.Logger
}

// Open opens (or creates) a cold archive rooted at dir.
func Open(dir string, logger *zap.Logger) (*Archive, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, errors.Wrap(errors.IoError, "open cold archive", err)
	}
	return &Archive{db: db, logger: logger}, nil
}

func encodeKey(id int64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(id))
	return buf[:]
}

func encodeRecord(r Record) []byte {
	buf := make([]byte, 8+4+4*len(r.Payload))
	binary.LittleEndian.PutUint64(buf[0:8], uint64(r.Version))
	binary.LittleEndian.PutUint32(buf[8:12], r.Freq)
	off := 12
	for _, v := range r.Payload {
		binary.LittleEndian.PutUint32(buf[off:off+4], math.Float32bits(v))
		off += 4
	}
	return buf
}

func decodeRecord(buf []byte) Record {
	r := Record{
		Version: int64(binary.LittleEndian.Uint64(buf[0:8])),
		Freq:    binary.LittleEndian.Uint32(buf[8:12]),
		Payload: make([]float32, (len(buf)-12)/4),
	}
	off := 12
	for i := range r.Payload {
		r.Payload[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[off : off+4]))
		off += 4
	}
	return r
}

// Put archives id, overwriting any prior archived value.
func (a *Archive) Put(id int64, r Record) error {
	return a.db.Update(func(txn *badger.Txn) error {
		return txn.Set(encodeKey(id), encodeRecord(r))
	})
}

// PutBatch archives many ids through one badger WriteBatch (which may commit
// in more than one transaction), used by Shrink sweeps.
func (a *Archive) PutBatch(ids []int64, records []Record) error {
	wb := a.db.NewWriteBatch()
	defer wb.Cancel()
	for i, id := range ids {
		if err := wb.Set(encodeKey(id), encodeRecord(records[i])); err != nil {
			return errors.Wrap(errors.IoError, "cold archive batch set", err)
		}
	}
	if err := wb.Flush(); err != nil {
		return errors.Wrap(errors.IoError, "cold archive batch flush", err)
	}
	return nil
}

// Get looks up id in the archive.
func (a *Archive) Get(id int64) (Record, bool, error) {
	var rec Record
	found := false
	err := a.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(encodeKey(id))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			rec = decodeRecord(val)
			found = true
			return nil
		})
	})
	if err != nil {
		return Record{}, false, errors.Wrap(errors.IoError, "cold archive get", err)
	}
	return rec, found, nil
}

// Close releases the underlying Badger handle.
func (a *Archive) Close() error {
	if err := a.db.Close(); err != nil {
		return errors.Wrap(errors.IoError, "close cold archive", err)
	}
	return nil
}
