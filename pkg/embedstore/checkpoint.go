package embedstore

import (
	"math"
	"sort"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/Voskan/embedstore/errors"
)

// SavedPartitionNum is the number of sub-partitions a shard's
// partition_offset/partition_filter_offset vectors describe. Chosen as a
// fixed default rather than derived from the live partition count, since
// the offsets describe how one shard's own keys are internally chunked for
// parallel restore, independent of how many partitions the variable itself
// is split across (see Import's partitionID/partitionNum).
const SavedPartitionNum = 32

// Wire field numbers for the ShardProto framing described by spec.md §6:
// a shard's nine tensors (keys/values/versions/freqs, their _filtered
// counterparts, partition_offset, partition_filter_offset) packed into one
// message rather than nine separate files.
const (
	fieldKeys                  = 1
	fieldValues                = 2
	fieldVersions              = 3
	fieldFreqs                 = 4
	fieldFilteredKeys          = 5
	fieldFilteredValues        = 6
	fieldFilteredVersions      = 7
	fieldFilteredFreqs         = 8
	fieldPartitionOffset       = 9
	fieldPartitionFilterOffset = 10
	fieldValueLen              = 11
)

// ShardRecord is one key's row in a checkpoint shard, active or filtered.
type ShardRecord struct {
	Key     int64
	Value   []float32
	Version int64
	Freq    uint32
}

// Shard is the decoded form of one variable's checkpoint shard: the active
// keys plus the below-threshold "filtered" (shadow) keys, per spec.md §6.
type Shard struct {
	Active   []ShardRecord
	Filtered []ShardRecord
	ValueLen int

	PartitionOffset       []int32
	PartitionFilterOffset []int32
}

// BuildShard assembles a Shard from a live snapshot plus any shadow
// records, sorting both sets ascending by key (the "alphabetical ordering
// of keys... is mandatory" requirement of spec.md §6) and deriving
// partition offsets by chunking the sorted key range into SavedPartitionNum
// contiguous, roughly equal runs.
func BuildShard(active, filtered []ShardRecord, valueLen int) Shard {
	sortRecords(active)
	sortRecords(filtered)
	return Shard{
		Active:                active,
		Filtered:              filtered,
		ValueLen:              valueLen,
		PartitionOffset:       rangeOffsets(len(active), SavedPartitionNum),
		PartitionFilterOffset: rangeOffsets(len(filtered), SavedPartitionNum),
	}
}

func sortRecords(recs []ShardRecord) {
	sort.Slice(recs, func(i, j int) bool { return recs[i].Key < recs[j].Key })
}

// rangeOffsets splits n items into up to numBuckets contiguous runs of
// near-equal size and returns the numBuckets+1 cumulative start indices.
func rangeOffsets(n, numBuckets int) []int32 {
	offsets := make([]int32, numBuckets+1)
	if n == 0 {
		return offsets
	}
	base := n / numBuckets
	rem := n % numBuckets
	pos := 0
	for b := 0; b < numBuckets; b++ {
		offsets[b] = int32(pos)
		size := base
		if b < rem {
			size++
		}
		pos += size
	}
	offsets[numBuckets] = int32(n)
	return offsets
}

func packVarintsZigZag(vals []int64) []byte {
	var buf []byte
	for _, v := range vals {
		buf = protowire.AppendVarint(buf, protowire.EncodeZigZag(v))
	}
	return buf
}

func packVarints(vals []uint32) []byte {
	var buf []byte
	for _, v := range vals {
		buf = protowire.AppendVarint(buf, uint64(v))
	}
	return buf
}

func unpackVarintsZigZag(buf []byte) ([]int64, error) {
	var out []int64
	for len(buf) > 0 {
		v, n := protowire.ConsumeVarint(buf)
		if n < 0 {
			return nil, errors.New(errors.Corruption, "malformed packed varint field")
		}
		out = append(out, protowire.DecodeZigZag(v))
		buf = buf[n:]
	}
	return out, nil
}

func unpackVarints32(buf []byte) ([]uint32, error) {
	var out []uint32
	for len(buf) > 0 {
		v, n := protowire.ConsumeVarint(buf)
		if n < 0 {
			return nil, errors.New(errors.Corruption, "malformed packed varint field")
		}
		out = append(out, uint32(v))
		buf = buf[n:]
	}
	return out, nil
}

func encodeValues(recs []ShardRecord, valueLen int) []byte {
	buf := make([]byte, 0, len(recs)*valueLen*4)
	for _, r := range recs {
		for i := 0; i < valueLen; i++ {
			var v float32
			if i < len(r.Value) {
				v = r.Value[i]
			}
			buf = protowire.AppendFixed32(buf, math.Float32bits(v))
		}
	}
	return buf
}

func decodeValues(buf []byte, valueLen int) ([][]float32, error) {
	if valueLen <= 0 {
		if len(buf) == 0 {
			return nil, nil
		}
		return nil, errors.New(errors.Corruption, "values blob present with value_len == 0")
	}
	rowBytes := valueLen * 4
	if len(buf)%rowBytes != 0 {
		return nil, errors.New(errors.Corruption, "values blob not a multiple of value_len*4")
	}
	rows := make([][]float32, len(buf)/rowBytes)
	for r := range rows {
		row := make([]float32, valueLen)
		off := r * rowBytes
		for i := 0; i < valueLen; i++ {
			bits, n := protowire.ConsumeFixed32(buf[off+i*4:])
			if n < 0 {
				return nil, errors.New(errors.Corruption, "malformed fixed32 in values blob")
			}
			row[i] = math.Float32frombits(bits)
		}
		rows[r] = row
	}
	return rows, nil
}

func appendInt64Field(b []byte, field protowire.Number, vals []int64) []byte {
	if len(vals) == 0 {
		return b
	}
	b = protowire.AppendTag(b, field, protowire.BytesType)
	b = protowire.AppendBytes(b, packVarintsZigZag(vals))
	return b
}

func appendUint32Field(b []byte, field protowire.Number, vals []uint32) []byte {
	if len(vals) == 0 {
		return b
	}
	b = protowire.AppendTag(b, field, protowire.BytesType)
	b = protowire.AppendBytes(b, packVarints(vals))
	return b
}

func appendBytesField(b []byte, field protowire.Number, payload []byte) []byte {
	if len(payload) == 0 {
		return b
	}
	b = protowire.AppendTag(b, field, protowire.BytesType)
	b = protowire.AppendBytes(b, payload)
	return b
}

// EncodeShard serializes a Shard into the ShardProto wire format: a small
// protobuf message carrying the offsets/metadata header, with the two
// row-major float32 value blobs embedded as length-delimited fields rather
// than a bespoke binary header.
func EncodeShard(s Shard) []byte {
	keys := make([]int64, len(s.Active))
	versions := make([]int64, len(s.Active))
	freqs := make([]uint32, len(s.Active))
	for i, r := range s.Active {
		keys[i], versions[i], freqs[i] = r.Key, r.Version, r.Freq
	}

	fkeys := make([]int64, len(s.Filtered))
	fversions := make([]int64, len(s.Filtered))
	ffreqs := make([]uint32, len(s.Filtered))
	for i, r := range s.Filtered {
		fkeys[i], fversions[i], ffreqs[i] = r.Key, r.Version, r.Freq
	}

	var b []byte
	b = appendInt64Field(b, fieldKeys, keys)
	b = appendBytesField(b, fieldValues, encodeValues(s.Active, s.ValueLen))
	b = appendInt64Field(b, fieldVersions, versions)
	b = appendUint32Field(b, fieldFreqs, freqs)
	b = appendInt64Field(b, fieldFilteredKeys, fkeys)
	b = appendBytesField(b, fieldFilteredValues, encodeValues(s.Filtered, s.ValueLen))
	b = appendInt64Field(b, fieldFilteredVersions, fversions)
	b = appendUint32Field(b, fieldFilteredFreqs, ffreqs)
	b = appendInt64FieldAsUint32(b, fieldPartitionOffset, s.PartitionOffset)
	b = appendInt64FieldAsUint32(b, fieldPartitionFilterOffset, s.PartitionFilterOffset)
	b = protowire.AppendTag(b, fieldValueLen, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(s.ValueLen))
	return b
}

func appendInt64FieldAsUint32(b []byte, field protowire.Number, vals []int32) []byte {
	if len(vals) == 0 {
		return b
	}
	u := make([]uint32, len(vals))
	for i, v := range vals {
		u[i] = uint32(v)
	}
	return appendUint32Field(b, field, u)
}

// DecodeShard parses a ShardProto message produced by EncodeShard.
func DecodeShard(buf []byte) (Shard, error) {
	var (
		keys, versions, fkeys, fversions []int64
		freqs, ffreqs                    []uint32
		valuesBlob, filteredValuesBlob   []byte
		partitionOffset                  []uint32
		partitionFilterOffset            []uint32
		valueLen                         int
	)

	for len(buf) > 0 {
		num, typ, n := protowire.ConsumeTag(buf)
		if n < 0 {
			return Shard{}, errors.New(errors.Corruption, "malformed shard tag")
		}
		buf = buf[n:]

		switch typ {
		case protowire.BytesType:
			payload, m := protowire.ConsumeBytes(buf)
			if m < 0 {
				return Shard{}, errors.New(errors.Corruption, "malformed shard length-delimited field")
			}
			buf = buf[m:]

			var err error
			switch num {
			case fieldKeys:
				keys, err = unpackVarintsZigZag(payload)
			case fieldVersions:
				versions, err = unpackVarintsZigZag(payload)
			case fieldFreqs:
				freqs, err = unpackVarints32(payload)
			case fieldFilteredKeys:
				fkeys, err = unpackVarintsZigZag(payload)
			case fieldFilteredVersions:
				fversions, err = unpackVarintsZigZag(payload)
			case fieldFilteredFreqs:
				ffreqs, err = unpackVarints32(payload)
			case fieldValues:
				valuesBlob = payload
			case fieldFilteredValues:
				filteredValuesBlob = payload
			case fieldPartitionOffset:
				partitionOffset, err = unpackVarints32(payload)
			case fieldPartitionFilterOffset:
				partitionFilterOffset, err = unpackVarints32(payload)
			}
			if err != nil {
				return Shard{}, err
			}
		case protowire.VarintType:
			v, m := protowire.ConsumeVarint(buf)
			if m < 0 {
				return Shard{}, errors.New(errors.Corruption, "malformed shard varint field")
			}
			buf = buf[m:]
			if num == fieldValueLen {
				valueLen = int(v)
			}
		default:
			m := protowire.ConsumeFieldValue(num, typ, buf)
			if m < 0 {
				return Shard{}, errors.New(errors.Corruption, "malformed shard field")
			}
			buf = buf[m:]
		}
	}

	activeValues, err := decodeValues(valuesBlob, valueLen)
	if err != nil {
		return Shard{}, err
	}
	filteredValues, err := decodeValues(filteredValuesBlob, valueLen)
	if err != nil {
		return Shard{}, err
	}

	active, err := assembleRecords(keys, activeValues, versions, freqs)
	if err != nil {
		return Shard{}, err
	}
	filtered, err := assembleRecords(fkeys, filteredValues, fversions, ffreqs)
	if err != nil {
		return Shard{}, err
	}

	return Shard{
		Active:                active,
		Filtered:              filtered,
		ValueLen:              valueLen,
		PartitionOffset:       toInt32(partitionOffset),
		PartitionFilterOffset: toInt32(partitionFilterOffset),
	}, nil
}

func assembleRecords(keys []int64, values [][]float32, versions []int64, freqs []uint32) ([]ShardRecord, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	if len(values) != len(keys) || len(versions) != len(keys) || len(freqs) != len(keys) {
		return nil, errors.New(errors.Corruption, "shard tensor length mismatch")
	}
	recs := make([]ShardRecord, len(keys))
	for i := range keys {
		recs[i] = ShardRecord{Key: keys[i], Value: values[i], Version: versions[i], Freq: freqs[i]}
	}
	return recs, nil
}

func toInt32(vals []uint32) []int32 {
	if len(vals) == 0 {
		return nil
	}
	out := make([]int32, len(vals))
	for i, v := range vals {
		out[i] = int32(v)
	}
	return out
}

// ExportShard builds and encodes a checkpoint shard from ev's current
// snapshot. Shadow (filtered) ids are not tracked by LayeredStorage today
// (only admitted ids are resident), so Filtered is always empty here; the
// field exists so a caller layering a FrequencyThreshold filter with
// external shadow-id bookkeeping can populate it via BuildShard directly.
func (ev *EmbeddingVariable) ExportShard() []byte {
	snap := ev.GetSnapshot()
	active := make([]ShardRecord, len(snap.Keys))
	for i, k := range snap.Keys {
		active[i] = ShardRecord{Key: k, Value: snap.Values[i], Version: snap.Versions[i], Freq: snap.Freqs[i]}
	}
	shard := BuildShard(active, nil, ev.cfg.ValueLen)
	return EncodeShard(shard)
}

// ImportShard decodes buf and restores its active records into ev,
// honoring partition sharding exactly as Import does.
func (ev *EmbeddingVariable) ImportShard(buf []byte, partitionID, partitionNum int) error {
	shard, err := DecodeShard(buf)
	if err != nil {
		return err
	}
	records := make([]ImportRecord, len(shard.Active))
	for i, r := range shard.Active {
		records[i] = ImportRecord{Key: r.Key, Value: r.Value, Version: r.Version, Freq: r.Freq}
	}
	return ev.Import(records, partitionID, partitionNum)
}
