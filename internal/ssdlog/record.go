// Package ssdlog implements the write-ahead, compacted SSD log spec.md
// §4.5/§6 specifies: segments of up to segment_bytes, a manifest mapping id
// to (segment, offset, length), and synchronous or asynchronous compaction.
//
// © 2025 embedstore authors. MIT License.
package ssdlog

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/Voskan/embedstore/errors"
	"github.com/Voskan/embedstore/internal/unsafehelpers"
)

// headerSize is the fixed record header: key(8) + flags(8) + version(8) +
// freq(8) + checksum(4) + padding(4), per spec.md §6's concrete on-disk
// format.
const headerSize = 40

// Record is one FlushBatch input/output unit.
type Record struct {
	Key     int64
	Flags   uint64
	Version int64
	Freq    uint64
	Payload []float32
}

// recordLen returns the total on-disk length of a record with totalDims
// float32 payload elements.
func recordLen(totalDims int) int {
	return headerSize + totalDims*4
}

// encodeRecord serializes r into buf, which must be exactly
// recordLen(len(r.Payload)) bytes. The checksum covers the whole record
// with the checksum field itself held at zero, the simplest scheme that
// still detects any single-record corruption (the same approach badger's
// value log uses for its own entry checksums, crc32/IEEE is the standard
// library's right tool here).
//
// The payload is copied via unsafehelpers' zero-copy byte view rather than
// an explicit per-float encoding loop: this assumes a little-endian host
// (the only target the SSD log's mmap/direct-IO schemes are built for, via
// golang.org/x/sys/unix), matching the explicit LittleEndian header fields.
func encodeRecord(buf []byte, r Record) {
	binary.LittleEndian.PutUint64(buf[0:8], uint64(r.Key))
	binary.LittleEndian.PutUint64(buf[8:16], r.Flags)
	binary.LittleEndian.PutUint64(buf[16:24], uint64(r.Version))
	binary.LittleEndian.PutUint64(buf[24:32], r.Freq)
	binary.LittleEndian.PutUint32(buf[32:36], 0) // checksum placeholder
	binary.LittleEndian.PutUint32(buf[36:40], 0) // padding

	copy(buf[headerSize:], unsafehelpers.BytesFromFloat32Slice(r.Payload))

	sum := crc32.ChecksumIEEE(buf)
	binary.LittleEndian.PutUint32(buf[32:36], sum)
}

// decodeRecord parses buf (exactly recordLen(totalDims) bytes) back into a
// Record, verifying the checksum. Returns a *errors.Error of kind
// Corruption if the checksum does not match. buf must be exclusively owned
// by the caller going forward: the returned Payload aliases it rather than
// copying (readAt always hands back a freshly allocated buffer per call,
// so this is safe).
func decodeRecord(buf []byte, totalDims int) (Record, error) {
	if len(buf) != recordLen(totalDims) {
		return Record{}, errors.New(errors.Corruption, "short record read")
	}

	storedSum := binary.LittleEndian.Uint32(buf[32:36])
	check := make([]byte, len(buf))
	copy(check, buf)
	binary.LittleEndian.PutUint32(check[32:36], 0)
	if crc32.ChecksumIEEE(check) != storedSum {
		return Record{}, errors.New(errors.Corruption, "checksum mismatch")
	}

	r := Record{
		Key:     int64(binary.LittleEndian.Uint64(buf[0:8])),
		Flags:   binary.LittleEndian.Uint64(buf[8:16]),
		Version: int64(binary.LittleEndian.Uint64(buf[16:24])),
		Freq:    binary.LittleEndian.Uint64(buf[24:32]),
		Payload: unsafehelpers.Float32SliceFromBytes(buf[headerSize:]),
	}
	return r, nil
}
