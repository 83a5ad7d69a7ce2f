// Package wal implements the write-ahead log described in spec §4.1:
// durable recording of intent before data mutation, crash recovery, and
// checkpointing. The on-disk record format generalizes the teacher's
// fixed 24-byte header (magic/version/type/reserved/LSN/length/CRC32)
// to carry the five WAL entry types spec.md §3 names.
package wal

import (
	"encoding/binary"
	"io"
)

// HeaderSize is the fixed size, in bytes, of every on-disk record header.
const HeaderSize = 24

// WALMagic identifies a valid record header.
const WALMagic uint32 = 0xDEADBEEF

// WALVersion is the current on-disk format version.
const WALVersion uint8 = 1

// EntryType enumerates the WAL entry kinds from spec §3.
type EntryType uint8

const (
	EntryBegin EntryType = iota + 1
	EntryData
	EntryCommit
	EntryRollback
	EntryCheckpoint
)

func (t EntryType) String() string {
	switch t {
	case EntryBegin:
		return "BEGIN"
	case EntryData:
		return "DATA"
	case EntryCommit:
		return "COMMIT"
	case EntryRollback:
		return "ROLLBACK"
	case EntryCheckpoint:
		return "CHECKPOINT"
	default:
		return "UNKNOWN"
	}
}

// Header is the fixed 24-byte prefix of every record: magic, version,
// entry type, reserved padding, sequence number, payload length, and a
// CRC32 (Castagnoli) checksum over the payload.
type Header struct {
	Magic      uint32
	Version    uint8
	EntryType  EntryType
	Reserved   uint16
	Sequence   uint64
	PayloadLen uint32
	CRC32      uint32
}

func (h *Header) Encode(buf []byte) {
	binary.LittleEndian.PutUint32(buf[0:4], h.Magic)
	buf[4] = h.Version
	buf[5] = uint8(h.EntryType)
	binary.LittleEndian.PutUint16(buf[6:8], h.Reserved)
	binary.LittleEndian.PutUint64(buf[8:16], h.Sequence)
	binary.LittleEndian.PutUint32(buf[16:20], h.PayloadLen)
	binary.LittleEndian.PutUint32(buf[20:24], h.CRC32)
}

func (h *Header) Decode(buf []byte) {
	h.Magic = binary.LittleEndian.Uint32(buf[0:4])
	h.Version = buf[4]
	h.EntryType = EntryType(buf[5])
	h.Reserved = binary.LittleEndian.Uint16(buf[6:8])
	h.Sequence = binary.LittleEndian.Uint64(buf[8:16])
	h.PayloadLen = binary.LittleEndian.Uint32(buf[16:20])
	h.CRC32 = binary.LittleEndian.Uint32(buf[20:24])
}

// Record is a single on-disk record: header plus payload bytes. The
// payload is the BSON-encoded form of Entry's domain fields
// (transactionId, timestamp, collectionName, operation, payload) — see
// EncodePayload/DecodePayload.
type Record struct {
	Header  Header
	Payload []byte
}

// WriteTo writes header then payload to w, returning bytes written.
func (r *Record) WriteTo(w io.Writer) (int64, error) {
	var headerBuf [HeaderSize]byte
	r.Header.Encode(headerBuf[:])

	n, err := w.Write(headerBuf[:])
	if err != nil {
		return int64(n), err
	}
	m, err := w.Write(r.Payload)
	return int64(n + m), err
}

// Entry is the logical WAL entry described in spec §3: sequence number
// assigned on write, the owning transaction (empty for entries with no
// transaction, e.g. a bare CHECKPOINT), a timestamp, a type, the
// collection the entry concerns, an operation label, and an opaque
// payload.
type Entry struct {
	Sequence       uint64
	TransactionID  string
	Timestamp      int64 // unix nanoseconds
	Type           EntryType
	CollectionName string
	Operation      string
	Payload        []byte
	Checksum       uint32
}
