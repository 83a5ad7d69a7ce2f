package wal

import (
	"io"
	"os"

	"github.com/cockroachdb/errors"
)

var (
	// ErrInvalidMagic means the record header's magic number did not
	// match, i.e. the file is not a WAL or reading started mid-record.
	ErrInvalidMagic = errors.New("wal: invalid magic number")

	// ErrChecksumMismatch means a record's payload failed CRC32
	// verification — spec §4.1's mandatory corruption signal.
	ErrChecksumMismatch = errors.New("wal: checksum mismatch")

	// ErrInvalidPayloadLen means a record declared an implausible
	// payload length, most likely because the header itself is garbage.
	ErrInvalidPayloadLen = errors.New("wal: invalid payload length")
)

const maxPayloadLen = 1 << 30 // 1GB guard against reading garbage as a length

// recordReader reads Records sequentially from a single file.
type recordReader struct {
	file   *os.File
	offset int64
}

func newRecordReader(path string) (*recordReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	return &recordReader{file: f}, nil
}

// ReadRecord reads the next record, returning io.EOF when the file is
// exhausted at a record boundary. A mid-record truncation (crash during
// a partial write) surfaces as io.ErrUnexpectedEOF so the caller can
// treat it as "stop replay here", per spec §4.1's contract that reads
// terminate at the last valid prefix.
func (r *recordReader) ReadRecord() (*Record, error) {
	headerBuf := make([]byte, HeaderSize)
	n, err := io.ReadFull(r.file, headerBuf)
	if err == io.EOF {
		return nil, io.EOF
	}
	if err != nil {
		return nil, errors.Wrap(err, "read WAL header")
	}
	if n != HeaderSize {
		return nil, io.ErrUnexpectedEOF
	}

	var header Header
	header.Decode(headerBuf)

	if header.Magic != WALMagic {
		return nil, ErrInvalidMagic
	}

	if header.PayloadLen == 0 {
		r.offset += int64(HeaderSize)
		return &Record{Header: header}, nil
	}

	if header.PayloadLen > maxPayloadLen {
		return nil, ErrInvalidPayloadLen
	}

	record := AcquireRecord()
	record.Header = header
	if uint32(cap(record.Payload)) < header.PayloadLen {
		record.Payload = make([]byte, header.PayloadLen)
	} else {
		record.Payload = record.Payload[:header.PayloadLen]
	}

	if _, err := io.ReadFull(r.file, record.Payload); err != nil {
		ReleaseRecord(record)
		if err == io.EOF {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}

	if !ValidateCRC32(record.Payload, header.CRC32) {
		ReleaseRecord(record)
		return nil, ErrChecksumMismatch
	}

	r.offset += int64(HeaderSize) + int64(header.PayloadLen)
	return record, nil
}

func (r *recordReader) Close() error {
	return r.file.Close()
}
