package wal

import "sync"

// pool.go avoids churning the GC with a Record/byte-buffer per write.

var (
	recordPool = sync.Pool{
		New: func() interface{} {
			return &Record{Payload: make([]byte, 0, 4096)}
		},
	}

	bufferPool = sync.Pool{
		New: func() interface{} {
			buf := make([]byte, 0, 8192)
			return &buf
		},
	}
)

// AcquireRecord obtains a Record from the pool.
func AcquireRecord() *Record {
	return recordPool.Get().(*Record)
}

// ReleaseRecord zeroes and returns a Record to the pool.
func ReleaseRecord(r *Record) {
	r.Header = Header{}
	r.Payload = r.Payload[:0]
	recordPool.Put(r)
}

// AcquireBuffer obtains a byte buffer from the pool.
func AcquireBuffer() *[]byte {
	return bufferPool.Get().(*[]byte)
}

// ReleaseBuffer returns a byte buffer to the pool.
func ReleaseBuffer(buf *[]byte) {
	*buf = (*buf)[:0]
	bufferPool.Put(buf)
}
