package wal

import (
	"bufio"
	"os"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog/log"
)

// recordWriter manages durable appends of Records to a single
// append-only file, matching the teacher's WALWriter (bufio + periodic
// or batched fsync).
type recordWriter struct {
	mu      sync.Mutex
	file    *os.File
	writer  *bufio.Writer
	options Options

	batchBytes int64

	done   chan struct{}
	ticker *time.Ticker
	closed bool
}

// newRecordWriter opens (creating if absent) an append-only file at
// path and starts the background sync routine if SyncInterval is
// configured.
func newRecordWriter(path string, opts Options) (*recordWriter, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0644)
	if err != nil {
		return nil, errors.Wrap(err, "open WAL file")
	}

	w := &recordWriter{
		file:    f,
		writer:  bufio.NewWriterSize(f, opts.BufferSize),
		options: opts,
		done:    make(chan struct{}),
	}

	if opts.SyncPolicy == SyncInterval {
		w.ticker = time.NewTicker(opts.FlushInterval)
		go w.backgroundSync()
	}

	return w, nil
}

// WriteRecord buffers record and applies the configured sync policy.
func (w *recordWriter) WriteRecord(record *Record) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	n, err := record.WriteTo(w.writer)
	if err != nil {
		return err
	}
	w.batchBytes += n

	switch w.options.SyncPolicy {
	case SyncEveryWrite:
		return w.syncLocked()
	case SyncBatch:
		if w.batchBytes >= w.options.SyncBatchBytes {
			return w.syncLocked()
		}
	}
	return nil
}

// Sync forces all buffered records to stable storage.
func (w *recordWriter) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.syncLocked()
}

func (w *recordWriter) syncLocked() error {
	if err := w.writer.Flush(); err != nil {
		return errors.Wrap(err, "flush WAL buffer")
	}
	if err := w.file.Sync(); err != nil {
		return errors.Wrap(err, "fsync WAL file")
	}
	w.batchBytes = 0
	return nil
}

// Close flushes, syncs, and closes the underlying file.
func (w *recordWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true

	if w.ticker != nil {
		w.ticker.Stop()
		close(w.done)
	}

	if err := w.syncLocked(); err != nil {
		w.file.Close()
		return err
	}
	return w.file.Close()
}

func (w *recordWriter) backgroundSync() {
	for {
		select {
		case <-w.ticker.C:
			if err := w.Sync(); err != nil {
				log.Warn().Err(err).Msg("wal: background sync failed")
			}
		case <-w.done:
			return
		}
	}
}
