package wal

import (
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog/log"
)

// FileWAL is the durable, file-backed Manager implementation, grounded
// on the teacher's WALWriter/WALReader pair (pkg/wal/writer.go,
// pkg/wal/reader.go) generalized to the five BEGIN/DATA/COMMIT/
// ROLLBACK/CHECKPOINT entry types of spec §3.
type FileWAL struct {
	path string
	opts Options

	mu       sync.Mutex
	writer   *recordWriter
	sequence uint64

	retentionFloor func() uint64
}

// NewFileWAL opens (or creates) the WAL file at opts.Path.
func NewFileWAL(opts Options) (*FileWAL, error) {
	if opts.Path == "" {
		return nil, errors.New("wal: Options.Path is required for FileWAL")
	}
	if dir := filepath.Dir(opts.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.Wrap(err, "create WAL directory")
		}
	}

	w, err := newRecordWriter(opts.Path, opts)
	if err != nil {
		return nil, err
	}

	f := &FileWAL{path: opts.Path, opts: opts, writer: w}

	// Establish the current sequence by scanning the tail of the file;
	// a freshly-created WAL starts at zero.
	if entries, _ := f.readAllTolerant(); len(entries) > 0 {
		f.sequence = entries[len(entries)-1].Sequence
	}

	return f, nil
}

func (f *FileWAL) WriteEntry(entry Entry) (uint64, error) {
	if !f.opts.Enabled {
		return 0, nil
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.sequence++
	seq := f.sequence
	entry.Sequence = seq
	if entry.Timestamp == 0 {
		entry.Timestamp = time.Now().UnixNano()
	}

	payload, err := encodeEnvelope(entry)
	if err != nil {
		f.sequence--
		return 0, errors.Wrap(err, "encode WAL entry payload")
	}

	record := AcquireRecord()
	record.Header = Header{
		Magic:      WALMagic,
		Version:    WALVersion,
		EntryType:  entry.Type,
		Sequence:   seq,
		PayloadLen: uint32(len(payload)),
		CRC32:      CalculateCRC32(payload),
	}
	record.Payload = append(record.Payload, payload...)

	err = f.writer.WriteRecord(record)
	ReleaseRecord(record)
	if err != nil {
		f.sequence--
		return 0, errors.Wrap(err, "write WAL record")
	}
	return seq, nil
}

func (f *FileWAL) Flush() error {
	if !f.opts.Enabled {
		return nil
	}
	return f.writer.Sync()
}

func (f *FileWAL) CurrentSequence() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sequence
}

func (f *FileWAL) SetRetentionFloor(floor func() uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.retentionFloor = floor
}

// readAllTolerant reads every record currently on disk, stopping (not
// erroring) at the first invalid or missing record — used internally to
// re-establish the sequence counter on open.
func (f *FileWAL) readAllTolerant() ([]Entry, error) {
	if _, err := os.Stat(f.path); os.IsNotExist(err) {
		return nil, nil
	}

	reader, err := newRecordReader(f.path)
	if err != nil {
		return nil, err
	}
	defer reader.Close()

	var entries []Entry
	for {
		record, err := reader.ReadRecord()
		if err == io.EOF {
			break
		}
		if err != nil {
			break
		}
		entry, decErr := recordToEntry(record)
		ReleaseRecord(record)
		if decErr != nil {
			break
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func (f *FileWAL) ReadEntries(fromSeq uint64) ([]Entry, error) {
	if err := f.Flush(); err != nil {
		return nil, err
	}

	if _, err := os.Stat(f.path); os.IsNotExist(err) {
		return nil, nil
	}

	reader, err := newRecordReader(f.path)
	if err != nil {
		return nil, err
	}
	defer reader.Close()

	var lastSeq uint64
	var entries []Entry
	for {
		record, err := reader.ReadRecord()
		if err == io.EOF {
			break
		}
		if err != nil {
			return entries, corruptionErr("unreadable record", lastSeq, err)
		}
		entry, decErr := recordToEntry(record)
		ReleaseRecord(record)
		if decErr != nil {
			return entries, corruptionErr("undecodable payload", record.Header.Sequence, decErr)
		}
		if entry.Sequence != lastSeq+1 && lastSeq != 0 {
			return entries, corruptionErr("sequence gap", entry.Sequence, nil)
		}
		lastSeq = entry.Sequence
		if entry.Sequence >= fromSeq {
			entries = append(entries, entry)
		}
	}
	return entries, nil
}

func (f *FileWAL) CreateCheckpoint() (Checkpoint, error) {
	f.mu.Lock()
	currentSeq := f.sequence
	f.mu.Unlock()

	cp := Checkpoint{
		CheckpointID:       NewCheckpointID(),
		LastSequenceNumber: currentSeq,
		Timestamp:          time.Now().UnixNano(),
	}

	if _, err := f.WriteEntry(Entry{
		Type:      EntryCheckpoint,
		Operation: cp.CheckpointID,
		Payload:   []byte(cp.CheckpointID),
	}); err != nil {
		return Checkpoint{}, err
	}
	if err := f.Flush(); err != nil {
		return Checkpoint{}, err
	}

	log.Debug().Str("checkpointId", cp.CheckpointID).Uint64("lastSeq", cp.LastSequenceNumber).Msg("wal: checkpoint created")
	return cp, nil
}

// Truncate rewrites the WAL file keeping only entries with
// Sequence >= beforeSeq. It refuses if a registered retention floor
// still requires an earlier entry.
func (f *FileWAL) Truncate(beforeSeq uint64) error {
	f.mu.Lock()
	floorFn := f.retentionFloor
	f.mu.Unlock()

	if floorFn != nil {
		if floor := floorFn(); floor < beforeSeq {
			return errors.Newf("wal: truncate(%d) rejected: active transaction still requires sequence %d", beforeSeq, floor)
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.writer.Sync(); err != nil {
		return err
	}

	reader, err := newRecordReader(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	tmpPath := f.path + ".compact"
	tmp, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		reader.Close()
		return errors.Wrap(err, "create compaction file")
	}

	for {
		record, rerr := reader.ReadRecord()
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			break
		}
		if record.Header.Sequence >= beforeSeq {
			if _, werr := record.WriteTo(tmp); werr != nil {
				ReleaseRecord(record)
				reader.Close()
				tmp.Close()
				return errors.Wrap(werr, "write compacted record")
			}
		}
		ReleaseRecord(record)
	}
	reader.Close()

	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	if err := f.writer.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, f.path); err != nil {
		return errors.Wrap(err, "swap compacted WAL into place")
	}

	newWriter, err := newRecordWriter(f.path, f.opts)
	if err != nil {
		return err
	}
	f.writer = newWriter
	return nil
}

func (f *FileWAL) Recover() (RecoveryResult, error) {
	entries, err := f.ReadEntries(0)
	result := replayCommittedTransactions(entries)
	if err != nil {
		return result, err
	}
	if result.MaxSequence > f.sequence {
		f.mu.Lock()
		f.sequence = result.MaxSequence
		f.mu.Unlock()
	}
	return result, nil
}

func (f *FileWAL) Close() error {
	return f.writer.Close()
}
