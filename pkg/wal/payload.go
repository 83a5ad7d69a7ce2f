package wal

import (
	"go.mongodb.org/mongo-driver/v2/bson"
)

// envelope is the BSON wire shape for the domain fields of an Entry
// that live inside Record.Payload (the WAL header itself only tracks
// magic/version/type/sequence/length/checksum).
type envelope struct {
	TransactionID  string `bson:"txId,omitempty"`
	Timestamp      int64  `bson:"ts"`
	CollectionName string `bson:"coll,omitempty"`
	Operation      string `bson:"op,omitempty"`
	Payload        []byte `bson:"payload,omitempty"`
}

func encodeEnvelope(e Entry) ([]byte, error) {
	return bson.Marshal(envelope{
		TransactionID:  e.TransactionID,
		Timestamp:      e.Timestamp,
		CollectionName: e.CollectionName,
		Operation:      e.Operation,
		Payload:        e.Payload,
	})
}

func decodeEnvelope(data []byte) (envelope, error) {
	var env envelope
	if len(data) == 0 {
		return env, nil
	}
	err := bson.Unmarshal(data, &env)
	return env, err
}

func recordToEntry(r *Record) (Entry, error) {
	env, err := decodeEnvelope(r.Payload)
	if err != nil {
		return Entry{}, err
	}
	return Entry{
		Sequence:       r.Header.Sequence,
		TransactionID:  env.TransactionID,
		Timestamp:      env.Timestamp,
		Type:           r.Header.EntryType,
		CollectionName: env.CollectionName,
		Operation:      env.Operation,
		Payload:        env.Payload,
		Checksum:       r.Header.CRC32,
	}, nil
}
