// Package store implements ResultStore (C13): durable persistence of
// completed query results, backed by go.etcd.io/bbolt, an embedded
// key-value store.
package store

import (
	"encoding/binary"
	"fmt"

	"go.etcd.io/bbolt"

	"github.com/dedis/adq/message"
	"github.com/dedis/adq/server"
)

var resultsBucket = []byte("results")

// BoltStore persists server.Result values keyed by query number in a
// single bbolt database file.
type BoltStore struct {
	db    *bbolt.DB
	codec message.RecordCodec
}

// Open creates or opens the bbolt database at path.
func Open(path string, codec message.RecordCodec) (*BoltStore, error) {
	db, err := bbolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(resultsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("store: init %s: %w", path, err)
	}
	return &BoltStore{db: db, codec: codec}, nil
}

// Close releases the underlying database file.
func (s *BoltStore) Close() error { return s.db.Close() }

// Save implements server.ResultStore.
func (s *BoltStore) Save(r server.Result) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(resultsBucket)
		return b.Put(queryKey(r.QueryNumber), encodeResult(r))
	})
}

// Load returns the stored result for queryNumber, if any.
func (s *BoltStore) Load(queryNumber int32) (server.Result, bool, error) {
	var r server.Result
	var found bool
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(resultsBucket)
		raw := b.Get(queryKey(queryNumber))
		if raw == nil {
			return nil
		}
		decoded, err := decodeResult(raw, s.codec)
		if err != nil {
			return err
		}
		r, found = decoded, true
		return nil
	})
	return r, found, err
}

// All returns every stored result, ordered by query number.
func (s *BoltStore) All() ([]server.Result, error) {
	var out []server.Result
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(resultsBucket)
		return b.ForEach(func(k, v []byte) error {
			r, err := decodeResult(v, s.codec)
			if err != nil {
				return err
			}
			out = append(out, r)
			return nil
		})
	})
	return out, err
}

func queryKey(queryNumber int32) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, uint32(queryNumber))
	return buf
}

func encodeResult(r server.Result) []byte {
	buf := make([]byte, 0, 16)
	buf = appendInt32(buf, r.QueryNumber)
	buf = appendInt32(buf, r.NumContributors)
	buf = appendBool(buf, r.QuorumFailed)
	if r.Value != nil {
		enc := r.Value.Encode()
		buf = appendInt32(buf, int32(len(enc)))
		buf = append(buf, enc...)
	} else {
		buf = appendInt32(buf, -1)
	}
	return buf
}

func decodeResult(raw []byte, codec message.RecordCodec) (server.Result, error) {
	var r server.Result
	if len(raw) < 9 {
		return r, fmt.Errorf("store: truncated result record")
	}
	r.QueryNumber = readInt32(raw[0:4])
	r.NumContributors = readInt32(raw[4:8])
	r.QuorumFailed = raw[8] != 0
	raw = raw[9:]
	if len(raw) < 4 {
		return r, fmt.Errorf("store: truncated result value length")
	}
	n := readInt32(raw[0:4])
	raw = raw[4:]
	if n >= 0 {
		if int(n) > len(raw) {
			return r, fmt.Errorf("store: truncated result value")
		}
		rec, err := codec.DecodeRecord(raw[:n])
		if err != nil {
			return r, fmt.Errorf("store: decode result value: %w", err)
		}
		r.Value = rec
	}
	return r, nil
}

func appendInt32(buf []byte, v int32) []byte {
	return append(buf, byte(v), byte(v>>8), byte(v>>16), byte(v>>24))
}

func appendBool(buf []byte, v bool) []byte {
	if v {
		return append(buf, 1)
	}
	return append(buf, 0)
}

func readInt32(b []byte) int32 {
	return int32(b[0]) | int32(b[1])<<8 | int32(b[2])<<16 | int32(b[3])<<24
}
