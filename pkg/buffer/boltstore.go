package buffer

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

var recordsBucket = []byte("records")

// BoltStore persists buffered records in a bbolt file keyed by record id.
// Keys are big-endian so cursor order equals enqueue order.
type BoltStore struct {
	db *bolt.DB
}

// OpenBoltStore opens or creates the buffer database at path
func OpenBoltStore(path string) (*BoltStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create buffer directory: %w", err)
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open buffer database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(recordsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create buffer bucket: %w", err)
	}

	return &BoltStore{db: db}, nil
}

func recordKey(id uint64) []byte {
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], id)
	return k[:]
}

// Append stores one record
func (s *BoltStore) Append(r Record) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to encode record: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(recordsBucket).Put(recordKey(r.ID), data)
	})
}

// Delete removes records by id. Missing ids are ignored.
func (s *BoltStore) Delete(ids ...uint64) error {
	if len(ids) == 0 {
		return nil
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(recordsBucket)
		for _, id := range ids {
			if err := b.Delete(recordKey(id)); err != nil {
				return err
			}
		}
		return nil
	})
}

// Load returns every stored record in id order. Undecodable entries are
// skipped.
func (s *BoltStore) Load() ([]Record, error) {
	var out []Record
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(recordsBucket).ForEach(func(k, v []byte) error {
			var r Record
			if err := json.Unmarshal(v, &r); err != nil {
				return nil
			}
			out = append(out, r)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read buffer database: %w", err)
	}
	return out, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}
