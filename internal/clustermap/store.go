// SPDX-License-Identifier: MIT

package clustermap

import (
	"fmt"

	"github.com/boltdb/bolt"
)

var (
	mapBucket = []byte("maps")

	keyOSDMap = []byte("osdmap")
	keyMonMap = []byte("monmap")
	keyMDSMap = []byte("mdsmap")
)

// Store durably persists the last-known full map of each kind, the same
// way internal/raftkv/db and internal/curator/durable/state keep their
// state in a bolt database: one bucket, small number of fixed keys, each
// write its own transaction.
type Store struct {
	db *bolt.DB
}

// OpenStore opens (creating if necessary) a bolt database at path for
// durable map storage.
func OpenStore(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("clustermap: open %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(mapBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveOSDMap persists m as the latest known-good full OSD map.
func (s *Store) SaveOSDMap(m *OSDMap) error {
	data, err := EncodeOSDMap(m)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(mapBucket).Put(keyOSDMap, data)
	})
}

// LoadOSDMap returns the last persisted full OSD map, or nil if none was
// ever saved.
func (s *Store) LoadOSDMap() (*OSDMap, error) {
	var data []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(mapBucket).Get(keyOSDMap)
		if v != nil {
			data = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil || data == nil {
		return nil, err
	}
	return DecodeOSDMap(data)
}

// SaveMonMap persists m as the latest known-good monitor map.
func (s *Store) SaveMonMap(m *MonMap) error {
	data, err := EncodeMonMap(m)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(mapBucket).Put(keyMonMap, data)
	})
}

// LoadMonMap returns the last persisted monitor map, or nil if none was
// ever saved.
func (s *Store) LoadMonMap() (*MonMap, error) {
	var data []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(mapBucket).Get(keyMonMap)
		if v != nil {
			data = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil || data == nil {
		return nil, err
	}
	return DecodeMonMap(data)
}

// SaveMDSMap persists m as the latest known-good MDS map.
func (s *Store) SaveMDSMap(m *MDSMap) error {
	data, err := EncodeMDSMap(m)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(mapBucket).Put(keyMDSMap, data)
	})
}

// LoadMDSMap returns the last persisted MDS map, or nil if none was ever
// saved.
func (s *Store) LoadMDSMap() (*MDSMap, error) {
	var data []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(mapBucket).Get(keyMDSMap)
		if v != nil {
			data = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil || data == nil {
		return nil, err
	}
	return DecodeMDSMap(data)
}
