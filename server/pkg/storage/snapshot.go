package storage

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/boltdb/bolt"
)

// SnapshotStore persists service snapshots in a bolt database, one bucket
// per service, keyed by big-endian snapshot index so a cursor walks them in
// index order.
type SnapshotStore struct {
	db *bolt.DB
}

func OpenSnapshotStore(path string) (*SnapshotStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open snapshot store %s: %w", path, err)
	}
	return &SnapshotStore{db: db}, nil
}

func (st *SnapshotStore) Close() error {
	return st.db.Close()
}

// Save writes the snapshot for a service at the given index. The write is
// durable when Save returns.
func (st *SnapshotStore) Save(serviceName string, index int64, data []byte) error {
	return st.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(serviceName))
		if err != nil {
			return err
		}
		return b.Put(indexKey(index), data)
	})
}

// Load returns the newest snapshot for a service, or index 0 and nil data
// when none exists.
func (st *SnapshotStore) Load(serviceName string) (int64, []byte, error) {
	var index int64
	var data []byte
	err := st.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(serviceName))
		if b == nil {
			return nil
		}
		k, v := b.Cursor().Last()
		if k == nil {
			return nil
		}
		index = int64(binary.BigEndian.Uint64(k))
		data = append([]byte(nil), v...)
		return nil
	})
	return index, data, err
}

// Prune removes every snapshot whose index is below the given index;
// snapshots at or above it are kept.
func (st *SnapshotStore) Prune(serviceName string, before int64) error {
	return st.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(serviceName))
		if b == nil {
			return nil
		}
		c := b.Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			if int64(binary.BigEndian.Uint64(k)) >= before {
				break
			}
			if err := c.Delete(); err != nil {
				return err
			}
		}
		return nil
	})
}

// Services lists the service names that have at least one snapshot.
func (st *SnapshotStore) Services() ([]string, error) {
	var names []string
	err := st.db.View(func(tx *bolt.Tx) error {
		return tx.ForEach(func(name []byte, _ *bolt.Bucket) error {
			names = append(names, string(name))
			return nil
		})
	})
	return names, err
}

func indexKey(index int64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, uint64(index))
	return k
}
