package dlcstore

import (
	"fmt"
	"time"

	"go.etcd.io/bbolt"
)

// dbOpenTimeout is how long we wait for the database file lock before
// giving up.
const dbOpenTimeout = 10 * time.Second

// BoltProvider is a durable Provider backed by a bbolt database with one
// top-level bucket per kind byte.
type BoltProvider struct {
	db *bbolt.DB
}

// A compile time check to ensure BoltProvider implements Provider.
var _ Provider = (*BoltProvider)(nil)

// OpenBoltProvider opens (creating if necessary) the database at the given
// path.
func OpenBoltProvider(path string) (*BoltProvider, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{
		Timeout: dbOpenTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("unable to open dlc store %s: %w",
			path, err)
	}

	return &BoltProvider{db: db}, nil
}

// Close releases the underlying database.
func (b *BoltProvider) Close() error {
	return b.db.Close()
}

// Read returns the records of the given kind, see Provider.Read.
func (b *BoltProvider) Read(kind byte, key []byte) ([]KeyValue, error) {
	var kvs []KeyValue
	err := b.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte{kind})
		if bucket == nil {
			return nil
		}

		if key != nil {
			value := bucket.Get(key)
			if value == nil {
				return nil
			}

			kvs = append(kvs, KeyValue{
				Key:   append([]byte(nil), key...),
				Value: append([]byte(nil), value...),
			})

			return nil
		}

		return bucket.ForEach(func(k, v []byte) error {
			kvs = append(kvs, KeyValue{
				Key:   append([]byte(nil), k...),
				Value: append([]byte(nil), v...),
			})

			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	return kvs, nil
}

// Write stores a record, see Provider.Write.
func (b *BoltProvider) Write(kind byte, key, value []byte) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists([]byte{kind})
		if err != nil {
			return err
		}

		return bucket.Put(key, value)
	})
}

// Delete removes records, see Provider.Delete.
func (b *BoltProvider) Delete(kind byte, key []byte) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		if key == nil {
			err := tx.DeleteBucket([]byte{kind})
			if err == bbolt.ErrBucketNotFound {
				return nil
			}

			return err
		}

		bucket := tx.Bucket([]byte{kind})
		if bucket == nil {
			return nil
		}

		return bucket.Delete(key)
	})
}
