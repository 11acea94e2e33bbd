// Package bbolt implements the kv.DB interface on go.etcd.io/bbolt.
// All records live in a single bucket; bbolt gives single-file durability
// for small deployments.
package bbolt

import (
	"bytes"
	"context"
	"fmt"

	"go.etcd.io/bbolt"

	"github.com/corebank/ledgerd/internal/storage/kv"
)

var bucketName = []byte("records")

// DB wraps a bbolt database as a kv.DB.
type DB struct {
	db *bbolt.DB
}

// Open opens (or creates) a bbolt database file at path.
func Open(path string) (*DB, error) {
	db, err := bbolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("open bbolt at %s: %w", path, err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &DB{db: db}, nil
}

func (b *DB) Read(ctx context.Context, key []byte) ([]byte, error) {
	if b.db == nil {
		return nil, kv.ErrDBClosed
	}

	var value []byte
	err := b.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucketName).Get(key)
		if v == nil {
			return kv.ErrKeyNotFound
		}
		// Copy out; bbolt values are only valid during the transaction.
		value = make([]byte, len(v))
		copy(value, v)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return value, nil
}

func (b *DB) Write(ctx context.Context, key, value []byte) error {
	if b.db == nil {
		return kv.ErrDBClosed
	}
	return b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketName).Put(key, value)
	})
}

func (b *DB) Delete(ctx context.Context, key []byte) error {
	if b.db == nil {
		return kv.ErrDBClosed
	}
	return b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketName).Delete(key)
	})
}

func (b *DB) Batch(ctx context.Context, ops []kv.BatchOperation) error {
	if b.db == nil {
		return kv.ErrDBClosed
	}
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketName)
		for _, op := range ops {
			switch op.Type {
			case kv.BatchPut:
				if err := bucket.Put(op.Key, op.Value); err != nil {
					return err
				}
			case kv.BatchDelete:
				if err := bucket.Delete(op.Key); err != nil {
					return err
				}
			default:
				return fmt.Errorf("unknown batch operation type: %d", op.Type)
			}
		}
		return nil
	})
}

func (b *DB) Iterator(ctx context.Context, start, end []byte) (kv.Iterator, error) {
	if b.db == nil {
		return nil, kv.ErrDBClosed
	}

	// Snapshot the range up front; bbolt cursors are only valid inside a
	// transaction and the record store iterates after the call returns.
	var keys, values [][]byte
	err := b.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketName).Cursor()

		var k, v []byte
		if start == nil {
			k, v = c.First()
		} else {
			k, v = c.Seek(start)
		}
		for ; k != nil; k, v = c.Next() {
			if end != nil && bytes.Compare(k, end) >= 0 {
				break
			}
			kc := make([]byte, len(k))
			copy(kc, k)
			vc := make([]byte, len(v))
			copy(vc, v)
			keys = append(keys, kc)
			values = append(values, vc)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &Iterator{keys: keys, values: values, pos: -1}, nil
}

func (b *DB) Close() error {
	if b.db == nil {
		return nil
	}
	err := b.db.Close()
	b.db = nil
	return err
}

// Iterator walks a snapshot of a key range.
type Iterator struct {
	keys   [][]byte
	values [][]byte
	pos    int
}

func (it *Iterator) Next() bool {
	if it.pos+1 >= len(it.keys) {
		return false
	}
	it.pos++
	return true
}

func (it *Iterator) Key() []byte   { return it.keys[it.pos] }
func (it *Iterator) Value() []byte { return it.values[it.pos] }
func (it *Iterator) Error() error  { return nil }
func (it *Iterator) Close() error  { return nil }
