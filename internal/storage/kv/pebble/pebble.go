// Package pebble implements the kv.DB interface on cockroachdb/pebble.
package pebble

import (
	"context"
	"errors"
	"fmt"

	"github.com/cockroachdb/pebble"

	"github.com/corebank/ledgerd/internal/storage/kv"
)

// DB wraps a pebble database as a kv.DB.
type DB struct {
	db *pebble.DB
}

// Open opens (or creates) a pebble database at path.
func Open(path string) (*DB, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open pebble at %s: %w", path, err)
	}
	return &DB{db: db}, nil
}

// New wraps an already-open pebble database.
func New(db *pebble.DB) *DB {
	return &DB{db: db}
}

func (p *DB) Read(ctx context.Context, key []byte) ([]byte, error) {
	if p.db == nil {
		return nil, kv.ErrDBClosed
	}

	val, closer, err := p.db.Get(key)
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, kv.ErrKeyNotFound
		}
		return nil, err
	}
	defer closer.Close()

	// Copy the value out; it is only valid until closer.Close.
	valCopy := make([]byte, len(val))
	copy(valCopy, val)
	return valCopy, nil
}

func (p *DB) Write(ctx context.Context, key, value []byte) error {
	if p.db == nil {
		return kv.ErrDBClosed
	}
	return p.db.Set(key, value, pebble.Sync)
}

func (p *DB) Delete(ctx context.Context, key []byte) error {
	if p.db == nil {
		return kv.ErrDBClosed
	}
	return p.db.Delete(key, pebble.Sync)
}

func (p *DB) Batch(ctx context.Context, ops []kv.BatchOperation) error {
	if p.db == nil {
		return kv.ErrDBClosed
	}

	batch := p.db.NewBatch()
	defer batch.Close()

	for _, op := range ops {
		switch op.Type {
		case kv.BatchPut:
			if err := batch.Set(op.Key, op.Value, nil); err != nil {
				return err
			}
		case kv.BatchDelete:
			if err := batch.Delete(op.Key, nil); err != nil {
				return err
			}
		default:
			return fmt.Errorf("unknown batch operation type: %d", op.Type)
		}
	}

	return batch.Commit(pebble.Sync)
}

func (p *DB) Iterator(ctx context.Context, start, end []byte) (kv.Iterator, error) {
	if p.db == nil {
		return nil, kv.ErrDBClosed
	}

	iter, err := p.db.NewIter(&pebble.IterOptions{
		LowerBound: start,
		UpperBound: end,
	})
	if err != nil {
		return nil, err
	}

	return &Iterator{iter: iter, start: start}, nil
}

func (p *DB) Close() error {
	if p.db == nil {
		return nil
	}
	err := p.db.Close()
	p.db = nil
	return err
}

// Iterator adapts a pebble iterator to kv.Iterator.
type Iterator struct {
	iter    *pebble.Iterator
	start   []byte
	started bool
	current struct {
		key, value []byte
	}
}

func (it *Iterator) Next() bool {
	if !it.started {
		it.started = true
		if it.start == nil {
			it.iter.First()
		} else {
			it.iter.SeekGE(it.start)
		}
	} else {
		it.iter.Next()
	}

	if !it.iter.Valid() {
		return false
	}

	key := it.iter.Key()
	keyCopy := make([]byte, len(key))
	copy(keyCopy, key)

	val := it.iter.Value()
	valCopy := make([]byte, len(val))
	copy(valCopy, val)

	it.current.key = keyCopy
	it.current.value = valCopy
	return true
}

func (it *Iterator) Key() []byte   { return it.current.key }
func (it *Iterator) Value() []byte { return it.current.value }

func (it *Iterator) Error() error { return it.iter.Error() }

func (it *Iterator) Close() error { return it.iter.Close() }
