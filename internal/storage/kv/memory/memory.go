// Package memory implements an in-memory kv.DB for tests and ephemeral runs.
package memory

import (
	"bytes"
	"context"
	"sort"
	"sync"

	"github.com/corebank/ledgerd/internal/storage/kv"
)

// DB is a map-backed kv.DB. Iteration is over a sorted snapshot, so readers
// never observe a half-applied batch.
type DB struct {
	mu     sync.RWMutex
	data   map[string][]byte
	closed bool
}

// New creates an empty in-memory database.
func New() *DB {
	return &DB{data: make(map[string][]byte)}
}

func (m *DB) Read(ctx context.Context, key []byte) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, kv.ErrDBClosed
	}
	v, ok := m.data[string(key)]
	if !ok {
		return nil, kv.ErrKeyNotFound
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

func (m *DB) Write(ctx context.Context, key, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return kv.ErrDBClosed
	}
	v := make([]byte, len(value))
	copy(v, value)
	m.data[string(key)] = v
	return nil
}

func (m *DB) Delete(ctx context.Context, key []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return kv.ErrDBClosed
	}
	delete(m.data, string(key))
	return nil
}

func (m *DB) Batch(ctx context.Context, ops []kv.BatchOperation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return kv.ErrDBClosed
	}
	for _, op := range ops {
		switch op.Type {
		case kv.BatchPut:
			v := make([]byte, len(op.Value))
			copy(v, op.Value)
			m.data[string(op.Key)] = v
		case kv.BatchDelete:
			delete(m.data, string(op.Key))
		}
	}
	return nil
}

func (m *DB) Iterator(ctx context.Context, start, end []byte) (kv.Iterator, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, kv.ErrDBClosed
	}

	var keys []string
	for k := range m.data {
		kb := []byte(k)
		if start != nil && bytes.Compare(kb, start) < 0 {
			continue
		}
		if end != nil && bytes.Compare(kb, end) >= 0 {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	it := &Iterator{pos: -1}
	for _, k := range keys {
		v := m.data[k]
		vc := make([]byte, len(v))
		copy(vc, v)
		it.keys = append(it.keys, []byte(k))
		it.values = append(it.values, vc)
	}
	return it, nil
}

func (m *DB) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Iterator walks a sorted snapshot of a key range.
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
