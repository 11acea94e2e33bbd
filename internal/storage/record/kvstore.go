package record

import (
	"context"
	"errors"
	"fmt"

	"github.com/corebank/ledgerd/internal/storage/kv"
	kvbbolt "github.com/corebank/ledgerd/internal/storage/kv/bbolt"
	kvmemory "github.com/corebank/ledgerd/internal/storage/kv/memory"
	kvpebble "github.com/corebank/ledgerd/internal/storage/kv/pebble"
)

// keySep separates table from id in KV keys. Table names never contain it.
const keySep = 0x00

func recordKey(table, id string) []byte {
	key := make([]byte, 0, len(table)+1+len(id))
	key = append(key, table...)
	key = append(key, keySep)
	key = append(key, id...)
	return key
}

func tableBounds(table string) (start, end []byte) {
	start = append([]byte(table), keySep)
	end = append([]byte(table), keySep+1)
	return start, end
}

// kvStore implements Store over any kv.DB backend.
type kvStore struct {
	db    kv.DB
	codec *codec
}

// NewKV wraps a kv.DB as a record Store.
func NewKV(db kv.DB, compression string) (Store, error) {
	c, err := newCodec(compression)
	if err != nil {
		return nil, err
	}
	return &kvStore{db: db, codec: c}, nil
}

func (s *kvStore) Save(ctx context.Context, table, id string, doc Doc) error {
	data, err := EncodeDoc(doc)
	if err != nil {
		return fmt.Errorf("encode record %s/%s: %w", table, id, err)
	}
	value, err := s.codec.encode(data)
	if err != nil {
		return err
	}
	return s.db.Write(ctx, recordKey(table, id), value)
}

func (s *kvStore) Load(ctx context.Context, table, id string) (Doc, error) {
	value, err := s.db.Read(ctx, recordKey(table, id))
	if err != nil {
		if errors.Is(err, kv.ErrKeyNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	data, err := s.codec.decode(value)
	if err != nil {
		return nil, err
	}
	return DecodeDoc(data)
}

func (s *kvStore) Delete(ctx context.Context, table, id string) error {
	return s.db.Delete(ctx, recordKey(table, id))
}

func (s *kvStore) Query(ctx context.Context, q Query) ([]Doc, error) {
	start, end := tableBounds(q.Table)
	it, err := s.db.Iterator(ctx, start, end)
	if err != nil {
		return nil, err
	}
	defer it.Close()

	var docs []Doc
	for it.Next() {
		data, err := s.codec.decode(it.Value())
		if err != nil {
			return nil, err
		}
		doc, err := DecodeDoc(data)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	if err := it.Error(); err != nil {
		return nil, err
	}
	return applyQuery(docs, q), nil
}

func (s *kvStore) Begin(ctx context.Context) (Tx, error) {
	return &kvTx{store: s}, nil
}

func (s *kvStore) Close() error {
	return s.db.Close()
}

// kvTx stages operations and commits them through a single atomic batch.
type kvTx struct {
	store *kvStore
	ops   []kv.BatchOperation
	done  bool
}

func (t *kvTx) Save(table, id string, doc Doc) error {
	if t.done {
		return ErrTxDone
	}
	data, err := EncodeDoc(doc)
	if err != nil {
		return fmt.Errorf("encode record %s/%s: %w", table, id, err)
	}
	value, err := t.store.codec.encode(data)
	if err != nil {
		return err
	}
	t.ops = append(t.ops, kv.BatchOperation{Type: kv.BatchPut, Key: recordKey(table, id), Value: value})
	return nil
}

func (t *kvTx) Delete(table, id string) error {
	if t.done {
		return ErrTxDone
	}
	t.ops = append(t.ops, kv.BatchOperation{Type: kv.BatchDelete, Key: recordKey(table, id)})
	return nil
}

func (t *kvTx) Commit(ctx context.Context) error {
	if t.done {
		return ErrTxDone
	}
	t.done = true
	if len(t.ops) == 0 {
		return nil
	}
	return t.store.db.Batch(ctx, t.ops)
}

func (t *kvTx) Rollback() error {
	if t.done {
		return ErrTxDone
	}
	t.done = true
	t.ops = nil
	return nil
}

func init() {
	Register("pebble", func(opts Options) (Store, error) {
		db, err := kvpebble.Open(opts.Path)
		if err != nil {
			return nil, err
		}
		return NewKV(db, opts.Compression)
	})
	Register("bbolt", func(opts Options) (Store, error) {
		db, err := kvbbolt.Open(opts.Path)
		if err != nil {
			return nil, err
		}
		return NewKV(db, opts.Compression)
	})
	Register("memory", func(opts Options) (Store, error) {
		return NewKV(kvmemory.New(), opts.Compression)
	})
}
