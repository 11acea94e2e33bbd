package record

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func memStore(t *testing.T, compression string) Store {
	t.Helper()
	s, err := Open("memory", Options{Compression: compression})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestBackendsRegistered(t *testing.T) {
	names := Backends()
	for _, want := range []string{"bbolt", "memory", "pebble", "postgres", "sqlite"} {
		assert.Contains(t, names, want)
	}
}

func TestOpenUnknownBackend(t *testing.T) {
	_, err := Open("etcd", Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown record store backend")
}

func TestSaveLoadDelete(t *testing.T) {
	s := memStore(t, "none")
	ctx := context.Background()

	doc := Doc{"id": "a-1", "currency": "USD", "balance_minor": json.Number("12345")}
	require.NoError(t, s.Save(ctx, "accounts", "a-1", doc))

	got, err := s.Load(ctx, "accounts", "a-1")
	require.NoError(t, err)
	assert.Equal(t, "a-1", got.ID())
	assert.Equal(t, "USD", got["currency"])
	assert.Equal(t, json.Number("12345"), got["balance_minor"], "integer minor units survive the round trip")

	require.NoError(t, s.Delete(ctx, "accounts", "a-1"))
	_, err = s.Load(ctx, "accounts", "a-1")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.Load(ctx, "accounts", "never-existed")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestQuery(t *testing.T) {
	s := memStore(t, "none")
	ctx := context.Background()

	rows := []Doc{
		{"id": "t-1", "account": "a-1", "seq": 1, "kind": "deposit"},
		{"id": "t-2", "account": "a-1", "seq": 2, "kind": "withdrawal"},
		{"id": "t-3", "account": "a-2", "seq": 3, "kind": "deposit"},
		{"id": "t-4", "account": "a-1", "seq": 4, "kind": "deposit"},
	}
	for _, d := range rows {
		require.NoError(t, s.Save(ctx, "txns", d.ID(), d))
	}

	t.Run("filter eq", func(t *testing.T) {
		docs, err := s.Query(ctx, Query{Table: "txns", Filters: []Filter{
			{Field: "account", Op: Eq, Value: "a-1"},
		}})
		require.NoError(t, err)
		assert.Len(t, docs, 3)
	})

	t.Run("filter gte", func(t *testing.T) {
		docs, err := s.Query(ctx, Query{Table: "txns", Filters: []Filter{
			{Field: "seq", Op: Gte, Value: 3},
		}})
		require.NoError(t, err)
		assert.Len(t, docs, 2)
	})

	t.Run("filter prefix", func(t *testing.T) {
		docs, err := s.Query(ctx, Query{Table: "txns", Filters: []Filter{
			{Field: "kind", Op: Prefix, Value: "dep"},
		}})
		require.NoError(t, err)
		assert.Len(t, docs, 3)
	})

	t.Run("order desc with limit", func(t *testing.T) {
		docs, err := s.Query(ctx, Query{Table: "txns", OrderBy: "seq", Desc: true, Limit: 2})
		require.NoError(t, err)
		require.Len(t, docs, 2)
		assert.Equal(t, "t-4", docs[0].ID())
		assert.Equal(t, "t-3", docs[1].ID())
	})

	t.Run("table scoped", func(t *testing.T) {
		docs, err := s.Query(ctx, Query{Table: "accounts"})
		require.NoError(t, err)
		assert.Empty(t, docs)
	})
}

func TestTxCommitVisibility(t *testing.T) {
	s := memStore(t, "none")
	ctx := context.Background()

	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.Save("entries", "e-1", Doc{"id": "e-1"}))
	require.NoError(t, tx.Save("lines", "l-1", Doc{"id": "l-1", "entry": "e-1"}))

	// Staged writes are invisible before Commit.
	_, err = s.Load(ctx, "entries", "e-1")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, tx.Commit(ctx))
	_, err = s.Load(ctx, "entries", "e-1")
	require.NoError(t, err)
	_, err = s.Load(ctx, "lines", "l-1")
	require.NoError(t, err)

	// Finished transactions refuse further use.
	assert.ErrorIs(t, tx.Save("entries", "e-2", Doc{"id": "e-2"}), ErrTxDone)
	assert.ErrorIs(t, tx.Commit(ctx), ErrTxDone)
}

func TestTxRollback(t *testing.T) {
	s := memStore(t, "none")
	ctx := context.Background()

	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.Save("entries", "e-1", Doc{"id": "e-1"}))
	require.NoError(t, tx.Rollback())

	_, err = s.Load(ctx, "entries", "e-1")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, tx.Commit(ctx), ErrTxDone)
}

func TestCompressedStoreRoundTrip(t *testing.T) {
	s := memStore(t, "lz4")
	ctx := context.Background()

	doc := Doc{"id": "c-1", "notes": string(bytes.Repeat([]byte("monthly statement "), 64))}
	require.NoError(t, s.Save(ctx, "docs", "c-1", doc))

	got, err := s.Load(ctx, "docs", "c-1")
	require.NoError(t, err)
	assert.Equal(t, doc["notes"], got["notes"])
}

func TestCodec(t *testing.T) {
	c, err := newCodec("lz4")
	require.NoError(t, err)

	t.Run("compressible payload", func(t *testing.T) {
		data := bytes.Repeat([]byte("abcdefgh"), 512)
		enc, err := c.encode(data)
		require.NoError(t, err)
		assert.Equal(t, codecLZ4, enc[0])
		assert.Less(t, len(enc), len(data))

		dec, err := c.decode(enc)
		require.NoError(t, err)
		assert.Equal(t, data, dec)
	})

	t.Run("incompressible payload stays plain", func(t *testing.T) {
		data := []byte{0x01, 0xfe, 0x3a, 0x9c, 0x54}
		enc, err := c.encode(data)
		require.NoError(t, err)
		assert.Equal(t, codecNone, enc[0])

		dec, err := c.decode(enc)
		require.NoError(t, err)
		assert.Equal(t, data, dec)
	})

	t.Run("empty value rejected", func(t *testing.T) {
		_, err := c.decode(nil)
		assert.Error(t, err)
	})

	t.Run("unknown algorithm byte rejected", func(t *testing.T) {
		_, err := c.decode([]byte{0x7f, 0x00})
		assert.Error(t, err)
	})

	_, err = newCodec("zstd")
	assert.Error(t, err)
}
