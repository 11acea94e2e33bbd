package pii

import (
	"context"
	"strings"

	"github.com/corebank/ledgerd/internal/storage/record"
)

// Store wraps a record.Store and transparently encrypts registered PII
// fields. It sits between the concrete backend and the tenant wrapper, so
// the table names it sees may carry a "tenant/" namespace prefix under
// schema isolation; registry and key lookups always use the logical name.
type Store struct {
	inner    record.Store
	registry *Registry
	provider Provider
	keys     *KeyManager
}

// New wraps inner with the PII envelope. A nil provider (configuration
// "none") disables encryption entirely.
func New(inner record.Store, registry *Registry, provider Provider, keys *KeyManager) *Store {
	return &Store{inner: inner, registry: registry, provider: provider, keys: keys}
}

// logicalTable strips a tenant namespace prefix added by schema isolation.
func logicalTable(table string) string {
	if i := strings.IndexByte(table, '/'); i >= 0 {
		return table[i+1:]
	}
	return table
}

func (s *Store) enabled() bool { return s.provider != nil }

// seal returns a copy of doc with registered fields encrypted.
func (s *Store) seal(table string, doc record.Doc) (record.Doc, error) {
	logical := logicalTable(table)
	if !s.enabled() || len(s.registry.Fields(logical)) == 0 {
		return doc, nil
	}
	out := doc.Clone()
	for _, field := range s.registry.Fields(logical) {
		v, ok := out[field]
		if !ok || v == nil || IsEnveloped(v) {
			continue
		}
		sealed, err := sealValue(s.provider, s.keys.FieldKey(logical, field), v)
		if err != nil {
			return nil, err
		}
		out[field] = sealed
	}
	return out, nil
}

// open returns a copy of doc with enveloped fields decrypted.
func (s *Store) open(table string, doc record.Doc) (record.Doc, error) {
	logical := logicalTable(table)
	if !s.enabled() || len(s.registry.Fields(logical)) == 0 {
		return doc, nil
	}
	out := doc.Clone()
	for _, field := range s.registry.Fields(logical) {
		v, ok := out[field]
		if !ok || !IsEnveloped(v) {
			continue
		}
		plain, err := openValue(s.keys.FieldKey(logical, field), v.(string))
		if err != nil {
			return nil, err
		}
		out[field] = plain
	}
	return out, nil
}

func (s *Store) Save(ctx context.Context, table, id string, doc record.Doc) error {
	sealed, err := s.seal(table, doc)
	if err != nil {
		return err
	}
	return s.inner.Save(ctx, table, id, sealed)
}

func (s *Store) Load(ctx context.Context, table, id string) (record.Doc, error) {
	doc, err := s.inner.Load(ctx, table, id)
	if err != nil {
		return nil, err
	}
	return s.open(table, doc)
}

func (s *Store) Delete(ctx context.Context, table, id string) error {
	return s.inner.Delete(ctx, table, id)
}

// Query pushes non-PII filters down to the backend and applies PII-field
// filters only after decryption. Such filters never use indexes.
func (s *Store) Query(ctx context.Context, q record.Query) ([]record.Doc, error) {
	logical := logicalTable(q.Table)

	var plain, sensitive []record.Filter
	for _, f := range q.Filters {
		if s.enabled() && s.registry.IsPII(logical, f.Field) {
			sensitive = append(sensitive, f)
		} else {
			plain = append(plain, f)
		}
	}

	pushed := q
	pushed.Filters = plain
	if len(sensitive) > 0 || s.orderIsPII(logical, q) {
		// Ordering or filtering on PII must happen on plaintext.
		pushed.OrderBy = ""
		pushed.Limit = 0
	}

	docs, err := s.inner.Query(ctx, pushed)
	if err != nil {
		return nil, err
	}

	opened := make([]record.Doc, 0, len(docs))
	for _, d := range docs {
		o, err := s.open(q.Table, d)
		if err != nil {
			return nil, err
		}
		opened = append(opened, o)
	}

	if len(sensitive) > 0 || s.orderIsPII(logical, q) {
		post := record.Query{Table: q.Table, Filters: sensitive, OrderBy: q.OrderBy, Desc: q.Desc, Limit: q.Limit}
		return record.ApplyQuery(opened, post), nil
	}
	return opened, nil
}

func (s *Store) orderIsPII(logical string, q record.Query) bool {
	return q.OrderBy != "" && s.enabled() && s.registry.IsPII(logical, q.OrderBy)
}

func (s *Store) Begin(ctx context.Context) (record.Tx, error) {
	tx, err := s.inner.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return &piiTx{store: s, inner: tx}, nil
}

func (s *Store) Close() error { return s.inner.Close() }

type piiTx struct {
	store *Store
	inner record.Tx
}

func (t *piiTx) Save(table, id string, doc record.Doc) error {
	sealed, err := t.store.seal(table, doc)
	if err != nil {
		return err
	}
	return t.inner.Save(table, id, sealed)
}

func (t *piiTx) Delete(table, id string) error {
	return t.inner.Delete(table, id)
}

func (t *piiTx) Commit(ctx context.Context) error { return t.inner.Commit(ctx) }
func (t *piiTx) Rollback() error                  { return t.inner.Rollback() }
