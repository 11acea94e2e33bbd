// Package record implements the table/record store every entity is persisted
// through. Records are JSON documents keyed by (table, id); backends are
// registered by name and selected from configuration. Tenant scoping and the
// PII envelope are layered above this package.
package record

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"encoding/json"
)

var (
	// ErrNotFound is returned when no record exists under (table, id).
	ErrNotFound = errors.New("record not found")

	// ErrTxDone is returned when using a transaction after Commit or Rollback.
	ErrTxDone = errors.New("transaction already finished")
)

// Doc is a decoded record document. Numbers decode as json.Number.
type Doc map[string]any

// ID returns the document's "id" field.
func (d Doc) ID() string {
	s, _ := d["id"].(string)
	return s
}

// Clone returns a shallow copy of the document.
func (d Doc) Clone() Doc {
	out := make(Doc, len(d))
	for k, v := range d {
		out[k] = v
	}
	return out
}

// FilterOp is a comparison operator for queries.
type FilterOp int

const (
	Eq FilterOp = iota
	Ne
	Lt
	Lte
	Gt
	Gte
	Prefix
)

// Filter constrains a query to records whose Field compares to Value.
type Filter struct {
	Field string
	Op    FilterOp
	Value any
}

// Query describes a table scan with filters, ordering and a limit.
//
// Filters are evaluated against decoded documents, not indexes; layers that
// decrypt PII apply their filters after decryption for the same reason.
type Query struct {
	Table   string
	Filters []Filter
	OrderBy string
	Desc    bool
	Limit   int
}

// Store is the record persistence contract.
type Store interface {
	Save(ctx context.Context, table, id string, doc Doc) error
	Load(ctx context.Context, table, id string) (Doc, error)
	Delete(ctx context.Context, table, id string) error
	Query(ctx context.Context, q Query) ([]Doc, error)

	// Begin opens a transactional scope grouping several saves into one
	// atomic unit. The ledger's post operation depends on this.
	Begin(ctx context.Context) (Tx, error)

	Close() error
}

// Tx stages writes until Commit. Writes are not visible to readers until
// Commit returns, and Rollback discards them.
type Tx interface {
	Save(table, id string, doc Doc) error
	Delete(table, id string) error
	Commit(ctx context.Context) error
	Rollback() error
}

// Factory creates a Store from backend-specific options.
type Factory func(opts Options) (Store, error)

// Options configures a backend at open time.
type Options struct {
	// Path is the data directory or file for embedded backends.
	Path string

	// DSN is the connection string for SQL backends.
	DSN string

	// Compression selects the value codec: "none" or "lz4".
	Compression string
}

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Factory)
)

// Register registers a store factory under a backend name.
func Register(name string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = factory
}

// Open creates a store for the named backend.
func Open(name string, opts Options) (Store, error) {
	registryMu.RLock()
	factory, ok := registry[name]
	registryMu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("unknown record store backend: %s", name)
	}
	return factory(opts)
}

// Backends returns the registered backend names, sorted.
func Backends() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// EncodeDoc serializes a document to JSON bytes.
func EncodeDoc(doc Doc) ([]byte, error) {
	return json.Marshal(doc)
}

// DecodeDoc parses JSON bytes into a Doc, keeping numbers as json.Number so
// integer minor units survive the round trip exactly.
func DecodeDoc(data []byte) (Doc, error) {
	dec := json.NewDecoder(strings.NewReader(string(data)))
	dec.UseNumber()
	var doc Doc
	if err := dec.Decode(&doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// matches reports whether doc satisfies every filter.
func matches(doc Doc, filters []Filter) bool {
	for _, f := range filters {
		v, ok := doc[f.Field]
		if !ok {
			return false
		}
		c, comparable := compareValues(v, f.Value)
		switch f.Op {
		case Eq:
			if !comparable || c != 0 {
				return false
			}
		case Ne:
			if comparable && c == 0 {
				return false
			}
		case Lt:
			if !comparable || c >= 0 {
				return false
			}
		case Lte:
			if !comparable || c > 0 {
				return false
			}
		case Gt:
			if !comparable || c <= 0 {
				return false
			}
		case Gte:
			if !comparable || c < 0 {
				return false
			}
		case Prefix:
			s, sok := v.(string)
			p, pok := f.Value.(string)
			if !sok || !pok || !strings.HasPrefix(s, p) {
				return false
			}
		}
	}
	return true
}

// compareValues compares a decoded document value with a filter value.
func compareValues(a, b any) (int, bool) {
	if an, ok := toFloat(a); ok {
		if bn, ok := toFloat(b); ok {
			switch {
			case an < bn:
				return -1, true
			case an > bn:
				return 1, true
			}
			return 0, true
		}
		return 0, false
	}
	as, aok := toString(a)
	bs, bok := toString(b)
	if aok && bok {
		return strings.Compare(as, bs), true
	}
	if ab, ok := a.(bool); ok {
		if bb, ok := b.(bool); ok {
			if ab == bb {
				return 0, true
			}
			if !ab {
				return -1, true
			}
			return 1, true
		}
	}
	return 0, false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}

func toString(v any) (string, bool) {
	s, ok := v.(string)
	return s, ok
}

// sortDocs orders results by q.OrderBy; ties keep scan order, which is
// id order for every backend.
func sortDocs(docs []Doc, q Query) {
	if q.OrderBy == "" {
		return
	}
	sort.SliceStable(docs, func(i, j int) bool {
		c, ok := compareValues(docs[i][q.OrderBy], docs[j][q.OrderBy])
		if !ok {
			return false
		}
		if q.Desc {
			return c > 0
		}
		return c < 0
	})
}

// ApplyQuery filters, orders and limits an already-loaded document set.
// Layers that must filter after decryption (the PII envelope) reuse it so
// filter semantics stay identical to backend scans.
func ApplyQuery(docs []Doc, q Query) []Doc {
	return applyQuery(docs, q)
}

// applyQuery filters, orders and limits a scanned document set.
func applyQuery(docs []Doc, q Query) []Doc {
	out := docs[:0]
	for _, d := range docs {
		if matches(d, q.Filters) {
			out = append(out, d)
		}
	}
	sortDocs(out, q)
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out
}
