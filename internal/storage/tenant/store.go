package tenant

import (
	"context"
	"fmt"
	"sync"

	"github.com/corebank/ledgerd/internal/errs"
	"github.com/corebank/ledgerd/internal/storage/record"
)

// Isolation selects the deployment strategy for separating tenant data.
type Isolation int

const (
	// IsolationShared stores all tenants in shared tables with a tenant tag.
	// Simplest; the default.
	IsolationShared Isolation = iota

	// IsolationSchema gives each tenant its own table namespace through the
	// same API.
	IsolationSchema

	// IsolationDatabase routes each tenant to its own backing store.
	IsolationDatabase
)

// ParseIsolation maps a configuration string to an Isolation.
func ParseIsolation(s string) (Isolation, error) {
	switch s {
	case "", "shared":
		return IsolationShared, nil
	case "schema":
		return IsolationSchema, nil
	case "database":
		return IsolationDatabase, nil
	}
	return 0, fmt.Errorf("unknown tenant isolation strategy: %s", s)
}

// tenantsTable is the platform-scoped registry of known tenants.
const tenantsTable = "platform.tenants"

// Opener creates a per-tenant backing store for IsolationDatabase.
type Opener func(tenantID string) (record.Store, error)

// Store is the tenant-scoped record store. It implements the same surface
// as record.Store with the tenant taken from the context.
type Store struct {
	isolation Isolation
	inner     record.Store

	// Per-tenant stores for IsolationDatabase.
	openerMu sync.Mutex
	opener   Opener
	byTenant map[string]record.Store
}

// New wraps a record store with shared or schema isolation.
func New(inner record.Store, isolation Isolation) *Store {
	return &Store{isolation: isolation, inner: inner}
}

// NewRouted creates a database-per-tenant store. The platform registry still
// lives in inner; tenant data is routed through opener.
func NewRouted(inner record.Store, opener Opener) *Store {
	return &Store{
		isolation: IsolationDatabase,
		inner:     inner,
		opener:    opener,
		byTenant:  make(map[string]record.Store),
	}
}

func (s *Store) tenantOf(ctx context.Context, op string) (string, error) {
	id, ok := FromContext(ctx)
	if !ok {
		return "", errs.E(errs.KindTenantIsolation, op, "no tenant in context")
	}
	return id, nil
}

// backendFor returns the record store holding the tenant's data.
func (s *Store) backendFor(tenantID string) (record.Store, error) {
	if s.isolation != IsolationDatabase {
		return s.inner, nil
	}
	s.openerMu.Lock()
	defer s.openerMu.Unlock()
	if db, ok := s.byTenant[tenantID]; ok {
		return db, nil
	}
	db, err := s.opener(tenantID)
	if err != nil {
		return nil, errs.Wrap(errs.KindTransient, "tenant.route", err)
	}
	s.byTenant[tenantID] = db
	return db, nil
}

// scopedTable maps a logical table to its physical name under the strategy.
func (s *Store) scopedTable(tenantID, table string) string {
	if s.isolation == IsolationSchema {
		return tenantID + "/" + table
	}
	return table
}

// scopedID keeps ids collision-free in shared tables.
func (s *Store) scopedID(tenantID, id string) string {
	if s.isolation == IsolationShared {
		return tenantID + "/" + id
	}
	return id
}

// Save persists a document under the current tenant, tagging it so reads can
// re-check the boundary.
func (s *Store) Save(ctx context.Context, table, id string, doc record.Doc) error {
	tenantID, err := s.tenantOf(ctx, "tenant.Save")
	if err != nil {
		return err
	}
	db, err := s.backendFor(tenantID)
	if err != nil {
		return err
	}
	tagged := doc.Clone()
	tagged["tenant"] = tenantID
	return db.Save(ctx, s.scopedTable(tenantID, table), s.scopedID(tenantID, id), tagged)
}

// Load reads a document under the current tenant.
func (s *Store) Load(ctx context.Context, table, id string) (record.Doc, error) {
	tenantID, err := s.tenantOf(ctx, "tenant.Load")
	if err != nil {
		return nil, err
	}
	db, err := s.backendFor(tenantID)
	if err != nil {
		return nil, err
	}
	doc, err := db.Load(ctx, s.scopedTable(tenantID, table), s.scopedID(tenantID, id))
	if err != nil {
		return nil, err
	}
	if tag, _ := doc["tenant"].(string); tag != tenantID {
		return nil, record.ErrNotFound
	}
	return doc, nil
}

// Delete removes a document under the current tenant.
func (s *Store) Delete(ctx context.Context, table, id string) error {
	tenantID, err := s.tenantOf(ctx, "tenant.Delete")
	if err != nil {
		return err
	}
	db, err := s.backendFor(tenantID)
	if err != nil {
		return err
	}
	return db.Delete(ctx, s.scopedTable(tenantID, table), s.scopedID(tenantID, id))
}

// Query runs a filtered scan constrained to the current tenant.
func (s *Store) Query(ctx context.Context, q record.Query) ([]record.Doc, error) {
	tenantID, err := s.tenantOf(ctx, "tenant.Query")
	if err != nil {
		return nil, err
	}
	db, err := s.backendFor(tenantID)
	if err != nil {
		return nil, err
	}
	scoped := q
	scoped.Table = s.scopedTable(tenantID, q.Table)
	scoped.Filters = append([]record.Filter{{Field: "tenant", Op: record.Eq, Value: tenantID}}, q.Filters...)
	return db.Query(ctx, scoped)
}

// Begin opens a transactional scope under the current tenant.
func (s *Store) Begin(ctx context.Context) (record.Tx, error) {
	tenantID, err := s.tenantOf(ctx, "tenant.Begin")
	if err != nil {
		return nil, err
	}
	db, err := s.backendFor(tenantID)
	if err != nil {
		return nil, err
	}
	tx, err := db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return &scopedTx{store: s, tenantID: tenantID, inner: tx}, nil
}

// scopedTx applies the same scoping rules to staged writes.
type scopedTx struct {
	store    *Store
	tenantID string
	inner    record.Tx
}

func (t *scopedTx) Save(table, id string, doc record.Doc) error {
	tagged := doc.Clone()
	tagged["tenant"] = t.tenantID
	return t.inner.Save(t.store.scopedTable(t.tenantID, table), t.store.scopedID(t.tenantID, id), tagged)
}

func (t *scopedTx) Delete(table, id string) error {
	return t.inner.Delete(t.store.scopedTable(t.tenantID, table), t.store.scopedID(t.tenantID, id))
}

func (t *scopedTx) Commit(ctx context.Context) error { return t.inner.Commit(ctx) }
func (t *scopedTx) Rollback() error                  { return t.inner.Rollback() }

// CreateTenant registers a tenant in the platform registry. Requires the
// cross-tenant capability.
func (s *Store) CreateTenant(ctx context.Context, id, name string) error {
	if !HasCrossTenant(ctx) {
		return errs.E(errs.KindTenantIsolation, "tenant.CreateTenant", "cross-tenant capability required")
	}
	if id == "" {
		return errs.E(errs.KindValidation, "tenant.CreateTenant", "tenant id is empty")
	}
	return s.inner.Save(ctx, tenantsTable, id, record.Doc{
		"id":   id,
		"name": name,
	})
}

// Tenants lists registered tenant ids. Requires the cross-tenant capability.
func (s *Store) Tenants(ctx context.Context) ([]string, error) {
	if !HasCrossTenant(ctx) {
		return nil, errs.E(errs.KindTenantIsolation, "tenant.Tenants", "cross-tenant capability required")
	}
	docs, err := s.inner.Query(ctx, record.Query{Table: tenantsTable, OrderBy: "id"})
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(docs))
	for _, d := range docs {
		out = append(out, d.ID())
	}
	return out, nil
}

// Close releases the underlying stores.
func (s *Store) Close() error {
	var firstErr error
	if s.isolation == IsolationDatabase {
		s.openerMu.Lock()
		for _, db := range s.byTenant {
			if err := db.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		s.openerMu.Unlock()
	}
	if err := s.inner.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
