// Package chart resolves account ids to their chart-of-accounts kind. The
// mapping is read-mostly and cached; the editing lifecycle belongs to a
// collaborator, the core only consumes kinds to sign balances.
package chart

import (
	"context"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/corebank/ledgerd/internal/errs"
	"github.com/corebank/ledgerd/internal/storage/record"
	"github.com/corebank/ledgerd/internal/storage/tenant"
)

// Kind is the accounting class of an account; it decides the balance sign
// convention.
type Kind string

const (
	Asset     Kind = "asset"
	Liability Kind = "liability"
	Equity    Kind = "equity"
	Revenue   Kind = "revenue"
	Expense   Kind = "expense"
)

// Valid reports whether k is one of the five account kinds.
func (k Kind) Valid() bool {
	switch k {
	case Asset, Liability, Equity, Revenue, Expense:
		return true
	}
	return false
}

// DebitNormal reports whether debits increase balances of this kind.
// Assets and expenses are debit-normal; liability, equity and revenue
// accounts are credit-normal.
func (k Kind) DebitNormal() bool {
	return k == Asset || k == Expense
}

// AccountsTable is the storage table the kind lookup reads from.
const AccountsTable = "accounts"

// Service looks up account kinds with an LRU cache in front of storage.
type Service struct {
	store *tenant.Store
	cache *lru.Cache[string, Kind]
}

// New creates a kind-lookup service caching up to size entries.
func New(store *tenant.Store, size int) (*Service, error) {
	if size <= 0 {
		size = 4096
	}
	cache, err := lru.New[string, Kind](size)
	if err != nil {
		return nil, err
	}
	return &Service{store: store, cache: cache}, nil
}

func cacheKey(tenantID, accountID string) string {
	return tenantID + "/" + accountID
}

// KindOf returns the kind of an account under the current tenant.
func (s *Service) KindOf(ctx context.Context, accountID string) (Kind, error) {
	tenantID, ok := tenant.FromContext(ctx)
	if !ok {
		return "", errs.E(errs.KindTenantIsolation, "chart.KindOf", "no tenant in context")
	}

	if kind, ok := s.cache.Get(cacheKey(tenantID, accountID)); ok {
		return kind, nil
	}

	doc, err := s.store.Load(ctx, AccountsTable, accountID)
	if err == record.ErrNotFound {
		return "", errs.Ef(errs.KindNotFound, "chart.KindOf", "account %s not found", accountID)
	}
	if err != nil {
		return "", err
	}

	kind := Kind(fmt.Sprint(doc["kind"]))
	if !kind.Valid() {
		return "", errs.Ef(errs.KindInternal, "chart.KindOf", "account %s has invalid kind %q", accountID, kind)
	}

	s.cache.Add(cacheKey(tenantID, accountID), kind)
	return kind, nil
}

// Invalidate drops a cached kind after an explicit account update.
func (s *Service) Invalidate(tenantID, accountID string) {
	s.cache.Remove(cacheKey(tenantID, accountID))
}
