package tenant

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corebank/ledgerd/internal/errs"
	"github.com/corebank/ledgerd/internal/storage/record"
)

func openShared(t *testing.T, isolation Isolation) *Store {
	t.Helper()
	inner, err := record.Open("memory", record.Options{})
	require.NoError(t, err)
	s := New(inner, isolation)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestParseIsolation(t *testing.T) {
	for s, want := range map[string]Isolation{
		"":         IsolationShared,
		"shared":   IsolationShared,
		"schema":   IsolationSchema,
		"database": IsolationDatabase,
	} {
		got, err := ParseIsolation(s)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParseIsolation("cluster")
	assert.Error(t, err)
}

func TestOperationsRequireTenant(t *testing.T) {
	s := openShared(t, IsolationShared)
	ctx := context.Background()

	assert.Equal(t, errs.KindTenantIsolation, errs.KindOf(s.Save(ctx, "accounts", "a-1", record.Doc{"id": "a-1"})))
	_, err := s.Load(ctx, "accounts", "a-1")
	assert.Equal(t, errs.KindTenantIsolation, errs.KindOf(err))
	_, err = s.Query(ctx, record.Query{Table: "accounts"})
	assert.Equal(t, errs.KindTenantIsolation, errs.KindOf(err))
	_, err = s.Begin(ctx)
	assert.Equal(t, errs.KindTenantIsolation, errs.KindOf(err))
}

func TestTenantsDoNotSeeEachOther(t *testing.T) {
	for name, isolation := range map[string]Isolation{
		"shared": IsolationShared,
		"schema": IsolationSchema,
	} {
		t.Run(name, func(t *testing.T) {
			s := openShared(t, isolation)
			acme := WithTenant(context.Background(), "acme")
			globex := WithTenant(context.Background(), "globex")

			require.NoError(t, s.Save(acme, "accounts", "a-1", record.Doc{"id": "a-1", "owner": "alice"}))
			require.NoError(t, s.Save(globex, "accounts", "a-1", record.Doc{"id": "a-1", "owner": "bob"}))

			doc, err := s.Load(acme, "accounts", "a-1")
			require.NoError(t, err)
			assert.Equal(t, "alice", doc["owner"], "same id resolves per tenant")

			docs, err := s.Query(acme, record.Query{Table: "accounts"})
			require.NoError(t, err)
			require.Len(t, docs, 1)
			assert.Equal(t, "alice", docs[0]["owner"])

			require.NoError(t, s.Delete(globex, "accounts", "a-1"))
			_, err = s.Load(globex, "accounts", "a-1")
			assert.ErrorIs(t, err, record.ErrNotFound)
			_, err = s.Load(acme, "accounts", "a-1")
			assert.NoError(t, err, "deleting under one tenant leaves the other untouched")
		})
	}
}

func TestRoutedIsolationOpensPerTenantStores(t *testing.T) {
	inner, err := record.Open("memory", record.Options{})
	require.NoError(t, err)

	opened := make(map[string]int)
	s := NewRouted(inner, func(tenantID string) (record.Store, error) {
		opened[tenantID]++
		return record.Open("memory", record.Options{})
	})
	t.Cleanup(func() { s.Close() })

	acme := WithTenant(context.Background(), "acme")
	globex := WithTenant(context.Background(), "globex")

	require.NoError(t, s.Save(acme, "accounts", "a-1", record.Doc{"id": "a-1"}))
	require.NoError(t, s.Save(globex, "accounts", "a-1", record.Doc{"id": "a-1"}))
	_, err = s.Load(acme, "accounts", "a-1")
	require.NoError(t, err)

	assert.Equal(t, map[string]int{"acme": 1, "globex": 1}, opened, "one backing store per tenant, reused")
}

func TestScopedTransaction(t *testing.T) {
	s := openShared(t, IsolationShared)
	acme := WithTenant(context.Background(), "acme")
	globex := WithTenant(context.Background(), "globex")

	tx, err := s.Begin(acme)
	require.NoError(t, err)
	require.NoError(t, tx.Save("accounts", "a-1", record.Doc{"id": "a-1"}))
	require.NoError(t, tx.Commit(acme))

	_, err = s.Load(acme, "accounts", "a-1")
	require.NoError(t, err)
	_, err = s.Load(globex, "accounts", "a-1")
	assert.ErrorIs(t, err, record.ErrNotFound, "staged writes stay tenant scoped")
}

func TestTenantRegistryRequiresCapability(t *testing.T) {
	s := openShared(t, IsolationShared)
	plain := context.Background()
	admin := WithCrossTenant(context.Background())

	assert.Equal(t, errs.KindTenantIsolation, errs.KindOf(s.CreateTenant(plain, "acme", "Acme Savings")))
	_, err := s.Tenants(plain)
	assert.Equal(t, errs.KindTenantIsolation, errs.KindOf(err))

	require.NoError(t, s.CreateTenant(admin, "globex", "Globex Credit Union"))
	require.NoError(t, s.CreateTenant(admin, "acme", "Acme Savings"))
	assert.Equal(t, errs.KindValidation, errs.KindOf(s.CreateTenant(admin, "", "nameless")))

	ids, err := s.Tenants(admin)
	require.NoError(t, err)
	assert.Equal(t, []string{"acme", "globex"}, ids)
}
