// Package tenant enforces per-institution data isolation above the record
// store. Every operation runs under a tenant established on the context at
// the call boundary; reads and writes never cross tenants unless the caller
// holds the explicit cross-tenant capability used by platform administration.
package tenant

import (
	"context"
)

type ctxKey int

const (
	tenantKey ctxKey = iota
	capabilityKey
)

// WithTenant returns a context scoped to the given tenant id.
func WithTenant(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, tenantKey, id)
}

// FromContext returns the tenant id established on the context.
func FromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(tenantKey).(string)
	return id, ok && id != ""
}

// WithCrossTenant grants the platform-administration capability that allows
// operations without a tenant scope (tenant creation, key rotation).
func WithCrossTenant(ctx context.Context) context.Context {
	return context.WithValue(ctx, capabilityKey, true)
}

// HasCrossTenant reports whether the context carries the capability.
func HasCrossTenant(ctx context.Context) bool {
	ok, _ := ctx.Value(capabilityKey).(bool)
	return ok
}
