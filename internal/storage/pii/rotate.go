package pii

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/corebank/ledgerd/internal/storage/record"
	"github.com/corebank/ledgerd/internal/storage/tenant"
)

// RotationReport summarizes a bulk re-encryption run.
type RotationReport struct {
	RotatedRecords int
	RotatedFields  int
	Skipped        int
	Errors         []string
}

// Rotator re-encrypts every registered PII field of every tenant under a new
// key manager and provider. The job is restartable: records already sealed
// under the new key are detected and skipped, so a crashed run can simply be
// started again.
type Rotator struct {
	registry *Registry
	provider Provider
	oldKeys  *KeyManager
	newKeys  *KeyManager

	// Workers bounds table-level parallelism. Zero means 4.
	Workers int
}

// NewRotator creates a rotation job from the old and new key material.
func NewRotator(registry *Registry, provider Provider, oldKeys, newKeys *KeyManager) *Rotator {
	return &Rotator{registry: registry, provider: provider, oldKeys: oldKeys, newKeys: newKeys}
}

// Rotate runs the job over every registered tenant. The store must be the
// tenant wrapper over the raw backend (no PII layer), so envelopes pass
// through untouched. ctx must carry the cross-tenant capability.
func (r *Rotator) Rotate(ctx context.Context, store *tenant.Store) (*RotationReport, error) {
	tenants, err := store.Tenants(ctx)
	if err != nil {
		return nil, err
	}

	report := &RotationReport{}
	var mu sync.Mutex

	workers := r.Workers
	if workers <= 0 {
		workers = 4
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	for _, tenantID := range tenants {
		for _, table := range r.registry.Tables() {
			tenantID, table := tenantID, table
			g.Go(func() error {
				scoped := tenant.WithTenant(gctx, tenantID)
				recs, fields, skipped, errs := r.rotateTable(scoped, store, table)
				mu.Lock()
				report.RotatedRecords += recs
				report.RotatedFields += fields
				report.Skipped += skipped
				report.Errors = append(report.Errors, errs...)
				mu.Unlock()
				return nil
			})
		}
	}

	if err := g.Wait(); err != nil {
		return report, err
	}
	return report, nil
}

func (r *Rotator) rotateTable(ctx context.Context, store *tenant.Store, table string) (records, fields, skipped int, errs []string) {
	docs, err := store.Query(ctx, record.Query{Table: table})
	if err != nil {
		return 0, 0, 0, []string{fmt.Sprintf("%s: query: %v", table, err)}
	}

	for _, doc := range docs {
		rotatedAny := false
		failed := false

		for _, field := range r.registry.Fields(table) {
			v, ok := doc[field]
			if !ok || !IsEnveloped(v) {
				continue
			}
			envelope := v.(string)

			plain, err := r.reseal(table, field, envelope)
			if err == errAlreadyRotated {
				skipped++
				continue
			}
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s/%s.%s: %v", table, doc.ID(), field, err))
				failed = true
				continue
			}
			doc[field] = plain
			fields++
			rotatedAny = true
		}

		if rotatedAny && !failed {
			if err := store.Save(ctx, table, doc.ID(), doc); err != nil {
				errs = append(errs, fmt.Sprintf("%s/%s: save: %v", table, doc.ID(), err))
				continue
			}
			records++
		}
	}
	return records, fields, skipped, errs
}

var errAlreadyRotated = fmt.Errorf("already sealed under new key")

// reseal decrypts an envelope under the old key and re-encrypts it under the
// new one. Envelopes that only open under the new key are already rotated.
func (r *Rotator) reseal(table, field, envelope string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(envelope, envelopePrefix))
	if err != nil || len(raw) < 2 {
		return "", fmt.Errorf("malformed envelope")
	}
	p, err := providerForTag(raw[0])
	if err != nil {
		return "", err
	}

	plain, err := p.Decrypt(r.oldKeys.FieldKey(table, field), raw[1:])
	if err != nil {
		if _, newErr := p.Decrypt(r.newKeys.FieldKey(table, field), raw[1:]); newErr == nil {
			return "", errAlreadyRotated
		}
		return "", fmt.Errorf("decrypt under old key: %w", err)
	}

	sealed, err := r.provider.Encrypt(r.newKeys.FieldKey(table, field), plain)
	if err != nil {
		return "", err
	}
	return envelopePrefix + base64.StdEncoding.EncodeToString(sealed), nil
}
