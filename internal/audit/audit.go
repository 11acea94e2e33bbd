// Package audit implements the per-tenant, hash-chained audit trail. Every
// record's hash covers a canonical serialization of the record plus the
// previous record's hash, so any later modification of stored history is
// detectable by Verify.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/corebank/ledgerd/internal/clock"
	"github.com/corebank/ledgerd/internal/errs"
	"github.com/corebank/ledgerd/internal/storage/record"
	"github.com/corebank/ledgerd/internal/storage/tenant"
)

const (
	// Table is the storage table audit records are appended to.
	Table = "audit_records"

	// headsTable stores the per-tenant chain head (last sequence + hash).
	headsTable = "audit_heads"

	// GenesisHash is the previous-hash of the first record in every chain.
	GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"
)

// Record is one tamper-evident audit event.
type Record struct {
	Sequence    uint64         `json:"sequence"`
	Timestamp   time.Time      `json:"timestamp"`
	EventKind   string         `json:"event_kind"`
	SubjectKind string         `json:"subject_kind"`
	SubjectID   string         `json:"subject_id"`
	Actor       string         `json:"actor"`
	Details     map[string]any `json:"details"`
	PrevHash    string         `json:"prev_hash"`
	Hash        string         `json:"hash"`
}

// Subject identifies the entity an audit record is about.
type Subject struct {
	Kind string
	ID   string
}

// Chain appends and verifies per-tenant audit records. Appends are
// serialized per tenant so sequence numbers can never fork.
type Chain struct {
	store *tenant.Store
	clock clock.Clock

	mu       sync.Mutex
	tenantMu map[string]*sync.Mutex
	poisoned map[string]bool
}

// NewChain creates an audit chain over the tenant-scoped store.
func NewChain(store *tenant.Store, clk clock.Clock) *Chain {
	return &Chain{
		store:    store,
		clock:    clk,
		tenantMu: make(map[string]*sync.Mutex),
		poisoned: make(map[string]bool),
	}
}

func (c *Chain) lockFor(tenantID string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	mu, ok := c.tenantMu[tenantID]
	if !ok {
		mu = &sync.Mutex{}
		c.tenantMu[tenantID] = mu
	}
	return mu
}

func seqID(seq uint64) string {
	return fmt.Sprintf("%020d", seq)
}

// canonicalBytes serializes everything the hash covers, in a fixed field
// order with sorted detail keys. The Hash field itself is excluded.
func canonicalBytes(r *Record) ([]byte, error) {
	// encoding/json writes struct fields in declaration order and map keys
	// sorted, which is exactly the canonical form the chain contract needs.
	return json.Marshal(struct {
		Sequence    uint64         `json:"sequence"`
		Timestamp   string         `json:"timestamp"`
		EventKind   string         `json:"event_kind"`
		SubjectKind string         `json:"subject_kind"`
		SubjectID   string         `json:"subject_id"`
		Actor       string         `json:"actor"`
		Details     map[string]any `json:"details"`
		PrevHash    string         `json:"prev_hash"`
	}{
		Sequence:    r.Sequence,
		Timestamp:   r.Timestamp.UTC().Format(time.RFC3339Nano),
		EventKind:   r.EventKind,
		SubjectKind: r.SubjectKind,
		SubjectID:   r.SubjectID,
		Actor:       r.Actor,
		Details:     r.Details,
		PrevHash:    r.PrevHash,
	})
}

func computeHash(r *Record) (string, error) {
	data, err := canonicalBytes(r)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// Append adds a record to the tenant's chain and returns it with sequence
// and hash assigned.
func (c *Chain) Append(ctx context.Context, eventKind string, subject Subject, actor string, details map[string]any) (*Record, error) {
	tenantID, ok := tenant.FromContext(ctx)
	if !ok {
		return nil, errs.E(errs.KindTenantIsolation, "audit.Append", "no tenant in context")
	}

	mu := c.lockFor(tenantID)
	mu.Lock()
	defer mu.Unlock()

	if c.isPoisoned(tenantID) {
		return nil, errs.Ef(errs.KindAuditPoisoned, "audit.Append",
			"audit chain for tenant %s failed verification; appends refused", tenantID)
	}

	seq, prevHash, err := c.head(ctx)
	if err != nil {
		return nil, errs.Wrap(errs.KindTransient, "audit.Append", err)
	}

	rec := &Record{
		Sequence:    seq,
		Timestamp:   c.clock.Now(),
		EventKind:   eventKind,
		SubjectKind: subject.Kind,
		SubjectID:   subject.ID,
		Actor:       actor,
		Details:     details,
		PrevHash:    prevHash,
	}
	rec.Hash, err = computeHash(rec)
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, "audit.Append", err)
	}

	// Record and head are written in one atomic unit; a partial write that
	// persisted a sequence without its hash would poison the chain.
	tx, err := c.store.Begin(ctx)
	if err != nil {
		return nil, errs.Wrap(errs.KindTransient, "audit.Append", err)
	}
	if err := tx.Save(Table, seqID(seq), recordToDoc(rec)); err != nil {
		tx.Rollback()
		return nil, errs.Wrap(errs.KindTransient, "audit.Append", err)
	}
	if err := tx.Save(headsTable, "head", record.Doc{
		"id":       "head",
		"sequence": strconv.FormatUint(seq, 10),
		"hash":     rec.Hash,
	}); err != nil {
		tx.Rollback()
		return nil, errs.Wrap(errs.KindTransient, "audit.Append", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, errs.Wrap(errs.KindTransient, "audit.Append", err)
	}

	return rec, nil
}

// head returns the next sequence number and the hash to link from.
func (c *Chain) head(ctx context.Context) (uint64, string, error) {
	doc, err := c.store.Load(ctx, headsTable, "head")
	if err == record.ErrNotFound {
		return 0, GenesisHash, nil
	}
	if err != nil {
		return 0, "", err
	}
	last, err := strconv.ParseUint(docString(doc, "sequence"), 10, 64)
	if err != nil {
		return 0, "", fmt.Errorf("corrupt audit head: %w", err)
	}
	return last + 1, docString(doc, "hash"), nil
}

// Get returns the record at a sequence number.
func (c *Chain) Get(ctx context.Context, seq uint64) (*Record, error) {
	doc, err := c.store.Load(ctx, Table, seqID(seq))
	if err == record.ErrNotFound {
		return nil, errs.Ef(errs.KindNotFound, "audit.Get", "no audit record at sequence %d", seq)
	}
	if err != nil {
		return nil, err
	}
	return docToRecord(doc)
}

// Range returns records with from <= sequence <= to, in sequence order.
func (c *Chain) Range(ctx context.Context, from, to uint64) ([]*Record, error) {
	docs, err := c.store.Query(ctx, record.Query{
		Table:   Table,
		OrderBy: "id",
	})
	if err != nil {
		return nil, err
	}
	var out []*Record
	for _, doc := range docs {
		rec, err := docToRecord(doc)
		if err != nil {
			return nil, err
		}
		if rec.Sequence < from || rec.Sequence > to {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// VerifyResult reports the outcome of a chain verification.
type VerifyResult struct {
	Valid          bool
	FirstBroken    uint64
	RecordsChecked int
}

// Verify recomputes every hash in [from, to] and checks linkage and
// sequence contiguity. A failure marks the tenant's chain poisoned,
// refusing further appends until ClearPoison.
func (c *Chain) Verify(ctx context.Context, from, to uint64) (*VerifyResult, error) {
	tenantID, ok := tenant.FromContext(ctx)
	if !ok {
		return nil, errs.E(errs.KindTenantIsolation, "audit.Verify", "no tenant in context")
	}

	records, err := c.Range(ctx, from, to)
	if err != nil {
		return nil, err
	}

	result := &VerifyResult{Valid: true}
	expectedPrev := GenesisHash
	expectedSeq := from

	for i, rec := range records {
		result.RecordsChecked++

		if i == 0 && from > 0 && rec.Sequence == from {
			// Partial verification: trust the first record's own prev_hash
			// as the link anchor. A full verification (from 0) always
			// anchors at genesis so a deleted head is still detected.
			expectedPrev = rec.PrevHash
		}

		broken := rec.Sequence != expectedSeq || rec.PrevHash != expectedPrev
		if !broken {
			recomputed, err := computeHash(rec)
			if err != nil {
				return nil, errs.Wrap(errs.KindInternal, "audit.Verify", err)
			}
			broken = recomputed != rec.Hash
		}

		if broken {
			result.Valid = false
			result.FirstBroken = rec.Sequence
			c.setPoisoned(tenantID)
			return result, nil
		}

		expectedSeq = rec.Sequence + 1
		expectedPrev = rec.Hash
	}
	return result, nil
}

// VerifyAll verifies the tenant's entire chain.
func (c *Chain) VerifyAll(ctx context.Context) (*VerifyResult, error) {
	return c.Verify(ctx, 0, ^uint64(0))
}

func (c *Chain) isPoisoned(tenantID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.poisoned[tenantID]
}

func (c *Chain) setPoisoned(tenantID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.poisoned[tenantID] = true
}

// ClearPoison re-enables appends after an operator has repaired the chain.
func (c *Chain) ClearPoison(tenantID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.poisoned, tenantID)
}

func recordToDoc(r *Record) record.Doc {
	return record.Doc{
		"id":           seqID(r.Sequence),
		"sequence":     strconv.FormatUint(r.Sequence, 10),
		"timestamp":    r.Timestamp.UTC().Format(time.RFC3339Nano),
		"event_kind":   r.EventKind,
		"subject_kind": r.SubjectKind,
		"subject_id":   r.SubjectID,
		"actor":        r.Actor,
		"details":      r.Details,
		"prev_hash":    r.PrevHash,
		"hash":         r.Hash,
	}
}

func docString(doc record.Doc, field string) string {
	s, _ := doc[field].(string)
	return s
}

func docToRecord(doc record.Doc) (*Record, error) {
	seq, err := strconv.ParseUint(docString(doc, "sequence"), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("corrupt audit record sequence: %w", err)
	}
	ts, err := time.Parse(time.RFC3339Nano, docString(doc, "timestamp"))
	if err != nil {
		return nil, fmt.Errorf("corrupt audit record timestamp: %w", err)
	}
	var details map[string]any
	if d, ok := doc["details"].(map[string]any); ok {
		details = d
	}
	return &Record{
		Sequence:    seq,
		Timestamp:   ts,
		EventKind:   docString(doc, "event_kind"),
		SubjectKind: docString(doc, "subject_kind"),
		SubjectID:   docString(doc, "subject_id"),
		Actor:       docString(doc, "actor"),
		Details:     details,
		PrevHash:    docString(doc, "prev_hash"),
		Hash:        docString(doc, "hash"),
	}, nil
}
