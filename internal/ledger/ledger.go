package ledger

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/corebank/ledgerd/internal/audit"
	"github.com/corebank/ledgerd/internal/chart"
	"github.com/corebank/ledgerd/internal/clock"
	"github.com/corebank/ledgerd/internal/errs"
	"github.com/corebank/ledgerd/internal/events"
	"github.com/corebank/ledgerd/internal/ids"
	"github.com/corebank/ledgerd/internal/money"
	"github.com/corebank/ledgerd/internal/storage/record"
	"github.com/corebank/ledgerd/internal/storage/tenant"
)

// Ledger posts balanced journal entries and derives balances from them.
// Post is a per-tenant critical section: the posting sequence is monotonic
// per tenant and the trial balance holds after every commit.
type Ledger struct {
	store *tenant.Store
	chart *chart.Service
	audit *audit.Chain
	bus   *events.Bus
	clock clock.Clock
	ids   ids.Generator

	mu       sync.Mutex
	tenantMu map[string]*sync.Mutex
}

// New wires a Ledger from its collaborators.
func New(store *tenant.Store, charts *chart.Service, chain *audit.Chain, bus *events.Bus, clk clock.Clock, gen ids.Generator) *Ledger {
	return &Ledger{
		store:    store,
		chart:    charts,
		audit:    chain,
		bus:      bus,
		clock:    clk,
		ids:      gen,
		tenantMu: make(map[string]*sync.Mutex),
	}
}

func (l *Ledger) lockFor(tenantID string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	mu, ok := l.tenantMu[tenantID]
	if !ok {
		mu = &sync.Mutex{}
		l.tenantMu[tenantID] = mu
	}
	return mu
}

// normalizeLine fills in the zero side of a line with the zero value of the
// other side's currency, so callers can leave the unused side unset.
func normalizeLine(l *Line) {
	if l.Debit.Currency() == "" && l.Credit.Currency() != "" {
		l.Debit = money.Zero(l.Credit.Currency())
	}
	if l.Credit.Currency() == "" && l.Debit.Currency() != "" {
		l.Credit = money.Zero(l.Debit.Currency())
	}
}

// validate checks entry shape: at least two lines, one nonzero side per
// line, and debits equal to credits for every currency on the entry.
func validate(e *Entry) error {
	if len(e.Lines) < 2 {
		return errs.E(errs.KindValidation, "ledger.Post", "journal entry needs at least two lines")
	}

	byCurrency := map[string]struct{ debit, credit money.Value }{}
	for i := range e.Lines {
		normalizeLine(&e.Lines[i])
		line := e.Lines[i]
		if line.AccountID == "" {
			return errs.Ef(errs.KindValidation, "ledger.Post", "line %d has no account", i)
		}
		if line.Debit.IsNegative() || line.Credit.IsNegative() {
			return errs.Ef(errs.KindValidation, "ledger.Post", "line %d has a negative amount", i)
		}
		if line.Debit.IsZero() == line.Credit.IsZero() {
			// Both zero or both set.
			if !line.Debit.IsZero() {
				return errs.Ef(errs.KindValidation, "ledger.Post", "line %d has both debit and credit", i)
			}
			if e.Reverses == "" {
				return errs.Ef(errs.KindValidation, "ledger.Post", "line %d has neither debit nor credit", i)
			}
		}
		if line.Debit.Currency() != line.Credit.Currency() {
			return errs.Ef(errs.KindValidation, "ledger.Post", "line %d mixes currencies", i)
		}

		cur := line.Currency()
		sums := byCurrency[cur]
		if sums.debit.Currency() == "" {
			sums.debit = money.Zero(cur)
			sums.credit = money.Zero(cur)
		}
		sums.debit = sums.debit.MustAdd(line.Debit)
		sums.credit = sums.credit.MustAdd(line.Credit)
		byCurrency[cur] = sums
	}

	for cur, sums := range byCurrency {
		if !sums.debit.Equal(sums.credit) {
			return errs.Ef(errs.KindValidation, "ledger.Post",
				"entry does not balance in %s: debits %s, credits %s", cur, sums.debit, sums.credit)
		}
	}
	return nil
}

// Post validates, sequences and durably stores an entry, appends the audit
// record, and publishes JOURNAL_POSTED. Idempotent on Reference: a replay
// with the same reference returns the original posted entry; a replay with
// a different payload under the same reference is a conflict.
func (l *Ledger) Post(ctx context.Context, e *Entry) (*Entry, error) {
	tenantID, ok := tenant.FromContext(ctx)
	if !ok {
		return nil, errs.E(errs.KindTenantIsolation, "ledger.Post", "no tenant in context")
	}
	if err := validate(e); err != nil {
		return nil, err
	}

	mu := l.lockFor(tenantID)
	mu.Lock()
	defer mu.Unlock()

	if err := ctx.Err(); err != nil {
		// Cancellation observed before post begins: abort with no effects.
		return nil, errs.Wrap(errs.KindTransient, "ledger.Post", err)
	}

	if e.Reference != "" {
		if prior, err := l.replay(ctx, e); prior != nil || err != nil {
			return prior, err
		}
	}

	return l.postLocked(ctx, e, nil)
}

// replay returns the previously posted entry for e.Reference, if any.
func (l *Ledger) replay(ctx context.Context, e *Entry) (*Entry, error) {
	doc, err := l.store.Load(ctx, refsTable, e.Reference)
	if err == record.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, errs.Wrap(errs.KindTransient, "ledger.Post", err)
	}
	if docString(doc, "fingerprint") != e.fingerprint() {
		return nil, errs.Ef(errs.KindConflict, "ledger.Post",
			"reference %s was already used with a different payload", e.Reference)
	}
	return l.Get(ctx, docString(doc, "entry_id"))
}

// postLocked stores the entry under the tenant post lock. extra carries
// additional same-transaction writes (the reversal's original-entry update).
func (l *Ledger) postLocked(ctx context.Context, e *Entry, extra func(record.Tx) error) (*Entry, error) {
	seq, err := l.nextSequence(ctx)
	if err != nil {
		return nil, errs.Wrap(errs.KindTransient, "ledger.Post", err)
	}

	if e.ID == "" {
		e.ID = l.ids.NewID()
	}
	e.State = StatePosted
	e.PostedAt = l.clock.Now()
	e.Sequence = seq

	tx, err := l.store.Begin(ctx)
	if err != nil {
		return nil, errs.Wrap(errs.KindTransient, "ledger.Post", err)
	}
	rollback := func(err error) (*Entry, error) {
		tx.Rollback()
		return nil, errs.Wrap(errs.KindTransient, "ledger.Post", err)
	}

	if err := tx.Save(EntriesTable, e.ID, entryToDoc(e)); err != nil {
		return rollback(err)
	}
	for i := range e.Lines {
		if err := tx.Save(LinesTable, lineID(e.ID, i), lineToDoc(e, i)); err != nil {
			return rollback(err)
		}
	}
	if e.Reference != "" {
		if err := tx.Save(refsTable, e.Reference, record.Doc{
			"id":          e.Reference,
			"entry_id":    e.ID,
			"fingerprint": e.fingerprint(),
		}); err != nil {
			return rollback(err)
		}
	}
	if err := tx.Save(headsTable, "seq", record.Doc{
		"id":       "seq",
		"sequence": strconv.FormatUint(seq, 10),
	}); err != nil {
		return rollback(err)
	}
	if extra != nil {
		if err := extra(tx); err != nil {
			return rollback(err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return rollback(err)
	}

	// The entry is durable from here on. An audit failure now is reported
	// as committed-unaudited so a reconciliation job can rebuild the tail.
	details := map[string]any{
		"entry_id":  e.ID,
		"reference": e.Reference,
		"sequence":  strconv.FormatUint(e.Sequence, 10),
	}
	eventKind := events.JournalPosted
	auditKind := "journal-posted"
	if e.Reverses != "" {
		eventKind = events.JournalReversed
		auditKind = "journal-reversed"
		details["reverses"] = e.Reverses
	}
	if _, err := l.audit.Append(ctx, auditKind, audit.Subject{Kind: "journal_entry", ID: e.ID}, "system", details); err != nil {
		if errs.Is(err, errs.KindAuditPoisoned) {
			return e, err
		}
		return e, errs.Wrap(errs.KindCommittedUnaudited, "ledger.Post", err)
	}

	tenantID, _ := tenant.FromContext(ctx)
	l.bus.Publish(events.Event{
		Kind:       eventKind,
		Tenant:     tenantID,
		EntityKind: "journal_entry",
		EntityID:   e.ID,
		Timestamp:  e.PostedAt,
		Payload:    details,
	})
	return e, nil
}

func (l *Ledger) nextSequence(ctx context.Context) (uint64, error) {
	doc, err := l.store.Load(ctx, headsTable, "seq")
	if err == record.ErrNotFound {
		return 1, nil
	}
	if err != nil {
		return 0, err
	}
	return docUint64(doc, "sequence") + 1, nil
}

// Get loads a posted entry with its lines.
func (l *Ledger) Get(ctx context.Context, entryID string) (*Entry, error) {
	doc, err := l.store.Load(ctx, EntriesTable, entryID)
	if err == record.ErrNotFound {
		return nil, errs.Ef(errs.KindNotFound, "ledger.Get", "journal entry %s not found", entryID)
	}
	if err != nil {
		return nil, err
	}
	e := docToEntry(doc)

	lineDocs, err := l.store.Query(ctx, record.Query{
		Table:   LinesTable,
		Filters: []record.Filter{{Field: "entry_id", Op: record.Eq, Value: e.ID}},
		OrderBy: "id",
	})
	if err != nil {
		return nil, err
	}
	for _, ld := range lineDocs {
		e.Lines = append(e.Lines, docToLine(ld))
	}
	return e, nil
}

// Reverse posts the inverse of a previously posted entry, linking the two,
// and marks the original reversed. Reversing twice is refused.
func (l *Ledger) Reverse(ctx context.Context, entryID, reason string) (*Entry, error) {
	tenantID, ok := tenant.FromContext(ctx)
	if !ok {
		return nil, errs.E(errs.KindTenantIsolation, "ledger.Reverse", "no tenant in context")
	}

	mu := l.lockFor(tenantID)
	mu.Lock()
	defer mu.Unlock()

	orig, err := l.Get(ctx, entryID)
	if err != nil {
		return nil, err
	}
	if orig.State == StateReversed {
		return nil, errs.Ef(errs.KindConflict, "ledger.Reverse", "entry %s is already reversed", entryID)
	}
	if orig.State != StatePosted {
		return nil, errs.Ef(errs.KindValidation, "ledger.Reverse", "entry %s is not posted", entryID)
	}

	rev := &Entry{
		Reference:   "reversal:" + orig.ID,
		Description: reason,
		Reverses:    orig.ID,
		Lines:       make([]Line, len(orig.Lines)),
	}
	for i, line := range orig.Lines {
		rev.Lines[i] = Line{
			AccountID:   line.AccountID,
			Description: line.Description,
			Debit:       line.Credit,
			Credit:      line.Debit,
		}
	}

	posted, err := l.postLocked(ctx, rev, func(tx record.Tx) error {
		updated := *orig
		updated.State = StateReversed
		updated.ReversedBy = rev.ID
		return tx.Save(EntriesTable, updated.ID, entryToDoc(&updated))
	})
	if err != nil {
		return nil, err
	}
	return posted, nil
}

// Balance derives an account's balance in a currency by summing posted
// lines, signed by the account's chart kind. asOf, when non-zero, restricts
// to lines posted at or before that instant.
func (l *Ledger) Balance(ctx context.Context, accountID, currency string, asOf time.Time) (money.Value, error) {
	kind, err := l.chart.KindOf(ctx, accountID)
	if err != nil {
		return money.Value{}, err
	}

	debits, credits, err := l.sumLines(ctx, accountID, currency, asOf)
	if err != nil {
		return money.Value{}, err
	}

	if kind.DebitNormal() {
		return debits.Sub(credits)
	}
	return credits.Sub(debits)
}

func (l *Ledger) sumLines(ctx context.Context, accountID, currency string, asOf time.Time) (money.Value, money.Value, error) {
	docs, err := l.store.Query(ctx, record.Query{
		Table: LinesTable,
		Filters: []record.Filter{
			{Field: "account_id", Op: record.Eq, Value: accountID},
			{Field: "currency", Op: record.Eq, Value: currency},
		},
	})
	if err != nil {
		return money.Value{}, money.Value{}, err
	}

	debits := money.Zero(currency)
	credits := money.Zero(currency)
	for _, doc := range docs {
		if !asOf.IsZero() && docTime(doc, "posted_at").After(asOf) {
			continue
		}
		debits = debits.MustAdd(money.FromMinorUnits(docInt64(doc, "debit_minor_units"), currency))
		credits = credits.MustAdd(money.FromMinorUnits(docInt64(doc, "credit_minor_units"), currency))
	}
	return debits, credits, nil
}

// AccountTransaction is one journal line on an account, with its posting
// sequence and time.
type AccountTransaction struct {
	EntryID     string
	Sequence    uint64
	PostedAt    time.Time
	Description string
	Debit       money.Value
	Credit      money.Value
}

// Transactions returns an account's lines posted in [start, end], ordered
// by posting sequence.
func (l *Ledger) Transactions(ctx context.Context, accountID string, start, end time.Time) ([]AccountTransaction, error) {
	docs, err := l.store.Query(ctx, record.Query{
		Table: LinesTable,
		Filters: []record.Filter{
			{Field: "account_id", Op: record.Eq, Value: accountID},
		},
		OrderBy: "id",
	})
	if err != nil {
		return nil, err
	}

	var out []AccountTransaction
	for _, doc := range docs {
		postedAt := docTime(doc, "posted_at")
		if !start.IsZero() && postedAt.Before(start) {
			continue
		}
		if !end.IsZero() && postedAt.After(end) {
			continue
		}
		line := docToLine(doc)
		out = append(out, AccountTransaction{
			EntryID:     docString(doc, "entry_id"),
			Sequence:    docUint64(doc, "sequence"),
			PostedAt:    postedAt,
			Description: line.Description,
			Debit:       line.Debit,
			Credit:      line.Credit,
		})
	}
	// id order is entry order; sequence order refines it.
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out, nil
}

// TrialBalance sums signed balances by account kind in one currency. Total
// (debit-normal minus credit-normal) must be zero after every post.
type TrialBalance struct {
	Currency string
	ByKind   map[chart.Kind]money.Value
	Total    money.Value
}

// ComputeTrialBalance derives the trial balance for a currency.
func (l *Ledger) ComputeTrialBalance(ctx context.Context, currency string, asOf time.Time) (*TrialBalance, error) {
	docs, err := l.store.Query(ctx, record.Query{
		Table: LinesTable,
		Filters: []record.Filter{
			{Field: "currency", Op: record.Eq, Value: currency},
		},
	})
	if err != nil {
		return nil, err
	}

	type sums struct{ debits, credits money.Value }
	byAccount := map[string]sums{}
	for _, doc := range docs {
		if !asOf.IsZero() && docTime(doc, "posted_at").After(asOf) {
			continue
		}
		id := docString(doc, "account_id")
		s, ok := byAccount[id]
		if !ok {
			s = sums{debits: money.Zero(currency), credits: money.Zero(currency)}
		}
		s.debits = s.debits.MustAdd(money.FromMinorUnits(docInt64(doc, "debit_minor_units"), currency))
		s.credits = s.credits.MustAdd(money.FromMinorUnits(docInt64(doc, "credit_minor_units"), currency))
		byAccount[id] = s
	}

	tb := &TrialBalance{
		Currency: currency,
		ByKind:   map[chart.Kind]money.Value{},
		Total:    money.Zero(currency),
	}
	for accountID, s := range byAccount {
		kind, err := l.chart.KindOf(ctx, accountID)
		if err != nil {
			return nil, err
		}
		signed := s.debits.MustSub(s.credits)
		if !kind.DebitNormal() {
			signed = s.credits.MustSub(s.debits)
		}
		kindTotal, ok := tb.ByKind[kind]
		if !ok {
			kindTotal = money.Zero(currency)
		}
		tb.ByKind[kind] = kindTotal.MustAdd(signed)

		// Total uses debit-normal orientation for every account so a
		// balanced ledger nets to zero.
		if kind.DebitNormal() {
			tb.Total = tb.Total.MustAdd(signed)
		} else {
			tb.Total = tb.Total.MustSub(signed)
		}
	}
	return tb, nil
}
