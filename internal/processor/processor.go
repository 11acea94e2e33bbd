// Package processor composes banking operations into balanced journal
// entries: deposits, withdrawals, transfers, credit charges, loan flows,
// interest and fees. It owns account lifecycle and limit enforcement; the
// ledger owns posting, idempotency and the audit trail.
package processor

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/corebank/ledgerd/internal/chart"
	"github.com/corebank/ledgerd/internal/clock"
	"github.com/corebank/ledgerd/internal/credit"
	"github.com/corebank/ledgerd/internal/errs"
	"github.com/corebank/ledgerd/internal/events"
	"github.com/corebank/ledgerd/internal/ids"
	"github.com/corebank/ledgerd/internal/ledger"
	"github.com/corebank/ledgerd/internal/loan"
	"github.com/corebank/ledgerd/internal/money"
	"github.com/corebank/ledgerd/internal/storage/record"
	"github.com/corebank/ledgerd/internal/storage/tenant"
)

// SystemRole names a well-known internal account.
type SystemRole string

const (
	RoleCash               SystemRole = "cash"
	RoleSuspense           SystemRole = "suspense"
	RoleInterestIncome     SystemRole = "interest-income"
	RoleInterestExpense    SystemRole = "interest-expense"
	RoleFeeIncome          SystemRole = "fee-income"
	RoleFX                 SystemRole = "fx"
	RoleLoanLoss           SystemRole = "loan-loss"
	RoleInterestReceivable SystemRole = "interest-receivable"
)

var systemRoleKinds = map[SystemRole]chart.Kind{
	RoleCash:               chart.Asset,
	RoleSuspense:           chart.Liability,
	RoleInterestIncome:     chart.Revenue,
	RoleInterestExpense:    chart.Expense,
	RoleFeeIncome:          chart.Revenue,
	RoleFX:                 chart.Revenue,
	RoleLoanLoss:           chart.Expense,
	RoleInterestReceivable: chart.Asset,
}

// SystemAccountID returns the id of a system account for a role and
// currency, e.g. "sys:cash:USD".
func SystemAccountID(role SystemRole, currency string) string {
	return fmt.Sprintf("sys:%s:%s", role, currency)
}

// Processor composes higher-level operations into journal entries.
type Processor struct {
	store  *tenant.Store
	ledger *ledger.Ledger
	chart  *chart.Service
	loans  *loan.Engine
	credit *credit.Engine
	bus    *events.Bus
	clock  clock.Clock
	ids    ids.Generator

	mu        sync.Mutex
	accountMu map[string]*sync.Mutex
}

// New wires a Processor from its collaborators.
func New(store *tenant.Store, led *ledger.Ledger, charts *chart.Service, loans *loan.Engine, cred *credit.Engine, bus *events.Bus, clk clock.Clock, gen ids.Generator) *Processor {
	return &Processor{
		store:     store,
		ledger:    led,
		chart:     charts,
		loans:     loans,
		credit:    cred,
		bus:       bus,
		clock:     clk,
		ids:       gen,
		accountMu: make(map[string]*sync.Mutex),
	}
}

// lockAccounts locks the accounts' mutexes in sorted id order so transfers
// touching the same pair from both directions cannot deadlock.
func (p *Processor) lockAccounts(tenantID string, accountIDs ...string) func() {
	keys := make([]string, 0, len(accountIDs))
	seen := map[string]bool{}
	for _, id := range accountIDs {
		key := tenantID + "/" + id
		if !seen[key] {
			seen[key] = true
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)

	locked := make([]*sync.Mutex, 0, len(keys))
	for _, key := range keys {
		p.mu.Lock()
		mu, ok := p.accountMu[key]
		if !ok {
			mu = &sync.Mutex{}
			p.accountMu[key] = mu
		}
		p.mu.Unlock()
		mu.Lock()
		locked = append(locked, mu)
	}
	return func() {
		for i := len(locked) - 1; i >= 0; i-- {
			locked[i].Unlock()
		}
	}
}

// CreateAccount stores a customer account and publishes ACCOUNT_CREATED.
func (p *Processor) CreateAccount(ctx context.Context, a *ledger.Account) (*ledger.Account, error) {
	const op = "processor.CreateAccount"
	if a.ID == "" {
		a.ID = p.ids.NewID()
	}
	if a.Currency == "" {
		return nil, errs.E(errs.KindValidation, op, "currency required")
	}
	if !a.Kind.Valid() {
		return nil, errs.Ef(errs.KindValidation, op, "invalid account kind %q", a.Kind)
	}
	if _, err := p.store.Load(ctx, ledger.AccountsTable, a.ID); err == nil {
		return nil, errs.Ef(errs.KindConflict, op, "account %s already exists", a.ID)
	} else if err != record.ErrNotFound {
		return nil, err
	}

	if a.Status == "" {
		a.Status = ledger.AccountActive
	}
	a.CreatedAt = p.clock.Now()
	if err := p.store.Save(ctx, ledger.AccountsTable, a.ID, ledger.AccountToDoc(a)); err != nil {
		return nil, err
	}

	tenantID, _ := tenant.FromContext(ctx)
	p.bus.Publish(events.Event{
		Kind:       events.AccountCreated,
		Tenant:     tenantID,
		EntityKind: "account",
		EntityID:   a.ID,
		Timestamp:  a.CreatedAt,
		Payload: map[string]any{
			"kind":     string(a.Kind),
			"currency": a.Currency,
			"customer": a.CustomerID,
		},
	})
	return a, nil
}

// GetAccount loads an account.
func (p *Processor) GetAccount(ctx context.Context, id string) (*ledger.Account, error) {
	doc, err := p.store.Load(ctx, ledger.AccountsTable, id)
	if err == record.ErrNotFound {
		return nil, errs.Ef(errs.KindNotFound, "processor.GetAccount", "account %s not found", id)
	}
	if err != nil {
		return nil, err
	}
	return ledger.DocToAccount(doc), nil
}

// SetAccountStatus freezes, reactivates or closes an account. Accounts are
// closed, never deleted.
func (p *Processor) SetAccountStatus(ctx context.Context, id string, status ledger.AccountStatus) (*ledger.Account, error) {
	const op = "processor.SetAccountStatus"
	switch status {
	case ledger.AccountActive, ledger.AccountFrozen, ledger.AccountClosed:
	default:
		return nil, errs.Ef(errs.KindValidation, op, "unknown account status %q", status)
	}
	a, err := p.GetAccount(ctx, id)
	if err != nil {
		return nil, err
	}
	if a.Status == ledger.AccountClosed {
		return nil, errs.Ef(errs.KindConflict, op, "account %s is closed", id)
	}
	a.Status = status
	if err := p.store.Save(ctx, ledger.AccountsTable, a.ID, ledger.AccountToDoc(a)); err != nil {
		return nil, err
	}
	return a, nil
}

// EnsureSystemAccounts creates the internal accounts every operation posts
// against, once per currency. Safe to call repeatedly.
func (p *Processor) EnsureSystemAccounts(ctx context.Context, currency string) error {
	for role, kind := range systemRoleKinds {
		id := SystemAccountID(role, currency)
		_, err := p.store.Load(ctx, ledger.AccountsTable, id)
		if err == nil {
			continue
		}
		if err != record.ErrNotFound {
			return err
		}
		a := &ledger.Account{
			ID:       id,
			Currency: currency,
			Kind:     kind,
			Status:   ledger.AccountActive,
		}
		a.CreatedAt = p.clock.Now()
		if err := p.store.Save(ctx, ledger.AccountsTable, id, ledger.AccountToDoc(a)); err != nil {
			return err
		}
	}
	return nil
}

// operable checks an account exists, is active, and carries the currency.
func (p *Processor) operable(ctx context.Context, id, currency, op string) (*ledger.Account, error) {
	a, err := p.GetAccount(ctx, id)
	if err != nil {
		return nil, err
	}
	if a.Status != ledger.AccountActive {
		return nil, errs.Policy(op, "account-not-operable",
			fmt.Sprintf("account %s is %s", id, a.Status))
	}
	if currency != "" && a.Currency != currency {
		return nil, errs.Ef(errs.KindValidation, op,
			"account %s holds %s, not %s", id, a.Currency, currency)
	}
	return a, nil
}

// checkOutflowLimits enforces the single-transaction, daily and monthly
// limits plus the minimum-balance and overdraft floors for money leaving an
// account. Counters are derived from the ledger, never cached, so they
// survive restarts.
func (p *Processor) checkOutflowLimits(ctx context.Context, a *ledger.Account, amount money.Value, op string) error {
	if a.Limits.SingleTransaction != nil && amount.MustCmp(*a.Limits.SingleTransaction) > 0 {
		return errs.Policy(op, "single-transaction-limit",
			fmt.Sprintf("amount %s exceeds single-transaction limit %s", amount, *a.Limits.SingleTransaction))
	}

	now := p.clock.Now()
	if a.Limits.Daily != nil {
		dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
		spent, err := p.outflowSince(ctx, a, dayStart)
		if err != nil {
			return err
		}
		if spent.MustAdd(amount).MustCmp(*a.Limits.Daily) > 0 {
			return errs.Policy(op, "daily-limit",
				fmt.Sprintf("amount %s would exceed daily limit %s (spent %s)", amount, *a.Limits.Daily, spent))
		}
	}
	if a.Limits.Monthly != nil {
		monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
		spent, err := p.outflowSince(ctx, a, monthStart)
		if err != nil {
			return err
		}
		if spent.MustAdd(amount).MustCmp(*a.Limits.Monthly) > 0 {
			return errs.Policy(op, "monthly-limit",
				fmt.Sprintf("amount %s would exceed monthly limit %s (spent %s)", amount, *a.Limits.Monthly, spent))
		}
	}

	if a.Limits.MinimumBalance != nil || a.Limits.OverdraftLimit != nil {
		bal, err := p.ledger.Balance(ctx, a.ID, a.Currency, time.Time{})
		if err != nil {
			return err
		}
		after := bal.MustSub(amount)
		if a.Limits.MinimumBalance != nil && after.MustCmp(*a.Limits.MinimumBalance) < 0 {
			return errs.Policy(op, "minimum-balance",
				fmt.Sprintf("balance %s after %s would fall below minimum %s", after, amount, *a.Limits.MinimumBalance))
		}
		if a.Limits.OverdraftLimit != nil {
			floor := a.Limits.OverdraftLimit.Neg()
			if after.MustCmp(floor) < 0 {
				return errs.Policy(op, "overdraft-limit",
					fmt.Sprintf("balance %s after %s would exceed overdraft limit %s", after, amount, *a.Limits.OverdraftLimit))
			}
		}
	} else if a.Kind == chart.Liability {
		// Customer deposit accounts never go negative without an explicit
		// overdraft arrangement.
		bal, err := p.ledger.Balance(ctx, a.ID, a.Currency, time.Time{})
		if err != nil {
			return err
		}
		if bal.MustSub(amount).IsNegative() {
			return errs.Policy(op, "insufficient-funds",
				fmt.Sprintf("balance %s cannot cover %s", bal, amount))
		}
	}
	return nil
}

// outflowSince sums money leaving the account since a cutoff. For
// credit-normal accounts outflow shows as debits; for debit-normal
// accounts as credits.
func (p *Processor) outflowSince(ctx context.Context, a *ledger.Account, since time.Time) (money.Value, error) {
	txs, err := p.ledger.Transactions(ctx, a.ID, since, time.Time{})
	if err != nil {
		return money.Value{}, err
	}
	out := money.Zero(a.Currency)
	for _, tx := range txs {
		if a.Kind.DebitNormal() {
			out = out.MustAdd(tx.Credit)
		} else {
			out = out.MustAdd(tx.Debit)
		}
	}
	return out, nil
}

// post wraps ledger posting with the transaction lifecycle events.
func (p *Processor) post(ctx context.Context, operation string, e *ledger.Entry, accounts []string) (*ledger.Entry, error) {
	tenantID, _ := tenant.FromContext(ctx)
	now := p.clock.Now()

	p.bus.Publish(events.Event{
		Kind:       events.TransactionCreated,
		Tenant:     tenantID,
		EntityKind: "transaction",
		EntityID:   e.Reference,
		Timestamp:  now,
		Payload: map[string]any{
			"operation": operation,
			"accounts":  accounts,
		},
	})

	posted, err := p.ledger.Post(ctx, e)
	if err != nil {
		p.bus.Publish(events.Event{
			Kind:       events.TransactionFailed,
			Tenant:     tenantID,
			EntityKind: "transaction",
			EntityID:   e.Reference,
			Timestamp:  p.clock.Now(),
			Payload: map[string]any{
				"operation": operation,
				"error":     err.Error(),
			},
		})
		return nil, err
	}

	p.bus.Publish(events.Event{
		Kind:       events.TransactionPosted,
		Tenant:     tenantID,
		EntityKind: "transaction",
		EntityID:   posted.ID,
		Timestamp:  posted.PostedAt,
		Payload: map[string]any{
			"operation": operation,
			"entry_id":  posted.ID,
			"accounts":  accounts,
		},
	})
	return posted, nil
}
