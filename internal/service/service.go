// Package service wires storage, audit, ledger, engines and the processor
// into the API surface collaborators call: transactional operations, queries
// and cross-tenant administration. Callers identify the tenant and actor per
// call; the service scopes the context before delegating.
package service

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/corebank/ledgerd/internal/audit"
	"github.com/corebank/ledgerd/internal/chart"
	"github.com/corebank/ledgerd/internal/clock"
	"github.com/corebank/ledgerd/internal/config"
	"github.com/corebank/ledgerd/internal/credit"
	"github.com/corebank/ledgerd/internal/errs"
	"github.com/corebank/ledgerd/internal/events"
	"github.com/corebank/ledgerd/internal/ids"
	"github.com/corebank/ledgerd/internal/ledger"
	"github.com/corebank/ledgerd/internal/loan"
	"github.com/corebank/ledgerd/internal/money"
	"github.com/corebank/ledgerd/internal/processor"
	"github.com/corebank/ledgerd/internal/storage/pii"
	"github.com/corebank/ledgerd/internal/storage/record"
	"github.com/corebank/ledgerd/internal/storage/tenant"
)

const chartCacheSize = 1024

// Service is the assembled core. One instance serves every tenant.
type Service struct {
	cfg *config.Config

	raw      record.Store  // backend before the PII envelope
	store    *tenant.Store // tenant scoping over the PII layer
	registry *pii.Registry
	provider pii.Provider
	keys     *pii.KeyManager

	clk    clock.Clock
	bus    *events.Bus
	charts *chart.Service
	chain  *audit.Chain
	led    *ledger.Ledger
	loans  *loan.Engine
	credit *credit.Engine
	proc   *processor.Processor
}

// New assembles a service from configuration. The caller owns Close.
func New(cfg *config.Config) (*Service, error) {
	opts := record.Options{}
	switch cfg.Storage.Backend {
	case "postgres", "sqlite":
		opts.DSN = cfg.Storage.Path
	default:
		opts.Path = cfg.Storage.Path
	}
	if cfg.Storage.Compression {
		opts.Compression = "lz4"
	}
	raw, err := record.Open(cfg.Storage.Backend, opts)
	if err != nil {
		return nil, err
	}

	provider, err := pii.NewProvider(cfg.EncryptionProvider)
	if err != nil {
		raw.Close()
		return nil, err
	}
	registry := pii.DefaultRegistry()
	var keys *pii.KeyManager
	if provider != nil {
		keys, err = pii.NewKeyManager([]byte(cfg.KeyMaterial))
		if err != nil {
			raw.Close()
			return nil, err
		}
	}

	isolation, err := tenant.ParseIsolation(cfg.TenantIsolation)
	if err != nil {
		raw.Close()
		return nil, err
	}
	store := tenant.New(pii.New(raw, registry, provider, keys), isolation)

	var clk clock.Clock = clock.System{}
	if cfg.ClockSource == "manual" {
		clk = clock.NewManual()
	}

	return build(cfg, raw, store, registry, provider, keys, clk, ids.UUID{})
}

// NewWith assembles a service over a pre-built store stack. Test rigs use it
// to inject a manual clock and deterministic ids.
func NewWith(cfg *config.Config, raw record.Store, store *tenant.Store, clk clock.Clock, gen ids.Generator) (*Service, error) {
	return build(cfg, raw, store, pii.DefaultRegistry(), nil, nil, clk, gen)
}

func build(cfg *config.Config, raw record.Store, store *tenant.Store, registry *pii.Registry, provider pii.Provider, keys *pii.KeyManager, clk clock.Clock, gen ids.Generator) (*Service, error) {
	charts, err := chart.New(store, chartCacheSize)
	if err != nil {
		raw.Close()
		return nil, err
	}
	bus := events.NewBus()
	chain := audit.NewChain(store, clk)
	led := ledger.New(store, charts, chain, bus, clk, gen)
	loans := loan.NewEngine(store, clk)
	cred := credit.NewEngine(store, clk, gen)
	proc := processor.New(store, led, charts, loans, cred, bus, clk, gen)

	return &Service{
		cfg:      cfg,
		raw:      raw,
		store:    store,
		registry: registry,
		provider: provider,
		keys:     keys,
		clk:      clk,
		bus:      bus,
		charts:   charts,
		chain:    chain,
		led:      led,
		loans:    loans,
		credit:   cred,
		proc:     proc,
	}, nil
}

func (s *Service) Close() error { return s.store.Close() }

// Bus exposes the domain event bus so bridges (Kafka, notifications) can
// subscribe.
func (s *Service) Bus() *events.Bus { return s.bus }

// Clock exposes the configured time source.
func (s *Service) Clock() clock.Clock { return s.clk }

// Loans exposes the loan engine for origination and loan-level queries.
func (s *Service) Loans() *loan.Engine { return s.loans }

// Credit exposes the credit engine for line management.
func (s *Service) Credit() *credit.Engine { return s.credit }

// Processor exposes the operation layer for callers that manage their own
// tenant context.
func (s *Service) Processor() *processor.Processor { return s.proc }

func scope(ctx context.Context, tenantID string) context.Context {
	return tenant.WithTenant(ctx, tenantID)
}

// --- Account management ---

func (s *Service) CreateAccount(ctx context.Context, tenantID string, a *ledger.Account) (*ledger.Account, error) {
	return s.proc.CreateAccount(scope(ctx, tenantID), a)
}

func (s *Service) GetAccount(ctx context.Context, tenantID, accountID string) (*ledger.Account, error) {
	return s.proc.GetAccount(scope(ctx, tenantID), accountID)
}

func (s *Service) SetAccountStatus(ctx context.Context, tenantID, accountID string, status ledger.AccountStatus) (*ledger.Account, error) {
	return s.proc.SetAccountStatus(scope(ctx, tenantID), accountID, status)
}

// --- Transactional API ---

func (s *Service) Deposit(ctx context.Context, tenantID, accountID string, amount money.Value, source, actor, clientRef string) (*processor.Result, error) {
	return s.proc.Deposit(scope(ctx, tenantID), accountID, amount, source, actor, clientRef)
}

func (s *Service) Withdraw(ctx context.Context, tenantID, accountID string, amount money.Value, destination, actor, clientRef string) (*processor.Result, error) {
	return s.proc.Withdraw(scope(ctx, tenantID), accountID, amount, destination, actor, clientRef)
}

func (s *Service) Transfer(ctx context.Context, tenantID, fromID, toID string, amount money.Value, rate decimal.Decimal, description, actor, clientRef string) (*processor.Result, error) {
	return s.proc.Transfer(scope(ctx, tenantID), fromID, toID, amount, rate, description, actor, clientRef)
}

func (s *Service) Charge(ctx context.Context, tenantID, creditAccountID string, amount money.Value, category credit.Category, description, merchant, actor, clientRef string) (*processor.Result, error) {
	return s.proc.Charge(scope(ctx, tenantID), creditAccountID, amount, category, description, merchant, actor, clientRef)
}

func (s *Service) LoanDisburse(ctx context.Context, tenantID, loanID, targetAccountID, actor, clientRef string) (*processor.Result, error) {
	return s.proc.LoanDisburse(scope(ctx, tenantID), loanID, targetAccountID, actor, clientRef)
}

func (s *Service) LoanPayment(ctx context.Context, tenantID, loanID, fromAccountID string, amount money.Value, actor, clientRef string) (*processor.Result, error) {
	return s.proc.LoanPayment(scope(ctx, tenantID), loanID, fromAccountID, amount, actor, clientRef)
}

func (s *Service) CreditPayment(ctx context.Context, tenantID, creditAccountID, fromAccountID string, amount money.Value, actor, clientRef string) (*processor.Result, error) {
	return s.proc.CreditPayment(scope(ctx, tenantID), creditAccountID, fromAccountID, amount, actor, clientRef)
}

func (s *Service) Fee(ctx context.Context, tenantID, accountID string, amount money.Value, reason, actor, clientRef string) (*processor.Result, error) {
	return s.proc.Fee(scope(ctx, tenantID), accountID, amount, reason, actor, clientRef)
}

func (s *Service) AccrueInterest(ctx context.Context, tenantID, accountID string, amount money.Value, actor, clientRef string) (*processor.Result, error) {
	return s.proc.InterestAccrual(scope(ctx, tenantID), accountID, amount, actor, clientRef)
}

func (s *Service) Reverse(ctx context.Context, tenantID, entryID, reason string) (*ledger.Entry, error) {
	return s.proc.Reverse(scope(ctx, tenantID), entryID, reason)
}

// --- Query API ---

func (s *Service) Balance(ctx context.Context, tenantID, accountID, currency string, asOf time.Time) (money.Value, error) {
	return s.led.Balance(scope(ctx, tenantID), accountID, currency, asOf)
}

func (s *Service) Transactions(ctx context.Context, tenantID, accountID string, start, end time.Time) ([]ledger.AccountTransaction, error) {
	return s.led.Transactions(scope(ctx, tenantID), accountID, start, end)
}

func (s *Service) TrialBalance(ctx context.Context, tenantID, currency string, asOf time.Time) (*ledger.TrialBalance, error) {
	return s.led.ComputeTrialBalance(scope(ctx, tenantID), currency, asOf)
}

func (s *Service) LoanSchedule(ctx context.Context, tenantID, loanID string) ([]loan.Installment, error) {
	return s.loans.StoredSchedule(scope(ctx, tenantID), loanID)
}

func (s *Service) CreditStatement(ctx context.Context, tenantID, accountID string, cycle int) (*credit.Statement, error) {
	return s.credit.GetStatement(scope(ctx, tenantID), accountID, cycle)
}

func (s *Service) AuditRange(ctx context.Context, tenantID string, from, to uint64) ([]*audit.Record, error) {
	return s.chain.Range(scope(ctx, tenantID), from, to)
}

// VerificationReport is the result of a full integrity check: the audit
// chain walk plus one trial balance per requested currency.
type VerificationReport struct {
	Chain         *audit.VerifyResult
	TrialBalances []*ledger.TrialBalance
	Balanced      bool
}

// VerifyIntegrity verifies the tenant's audit chain and confirms the trial
// balance nets to zero in each currency.
func (s *Service) VerifyIntegrity(ctx context.Context, tenantID string, currencies []string) (*VerificationReport, error) {
	ctx = scope(ctx, tenantID)
	chainRes, err := s.chain.VerifyAll(ctx)
	if err != nil {
		return nil, err
	}
	report := &VerificationReport{Chain: chainRes, Balanced: true}
	for _, currency := range currencies {
		tb, err := s.led.ComputeTrialBalance(ctx, currency, time.Time{})
		if err != nil {
			return nil, err
		}
		report.TrialBalances = append(report.TrialBalances, tb)
		if !tb.Total.IsZero() {
			report.Balanced = false
		}
	}
	return report, nil
}

// --- Administrative API (cross-tenant capability) ---

// CreateTenant registers a tenant and prepares its system accounts for the
// given currencies.
func (s *Service) CreateTenant(ctx context.Context, id, name string, currencies ...string) error {
	if !tenant.HasCrossTenant(ctx) {
		return errs.E(errs.KindTenantIsolation, "service.CreateTenant", "cross-tenant capability required")
	}
	if err := s.store.CreateTenant(ctx, id, name); err != nil {
		return err
	}
	tctx := scope(ctx, id)
	for _, currency := range currencies {
		if err := s.proc.EnsureSystemAccounts(tctx, currency); err != nil {
			return err
		}
	}
	return nil
}

// RotateKey re-encrypts every PII field of every tenant under new key
// material. The store used bypasses the PII layer so envelopes pass through
// verbatim.
func (s *Service) RotateKey(ctx context.Context, newMaterial []byte) (*pii.RotationReport, error) {
	const op = "service.RotateKey"
	if !tenant.HasCrossTenant(ctx) {
		return nil, errs.E(errs.KindTenantIsolation, op, "cross-tenant capability required")
	}
	if s.provider == nil {
		return nil, errs.E(errs.KindValidation, op, "encryption is not enabled")
	}
	newKeys, err := pii.NewKeyManager(newMaterial)
	if err != nil {
		return nil, errs.Wrap(errs.KindValidation, op, err)
	}

	isolation, err := tenant.ParseIsolation(s.cfg.TenantIsolation)
	if err != nil {
		return nil, err
	}
	bare := tenant.New(s.raw, isolation)
	rotator := pii.NewRotator(s.registry, s.provider, s.keys, newKeys)
	report, err := rotator.Rotate(ctx, bare)
	if err != nil {
		return nil, err
	}
	s.keys = newKeys
	return report, nil
}

// ScheduleRebuild reports one loan's schedule reconstruction.
type ScheduleRebuild struct {
	LoanID   string
	Periods  int
	Verified bool
	Err      string
}

// RebuildSchedules regenerates the stored amortization schedule of every
// open loan in a tenant from terms and outstanding balance, then verifies
// the stored view matches. Divergence is reported, not repaired silently.
func (s *Service) RebuildSchedules(ctx context.Context, tenantID string) ([]ScheduleRebuild, error) {
	if !tenant.HasCrossTenant(ctx) {
		return nil, errs.E(errs.KindTenantIsolation, "service.RebuildSchedules", "cross-tenant capability required")
	}
	tctx := scope(ctx, tenantID)

	var out []ScheduleRebuild
	for _, state := range []loan.State{loan.StateOriginated, loan.StateDisbursed, loan.StateActive} {
		ls, err := s.loans.Loans(tctx, state)
		if err != nil {
			return nil, err
		}
		for _, l := range ls {
			r := ScheduleRebuild{LoanID: l.ID}
			before, err := s.loans.StoredSchedule(tctx, l.ID)
			if err != nil {
				r.Err = err.Error()
				out = append(out, r)
				continue
			}
			rebuilt, err := s.loans.RebuildSchedule(tctx, l.ID)
			if err != nil {
				r.Err = err.Error()
				out = append(out, r)
				continue
			}
			r.Periods = len(rebuilt)
			if period := scheduleDivergence(before, rebuilt); period > 0 {
				r.Err = fmt.Sprintf("stored schedule diverged at period %d", period)
			} else {
				r.Verified = true
			}
			out = append(out, r)
		}
	}
	return out, nil
}

// scheduleDivergence returns the first period where the two views disagree,
// or 0 when they match.
func scheduleDivergence(stored, rebuilt []loan.Installment) int {
	if len(stored) != len(rebuilt) {
		n := len(stored)
		if len(rebuilt) < n {
			n = len(rebuilt)
		}
		return n + 1
	}
	for i := range rebuilt {
		a, b := stored[i], rebuilt[i]
		if !a.Payment.Equal(b.Payment) || !a.Principal.Equal(b.Principal) ||
			!a.Interest.Equal(b.Interest) || !a.Remaining.Equal(b.Remaining) {
			return b.Period
		}
	}
	return 0
}

// Tenants lists registered tenants.
func (s *Service) Tenants(ctx context.Context) ([]string, error) {
	return s.store.Tenants(ctx)
}
