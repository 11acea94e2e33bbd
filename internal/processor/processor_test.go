package processor

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corebank/ledgerd/internal/audit"
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

type fixture struct {
	proc   *Processor
	ledger *ledger.Ledger
	loans  *loan.Engine
	credit *credit.Engine
	bus    *events.Bus
	clock  *clock.Manual
	ctx    context.Context
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	inner, err := record.Open("memory", record.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { inner.Close() })

	store := tenant.New(inner, tenant.IsolationShared)
	clk := clock.NewManualAt(time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC))
	bus := events.NewBus()
	gen := ids.NewSequential("id")

	charts, err := chart.New(store, 128)
	require.NoError(t, err)
	chain := audit.NewChain(store, clk)
	led := ledger.New(store, charts, chain, bus, clk, gen)
	loans := loan.NewEngine(store, clk)
	cred := credit.NewEngine(store, clk, gen)
	proc := New(store, led, charts, loans, cred, bus, clk, gen)

	ctx := tenant.WithTenant(context.Background(), "acme")
	require.NoError(t, proc.EnsureSystemAccounts(ctx, "USD"))

	return &fixture{proc: proc, ledger: led, loans: loans, credit: cred, bus: bus, clock: clk, ctx: ctx}
}

func usd(t *testing.T, s string) money.Value {
	t.Helper()
	v, err := money.Parse(s, "USD")
	require.NoError(t, err)
	return v
}

func (f *fixture) openAccount(t *testing.T, id string, kind chart.Kind, currency string) *ledger.Account {
	t.Helper()
	a, err := f.proc.CreateAccount(f.ctx, &ledger.Account{
		ID: id, CustomerID: "cust-1", Currency: currency, Kind: kind,
	})
	require.NoError(t, err)
	return a
}

func TestDepositPostsBalancedEntry(t *testing.T) {
	f := newFixture(t)
	f.openAccount(t, "acct-L", chart.Liability, "USD")

	var posted []events.Event
	f.bus.Subscribe(events.TransactionPosted, func(ev events.Event) error {
		posted = append(posted, ev)
		return nil
	})

	res, err := f.proc.Deposit(f.ctx, "acct-L", usd(t, "100.00"), "wire in", "teller-1", "dep-1")
	require.NoError(t, err)
	require.Len(t, res.Entry.Lines, 2)

	cash := SystemAccountID(RoleCash, "USD")
	cashBal, err := f.ledger.Balance(f.ctx, cash, "USD", time.Time{})
	require.NoError(t, err)
	assert.True(t, cashBal.Equal(usd(t, "100.00")))

	custBal, err := f.ledger.Balance(f.ctx, "acct-L", "USD", time.Time{})
	require.NoError(t, err)
	assert.True(t, custBal.Equal(usd(t, "100.00")), "liability sign: credits increase")

	tb, err := f.ledger.ComputeTrialBalance(f.ctx, "USD", time.Time{})
	require.NoError(t, err)
	assert.True(t, tb.Total.IsZero(), "trial balance %s", tb.Total)

	require.Len(t, posted, 1)

	// Idempotent replay: same reference returns the same entry, no new one.
	again, err := f.proc.Deposit(f.ctx, "acct-L", usd(t, "100.00"), "wire in", "teller-1", "dep-1")
	require.NoError(t, err)
	assert.Equal(t, res.Entry.ID, again.Entry.ID)
	custBal, err = f.ledger.Balance(f.ctx, "acct-L", "USD", time.Time{})
	require.NoError(t, err)
	assert.True(t, custBal.Equal(usd(t, "100.00")), "replay must not double-post")

	// Same reference with a different payload is a conflict.
	_, err = f.proc.Deposit(f.ctx, "acct-L", usd(t, "999.00"), "wire in", "teller-1", "dep-1")
	assert.Equal(t, errs.KindConflict, errs.KindOf(err))
}

func TestWithdrawInsufficientFunds(t *testing.T) {
	f := newFixture(t)
	f.openAccount(t, "acct-L", chart.Liability, "USD")

	_, err := f.proc.Deposit(f.ctx, "acct-L", usd(t, "50.00"), "seed", "t", "")
	require.NoError(t, err)

	_, err = f.proc.Withdraw(f.ctx, "acct-L", usd(t, "80.00"), "atm", "t", "")
	require.Error(t, err)
	assert.Equal(t, errs.KindPolicyViolation, errs.KindOf(err))

	_, err = f.proc.Withdraw(f.ctx, "acct-L", usd(t, "30.00"), "atm", "t", "")
	require.NoError(t, err)
	bal, err := f.ledger.Balance(f.ctx, "acct-L", "USD", time.Time{})
	require.NoError(t, err)
	assert.True(t, bal.Equal(usd(t, "20.00")))
}

func TestFrozenAccountNotOperable(t *testing.T) {
	f := newFixture(t)
	f.openAccount(t, "acct-L", chart.Liability, "USD")
	_, err := f.proc.SetAccountStatus(f.ctx, "acct-L", ledger.AccountFrozen)
	require.NoError(t, err)

	_, err = f.proc.Deposit(f.ctx, "acct-L", usd(t, "10.00"), "x", "t", "")
	require.Error(t, err)
	assert.Equal(t, errs.KindPolicyViolation, errs.KindOf(err))
	var e *errs.Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, "account-not-operable", e.Rule)
}

func TestTransferSameCurrency(t *testing.T) {
	f := newFixture(t)
	f.openAccount(t, "acct-A", chart.Liability, "USD")
	f.openAccount(t, "acct-B", chart.Liability, "USD")
	_, err := f.proc.Deposit(f.ctx, "acct-A", usd(t, "500.00"), "seed", "t", "")
	require.NoError(t, err)

	res, err := f.proc.Transfer(f.ctx, "acct-A", "acct-B", usd(t, "200.00"), decimal.Zero, "rent", "t", "tr-1")
	require.NoError(t, err)
	require.Len(t, res.Entry.Lines, 2)

	balA, err := f.ledger.Balance(f.ctx, "acct-A", "USD", time.Time{})
	require.NoError(t, err)
	balB, err := f.ledger.Balance(f.ctx, "acct-B", "USD", time.Time{})
	require.NoError(t, err)
	assert.True(t, balA.Equal(usd(t, "300.00")))
	assert.True(t, balB.Equal(usd(t, "200.00")))
}

func TestTransferWithFX(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.proc.EnsureSystemAccounts(f.ctx, "EUR"))
	f.openAccount(t, "acct-USD", chart.Liability, "USD")
	f.openAccount(t, "acct-EUR", chart.Liability, "EUR")
	_, err := f.proc.Deposit(f.ctx, "acct-USD", usd(t, "1000.00"), "seed", "t", "")
	require.NoError(t, err)

	rate := decimal.RequireFromString("0.85")
	res, err := f.proc.Transfer(f.ctx, "acct-USD", "acct-EUR", usd(t, "1000.00"), rate, "fx transfer", "t", "")
	require.NoError(t, err)
	require.Len(t, res.Entry.Lines, 4, "FX transfer routes both currencies through the FX accounts")

	balEUR, err := f.ledger.Balance(f.ctx, "acct-EUR", "EUR", time.Time{})
	require.NoError(t, err)
	assert.True(t, balEUR.Equal(money.MustParse("850.00", "EUR")))

	// Each currency balances independently on the one entry.
	tbUSD, err := f.ledger.ComputeTrialBalance(f.ctx, "USD", time.Time{})
	require.NoError(t, err)
	assert.True(t, tbUSD.Total.IsZero())
	tbEUR, err := f.ledger.ComputeTrialBalance(f.ctx, "EUR", time.Time{})
	require.NoError(t, err)
	assert.True(t, tbEUR.Total.IsZero())

	// Missing rate across currencies is a validation error.
	_, err = f.proc.Transfer(f.ctx, "acct-USD", "acct-EUR", usd(t, "1.00"), decimal.Zero, "x", "t", "")
	assert.Equal(t, errs.KindValidation, errs.KindOf(err))
}

func TestStructuringDepositsAllPost(t *testing.T) {
	f := newFixture(t)
	f.openAccount(t, "acct-L", chart.Liability, "USD")

	var posted int
	f.bus.Subscribe(events.TransactionPosted, func(events.Event) error {
		posted++
		return nil
	})

	// Three just-under-threshold deposits in one week: the core posts all
	// three; pattern evaluation belongs to subscribers.
	for i, amt := range []string{"9800.00", "9500.00", "4900.00"} {
		_, err := f.proc.Deposit(f.ctx, "acct-L", usd(t, amt), "cash", "t", "")
		require.NoError(t, err, "deposit %d", i)
		f.clock.AdvanceDays(1)
	}
	assert.Equal(t, 3, posted)

	bal, err := f.ledger.Balance(f.ctx, "acct-L", "USD", time.Time{})
	require.NoError(t, err)
	assert.True(t, bal.Equal(usd(t, "24200.00")))
}

func TestLimits(t *testing.T) {
	f := newFixture(t)
	single := usd(t, "100.00")
	daily := usd(t, "150.00")
	a, err := f.proc.CreateAccount(f.ctx, &ledger.Account{
		ID: "acct-lim", CustomerID: "cust-1", Currency: "USD", Kind: chart.Liability,
		Limits: ledger.Limits{SingleTransaction: &single, Daily: &daily},
	})
	require.NoError(t, err)
	_, err = f.proc.Deposit(f.ctx, a.ID, usd(t, "1000.00"), "seed", "t", "")
	require.NoError(t, err)

	// Over the single-transaction limit.
	_, err = f.proc.Withdraw(f.ctx, a.ID, usd(t, "150.00"), "atm", "t", "")
	require.Error(t, err)
	var e *errs.Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, "single-transaction-limit", e.Rule)

	// Two withdrawals within the daily limit, then one over it.
	_, err = f.proc.Withdraw(f.ctx, a.ID, usd(t, "90.00"), "atm", "t", "")
	require.NoError(t, err)
	_, err = f.proc.Withdraw(f.ctx, a.ID, usd(t, "50.00"), "atm", "t", "")
	require.NoError(t, err)
	_, err = f.proc.Withdraw(f.ctx, a.ID, usd(t, "20.00"), "atm", "t", "")
	require.Error(t, err)
	require.ErrorAs(t, err, &e)
	assert.Equal(t, "daily-limit", e.Rule)

	// A new day resets the window; counters derive from the ledger.
	f.clock.AdvanceDays(1)
	_, err = f.proc.Withdraw(f.ctx, a.ID, usd(t, "20.00"), "atm", "t", "")
	require.NoError(t, err)
}

func TestLoanLifecycleThroughProcessor(t *testing.T) {
	f := newFixture(t)
	f.openAccount(t, "acct-L", chart.Liability, "USD")
	f.openAccount(t, "loan-recv-1", chart.Asset, "USD")

	_, err := f.loans.Originate(f.ctx, &loan.Loan{
		ID:         "loan-1",
		CustomerID: "cust-1",
		ProductID:  "personal-12m",
		AccountID:  "loan-recv-1",
		Terms: loan.Terms{
			Principal:    usd(t, "10000.00"),
			AnnualRate:   decimal.RequireFromString("0.06"),
			TermPeriods:  12,
			Frequency:    loan.Monthly,
			FirstPayment: time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC),
			Method:       loan.EqualInstallment,
		},
		Config: loan.Config{PrepaymentRule: loan.PrepaymentAllowed, Overpayment: loan.OverpayToPrincipal},
	})
	require.NoError(t, err)

	var disbursed, paidOff int
	f.bus.Subscribe(events.LoanDisbursed, func(events.Event) error { disbursed++; return nil })
	f.bus.Subscribe(events.LoanPaidOff, func(events.Event) error { paidOff++; return nil })

	res, err := f.proc.LoanDisburse(f.ctx, "loan-1", "acct-L", "officer-1", "disb-1")
	require.NoError(t, err)
	require.NotNil(t, res.Entry)
	assert.Equal(t, 1, disbursed)

	// Proceeds landed on the customer account; the receivable carries the
	// principal.
	bal, err := f.ledger.Balance(f.ctx, "acct-L", "USD", time.Time{})
	require.NoError(t, err)
	assert.True(t, bal.Equal(usd(t, "10000.00")))
	recvBal, err := f.ledger.Balance(f.ctx, "loan-recv-1", "USD", time.Time{})
	require.NoError(t, err)
	assert.True(t, recvBal.Equal(usd(t, "10000.00")))

	// Accrue a month, then pay everything off from the proceeds.
	f.clock.Set(time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC))
	_, err = f.proc.AccrueLoanInterest(f.ctx, "loan-1")
	require.NoError(t, err)

	l, err := f.loans.Get(f.ctx, "loan-1")
	require.NoError(t, err)
	total := l.OutstandingPrincipal.MustAdd(l.AccruedInterest)

	// Top up the account to cover the interest.
	_, err = f.proc.Deposit(f.ctx, "acct-L", l.AccruedInterest, "interest cover", "t", "")
	require.NoError(t, err)

	pay, err := f.proc.LoanPayment(f.ctx, "loan-1", "acct-L", total, "cust-1", "pay-1")
	require.NoError(t, err)
	require.NotNil(t, pay.LoanPayment)
	assert.True(t, pay.LoanPayment.PaidOff)
	assert.Equal(t, 1, paidOff)

	recvBal, err = f.ledger.Balance(f.ctx, "loan-recv-1", "USD", time.Time{})
	require.NoError(t, err)
	assert.True(t, recvBal.IsZero(), "receivable cleared on payoff, got %s", recvBal)

	tb, err := f.ledger.ComputeTrialBalance(f.ctx, "USD", time.Time{})
	require.NoError(t, err)
	assert.True(t, tb.Total.IsZero())
}

func TestLoanPrepaymentPenaltyPosted(t *testing.T) {
	f := newFixture(t)
	f.openAccount(t, "acct-L", chart.Liability, "USD")
	f.openAccount(t, "loan-recv-1", chart.Asset, "USD")

	_, err := f.loans.Originate(f.ctx, &loan.Loan{
		ID:         "loan-1",
		CustomerID: "cust-1",
		ProductID:  "personal-12m",
		AccountID:  "loan-recv-1",
		Terms: loan.Terms{
			Principal:    usd(t, "10000.00"),
			AnnualRate:   decimal.RequireFromString("0.06"),
			TermPeriods:  12,
			Frequency:    loan.Monthly,
			FirstPayment: time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC),
			Method:       loan.EqualInstallment,
		},
		Config: loan.Config{
			PrepaymentRule: loan.PrepaymentAllowed,
			PrepaymentRate: decimal.RequireFromString("0.02"),
			Overpayment:    loan.OverpayToPrincipal,
		},
	})
	require.NoError(t, err)

	_, err = f.proc.LoanDisburse(f.ctx, "loan-1", "acct-L", "officer-1", "disb-1")
	require.NoError(t, err)

	// 5000 against a scheduled 810.66 of principal: the 4189.34 excess
	// draws the 2% penalty, booked against fee income.
	f.clock.Set(time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC))
	pay, err := f.proc.LoanPayment(f.ctx, "loan-1", "acct-L", usd(t, "5000.00"), "cust-1", "pay-1")
	require.NoError(t, err)
	require.NotNil(t, pay.LoanPayment)
	assert.True(t, pay.LoanPayment.Penalty.Equal(usd(t, "83.79")), "penalty %s", pay.LoanPayment.Penalty)

	feeBal, err := f.ledger.Balance(f.ctx, SystemAccountID(RoleFeeIncome, "USD"), "USD", time.Time{})
	require.NoError(t, err)
	assert.True(t, feeBal.Equal(usd(t, "83.79")), "fee income %s", feeBal)

	// The unpaid penalty sits on the receivable until the next payment.
	recvBal, err := f.ledger.Balance(f.ctx, SystemAccountID(RoleInterestReceivable, "USD"), "USD", time.Time{})
	require.NoError(t, err)
	assert.True(t, recvBal.Equal(usd(t, "83.79")), "receivable %s", recvBal)

	l, err := f.loans.Get(f.ctx, "loan-1")
	require.NoError(t, err)
	assert.True(t, l.OutstandingLateFees.Equal(usd(t, "83.79")))

	tb, err := f.ledger.ComputeTrialBalance(f.ctx, "USD", time.Time{})
	require.NoError(t, err)
	assert.True(t, tb.Total.IsZero())
}

func TestCreditChargeAndPaymentThroughProcessor(t *testing.T) {
	f := newFixture(t)
	f.openAccount(t, "acct-L", chart.Liability, "USD")
	f.openAccount(t, "card-1", chart.Asset, "USD")
	_, err := f.proc.Deposit(f.ctx, "acct-L", usd(t, "1000.00"), "seed", "t", "")
	require.NoError(t, err)

	_, err = f.credit.OpenLine(f.ctx, &credit.Line{
		ID: "card-1", CustomerID: "cust-1", Currency: "USD",
		CreditLimit:   usd(t, "5000.00"),
		PurchaseRate:  decimal.RequireFromString("0.20"),
		GraceDays:     21,
		CycleDay:      1,
		MinPaymentPct: decimal.RequireFromString("0.02"),
		MinPaymentFlr: usd(t, "25.00"),
		Overlimit:     credit.OverlimitReject,
		LateFee:       usd(t, "29.00"),
	})
	require.NoError(t, err)

	res, err := f.proc.Charge(f.ctx, "card-1", usd(t, "300.00"), credit.Purchase, "groceries", "Corner Shop", "cust-1", "chg-1")
	require.NoError(t, err)
	require.NotNil(t, res.CreditCharge)
	require.Len(t, res.Entry.Lines, 2)

	cardBal, err := f.ledger.Balance(f.ctx, "card-1", "USD", time.Time{})
	require.NoError(t, err)
	assert.True(t, cardBal.Equal(usd(t, "300.00")))

	var statements int
	f.bus.Subscribe(events.StatementGenerated, func(events.Event) error { statements++; return nil })

	f.clock.Set(time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC))
	st, err := f.proc.CloseCreditStatement(f.ctx, "card-1")
	require.NoError(t, err)
	assert.Equal(t, 1, statements)
	assert.True(t, st.Statement.CurrentBalance.Equal(usd(t, "300.00")))

	pay, err := f.proc.CreditPayment(f.ctx, "card-1", "acct-L", usd(t, "300.00"), "cust-1", "cp-1")
	require.NoError(t, err)
	require.NotNil(t, pay.CreditPayment)
	assert.True(t, pay.CreditPayment.Principal.Equal(usd(t, "300.00")))

	cardBal, err = f.ledger.Balance(f.ctx, "card-1", "USD", time.Time{})
	require.NoError(t, err)
	assert.True(t, cardBal.IsZero())

	tb, err := f.ledger.ComputeTrialBalance(f.ctx, "USD", time.Time{})
	require.NoError(t, err)
	assert.True(t, tb.Total.IsZero())
}

func TestFeeAndInterestAccrual(t *testing.T) {
	f := newFixture(t)
	f.openAccount(t, "acct-L", chart.Liability, "USD")
	_, err := f.proc.Deposit(f.ctx, "acct-L", usd(t, "100.00"), "seed", "t", "")
	require.NoError(t, err)

	_, err = f.proc.Fee(f.ctx, "acct-L", usd(t, "5.00"), "monthly maintenance", "system", "")
	require.NoError(t, err)
	bal, err := f.ledger.Balance(f.ctx, "acct-L", "USD", time.Time{})
	require.NoError(t, err)
	assert.True(t, bal.Equal(usd(t, "95.00")))

	// Deposit-side interest credits the customer against interest expense.
	_, err = f.proc.InterestAccrual(f.ctx, "acct-L", usd(t, "1.25"), "system", "")
	require.NoError(t, err)
	bal, err = f.ledger.Balance(f.ctx, "acct-L", "USD", time.Time{})
	require.NoError(t, err)
	assert.True(t, bal.Equal(usd(t, "96.25")))

	tb, err := f.ledger.ComputeTrialBalance(f.ctx, "USD", time.Time{})
	require.NoError(t, err)
	assert.True(t, tb.Total.IsZero())
}

func TestReverseThroughProcessor(t *testing.T) {
	f := newFixture(t)
	f.openAccount(t, "acct-L", chart.Liability, "USD")

	res, err := f.proc.Deposit(f.ctx, "acct-L", usd(t, "100.00"), "mistake", "t", "")
	require.NoError(t, err)

	rev, err := f.proc.Reverse(f.ctx, res.Entry.ID, "teller error")
	require.NoError(t, err)
	assert.Equal(t, res.Entry.ID, rev.Reverses)

	bal, err := f.ledger.Balance(f.ctx, "acct-L", "USD", time.Time{})
	require.NoError(t, err)
	assert.True(t, bal.IsZero())
}
