package credit

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corebank/ledgerd/internal/clock"
	"github.com/corebank/ledgerd/internal/errs"
	"github.com/corebank/ledgerd/internal/ids"
	"github.com/corebank/ledgerd/internal/money"
	"github.com/corebank/ledgerd/internal/storage/record"
	"github.com/corebank/ledgerd/internal/storage/tenant"
)

func usd(t *testing.T, s string) money.Value {
	t.Helper()
	v, err := money.Parse(s, "USD")
	require.NoError(t, err)
	return v
}

func testEngine(t *testing.T) (*Engine, *clock.Manual, context.Context) {
	t.Helper()
	inner, err := record.Open("memory", record.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { inner.Close() })

	clk := clock.NewManualAt(time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC))
	store := tenant.New(inner, tenant.IsolationShared)
	ctx := tenant.WithTenant(context.Background(), "acme")
	return NewEngine(store, clk, ids.NewSequential("ctx")), clk, ctx
}

func testLine(t *testing.T) *Line {
	return &Line{
		ID:              "card-1",
		CustomerID:      "cust-1",
		ProductID:       "rewards-card",
		Currency:        "USD",
		CreditLimit:     usd(t, "5000.00"),
		PurchaseRate:    decimal.RequireFromString("0.20"),
		CashAdvanceRate: decimal.RequireFromString("0.28"),
		GraceDays:       21,
		CycleDay:        1,
		MinPaymentPct:   decimal.RequireFromString("0.02"),
		MinPaymentFlr:   usd(t, "25.00"),
		CashAdvanceFee:  decimal.RequireFromString("0.03"),
		OverlimitFee:    usd(t, "35.00"),
		Overlimit:       OverlimitReject,
		LateFee:         usd(t, "29.00"),
	}
}

func TestOpenLine(t *testing.T) {
	e, _, ctx := testEngine(t)

	l, err := e.OpenLine(ctx, testLine(t))
	require.NoError(t, err)
	assert.True(t, l.GraceActive)
	// Opened Jan 10 with cycle day 1: first statement closes Feb 1.
	assert.Equal(t, time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC), l.NextStatementDate)

	_, err = e.OpenLine(ctx, testLine(t))
	assert.Equal(t, errs.KindConflict, errs.KindOf(err))

	bad := testLine(t)
	bad.CycleDay = 31
	bad.ID = "card-2"
	_, err = e.OpenLine(ctx, bad)
	assert.Equal(t, errs.KindValidation, errs.KindOf(err))
}

func TestGracePreservedAcrossPaidCycle(t *testing.T) {
	e, clk, ctx := testEngine(t)
	_, err := e.OpenLine(ctx, testLine(t))
	require.NoError(t, err)

	// Cycle 1: purchase 100, statement, pay in full before due date.
	res, err := e.Charge(ctx, "card-1", usd(t, "100.00"), Purchase, "groceries", "Corner Shop", clk.Now())
	require.NoError(t, err)
	assert.True(t, res.Transaction.GraceEligible)
	// interest_from = next statement date + grace days.
	assert.Equal(t, time.Date(2024, 2, 22, 0, 0, 0, 0, time.UTC), res.Transaction.InterestFrom)

	clk.Set(time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC))
	s, err := e.CloseStatement(ctx, "card-1")
	require.NoError(t, err)
	assert.True(t, s.CurrentBalance.Equal(usd(t, "100.00")))
	assert.True(t, s.Purchases.Equal(usd(t, "100.00")))
	assert.Equal(t, time.Date(2024, 2, 22, 0, 0, 0, 0, time.UTC), s.DueDate)
	// 2% of 100 is below the 25.00 floor.
	assert.True(t, s.MinimumPayment.Equal(usd(t, "25.00")))

	clk.Set(time.Date(2024, 2, 10, 0, 0, 0, 0, time.UTC))
	bd, err := e.ApplyPayment(ctx, "card-1", usd(t, "100.00"), clk.Now())
	require.NoError(t, err)
	assert.True(t, bd.Principal.Equal(usd(t, "100.00")))
	require.NotNil(t, bd.Statement)
	assert.Equal(t, StatementPaidFull, bd.Statement.Status)

	// Cycle 2: a new purchase stays grace eligible and accrues nothing
	// before the next due date.
	res, err = e.Charge(ctx, "card-1", usd(t, "250.00"), Purchase, "electronics", "Tech Mart", clk.Now())
	require.NoError(t, err)
	assert.True(t, res.Transaction.GraceEligible)

	clk.Set(time.Date(2024, 2, 20, 0, 0, 0, 0, time.UTC))
	in, err := e.AccrueDaily(ctx, "card-1", clk.Now())
	require.NoError(t, err)
	assert.Nil(t, in, "grace-eligible purchase must not accrue before the due date")

	clk.Set(time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC))
	s, err = e.CloseStatement(ctx, "card-1")
	require.NoError(t, err)
	assert.True(t, s.CurrentBalance.Equal(usd(t, "250.00")))
	l, err := e.GetLine(ctx, "card-1")
	require.NoError(t, err)
	assert.True(t, l.GraceActive, "grace survives a cycle paid in full on time")
}

func TestCashAdvanceKillsGrace(t *testing.T) {
	e, clk, ctx := testEngine(t)
	_, err := e.OpenLine(ctx, testLine(t))
	require.NoError(t, err)

	res, err := e.Charge(ctx, "card-1", usd(t, "200.00"), CashAdvance, "atm withdrawal", "", clk.Now())
	require.NoError(t, err)
	assert.False(t, res.Transaction.GraceEligible)
	assert.Equal(t, clk.Now(), res.Transaction.InterestFrom)
	require.NotNil(t, res.FeeTxn, "cash advance carries a companion fee")
	assert.Equal(t, FeeCashAdvance, res.FeeTxn.FeeType)
	assert.True(t, res.FeeTxn.Amount.Equal(usd(t, "6.00"))) // 3% of 200

	// Cash advances accrue from the post date.
	clk.AdvanceDays(1)
	in, err := e.AccrueDaily(ctx, "card-1", clk.Now())
	require.NoError(t, err)
	require.NotNil(t, in)
	// 200 * 0.28/365 = 0.15; fees do not themselves bear interest.
	assert.True(t, in.Amount.Equal(usd(t, "0.15")), "interest %s", in.Amount)

	clk.Set(time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC))
	_, err = e.CloseStatement(ctx, "card-1")
	require.NoError(t, err)
	l, err := e.GetLine(ctx, "card-1")
	require.NoError(t, err)
	assert.False(t, l.GraceActive, "a cash advance in the cycle kills grace")
}

func TestOverlimitPolicies(t *testing.T) {
	e, clk, ctx := testEngine(t)
	_, err := e.OpenLine(ctx, testLine(t))
	require.NoError(t, err)

	// Reject policy: the charge bounces with the violated rule.
	_, err = e.Charge(ctx, "card-1", usd(t, "5001.00"), Purchase, "too big", "", clk.Now())
	require.Error(t, err)
	assert.Equal(t, errs.KindPolicyViolation, errs.KindOf(err))

	// Accept-with-fee policy: the charge lands plus an overlimit fee.
	accept := testLine(t)
	accept.ID = "card-2"
	accept.Overlimit = OverlimitAcceptWithFee
	_, err = e.OpenLine(ctx, accept)
	require.NoError(t, err)

	res, err := e.Charge(ctx, "card-2", usd(t, "5001.00"), Purchase, "too big", "", clk.Now())
	require.NoError(t, err)
	require.NotNil(t, res.FeeTxn)
	assert.Equal(t, FeeOverlimit, res.FeeTxn.FeeType)
	assert.True(t, res.FeeTxn.Amount.Equal(usd(t, "35.00")))
}

func TestPaymentAllocationOrder(t *testing.T) {
	e, clk, ctx := testEngine(t)
	_, err := e.OpenLine(ctx, testLine(t))
	require.NoError(t, err)

	// Build balances in every bucket: a purchase (20%), a cash advance
	// (28%) with its fee, interest, and a late fee.
	_, err = e.Charge(ctx, "card-1", usd(t, "300.00"), Purchase, "purchase", "", clk.Now())
	require.NoError(t, err)
	_, err = e.Charge(ctx, "card-1", usd(t, "100.00"), CashAdvance, "advance", "", clk.Now())
	require.NoError(t, err)

	clk.AdvanceDays(1)
	in, err := e.AccrueDaily(ctx, "card-1", clk.Now())
	require.NoError(t, err)
	require.NotNil(t, in)

	clk.Set(time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC))
	s, err := e.CloseStatement(ctx, "card-1")
	require.NoError(t, err)

	// Let the statement go overdue to pick up a late fee.
	clk.Set(s.DueDate.AddDate(0, 0, 3))
	fee, err := e.CheckOverdue(ctx, "card-1", clk.Now())
	require.NoError(t, err)
	require.NotNil(t, fee)
	assert.Equal(t, FeeLate, fee.FeeType)

	// Again: the late fee is assessed once per overdue statement.
	clk.AdvanceDays(1)
	fee, err = e.CheckOverdue(ctx, "card-1", clk.Now())
	require.NoError(t, err)
	assert.Nil(t, fee)

	// A payment of 120 covers: late fee 29, cash-advance fee 3, interest,
	// then cash-advance principal (28% > 20%) before any purchase. It runs
	// out inside the advance bucket, so the purchase stays untouched.
	bd, err := e.ApplyPayment(ctx, "card-1", usd(t, "120.00"), clk.Now())
	require.NoError(t, err)
	assert.True(t, bd.LateFees.Equal(usd(t, "29.00")))
	assert.True(t, bd.OtherFees.Equal(usd(t, "3.00")))
	assert.True(t, bd.Interest.IsPositive())
	assert.True(t, bd.Principal.IsPositive())
	assert.True(t, bd.Overpayment.IsZero())

	txns, err := e.Transactions(ctx, "card-1")
	require.NoError(t, err)
	var purchaseRemaining, advanceRemaining money.Value
	for _, txn := range txns {
		switch txn.Category {
		case Purchase:
			purchaseRemaining = txn.Remaining
		case CashAdvance:
			advanceRemaining = txn.Remaining
		}
	}
	assert.True(t, purchaseRemaining.Equal(usd(t, "300.00")),
		"purchase untouched while the higher-rate advance owes")
	assert.True(t, advanceRemaining.MustCmp(usd(t, "100.00")) < 0)
}

func TestMinimumPaymentCappedAtBalance(t *testing.T) {
	e, clk, ctx := testEngine(t)
	_, err := e.OpenLine(ctx, testLine(t))
	require.NoError(t, err)

	// Balance below the floor: the minimum is the whole balance.
	_, err = e.Charge(ctx, "card-1", usd(t, "10.00"), Purchase, "coffee", "", clk.Now())
	require.NoError(t, err)
	clk.Set(time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC))
	s, err := e.CloseStatement(ctx, "card-1")
	require.NoError(t, err)
	assert.True(t, s.MinimumPayment.Equal(usd(t, "10.00")))
}

func TestMinimumPaymentPercentage(t *testing.T) {
	e, clk, ctx := testEngine(t)
	_, err := e.OpenLine(ctx, testLine(t))
	require.NoError(t, err)

	_, err = e.Charge(ctx, "card-1", usd(t, "4000.00"), Purchase, "furniture", "", clk.Now())
	require.NoError(t, err)
	clk.Set(time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC))
	s, err := e.CloseStatement(ctx, "card-1")
	require.NoError(t, err)
	// 2% of 4000 = 80, above the 25.00 floor.
	assert.True(t, s.MinimumPayment.Equal(usd(t, "80.00")))
}

func TestGraceLostWhenNotPaidInFull(t *testing.T) {
	e, clk, ctx := testEngine(t)
	_, err := e.OpenLine(ctx, testLine(t))
	require.NoError(t, err)

	_, err = e.Charge(ctx, "card-1", usd(t, "100.00"), Purchase, "groceries", "", clk.Now())
	require.NoError(t, err)
	clk.Set(time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC))
	s, err := e.CloseStatement(ctx, "card-1")
	require.NoError(t, err)

	// Pay only the minimum, on time.
	clk.Set(s.DueDate.AddDate(0, 0, -1))
	_, err = e.ApplyPayment(ctx, "card-1", s.MinimumPayment, clk.Now())
	require.NoError(t, err)

	clk.Set(time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC))
	_, err = e.CloseStatement(ctx, "card-1")
	require.NoError(t, err)
	l, err := e.GetLine(ctx, "card-1")
	require.NoError(t, err)
	assert.False(t, l.GraceActive, "carrying a balance forfeits grace")
}

func TestGraceRequalifiedAfterPaidStatement(t *testing.T) {
	e, clk, ctx := testEngine(t)
	_, err := e.OpenLine(ctx, testLine(t))
	require.NoError(t, err)

	// Cycle 1: purchase, statement closes Feb 1 (due Feb 22), never paid.
	_, err = e.Charge(ctx, "card-1", usd(t, "100.00"), Purchase, "groceries", "", clk.Now())
	require.NoError(t, err)
	clk.Set(time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC))
	_, err = e.CloseStatement(ctx, "card-1")
	require.NoError(t, err)

	// Cycle 2 closes with the balance still carried: grace is gone.
	clk.Set(time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC))
	s, err := e.CloseStatement(ctx, "card-1")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 3, 22, 0, 0, 0, 0, time.UTC), s.DueDate)
	l, err := e.GetLine(ctx, "card-1")
	require.NoError(t, err)
	assert.False(t, l.GraceActive)

	// A revolver's purchase accrues from the post date.
	clk.Set(time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC))
	res, err := e.Charge(ctx, "card-1", usd(t, "50.00"), Purchase, "fuel", "", clk.Now())
	require.NoError(t, err)
	assert.False(t, res.Transaction.GraceEligible)
	assert.Equal(t, clk.Now(), res.Transaction.InterestFrom)

	// Paying the latest statement in full before its due date (Mar 22)
	// re-qualifies the line right away, not at the next close.
	clk.Set(time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC))
	bal, err := e.Balance(ctx, "card-1")
	require.NoError(t, err)
	bd, err := e.ApplyPayment(ctx, "card-1", bal, clk.Now())
	require.NoError(t, err)
	require.NotNil(t, bd.Statement)
	assert.Equal(t, StatementPaidFull, bd.Statement.Status)
	l, err = e.GetLine(ctx, "card-1")
	require.NoError(t, err)
	assert.True(t, l.GraceActive, "paying in full on time restores grace")

	// A purchase in the same cycle is grace eligible and accrues nothing.
	clk.Set(time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC))
	res, err = e.Charge(ctx, "card-1", usd(t, "250.00"), Purchase, "electronics", "", clk.Now())
	require.NoError(t, err)
	assert.True(t, res.Transaction.GraceEligible)
	assert.Equal(t, time.Date(2024, 4, 22, 0, 0, 0, 0, time.UTC), res.Transaction.InterestFrom)

	clk.Set(time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC))
	in, err := e.AccrueDaily(ctx, "card-1", clk.Now())
	require.NoError(t, err)
	assert.Nil(t, in, "grace-eligible purchase must not accrue before its due date")
}

func TestOverdueRevokesGraceMidCycle(t *testing.T) {
	e, clk, ctx := testEngine(t)
	_, err := e.OpenLine(ctx, testLine(t))
	require.NoError(t, err)

	_, err = e.Charge(ctx, "card-1", usd(t, "100.00"), Purchase, "groceries", "", clk.Now())
	require.NoError(t, err)
	clk.Set(time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC))
	s, err := e.CloseStatement(ctx, "card-1")
	require.NoError(t, err)

	// The due date passes unpaid: grace is revoked at the overdue check,
	// not a full cycle later.
	clk.Set(s.DueDate.AddDate(0, 0, 1))
	_, err = e.CheckOverdue(ctx, "card-1", clk.Now())
	require.NoError(t, err)
	l, err := e.GetLine(ctx, "card-1")
	require.NoError(t, err)
	assert.False(t, l.GraceActive)

	clk.AdvanceDays(2)
	res, err := e.Charge(ctx, "card-1", usd(t, "40.00"), Purchase, "fuel", "", clk.Now())
	require.NoError(t, err)
	assert.False(t, res.Transaction.GraceEligible)
	assert.Equal(t, clk.Now(), res.Transaction.InterestFrom)
}

func TestMinimumInterestCharge(t *testing.T) {
	e, clk, ctx := testEngine(t)
	l := testLine(t)
	l.MinInterest = usd(t, "1.50")
	_, err := e.OpenLine(ctx, l)
	require.NoError(t, err)

	// A cash advance accrues immediately, but one day of interest on 100
	// at 28% is only 0.08 - below the 1.50 minimum interest charge.
	_, err = e.Charge(ctx, "card-1", usd(t, "100.00"), CashAdvance, "advance", "", clk.Now())
	require.NoError(t, err)
	clk.AdvanceDays(1)
	in, err := e.AccrueDaily(ctx, "card-1", clk.Now())
	require.NoError(t, err)
	require.NotNil(t, in)
	assert.True(t, in.Amount.Equal(usd(t, "0.08")))

	clk.Set(time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC))
	s, err := e.CloseStatement(ctx, "card-1")
	require.NoError(t, err)
	assert.True(t, s.MinInterestAdj.Equal(usd(t, "1.42")), "adjustment %s", s.MinInterestAdj)
	assert.True(t, s.InterestCharged.Equal(usd(t, "1.50")))
	// 100 advance + 3.00 fee + 1.50 interest.
	assert.True(t, s.CurrentBalance.Equal(usd(t, "104.50")), "balance %s", s.CurrentBalance)
}

func TestPenaltyPricing(t *testing.T) {
	e, clk, ctx := testEngine(t)
	l := testLine(t)
	l.PenaltyRate = decimal.RequireFromString("0.2999")
	_, err := e.OpenLine(ctx, l)
	require.NoError(t, err)

	_, err = e.Charge(ctx, "card-1", usd(t, "1000.00"), Purchase, "furniture", "", clk.Now())
	require.NoError(t, err)
	clk.Set(time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC))
	s, err := e.CloseStatement(ctx, "card-1")
	require.NoError(t, err)

	// Miss the due date: the line enters penalty pricing.
	clk.Set(s.DueDate.AddDate(0, 0, 3))
	fee, err := e.CheckOverdue(ctx, "card-1", clk.Now())
	require.NoError(t, err)
	require.NotNil(t, fee)
	got, err := e.GetLine(ctx, "card-1")
	require.NoError(t, err)
	assert.True(t, got.PenaltyActive)
	assert.True(t, got.RateFor(Purchase).Equal(l.PenaltyRate))
	assert.True(t, got.RateFor(CashAdvance).Equal(l.PenaltyRate))

	// Interest now accrues at the penalty rate: 1000 * 0.2999/365 = 0.82.
	clk.AdvanceDays(1)
	in, err := e.AccrueDaily(ctx, "card-1", clk.Now())
	require.NoError(t, err)
	require.NotNil(t, in)
	assert.True(t, in.Amount.Equal(usd(t, "0.82")), "interest %s", in.Amount)

	// Paying the statement in full exits penalty pricing.
	bal, err := e.Balance(ctx, "card-1")
	require.NoError(t, err)
	_, err = e.ApplyPayment(ctx, "card-1", bal, clk.Now())
	require.NoError(t, err)
	got, err = e.GetLine(ctx, "card-1")
	require.NoError(t, err)
	assert.False(t, got.PenaltyActive)
	assert.True(t, got.RateFor(Purchase).Equal(l.PurchaseRate))
}

func TestStatementDocRoundTrip(t *testing.T) {
	s := &Statement{
		ID:               "card-1/0001",
		AccountID:        "card-1",
		Cycle:            1,
		StatementDate:    time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC),
		DueDate:          time.Date(2024, 2, 22, 0, 0, 0, 0, time.UTC),
		PreviousBalance:  money.MustParse("50.00", "USD"),
		Purchases:        money.MustParse("120.00", "USD"),
		CashAdvances:     money.Zero("USD"),
		BalanceTransfers: money.Zero("USD"),
		Payments:         money.MustParse("50.00", "USD"),
		InterestCharged:  money.MustParse("1.25", "USD"),
		FeesCharged:      money.Zero("USD"),
		CurrentBalance:   money.MustParse("121.25", "USD"),
		MinimumPayment:   money.MustParse("25.00", "USD"),
		MinInterestAdj:   money.Zero("USD"),
		PaidAmount:       money.Zero("USD"),
		Status:           StatementCurrent,
	}
	got := docToStatement(statementToDoc(s))
	assert.Equal(t, s.Cycle, got.Cycle)
	assert.Equal(t, s.Status, got.Status)
	assert.True(t, got.CurrentBalance.Equal(s.CurrentBalance))
	assert.True(t, got.MinimumPayment.Equal(s.MinimumPayment))
	assert.True(t, got.DueDate.Equal(s.DueDate))
	assert.False(t, got.LateFeeAssessed)
}
