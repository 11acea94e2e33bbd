package credit

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/corebank/ledgerd/internal/clock"
	"github.com/corebank/ledgerd/internal/errs"
	"github.com/corebank/ledgerd/internal/ids"
	"github.com/corebank/ledgerd/internal/money"
	"github.com/corebank/ledgerd/internal/storage/record"
	"github.com/corebank/ledgerd/internal/storage/tenant"
)

// Engine manages credit lines, their transactions and statements.
type Engine struct {
	store *tenant.Store
	clock clock.Clock
	ids   ids.Generator
}

// NewEngine creates a credit engine over tenant-scoped storage.
func NewEngine(store *tenant.Store, clk clock.Clock, gen ids.Generator) *Engine {
	return &Engine{store: store, clock: clk, ids: gen}
}

// OpenLine creates a credit line. New lines start with the grace period
// active; the first statement close re-evaluates it.
func (e *Engine) OpenLine(ctx context.Context, l *Line) (*Line, error) {
	const op = "credit.OpenLine"
	if l.ID == "" {
		return nil, errs.E(errs.KindValidation, op, "credit line id required")
	}
	if l.Currency == "" {
		return nil, errs.E(errs.KindValidation, op, "currency required")
	}
	if !l.CreditLimit.IsPositive() {
		return nil, errs.E(errs.KindValidation, op, "credit limit must be positive")
	}
	if l.CycleDay < 1 || l.CycleDay > 28 {
		return nil, errs.E(errs.KindValidation, op, "cycle day must be between 1 and 28")
	}
	switch l.Overlimit {
	case OverlimitReject, OverlimitAcceptWithFee:
	default:
		return nil, errs.Ef(errs.KindValidation, op, "unknown overlimit policy %q", l.Overlimit)
	}
	if _, err := e.store.Load(ctx, LinesTable, l.ID); err == nil {
		return nil, errs.Ef(errs.KindConflict, op, "credit line %s already exists", l.ID)
	} else if err != record.ErrNotFound {
		return nil, err
	}

	now := e.clock.Now()
	l.GraceActive = true
	l.StatementCount = 0
	l.NextStatementDate = nextCycleDate(now, l.CycleDay)
	l.CreatedAt = now
	if err := e.saveLine(ctx, l); err != nil {
		return nil, err
	}
	return l, nil
}

// nextCycleDate returns the first cycle-day date strictly after t.
func nextCycleDate(t time.Time, cycleDay int) time.Time {
	d := time.Date(t.Year(), t.Month(), cycleDay, 0, 0, 0, 0, time.UTC)
	if !d.After(t) {
		d = d.AddDate(0, 1, 0)
	}
	return d
}

// GetLine loads a credit line.
func (e *Engine) GetLine(ctx context.Context, id string) (*Line, error) {
	doc, err := e.store.Load(ctx, LinesTable, id)
	if err == record.ErrNotFound {
		return nil, errs.Ef(errs.KindNotFound, "credit.GetLine", "credit line %s not found", id)
	}
	if err != nil {
		return nil, err
	}
	return docToLine(doc), nil
}

func (e *Engine) saveLine(ctx context.Context, l *Line) error {
	return e.store.Save(ctx, LinesTable, l.ID, lineToDoc(l))
}

func (e *Engine) saveTxn(ctx context.Context, t *Transaction) error {
	return e.store.Save(ctx, TransactionsTable, t.ID, txnToDoc(t))
}

// Transactions lists a line's transactions oldest first.
func (e *Engine) Transactions(ctx context.Context, accountID string) ([]*Transaction, error) {
	docs, err := e.store.Query(ctx, record.Query{
		Table:   TransactionsTable,
		Filters: []record.Filter{{Field: "account_id", Op: record.Eq, Value: accountID}},
	})
	if err != nil {
		return nil, err
	}
	out := make([]*Transaction, len(docs))
	for i, doc := range docs {
		out[i] = docToTxn(doc)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].PostedAt.Equal(out[j].PostedAt) {
			return out[i].PostedAt.Before(out[j].PostedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// Balance sums the unpaid portion of every owing transaction.
func (e *Engine) Balance(ctx context.Context, accountID string) (money.Value, error) {
	l, err := e.GetLine(ctx, accountID)
	if err != nil {
		return money.Value{}, err
	}
	txns, err := e.Transactions(ctx, accountID)
	if err != nil {
		return money.Value{}, err
	}
	bal := money.Zero(l.Currency)
	for _, t := range txns {
		bal = bal.MustAdd(t.Remaining)
	}
	return bal, nil
}

// ChargeResult reports a recorded charge and any companion fee. The caller
// posts one journal entry covering both transactions.
type ChargeResult struct {
	Transaction *Transaction
	FeeTxn      *Transaction // overlimit or cash-advance fee, nil otherwise
	Line        *Line
}

// Charge records a purchase, balance transfer or cash advance. Charges
// over the credit limit follow the product's overlimit policy: reject, or
// accept plus fee. Cash advances always carry a companion fee transaction
// and are never grace eligible.
func (e *Engine) Charge(ctx context.Context, accountID string, amount money.Value, category Category, description, merchant string, when time.Time) (*ChargeResult, error) {
	const op = "credit.Charge"
	switch category {
	case Purchase, CashAdvance, BalanceTransfer:
	default:
		return nil, errs.Ef(errs.KindValidation, op, "category %q is not chargeable", category)
	}
	if !amount.IsPositive() {
		return nil, errs.E(errs.KindValidation, op, "charge amount must be positive")
	}
	l, err := e.GetLine(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if amount.Currency() != l.Currency {
		return nil, errs.Ef(errs.KindValidation, op,
			"charge currency %s does not match line currency %s", amount.Currency(), l.Currency)
	}

	bal, err := e.Balance(ctx, accountID)
	if err != nil {
		return nil, err
	}
	var overlimitFee *Transaction
	if bal.MustAdd(amount).MustCmp(l.CreditLimit) > 0 {
		switch l.Overlimit {
		case OverlimitAcceptWithFee:
			overlimitFee = &Transaction{
				ID:           e.ids.NewID(),
				AccountID:    accountID,
				Category:     Fee,
				FeeType:      FeeOverlimit,
				Description:  "overlimit fee",
				Amount:       l.OverlimitFee,
				Remaining:    l.OverlimitFee,
				InterestFrom: when,
				PostedAt:     when,
				Cycle:        l.StatementCount,
			}
		default:
			return nil, errs.Policy(op, "credit-limit",
				fmt.Sprintf("charge of %s would exceed credit limit %s", amount, l.CreditLimit))
		}
	}

	txn := &Transaction{
		ID:          e.ids.NewID(),
		AccountID:   accountID,
		Category:    category,
		Description: description,
		Merchant:    merchant,
		Amount:      amount,
		Remaining:   amount,
		PostedAt:    when,
		Cycle:       l.StatementCount,
	}
	if category == Purchase && l.GraceActive {
		// Grace-eligible purchases accrue nothing until the next due date.
		txn.GraceEligible = true
		txn.InterestFrom = l.NextStatementDate.AddDate(0, 0, l.GraceDays)
	} else {
		txn.InterestFrom = when
	}

	res := &ChargeResult{Transaction: txn, Line: l}
	if category == CashAdvance {
		fee := amount.MulRat(l.CashAdvanceFee)
		if fee.IsPositive() {
			res.FeeTxn = &Transaction{
				ID:           e.ids.NewID(),
				AccountID:    accountID,
				Category:     Fee,
				FeeType:      FeeCashAdvance,
				Description:  "cash advance fee",
				Amount:       fee,
				Remaining:    fee,
				InterestFrom: when,
				PostedAt:     when,
				Cycle:        l.StatementCount,
			}
		}
	} else if overlimitFee != nil {
		res.FeeTxn = overlimitFee
	}

	if err := e.saveTxn(ctx, txn); err != nil {
		return nil, err
	}
	if res.FeeTxn != nil {
		if err := e.saveTxn(ctx, res.FeeTxn); err != nil {
			return nil, err
		}
	}
	return res, nil
}

// AccrueDaily posts one day of interest: for each owing transaction past
// its interest-from date, remaining * rate / 365, summed into a single
// interest transaction. Returns the interest added, zero when nothing
// accrues.
func (e *Engine) AccrueDaily(ctx context.Context, accountID string, asOf time.Time) (*Transaction, error) {
	l, err := e.GetLine(ctx, accountID)
	if err != nil {
		return nil, err
	}
	txns, err := e.Transactions(ctx, accountID)
	if err != nil {
		return nil, err
	}

	day := decimal.NewFromInt(365)
	total := money.Zero(l.Currency)
	for _, t := range txns {
		switch t.Category {
		case Purchase, CashAdvance, BalanceTransfer:
		default:
			continue
		}
		if !t.Remaining.IsPositive() || asOf.Before(t.InterestFrom) {
			continue
		}
		total = total.MustAdd(t.Remaining.MulRat(l.RateFor(t.Category).Div(day)))
	}
	if !total.IsPositive() {
		return nil, nil
	}

	txn := &Transaction{
		ID:           e.ids.NewID(),
		AccountID:    accountID,
		Category:     Interest,
		Description:  "daily interest",
		Amount:       total,
		Remaining:    total,
		InterestFrom: asOf,
		PostedAt:     asOf,
		Cycle:        l.StatementCount,
	}
	if err := e.saveTxn(ctx, txn); err != nil {
		return nil, err
	}
	return txn, nil
}

func statementID(accountID string, cycle int) string {
	return fmt.Sprintf("%s/%04d", accountID, cycle)
}

// GetStatement loads one statement by account and cycle.
func (e *Engine) GetStatement(ctx context.Context, accountID string, cycle int) (*Statement, error) {
	doc, err := e.store.Load(ctx, StatementsTable, statementID(accountID, cycle))
	if err == record.ErrNotFound {
		return nil, errs.Ef(errs.KindNotFound, "credit.GetStatement",
			"statement %d for %s not found", cycle, accountID)
	}
	if err != nil {
		return nil, err
	}
	return docToStatement(doc), nil
}

func (e *Engine) saveStatement(ctx context.Context, s *Statement) error {
	return e.store.Save(ctx, StatementsTable, s.ID, statementToDoc(s))
}

// CloseStatement compiles the open cycle into a new statement and
// re-evaluates the grace period for the next cycle: grace holds iff the
// most recent statement was settled in full on time (or carried nothing)
// and the closed cycle saw no cash advance or balance transfer. Between
// closes the flag keeps moving with payment outcomes: ApplyPayment
// restores it when the latest statement is paid in full by its due date,
// CheckOverdue revokes it.
func (e *Engine) CloseStatement(ctx context.Context, accountID string) (*Statement, error) {
	l, err := e.GetLine(ctx, accountID)
	if err != nil {
		return nil, err
	}
	txns, err := e.Transactions(ctx, accountID)
	if err != nil {
		return nil, err
	}

	cycle := l.StatementCount
	zero := money.Zero(l.Currency)
	s := &Statement{
		ID:               statementID(accountID, cycle),
		AccountID:        accountID,
		Cycle:            cycle,
		StatementDate:    l.NextStatementDate,
		DueDate:          l.NextStatementDate.AddDate(0, 0, l.GraceDays),
		PreviousBalance:  zero,
		Purchases:        zero,
		CashAdvances:     zero,
		BalanceTransfers: zero,
		Payments:         zero,
		InterestCharged:  zero,
		FeesCharged:      zero,
		PaidAmount:       zero,
		Status:           StatementCurrent,
	}

	revolving := false
	bal := zero
	for _, t := range txns {
		bal = bal.MustAdd(t.Remaining)
		if t.Cycle != cycle {
			continue
		}
		switch t.Category {
		case Purchase:
			s.Purchases = s.Purchases.MustAdd(t.Amount)
		case CashAdvance:
			s.CashAdvances = s.CashAdvances.MustAdd(t.Amount)
			revolving = true
		case BalanceTransfer:
			s.BalanceTransfers = s.BalanceTransfers.MustAdd(t.Amount)
			revolving = true
		case Interest:
			s.InterestCharged = s.InterestCharged.MustAdd(t.Amount)
		case Fee:
			s.FeesCharged = s.FeesCharged.MustAdd(t.Amount)
		case Payment, Reversal:
			s.Payments = s.Payments.MustAdd(t.Amount)
		}
	}
	s.CurrentBalance = bal
	s.MinInterestAdj = zero

	// Revolving cycles that accrued some interest, but less than the
	// product's minimum interest charge, are topped up to the minimum.
	if s.InterestCharged.IsPositive() && l.MinInterest.IsPositive() &&
		s.InterestCharged.MustCmp(l.MinInterest) < 0 {
		adj := l.MinInterest.MustSub(s.InterestCharged)
		txn := &Transaction{
			ID:           e.ids.NewID(),
			AccountID:    accountID,
			Category:     Interest,
			Description:  "minimum interest charge",
			Amount:       adj,
			Remaining:    adj,
			InterestFrom: s.StatementDate,
			PostedAt:     s.StatementDate,
			Cycle:        cycle,
		}
		if err := e.saveTxn(ctx, txn); err != nil {
			return nil, err
		}
		s.MinInterestAdj = adj
		s.InterestCharged = s.InterestCharged.MustAdd(adj)
		s.CurrentBalance = s.CurrentBalance.MustAdd(adj)
		bal = s.CurrentBalance
	}

	paidOnTime := true
	if cycle > 0 {
		prev, err := e.GetStatement(ctx, accountID, cycle-1)
		if err != nil {
			return nil, err
		}
		s.PreviousBalance = prev.CurrentBalance
		paidOnTime = prev.PaidInFullOnTime() || prev.CurrentBalance.IsZero()
	}

	// Minimum payment: balance * percentage with a floor, capped at the
	// balance itself.
	if bal.IsPositive() {
		min := money.MustMax(bal.MulRat(l.MinPaymentPct), l.MinPaymentFlr)
		s.MinimumPayment = money.MustMin(min, bal)
	} else {
		s.MinimumPayment = zero
	}

	if err := e.saveStatement(ctx, s); err != nil {
		return nil, err
	}

	l.GraceActive = paidOnTime && !revolving
	l.StatementCount = cycle + 1
	l.NextStatementDate = l.NextStatementDate.AddDate(0, 1, 0)
	if err := e.saveLine(ctx, l); err != nil {
		return nil, err
	}
	return s, nil
}

// PaymentBreakdown reports how a payment was applied: late fees, then
// other fees, then interest, then principal per category highest rate
// first, oldest transaction first within a category.
type PaymentBreakdown struct {
	LateFees    money.Value
	OtherFees   money.Value
	Interest    money.Value
	Principal   money.Value
	Overpayment money.Value
	Statement   *Statement // statement the payment settled, nil when none open
}

// ApplyPayment retires transaction balances in allocation order and updates
// the latest statement's payment fields.
func (e *Engine) ApplyPayment(ctx context.Context, accountID string, amount money.Value, when time.Time) (*PaymentBreakdown, error) {
	const op = "credit.ApplyPayment"
	l, err := e.GetLine(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if amount.Currency() != l.Currency {
		return nil, errs.Ef(errs.KindValidation, op,
			"payment currency %s does not match line currency %s", amount.Currency(), l.Currency)
	}
	if !amount.IsPositive() {
		return nil, errs.E(errs.KindValidation, op, "payment must be positive")
	}
	txns, err := e.Transactions(ctx, accountID)
	if err != nil {
		return nil, err
	}

	zero := money.Zero(l.Currency)
	bd := &PaymentBreakdown{
		LateFees: zero, OtherFees: zero, Interest: zero,
		Principal: zero, Overpayment: zero,
	}
	rest := amount

	retire := func(list []*Transaction) (money.Value, error) {
		applied := zero
		for _, t := range list {
			if !rest.IsPositive() {
				break
			}
			part := money.MustMin(rest, t.Remaining)
			if !part.IsPositive() {
				continue
			}
			t.Remaining = t.Remaining.MustSub(part)
			rest = rest.MustSub(part)
			applied = applied.MustAdd(part)
			if err := e.saveTxn(ctx, t); err != nil {
				return zero, err
			}
		}
		return applied, nil
	}

	var lateFees, otherFees, interest []*Transaction
	byCat := map[Category][]*Transaction{}
	for _, t := range txns {
		if !t.Remaining.IsPositive() {
			continue
		}
		switch t.Category {
		case Fee:
			if t.FeeType == FeeLate {
				lateFees = append(lateFees, t)
			} else {
				otherFees = append(otherFees, t)
			}
		case Interest:
			interest = append(interest, t)
		case Purchase, CashAdvance, BalanceTransfer:
			byCat[t.Category] = append(byCat[t.Category], t)
		}
	}

	if bd.LateFees, err = retire(lateFees); err != nil {
		return nil, err
	}
	if bd.OtherFees, err = retire(otherFees); err != nil {
		return nil, err
	}
	if bd.Interest, err = retire(interest); err != nil {
		return nil, err
	}

	cats := make([]Category, 0, len(byCat))
	for c := range byCat {
		cats = append(cats, c)
	}
	sort.Slice(cats, func(i, j int) bool {
		ri, rj := l.RateFor(cats[i]), l.RateFor(cats[j])
		if !ri.Equal(rj) {
			return ri.GreaterThan(rj)
		}
		return cats[i] < cats[j]
	})
	for _, c := range cats {
		applied, err := retire(byCat[c])
		if err != nil {
			return nil, err
		}
		bd.Principal = bd.Principal.MustAdd(applied)
	}
	bd.Overpayment = rest

	pay := &Transaction{
		ID:          e.ids.NewID(),
		AccountID:   accountID,
		Category:    Payment,
		Description: "payment",
		Amount:      amount,
		Remaining:   zero,
		PostedAt:    when,
		Cycle:       l.StatementCount,
	}
	if err := e.saveTxn(ctx, pay); err != nil {
		return nil, err
	}

	// Apply against the most recent statement, if any.
	if l.StatementCount > 0 {
		s, err := e.GetStatement(ctx, accountID, l.StatementCount-1)
		if err != nil {
			return nil, err
		}
		if s.Status != StatementPaidFull {
			s.PaidAmount = s.PaidAmount.MustAdd(amount)
			if s.PaidAmount.MustCmp(s.CurrentBalance) >= 0 {
				s.Status = StatementPaidFull
				s.PaidDate = when
				lineChanged := false
				if l.PenaltyActive {
					// Paying a statement in full exits penalty pricing.
					l.PenaltyActive = false
					lineChanged = true
				}
				if s.PaidInFullOnTime() && !l.GraceActive {
					// Settling the latest statement in full by its due date
					// re-qualifies the line for grace; purchases from here
					// on are grace eligible again.
					l.GraceActive = true
					lineChanged = true
				}
				if lineChanged {
					if err := e.saveLine(ctx, l); err != nil {
						return nil, err
					}
				}
			} else if s.PaidAmount.MustCmp(s.MinimumPayment) >= 0 {
				s.Status = StatementPaidMinimum
				if s.PaidDate.IsZero() {
					s.PaidDate = when
				}
			}
			if err := e.saveStatement(ctx, s); err != nil {
				return nil, err
			}
			bd.Statement = s
		}
	}
	return bd, nil
}

// CheckOverdue marks the latest statement overdue when its due date has
// passed without the minimum payment, assessing the late fee at most once
// per statement. The returned transaction is the fee to post, nil when
// nothing was assessed.
func (e *Engine) CheckOverdue(ctx context.Context, accountID string, asOf time.Time) (*Transaction, error) {
	l, err := e.GetLine(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if l.StatementCount == 0 {
		return nil, nil
	}
	s, err := e.GetStatement(ctx, accountID, l.StatementCount-1)
	if err != nil {
		return nil, err
	}
	if !asOf.After(s.DueDate) || s.Status == StatementPaidFull ||
		s.Status == StatementPaidMinimum || !s.MinimumPayment.IsPositive() {
		return nil, nil
	}

	s.Status = StatementOverdue
	lineChanged := false
	if l.GraceActive {
		// An overdue statement forfeits grace for subsequent charges.
		l.GraceActive = false
		lineChanged = true
	}
	if l.PenaltyRate.IsPositive() && !l.PenaltyActive {
		l.PenaltyActive = true
		lineChanged = true
	}
	if lineChanged {
		if err := e.saveLine(ctx, l); err != nil {
			return nil, err
		}
	}
	if s.LateFeeAssessed || !l.LateFee.IsPositive() {
		return nil, e.saveStatement(ctx, s)
	}
	s.LateFeeAssessed = true
	if err := e.saveStatement(ctx, s); err != nil {
		return nil, err
	}

	fee := &Transaction{
		ID:           e.ids.NewID(),
		AccountID:    accountID,
		Category:     Fee,
		FeeType:      FeeLate,
		Description:  "late fee",
		Amount:       l.LateFee,
		Remaining:    l.LateFee,
		InterestFrom: asOf,
		PostedAt:     asOf,
		Cycle:        l.StatementCount,
	}
	if err := e.saveTxn(ctx, fee); err != nil {
		return nil, err
	}
	return fee, nil
}

// Statements lists an account's statements oldest first.
func (e *Engine) Statements(ctx context.Context, accountID string) ([]*Statement, error) {
	docs, err := e.store.Query(ctx, record.Query{
		Table:   StatementsTable,
		Filters: []record.Filter{{Field: "account_id", Op: record.Eq, Value: accountID}},
		OrderBy: "id",
	})
	if err != nil {
		return nil, err
	}
	out := make([]*Statement, len(docs))
	for i, doc := range docs {
		out[i] = docToStatement(doc)
	}
	return out, nil
}
