package processor

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/corebank/ledgerd/internal/credit"
	"github.com/corebank/ledgerd/internal/errs"
	"github.com/corebank/ledgerd/internal/events"
	"github.com/corebank/ledgerd/internal/ledger"
	"github.com/corebank/ledgerd/internal/loan"
	"github.com/corebank/ledgerd/internal/money"
	"github.com/corebank/ledgerd/internal/storage/tenant"
)

// Result is the outcome of one processor operation: the posted journal
// entry plus the domain-level object the operation produced.
type Result struct {
	Entry         *ledger.Entry
	LoanPayment   *loan.PaymentResult
	CreditCharge  *credit.ChargeResult
	CreditPayment *credit.PaymentBreakdown
	Statement     *credit.Statement
}

// Deposit credits a customer account against cash/clearing.
func (p *Processor) Deposit(ctx context.Context, accountID string, amount money.Value, source, actor, clientRef string) (*Result, error) {
	const op = "processor.Deposit"
	if !amount.IsPositive() {
		return nil, errs.E(errs.KindValidation, op, "deposit amount must be positive")
	}
	tenantID, ok := tenant.FromContext(ctx)
	if !ok {
		return nil, errs.E(errs.KindTenantIsolation, op, "no tenant in context")
	}
	unlock := p.lockAccounts(tenantID, accountID)
	defer unlock()

	a, err := p.operable(ctx, accountID, amount.Currency(), op)
	if err != nil {
		return nil, err
	}
	if a.Limits.SingleTransaction != nil && amount.MustCmp(*a.Limits.SingleTransaction) > 0 {
		return nil, errs.Policy(op, "single-transaction-limit",
			fmt.Sprintf("amount %s exceeds single-transaction limit %s", amount, *a.Limits.SingleTransaction))
	}

	cash := SystemAccountID(RoleCash, amount.Currency())
	entry := &ledger.Entry{
		Reference:   clientRef,
		Description: "deposit: " + source,
		Lines: []ledger.Line{
			{AccountID: cash, Description: source, Debit: amount},
			{AccountID: accountID, Description: source, Credit: amount},
		},
	}
	posted, err := p.post(ctx, "deposit", entry, []string{accountID})
	if err != nil {
		return nil, err
	}
	return &Result{Entry: posted}, nil
}

// Withdraw debits a customer account against cash/clearing, enforcing the
// account's outflow limits.
func (p *Processor) Withdraw(ctx context.Context, accountID string, amount money.Value, destination, actor, clientRef string) (*Result, error) {
	const op = "processor.Withdraw"
	if !amount.IsPositive() {
		return nil, errs.E(errs.KindValidation, op, "withdrawal amount must be positive")
	}
	tenantID, ok := tenant.FromContext(ctx)
	if !ok {
		return nil, errs.E(errs.KindTenantIsolation, op, "no tenant in context")
	}
	unlock := p.lockAccounts(tenantID, accountID)
	defer unlock()

	a, err := p.operable(ctx, accountID, amount.Currency(), op)
	if err != nil {
		return nil, err
	}
	if err := p.checkOutflowLimits(ctx, a, amount, op); err != nil {
		return nil, err
	}

	cash := SystemAccountID(RoleCash, amount.Currency())
	entry := &ledger.Entry{
		Reference:   clientRef,
		Description: "withdrawal: " + destination,
		Lines: []ledger.Line{
			{AccountID: accountID, Description: destination, Debit: amount},
			{AccountID: cash, Description: destination, Credit: amount},
		},
	}
	posted, err := p.post(ctx, "withdraw", entry, []string{accountID})
	if err != nil {
		return nil, err
	}
	return &Result{Entry: posted}, nil
}

// Transfer moves money between two accounts atomically in one entry. When
// the currencies differ a rate is required and the conversion flows through
// the per-currency FX accounts, keeping each currency balanced.
func (p *Processor) Transfer(ctx context.Context, fromID, toID string, amount money.Value, rate decimal.Decimal, description, actor, clientRef string) (*Result, error) {
	const op = "processor.Transfer"
	if !amount.IsPositive() {
		return nil, errs.E(errs.KindValidation, op, "transfer amount must be positive")
	}
	if fromID == toID {
		return nil, errs.E(errs.KindValidation, op, "cannot transfer to the same account")
	}
	tenantID, ok := tenant.FromContext(ctx)
	if !ok {
		return nil, errs.E(errs.KindTenantIsolation, op, "no tenant in context")
	}
	unlock := p.lockAccounts(tenantID, fromID, toID)
	defer unlock()

	from, err := p.operable(ctx, fromID, amount.Currency(), op)
	if err != nil {
		return nil, err
	}
	to, err := p.operable(ctx, toID, "", op)
	if err != nil {
		return nil, err
	}
	if err := p.checkOutflowLimits(ctx, from, amount, op); err != nil {
		return nil, err
	}

	var lines []ledger.Line
	if to.Currency == from.Currency {
		lines = []ledger.Line{
			{AccountID: fromID, Description: description, Debit: amount},
			{AccountID: toID, Description: description, Credit: amount},
		}
	} else {
		if rate.IsZero() || rate.IsNegative() {
			return nil, errs.Ef(errs.KindValidation, op,
				"transfer %s to %s needs a positive exchange rate", from.Currency, to.Currency)
		}
		converted := money.New(amount.Amount().Mul(rate), to.Currency)
		if !converted.IsPositive() {
			return nil, errs.E(errs.KindValidation, op, "converted amount rounds to zero")
		}
		fxFrom := SystemAccountID(RoleFX, from.Currency)
		fxTo := SystemAccountID(RoleFX, to.Currency)
		lines = []ledger.Line{
			{AccountID: fromID, Description: description, Debit: amount},
			{AccountID: fxFrom, Description: description, Credit: amount},
			{AccountID: fxTo, Description: description, Debit: converted},
			{AccountID: toID, Description: description, Credit: converted},
		}
	}

	entry := &ledger.Entry{
		Reference:   clientRef,
		Description: "transfer: " + description,
		Lines:       lines,
	}
	posted, err := p.post(ctx, "transfer", entry, []string{fromID, toID})
	if err != nil {
		return nil, err
	}
	return &Result{Entry: posted}, nil
}

// Charge records a credit-card charge: the credit engine validates the
// limit and grace rules and the ledger moves receivable against suspense.
// A cash advance posts its fee line in the same entry.
func (p *Processor) Charge(ctx context.Context, creditAccountID string, amount money.Value, category credit.Category, description, merchant, actor, clientRef string) (*Result, error) {
	const op = "processor.Charge"
	tenantID, ok := tenant.FromContext(ctx)
	if !ok {
		return nil, errs.E(errs.KindTenantIsolation, op, "no tenant in context")
	}
	unlock := p.lockAccounts(tenantID, creditAccountID)
	defer unlock()

	if _, err := p.operable(ctx, creditAccountID, amount.Currency(), op); err != nil {
		return nil, err
	}
	res, err := p.credit.Charge(ctx, creditAccountID, amount, category, description, merchant, p.clock.Now())
	if err != nil {
		return nil, err
	}

	suspense := SystemAccountID(RoleSuspense, amount.Currency())
	feeIncome := SystemAccountID(RoleFeeIncome, amount.Currency())
	lines := []ledger.Line{
		{AccountID: creditAccountID, Description: description, Debit: amount},
		{AccountID: suspense, Description: description, Credit: amount},
	}
	if res.FeeTxn != nil {
		lines = append(lines,
			ledger.Line{AccountID: creditAccountID, Description: res.FeeTxn.Description, Debit: res.FeeTxn.Amount},
			ledger.Line{AccountID: feeIncome, Description: res.FeeTxn.Description, Credit: res.FeeTxn.Amount},
		)
	}
	entry := &ledger.Entry{
		Reference:   clientRef,
		Description: fmt.Sprintf("charge (%s): %s", category, description),
		Lines:       lines,
	}
	posted, err := p.post(ctx, "charge", entry, []string{creditAccountID})
	if err != nil {
		return nil, err
	}
	return &Result{Entry: posted, CreditCharge: res}, nil
}

// LoanDisburse releases an originated loan's principal to a target account:
// debit the loan receivable, credit the customer.
func (p *Processor) LoanDisburse(ctx context.Context, loanID, targetAccountID, actor, clientRef string) (*Result, error) {
	const op = "processor.LoanDisburse"
	tenantID, ok := tenant.FromContext(ctx)
	if !ok {
		return nil, errs.E(errs.KindTenantIsolation, op, "no tenant in context")
	}

	l, err := p.loans.Get(ctx, loanID)
	if err != nil {
		return nil, err
	}
	if l.State != loan.StateOriginated {
		return nil, errs.Policy(op, "loan-not-disburseable",
			fmt.Sprintf("loan %s is %s, not originated", loanID, l.State))
	}

	unlock := p.lockAccounts(tenantID, l.AccountID, targetAccountID)
	defer unlock()

	if _, err := p.operable(ctx, targetAccountID, l.Currency(), op); err != nil {
		return nil, err
	}

	amount := l.Terms.Principal
	entry := &ledger.Entry{
		Reference:   clientRef,
		Description: "loan disbursement " + loanID,
		Lines: []ledger.Line{
			{AccountID: l.AccountID, Description: "principal", Debit: amount},
			{AccountID: targetAccountID, Description: "loan proceeds", Credit: amount},
		},
	}
	posted, err := p.post(ctx, "loan_disburse", entry, []string{l.AccountID, targetAccountID})
	if err != nil {
		return nil, err
	}
	if _, err := p.loans.MarkDisbursed(ctx, loanID); err != nil {
		return nil, err
	}

	p.bus.Publish(events.Event{
		Kind:       events.LoanDisbursed,
		Tenant:     tenantID,
		EntityKind: "loan",
		EntityID:   loanID,
		Timestamp:  posted.PostedAt,
		Payload: map[string]any{
			"entry_id": posted.ID,
			"amount":   amount.String(),
		},
	})
	return &Result{Entry: posted}, nil
}

// LoanPayment applies a payment to a loan and posts the matching entry:
// the customer account is debited; principal retires the loan receivable,
// interest and late fees retire the accrual receivable.
func (p *Processor) LoanPayment(ctx context.Context, loanID, fromAccountID string, amount money.Value, actor, clientRef string) (*Result, error) {
	const op = "processor.LoanPayment"
	tenantID, ok := tenant.FromContext(ctx)
	if !ok {
		return nil, errs.E(errs.KindTenantIsolation, op, "no tenant in context")
	}

	l, err := p.loans.Get(ctx, loanID)
	if err != nil {
		return nil, err
	}
	unlock := p.lockAccounts(tenantID, l.AccountID, fromAccountID)
	defer unlock()

	from, err := p.operable(ctx, fromAccountID, amount.Currency(), op)
	if err != nil {
		return nil, err
	}
	if err := p.checkOutflowLimits(ctx, from, amount, op); err != nil {
		return nil, err
	}

	res, err := p.loans.ApplyPayment(ctx, loanID, amount, p.clock.Now())
	if err != nil {
		return nil, err
	}

	taken := amount.MustSub(res.Refund)
	receivable := SystemAccountID(RoleInterestReceivable, amount.Currency())
	lines := []ledger.Line{
		{AccountID: fromAccountID, Description: "loan payment " + loanID, Debit: taken},
	}
	if res.Allocation.Principal.IsPositive() {
		lines = append(lines, ledger.Line{AccountID: l.AccountID, Description: "principal", Credit: res.Allocation.Principal})
	}
	if res.Allocation.Interest.IsPositive() {
		lines = append(lines, ledger.Line{AccountID: receivable, Description: "interest", Credit: res.Allocation.Interest})
	}
	if res.Allocation.LateFees.IsPositive() {
		lines = append(lines, ledger.Line{AccountID: receivable, Description: "late fees", Credit: res.Allocation.LateFees})
	}

	entry := &ledger.Entry{
		Reference:   clientRef,
		Description: "loan payment " + loanID,
		Lines:       lines,
	}
	posted, err := p.post(ctx, "loan_payment", entry, []string{fromAccountID, l.AccountID})
	if err != nil {
		return nil, err
	}

	if res.Penalty.IsPositive() {
		penalty := &ledger.Entry{
			Description: "prepayment penalty " + loanID,
			Lines: []ledger.Line{
				{AccountID: receivable, Description: "prepayment penalty", Debit: res.Penalty},
				{AccountID: SystemAccountID(RoleFeeIncome, amount.Currency()), Description: "prepayment penalty", Credit: res.Penalty},
			},
		}
		if _, err := p.post(ctx, "fee", penalty, []string{l.AccountID}); err != nil {
			return nil, err
		}
	}

	if res.PaidOff {
		p.bus.Publish(events.Event{
			Kind:       events.LoanPaidOff,
			Tenant:     tenantID,
			EntityKind: "loan",
			EntityID:   loanID,
			Timestamp:  posted.PostedAt,
			Payload:    map[string]any{"entry_id": posted.ID},
		})
	}
	return &Result{Entry: posted, LoanPayment: res}, nil
}

// CreditPayment pays down a credit line from a deposit account. The full
// amount retires the receivable; the engine allocates across fees,
// interest and categorized principal.
func (p *Processor) CreditPayment(ctx context.Context, creditAccountID, fromAccountID string, amount money.Value, actor, clientRef string) (*Result, error) {
	const op = "processor.CreditPayment"
	tenantID, ok := tenant.FromContext(ctx)
	if !ok {
		return nil, errs.E(errs.KindTenantIsolation, op, "no tenant in context")
	}
	unlock := p.lockAccounts(tenantID, creditAccountID, fromAccountID)
	defer unlock()

	from, err := p.operable(ctx, fromAccountID, amount.Currency(), op)
	if err != nil {
		return nil, err
	}
	if _, err := p.operable(ctx, creditAccountID, amount.Currency(), op); err != nil {
		return nil, err
	}
	if err := p.checkOutflowLimits(ctx, from, amount, op); err != nil {
		return nil, err
	}

	bd, err := p.credit.ApplyPayment(ctx, creditAccountID, amount, p.clock.Now())
	if err != nil {
		return nil, err
	}

	entry := &ledger.Entry{
		Reference:   clientRef,
		Description: "credit payment " + creditAccountID,
		Lines: []ledger.Line{
			{AccountID: fromAccountID, Description: "credit payment", Debit: amount},
			{AccountID: creditAccountID, Description: "credit payment", Credit: amount},
		},
	}
	posted, err := p.post(ctx, "credit_payment", entry, []string{fromAccountID, creditAccountID})
	if err != nil {
		return nil, err
	}
	return &Result{Entry: posted, CreditPayment: bd}, nil
}

// InterestAccrual posts accrued interest for an account. Receivable-side
// accounts are debited against interest income; deposit accounts are
// credited against interest expense.
func (p *Processor) InterestAccrual(ctx context.Context, accountID string, amount money.Value, actor, clientRef string) (*Result, error) {
	const op = "processor.InterestAccrual"
	if !amount.IsPositive() {
		return nil, errs.E(errs.KindValidation, op, "accrual amount must be positive")
	}
	a, err := p.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}

	var lines []ledger.Line
	if a.Kind.DebitNormal() {
		income := SystemAccountID(RoleInterestIncome, amount.Currency())
		lines = []ledger.Line{
			{AccountID: accountID, Description: "interest accrual", Debit: amount},
			{AccountID: income, Description: "interest accrual", Credit: amount},
		}
	} else {
		expense := SystemAccountID(RoleInterestExpense, amount.Currency())
		lines = []ledger.Line{
			{AccountID: expense, Description: "interest accrual", Debit: amount},
			{AccountID: accountID, Description: "interest accrual", Credit: amount},
		}
	}

	entry := &ledger.Entry{
		Reference:   clientRef,
		Description: "interest accrual " + accountID,
		Lines:       lines,
	}
	posted, err := p.post(ctx, "interest_accrual", entry, []string{accountID})
	if err != nil {
		return nil, err
	}
	return &Result{Entry: posted}, nil
}

// Fee charges a fee to an account against fee income.
func (p *Processor) Fee(ctx context.Context, accountID string, amount money.Value, reason, actor, clientRef string) (*Result, error) {
	const op = "processor.Fee"
	if !amount.IsPositive() {
		return nil, errs.E(errs.KindValidation, op, "fee amount must be positive")
	}
	tenantID, ok := tenant.FromContext(ctx)
	if !ok {
		return nil, errs.E(errs.KindTenantIsolation, op, "no tenant in context")
	}
	unlock := p.lockAccounts(tenantID, accountID)
	defer unlock()

	if _, err := p.operable(ctx, accountID, amount.Currency(), op); err != nil {
		return nil, err
	}

	feeIncome := SystemAccountID(RoleFeeIncome, amount.Currency())
	entry := &ledger.Entry{
		Reference:   clientRef,
		Description: "fee: " + reason,
		Lines: []ledger.Line{
			{AccountID: accountID, Description: reason, Debit: amount},
			{AccountID: feeIncome, Description: reason, Credit: amount},
		},
	}
	posted, err := p.post(ctx, "fee", entry, []string{accountID})
	if err != nil {
		return nil, err
	}
	return &Result{Entry: posted}, nil
}

// Reverse reverses a posted entry by id.
func (p *Processor) Reverse(ctx context.Context, entryID, reason string) (*ledger.Entry, error) {
	return p.ledger.Reverse(ctx, entryID, reason)
}

// AccrueLoanInterest runs a day's accrual for one loan and posts it:
// debit the accrual receivable, credit interest income.
func (p *Processor) AccrueLoanInterest(ctx context.Context, loanID string) (*Result, error) {
	added, l, err := p.loans.Accrue(ctx, loanID, p.clock.Now())
	if err != nil {
		return nil, err
	}
	if !added.IsPositive() {
		return &Result{}, nil
	}

	receivable := SystemAccountID(RoleInterestReceivable, l.Currency())
	income := SystemAccountID(RoleInterestIncome, l.Currency())
	entry := &ledger.Entry{
		Description: "loan interest accrual " + loanID,
		Lines: []ledger.Line{
			{AccountID: receivable, Description: "accrued interest", Debit: added},
			{AccountID: income, Description: "accrued interest", Credit: added},
		},
	}
	posted, err := p.post(ctx, "interest_accrual", entry, []string{l.AccountID})
	if err != nil {
		return nil, err
	}
	return &Result{Entry: posted}, nil
}

// AccrueCreditInterest runs a day's accrual for one credit line and posts
// it: debit the credit receivable, credit interest income.
func (p *Processor) AccrueCreditInterest(ctx context.Context, creditAccountID string) (*Result, error) {
	txn, err := p.credit.AccrueDaily(ctx, creditAccountID, p.clock.Now())
	if err != nil {
		return nil, err
	}
	if txn == nil {
		return &Result{}, nil
	}

	income := SystemAccountID(RoleInterestIncome, txn.Amount.Currency())
	entry := &ledger.Entry{
		Description: "credit interest accrual " + creditAccountID,
		Lines: []ledger.Line{
			{AccountID: creditAccountID, Description: "accrued interest", Debit: txn.Amount},
			{AccountID: income, Description: "accrued interest", Credit: txn.Amount},
		},
	}
	posted, err := p.post(ctx, "interest_accrual", entry, []string{creditAccountID})
	if err != nil {
		return nil, err
	}
	return &Result{Entry: posted}, nil
}

// CloseCreditStatement closes the open cycle for a credit line and
// publishes STATEMENT_GENERATED.
func (p *Processor) CloseCreditStatement(ctx context.Context, creditAccountID string) (*Result, error) {
	s, err := p.credit.CloseStatement(ctx, creditAccountID)
	if err != nil {
		return nil, err
	}
	if s.MinInterestAdj.IsPositive() {
		income := SystemAccountID(RoleInterestIncome, s.MinInterestAdj.Currency())
		entry := &ledger.Entry{
			Description: "minimum interest charge " + creditAccountID,
			Lines: []ledger.Line{
				{AccountID: creditAccountID, Description: "minimum interest charge", Debit: s.MinInterestAdj},
				{AccountID: income, Description: "minimum interest charge", Credit: s.MinInterestAdj},
			},
		}
		if _, err := p.post(ctx, "interest_accrual", entry, []string{creditAccountID}); err != nil {
			return nil, err
		}
	}
	tenantID, _ := tenant.FromContext(ctx)
	p.bus.Publish(events.Event{
		Kind:       events.StatementGenerated,
		Tenant:     tenantID,
		EntityKind: "credit_statement",
		EntityID:   s.ID,
		Timestamp:  s.StatementDate,
		Payload: map[string]any{
			"balance":         s.CurrentBalance.String(),
			"minimum_payment": s.MinimumPayment.String(),
			"due_date":        s.DueDate.Format("2006-01-02"),
		},
	})
	return &Result{Statement: s}, nil
}

// SweepLoanDelinquency recomputes delinquency for every open loan, posting
// late fees and publishing LOAN_DEFAULTED transitions.
func (p *Processor) SweepLoanDelinquency(ctx context.Context) ([]*loan.DelinquencyUpdate, error) {
	tenantID, _ := tenant.FromContext(ctx)
	asOf := p.clock.Now()

	var out []*loan.DelinquencyUpdate
	for _, state := range []loan.State{loan.StateDisbursed, loan.StateActive, loan.StateDefaulted} {
		ls, err := p.loans.Loans(ctx, state)
		if err != nil {
			return nil, err
		}
		for _, l := range ls {
			upd, err := p.loans.CheckDelinquency(ctx, l.ID, asOf)
			if err != nil {
				return nil, err
			}
			out = append(out, upd)

			if upd.LateFee.IsPositive() {
				receivable := SystemAccountID(RoleInterestReceivable, upd.LateFee.Currency())
				feeIncome := SystemAccountID(RoleFeeIncome, upd.LateFee.Currency())
				entry := &ledger.Entry{
					Description: "late fee " + l.ID,
					Lines: []ledger.Line{
						{AccountID: receivable, Description: "late fee", Debit: upd.LateFee},
						{AccountID: feeIncome, Description: "late fee", Credit: upd.LateFee},
					},
				}
				if _, err := p.post(ctx, "fee", entry, []string{l.AccountID}); err != nil {
					return nil, err
				}
			}
			if upd.Defaulted {
				p.bus.Publish(events.Event{
					Kind:       events.LoanDefaulted,
					Tenant:     tenantID,
					EntityKind: "loan",
					EntityID:   l.ID,
					Timestamp:  asOf,
					Payload:    map[string]any{"days_past_due": upd.Loan.DaysPastDue},
				})
			}
		}
	}
	return out, nil
}

// CheckCreditOverdue runs the overdue check for one credit line, posting
// the late fee when assessed.
func (p *Processor) CheckCreditOverdue(ctx context.Context, creditAccountID string) (*credit.Transaction, error) {
	fee, err := p.credit.CheckOverdue(ctx, creditAccountID, p.clock.Now())
	if err != nil || fee == nil {
		return fee, err
	}

	feeIncome := SystemAccountID(RoleFeeIncome, fee.Amount.Currency())
	entry := &ledger.Entry{
		Description: "late fee " + creditAccountID,
		Lines: []ledger.Line{
			{AccountID: creditAccountID, Description: "late fee", Debit: fee.Amount},
			{AccountID: feeIncome, Description: "late fee", Credit: fee.Amount},
		},
	}
	if _, err := p.post(ctx, "fee", entry, []string{creditAccountID}); err != nil {
		return nil, err
	}
	return fee, nil
}
