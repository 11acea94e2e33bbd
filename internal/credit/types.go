// Package credit implements revolving credit lines: categorized
// transactions, daily interest, statement cycles, grace-period accounting
// and payment allocation. The engine owns the credit metadata; the
// matching journal entries belong to the processor.
package credit

import (
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/corebank/ledgerd/internal/money"
	"github.com/corebank/ledgerd/internal/storage/record"
)

// Storage tables.
const (
	LinesTable        = "credit_lines"
	StatementsTable   = "credit_statements"
	TransactionsTable = "credit_transactions"
)

// Category tags a credit transaction for rate and allocation purposes.
type Category string

const (
	Purchase        Category = "purchase"
	CashAdvance     Category = "cash-advance"
	BalanceTransfer Category = "balance-transfer"
	Fee             Category = "fee"
	Payment         Category = "payment"
	Interest        Category = "interest"
	Reversal        Category = "reversal"
)

// OverlimitPolicy decides what happens when a charge would exceed the
// credit limit. The choice is a product setting and is deterministic.
type OverlimitPolicy string

const (
	OverlimitReject        OverlimitPolicy = "reject"
	OverlimitAcceptWithFee OverlimitPolicy = "accept-with-fee"
)

// StatementStatus is the payment status of a statement.
type StatementStatus string

const (
	StatementCurrent     StatementStatus = "current"
	StatementPaidMinimum StatementStatus = "paid-minimum"
	StatementPaidFull    StatementStatus = "paid-full"
	StatementOverdue     StatementStatus = "overdue"
)

// Line is the per-account credit-line state.
type Line struct {
	ID         string // credit account id
	CustomerID string
	ProductID  string
	Currency   string

	CreditLimit money.Value

	// Per-category annual rates; allocation pays the highest first.
	PurchaseRate        decimal.Decimal
	CashAdvanceRate     decimal.Decimal
	BalanceTransferRate decimal.Decimal

	GraceDays      int
	CycleDay       int // day of month statements close on
	MinPaymentPct  decimal.Decimal
	MinPaymentFlr  money.Value
	MinInterest    money.Value     // minimum interest charge per revolving cycle
	CashAdvanceFee decimal.Decimal // fraction of the advance
	OverlimitFee   money.Value
	Overlimit      OverlimitPolicy
	LateFee        money.Value

	// PenaltyRate, when set, replaces every category rate while the line
	// is in penalty pricing (entered on an overdue statement, exited when
	// a statement is paid in full).
	PenaltyRate   decimal.Decimal
	PenaltyActive bool

	GraceActive       bool
	NextStatementDate time.Time
	StatementCount    int
	CreatedAt         time.Time
}

// RateFor returns the annual rate applied to a category's balance.
// Fees and interest revolve at the purchase rate. Penalty pricing, once
// entered, overrides every category rate.
func (l *Line) RateFor(c Category) decimal.Decimal {
	if l.PenaltyActive && l.PenaltyRate.IsPositive() {
		return l.PenaltyRate
	}
	switch c {
	case CashAdvance:
		return l.CashAdvanceRate
	case BalanceTransfer:
		return l.BalanceTransferRate
	}
	return l.PurchaseRate
}

// FeeType distinguishes fee transactions for allocation: late fees are
// retired before all other fees.
type FeeType string

const (
	FeeLate        FeeType = "late"
	FeeCashAdvance FeeType = "cash-advance"
	FeeOverlimit   FeeType = "overlimit"
)

// Transaction is one line on a credit account. Remaining tracks the unpaid
// portion so payments can retire balances oldest-first within a category.
type Transaction struct {
	ID            string
	AccountID     string
	Category      Category
	FeeType       FeeType // set when Category is Fee
	Description   string
	Merchant      string
	Amount        money.Value
	Remaining     money.Value
	GraceEligible bool
	InterestFrom  time.Time
	PostedAt      time.Time
	Cycle         int // statement cycle the transaction belongs to
}

// Statement is one closed billing cycle. Immutable after generation except
// for the payment-application fields.
type Statement struct {
	ID               string
	AccountID        string
	Cycle            int
	StatementDate    time.Time
	DueDate          time.Time
	PreviousBalance  money.Value
	Purchases        money.Value
	CashAdvances     money.Value
	BalanceTransfers money.Value
	Payments         money.Value
	InterestCharged  money.Value
	FeesCharged      money.Value
	CurrentBalance   money.Value
	MinimumPayment   money.Value

	// MinInterestAdj is the top-up added when accrued interest fell short
	// of the product's minimum interest charge.
	MinInterestAdj money.Value

	PaidAmount      money.Value
	PaidDate        time.Time
	Status          StatementStatus
	LateFeeAssessed bool
}

// PaidInFullOnTime reports whether the statement was settled in full on or
// before its due date. This is half of the grace-period qualification.
func (s *Statement) PaidInFullOnTime() bool {
	if s.Status != StatementPaidFull {
		return false
	}
	return !s.PaidDate.IsZero() && !s.PaidDate.After(s.DueDate)
}

func docString(doc record.Doc, field string) string {
	s, _ := doc[field].(string)
	return s
}

func docMoney(doc record.Doc, field, currency string) money.Value {
	s := docString(doc, field)
	if s == "" {
		return money.Zero(currency)
	}
	v, err := money.Parse(s, currency)
	if err != nil {
		return money.Zero(currency)
	}
	return v
}

func docDecimal(doc record.Doc, field string) decimal.Decimal {
	d, _ := decimal.NewFromString(docString(doc, field))
	return d
}

func docTime(doc record.Doc, field string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, docString(doc, field))
	return t
}

func docInt(doc record.Doc, field string) int {
	n, _ := strconv.Atoi(docString(doc, field))
	return n
}

func docBool(doc record.Doc, field string) bool {
	return docString(doc, field) == "true"
}

func timeString(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func boolString(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

func moneyString(v money.Value) string { return v.Amount().String() }

func lineToDoc(l *Line) record.Doc {
	return record.Doc{
		"id":                    l.ID,
		"customer_id":           l.CustomerID,
		"product_id":            l.ProductID,
		"currency":              l.Currency,
		"credit_limit":          moneyString(l.CreditLimit),
		"purchase_rate":         l.PurchaseRate.String(),
		"cash_advance_rate":     l.CashAdvanceRate.String(),
		"balance_transfer_rate": l.BalanceTransferRate.String(),
		"grace_days":            strconv.Itoa(l.GraceDays),
		"cycle_day":             strconv.Itoa(l.CycleDay),
		"min_payment_pct":       l.MinPaymentPct.String(),
		"min_payment_floor":     moneyString(l.MinPaymentFlr),
		"min_interest":          moneyString(l.MinInterest),
		"penalty_rate":          l.PenaltyRate.String(),
		"penalty_active":        boolString(l.PenaltyActive),
		"cash_advance_fee":      l.CashAdvanceFee.String(),
		"overlimit_fee":         moneyString(l.OverlimitFee),
		"overlimit_policy":      string(l.Overlimit),
		"late_fee":              moneyString(l.LateFee),
		"grace_active":          boolString(l.GraceActive),
		"next_statement_date":   timeString(l.NextStatementDate),
		"statement_count":       strconv.Itoa(l.StatementCount),
		"created_at":            timeString(l.CreatedAt),
	}
}

func docToLine(doc record.Doc) *Line {
	currency := docString(doc, "currency")
	return &Line{
		ID:                  doc.ID(),
		CustomerID:          docString(doc, "customer_id"),
		ProductID:           docString(doc, "product_id"),
		Currency:            currency,
		CreditLimit:         docMoney(doc, "credit_limit", currency),
		PurchaseRate:        docDecimal(doc, "purchase_rate"),
		CashAdvanceRate:     docDecimal(doc, "cash_advance_rate"),
		BalanceTransferRate: docDecimal(doc, "balance_transfer_rate"),
		GraceDays:           docInt(doc, "grace_days"),
		CycleDay:            docInt(doc, "cycle_day"),
		MinPaymentPct:       docDecimal(doc, "min_payment_pct"),
		MinPaymentFlr:       docMoney(doc, "min_payment_floor", currency),
		MinInterest:         docMoney(doc, "min_interest", currency),
		PenaltyRate:         docDecimal(doc, "penalty_rate"),
		PenaltyActive:       docBool(doc, "penalty_active"),
		CashAdvanceFee:      docDecimal(doc, "cash_advance_fee"),
		OverlimitFee:        docMoney(doc, "overlimit_fee", currency),
		Overlimit:           OverlimitPolicy(docString(doc, "overlimit_policy")),
		LateFee:             docMoney(doc, "late_fee", currency),
		GraceActive:         docBool(doc, "grace_active"),
		NextStatementDate:   docTime(doc, "next_statement_date"),
		StatementCount:      docInt(doc, "statement_count"),
		CreatedAt:           docTime(doc, "created_at"),
	}
}

func txnToDoc(t *Transaction) record.Doc {
	return record.Doc{
		"id":             t.ID,
		"account_id":     t.AccountID,
		"category":       string(t.Category),
		"fee_type":       string(t.FeeType),
		"description":    t.Description,
		"merchant":       t.Merchant,
		"currency":       t.Amount.Currency(),
		"amount":         moneyString(t.Amount),
		"remaining":      moneyString(t.Remaining),
		"grace_eligible": boolString(t.GraceEligible),
		"interest_from":  timeString(t.InterestFrom),
		"posted_at":      timeString(t.PostedAt),
		"cycle":          strconv.Itoa(t.Cycle),
	}
}

func docToTxn(doc record.Doc) *Transaction {
	currency := docString(doc, "currency")
	return &Transaction{
		ID:            doc.ID(),
		AccountID:     docString(doc, "account_id"),
		Category:      Category(docString(doc, "category")),
		FeeType:       FeeType(docString(doc, "fee_type")),
		Description:   docString(doc, "description"),
		Merchant:      docString(doc, "merchant"),
		Amount:        docMoney(doc, "amount", currency),
		Remaining:     docMoney(doc, "remaining", currency),
		GraceEligible: docBool(doc, "grace_eligible"),
		InterestFrom:  docTime(doc, "interest_from"),
		PostedAt:      docTime(doc, "posted_at"),
		Cycle:         docInt(doc, "cycle"),
	}
}

func statementToDoc(s *Statement) record.Doc {
	return record.Doc{
		"id":                s.ID,
		"account_id":        s.AccountID,
		"cycle":             strconv.Itoa(s.Cycle),
		"currency":          s.CurrentBalance.Currency(),
		"statement_date":    timeString(s.StatementDate),
		"due_date":          timeString(s.DueDate),
		"previous_balance":  moneyString(s.PreviousBalance),
		"purchases":         moneyString(s.Purchases),
		"cash_advances":     moneyString(s.CashAdvances),
		"balance_transfers": moneyString(s.BalanceTransfers),
		"payments":          moneyString(s.Payments),
		"interest_charged":  moneyString(s.InterestCharged),
		"fees_charged":      moneyString(s.FeesCharged),
		"current_balance":   moneyString(s.CurrentBalance),
		"minimum_payment":   moneyString(s.MinimumPayment),
		"min_interest_adj":  moneyString(s.MinInterestAdj),
		"paid_amount":       moneyString(s.PaidAmount),
		"paid_date":         timeString(s.PaidDate),
		"status":            string(s.Status),
		"late_fee_assessed": boolString(s.LateFeeAssessed),
	}
}

func docToStatement(doc record.Doc) *Statement {
	currency := docString(doc, "currency")
	return &Statement{
		ID:               doc.ID(),
		AccountID:        docString(doc, "account_id"),
		Cycle:            docInt(doc, "cycle"),
		StatementDate:    docTime(doc, "statement_date"),
		DueDate:          docTime(doc, "due_date"),
		PreviousBalance:  docMoney(doc, "previous_balance", currency),
		Purchases:        docMoney(doc, "purchases", currency),
		CashAdvances:     docMoney(doc, "cash_advances", currency),
		BalanceTransfers: docMoney(doc, "balance_transfers", currency),
		Payments:         docMoney(doc, "payments", currency),
		InterestCharged:  docMoney(doc, "interest_charged", currency),
		FeesCharged:      docMoney(doc, "fees_charged", currency),
		CurrentBalance:   docMoney(doc, "current_balance", currency),
		MinimumPayment:   docMoney(doc, "minimum_payment", currency),
		MinInterestAdj:   docMoney(doc, "min_interest_adj", currency),
		PaidAmount:       docMoney(doc, "paid_amount", currency),
		PaidDate:         docTime(doc, "paid_date"),
		Status:           StatementStatus(docString(doc, "status")),
		LateFeeAssessed:  docBool(doc, "late_fee_assessed"),
	}
}
