package loan

import (
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/corebank/ledgerd/internal/money"
	"github.com/corebank/ledgerd/internal/storage/record"
)

// Storage tables.
const (
	Table          = "loans"
	SchedulesTable = "loan_schedules"
)

// State is the loan lifecycle state.
type State string

const (
	StateOriginated State = "originated"
	StateDisbursed  State = "disbursed"
	StateActive     State = "active"
	StatePaidOff    State = "paid-off"
	StateDefaulted  State = "defaulted"
	StateWrittenOff State = "written-off"
	StateClosed     State = "closed"
)

// PrepaymentRule is the product's prepayment policy.
type PrepaymentRule string

const (
	PrepaymentAllowed   PrepaymentRule = "allowed"
	PrepaymentForbidden PrepaymentRule = "forbidden"
)

// OverpaymentRule decides what happens to money left after principal.
type OverpaymentRule string

const (
	// OverpayToPrincipal applies the remainder to principal immediately.
	OverpayToPrincipal OverpaymentRule = "apply-to-principal"

	// OverpayReturn reports the remainder for refunding to the customer.
	OverpayReturn OverpaymentRule = "return"
)

// Config is the product configuration attached to a loan.
type Config struct {
	GraceDays      int
	PrepaymentRule PrepaymentRule
	PrepaymentRate decimal.Decimal
	LateFee        money.Value
	Overpayment    OverpaymentRule
	DayCount       DayCount
	DefaultAfter   int // days past due before default; 0 means 120
}

// Loan is the stored state of one loan. The schedule is derived from Terms
// and posted payments; OutstandingPrincipal and AccruedInterest are the
// running authoritative amounts mutated only through the processor.
type Loan struct {
	ID           string
	CustomerID   string
	CustomerName string
	ProductID    string
	AccountID    string // loan receivable sub-account
	Terms        Terms
	Config       Config
	State        State

	OutstandingPrincipal money.Value
	AccruedInterest      money.Value
	OutstandingLateFees  money.Value
	TotalPaid            money.Value
	TotalInterestPaid    money.Value

	AccruedThrough  time.Time // interest accrued up to this date
	LastPaymentDate time.Time
	NextPaymentDue  time.Time
	DaysPastDue     int
	LateFeeCycleDue time.Time // due date the last late fee was assessed for
	CreatedAt       time.Time
}

// Currency returns the loan's currency.
func (l *Loan) Currency() string { return l.Terms.Principal.Currency() }

// accruing reports whether the loan carries a balance that accrues
// interest and accepts payments.
func (l *Loan) accruing() bool {
	switch l.State {
	case StateDisbursed, StateActive, StateDefaulted:
		return true
	}
	return false
}

// DelinquencyBucket labels a days-past-due count: "current", "1-30",
// "31-60", "61-90" or "90+".
func DelinquencyBucket(daysPastDue int) string {
	switch {
	case daysPastDue <= 0:
		return "current"
	case daysPastDue <= 30:
		return "1-30"
	case daysPastDue <= 60:
		return "31-60"
	case daysPastDue <= 90:
		return "61-90"
	}
	return "90+"
}

func moneyString(v money.Value) string { return v.Amount().String() }

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

func docTime(doc record.Doc, field string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, docString(doc, field))
	return t
}

func docInt(doc record.Doc, field string) int {
	n, _ := strconv.Atoi(docString(doc, field))
	return n
}

func timeString(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

// ToDoc serializes a loan; amounts travel as decimal strings.
func ToDoc(l *Loan) record.Doc {
	return record.Doc{
		"id":                    l.ID,
		"customer_id":           l.CustomerID,
		"customer_name":         l.CustomerName,
		"product_id":            l.ProductID,
		"account_id":            l.AccountID,
		"currency":              l.Currency(),
		"principal":             moneyString(l.Terms.Principal),
		"annual_rate":           l.Terms.AnnualRate.String(),
		"term_periods":          strconv.Itoa(l.Terms.TermPeriods),
		"frequency":             strconv.Itoa(int(l.Terms.Frequency)),
		"first_payment":         timeString(l.Terms.FirstPayment),
		"method":                string(l.Terms.Method),
		"grace_days":            strconv.Itoa(l.Config.GraceDays),
		"prepayment_rule":       string(l.Config.PrepaymentRule),
		"prepayment_rate":       l.Config.PrepaymentRate.String(),
		"late_fee":              moneyString(l.Config.LateFee),
		"overpayment_rule":      string(l.Config.Overpayment),
		"day_count":             strconv.Itoa(int(l.Config.DayCount)),
		"default_after":         strconv.Itoa(l.Config.DefaultAfter),
		"state":                 string(l.State),
		"outstanding_principal": moneyString(l.OutstandingPrincipal),
		"accrued_interest":      moneyString(l.AccruedInterest),
		"outstanding_late_fees": moneyString(l.OutstandingLateFees),
		"total_paid":            moneyString(l.TotalPaid),
		"total_interest_paid":   moneyString(l.TotalInterestPaid),
		"accrued_through":       timeString(l.AccruedThrough),
		"last_payment_date":     timeString(l.LastPaymentDate),
		"next_payment_due":      timeString(l.NextPaymentDue),
		"days_past_due":         strconv.Itoa(l.DaysPastDue),
		"late_fee_cycle_due":    timeString(l.LateFeeCycleDue),
		"created_at":            timeString(l.CreatedAt),
	}
}

// FromDoc deserializes a loan document.
func FromDoc(doc record.Doc) *Loan {
	currency := docString(doc, "currency")
	rate, _ := decimal.NewFromString(docString(doc, "annual_rate"))
	prepayRate, _ := decimal.NewFromString(docString(doc, "prepayment_rate"))
	return &Loan{
		ID:           doc.ID(),
		CustomerID:   docString(doc, "customer_id"),
		CustomerName: docString(doc, "customer_name"),
		ProductID:    docString(doc, "product_id"),
		AccountID:    docString(doc, "account_id"),
		Terms: Terms{
			Principal:    docMoney(doc, "principal", currency),
			AnnualRate:   rate,
			TermPeriods:  docInt(doc, "term_periods"),
			Frequency:    Frequency(docInt(doc, "frequency")),
			FirstPayment: docTime(doc, "first_payment"),
			Method:       Method(docString(doc, "method")),
		},
		Config: Config{
			GraceDays:      docInt(doc, "grace_days"),
			PrepaymentRule: PrepaymentRule(docString(doc, "prepayment_rule")),
			PrepaymentRate: prepayRate,
			LateFee:        docMoney(doc, "late_fee", currency),
			Overpayment:    OverpaymentRule(docString(doc, "overpayment_rule")),
			DayCount:       DayCount(docInt(doc, "day_count")),
			DefaultAfter:   docInt(doc, "default_after"),
		},
		State:                State(docString(doc, "state")),
		OutstandingPrincipal: docMoney(doc, "outstanding_principal", currency),
		AccruedInterest:      docMoney(doc, "accrued_interest", currency),
		OutstandingLateFees:  docMoney(doc, "outstanding_late_fees", currency),
		TotalPaid:            docMoney(doc, "total_paid", currency),
		TotalInterestPaid:    docMoney(doc, "total_interest_paid", currency),
		AccruedThrough:       docTime(doc, "accrued_through"),
		LastPaymentDate:      docTime(doc, "last_payment_date"),
		NextPaymentDue:       docTime(doc, "next_payment_due"),
		DaysPastDue:          docInt(doc, "days_past_due"),
		LateFeeCycleDue:      docTime(doc, "late_fee_cycle_due"),
		CreatedAt:            docTime(doc, "created_at"),
	}
}
