package loan

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/corebank/ledgerd/internal/clock"
	"github.com/corebank/ledgerd/internal/errs"
	"github.com/corebank/ledgerd/internal/money"
	"github.com/corebank/ledgerd/internal/storage/record"
	"github.com/corebank/ledgerd/internal/storage/tenant"
)

// Engine manages loan records: origination, accrual, payment allocation,
// delinquency and the materialized schedule. It never posts journal
// entries itself; callers translate the amounts it returns into entries.
type Engine struct {
	store *tenant.Store
	clock clock.Clock
}

// NewEngine creates a loan engine over tenant-scoped storage.
func NewEngine(store *tenant.Store, clk clock.Clock) *Engine {
	return &Engine{store: store, clock: clk}
}

// Originate validates terms, generates the schedule, and stores the loan in
// the originated state together with its materialized schedule.
func (e *Engine) Originate(ctx context.Context, l *Loan) (*Loan, error) {
	const op = "loan.Originate"
	if l.ID == "" {
		return nil, errs.E(errs.KindValidation, op, "loan id required")
	}
	if l.AccountID == "" {
		return nil, errs.E(errs.KindValidation, op, "loan receivable account required")
	}
	sched, err := Schedule(l.Terms)
	if err != nil {
		return nil, err
	}
	if _, err := e.store.Load(ctx, Table, l.ID); err == nil {
		return nil, errs.Ef(errs.KindConflict, op, "loan %s already exists", l.ID)
	} else if err != record.ErrNotFound {
		return nil, err
	}

	cur := l.Currency()
	l.State = StateOriginated
	l.OutstandingPrincipal = money.Zero(cur)
	l.AccruedInterest = money.Zero(cur)
	l.OutstandingLateFees = money.Zero(cur)
	l.TotalPaid = money.Zero(cur)
	l.TotalInterestPaid = money.Zero(cur)
	l.NextPaymentDue = sched[0].DueDate
	l.CreatedAt = e.clock.Now()

	tx, err := e.store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	if err := tx.Save(Table, l.ID, ToDoc(l)); err != nil {
		return nil, err
	}
	if err := saveSchedule(tx, l.ID, sched); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, errs.Wrap(errs.KindTransient, op, err)
	}
	return l, nil
}

// Get loads a loan by id.
func (e *Engine) Get(ctx context.Context, id string) (*Loan, error) {
	doc, err := e.store.Load(ctx, Table, id)
	if err == record.ErrNotFound {
		return nil, errs.Ef(errs.KindNotFound, "loan.Get", "loan %s not found", id)
	}
	if err != nil {
		return nil, err
	}
	return FromDoc(doc), nil
}

func (e *Engine) save(ctx context.Context, l *Loan) error {
	return e.store.Save(ctx, Table, l.ID, ToDoc(l))
}

// MarkDisbursed records that the principal has been released. The ledger
// entry moving the funds belongs to the caller.
func (e *Engine) MarkDisbursed(ctx context.Context, id string) (*Loan, error) {
	const op = "loan.MarkDisbursed"
	l, err := e.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if l.State != StateOriginated {
		return nil, errs.Ef(errs.KindConflict, op, "loan %s is %s, not originated", id, l.State)
	}
	l.State = StateDisbursed
	l.OutstandingPrincipal = l.Terms.Principal
	l.AccruedThrough = e.clock.Now()
	if err := e.save(ctx, l); err != nil {
		return nil, err
	}
	return l, nil
}

// Accrue adds one day of interest on the outstanding principal for each day
// between the loan's last accrual and asOf. It returns the interest added;
// zero means nothing to post. Accrual is idempotent per day because the
// accrued-through date advances with the amount.
func (e *Engine) Accrue(ctx context.Context, id string, asOf time.Time) (money.Value, *Loan, error) {
	l, err := e.Get(ctx, id)
	if err != nil {
		return money.Value{}, nil, err
	}
	zero := money.Zero(l.Currency())
	if !l.accruing() {
		return zero, l, nil
	}

	from := l.AccruedThrough
	if from.IsZero() {
		from = l.CreatedAt
	}
	days := int(asOf.Sub(from).Hours() / 24)
	if days <= 0 {
		return zero, l, nil
	}

	total := zero
	for i := 0; i < days; i++ {
		total = total.MustAdd(DailyInterest(l.OutstandingPrincipal, l.Terms.AnnualRate, l.Config.DayCount))
	}
	l.AccruedInterest = l.AccruedInterest.MustAdd(total)
	l.AccruedThrough = from.AddDate(0, 0, days)
	if err := e.save(ctx, l); err != nil {
		return money.Value{}, nil, err
	}
	return total, l, nil
}

// Allocation is the breakdown of one payment in application order.
type Allocation struct {
	LateFees    money.Value
	Interest    money.Value
	Principal   money.Value
	Overpayment money.Value
}

// Allocate splits a payment in the fixed order late fees, accrued
// interest, principal, overpayment. It does not mutate the loan.
func Allocate(l *Loan, amount money.Value) (Allocation, error) {
	if amount.Currency() != l.Currency() {
		return Allocation{}, errs.Ef(errs.KindValidation, "loan.Allocate",
			"payment currency %s does not match loan currency %s", amount.Currency(), l.Currency())
	}
	if !amount.IsPositive() {
		return Allocation{}, errs.E(errs.KindValidation, "loan.Allocate", "payment must be positive")
	}

	rest := amount
	take := func(due money.Value) money.Value {
		part := money.MustMin(rest, due)
		rest = rest.MustSub(part)
		return part
	}
	a := Allocation{
		LateFees:  take(l.OutstandingLateFees),
		Interest:  take(l.AccruedInterest),
		Principal: take(l.OutstandingPrincipal),
	}
	a.Overpayment = rest
	return a, nil
}

// PrepaymentPenalty returns the penalty for paying principal ahead of
// schedule: prepayment rate times the prepaid amount. Zero when the
// product allows free prepayment.
func (e *Engine) PrepaymentPenalty(l *Loan, prepaid money.Value) money.Value {
	if l.Config.PrepaymentRate.IsZero() {
		return money.Zero(l.Currency())
	}
	return prepaid.MulRat(l.Config.PrepaymentRate)
}

// PaymentResult reports what ApplyPayment did to the loan.
type PaymentResult struct {
	Allocation Allocation
	Loan       *Loan
	PaidOff    bool

	// Refund is the overpayment to return to the customer under the
	// return rule; zero when overpayment goes to principal.
	Refund money.Value

	// Penalty is the prepayment penalty assessed on this payment, added
	// to the loan's outstanding fees; zero when none applies.
	Penalty money.Value

	// RegenerateSchedule is set when principal was paid ahead of schedule
	// and the remaining installments no longer match the stored schedule.
	RegenerateSchedule bool
}

// ApplyPayment allocates a payment and mutates the loan's running amounts.
// Prepayment (principal beyond the currently due installment) follows the
// product's prepayment rule; full payoff moves the loan to paid-off.
func (e *Engine) ApplyPayment(ctx context.Context, id string, amount money.Value, when time.Time) (*PaymentResult, error) {
	const op = "loan.ApplyPayment"
	l, err := e.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !l.accruing() {
		return nil, errs.Ef(errs.KindConflict, op, "loan %s is %s, not payable", id, l.State)
	}
	if l.State == StateDisbursed {
		l.State = StateActive
	}

	alloc, err := Allocate(l, amount)
	if err != nil {
		return nil, err
	}

	scheduledPrincipal := e.scheduledPrincipalDue(ctx, l, when)
	prepaying := alloc.Principal.MustCmp(scheduledPrincipal) > 0
	if prepaying && l.Config.PrepaymentRule == PrepaymentForbidden {
		return nil, errs.Policy(op, "prepayment-forbidden",
			fmt.Sprintf("product %s does not allow prepayment", l.ProductID))
	}

	res := &PaymentResult{
		Allocation: alloc,
		Refund:     money.Zero(l.Currency()),
		Penalty:    money.Zero(l.Currency()),
	}

	l.OutstandingLateFees = l.OutstandingLateFees.MustSub(alloc.LateFees)
	l.AccruedInterest = l.AccruedInterest.MustSub(alloc.Interest)
	l.OutstandingPrincipal = l.OutstandingPrincipal.MustSub(alloc.Principal)
	l.TotalInterestPaid = l.TotalInterestPaid.MustAdd(alloc.Interest)
	l.TotalPaid = l.TotalPaid.MustAdd(amount.MustSub(alloc.Overpayment))
	l.LastPaymentDate = when

	if alloc.Overpayment.IsPositive() {
		switch l.Config.Overpayment {
		case OverpayReturn:
			res.Refund = alloc.Overpayment
		default:
			extra := money.MustMin(alloc.Overpayment, l.OutstandingPrincipal)
			l.OutstandingPrincipal = l.OutstandingPrincipal.MustSub(extra)
			alloc.Principal = alloc.Principal.MustAdd(extra)
			res.Refund = alloc.Overpayment.MustSub(extra)
			res.Allocation = alloc
			if extra.IsPositive() {
				prepaying = true
			}
		}
	}

	if prepaying {
		prepaid := res.Allocation.Principal.MustSub(scheduledPrincipal)
		if prepaid.IsPositive() {
			if penalty := e.PrepaymentPenalty(l, prepaid); penalty.IsPositive() {
				// The penalty is booked like a fee: added to the amount
				// due and retired fees-first by the next payment.
				l.OutstandingLateFees = l.OutstandingLateFees.MustAdd(penalty)
				res.Penalty = penalty
			}
		}
	}

	if l.OutstandingPrincipal.IsZero() && l.AccruedInterest.IsZero() && l.OutstandingLateFees.IsZero() {
		l.State = StatePaidOff
		l.DaysPastDue = 0
		res.PaidOff = true
	} else if prepaying {
		// Partial prepayment: remaining installments must be recomputed
		// from the reduced balance.
		res.RegenerateSchedule = true
	}

	if !res.PaidOff {
		e.advanceDue(ctx, l)
	}

	if err := e.save(ctx, l); err != nil {
		return nil, err
	}
	if res.RegenerateSchedule {
		if _, err := e.RebuildSchedule(ctx, l.ID); err != nil {
			return nil, err
		}
	}
	res.Loan = l
	return res, nil
}

// scheduledPrincipalDue sums the principal portions of installments due on
// or before the payment date that are not yet covered by payments.
func (e *Engine) scheduledPrincipalDue(ctx context.Context, l *Loan, when time.Time) money.Value {
	due := money.Zero(l.Currency())
	sched, err := e.StoredSchedule(ctx, l.ID)
	if err != nil {
		return due
	}
	paid := l.Terms.Principal.MustSub(l.OutstandingPrincipal)
	for _, inst := range sched {
		if inst.DueDate.After(when) {
			break
		}
		covered := money.MustMin(inst.Principal, paid)
		owed := inst.Principal.MustSub(covered)
		paid = paid.MustSub(covered)
		due = due.MustAdd(owed)
	}
	return due
}

// advanceDue moves NextPaymentDue past installments fully covered by the
// principal repaid so far.
func (e *Engine) advanceDue(ctx context.Context, l *Loan) {
	sched, err := e.StoredSchedule(ctx, l.ID)
	if err != nil {
		return
	}
	paid := l.Terms.Principal.MustSub(l.OutstandingPrincipal)
	for _, inst := range sched {
		if paid.MustCmp(inst.Principal) < 0 {
			l.NextPaymentDue = inst.DueDate
			return
		}
		paid = paid.MustSub(inst.Principal)
	}
	l.NextPaymentDue = time.Time{}
}

// DelinquencyUpdate reports the outcome of a delinquency sweep for one loan.
type DelinquencyUpdate struct {
	Loan      *Loan
	Bucket    string
	LateFee   money.Value // newly assessed this sweep, zero otherwise
	Defaulted bool        // transitioned to defaulted this sweep
}

// CheckDelinquency recomputes days past due as of the given date, assesses
// the late fee at most once per missed installment once past the grace
// window, and moves the loan to defaulted after the product's threshold
// (120 days when unset). The caller posts the late-fee entry when LateFee
// is nonzero.
func (e *Engine) CheckDelinquency(ctx context.Context, id string, asOf time.Time) (*DelinquencyUpdate, error) {
	l, err := e.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	upd := &DelinquencyUpdate{Loan: l, LateFee: money.Zero(l.Currency())}
	if !l.accruing() {
		upd.Bucket = DelinquencyBucket(0)
		return upd, nil
	}
	if l.NextPaymentDue.IsZero() || !asOf.After(l.NextPaymentDue) {
		l.DaysPastDue = 0
		upd.Bucket = DelinquencyBucket(0)
		return upd, e.save(ctx, l)
	}

	l.DaysPastDue = int(asOf.Sub(l.NextPaymentDue).Hours() / 24)
	upd.Bucket = DelinquencyBucket(l.DaysPastDue)

	if l.DaysPastDue > l.Config.GraceDays &&
		l.Config.LateFee.IsPositive() &&
		!l.LateFeeCycleDue.Equal(l.NextPaymentDue) {
		l.OutstandingLateFees = l.OutstandingLateFees.MustAdd(l.Config.LateFee)
		l.LateFeeCycleDue = l.NextPaymentDue
		upd.LateFee = l.Config.LateFee
	}

	threshold := l.Config.DefaultAfter
	if threshold <= 0 {
		threshold = 120
	}
	if l.State != StateDefaulted && l.DaysPastDue >= threshold {
		l.State = StateDefaulted
		upd.Defaulted = true
	}

	if err := e.save(ctx, l); err != nil {
		return nil, err
	}
	return upd, nil
}

// WriteOff moves a defaulted loan to written-off. The caller posts the
// entry moving the receivable to loss.
func (e *Engine) WriteOff(ctx context.Context, id string) (*Loan, error) {
	const op = "loan.WriteOff"
	l, err := e.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if l.State != StateDefaulted {
		return nil, errs.Ef(errs.KindConflict, op, "loan %s is %s, not defaulted", id, l.State)
	}
	l.State = StateWrittenOff
	if err := e.save(ctx, l); err != nil {
		return nil, err
	}
	return l, nil
}

// Close archives a paid-off or written-off loan.
func (e *Engine) Close(ctx context.Context, id string) (*Loan, error) {
	const op = "loan.Close"
	l, err := e.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if l.State != StatePaidOff && l.State != StateWrittenOff {
		return nil, errs.Ef(errs.KindConflict, op, "loan %s is %s, not closeable", id, l.State)
	}
	l.State = StateClosed
	if err := e.save(ctx, l); err != nil {
		return nil, err
	}
	return l, nil
}

// Loans lists loans for the tenant, optionally filtered by state.
func (e *Engine) Loans(ctx context.Context, state State) ([]*Loan, error) {
	q := record.Query{Table: Table, OrderBy: "id"}
	if state != "" {
		q.Filters = []record.Filter{{Field: "state", Op: record.Eq, Value: string(state)}}
	}
	docs, err := e.store.Query(ctx, q)
	if err != nil {
		return nil, err
	}
	out := make([]*Loan, len(docs))
	for i, doc := range docs {
		out[i] = FromDoc(doc)
	}
	return out, nil
}

func scheduleRowID(loanID string, period int) string {
	return fmt.Sprintf("%s/%04d", loanID, period)
}

func installmentToDoc(loanID string, inst Installment) record.Doc {
	return record.Doc{
		"id":        scheduleRowID(loanID, inst.Period),
		"loan_id":   loanID,
		"period":    strconv.Itoa(inst.Period),
		"due_date":  timeString(inst.DueDate),
		"payment":   moneyString(inst.Payment),
		"principal": moneyString(inst.Principal),
		"interest":  moneyString(inst.Interest),
		"remaining": moneyString(inst.Remaining),
	}
}

func docToInstallment(doc record.Doc, currency string) Installment {
	return Installment{
		Period:    docInt(doc, "period"),
		DueDate:   docTime(doc, "due_date"),
		Payment:   docMoney(doc, "payment", currency),
		Principal: docMoney(doc, "principal", currency),
		Interest:  docMoney(doc, "interest", currency),
		Remaining: docMoney(doc, "remaining", currency),
	}
}

func saveSchedule(tx record.Tx, loanID string, sched []Installment) error {
	for _, inst := range sched {
		if err := tx.Save(SchedulesTable, scheduleRowID(loanID, inst.Period), installmentToDoc(loanID, inst)); err != nil {
			return err
		}
	}
	return nil
}

// StoredSchedule loads the materialized schedule for a loan.
func (e *Engine) StoredSchedule(ctx context.Context, loanID string) ([]Installment, error) {
	l, err := e.Get(ctx, loanID)
	if err != nil {
		return nil, err
	}
	docs, err := e.store.Query(ctx, record.Query{
		Table:   SchedulesTable,
		Filters: []record.Filter{{Field: "loan_id", Op: record.Eq, Value: loanID}},
		OrderBy: "id",
	})
	if err != nil {
		return nil, err
	}
	out := make([]Installment, len(docs))
	for i, doc := range docs {
		out[i] = docToInstallment(doc, l.Currency())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Period < out[j].Period })
	return out, nil
}

// RebuildSchedule regenerates the schedule for the loan's current balance
// and replaces the stored rows past the installments already covered.
// After a prepayment the remaining periods amortize the reduced balance
// over the original remaining term.
func (e *Engine) RebuildSchedule(ctx context.Context, loanID string) ([]Installment, error) {
	const op = "loan.RebuildSchedule"
	l, err := e.Get(ctx, loanID)
	if err != nil {
		return nil, err
	}
	stored, err := e.StoredSchedule(ctx, loanID)
	if err != nil {
		return nil, err
	}

	// Periods whose due date has passed stay as history; the rest are
	// regenerated from the current outstanding balance.
	now := e.clock.Now()
	var kept []Installment
	for _, inst := range stored {
		if inst.DueDate.After(now) {
			break
		}
		kept = append(kept, inst)
	}
	remainingPeriods := l.Terms.TermPeriods - len(kept)
	if remainingPeriods <= 0 || !l.OutstandingPrincipal.IsPositive() {
		return stored, nil
	}

	first := l.Terms.dueDate(len(kept) + 1)
	tail, err := Schedule(Terms{
		Principal:    l.OutstandingPrincipal,
		AnnualRate:   l.Terms.AnnualRate,
		TermPeriods:  remainingPeriods,
		Frequency:    l.Terms.Frequency,
		FirstPayment: first,
		Method:       l.Terms.Method,
	})
	if err != nil {
		return nil, err
	}

	rebuilt := make([]Installment, 0, l.Terms.TermPeriods)
	rebuilt = append(rebuilt, kept...)
	for _, inst := range tail {
		inst.Period += len(kept)
		inst.DueDate = l.Terms.dueDate(inst.Period)
		rebuilt = append(rebuilt, inst)
	}

	tx, err := e.store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	if len(stored) > len(rebuilt) {
		for _, inst := range stored[len(rebuilt):] {
			if err := tx.Delete(SchedulesTable, scheduleRowID(loanID, inst.Period)); err != nil {
				return nil, err
			}
		}
	}
	if err := saveSchedule(tx, loanID, rebuilt); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, errs.Wrap(errs.KindTransient, op, err)
	}
	return rebuilt, nil
}

// VerifySchedule recomputes the original schedule from terms and compares
// it to the stored rows. A divergence on a loan that never prepaid means
// the materialized view was corrupted.
func (e *Engine) VerifySchedule(ctx context.Context, loanID string) error {
	const op = "loan.VerifySchedule"
	l, err := e.Get(ctx, loanID)
	if err != nil {
		return err
	}
	stored, err := e.StoredSchedule(ctx, loanID)
	if err != nil {
		return err
	}
	want, err := Schedule(l.Terms)
	if err != nil {
		return err
	}
	if len(stored) != len(want) {
		return errs.Ef(errs.KindInternal, op,
			"loan %s schedule has %d rows, expected %d", loanID, len(stored), len(want))
	}
	for i, inst := range want {
		got := stored[i]
		if !got.Payment.Equal(inst.Payment) || !got.Principal.Equal(inst.Principal) ||
			!got.Interest.Equal(inst.Interest) || !got.Remaining.Equal(inst.Remaining) {
			return errs.Ef(errs.KindInternal, op,
				"loan %s schedule diverges at period %d", loanID, inst.Period)
		}
	}
	return nil
}
