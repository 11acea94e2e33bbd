// Package loan implements loan amortization, interest accrual, payment
// allocation and delinquency tracking. Schedules are derived from terms;
// the stored schedule is a materialized view that can always be rebuilt.
package loan

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/corebank/ledgerd/internal/errs"
	"github.com/corebank/ledgerd/internal/money"
)

// Method selects the amortization formula.
type Method string

const (
	EqualInstallment Method = "equal-installment"
	EqualPrincipal   Method = "equal-principal"
	Bullet           Method = "bullet"
)

// Frequency is the payment frequency in periods per year.
type Frequency int

const (
	Monthly   Frequency = 12
	Quarterly Frequency = 4
	Annually  Frequency = 1
)

// Terms are the immutable parameters a schedule derives from.
type Terms struct {
	Principal    money.Value
	AnnualRate   decimal.Decimal // e.g. 0.06 for 6%
	TermPeriods  int
	Frequency    Frequency
	FirstPayment time.Time
	Method       Method
}

// Installment is one scheduled payment.
type Installment struct {
	Period    int
	DueDate   time.Time
	Payment   money.Value
	Principal money.Value
	Interest  money.Value
	Remaining money.Value
}

// periodRate is the per-period rate: annual / periods-per-year.
func (t Terms) periodRate() decimal.Decimal {
	return t.AnnualRate.Div(decimal.NewFromInt(int64(t.Frequency)))
}

// dueDate returns the due date of a 1-based period.
func (t Terms) dueDate(period int) time.Time {
	switch t.Frequency {
	case Quarterly:
		return t.FirstPayment.AddDate(0, 3*(period-1), 0)
	case Annually:
		return t.FirstPayment.AddDate(period-1, 0, 0)
	default:
		return t.FirstPayment.AddDate(0, period-1, 0)
	}
}

// Schedule generates the amortization schedule for the terms. Rounding
// residue is absorbed by the final payment so the last remaining balance is
// exactly zero.
func Schedule(t Terms) ([]Installment, error) {
	if t.TermPeriods <= 0 {
		return nil, errs.E(errs.KindValidation, "loan.Schedule", "term must be at least one period")
	}
	if !t.Principal.IsPositive() {
		return nil, errs.E(errs.KindValidation, "loan.Schedule", "principal must be positive")
	}
	if t.AnnualRate.IsNegative() {
		return nil, errs.E(errs.KindValidation, "loan.Schedule", "annual rate must not be negative")
	}

	switch t.Method {
	case EqualInstallment:
		return equalInstallmentSchedule(t), nil
	case EqualPrincipal:
		return equalPrincipalSchedule(t), nil
	case Bullet:
		return bulletSchedule(t), nil
	}
	return nil, errs.Ef(errs.KindValidation, "loan.Schedule", "unknown amortization method %q", t.Method)
}

// equalInstallmentSchedule implements the annuity formula
// payment = P*r*(1+r)^n / ((1+r)^n - 1), quantized per period with the
// final installment absorbing the residual.
func equalInstallmentSchedule(t Terms) []Installment {
	n := t.TermPeriods
	r := t.periodRate()
	principal := t.Principal

	var payment money.Value
	if r.IsZero() {
		payment, _ = principal.DivRat(decimal.NewFromInt(int64(n)))
	} else {
		one := decimal.NewFromInt(1)
		factor := one.Add(r).Pow(decimal.NewFromInt(int64(n)))
		annuity := r.Mul(factor).Div(factor.Sub(one))
		payment = principal.MulRat(annuity)
	}

	out := make([]Installment, 0, n)
	remaining := principal
	for period := 1; period <= n; period++ {
		interest := remaining.MulRat(r)
		var principalPart, pay money.Value
		if period == n {
			// Final payment clears the balance exactly.
			principalPart = remaining
			pay = principalPart.MustAdd(interest)
		} else {
			principalPart = payment.MustSub(interest)
			pay = payment
		}
		remaining = remaining.MustSub(principalPart)
		out = append(out, Installment{
			Period:    period,
			DueDate:   t.dueDate(period),
			Payment:   pay,
			Principal: principalPart,
			Interest:  interest,
			Remaining: remaining,
		})
	}
	return out
}

// equalPrincipalSchedule pays a constant principal share per period plus
// interest on the declining balance.
func equalPrincipalSchedule(t Terms) []Installment {
	n := t.TermPeriods
	r := t.periodRate()
	share, _ := t.Principal.DivRat(decimal.NewFromInt(int64(n)))

	out := make([]Installment, 0, n)
	remaining := t.Principal
	for period := 1; period <= n; period++ {
		interest := remaining.MulRat(r)
		principalPart := share
		if period == n {
			principalPart = remaining
		}
		remaining = remaining.MustSub(principalPart)
		out = append(out, Installment{
			Period:    period,
			DueDate:   t.dueDate(period),
			Payment:   principalPart.MustAdd(interest),
			Principal: principalPart,
			Interest:  interest,
			Remaining: remaining,
		})
	}
	return out
}

// bulletSchedule pays interest only until the final period, which repays
// the whole principal.
func bulletSchedule(t Terms) []Installment {
	n := t.TermPeriods
	r := t.periodRate()

	out := make([]Installment, 0, n)
	remaining := t.Principal
	for period := 1; period <= n; period++ {
		interest := t.Principal.MulRat(r)
		principalPart := money.Zero(t.Principal.Currency())
		if period == n {
			principalPart = t.Principal
			remaining = money.Zero(t.Principal.Currency())
		}
		out = append(out, Installment{
			Period:    period,
			DueDate:   t.dueDate(period),
			Payment:   principalPart.MustAdd(interest),
			Principal: principalPart,
			Interest:  interest,
			Remaining: remaining,
		})
	}
	return out
}

// DayCount is the interest day-count convention, a product setting.
type DayCount int

const (
	DayCount365 DayCount = 365
	DayCount360 DayCount = 360
)

// DailyInterest computes one day of simple interest on a balance:
// balance * annualRate / dayCount.
func DailyInterest(balance money.Value, annualRate decimal.Decimal, dc DayCount) money.Value {
	if dc == 0 {
		dc = DayCount365
	}
	return balance.MulRat(annualRate.Div(decimal.NewFromInt(int64(dc))))
}
