package loan

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corebank/ledgerd/internal/money"
)

func usd(t *testing.T, s string) money.Value {
	t.Helper()
	v, err := money.Parse(s, "USD")
	require.NoError(t, err)
	return v
}

func testTerms(t *testing.T, method Method) Terms {
	return Terms{
		Principal:    usd(t, "10000.00"),
		AnnualRate:   decimal.RequireFromString("0.06"),
		TermPeriods:  12,
		Frequency:    Monthly,
		FirstPayment: time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC),
		Method:       method,
	}
}

func TestEqualInstallmentSchedule(t *testing.T) {
	sched, err := Schedule(testTerms(t, EqualInstallment))
	require.NoError(t, err)
	require.Len(t, sched, 12)

	// All payments equal except the last, which absorbs rounding residue.
	first := sched[0].Payment
	for _, inst := range sched[:11] {
		assert.True(t, inst.Payment.Equal(first), "period %d payment %s != %s",
			inst.Period, inst.Payment, first)
	}
	diff := sched[11].Payment.MustSub(first).Abs()
	assert.LessOrEqual(t, diff.MinorUnits(), int64(2), "final payment off by %s", diff)

	// Balance amortizes to exactly zero.
	assert.True(t, sched[11].Remaining.IsZero())

	// Sum of payments minus total interest equals the principal.
	payments := money.Zero("USD")
	interest := money.Zero("USD")
	principal := money.Zero("USD")
	for _, inst := range sched {
		payments = payments.MustAdd(inst.Payment)
		interest = interest.MustAdd(inst.Interest)
		principal = principal.MustAdd(inst.Principal)
	}
	assert.True(t, principal.Equal(usd(t, "10000.00")), "principal sum %s", principal)
	net := payments.MustSub(interest).MustSub(usd(t, "10000.00")).Abs()
	assert.LessOrEqual(t, net.MinorUnits(), int64(1))

	// 10000 at 0.5%/month over 12 months: payment is 860.66.
	assert.True(t, first.Equal(usd(t, "860.66")), "payment %s", first)
}

func TestEqualPrincipalSchedule(t *testing.T) {
	sched, err := Schedule(testTerms(t, EqualPrincipal))
	require.NoError(t, err)
	require.Len(t, sched, 12)

	share := sched[0].Principal
	assert.True(t, share.Equal(usd(t, "833.33")), "share %s", share)
	for i := 1; i < len(sched); i++ {
		assert.True(t, sched[i].Interest.MustCmp(sched[i-1].Interest) < 0,
			"interest must decline with the balance")
	}
	assert.True(t, sched[11].Remaining.IsZero())
}

func TestBulletSchedule(t *testing.T) {
	sched, err := Schedule(testTerms(t, Bullet))
	require.NoError(t, err)
	require.Len(t, sched, 12)

	monthly := usd(t, "50.00") // 10000 * 0.06 / 12
	for _, inst := range sched[:11] {
		assert.True(t, inst.Principal.IsZero())
		assert.True(t, inst.Payment.Equal(monthly), "period %d payment %s", inst.Period, inst.Payment)
	}
	assert.True(t, sched[11].Principal.Equal(usd(t, "10000.00")))
	assert.True(t, sched[11].Payment.Equal(usd(t, "10050.00")))
	assert.True(t, sched[11].Remaining.IsZero())
}

func TestZeroRateSchedule(t *testing.T) {
	terms := testTerms(t, EqualInstallment)
	terms.AnnualRate = decimal.Zero
	sched, err := Schedule(terms)
	require.NoError(t, err)

	total := money.Zero("USD")
	for _, inst := range sched {
		assert.True(t, inst.Interest.IsZero())
		total = total.MustAdd(inst.Payment)
	}
	assert.True(t, total.Equal(usd(t, "10000.00")), "total %s", total)
}

func TestScheduleValidation(t *testing.T) {
	terms := testTerms(t, EqualInstallment)
	terms.TermPeriods = 0
	_, err := Schedule(terms)
	assert.Error(t, err)

	terms = testTerms(t, EqualInstallment)
	terms.Principal = money.Zero("USD")
	_, err = Schedule(terms)
	assert.Error(t, err)

	terms = testTerms(t, Method("balloon"))
	_, err = Schedule(terms)
	assert.Error(t, err)
}

func TestQuarterlyDueDates(t *testing.T) {
	terms := testTerms(t, EqualPrincipal)
	terms.TermPeriods = 4
	terms.Frequency = Quarterly
	sched, err := Schedule(terms)
	require.NoError(t, err)
	require.Len(t, sched, 4)
	assert.Equal(t, time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC), sched[0].DueDate)
	assert.Equal(t, time.Date(2024, 11, 1, 0, 0, 0, 0, time.UTC), sched[3].DueDate)
}

func TestDailyInterest(t *testing.T) {
	rate := decimal.RequireFromString("0.06")

	// 10000 * 0.06 / 365 = 1.6438... rounds to 1.64.
	d365 := DailyInterest(usd(t, "10000.00"), rate, DayCount365)
	assert.True(t, d365.Equal(usd(t, "1.64")), "got %s", d365)

	// 10000 * 0.06 / 360 = 1.6666... rounds to 1.67.
	d360 := DailyInterest(usd(t, "10000.00"), rate, DayCount360)
	assert.True(t, d360.Equal(usd(t, "1.67")), "got %s", d360)
}
