// Package money implements currency-tagged fixed-point amounts.
//
// A Value carries a decimal amount quantized to the currency's minor-unit
// exponent together with its currency code. Arithmetic between different
// currencies is refused; multiplication and division take dimensionless
// rationals and round half-to-even back to the currency exponent.
package money

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/corebank/ledgerd/internal/errs"
)

// minorUnits maps ISO currency codes to their minor-unit exponent.
// Currencies not listed default to two fractional digits.
var minorUnits = map[string]int32{
	"JPY": 0,
	"KRW": 0,
	"VND": 0,
	"BHD": 3,
	"KWD": 3,
	"OMR": 3,
	"TND": 3,
}

// Exponent returns the minor-unit exponent for a currency code.
func Exponent(currency string) int32 {
	if exp, ok := minorUnits[currency]; ok {
		return exp
	}
	return 2
}

// Value is an immutable monetary amount in a single currency.
// The zero Value is invalid; use Zero or New.
type Value struct {
	amount   decimal.Decimal
	currency string
}

// New builds a Value from a decimal amount, rounding half-to-even to the
// currency's minor-unit exponent.
func New(amount decimal.Decimal, currency string) Value {
	return Value{amount: amount.RoundBank(Exponent(currency)), currency: currency}
}

// FromMinorUnits builds a Value from an integer count of minor units,
// e.g. FromMinorUnits(12345, "USD") == 123.45 USD.
func FromMinorUnits(units int64, currency string) Value {
	return Value{amount: decimal.New(units, -Exponent(currency)), currency: currency}
}

// Parse builds a Value from a decimal string such as "100.00".
func Parse(s, currency string) (Value, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Value{}, errs.Ef(errs.KindValidation, "money.Parse", "invalid amount %q: %v", s, err)
	}
	return New(d, currency), nil
}

// MustParse is Parse for trusted literals; it panics on malformed input.
func MustParse(s, currency string) Value {
	v, err := Parse(s, currency)
	if err != nil {
		panic(err)
	}
	return v
}

// Zero returns the zero amount of a currency. Zero values still carry
// their currency.
func Zero(currency string) Value {
	return Value{amount: decimal.Zero.RoundBank(Exponent(currency)), currency: currency}
}

// Currency returns the currency code.
func (v Value) Currency() string { return v.currency }

// Amount returns the underlying decimal amount.
func (v Value) Amount() decimal.Decimal { return v.amount }

// MinorUnits returns the amount as an integer count of minor units.
func (v Value) MinorUnits() int64 {
	return v.amount.Shift(Exponent(v.currency)).IntPart()
}

// String renders the amount and currency, e.g. "100.00 USD".
func (v Value) String() string {
	return fmt.Sprintf("%s %s", v.amount.StringFixed(Exponent(v.currency)), v.currency)
}

func (v Value) sameCurrency(op string, o Value) error {
	if v.currency != o.currency {
		return errs.Ef(errs.KindValidation, op, "currency mismatch: %s vs %s", v.currency, o.currency)
	}
	return nil
}

// Add returns v + o. The currencies must match.
func (v Value) Add(o Value) (Value, error) {
	if err := v.sameCurrency("money.Add", o); err != nil {
		return Value{}, err
	}
	return Value{amount: v.amount.Add(o.amount), currency: v.currency}, nil
}

// Sub returns v - o. The currencies must match.
func (v Value) Sub(o Value) (Value, error) {
	if err := v.sameCurrency("money.Sub", o); err != nil {
		return Value{}, err
	}
	return Value{amount: v.amount.Sub(o.amount), currency: v.currency}, nil
}

// MustAdd is Add for same-currency values known by construction; it panics
// on a currency mismatch.
func (v Value) MustAdd(o Value) Value {
	r, err := v.Add(o)
	if err != nil {
		panic(err)
	}
	return r
}

// MustSub is Sub for same-currency values known by construction.
func (v Value) MustSub(o Value) Value {
	r, err := v.Sub(o)
	if err != nil {
		panic(err)
	}
	return r
}

// Neg returns -v.
func (v Value) Neg() Value {
	return Value{amount: v.amount.Neg(), currency: v.currency}
}

// Abs returns |v|.
func (v Value) Abs() Value {
	return Value{amount: v.amount.Abs(), currency: v.currency}
}

// MulRat returns v scaled by a dimensionless rational, rounded half-to-even
// to the currency exponent. Rates and percentages stay decimal until this
// boundary.
func (v Value) MulRat(r decimal.Decimal) Value {
	return Value{amount: v.amount.Mul(r).RoundBank(Exponent(v.currency)), currency: v.currency}
}

// DivRat returns v divided by a dimensionless rational, rounded half-to-even.
func (v Value) DivRat(r decimal.Decimal) (Value, error) {
	if r.IsZero() {
		return Value{}, errs.E(errs.KindValidation, "money.DivRat", "division by zero")
	}
	return Value{amount: v.amount.Div(r).RoundBank(Exponent(v.currency)), currency: v.currency}, nil
}

// Cmp compares v and o: -1 if v < o, 0 if equal, +1 if v > o.
func (v Value) Cmp(o Value) (int, error) {
	if err := v.sameCurrency("money.Cmp", o); err != nil {
		return 0, err
	}
	return v.amount.Cmp(o.amount), nil
}

// MustCmp is Cmp that panics on currency mismatch. Use it only where the
// operands are known to share a currency.
func (v Value) MustCmp(o Value) int {
	c, err := v.Cmp(o)
	if err != nil {
		panic(err)
	}
	return c
}

// Equal reports whether v and o have the same currency and exact amount.
func (v Value) Equal(o Value) bool {
	return v.currency == o.currency && v.amount.Equal(o.amount)
}

// IsZero reports whether the amount is zero.
func (v Value) IsZero() bool { return v.amount.IsZero() }

// IsNegative reports whether the amount is below zero.
func (v Value) IsNegative() bool { return v.amount.IsNegative() }

// IsPositive reports whether the amount is above zero.
func (v Value) IsPositive() bool { return v.amount.IsPositive() }

// Min returns the smaller of v and o.
func Min(v, o Value) (Value, error) {
	c, err := v.Cmp(o)
	if err != nil {
		return Value{}, err
	}
	if c <= 0 {
		return v, nil
	}
	return o, nil
}

// Max returns the larger of v and o.
func Max(v, o Value) (Value, error) {
	c, err := v.Cmp(o)
	if err != nil {
		return Value{}, err
	}
	if c >= 0 {
		return v, nil
	}
	return o, nil
}

// MustMin is Min that panics on currency mismatch.
func MustMin(v, o Value) Value {
	m, err := Min(v, o)
	if err != nil {
		panic(err)
	}
	return m
}

// MustMax is Max that panics on currency mismatch.
func MustMax(v, o Value) Value {
	m, err := Max(v, o)
	if err != nil {
		panic(err)
	}
	return m
}
