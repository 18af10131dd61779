package ledger

import (
	"database/sql/driver"
	"fmt"

	"github.com/shopspring/decimal"
)

// moneyScale is the number of decimal places every Money value carries.
// Amounts are normalized on construction and after multiplication or
// division, so sums over many small allocations stay exact.
const moneyScale = 2

// Money is a fixed-point currency amount. The zero value is zero money.
type Money struct {
	dec decimal.Decimal
}

// NewMoney builds a Money from a decimal, rounding half-up to the fixed scale.
func NewMoney(d decimal.Decimal) Money {
	return Money{dec: d.Round(moneyScale)}
}

// NewMoneyFromString parses a decimal string such as "1250.75".
func NewMoneyFromString(s string) (Money, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Money{}, fmt.Errorf("parse money %q: %w", s, err)
	}
	return NewMoney(d), nil
}

// MustMoney parses a decimal string and panics on failure. Test helper.
func MustMoney(s string) Money {
	m, err := NewMoneyFromString(s)
	if err != nil {
		panic(err)
	}
	return m
}

// NewMoneyFromInt builds a Money from a whole number of currency units.
func NewMoneyFromInt(units int64) Money {
	return Money{dec: decimal.NewFromInt(units)}
}

// ZeroMoney returns the zero amount.
func ZeroMoney() Money { return Money{} }

func (m Money) Add(o Money) Money { return Money{dec: m.dec.Add(o.dec)} }
func (m Money) Sub(o Money) Money { return Money{dec: m.dec.Sub(o.dec)} }

// Mul scales the amount by an arbitrary decimal factor and rounds half-up.
func (m Money) Mul(factor decimal.Decimal) Money {
	return NewMoney(m.dec.Mul(factor))
}

// Ratio returns m/o at full decimal precision, for use as a Mul factor.
// o must be non-zero.
func (m Money) Ratio(o Money) decimal.Decimal {
	return m.dec.DivRound(o.dec, 16)
}

func (m Money) IsZero() bool     { return m.dec.IsZero() }
func (m Money) IsPositive() bool { return m.dec.IsPositive() }
func (m Money) IsNegative() bool { return m.dec.IsNegative() }

func (m Money) Equal(o Money) bool       { return m.dec.Equal(o.dec) }
func (m Money) GreaterThan(o Money) bool { return m.dec.GreaterThan(o.dec) }
func (m Money) LessThan(o Money) bool    { return m.dec.LessThan(o.dec) }

func (m Money) Min(o Money) Money {
	if m.LessThan(o) {
		return m
	}
	return o
}

// ClampZero replaces a negative amount with zero.
func (m Money) ClampZero() Money {
	if m.dec.IsNegative() {
		return Money{}
	}
	return m
}

// Decimal exposes the underlying decimal, e.g. for rate computations.
func (m Money) Decimal() decimal.Decimal { return m.dec }

// String renders the amount with the fixed scale, e.g. "100.00".
func (m Money) String() string { return m.dec.StringFixed(moneyScale) }

// MarshalJSON encodes the amount as a JSON string to avoid float readers.
func (m Money) MarshalJSON() ([]byte, error) {
	return []byte(`"` + m.String() + `"`), nil
}

func (m *Money) UnmarshalJSON(b []byte) error {
	var d decimal.Decimal
	if err := d.UnmarshalJSON(b); err != nil {
		return err
	}
	*m = NewMoney(d)
	return nil
}

// Scan implements sql.Scanner; amounts are stored as NUMERIC.
func (m *Money) Scan(src any) error {
	var d decimal.Decimal
	if err := d.Scan(src); err != nil {
		return err
	}
	*m = NewMoney(d)
	return nil
}

// Value implements driver.Valuer.
func (m Money) Value() (driver.Value, error) {
	return m.String(), nil
}
