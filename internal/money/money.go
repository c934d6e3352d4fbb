package money

import (
	"database/sql/driver"
	"fmt"

	"github.com/shopspring/decimal"
)

// Places is the number of fractional digits every amount is kept at.
const Places = 2

// Money is a currency amount held at cent precision.
// The zero value is $0.00.
type Money struct {
	d decimal.Decimal
}

// Zero is $0.00
var Zero = Money{}

// New rounds d half away from zero to the cent.
func New(d decimal.Decimal) Money {
	return Money{d: d.Round(Places)}
}

// FromInt returns a whole-dollar amount.
func FromInt(units int64) Money {
	return Money{d: decimal.NewFromInt(units)}
}

// FromCents returns the amount for a number of cents.
func FromCents(cents int64) Money {
	return Money{d: decimal.New(cents, -Places)}
}

// Parse reads a decimal string such as "12.5" or "12.345".
func Parse(s string) (Money, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Money{}, fmt.Errorf("parse amount %q: %w", s, err)
	}
	return New(d), nil
}

// MustParse is Parse for constants and tests.
func MustParse(s string) Money {
	m, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return m
}

// Decimal exposes the underlying value.
func (m Money) Decimal() decimal.Decimal { return m.d }

func (m Money) Add(o Money) Money { return Money{d: m.d.Add(o.d)} }
func (m Money) Sub(o Money) Money { return Money{d: m.d.Sub(o.d)} }

func (m Money) Cmp(o Money) int                 { return m.d.Cmp(o.d) }
func (m Money) Equal(o Money) bool              { return m.d.Equal(o.d) }
func (m Money) GreaterThan(o Money) bool        { return m.d.GreaterThan(o.d) }
func (m Money) GreaterThanOrEqual(o Money) bool { return m.d.GreaterThanOrEqual(o.d) }
func (m Money) LessThan(o Money) bool           { return m.d.LessThan(o.d) }
func (m Money) IsPositive() bool                { return m.d.IsPositive() }
func (m Money) IsZero() bool                    { return m.d.IsZero() }

// Max returns the larger of m and o.
func (m Money) Max(o Money) Money {
	if o.GreaterThan(m) {
		return o
	}
	return m
}

// String formats with exactly two fractional digits, e.g. "55.00".
func (m Money) String() string {
	return m.d.StringFixed(Places)
}

// MarshalJSON writes the amount as a JSON number with two fractional digits.
func (m Money) MarshalJSON() ([]byte, error) {
	return []byte(m.String()), nil
}

// UnmarshalJSON accepts both JSON numbers and quoted strings.
func (m *Money) UnmarshalJSON(data []byte) error {
	var d decimal.Decimal
	if err := d.UnmarshalJSON(data); err != nil {
		return fmt.Errorf("decode amount: %w", err)
	}
	*m = New(d)
	return nil
}

// Value implements driver.Valuer.
func (m Money) Value() (driver.Value, error) {
	return m.String(), nil
}

// Scan implements sql.Scanner.
func (m *Money) Scan(src any) error {
	var d decimal.Decimal
	if err := d.Scan(src); err != nil {
		return fmt.Errorf("scan amount: %w", err)
	}
	*m = New(d)
	return nil
}

// Ptr returns a pointer to a copy of m.
func Ptr(m Money) *Money { return &m }

// MaxPtr returns the larger of a and b, treating nil as absent.
func MaxPtr(a, b *Money) *Money {
	switch {
	case a == nil && b == nil:
		return nil
	case a == nil:
		return Ptr(*b)
	case b == nil:
		return Ptr(*a)
	}
	return Ptr(a.Max(*b))
}
