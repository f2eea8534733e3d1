package money

import (
	"database/sql/driver"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

const (
	// CurrencyScale is the number of fractional digits persisted and displayed
	CurrencyScale = 2
	// DivisionScale bounds the fractional digits kept by Div
	DivisionScale = 16
)

var (
	ErrDivisionByZero = errors.New("division by zero")
	ErrInvalidAmount  = errors.New("invalid amount")
	ErrOutOfRange     = errors.New("amount out of range")
)

// Amount is an exact fixed-point money value. Arithmetic never rounds;
// callers round explicitly with Round at display or persistence time.
type Amount struct {
	d decimal.Decimal
}

var Zero = Amount{d: decimal.Zero}

// New creates an Amount from an integer value and an exponent,
// e.g. New(10050, -2) is 100.50
func New(value int64, exp int32) Amount {
	return Amount{d: decimal.New(value, exp)}
}

// FromInt creates a whole-unit amount
func FromInt(v int64) Amount {
	return Amount{d: decimal.NewFromInt(v)}
}

// Parse reads an amount from its decimal string form
func Parse(s string) (Amount, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return Zero, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	return Amount{d: d}, nil
}

// MustParse is Parse for constants and tests
func MustParse(s string) Amount {
	a, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return a
}

// FromMinorUnits converts an integer count of cents into an Amount
func FromMinorUnits(units int64) Amount {
	return Amount{d: decimal.New(units, -CurrencyScale)}
}

func (a Amount) Add(b Amount) Amount { return Amount{d: a.d.Add(b.d)} }

func (a Amount) Sub(b Amount) Amount { return Amount{d: a.d.Sub(b.d)} }

func (a Amount) Mul(b Amount) Amount { return Amount{d: a.d.Mul(b.d)} }

// MulInt multiplies by a quantity
func (a Amount) MulInt(n int64) Amount { return Amount{d: a.d.Mul(decimal.NewFromInt(n))} }

// Div divides keeping DivisionScale fractional digits (half-up on the last one)
func (a Amount) Div(b Amount) (Amount, error) {
	if b.d.IsZero() {
		return Zero, ErrDivisionByZero
	}
	return Amount{d: a.d.DivRound(b.d, DivisionScale)}, nil
}

// Round rounds half-up (away from zero at the midpoint) to places fractional digits
func (a Amount) Round(places int32) Amount {
	return Amount{d: a.d.Round(places)}
}

// RoundCurrency rounds to CurrencyScale
func (a Amount) RoundCurrency() Amount {
	return a.Round(CurrencyScale)
}

// MinorUnits returns the amount in cents, rounding half-up at the boundary.
// Amounts whose cents do not fit an int64 return ErrOutOfRange.
func (a Amount) MinorUnits() (int64, error) {
	cents := a.d.Round(CurrencyScale).Shift(CurrencyScale).BigInt()
	if !cents.IsInt64() {
		return 0, fmt.Errorf("%w: %s", ErrOutOfRange, a.d.String())
	}
	return cents.Int64(), nil
}

func (a Amount) Cmp(b Amount) int { return a.d.Cmp(b.d) }

func (a Amount) Equal(b Amount) bool { return a.d.Equal(b.d) }

func (a Amount) IsZero() bool { return a.d.IsZero() }

func (a Amount) IsNegative() bool { return a.d.IsNegative() }

func (a Amount) LessThan(b Amount) bool { return a.d.LessThan(b.d) }

func (a Amount) GreaterThan(b Amount) bool { return a.d.GreaterThan(b.d) }

// Decimal exposes the underlying value
func (a Amount) Decimal() decimal.Decimal { return a.d }

// String renders the exact value without rounding
func (a Amount) String() string { return a.d.String() }

// StringFixed renders the value rounded to places fractional digits
func (a Amount) StringFixed(places int32) string { return a.d.StringFixed(places) }

// Format renders the amount rounded to CurrencyScale with thousands grouping
// and the currency symbol in front, e.g. "¥1,234.50" or "-$12.00"
func (a Amount) Format(symbol string) string {
	s := a.d.Abs().StringFixed(CurrencyScale)
	intPart, frac, _ := strings.Cut(s, ".")

	var b strings.Builder
	if a.d.Round(CurrencyScale).IsNegative() {
		b.WriteByte('-')
	}
	b.WriteString(symbol)
	for i, r := range intPart {
		if i > 0 && (len(intPart)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(r)
	}
	b.WriteByte('.')
	b.WriteString(frac)
	return b.String()
}

// MarshalJSON encodes the amount as a JSON string to avoid float conversion
func (a Amount) MarshalJSON() ([]byte, error) {
	return []byte(`"` + a.d.String() + `"`), nil
}

// UnmarshalJSON accepts both quoted and bare numbers
func (a *Amount) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "" || s == "null" {
		a.d = decimal.Zero
		return nil
	}
	parsed, err := Parse(s)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// Value stores the amount as text so sqlite never coerces it into a float
func (a Amount) Value() (driver.Value, error) {
	return a.d.String(), nil
}

func (a *Amount) Scan(value interface{}) error {
	switch v := value.(type) {
	case nil:
		a.d = decimal.Zero
		return nil
	case []byte:
		return a.scanString(string(v))
	case string:
		return a.scanString(v)
	default:
		return a.d.Scan(value)
	}
}

func (a *Amount) scanString(s string) error {
	parsed, err := Parse(s)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// NullAmount is an Amount that may be absent, stored as NULL
type NullAmount struct {
	Amount Amount
	Valid  bool
}

// Some wraps a present amount
func Some(a Amount) NullAmount {
	return NullAmount{Amount: a, Valid: true}
}

func (n NullAmount) MarshalJSON() ([]byte, error) {
	if !n.Valid {
		return []byte("null"), nil
	}
	return n.Amount.MarshalJSON()
}

func (n *NullAmount) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*n = NullAmount{}
		return nil
	}
	if err := n.Amount.UnmarshalJSON(data); err != nil {
		return err
	}
	n.Valid = true
	return nil
}

func (n NullAmount) Value() (driver.Value, error) {
	if !n.Valid {
		return nil, nil
	}
	return n.Amount.Value()
}

func (n *NullAmount) Scan(value interface{}) error {
	if value == nil {
		*n = NullAmount{}
		return nil
	}
	if err := n.Amount.Scan(value); err != nil {
		return err
	}
	n.Valid = true
	return nil
}
