// Package numeric provides the fixed-point decimal used for prices, stake
// amounts, pools and balances.
//
// Values carry at most Scale fractional digits. Add, Sub and Mul are exact;
// Div and MulDiv truncate toward zero at Scale, so callers that split an
// amount must account for the remainder themselves.
package numeric

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
)

// Scale is the number of fractional digits every stored value is held to.
const Scale int32 = 8

// MaxIntegerDigits is the widest integer part a value may carry, the
// NUMERIC(38,8) column limit.
const MaxIntegerDigits = 30

var (
	ErrPrecision   = errors.New("numeric: more than 8 fractional digits")
	ErrOutOfRange  = errors.New("numeric: more than 30 integer digits")
	ErrDivideZero  = errors.New("numeric: division by zero")
	ErrInvalidText = errors.New("numeric: invalid decimal")
)

// Decimal is an immutable fixed-point number. The zero value is 0.
type Decimal struct {
	d decimal.Decimal
}

// Zero is the additive identity.
var Zero = Decimal{}

// FromInt returns v as a Decimal.
func FromInt(v int64) Decimal {
	return Decimal{d: decimal.NewFromInt(v)}
}

// New returns value * 10^exp. exp below -Scale is truncated.
func New(value int64, exp int32) Decimal {
	return Decimal{d: decimal.New(value, exp).Truncate(Scale)}
}

// Parse reads a base-10 string such as "10.33" or "-0.5". Exponent forms
// are bounded before any digit expansion, so "1e50000000" fails fast.
func Parse(s string) (Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Zero, fmt.Errorf("%w: empty string", ErrInvalidText)
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Zero, fmt.Errorf("%w: %q", ErrInvalidText, s)
	}
	exp := int(d.Exponent())
	if exp > MaxIntegerDigits || (!d.IsZero() && d.NumDigits()+exp > MaxIntegerDigits) {
		return Zero, fmt.Errorf("%w: %q", ErrOutOfRange, s)
	}
	if exp < -int(Scale)-MaxIntegerDigits {
		return Zero, fmt.Errorf("%w: %q", ErrPrecision, s)
	}
	if !d.Truncate(Scale).Equal(d) {
		return Zero, fmt.Errorf("%w: %q", ErrPrecision, s)
	}
	return Decimal{d: d}, nil
}

// MustParse is Parse that panics on error. Intended for constants and tests.
func MustParse(s string) Decimal {
	v, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return v
}

func (x Decimal) Add(y Decimal) Decimal { return Decimal{d: x.d.Add(y.d)} }
func (x Decimal) Sub(y Decimal) Decimal { return Decimal{d: x.d.Sub(y.d)} }
func (x Decimal) Mul(y Decimal) Decimal { return Decimal{d: x.d.Mul(y.d)} }
func (x Decimal) Neg() Decimal          { return Decimal{d: x.d.Neg()} }

// Div returns x / y truncated toward zero at Scale.
func (x Decimal) Div(y Decimal) (Decimal, error) {
	if y.d.IsZero() {
		return Zero, ErrDivideZero
	}
	q, _ := x.d.QuoRem(y.d, Scale)
	return Decimal{d: q}, nil
}

// MulDiv returns x * y / z truncated toward zero at Scale. The product is
// formed exactly before dividing.
func (x Decimal) MulDiv(y, z Decimal) (Decimal, error) {
	return x.Mul(y).Div(z)
}

// Truncate drops digits beyond Scale.
func (x Decimal) Truncate() Decimal {
	return Decimal{d: x.d.Truncate(Scale)}
}

func (x Decimal) Cmp(y Decimal) int          { return x.d.Cmp(y.d) }
func (x Decimal) Equal(y Decimal) bool       { return x.d.Equal(y.d) }
func (x Decimal) LessThan(y Decimal) bool    { return x.d.LessThan(y.d) }
func (x Decimal) GreaterThan(y Decimal) bool { return x.d.GreaterThan(y.d) }
func (x Decimal) IsZero() bool               { return x.d.IsZero() }
func (x Decimal) IsPositive() bool           { return x.d.IsPositive() }
func (x Decimal) IsNegative() bool           { return x.d.IsNegative() }

// Float64 is for metrics and logging only.
func (x Decimal) Float64() float64 {
	f, _ := x.d.Float64()
	return f
}

// String formats x with exactly Scale fractional digits.
func (x Decimal) String() string {
	return x.d.StringFixed(Scale)
}

// LogValue renders the decimal as a string in structured logs.
func (x Decimal) LogValue() slog.Value {
	return slog.StringValue(x.String())
}

// Units returns x as an integer count of 10^-Scale units, e.g. 1.5 -> 150000000.
func (x Decimal) Units() *big.Int {
	return x.d.Truncate(Scale).Shift(Scale).BigInt()
}

// FromUnits is the inverse of Units.
func FromUnits(u *big.Int) Decimal {
	return Decimal{d: decimal.NewFromBigInt(u, -Scale)}
}

// Sum adds all values.
func Sum(values ...Decimal) Decimal {
	total := Zero
	for _, v := range values {
		total = total.Add(v)
	}
	return total
}

// MarshalJSON encodes the decimal as a quoted fixed-point string.
func (x Decimal) MarshalJSON() ([]byte, error) {
	return json.Marshal(x.String())
}

// UnmarshalJSON accepts a quoted string or a bare JSON number.
func (x *Decimal) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	if s == "null" {
		*x = Zero
		return nil
	}
	s = strings.Trim(s, `"`)
	v, err := Parse(s)
	if err != nil {
		return err
	}
	*x = v
	return nil
}

// UnmarshalText lets Decimal appear in TOML and query parameters.
func (x *Decimal) UnmarshalText(text []byte) error {
	v, err := Parse(string(text))
	if err != nil {
		return err
	}
	*x = v
	return nil
}

// Value implements driver.Valuer. Values are stored as text so that no
// driver converts them through float64.
func (x Decimal) Value() (driver.Value, error) {
	return x.String(), nil
}

// Scan implements sql.Scanner.
func (x *Decimal) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*x = Zero
		return nil
	case string:
		return x.UnmarshalText([]byte(v))
	case []byte:
		return x.UnmarshalText(v)
	case int64:
		*x = FromInt(v)
		return nil
	default:
		return fmt.Errorf("numeric: cannot scan %T", src)
	}
}

// NullDecimal is a Decimal that may be absent, such as an unsettled payout.
type NullDecimal struct {
	Decimal Decimal
	Valid   bool
}

// Some wraps v as a present NullDecimal.
func Some(v Decimal) NullDecimal {
	return NullDecimal{Decimal: v, Valid: true}
}

// Ptr returns nil for an absent value.
func (n NullDecimal) Ptr() *Decimal {
	if !n.Valid {
		return nil
	}
	v := n.Decimal
	return &v
}

func (n NullDecimal) Value() (driver.Value, error) {
	if !n.Valid {
		return nil, nil
	}
	return n.Decimal.Value()
}

func (n *NullDecimal) Scan(src any) error {
	if src == nil {
		*n = NullDecimal{}
		return nil
	}
	if err := n.Decimal.Scan(src); err != nil {
		return err
	}
	n.Valid = true
	return nil
}

func (n NullDecimal) MarshalJSON() ([]byte, error) {
	if !n.Valid {
		return []byte("null"), nil
	}
	return n.Decimal.MarshalJSON()
}

func (n *NullDecimal) UnmarshalJSON(data []byte) error {
	if strings.TrimSpace(string(data)) == "null" {
		*n = NullDecimal{}
		return nil
	}
	if err := n.Decimal.UnmarshalJSON(data); err != nil {
		return err
	}
	n.Valid = true
	return nil
}
