package numeric

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr error
	}{
		{in: "10.33", want: "10.33000000"},
		{in: "-0.5", want: "-0.50000000"},
		{in: " 7 ", want: "7.00000000"},
		{in: "0.12345678", want: "0.12345678"},
		{in: "1.000000000", want: "1.00000000"},
		{in: "0.123456789", wantErr: ErrPrecision},
		{in: "1e29", want: "1" + strings.Repeat("0", 29) + ".00000000"},
		{in: strings.Repeat("9", 30) + ".5", want: strings.Repeat("9", 30) + ".50000000"},
		{in: "1e30", wantErr: ErrOutOfRange},
		{in: strings.Repeat("9", 31), wantErr: ErrOutOfRange},
		{in: "1e50000000", wantErr: ErrOutOfRange},
		{in: "0e50000000", wantErr: ErrOutOfRange},
		{in: "1e-50000000", wantErr: ErrPrecision},
		{in: "abc", wantErr: ErrInvalidText},
		{in: "", wantErr: ErrInvalidText},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := Parse(tt.in)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.String())
		})
	}
}

func TestArithmeticIsExact(t *testing.T) {
	a := MustParse("0.1")
	b := MustParse("0.2")
	assert.True(t, a.Add(b).Equal(MustParse("0.3")))
	assert.True(t, MustParse("20.66").Sub(MustParse("10.33")).Equal(MustParse("10.33")))
	assert.Equal(t, "106.81220000", MustParse("10.33").Mul(MustParse("10.34")).String())
}

func TestDivTruncates(t *testing.T) {
	q, err := FromInt(1).Div(FromInt(3))
	require.NoError(t, err)
	assert.Equal(t, "0.33333333", q.String())

	q, err = FromInt(2).Div(FromInt(3))
	require.NoError(t, err)
	assert.Equal(t, "0.66666666", q.String())

	_, err = FromInt(1).Div(Zero)
	require.ErrorIs(t, err, ErrDivideZero)
}

func TestMulDiv(t *testing.T) {
	// 10.33 * 10.34 / 20.66 = 5.17 exactly
	share, err := MustParse("10.33").MulDiv(MustParse("10.34"), MustParse("20.66"))
	require.NoError(t, err)
	assert.Equal(t, "5.17000000", share.String())
}

func TestCompare(t *testing.T) {
	a, b := MustParse("1.5"), MustParse("1.50")
	assert.Equal(t, 0, a.Cmp(b))
	assert.True(t, a.Equal(b))
	assert.True(t, MustParse("1").LessThan(a))
	assert.True(t, a.GreaterThan(Zero))
	assert.True(t, a.IsPositive())
	assert.True(t, a.Neg().IsNegative())
	assert.True(t, Zero.IsZero())
}

func TestSum(t *testing.T) {
	assert.True(t, Sum(MustParse("10.33"), MustParse("10.33"), MustParse("10.34")).Equal(FromInt(31)))
	assert.True(t, Sum().IsZero())
}

func TestJSON(t *testing.T) {
	type payload struct {
		Amount Decimal     `json:"amount"`
		Payout NullDecimal `json:"payout"`
	}

	out, err := json.Marshal(payload{Amount: MustParse("15.5")})
	require.NoError(t, err)
	assert.JSONEq(t, `{"amount":"15.50000000","payout":null}`, string(out))

	var in payload
	require.NoError(t, json.Unmarshal([]byte(`{"amount":12.25,"payout":"3"}`), &in))
	assert.True(t, in.Amount.Equal(MustParse("12.25")))
	require.True(t, in.Payout.Valid)
	assert.True(t, in.Payout.Decimal.Equal(FromInt(3)))

	err = json.Unmarshal([]byte(`{"amount":"1.000000001"}`), &in)
	require.ErrorIs(t, err, ErrPrecision)
}

func TestScanValue(t *testing.T) {
	var d Decimal
	require.NoError(t, d.Scan("42.00000001"))
	assert.Equal(t, "42.00000001", d.String())

	require.NoError(t, d.Scan([]byte("3")))
	assert.True(t, d.Equal(FromInt(3)))

	v, err := MustParse("1.25").Value()
	require.NoError(t, err)
	assert.Equal(t, "1.25000000", v)

	var n NullDecimal
	require.NoError(t, n.Scan(nil))
	assert.False(t, n.Valid)
	assert.Nil(t, n.Ptr())
	nv, err := n.Value()
	require.NoError(t, err)
	assert.Nil(t, nv)

	require.Error(t, d.Scan(1.5))
}

func TestUnits(t *testing.T) {
	u := MustParse("15.5").Units()
	assert.Equal(t, "1550000000", u.String())
	assert.True(t, FromUnits(u).Equal(MustParse("15.5")))
	assert.Equal(t, "1", MustParse("0.00000001").Units().String())
}

func TestDecodersRejectHugeExponent(t *testing.T) {
	var d Decimal
	require.ErrorIs(t, json.Unmarshal([]byte(`1e50000000`), &d), ErrOutOfRange)
	require.ErrorIs(t, json.Unmarshal([]byte(`"1e50000000"`), &d), ErrOutOfRange)
	require.ErrorIs(t, d.UnmarshalText([]byte("-1e31")), ErrOutOfRange)
	require.ErrorIs(t, d.Scan("1e40"), ErrOutOfRange)
	assert.True(t, d.IsZero())
}
