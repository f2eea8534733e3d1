package money

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddSubtractRoundTrip(t *testing.T) {
	pairs := [][2]string{
		{"0.1", "0.2"},
		{"100.00", "50.005"},
		{"1234567.891", "-0.001"},
		{"0.3333333333", "0.6666666667"},
	}

	for _, p := range pairs {
		a, b := MustParse(p[0]), MustParse(p[1])
		got := a.Add(b).Sub(b)
		assert.True(t, got.Equal(a), "(%s + %s) - %s = %s", p[0], p[1], p[1], got)
	}

	assert.Equal(t, "0.3", MustParse("0.1").Add(MustParse("0.2")).String())
}

func TestDiv(t *testing.T) {
	got, err := MustParse("10").Div(MustParse("4"))
	require.NoError(t, err)
	assert.Equal(t, "2.5", got.String())

	got, err = MustParse("1").Div(MustParse("3"))
	require.NoError(t, err)
	assert.Equal(t, "0.3333333333333333", got.String())

	_, err = MustParse("1").Div(Zero)
	assert.ErrorIs(t, err, ErrDivisionByZero)
}

func TestRoundHalfUp(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"1.1025", "1.10"},
		{"1.105", "1.11"},
		{"1.115", "1.12"},
		{"2.5", "2.50"},
		{"0.004", "0.00"},
		{"0.005", "0.01"},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, MustParse(tt.in).RoundCurrency().StringFixed(CurrencyScale))
		})
	}
}

func TestMinorUnits(t *testing.T) {
	tests := []struct {
		in   string
		want int64
	}{
		{"368.60", 36860},
		{"1.105", 111},
		{"1.1025", 110},
		{"-0.05", -5},
		{"92233720368547758.07", 9223372036854775807},
		{"-92233720368547758.08", -9223372036854775808},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := MustParse(tt.in).MinorUnits()
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	for _, in := range []string{"92233720368547758.08", "-92233720368547758.09", "1e30"} {
		_, err := MustParse(in).MinorUnits()
		assert.ErrorIs(t, err, ErrOutOfRange, in)
	}

	assert.True(t, FromMinorUnits(36860).Equal(MustParse("368.6")))
	assert.Equal(t, "-0.05", FromMinorUnits(-5).String())
}

func TestFormat(t *testing.T) {
	tests := []struct {
		in     string
		symbol string
		want   string
	}{
		{"0", "$", "$0.00"},
		{"999.999", "$", "$1,000.00"},
		{"1234567.5", "¥", "¥1,234,567.50"},
		{"-12", "$", "-$12.00"},
		{"-0.001", "$", "$0.00"},
		{"100", "", "100.00"},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, MustParse(tt.in).Format(tt.symbol))
		})
	}
}

func TestChainedOperationsStayExact(t *testing.T) {
	// 5% of 50.00 times three units, no intermediate rounding
	rate := MustParse("0.05")
	unit := MustParse("50.00")
	got := unit.Add(unit.Mul(rate)).MulInt(3)
	assert.Equal(t, "157.5", got.String())

	fee := MustParse("367.50").Mul(MustParse("0.003"))
	assert.Equal(t, "1.1025", fee.String())
	assert.Equal(t, "1.10", fee.RoundCurrency().StringFixed(2))
}

func TestJSONAndSQL(t *testing.T) {
	a := MustParse("105.25")
	data, err := json.Marshal(a)
	require.NoError(t, err)
	assert.JSONEq(t, `"105.25"`, string(data))

	var back Amount
	require.NoError(t, json.Unmarshal([]byte(`52.5`), &back))
	assert.True(t, back.Equal(MustParse("52.50")))

	v, err := a.Value()
	require.NoError(t, err)
	assert.Equal(t, "105.25", v)

	var scanned Amount
	require.NoError(t, scanned.Scan([]byte("1.1025")))
	assert.Equal(t, "1.1025", scanned.String())

	_, err = Parse("abc")
	assert.ErrorIs(t, err, ErrInvalidAmount)
}

func TestNullAmount(t *testing.T) {
	var n NullAmount
	require.NoError(t, n.Scan(nil))
	assert.False(t, n.Valid)
	v, err := n.Value()
	require.NoError(t, err)
	assert.Nil(t, v)

	require.NoError(t, n.Scan("2.50"))
	assert.True(t, n.Valid)
	assert.Equal(t, "2.5", n.Amount.String())

	data, err := json.Marshal(struct {
		Min NullAmount `json:"min"`
		Max NullAmount `json:"max"`
	}{Max: Some(MustParse("100"))})
	require.NoError(t, err)
	assert.JSONEq(t, `{"min":null,"max":"100"}`, string(data))

	var back NullAmount
	require.NoError(t, json.Unmarshal([]byte(`"7"`), &back))
	assert.True(t, back.Valid)
}
