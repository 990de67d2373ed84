package token

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/R3E-Network/settlement_layer/internal/errors"
)

func TestParse(t *testing.T) {
	tests := []struct {
		in      string
		want    Amount
		wantErr bool
	}{
		{"12.75", 1275, false},
		{"100", 10000, false},
		{"0.01", 1, false},
		{"0", 0, false},
		{"1.5", 150, false},
		{"1.005", 0, true},
		{"-1", 0, true},
		{"abc", 0, true},
		{"184467440737095516.16", 0, true},
		{"92233720368547758.07", 9223372036854775807, false},
		{"92233720368547758.08", 0, true},
		{"1e5000000", 0, true},
		{"1e-5000000", 0, true},
		{"1e2", 10000, false},
		{"1.50000000000000000000000000000", 150, false},
		{"0000000000000000000000000000000000000000001", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := Parse(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, apperrors.IsKind(err, apperrors.KindInvalidAmount))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestString(t *testing.T) {
	assert.Equal(t, "12.75", Amount(1275).String())
	assert.Equal(t, "100.00", MustTokens(100).String())
	assert.Equal(t, "0.01", Amount(1).String())
}

func TestCostMatchesEscrowProgram(t *testing.T) {
	// 100 tokens at 50_000 lamports per token.
	cost, err := MustTokens(100).Cost(50_000)
	require.NoError(t, err)
	assert.Equal(t, uint64(5_000_000), cost)

	cost, err = Amount(1).Cost(150)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), cost, "rounds down")

	_, err = Amount(math.MaxUint64).Cost(2)
	assert.True(t, apperrors.IsKind(err, apperrors.KindInvalidAmount))
}

func TestAddSub(t *testing.T) {
	sum, err := Amount(6000).Add(4000)
	require.NoError(t, err)
	assert.Equal(t, Amount(10000), sum)

	_, err = Amount(math.MaxUint64).Add(1)
	assert.Error(t, err)

	diff, err := Amount(10000).Sub(6000)
	require.NoError(t, err)
	assert.Equal(t, Amount(4000), diff)

	_, err = Amount(1).Sub(2)
	assert.Error(t, err)
}

func TestPercentage(t *testing.T) {
	tests := []struct {
		part, total Amount
		want        string
	}{
		{6000, 10000, "60"},
		{10000, 10000, "100"},
		{1, 3, "33.3"},
		{2, 3, "66.7"},
		{12000, 10000, "100"},
		{5, 0, "0"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Percentage(tt.part, tt.total).String(), "%d/%d", tt.part, tt.total)
	}
}

func TestJSON(t *testing.T) {
	type body struct {
		Units Amount `json:"units"`
	}
	out, err := json.Marshal(body{Units: 1275})
	require.NoError(t, err)
	assert.JSONEq(t, `{"units":"12.75"}`, string(out))

	for _, in := range []string{`{"units":"12.75"}`, `{"units":12.75}`} {
		var b body
		require.NoError(t, json.Unmarshal([]byte(in), &b), in)
		assert.Equal(t, Amount(1275), b.Units)
	}

	var b body
	assert.Error(t, json.Unmarshal([]byte(`{"units":"1.001"}`), &b))
}

func TestParseErrorStaysShort(t *testing.T) {
	_, err := Parse("9e99999999")
	require.Error(t, err)
	assert.Less(t, len(err.Error()), 200)
}
