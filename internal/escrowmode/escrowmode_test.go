package escrowmode

import (
	"math/rand"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify_Examples(t *testing.T) {
	th := DefaultThresholds()

	tests := []struct {
		amount string
		want   Mode
	}{
		{"0", ModeDirect},
		{"0.01", ModeDirect},
		{"20", ModeDirect},
		{"29.99", ModeDirect},
		{"30", ModeOptional},
		{"30.00", ModeOptional},
		{"50", ModeOptional},
		{"99.99", ModeOptional},
		{"100", ModeMandatory},
		{"150", ModeMandatory},
		{"1000000", ModeMandatory},
	}

	for _, tt := range tests {
		t.Run(tt.amount, func(t *testing.T) {
			assert.Equal(t, tt.want, th.Classify(decimal.RequireFromString(tt.amount)))
		})
	}
}

func TestClassify_BandsPartitionAroundThresholds(t *testing.T) {
	th := DefaultThresholds()
	rng := rand.New(rand.NewSource(42))
	cent := decimal.New(1, -2)

	for i := 0; i < 2000; i++ {
		// Cluster samples around the two boundaries.
		base := th.Direct
		if i%2 == 1 {
			base = th.Mandatory
		}
		offset := decimal.NewFromInt(int64(rng.Intn(400) - 200)).Mul(cent)
		amount := base.Add(offset)
		if amount.IsNegative() {
			amount = decimal.Zero
		}

		mode := th.Classify(amount)
		inDirect := amount.LessThan(th.Direct)
		inOptional := amount.GreaterThanOrEqual(th.Direct) && amount.LessThan(th.Mandatory)
		inMandatory := amount.GreaterThanOrEqual(th.Mandatory)

		matches := 0
		for _, in := range []bool{inDirect, inOptional, inMandatory} {
			if in {
				matches++
			}
		}
		require.Equal(t, 1, matches, "amount %s must fall in exactly one band", amount)

		switch {
		case inDirect:
			require.Equal(t, ModeDirect, mode, amount.String())
		case inOptional:
			require.Equal(t, ModeOptional, mode, amount.String())
		default:
			require.Equal(t, ModeMandatory, mode, amount.String())
		}
	}
}

func TestClassify_NegativeIsDirect(t *testing.T) {
	assert.Equal(t, ModeDirect, DefaultThresholds().Classify(decimal.NewFromInt(-5)))
}

func TestThresholds_Validate(t *testing.T) {
	assert.NoError(t, DefaultThresholds().Validate())

	bad := []Thresholds{
		{Direct: decimal.Zero, Mandatory: decimal.NewFromInt(100)},
		{Direct: decimal.NewFromInt(100), Mandatory: decimal.NewFromInt(100)},
		{Direct: decimal.NewFromInt(100), Mandatory: decimal.NewFromInt(30)},
	}
	for _, th := range bad {
		assert.ErrorIs(t, th.Validate(), ErrInvalidThresholds)
	}
}

func TestExplain_NonEmpty(t *testing.T) {
	th := DefaultThresholds()
	for _, m := range []Mode{ModeDirect, ModeOptional, ModeMandatory, Mode("bogus")} {
		assert.NotEmpty(t, th.Explain(m, decimal.NewFromInt(42)))
	}
}

func TestParseMode(t *testing.T) {
	m, err := ParseMode("optional")
	require.NoError(t, err)
	assert.Equal(t, ModeOptional, m)

	_, err = ParseMode("sometimes")
	assert.ErrorIs(t, err, ErrUnknownMode)
}
