package alloc

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warchest-ops/warchest/internal/wallet"
)

func entry(id, addr string, balance, amount float64) Entry {
	bal := decimal.NewFromFloat(balance)
	amt := decimal.NewFromFloat(amount)
	return Entry{
		WalletID:       id,
		Address:        addr,
		Role:           wallet.RoleNumbered,
		CurrentBalance: bal,
		PlannedAmount:  amt,
		FinalBalance:   bal.Add(amt),
		RequiresAction: amt.IsPositive(),
	}
}

func testLimits() Limits {
	return Limits{
		MinPerWallet:  decimal.NewFromFloat(0.001),
		MaxPerWallet:  decimal.NewFromFloat(1.0),
		MaxTotal:      decimal.NewFromFloat(5.0),
		SanityCeiling: decimal.NewFromFloat(10.0),
	}
}

func TestValidateFunding_WellFormedPlanPasses(t *testing.T) {
	entries := []Entry{
		entry("w1", "0x01", 0.01, 0.1),
		entry("w2", "0x02", 0.02, 0.1),
		entry("w3", "0x03", 0.03, 0.1),
	}
	report := ValidateFunding(entries, testLimits())
	assert.True(t, report.Valid)
	assert.Empty(t, report.Issues)
}

func TestValidateFunding_CollectsEveryViolation(t *testing.T) {
	entries := []Entry{
		entry("w1", "0x01", 0.01, 0.1),
		entry("w2", "0x01", 0.01, 0.1), // duplicate address
		{ // negative amount, hand-built to bypass the calculator guard
			WalletID:       "w3",
			Address:        "0x03",
			Role:           wallet.RoleNumbered,
			CurrentBalance: decimal.NewFromFloat(0.01),
			PlannedAmount:  decimal.NewFromFloat(-0.5),
			RequiresAction: true,
		},
		entry("w4", "0x04", 0.01, 3.0), // above per-wallet max
	}
	report := ValidateFunding(entries, testLimits())
	require.False(t, report.Valid)

	codes := make(map[string]int)
	for _, is := range report.Issues {
		codes[is.Code]++
	}
	// The whole list is reported, never just the first failure.
	assert.Equal(t, 1, codes[CodeDuplicateAddress])
	assert.Equal(t, 1, codes[CodeNegativeAmount])
	assert.Equal(t, 1, codes[CodeZeroActionAmount]) // w3 requires action with nothing positive
	assert.Equal(t, 1, codes[CodeAboveMaximum])
}

func TestValidateFunding_TotalCap(t *testing.T) {
	entries := []Entry{
		entry("w1", "0x01", 0, 0.9),
		entry("w2", "0x02", 0, 0.9),
	}
	limits := testLimits()
	limits.MaxTotal = decimal.NewFromFloat(1.0)

	report := ValidateFunding(entries, limits)
	require.False(t, report.Valid)
	require.Len(t, report.Fatal(), 1)
	assert.Equal(t, CodeTotalExceeded, report.Fatal()[0].Code)
}

func TestValidateFunding_EmptyPlanRejected(t *testing.T) {
	entries := []Entry{
		entry("w1", "0x01", 0.5, 0),
		entry("w2", "0x02", 0.5, 0),
	}
	report := ValidateFunding(entries, testLimits())
	require.False(t, report.Valid)
	assert.Equal(t, CodeEmptyTotal, report.Fatal()[0].Code)
}

func TestValidateFunding_SanityCeilingIsWarning(t *testing.T) {
	limits := testLimits()
	limits.SanityCeiling = decimal.NewFromFloat(0.05)

	entries := []Entry{entry("w1", "0x01", 0.01, 0.1)} // final 0.11 > 0.05
	report := ValidateFunding(entries, limits)

	// Warning-class: flagged but not blocking.
	assert.True(t, report.Valid)
	require.Len(t, report.Warnings(), 1)
	assert.Equal(t, CodeBalanceCeiling, report.Warnings()[0].Code)
}

func TestValidateFunding_BelowMinimum(t *testing.T) {
	entries := []Entry{entry("w1", "0x01", 0.01, 0.0001)}
	report := ValidateFunding(entries, testLimits())
	require.False(t, report.Valid)
	assert.Equal(t, CodeBelowMinimum, report.Fatal()[0].Code)
}

func TestValidateWithdrawal_OverBalanceFatal(t *testing.T) {
	e := entry("w1", "0x01", 0.05, 0.1) // withdrawing more than held
	e.FinalBalance = e.CurrentBalance.Sub(e.PlannedAmount)

	report := ValidateWithdrawal([]Entry{e}, Limits{})
	require.False(t, report.Valid)

	var found bool
	for _, is := range report.Issues {
		if is.Code == CodeOverBalance {
			found = true
			assert.Equal(t, SeverityFatal, is.Severity)
		}
	}
	assert.True(t, found)
}

func TestValidateWithdrawal_WellFormedPasses(t *testing.T) {
	e := entry("w1", "0x01", 0.05, 0.02)
	e.FinalBalance = e.CurrentBalance.Sub(e.PlannedAmount)

	report := ValidateWithdrawal([]Entry{e}, Limits{})
	assert.True(t, report.Valid)
	assert.Empty(t, report.Issues)
}

func TestValidate_ZeroLimitsDisableBoundsChecks(t *testing.T) {
	entries := []Entry{entry("w1", "0x01", 0, 100.0)}
	report := ValidateFunding(entries, Limits{})
	assert.True(t, report.Valid)
}
