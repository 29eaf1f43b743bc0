package alloc

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Severity splits validation issues into blocking and advisory classes.
type Severity string

const (
	SeverityFatal   Severity = "fatal"
	SeverityWarning Severity = "warning"
)

// Issue codes.
const (
	CodeNegativeAmount   = "negative_amount"
	CodeZeroActionAmount = "zero_action_amount"
	CodeEmptyTotal       = "empty_total"
	CodeBelowMinimum     = "below_minimum"
	CodeAboveMaximum     = "above_maximum"
	CodeTotalExceeded    = "total_exceeded"
	CodeDuplicateAddress = "duplicate_address"
	CodeBalanceCeiling   = "balance_ceiling"
	CodeOverBalance      = "over_balance"
)

// Issue is a single validation violation.
type Issue struct {
	Code     string   `json:"code"`
	Severity Severity `json:"severity"`
	WalletID string   `json:"wallet_id,omitempty"`
	Message  string   `json:"message"`
}

// Report is the outcome of validating a plan. Valid is true when no fatal
// issue was found; warnings may still be present.
type Report struct {
	Valid  bool    `json:"valid"`
	Issues []Issue `json:"issues"`
}

// Fatal returns the blocking issues.
func (r Report) Fatal() []Issue {
	var out []Issue
	for _, is := range r.Issues {
		if is.Severity == SeverityFatal {
			out = append(out, is)
		}
	}
	return out
}

// Warnings returns the advisory issues.
func (r Report) Warnings() []Issue {
	var out []Issue
	for _, is := range r.Issues {
		if is.Severity == SeverityWarning {
			out = append(out, is)
		}
	}
	return out
}

// Limits bounds a plan. A zero value disables the corresponding check.
type Limits struct {
	MinPerWallet  decimal.Decimal `json:"min_per_wallet"`
	MaxPerWallet  decimal.Decimal `json:"max_per_wallet"`
	MaxTotal      decimal.Decimal `json:"max_total"`
	SanityCeiling decimal.Decimal `json:"sanity_ceiling"` // funding: final balance above this is suspicious
}

// ValidateFunding checks a distribution plan. Every violation is collected;
// the caller gets the complete list, never just the first failure.
func ValidateFunding(entries []Entry, limits Limits) Report {
	issues := commonChecks(entries, limits)

	if limits.SanityCeiling.IsPositive() {
		for _, e := range entries {
			if e.FinalBalance.GreaterThan(limits.SanityCeiling) {
				issues = append(issues, Issue{
					Code:     CodeBalanceCeiling,
					Severity: SeverityWarning,
					WalletID: e.WalletID,
					Message:  fmt.Sprintf("final balance %s exceeds sanity ceiling %s", e.FinalBalance, limits.SanityCeiling),
				})
			}
		}
	}

	return finishReport(issues)
}

// ValidateWithdrawal checks a recovery plan.
func ValidateWithdrawal(entries []Entry, limits Limits) Report {
	issues := commonChecks(entries, limits)

	for _, e := range entries {
		if e.PlannedAmount.GreaterThan(e.CurrentBalance) {
			issues = append(issues, Issue{
				Code:     CodeOverBalance,
				Severity: SeverityFatal,
				WalletID: e.WalletID,
				Message:  fmt.Sprintf("withdrawal %s exceeds balance %s", e.PlannedAmount, e.CurrentBalance),
			})
		}
	}

	return finishReport(issues)
}

func commonChecks(entries []Entry, limits Limits) []Issue {
	var issues []Issue

	// 1. No negative amounts.
	for _, e := range entries {
		if e.PlannedAmount.IsNegative() {
			issues = append(issues, Issue{
				Code:     CodeNegativeAmount,
				Severity: SeverityFatal,
				WalletID: e.WalletID,
				Message:  fmt.Sprintf("negative amount %s", e.PlannedAmount),
			})
		}
	}

	// 2. Wallets flagged for action must have something to do.
	for _, e := range entries {
		if e.RequiresAction && !e.PlannedAmount.IsPositive() {
			issues = append(issues, Issue{
				Code:     CodeZeroActionAmount,
				Severity: SeverityFatal,
				WalletID: e.WalletID,
				Message:  "wallet requires action but has no amount",
			})
		}
	}

	// 3. The plan must move something.
	if !Total(entries).IsPositive() {
		issues = append(issues, Issue{
			Code:     CodeEmptyTotal,
			Severity: SeverityFatal,
			Message:  "plan total must be positive",
		})
	}

	// 4. Per-wallet bounds, applied to wallets that actually move funds.
	for _, e := range entries {
		if !e.PlannedAmount.IsPositive() {
			continue
		}
		if limits.MinPerWallet.IsPositive() && e.PlannedAmount.LessThan(limits.MinPerWallet) {
			issues = append(issues, Issue{
				Code:     CodeBelowMinimum,
				Severity: SeverityFatal,
				WalletID: e.WalletID,
				Message:  fmt.Sprintf("amount %s below per-wallet minimum %s", e.PlannedAmount, limits.MinPerWallet),
			})
		}
		if limits.MaxPerWallet.IsPositive() && e.PlannedAmount.GreaterThan(limits.MaxPerWallet) {
			issues = append(issues, Issue{
				Code:     CodeAboveMaximum,
				Severity: SeverityFatal,
				WalletID: e.WalletID,
				Message:  fmt.Sprintf("amount %s above per-wallet maximum %s", e.PlannedAmount, limits.MaxPerWallet),
			})
		}
	}

	// 5. Total cap.
	if limits.MaxTotal.IsPositive() {
		if total := Total(entries); total.GreaterThan(limits.MaxTotal) {
			issues = append(issues, Issue{
				Code:     CodeTotalExceeded,
				Severity: SeverityFatal,
				Message:  fmt.Sprintf("plan total %s exceeds maximum %s", total, limits.MaxTotal),
			})
		}
	}

	// 6. Duplicate destinations.
	seen := make(map[string]string, len(entries))
	for _, e := range entries {
		if prev, dup := seen[e.Address]; dup {
			issues = append(issues, Issue{
				Code:     CodeDuplicateAddress,
				Severity: SeverityFatal,
				WalletID: e.WalletID,
				Message:  fmt.Sprintf("address %s already used by wallet %s", e.Address, prev),
			})
			continue
		}
		seen[e.Address] = e.WalletID
	}

	return issues
}

func finishReport(issues []Issue) Report {
	report := Report{Valid: true, Issues: issues}
	for _, is := range issues {
		if is.Severity == SeverityFatal {
			report.Valid = false
			break
		}
	}
	return report
}
