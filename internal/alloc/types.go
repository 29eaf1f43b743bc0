// Package alloc computes and validates per-wallet funding and withdrawal
// amounts. Calculators are pure: they take a wallet snapshot set and return
// plan entries, leaving execution to the coordinator.
package alloc

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/warchest-ops/warchest/internal/wallet"
)

// Method selects the distribution algorithm.
type Method string

const (
	MethodEqual    Method = "equal"
	MethodWeighted Method = "weighted"
	MethodCustom   Method = "custom"
	MethodSmart    Method = "smart"
)

// ParseMethod validates a distribution method name.
func ParseMethod(s string) (Method, error) {
	switch Method(s) {
	case MethodEqual, MethodWeighted, MethodCustom, MethodSmart:
		return Method(s), nil
	}
	return "", fmt.Errorf("alloc: unknown distribution method %q", s)
}

// WithdrawalType selects the recovery algorithm.
type WithdrawalType string

const (
	WithdrawAll       WithdrawalType = "all"
	WithdrawPartial   WithdrawalType = "partial"
	WithdrawEmergency WithdrawalType = "emergency"
	WithdrawByRole    WithdrawalType = "by_role"
)

// ParseWithdrawalType validates a withdrawal type name.
func ParseWithdrawalType(s string) (WithdrawalType, error) {
	switch WithdrawalType(s) {
	case WithdrawAll, WithdrawPartial, WithdrawEmergency, WithdrawByRole:
		return WithdrawalType(s), nil
	}
	return "", fmt.Errorf("alloc: unknown withdrawal type %q", s)
}

// Entry is one wallet's line in a distribution or withdrawal plan.
// FinalBalance = CurrentBalance + PlannedAmount for funding,
// CurrentBalance - PlannedAmount for withdrawals.
type Entry struct {
	WalletID       string          `json:"wallet_id"`
	Address        string          `json:"address"`
	Role           wallet.Role     `json:"role"`
	CurrentBalance decimal.Decimal `json:"current_balance"`
	PlannedAmount  decimal.Decimal `json:"planned_amount"`
	FinalBalance   decimal.Decimal `json:"final_balance"`
	RequiresAction bool            `json:"requires_action"`
}

// Total sums the planned amounts of all entries.
func Total(entries []Entry) decimal.Decimal {
	total := decimal.Zero
	for _, e := range entries {
		total = total.Add(e.PlannedAmount)
	}
	return total
}

// ActionCount returns how many entries actually move funds.
func ActionCount(entries []Entry) int {
	n := 0
	for _, e := range entries {
		if e.RequiresAction {
			n++
		}
	}
	return n
}

// DefaultRoleWeights are the weighted-distribution multipliers.
func DefaultRoleWeights() map[wallet.Role]int64 {
	return map[wallet.Role]int64{
		wallet.RoleDev:      2,
		wallet.RoleMEV:      3,
		wallet.RoleFunder:   1,
		wallet.RoleNumbered: 1,
	}
}
