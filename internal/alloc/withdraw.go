package alloc

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/warchest-ops/warchest/internal/wallet"
)

// WithdrawalInput describes one treasury recovery calculation.
type WithdrawalInput struct {
	Type    WithdrawalType
	Wallets []wallet.Snapshot

	// MinimumBalance is left behind in each wallet (gas headroom). Ignored
	// by WithdrawEmergency, which always drains fully.
	MinimumBalance decimal.Decimal

	// Percentage of the withdrawable amount to take, for WithdrawPartial.
	// Range (0, 100].
	Percentage decimal.Decimal

	// Role restricts the wallet set for WithdrawByRole.
	Role wallet.Role
}

// Withdraw computes per-wallet recovery amounts. Every planned amount is
// >= 0 and never exceeds the wallet's withdrawable balance.
func Withdraw(in WithdrawalInput) ([]Entry, error) {
	if len(in.Wallets) == 0 {
		return nil, ErrNoWallets
	}

	switch in.Type {
	case WithdrawAll:
		return withdrawAll(in.Wallets, in.MinimumBalance), nil

	case WithdrawPartial:
		if !in.Percentage.IsPositive() || in.Percentage.GreaterThan(decimal.NewFromInt(100)) {
			return nil, fmt.Errorf("alloc: partial withdrawal percentage must be in (0, 100], got %s", in.Percentage)
		}
		entries := withdrawAll(in.Wallets, in.MinimumBalance)
		factor := in.Percentage.Div(decimal.NewFromInt(100))
		for i := range entries {
			entries[i] = withdrawalEntry(in.Wallets[i], entries[i].PlannedAmount.Mul(factor))
		}
		return entries, nil

	case WithdrawEmergency:
		// Emergency mode drains fully regardless of the configured minimum.
		return withdrawAll(in.Wallets, decimal.Zero), nil

	case WithdrawByRole:
		if _, err := wallet.ParseRole(string(in.Role)); err != nil {
			return nil, err
		}
		var subset []wallet.Snapshot
		for _, w := range in.Wallets {
			if w.Role == in.Role {
				subset = append(subset, w)
			}
		}
		if len(subset) == 0 {
			return nil, fmt.Errorf("%w with role %s", ErrNoWallets, in.Role)
		}
		return withdrawAll(subset, in.MinimumBalance), nil

	default:
		return nil, fmt.Errorf("alloc: unknown withdrawal type %q", in.Type)
	}
}

func withdrawAll(wallets []wallet.Snapshot, minBalance decimal.Decimal) []Entry {
	entries := make([]Entry, 0, len(wallets))
	for _, w := range wallets {
		amount := w.Balance.Sub(minBalance)
		if amount.IsNegative() {
			amount = decimal.Zero
		}
		entries = append(entries, withdrawalEntry(w, amount))
	}
	return entries
}

func withdrawalEntry(w wallet.Snapshot, amount decimal.Decimal) Entry {
	if amount.IsNegative() {
		amount = decimal.Zero
	}
	return Entry{
		WalletID:       w.ID,
		Address:        w.Address,
		Role:           w.Role,
		CurrentBalance: w.Balance,
		PlannedAmount:  amount,
		FinalBalance:   w.Balance.Sub(amount),
		RequiresAction: amount.IsPositive(),
	}
}
