package alloc

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/warchest-ops/warchest/internal/wallet"
)

var (
	// ErrNoWallets is returned when a calculation needs at least one wallet.
	ErrNoWallets = errors.New("alloc: no wallets")

	// ErrNonPositiveTotal is returned when the funding total is zero or negative.
	ErrNonPositiveTotal = errors.New("alloc: total amount must be positive")
)

// DistributionInput describes one funding calculation.
type DistributionInput struct {
	Method      Method
	TotalAmount decimal.Decimal
	Wallets     []wallet.Snapshot

	// CustomAmounts maps wallet id to amount; used by MethodCustom only.
	CustomAmounts map[string]decimal.Decimal

	// Threshold is the balance cutoff for MethodSmart: wallets at or above
	// it receive nothing.
	Threshold decimal.Decimal

	// RoleWeights overrides DefaultRoleWeights for MethodWeighted when
	// non-nil.
	RoleWeights map[wallet.Role]int64
}

// Distribute computes per-wallet funding amounts. Entries are returned in
// the input wallet order; every planned amount is >= 0 and the entries sum
// to TotalAmount up to decimal division precision (custom and smart methods
// may allocate less).
func Distribute(in DistributionInput) ([]Entry, error) {
	switch in.Method {
	case MethodEqual:
		return distributeEqual(in)
	case MethodWeighted:
		return distributeWeighted(in)
	case MethodCustom:
		return distributeCustom(in)
	case MethodSmart:
		return distributeSmart(in)
	default:
		return nil, fmt.Errorf("alloc: unknown distribution method %q", in.Method)
	}
}

func distributeEqual(in DistributionInput) ([]Entry, error) {
	if len(in.Wallets) == 0 {
		return nil, ErrNoWallets
	}
	if !in.TotalAmount.IsPositive() {
		return nil, ErrNonPositiveTotal
	}
	per := in.TotalAmount.Div(decimal.NewFromInt(int64(len(in.Wallets))))
	entries := make([]Entry, 0, len(in.Wallets))
	for _, w := range in.Wallets {
		entries = append(entries, fundingEntry(w, per))
	}
	return entries, nil
}

func distributeWeighted(in DistributionInput) ([]Entry, error) {
	if len(in.Wallets) == 0 {
		return nil, ErrNoWallets
	}
	if !in.TotalAmount.IsPositive() {
		return nil, ErrNonPositiveTotal
	}
	weights := in.RoleWeights
	if weights == nil {
		weights = DefaultRoleWeights()
	}

	var weightSum int64
	for _, w := range in.Wallets {
		weightSum += weights[w.Role]
	}
	if weightSum <= 0 {
		return nil, fmt.Errorf("alloc: weighted distribution needs a positive weight sum, got %d", weightSum)
	}

	sum := decimal.NewFromInt(weightSum)
	entries := make([]Entry, 0, len(in.Wallets))
	for _, w := range in.Wallets {
		amount := in.TotalAmount.
			Mul(decimal.NewFromInt(weights[w.Role])).
			Div(sum)
		entries = append(entries, fundingEntry(w, amount))
	}
	return entries, nil
}

func distributeCustom(in DistributionInput) ([]Entry, error) {
	if len(in.Wallets) == 0 {
		return nil, ErrNoWallets
	}
	entries := make([]Entry, 0, len(in.Wallets))
	for _, w := range in.Wallets {
		amount := in.CustomAmounts[w.ID] // zero when absent
		entries = append(entries, fundingEntry(w, amount))
	}
	return entries, nil
}

// distributeSmart tops up only wallets below the threshold, splitting the
// total equally among them. Wallets already at or above the threshold get a
// zero entry so the plan still covers the whole fleet.
func distributeSmart(in DistributionInput) ([]Entry, error) {
	if len(in.Wallets) == 0 {
		return nil, ErrNoWallets
	}
	if !in.TotalAmount.IsPositive() {
		return nil, ErrNonPositiveTotal
	}

	var needy int64
	for _, w := range in.Wallets {
		if w.Balance.LessThan(in.Threshold) {
			needy++
		}
	}

	per := decimal.Zero
	if needy > 0 {
		per = in.TotalAmount.Div(decimal.NewFromInt(needy))
	}

	entries := make([]Entry, 0, len(in.Wallets))
	for _, w := range in.Wallets {
		if w.Balance.LessThan(in.Threshold) {
			entries = append(entries, fundingEntry(w, per))
		} else {
			entries = append(entries, fundingEntry(w, decimal.Zero))
		}
	}
	return entries, nil
}

func fundingEntry(w wallet.Snapshot, amount decimal.Decimal) Entry {
	if amount.IsNegative() {
		amount = decimal.Zero
	}
	return Entry{
		WalletID:       w.ID,
		Address:        w.Address,
		Role:           w.Role,
		CurrentBalance: w.Balance,
		PlannedAmount:  amount,
		FinalBalance:   w.Balance.Add(amount),
		RequiresAction: amount.IsPositive(),
	}
}
