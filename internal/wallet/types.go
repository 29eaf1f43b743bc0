package wallet

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
)

// Role classifies a wallet inside the fleet. The role decides which
// coordination phase the wallet is funded/drained in and which weight it
// gets under weighted distribution.
type Role string

const (
	RoleDev      Role = "dev"      // deployer/developer wallets, funded first
	RoleMEV      Role = "mev"      // MEV/bundle wallets, coordinated second
	RoleFunder   Role = "funder"   // distribution wallets, handled last
	RoleNumbered Role = "numbered" // the bulk numbered fleet
)

// Roles in canonical phase precedence order.
var Roles = []Role{RoleDev, RoleMEV, RoleNumbered, RoleFunder}

// ParseRole validates a role string.
func ParseRole(s string) (Role, error) {
	switch Role(s) {
	case RoleDev, RoleMEV, RoleFunder, RoleNumbered:
		return Role(s), nil
	}
	return "", fmt.Errorf("wallet: unknown role %q", s)
}

// Snapshot is the read-only view of a wallet at planning time. The registry
// owns the record; the coordinator only ever reads it and reports balance
// changes back through the Repository.
type Snapshot struct {
	ID      string          `json:"id"`
	Address string          `json:"address"`
	Role    Role            `json:"role"`
	Balance decimal.Decimal `json:"balance"` // native BNB
}

// PartitionByRole splits wallets into per-role slices, each sorted by
// balance descending (balance-priority execution order).
func PartitionByRole(wallets []Snapshot) map[Role][]Snapshot {
	parts := make(map[Role][]Snapshot)
	for _, w := range wallets {
		parts[w.Role] = append(parts[w.Role], w)
	}
	for role := range parts {
		rs := parts[role]
		sort.SliceStable(rs, func(i, j int) bool {
			return rs[i].Balance.GreaterThan(rs[j].Balance)
		})
	}
	return parts
}

// TotalBalance sums the snapshot balances.
func TotalBalance(wallets []Snapshot) decimal.Decimal {
	total := decimal.Zero
	for _, w := range wallets {
		total = total.Add(w.Balance)
	}
	return total
}
